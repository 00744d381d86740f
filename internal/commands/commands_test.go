package commands

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uavforge/commandlink/internal/catalog"
)

const testTick = 5 * time.Millisecond

func validated(t *testing.T, name string, raw map[string]interface{}) catalog.Params {
	t.Helper()
	p, err := catalog.New(nil).Validate(name, raw)
	require.NoError(t, err)
	return p
}

func TestFactoriesCoverCatalog(t *testing.T) {
	require.NoError(t, CheckCatalog(Factories(), catalog.New(nil)))
}

func TestFactoriesBuildFromDefaults(t *testing.T) {
	cat := catalog.New(nil)
	for name, factory := range Factories() {
		raw := map[string]interface{}{}
		if name == "set_mode" {
			raw["mode"] = "loiter"
		}
		if name == "orbit" {
			raw["continuous"] = true
		}
		p, err := cat.Validate(name, raw)
		require.NoError(t, err, name)
		cmd, err := factory(p)
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
}

func TestTakeoffLenientConvergence(t *testing.T) {
	// 9.2 m of 10 m requested is within the lenient fraction.
	m := newMock()
	m.climbTo = 9.2
	cmd := &Takeoff{Altitude: 10, Fraction: takeoffFraction, Grace: time.Second, Interval: testTick}

	res := cmd.Run(context.Background(), m)
	assert.True(t, res.Success, res.Message)
	assert.Contains(t, res.Message, "9.2")
	arm, takeoff, _, _, _ := m.calls()
	assert.Equal(t, 1, arm)
	assert.Equal(t, 1, takeoff)
}

func TestTakeoffAlreadyAirborne(t *testing.T) {
	m := newMock().flying(5)
	cmd := &Takeoff{Altitude: 10, Fraction: takeoffFraction, Grace: time.Second, Interval: testTick}

	res := cmd.Run(context.Background(), m)
	assert.True(t, res.Success)
	assert.Equal(t, "already airborne", res.Message)
	_, takeoff, _, _, _ := m.calls()
	assert.Zero(t, takeoff)
}

func TestTakeoffSoftSuccessAfterGrace(t *testing.T) {
	// Stuck at 3 m of 10 m: below the fraction but measurably airborne.
	m := newMock()
	m.climbTo = 3
	cmd := &Takeoff{Altitude: 10, Fraction: takeoffFraction, Grace: 30 * time.Millisecond, Interval: testTick}

	res := cmd.Run(context.Background(), m)
	assert.True(t, res.Success, res.Message)
	assert.Contains(t, res.Message, "airborne at")
}

func TestTakeoffBackendFailure(t *testing.T) {
	m := newMock()
	m.takeoffErr = errRefused
	cmd := &Takeoff{Altitude: 10, Fraction: takeoffFraction, Grace: time.Second, Interval: testTick}

	res := cmd.Run(context.Background(), m)
	assert.False(t, res.Success)
	assert.Equal(t, TagBackend, res.ErrorTag)
}

func TestTakeoffTimeoutReportsPartialProgress(t *testing.T) {
	m := newMock()
	m.climbTo = 6
	cmd := &Takeoff{Altitude: 10, Fraction: takeoffFraction, Grace: time.Hour, Interval: testTick}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res := cmd.Run(ctx, m)
	assert.False(t, res.Success)
	assert.Equal(t, TagTimeout, res.ErrorTag)
	assert.Contains(t, res.Message, "6.0 m of 10.0 m")
}

func TestLandIdempotentOnGround(t *testing.T) {
	m := newMock()
	cmd := &Land{Interval: testTick}

	res := cmd.Run(context.Background(), m)
	assert.True(t, res.Success)
	assert.Equal(t, "already landed", res.Message)
	assert.Equal(t, true, res.Data["already_landed"])
	_, _, land, _, _ := m.calls()
	assert.Zero(t, land)
}

func TestLandDisconnected(t *testing.T) {
	m := newMock()
	m.connected = false
	cmd := &Land{Interval: testTick}

	res := cmd.Run(context.Background(), m)
	assert.False(t, res.Success)
	assert.Equal(t, TagDisconnected, res.ErrorTag)
}

func TestLandFromFlight(t *testing.T) {
	m := newMock().flying(12)
	cmd := &Land{Interval: testTick}

	res := cmd.Run(context.Background(), m)
	assert.True(t, res.Success, res.Message)
	assert.True(t, m.State().Grounded())
	_, _, land, _, _ := m.calls()
	assert.Equal(t, 1, land)
}

func TestRTLWithoutWaiting(t *testing.T) {
	m := newMock().flying(15)
	cmd := &ReturnToLaunch{WaitForLanding: false, Interval: testTick}

	res := cmd.Run(context.Background(), m)
	assert.True(t, res.Success, res.Message)
	assert.Equal(t, "return mode active", res.Message)
	assert.False(t, m.State().Grounded())
}

func TestRTLWaitForLanding(t *testing.T) {
	m := newMock().flying(15)
	m.landOnRTL = true
	cmd := &ReturnToLaunch{WaitForLanding: true, Interval: testTick}

	res := cmd.Run(context.Background(), m)
	assert.True(t, res.Success, res.Message)
	assert.True(t, m.State().Grounded())
}

func TestWaitCancelled(t *testing.T) {
	cmd := &Wait{Seconds: 60}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	res := cmd.Run(ctx, newMock())
	assert.False(t, res.Success)
	assert.Equal(t, TagCancelled, res.ErrorTag)
}

func TestWaitCompletes(t *testing.T) {
	cmd := &Wait{Seconds: 0.01}
	res := cmd.Run(context.Background(), newMock())
	assert.True(t, res.Success)
}

func TestArmIdempotent(t *testing.T) {
	m := newMock()
	m.armed = true
	res := (&Arm{Interval: testTick}).Run(context.Background(), m)
	assert.True(t, res.Success)
	arm, _, _, _, _ := m.calls()
	assert.Zero(t, arm)
}

func TestSetMode(t *testing.T) {
	m := newMock()
	res := (&SetMode{Mode: "loiter", Interval: testTick}).Run(context.Background(), m)
	assert.True(t, res.Success, res.Message)
	assert.Equal(t, "loiter", m.FlightMode())
}

func TestGotoConverges(t *testing.T) {
	m := newMock().flying(2)
	cmd := &Goto{
		North: 10, East: -4, Down: -5,
		Tolerance: 1, MaxSpeed: 5,
		Interval: testTick, NoMoveWindow: time.Second,
	}

	res := cmd.Run(context.Background(), m)
	assert.True(t, res.Success, res.Message)
	assert.InDelta(t, 10, m.Telemetry().Position.North, 1e-9)
	_, _, _, _, gt := m.calls()
	assert.GreaterOrEqual(t, gt, 1)
}

func TestGotoRelativeConverges(t *testing.T) {
	m := newMock().flying(2)
	m.pos.North, m.pos.East = 3, 3
	cmd := &Goto{
		North: 5, East: 0, Down: 0, Relative: true,
		Tolerance: 1, MaxSpeed: 5,
		Interval: testTick, NoMoveWindow: time.Second,
	}

	res := cmd.Run(context.Background(), m)
	assert.True(t, res.Success, res.Message)
	assert.InDelta(t, 8, m.Telemetry().Position.North, 1e-9)
	assert.InDelta(t, 3, m.Telemetry().Position.East, 1e-9)
}

func TestGotoNoMovementDetected(t *testing.T) {
	// Motion commands are issued but the vehicle never leaves the start
	// point: the diagnosis must name the stuck vehicle, not a bare timeout.
	m := newMock().flying(2)
	m.frozen = true
	cmd := &Goto{
		North: 5, East: 0, Down: -2, Relative: true,
		Tolerance: 1, MaxSpeed: 5,
		Interval: testTick, NoMoveWindow: 40 * time.Millisecond,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res := cmd.Run(ctx, m)
	assert.False(t, res.Success)
	assert.Equal(t, TagNoMovement, res.ErrorTag)
	assert.Equal(t, "no movement detected", res.Message)
	_, _, _, _, gt := m.calls()
	assert.GreaterOrEqual(t, gt, 1)
}

func TestGotoEnvelopeValidation(t *testing.T) {
	m := newMock().flying(2)
	m.pos.North = 495
	cmd := &Goto{
		North: 20, Relative: true,
		Tolerance: 1, Interval: testTick, NoMoveWindow: time.Second,
	}

	res := cmd.Run(context.Background(), m)
	assert.False(t, res.Success)
	assert.Equal(t, TagValidation, res.ErrorTag)
	_, _, _, _, gt := m.calls()
	assert.Zero(t, gt)
}

func TestGotoCeilingValidation(t *testing.T) {
	m := newMock().flying(100)
	cmd := &Goto{
		North: 0, East: 0, Down: -50, Relative: true,
		Tolerance: 1, Interval: testTick, NoMoveWindow: time.Second,
	}

	res := cmd.Run(context.Background(), m)
	assert.False(t, res.Success)
	assert.Equal(t, TagValidation, res.ErrorTag)
}

func TestGotoNeedsLocalEstimate(t *testing.T) {
	m := newMock()
	m.armed = true
	res := (&Goto{North: 5, Tolerance: 1, Interval: testTick, NoMoveWindow: time.Second}).
		Run(context.Background(), m)
	assert.False(t, res.Success)
	assert.Equal(t, TagBackend, res.ErrorTag)
}

func TestOrbitDurationModesExclusive(t *testing.T) {
	cases := []map[string]interface{}{
		{"duration": 30.0, "loops": 3},
		{"duration": 30.0, "continuous": true},
		{"loops": 3, "continuous": true},
		{"duration": 30.0, "loops": 3, "continuous": true},
		{}, // none is as wrong as several
	}
	for _, raw := range cases {
		p := validated(t, "orbit", raw)
		_, err := newOrbit(p)
		var verr *catalog.ValidationError
		assert.ErrorAs(t, err, &verr, "%v", raw)
	}

	p := validated(t, "orbit", map[string]interface{}{"loops": 3})
	_, err := newOrbit(p)
	assert.NoError(t, err)
}

func TestOrbitCenterPairValidation(t *testing.T) {
	p := validated(t, "orbit", map[string]interface{}{"continuous": true, "center_lat": 47.39})
	_, err := newOrbit(p)
	var verr *catalog.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestOrbitFixedDuration(t *testing.T) {
	m := newMock().flying(10)
	cmd := &Orbit{
		Radius: 10, Velocity: 2,
		Duration: 40 * time.Millisecond,
		Interval: testTick,
	}

	res := cmd.Run(context.Background(), m)
	assert.True(t, res.Success, res.Message)
	_, _, _, _, gt := m.calls()
	assert.GreaterOrEqual(t, gt, 1)
}

func TestOrbitLoopCount(t *testing.T) {
	// Tiny circle at high speed so a loop completes within the test.
	m := newMock().flying(10)
	cmd := &Orbit{
		Radius: 2, Velocity: 10,
		Loops:    1,
		Interval: testTick,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res := cmd.Run(ctx, m)
	assert.True(t, res.Success, res.Message)
	assert.GreaterOrEqual(t, res.Data["loops"].(float64), 1.0)
}

func TestOrbitAbortsOnEmergency(t *testing.T) {
	m := newMock().flying(10)
	m.emergency = true
	cmd := &Orbit{
		Radius: 10, Velocity: 2,
		Continuous: true,
		Interval:   testTick,
	}

	res := cmd.Run(context.Background(), m)
	assert.False(t, res.Success)
	assert.Equal(t, TagAborted, res.ErrorTag)
}

func TestOrbitContinuousRunsUntilCancelled(t *testing.T) {
	m := newMock().flying(10)
	cmd := &Orbit{
		Radius: 10, Velocity: 2,
		Continuous: true,
		Interval:   testTick,
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	res := cmd.Run(ctx, m)
	assert.False(t, res.Success)
	assert.Equal(t, TagCancelled, res.ErrorTag)
}
