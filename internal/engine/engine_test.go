package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uavforge/commandlink/internal/backend"
	"github.com/uavforge/commandlink/internal/catalog"
	"github.com/uavforge/commandlink/internal/commands"
)

const testTick = 5 * time.Millisecond

// testFactories shortens the poll intervals of the stock commands so
// convergence is observed within a test run.
func testFactories() map[string]commands.Factory {
	f := commands.Factories()
	f["takeoff"] = func(p catalog.Params) (commands.Command, error) {
		return &commands.Takeoff{
			Altitude: p.Float("altitude"),
			Fraction: 0.9,
			Grace:    500 * time.Millisecond,
			Interval: testTick,
		}, nil
	}
	f["land"] = func(catalog.Params) (commands.Command, error) {
		return &commands.Land{Interval: testTick}, nil
	}
	f["rtl"] = func(p catalog.Params) (commands.Command, error) {
		return &commands.ReturnToLaunch{WaitForLanding: p.Bool("wait_for_landing"), Interval: testTick}, nil
	}
	f["arm"] = func(catalog.Params) (commands.Command, error) {
		return &commands.Arm{Interval: testTick}, nil
	}
	f["disarm"] = func(catalog.Params) (commands.Command, error) {
		return &commands.Disarm{Interval: testTick}, nil
	}
	f["set_mode"] = func(p catalog.Params) (commands.Command, error) {
		return &commands.SetMode{Mode: p.String("mode"), Interval: testTick}, nil
	}
	return f
}

func startEngine(t *testing.T, m *mockBackend, factories map[string]commands.Factory, rec Recorder) *Engine {
	t.Helper()
	e, err := New(catalog.New(nil), factories, m, rec)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	e.Start(ctx, &wg)
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return e
}

func awaitDone(t *testing.T, e *Engine, id string) Execution {
	t.Helper()
	var exec Execution
	require.Eventually(t, func() bool {
		var ok bool
		exec, ok = e.Execution(id)
		return ok && exec.Status != StatusPending && exec.Status != StatusRunning
	}, 10*time.Second, testTick)
	return exec
}

func TestNewRejectsFactoryMismatch(t *testing.T) {
	f := testFactories()
	delete(f, "land")
	_, err := New(catalog.New(nil), f, newMock(), nil)
	assert.Error(t, err)
}

func TestEnqueueRejectsInvalidRequests(t *testing.T) {
	e := startEngine(t, newMock(), testFactories(), nil)

	_, err := e.Enqueue([]catalog.Request{{Name: "teleport"}})
	var verr *catalog.ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = e.Enqueue([]catalog.Request{
		{Name: "takeoff", Params: map[string]interface{}{"altitude": 9000.0}},
	})
	require.ErrorAs(t, err, &verr)

	_, err = e.Enqueue(nil)
	assert.Error(t, err)
}

func TestConcurrentEnqueueMintsUniqueIDs(t *testing.T) {
	// The consumer is deliberately not started so every id stays in the
	// history; ids minted from concurrent transports must never collide.
	e, err := New(catalog.New(nil), testFactories(), newMock(), nil)
	require.NoError(t, err)

	const goroutines = 4
	const perGoroutine = 4

	var wg sync.WaitGroup
	idCh := make(chan string, goroutines*perGoroutine*3)
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				ids, err := e.Enqueue([]catalog.Request{
					{Name: "wait"},
					{Name: "hold"},
					{Name: "disarm"},
				})
				assert.NoError(t, err)
				for _, id := range ids {
					idCh <- id
				}
			}
		}()
	}
	wg.Wait()
	close(idCh)

	seen := map[string]bool{}
	for id := range idCh {
		assert.False(t, seen[id], "duplicate execution id %s", id)
		seen[id] = true
	}
	assert.Len(t, seen, goroutines*perGoroutine*3)
}

func TestSequenceRunsToCompletion(t *testing.T) {
	// Freshly connected vehicle that reaches 9.2 m of the requested 10 m.
	m := newMock()
	m.climbTo = 9.2
	rec := &memoryRecorder{}
	e := startEngine(t, m, testFactories(), rec)

	ids, err := e.Enqueue([]catalog.Request{
		{Name: "takeoff", Params: map[string]interface{}{"altitude": 10.0}},
		{Name: "wait", Params: map[string]interface{}{"seconds": 0.02}},
		{Name: "land"},
	})
	require.NoError(t, err)
	require.Len(t, ids, 3)

	for _, id := range ids {
		exec := awaitDone(t, e, id)
		assert.Equal(t, StatusSucceeded, exec.Status, exec.Request.Name)
	}
	assert.True(t, m.State().Grounded())
	assert.Len(t, rec.all(), 3)
}

func TestRetryBudgetExhausted(t *testing.T) {
	m := newMock()
	m.armErr = errRefused
	e := startEngine(t, m, testFactories(), nil)

	// arm allows one retry, so exactly two attempts.
	ids, err := e.Enqueue([]catalog.Request{{Name: "arm"}})
	require.NoError(t, err)

	exec := awaitDone(t, e, ids[0])
	assert.Equal(t, StatusFailed, exec.Status)
	assert.Equal(t, 2, exec.Attempts)
	arm, _, _, _, _ := m.counts()
	assert.Equal(t, 2, arm)
}

func TestFirstSuccessStopsRetrying(t *testing.T) {
	m := newMock()
	e := startEngine(t, m, testFactories(), nil)

	ids, err := e.Enqueue([]catalog.Request{{Name: "arm"}})
	require.NoError(t, err)

	exec := awaitDone(t, e, ids[0])
	assert.Equal(t, StatusSucceeded, exec.Status)
	assert.Equal(t, 1, exec.Attempts)
	arm, _, _, _, _ := m.counts()
	assert.Equal(t, 1, arm)
}

func TestCriticalFailureTriggersFailsafeOnceAndHalts(t *testing.T) {
	m := newMock()
	m.takeoffErr = errRefused
	e := startEngine(t, m, testFactories(), nil)

	ids, err := e.Enqueue([]catalog.Request{
		{Name: "takeoff", Params: map[string]interface{}{"altitude": 10.0}},
		{Name: "wait"},
	})
	require.NoError(t, err)

	exec := awaitDone(t, e, ids[0])
	assert.Equal(t, StatusFailed, exec.Status)
	assert.Equal(t, 2, exec.Attempts)

	tail := awaitDone(t, e, ids[1])
	assert.Equal(t, StatusCancelled, tail.Status)

	_, _, land, _, _ := m.counts()
	assert.Equal(t, 1, land)
}

func TestNonCriticalFailureContinuesSequence(t *testing.T) {
	m := newMock()
	m.armed = true
	m.disarmErr = errRefused
	e := startEngine(t, m, testFactories(), nil)

	ids, err := e.Enqueue([]catalog.Request{
		{Name: "disarm"},
		{Name: "wait", Params: map[string]interface{}{"seconds": 0.01}},
	})
	require.NoError(t, err)

	exec := awaitDone(t, e, ids[0])
	assert.Equal(t, StatusFailed, exec.Status)

	tail := awaitDone(t, e, ids[1])
	assert.Equal(t, StatusSucceeded, tail.Status)
}

func TestDoubleFailureHaltsUntilDisarm(t *testing.T) {
	m := newMock()
	m.takeoffErr = errRefused
	m.landErr = errRefused
	e := startEngine(t, m, testFactories(), nil)

	ids, err := e.Enqueue([]catalog.Request{
		{Name: "takeoff", Params: map[string]interface{}{"altitude": 10.0}},
	})
	require.NoError(t, err)

	exec := awaitDone(t, e, ids[0])
	assert.Equal(t, StatusFailed, exec.Status)
	assert.Eventually(t, func() bool {
		got, _ := e.Execution(ids[0])
		return got.Result.ErrorTag == TagFailsafeFailed
	}, 5*time.Second, testTick)

	_, _, _, _, stops := m.counts()
	assert.Equal(t, 1, stops)

	// Halted: further sequences are dropped until the emergency clears.
	dropped, err := e.Enqueue([]catalog.Request{{Name: "wait"}})
	require.NoError(t, err)
	droppedExec := awaitDone(t, e, dropped[0])
	assert.Equal(t, StatusCancelled, droppedExec.Status)

	m.setEmergency(false)
	ids2, err := e.Enqueue([]catalog.Request{
		{Name: "wait", Params: map[string]interface{}{"seconds": 0.01}},
	})
	require.NoError(t, err)
	exec2 := awaitDone(t, e, ids2[0])
	assert.Equal(t, StatusSucceeded, exec2.Status)
}

func TestTimeoutContinueSkipsRetryAndFailsafe(t *testing.T) {
	// A vehicle that never leaves the ground: takeoff can only time out.
	m := newMock()
	m.climbTo = 0
	cat := catalog.New(map[string]*catalog.CommandSpec{
		"takeoff": {
			Params: map[string]catalog.ParamSpec{
				"altitude": {Type: catalog.TypeFloat, Default: 10.0},
			},
			Critical:        true,
			Failsafe:        catalog.FailsafeLand,
			MaxRetries:      1,
			TimeoutSeconds:  0.05,
			TimeoutBehavior: catalog.TimeoutContinue,
		},
	})
	e, err := New(cat, testFactories(), m, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	e.Start(ctx, &wg)
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	ids, err := e.Enqueue([]catalog.Request{
		{Name: "takeoff", Params: map[string]interface{}{"altitude": 10.0}},
		{Name: "wait", Params: map[string]interface{}{"seconds": 0.01}},
	})
	require.NoError(t, err)

	exec := awaitDone(t, e, ids[0])
	assert.Equal(t, StatusFailed, exec.Status)
	assert.Equal(t, commands.TagTimeout, exec.Result.ErrorTag)
	// No second attempt: the timeout spent the command's whole time budget.
	assert.Equal(t, 1, exec.Attempts)

	// The sequence continues and no failsafe fires despite criticality.
	tail := awaitDone(t, e, ids[1])
	assert.Equal(t, StatusSucceeded, tail.Status)
	_, _, land, _, _ := m.counts()
	assert.Equal(t, 0, land)
}

func TestPanicLandsAndAbortsSequence(t *testing.T) {
	m := newMock()
	f := testFactories()
	f["hold"] = func(catalog.Params) (commands.Command, error) {
		return panicCommand{}, nil
	}
	e := startEngine(t, m, f, nil)

	ids, err := e.Enqueue([]catalog.Request{
		{Name: "hold"},
		{Name: "wait"},
	})
	require.NoError(t, err)

	exec := awaitDone(t, e, ids[0])
	assert.Equal(t, StatusFailed, exec.Status)
	assert.Equal(t, TagFault, exec.Result.ErrorTag)

	tail := awaitDone(t, e, ids[1])
	assert.Equal(t, StatusCancelled, tail.Status)

	_, _, land, _, _ := m.counts()
	assert.Equal(t, 1, land)
}

func TestOrbitModeConflictRejectedWithoutBackendCalls(t *testing.T) {
	m := newMock()
	e := startEngine(t, m, testFactories(), nil)

	ids, err := e.Enqueue([]catalog.Request{
		{Name: "orbit", Params: map[string]interface{}{"duration": 30.0, "loops": 2, "continuous": true}},
	})
	require.NoError(t, err)

	exec := awaitDone(t, e, ids[0])
	assert.Equal(t, StatusFailed, exec.Status)
	assert.Equal(t, commands.TagValidation, exec.Result.ErrorTag)
	assert.Equal(t, 1, exec.Attempts)
}

func TestEmergencyStopCancelsRunningCommand(t *testing.T) {
	m := newMock()
	e := startEngine(t, m, testFactories(), nil)

	ids, err := e.Enqueue([]catalog.Request{
		{Name: "wait", Params: map[string]interface{}{"seconds": 60.0}},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		exec, ok := e.Execution(ids[0])
		return ok && exec.Status == StatusRunning
	}, 5*time.Second, testTick)
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, e.EmergencyStop(context.Background()))

	exec := awaitDone(t, e, ids[0])
	assert.Equal(t, StatusCancelled, exec.Status)
	_, _, _, _, stops := m.counts()
	assert.Equal(t, 1, stops)
}

func TestStatusSnapshot(t *testing.T) {
	m := newMock()
	e := startEngine(t, m, testFactories(), nil)

	st := e.Status()
	assert.Equal(t, 0, st.QueueDepth)
	assert.Nil(t, st.Current)

	ids, err := e.Enqueue([]catalog.Request{
		{Name: "wait", Params: map[string]interface{}{"seconds": 0.5}},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st := e.Status()
		return st.Current != nil && st.Current.ID == ids[0]
	}, 5*time.Second, testTick)
}

type panicCommand struct{}

func (panicCommand) Name() string { return "hold" }

func (panicCommand) Run(context.Context, backend.Backend) commands.Result {
	panic("unreachable")
}
