package commands

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/uavforge/commandlink/internal/backend"
	"github.com/uavforge/commandlink/internal/state"
	"github.com/uavforge/commandlink/internal/telemetry"
)

// mockBackend is a scriptable in-memory vehicle. Mutating calls update the
// simulated state instantly unless told to fail; commands observe the result
// on their next poll.
type mockBackend struct {
	mu        sync.Mutex
	connected bool
	armed     bool
	mode      string
	emergency bool
	pos       telemetry.Position

	armErr     error
	takeoffErr error
	landErr    error

	climbTo   float64 // relative altitude reached by a takeoff
	frozen    bool    // ignore position targets entirely
	landOnRTL bool

	armCalls, takeoffCalls, landCalls int
	rtlCalls, holdCalls, gotoCalls    int
}

func newMock() *mockBackend {
	return &mockBackend{connected: true, mode: "position", climbTo: 10}
}

func (m *mockBackend) flying(altRel float64) *mockBackend {
	m.armed = true
	m.pos.AltRel = altRel
	m.pos.Down = -altRel
	m.pos.HasLocal = true
	return m
}

func (m *mockBackend) Connect(context.Context, string) error { return nil }

func (m *mockBackend) Disconnect(context.Context) error {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
	return nil
}

func (m *mockBackend) Arm(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.armCalls++
	if m.armErr != nil {
		return m.armErr
	}
	m.armed = true
	return nil
}

func (m *mockBackend) Disarm(context.Context) error {
	m.mu.Lock()
	m.armed = false
	m.mu.Unlock()
	return nil
}

func (m *mockBackend) Takeoff(_ context.Context, altitude float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.takeoffCalls++
	if m.takeoffErr != nil {
		return m.takeoffErr
	}
	reached := m.climbTo
	if altitude < reached {
		reached = altitude
	}
	m.pos.AltRel = reached
	m.pos.Down = -reached
	m.pos.HasLocal = true
	return nil
}

func (m *mockBackend) Land(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.landCalls++
	if m.landErr != nil {
		return m.landErr
	}
	m.pos.AltRel = 0
	m.pos.Down = 0
	m.armed = false
	return nil
}

func (m *mockBackend) ReturnToLaunch(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rtlCalls++
	m.mode = "rtl"
	if m.landOnRTL {
		m.pos.North, m.pos.East = 0, 0
		m.pos.AltRel = 0
		m.pos.Down = 0
		m.armed = false
	}
	return nil
}

func (m *mockBackend) HoldPosition(context.Context) error {
	m.mu.Lock()
	m.holdCalls++
	m.mode = "loiter"
	m.mu.Unlock()
	return nil
}

func (m *mockBackend) GotoPosition(_ context.Context, target telemetry.Position, _ backend.GotoOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gotoCalls++
	if m.frozen {
		return nil
	}
	m.pos.North = target.North
	m.pos.East = target.East
	m.pos.Down = target.Down
	m.pos.AltRel = -target.Down
	return nil
}

func (m *mockBackend) SetFlightMode(_ context.Context, mode string) error {
	m.mu.Lock()
	m.mode = mode
	m.mu.Unlock()
	return nil
}

func (m *mockBackend) State() state.DroneState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.emergency {
		return state.Emergency
	}
	return state.Derive(m.connected, m.armed, m.mode, m.pos.AltRel)
}

func (m *mockBackend) Armed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.armed
}

func (m *mockBackend) FlightMode() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

func (m *mockBackend) Telemetry() telemetry.Telemetry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return telemetry.Telemetry{
		VehicleID: "mock",
		State:     m.stateLocked(),
		Armed:     m.armed,
		Mode:      m.mode,
		Connected: m.connected,
		Position:  m.pos,
	}
}

func (m *mockBackend) stateLocked() state.DroneState {
	if m.emergency {
		return state.Emergency
	}
	return state.Derive(m.connected, m.armed, m.mode, m.pos.AltRel)
}

func (m *mockBackend) EmergencyStop(context.Context) error {
	m.mu.Lock()
	m.emergency = true
	m.mu.Unlock()
	return nil
}

func (m *mockBackend) calls() (arm, takeoff, land, rtl, gt int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.armCalls, m.takeoffCalls, m.landCalls, m.rtlCalls, m.gotoCalls
}

var errRefused = errors.New("command refused")
