package engine

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/uavforge/commandlink/internal/backend"
	"github.com/uavforge/commandlink/internal/state"
	"github.com/uavforge/commandlink/internal/telemetry"
)

var errRefused = errors.New("command refused")

// mockBackend simulates a vehicle whose calls succeed instantly unless
// scripted to fail.
type mockBackend struct {
	mu        sync.Mutex
	connected bool
	armed     bool
	mode      string
	emergency bool
	pos       telemetry.Position

	armErr     error
	disarmErr  error
	takeoffErr error
	landErr    error

	climbTo float64

	armCalls, takeoffCalls, landCalls int
	rtlCalls, emergencyCalls          int
}

func newMock() *mockBackend {
	return &mockBackend{connected: true, mode: "position", climbTo: 10}
}

func (m *mockBackend) setEmergency(on bool) {
	m.mu.Lock()
	m.emergency = on
	m.mu.Unlock()
}

func (m *mockBackend) Connect(context.Context, string) error { return nil }
func (m *mockBackend) Disconnect(context.Context) error      { return nil }

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
	defer m.mu.Unlock()
	if m.disarmErr != nil {
		return m.disarmErr
	}
	m.armed = false
	m.emergency = false
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
	m.rtlCalls++
	m.mode = "rtl"
	m.mu.Unlock()
	return nil
}

func (m *mockBackend) HoldPosition(context.Context) error {
	m.mu.Lock()
	m.mode = "loiter"
	m.mu.Unlock()
	return nil
}

func (m *mockBackend) GotoPosition(_ context.Context, target telemetry.Position, _ backend.GotoOptions) error {
	m.mu.Lock()
	m.pos.North, m.pos.East, m.pos.Down = target.North, target.East, target.Down
	m.pos.AltRel = -target.Down
	m.mu.Unlock()
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
	st := state.Derive(m.connected, m.armed, m.mode, m.pos.AltRel)
	if m.emergency {
		st = state.Emergency
	}
	return telemetry.Telemetry{
		VehicleID: "mock",
		State:     st,
		Armed:     m.armed,
		Mode:      m.mode,
		Connected: m.connected,
		Position:  m.pos,
	}
}

func (m *mockBackend) EmergencyStop(context.Context) error {
	m.mu.Lock()
	m.emergencyCalls++
	m.emergency = true
	m.mu.Unlock()
	return nil
}

func (m *mockBackend) counts() (arm, takeoff, land, rtl, stop int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.armCalls, m.takeoffCalls, m.landCalls, m.rtlCalls, m.emergencyCalls
}

// memoryRecorder collects finished executions.
type memoryRecorder struct {
	mu      sync.Mutex
	records []Execution
}

func (r *memoryRecorder) RecordExecution(e Execution) {
	r.mu.Lock()
	r.records = append(r.records, e)
	r.mu.Unlock()
}

func (r *memoryRecorder) all() []Execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Execution, len(r.records))
	copy(out, r.records)
	return out
}
