// Package state derives the coarse operational state of the vehicle from the
// signals a backend reports: link status, the armed flag, the flight mode and
// altitude above the arm point. The state is never stored on the vehicle; it
// is recomputed on every query.
package state

import "sync"

// DroneState is the coarse operational state.
type DroneState string

const (
	Disconnected DroneState = "disconnected"
	Disarmed     DroneState = "disarmed"
	Armed        DroneState = "armed"
	TakingOff    DroneState = "taking_off"
	Flying       DroneState = "flying"
	Landing      DroneState = "landing"
	Emergency    DroneState = "emergency"
)

// airborneAltitude is the relative altitude above which an armed vehicle is
// considered flying even outside an explicit flight mode.
const airborneAltitude = 1.0

// Derive computes the state from raw backend signals. relAlt is metres above
// the arm point.
func Derive(connected, armed bool, mode string, relAlt float64) DroneState {
	if !connected {
		return Disconnected
	}
	if !armed {
		return Disarmed
	}
	switch mode {
	case "takeoff":
		return TakingOff
	case "land":
		return Landing
	}
	if relAlt >= airborneAltitude {
		return Flying
	}
	return Armed
}

// Grounded reports whether s is a state in which the vehicle is safely on the
// ground.
func (s DroneState) Grounded() bool {
	return s == Disconnected || s == Disarmed || s == Armed
}

// Airborne reports whether s is a flight state.
func (s DroneState) Airborne() bool {
	return s == TakingOff || s == Flying || s == Landing
}

// transitions lists the legal successor states. Disconnected is reachable
// from anywhere (link loss), emergency likewise (explicit trigger), so both
// are implicit and omitted from the targets here.
var transitions = map[DroneState][]DroneState{
	Disconnected: {Disarmed},
	Disarmed:     {Armed},
	Armed:        {Disarmed, TakingOff, Flying},
	TakingOff:    {Flying, Landing},
	Flying:       {Landing, Flying},
	Landing:      {Disarmed, Armed, Flying},
	Emergency:    {Disarmed, Landing},
}

// CanTransition reports whether moving from one state to another is legal.
func CanTransition(from, to DroneState) bool {
	if from == to {
		return true
	}
	if to == Disconnected || to == Emergency {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Machine tracks the one piece of state that cannot be derived from backend
// signals: a latched emergency, set by the execution engine on unrecoverable
// failures and cleared by an explicit disarm.
type Machine struct {
	mu        sync.Mutex
	emergency bool
}

// TriggerEmergency latches the emergency state.
func (m *Machine) TriggerEmergency() {
	m.mu.Lock()
	m.emergency = true
	m.mu.Unlock()
}

// ClearEmergency releases the latch.
func (m *Machine) ClearEmergency() {
	m.mu.Lock()
	m.emergency = false
	m.mu.Unlock()
}

// InEmergency reports whether the latch is set.
func (m *Machine) InEmergency() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.emergency
}

// Current applies the emergency latch on top of the derived state.
func (m *Machine) Current(connected, armed bool, mode string, relAlt float64) DroneState {
	if m.InEmergency() {
		return Emergency
	}
	return Derive(connected, armed, mode, relAlt)
}
