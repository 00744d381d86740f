// Package backend defines the vehicle capability contract and its three
// protocol adapters: a managed MAVLink SDK node, a frame-level MAVLink
// connection, and a JSON/HTTP bridge. All three behave identically from the
// caller's perspective.
package backend

import (
	"context"
	"fmt"
	"math"

	"github.com/uavforge/commandlink/internal/state"
	"github.com/uavforge/commandlink/internal/telemetry"
)

// GotoOptions carries the optional parts of a positioning call. Yaw is in
// degrees, NaN leaves heading unchanged. MaxSpeed is m/s, zero keeps the
// autopilot default.
type GotoOptions struct {
	Yaw      float64
	MaxSpeed float64
}

// DefaultGotoOptions returns options that leave yaw and speed to the
// autopilot.
func DefaultGotoOptions() GotoOptions {
	return GotoOptions{Yaw: math.NaN()}
}

// Backend is the capability contract every protocol adapter implements.
// Mutating calls either complete within the adapter's timeout or return a
// *BackendError; callers must not assume idempotency except for Disarm,
// HoldPosition and ReturnToLaunch, which are safe to repeat.
type Backend interface {
	Connect(ctx context.Context, connString string) error
	Disconnect(ctx context.Context) error

	Arm(ctx context.Context) error
	Disarm(ctx context.Context) error
	Takeoff(ctx context.Context, altitude float64) error
	Land(ctx context.Context) error
	ReturnToLaunch(ctx context.Context) error
	HoldPosition(ctx context.Context) error
	GotoPosition(ctx context.Context, target telemetry.Position, opts GotoOptions) error
	SetFlightMode(ctx context.Context, mode string) error

	State() state.DroneState
	Armed() bool
	FlightMode() string
	Telemetry() telemetry.Telemetry

	// EmergencyStop is the immediate stop maneuver, by default holding
	// position and latching the emergency state.
	EmergencyStop(ctx context.Context) error
}

// ConnectionError reports link establishment or link loss.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// BackendError reports a protocol-level rejection or acknowledgment timeout
// for a single operation.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }
