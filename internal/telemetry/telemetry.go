// Package telemetry defines the vehicle telemetry snapshot and the background
// poller that keeps it fresh.
package telemetry

import (
	"time"

	"github.com/uavforge/commandlink/internal/state"
)

// Position holds the vehicle position in both frames the autopilot reports.
// The local frame is NED metres relative to the arm point, down positive
// toward the ground. Either frame may be missing before the corresponding
// estimate is available.
type Position struct {
	Lat    float64 `json:"lat"`
	Lon    float64 `json:"lon"`
	AltMSL float64 `json:"alt_msl"`
	AltRel float64 `json:"alt_rel"`

	North float64 `json:"north"`
	East  float64 `json:"east"`
	Down  float64 `json:"down"`

	HasGlobal bool `json:"has_global"`
	HasLocal  bool `json:"has_local"`
}

// Attitude in degrees and degrees per second.
type Attitude struct {
	Roll      float64 `json:"roll"`
	Pitch     float64 `json:"pitch"`
	Yaw       float64 `json:"yaw"`
	RollRate  float64 `json:"roll_rate"`
	PitchRate float64 `json:"pitch_rate"`
	YawRate   float64 `json:"yaw_rate"`
}

// Velocity in m/s, NED frame plus scalar speeds.
type Velocity struct {
	North       float64 `json:"north"`
	East        float64 `json:"east"`
	Down        float64 `json:"down"`
	GroundSpeed float64 `json:"ground_speed"`
	AirSpeed    float64 `json:"air_speed"`
}

// Battery state. Remaining is percent, -1 when unknown.
type Battery struct {
	Voltage   float64 `json:"voltage"`
	Current   float64 `json:"current"`
	Remaining float64 `json:"remaining"`
}

// GPS fix quality. FixType follows the usual GNSS convention (0-1 none,
// 2 = 2D, 3 = 3D, higher for differential modes).
type GPS struct {
	FixType    int     `json:"fix_type"`
	Satellites int     `json:"satellites"`
	HDOP       float64 `json:"hdop"`
	VDOP       float64 `json:"vdop"`
}

// Health flags reported by the backend.
type Health struct {
	SensorsOK   bool `json:"sensors_ok"`
	TelemetryOK bool `json:"telemetry_ok"`
	BatteryOK   bool `json:"battery_ok"`
}

// Telemetry is one coherent snapshot of everything the vehicle reports.
type Telemetry struct {
	VehicleID string           `json:"vehicle_id"`
	State     state.DroneState `json:"state"`
	Armed     bool             `json:"armed"`
	Mode      string           `json:"mode"`
	Connected bool             `json:"connected"`

	Position Position `json:"position"`
	Attitude Attitude `json:"attitude"`
	Velocity Velocity `json:"velocity"`
	Battery  Battery  `json:"battery"`
	GPS      GPS      `json:"gps"`
	Health   Health   `json:"health"`

	Timestamp time.Time `json:"timestamp"`
}
