package backend

import (
	"sync"
	"time"

	"github.com/uavforge/commandlink/internal/mavlink"
	"github.com/uavforge/commandlink/internal/state"
	"github.com/uavforge/commandlink/internal/telemetry"
)

// heartbeatStale is how long after the last heartbeat the link is considered
// unhealthy.
const heartbeatStale = 3 * time.Second

// cache is the single-writer vehicle status shared by the protocol adapters.
// The adapter's receive loop writes, everyone else reads copies.
type cache struct {
	mu sync.Mutex

	connected     bool
	armed         bool
	mode          string
	lastHeartbeat time.Time

	tele telemetry.Telemetry
}

func newCache(vehicleID string) *cache {
	c := &cache{}
	c.tele.VehicleID = vehicleID
	c.mode = mavlink.ModeUnknown
	c.tele.Battery.Remaining = -1
	return c
}

func (c *cache) setConnected(connected bool) {
	c.mu.Lock()
	c.connected = connected
	c.mu.Unlock()
}

func (c *cache) setHeartbeat(armed bool, mode string) {
	c.mu.Lock()
	c.armed = armed
	c.mode = mode
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()
}

func (c *cache) setGlobalPosition(lat, lon, altMSL, altRel float64, vn, ve, vd float64) {
	c.mu.Lock()
	c.tele.Position.Lat = lat
	c.tele.Position.Lon = lon
	c.tele.Position.AltMSL = altMSL
	c.tele.Position.AltRel = altRel
	c.tele.Position.HasGlobal = true
	c.tele.Velocity.North = vn
	c.tele.Velocity.East = ve
	c.tele.Velocity.Down = vd
	c.mu.Unlock()
}

func (c *cache) setLocalPosition(north, east, down float64) {
	c.mu.Lock()
	c.tele.Position.North = north
	c.tele.Position.East = east
	c.tele.Position.Down = down
	c.tele.Position.HasLocal = true
	c.mu.Unlock()
}

func (c *cache) setAttitude(roll, pitch, yaw, rollRate, pitchRate, yawRate float64) {
	c.mu.Lock()
	c.tele.Attitude = telemetry.Attitude{
		Roll: roll, Pitch: pitch, Yaw: yaw,
		RollRate: rollRate, PitchRate: pitchRate, YawRate: yawRate,
	}
	c.mu.Unlock()
}

func (c *cache) setSpeeds(ground, air float64) {
	c.mu.Lock()
	c.tele.Velocity.GroundSpeed = ground
	c.tele.Velocity.AirSpeed = air
	c.mu.Unlock()
}

func (c *cache) setBattery(voltage, current, remaining float64) {
	c.mu.Lock()
	c.tele.Battery = telemetry.Battery{Voltage: voltage, Current: current, Remaining: remaining}
	c.tele.Health.BatteryOK = remaining < 0 || remaining > 15
	c.mu.Unlock()
}

func (c *cache) setGPS(fixType, satellites int, hdop, vdop float64) {
	c.mu.Lock()
	c.tele.GPS = telemetry.GPS{FixType: fixType, Satellites: satellites, HDOP: hdop, VDOP: vdop}
	c.tele.Health.SensorsOK = fixType >= 3
	c.mu.Unlock()
}

func (c *cache) isConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *cache) isArmed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.armed
}

func (c *cache) flightMode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

func (c *cache) relAlt() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tele.Position.AltRel
}

// snapshot derives the full telemetry snapshot, applying the emergency latch
// from the machine and the heartbeat staleness rule.
func (c *cache) snapshot(machine *state.Machine) telemetry.Telemetry {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.tele
	t.Connected = c.connected
	t.Armed = c.armed
	t.Mode = c.mode
	t.Health.TelemetryOK = c.connected && !c.lastHeartbeat.IsZero() &&
		time.Since(c.lastHeartbeat) < heartbeatStale
	t.State = machine.Current(c.connected, c.armed, c.mode, c.tele.Position.AltRel)
	return t
}
