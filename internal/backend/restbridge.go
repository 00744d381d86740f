package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/uavforge/commandlink/internal/mavlink"
	"github.com/uavforge/commandlink/internal/state"
	"github.com/uavforge/commandlink/internal/telemetry"
)

const (
	bridgePollInterval = 200 * time.Millisecond
	bridgeAckPoll      = 200 * time.Millisecond
	bridgeHTTPTimeout  = 3 * time.Second
	bridgeRetries      = 3
)

// bridgePrefixes are the URL path conventions different bridge builds
// expose; the adapter probes them in order at connect time.
var bridgePrefixes = []string{"/v1/mavlink", "/mavlink"}

// RESTBridge speaks to a MAVLink HTTP bridge: the raw command/acknowledgment
// semantics, but every send and every poll is an HTTP request. Transport
// failures (non-200, timeouts) are retried at this level, independent of the
// engine's command-level retry.
type RESTBridge struct {
	machine    *state.Machine
	cache      *cache
	client     *http.Client
	ackTimeout time.Duration

	baseURL      string
	prefix       string
	targetSystem uint8

	cancel func()
	wg     sync.WaitGroup
}

// NewRESTBridge returns a disconnected bridge adapter for the given vehicle
// id.
func NewRESTBridge(vehicleID string) *RESTBridge {
	return &RESTBridge{
		machine:      &state.Machine{},
		cache:        newCache(vehicleID),
		client:       &http.Client{Timeout: bridgeHTTPTimeout},
		ackTimeout:   rawAckTimeout,
		targetSystem: 1,
	}
}

// bridgeEnvelope is the message wrapper the bridge serves on GET.
type bridgeEnvelope struct {
	Message json.RawMessage `json:"message"`
	Status  struct {
		Time struct {
			LastUpdate time.Time `json:"last_update"`
		} `json:"time"`
	} `json:"status"`
}

// bridgeCommand mirrors the COMMAND_LONG frame as JSON. JSON has no NaN, so
// unset float parameters are omitted and the bridge applies the protocol
// default, matching what the frame-level adapters express with NaN.
type bridgeCommand struct {
	Type            string   `json:"type"`
	Command         uint16   `json:"command"`
	Param1          *float32 `json:"param1,omitempty"`
	Param2          *float32 `json:"param2,omitempty"`
	Param3          *float32 `json:"param3,omitempty"`
	Param4          *float32 `json:"param4,omitempty"`
	Param5          *float32 `json:"param5,omitempty"`
	Param6          *float32 `json:"param6,omitempty"`
	Param7          *float32 `json:"param7,omitempty"`
	TargetSystem    uint8    `json:"target_system"`
	TargetComponent uint8    `json:"target_component"`
	Confirmation    uint8    `json:"confirmation"`
}

func bridgeParam(v float32) *float32 {
	if math.IsNaN(float64(v)) {
		return nil
	}
	return &v
}

type bridgePost struct {
	Header struct {
		SystemID    uint8 `json:"system_id"`
		ComponentID uint8 `json:"component_id"`
	} `json:"header"`
	Message interface{} `json:"message"`
}

// Connect probes the bridge path conventions and starts the telemetry poll
// loop once a heartbeat is served.
func (b *RESTBridge) Connect(ctx context.Context, connString string) error {
	if !strings.HasPrefix(connString, "http://") && !strings.HasPrefix(connString, "https://") {
		return &ConnectionError{Err: errors.Errorf("bridge needs an HTTP base URL, got %q", connString)}
	}
	b.baseURL = strings.TrimSuffix(connString, "/")

	var probeErr error
	for _, prefix := range bridgePrefixes {
		b.prefix = prefix
		var env bridgeEnvelope
		if err := b.getMessage(ctx, "HEARTBEAT", &env); err != nil {
			probeErr = err
			continue
		}
		probeErr = nil
		break
	}
	if probeErr != nil {
		b.prefix = ""
		return &ConnectionError{Err: errors.Wrap(probeErr, "probing bridge paths")}
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.wg.Add(1)
	go b.pollLoop(pollCtx)

	b.cache.setConnected(true)
	log.Printf("restbridge: connected to %s (prefix %s)", b.baseURL, b.prefix)
	return nil
}

// Disconnect stops the poll loop and awaits it.
func (b *RESTBridge) Disconnect(ctx context.Context) error {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
	b.cache.setConnected(false)
	log.Printf("restbridge: disconnected")
	return nil
}

func (b *RESTBridge) messageURL(name string) string {
	return fmt.Sprintf("%s%s/vehicles/%d/components/1/messages/%s", b.baseURL, b.prefix, b.targetSystem, name)
}

// doRequest performs one HTTP call with transport-level retry.
func (b *RESTBridge) doRequest(ctx context.Context, method, url string, body []byte) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < bridgeRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(100 * time.Millisecond):
			}
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return nil, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := b.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode == http.StatusNotFound {
			// The bridge does not serve this path; retrying won't help.
			return nil, errors.Errorf("%s: not found", url)
		}
		if resp.StatusCode != http.StatusOK {
			lastErr = errors.Errorf("%s: status %d", url, resp.StatusCode)
			continue
		}
		return data, nil
	}
	return nil, lastErr
}

func (b *RESTBridge) getMessage(ctx context.Context, name string, env *bridgeEnvelope) error {
	data, err := b.doRequest(ctx, http.MethodGet, b.messageURL(name), nil)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, env)
}

func (b *RESTBridge) postMessage(ctx context.Context, msg interface{}) error {
	var post bridgePost
	post.Header.SystemID = gcsSystemID
	post.Header.ComponentID = gcsComponentID
	post.Message = msg

	body, err := json.Marshal(post)
	if err != nil {
		return err
	}
	_, err = b.doRequest(ctx, http.MethodPost, b.baseURL+b.prefix, body)
	return err
}

// sendCommand posts a COMMAND_LONG and polls COMMAND_ACK until a matching
// acknowledgment newer than the send appears.
func (b *RESTBridge) sendCommand(ctx context.Context, op string, command uint16, params [7]float32) error {
	sentAt := time.Now()
	cmd := bridgeCommand{
		Type:            "COMMAND_LONG",
		Command:         command,
		Param1:          bridgeParam(params[0]),
		Param2:          bridgeParam(params[1]),
		Param3:          bridgeParam(params[2]),
		Param4:          bridgeParam(params[3]),
		Param5:          bridgeParam(params[4]),
		Param6:          bridgeParam(params[5]),
		Param7:          bridgeParam(params[6]),
		TargetSystem:    b.targetSystem,
		TargetComponent: 1,
	}
	if err := b.postMessage(ctx, cmd); err != nil {
		return &BackendError{Op: op, Err: errors.Wrap(err, "posting command")}
	}

	deadline := time.After(b.ackTimeout)
	ticker := time.NewTicker(bridgeAckPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return &BackendError{Op: op, Err: ctx.Err()}
		case <-deadline:
			return &BackendError{Op: op, Err: errors.New("acknowledgment timeout")}
		case <-ticker.C:
		}

		var env bridgeEnvelope
		if err := b.getMessage(ctx, "COMMAND_ACK", &env); err != nil {
			continue
		}
		if env.Status.Time.LastUpdate.Before(sentAt) {
			continue // stale ack from an earlier command
		}
		var ack struct {
			Command uint16 `json:"command"`
			Result  uint8  `json:"result"`
		}
		if err := json.Unmarshal(env.Message, &ack); err != nil || ack.Command != command {
			continue
		}
		switch ack.Result {
		case mavlink.ResultAccepted, mavlink.ResultInProgress:
			return nil
		default:
			return &BackendError{Op: op, Err: errors.Errorf("command %d rejected with result %d", command, ack.Result)}
		}
	}
}

// pollLoop refreshes the cached vehicle status from the bridge.
func (b *RESTBridge) pollLoop(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(bridgePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.refresh(ctx)
		}
	}
}

func (b *RESTBridge) refresh(ctx context.Context) {
	var env bridgeEnvelope

	if err := b.getMessage(ctx, "HEARTBEAT", &env); err == nil {
		var hb struct {
			BaseMode   uint8  `json:"base_mode"`
			CustomMode uint32 `json:"custom_mode"`
		}
		if json.Unmarshal(env.Message, &hb) == nil {
			armed := hb.BaseMode&mavlink.ModeFlagSafetyArmed != 0
			b.cache.setHeartbeat(armed, mavlink.DecodeMode(hb.CustomMode))
		}
	}

	if err := b.getMessage(ctx, "GLOBAL_POSITION_INT", &env); err == nil {
		var gp struct {
			Lat         int32  `json:"lat"`
			Lon         int32  `json:"lon"`
			Alt         int32  `json:"alt"`
			RelativeAlt int32  `json:"relative_alt"`
			Vx          int16  `json:"vx"`
			Vy          int16  `json:"vy"`
			Vz          int16  `json:"vz"`
			Hdg         uint16 `json:"hdg"`
		}
		if json.Unmarshal(env.Message, &gp) == nil {
			b.cache.setGlobalPosition(
				float64(gp.Lat)/1e7, float64(gp.Lon)/1e7,
				float64(gp.Alt)/1000, float64(gp.RelativeAlt)/1000,
				float64(gp.Vx)/100, float64(gp.Vy)/100, float64(gp.Vz)/100,
			)
		}
	}

	if err := b.getMessage(ctx, "LOCAL_POSITION_NED", &env); err == nil {
		var lp struct {
			X float64 `json:"x"`
			Y float64 `json:"y"`
			Z float64 `json:"z"`
		}
		if json.Unmarshal(env.Message, &lp) == nil {
			b.cache.setLocalPosition(lp.X, lp.Y, lp.Z)
		}
	}

	if err := b.getMessage(ctx, "ATTITUDE", &env); err == nil {
		var att struct {
			Roll       float64 `json:"roll"`
			Pitch      float64 `json:"pitch"`
			Yaw        float64 `json:"yaw"`
			Rollspeed  float64 `json:"rollspeed"`
			Pitchspeed float64 `json:"pitchspeed"`
			Yawspeed   float64 `json:"yawspeed"`
		}
		if json.Unmarshal(env.Message, &att) == nil {
			deg := 180 / math.Pi
			b.cache.setAttitude(att.Roll*deg, att.Pitch*deg, att.Yaw*deg,
				att.Rollspeed*deg, att.Pitchspeed*deg, att.Yawspeed*deg)
		}
	}

	if err := b.getMessage(ctx, "VFR_HUD", &env); err == nil {
		var hud struct {
			Airspeed    float64 `json:"airspeed"`
			Groundspeed float64 `json:"groundspeed"`
		}
		if json.Unmarshal(env.Message, &hud) == nil {
			b.cache.setSpeeds(hud.Groundspeed, hud.Airspeed)
		}
	}

	if err := b.getMessage(ctx, "SYS_STATUS", &env); err == nil {
		var ss struct {
			VoltageBattery   float64 `json:"voltage_battery"`
			CurrentBattery   float64 `json:"current_battery"`
			BatteryRemaining float64 `json:"battery_remaining"`
		}
		if json.Unmarshal(env.Message, &ss) == nil {
			b.cache.setBattery(ss.VoltageBattery/1000, ss.CurrentBattery/100, ss.BatteryRemaining)
		}
	}

	if err := b.getMessage(ctx, "GPS_RAW_INT", &env); err == nil {
		var gps struct {
			FixType           int     `json:"fix_type"`
			SatellitesVisible int     `json:"satellites_visible"`
			Eph               float64 `json:"eph"`
			Epv               float64 `json:"epv"`
		}
		if json.Unmarshal(env.Message, &gps) == nil {
			hdop, vdop := -1.0, -1.0
			if gps.Eph != 65535 {
				hdop = gps.Eph / 100
			}
			if gps.Epv != 65535 {
				vdop = gps.Epv / 100
			}
			b.cache.setGPS(gps.FixType, gps.SatellitesVisible, hdop, vdop)
		}
	}
}

// Arm requests motor arming.
func (b *RESTBridge) Arm(ctx context.Context) error {
	return b.sendCommand(ctx, "arm", mavlink.CmdComponentArmDisarm, [7]float32{1})
}

// Disarm requests motor disarming and clears a latched emergency on success.
func (b *RESTBridge) Disarm(ctx context.Context) error {
	if err := b.sendCommand(ctx, "disarm", mavlink.CmdComponentArmDisarm, [7]float32{0}); err != nil {
		return err
	}
	b.machine.ClearEmergency()
	return nil
}

// Takeoff commands a climb to the given altitude above the arm point.
func (b *RESTBridge) Takeoff(ctx context.Context, altitude float64) error {
	t := b.cache.snapshot(b.machine)
	alt := altitude
	if t.Position.HasGlobal {
		alt = t.Position.AltMSL - t.Position.AltRel + altitude
	}
	params := [7]float32{}
	params[3] = float32(math.NaN()) // yaw unchanged
	params[4] = float32(math.NaN())
	params[5] = float32(math.NaN())
	params[6] = float32(alt)
	return b.sendCommand(ctx, "takeoff", mavlink.CmdNavTakeoff, params)
}

// Land commands a landing at the current position.
func (b *RESTBridge) Land(ctx context.Context) error {
	return b.sendCommand(ctx, "land", mavlink.CmdNavLand, [7]float32{})
}

// ReturnToLaunch commands autonomous return to the arm point.
func (b *RESTBridge) ReturnToLaunch(ctx context.Context) error {
	return b.sendCommand(ctx, "rtl", mavlink.CmdNavReturnToLaunch, [7]float32{})
}

// HoldPosition switches to the position-hold mode.
func (b *RESTBridge) HoldPosition(ctx context.Context) error {
	return b.SetFlightMode(ctx, mavlink.ModeLoiter)
}

// GotoPosition issues one positioning call, local targets as an offboard
// setpoint JSON message, global targets through the reposition command.
func (b *RESTBridge) GotoPosition(ctx context.Context, target telemetry.Position, opts GotoOptions) error {
	if target.HasLocal {
		sp := map[string]interface{}{
			"type":             "SET_POSITION_TARGET_LOCAL_NED",
			"coordinate_frame": mavlink.FrameLocalNED,
			"type_mask":        mavlink.TypeMaskPositionOnly,
			"x":                target.North,
			"y":                target.East,
			"z":                target.Down,
			"target_system":    b.targetSystem,
			"target_component": 1,
		}
		if !math.IsNaN(opts.Yaw) {
			sp["yaw"] = opts.Yaw * math.Pi / 180
			sp["type_mask"] = mavlink.TypeMaskPositionOnly &^ (1 << 10)
		}
		if err := b.postMessage(ctx, sp); err != nil {
			return &BackendError{Op: "goto", Err: errors.Wrap(err, "posting setpoint")}
		}
		return nil
	}
	if !target.HasGlobal {
		return &BackendError{Op: "goto", Err: errors.New("target has neither frame set")}
	}

	speed := float32(-1)
	if opts.MaxSpeed > 0 {
		speed = float32(opts.MaxSpeed)
	}
	yaw := float32(math.NaN())
	if !math.IsNaN(opts.Yaw) {
		yaw = float32(opts.Yaw)
	}
	params := [7]float32{speed, 0, 0, yaw, float32(target.Lat), float32(target.Lon), float32(target.AltMSL)}
	return b.sendCommand(ctx, "goto", mavlink.CmdDoReposition, params)
}

// SetFlightMode commands a named flight mode.
func (b *RESTBridge) SetFlightMode(ctx context.Context, mode string) error {
	main, sub, ok := mavlink.EncodeMode(mode)
	if !ok {
		return &BackendError{Op: "set_mode", Err: errors.Errorf("unknown flight mode %q", mode)}
	}
	return b.sendCommand(ctx, "set_mode", mavlink.CmdDoSetMode,
		[7]float32{mavlink.ModeFlagCustomModeEnabled, main, sub})
}

// State derives the current operational state.
func (b *RESTBridge) State() state.DroneState {
	return b.machine.Current(b.cache.isConnected(), b.cache.isArmed(), b.cache.flightMode(), b.cache.relAlt())
}

// Armed reports the armed flag from the last polled heartbeat.
func (b *RESTBridge) Armed() bool { return b.cache.isArmed() }

// FlightMode reports the mode from the last polled heartbeat.
func (b *RESTBridge) FlightMode() string { return b.cache.flightMode() }

// Telemetry returns the current snapshot.
func (b *RESTBridge) Telemetry() telemetry.Telemetry { return b.cache.snapshot(b.machine) }

// EmergencyStop holds position and latches the emergency state.
func (b *RESTBridge) EmergencyStop(ctx context.Context) error {
	b.machine.TriggerEmergency()
	return b.HoldPosition(ctx)
}
