package backend

import (
	"context"
	"io"
	"log"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/uavforge/commandlink/internal/mavlink"
	"github.com/uavforge/commandlink/internal/state"
	"github.com/uavforge/commandlink/internal/telemetry"
)

const (
	rawConnectTimeout = 10 * time.Second
	rawAckTimeout     = 5 * time.Second

	gcsSystemID    = 255
	gcsComponentID = 190
)

// Raw speaks frame-level MAVLink directly over udp://, tcp:// or serial://.
// Every command is a COMMAND_LONG followed by a poll for the matching
// COMMAND_ACK; vehicle state is derived from the 1 Hz heartbeat.
type Raw struct {
	machine    *state.Machine
	cache      *cache
	ackTimeout time.Duration

	// dialFn is swappable in tests.
	dialFn func(connTarget) (io.ReadWriteCloser, error)

	writeMu sync.Mutex
	conn    io.ReadWriteCloser
	seq     uint8

	targetSystem uint8

	acks    chan *mavlink.CommandAck
	firstHB chan struct{}
	hbOnce  sync.Once
	cancel  context.CancelFunc
	closed  atomic.Bool
	wg      sync.WaitGroup
}

// NewRaw returns a disconnected frame-level adapter for the given vehicle id.
func NewRaw(vehicleID string) *Raw {
	return &Raw{
		machine:      &state.Machine{},
		cache:        newCache(vehicleID),
		ackTimeout:   rawAckTimeout,
		targetSystem: 1,
		dialFn: func(t connTarget) (io.ReadWriteCloser, error) {
			return t.dial(rawConnectTimeout)
		},
	}
}

// Connect dials the transport and waits for the first heartbeat.
func (r *Raw) Connect(ctx context.Context, connString string) error {
	target, err := parseConnString(connString)
	if err != nil {
		return &ConnectionError{Err: err}
	}

	conn, err := r.dialFn(target)
	if err != nil {
		return &ConnectionError{Err: err}
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	r.conn = conn
	r.cancel = cancel
	r.closed.Store(false)
	r.acks = make(chan *mavlink.CommandAck, 8)
	r.firstHB = make(chan struct{})
	r.hbOnce = sync.Once{}

	r.wg.Add(2)
	go r.readPump()
	go r.heartbeatPump(pumpCtx)

	select {
	case <-r.firstHB:
	case <-ctx.Done():
		r.teardown()
		return &ConnectionError{Err: ctx.Err()}
	case <-time.After(rawConnectTimeout):
		r.teardown()
		return &ConnectionError{Err: errors.New("no heartbeat received")}
	}

	r.cache.setConnected(true)
	log.Printf("mavlink: connected to %s", connString)
	return nil
}

// Disconnect cancels and awaits the adapter's background tasks before
// releasing the connection handle.
func (r *Raw) Disconnect(ctx context.Context) error {
	r.teardown()
	r.cache.setConnected(false)
	log.Printf("mavlink: disconnected")
	return nil
}

func (r *Raw) teardown() {
	if r.cancel != nil {
		r.cancel()
	}
	r.closed.Store(true)
	r.writeMu.Lock()
	conn := r.conn
	r.writeMu.Unlock()
	if conn != nil {
		// Closing the handle unblocks the read pump.
		conn.Close()
	}
	r.wg.Wait()
	r.writeMu.Lock()
	r.conn = nil
	r.writeMu.Unlock()
}

// readPump consumes frames until the connection is closed.
func (r *Raw) readPump() {
	defer r.wg.Done()
	for {
		f, err := mavlink.ReadFrame(r.conn)
		if err != nil {
			// Transient decode errors (noise, messages outside our dialect)
			// are skipped; a closed or broken transport ends the pump.
			if r.closed.Load() ||
				errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
				errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		r.handleFrame(f)
	}
}

func (r *Raw) handleFrame(f *mavlink.Frame) {
	switch f.MessageID {
	case mavlink.MsgIDHeartbeat:
		hb, err := mavlink.DecodeHeartbeat(f.Payload)
		if err != nil {
			return
		}
		if hb.Type == mavlink.TypeGCS {
			return // our own heartbeat echoed back
		}
		r.cache.setHeartbeat(hb.Armed(), mavlink.DecodeMode(hb.CustomMode))
		r.hbOnce.Do(func() { close(r.firstHB) })
	case mavlink.MsgIDCommandAck:
		ack, err := mavlink.DecodeCommandAck(f.Payload)
		if err != nil {
			return
		}
		select {
		case r.acks <- ack:
		default:
		}
	case mavlink.MsgIDGlobalPositionInt:
		gp, err := mavlink.DecodeGlobalPositionInt(f.Payload)
		if err != nil {
			return
		}
		r.cache.setGlobalPosition(
			float64(gp.Lat)/1e7, float64(gp.Lon)/1e7,
			float64(gp.Alt)/1000, float64(gp.RelativeAlt)/1000,
			float64(gp.Vx)/100, float64(gp.Vy)/100, float64(gp.Vz)/100,
		)
	case mavlink.MsgIDLocalPositionNED:
		lp, err := mavlink.DecodeLocalPositionNED(f.Payload)
		if err != nil {
			return
		}
		r.cache.setLocalPosition(float64(lp.X), float64(lp.Y), float64(lp.Z))
	case mavlink.MsgIDAttitude:
		att, err := mavlink.DecodeAttitude(f.Payload)
		if err != nil {
			return
		}
		deg := 180 / math.Pi
		r.cache.setAttitude(
			float64(att.Roll)*deg, float64(att.Pitch)*deg, float64(att.Yaw)*deg,
			float64(att.RollSpeed)*deg, float64(att.PitchSpeed)*deg, float64(att.YawSpeed)*deg,
		)
	case mavlink.MsgIDVFRHUD:
		hud, err := mavlink.DecodeVFRHUD(f.Payload)
		if err != nil {
			return
		}
		r.cache.setSpeeds(float64(hud.GroundSpeed), float64(hud.Airspeed))
	case mavlink.MsgIDSysStatus:
		ss, err := mavlink.DecodeSysStatus(f.Payload)
		if err != nil {
			return
		}
		r.cache.setBattery(float64(ss.VoltageBattery)/1000, float64(ss.CurrentBattery)/100, float64(ss.BatteryRemaining))
	case mavlink.MsgIDGPSRawInt:
		gps, err := mavlink.DecodeGPSRawInt(f.Payload)
		if err != nil {
			return
		}
		hdop, vdop := -1.0, -1.0
		if gps.Eph != 65535 {
			hdop = float64(gps.Eph) / 100
		}
		if gps.Epv != 65535 {
			vdop = float64(gps.Epv) / 100
		}
		r.cache.setGPS(int(gps.FixType), int(gps.SatellitesVisible), hdop, vdop)
	}
}

// heartbeatPump announces us as a ground station at 1 Hz.
func (r *Raw) heartbeatPump(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.writeMessage(&mavlink.Heartbeat{
				Type:         mavlink.TypeGCS,
				Autopilot:    mavlink.AutopilotInvalid,
				SystemStatus: mavlink.StateActive,
			})
		}
	}
}

func (r *Raw) writeMessage(m mavlink.Marshaler) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if r.conn == nil {
		return &ConnectionError{Err: errors.New("not connected")}
	}
	f, err := mavlink.Pack(r.seq, gcsSystemID, gcsComponentID, m)
	if err != nil {
		return err
	}
	r.seq++
	raw, err := f.Marshal()
	if err != nil {
		return err
	}
	if _, err := r.conn.Write(raw); err != nil {
		return &ConnectionError{Err: errors.Wrap(err, "writing frame")}
	}
	return nil
}

// sendCommand writes a COMMAND_LONG and polls for the matching COMMAND_ACK
// within the ack timeout. Acks for other commands are discarded.
func (r *Raw) sendCommand(ctx context.Context, op string, command uint16, params [7]float32) error {
	// Drop stale acks from earlier commands.
	for {
		select {
		case <-r.acks:
			continue
		default:
		}
		break
	}

	cmd := &mavlink.CommandLong{
		Param:           params,
		Command:         command,
		TargetSystem:    r.targetSystem,
		TargetComponent: 1,
	}
	if err := r.writeMessage(cmd); err != nil {
		return &BackendError{Op: op, Err: err}
	}

	deadline := time.NewTimer(r.ackTimeout)
	defer deadline.Stop()
	for {
		select {
		case ack := <-r.acks:
			if ack.Command != command {
				continue
			}
			switch ack.Result {
			case mavlink.ResultAccepted, mavlink.ResultInProgress:
				return nil
			default:
				return &BackendError{Op: op, Err: errors.Errorf("command %d rejected with result %d", command, ack.Result)}
			}
		case <-ctx.Done():
			return &BackendError{Op: op, Err: ctx.Err()}
		case <-deadline.C:
			return &BackendError{Op: op, Err: errors.New("acknowledgment timeout")}
		}
	}
}

// Arm requests motor arming.
func (r *Raw) Arm(ctx context.Context) error {
	return r.sendCommand(ctx, "arm", mavlink.CmdComponentArmDisarm, [7]float32{1})
}

// Disarm requests motor disarming and clears a latched emergency on success.
func (r *Raw) Disarm(ctx context.Context) error {
	if err := r.sendCommand(ctx, "disarm", mavlink.CmdComponentArmDisarm, [7]float32{0}); err != nil {
		return err
	}
	r.machine.ClearEmergency()
	return nil
}

// Takeoff commands a climb to the given altitude above the arm point.
func (r *Raw) Takeoff(ctx context.Context, altitude float64) error {
	t := r.cache.snapshot(r.machine)
	alt := altitude
	if t.Position.HasGlobal {
		// NAV_TAKEOFF wants altitude above mean sea level.
		alt = t.Position.AltMSL - t.Position.AltRel + altitude
	}
	params := [7]float32{}
	params[3] = float32(math.NaN()) // yaw unchanged
	params[4] = float32(math.NaN())
	params[5] = float32(math.NaN())
	params[6] = float32(alt)
	return r.sendCommand(ctx, "takeoff", mavlink.CmdNavTakeoff, params)
}

// Land commands a landing at the current position.
func (r *Raw) Land(ctx context.Context) error {
	return r.sendCommand(ctx, "land", mavlink.CmdNavLand, [7]float32{})
}

// ReturnToLaunch commands autonomous return to the arm point.
func (r *Raw) ReturnToLaunch(ctx context.Context) error {
	return r.sendCommand(ctx, "rtl", mavlink.CmdNavReturnToLaunch, [7]float32{})
}

// HoldPosition switches to the position-hold mode.
func (r *Raw) HoldPosition(ctx context.Context) error {
	return r.SetFlightMode(ctx, mavlink.ModeLoiter)
}

// GotoPosition issues one positioning call. Local-frame targets are sent as
// an offboard setpoint (callers stream them, setpoints are not acked);
// global targets go through the acknowledged reposition command.
func (r *Raw) GotoPosition(ctx context.Context, target telemetry.Position, opts GotoOptions) error {
	if target.HasLocal {
		sp := &mavlink.SetPositionTargetLocalNED{
			X:               float32(target.North),
			Y:               float32(target.East),
			Z:               float32(target.Down),
			TypeMask:        mavlink.TypeMaskPositionOnly,
			TargetSystem:    r.targetSystem,
			TargetComponent: 1,
			CoordinateFrame: mavlink.FrameLocalNED,
		}
		if !math.IsNaN(opts.Yaw) {
			sp.Yaw = float32(opts.Yaw * math.Pi / 180)
			sp.TypeMask &^= 1 << 10
		}
		if err := r.writeMessage(sp); err != nil {
			return &BackendError{Op: "goto", Err: err}
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
	return r.sendCommand(ctx, "goto", mavlink.CmdDoReposition, params)
}

// SetFlightMode commands a named flight mode.
func (r *Raw) SetFlightMode(ctx context.Context, mode string) error {
	main, sub, ok := mavlink.EncodeMode(mode)
	if !ok {
		return &BackendError{Op: "set_mode", Err: errors.Errorf("unknown flight mode %q", mode)}
	}
	return r.sendCommand(ctx, "set_mode", mavlink.CmdDoSetMode,
		[7]float32{mavlink.ModeFlagCustomModeEnabled, main, sub})
}

// State derives the current operational state.
func (r *Raw) State() state.DroneState {
	return r.machine.Current(r.cache.isConnected(), r.cache.isArmed(), r.cache.flightMode(), r.cache.relAlt())
}

// Armed reports the armed flag from the last heartbeat.
func (r *Raw) Armed() bool { return r.cache.isArmed() }

// FlightMode reports the mode from the last heartbeat.
func (r *Raw) FlightMode() string { return r.cache.flightMode() }

// Telemetry returns the current snapshot.
func (r *Raw) Telemetry() telemetry.Telemetry { return r.cache.snapshot(r.machine) }

// EmergencyStop holds position and latches the emergency state.
func (r *Raw) EmergencyStop(ctx context.Context) error {
	r.machine.TriggerEmergency()
	return r.HoldPosition(ctx)
}
