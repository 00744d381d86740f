package backend

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"github.com/bluenviron/gomavlib/v3"
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/pkg/errors"

	"github.com/uavforge/commandlink/internal/mavlink"
	"github.com/uavforge/commandlink/internal/state"
	"github.com/uavforge/commandlink/internal/telemetry"
)

const sdkAckTimeout = 5 * time.Second

// SDK drives the vehicle through a managed MAVLink node: the library owns
// the endpoint, framing, signing and heartbeat emission, the adapter only
// translates contract calls into dialect messages.
type SDK struct {
	machine    *state.Machine
	cache      *cache
	ackTimeout time.Duration

	node         *gomavlib.Node
	targetSystem uint8

	acks    chan *common.MessageCommandAck
	firstHB chan struct{}
	hbOnce  sync.Once
	wg      sync.WaitGroup
}

// NewSDK returns a disconnected managed-node adapter for the given vehicle
// id.
func NewSDK(vehicleID string) *SDK {
	return &SDK{
		machine:      &state.Machine{},
		cache:        newCache(vehicleID),
		ackTimeout:   sdkAckTimeout,
		targetSystem: 1,
	}
}

func sdkEndpoint(connString string) (gomavlib.EndpointConf, error) {
	target, err := parseConnString(connString)
	if err != nil {
		return nil, err
	}
	switch target.scheme {
	case "udp":
		return gomavlib.EndpointUDPClient{Address: target.addr}, nil
	case "tcp":
		return gomavlib.EndpointTCPClient{Address: target.addr}, nil
	case "serial":
		return gomavlib.EndpointSerial{Device: target.addr, Baud: target.baud}, nil
	}
	return nil, errors.Errorf("unsupported scheme %q", target.scheme)
}

// Connect starts the node and waits for the first heartbeat.
func (s *SDK) Connect(ctx context.Context, connString string) error {
	endpoint, err := sdkEndpoint(connString)
	if err != nil {
		return &ConnectionError{Err: err}
	}

	node, err := gomavlib.NewNode(gomavlib.NodeConf{
		Endpoints:      []gomavlib.EndpointConf{endpoint},
		Dialect:        common.Dialect,
		OutVersion:     gomavlib.V2,
		OutSystemID:    gcsSystemID,
		OutComponentID: gcsComponentID,
	})
	if err != nil {
		return &ConnectionError{Err: errors.Wrap(err, "starting node")}
	}

	s.node = node
	s.acks = make(chan *common.MessageCommandAck, 8)
	s.firstHB = make(chan struct{})
	s.hbOnce = sync.Once{}

	s.wg.Add(1)
	go s.eventLoop()

	select {
	case <-s.firstHB:
	case <-ctx.Done():
		s.teardown()
		return &ConnectionError{Err: ctx.Err()}
	case <-time.After(rawConnectTimeout):
		s.teardown()
		return &ConnectionError{Err: errors.New("no heartbeat received")}
	}

	s.cache.setConnected(true)
	log.Printf("sdk: connected to %s", connString)
	return nil
}

// Disconnect stops the node and awaits the event loop.
func (s *SDK) Disconnect(ctx context.Context) error {
	s.teardown()
	s.cache.setConnected(false)
	log.Printf("sdk: disconnected")
	return nil
}

func (s *SDK) teardown() {
	if s.node != nil {
		// Closing the node ends the events channel.
		s.node.Close()
	}
	s.wg.Wait()
	s.node = nil
}

func (s *SDK) eventLoop() {
	defer s.wg.Done()
	for evt := range s.node.Events() {
		frame, ok := evt.(*gomavlib.EventFrame)
		if !ok {
			continue
		}
		s.handleMessage(frame.Message())
	}
}

func (s *SDK) handleMessage(msg interface{}) {
	switch m := msg.(type) {
	case *common.MessageHeartbeat:
		if m.Type == common.MAV_TYPE_GCS {
			return
		}
		armed := m.BaseMode&common.MAV_MODE_FLAG_SAFETY_ARMED != 0
		s.cache.setHeartbeat(armed, mavlink.DecodeMode(m.CustomMode))
		s.hbOnce.Do(func() { close(s.firstHB) })
	case *common.MessageCommandAck:
		select {
		case s.acks <- m:
		default:
		}
	case *common.MessageGlobalPositionInt:
		s.cache.setGlobalPosition(
			float64(m.Lat)/1e7, float64(m.Lon)/1e7,
			float64(m.Alt)/1000, float64(m.RelativeAlt)/1000,
			float64(m.Vx)/100, float64(m.Vy)/100, float64(m.Vz)/100,
		)
	case *common.MessageLocalPositionNed:
		s.cache.setLocalPosition(float64(m.X), float64(m.Y), float64(m.Z))
	case *common.MessageAttitude:
		deg := 180 / math.Pi
		s.cache.setAttitude(
			float64(m.Roll)*deg, float64(m.Pitch)*deg, float64(m.Yaw)*deg,
			float64(m.Rollspeed)*deg, float64(m.Pitchspeed)*deg, float64(m.Yawspeed)*deg,
		)
	case *common.MessageVfrHud:
		s.cache.setSpeeds(float64(m.Groundspeed), float64(m.Airspeed))
	case *common.MessageSysStatus:
		s.cache.setBattery(float64(m.VoltageBattery)/1000, float64(m.CurrentBattery)/100, float64(m.BatteryRemaining))
	case *common.MessageGpsRawInt:
		hdop, vdop := -1.0, -1.0
		if m.Eph != 65535 {
			hdop = float64(m.Eph) / 100
		}
		if m.Epv != 65535 {
			vdop = float64(m.Epv) / 100
		}
		s.cache.setGPS(int(m.FixType), int(m.SatellitesVisible), hdop, vdop)
	}
}

// sendCommand writes a COMMAND_LONG through the node and waits for the
// matching ack. The node returning from WriteMessageAll only means the
// message was queued, so completion is still gated on the ack.
func (s *SDK) sendCommand(ctx context.Context, op string, command common.MAV_CMD, params [7]float32) error {
	for {
		select {
		case <-s.acks:
			continue
		default:
		}
		break
	}

	if s.node == nil {
		return &BackendError{Op: op, Err: errors.New("not connected")}
	}
	err := s.node.WriteMessageAll(&common.MessageCommandLong{
		TargetSystem:    s.targetSystem,
		TargetComponent: 1,
		Command:         command,
		Param1:          params[0],
		Param2:          params[1],
		Param3:          params[2],
		Param4:          params[3],
		Param5:          params[4],
		Param6:          params[5],
		Param7:          params[6],
	})
	if err != nil {
		return &BackendError{Op: op, Err: errors.Wrap(err, "writing command")}
	}

	deadline := time.NewTimer(s.ackTimeout)
	defer deadline.Stop()
	for {
		select {
		case ack := <-s.acks:
			if ack.Command != command {
				continue
			}
			switch ack.Result {
			case common.MAV_RESULT_ACCEPTED, common.MAV_RESULT_IN_PROGRESS:
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
func (s *SDK) Arm(ctx context.Context) error {
	return s.sendCommand(ctx, "arm", common.MAV_CMD_COMPONENT_ARM_DISARM, [7]float32{1})
}

// Disarm requests motor disarming and clears a latched emergency on success.
func (s *SDK) Disarm(ctx context.Context) error {
	if err := s.sendCommand(ctx, "disarm", common.MAV_CMD_COMPONENT_ARM_DISARM, [7]float32{0}); err != nil {
		return err
	}
	s.machine.ClearEmergency()
	return nil
}

// Takeoff commands a climb to the given altitude above the arm point.
func (s *SDK) Takeoff(ctx context.Context, altitude float64) error {
	t := s.cache.snapshot(s.machine)
	alt := altitude
	if t.Position.HasGlobal {
		alt = t.Position.AltMSL - t.Position.AltRel + altitude
	}
	params := [7]float32{}
	params[3] = float32(math.NaN())
	params[4] = float32(math.NaN())
	params[5] = float32(math.NaN())
	params[6] = float32(alt)
	return s.sendCommand(ctx, "takeoff", common.MAV_CMD_NAV_TAKEOFF, params)
}

// Land commands a landing at the current position.
func (s *SDK) Land(ctx context.Context) error {
	return s.sendCommand(ctx, "land", common.MAV_CMD_NAV_LAND, [7]float32{})
}

// ReturnToLaunch commands autonomous return to the arm point.
func (s *SDK) ReturnToLaunch(ctx context.Context) error {
	return s.sendCommand(ctx, "rtl", common.MAV_CMD_NAV_RETURN_TO_LAUNCH, [7]float32{})
}

// HoldPosition switches to the position-hold mode.
func (s *SDK) HoldPosition(ctx context.Context) error {
	return s.SetFlightMode(ctx, mavlink.ModeLoiter)
}

// GotoPosition issues one positioning call, see Raw.GotoPosition for the
// frame semantics.
func (s *SDK) GotoPosition(ctx context.Context, target telemetry.Position, opts GotoOptions) error {
	if target.HasLocal {
		if s.node == nil {
			return &BackendError{Op: "goto", Err: errors.New("not connected")}
		}
		sp := &common.MessageSetPositionTargetLocalNed{
			TargetSystem:    s.targetSystem,
			TargetComponent: 1,
			CoordinateFrame: common.MAV_FRAME_LOCAL_NED,
			TypeMask:        mavlink.TypeMaskPositionOnly,
			X:               float32(target.North),
			Y:               float32(target.East),
			Z:               float32(target.Down),
		}
		if !math.IsNaN(opts.Yaw) {
			sp.Yaw = float32(opts.Yaw * math.Pi / 180)
			sp.TypeMask &^= 1 << 10
		}
		if err := s.node.WriteMessageAll(sp); err != nil {
			return &BackendError{Op: "goto", Err: errors.Wrap(err, "writing setpoint")}
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
	return s.sendCommand(ctx, "goto", common.MAV_CMD_DO_REPOSITION, params)
}

// SetFlightMode commands a named flight mode.
func (s *SDK) SetFlightMode(ctx context.Context, mode string) error {
	main, sub, ok := mavlink.EncodeMode(mode)
	if !ok {
		return &BackendError{Op: "set_mode", Err: errors.Errorf("unknown flight mode %q", mode)}
	}
	return s.sendCommand(ctx, "set_mode", common.MAV_CMD_DO_SET_MODE,
		[7]float32{float32(common.MAV_MODE_FLAG_CUSTOM_MODE_ENABLED), main, sub})
}

// State derives the current operational state.
func (s *SDK) State() state.DroneState {
	return s.machine.Current(s.cache.isConnected(), s.cache.isArmed(), s.cache.flightMode(), s.cache.relAlt())
}

// Armed reports the armed flag from the last heartbeat.
func (s *SDK) Armed() bool { return s.cache.isArmed() }

// FlightMode reports the mode from the last heartbeat.
func (s *SDK) FlightMode() string { return s.cache.flightMode() }

// Telemetry returns the current snapshot.
func (s *SDK) Telemetry() telemetry.Telemetry { return s.cache.snapshot(s.machine) }

// EmergencyStop holds position and latches the emergency state.
func (s *SDK) EmergencyStop(ctx context.Context) error {
	s.machine.TriggerEmergency()
	return s.HoldPosition(ctx)
}
