package mavlink

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// Message ids for the subset of the common dialect spoken here.
const (
	MsgIDHeartbeat                 = 0
	MsgIDSysStatus                 = 1
	MsgIDGPSRawInt                 = 24
	MsgIDAttitude                  = 30
	MsgIDLocalPositionNED          = 32
	MsgIDGlobalPositionInt         = 33
	MsgIDVFRHUD                    = 74
	MsgIDCommandLong               = 76
	MsgIDCommandAck                = 77
	MsgIDSetPositionTargetLocalNED = 84
)

// MAV_CMD command codes.
const (
	CmdNavReturnToLaunch  = 20
	CmdNavLand            = 21
	CmdNavTakeoff         = 22
	CmdDoOrbit            = 34
	CmdDoSetMode          = 176
	CmdDoReposition       = 192
	CmdComponentArmDisarm = 400
)

// MAV_RESULT codes carried in COMMAND_ACK.
const (
	ResultAccepted            = 0
	ResultTemporarilyRejected = 1
	ResultDenied              = 2
	ResultUnsupported         = 3
	ResultFailed              = 4
	ResultInProgress          = 5
)

// Base mode flags.
const (
	ModeFlagCustomModeEnabled = 1
	ModeFlagSafetyArmed       = 128
)

// MAV_TYPE / MAV_AUTOPILOT values used in our own heartbeat.
const (
	TypeGCS          = 6
	AutopilotInvalid = 8
	StateActive      = 4
)

// Heartbeat mirrors the HEARTBEAT message. CustomMode carries the
// PX4-specific flight mode encoding, see DecodeMode.
type Heartbeat struct {
	CustomMode     uint32
	Type           uint8
	Autopilot      uint8
	BaseMode       uint8
	SystemStatus   uint8
	MavlinkVersion uint8
}

// Armed reports the safety-armed flag from the base mode.
func (h *Heartbeat) Armed() bool {
	return h.BaseMode&ModeFlagSafetyArmed != 0
}

func (h *Heartbeat) marshal() []byte {
	p := make([]byte, 9)
	binary.LittleEndian.PutUint32(p, h.CustomMode)
	p[4] = h.Type
	p[5] = h.Autopilot
	p[6] = h.BaseMode
	p[7] = h.SystemStatus
	p[8] = h.MavlinkVersion
	return p
}

// DecodeHeartbeat parses a HEARTBEAT payload.
func DecodeHeartbeat(p []byte) (*Heartbeat, error) {
	if len(p) < 9 {
		return nil, errors.Errorf("heartbeat payload too short: %d", len(p))
	}
	return &Heartbeat{
		CustomMode:     binary.LittleEndian.Uint32(p),
		Type:           p[4],
		Autopilot:      p[5],
		BaseMode:       p[6],
		SystemStatus:   p[7],
		MavlinkVersion: p[8],
	}, nil
}

// CommandLong carries a numeric command code and up to seven parameters.
type CommandLong struct {
	Param           [7]float32
	Command         uint16
	TargetSystem    uint8
	TargetComponent uint8
	Confirmation    uint8
}

func (c *CommandLong) marshal() []byte {
	p := make([]byte, 33)
	for i, v := range c.Param {
		binary.LittleEndian.PutUint32(p[i*4:], math.Float32bits(v))
	}
	binary.LittleEndian.PutUint16(p[28:], c.Command)
	p[30] = c.TargetSystem
	p[31] = c.TargetComponent
	p[32] = c.Confirmation
	return p
}

// DecodeCommandLong parses a COMMAND_LONG payload.
func DecodeCommandLong(p []byte) (*CommandLong, error) {
	if len(p) < 33 {
		return nil, errors.Errorf("command_long payload too short: %d", len(p))
	}
	c := &CommandLong{
		Command:         binary.LittleEndian.Uint16(p[28:]),
		TargetSystem:    p[30],
		TargetComponent: p[31],
		Confirmation:    p[32],
	}
	for i := range c.Param {
		c.Param[i] = math.Float32frombits(binary.LittleEndian.Uint32(p[i*4:]))
	}
	return c, nil
}

// CommandAck is the autopilot's response to a COMMAND_LONG.
type CommandAck struct {
	Command uint16
	Result  uint8
}

func (a *CommandAck) marshal() []byte {
	p := make([]byte, 3)
	binary.LittleEndian.PutUint16(p, a.Command)
	p[2] = a.Result
	return p
}

// DecodeCommandAck parses a COMMAND_ACK payload.
func DecodeCommandAck(p []byte) (*CommandAck, error) {
	if len(p) < 3 {
		return nil, errors.Errorf("command_ack payload too short: %d", len(p))
	}
	return &CommandAck{
		Command: binary.LittleEndian.Uint16(p),
		Result:  p[2],
	}, nil
}

// GlobalPositionInt is the fused global position estimate. Lat/Lon are in
// degE7, altitudes in millimetres, velocities in cm/s, heading in cdeg.
type GlobalPositionInt struct {
	TimeBootMs  uint32
	Lat         int32
	Lon         int32
	Alt         int32
	RelativeAlt int32
	Vx          int16
	Vy          int16
	Vz          int16
	Hdg         uint16
}

func (g *GlobalPositionInt) marshal() []byte {
	p := make([]byte, 28)
	binary.LittleEndian.PutUint32(p, g.TimeBootMs)
	binary.LittleEndian.PutUint32(p[4:], uint32(g.Lat))
	binary.LittleEndian.PutUint32(p[8:], uint32(g.Lon))
	binary.LittleEndian.PutUint32(p[12:], uint32(g.Alt))
	binary.LittleEndian.PutUint32(p[16:], uint32(g.RelativeAlt))
	binary.LittleEndian.PutUint16(p[20:], uint16(g.Vx))
	binary.LittleEndian.PutUint16(p[22:], uint16(g.Vy))
	binary.LittleEndian.PutUint16(p[24:], uint16(g.Vz))
	binary.LittleEndian.PutUint16(p[26:], g.Hdg)
	return p
}

// DecodeGlobalPositionInt parses a GLOBAL_POSITION_INT payload.
func DecodeGlobalPositionInt(p []byte) (*GlobalPositionInt, error) {
	if len(p) < 28 {
		return nil, errors.Errorf("global_position_int payload too short: %d", len(p))
	}
	return &GlobalPositionInt{
		TimeBootMs:  binary.LittleEndian.Uint32(p),
		Lat:         int32(binary.LittleEndian.Uint32(p[4:])),
		Lon:         int32(binary.LittleEndian.Uint32(p[8:])),
		Alt:         int32(binary.LittleEndian.Uint32(p[12:])),
		RelativeAlt: int32(binary.LittleEndian.Uint32(p[16:])),
		Vx:          int16(binary.LittleEndian.Uint16(p[20:])),
		Vy:          int16(binary.LittleEndian.Uint16(p[22:])),
		Vz:          int16(binary.LittleEndian.Uint16(p[24:])),
		Hdg:         binary.LittleEndian.Uint16(p[26:]),
	}, nil
}

// LocalPositionNED is the local position estimate relative to the arming
// point, metres and m/s, down positive.
type LocalPositionNED struct {
	TimeBootMs uint32
	X          float32
	Y          float32
	Z          float32
	Vx         float32
	Vy         float32
	Vz         float32
}

func (l *LocalPositionNED) marshal() []byte {
	p := make([]byte, 28)
	binary.LittleEndian.PutUint32(p, l.TimeBootMs)
	for i, v := range []float32{l.X, l.Y, l.Z, l.Vx, l.Vy, l.Vz} {
		binary.LittleEndian.PutUint32(p[4+i*4:], math.Float32bits(v))
	}
	return p
}

// DecodeLocalPositionNED parses a LOCAL_POSITION_NED payload.
func DecodeLocalPositionNED(p []byte) (*LocalPositionNED, error) {
	if len(p) < 28 {
		return nil, errors.Errorf("local_position_ned payload too short: %d", len(p))
	}
	f := func(off int) float32 {
		return math.Float32frombits(binary.LittleEndian.Uint32(p[off:]))
	}
	return &LocalPositionNED{
		TimeBootMs: binary.LittleEndian.Uint32(p),
		X:          f(4),
		Y:          f(8),
		Z:          f(12),
		Vx:         f(16),
		Vy:         f(20),
		Vz:         f(24),
	}, nil
}

// Attitude carries vehicle attitude in radians and rad/s.
type Attitude struct {
	TimeBootMs uint32
	Roll       float32
	Pitch      float32
	Yaw        float32
	RollSpeed  float32
	PitchSpeed float32
	YawSpeed   float32
}

func (a *Attitude) marshal() []byte {
	p := make([]byte, 28)
	binary.LittleEndian.PutUint32(p, a.TimeBootMs)
	for i, v := range []float32{a.Roll, a.Pitch, a.Yaw, a.RollSpeed, a.PitchSpeed, a.YawSpeed} {
		binary.LittleEndian.PutUint32(p[4+i*4:], math.Float32bits(v))
	}
	return p
}

// DecodeAttitude parses an ATTITUDE payload.
func DecodeAttitude(p []byte) (*Attitude, error) {
	if len(p) < 28 {
		return nil, errors.Errorf("attitude payload too short: %d", len(p))
	}
	f := func(off int) float32 {
		return math.Float32frombits(binary.LittleEndian.Uint32(p[off:]))
	}
	return &Attitude{
		TimeBootMs: binary.LittleEndian.Uint32(p),
		Roll:       f(4),
		Pitch:      f(8),
		Yaw:        f(12),
		RollSpeed:  f(16),
		PitchSpeed: f(20),
		YawSpeed:   f(24),
	}, nil
}

// VFRHUD carries the head-up display values: speeds in m/s, altitude in
// metres MSL, heading in degrees.
type VFRHUD struct {
	Airspeed    float32
	GroundSpeed float32
	Alt         float32
	Climb       float32
	Heading     int16
	Throttle    uint16
}

func (v *VFRHUD) marshal() []byte {
	p := make([]byte, 20)
	for i, f := range []float32{v.Airspeed, v.GroundSpeed, v.Alt, v.Climb} {
		binary.LittleEndian.PutUint32(p[i*4:], math.Float32bits(f))
	}
	binary.LittleEndian.PutUint16(p[16:], uint16(v.Heading))
	binary.LittleEndian.PutUint16(p[18:], v.Throttle)
	return p
}

// DecodeVFRHUD parses a VFR_HUD payload.
func DecodeVFRHUD(p []byte) (*VFRHUD, error) {
	if len(p) < 20 {
		return nil, errors.Errorf("vfr_hud payload too short: %d", len(p))
	}
	f := func(off int) float32 {
		return math.Float32frombits(binary.LittleEndian.Uint32(p[off:]))
	}
	return &VFRHUD{
		Airspeed:    f(0),
		GroundSpeed: f(4),
		Alt:         f(8),
		Climb:       f(12),
		Heading:     int16(binary.LittleEndian.Uint16(p[16:])),
		Throttle:    binary.LittleEndian.Uint16(p[18:]),
	}, nil
}

// SysStatus carries system health and battery state. Voltage is in mV,
// current in 10 mA, remaining in percent (-1 when unknown).
type SysStatus struct {
	SensorsPresent   uint32
	SensorsEnabled   uint32
	SensorsHealth    uint32
	Load             uint16
	VoltageBattery   uint16
	CurrentBattery   int16
	DropRateComm     uint16
	ErrorsComm       uint16
	ErrorsCount      [4]uint16
	BatteryRemaining int8
}

func (s *SysStatus) marshal() []byte {
	p := make([]byte, 31)
	binary.LittleEndian.PutUint32(p, s.SensorsPresent)
	binary.LittleEndian.PutUint32(p[4:], s.SensorsEnabled)
	binary.LittleEndian.PutUint32(p[8:], s.SensorsHealth)
	binary.LittleEndian.PutUint16(p[12:], s.Load)
	binary.LittleEndian.PutUint16(p[14:], s.VoltageBattery)
	binary.LittleEndian.PutUint16(p[16:], uint16(s.CurrentBattery))
	binary.LittleEndian.PutUint16(p[18:], s.DropRateComm)
	binary.LittleEndian.PutUint16(p[20:], s.ErrorsComm)
	for i, v := range s.ErrorsCount {
		binary.LittleEndian.PutUint16(p[22+i*2:], v)
	}
	p[30] = byte(s.BatteryRemaining)
	return p
}

// DecodeSysStatus parses a SYS_STATUS payload.
func DecodeSysStatus(p []byte) (*SysStatus, error) {
	if len(p) < 31 {
		return nil, errors.Errorf("sys_status payload too short: %d", len(p))
	}
	s := &SysStatus{
		SensorsPresent:   binary.LittleEndian.Uint32(p),
		SensorsEnabled:   binary.LittleEndian.Uint32(p[4:]),
		SensorsHealth:    binary.LittleEndian.Uint32(p[8:]),
		Load:             binary.LittleEndian.Uint16(p[12:]),
		VoltageBattery:   binary.LittleEndian.Uint16(p[14:]),
		CurrentBattery:   int16(binary.LittleEndian.Uint16(p[16:])),
		DropRateComm:     binary.LittleEndian.Uint16(p[18:]),
		ErrorsComm:       binary.LittleEndian.Uint16(p[20:]),
		BatteryRemaining: int8(p[30]),
	}
	for i := range s.ErrorsCount {
		s.ErrorsCount[i] = binary.LittleEndian.Uint16(p[22+i*2:])
	}
	return s, nil
}

// GPSRawInt carries the raw GNSS fix. Dilution values are unitless * 100,
// 65535 when unknown.
type GPSRawInt struct {
	TimeUsec          uint64
	Lat               int32
	Lon               int32
	Alt               int32
	Eph               uint16
	Epv               uint16
	Vel               uint16
	Cog               uint16
	FixType           uint8
	SatellitesVisible uint8
}

func (g *GPSRawInt) marshal() []byte {
	p := make([]byte, 30)
	binary.LittleEndian.PutUint64(p, g.TimeUsec)
	binary.LittleEndian.PutUint32(p[8:], uint32(g.Lat))
	binary.LittleEndian.PutUint32(p[12:], uint32(g.Lon))
	binary.LittleEndian.PutUint32(p[16:], uint32(g.Alt))
	binary.LittleEndian.PutUint16(p[20:], g.Eph)
	binary.LittleEndian.PutUint16(p[22:], g.Epv)
	binary.LittleEndian.PutUint16(p[24:], g.Vel)
	binary.LittleEndian.PutUint16(p[26:], g.Cog)
	p[28] = g.FixType
	p[29] = g.SatellitesVisible
	return p
}

// DecodeGPSRawInt parses a GPS_RAW_INT payload.
func DecodeGPSRawInt(p []byte) (*GPSRawInt, error) {
	if len(p) < 30 {
		return nil, errors.Errorf("gps_raw_int payload too short: %d", len(p))
	}
	return &GPSRawInt{
		TimeUsec:          binary.LittleEndian.Uint64(p),
		Lat:               int32(binary.LittleEndian.Uint32(p[8:])),
		Lon:               int32(binary.LittleEndian.Uint32(p[12:])),
		Alt:               int32(binary.LittleEndian.Uint32(p[16:])),
		Eph:               binary.LittleEndian.Uint16(p[20:]),
		Epv:               binary.LittleEndian.Uint16(p[22:]),
		Vel:               binary.LittleEndian.Uint16(p[24:]),
		Cog:               binary.LittleEndian.Uint16(p[26:]),
		FixType:           p[28],
		SatellitesVisible: p[29],
	}, nil
}

// SetPositionTargetLocalNED streams an offboard position setpoint in the
// local NED frame.
type SetPositionTargetLocalNED struct {
	TimeBootMs      uint32
	X               float32
	Y               float32
	Z               float32
	Vx              float32
	Vy              float32
	Vz              float32
	Afx             float32
	Afy             float32
	Afz             float32
	Yaw             float32
	YawRate         float32
	TypeMask        uint16
	TargetSystem    uint8
	TargetComponent uint8
	CoordinateFrame uint8
}

// FrameLocalNED is the MAV_FRAME value for arm-point-relative NED.
const FrameLocalNED = 1

// TypeMaskPositionOnly ignores velocity, acceleration and yaw-rate fields in
// a position target.
const TypeMaskPositionOnly = 0x0DF8

func (s *SetPositionTargetLocalNED) marshal() []byte {
	p := make([]byte, 53)
	binary.LittleEndian.PutUint32(p, s.TimeBootMs)
	for i, v := range []float32{s.X, s.Y, s.Z, s.Vx, s.Vy, s.Vz, s.Afx, s.Afy, s.Afz, s.Yaw, s.YawRate} {
		binary.LittleEndian.PutUint32(p[4+i*4:], math.Float32bits(v))
	}
	binary.LittleEndian.PutUint16(p[48:], s.TypeMask)
	p[50] = s.TargetSystem
	p[51] = s.TargetComponent
	p[52] = s.CoordinateFrame
	return p
}

// Marshaler is any message that can be packed into a frame payload.
type Marshaler interface {
	marshal() []byte
}

// MessageID returns the wire id for a known message value.
func MessageID(m Marshaler) (uint8, error) {
	switch m.(type) {
	case *Heartbeat:
		return MsgIDHeartbeat, nil
	case *SysStatus:
		return MsgIDSysStatus, nil
	case *GPSRawInt:
		return MsgIDGPSRawInt, nil
	case *Attitude:
		return MsgIDAttitude, nil
	case *LocalPositionNED:
		return MsgIDLocalPositionNED, nil
	case *GlobalPositionInt:
		return MsgIDGlobalPositionInt, nil
	case *VFRHUD:
		return MsgIDVFRHUD, nil
	case *CommandLong:
		return MsgIDCommandLong, nil
	case *CommandAck:
		return MsgIDCommandAck, nil
	case *SetPositionTargetLocalNED:
		return MsgIDSetPositionTargetLocalNED, nil
	default:
		return 0, errors.Errorf("no message id for %T", m)
	}
}

// Pack wraps a message into a frame ready for Marshal.
func Pack(seq, systemID, componentID uint8, m Marshaler) (*Frame, error) {
	id, err := MessageID(m)
	if err != nil {
		return nil, err
	}
	return &Frame{
		Sequence:    seq,
		SystemID:    systemID,
		ComponentID: componentID,
		MessageID:   id,
		Payload:     m.marshal(),
	}, nil
}
