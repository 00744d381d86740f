package mavlink

// PX4 packs its flight mode into the heartbeat custom_mode field: the main
// mode in the third byte and the sub mode in the fourth.
const (
	px4MainManual     = 1
	px4MainAltitude   = 2
	px4MainPosition   = 3
	px4MainAuto       = 4
	px4MainAcro       = 5
	px4MainOffboard   = 6
	px4MainStabilized = 7

	px4SubAutoReady   = 1
	px4SubAutoTakeoff = 2
	px4SubAutoLoiter  = 3
	px4SubAutoMission = 4
	px4SubAutoRTL     = 5
	px4SubAutoLand    = 6
)

// Flight mode names exposed by the backend contract.
const (
	ModeManual     = "manual"
	ModeAltitude   = "altitude"
	ModePosition   = "position"
	ModeAcro       = "acro"
	ModeOffboard   = "offboard"
	ModeStabilized = "stabilized"
	ModeTakeoff    = "takeoff"
	ModeLoiter     = "loiter"
	ModeMission    = "mission"
	ModeRTL        = "rtl"
	ModeLand       = "land"
	ModeUnknown    = "unknown"
)

// DecodeMode translates a PX4 custom_mode value to a mode name.
func DecodeMode(customMode uint32) string {
	main := (customMode >> 16) & 0xFF
	sub := (customMode >> 24) & 0xFF

	switch main {
	case px4MainManual:
		return ModeManual
	case px4MainAltitude:
		return ModeAltitude
	case px4MainPosition:
		return ModePosition
	case px4MainAcro:
		return ModeAcro
	case px4MainOffboard:
		return ModeOffboard
	case px4MainStabilized:
		return ModeStabilized
	case px4MainAuto:
		switch sub {
		case px4SubAutoTakeoff:
			return ModeTakeoff
		case px4SubAutoLoiter, px4SubAutoReady:
			return ModeLoiter
		case px4SubAutoMission:
			return ModeMission
		case px4SubAutoRTL:
			return ModeRTL
		case px4SubAutoLand:
			return ModeLand
		}
	}
	return ModeUnknown
}

// EncodeMode translates a mode name to the main/sub mode pair used as
// DO_SET_MODE parameters 2 and 3. The second return is false for names the
// autopilot cannot be commanded into.
func EncodeMode(mode string) (mainMode, subMode float32, ok bool) {
	switch mode {
	case ModeManual:
		return px4MainManual, 0, true
	case ModeAltitude:
		return px4MainAltitude, 0, true
	case ModePosition:
		return px4MainPosition, 0, true
	case ModeAcro:
		return px4MainAcro, 0, true
	case ModeOffboard:
		return px4MainOffboard, 0, true
	case ModeStabilized:
		return px4MainStabilized, 0, true
	case ModeTakeoff:
		return px4MainAuto, px4SubAutoTakeoff, true
	case ModeLoiter:
		return px4MainAuto, px4SubAutoLoiter, true
	case ModeMission:
		return px4MainAuto, px4SubAutoMission, true
	case ModeRTL:
		return px4MainAuto, px4SubAutoRTL, true
	case ModeLand:
		return px4MainAuto, px4SubAutoLand, true
	}
	return 0, 0, false
}

// EncodeCustomMode builds the heartbeat custom_mode value for a mode name.
// Used by tests and the bridge simulator.
func EncodeCustomMode(mode string) uint32 {
	main, sub, ok := EncodeMode(mode)
	if !ok {
		return 0
	}
	return uint32(main)<<16 | uint32(sub)<<24
}
