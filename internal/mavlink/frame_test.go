package mavlink

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	hb := &Heartbeat{
		CustomMode:   EncodeCustomMode(ModePosition),
		Type:         2,
		Autopilot:    12,
		BaseMode:     ModeFlagCustomModeEnabled | ModeFlagSafetyArmed,
		SystemStatus: StateActive,
	}
	f, err := Pack(7, 1, 1, hb)
	require.NoError(t, err)

	raw, err := f.Marshal()
	require.NoError(t, err)

	got, err := ReadFrame(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, uint8(7), got.Sequence)
	assert.Equal(t, uint8(MsgIDHeartbeat), got.MessageID)

	decoded, err := DecodeHeartbeat(got.Payload)
	require.NoError(t, err)
	assert.True(t, decoded.Armed())
	assert.Equal(t, ModePosition, DecodeMode(decoded.CustomMode))
}

func TestReadFrameSkipsGarbage(t *testing.T) {
	ack := &CommandAck{Command: CmdNavTakeoff, Result: ResultAccepted}
	f, err := Pack(0, 1, 1, ack)
	require.NoError(t, err)
	raw, err := f.Marshal()
	require.NoError(t, err)

	noisy := append([]byte{0x00, 0x42, 0xFF}, raw...)
	got, err := ReadFrame(bytes.NewReader(noisy))
	require.NoError(t, err)

	decoded, err := DecodeCommandAck(got.Payload)
	require.NoError(t, err)
	assert.Equal(t, uint16(CmdNavTakeoff), decoded.Command)
	assert.Equal(t, uint8(ResultAccepted), decoded.Result)
}

func TestReadFrameChecksumMismatch(t *testing.T) {
	f, err := Pack(0, 1, 1, &CommandAck{Command: CmdNavLand, Result: ResultFailed})
	require.NoError(t, err)
	raw, err := f.Marshal()
	require.NoError(t, err)

	raw[len(raw)-1] ^= 0xFF
	_, err = ReadFrame(bytes.NewReader(raw))
	assert.Error(t, err)
}

func TestCommandLongRoundTrip(t *testing.T) {
	cmd := &CommandLong{
		Command:         CmdDoReposition,
		TargetSystem:    1,
		TargetComponent: 1,
	}
	cmd.Param[3] = 1.5
	cmd.Param[4] = 47.3977
	cmd.Param[5] = 8.5456
	cmd.Param[6] = 25

	decoded, err := DecodeCommandLong(cmd.marshal())
	require.NoError(t, err)
	assert.Equal(t, cmd.Command, decoded.Command)
	assert.InDelta(t, 47.3977, float64(decoded.Param[4]), 1e-4)
	assert.InDelta(t, 25.0, float64(decoded.Param[6]), 1e-6)
}

func TestTelemetryMessageRoundTrips(t *testing.T) {
	gp := &GlobalPositionInt{Lat: 473977418, Lon: 85455938, Alt: 488000, RelativeAlt: 10000, Hdg: 9000}
	gotGP, err := DecodeGlobalPositionInt(gp.marshal())
	require.NoError(t, err)
	assert.Equal(t, gp, gotGP)

	lp := &LocalPositionNED{X: 1.5, Y: -2.25, Z: -10, Vx: 0.5}
	gotLP, err := DecodeLocalPositionNED(lp.marshal())
	require.NoError(t, err)
	assert.Equal(t, lp, gotLP)

	ss := &SysStatus{VoltageBattery: 15800, CurrentBattery: 1250, BatteryRemaining: 87}
	gotSS, err := DecodeSysStatus(ss.marshal())
	require.NoError(t, err)
	assert.Equal(t, ss, gotSS)

	gps := &GPSRawInt{TimeUsec: 12345678, Lat: 473977418, Lon: 85455938, Eph: 120, FixType: 3, SatellitesVisible: 11}
	gotGPS, err := DecodeGPSRawInt(gps.marshal())
	require.NoError(t, err)
	assert.Equal(t, gps, gotGPS)
}

func TestModeCodec(t *testing.T) {
	for _, mode := range []string{
		ModeManual, ModePosition, ModeOffboard, ModeTakeoff,
		ModeLoiter, ModeMission, ModeRTL, ModeLand,
	} {
		assert.Equal(t, mode, DecodeMode(EncodeCustomMode(mode)), mode)
	}

	_, _, ok := EncodeMode("warp-drive")
	assert.False(t, ok)
	assert.Equal(t, ModeUnknown, DecodeMode(0xFF<<16))
}
