// Package mavlink implements the subset of MAVLink 1 framing and messages
// needed to command a PX4-class autopilot directly over a byte stream:
// heartbeat and telemetry decoding, COMMAND_LONG/COMMAND_ACK, and local
// position setpoints.
package mavlink

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

const (
	magicV1    = 0xFE
	headerLen  = 6
	crcLen     = 2
	maxPayload = 255
)

// Frame is the raw transport unit: a six byte header, payload and X.25
// checksum seeded with the per-message CRC extra.
type Frame struct {
	Sequence    uint8
	SystemID    uint8
	ComponentID uint8
	MessageID   uint8
	Payload     []byte
}

// Marshal encodes the frame into wire format.
func (f *Frame) Marshal() ([]byte, error) {
	if len(f.Payload) > maxPayload {
		return nil, errors.Errorf("payload too large: %d bytes", len(f.Payload))
	}
	extra, ok := crcExtras[f.MessageID]
	if !ok {
		return nil, errors.Errorf("unknown message id: %d", f.MessageID)
	}

	buf := make([]byte, headerLen+len(f.Payload)+crcLen)
	buf[0] = magicV1
	buf[1] = byte(len(f.Payload))
	buf[2] = f.Sequence
	buf[3] = f.SystemID
	buf[4] = f.ComponentID
	buf[5] = f.MessageID
	copy(buf[headerLen:], f.Payload)

	crc := x25Init
	for _, b := range buf[1 : headerLen+len(f.Payload)] {
		crc = x25Accumulate(crc, b)
	}
	crc = x25Accumulate(crc, extra)
	binary.LittleEndian.PutUint16(buf[headerLen+len(f.Payload):], crc)
	return buf, nil
}

// ReadFrame reads one frame from r, discarding garbage bytes until a valid
// start marker is found. It returns an error on short reads or a checksum
// mismatch.
func ReadFrame(r io.Reader) (*Frame, error) {
	var b [1]byte
	for {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, errors.Wrap(err, "reading start marker")
		}
		if b[0] == magicV1 {
			break
		}
	}

	var hdr [headerLen - 1]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, errors.Wrap(err, "reading header")
	}

	payloadLen := int(hdr[0])
	rest := make([]byte, payloadLen+crcLen)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, errors.Wrap(err, "reading payload")
	}

	f := &Frame{
		Sequence:    hdr[1],
		SystemID:    hdr[2],
		ComponentID: hdr[3],
		MessageID:   hdr[4],
		Payload:     rest[:payloadLen],
	}

	extra, ok := crcExtras[f.MessageID]
	if !ok {
		return nil, errors.Errorf("unknown message id: %d", f.MessageID)
	}
	crc := x25Init
	for _, v := range hdr[:] {
		crc = x25Accumulate(crc, v)
	}
	for _, v := range f.Payload {
		crc = x25Accumulate(crc, v)
	}
	crc = x25Accumulate(crc, extra)
	if got := binary.LittleEndian.Uint16(rest[payloadLen:]); got != crc {
		return nil, errors.Errorf("checksum mismatch on message %d: got %04x want %04x", f.MessageID, got, crc)
	}
	return f, nil
}

const x25Init uint16 = 0xFFFF

func x25Accumulate(crc uint16, b byte) uint16 {
	tmp := b ^ byte(crc&0xFF)
	tmp ^= tmp << 4
	return (crc >> 8) ^ (uint16(tmp) << 8) ^ (uint16(tmp) << 3) ^ (uint16(tmp) >> 4)
}

// crcExtras seeds the checksum with a hash of each message definition so that
// both ends must agree on the exact field layout.
var crcExtras = map[uint8]uint8{
	MsgIDHeartbeat:                 50,
	MsgIDSysStatus:                 124,
	MsgIDGPSRawInt:                 24,
	MsgIDAttitude:                  39,
	MsgIDLocalPositionNED:          185,
	MsgIDGlobalPositionInt:         104,
	MsgIDVFRHUD:                    20,
	MsgIDCommandLong:               152,
	MsgIDCommandAck:                143,
	MsgIDSetPositionTargetLocalNED: 143,
}
