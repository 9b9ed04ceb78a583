package websocket

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
)

// MaxPayload bounds a single frame so a peer cannot make the proxy buffer
// unbounded data.
const MaxPayload = 1 << 20

var ErrTooLarge = errors.New("websocket frame payload too large")

type Opcode byte

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

func (o Opcode) String() string {
	switch o {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	default:
		return "opcode(" + strconv.Itoa(int(o)) + ")"
	}
}

// IsControl reports whether o is a close, ping or pong opcode.
func (o Opcode) IsControl() bool {
	return o&0x8 != 0
}

// Frame is one RFC 6455 frame. Payload is always held unmasked.
type Frame struct {
	Fin     bool
	Rsv1    bool
	Rsv2    bool
	Rsv3    bool
	Opcode  Opcode
	Masked  bool
	Mask    [4]byte
	Payload []byte
}

// Parse decodes the frame at the start of raw and returns it with the
// number of bytes it occupied. A nil frame and 0 mean raw does not hold a
// whole frame yet.
func Parse(raw []byte) (*Frame, int, error) {
	if len(raw) < 2 {
		return nil, 0, nil
	}

	f := &Frame{
		Fin:    raw[0]&0x80 != 0,
		Rsv1:   raw[0]&0x40 != 0,
		Rsv2:   raw[0]&0x20 != 0,
		Rsv3:   raw[0]&0x10 != 0,
		Opcode: Opcode(raw[0] & 0x0F),
		Masked: raw[1]&0x80 != 0,
	}
	length := uint64(raw[1] & 0x7F)
	off := 2

	switch length {
	case 126:
		if len(raw) < off+2 {
			return nil, 0, nil
		}
		length = uint64(binary.BigEndian.Uint16(raw[off:]))
		off += 2
	case 127:
		if len(raw) < off+8 {
			return nil, 0, nil
		}
		length = binary.BigEndian.Uint64(raw[off:])
		off += 8
	}
	if length > MaxPayload {
		return nil, 0, fmt.Errorf("%w: %d bytes", ErrTooLarge, length)
	}

	if f.Masked {
		if len(raw) < off+4 {
			return nil, 0, nil
		}
		copy(f.Mask[:], raw[off:off+4])
		off += 4
	}

	end := off + int(length)
	if len(raw) < end {
		return nil, 0, nil
	}
	f.Payload = make([]byte, length)
	copy(f.Payload, raw[off:end])
	if f.Masked {
		applyMask(f.Payload, f.Mask)
	}
	return f, end, nil
}

// Build encodes f. A masked frame without a mask key gets a random one.
func (f *Frame) Build() ([]byte, error) {
	plen := len(f.Payload)
	if plen > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, plen)
	}

	b0 := byte(f.Opcode & 0x0F)
	if f.Fin {
		b0 |= 0x80
	}
	if f.Rsv1 {
		b0 |= 0x40
	}
	if f.Rsv2 {
		b0 |= 0x20
	}
	if f.Rsv3 {
		b0 |= 0x10
	}
	var maskBit byte
	if f.Masked {
		maskBit = 0x80
	}

	buf := make([]byte, 0, 14+plen)
	switch {
	case plen < 126:
		buf = append(buf, b0, maskBit|byte(plen))
	case plen <= 0xFFFF:
		buf = append(buf, b0, maskBit|126)
		buf = binary.BigEndian.AppendUint16(buf, uint16(plen))
	default:
		buf = append(buf, b0, maskBit|127)
		buf = binary.BigEndian.AppendUint64(buf, uint64(plen))
	}

	if !f.Masked {
		return append(buf, f.Payload...), nil
	}
	if f.Mask == ([4]byte{}) {
		if _, err := rand.Read(f.Mask[:]); err != nil {
			return nil, fmt.Errorf("websocket mask: %w", err)
		}
	}
	buf = append(buf, f.Mask[:]...)
	start := len(buf)
	buf = append(buf, f.Payload...)
	applyMask(buf[start:], f.Mask)
	return buf, nil
}

// Text returns an unmasked final text frame carrying data.
func Text(data []byte) ([]byte, error) {
	return (&Frame{Fin: true, Opcode: OpText, Payload: data}).Build()
}

// Close returns an unmasked close frame carrying a status code.
func Close(code uint16) []byte {
	b, _ := (&Frame{Fin: true, Opcode: OpClose, Payload: binary.BigEndian.AppendUint16(nil, code)}).Build()
	return b
}

func applyMask(b []byte, mask [4]byte) {
	for i := range b {
		b[i] ^= mask[i%4]
	}
}
