package ws

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// A change envelope is one JSON object: a field map, its clocks, and routing
// ids. Even a board-wide create stays in the low kilobytes, so anything close
// to this cap is a broken or hostile client, not a bigger canvas.
const maxEnvelopeBytes = 256 << 10

// Control frames (close/ping/pong) are limited to tiny payloads by RFC 6455.
const maxControlBytes = 125

var (
	errFrameTooLarge  = errors.New("frame exceeds change envelope limit")
	errFragmented     = errors.New("fragmented frames unsupported")
	errUnmaskedClient = errors.New("client frames must be masked")
	errReservedBits   = errors.New("reserved frame bits set without negotiated extension")
)

// readFrame decodes one client frame. Writers send each change envelope as a
// single unfragmented frame, so continuation handling is deliberately absent;
// a fragmented or oversized frame terminates the connection rather than being
// buffered.
func readFrame(conn net.Conn) (byte, []byte, error) {
	var header [2]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return 0, nil, err
	}

	opcode := header[0] & 0x0F
	if header[0]&0x80 == 0 {
		return 0, nil, errFragmented
	}
	if header[0]&0x70 != 0 {
		return 0, nil, errReservedBits
	}
	if header[1]&0x80 == 0 {
		return 0, nil, errUnmaskedClient
	}

	length, err := readPayloadLength(conn, header[1]&0x7F)
	if err != nil {
		return 0, nil, err
	}
	if opcode >= opcodeClose && length > maxControlBytes {
		return 0, nil, fmt.Errorf("control frame payload %d exceeds %d bytes", length, maxControlBytes)
	}
	if length > maxEnvelopeBytes {
		return 0, nil, errFrameTooLarge
	}

	var maskKey [4]byte
	if _, err := io.ReadFull(conn, maskKey[:]); err != nil {
		return 0, nil, err
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return 0, nil, err
	}
	for i := range payload {
		payload[i] ^= maskKey[i%4]
	}
	return opcode, payload, nil
}

func readPayloadLength(conn net.Conn, indicator byte) (int64, error) {
	switch indicator {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(conn, ext[:]); err != nil {
			return 0, err
		}
		return int64(binary.BigEndian.Uint16(ext[:])), nil
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(conn, ext[:]); err != nil {
			return 0, err
		}
		length := binary.BigEndian.Uint64(ext[:])
		if length > maxEnvelopeBytes {
			return 0, errFrameTooLarge
		}
		return int64(length), nil
	default:
		return int64(indicator), nil
	}
}

// writeFrame emits one unfragmented, unmasked server frame. Header and
// payload go out in a single write so an envelope is never interleaved with
// another goroutine's frame at the TCP layer.
func writeFrame(conn net.Conn, opcode byte, payload []byte, timeout time.Duration) error {
	frame := make([]byte, 0, 10+len(payload))
	frame = append(frame, 0x80|opcode)

	length := len(payload)
	switch {
	case length < 126:
		frame = append(frame, byte(length))
	case length <= 0xFFFF:
		frame = append(frame, 126, byte(length>>8), byte(length))
	default:
		frame = append(frame, 127)
		var ext [8]byte
		binary.BigEndian.PutUint64(ext[:], uint64(length))
		frame = append(frame, ext[:]...)
	}
	frame = append(frame, payload...)

	if timeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
		defer conn.SetWriteDeadline(time.Time{})
	}
	_, err := conn.Write(frame)
	return err
}
