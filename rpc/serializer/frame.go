package serializer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
)

// MaxFrameSize is the largest frame payload ReadFrame accepts
const MaxFrameSize = 256 << 20

var (
	// ErrMalformedFrame is returned when a frame or its header cannot be decoded
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrFrameTooLarge is returned when the length prefix exceeds MaxFrameSize
	ErrFrameTooLarge = errors.New("frame too large")
)

// WriteFrame writes a frame to w with the format:
// - 5 bytes: msgpack uint32 (0xce + big endian length)
// - N bytes: payload (header map + body map)
func WriteFrame(w io.Writer, payload []byte) error {
	header := make([]byte, 5)
	header[0] = 0xce
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))

	b := net.Buffers{header, payload}
	_, err := b.WriteTo(w)
	return err
}

// ReadFrame reads one frame from r and returns its payload.
// The length prefix may use any msgpack unsigned integer encoding.
// buf is reused for the payload when it is large enough.
func ReadFrame(r io.Reader, buf []byte) ([]byte, error) {
	var prefix [9]byte
	if _, err := io.ReadFull(r, prefix[:1]); err != nil {
		return nil, err
	}

	var size uint64
	switch code := prefix[0]; {
	case code <= 0x7f: // positive fixint
		size = uint64(code)
	case code == 0xcc:
		if _, err := io.ReadFull(r, prefix[1:2]); err != nil {
			return nil, err
		}
		size = uint64(prefix[1])
	case code == 0xcd:
		if _, err := io.ReadFull(r, prefix[1:3]); err != nil {
			return nil, err
		}
		size = uint64(binary.BigEndian.Uint16(prefix[1:3]))
	case code == 0xce:
		if _, err := io.ReadFull(r, prefix[1:5]); err != nil {
			return nil, err
		}
		size = uint64(binary.BigEndian.Uint32(prefix[1:5]))
	case code == 0xcf:
		if _, err := io.ReadFull(r, prefix[1:9]); err != nil {
			return nil, err
		}
		size = binary.BigEndian.Uint64(prefix[1:9])
	default:
		return nil, fmt.Errorf("%w: unexpected length prefix 0x%02x", ErrMalformedFrame, code)
	}

	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}

	if uint64(cap(buf)) < size {
		buf = make([]byte, size)
	}
	buf = buf[:size]
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
