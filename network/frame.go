package network

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// A frame is
//
//	kind  1 byte
//	count 4 bytes, little endian
//	payload count*size(kind) bytes, little endian
type kind byte

const (
	kindInt kind = iota + 1
	kindBool
	kindDouble
	kindDoubles
)

const headerSize = 5

func (k kind) String() string {
	switch k {
	case kindInt:
		return "int"
	case kindBool:
		return "bool"
	case kindDouble:
		return "double"
	case kindDoubles:
		return "doubles"
	}
	return fmt.Sprintf("kind(%d)", byte(k))
}

func (k kind) elemSize() int {
	switch k {
	case kindBool:
		return 1
	case kindInt, kindDouble, kindDoubles:
		return 8
	}
	return 0
}

func encodeFrame(k kind, count int, fill func(payload []byte)) []byte {
	buf := make([]byte, headerSize+count*k.elemSize())
	buf[0] = byte(k)
	binary.LittleEndian.PutUint32(buf[1:headerSize], uint32(count))
	fill(buf[headerSize:])
	return buf
}

func intFrame(v int) []byte {
	return encodeFrame(kindInt, 1, func(p []byte) {
		binary.LittleEndian.PutUint64(p, uint64(int64(v)))
	})
}

func boolFrame(v bool) []byte {
	return encodeFrame(kindBool, 1, func(p []byte) {
		if v {
			p[0] = 1
		}
	})
}

func doubleFrame(v float64) []byte {
	return encodeFrame(kindDouble, 1, func(p []byte) {
		binary.LittleEndian.PutUint64(p, math.Float64bits(v))
	})
}

func doublesFrame(values []float64) []byte {
	return encodeFrame(kindDoubles, len(values), func(p []byte) {
		for i, v := range values {
			binary.LittleEndian.PutUint64(p[8*i:], math.Float64bits(v))
		}
	})
}

// readFrame reads one frame of kind want holding exactly count elements and
// returns its payload. Scalar kinds always hold one element. A doubles frame
// of another length is skipped without buffering it, so the stream stays
// aligned for the next frame.
func readFrame(r io.Reader, want kind, count int) ([]byte, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	got := kind(header[0])
	if got != want {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrUnexpectedMessage, want, got)
	}
	n := int64(binary.LittleEndian.Uint32(header[1:]))
	if n != int64(count) {
		if got != kindDoubles {
			return nil, fmt.Errorf("%w: %s frame of %d elements", ErrUnexpectedMessage, got, n)
		}
		if _, err := io.CopyN(io.Discard, r, n*int64(got.elemSize())); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: received %d values into a buffer of %d", ErrSizeMismatch, n, count)
	}
	payload := make([]byte, count*got.elemSize())
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func decodeInt(payload []byte) int {
	return int(int64(binary.LittleEndian.Uint64(payload)))
}

func decodeDoubles(payload []byte, into []float64) {
	for i := range into {
		into[i] = math.Float64frombits(binary.LittleEndian.Uint64(payload[8*i:]))
	}
}
