// Package codec converts between raw I2C byte blocks and chamber values.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Layout selects how a sensor's raw block is decoded. It is configured per sensor
// because the firmware generations share block lengths.
type Layout string

const (
	Byte        Layout = "byte"
	Float32     Layout = "float32"
	Float32Pair Layout = "float32pair"
)

// CommandLength is the size of an encoded scheduled command.
const CommandLength = 9

// ErrShortBlock is returned when a raw block is shorter than its layout needs.
var ErrShortBlock = errors.New("codec: block too short")

// ErrNonFinite marks a channel that decoded or calibrated to NaN or an infinity.
var ErrNonFinite = errors.New("codec: non-finite value")

// Command is an actuator target with its validity window, as understood by the firmware.
type Command struct {
	Value uint8
	From  int64
	Until int64
}

func (l Layout) Valid() bool {
	switch l {
	case Byte, Float32, Float32Pair:
		return true
	}
	return false
}

// MinLength is the number of bytes the layout consumes.
func (l Layout) MinLength() int {
	switch l {
	case Byte:
		return 1
	case Float32:
		return 4
	default:
		return 8
	}
}

// Decode returns one value per channel.
func Decode(l Layout, raw []byte) ([]float64, error) {
	if len(raw) < l.MinLength() {
		return nil, fmt.Errorf("%w: %s needs %d bytes, got %d", ErrShortBlock, l, l.MinLength(), len(raw))
	}
	switch l {
	case Byte:
		return []float64{float64(raw[0])}, nil
	case Float32:
		return []float64{float32le(raw[0:4])}, nil
	case Float32Pair:
		return []float64{float32le(raw[0:4]), float32le(raw[4:8])}, nil
	}
	return nil, fmt.Errorf("codec: unknown layout %q", l)
}

func float32le(b []byte) float64 {
	return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
}

// EncodeLevel is the instant-write payload.
func EncodeLevel(v uint8) []byte {
	return []byte{v}
}

// EncodeCommand packs value, From and Until (big endian uint32 seconds).
func EncodeCommand(c Command) []byte {
	buf := make([]byte, CommandLength)
	buf[0] = c.Value
	binary.BigEndian.PutUint32(buf[1:5], uint32(c.From))
	binary.BigEndian.PutUint32(buf[5:9], uint32(c.Until))
	return buf
}

// DecodeCommand is the inverse of EncodeCommand.
func DecodeCommand(buf []byte) (Command, error) {
	if len(buf) != CommandLength {
		return Command{}, fmt.Errorf("%w: command needs %d bytes, got %d", ErrShortBlock, CommandLength, len(buf))
	}
	return Command{
		Value: buf[0],
		From:  int64(binary.BigEndian.Uint32(buf[1:5])),
		Until: int64(binary.BigEndian.Uint32(buf[5:9])),
	}, nil
}
