// Package bus serializes register transactions on the chamber's shared I2C bus.
//
// The chamber firmware answers a register read with the data of the previous
// transaction, so every read is issued twice and only the second answer is used.
package bus

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/reef-pi/rpi/i2c"
)

// DefaultSettleDelay separates the two reads of a register.
const DefaultSettleDelay = 100 * time.Millisecond

// ErrBus matches every failed bus transaction.
var ErrBus = errors.New("bus error")

// Error is a failed transaction.
type Error struct {
	Op   string
	Addr uint8
	Reg  uint8
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("bus: %s 0x%02x/0x%02x: %v", e.Op, e.Addr, e.Reg, e.Err)
}

func (e *Error) Unwrap() error        { return e.Err }
func (e *Error) Is(target error) bool { return target == ErrBus }

// Device is the raw I2C surface. i2c.Bus satisfies it.
type Device interface {
	ReadBytes(addr byte, num int) ([]byte, error)
	WriteBytes(addr byte, value []byte) error
}

// Observer receives one call per transaction.
type Observer interface {
	ObserveBus(op string, d time.Duration, err error)
}

// Open returns the hardware bus, or a randomized stand-in in dev mode.
func Open(devMode bool) (Device, error) {
	if devMode {
		return NewRandomDevice(), nil
	}
	return i2c.New()
}

// Transport serializes all transactions on one device.
type Transport struct {
	mu       sync.Mutex
	dev      Device
	settle   time.Duration
	observer Observer
	sleep    func(time.Duration)
}

// New wraps dev. settle is the pause between the two reads of a register;
// o may be nil.
func New(dev Device, settle time.Duration, o Observer) *Transport {
	return &Transport{
		dev:      dev,
		settle:   settle,
		observer: o,
		sleep:    time.Sleep,
	}
}

// ReadRaw returns length bytes of register reg on device addr. The register is read
// twice inside one critical section and the first answer is discarded.
func (t *Transport) ReadRaw(addr, reg uint8, length int) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	start := time.Now()
	data, err := t.readOnce(addr, reg, length)
	if err == nil {
		if t.settle > 0 {
			t.sleep(t.settle)
		}
		data, err = t.readOnce(addr, reg, length)
	}
	t.observe("read", start, err)
	if err != nil {
		return nil, &Error{Op: "read", Addr: addr, Reg: reg, Err: err}
	}
	return data, nil
}

func (t *Transport) readOnce(addr, reg uint8, length int) ([]byte, error) {
	if err := t.dev.WriteBytes(addr, []byte{reg}); err != nil {
		return nil, err
	}
	data, err := t.dev.ReadBytes(addr, length)
	if err != nil {
		return nil, err
	}
	if len(data) != length {
		return nil, fmt.Errorf("short read: expected %d bytes, got %d", length, len(data))
	}
	return data, nil
}

// WriteByte sets a single register byte.
func (t *Transport) WriteByte(addr, reg, v uint8) error {
	return t.write("write_byte", addr, reg, []byte{v})
}

// WriteBlock writes data to register reg in one transaction.
func (t *Transport) WriteBlock(addr, reg uint8, data []byte) error {
	return t.write("write_block", addr, reg, data)
}

func (t *Transport) write(op string, addr, reg uint8, data []byte) error {
	buf := make([]byte, 0, len(data)+1)
	buf = append(buf, reg)
	buf = append(buf, data...)
	t.mu.Lock()
	defer t.mu.Unlock()
	start := time.Now()
	err := t.dev.WriteBytes(addr, buf)
	t.observe(op, start, err)
	if err != nil {
		return &Error{Op: op, Addr: addr, Reg: reg, Err: err}
	}
	return nil
}

func (t *Transport) observe(op string, start time.Time, err error) {
	if t.observer != nil {
		t.observer.ObserveBus(op, time.Since(start), err)
	}
}

// Close releases the underlying device if it holds resources.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.dev.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
