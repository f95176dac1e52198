package bus

import (
	"encoding/binary"
	"errors"
	"log"
	"math"
	"math/rand"
	"sync"
)

// ErrExhausted is returned once the scripted responses run out.
var ErrExhausted = errors.New("stub: no scripted response left")

// Write is one recorded WriteBytes call.
type Write struct {
	Addr uint8
	Data []byte
}

// SequenceDevice answers reads from a script, in order, and records every write.
type SequenceDevice struct {
	mu        sync.Mutex
	responses [][]byte
	reads     int
	writes    []Write
	failAddr  map[uint8]error
}

// NewSequenceDevice answers reads with responses in order.
func NewSequenceDevice(responses ...[]byte) *SequenceDevice {
	return &SequenceDevice{
		responses: responses,
		failAddr:  make(map[uint8]error),
	}
}

// FailOn makes every transaction against addr return err.
func (d *SequenceDevice) FailOn(addr uint8, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failAddr[addr] = err
}

func (d *SequenceDevice) ReadBytes(addr byte, num int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err, ok := d.failAddr[addr]; ok {
		return nil, err
	}
	if d.reads >= len(d.responses) {
		return nil, ErrExhausted
	}
	r := d.responses[d.reads]
	d.reads++
	if len(r) > num {
		r = r[:num]
	}
	out := make([]byte, len(r))
	copy(out, r)
	return out, nil
}

func (d *SequenceDevice) WriteBytes(addr byte, value []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err, ok := d.failAddr[addr]; ok {
		return err
	}
	buf := make([]byte, len(value))
	copy(buf, value)
	d.writes = append(d.writes, Write{Addr: addr, Data: buf})
	return nil
}

// Reads is the number of ReadBytes calls answered.
func (d *SequenceDevice) Reads() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reads
}

// Writes returns the recorded writes, register selects included.
func (d *SequenceDevice) Writes() []Write {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Write, len(d.writes))
	copy(out, d.writes)
	return out
}

// Commands returns the recorded writes that carried a payload after the register byte.
func (d *SequenceDevice) Commands() []Write {
	var out []Write
	for _, w := range d.Writes() {
		if len(w.Data) > 1 {
			out = append(out, w)
		}
	}
	return out
}

// RandomDevice stands in for the chamber when no I2C bus is present. Every read
// returns two little endian floats in [0, 100).
type RandomDevice struct{}

func NewRandomDevice() *RandomDevice {
	return &RandomDevice{}
}

func (d *RandomDevice) ReadBytes(addr byte, num int) ([]byte, error) {
	buf := make([]byte, num)
	for i := 0; i+4 <= num; i += 4 {
		binary.LittleEndian.PutUint32(buf[i:i+4], math.Float32bits(float32(rand.Intn(100))))
	}
	return buf, nil
}

func (d *RandomDevice) WriteBytes(addr byte, value []byte) error {
	if len(value) > 1 {
		log.Printf("bus: dev mode write 0x%02x: %v", addr, value)
	}
	return nil
}
