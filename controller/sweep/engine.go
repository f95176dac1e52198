// Package sweep applies due schedule commands to the chamber actuators.
package sweep

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/klimakammer/klimakammer/controller/codec"
	"github.com/klimakammer/klimakammer/controller/registers"
	"github.com/klimakammer/klimakammer/controller/schedule"
)

// ErrScheduleUnavailable means the document could not be loaded; nothing was dispatched.
var ErrScheduleUnavailable = errors.New("schedule unavailable")

var errUnchanged = errors.New("unchanged")

// Writer is the write half of the bus transport.
type Writer interface {
	WriteByte(addr, reg, v uint8) error
	WriteBlock(addr, reg uint8, data []byte) error
}

// Observer receives one call per sweep.
type Observer interface {
	ObserveSweep(r Report, d time.Duration, err error)
}

// Dispatch is the outcome of one due command.
type Dispatch struct {
	Category string           `json:"category"`
	Command  schedule.Command `json:"command"`
	Error    string           `json:"error,omitempty"`
}

// Report summarizes one sweep.
type Report struct {
	ID         string     `json:"id"`
	Time       int64      `json:"time"`
	Applied    int        `json:"applied"`
	Failed     int        `json:"failed"`
	Skipped    int        `json:"skipped"`
	Expired    int        `json:"expired"`
	Remaining  int        `json:"remaining"`
	Dispatched []Dispatch `json:"dispatched,omitempty"`
}

// Engine dispatches due commands and commits the remaining schedule.
type Engine struct {
	store    *schedule.Store
	regs     *registers.Map
	bus      Writer
	failures *Failures
	observer Observer
	// ExpireClosed drops due commands whose window closed before the sweep.
	ExpireClosed bool
}

// NewEngine builds an engine. failures and o may be nil.
func NewEngine(store *schedule.Store, regs *registers.Map, bus Writer, failures *Failures, o Observer) *Engine {
	return &Engine{
		store:    store,
		regs:     regs,
		bus:      bus,
		failures: failures,
		observer: o,
	}
}

// Partition splits cmds into those due at now and those still pending, keeping order.
func Partition(cmds []schedule.Command, now int64) (due, pending []schedule.Command) {
	pending = []schedule.Command{}
	for _, c := range cmds {
		if c.Time <= now {
			due = append(due, c)
		} else {
			pending = append(pending, c)
		}
	}
	return due, pending
}

// Run applies every command due at now and removes it from the document, whether
// its write succeeded or not. Categories without a register mapping keep their commands.
func (e *Engine) Run(now int64) (Report, error) {
	start := time.Now()
	r := Report{ID: uuid.NewString(), Time: now}
	var failed []Failure
	loaded := false
	err := e.store.Update(func(doc *schedule.Document) error {
		loaded = true
		changed := false
		for _, cat := range doc.Names() {
			due, pending := Partition(doc.Categories[cat], now)
			if len(due) == 0 {
				continue
			}
			tgt, err := e.regs.Category(cat)
			if err != nil {
				log.Println("sweep: skipping category", cat, ":", err)
				r.Skipped += len(due)
				continue
			}
			for _, c := range due {
				if e.ExpireClosed && c.Until != 0 && c.Until < now {
					r.Expired++
					continue
				}
				d := Dispatch{Category: cat, Command: c}
				if err := e.dispatch(tgt, c); err != nil {
					r.Failed++
					d.Error = err.Error()
					log.Println("sweep:", cat, "dispatch failed:", err)
					failed = append(failed, Failure{Sweep: r.ID, Category: cat, Command: c, Error: err.Error()})
				} else {
					r.Applied++
				}
				r.Dispatched = append(r.Dispatched, d)
			}
			doc.Categories[cat] = pending
			changed = true
		}
		r.Remaining = doc.Pending()
		if !changed {
			return errUnchanged
		}
		return nil
	})
	if errors.Is(err, errUnchanged) {
		err = nil
	}
	// recorded outside the schedule lock: Failures.Requeue takes both in the other order.
	// An uncommitted sweep leaves its commands pending, so there is nothing to journal.
	if err == nil {
		e.recordFailures(failed)
	}
	if err != nil && !loaded {
		err = fmt.Errorf("%w: %w", ErrScheduleUnavailable, err)
	}
	if e.observer != nil {
		e.observer.ObserveSweep(r, time.Since(start), err)
	}
	return r, err
}

func (e *Engine) dispatch(tgt registers.Target, c schedule.Command) error {
	if err := c.Validate(); err != nil {
		return err
	}
	switch tgt.Dispatch {
	case registers.Window:
		block := codec.EncodeCommand(codec.Command{Value: uint8(c.Intensity), From: c.Time, Until: c.Until})
		return e.bus.WriteBlock(tgt.Address, tgt.Code, block)
	default:
		return e.bus.WriteByte(tgt.Address, tgt.Code, uint8(c.Intensity))
	}
}

func (e *Engine) recordFailures(failed []Failure) {
	if e.failures == nil {
		return
	}
	for _, fl := range failed {
		if err := e.failures.Add(fl); err != nil {
			log.Println("sweep: failed to record failure:", err)
		}
	}
}
