package chamber

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/klimakammer/klimakammer/controller/bus"
	"github.com/klimakammer/klimakammer/controller/codec"
	"github.com/klimakammer/klimakammer/controller/registers"
	"github.com/klimakammer/klimakammer/controller/schedule"
	"github.com/klimakammer/klimakammer/controller/storage"
	"github.com/klimakammer/klimakammer/controller/sweep"
	"github.com/klimakammer/klimakammer/controller/telemetry"
)

// Reading is a calibrated sensor value, one entry per channel.
type Reading struct {
	Module string    `json:"module"`
	Signal string    `json:"signal"`
	Values []float64 `json:"values"`
	Time   int64     `json:"time"`
}

// Options wires the controller's collaborators.
type Options struct {
	Registers *registers.Map
	Bus       *bus.Transport
	Schedule  *schedule.Store
	Store     storage.Store
	Publisher telemetry.Publisher
	Metrics   *telemetry.Metrics
	// ExpireClosed drops due commands whose window already closed.
	ExpireClosed bool
}

// Controller reads the chamber sensors, drives its actuators and owns the schedule.
type Controller struct {
	cfg       Config
	regs      *registers.Map
	bus       *bus.Transport
	schedule  *schedule.Store
	store     storage.Store
	engine    *sweep.Engine
	failures  *sweep.Failures
	publisher telemetry.Publisher
	metrics   *telemetry.Metrics
	timer     *sweep.Timer
	logs      []string
	mu        sync.Mutex
	now       func() time.Time
}

// New constructs the controller and ensures its buckets exist.
func New(cfg Config, o Options) (*Controller, error) {
	if cfg.SweepSpec == "" {
		cfg.SweepSpec = sweep.DefaultSpec
	}
	if err := o.Store.CreateBucket(Bucket); err != nil {
		return nil, err
	}
	failures, err := sweep.NewFailures(o.Store)
	if err != nil {
		return nil, err
	}
	pub := o.Publisher
	if pub == nil {
		pub = telemetry.NoopPublisher{}
	}
	var observer sweep.Observer
	if o.Metrics != nil {
		observer = o.Metrics
	}
	engine := sweep.NewEngine(o.Schedule, o.Registers, o.Bus, failures, observer)
	engine.ExpireClosed = o.ExpireClosed
	c := &Controller{
		cfg:       cfg,
		regs:      o.Registers,
		bus:       o.Bus,
		schedule:  o.Schedule,
		store:     o.Store,
		engine:    engine,
		failures:  failures,
		publisher: pub,
		metrics:   o.Metrics,
		now:       time.Now,
	}
	timer, err := sweep.NewTimer(cfg.SweepSpec, func(now time.Time) {
		if _, err := c.RunSweep(now.Unix()); err != nil {
			log.Println("chamber: sweep failed:", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("sweep spec %q: %w", cfg.SweepSpec, err)
	}
	c.timer = timer
	return c, nil
}

// Start launches the periodic sweep.
func (c *Controller) Start() {
	c.timer.Start()
	c.appendLog("Sweep timer started (" + c.cfg.SweepSpec + ")")
}

// Stop halts the sweep timer and closes the publisher.
func (c *Controller) Stop() {
	c.timer.Stop()
	c.publisher.Close()
}

// GetReading reads, decodes and calibrates one sensor.
func (c *Controller) GetReading(module, signal string) (Reading, error) {
	addr, sensor, err := c.regs.Resolve(module, signal)
	if err != nil {
		return Reading{}, err
	}
	raw, err := c.bus.ReadRaw(addr, sensor.Code, sensor.Length)
	if err != nil {
		return Reading{}, err
	}
	vs, err := codec.Decode(sensor.Layout, raw)
	if err != nil {
		return Reading{}, fmt.Errorf("%s/%s: %w", module, signal, err)
	}
	vs, err = sensor.Calibration.ApplyAll(vs)
	if err != nil {
		return Reading{}, fmt.Errorf("%s/%s: %w", module, signal, err)
	}
	for i, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Reading{}, fmt.Errorf("%s/%s channel %d: %w", module, signal, i+1, codec.ErrNonFinite)
		}
	}
	r := Reading{Module: module, Signal: signal, Values: vs, Time: c.now().Unix()}
	c.metrics.ObserveReading(module, signal, vs)
	if c.cfg.PublishReadings {
		if err := c.publisher.Publish("readings/"+module+"/"+signal, r); err != nil {
			log.Println("chamber: publish reading:", err)
		}
	}
	return r, nil
}

// SetNow writes value to the actuator immediately, bypassing the schedule.
func (c *Controller) SetNow(module, actuator string, value int) error {
	if value < 0 || value > 255 {
		return &schedule.DataError{Field: "value", Reason: fmt.Sprintf("%d outside 0-255", value)}
	}
	addr, code, err := c.regs.ResolveActuator(module, actuator)
	if err != nil {
		return err
	}
	if err := c.bus.WriteByte(addr, code, uint8(value)); err != nil {
		c.appendLog(fmt.Sprintf("%s/%s: Instant write failed (%v)", module, actuator, err))
		return err
	}
	c.appendLog(fmt.Sprintf("%s/%s: Set to %d", module, actuator, value))
	return nil
}

// ScheduleWrite queues value for category during [from, until]. The bus is not touched.
func (c *Controller) ScheduleWrite(category string, value int, from, until int64) error {
	if _, err := c.regs.Category(category); err != nil {
		return err
	}
	cmd := schedule.Command{Intensity: value, Time: from, Until: until}
	if err := c.schedule.Append(category, cmd); err != nil {
		return err
	}
	c.appendLog(fmt.Sprintf("%s: %d scheduled %s", category, value, humanize.Time(time.Unix(from, 0))))
	return nil
}

// ScheduleRecurring queues one command per rule occurrence inside [from, until].
// Either every occurrence is queued or none.
func (c *Controller) ScheduleRecurring(category string, value int, rule string, from, until int64, d time.Duration) (int, error) {
	if _, err := c.regs.Category(category); err != nil {
		return 0, err
	}
	cmds, err := schedule.Expand(rule, value, from, until, d)
	if err != nil {
		return 0, err
	}
	if err := c.schedule.Update(func(doc *schedule.Document) error {
		for _, cmd := range cmds {
			doc.Append(category, cmd)
		}
		return nil
	}); err != nil {
		return 0, err
	}
	c.appendLog(fmt.Sprintf("%s: %d recurring commands scheduled (%s)", category, len(cmds), rule))
	return len(cmds), nil
}

// ReplaceSchedule swaps the whole document. Every category must be known.
func (c *Controller) ReplaceSchedule(doc *schedule.Document) error {
	for _, n := range doc.Names() {
		if _, err := c.regs.Category(n); err != nil {
			return err
		}
	}
	if err := c.schedule.Replace(doc); err != nil {
		return err
	}
	c.appendLog(fmt.Sprintf("Schedule replaced (update %d, %d commands)", doc.UpdateID, doc.Pending()))
	return nil
}

// Schedule returns the current document.
func (c *Controller) Schedule() (*schedule.Document, error) {
	return c.schedule.Load()
}

// RunSweep applies every command due at now.
func (c *Controller) RunSweep(now int64) (sweep.Report, error) {
	r, err := c.engine.Run(now)
	if err != nil {
		c.appendLog(fmt.Sprintf("Sweep failed: %v", err))
		return r, err
	}
	if r.Applied+r.Failed+r.Expired > 0 {
		c.appendLog(fmt.Sprintf("Sweep applied %d, failed %d, expired %d; %d pending", r.Applied, r.Failed, r.Expired, r.Remaining))
	}
	if buf, err := json.Marshal(r); err == nil {
		if err := c.store.RawUpdate(Bucket, lastSweepKey, buf); err != nil {
			log.Println("chamber: store last sweep:", err)
		}
	}
	if err := c.publisher.Publish("sweep", r); err != nil {
		log.Println("chamber: publish sweep:", err)
	}
	return r, nil
}

// LastSweep returns the report of the most recent successful sweep.
func (c *Controller) LastSweep() (sweep.Report, bool, error) {
	var r sweep.Report
	err := c.store.Get(Bucket, lastSweepKey, &r)
	if errors.Is(err, storage.ErrNotFound) {
		return r, false, nil
	}
	if err != nil {
		return r, false, err
	}
	return r, true, nil
}

// Failures lists journaled dispatch failures, oldest first.
func (c *Controller) Failures() ([]sweep.Failure, error) {
	return c.failures.List()
}

// RemoveFailure discards a journaled failure without retrying it.
func (c *Controller) RemoveFailure(id string) error {
	if err := c.failures.Remove(id); err != nil {
		return err
	}
	c.appendLog(fmt.Sprintf("Failure %s discarded", id))
	return nil
}

// RequeueFailure puts a failed command back on the schedule.
func (c *Controller) RequeueFailure(id string) error {
	fl, err := c.failures.Requeue(id, c.schedule)
	if err != nil {
		return err
	}
	c.appendLog(fmt.Sprintf("%s: Failed command %d requeued", fl.Category, fl.Command.Intensity))
	return nil
}
