package sweep

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/klimakammer/klimakammer/controller/bus"
	"github.com/klimakammer/klimakammer/controller/codec"
	"github.com/klimakammer/klimakammer/controller/registers"
	"github.com/klimakammer/klimakammer/controller/schedule"
	"github.com/klimakammer/klimakammer/controller/storage"
)

type fixture struct {
	path     string
	store    *schedule.Store
	dev      *bus.SequenceDevice
	failures *Failures
	engine   *Engine
}

func newFixture(t *testing.T, doc string) *fixture {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "schedule.json")
	if doc != "" {
		if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
			t.Fatal(err)
		}
	}
	db, err := storage.NewStore(filepath.Join(dir, "chamber.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	failures, err := NewFailures(db)
	if err != nil {
		t.Fatal(err)
	}
	dev := bus.NewSequenceDevice()
	store := schedule.NewFileStore(path)
	return &fixture{
		path:     path,
		store:    store,
		dev:      dev,
		failures: failures,
		engine:   NewEngine(store, registers.Default(), bus.New(dev, 0, nil), failures, nil),
	}
}

func (f *fixture) raw(t *testing.T) map[string]json.RawMessage {
	t.Helper()
	data, err := os.ReadFile(f.path)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestPartition(t *testing.T) {
	cmds := []schedule.Command{
		{Intensity: 1, Time: 100},
		{Intensity: 2, Time: 500},
		{Intensity: 3, Time: 300},
		{Intensity: 4, Time: 301},
	}
	due, pending := Partition(cmds, 300)
	if len(due) != 2 || due[0].Intensity != 1 || due[1].Intensity != 3 {
		t.Error("Unexpected due partition:", due)
	}
	if len(pending) != 2 || pending[0].Intensity != 2 || pending[1].Intensity != 4 {
		t.Error("Unexpected pending partition:", pending)
	}
	_, pending = Partition(cmds[:1], 100)
	if pending == nil || len(pending) != 0 {
		t.Error("Pending should be an empty, non nil list")
	}
}

func TestSweepAppliesDueCommands(t *testing.T) {
	f := newFixture(t, `{"UpdateID": 1, "Sonne": [{"intensity": 80, "time": 100}, {"intensity": 40, "time": 500}]}`)
	r, err := f.engine.Run(300)
	if err != nil {
		t.Fatal(err)
	}
	if r.Applied != 1 || r.Remaining != 1 || r.Failed != 0 {
		t.Error("Unexpected report:", r)
	}
	cmds := f.dev.Commands()
	if len(cmds) != 1 {
		t.Fatal("Expected one bus write, found:", len(cmds))
	}
	if cmds[0].Addr != 0x12 || cmds[0].Data[0] != 0x04 || cmds[0].Data[1] != 80 {
		t.Error("Unexpected write:", cmds[0])
	}
	raw := f.raw(t)
	if string(raw["Sonne"]) != `[{"intensity":40,"time":500}]` {
		t.Error("Unexpected Sonne list:", string(raw["Sonne"]))
	}
	if string(raw["UpdateID"]) != "1" {
		t.Error("UpdateID must survive the sweep, found:", string(raw["UpdateID"]))
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	f := newFixture(t, `{"UpdateID": 1, "Sonne": [{"intensity": 80, "time": 100}], "Wind": [{"intensity": 10, "time": 200}, {"intensity": 20, "time": 250}]}`)
	r, err := f.engine.Run(300)
	if err != nil {
		t.Fatal(err)
	}
	if r.Applied != 3 || r.Remaining != 0 {
		t.Error("Unexpected first report:", r)
	}
	before, err := os.Stat(f.path)
	if err != nil {
		t.Fatal(err)
	}
	r, err = f.engine.Run(300)
	if err != nil {
		t.Fatal(err)
	}
	if r.Applied != 0 || len(r.Dispatched) != 0 {
		t.Error("Second sweep must not dispatch, found:", r)
	}
	if len(f.dev.Commands()) != 3 {
		t.Error("Expected 3 bus writes in total, found:", len(f.dev.Commands()))
	}
	after, err := os.Stat(f.path)
	if err != nil {
		t.Fatal(err)
	}
	if !after.ModTime().Equal(before.ModTime()) {
		t.Error("Sweep without due commands should not rewrite the document")
	}
	wind := f.dev.Commands()
	if wind[1].Data[1] != 10 || wind[2].Data[1] != 20 {
		t.Error("Wind commands must be applied in list order:", wind)
	}
}

func TestSweepDropsFailedCommands(t *testing.T) {
	f := newFixture(t, `{"UpdateID": 2, "Regen": [{"intensity": 5, "time": 10}], "Sonne": [{"intensity": 6, "time": 10}]}`)
	f.dev.FailOn(0x11, errors.New("nack"))
	r, err := f.engine.Run(20)
	if err != nil {
		t.Fatal(err)
	}
	if r.Applied != 1 || r.Failed != 1 || r.Remaining != 0 {
		t.Error("Unexpected report:", r)
	}
	doc, err := f.store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if doc.Pending() != 0 {
		t.Error("Attempted commands must be removed, found:", doc.Categories)
	}
	failures, err := f.failures.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(failures) != 1 || failures[0].Category != "Regen" || failures[0].Sweep != r.ID {
		t.Fatal("Unexpected failures:", failures)
	}

	if _, err := f.failures.Requeue(failures[0].ID, f.store); err != nil {
		t.Fatal(err)
	}
	doc, err = f.store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Categories["Regen"]) != 1 || doc.Categories["Regen"][0].Intensity != 5 {
		t.Error("Requeue should restore the command, found:", doc.Categories["Regen"])
	}
	failures, _ = f.failures.List()
	if len(failures) != 0 {
		t.Error("Requeued failure should leave the journal")
	}
	if err := f.failures.Remove("42"); !errors.Is(err, ErrNoFailure) {
		t.Error("Expected ErrNoFailure, found:", err)
	}
}

// vanishingDevice rejects every write and removes dir, so the sweep cannot save.
type vanishingDevice struct {
	dir string
}

func (d *vanishingDevice) ReadBytes(_ byte, num int) ([]byte, error) { return make([]byte, num), nil }

func (d *vanishingDevice) WriteBytes(_ byte, _ []byte) error {
	os.RemoveAll(d.dir)
	return errors.New("nack")
}

func TestSweepSaveFailureKeepsJournalClean(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "schedule")
	if err := os.Mkdir(dir, 0755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "schedule.json")
	if err := os.WriteFile(path, []byte(`{"UpdateID": 1, "Regen": [{"intensity": 5, "time": 10}]}`), 0644); err != nil {
		t.Fatal(err)
	}
	db, err := storage.NewStore(filepath.Join(root, "chamber.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	failures, err := NewFailures(db)
	if err != nil {
		t.Fatal(err)
	}
	dev := &vanishingDevice{dir: dir}
	e := NewEngine(schedule.NewFileStore(path), registers.Default(), bus.New(dev, 0, nil), failures, nil)
	r, err := e.Run(20)
	if err == nil {
		t.Fatal("Expected save error")
	}
	if errors.Is(err, ErrScheduleUnavailable) {
		t.Error("Save failure must not be reported as an unavailable schedule:", err)
	}
	if r.Failed != 1 {
		t.Error("Expected one failed dispatch, found:", r)
	}
	list, err := failures.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Error("Uncommitted sweep must not journal failures, found:", list)
	}
}

func TestSweepSkipsUnknownCategories(t *testing.T) {
	f := newFixture(t, `{"UpdateID": 3, "Nebel": [{"intensity": 1, "time": 1}, {"intensity": 2, "time": 999}]}`)
	r, err := f.engine.Run(100)
	if err != nil {
		t.Fatal(err)
	}
	if r.Skipped != 1 || r.Applied != 0 || r.Remaining != 2 {
		t.Error("Unexpected report:", r)
	}
	if len(f.dev.Writes()) != 0 {
		t.Error("Unknown category must not reach the bus")
	}
}

func TestSweepExpiry(t *testing.T) {
	doc := `{"UpdateID": 4, "Wind": [{"intensity": 1, "time": 10, "until": 20}, {"intensity": 2, "time": 10, "until": 200}, {"intensity": 3, "time": 10}]}`

	f := newFixture(t, doc)
	r, err := f.engine.Run(100)
	if err != nil {
		t.Fatal(err)
	}
	if r.Applied != 3 {
		t.Error("Closed windows are applied by default, found:", r)
	}

	f = newFixture(t, doc)
	f.engine.ExpireClosed = true
	r, err = f.engine.Run(100)
	if err != nil {
		t.Fatal(err)
	}
	if r.Applied != 2 || r.Expired != 1 || r.Remaining != 0 {
		t.Error("Unexpected report with expiry:", r)
	}
}

func TestSweepWindowDispatch(t *testing.T) {
	f := newFixture(t, `{"UpdateID": 5, "Sonne": [{"intensity": 70, "time": 100, "until": 400}]}`)
	cfg := registers.DefaultConfig()
	cfg.Categories[registers.Sonne] = registers.CategoryConfig{Module: "Sun", Actuator: registers.Sonne, Dispatch: registers.Window}
	regs, err := registers.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	f.engine.regs = regs
	if _, err := f.engine.Run(200); err != nil {
		t.Fatal(err)
	}
	cmds := f.dev.Commands()
	if len(cmds) != 1 || len(cmds[0].Data) != 1+codec.CommandLength {
		t.Fatal("Expected one 9 byte record, found:", cmds)
	}
	c, err := codec.DecodeCommand(cmds[0].Data[1:])
	if err != nil {
		t.Fatal(err)
	}
	if c.Value != 70 || c.From != 100 || c.Until != 400 {
		t.Error("Unexpected record:", c)
	}
}

func TestSweepUnavailable(t *testing.T) {
	f := newFixture(t, `{"UpdateID": 6, "Sonne": [{"intensity": 1`)
	_, err := f.engine.Run(100)
	if !errors.Is(err, ErrScheduleUnavailable) || !errors.Is(err, schedule.ErrCorruptDocument) {
		t.Fatal("Expected ErrScheduleUnavailable, found:", err)
	}
	if len(f.dev.Writes()) != 0 {
		t.Error("Nothing may be applied against an unreadable schedule")
	}
}

// gateDevice blocks the first write until released.
type gateDevice struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (d *gateDevice) ReadBytes(_ byte, num int) ([]byte, error) { return make([]byte, num), nil }

func (d *gateDevice) WriteBytes(_ byte, _ []byte) error {
	d.once.Do(func() {
		close(d.entered)
		<-d.release
	})
	return nil
}

func TestAppendDuringSweep(t *testing.T) {
	f := newFixture(t, `{"UpdateID": 7, "Sonne": [{"intensity": 80, "time": 100}]}`)
	gate := &gateDevice{entered: make(chan struct{}), release: make(chan struct{})}
	f.engine.bus = bus.New(gate, 0, nil)

	done := make(chan error)
	go func() {
		_, err := f.engine.Run(300)
		done <- err
	}()
	<-gate.entered
	appended := make(chan error)
	go func() {
		appended <- f.store.Append("Sonne", schedule.Command{Intensity: 10, Time: 200})
	}()
	time.Sleep(10 * time.Millisecond)
	close(gate.release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if err := <-appended; err != nil {
		t.Fatal(err)
	}
	doc, err := f.store.Load()
	if err != nil {
		t.Fatal(err)
	}
	cmds := doc.Categories["Sonne"]
	if len(cmds) != 1 || cmds[0].Intensity != 10 {
		t.Error("Append must survive the concurrent sweep, found:", cmds)
	}
}

func TestTimerSpec(t *testing.T) {
	if _, err := NewTimer("every now and then", func(time.Time) {}); err == nil {
		t.Error("Invalid cron spec should fail")
	}
	tm, err := NewTimer("", func(time.Time) {})
	if err != nil {
		t.Fatal(err)
	}
	tm.Start()
	tm.Stop()
}
