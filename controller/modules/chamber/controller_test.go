package chamber

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klimakammer/klimakammer/controller/bus"
	"github.com/klimakammer/klimakammer/controller/registers"
	"github.com/klimakammer/klimakammer/controller/schedule"
	"github.com/klimakammer/klimakammer/controller/storage"
)

func pairBytes(a, b float32) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], math.Float32bits(a))
	binary.LittleEndian.PutUint32(buf[4:8], math.Float32bits(b))
	return buf
}

func newTestController(t *testing.T, responses ...[]byte) (*Controller, *bus.SequenceDevice) {
	t.Helper()
	dir := t.TempDir()
	db, err := storage.NewStore(filepath.Join(dir, "chamber.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	dev := bus.NewSequenceDevice(responses...)
	c, err := New(Config{}, Options{
		Registers: registers.Default(),
		Bus:       bus.New(dev, 0, nil),
		Schedule:  schedule.NewFileStore(filepath.Join(dir, "schedule.json")),
		Store:     db,
	})
	if err != nil {
		t.Fatal(err)
	}
	return c, dev
}

func TestGetReadingCalibrated(t *testing.T) {
	c, dev := newTestController(t,
		pairBytes(1, 1),
		pairBytes(5000, 20000),
		pairBytes(1, 1),
		pairBytes(30, 35),
	)
	r, err := c.GetReading("PSU", "PSUPower")
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Values) != 2 || r.Values[0] != 5 || r.Values[1] != 20 {
		t.Error("Expected power [5 20], found:", r.Values)
	}
	r, err = c.GetReading("PSU", "PSUInternalTemperature")
	if err != nil {
		t.Fatal(err)
	}
	if r.Values[0] != 40 || r.Values[1] != 45 {
		t.Error("Expected temperature [40 45], found:", r.Values)
	}
	if dev.Reads() != 4 {
		t.Error("Expected two reads per sensor, found:", dev.Reads())
	}
}

func TestGetReadingUnknown(t *testing.T) {
	c, dev := newTestController(t)
	if _, err := c.GetReading("Moon", "Phase"); !errors.Is(err, registers.ErrUnknownModule) {
		t.Error("Expected unknown module, found:", err)
	}
	if _, err := c.GetReading("Air", "Phase"); !errors.Is(err, registers.ErrConfiguration) {
		t.Error("Expected configuration error, found:", err)
	}
	if len(dev.Writes()) != 0 {
		t.Error("Expected no bus traffic for unknown registers")
	}
}

func TestGetReadingBusFailure(t *testing.T) {
	c, dev := newTestController(t)
	dev.FailOn(0x12, errors.New("nack"))
	if _, err := c.GetReading("Sun", "SunIntensity"); !errors.Is(err, bus.ErrBus) {
		t.Error("Expected bus error, found:", err)
	}
}

func TestSetNow(t *testing.T) {
	c, dev := newTestController(t)
	if err := c.SetNow("Sun", registers.Sonne, 300); !errors.Is(err, schedule.ErrScheduleData) {
		t.Error("Expected data error for 300, found:", err)
	}
	if len(dev.Writes()) != 0 {
		t.Fatal("Expected rejected value to stay off the bus")
	}
	if err := c.SetNow("Sun", registers.Sonne, 80); err != nil {
		t.Fatal(err)
	}
	cmds := dev.Commands()
	if len(cmds) != 1 || cmds[0].Addr != 0x12 || cmds[0].Data[0] != 0x04 || cmds[0].Data[1] != 80 {
		t.Error("Unexpected writes:", cmds)
	}
}

func TestScheduleWrite(t *testing.T) {
	c, dev := newTestController(t)
	if err := c.ScheduleWrite("Nebel", 10, 100, 0); !errors.Is(err, registers.ErrUnknownCategory) {
		t.Error("Expected unknown category, found:", err)
	}
	if err := c.ScheduleWrite(registers.Sonne, 80, 100, 50); !errors.Is(err, schedule.ErrScheduleData) {
		t.Error("Expected inverted window to be rejected, found:", err)
	}
	if err := c.ScheduleWrite(registers.Sonne, 80, 100, 200); err != nil {
		t.Fatal(err)
	}
	doc, err := c.Schedule()
	if err != nil {
		t.Fatal(err)
	}
	cmds := doc.Categories[registers.Sonne]
	if len(cmds) != 1 || cmds[0].Intensity != 80 || cmds[0].Until != 200 {
		t.Error("Unexpected schedule:", cmds)
	}
	if len(dev.Writes()) != 0 {
		t.Error("Expected scheduling to leave the bus alone")
	}
}

func TestScheduleRecurring(t *testing.T) {
	c, _ := newTestController(t)
	// 2024-01-01 00:00 UTC to 2024-01-03 23:59 UTC
	n, err := c.ScheduleRecurring(registers.Regen, 40, "FREQ=DAILY;BYHOUR=6;BYMINUTE=0;BYSECOND=0", 1704067200, 1704326340, 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Error("Expected 3 occurrences, found:", n)
	}
	doc, err := c.Schedule()
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Categories[registers.Regen]) != 3 {
		t.Error("Expected 3 queued commands, found:", doc.Categories[registers.Regen])
	}
}

func TestReplaceSchedule(t *testing.T) {
	c, _ := newTestController(t)
	doc := schedule.NewDocument()
	doc.UpdateID = 5
	doc.Append("Nebel", schedule.Command{Intensity: 1, Time: 1})
	if err := c.ReplaceSchedule(doc); !errors.Is(err, registers.ErrUnknownCategory) {
		t.Error("Expected unknown category, found:", err)
	}
	doc = schedule.NewDocument()
	doc.UpdateID = 5
	doc.Append(registers.Wind, schedule.Command{Intensity: 60, Time: 100})
	if err := c.ReplaceSchedule(doc); err != nil {
		t.Fatal(err)
	}
	doc.UpdateID = 4
	if err := c.ReplaceSchedule(doc); !errors.Is(err, schedule.ErrStaleUpdate) {
		t.Error("Expected stale update, found:", err)
	}
}

func TestRunSweepStoresReport(t *testing.T) {
	c, dev := newTestController(t)
	if _, ok, err := c.LastSweep(); err != nil || ok {
		t.Fatal("Expected no sweep yet, found:", ok, err)
	}
	if err := c.ScheduleWrite(registers.Sonne, 80, 100, 0); err != nil {
		t.Fatal(err)
	}
	if err := c.ScheduleWrite(registers.Sonne, 20, 500, 0); err != nil {
		t.Fatal(err)
	}
	r, err := c.RunSweep(300)
	if err != nil {
		t.Fatal(err)
	}
	if r.Applied != 1 || r.Remaining != 1 {
		t.Error("Unexpected report:", r)
	}
	last, ok, err := c.LastSweep()
	if err != nil || !ok {
		t.Fatal("Expected stored sweep, found:", ok, err)
	}
	if last.ID != r.ID || last.Time != 300 {
		t.Error("Unexpected stored report:", last)
	}
	if len(dev.Commands()) != 1 {
		t.Error("Expected one dispatched command, found:", dev.Commands())
	}
}

func TestRequeueFailure(t *testing.T) {
	c, dev := newTestController(t)
	dev.FailOn(0x12, errors.New("nack"))
	if err := c.ScheduleWrite(registers.Sonne, 80, 100, 0); err != nil {
		t.Fatal(err)
	}
	r, err := c.RunSweep(200)
	if err != nil {
		t.Fatal(err)
	}
	if r.Failed != 1 || r.Remaining != 0 {
		t.Fatal("Unexpected report:", r)
	}
	failures, err := c.Failures()
	if err != nil {
		t.Fatal(err)
	}
	if len(failures) != 1 {
		t.Fatal("Expected one failure, found:", failures)
	}
	if err := c.RequeueFailure(failures[0].ID); err != nil {
		t.Fatal(err)
	}
	doc, err := c.Schedule()
	if err != nil {
		t.Fatal(err)
	}
	if doc.Pending() != 1 {
		t.Error("Expected requeued command, found:", doc.Pending())
	}
	if err := c.RemoveFailure(failures[0].ID); err == nil {
		t.Error("Expected requeued failure to be gone")
	}
}

func TestLogCap(t *testing.T) {
	c, _ := newTestController(t)
	for i := 0; i < 150; i++ {
		c.appendLog(fmt.Sprintf("entry %d", i))
	}
	logs := c.Logs()
	if len(logs) != maxLogs {
		t.Fatal("Expected", maxLogs, "entries, found:", len(logs))
	}
	if !strings.HasSuffix(logs[0], "entry 50") || !strings.HasSuffix(logs[99], "entry 149") {
		t.Error("Expected the newest entries, found:", logs[0], logs[99])
	}
}
