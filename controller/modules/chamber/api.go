package chamber

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"

	"github.com/klimakammer/klimakammer/controller/bus"
	"github.com/klimakammer/klimakammer/controller/codec"
	"github.com/klimakammer/klimakammer/controller/registers"
	"github.com/klimakammer/klimakammer/controller/schedule"
	"github.com/klimakammer/klimakammer/controller/sweep"
)

// legacyReading maps a read route of the first chamber firmware API onto a
// register. Keys name the response fields, one per channel.
type legacyReading struct {
	path   string
	module string
	signal string
	keys   []string
}

var legacyReadings = []legacyReading{
	{"/air/quality", "Air", "AirQuality", []string{"AirQuality"}},
	{"/air/co2", "Air", "AirCO2", []string{"CO2"}},
	{"/air/temperature", "Air", "AirTemperature", []string{"Air"}},
	{"/air/humidity", "Air", "AirHumidity", []string{"Humidity"}},
	{"/air/fanspeed", "Air", "FanSpeed", []string{"Fanspeed"}},
	{"/water/level", "Water", "WaterLevel", []string{"Level"}},
	{"/water/flow", "Water", "WaterFlow", []string{"Flow"}},
	{"/water/temperature", "Water", "WaterTemperature", []string{"Temperature"}},
	{"/sun/intensity", "Sun", "SunIntensity", []string{"Intensity"}},
	{"/psu/voltage", "PSU", "PSUVoltage", []string{"PSUVoltage1", "PSUVoltage2"}},
	{"/psu/current", "PSU", "PSUCurrent", []string{"PSUCurrent1", "PSUCurrent2"}},
	{"/psu/power", "PSU", "PSUPower", []string{"PSUPower", "PSUPower2"}},
	{"/psu/gridvoltage", "PSU", "PSUGridVoltage", []string{"PSUGridVoltage1", "PSUGridVoltage2"}},
	{"/psu/gridcurrent", "PSU", "PSUGridCurrent", []string{"PSUGridCurrent1", "PSUGridCurrent2"}},
	{"/psu/gridpower", "PSU", "PSUGridPower", []string{"PSUGridPower", "PSUGridPower2"}},
	{"/psu/internaltemperature", "PSU", "PSUInternalTemperature", []string{"PSUInternalTemperature1", "PSUInternalTemperature2"}},
	{"/psu/fanspeed", "PSU", "PSUFanSpeed", []string{"PSUFanSpeed", "PSUFanSpeed2"}},
	{"/misc/door", "Misc", "Door", []string{"Door"}},
}

// LoadAPI registers all REST endpoints.
func (c *Controller) LoadAPI(r *mux.Router) {
	sr := r.PathPrefix("/api").Subrouter()
	sr.HandleFunc("/readings/{module}/{signal}", c.getReading).Methods("GET")
	sr.HandleFunc("/actuators/{module}/{actuator}", c.setActuator).Methods("PUT")
	sr.HandleFunc("/schedule", c.getSchedule).Methods("GET")
	sr.HandleFunc("/schedule", c.replaceSchedule).Methods("PUT")
	sr.HandleFunc("/schedule/pending", c.pendingList).Methods("GET")
	sr.HandleFunc("/schedule/{category}", c.scheduleOne).Methods("POST")
	sr.HandleFunc("/schedule/{category}/recurring", c.scheduleRecurring).Methods("POST")
	sr.HandleFunc("/sweep", c.sweepNow).Methods("POST")
	sr.HandleFunc("/sweep", c.lastSweep).Methods("GET")
	sr.HandleFunc("/failures", c.failureList).Methods("GET")
	sr.HandleFunc("/failures/{id}", c.failureDelete).Methods("DELETE")
	sr.HandleFunc("/failures/{id}/requeue", c.failureRequeue).Methods("POST")
	sr.HandleFunc("/log", c.logList).Methods("GET")
	sr.HandleFunc("/health", c.health).Methods("GET")

	r.HandleFunc("/setValue", c.setValue).Methods("PUT")
	for _, l := range legacyReadings {
		r.HandleFunc(l.path, c.legacyReading(l)).Methods("GET")
	}
}

// statusFor maps an error onto the HTTP status reported to clients.
func statusFor(err error) int {
	switch {
	case errors.Is(err, registers.ErrConfiguration), errors.Is(err, sweep.ErrNoFailure):
		return http.StatusNotFound
	case errors.Is(err, schedule.ErrScheduleData):
		return http.StatusBadRequest
	case errors.Is(err, schedule.ErrStaleUpdate):
		return http.StatusConflict
	case errors.Is(err, bus.ErrBus), errors.Is(err, codec.ErrShortBlock), errors.Is(err, codec.ErrNonFinite):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func fail(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), statusFor(err))
}

// writeJSON encodes v before touching the response so an encoding failure is still
// reported as an error status.
func writeJSON(w http.ResponseWriter, v interface{}) {
	buf, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(append(buf, '\n'))
}

func (c *Controller) getReading(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	reading, err := c.GetReading(vars["module"], vars["signal"])
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, reading)
}

func (c *Controller) legacyReading(l legacyReading) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reading, err := c.GetReading(l.module, l.signal)
		if err != nil {
			fail(w, err)
			return
		}
		resp := make(map[string]interface{})
		if len(l.keys) == len(reading.Values) {
			for i, k := range l.keys {
				resp[k] = reading.Values[i]
			}
		} else {
			resp[l.keys[0]] = reading.Values
		}
		writeJSON(w, resp)
	}
}

func (c *Controller) setActuator(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value *int `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Value == nil {
		http.Error(w, "Invalid request: value is required", http.StatusBadRequest)
		return
	}
	vars := mux.Vars(r)
	if err := c.SetNow(vars["module"], vars["actuator"], *req.Value); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *Controller) getSchedule(w http.ResponseWriter, r *http.Request) {
	doc, err := c.Schedule()
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, doc)
}

func (c *Controller) decodeDocument(w http.ResponseWriter, r *http.Request) (*schedule.Document, bool) {
	doc := schedule.NewDocument()
	if err := json.NewDecoder(r.Body).Decode(doc); err != nil {
		http.Error(w, "Invalid schedule: "+err.Error(), http.StatusBadRequest)
		return nil, false
	}
	if err := c.ReplaceSchedule(doc); err != nil {
		fail(w, err)
		return nil, false
	}
	return doc, true
}

func (c *Controller) replaceSchedule(w http.ResponseWriter, r *http.Request) {
	if _, ok := c.decodeDocument(w, r); ok {
		w.WriteHeader(http.StatusNoContent)
	}
}

// setValue accepts the whole schedule and echoes it back, as the first firmware did.
func (c *Controller) setValue(w http.ResponseWriter, r *http.Request) {
	doc, ok := c.decodeDocument(w, r)
	if !ok {
		return
	}
	writeJSON(w, map[string]interface{}{"message": doc})
}

type pendingEntry struct {
	Category  string `json:"category"`
	Intensity int    `json:"intensity"`
	Time      int64  `json:"time"`
	Until     int64  `json:"until,omitempty"`
	Due       string `json:"due"`
}

// pendingList flattens the schedule in dispatch order with a human readable due time.
func (c *Controller) pendingList(w http.ResponseWriter, r *http.Request) {
	doc, err := c.Schedule()
	if err != nil {
		fail(w, err)
		return
	}
	entries := []pendingEntry{}
	for _, cat := range doc.Names() {
		for _, cmd := range doc.Categories[cat] {
			entries = append(entries, pendingEntry{
				Category:  cat,
				Intensity: cmd.Intensity,
				Time:      cmd.Time,
				Until:     cmd.Until,
				Due:       humanize.RelTime(time.Unix(cmd.Time, 0), c.now(), "ago", "from now"),
			})
		}
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Time < entries[j].Time })
	writeJSON(w, entries)
}

func (c *Controller) scheduleOne(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value *int  `json:"value"`
		From  int64 `json:"from"`
		Until int64 `json:"until"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Value == nil {
		http.Error(w, "Invalid request: value is required", http.StatusBadRequest)
		return
	}
	if err := c.ScheduleWrite(mux.Vars(r)["category"], *req.Value, req.From, req.Until); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (c *Controller) scheduleRecurring(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value    *int   `json:"value"`
		Rule     string `json:"rule"`
		From     int64  `json:"from"`
		Until    int64  `json:"until"`
		Duration string `json:"duration"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Value == nil || req.Rule == "" {
		http.Error(w, "Invalid request: value and rule are required", http.StatusBadRequest)
		return
	}
	var d time.Duration
	if req.Duration != "" {
		var err error
		if d, err = time.ParseDuration(req.Duration); err != nil {
			http.Error(w, "Invalid duration: "+err.Error(), http.StatusBadRequest)
			return
		}
	}
	n, err := c.ScheduleRecurring(mux.Vars(r)["category"], *req.Value, req.Rule, req.From, req.Until, d)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, map[string]int{"scheduled": n})
}

func (c *Controller) sweepNow(w http.ResponseWriter, r *http.Request) {
	report, err := c.RunSweep(c.now().Unix())
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, report)
}

func (c *Controller) lastSweep(w http.ResponseWriter, r *http.Request) {
	report, ok, err := c.LastSweep()
	if err != nil {
		fail(w, err)
		return
	}
	if !ok {
		http.Error(w, "No sweep has run yet", http.StatusNotFound)
		return
	}
	writeJSON(w, report)
}

func (c *Controller) failureList(w http.ResponseWriter, r *http.Request) {
	list, err := c.Failures()
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, list)
}

func (c *Controller) failureDelete(w http.ResponseWriter, r *http.Request) {
	if err := c.RemoveFailure(mux.Vars(r)["id"]); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *Controller) failureRequeue(w http.ResponseWriter, r *http.Request) {
	if err := c.RequeueFailure(mux.Vars(r)["id"]); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (c *Controller) logList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, c.Logs())
}

func (c *Controller) health(w http.ResponseWriter, r *http.Request) {
	h, err := c.Health()
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, h)
}
