package schedule

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

const updateIDKey = "UpdateID"

var (
	ErrScheduleData    = errors.New("schedule data error")
	ErrStore           = errors.New("schedule store error")
	ErrCorruptDocument = fmt.Errorf("%w: corrupt document", ErrStore)
	ErrStaleUpdate     = errors.New("stale update id")
)

// DataError rejects a command before it reaches the document.
type DataError struct {
	Field  string
	Reason string
}

func (e *DataError) Error() string {
	return fmt.Sprintf("schedule: invalid %s: %s", e.Field, e.Reason)
}

func (e *DataError) Is(target error) bool { return target == ErrScheduleData }

// Command is one pending actuator target. Time is the unix second it becomes due;
// Until closes the window and is zero when the window is open ended.
type Command struct {
	Intensity int   `json:"intensity"`
	Time      int64 `json:"time"`
	Until     int64 `json:"until,omitempty"`
}

// Validate checks the intensity range and the window.
func (c Command) Validate() error {
	if c.Intensity < 0 || c.Intensity > 255 {
		return &DataError{Field: "intensity", Reason: fmt.Sprintf("%d outside 0-255", c.Intensity)}
	}
	if c.Time < 0 || c.Time > 0xFFFFFFFF {
		return &DataError{Field: "time", Reason: fmt.Sprintf("%d outside the 32 bit unix range", c.Time)}
	}
	if c.Until != 0 && (c.Until < c.Time || c.Until > 0xFFFFFFFF) {
		return &DataError{Field: "until", Reason: fmt.Sprintf("window [%d, %d] is not ordered", c.Time, c.Until)}
	}
	return nil
}

// Document is the persisted schedule: an update id plus one ordered command list per category.
type Document struct {
	UpdateID   int64
	Categories map[string][]Command
}

// NewDocument returns an empty document with UpdateID 0.
func NewDocument() *Document {
	return &Document{Categories: make(map[string][]Command)}
}

// Append adds c to the end of category, creating it if needed.
func (d *Document) Append(category string, c Command) {
	if d.Categories == nil {
		d.Categories = make(map[string][]Command)
	}
	d.Categories[category] = append(d.Categories[category], c)
}

// Pending is the number of commands across all categories.
func (d *Document) Pending() int {
	n := 0
	for _, cmds := range d.Categories {
		n += len(cmds)
	}
	return n
}

// Names returns the category names present in the document, sorted.
func (d *Document) Names() []string {
	names := make([]string, 0, len(d.Categories))
	for n := range d.Categories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Clone returns a deep copy.
func (d *Document) Clone() *Document {
	out := &Document{UpdateID: d.UpdateID, Categories: make(map[string][]Command, len(d.Categories))}
	for n, cmds := range d.Categories {
		out.Categories[n] = append([]Command{}, cmds...)
	}
	return out
}

func (d *Document) MarshalJSON() ([]byte, error) {
	m := make(map[string]interface{}, len(d.Categories)+1)
	m[updateIDKey] = d.UpdateID
	for n, cmds := range d.Categories {
		if cmds == nil {
			cmds = []Command{}
		}
		m[n] = cmds
	}
	return json.Marshal(m)
}

// UnmarshalJSON requires a numeric UpdateID. Every other array or null key is a
// category, null meaning empty. Keys holding anything else are ignored.
func (d *Document) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	id, ok := raw[updateIDKey]
	if !ok {
		return fmt.Errorf("missing %s", updateIDKey)
	}
	if bytes.Equal(bytes.TrimSpace(id), []byte("null")) {
		return fmt.Errorf("%s: null", updateIDKey)
	}
	var updateID int64
	if err := json.Unmarshal(id, &updateID); err != nil {
		return fmt.Errorf("%s: %w", updateIDKey, err)
	}
	cats := make(map[string][]Command, len(raw)-1)
	for k, v := range raw {
		v = bytes.TrimSpace(v)
		if k == updateIDKey || (len(v) > 0 && v[0] != '[' && v[0] != 'n') {
			continue
		}
		var cmds []Command
		if err := json.Unmarshal(v, &cmds); err != nil {
			return fmt.Errorf("category %s: %w", k, err)
		}
		if cmds == nil {
			cmds = []Command{}
		}
		cats[k] = cmds
	}
	d.UpdateID = updateID
	d.Categories = cats
	return nil
}
