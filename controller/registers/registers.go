// Package registers maps symbolic chamber modules and signals onto I2C device
// addresses and register codes.
package registers

import (
	"errors"
	"fmt"
	"sort"

	"github.com/klimakammer/klimakammer/controller/codec"
)

var (
	ErrConfiguration   = errors.New("configuration error")
	ErrUnknownModule   = fmt.Errorf("%w: unknown module", ErrConfiguration)
	ErrUnknownSignal   = fmt.Errorf("%w: unknown signal", ErrConfiguration)
	ErrUnknownCategory = fmt.Errorf("%w: unknown category", ErrConfiguration)
)

// Dispatch selects the payload sent when a scheduled command comes due.
type Dispatch string

const (
	// Level writes the single target byte.
	Level Dispatch = "level"
	// Window writes the 9 byte value+window record.
	Window Dispatch = "window"
)

// SensorConfig is the declarative form of a sensor register.
type SensorConfig struct {
	Code        uint8        `yaml:"code" json:"code"`
	Layout      codec.Layout `yaml:"layout" json:"layout"`
	Length      int          `yaml:"length" json:"length"`
	Calibration string       `yaml:"calibration" json:"calibration,omitempty"`
}

// ModuleConfig is one I2C module: its address, sensors and actuators.
type ModuleConfig struct {
	Address   uint8                   `yaml:"address" json:"address"`
	Sensors   map[string]SensorConfig `yaml:"sensors" json:"sensors"`
	Actuators map[string]uint8        `yaml:"actuators" json:"actuators"`
}

// CategoryConfig binds a schedule category to an actuator.
type CategoryConfig struct {
	Module   string   `yaml:"module" json:"module"`
	Actuator string   `yaml:"actuator" json:"actuator"`
	Dispatch Dispatch `yaml:"dispatch" json:"dispatch"`
}

// Config is the raw register table as read from settings.
type Config struct {
	Modules    map[string]ModuleConfig   `yaml:"modules" json:"modules"`
	Categories map[string]CategoryConfig `yaml:"categories" json:"categories"`
}

// Sensor is a resolved sensor register.
type Sensor struct {
	Code        uint8
	Layout      codec.Layout
	Length      int
	Calibration codec.Calibration
}

// Target is the device register a schedule category drives.
type Target struct {
	Module   string
	Actuator string
	Address  uint8
	Code     uint8
	Dispatch Dispatch
}

type module struct {
	address   uint8
	sensors   map[string]Sensor
	actuators map[string]uint8
}

// Map is immutable once built.
type Map struct {
	modules    map[string]module
	categories map[string]Target
}

// New validates the configuration and compiles it. Every category must point at
// an existing actuator and every calibration must compile.
func New(c Config) (*Map, error) {
	m := &Map{
		modules:    make(map[string]module, len(c.Modules)),
		categories: make(map[string]Target, len(c.Categories)),
	}
	for name, mc := range c.Modules {
		mod := module{
			address:   mc.Address,
			sensors:   make(map[string]Sensor, len(mc.Sensors)),
			actuators: make(map[string]uint8, len(mc.Actuators)),
		}
		for sname, sc := range mc.Sensors {
			if !sc.Layout.Valid() {
				return nil, fmt.Errorf("%w: %s/%s: layout %q", ErrConfiguration, name, sname, sc.Layout)
			}
			length := sc.Length
			if length == 0 {
				length = 8
			}
			if length < sc.Layout.MinLength() {
				return nil, fmt.Errorf("%w: %s/%s: length %d too short for %s", ErrConfiguration, name, sname, length, sc.Layout)
			}
			cal, err := codec.NewCalibration(sc.Calibration)
			if err != nil {
				return nil, fmt.Errorf("%w: %s/%s: %v", ErrConfiguration, name, sname, err)
			}
			mod.sensors[sname] = Sensor{Code: sc.Code, Layout: sc.Layout, Length: length, Calibration: cal}
		}
		for aname, code := range mc.Actuators {
			mod.actuators[aname] = code
		}
		m.modules[name] = mod
	}
	for cat, cc := range c.Categories {
		addr, code, err := m.ResolveActuator(cc.Module, cc.Actuator)
		if err != nil {
			return nil, fmt.Errorf("category %s: %w", cat, err)
		}
		d := cc.Dispatch
		switch d {
		case "":
			d = Level
		case Level, Window:
		default:
			return nil, fmt.Errorf("%w: category %s: dispatch %q", ErrConfiguration, cat, d)
		}
		m.categories[cat] = Target{
			Module:   cc.Module,
			Actuator: cc.Actuator,
			Address:  addr,
			Code:     code,
			Dispatch: d,
		}
	}
	return m, nil
}

// Resolve returns the device address and sensor register for module/signal.
func (m *Map) Resolve(moduleName, signal string) (uint8, Sensor, error) {
	mod, ok := m.modules[moduleName]
	if !ok {
		return 0, Sensor{}, fmt.Errorf("%w: %s", ErrUnknownModule, moduleName)
	}
	s, ok := mod.sensors[signal]
	if !ok {
		return 0, Sensor{}, fmt.Errorf("%w: %s/%s", ErrUnknownSignal, moduleName, signal)
	}
	return mod.address, s, nil
}

// ResolveActuator returns the module address and register of an actuator.
func (m *Map) ResolveActuator(moduleName, actuator string) (uint8, uint8, error) {
	mod, ok := m.modules[moduleName]
	if !ok {
		return 0, 0, fmt.Errorf("%w: %s", ErrUnknownModule, moduleName)
	}
	code, ok := mod.actuators[actuator]
	if !ok {
		return 0, 0, fmt.Errorf("%w: %s/%s", ErrUnknownSignal, moduleName, actuator)
	}
	return mod.address, code, nil
}

// Category returns the actuator target of a schedule category.
func (m *Map) Category(name string) (Target, error) {
	t, ok := m.categories[name]
	if !ok {
		return Target{}, fmt.Errorf("%w: %s", ErrUnknownCategory, name)
	}
	return t, nil
}

// Categories returns the configured category names, sorted.
func (m *Map) Categories() []string {
	names := make([]string, 0, len(m.categories))
	for n := range m.categories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Modules lists module names and their sensor names, sorted.
func (m *Map) Modules() map[string][]string {
	out := make(map[string][]string, len(m.modules))
	for name, mod := range m.modules {
		var sensors []string
		for s := range mod.sensors {
			sensors = append(sensors, s)
		}
		sort.Strings(sensors)
		out[name] = sensors
	}
	return out
}
