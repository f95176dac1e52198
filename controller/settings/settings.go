// Package settings loads the daemon configuration from a YAML file with
// environment overrides.
package settings

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"github.com/klimakammer/klimakammer/controller/bus"
	"github.com/klimakammer/klimakammer/controller/registers"
	"github.com/klimakammer/klimakammer/controller/sweep"
	"github.com/klimakammer/klimakammer/controller/telemetry"
)

const envPrefix = "KLIMAKAMMER_"

type Server struct {
	Address string `yaml:"address"`
}

type Bus struct {
	DevMode     bool          `yaml:"dev_mode"`
	SettleDelay time.Duration `yaml:"settle_delay"`
}

type Schedule struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

type Sweep struct {
	Spec                string `yaml:"spec"`
	ExpireClosedWindows bool   `yaml:"expire_closed_windows"`
}

// Settings is the daemon configuration.
type Settings struct {
	Server    Server               `yaml:"server"`
	Database  string               `yaml:"database"`
	Bus       Bus                  `yaml:"bus"`
	Schedule  Schedule             `yaml:"schedule"`
	Sweep     Sweep                `yaml:"sweep"`
	MQTT      telemetry.MQTTConfig `yaml:"mqtt"`
	Registers *registers.Config    `yaml:"registers"`
}

// Default returns the settings used when nothing overrides them.
func Default() Settings {
	return Settings{
		Server:   Server{Address: "0.0.0.0:8080"},
		Database: "klimakammer.db",
		Bus:      Bus{SettleDelay: bus.DefaultSettleDelay},
		Schedule: Schedule{Backend: "file", Path: "schedule.json"},
		Sweep:    Sweep{Spec: sweep.DefaultSpec},
	}
}

// Load reads the YAML file at path (if any), then the optional .env files, then
// KLIMAKAMMER_* environment variables.
func Load(path string, envFiles ...string) (Settings, error) {
	s := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return s, err
		}
		if err := yaml.UnmarshalStrict(data, &s); err != nil {
			return s, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return s, fmt.Errorf("load %s: %w", f, err)
		}
		log.Println("settings: loaded", f)
	}
	if err := s.applyEnv(); err != nil {
		return s, err
	}
	return s, s.Validate()
}

func (s *Settings) applyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			*dst = v
		}
	}
	str("ADDRESS", &s.Server.Address)
	str("DATABASE", &s.Database)
	str("SCHEDULE_BACKEND", &s.Schedule.Backend)
	str("SCHEDULE_PATH", &s.Schedule.Path)
	str("SWEEP_SPEC", &s.Sweep.Spec)
	str("MQTT_BROKER", &s.MQTT.Broker)
	str("MQTT_CLIENT_ID", &s.MQTT.ClientID)
	str("MQTT_PREFIX", &s.MQTT.Prefix)
	if v, ok := os.LookupEnv(envPrefix + "DEV_MODE"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sDEV_MODE: %w", envPrefix, err)
		}
		s.Bus.DevMode = b
	}
	if v, ok := os.LookupEnv(envPrefix + "SETTLE_DELAY"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sSETTLE_DELAY: %w", envPrefix, err)
		}
		s.Bus.SettleDelay = d
	}
	if v, ok := os.LookupEnv(envPrefix + "EXPIRE_CLOSED_WINDOWS"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sEXPIRE_CLOSED_WINDOWS: %w", envPrefix, err)
		}
		s.Sweep.ExpireClosedWindows = b
	}
	if v, ok := os.LookupEnv(envPrefix + "MQTT_PUBLISH_READINGS"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sMQTT_PUBLISH_READINGS: %w", envPrefix, err)
		}
		s.MQTT.PublishReadings = b
	}
	return nil
}

// Validate checks the combination of backend, paths and delays.
func (s Settings) Validate() error {
	switch s.Schedule.Backend {
	case "file":
		if s.Schedule.Path == "" {
			return fmt.Errorf("schedule.path is required for the file backend")
		}
	case "bolt":
	default:
		return fmt.Errorf("unknown schedule backend %q", s.Schedule.Backend)
	}
	if s.Database == "" {
		return fmt.Errorf("database is required")
	}
	if s.Bus.SettleDelay < 0 {
		return fmt.Errorf("bus.settle_delay must not be negative")
	}
	return nil
}

// RegisterMap compiles the configured register table, or the built-in one.
func (s Settings) RegisterMap() (*registers.Map, error) {
	if s.Registers == nil {
		return registers.New(registers.DefaultConfig())
	}
	return registers.New(*s.Registers)
}
