package registers

import "github.com/klimakammer/klimakammer/controller/codec"

// Schedule categories of the chamber.
const (
	Sonne = "Sonne"
	Regen = "Regen"
	Wind  = "Wind"
)

func pair(code uint8, cal string) SensorConfig {
	return SensorConfig{Code: code, Layout: codec.Float32Pair, Length: 8, Calibration: cal}
}

// DefaultConfig is the register table of the chamber hardware.
func DefaultConfig() Config {
	return Config{
		Modules: map[string]ModuleConfig{
			"Air": {
				Address: 0x55,
				Sensors: map[string]SensorConfig{
					"AirQuality":     pair(0x01, ""),
					"AirCO2":         pair(0x02, ""),
					"AirTemperature": pair(0x03, ""),
					"AirHumidity":    pair(0x04, ""),
					"FanSpeed":       pair(0x05, ""),
				},
				Actuators: map[string]uint8{Wind: 0x01},
			},
			"Water": {
				Address: 0x11,
				Sensors: map[string]SensorConfig{
					"WaterLevel":       pair(0x06, ""),
					"WaterFlow":        pair(0x07, ""),
					"WaterTemperature": pair(0x08, ""),
				},
				Actuators: map[string]uint8{Regen: 0x02},
			},
			"Sun": {
				Address: 0x12,
				Sensors: map[string]SensorConfig{
					"SunIntensity": pair(0x09, ""),
				},
				Actuators: map[string]uint8{Sonne: 0x04},
			},
			"PSU": {
				Address: 0x13,
				Sensors: map[string]SensorConfig{
					"PSUVoltage":             pair(0x0A, ""),
					"PSUCurrent":             pair(0x0B, ""),
					"PSUPower":               pair(0x0C, "value / 1000"),
					"PSUGridVoltage":         pair(0x0D, ""),
					"PSUGridCurrent":         pair(0x0E, ""),
					"PSUGridPower":           pair(0x0F, "value / 10"),
					"PSUInternalTemperature": pair(0x10, "value + 10"),
					"PSUFanSpeed":            pair(0x11, ""),
				},
			},
			"Misc": {
				Address: 0x14,
				Sensors: map[string]SensorConfig{
					"Door": {Code: 0x20, Layout: codec.Byte, Length: 4},
				},
			},
		},
		Categories: map[string]CategoryConfig{
			Sonne: {Module: "Sun", Actuator: Sonne, Dispatch: Level},
			Regen: {Module: "Water", Actuator: Regen, Dispatch: Level},
			Wind:  {Module: "Air", Actuator: Wind, Dispatch: Level},
		},
	}
}

// Default builds the hardware table. It panics only if the built-in table is inconsistent.
func Default() *Map {
	m, err := New(DefaultConfig())
	if err != nil {
		panic(err)
	}
	return m
}
