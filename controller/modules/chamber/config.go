package chamber

// Bucket is the DB bucket for chamber state.
const Bucket = "chamber"

const lastSweepKey = "last_sweep"

// Config holds the chamber controller settings.
type Config struct {
	SweepSpec string
	// PublishReadings sends every sensor reading to the telemetry publisher.
	PublishReadings bool
}
