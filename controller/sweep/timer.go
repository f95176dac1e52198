package sweep

import (
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSpec sweeps once per minute.
const DefaultSpec = "@every 1m"

// Timer invokes fn on a cron schedule. Runs never overlap.
type Timer struct {
	c *cron.Cron
}

// NewTimer schedules fn on spec, DefaultSpec when empty. It does not start.
func NewTimer(spec string, fn func(now time.Time)) (*Timer, error) {
	if spec == "" {
		spec = DefaultSpec
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(spec, func() { fn(time.Now()) }); err != nil {
		return nil, err
	}
	return &Timer{c: c}, nil
}

func (t *Timer) Start() {
	log.Println("sweep: timer started")
	t.c.Start()
}

// Stop waits for a running sweep to finish.
func (t *Timer) Stop() {
	<-t.c.Stop().Done()
	log.Println("sweep: timer stopped")
}
