package chamber

import (
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// Health is the payload of the health endpoint.
type Health struct {
	MemoryUsedPercent float64 `json:"memory_used_percent"`
	Load1             float64 `json:"load1"`
	Uptime            string  `json:"uptime"`
	Pending           int     `json:"pending"`
	Failures          int     `json:"failures"`
	LastSweep         string  `json:"last_sweep"`
}

// Health reports host and schedule state. Host stats that cannot be read are left zero.
func (c *Controller) Health() (Health, error) {
	var h Health
	if vm, err := mem.VirtualMemory(); err == nil {
		h.MemoryUsedPercent = vm.UsedPercent
	}
	if avg, err := load.Avg(); err == nil {
		h.Load1 = avg.Load1
	}
	if up, err := host.Uptime(); err == nil {
		boot := c.now().Add(-time.Duration(up) * time.Second)
		h.Uptime = strings.TrimSpace(humanize.RelTime(boot, c.now(), "", ""))
	}
	doc, err := c.schedule.Load()
	if err != nil {
		return h, err
	}
	h.Pending = doc.Pending()
	failures, err := c.failures.List()
	if err != nil {
		return h, err
	}
	h.Failures = len(failures)
	h.LastSweep = "never"
	if r, ok, err := c.LastSweep(); err == nil && ok {
		h.LastSweep = humanize.Time(time.Unix(r.Time, 0))
	}
	return h, nil
}
