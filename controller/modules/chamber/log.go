package chamber

import (
	"fmt"
	"log"
)

const maxLogs = 100

// appendLog adds an entry to the in-memory activity log, capped at maxLogs entries.
func (c *Controller) appendLog(msg string) {
	entry := fmt.Sprintf("%s %s", c.now().Format("15:04:05"), msg)
	log.Println("chamber:", msg)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logs = append(c.logs, entry)
	if len(c.logs) > maxLogs {
		c.logs = c.logs[len(c.logs)-maxLogs:]
	}
}

// Logs returns a copy of the activity log, oldest first.
func (c *Controller) Logs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.logs))
	copy(out, c.logs)
	return out
}
