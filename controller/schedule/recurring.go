package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

// MaxOccurrences bounds how many commands one recurring request may produce.
const MaxOccurrences = 500

// ParseRule parses an RRULE string (e.g. "FREQ=HOURLY;INTERVAL=4"), anchored at start
// unless the rule carries its own DTSTART.
func ParseRule(ruleStr string, start time.Time) (*rrule.RRule, error) {
	if ruleStr == "" {
		return nil, &DataError{Field: "rule", Reason: "empty"}
	}
	full := ruleStr
	if !strings.Contains(strings.ToUpper(ruleStr), "DTSTART") {
		full = "DTSTART=" + start.UTC().Format("20060102T150405Z") + ";" + ruleStr
	}
	rr, err := rrule.StrToRRule(full)
	if err != nil {
		return nil, &DataError{Field: "rule", Reason: err.Error()}
	}
	return rr, nil
}

// Expand turns every occurrence of the rule inside [from, until] into a command.
// Each command's window lasts d; a zero d leaves the window open ended.
func Expand(ruleStr string, intensity int, from, until int64, d time.Duration) ([]Command, error) {
	if until < from {
		return nil, &DataError{Field: "until", Reason: fmt.Sprintf("window [%d, %d] is not ordered", from, until)}
	}
	rr, err := ParseRule(ruleStr, time.Unix(from, 0))
	if err != nil {
		return nil, err
	}
	occ := rr.Between(time.Unix(from, 0), time.Unix(until, 0), true)
	if len(occ) > MaxOccurrences {
		return nil, &DataError{Field: "rule", Reason: fmt.Sprintf("%d occurrences exceed %d", len(occ), MaxOccurrences)}
	}
	cmds := make([]Command, 0, len(occ))
	for _, o := range occ {
		c := Command{Intensity: intensity, Time: o.Unix()}
		if d > 0 {
			c.Until = o.Add(d).Unix()
		}
		if err := c.Validate(); err != nil {
			return nil, err
		}
		cmds = append(cmds, c)
	}
	return cmds, nil
}
