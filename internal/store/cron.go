package store

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ParseCron parses a standard five-field cron expression (descriptors such
// as @daily are accepted too).
func ParseCron(expr string) (cron.Schedule, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// NextOccurrence returns the first activation of the cron expression
// strictly after the given time.
func NextOccurrence(expr string, after time.Time) (time.Time, error) {
	sched, err := ParseCron(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
