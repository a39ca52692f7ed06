// Package schedule evaluates the five-field cron expressions of backup
// schedules.
package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrNoNextRun is returned for expressions that never fire, such as
// "0 0 30 2 *".
var ErrNoNextRun = errors.New("cron expression has no future run")

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Parse parses a standard five-field expression (minute hour day-of-month
// month day-of-week). Lists, ranges, steps, month and weekday names and
// descriptors such as @daily are accepted.
func Parse(expr string) (cron.Schedule, error) {
	sched, err := parser.Parse(strings.TrimSpace(expr))
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// Validate reports whether expr parses.
func Validate(expr string) error {
	_, err := Parse(expr)
	return err
}

// NextRun returns the earliest time strictly after from that matches expr,
// evaluated in from's location.
func NextRun(expr string, from time.Time) (time.Time, error) {
	sched, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	next := sched.Next(from)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%q: %w", expr, ErrNoNextRun)
	}
	return next, nil
}
