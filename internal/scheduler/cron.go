package scheduler

import (
	"errors"
	"fmt"
	"time"
	// agent timezones must resolve on hosts without a zoneinfo database
	_ "time/tzdata"

	"github.com/mpataki/rig/internal/models"
	"github.com/robfig/cron/v3"
)

// ErrNeverFires is returned for expressions that parse but match no time,
// such as "0 0 30 2 *".
var ErrNeverFires = errors.New("cron expression never fires")

// ParseCron accepts standard five-field expressions and descriptors such as
// "@hourly" or "@every 30m". A leading "CRON_TZ=Zone" pins the expression to
// that zone regardless of the agent timezone.
func ParseCron(expr string) (cron.Schedule, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	// Next gives up after five years and returns the zero time.
	if sched.Next(time.Now()).IsZero() {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, ErrNeverFires)
	}
	return sched, nil
}

// Location returns the zone an agent's schedule is evaluated in: its own
// timezone if set, else fallback, else the process zone.
func Location(name string, fallback *time.Location) (*time.Location, error) {
	if name == "" {
		if fallback == nil {
			return time.Local, nil
		}
		return fallback, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q: %w", name, err)
	}
	return loc, nil
}

// NextRun projects the first trigger strictly after now. It has no side
// effects and does not need a running scheduler. ok is false for agents
// without a schedule or with no occurrence left.
func NextRun(agent *models.AgentConfig, fallback *time.Location, now time.Time) (next time.Time, ok bool, err error) {
	if !agent.HasSchedule() {
		return time.Time{}, false, nil
	}
	sched, err := ParseCron(agent.Schedule.Cron)
	if err != nil {
		return time.Time{}, false, err
	}
	loc, err := Location(agent.Timezone, fallback)
	if err != nil {
		return time.Time{}, false, err
	}
	next = sched.Next(now.In(loc))
	if next.IsZero() {
		return time.Time{}, false, nil
	}
	return next, true, nil
}
