// Package schedule evaluates cron schedules and manages scheduled task
// definitions.
package schedule

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ramiqadoumi/go-flow-orchestrator/internal/domain"
)

// parser accepts standard five-field expressions, an optional leading
// seconds field and descriptors such as @hourly or @every 5m.
var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Parse compiles a cron expression evaluated in timezone. An empty timezone
// means UTC.
func Parse(expression, timezone string) (cron.Schedule, error) {
	loc := time.UTC
	if timezone != "" {
		var err error
		if loc, err = time.LoadLocation(timezone); err != nil {
			return nil, &domain.CronExpressionInvalidError{Expression: expression, Err: fmt.Errorf("timezone %q: %w", timezone, err)}
		}
	}
	sched, err := parser.Parse(expression)
	if err != nil {
		return nil, &domain.CronExpressionInvalidError{Expression: expression, Err: err}
	}
	return inLocation{Schedule: sched, loc: loc}, nil
}

// inLocation evaluates the wrapped schedule in loc and reports times in UTC.
type inLocation struct {
	cron.Schedule
	loc *time.Location
}

func (s inLocation) Next(t time.Time) time.Time {
	next := s.Schedule.Next(t.In(s.loc))
	if next.IsZero() {
		return next
	}
	return next.UTC()
}

// NextRunTime returns the first occurrence of cs strictly after base. Jitter
// is not applied.
func NextRunTime(cs domain.CronSchedule, base time.Time) (time.Time, error) {
	sched, err := Parse(cs.Expression, cs.Timezone)
	if err != nil {
		return time.Time{}, err
	}
	next := sched.Next(base)
	if next.IsZero() {
		return time.Time{}, &domain.CronExpressionInvalidError{Expression: cs.Expression, Err: fmt.Errorf("no occurrence after %s", base.Format(time.RFC3339))}
	}
	return next, nil
}

// NextRunWithJitter is NextRunTime shifted by a random delay in [0, Jitter).
func NextRunWithJitter(cs domain.CronSchedule, base time.Time) (time.Time, error) {
	next, err := NextRunTime(cs, base)
	if err != nil || cs.Jitter <= 0 {
		return next, err
	}
	return next.Add(rand.N(cs.Jitter)), nil
}

// IsDue reports whether st is enabled and its next occurrence is not after
// now. An occurrence at or before LastRun was already dispatched.
func IsDue(st *domain.ScheduledTask, now time.Time) bool {
	if !st.Schedule.Enabled || st.NextRun == nil || st.NextRun.After(now) {
		return false
	}
	return st.LastRun == nil || st.NextRun.After(*st.LastRun)
}
