package scheduler

import (
	"fmt"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom,
// month, dow), exactly as the teacher's cron package does.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// NextFire computes the next instant a schedule should run, strictly after
// max(now, lastExecutedAt), in the schedule's own timezone. Missed fires
// while the scheduler was down are coalesced to this single recomputation —
// callers never walk the series of skipped instants.
func NextFire(s *Schedule, now time.Time) (time.Time, error) {
	if s.IsOneShot() {
		return *s.At, nil
	}

	loc, err := s.zone()
	if err != nil {
		return time.Time{}, fmt.Errorf("load timezone %q: %w", s.Timezone, err)
	}
	sched, err := cronParser.Parse(s.CronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", s.CronExpr, err)
	}

	after := now
	if s.LastExecutedAt != nil && s.LastExecutedAt.After(after) {
		after = *s.LastExecutedAt
	}
	return sched.Next(after.In(loc)), nil
}

// Due reports whether a schedule should fire now: enabled, past its next
// execution time, within endDate, and under its execution limit.
func Due(s *Schedule, now time.Time) bool {
	if !s.Enabled {
		return false
	}
	if s.NextExecutionAt.After(now) {
		return false
	}
	if s.EndDate != nil && now.After(*s.EndDate) {
		return false
	}
	if s.Limit > 0 && s.ExecutionCount >= s.Limit {
		return false
	}
	return true
}
