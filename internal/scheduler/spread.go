package scheduler

import (
	"math/rand/v2"
	"time"

	"github.com/robfig/cron/v3"
)

// maxSpread caps the random delay added before an interval's first run.
const maxSpread = 30 * time.Second

// spreadSchedule fires first at a fixed instant, then follows base.
type spreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *spreadSchedule) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

// makeIntervalScheduleWithSpread returns an @every schedule whose first run
// is delayed by a random jitter below min(every, maxSpread).
func makeIntervalScheduleWithSpread(every time.Duration, now time.Time, _ string) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	limit := min(every, maxSpread)
	if limit <= 0 {
		return base, 0
	}
	jitter := rand.N(limit)
	return &spreadSchedule{base: base, first: now.Add(every + jitter)}, jitter
}
