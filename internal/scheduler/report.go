package scheduler

import (
	"context"
	"errors"
	"time"

	logx "msgrouter/pkg/logx"
)

const errWarnThrottle = 5 * time.Second

func (s *Service) reportJobError(name string, err error) {
	// Shutdown cancellations are expected.
	if errors.Is(err, context.Canceled) {
		s.log.Debug("schedule run cancelled", logx.String("schedule", name))
		return
	}
	now := time.Now()
	s.errMu.Lock()
	last := s.lastErrWarn[name]
	if !last.IsZero() && now.Sub(last) < errWarnThrottle {
		s.errMu.Unlock()
		return
	}
	s.lastErrWarn[name] = now
	s.errMu.Unlock()

	s.log.Warn("schedule run failed", logx.String("schedule", name), logx.Err(err))
}
