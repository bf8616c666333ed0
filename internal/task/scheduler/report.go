package scheduler

import (
	"context"
	"errors"
	"time"

	logx "digestbot/pkg/logx"
)

const failWarnThrottle = 30 * time.Second

// reportError logs a failed run, at most once per failWarnThrottle per schedule.
func (s *Service) reportError(name string, err error) {
	if errors.Is(err, context.Canceled) {
		s.log.Debug("schedule run cancelled", logx.String("schedule", name))
		return
	}

	now := time.Now()
	s.warnMu.Lock()
	last := s.lastWarn[name]
	if !last.IsZero() && now.Sub(last) < failWarnThrottle {
		s.warnMu.Unlock()
		s.log.Debug("schedule run failed", logx.String("schedule", name), logx.Err(err))
		return
	}
	s.lastWarn[name] = now
	s.warnMu.Unlock()

	s.log.Warn("schedule run failed", logx.String("schedule", name), logx.Err(err))
}
