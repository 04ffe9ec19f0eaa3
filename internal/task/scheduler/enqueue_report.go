package scheduler

import (
	"errors"
	"time"

	"statpulse/internal/task/engine"
	logx "statpulse/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

func (s *Service) reportEnqueueError(name string, err error) {
	if err == nil {
		return
	}
	// Overlap skips are normal; the dispatcher already logged them.
	if errors.Is(err, engine.ErrOverlapSkipped) {
		return
	}

	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[name]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[name] = now
	s.enqMu.Unlock()

	// Queue full / stopping are important but can be bursty.
	s.log.Warn("schedule failed to dispatch", logx.String("schedule", name), logx.Err(err))
}
