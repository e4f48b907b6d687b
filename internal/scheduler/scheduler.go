// Package scheduler runs periodic tasks aligned to wall-clock interval
// boundaries. The engine uses it for account snapshots so equity curve
// points land on round timestamps regardless of when the process came up.
package scheduler

import (
	"context"
	"time"

	"cyclone/internal/logger"
)

// Aligned fires a task at every wall-clock multiple of Interval, shifted
// by Offset. The first firing waits for the next boundary; set
// RunImmediately to also execute once right away.
type Aligned struct {
	Name           string
	Interval       time.Duration
	Offset         time.Duration
	RunImmediately bool

	nowFn func() time.Time
}

// NewAligned builds a scheduler on the given cadence. Offset delays each
// firing past its boundary, for tasks that read data produced at the
// boundary itself.
func NewAligned(name string, interval, offset time.Duration) *Aligned {
	return &Aligned{Name: name, Interval: interval, Offset: offset, nowFn: time.Now}
}

// Run blocks, invoking task at each aligned boundary until ctx ends.
func (s *Aligned) Run(ctx context.Context, task func()) {
	if s == nil || task == nil {
		return
	}
	if s.Interval <= 0 {
		logger.Warnf("scheduler %s: invalid interval %s, not running", s.Name, s.Interval)
		return
	}
	if s.Offset < 0 {
		s.Offset = 0
	}
	if s.nowFn == nil {
		s.nowFn = time.Now
	}

	next, wait := s.nextWake(s.nowFn())
	logger.Infof("scheduler %s: interval=%s offset=%s first=%s (in %s)",
		s.Name, s.Interval, s.Offset, next.Format(time.RFC3339), wait.Truncate(time.Second))

	if s.RunImmediately {
		task()
	}
	for {
		_, wait := s.nextWake(s.nowFn())
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Infof("scheduler %s: stopped", s.Name)
			return
		case <-timer.C:
		}
		task()
	}
}

// nextWake computes the next firing time strictly after now: the next
// Interval boundary plus Offset.
func (s *Aligned) nextWake(now time.Time) (time.Time, time.Duration) {
	now = now.UTC()
	next := now.Truncate(s.Interval).Add(s.Interval).Add(s.Offset)
	return next, next.Sub(now)
}
