package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/MrSnakeDoc/ally-relay/internal/logger"
)

// Target removes instances that have had no connection for longer than
// olderThan and reports how many it removed.
type Target interface {
	Sweep(olderThan time.Duration) int
}

// Sweeper periodically removes stale, never-reconnected instances.
type Sweeper struct {
	target   Target
	logger   logger.Logger
	interval time.Duration
	ttl      time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewSweeper creates a sweeper that runs every interval and removes
// unbound instances idle for longer than ttl.
func NewSweeper(target Target, log logger.Logger, interval, ttl time.Duration) *Sweeper {
	return &Sweeper{
		target:   target,
		logger:   log,
		interval: interval,
		ttl:      ttl,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the periodic sweep. The first sweep happens after one interval.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	go func() {
		defer close(s.doneCh)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Collect()
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the sweeper and waits for an in-flight sweep to finish.
// Must only be called after Start.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

// Collect runs one sweep.
func (s *Sweeper) Collect() int {
	removed := s.target.Sweep(s.ttl)
	if removed > 0 {
		s.logger.Info("removed stale instances",
			logger.Int("removed", removed),
			logger.Duration("ttl", s.ttl))
	} else {
		s.logger.Debug("no stale instances")
	}
	return removed
}
