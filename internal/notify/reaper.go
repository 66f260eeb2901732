package notify

import (
	"context"
	"time"
)

// reapLoop runs the stuck-job scan on its own timer, independent of the
// processing loop.
func (s *Service) reapLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.ReaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reapStuck(ctx)
		}
	}
}

// reapStuck returns jobs wedged in processing past the timeout to pending.
// A timeout is an infrastructure hiccup, not a delivery failure, so the
// attempt budget is left alone.
func (s *Service) reapStuck(ctx context.Context) {
	cutoff := s.clock().Add(-s.cfg.ProcessingTimeout)
	n, err := s.store.ResetStuck(ctx, cutoff)
	if err != nil {
		s.log.Error("stuck job scan failed", "error", err)
		return
	}
	if n > 0 {
		jobsReaped.Add(float64(n))
		s.log.Warn("reset stuck jobs to pending",
			"count", n,
			"processing_timeout", s.cfg.ProcessingTimeout)
	}
}
