package notify

import (
	"context"
	"fmt"
)

// cleanupBatchLimit bounds how many terminal rows one CleanupOld call
// deletes.
const cleanupBatchLimit = 500

// RetryAllFailed is a manual override: every failed job goes back to pending
// with a fresh attempt budget, immediately due.
func (s *Service) RetryAllFailed(ctx context.Context) (int64, error) {
	n, err := s.store.RetryAllFailed(ctx, s.clock())
	if err != nil {
		return 0, fmt.Errorf("notify: retry all failed: %w", err)
	}
	if n > 0 {
		s.log.Info("failed jobs reset for retry", "count", n)
	}
	return n, nil
}

// CleanupOld deletes terminal jobs whose last update is older than the
// retention window. retentionDays <= 0 uses the configured default.
func (s *Service) CleanupOld(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		retentionDays = s.cfg.RetentionDays
	}
	cutoff := s.clock().AddDate(0, 0, -retentionDays)
	n, err := s.store.DeleteTerminalBefore(ctx, cutoff, cleanupBatchLimit)
	if err != nil {
		return 0, fmt.Errorf("notify: cleanup: %w", err)
	}
	if n > 0 {
		s.log.Info("old terminal jobs deleted", "count", n, "retention_days", retentionDays)
	}
	return n, nil
}

// CancelNotification cancels the still-pending jobs of one logical
// notification. Jobs already claimed or finished are left alone.
func (s *Service) CancelNotification(ctx context.Context, notificationID string) (int64, error) {
	n, err := s.store.CancelPending(ctx, notificationID)
	if err != nil {
		return 0, fmt.Errorf("notify: cancel notification: %w", err)
	}
	s.log.Info("notification cancelled", "notification_id", notificationID, "jobs", n)
	return n, nil
}
