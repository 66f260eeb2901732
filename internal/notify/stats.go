package notify

import (
	"context"
	"fmt"
)

// QueueStats is a point-in-time summary of the queue.
type QueueStats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Cancelled  int64 `json:"cancelled"`

	// SuccessRate is completed / (completed + failed); 1 when nothing has
	// been processed yet.
	SuccessRate float64 `json:"success_rate"`

	AvgProcessingMillis  float64 `json:"avg_processing_millis"`
	ThroughputPerHour    int64   `json:"throughput_per_hour"`
	OldestPendingSeconds float64 `json:"oldest_pending_seconds"`
}

type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
)

// QueueHealth is an advisory verdict derived from QueueStats. It has no side
// effects on the queue.
type QueueHealth struct {
	Status HealthStatus `json:"status"`
	Issues []string     `json:"issues,omitempty"`
	Stats  QueueStats   `json:"stats"`
}

func (s *Service) GetQueueStats(ctx context.Context) (QueueStats, error) {
	raw, err := s.store.Stats(ctx, s.clock())
	if err != nil {
		return QueueStats{}, fmt.Errorf("notify: queue stats: %w", err)
	}

	st := QueueStats{
		Pending:              raw.Counts[StatusPending],
		Processing:           raw.Counts[StatusProcessing],
		Completed:            raw.Counts[StatusCompleted],
		Failed:               raw.Counts[StatusFailed],
		Cancelled:            raw.Counts[StatusCancelled],
		AvgProcessingMillis:  raw.AvgProcessingMillis,
		ThroughputPerHour:    raw.CompletedLastHour,
		OldestPendingSeconds: raw.OldestPendingSeconds,
	}
	if processed := st.Completed + st.Failed; processed > 0 {
		st.SuccessRate = float64(st.Completed) / float64(processed)
	} else {
		st.SuccessRate = 1
	}
	return st, nil
}

func (s *Service) GetQueueHealth(ctx context.Context) (QueueHealth, error) {
	st, err := s.GetQueueStats(ctx)
	if err != nil {
		return QueueHealth{}, err
	}

	processed := st.Completed + st.Failed
	var issues []string
	if processed >= 10 && st.SuccessRate < 0.80 {
		issues = append(issues, fmt.Sprintf("success rate %.1f%% is below 80%%", st.SuccessRate*100))
	}
	if st.Processing > 5 {
		issues = append(issues, fmt.Sprintf("%d jobs in processing", st.Processing))
	}
	if st.Pending > 50 {
		issues = append(issues, fmt.Sprintf("pending backlog of %d jobs", st.Pending))
	}
	if st.Failed > 20 {
		issues = append(issues, fmt.Sprintf("%d failed jobs", st.Failed))
	}
	if st.OldestPendingSeconds > 3600 {
		issues = append(issues, "oldest pending job is over an hour old")
	}

	status := HealthHealthy
	if len(issues) > 0 {
		status = HealthWarning
	}
	if len(issues) > 2 || (processed > 0 && st.SuccessRate < 0.50) {
		status = HealthCritical
	}
	return QueueHealth{Status: status, Issues: issues, Stats: st}, nil
}
