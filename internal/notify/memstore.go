package notify

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process JobStore with the same semantics as the
// Postgres store, including the exactly-one-winner claim. It backs tests and
// local development without a database. Safe for concurrent use within one
// process.
type MemoryStore struct {
	// Clock stamps updated_at; override in tests for deterministic
	// retention cutoffs.
	Clock func() time.Time

	mu   sync.Mutex
	jobs map[string]*QueuedJob
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		Clock: time.Now,
		jobs:  make(map[string]*QueuedJob),
	}
}

func (m *MemoryStore) CreateBatch(ctx context.Context, jobs []*QueuedJob) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range jobs {
		cp := *j
		m.jobs[j.ID] = &cp
	}
	return nil
}

func (m *MemoryStore) GetJob(ctx context.Context, id string) (*QueuedJob, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *MemoryStore) FetchDue(ctx context.Context, now time.Time, limit int) ([]QueuedJob, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []QueuedJob
	for _, j := range m.jobs {
		if j.Status == StatusPending && !j.ScheduledFor.After(now) {
			due = append(due, *j)
		}
	}
	sort.Slice(due, func(a, b int) bool {
		if !due[a].ScheduledFor.Equal(due[b].ScheduledFor) {
			return due[a].ScheduledFor.Before(due[b].ScheduledFor)
		}
		if due[a].Priority != due[b].Priority {
			return due[a].Priority > due[b].Priority
		}
		return due[a].CreatedAt.Before(due[b].CreatedAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *MemoryStore) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != StatusPending {
		return false, nil
	}
	started := now
	j.Status = StatusProcessing
	j.ProcessingStartedAt = &started
	j.UpdatedAt = m.Clock()
	return true, nil
}

func (m *MemoryStore) MarkCompleted(ctx context.Context, id string, now time.Time, meta CompletionMeta) error {
	_ = ctx
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	completed := now
	j.Status = StatusCompleted
	j.CompletedAt = &completed
	j.ProcessingStartedAt = nil
	j.ProcessingMillis = meta.Millis
	j.Attempts++
	j.Channels = append([]string(nil), meta.Channels...)
	j.Metadata = raw
	j.UpdatedAt = m.Clock()
	return nil
}

func (m *MemoryStore) MarkFailed(ctx context.Context, id string, attempts int, errMsg string, meta FailureMeta) error {
	_ = ctx
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	j.Status = StatusFailed
	j.Attempts = attempts
	j.ProcessingStartedAt = nil
	j.LastError = &errMsg
	j.Metadata = raw
	j.UpdatedAt = m.Clock()
	return nil
}

func (m *MemoryStore) RetryLater(ctx context.Context, id string, attempts int, runAt time.Time, errMsg string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	j.Status = StatusPending
	j.Attempts = attempts
	j.ScheduledFor = runAt
	j.ProcessingStartedAt = nil
	j.LastError = &errMsg
	j.UpdatedAt = m.Clock()
	return nil
}

func (m *MemoryStore) ResetStuck(ctx context.Context, cutoff time.Time) (int64, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, j := range m.jobs {
		if j.Status == StatusProcessing && j.ProcessingStartedAt != nil && j.ProcessingStartedAt.Before(cutoff) {
			msg := stuckResetError
			j.Status = StatusPending
			j.ProcessingStartedAt = nil
			j.LastError = &msg
			j.UpdatedAt = m.Clock()
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CancelPending(ctx context.Context, notificationID string) (int64, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, j := range m.jobs {
		if j.NotificationID == notificationID && j.Status == StatusPending {
			j.Status = StatusCancelled
			j.UpdatedAt = m.Clock()
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) RetryAllFailed(ctx context.Context, now time.Time) (int64, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, j := range m.jobs {
		if j.Status == StatusFailed {
			j.Status = StatusPending
			j.Attempts = 0
			j.LastError = nil
			j.ScheduledFor = now
			j.UpdatedAt = m.Clock()
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, j := range m.jobs {
		if limit > 0 && n >= int64(limit) {
			break
		}
		switch j.Status {
		case StatusCompleted, StatusFailed, StatusCancelled:
			if j.UpdatedAt.Before(cutoff) {
				delete(m.jobs, id)
				n++
			}
		}
	}
	return n, nil
}

func (m *MemoryStore) Stats(ctx context.Context, now time.Time) (StoreStats, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()

	st := StoreStats{Counts: make(map[Status]int64)}
	var (
		millisSum    int64
		oldestTime   time.Time
		havePending  bool
		haveAnyStats bool
	)
	for _, j := range m.jobs {
		st.Counts[j.Status]++
		switch j.Status {
		case StatusCompleted:
			millisSum += j.ProcessingMillis
			haveAnyStats = true
			if j.CompletedAt != nil && j.CompletedAt.After(now.Add(-time.Hour)) {
				st.CompletedLastHour++
			}
		case StatusPending:
			if !havePending || j.CreatedAt.Before(oldestTime) {
				oldestTime = j.CreatedAt
				havePending = true
			}
		}
	}
	if haveAnyStats {
		st.AvgProcessingMillis = float64(millisSum) / float64(st.Counts[StatusCompleted])
	}
	if havePending {
		if age := now.Sub(oldestTime); age > 0 {
			st.OldestPendingSeconds = age.Seconds()
		}
	}
	return st, nil
}
