package notify

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/lib/pq"
	"gorm.io/gorm"
)

var ErrJobNotFound = errors.New("notify: job not found")

// stuckResetError is the last_error written when the reaper returns an
// abandoned processing job to pending.
const stuckResetError = "processing timeout - reset to pending"

// StoreStats are the raw aggregates the stats collector derives its report
// from.
type StoreStats struct {
	Counts               map[Status]int64
	AvgProcessingMillis  float64
	CompletedLastHour    int64
	OldestPendingSeconds float64
}

// JobStore is the persistence contract for queued jobs. The queue relies on
// three store-level guarantees: batch creation is atomic, Claim has exactly
// one winner under concurrent calls, and FetchDue returns a stable
// (scheduled_for asc, priority desc, created_at asc) order.
type JobStore interface {
	CreateBatch(ctx context.Context, jobs []*QueuedJob) error
	GetJob(ctx context.Context, id string) (*QueuedJob, error)
	FetchDue(ctx context.Context, now time.Time, limit int) ([]QueuedJob, error)

	// Claim transitions id from pending to processing. Returns false with
	// no side effects when the job is no longer pending.
	Claim(ctx context.Context, id string, now time.Time) (bool, error)

	MarkCompleted(ctx context.Context, id string, now time.Time, meta CompletionMeta) error
	MarkFailed(ctx context.Context, id string, attempts int, errMsg string, meta FailureMeta) error
	RetryLater(ctx context.Context, id string, attempts int, runAt time.Time, errMsg string) error

	// ResetStuck returns processing jobs older than cutoff to pending
	// without touching their attempt count.
	ResetStuck(ctx context.Context, cutoff time.Time) (int64, error)

	CancelPending(ctx context.Context, notificationID string) (int64, error)
	RetryAllFailed(ctx context.Context, now time.Time) (int64, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error)

	Stats(ctx context.Context, now time.Time) (StoreStats, error)
}

// GormStore is the Postgres-backed JobStore.
type GormStore struct {
	DB *gorm.DB
}

func (s *GormStore) CreateBatch(ctx context.Context, jobs []*QueuedJob) error {
	// One transaction so a broadcast never partially fans out.
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&jobs).Error
	})
}

func (s *GormStore) GetJob(ctx context.Context, id string) (*QueuedJob, error) {
	var j QueuedJob
	err := s.DB.WithContext(ctx).Where("id = ?", id).First(&j).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *GormStore) FetchDue(ctx context.Context, now time.Time, limit int) ([]QueuedJob, error) {
	var out []QueuedJob
	err := s.DB.WithContext(ctx).
		Where("status = ? AND scheduled_for <= ?", StatusPending, now).
		Order("scheduled_for asc, priority desc, created_at asc").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// Claim is the single conditional update that makes concurrent workers safe:
// the WHERE clause re-checks pending, so exactly one caller sees a row
// change.
func (s *GormStore) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	res := s.DB.WithContext(ctx).Exec(`
update notification_jobs
set status=?, processing_started_at=?, updated_at=now()
where id=? and status=?`, StatusProcessing, now, id, StatusPending)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) MarkCompleted(ctx context.Context, id string, now time.Time, meta CompletionMeta) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return s.DB.WithContext(ctx).Exec(`
update notification_jobs
set status=?,
    completed_at=?,
    processing_started_at=null,
    processing_millis=?,
    attempts=attempts+1,
    channels=?,
    metadata=?,
    updated_at=now()
where id=?`, StatusCompleted, now, meta.Millis, pq.StringArray(meta.Channels), raw, id).Error
}

func (s *GormStore) MarkFailed(ctx context.Context, id string, attempts int, errMsg string, meta FailureMeta) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return s.DB.WithContext(ctx).Exec(`
update notification_jobs
set status=?,
    attempts=?,
    processing_started_at=null,
    last_error=?,
    metadata=?,
    updated_at=now()
where id=?`, StatusFailed, attempts, errMsg, raw, id).Error
}

func (s *GormStore) RetryLater(ctx context.Context, id string, attempts int, runAt time.Time, errMsg string) error {
	return s.DB.WithContext(ctx).Exec(`
update notification_jobs
set status=?,
    attempts=?,
    scheduled_for=?,
    processing_started_at=null,
    last_error=?,
    updated_at=now()
where id=?`, StatusPending, attempts, runAt, errMsg, id).Error
}

func (s *GormStore) ResetStuck(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.DB.WithContext(ctx).Exec(`
update notification_jobs
set status=?,
    processing_started_at=null,
    last_error=?,
    updated_at=now()
where status=? and processing_started_at is not null and processing_started_at < ?`,
		StatusPending, stuckResetError, StatusProcessing, cutoff)
	return res.RowsAffected, res.Error
}

func (s *GormStore) CancelPending(ctx context.Context, notificationID string) (int64, error) {
	res := s.DB.WithContext(ctx).Exec(`
update notification_jobs
set status=?, updated_at=now()
where notification_id=? and status=?`, StatusCancelled, notificationID, StatusPending)
	return res.RowsAffected, res.Error
}

func (s *GormStore) RetryAllFailed(ctx context.Context, now time.Time) (int64, error) {
	res := s.DB.WithContext(ctx).Exec(`
update notification_jobs
set status=?,
    attempts=0,
    last_error=null,
    scheduled_for=?,
    updated_at=now()
where status=?`, StatusPending, now, StatusFailed)
	return res.RowsAffected, res.Error
}

func (s *GormStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	res := s.DB.WithContext(ctx).Exec(`
delete from notification_jobs
where id in (
  select id from notification_jobs
  where status in (?, ?, ?) and updated_at < ?
  order by updated_at asc
  limit ?
)`, StatusCompleted, StatusFailed, StatusCancelled, cutoff, limit)
	return res.RowsAffected, res.Error
}

func (s *GormStore) Stats(ctx context.Context, now time.Time) (StoreStats, error) {
	st := StoreStats{Counts: make(map[Status]int64)}

	var rows []struct {
		Status Status
		N      int64
	}
	if err := s.DB.WithContext(ctx).
		Raw(`select status, count(*) as n from notification_jobs group by status`).
		Scan(&rows).Error; err != nil {
		return st, err
	}
	for _, r := range rows {
		st.Counts[r.Status] = r.N
	}

	if err := s.DB.WithContext(ctx).
		Raw(`select coalesce(avg(processing_millis), 0) from notification_jobs where status = ?`, StatusCompleted).
		Scan(&st.AvgProcessingMillis).Error; err != nil {
		return st, err
	}

	if err := s.DB.WithContext(ctx).
		Raw(`select count(*) from notification_jobs where status = ? and completed_at > ?`,
			StatusCompleted, now.Add(-time.Hour)).
		Scan(&st.CompletedLastHour).Error; err != nil {
		return st, err
	}

	if err := s.DB.WithContext(ctx).
		Raw(`select coalesce(extract(epoch from (?::timestamptz - min(created_at))), 0)
from notification_jobs where status = ?`, now, StatusPending).
		Scan(&st.OldestPendingSeconds).Error; err != nil {
		return st, err
	}
	if st.OldestPendingSeconds < 0 {
		st.OldestPendingSeconds = 0
	}

	return st, nil
}
