package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNilStore      = errors.New("notify: store must not be nil")
	ErrNilDispatcher = errors.New("notify: dispatcher must not be nil")
	ErrNoRecipients  = errors.New("notify: at least one recipient required")
)

// Config holds the queue tunables.
type Config struct {
	// PollInterval is how often the processing loop wakes up.
	PollInterval time.Duration

	// BatchSize caps how many due jobs one cycle picks up.
	BatchSize int

	// DispatchGap is the throttle between jobs in one batch, to stay
	// friendly to external provider rate limits.
	DispatchGap time.Duration

	// ProcessingTimeout is how long a job may sit in processing before
	// the reaper presumes its worker dead.
	ProcessingTimeout time.Duration

	// ReaperInterval is how often the stuck-job scan runs.
	ReaperInterval time.Duration

	// MaxAttempts is the default retry ceiling for new jobs.
	MaxAttempts int

	// RetentionDays is the default window for CleanupOld.
	RetentionDays int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:      15 * time.Second,
		BatchSize:         5,
		DispatchGap:       100 * time.Millisecond,
		ProcessingTimeout: 5 * time.Minute,
		ReaperInterval:    60 * time.Second,
		MaxAttempts:       3,
		RetentionDays:     7,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.DispatchGap == 0 {
		// negative disables the throttle (used by tests)
		c.DispatchGap = d.DispatchGap
	}
	if c.ProcessingTimeout <= 0 {
		c.ProcessingTimeout = d.ProcessingTimeout
	}
	if c.ReaperInterval <= 0 {
		c.ReaperInterval = d.ReaperInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = d.RetentionDays
	}
	return c
}

// Service is the notification delivery queue: it fans broadcasts out into
// per-recipient jobs and drives them through claim, dispatch, and outcome.
type Service struct {
	store      JobStore
	dispatcher ChannelDispatcher
	cfg        Config
	clock      func() time.Time
	log        *slog.Logger

	// cycleMu is the in-process single-flight guard: overlapping ticks in
	// one instance never run two cycles at once. Cross-instance safety
	// comes from the store's claim, not from this.
	cycleMu sync.Mutex

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the wall clock, for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger overrides the injected logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// New returns a stopped Service; call StartProcessing to begin polling.
func New(store JobStore, dispatcher ChannelDispatcher, cfg Config, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, ErrNilStore
	}
	if dispatcher == nil {
		return nil, ErrNilDispatcher
	}

	s := &Service{
		store:      store,
		dispatcher: dispatcher,
		cfg:        cfg.withDefaults(),
		clock:      time.Now,
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// EnqueueOptions are the per-broadcast knobs. Zero values mean defaults:
// medium priority, due now, service-wide max attempts.
type EnqueueOptions struct {
	Priority     Priority
	ScheduledFor time.Time
	MaxAttempts  int
	Metadata     json.RawMessage
}

// Enqueue creates one independent job per recipient, all persisted in a
// single transaction. Returns the created job ids.
func (s *Service) Enqueue(ctx context.Context, notificationID string, recipientIDs []string, p Payload, opts EnqueueOptions) ([]string, error) {
	if len(recipientIDs) == 0 {
		return nil, ErrNoRecipients
	}
	if notificationID == "" {
		notificationID = uuid.NewString()
	}

	payload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("notify: marshal payload: %w", err)
	}

	now := s.clock()
	priority := opts.Priority
	if priority == 0 {
		priority = PriorityMedium
	}
	runAt := opts.ScheduledFor
	if runAt.IsZero() {
		runAt = now
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.cfg.MaxAttempts
	}

	jobs := make([]*QueuedJob, 0, len(recipientIDs))
	ids := make([]string, 0, len(recipientIDs))
	for _, rid := range recipientIDs {
		j := &QueuedJob{
			ID:             uuid.NewString(),
			NotificationID: notificationID,
			RecipientID:    rid,
			Payload:        payload,
			Priority:       priority,
			Status:         StatusPending,
			MaxAttempts:    maxAttempts,
			ScheduledFor:   runAt,
			Metadata:       opts.Metadata,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		jobs = append(jobs, j)
		ids = append(ids, j.ID)
	}

	if err := s.store.CreateBatch(ctx, jobs); err != nil {
		return nil, fmt.Errorf("notify: enqueue: %w", err)
	}
	jobsEnqueued.Add(float64(len(jobs)))
	s.log.Info("notification enqueued",
		"notification_id", notificationID,
		"recipients", len(recipientIDs),
		"priority", priority.String(),
		"scheduled_for", runAt)
	return ids, nil
}

// ScheduleNotification is Enqueue with an explicit future due time.
func (s *Service) ScheduleNotification(ctx context.Context, notificationID string, recipientIDs []string, p Payload, at time.Time, opts EnqueueOptions) ([]string, error) {
	opts.ScheduledFor = at
	return s.Enqueue(ctx, notificationID, recipientIDs, p, opts)
}

// StartProcessing launches the polling loop and the stuck-job reaper. Calling
// it on a running service is a no-op.
func (s *Service) StartProcessing(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(2)
	go s.pollLoop(ctx)
	go s.reapLoop(ctx)
	s.log.Info("queue processing started",
		"poll_interval", s.cfg.PollInterval,
		"batch_size", s.cfg.BatchSize)
}

// StopProcessing stops the timers and waits for the current cycle to finish.
// In-flight dispatches run to completion and their outcome is recorded.
// Idempotent.
func (s *Service) StopProcessing() {
	s.runMu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.log.Info("queue processing stopped")
}

func (s *Service) pollLoop(ctx context.Context) {
	defer s.wg.Done()

	// one immediate cycle on start, then the ticker cadence
	s.runCycle(ctx)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runCycle(ctx)
		}
	}
}

// runCycle is one poll: fetch due jobs in order, claim and dispatch each.
// Store errors abort the cycle; the next tick starts fresh.
func (s *Service) runCycle(ctx context.Context) {
	if !s.cycleMu.TryLock() {
		s.log.Debug("previous cycle still running, skipping tick")
		return
	}
	defer s.cycleMu.Unlock()

	due, err := s.store.FetchDue(ctx, s.clock(), s.cfg.BatchSize)
	if err != nil {
		s.log.Error("fetching due jobs failed", "error", err)
		return
	}
	for i := range due {
		if i > 0 && s.cfg.DispatchGap > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.DispatchGap):
			}
		}
		s.processJob(ctx, &due[i])
	}
}

// processJob claims one job and records its outcome. A lost claim means
// another worker (or a cancel) got there first; that is not an error.
func (s *Service) processJob(ctx context.Context, job *QueuedJob) {
	claimedAt := s.clock()
	ok, err := s.store.Claim(ctx, job.ID, claimedAt)
	if err != nil {
		s.log.Error("claim failed", "job_id", job.ID, "error", err)
		return
	}
	if !ok {
		claimConflicts.Inc()
		s.log.Debug("job no longer pending, skipping", "job_id", job.ID)
		return
	}

	var p Payload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		s.failOrRetry(ctx, job, "bad payload: "+err.Error())
		return
	}

	result, err := s.dispatcher.Dispatch(ctx, job.RecipientID, p)
	elapsed := s.clock().Sub(claimedAt)
	dispatchSeconds.Observe(elapsed.Seconds())

	if err != nil {
		s.failOrRetry(ctx, job, err.Error())
		return
	}
	if !result.Delivered() {
		s.failOrRetry(ctx, job, "all channels failed")
		return
	}
	s.complete(ctx, job, result, elapsed)
}

func (s *Service) complete(ctx context.Context, job *QueuedJob, result DeliveryResult, elapsed time.Duration) {
	now := s.clock()
	meta := CompletionMeta{
		Channels:    result.Channels(),
		Millis:      elapsed.Milliseconds(),
		CompletedAt: now,
	}
	if err := s.store.MarkCompleted(ctx, job.ID, now, meta); err != nil {
		s.log.Error("recording completion failed", "job_id", job.ID, "error", err)
		return
	}
	jobsCompleted.Inc()
	s.log.Info("notification delivered",
		"job_id", job.ID,
		"recipient_id", job.RecipientID,
		"channels", meta.Channels,
		"millis", meta.Millis)
}

// failOrRetry increments the attempt count and either reschedules with
// backoff or fails the job for good once the budget is spent.
func (s *Service) failOrRetry(ctx context.Context, job *QueuedJob, errMsg string) {
	attempts := job.Attempts + 1
	now := s.clock()

	if attempts >= job.MaxAttempts {
		meta := FailureMeta{FailedAt: now, Attempts: attempts, Error: errMsg}
		if err := s.store.MarkFailed(ctx, job.ID, attempts, errMsg, meta); err != nil {
			s.log.Error("recording failure failed", "job_id", job.ID, "error", err)
			return
		}
		jobsFailed.Inc()
		s.log.Warn("notification failed permanently",
			"job_id", job.ID,
			"recipient_id", job.RecipientID,
			"attempts", attempts,
			"error", errMsg)
		return
	}

	runAt := now.Add(backoffDelay(attempts))
	if err := s.store.RetryLater(ctx, job.ID, attempts, runAt, errMsg); err != nil {
		s.log.Error("scheduling retry failed", "job_id", job.ID, "error", err)
		return
	}
	jobsRetried.Inc()
	s.log.Info("notification retry scheduled",
		"job_id", job.ID,
		"attempt", attempts,
		"next_run", runAt,
		"error", errMsg)
}
