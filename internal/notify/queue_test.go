package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type dispatchOutcome struct {
	result DeliveryResult
	err    error
}

// fakeDispatcher returns scripted outcomes in order; the last outcome
// repeats once the script runs out.
type fakeDispatcher struct {
	mu       sync.Mutex
	calls    []string
	outcomes []dispatchOutcome
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, recipientID string, p Payload) (DeliveryResult, error) {
	_ = ctx
	_ = p
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recipientID)
	if len(f.outcomes) == 0 {
		return DeliveryResult{Email: true}, nil
	}
	out := f.outcomes[0]
	if len(f.outcomes) > 1 {
		f.outcomes = f.outcomes[1:]
	}
	return out.result, out.err
}

func (f *fakeDispatcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func alwaysFail() *fakeDispatcher {
	return &fakeDispatcher{outcomes: []dispatchOutcome{{result: DeliveryResult{}}}}
}

func newTestService(t *testing.T, store JobStore, d ChannelDispatcher, cfg Config, clock func() time.Time) *Service {
	t.Helper()
	s, err := New(store, d, cfg, WithClock(clock))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return s
}

func TestNewValidatesDependencies(t *testing.T) {
	if _, err := New(nil, &fakeDispatcher{}, Config{}); !errors.Is(err, ErrNilStore) {
		t.Fatalf("New(nil store) error = %v, want ErrNilStore", err)
	}
	if _, err := New(NewMemoryStore(), nil, Config{}); !errors.Is(err, ErrNilDispatcher) {
		t.Fatalf("New(nil dispatcher) error = %v, want ErrNilDispatcher", err)
	}
}

func TestEnqueueFansOutOneJobPerRecipient(t *testing.T) {
	now := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	s := newTestService(t, store, &fakeDispatcher{}, Config{}, func() time.Time { return now })

	recipients := []string{"m-1", "m-2", "m-3", "m-4", "m-5"}
	ids, err := s.Enqueue(context.Background(), "bcast-1", recipients, Payload{Title: "Points earned"}, EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	if len(ids) != 5 {
		t.Fatalf("got %d job ids, want 5", len(ids))
	}

	seen := make(map[string]bool)
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("duplicate job id %s", id)
		}
		seen[id] = true

		j, err := store.GetJob(context.Background(), id)
		if err != nil {
			t.Fatalf("GetJob(%s) error: %v", id, err)
		}
		if j.NotificationID != "bcast-1" {
			t.Errorf("notification id = %q, want bcast-1", j.NotificationID)
		}
		if j.Status != StatusPending {
			t.Errorf("status = %q, want pending", j.Status)
		}
		if j.Priority != PriorityMedium {
			t.Errorf("priority = %v, want medium default", j.Priority)
		}
		if j.MaxAttempts != 3 {
			t.Errorf("max attempts = %d, want 3 default", j.MaxAttempts)
		}
		if !j.ScheduledFor.Equal(now) {
			t.Errorf("scheduled for = %v, want %v", j.ScheduledFor, now)
		}
		if j.Attempts != 0 {
			t.Errorf("attempts = %d, want 0", j.Attempts)
		}
	}
}

func TestEnqueueRejectsEmptyRecipients(t *testing.T) {
	s := newTestService(t, NewMemoryStore(), &fakeDispatcher{}, Config{}, time.Now)
	if _, err := s.Enqueue(context.Background(), "bcast-1", nil, Payload{Title: "x"}, EnqueueOptions{}); !errors.Is(err, ErrNoRecipients) {
		t.Fatalf("Enqueue() error = %v, want ErrNoRecipients", err)
	}
}

func TestScheduleNotificationIsNotDueEarly(t *testing.T) {
	now := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	at := now.Add(2 * time.Hour)
	store := NewMemoryStore()
	d := &fakeDispatcher{}
	s := newTestService(t, store, d, Config{DispatchGap: -1}, func() time.Time { return now })

	ids, err := s.ScheduleNotification(context.Background(), "bcast-1", []string{"m-1"}, Payload{Title: "Reminder"}, at, EnqueueOptions{})
	if err != nil {
		t.Fatalf("ScheduleNotification() error: %v", err)
	}

	s.runCycle(context.Background())
	if d.callCount() != 0 {
		t.Fatalf("dispatcher called %d times before due time", d.callCount())
	}

	now = at
	s.runCycle(context.Background())
	if d.callCount() != 1 {
		t.Fatalf("dispatcher called %d times at due time, want 1", d.callCount())
	}
	j, _ := store.GetJob(context.Background(), ids[0])
	if j.Status != StatusCompleted {
		t.Fatalf("status = %q, want completed", j.Status)
	}
}

func TestCycleCompletesDeliveredJob(t *testing.T) {
	now := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	d := &fakeDispatcher{outcomes: []dispatchOutcome{{result: DeliveryResult{Email: true, Push: true}}}}
	s := newTestService(t, store, d, Config{DispatchGap: -1}, func() time.Time { return now })

	ids, err := s.Enqueue(context.Background(), "bcast-1", []string{"m-1"}, Payload{Title: "Welcome"}, EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}

	s.runCycle(context.Background())

	j, err := store.GetJob(context.Background(), ids[0])
	if err != nil {
		t.Fatalf("GetJob() error: %v", err)
	}
	if j.Status != StatusCompleted {
		t.Fatalf("status = %q, want completed", j.Status)
	}
	if j.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", j.Attempts)
	}
	if j.CompletedAt == nil || !j.CompletedAt.Equal(now) {
		t.Errorf("completed at = %v, want %v", j.CompletedAt, now)
	}
	if j.ProcessingStartedAt != nil {
		t.Errorf("processing started at should be cleared, got %v", j.ProcessingStartedAt)
	}
	if len(j.Channels) != 2 || j.Channels[0] != "email" || j.Channels[1] != "push" {
		t.Errorf("channels = %v, want [email push]", j.Channels)
	}
}

func TestCycleProcessesBatchInOrder(t *testing.T) {
	now := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	d := &fakeDispatcher{}
	s := newTestService(t, store, d, Config{BatchSize: 10, DispatchGap: -1}, func() time.Time { return now })

	ctx := context.Background()
	// Earlier-due wins over priority; priority breaks ties; FIFO breaks
	// the rest.
	mustEnqueue := func(recipient string, prio Priority, due time.Time) {
		t.Helper()
		if _, err := s.Enqueue(ctx, "bcast-"+recipient, []string{recipient}, Payload{Title: "x"}, EnqueueOptions{
			Priority:     prio,
			ScheduledFor: due,
		}); err != nil {
			t.Fatalf("Enqueue(%s) error: %v", recipient, err)
		}
		now = now.Add(time.Millisecond) // distinct created_at
	}

	early := now.Add(-time.Minute)
	late := now.Add(-time.Second)
	mustEnqueue("low-late", PriorityLow, late)
	mustEnqueue("urgent-late", PriorityUrgent, late)
	mustEnqueue("low-early", PriorityLow, early)
	mustEnqueue("urgent-late-2", PriorityUrgent, late)

	s.runCycle(ctx)

	want := []string{"low-early", "urgent-late", "urgent-late-2", "low-late"}
	d.mu.Lock()
	got := append([]string(nil), d.calls...)
	d.mu.Unlock()
	if len(got) != len(want) {
		t.Fatalf("dispatched %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dispatch order %v, want %v", got, want)
		}
	}
}

func TestDispatchFailureSchedulesBackoffRetry(t *testing.T) {
	now := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	s := newTestService(t, store, alwaysFail(), Config{DispatchGap: -1}, func() time.Time { return now })

	ids, err := s.Enqueue(context.Background(), "bcast-1", []string{"m-1"}, Payload{Title: "x"}, EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}

	s.runCycle(context.Background())

	j, _ := store.GetJob(context.Background(), ids[0])
	if j.Status != StatusPending {
		t.Fatalf("status = %q, want pending", j.Status)
	}
	if j.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", j.Attempts)
	}
	if want := now.Add(30 * time.Second); !j.ScheduledFor.Equal(want) {
		t.Errorf("scheduled for = %v, want %v", j.ScheduledFor, want)
	}
	if j.LastError == nil || *j.LastError != "all channels failed" {
		t.Errorf("last error = %v, want all channels failed", j.LastError)
	}
	if j.ProcessingStartedAt != nil {
		t.Errorf("processing started at should be cleared, got %v", j.ProcessingStartedAt)
	}
}

func TestRetryDelaysFollowBackoffTable(t *testing.T) {
	now := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	s := newTestService(t, store, alwaysFail(), Config{DispatchGap: -1}, func() time.Time { return now })

	ids, err := s.Enqueue(context.Background(), "bcast-1", []string{"m-1"}, Payload{Title: "x"}, EnqueueOptions{MaxAttempts: 20})
	if err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}

	want := []time.Duration{
		30 * time.Second, 2 * time.Minute, 5 * time.Minute, 15 * time.Minute, 30 * time.Minute,
	}
	for i, wantDelay := range want {
		s.runCycle(context.Background())
		j, _ := store.GetJob(context.Background(), ids[0])
		if delay := j.ScheduledFor.Sub(now); delay != wantDelay {
			t.Fatalf("retry %d delay = %v, want %v", i+1, delay, wantDelay)
		}
		now = j.ScheduledFor
	}

	// Well past the table the delay reuses the last entry.
	for i := 0; i < 4; i++ {
		s.runCycle(context.Background())
		j, _ := store.GetJob(context.Background(), ids[0])
		now = j.ScheduledFor
	}
	s.runCycle(context.Background())
	j, _ := store.GetJob(context.Background(), ids[0])
	if delay := j.ScheduledFor.Sub(now); delay != 4*time.Hour {
		t.Fatalf("clamped retry delay = %v, want %v", delay, 4*time.Hour)
	}
}

func TestExhaustedRetriesAreTerminal(t *testing.T) {
	now := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	d := alwaysFail()
	s := newTestService(t, store, d, Config{DispatchGap: -1}, func() time.Time { return now })

	ids, err := s.Enqueue(context.Background(), "bcast-1", []string{"m-1"}, Payload{Title: "x"}, EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}

	for i := 0; i < 3; i++ {
		s.runCycle(context.Background())
		j, _ := store.GetJob(context.Background(), ids[0])
		now = j.ScheduledFor.Add(time.Second)
	}

	j, _ := store.GetJob(context.Background(), ids[0])
	if j.Status != StatusFailed {
		t.Fatalf("status = %q, want failed", j.Status)
	}
	if j.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", j.Attempts)
	}
	if j.LastError == nil {
		t.Error("last error not preserved on terminal failure")
	}

	// A later cycle never selects the failed job again.
	calls := d.callCount()
	s.runCycle(context.Background())
	if d.callCount() != calls {
		t.Fatalf("failed job was dispatched again")
	}
}

func TestDispatcherErrorIsRetriedLikeFailure(t *testing.T) {
	now := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	d := &fakeDispatcher{outcomes: []dispatchOutcome{{err: errors.New("provider 503")}}}
	s := newTestService(t, store, d, Config{DispatchGap: -1}, func() time.Time { return now })

	ids, _ := s.Enqueue(context.Background(), "bcast-1", []string{"m-1"}, Payload{Title: "x"}, EnqueueOptions{})
	s.runCycle(context.Background())

	j, _ := store.GetJob(context.Background(), ids[0])
	if j.Status != StatusPending {
		t.Fatalf("status = %q, want pending", j.Status)
	}
	if j.LastError == nil || *j.LastError != "provider 503" {
		t.Errorf("last error = %v, want provider 503", j.LastError)
	}
}

func TestOneJobFailureDoesNotAbortBatch(t *testing.T) {
	now := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	d := &fakeDispatcher{outcomes: []dispatchOutcome{
		{err: errors.New("provider down")},
		{result: DeliveryResult{SMS: true}},
	}}
	s := newTestService(t, store, d, Config{DispatchGap: -1}, func() time.Time { return now })

	ids, err := s.Enqueue(context.Background(), "bcast-1", []string{"m-1", "m-2"}, Payload{Title: "x"}, EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}

	s.runCycle(context.Background())

	first, _ := store.GetJob(context.Background(), ids[0])
	second, _ := store.GetJob(context.Background(), ids[1])
	if first.Status != StatusPending {
		t.Errorf("first job status = %q, want pending (retry)", first.Status)
	}
	if second.Status != StatusCompleted {
		t.Errorf("second job status = %q, want completed", second.Status)
	}
}

func TestLostClaimIsANoOp(t *testing.T) {
	now := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	d := &fakeDispatcher{}
	s := newTestService(t, store, d, Config{DispatchGap: -1}, func() time.Time { return now })

	ids, _ := s.Enqueue(context.Background(), "bcast-1", []string{"m-1"}, Payload{Title: "x"}, EnqueueOptions{})

	fetched, err := store.FetchDue(context.Background(), now, 5)
	if err != nil || len(fetched) != 1 {
		t.Fatalf("FetchDue() = %v, %v", fetched, err)
	}

	// Another worker wins the race after our fetch.
	claimedAt := now.Add(-10 * time.Second)
	if ok, _ := store.Claim(context.Background(), ids[0], claimedAt); !ok {
		t.Fatal("setup claim should succeed")
	}

	s.processJob(context.Background(), &fetched[0])

	if d.callCount() != 0 {
		t.Fatalf("dispatcher called %d times after lost claim", d.callCount())
	}
	j, _ := store.GetJob(context.Background(), ids[0])
	if j.Status != StatusProcessing {
		t.Errorf("status = %q, want processing (untouched)", j.Status)
	}
	if j.ProcessingStartedAt == nil || !j.ProcessingStartedAt.Equal(claimedAt) {
		t.Errorf("processing started at = %v, want %v (untouched)", j.ProcessingStartedAt, claimedAt)
	}
}

func TestCancelledJobsAreNeverDispatched(t *testing.T) {
	now := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	d := &fakeDispatcher{}
	s := newTestService(t, store, d, Config{DispatchGap: -1}, func() time.Time { return now })

	ids, _ := s.Enqueue(context.Background(), "bcast-1", []string{"m-1", "m-2"}, Payload{Title: "x"}, EnqueueOptions{})

	n, err := s.CancelNotification(context.Background(), "bcast-1")
	if err != nil {
		t.Fatalf("CancelNotification() error: %v", err)
	}
	if n != 2 {
		t.Fatalf("cancelled %d jobs, want 2", n)
	}

	s.runCycle(context.Background())
	if d.callCount() != 0 {
		t.Fatalf("dispatcher called %d times for cancelled notification", d.callCount())
	}
	for _, id := range ids {
		j, _ := store.GetJob(context.Background(), id)
		if j.Status != StatusCancelled {
			t.Errorf("status = %q, want cancelled", j.Status)
		}
	}
}

func TestStartAndStopAreIdempotent(t *testing.T) {
	s := newTestService(t, NewMemoryStore(), &fakeDispatcher{}, Config{}, time.Now)

	s.StartProcessing(context.Background())
	s.StartProcessing(context.Background())
	s.StopProcessing()

	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("StopProcessing should be idempotent, panicked: %v", r)
		}
	}()
	s.StopProcessing()
}
