package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func seedJob(t *testing.T, store *MemoryStore, j QueuedJob) {
	t.Helper()
	if err := store.CreateBatch(context.Background(), []*QueuedJob{&j}); err != nil {
		t.Fatalf("CreateBatch() error: %v", err)
	}
}

func TestClaimHasExactlyOneWinner(t *testing.T) {
	now := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	seedJob(t, store, QueuedJob{
		ID:             "job-1",
		NotificationID: "bcast-1",
		RecipientID:    "m-1",
		Status:         StatusPending,
		MaxAttempts:    3,
		ScheduledFor:   now,
		CreatedAt:      now,
	})

	const workers = 8
	var wins int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := store.Claim(context.Background(), "job-1", now)
			if err != nil {
				t.Errorf("Claim() error: %v", err)
				return
			}
			if ok {
				atomic.AddInt64(&wins, 1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if wins != 1 {
		t.Fatalf("claim winners = %d, want exactly 1", wins)
	}
	j, _ := store.GetJob(context.Background(), "job-1")
	if j.Status != StatusProcessing {
		t.Fatalf("status = %q, want processing", j.Status)
	}
}

func TestClaimRefusesNonPendingJob(t *testing.T) {
	now := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	for _, status := range []Status{StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled} {
		seedJob(t, store, QueuedJob{
			ID:           "job-" + string(status),
			Status:       status,
			ScheduledFor: now,
			CreatedAt:    now,
		})
		if ok, _ := store.Claim(context.Background(), "job-"+string(status), now); ok {
			t.Errorf("Claim() succeeded on %s job", status)
		}
	}
}

func TestFetchDueOrdering(t *testing.T) {
	now := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	store := NewMemoryStore()

	seedJob(t, store, QueuedJob{ID: "b", Status: StatusPending, Priority: PriorityUrgent, ScheduledFor: now.Add(-time.Second), CreatedAt: now.Add(2 * time.Millisecond)})
	seedJob(t, store, QueuedJob{ID: "a", Status: StatusPending, Priority: PriorityLow, ScheduledFor: now.Add(-time.Minute), CreatedAt: now})
	seedJob(t, store, QueuedJob{ID: "d", Status: StatusPending, Priority: PriorityLow, ScheduledFor: now.Add(-time.Second), CreatedAt: now.Add(time.Millisecond)})
	seedJob(t, store, QueuedJob{ID: "c", Status: StatusPending, Priority: PriorityUrgent, ScheduledFor: now.Add(-time.Second), CreatedAt: now.Add(3 * time.Millisecond)})
	seedJob(t, store, QueuedJob{ID: "future", Status: StatusPending, Priority: PriorityUrgent, ScheduledFor: now.Add(time.Hour), CreatedAt: now})
	seedJob(t, store, QueuedJob{ID: "done", Status: StatusCompleted, ScheduledFor: now.Add(-time.Hour), CreatedAt: now})

	due, err := store.FetchDue(context.Background(), now, 10)
	if err != nil {
		t.Fatalf("FetchDue() error: %v", err)
	}

	want := []string{"a", "b", "c", "d"}
	if len(due) != len(want) {
		t.Fatalf("got %d due jobs, want %d", len(due), len(want))
	}
	for i, id := range want {
		if due[i].ID != id {
			t.Fatalf("due[%d] = %s, want %s", i, due[i].ID, id)
		}
	}
}

func TestFetchDueHonorsLimit(t *testing.T) {
	now := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	for i := 0; i < 10; i++ {
		seedJob(t, store, QueuedJob{
			ID:           string(rune('a' + i)),
			Status:       StatusPending,
			ScheduledFor: now.Add(-time.Minute),
			CreatedAt:    now.Add(time.Duration(i) * time.Millisecond),
		})
	}

	due, err := store.FetchDue(context.Background(), now, 5)
	if err != nil {
		t.Fatalf("FetchDue() error: %v", err)
	}
	if len(due) != 5 {
		t.Fatalf("got %d due jobs, want 5", len(due))
	}
}
