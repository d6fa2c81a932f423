package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/shared/config"
	apperrors "github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/shared/errors"
)

func testService(store *MemoryStore, cfg config.QueueConfig) *Service {
	s := NewService(store, cfg)
	return s
}

// onlyJob returns the single job the store holds.
func onlyJob(t *testing.T, store *MemoryStore) *Job {
	t.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.jobs) != 1 {
		t.Fatalf("expected exactly 1 job, got %d", len(store.jobs))
	}
	for _, job := range store.jobs {
		copied := *job
		return &copied
	}
	return nil
}

func TestEnqueuePersistsPendingJob(t *testing.T) {
	store := NewMemoryStore()
	s := testService(store, config.QueueConfig{})
	ctx := context.Background()

	payload := map[string]string{"user_id": "u-1", "role": "STUDENT"}
	if err := s.Enqueue(ctx, "certificate.generate", payload); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	job := onlyJob(t, store)
	if job.Type != "certificate.generate" {
		t.Errorf("unexpected job type %q", job.Type)
	}
	if job.Status != JobPending {
		t.Errorf("expected PENDING, got %s", job.Status)
	}
	if job.Attempts != 0 {
		t.Errorf("a fresh job has no attempts, got %d", job.Attempts)
	}

	var decoded map[string]string
	if err := json.Unmarshal(job.Payload, &decoded); err != nil {
		t.Fatalf("payload must round-trip: %v", err)
	}
	if decoded["user_id"] != "u-1" {
		t.Errorf("payload lost data: %v", decoded)
	}
}

func TestEnqueueWaitRunsInline(t *testing.T) {
	store := NewMemoryStore()
	s := testService(store, config.QueueConfig{})
	calls := 0
	s.Register("notarize.retry", func(ctx context.Context, payload json.RawMessage) error {
		calls++
		return nil
	})

	if err := s.EnqueueWait(context.Background(), "notarize.retry", map[string]string{"document_id": "d-1"}); err != nil {
		t.Fatalf("inline attempt must succeed: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 handler call, got %d", calls)
	}

	// Completed jobs are discarded, not retained.
	store.mu.Lock()
	remaining := len(store.jobs)
	store.mu.Unlock()
	if remaining != 0 {
		t.Errorf("a completed job must be deleted from the store, %d remain", remaining)
	}
}

func TestEnqueueWaitFailureLeavesJobQueued(t *testing.T) {
	store := NewMemoryStore()
	base := time.Now()
	s := testService(store, config.QueueConfig{BaseBackoff: 10 * time.Second})
	s.now = func() time.Time { return base }
	s.Register("notarize.retry", func(ctx context.Context, payload json.RawMessage) error {
		return fmt.Errorf("peer unreachable")
	})

	err := s.EnqueueWait(context.Background(), "notarize.retry", map[string]string{"document_id": "d-1"})
	if !errors.Is(err, ErrStillProcessing) {
		t.Fatalf("expected ErrStillProcessing, got %v", err)
	}
	if !errors.Is(err, apperrors.ErrUnavailable) {
		t.Error("still-processing must present as unavailable to HTTP callers")
	}

	job := onlyJob(t, store)
	if job.Status != JobPending {
		t.Errorf("a failed first attempt must requeue the job, got %s", job.Status)
	}
	if job.LastError == "" {
		t.Error("the handler error must be recorded")
	}
	if got, want := job.NextRunAt, base.Add(10*time.Second); !got.Equal(want) {
		t.Errorf("first retry must wait the base backoff: got %v, want %v", got, want)
	}
}

func TestRetryBackoffDoubles(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	s := testService(store, config.QueueConfig{BaseBackoff: 10 * time.Second, MaxAttempts: 5})
	s.now = func() time.Time { return now }
	s.Register("certificate.generate", func(ctx context.Context, payload json.RawMessage) error {
		return fmt.Errorf("ca unavailable")
	})

	ctx := context.Background()
	if err := s.Enqueue(ctx, "certificate.generate", map[string]string{}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	now = onlyJob(t, store).NextRunAt

	wantBackoffs := []time.Duration{10 * time.Second, 20 * time.Second, 40 * time.Second, 80 * time.Second}
	for i, want := range wantBackoffs {
		claimed, err := store.ClaimDue(ctx, 10, now)
		if err != nil {
			t.Fatalf("claim failed: %v", err)
		}
		if len(claimed) != 1 {
			t.Fatalf("attempt %d: expected 1 due job, got %d", i+1, len(claimed))
		}
		if done := s.attempt(ctx, &claimed[0]); done {
			t.Fatalf("attempt %d: failing handler must not complete the job", i+1)
		}

		job := onlyJob(t, store)
		if job.Status != JobPending {
			t.Fatalf("attempt %d: expected PENDING, got %s", i+1, job.Status)
		}
		if got := job.NextRunAt.Sub(now); got != want {
			t.Errorf("attempt %d: backoff %v, want %v", i+1, got, want)
		}

		// Jump past the retry window for the next round.
		now = job.NextRunAt
	}
}

func TestExhaustedJobIsRetained(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	s := testService(store, config.QueueConfig{BaseBackoff: time.Second, MaxAttempts: 2})
	s.now = func() time.Time { return now }
	s.Register("certificate.generate", func(ctx context.Context, payload json.RawMessage) error {
		return fmt.Errorf("ca unavailable")
	})

	ctx := context.Background()
	if err := s.Enqueue(ctx, "certificate.generate", map[string]string{}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	now = onlyJob(t, store).NextRunAt

	for i := 0; i < 2; i++ {
		claimed, _ := store.ClaimDue(ctx, 10, now)
		if len(claimed) != 1 {
			t.Fatalf("attempt %d: expected 1 due job, got %d", i+1, len(claimed))
		}
		s.attempt(ctx, &claimed[0])
		now = now.Add(time.Minute)
	}

	job := onlyJob(t, store)
	if job.Status != JobFailed {
		t.Errorf("an exhausted job must be FAILED, got %s", job.Status)
	}
	if job.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", job.Attempts)
	}
	if job.LastError == "" {
		t.Error("the final error must be retained for inspection")
	}

	// A failed job never comes back.
	if claimed, _ := store.ClaimDue(ctx, 10, now.Add(time.Hour)); len(claimed) != 0 {
		t.Errorf("failed jobs must not be claimable, got %d", len(claimed))
	}
}

func TestUnregisteredTypeFailsPermanently(t *testing.T) {
	store := NewMemoryStore()
	s := testService(store, config.QueueConfig{})

	err := s.EnqueueWait(context.Background(), "unknown.type", map[string]string{})
	if !errors.Is(err, ErrStillProcessing) {
		t.Fatalf("expected ErrStillProcessing, got %v", err)
	}

	job := onlyJob(t, store)
	if job.Status != JobFailed {
		t.Errorf("a job without a handler must fail permanently, got %s", job.Status)
	}
	if job.LastError == "" {
		t.Error("the failure reason must be recorded")
	}
}

func TestWorkerPoolProcessesQueuedJobs(t *testing.T) {
	store := NewMemoryStore()
	s := testService(store, config.QueueConfig{
		Workers:   1,
		PollEvery: 10 * time.Millisecond,
	})
	done := make(chan struct{})
	s.Register("notify.send", func(ctx context.Context, payload json.RawMessage) error {
		close(done)
		return nil
	})

	ctx := context.Background()
	if err := s.Enqueue(ctx, "notify.send", map[string]string{"to": "someone"}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer s.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker pool never picked up the job")
	}
}

func TestStaleProcessingJobsAreRequeuedOnStart(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	// A claim left behind by a crashed process.
	stale := NewJob("storage.upload", json.RawMessage(`{}`))
	stale.Status = JobProcessing
	stale.UpdatedAt = time.Now().Add(-time.Hour)
	if err := store.Save(ctx, stale); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	// A claim still inside its window.
	fresh := NewJob("storage.upload", json.RawMessage(`{}`))
	fresh.Status = JobProcessing
	if err := store.Save(ctx, fresh); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	s := testService(store, config.QueueConfig{Workers: 1, PollEvery: time.Hour})
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer s.Stop()

	got, err := store.FindByID(ctx, stale.ID)
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if got.Status != JobPending {
		t.Errorf("a stranded claim must return to PENDING, got %s", got.Status)
	}

	got, err = store.FindByID(ctx, fresh.ID)
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if got.Status != JobProcessing {
		t.Errorf("a live claim must not be touched, got %s", got.Status)
	}
}
