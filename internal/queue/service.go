package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/shared/config"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/shared/errors"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/shared/metrics"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/shared/types"
)

// ErrStillProcessing is returned by EnqueueWait when the first attempt did
// not finish inside the caller's patience window. The job keeps retrying in
// the background.
var ErrStillProcessing = errors.Unavailable("request accepted, still processing", nil)

// Service runs the resilience queue: a polling worker pool that retries
// failed jobs with exponential backoff and retains exhausted ones for
// inspection.
type Service struct {
	store  Store
	config config.QueueConfig

	mu       sync.RWMutex
	handlers map[string]Handler

	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	now func() time.Time
}

// NewService creates a queue service.
func NewService(store Store, cfg config.QueueConfig) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 2 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 10 * time.Second
	}

	return &Service{
		store:    store,
		config:   cfg,
		handlers: make(map[string]Handler),
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
}

// Register binds a handler to a job type. Jobs of an unregistered type fail
// permanently on their first attempt.
func (s *Service) Register(jobType string, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[jobType] = handler
}

// staleAfter is how long a PROCESSING claim holds before another boot may
// reclaim the job. Attempts run well inside this window.
const staleAfter = 5 * time.Minute

// Start requeues jobs a previous process claimed but never finished, then
// launches the worker pool.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("queue already started")
	}
	s.started = true
	s.mu.Unlock()

	if released, err := s.store.ReleaseStale(ctx, s.now().Add(-staleAfter)); err != nil {
		log.Printf("failed to release stale queue jobs: %v", err)
	} else if released > 0 {
		log.Printf("requeued %d jobs stranded by a previous run", released)
	}

	for i := 0; i < s.config.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}

	return nil
}

// Stop drains the worker pool. In-flight attempts finish; claimed but
// unstarted jobs are requeued once their claim goes stale on a later boot.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
}

// Enqueue persists a job and returns immediately. Execution happens in the
// worker pool; the caller never learns the outcome.
func (s *Service) Enqueue(ctx context.Context, jobType string, payload any) error {
	job, err := s.persist(ctx, jobType, payload)
	if err != nil {
		return err
	}
	metrics.RecordQueueJob(job.Type, "enqueued")
	return nil
}

// EnqueueWait persists a job, runs the first attempt inline, and reports its
// outcome. A failed first attempt leaves the job queued for background
// retries and surfaces ErrStillProcessing.
func (s *Service) EnqueueWait(ctx context.Context, jobType string, payload any) error {
	job, err := s.persist(ctx, jobType, payload)
	if err != nil {
		return err
	}
	metrics.RecordQueueJob(job.Type, "enqueued")

	// Claim our own job so a concurrently polling worker cannot race us.
	job.Status = JobProcessing
	job.UpdatedAt = s.now()
	if err := s.store.Update(ctx, job); err != nil {
		return err
	}

	if s.attempt(ctx, job) {
		return nil
	}
	return ErrStillProcessing
}

// Status reports a job's current state. Completed jobs are discarded and
// come back as not found.
func (s *Service) Status(ctx context.Context, id types.ID) (*Job, error) {
	return s.store.FindByID(ctx, id)
}

func (s *Service) persist(ctx context.Context, jobType string, payload any) (*Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job payload: %w", err)
	}

	job := NewJob(jobType, raw)
	if err := s.store.Save(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *Service) worker(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *Service) poll(ctx context.Context) {
	jobs, err := s.store.ClaimDue(ctx, 10, s.now())
	if err != nil {
		log.Printf("queue poll failed: %v", err)
		return
	}

	for i := range jobs {
		s.attempt(ctx, &jobs[i])
	}

	if count, err := s.store.CountPending(ctx); err == nil {
		metrics.RecordQueueDepth(count)
	}
}

// attempt runs one execution of a claimed job and persists the outcome.
// Returns true when the job completed.
func (s *Service) attempt(ctx context.Context, job *Job) bool {
	s.mu.RLock()
	handler, ok := s.handlers[job.Type]
	s.mu.RUnlock()

	job.Attempts++
	now := s.now()
	job.UpdatedAt = now

	if !ok {
		job.Status = JobFailed
		job.LastError = fmt.Sprintf("no handler registered for type %q", job.Type)
		s.finish(ctx, job, "failed")
		return false
	}

	err := handler(ctx, job.Payload)
	if err == nil {
		// Completed jobs carry no information worth keeping.
		if derr := s.store.Delete(ctx, job.ID); derr != nil {
			log.Printf("failed to discard completed job %s: %v", job.ID, derr)
		}
		metrics.RecordQueueJob(job.Type, "completed")
		return true
	}

	job.LastError = err.Error()
	if job.Attempts >= s.config.MaxAttempts {
		job.Status = JobFailed
		s.finish(ctx, job, "failed")
		log.Printf("job %s (%s) exhausted %d attempts: %v", job.ID, job.Type, job.Attempts, err)
		return false
	}

	job.Status = JobPending
	job.NextRunAt = now.Add(s.backoff(job.Attempts))
	s.finish(ctx, job, "retried")
	return false
}

func (s *Service) finish(ctx context.Context, job *Job, outcome string) {
	if err := s.store.Update(ctx, job); err != nil {
		log.Printf("failed to persist job %s state: %v", job.ID, err)
		return
	}
	metrics.RecordQueueJob(job.Type, outcome)
}

// backoff doubles per attempt: base, 2x, 4x, ...
func (s *Service) backoff(attempts int) time.Duration {
	d := s.config.BaseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
	}
	return d
}
