package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/shared/types"
)

// JobStatus is the lifecycle state of a queued job
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	// Failed jobs stay in the store for inspection and manual replay.
	// Completed jobs are deleted, not retained.
	JobFailed JobStatus = "failed"
)

// Job is one unit of deferred work. Payload is opaque JSON owned by the
// handler registered for the job's type.
type Job struct {
	ID        types.ID        `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Status    JobStatus       `json:"status"`
	Attempts  int             `json:"attempts"`
	NextRunAt time.Time       `json:"next_run_at"`
	LastError string          `json:"last_error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// NewJob creates a pending job due immediately.
func NewJob(jobType string, payload json.RawMessage) *Job {
	now := time.Now()
	return &Job{
		ID:        types.NewID(),
		Type:      jobType,
		Payload:   payload,
		Status:    JobPending,
		NextRunAt: now,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Handler executes one job attempt. A nil return completes the job; an error
// schedules a retry until the attempts run out.
type Handler func(ctx context.Context, payload json.RawMessage) error

// Store persists jobs.
type Store interface {
	Save(ctx context.Context, job *Job) error
	// ClaimDue atomically moves up to limit due pending jobs to PROCESSING
	// and returns them. Two workers never claim the same job.
	ClaimDue(ctx context.Context, limit int, now time.Time) ([]Job, error)
	Update(ctx context.Context, job *Job) error
	// Delete removes a finished job from the store.
	Delete(ctx context.Context, id types.ID) error
	FindByID(ctx context.Context, id types.ID) (*Job, error)
	CountPending(ctx context.Context) (int, error)
	// ReleaseStale returns PROCESSING jobs last touched before the cutoff to
	// PENDING, so work claimed by a crashed worker is not lost.
	ReleaseStale(ctx context.Context, before time.Time) (int, error)
}
