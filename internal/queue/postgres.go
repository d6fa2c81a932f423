package queue

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/shared/errors"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/shared/types"
)

// PostgresStore provides database operations for queue jobs
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new job store
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const jobColumns = `
	id, type, payload, status, attempts, next_run_at, last_error,
	created_at, updated_at`

// Save saves a new job
func (s *PostgresStore) Save(ctx context.Context, job *Job) error {
	query := `
		INSERT INTO notary.queue_jobs (
			id, type, payload, status, attempts, next_run_at, last_error,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := s.pool.Exec(ctx, query,
		job.ID, job.Type, job.Payload, job.Status, job.Attempts, job.NextRunAt,
		nullable(job.LastError), job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to save job")
	}
	return nil
}

// ClaimDue claims due pending jobs using SKIP LOCKED so concurrent workers
// never double-process.
func (s *PostgresStore) ClaimDue(ctx context.Context, limit int, now time.Time) ([]Job, error) {
	query := `
		UPDATE notary.queue_jobs SET status = 'processing', updated_at = $2
		WHERE id IN (
			SELECT id FROM notary.queue_jobs
			WHERE status = 'pending' AND next_run_at <= $2
			ORDER BY next_run_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	rows, err := s.pool.Query(ctx, query, limit, now)
	if err != nil {
		return nil, errors.Wrap(err, "failed to claim jobs")
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, *job)
	}
	return jobs, nil
}

// Update updates a job
func (s *PostgresStore) Update(ctx context.Context, job *Job) error {
	query := `
		UPDATE notary.queue_jobs SET
			status = $2, attempts = $3, next_run_at = $4, last_error = $5,
			updated_at = $6
		WHERE id = $1`

	result, err := s.pool.Exec(ctx, query,
		job.ID, job.Status, job.Attempts, job.NextRunAt, nullable(job.LastError),
		job.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update job")
	}
	if result.RowsAffected() == 0 {
		return errors.NotFound("job", job.ID.String())
	}
	return nil
}

// Delete removes a job
func (s *PostgresStore) Delete(ctx context.Context, id types.ID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM notary.queue_jobs WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, "failed to delete job")
	}
	return nil
}

// FindByID finds a job by ID
func (s *PostgresStore) FindByID(ctx context.Context, id types.ID) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM notary.queue_jobs WHERE id = $1`

	job, err := scanJob(s.pool.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("job", id.String())
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to query job")
	}
	return job, nil
}

// CountPending counts jobs awaiting execution
func (s *PostgresStore) CountPending(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM notary.queue_jobs WHERE status IN ('pending', 'processing')`,
	).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count pending jobs")
	}
	return count, nil
}

// ReleaseStale requeues jobs stuck in 'processing' since before the cutoff.
func (s *PostgresStore) ReleaseStale(ctx context.Context, before time.Time) (int, error) {
	result, err := s.pool.Exec(ctx,
		`UPDATE notary.queue_jobs SET status = 'pending', updated_at = now()
		 WHERE status = 'processing' AND updated_at < $1`,
		before,
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to release stale jobs")
	}
	return int(result.RowsAffected()), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	job := &Job{}
	var lastError *string

	err := row.Scan(
		&job.ID, &job.Type, &job.Payload, &job.Status, &job.Attempts,
		&job.NextRunAt, &lastError, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if lastError != nil {
		job.LastError = *lastError
	}
	return job, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
