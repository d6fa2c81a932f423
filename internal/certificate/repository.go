package certificate

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/shared/errors"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/shared/types"
)

// ErrDuplicateActive is returned when a concurrent writer already created an
// ACTIVE record for the same key. The storage-level unique index closes the
// check-then-create race.
var ErrDuplicateActive = errors.Conflict("an active certificate already exists for this key")

// Repository persists certificate records.
type Repository interface {
	Create(ctx context.Context, r *Record) error
	Update(ctx context.Context, r *Record) error
	FindActive(ctx context.Context, key Key) (*Record, error)
	FindActiveByApproval(ctx context.Context, approvalID types.ID) (*Record, error)
	// FindLatestActiveByUser returns the newest ACTIVE record a user holds
	// under any key, or nil when they hold none.
	FindLatestActiveByUser(ctx context.Context, userID types.ID) (*Record, error)
	FindByID(ctx context.Context, id types.ID) (*Record, error)
}

// PostgresRepository provides database operations for certificate records
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new certificate repository
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

const recordColumns = `
	id, user_id, approval_id, enrollment_id, msp_id,
	certificate_pem, private_key_pem, serial_number,
	not_before, not_after, status, revocation_reason, revoked_by, revoked_at,
	created_at, updated_at`

// Create saves a new certificate record
func (r *PostgresRepository) Create(ctx context.Context, rec *Record) error {
	query := `
		INSERT INTO notary.certificates (
			id, user_id, approval_id, enrollment_id, msp_id,
			certificate_pem, private_key_pem, serial_number,
			not_before, not_after, status, revocation_reason, revoked_by, revoked_at,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	_, err := r.pool.Exec(ctx, query,
		rec.ID, rec.UserID, rec.ApprovalID, rec.EnrollmentID, rec.MSPID,
		rec.CertificatePEM, rec.PrivateKeyPEM, rec.SerialNumber,
		rec.NotBefore, rec.NotAfter, rec.Status, rec.RevocationReason, rec.RevokedBy, rec.RevokedAt,
		rec.CreatedAt, rec.UpdatedAt,
	)

	if err != nil {
		if strings.Contains(err.Error(), "uniq_active_certificate") ||
			strings.Contains(err.Error(), "duplicate key") {
			return ErrDuplicateActive
		}
		return errors.Wrap(err, "failed to save certificate record")
	}

	return nil
}

// Update updates a certificate record
func (r *PostgresRepository) Update(ctx context.Context, rec *Record) error {
	query := `
		UPDATE notary.certificates SET
			status = $2, revocation_reason = $3, revoked_by = $4, revoked_at = $5,
			updated_at = $6
		WHERE id = $1`

	result, err := r.pool.Exec(ctx, query,
		rec.ID, rec.Status, rec.RevocationReason, rec.RevokedBy, rec.RevokedAt,
		time.Now(),
	)
	if err != nil {
		return errors.Wrap(err, "failed to update certificate record")
	}
	if result.RowsAffected() == 0 {
		return errors.NotFound("certificate", rec.ID.String())
	}

	return nil
}

// FindActive finds the ACTIVE record for a key, or nil when none exists.
func (r *PostgresRepository) FindActive(ctx context.Context, key Key) (*Record, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM notary.certificates
		WHERE user_id = $1
		  AND approval_id IS NOT DISTINCT FROM $2
		  AND status = 'ACTIVE'`

	return r.queryOne(ctx, query, key.UserID, key.ApprovalID)
}

// FindActiveByApproval finds the ACTIVE record attached to an approval.
func (r *PostgresRepository) FindActiveByApproval(ctx context.Context, approvalID types.ID) (*Record, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM notary.certificates
		WHERE approval_id = $1 AND status = 'ACTIVE'`

	return r.queryOne(ctx, query, approvalID)
}

// FindLatestActiveByUser finds the newest ACTIVE record a user holds.
func (r *PostgresRepository) FindLatestActiveByUser(ctx context.Context, userID types.ID) (*Record, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM notary.certificates
		WHERE user_id = $1 AND status = 'ACTIVE'
		ORDER BY created_at DESC
		LIMIT 1`

	return r.queryOne(ctx, query, userID)
}

// FindByID finds a record by ID
func (r *PostgresRepository) FindByID(ctx context.Context, id types.ID) (*Record, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM notary.certificates
		WHERE id = $1`

	rec, err := r.queryOne(ctx, query, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, errors.NotFound("certificate", id.String())
	}
	return rec, nil
}

func (r *PostgresRepository) queryOne(ctx context.Context, query string, args ...any) (*Record, error) {
	rec := &Record{}
	err := r.pool.QueryRow(ctx, query, args...).Scan(
		&rec.ID, &rec.UserID, &rec.ApprovalID, &rec.EnrollmentID, &rec.MSPID,
		&rec.CertificatePEM, &rec.PrivateKeyPEM, &rec.SerialNumber,
		&rec.NotBefore, &rec.NotAfter, &rec.Status, &rec.RevocationReason, &rec.RevokedBy, &rec.RevokedAt,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to query certificate record")
	}
	return rec, nil
}
