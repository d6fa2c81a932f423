package defense

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/shared/errors"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/shared/types"
)

// DocumentRepository persists defense documents.
type DocumentRepository interface {
	Create(ctx context.Context, d *Document) error
	FindByID(ctx context.Context, id types.ID) (*Document, error)
	FindByLocator(ctx context.Context, locator string) (*Document, error)
	Update(ctx context.Context, d *Document) error
	// MarkNotarized records the ledger id exactly once; a document already
	// carrying one is left untouched and reported via the bool.
	MarkNotarized(ctx context.Context, id types.ID, notarizationID string, at time.Time) (bool, error)
}

// ApprovalRepository persists approvals.
type ApprovalRepository interface {
	CreateSet(ctx context.Context, approvals []Approval) error
	FindByID(ctx context.Context, id types.ID) (*Approval, error)
	FindByDocument(ctx context.Context, documentID types.ID) ([]Approval, error)
	// Resolve persists an approval leaving PENDING. The update is conditional
	// on the stored row still being PENDING, which closes the concurrent
	// double-approval race.
	Resolve(ctx context.Context, a *Approval) error
	// Reset persists an approval returning to PENDING regardless of its
	// stored status.
	Reset(ctx context.Context, a *Approval) error
}

// PostgresDocumentRepository provides database operations for documents
type PostgresDocumentRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresDocumentRepository creates a new document repository
func NewPostgresDocumentRepository(pool *pgxpool.Pool) *PostgresDocumentRepository {
	return &PostgresDocumentRepository{pool: pool}
}

const documentColumns = `
	id, version, file_hash, annex_hash, file_locator, annex_locator,
	student_ids, advisor_id, coordinator_id, defense_date, grade, result,
	status, notarization_id, notarized_at, created_at, updated_at`

// Create saves a new document
func (r *PostgresDocumentRepository) Create(ctx context.Context, d *Document) error {
	query := `
		INSERT INTO notary.documents (
			id, version, file_hash, annex_hash, file_locator, annex_locator,
			student_ids, advisor_id, coordinator_id, defense_date, grade, result,
			status, notarization_id, notarized_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

	_, err := r.pool.Exec(ctx, query,
		d.ID, d.Version, d.FileHash, d.AnnexHash, d.FileLocator, d.AnnexLocator,
		studentIDStrings(d.StudentIDs), d.AdvisorID, d.CoordinatorID, d.DefenseDate, d.Grade, d.Result,
		d.Status, nullable(d.NotarizationID), d.NotarizedAt, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to save document")
	}
	return nil
}

// FindByID finds a document by ID
func (r *PostgresDocumentRepository) FindByID(ctx context.Context, id types.ID) (*Document, error) {
	query := `SELECT ` + documentColumns + ` FROM notary.documents WHERE id = $1`
	return r.queryOne(ctx, query, id)
}

// FindByLocator finds the document referencing a storage locator
func (r *PostgresDocumentRepository) FindByLocator(ctx context.Context, locator string) (*Document, error) {
	query := `SELECT ` + documentColumns + ` FROM notary.documents
		WHERE file_locator = $1 OR annex_locator = $1`
	return r.queryOne(ctx, query, locator)
}

// Update updates a document
func (r *PostgresDocumentRepository) Update(ctx context.Context, d *Document) error {
	query := `
		UPDATE notary.documents SET
			version = $2, file_hash = $3, annex_hash = $4,
			file_locator = $5, annex_locator = $6,
			grade = $7, result = $8, status = $9, updated_at = $10
		WHERE id = $1`

	result, err := r.pool.Exec(ctx, query,
		d.ID, d.Version, d.FileHash, d.AnnexHash,
		d.FileLocator, d.AnnexLocator,
		d.Grade, d.Result, d.Status, time.Now(),
	)
	if err != nil {
		return errors.Wrap(err, "failed to update document")
	}
	if result.RowsAffected() == 0 {
		return errors.NotFound("document", d.ID.String())
	}
	return nil
}

// MarkNotarized records the ledger id; conditional on no prior id.
func (r *PostgresDocumentRepository) MarkNotarized(ctx context.Context, id types.ID, notarizationID string, at time.Time) (bool, error) {
	query := `
		UPDATE notary.documents SET
			notarization_id = $2, notarized_at = $3, status = $4, updated_at = $3
		WHERE id = $1 AND notarization_id IS NULL`

	result, err := r.pool.Exec(ctx, query, id, notarizationID, at, DocumentStatusNotarized)
	if err != nil {
		return false, errors.Wrap(err, "failed to mark document notarized")
	}
	return result.RowsAffected() > 0, nil
}

func (r *PostgresDocumentRepository) queryOne(ctx context.Context, query string, args ...any) (*Document, error) {
	d := &Document{}
	var studentIDs []string
	var notarizationID *string

	err := r.pool.QueryRow(ctx, query, args...).Scan(
		&d.ID, &d.Version, &d.FileHash, &d.AnnexHash, &d.FileLocator, &d.AnnexLocator,
		&studentIDs, &d.AdvisorID, &d.CoordinatorID, &d.DefenseDate, &d.Grade, &d.Result,
		&d.Status, &notarizationID, &d.NotarizedAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("document", "")
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to query document")
	}

	d.StudentIDs = make([]types.ID, len(studentIDs))
	for i, s := range studentIDs {
		d.StudentIDs[i] = types.ID(s)
	}
	if notarizationID != nil {
		d.NotarizationID = *notarizationID
	}
	return d, nil
}

// PostgresApprovalRepository provides database operations for approvals
type PostgresApprovalRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresApprovalRepository creates a new approval repository
func NewPostgresApprovalRepository(pool *pgxpool.Pool) *PostgresApprovalRepository {
	return &PostgresApprovalRepository{pool: pool}
}

const approvalColumns = `
	id, document_id, role, status, approver_id, justification, signature,
	approved_at, created_at, updated_at`

// CreateSet saves a document version's approvals in one transaction
func (r *PostgresApprovalRepository) CreateSet(ctx context.Context, approvals []Approval) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO notary.approvals (
			id, document_id, role, status, approver_id, justification, signature,
			approved_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	for _, a := range approvals {
		_, err := tx.Exec(ctx, query,
			a.ID, a.DocumentID, a.Role, a.Status, a.ApproverID, nullable(a.Justification), nullable(a.Signature),
			a.ApprovedAt, a.CreatedAt, a.UpdatedAt,
		)
		if err != nil {
			return errors.Wrap(err, "failed to save approval")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

// FindByID finds an approval by ID
func (r *PostgresApprovalRepository) FindByID(ctx context.Context, id types.ID) (*Approval, error) {
	query := `SELECT ` + approvalColumns + ` FROM notary.approvals WHERE id = $1`

	a, err := r.scanOne(r.pool.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval", id.String())
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to query approval")
	}
	return a, nil
}

// FindByDocument returns all approvals of a document, oldest first
func (r *PostgresApprovalRepository) FindByDocument(ctx context.Context, documentID types.ID) ([]Approval, error) {
	query := `SELECT ` + approvalColumns + ` FROM notary.approvals
		WHERE document_id = $1 ORDER BY created_at, id`

	rows, err := r.pool.Query(ctx, query, documentID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query approvals")
	}
	defer rows.Close()

	var approvals []Approval
	for rows.Next() {
		a, err := r.scanOne(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan approval")
		}
		approvals = append(approvals, *a)
	}
	return approvals, nil
}

// Resolve persists an approval leaving PENDING, guarded by the stored status.
func (r *PostgresApprovalRepository) Resolve(ctx context.Context, a *Approval) error {
	query := `
		UPDATE notary.approvals SET
			status = $2, approver_id = $3, justification = $4, signature = $5,
			approved_at = $6, updated_at = $7
		WHERE id = $1 AND status = 'PENDING'`

	result, err := r.pool.Exec(ctx, query,
		a.ID, a.Status, a.ApproverID, nullable(a.Justification), nullable(a.Signature),
		a.ApprovedAt, a.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to resolve approval")
	}
	if result.RowsAffected() == 0 {
		return errors.AlreadyProcessed("approval", a.ID.String())
	}
	return nil
}

// Reset persists an approval returning to PENDING.
func (r *PostgresApprovalRepository) Reset(ctx context.Context, a *Approval) error {
	query := `
		UPDATE notary.approvals SET
			status = 'PENDING', approver_id = NULL, justification = NULL,
			signature = NULL, approved_at = NULL, updated_at = $2
		WHERE id = $1`

	result, err := r.pool.Exec(ctx, query, a.ID, a.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, "failed to reset approval")
	}
	if result.RowsAffected() == 0 {
		return errors.NotFound("approval", a.ID.String())
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *PostgresApprovalRepository) scanOne(row rowScanner) (*Approval, error) {
	a := &Approval{}
	var justification, sig *string

	err := row.Scan(
		&a.ID, &a.DocumentID, &a.Role, &a.Status, &a.ApproverID, &justification, &sig,
		&a.ApprovedAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if justification != nil {
		a.Justification = *justification
	}
	if sig != nil {
		a.Signature = *sig
	}
	return a, nil
}

func studentIDStrings(ids []types.ID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
