package certificate

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/ca"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/org"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/shared/events"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/shared/metrics"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/shared/types"
)

// Authority is the slice of the CA client the lifecycle manager depends on.
type Authority interface {
	Register(ctx context.Context, enrollmentID, role string) (string, error)
	Enroll(ctx context.Context, enrollmentID, secret string) (*ca.Identity, error)
	Revoke(ctx context.Context, enrollmentID, reason string) error
	Organization() org.Organization
}

// AuthorityResolver resolves the authority owning a role's trust domain.
type AuthorityResolver func(role org.Role) (Authority, error)

// Manager drives the certificate lifecycle: issuance on first signing need,
// lazy expiry on read, best-effort revocation on approval resolution.
type Manager struct {
	repo    Repository
	resolve AuthorityResolver
	bus     *events.Bus
	now     func() time.Time
}

// NewManager creates a lifecycle manager.
func NewManager(repo Repository, resolve AuthorityResolver) *Manager {
	return &Manager{
		repo:    repo,
		resolve: resolve,
		now:     time.Now,
	}
}

// WithBus attaches an event bus. Lifecycle events are published best-effort.
func (m *Manager) WithBus(bus *events.Bus) *Manager {
	m.bus = bus
	return m
}

// GenerateRequest asks for an identity for one participant. ApprovalID is nil
// for the coordinator's persistent identity.
type GenerateRequest struct {
	UserID     types.ID
	Email      string
	Role       org.Role
	ApprovalID *types.ID
}

// Generate issues an identity for the request's key. It is idempotent: an
// existing ACTIVE record makes it a no-op. An "already registered" answer from
// the authority is retried exactly once under a collision-suffixed identifier.
func (m *Manager) Generate(ctx context.Context, req GenerateRequest) (*Record, error) {
	key := Key{UserID: req.UserID, ApprovalID: req.ApprovalID}

	existing, err := m.GetActive(ctx, key)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	authority, err := m.resolve(req.Role)
	if err != nil {
		return nil, err
	}
	orgName := authority.Organization().Name

	enrollmentID := EnrollmentID(req.Email, orgName)
	identity, err := m.registerAndEnroll(ctx, authority, enrollmentID, req.Role)
	if err != nil {
		return nil, err
	}

	now := m.now()
	rec := &Record{
		ID:             types.NewID(),
		UserID:         req.UserID,
		ApprovalID:     req.ApprovalID,
		EnrollmentID:   identity.EnrollmentID,
		MSPID:          identity.MSPID,
		CertificatePEM: identity.CertificatePEM,
		PrivateKeyPEM:  identity.PrivateKeyPEM,
		SerialNumber:   identity.SerialNumber,
		NotBefore:      identity.NotBefore,
		NotAfter:       identity.NotAfter,
		Status:         StatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := m.repo.Create(ctx, rec); err != nil {
		if errors.Is(err, ErrDuplicateActive) {
			// A concurrent Generate won the race; its record is the active one.
			return m.GetActive(ctx, key)
		}
		return nil, err
	}

	metrics.RecordCertificateIssued(orgName)
	m.publish("certificate.issued", rec)
	return rec, nil
}

func (m *Manager) registerAndEnroll(ctx context.Context, authority Authority, enrollmentID string, role org.Role) (*ca.Identity, error) {
	secret, err := authority.Register(ctx, enrollmentID, string(role))
	if errors.Is(err, ca.ErrAlreadyRegistered) {
		enrollmentID = CollisionSuffixed(enrollmentID, m.now())
		secret, err = authority.Register(ctx, enrollmentID, string(role))
	}
	if err != nil {
		return nil, err
	}

	return authority.Enroll(ctx, enrollmentID, secret)
}

// GetActive returns the ACTIVE record for a key, or nil when none exists. A
// record past its validity window is lazily marked EXPIRED and treated as
// absent.
func (m *Manager) GetActive(ctx context.Context, key Key) (*Record, error) {
	rec, err := m.repo.FindActive(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}

	if rec.Expired(m.now()) {
		rec.Status = StatusExpired
		if err := m.repo.Update(ctx, rec); err != nil {
			log.Printf("failed to mark certificate %s expired: %v", rec.ID, err)
		}
		return nil, nil
	}

	return rec, nil
}

// GetActiveByApproval returns the ACTIVE record attached to an approval, with
// the same lazy-expiry semantics as GetActive.
func (m *Manager) GetActiveByApproval(ctx context.Context, approvalID types.ID) (*Record, error) {
	rec, err := m.repo.FindActiveByApproval(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}

	if rec.Expired(m.now()) {
		rec.Status = StatusExpired
		if err := m.repo.Update(ctx, rec); err != nil {
			log.Printf("failed to mark certificate %s expired: %v", rec.ID, err)
		}
		return nil, nil
	}

	return rec, nil
}

// ActiveForUser returns the newest ACTIVE record a user holds under any key,
// with the same lazy-expiry semantics as GetActive. The ledger channel uses
// it as the acting identity's transport certificate.
func (m *Manager) ActiveForUser(ctx context.Context, userID types.ID) (*Record, error) {
	rec, err := m.repo.FindLatestActiveByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}

	if rec.Expired(m.now()) {
		rec.Status = StatusExpired
		if err := m.repo.Update(ctx, rec); err != nil {
			log.Printf("failed to mark certificate %s expired: %v", rec.ID, err)
		}
		return nil, nil
	}

	return rec, nil
}

// Revoke revokes the ACTIVE record for a key. Revocation is best-effort
// cleanup: a missing record is a warning, never an error, and an unreachable
// authority does not block marking the record revoked locally.
func (m *Manager) Revoke(ctx context.Context, key Key, role org.Role, reason string, revokedBy types.ID) error {
	rec, err := m.repo.FindActive(ctx, key)
	if err != nil {
		return err
	}
	if rec == nil {
		log.Printf("revoke requested for key %s but no active certificate exists", key)
		return nil
	}

	authority, rerr := m.resolve(role)
	if rerr == nil {
		if rerr = authority.Revoke(ctx, rec.EnrollmentID, reason); rerr != nil {
			log.Printf("authority revocation for %s failed: %v", rec.EnrollmentID, rerr)
		}
	}

	now := m.now()
	rec.Status = StatusRevoked
	rec.RevocationReason = reason
	rec.RevokedBy = revokedBy
	rec.RevokedAt = &now
	if err := m.repo.Update(ctx, rec); err != nil {
		return err
	}

	if authority != nil {
		metrics.RecordCertificateRevoked(authority.Organization().Name)
	}
	m.publish("certificate.revoked", rec)
	return nil
}

func (m *Manager) publish(eventType string, rec *Record) {
	if m.bus == nil {
		return
	}
	event := events.NewEvent(eventType, "certificate", map[string]any{
		"certificate_id": rec.ID,
		"user_id":        rec.UserID,
		"approval_id":    rec.ApprovalID,
		"enrollment_id":  rec.EnrollmentID,
		"status":         rec.Status,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.bus.Publish(ctx, event); err != nil {
		log.Printf("failed to publish %s event: %v", eventType, err)
	}
}
