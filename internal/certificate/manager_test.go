package certificate

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/ca"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/org"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/shared/types"
)

// --- Fakes ---

type fakeRepository struct {
	records map[string]*Record
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{records: make(map[string]*Record)}
}

func (r *fakeRepository) Create(ctx context.Context, rec *Record) error {
	key := Key{UserID: rec.UserID, ApprovalID: rec.ApprovalID}
	for _, existing := range r.records {
		if existing.Status == StatusActive &&
			(Key{UserID: existing.UserID, ApprovalID: existing.ApprovalID}).String() == key.String() {
			return ErrDuplicateActive
		}
	}
	copied := *rec
	r.records[rec.ID.String()] = &copied
	return nil
}

func (r *fakeRepository) Update(ctx context.Context, rec *Record) error {
	copied := *rec
	r.records[rec.ID.String()] = &copied
	return nil
}

func (r *fakeRepository) FindActive(ctx context.Context, key Key) (*Record, error) {
	for _, rec := range r.records {
		if rec.Status == StatusActive &&
			(Key{UserID: rec.UserID, ApprovalID: rec.ApprovalID}).String() == key.String() {
			copied := *rec
			return &copied, nil
		}
	}
	return nil, nil
}

func (r *fakeRepository) FindActiveByApproval(ctx context.Context, approvalID types.ID) (*Record, error) {
	for _, rec := range r.records {
		if rec.Status == StatusActive && rec.ApprovalID != nil && *rec.ApprovalID == approvalID {
			copied := *rec
			return &copied, nil
		}
	}
	return nil, nil
}

func (r *fakeRepository) FindLatestActiveByUser(ctx context.Context, userID types.ID) (*Record, error) {
	var latest *Record
	for _, rec := range r.records {
		if rec.Status != StatusActive || rec.UserID != userID {
			continue
		}
		if latest == nil || rec.CreatedAt.After(latest.CreatedAt) {
			latest = rec
		}
	}
	if latest == nil {
		return nil, nil
	}
	copied := *latest
	return &copied, nil
}

func (r *fakeRepository) FindByID(ctx context.Context, id types.ID) (*Record, error) {
	rec, ok := r.records[id.String()]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	copied := *rec
	return &copied, nil
}

type fakeAuthority struct {
	org        org.Organization
	registered map[string]bool
	revoked    []string
	enrolls    int
}

func newFakeAuthority() *fakeAuthority {
	return &fakeAuthority{
		org:        org.Organization{Name: "aluno", MSPID: "AlunoMSP"},
		registered: make(map[string]bool),
	}
}

func (a *fakeAuthority) Register(ctx context.Context, enrollmentID, role string) (string, error) {
	if a.registered[enrollmentID] {
		return "", ca.ErrAlreadyRegistered
	}
	a.registered[enrollmentID] = true
	return "secret-" + enrollmentID, nil
}

func (a *fakeAuthority) Enroll(ctx context.Context, enrollmentID, secret string) (*ca.Identity, error) {
	a.enrolls++
	return &ca.Identity{
		EnrollmentID:   enrollmentID,
		CertificatePEM: "cert-pem",
		PrivateKeyPEM:  "key-pem",
		MSPID:          a.org.MSPID,
		SerialNumber:   fmt.Sprintf("serial-%d", a.enrolls),
		NotBefore:      time.Now(),
		NotAfter:       time.Now().Add(24 * time.Hour),
	}, nil
}

func (a *fakeAuthority) Revoke(ctx context.Context, enrollmentID, reason string) error {
	a.revoked = append(a.revoked, enrollmentID)
	return nil
}

func (a *fakeAuthority) Organization() org.Organization {
	return a.org
}

func newTestManager(repo Repository, authority Authority) *Manager {
	return NewManager(repo, func(role org.Role) (Authority, error) {
		return authority, nil
	})
}

// --- Tests ---

func TestGenerateIssuesCertificate(t *testing.T) {
	repo := newFakeRepository()
	authority := newFakeAuthority()
	m := newTestManager(repo, authority)

	approvalID := types.NewID()
	req := GenerateRequest{
		UserID:     types.NewID(),
		Email:      "maria@univ.example",
		Role:       org.RoleStudent,
		ApprovalID: &approvalID,
	}

	rec, err := m.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if rec.Status != StatusActive {
		t.Errorf("expected ACTIVE record, got %s", rec.Status)
	}
	if rec.EnrollmentID != "maria-univ-example-aluno" {
		t.Errorf("unexpected enrollment id %q", rec.EnrollmentID)
	}
	if rec.MSPID != "AlunoMSP" {
		t.Errorf("unexpected MSP id %q", rec.MSPID)
	}
}

func TestGenerateIsIdempotent(t *testing.T) {
	repo := newFakeRepository()
	authority := newFakeAuthority()
	m := newTestManager(repo, authority)

	req := GenerateRequest{
		UserID: types.NewID(),
		Email:  "maria@univ.example",
		Role:   org.RoleStudent,
	}

	first, err := m.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("first generate failed: %v", err)
	}
	second, err := m.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("second generate failed: %v", err)
	}

	if first.ID != second.ID {
		t.Error("second generate must return the existing record")
	}
	if authority.enrolls != 1 {
		t.Errorf("expected a single enrollment, got %d", authority.enrolls)
	}
}

func TestGenerateRetriesCollisionOnce(t *testing.T) {
	repo := newFakeRepository()
	authority := newFakeAuthority()
	m := newTestManager(repo, authority)

	// Someone else holds the plain enrollment id at the authority.
	authority.registered["maria-univ-example-aluno"] = true

	rec, err := m.Generate(context.Background(), GenerateRequest{
		UserID: types.NewID(),
		Email:  "maria@univ.example",
		Role:   org.RoleStudent,
	})
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}

	if rec.EnrollmentID == "maria-univ-example-aluno" {
		t.Error("expected a collision-suffixed enrollment id")
	}
	if len(rec.EnrollmentID) > 64 {
		t.Errorf("enrollment id exceeds limit: %d chars", len(rec.EnrollmentID))
	}
}

func TestGetActiveMarksExpiredLazily(t *testing.T) {
	repo := newFakeRepository()
	authority := newFakeAuthority()
	m := newTestManager(repo, authority)

	userID := types.NewID()
	rec := &Record{
		ID:        types.NewID(),
		UserID:    userID,
		Status:    StatusActive,
		NotBefore: time.Now().Add(-48 * time.Hour),
		NotAfter:  time.Now().Add(-24 * time.Hour),
	}
	if err := repo.Create(context.Background(), rec); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	got, err := m.GetActive(context.Background(), Key{UserID: userID})
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got != nil {
		t.Error("expired record must be treated as absent")
	}

	stored, err := repo.FindByID(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if stored.Status != StatusExpired {
		t.Errorf("expected lazy EXPIRED marking, got %s", stored.Status)
	}
}

func TestActiveForUserPicksNewestRecord(t *testing.T) {
	repo := newFakeRepository()
	authority := newFakeAuthority()
	m := newTestManager(repo, authority)

	userID := types.NewID()
	approvalA := types.NewID()
	approvalB := types.NewID()
	older := &Record{
		ID:         types.NewID(),
		UserID:     userID,
		ApprovalID: &approvalA,
		Status:     StatusActive,
		NotBefore:  time.Now().Add(-time.Hour),
		NotAfter:   time.Now().Add(24 * time.Hour),
		CreatedAt:  time.Now().Add(-time.Hour),
	}
	newer := &Record{
		ID:           types.NewID(),
		UserID:       userID,
		ApprovalID:   &approvalB,
		SerialNumber: "serial-newer",
		Status:       StatusActive,
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(24 * time.Hour),
		CreatedAt:    time.Now(),
	}
	for _, rec := range []*Record{older, newer} {
		if err := repo.Create(context.Background(), rec); err != nil {
			t.Fatalf("seed failed: %v", err)
		}
	}

	got, err := m.ActiveForUser(context.Background(), userID)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if got == nil || got.SerialNumber != "serial-newer" {
		t.Errorf("expected the newest active record, got %+v", got)
	}
}

func TestActiveForUserExpiresLazily(t *testing.T) {
	repo := newFakeRepository()
	authority := newFakeAuthority()
	m := newTestManager(repo, authority)

	userID := types.NewID()
	rec := &Record{
		ID:        types.NewID(),
		UserID:    userID,
		Status:    StatusActive,
		NotBefore: time.Now().Add(-48 * time.Hour),
		NotAfter:  time.Now().Add(-24 * time.Hour),
		CreatedAt: time.Now().Add(-48 * time.Hour),
	}
	if err := repo.Create(context.Background(), rec); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	got, err := m.ActiveForUser(context.Background(), userID)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if got != nil {
		t.Error("an expired record is no transport identity")
	}

	stored, err := repo.FindByID(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if stored.Status != StatusExpired {
		t.Errorf("expected lazy EXPIRED marking, got %s", stored.Status)
	}
}

func TestRevokeIsNoOpWithoutActiveRecord(t *testing.T) {
	repo := newFakeRepository()
	authority := newFakeAuthority()
	m := newTestManager(repo, authority)

	err := m.Revoke(context.Background(), Key{UserID: types.NewID()}, org.RoleStudent, "reset", types.NewID())
	if err != nil {
		t.Fatalf("revoke of absent record must not error: %v", err)
	}
	if len(authority.revoked) != 0 {
		t.Error("authority must not be called without a record")
	}
}

func TestRevokeMarksRecordRevoked(t *testing.T) {
	repo := newFakeRepository()
	authority := newFakeAuthority()
	m := newTestManager(repo, authority)

	userID := types.NewID()
	rec, err := m.Generate(context.Background(), GenerateRequest{
		UserID: userID,
		Email:  "maria@univ.example",
		Role:   org.RoleStudent,
	})
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}

	revoker := types.NewID()
	if err := m.Revoke(context.Background(), Key{UserID: userID}, org.RoleStudent, "new version", revoker); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}

	stored, err := repo.FindByID(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if stored.Status != StatusRevoked {
		t.Errorf("expected REVOKED, got %s", stored.Status)
	}
	if stored.RevocationReason != "new version" || stored.RevokedBy != revoker {
		t.Error("revocation details not recorded")
	}
	if len(authority.revoked) != 1 {
		t.Errorf("expected one authority revocation, got %d", len(authority.revoked))
	}
}
