package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/certificate"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/defense"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/org"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/shared/config"
	apperrors "github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/shared/errors"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/shared/types"
)

// --- Fakes ---

type stubDocuments struct {
	mu   sync.Mutex
	docs map[types.ID]*defense.Document
}

func newStubDocuments() *stubDocuments {
	return &stubDocuments{docs: make(map[types.ID]*defense.Document)}
}

func (s *stubDocuments) Create(ctx context.Context, d *defense.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *d
	s.docs[d.ID] = &copied
	return nil
}

func (s *stubDocuments) FindByID(ctx context.Context, id types.ID) (*defense.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok {
		return nil, apperrors.NotFound("document", id.String())
	}
	copied := *d
	return &copied, nil
}

func (s *stubDocuments) FindByLocator(ctx context.Context, locator string) (*defense.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.docs {
		if d.FileLocator == locator || d.AnnexLocator == locator {
			copied := *d
			return &copied, nil
		}
	}
	return nil, apperrors.NotFound("document", locator)
}

func (s *stubDocuments) Update(ctx context.Context, d *defense.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *d
	s.docs[d.ID] = &copied
	return nil
}

func (s *stubDocuments) MarkNotarized(ctx context.Context, id types.ID, notarizationID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok {
		return false, apperrors.NotFound("document", id.String())
	}
	if d.NotarizationID != "" {
		return false, nil
	}
	d.NotarizationID = notarizationID
	d.NotarizedAt = &at
	d.Status = defense.DocumentStatusNotarized
	return true, nil
}

type stubApprovals struct {
	set []defense.Approval
}

func (s *stubApprovals) CreateSet(ctx context.Context, approvals []defense.Approval) error {
	s.set = append(s.set, approvals...)
	return nil
}

func (s *stubApprovals) FindByID(ctx context.Context, id types.ID) (*defense.Approval, error) {
	for i := range s.set {
		if s.set[i].ID == id {
			copied := s.set[i]
			return &copied, nil
		}
	}
	return nil, apperrors.NotFound("approval", id.String())
}

func (s *stubApprovals) FindByDocument(ctx context.Context, documentID types.ID) ([]defense.Approval, error) {
	var out []defense.Approval
	for _, a := range s.set {
		if a.DocumentID == documentID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *stubApprovals) Resolve(ctx context.Context, a *defense.Approval) error { return nil }
func (s *stubApprovals) Reset(ctx context.Context, a *defense.Approval) error   { return nil }

type stubCerts struct {
	byUser      map[types.ID]*certificate.Record
	byApproval  map[types.ID]*certificate.Record
	noTransport bool
}

func newStubCerts() *stubCerts {
	return &stubCerts{
		byUser:     make(map[types.ID]*certificate.Record),
		byApproval: make(map[types.ID]*certificate.Record),
	}
}

func (s *stubCerts) GetActive(ctx context.Context, key certificate.Key) (*certificate.Record, error) {
	rec, ok := s.byUser[key.UserID]
	if !ok {
		return nil, apperrors.DependencyMissing("no active certificate for user " + key.UserID.String())
	}
	return rec, nil
}

func (s *stubCerts) GetActiveByApproval(ctx context.Context, approvalID types.ID) (*certificate.Record, error) {
	rec, ok := s.byApproval[approvalID]
	if !ok {
		return nil, apperrors.DependencyMissing("no active certificate for approval " + approvalID.String())
	}
	return rec, nil
}

func (s *stubCerts) ActiveForUser(ctx context.Context, userID types.ID) (*certificate.Record, error) {
	if s.noTransport {
		return nil, nil
	}
	if rec, ok := s.byUser[userID]; ok {
		return rec, nil
	}
	for _, rec := range s.byApproval {
		if rec.UserID == userID {
			return rec, nil
		}
	}
	return nil, nil
}

// --- Peer test double ---

type peerCall struct {
	Path    string
	Request invokeRequest
}

type fakePeer struct {
	mu      sync.Mutex
	calls   []peerCall
	respond func(path string, req invokeRequest) (int, invokeResponse)
	server  *httptest.Server
}

func newFakePeer(t *testing.T, respond func(path string, req invokeRequest) (int, invokeResponse)) *fakePeer {
	t.Helper()
	p := &fakePeer{respond: respond}
	p.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req invokeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		p.mu.Lock()
		p.calls = append(p.calls, peerCall{Path: r.URL.Path, Request: req})
		p.mu.Unlock()

		status, resp := p.respond(r.URL.Path, req)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(p.server.Close)
	return p
}

func (p *fakePeer) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *fakePeer) lastCall(t *testing.T) peerCall {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.calls) == 0 {
		t.Fatal("no peer calls recorded")
	}
	return p.calls[len(p.calls)-1]
}

func registryFor(peerURL string) *org.Registry {
	one := config.OrgConfig{
		PeerURL:   peerURL,
		Channel:   "defesas",
		Chaincode: "documento",
	}
	return org.NewRegistry(config.OrgsConfig{
		Coordination: one,
		Advisory:     one,
		Student:      one,
	})
}

// --- Fixture ---

type gatewayFixture struct {
	gateway   *Gateway
	docs      *stubDocuments
	approvals *stubApprovals
	certs     *stubCerts
	peer      *fakePeer

	doc           *defense.Document
	coordinatorID types.ID
	advisorID     types.ID
	studentID     types.ID
}

func newGatewayFixture(t *testing.T, respond func(path string, req invokeRequest) (int, invokeResponse)) *gatewayFixture {
	t.Helper()

	f := &gatewayFixture{
		docs:      newStubDocuments(),
		approvals: &stubApprovals{},
		certs:     newStubCerts(),
		peer:      newFakePeer(t, respond),
	}

	f.coordinatorID = types.NewID()
	f.advisorID = types.NewID()
	f.studentID = types.NewID()

	f.doc = &defense.Document{
		ID:            types.NewID(),
		Version:       1,
		FileHash:      "aaa111",
		AnnexHash:     "bbb222",
		FileLocator:   "loc-minutes-1",
		AnnexLocator:  "loc-annex-1",
		StudentIDs:    []types.ID{f.studentID},
		AdvisorID:     f.advisorID,
		CoordinatorID: f.coordinatorID,
		DefenseDate:   time.Now(),
		Grade:         8.5,
		Result:        defense.ResultApproved,
		Status:        defense.DocumentStatusApproved,
	}
	f.docs.Create(context.Background(), f.doc)

	f.gateway = NewGateway(registryFor(f.peer.server.URL), f.docs, f.approvals, f.certs)
	return f
}

// approveAll resolves every slot with a signature and issues the matching
// certificate records.
func (f *gatewayFixture) approveAll(t *testing.T) {
	t.Helper()
	now := time.Now()
	set := defense.NewApprovalSet(f.doc)
	for i := range set {
		a := &set[i]
		var approver types.ID
		switch a.Role {
		case org.RoleCoordinator:
			approver = f.coordinatorID
		case org.RoleAdvisor:
			approver = f.advisorID
		case org.RoleStudent:
			approver = f.studentID
		}
		if err := a.Approve(approver, "sig-"+approver.String(), now); err != nil {
			t.Fatalf("seed approve failed: %v", err)
		}

		var mspID string
		switch a.Role {
		case org.RoleCoordinator:
			mspID = "CoordenacaoMSP"
		case org.RoleAdvisor:
			mspID = "OrientadorMSP"
		case org.RoleStudent:
			mspID = "AlunoMSP"
		}
		rec := &certificate.Record{
			ID:             types.NewID(),
			UserID:         approver,
			EnrollmentID:   "enroll-" + approver.String(),
			MSPID:          mspID,
			SerialNumber:   "serial-" + a.ID.String(),
			CertificatePEM: "",
			Status:         certificate.StatusActive,
		}
		if a.Role == org.RoleCoordinator {
			f.certs.byUser[approver] = rec
		} else {
			f.certs.byApproval[a.ID] = rec
		}
	}
	f.approvals.CreateSet(context.Background(), set)
}

func okRegister(path string, req invokeRequest) (int, invokeResponse) {
	return http.StatusOK, invokeResponse{TransactionID: "tx-abc"}
}

// --- Tests ---

func TestRegisterDocument(t *testing.T) {
	f := newGatewayFixture(t, okRegister)
	f.approveAll(t)
	ctx := context.Background()

	txID, err := f.gateway.RegisterDocument(ctx, f.coordinatorID, f.doc.ID)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if txID != "tx-abc" {
		t.Errorf("expected tx-abc, got %s", txID)
	}

	call := f.peer.lastCall(t)
	if call.Path != "/api/v1/transactions" {
		t.Errorf("writes must go through the transaction endpoint, got %s", call.Path)
	}
	if call.Request.Function != "RegisterDocument" {
		t.Errorf("expected RegisterDocument, got %s", call.Request.Function)
	}
	if call.Request.MSPID != "CoordenacaoMSP" {
		t.Errorf("writes must route through the coordination org, got %s", call.Request.MSPID)
	}

	var record Record
	if err := json.Unmarshal([]byte(call.Request.Args[1]), &record); err != nil {
		t.Fatalf("record payload must be valid JSON: %v", err)
	}
	if record.FileHash != f.doc.FileHash || record.AnnexHash != f.doc.AnnexHash {
		t.Error("record must carry both document hashes")
	}
	if record.FileLocator != f.doc.FileLocator || record.AnnexLocator != f.doc.AnnexLocator {
		t.Error("record must carry both storage locators")
	}
	if len(record.Signatures) != 3 {
		t.Errorf("expected 3 signature entries, got %d", len(record.Signatures))
	}
	for _, entry := range record.Signatures {
		if entry.MSPID == "" {
			t.Errorf("%s signature must name its trust domain", entry.Role)
		}
		if entry.EnrollmentID == "" {
			t.Errorf("%s signature must name the signer's enrollment", entry.Role)
		}
		if entry.Status != defense.ApprovalApproved {
			t.Errorf("%s signature must carry the resolution, got %s", entry.Role, entry.Status)
		}
		if entry.ApprovedAt == nil {
			t.Errorf("%s signature must carry the resolution time", entry.Role)
		}
	}

	doc, _ := f.docs.FindByID(ctx, f.doc.ID)
	if doc.NotarizationID != "tx-abc" {
		t.Errorf("document must record the notarization id, got %q", doc.NotarizationID)
	}
	if doc.Status != defense.DocumentStatusNotarized {
		t.Errorf("document must be notarized, got %s", doc.Status)
	}
}

func TestRegisterDocumentIsIdempotent(t *testing.T) {
	f := newGatewayFixture(t, okRegister)
	f.approveAll(t)
	ctx := context.Background()

	first, err := f.gateway.RegisterDocument(ctx, f.coordinatorID, f.doc.ID)
	if err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	second, err := f.gateway.RegisterDocument(ctx, f.coordinatorID, f.doc.ID)
	if err != nil {
		t.Fatalf("second register failed: %v", err)
	}
	if first != second {
		t.Errorf("repeated registration must return the same id: %s vs %s", first, second)
	}
	if f.peer.callCount() != 1 {
		t.Errorf("expected a single peer call, got %d", f.peer.callCount())
	}
}

func TestRegisterDocumentRequiresFullApproval(t *testing.T) {
	f := newGatewayFixture(t, okRegister)
	// Seed the slots but resolve none of them.
	f.approvals.CreateSet(context.Background(), defense.NewApprovalSet(f.doc))

	_, err := f.gateway.RegisterDocument(context.Background(), f.coordinatorID, f.doc.ID)
	if err == nil {
		t.Fatal("register must refuse a partially approved document")
	}
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) || appErr.Code != "CONFLICT" {
		t.Errorf("expected CONFLICT, got %v", err)
	}
	if f.peer.callCount() != 0 {
		t.Error("no peer call may happen before the approval check")
	}
}

func TestRegisterDocumentPreconditions(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(d *defense.Document)
		wantCode string
	}{
		{"missing file hash", func(d *defense.Document) { d.FileHash = "" }, "DEPENDENCY_MISSING"},
		{"missing annex locator", func(d *defense.Document) { d.AnnexLocator = "" }, "DEPENDENCY_MISSING"},
		{"missing grade", func(d *defense.Document) { d.Grade = 0 }, "DEPENDENCY_MISSING"},
		{"no students", func(d *defense.Document) { d.StudentIDs = nil }, "CONFLICT"},
		{"non-terminal result", func(d *defense.Document) { d.Result = "IN_REVIEW" }, "CONFLICT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newGatewayFixture(t, okRegister)
			f.approveAll(t)
			tt.mutate(f.doc)
			f.docs.Update(context.Background(), f.doc)

			_, err := f.gateway.RegisterDocument(context.Background(), f.coordinatorID, f.doc.ID)
			var appErr *apperrors.AppError
			if !errors.As(err, &appErr) || appErr.Code != tt.wantCode {
				t.Errorf("expected %s, got %v", tt.wantCode, err)
			}
			if f.peer.callCount() != 0 {
				t.Error("an incomplete document must be refused before any peer call")
			}
		})
	}
}

func TestRegisterDocumentMissingTransportCertificate(t *testing.T) {
	f := newGatewayFixture(t, okRegister)
	f.approveAll(t)
	// The signing certificates exist, but no identity is left to open the
	// channel with.
	f.certs.noTransport = true

	_, err := f.gateway.RegisterDocument(context.Background(), f.coordinatorID, f.doc.ID)
	if !errors.Is(err, apperrors.ErrDependencyMissing) {
		t.Errorf("expected dependency-missing error, got %v", err)
	}
	if f.peer.callCount() != 0 {
		t.Error("no peer call may happen without a transport certificate")
	}
}

func TestRegisterDocumentMissingCertificate(t *testing.T) {
	f := newGatewayFixture(t, okRegister)
	f.approveAll(t)
	// Drop the student's per-approval certificate.
	for id := range f.certs.byApproval {
		delete(f.certs.byApproval, id)
		break
	}

	_, err := f.gateway.RegisterDocument(context.Background(), f.coordinatorID, f.doc.ID)
	if !errors.Is(err, apperrors.ErrDependencyMissing) {
		t.Errorf("expected dependency-missing error, got %v", err)
	}
	if f.peer.callCount() != 0 {
		t.Error("no peer call may happen without a complete signature set")
	}
}

func TestRegisterDocumentPeerOutage(t *testing.T) {
	f := newGatewayFixture(t, func(path string, req invokeRequest) (int, invokeResponse) {
		return http.StatusInternalServerError, invokeResponse{Error: "peer down"}
	})
	f.approveAll(t)

	_, err := f.gateway.RegisterDocument(context.Background(), f.coordinatorID, f.doc.ID)
	if !errors.Is(err, apperrors.ErrUnavailable) {
		t.Errorf("a peer outage must surface as unavailable, got %v", err)
	}

	doc, _ := f.docs.FindByID(context.Background(), f.doc.ID)
	if doc.NotarizationID != "" {
		t.Error("a failed registration must not mark the document notarized")
	}
}

func TestVerifyDocumentByLocator(t *testing.T) {
	var f *gatewayFixture
	respond := func(path string, req invokeRequest) (int, invokeResponse) {
		stored := Record{
			DocumentID:  f.doc.ID,
			Version:     1,
			FileHash:    f.doc.FileHash,
			AnnexHash:   f.doc.AnnexHash,
			FileLocator: f.doc.FileLocator,
			Result:      defense.ResultApproved,
			Signatures: []SignatureEntry{
				{Role: org.RoleCoordinator, ApproverID: f.coordinatorID, MSPID: "CoordenacaoMSP", Signature: "sig"},
			},
		}
		payload, _ := json.Marshal(stored)
		return http.StatusOK, invokeResponse{TransactionID: "tx-xyz", Payload: payload}
	}
	f = newGatewayFixture(t, respond)
	f.approveAll(t)

	v, err := f.gateway.VerifyDocument(context.Background(), f.studentID, org.RoleStudent, f.doc.FileLocator)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if !v.Found {
		t.Fatal("document must be found")
	}
	if !v.HashMatches {
		t.Error("matching hashes must be reported")
	}
	if !v.SignaturesOK {
		t.Error("signature set must be reported valid")
	}
	if v.NotarizationID != "tx-xyz" {
		t.Errorf("expected tx-xyz, got %s", v.NotarizationID)
	}

	call := f.peer.lastCall(t)
	if call.Path != "/api/v1/queries" {
		t.Errorf("reads must go through the query endpoint, got %s", call.Path)
	}
	if call.Request.Function != "GetDocument" {
		t.Errorf("expected GetDocument, got %s", call.Request.Function)
	}
	if len(call.Request.Args) != 1 || call.Request.Args[0] != f.doc.FileLocator {
		t.Errorf("the query must be keyed by the storage locator, got %v", call.Request.Args)
	}
	if call.Request.MSPID != "AlunoMSP" {
		t.Errorf("a student read must route through the student org, got %s", call.Request.MSPID)
	}
}

func TestVerifyDocumentHashMismatch(t *testing.T) {
	var f *gatewayFixture
	respond := func(path string, req invokeRequest) (int, invokeResponse) {
		// The ledger remembers different hashes than the stored document
		// carries now.
		stored := Record{FileHash: "ccc333", AnnexHash: "ddd444"}
		payload, _ := json.Marshal(stored)
		return http.StatusOK, invokeResponse{TransactionID: "tx-xyz", Payload: payload}
	}
	f = newGatewayFixture(t, respond)
	f.approveAll(t)

	v, err := f.gateway.VerifyDocument(context.Background(), f.advisorID, org.RoleAdvisor, f.doc.AnnexLocator)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if !v.Found {
		t.Fatal("document must be found")
	}
	if v.HashMatches {
		t.Error("a tampered hash must be reported as mismatch")
	}
}

func TestVerifyDocumentNotOnLedger(t *testing.T) {
	f := newGatewayFixture(t, func(path string, req invokeRequest) (int, invokeResponse) {
		return http.StatusOK, invokeResponse{Error: "document not found"}
	})
	f.approveAll(t)

	v, err := f.gateway.VerifyDocument(context.Background(), f.coordinatorID, org.RoleCoordinator, f.doc.FileLocator)
	if err != nil {
		t.Fatalf("an unanchored document is a clean miss, not an error: %v", err)
	}
	if v.Found {
		t.Error("an unanchored document must report Found=false")
	}
}

func TestVerifyDocumentUnknownLocator(t *testing.T) {
	f := newGatewayFixture(t, okRegister)
	f.approveAll(t)

	_, err := f.gateway.VerifyDocument(context.Background(), f.coordinatorID, org.RoleCoordinator, "no-such-locator")
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("an unknown locator must report not found, got %v", err)
	}
	if f.peer.callCount() != 0 {
		t.Error("no peer call may happen for an unknown locator")
	}
}
