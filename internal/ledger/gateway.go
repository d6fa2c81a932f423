package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/certificate"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/defense"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/org"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/shared/errors"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/shared/events"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/shared/metrics"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/shared/types"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/signature"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/tsa"
)

// SignatureEntry is one party's signature inside the notarized record: the
// signer, the trust domain that issued their certificate, and the resolution
// it seals.
type SignatureEntry struct {
	Role         org.Role               `json:"role"`
	ApproverID   types.ID               `json:"approver_id"`
	EnrollmentID string                 `json:"enrollment_id,omitempty"`
	MSPID        string                 `json:"msp_id"`
	Signature    string                 `json:"signature"`
	SerialNumber string                 `json:"serial_number,omitempty"`
	Certificate  string                 `json:"certificate,omitempty"`
	Status       defense.ApprovalStatus `json:"status"`
	ApprovedAt   *time.Time             `json:"approved_at,omitempty"`
}

// Record is the document state anchored on the ledger.
type Record struct {
	DocumentID   types.ID         `json:"document_id"`
	Version      int              `json:"version"`
	FileHash     string           `json:"file_hash"`
	AnnexHash    string           `json:"annex_hash"`
	FileLocator  string           `json:"file_locator"`
	AnnexLocator string           `json:"annex_locator"`
	StudentIDs   []types.ID       `json:"student_ids"`
	AdvisorID    types.ID         `json:"advisor_id"`
	DefenseDate  time.Time        `json:"defense_date"`
	Grade        float64          `json:"grade"`
	Result       defense.Result   `json:"result"`
	Signatures   []SignatureEntry `json:"signatures"`
	RegisteredAt time.Time        `json:"registered_at"`

	// RFC 3161 token over the combined hash, when a timestamp authority is
	// configured.
	Timestamp       []byte `json:"timestamp,omitempty"`
	TimestampIssuer string `json:"timestamp_issuer,omitempty"`
}

// Verification is the outcome of checking a document against the ledger.
type Verification struct {
	Found          bool    `json:"found"`
	HashMatches    bool    `json:"hash_matches"`
	SignaturesOK   bool    `json:"signatures_ok"`
	NotarizationID string  `json:"notarization_id,omitempty"`
	Record         *Record `json:"record,omitempty"`
}

// Certificates is the slice of the lifecycle manager the gateway reads
// signer certificates from.
type Certificates interface {
	GetActive(ctx context.Context, key certificate.Key) (*certificate.Record, error)
	GetActiveByApproval(ctx context.Context, approvalID types.ID) (*certificate.Record, error)
	// ActiveForUser resolves the transport identity a channel authenticates
	// with, regardless of which approval the certificate was issued for.
	ActiveForUser(ctx context.Context, userID types.ID) (*certificate.Record, error)
}

// Gateway anchors fully-approved documents on the ledger and answers
// verification queries. Writes always route through the coordination
// organization; reads go through the acting role's own trust domain.
// Stamper issues RFC 3161 tokens over document hashes.
type Stamper interface {
	StampHash(ctx context.Context, hashHex string) (*tsa.Token, error)
}

type Gateway struct {
	orgs      *org.Registry
	documents defense.DocumentRepository
	approvals defense.ApprovalRepository
	certs     Certificates
	stamper   Stamper
	bus       *events.Bus
	now       func() time.Time

	// channelFor is swappable in tests.
	channelFor func(o org.Organization, id Identity) *Channel
}

// NewGateway creates the notarization gateway.
func NewGateway(orgs *org.Registry, documents defense.DocumentRepository, approvals defense.ApprovalRepository, certs Certificates) *Gateway {
	return &Gateway{
		orgs:       orgs,
		documents:  documents,
		approvals:  approvals,
		certs:      certs,
		now:        time.Now,
		channelFor: NewChannel,
	}
}

// WithStamper attaches a timestamp authority. Stamping is best-effort; a
// failed stamp never blocks registration.
func (g *Gateway) WithStamper(s Stamper) *Gateway {
	g.stamper = s
	return g
}

// WithBus attaches an event bus. Notarization events are published best-effort.
func (g *Gateway) WithBus(bus *events.Bus) *Gateway {
	g.bus = bus
	return g
}

// RegisterDocument anchors a fully-approved document on the ledger and
// records the resulting notarization id. A document already carrying one is
// returned as-is; registration never happens twice per version.
func (g *Gateway) RegisterDocument(ctx context.Context, actingUserID, documentID types.ID) (string, error) {
	doc, err := g.documents.FindByID(ctx, documentID)
	if err != nil {
		return "", err
	}

	if doc.NotarizationID != "" {
		return doc.NotarizationID, nil
	}

	if err := registrationPreconditions(doc); err != nil {
		return "", err
	}

	set, err := g.approvals.FindByDocument(ctx, documentID)
	if err != nil {
		return "", err
	}
	if len(set) != doc.ExpectedApprovals() || !defense.FullyApproved(set) {
		return "", errors.Conflict("document is not fully approved")
	}

	entries, err := g.buildSignatures(ctx, doc, set)
	if err != nil {
		return "", err
	}

	// Writes authenticate as the coordinator; their trust domain holds
	// write authority and their identity is persistent.
	transport, err := g.transportIdentity(ctx, doc.CoordinatorID)
	if err != nil {
		return "", err
	}

	record := Record{
		DocumentID:   doc.ID,
		Version:      doc.Version,
		FileHash:     doc.FileHash,
		AnnexHash:    doc.AnnexHash,
		FileLocator:  doc.FileLocator,
		AnnexLocator: doc.AnnexLocator,
		StudentIDs:   doc.StudentIDs,
		AdvisorID:    doc.AdvisorID,
		DefenseDate:  doc.DefenseDate,
		Grade:        doc.Grade,
		Result:       doc.Result,
		Signatures:   entries,
		RegisteredAt: g.now(),
	}

	if g.stamper != nil {
		digest := sha256.Sum256([]byte(doc.CombinedHash()))
		token, terr := g.stamper.StampHash(ctx, hex.EncodeToString(digest[:]))
		if terr != nil {
			log.Printf("timestamping for document %s failed: %v", doc.ID, terr)
		} else {
			record.Timestamp = token.Token
			record.TimestampIssuer = token.Issuer
		}
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("failed to marshal ledger record: %w", err)
	}

	coordination := g.orgs.Coordination()
	channel := g.channelFor(coordination, transport)

	start := time.Now()
	txID, err := channel.Submit(ctx, "RegisterDocument", []string{doc.ID.String(), string(payload)}, nil)
	metrics.RecordLedgerTransaction("register", coordination.Name, ledgerStatus(err), time.Since(start))
	if err != nil {
		return "", err
	}

	marked, err := g.documents.MarkNotarized(ctx, doc.ID, txID, g.now())
	if err != nil {
		return "", err
	}
	if !marked {
		// A concurrent registration won; its id is authoritative.
		doc, err = g.documents.FindByID(ctx, documentID)
		if err != nil {
			return "", err
		}
		return doc.NotarizationID, nil
	}

	metrics.RecordDocumentNotarized()
	g.publish(doc, txID, actingUserID)
	log.Printf("document %s notarized as %s by %s", doc.ID, txID, actingUserID)
	return txID, nil
}

func (g *Gateway) publish(doc *defense.Document, txID string, actor types.ID) {
	if g.bus == nil {
		return
	}
	event := events.NewEvent("document.notarized", "ledger", map[string]any{
		"document_id":     doc.ID,
		"version":         doc.Version,
		"notarization_id": txID,
	}).WithActor(actor, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.bus.Publish(ctx, event); err != nil {
		log.Printf("failed to publish document.notarized event: %v", err)
	}
}

// VerifyDocument resolves the stored document behind a storage locator and
// checks its hashes and signatures against the ledger, reading through the
// acting role's organization with the acting user's certificate.
func (g *Gateway) VerifyDocument(ctx context.Context, actingUserID types.ID, actingRole org.Role, locator string) (*Verification, error) {
	doc, err := g.documents.FindByLocator(ctx, locator)
	if err != nil {
		return nil, err
	}

	o, err := g.orgs.ForRole(actingRole)
	if err != nil {
		return nil, err
	}
	transport, err := g.transportIdentity(ctx, actingUserID)
	if err != nil {
		return nil, err
	}
	channel := g.channelFor(o, transport)

	var record Record
	start := time.Now()
	txID, err := channel.Evaluate(ctx, "GetDocument", []string{locator}, &record)
	metrics.RecordLedgerTransaction("verify", o.Name, ledgerStatus(err), time.Since(start))
	if err != nil {
		if appErr, ok := err.(*errors.AppError); ok && appErr.Code == "CONFLICT" {
			// Chaincode reports an unknown key as a business error.
			return &Verification{Found: false}, nil
		}
		return nil, err
	}

	v := &Verification{
		Found:          true,
		NotarizationID: txID,
		Record:         &record,
	}
	v.HashMatches = record.FileHash == doc.FileHash && record.AnnexHash == doc.AnnexHash

	combined := signature.CombinedHash(record.FileHash, record.AnnexHash)
	v.SignaturesOK = len(record.Signatures) > 0
	for _, entry := range record.Signatures {
		if entry.Certificate == "" {
			continue
		}
		ok, verr := signature.VerifyWithCertificate(combined, entry.Signature, entry.Certificate)
		if verr != nil || !ok {
			v.SignaturesOK = false
			break
		}
	}

	return v, nil
}

// registrationPreconditions rejects documents the chaincode would refuse
// anyway, before any peer traffic happens.
func registrationPreconditions(doc *defense.Document) error {
	switch {
	case doc.FileHash == "" || doc.AnnexHash == "":
		return errors.DependencyMissing("document hashes are required for registration")
	case doc.FileLocator == "" || doc.AnnexLocator == "":
		return errors.DependencyMissing("document storage locators are required for registration")
	case doc.Grade == 0:
		return errors.DependencyMissing("defense grade is required for registration")
	case len(doc.StudentIDs) == 0:
		return errors.Conflict("document has no enrolled students")
	case !doc.Result.Valid():
		return errors.Conflict("defense result is not terminal")
	}
	return nil
}

// transportIdentity resolves the client certificate a channel call
// authenticates with.
func (g *Gateway) transportIdentity(ctx context.Context, userID types.ID) (Identity, error) {
	rec, err := g.certs.ActiveForUser(ctx, userID)
	if err != nil {
		return Identity{}, err
	}
	if rec == nil {
		return Identity{}, errors.DependencyMissing(
			fmt.Sprintf("no active certificate for user %s to authenticate the channel with", userID))
	}
	return Identity{CertificatePEM: rec.CertificatePEM, PrivateKeyPEM: rec.PrivateKeyPEM}, nil
}

// buildSignatures collects each approval's signature with its signer's
// certificate. When coordinator and advisor are the same identity, the
// advisor slot was approved on the coordinator's signature basis and shares
// their certificate.
func (g *Gateway) buildSignatures(ctx context.Context, doc *defense.Document, set []defense.Approval) ([]SignatureEntry, error) {
	sameIdentity := doc.CoordinatorID == doc.AdvisorID

	entries := make([]SignatureEntry, 0, len(set))
	for _, a := range set {
		if a.ApproverID == nil || a.Signature == "" {
			return nil, errors.DependencyMissing(
				fmt.Sprintf("approval %s is approved but carries no signature", a.ID))
		}

		entry := SignatureEntry{
			Role:       a.Role,
			ApproverID: *a.ApproverID,
			Signature:  a.Signature,
			Status:     a.Status,
			ApprovedAt: a.ApprovedAt,
		}

		var rec *certificate.Record
		var err error
		switch {
		case a.Role == org.RoleCoordinator:
			// The coordinator signs with their persistent identity.
			rec, err = g.certs.GetActive(ctx, certificate.Key{UserID: *a.ApproverID})
		case a.Role == org.RoleAdvisor && sameIdentity:
			// The dormant advisor slot carries the coordinator's signature
			// and has no certificate of its own.
			rec, err = g.certs.GetActive(ctx, certificate.Key{UserID: *a.ApproverID})
		default:
			rec, err = g.certs.GetActiveByApproval(ctx, a.ID)
		}
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, errors.DependencyMissing(
				fmt.Sprintf("no active certificate for approval %s", a.ID))
		}

		entry.EnrollmentID = rec.EnrollmentID
		entry.MSPID = rec.MSPID
		entry.SerialNumber = rec.SerialNumber
		entry.Certificate = rec.CertificatePEM
		entries = append(entries, entry)
	}

	return entries, nil
}

func ledgerStatus(err error) string {
	if err == nil {
		return "success"
	}
	return "failure"
}
