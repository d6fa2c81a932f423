package defense

import (
	"context"
	"encoding/base64"
	"log"
	"time"

	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/org"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/shared/errors"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/shared/events"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/shared/tasks"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/shared/types"
)

// Storage is the off-chain object store the minutes and annex land in.
type Storage interface {
	Put(ctx context.Context, content []byte) (string, error)
	Has(ctx context.Context, locator string) (bool, error)
}

// Enqueuer feeds the resilience queue. EnqueueWait retries the job inline
// and reports failure when the work is still pending after the wait.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload any) error
	EnqueueWait(ctx context.Context, jobType string, payload any) error
}

// Notifier fans out messages to parties with a pending decision.
type Notifier interface {
	NotifyPendingParties(ctx context.Context, doc *Document, approvals []Approval) error
}

// VersionResetter returns a document's approvals to PENDING when a new
// version supersedes the signed one.
type VersionResetter interface {
	ResetForNewVersion(ctx context.Context, documentID, actingUserID types.ID) error
}

// Hasher digests file content into the form stored on documents.
type Hasher func(content []byte) string

// Service orchestrates document intake: storing the files off-chain, creating
// the approval set, and kicking off certificate issuance for every signer.
type Service struct {
	documents DocumentRepository
	approvals ApprovalRepository
	storage   Storage
	queue     Enqueuer
	notifier  Notifier
	resetter  VersionResetter
	runner    *tasks.Runner
	bus       *events.Bus
	hash      Hasher
	now       func() time.Time
}

// ServiceConfig collects the service's collaborators.
type ServiceConfig struct {
	Documents DocumentRepository
	Approvals ApprovalRepository
	Storage   Storage
	Queue     Enqueuer
	Notifier  Notifier
	Resetter  VersionResetter
	Runner    *tasks.Runner
	Bus       *events.Bus
	Hash      Hasher
}

// NewService creates the document service.
func NewService(cfg ServiceConfig) *Service {
	return &Service{
		documents: cfg.Documents,
		approvals: cfg.Approvals,
		storage:   cfg.Storage,
		queue:     cfg.Queue,
		notifier:  cfg.Notifier,
		resetter:  cfg.Resetter,
		runner:    cfg.Runner,
		bus:       cfg.Bus,
		hash:      cfg.Hash,
		now:       time.Now,
	}
}

// CreateRequest carries a new defense record and its two files.
type CreateRequest struct {
	FileContent   []byte
	AnnexContent  []byte
	StudentIDs    []types.ID
	AdvisorID     types.ID
	CoordinatorID types.ID
	DefenseDate   time.Time
	Grade         float64
	Result        Result
}

// Create stores the files, persists the document with its PENDING approval
// set, and enqueues certificate issuance for every signer slot.
func (s *Service) Create(ctx context.Context, req CreateRequest, actingUserID types.ID) (*Document, error) {
	if len(req.FileContent) == 0 || len(req.AnnexContent) == 0 {
		return nil, errors.Validation("both the minutes file and the annex are required", map[string]string{
			"file":  "must not be empty",
			"annex": "must not be empty",
		})
	}
	if !req.Result.Valid() {
		return nil, errors.BadRequest("result must be APPROVED or FAILED")
	}

	fileLocator, err := s.storeFile(ctx, req.FileContent)
	if err != nil {
		return nil, err
	}
	annexLocator, err := s.storeFile(ctx, req.AnnexContent)
	if err != nil {
		return nil, err
	}

	now := s.now()
	doc := &Document{
		ID:            types.NewID(),
		Version:       1,
		FileHash:      s.hash(req.FileContent),
		AnnexHash:     s.hash(req.AnnexContent),
		FileLocator:   fileLocator,
		AnnexLocator:  annexLocator,
		StudentIDs:    req.StudentIDs,
		AdvisorID:     req.AdvisorID,
		CoordinatorID: req.CoordinatorID,
		DefenseDate:   req.DefenseDate,
		Grade:         req.Grade,
		Result:        req.Result,
		Status:        DocumentStatusPendingApproval,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := doc.Validate(); err != nil {
		return nil, errors.BadRequest(err.Error())
	}

	if err := s.documents.Create(ctx, doc); err != nil {
		return nil, err
	}

	set := NewApprovalSet(doc)
	if err := s.approvals.CreateSet(ctx, set); err != nil {
		return nil, err
	}

	s.enqueueCertificates(ctx, doc, set)
	s.publish("document.created", actingUserID, doc)
	s.notifyAsync(doc.ID)

	return doc, nil
}

// NewVersion replaces the document's files and returns every approval to
// PENDING. All signatures over the previous version become void.
func (s *Service) NewVersion(ctx context.Context, documentID, actingUserID types.ID, fileContent, annexContent []byte) (*Document, error) {
	if len(fileContent) == 0 || len(annexContent) == 0 {
		return nil, errors.Validation("both the minutes file and the annex are required", map[string]string{
			"file":  "must not be empty",
			"annex": "must not be empty",
		})
	}

	doc, err := s.documents.FindByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc.Status == DocumentStatusNotarized {
		return nil, errors.Conflict("a notarized document cannot be superseded")
	}

	fileLocator, err := s.storeFile(ctx, fileContent)
	if err != nil {
		return nil, err
	}
	annexLocator, err := s.storeFile(ctx, annexContent)
	if err != nil {
		return nil, err
	}

	doc.Version++
	doc.FileHash = s.hash(fileContent)
	doc.AnnexHash = s.hash(annexContent)
	doc.FileLocator = fileLocator
	doc.AnnexLocator = annexLocator
	doc.UpdatedAt = s.now()

	if err := s.documents.Update(ctx, doc); err != nil {
		return nil, err
	}
	if err := s.resetter.ResetForNewVersion(ctx, doc.ID, actingUserID); err != nil {
		return nil, err
	}

	s.publish("document.version_created", actingUserID, doc)
	s.notifyAsync(doc.ID)

	return doc, nil
}

// storeFile uploads content to the object store. When the store is down the
// upload goes through the queue and is awaited; a document is never persisted
// while its objects are not stored.
func (s *Service) storeFile(ctx context.Context, content []byte) (string, error) {
	locator, err := s.storage.Put(ctx, content)
	if err == nil {
		return locator, nil
	}
	if s.queue == nil || !errors.IsTransient(err) {
		return "", err
	}

	locator = s.hash(content)
	payload := map[string]string{
		"locator": locator,
		"content": base64.StdEncoding.EncodeToString(content),
	}
	if werr := s.queue.EnqueueWait(ctx, "storage.upload", payload); werr != nil {
		return "", werr
	}
	log.Printf("object store recovered, upload of %s landed through the queue", locator)
	return locator, nil
}

// enqueueCertificates schedules identity issuance for every signer slot. The
// coordinator signs with a persistent identity, everyone else per approval.
func (s *Service) enqueueCertificates(ctx context.Context, doc *Document, set []Approval) {
	if s.queue == nil {
		return
	}

	studentIdx := 0
	for _, a := range set {
		payload := map[string]string{"role": string(a.Role)}
		switch a.Role {
		case org.RoleCoordinator:
			// Persistent identity, not bound to one approval.
			payload["user_id"] = doc.CoordinatorID.String()
		case org.RoleAdvisor:
			payload["user_id"] = doc.AdvisorID.String()
			payload["approval_id"] = a.ID.String()
		case org.RoleStudent:
			if studentIdx >= len(doc.StudentIDs) {
				continue
			}
			payload["user_id"] = doc.StudentIDs[studentIdx].String()
			payload["approval_id"] = a.ID.String()
			studentIdx++
		}
		if err := s.queue.Enqueue(ctx, "certificate.generate", payload); err != nil {
			log.Printf("failed to enqueue certificate generation for approval %s: %v", a.ID, err)
		}
	}
}

func (s *Service) notifyAsync(documentID types.ID) {
	if s.runner == nil || s.notifier == nil {
		return
	}
	s.runner.Spawn("notify-pending", func(ctx context.Context) error {
		doc, err := s.documents.FindByID(ctx, documentID)
		if err != nil {
			return err
		}
		set, err := s.approvals.FindByDocument(ctx, documentID)
		if err != nil {
			return err
		}
		return s.notifier.NotifyPendingParties(ctx, doc, set)
	})
}

func (s *Service) publish(eventType string, actor types.ID, doc *Document) {
	if s.bus == nil {
		return
	}
	event := events.NewEvent(eventType, "defense", map[string]any{
		"document_id": doc.ID,
		"version":     doc.Version,
		"status":      doc.Status,
	}).WithActor(actor, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.bus.Publish(ctx, event); err != nil {
		log.Printf("failed to publish %s event: %v", eventType, err)
	}
}
