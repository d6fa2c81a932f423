package approval

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/certificate"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/defense"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/org"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/shared/errors"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/shared/events"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/shared/metrics"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/shared/tasks"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/shared/types"
)

// Signer signs a document hash with a participant's active certificate.
type Signer interface {
	Sign(ctx context.Context, hash string, userID types.ID, approvalID *types.ID) (string, error)
}

// Notarizer anchors a fully-approved document on the ledger.
type Notarizer interface {
	RegisterDocument(ctx context.Context, actingUserID types.ID, documentID types.ID) (string, error)
}

// Notifier fans out messages to parties that still have a pending decision.
type Notifier interface {
	NotifyPendingParties(ctx context.Context, doc *defense.Document, approvals []defense.Approval) error
	NotifyDocumentResolved(ctx context.Context, doc *defense.Document) error
}

// Certificates is the slice of the lifecycle manager the workflow drives on
// version resets.
type Certificates interface {
	Revoke(ctx context.Context, key certificate.Key, role org.Role, reason string, revokedBy types.ID) error
}

// Enqueuer feeds the resilience queue. Certificate generation goes through it
// fire-and-forget.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload any) error
}

// Workflow is the ordered multi-party approval state machine.
type Workflow struct {
	documents defense.DocumentRepository
	approvals defense.ApprovalRepository
	signer    Signer
	notarizer Notarizer
	notifier  Notifier
	certs     Certificates
	queue     Enqueuer
	runner    *tasks.Runner
	bus       *events.Bus
	now       func() time.Time

	// Registration for one document never runs concurrently. The gateway's
	// existing-id check gives idempotence, not mutual exclusion.
	mu    sync.Mutex
	locks map[types.ID]*sync.Mutex
}

// Config collects the workflow's collaborators. Notifier, bus and queue are
// optional; their absence only silences the corresponding side effect.
type Config struct {
	Documents defense.DocumentRepository
	Approvals defense.ApprovalRepository
	Signer    Signer
	Notarizer Notarizer
	Notifier  Notifier
	Certs     Certificates
	Queue     Enqueuer
	Runner    *tasks.Runner
	Bus       *events.Bus
}

// NewWorkflow creates the approval workflow.
func NewWorkflow(cfg Config) *Workflow {
	return &Workflow{
		documents: cfg.Documents,
		approvals: cfg.Approvals,
		signer:    cfg.Signer,
		notarizer: cfg.Notarizer,
		notifier:  cfg.Notifier,
		certs:     cfg.Certs,
		queue:     cfg.Queue,
		runner:    cfg.Runner,
		bus:       cfg.Bus,
		now:       time.Now,
		locks:     make(map[types.ID]*sync.Mutex),
	}
}

// Approve resolves an approval as APPROVED, signing the document's combined
// hash with the acting user's per-approval certificate. A coordinator slot
// only approves after the advisor and every student slot did, unless the
// coordinator and advisor are the same identity, in which case the dormant
// advisor slot is auto-approved on the same signature basis.
func (w *Workflow) Approve(ctx context.Context, approvalID, actingUserID types.ID) (*defense.Approval, error) {
	a, err := w.approvals.FindByID(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if a.Status != defense.ApprovalPending {
		return nil, errors.AlreadyProcessed("approval", a.ID.String())
	}

	doc, err := w.documents.FindByID(ctx, a.DocumentID)
	if err != nil {
		return nil, err
	}
	set, err := w.approvals.FindByDocument(ctx, doc.ID)
	if err != nil {
		return nil, err
	}

	if err := w.authorize(doc, set, a, actingUserID); err != nil {
		return nil, err
	}

	sameIdentity := doc.CoordinatorID == doc.AdvisorID

	if a.Role == org.RoleCoordinator {
		if err := w.checkCoordinatorOrder(set, sameIdentity); err != nil {
			return nil, err
		}
	}

	// The coordinator signs with their persistent identity; everyone else
	// with the certificate issued for this approval.
	var certApprovalID *types.ID
	if a.Role != org.RoleCoordinator {
		certApprovalID = &a.ID
	}
	sig, err := w.signer.Sign(ctx, doc.CombinedHash(), actingUserID, certApprovalID)
	if err != nil {
		return nil, err
	}

	now := w.now()
	if err := a.Approve(actingUserID, sig, now); err != nil {
		return nil, err
	}
	if err := w.approvals.Resolve(ctx, a); err != nil {
		return nil, err
	}
	metrics.RecordApprovalResolved(string(a.Role), "approved")
	w.publish("approval.approved", actingUserID, a)

	// One human, one signature: approving as coordinator while also being
	// the advisor flips the dormant advisor slot on the same basis.
	if a.Role == org.RoleCoordinator && sameIdentity {
		for i := range set {
			dormant := &set[i]
			if dormant.Role != org.RoleAdvisor || dormant.Status != defense.ApprovalPending {
				continue
			}
			if err := dormant.Approve(actingUserID, sig, now); err != nil {
				continue
			}
			if err := w.approvals.Resolve(ctx, dormant); err != nil {
				log.Printf("failed to auto-approve advisor slot %s: %v", dormant.ID, err)
				continue
			}
			metrics.RecordApprovalResolved(string(org.RoleAdvisor), "approved")
			w.publish("approval.approved", actingUserID, dormant)
		}
	}

	// Only the resolution that completed the set pushes to the ledger.
	w.afterResolution(doc.ID, actingUserID, setComplete(doc, set, a))
	return a, nil
}

// Reject resolves an approval as REJECTED. Justification is mandatory, and a
// coordinator slot can never be rejected by its own holder.
func (w *Workflow) Reject(ctx context.Context, approvalID, actingUserID types.ID, justification string) (*defense.Approval, error) {
	a, err := w.approvals.FindByID(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if a.Status != defense.ApprovalPending {
		return nil, errors.AlreadyProcessed("approval", a.ID.String())
	}

	doc, err := w.documents.FindByID(ctx, a.DocumentID)
	if err != nil {
		return nil, err
	}
	set, err := w.approvals.FindByDocument(ctx, doc.ID)
	if err != nil {
		return nil, err
	}

	if a.Role == org.RoleCoordinator && actingUserID == doc.CoordinatorID {
		return nil, errors.Forbidden("a coordinator cannot reject their own approval")
	}
	if err := w.authorize(doc, set, a, actingUserID); err != nil {
		return nil, err
	}

	if err := a.Reject(actingUserID, justification, w.now()); err != nil {
		return nil, err
	}
	if err := w.approvals.Resolve(ctx, a); err != nil {
		return nil, err
	}

	doc.Status = defense.DocumentStatusRejected
	if err := w.documents.Update(ctx, doc); err != nil {
		log.Printf("failed to mark document %s rejected: %v", doc.ID, err)
	}

	metrics.RecordApprovalResolved(string(a.Role), "rejected")
	w.publish("approval.rejected", actingUserID, a)
	w.afterResolution(doc.ID, actingUserID, false)
	return a, nil
}

// OverrideRejection resets a REJECTED approval back to PENDING. Only the
// document's coordinator may override, never for their own rejection.
func (w *Workflow) OverrideRejection(ctx context.Context, approvalID, actingUserID types.ID, reason string) (*defense.Approval, error) {
	a, err := w.approvals.FindByID(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if a.Status != defense.ApprovalRejected {
		return nil, errors.Conflict("only a rejected approval can be overridden")
	}

	doc, err := w.documents.FindByID(ctx, a.DocumentID)
	if err != nil {
		return nil, err
	}

	if actingUserID != doc.CoordinatorID {
		return nil, errors.Forbidden("only the coordinator can override a rejection")
	}
	if a.Role == org.RoleCoordinator {
		return nil, errors.Forbidden("a coordinator cannot override their own rejection")
	}

	a.ResetToPending(w.now())
	if err := w.approvals.Reset(ctx, a); err != nil {
		return nil, err
	}

	if doc.Status == defense.DocumentStatusRejected {
		doc.Status = defense.DocumentStatusPendingApproval
		if err := w.documents.Update(ctx, doc); err != nil {
			log.Printf("failed to reopen document %s: %v", doc.ID, err)
		}
	}

	w.publish("approval.reset", actingUserID, a)
	log.Printf("rejection on approval %s overridden by coordinator %s: %s", a.ID, actingUserID, reason)
	return a, nil
}

// ResetForNewVersion returns every approval of a document to PENDING when a
// new document version supersedes the signed one. Each signer's per-approval
// certificate is revoked and regeneration is enqueued; the coordinator's
// persistent identity is left alone.
func (w *Workflow) ResetForNewVersion(ctx context.Context, documentID, actingUserID types.ID) error {
	doc, err := w.documents.FindByID(ctx, documentID)
	if err != nil {
		return err
	}
	set, err := w.approvals.FindByDocument(ctx, documentID)
	if err != nil {
		return err
	}

	now := w.now()
	for i := range set {
		a := &set[i]
		signer := a.ApproverID

		a.ResetToPending(now)
		if err := w.approvals.Reset(ctx, a); err != nil {
			return err
		}
		w.publish("approval.reset", actingUserID, a)

		if signer == nil || a.Role == org.RoleCoordinator {
			// The coordinator's persistent identity survives version resets.
			continue
		}
		key := certificate.Key{UserID: *signer, ApprovalID: &a.ID}
		if err := w.certs.Revoke(ctx, key, a.Role, "document version superseded", actingUserID); err != nil {
			log.Printf("failed to revoke certificate for approval %s: %v", a.ID, err)
		}
		if w.queue != nil {
			payload := map[string]string{
				"user_id":     signer.String(),
				"approval_id": a.ID.String(),
				"role":        string(a.Role),
			}
			if err := w.queue.Enqueue(ctx, "certificate.generate", payload); err != nil {
				log.Printf("failed to enqueue certificate regeneration for approval %s: %v", a.ID, err)
			}
		}
	}

	doc.Status = defense.DocumentStatusPendingApproval
	if err := w.documents.Update(ctx, doc); err != nil {
		return err
	}
	return nil
}

// authorize checks the acting user owns the approval's role slot.
func (w *Workflow) authorize(doc *defense.Document, set []defense.Approval, a *defense.Approval, acting types.ID) error {
	switch a.Role {
	case org.RoleCoordinator:
		if acting != doc.CoordinatorID {
			return errors.Forbidden("only the coordinator can act on this approval")
		}
	case org.RoleAdvisor:
		if acting != doc.AdvisorID {
			return errors.Forbidden("only the advisor can act on this approval")
		}
	case org.RoleStudent:
		if !containsID(doc.StudentIDs, acting) {
			return errors.Forbidden("only an enrolled student can act on this approval")
		}
		// One decision per student across the document's student slots.
		for _, other := range set {
			if other.ID != a.ID && other.Role == org.RoleStudent &&
				other.ApproverID != nil && *other.ApproverID == acting {
				return errors.Forbidden("student has already acted on this document")
			}
		}
	default:
		return fmt.Errorf("unknown approval role %q", a.Role)
	}
	return nil
}

// checkCoordinatorOrder enforces that the coordinator signs last.
func (w *Workflow) checkCoordinatorOrder(set []defense.Approval, sameIdentity bool) error {
	for _, other := range set {
		switch other.Role {
		case org.RoleAdvisor:
			if sameIdentity {
				// Advisor approval is implicitly satisfied by the
				// coordinator's own signature.
				continue
			}
			if other.Status != defense.ApprovalApproved {
				return errors.Forbidden("advisor approval is still unresolved")
			}
		case org.RoleStudent:
			if other.Status != defense.ApprovalApproved {
				return errors.Forbidden("student approvals are still unresolved")
			}
		}
	}
	return nil
}

// setComplete reports whether every slot is APPROVED once resolved is
// accounted for; the in-memory set still holds resolved's pre-resolution
// status. Dormant slots flipped by the duality rule are already mutated in
// place.
func setComplete(doc *defense.Document, set []defense.Approval, resolved *defense.Approval) bool {
	if resolved.Status != defense.ApprovalApproved || len(set) != doc.ExpectedApprovals() {
		return false
	}
	for _, other := range set {
		if other.ID != resolved.ID && other.Status != defense.ApprovalApproved {
			return false
		}
	}
	return true
}

// afterResolution runs the detached best-effort follow-ups of a resolution:
// ledger registration when this resolution completed the set, and the
// notification fan-out. Failures are logged, never surfaced to the acting
// user.
func (w *Workflow) afterResolution(documentID, actingUserID types.ID, complete bool) {
	if w.runner == nil {
		return
	}

	if complete {
		w.runner.Spawn("notarize-document", func(ctx context.Context) error {
			return w.notarizeIfComplete(ctx, documentID, actingUserID)
		})
	}

	w.runner.Spawn("notify-pending", func(ctx context.Context) error {
		if w.notifier == nil {
			return nil
		}
		doc, err := w.documents.FindByID(ctx, documentID)
		if err != nil {
			return err
		}
		set, err := w.approvals.FindByDocument(ctx, documentID)
		if err != nil {
			return err
		}
		return w.notifier.NotifyPendingParties(ctx, doc, set)
	})
}

func (w *Workflow) notarizeIfComplete(ctx context.Context, documentID, actingUserID types.ID) error {
	lock := w.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	doc, err := w.documents.FindByID(ctx, documentID)
	if err != nil {
		return err
	}
	if doc.NotarizationID != "" {
		return nil
	}
	set, err := w.approvals.FindByDocument(ctx, documentID)
	if err != nil {
		return err
	}

	if len(set) != doc.ExpectedApprovals() || !defense.FullyApproved(set) {
		return nil
	}

	if _, err := w.notarizer.RegisterDocument(ctx, actingUserID, documentID); err != nil {
		return fmt.Errorf("notarization of document %s failed: %w", documentID, err)
	}

	if w.notifier != nil {
		doc, err = w.documents.FindByID(ctx, documentID)
		if err == nil {
			if nerr := w.notifier.NotifyDocumentResolved(ctx, doc); nerr != nil {
				log.Printf("completion notice for document %s failed: %v", documentID, nerr)
			}
		}
	}
	return nil
}

// documentLock returns the mutex serializing ledger registration for one
// document. Locks live for the process lifetime.
func (w *Workflow) documentLock(id types.ID) *sync.Mutex {
	w.mu.Lock()
	defer w.mu.Unlock()
	lock, ok := w.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		w.locks[id] = lock
	}
	return lock
}

func (w *Workflow) publish(eventType string, actor types.ID, a *defense.Approval) {
	if w.bus == nil {
		return
	}
	event := events.NewEvent(eventType, "approval", map[string]any{
		"approval_id": a.ID,
		"document_id": a.DocumentID,
		"role":        a.Role,
		"status":      a.Status,
	}).WithActor(actor, string(a.Role))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.bus.Publish(ctx, event); err != nil {
		log.Printf("failed to publish %s event: %v", eventType, err)
	}
}

func containsID(ids []types.ID, id types.ID) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
