package defense

import (
	"fmt"
	"strings"
	"time"

	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/org"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/shared/errors"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/shared/types"
)

// Result is the terminal outcome of a thesis defense
type Result string

const (
	ResultApproved Result = "APPROVED"
	ResultFailed   Result = "FAILED"
)

// Valid reports whether r is a terminal outcome.
func (r Result) Valid() bool {
	return r == ResultApproved || r == ResultFailed
}

// DocumentStatus is the workflow state of a defense document
type DocumentStatus string

const (
	DocumentStatusPendingApproval DocumentStatus = "pending_approval"
	DocumentStatusApproved        DocumentStatus = "approved"
	DocumentStatusRejected        DocumentStatus = "rejected"
	DocumentStatusNotarized       DocumentStatus = "notarized"
)

// Document is one version of a thesis-defense record: the minutes file and
// its annex, the participants, and the outcome. A new version supersedes the
// previous one and resets every approval.
type Document struct {
	ID            types.ID       `json:"id"`
	Version       int            `json:"version"`
	FileHash      string         `json:"file_hash"`
	AnnexHash     string         `json:"annex_hash"`
	FileLocator   string         `json:"file_locator"`
	AnnexLocator  string         `json:"annex_locator"`
	StudentIDs    []types.ID     `json:"student_ids"`
	AdvisorID     types.ID       `json:"advisor_id"`
	CoordinatorID types.ID       `json:"coordinator_id"`
	DefenseDate   time.Time      `json:"defense_date"`
	Grade         float64        `json:"grade"`
	Result        Result         `json:"result"`
	Status        DocumentStatus `json:"status"`

	// Set exactly once per version when the ledger accepts the record.
	NotarizationID string     `json:"notarization_id,omitempty"`
	NotarizedAt    *time.Time `json:"notarized_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ApprovalStatus is the state of one role-slot's decision
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
)

// Approval is one role-slot's pending or resolved decision on a document
// version. A document with N enrolled students carries exactly N+2 of these.
type Approval struct {
	ID            types.ID       `json:"id"`
	DocumentID    types.ID       `json:"document_id"`
	Role          org.Role       `json:"role"`
	Status        ApprovalStatus `json:"status"`
	ApproverID    *types.ID      `json:"approver_id,omitempty"`
	Justification string         `json:"justification,omitempty"`
	Signature     string         `json:"signature,omitempty"`
	ApprovedAt    *time.Time     `json:"approved_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// NewApprovalSet creates the PENDING approvals for a document version: one
// coordinator slot, one advisor slot, one slot per enrolled student.
func NewApprovalSet(doc *Document) []Approval {
	now := time.Now()
	approvals := make([]Approval, 0, len(doc.StudentIDs)+2)

	for _, role := range []org.Role{org.RoleCoordinator, org.RoleAdvisor} {
		approvals = append(approvals, Approval{
			ID:         types.NewID(),
			DocumentID: doc.ID,
			Role:       role,
			Status:     ApprovalPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}
	for range doc.StudentIDs {
		approvals = append(approvals, Approval{
			ID:         types.NewID(),
			DocumentID: doc.ID,
			Role:       org.RoleStudent,
			Status:     ApprovalPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}

	return approvals
}

// Approve resolves the approval as APPROVED with the signer's signature.
func (a *Approval) Approve(approver types.ID, sig string, now time.Time) error {
	if a.Status != ApprovalPending {
		return errors.AlreadyProcessed("approval", a.ID.String())
	}

	a.Status = ApprovalApproved
	a.ApproverID = &approver
	a.Signature = sig
	a.ApprovedAt = &now
	a.UpdatedAt = now
	return nil
}

// Reject resolves the approval as REJECTED with a mandatory justification.
func (a *Approval) Reject(approver types.ID, justification string, now time.Time) error {
	if a.Status != ApprovalPending {
		return errors.AlreadyProcessed("approval", a.ID.String())
	}
	if strings.TrimSpace(justification) == "" {
		return errors.Validation("justification is required to reject", map[string]string{
			"justification": "must not be empty",
		})
	}

	a.Status = ApprovalRejected
	a.ApproverID = &approver
	a.Justification = justification
	a.ApprovedAt = &now
	a.UpdatedAt = now
	return nil
}

// ResetToPending returns the approval to PENDING, clearing the resolution.
func (a *Approval) ResetToPending(now time.Time) {
	a.Status = ApprovalPending
	a.ApproverID = nil
	a.Justification = ""
	a.Signature = ""
	a.ApprovedAt = nil
	a.UpdatedAt = now
}

// CombinedHash returns the single string every approval signs, binding both
// halves of the document atomically.
func (d *Document) CombinedHash() string {
	return d.FileHash + ":" + d.AnnexHash
}

// FullyApproved reports whether every approval on the document is APPROVED.
func FullyApproved(approvals []Approval) bool {
	if len(approvals) == 0 {
		return false
	}
	for _, a := range approvals {
		if a.Status != ApprovalApproved {
			return false
		}
	}
	return true
}

// ExpectedApprovals returns the approval count a document must carry.
func (d *Document) ExpectedApprovals() int {
	return len(d.StudentIDs) + 2
}

// Validate checks the document is complete enough to enter the workflow.
func (d *Document) Validate() error {
	if len(d.StudentIDs) == 0 {
		return fmt.Errorf("document must have at least one student")
	}
	if d.AdvisorID.IsZero() || d.CoordinatorID.IsZero() {
		return fmt.Errorf("document must have an advisor and a coordinator")
	}
	if d.DefenseDate.IsZero() {
		return fmt.Errorf("defense date is required")
	}
	return nil
}
