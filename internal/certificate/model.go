package certificate

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/shared/types"
)

// Status is the lifecycle state of a certificate record
type Status string

const (
	StatusActive  Status = "ACTIVE"
	StatusExpired Status = "EXPIRED"
	StatusRevoked Status = "REVOKED"
)

// Record is one issued identity. At most one ACTIVE record exists per
// (participant, approval) key; the coordinator's persistent identity uses a
// nil approval.
type Record struct {
	ID               types.ID   `json:"id"`
	UserID           types.ID   `json:"user_id"`
	ApprovalID       *types.ID  `json:"approval_id,omitempty"`
	EnrollmentID     string     `json:"enrollment_id"`
	MSPID            string     `json:"msp_id"`
	CertificatePEM   string     `json:"-"`
	PrivateKeyPEM    string     `json:"-"`
	SerialNumber     string     `json:"serial_number"`
	NotBefore        time.Time  `json:"not_before"`
	NotAfter         time.Time  `json:"not_after"`
	Status           Status     `json:"status"`
	RevocationReason string     `json:"revocation_reason,omitempty"`
	RevokedBy        types.ID   `json:"revoked_by,omitempty"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Expired reports whether the record's validity window has passed.
func (r *Record) Expired(now time.Time) bool {
	return now.After(r.NotAfter)
}

// Key identifies the owner of an active certificate. A nil ApprovalID keys
// the coordinator's persistent identity.
type Key struct {
	UserID     types.ID
	ApprovalID *types.ID
}

func (k Key) String() string {
	if k.ApprovalID == nil {
		return k.UserID.String()
	}
	return fmt.Sprintf("%s/%s", k.UserID, *k.ApprovalID)
}

// maxEnrollmentIDLen is the authority's hard limit on identifier length.
const maxEnrollmentIDLen = 64

// EnrollmentID derives the identifier a participant enrolls under: the email
// with punctuation escaped, suffixed with the organization name.
func EnrollmentID(email, orgName string) string {
	escaped := escapePunctuation(strings.ToLower(strings.TrimSpace(email)))
	id := escaped + "-" + orgName
	if len(id) > maxEnrollmentIDLen {
		id = id[:maxEnrollmentIDLen]
	}
	return id
}

// CollisionSuffixed appends a short base-36 suffix derived from now to break
// an "already registered" collision. The base is truncated first so the
// combined identifier never exceeds the authority's 64-character limit.
func CollisionSuffixed(enrollmentID string, now time.Time) string {
	suffix := "-" + strconv.FormatInt(now.UnixMilli()%yearMillis, 36)
	if len(enrollmentID)+len(suffix) > maxEnrollmentIDLen {
		enrollmentID = enrollmentID[:maxEnrollmentIDLen-len(suffix)]
	}
	return enrollmentID + suffix
}

// yearMillis keeps the base-36 suffix short (7 chars at most).
const yearMillis = 365 * 24 * 60 * 60 * 1000

func escapePunctuation(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}
