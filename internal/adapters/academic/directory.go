package academic

import (
	"context"
	"sync"

	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/org"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/shared/errors"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/shared/types"
)

// Participant is one person known to the student-information system.
type Participant struct {
	ID    types.ID `json:"id"`
	Name  string   `json:"name"`
	Email string   `json:"email"`
	Role  org.Role `json:"role"`
}

// Directory resolves participant records. The notarization service never
// owns this data; it reads it from the academic system.
type Directory interface {
	FindByID(ctx context.Context, id types.ID) (*Participant, error)
}

// MemoryDirectory is an in-process Directory, used in tests and when the
// academic integration is disabled.
type MemoryDirectory struct {
	mu           sync.RWMutex
	participants map[types.ID]Participant
}

// NewMemoryDirectory creates an empty directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{participants: make(map[types.ID]Participant)}
}

// Add registers a participant.
func (d *MemoryDirectory) Add(p Participant) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.participants[p.ID] = p
}

func (d *MemoryDirectory) FindByID(ctx context.Context, id types.ID) (*Participant, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	p, ok := d.participants[id]
	if !ok {
		return nil, errors.NotFound("participant", id.String())
	}
	return &p, nil
}
