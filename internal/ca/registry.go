package ca

import (
	"fmt"

	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/org"
)

// Registry holds one CA client per organization. Built once at startup,
// read-only afterwards.
type Registry struct {
	clients map[org.Role]*Client
}

// NewRegistry constructs clients for every organization in the role table.
func NewRegistry(orgs *org.Registry) *Registry {
	clients := make(map[org.Role]*Client, 3)
	for _, role := range []org.Role{org.RoleCoordinator, org.RoleAdvisor, org.RoleStudent} {
		o, _ := orgs.ForRole(role)
		clients[role] = NewClient(o)
	}
	return &Registry{clients: clients}
}

// ForRole returns the CA client of the organization owning a role.
func (r *Registry) ForRole(role org.Role) (*Client, error) {
	c, ok := r.clients[role]
	if !ok {
		return nil, fmt.Errorf("no certificate authority for role %q", role)
	}
	return c, nil
}
