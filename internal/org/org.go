package org

import (
	"fmt"

	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/shared/config"
)

// Role is the slot a participant fills on a defense document.
type Role string

const (
	RoleCoordinator Role = "COORDINATOR"
	RoleAdvisor     Role = "ADVISOR"
	RoleStudent     Role = "STUDENT"
)

// Valid reports whether r is one of the three known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleCoordinator, RoleAdvisor, RoleStudent:
		return true
	}
	return false
}

// Organization is one trust domain: a certificate authority plus the ledger
// peer that recognizes certificates it issued.
type Organization struct {
	Name        string
	MSPID       string
	Affiliation string
	CAURL       string
	PeerURL     string
	Channel     string
	Chaincode   string
	TLSCACert   string
}

// Registry maps each role to exactly one organization. It is built once at
// startup from configuration and read-only afterwards.
type Registry struct {
	byRole map[Role]Organization
}

// NewRegistry builds the role → organization table.
func NewRegistry(cfg config.OrgsConfig) *Registry {
	return &Registry{
		byRole: map[Role]Organization{
			RoleCoordinator: orgFromConfig("coordenacao", "CoordenacaoMSP", cfg.Coordination),
			RoleAdvisor:     orgFromConfig("orientador", "OrientadorMSP", cfg.Advisory),
			RoleStudent:     orgFromConfig("aluno", "AlunoMSP", cfg.Student),
		},
	}
}

func orgFromConfig(name, mspID string, c config.OrgConfig) Organization {
	return Organization{
		Name:        name,
		MSPID:       mspID,
		Affiliation: name + ".departamento",
		CAURL:       c.CAURL,
		PeerURL:     c.PeerURL,
		Channel:     c.Channel,
		Chaincode:   c.Chaincode,
		TLSCACert:   c.TLSCACertPEM,
	}
}

// ForRole resolves the organization owning a role.
func (r *Registry) ForRole(role Role) (Organization, error) {
	o, ok := r.byRole[role]
	if !ok {
		return Organization{}, fmt.Errorf("no organization for role %q", role)
	}
	return o, nil
}

// Coordination returns the trust domain holding write authority on the ledger.
func (r *Registry) Coordination() Organization {
	return r.byRole[RoleCoordinator]
}

// All returns every registered organization.
func (r *Registry) All() []Organization {
	out := make([]Organization, 0, len(r.byRole))
	for _, role := range []Role{RoleCoordinator, RoleAdvisor, RoleStudent} {
		out = append(out, r.byRole[role])
	}
	return out
}
