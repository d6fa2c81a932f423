package org

import (
	"testing"

	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/shared/config"
)

func testRegistry() *Registry {
	return NewRegistry(config.OrgsConfig{
		Coordination: config.OrgConfig{CAURL: "https://ca.coordenacao:7054", PeerURL: "https://peer.coordenacao:7051", Channel: "defesas", Chaincode: "documento"},
		Advisory:     config.OrgConfig{CAURL: "https://ca.orientador:7054", PeerURL: "https://peer.orientador:7051", Channel: "defesas", Chaincode: "documento"},
		Student:      config.OrgConfig{CAURL: "https://ca.aluno:7054", PeerURL: "https://peer.aluno:7051", Channel: "defesas", Chaincode: "documento"},
	})
}

func TestForRole(t *testing.T) {
	r := testRegistry()

	tests := []struct {
		role    Role
		name    string
		mspID   string
		peerURL string
	}{
		{RoleCoordinator, "coordenacao", "CoordenacaoMSP", "https://peer.coordenacao:7051"},
		{RoleAdvisor, "orientador", "OrientadorMSP", "https://peer.orientador:7051"},
		{RoleStudent, "aluno", "AlunoMSP", "https://peer.aluno:7051"},
	}

	for _, tt := range tests {
		t.Run(string(tt.role), func(t *testing.T) {
			o, err := r.ForRole(tt.role)
			if err != nil {
				t.Fatalf("ForRole(%s) failed: %v", tt.role, err)
			}
			if o.Name != tt.name {
				t.Errorf("expected org %s, got %s", tt.name, o.Name)
			}
			if o.MSPID != tt.mspID {
				t.Errorf("expected MSP %s, got %s", tt.mspID, o.MSPID)
			}
			if o.PeerURL != tt.peerURL {
				t.Errorf("expected peer %s, got %s", tt.peerURL, o.PeerURL)
			}
			if o.Affiliation != tt.name+".departamento" {
				t.Errorf("unexpected affiliation %s", o.Affiliation)
			}
		})
	}
}

func TestForRoleUnknown(t *testing.T) {
	r := testRegistry()
	if _, err := r.ForRole(Role("JANITOR")); err == nil {
		t.Error("an unknown role must not resolve to an organization")
	}
}

func TestCoordinationHoldsWriteAuthority(t *testing.T) {
	r := testRegistry()
	o := r.Coordination()
	if o.MSPID != "CoordenacaoMSP" {
		t.Errorf("expected CoordenacaoMSP, got %s", o.MSPID)
	}
}

func TestAllReturnsEveryTrustDomain(t *testing.T) {
	r := testRegistry()
	all := r.All()
	if len(all) != 3 {
		t.Fatalf("expected 3 organizations, got %d", len(all))
	}
	seen := map[string]bool{}
	for _, o := range all {
		seen[o.MSPID] = true
	}
	for _, msp := range []string{"CoordenacaoMSP", "OrientadorMSP", "AlunoMSP"} {
		if !seen[msp] {
			t.Errorf("missing organization %s", msp)
		}
	}
}

func TestRoleValid(t *testing.T) {
	for _, role := range []Role{RoleCoordinator, RoleAdvisor, RoleStudent} {
		if !role.Valid() {
			t.Errorf("%s must be valid", role)
		}
	}
	if Role("OTHER").Valid() {
		t.Error("unknown roles must be invalid")
	}
}
