package config

import (
	"strings"
	"testing"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := Default("gov-1")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Governance.ID != "gov-1" {
		t.Fatalf("governance id not applied: %s", cfg.Governance.ID)
	}
	if _, ok := cfg.Milestones["gate.concept"]; !ok {
		t.Fatalf("default catalog should include the concept gate")
	}
	if st, ok := cfg.StatusTypes["legacy.passed"]; !ok || st.Selectable == nil || *st.Selectable {
		t.Fatalf("migrated status type should be non-selectable")
	}
}

func TestValidateRejectsDanglingDefaultStatus(t *testing.T) {
	cfg := Default("gov-1")
	m := cfg.Milestones["gate.concept"]
	m.DefaultStatus = "no-such-status"
	cfg.Milestones["gate.concept"] = m
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "unknown status type") {
		t.Fatalf("expected dangling default_status error, got %v", err)
	}
}

func TestValidateRequiresApprovedStatus(t *testing.T) {
	cfg := Default("gov-1")
	for id, st := range cfg.StatusTypes {
		st.Approved = false
		cfg.StatusTypes[id] = st
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("a catalog without any approved status must not validate")
	}
}

func TestValidateRequiresPortfolioManagerRole(t *testing.T) {
	cfg := Default("gov-1")
	delete(cfg.RBAC.Roles, "portfolio_manager")
	if err := cfg.Validate(); err == nil {
		t.Fatalf("role config without portfolio_manager must not validate")
	}
}

func TestFromYAMLRoundTrip(t *testing.T) {
	raw := GenerateDefault("gov-2")
	cfg, err := FromYAML([]byte(raw))
	if err != nil {
		t.Fatalf("parse generated default: %v", err)
	}
	if cfg.Governance.ID != "gov-2" {
		t.Fatalf("unexpected governance id %s", cfg.Governance.ID)
	}
}
