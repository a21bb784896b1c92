package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Role != RoleMitigation {
		t.Fatalf("expected default role %q, got %q", RoleMitigation, cfg.Role)
	}
	if cfg.ListenAddr != ":8443" {
		t.Fatalf("expected default listen_addr, got %q", cfg.ListenAddr)
	}
}

func TestLoadParsesYAMLOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	writeFile(t, path, "role: orchestrator\nlisten_addr: \":9999\"\nbackend_addr: \"\"\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Role != RoleOrchestrator {
		t.Fatalf("expected role orchestrator, got %q", cfg.Role)
	}
	if cfg.ListenAddr != ":9999" {
		t.Fatalf("expected overridden listen_addr, got %q", cfg.ListenAddr)
	}
}

func TestEnvOverridesTakePrecedenceOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	writeFile(t, path, "listen_addr: \":1111\"\n")
	t.Setenv("SECBEAT_LISTEN_ADDR", ":2222")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ListenAddr != ":2222" {
		t.Fatalf("expected env override to win, got %q", cfg.ListenAddr)
	}
}

func TestValidateRejectsMissingBackendForMitigationRole(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	writeFile(t, path, "role: mitigation\nbackend_addr: \"\"\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error for missing backend_addr")
	}
}

func TestValidateRejectsUnknownRole(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	writeFile(t, path, "role: bogus\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error for unknown role")
	}
}

func TestValidateRejectsTLSEnabledWithoutMaterial(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	writeFile(t, path, "tls:\n  enabled: true\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error for tls.enabled without cert material")
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing test fixture: %v", err)
	}
}
