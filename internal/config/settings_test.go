package config

import (
	"path/filepath"
	"testing"
)

func TestSettingsStoreMergesLocalOverDefaults(t *testing.T) {
	cfg := defaults()
	store, err := NewSettingsStore(t.TempDir(), cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	disabled := false
	if err := store.SaveLocal(Settings{WAF: WAFSettings{Enabled: &disabled}}); err != nil {
		t.Fatalf("SaveLocal failed: %v", err)
	}
	merged := store.GetMerged()
	if merged.WAF.Enabled == nil || *merged.WAF.Enabled != false {
		t.Fatalf("expected local override to win, got %+v", merged.WAF.Enabled)
	}
	if merged.DDoS.RPSLimit == nil || *merged.DDoS.RPSLimit != cfg.DDoS.RPSLimit {
		t.Fatalf("expected untouched fields to fall back to defaults")
	}
}

func TestSettingsStorePersistsAcrossReload(t *testing.T) {
	dir := filepath.Join(t.TempDir())
	cfg := defaults()
	store, err := NewSettingsStore(dir, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	limit := 42
	if err := store.SaveLocal(Settings{DDoS: DDoSSettings{RPSLimit: &limit}}); err != nil {
		t.Fatalf("SaveLocal failed: %v", err)
	}

	reloaded, err := NewSettingsStore(dir, cfg)
	if err != nil {
		t.Fatalf("unexpected error on reload: %v", err)
	}
	got := reloaded.GetMerged()
	if got.DDoS.RPSLimit == nil || *got.DDoS.RPSLimit != 42 {
		t.Fatalf("expected persisted override to survive reload, got %+v", got.DDoS.RPSLimit)
	}
}

func TestResetToDefaultClearsOverrides(t *testing.T) {
	cfg := defaults()
	store, err := NewSettingsStore(t.TempDir(), cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	limit := 7
	store.SaveLocal(Settings{DDoS: DDoSSettings{RPSLimit: &limit}})
	if err := store.ResetToDefault(); err != nil {
		t.Fatalf("ResetToDefault failed: %v", err)
	}
	merged := store.GetMerged()
	if merged.DDoS.RPSLimit == nil || *merged.DDoS.RPSLimit != cfg.DDoS.RPSLimit {
		t.Fatalf("expected reset to restore default rps_limit")
	}
}
