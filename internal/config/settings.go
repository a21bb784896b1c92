package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// SettingsLayer identifies the source of a live-tunable setting.
type SettingsLayer string

const (
	LayerDefault SettingsLayer = "default" // Built-in, read-only
	LayerLocal   SettingsLayer = "local"   // Operator customizations
)

// Settings represents the subset of configuration that can be tuned at
// runtime without a node restart, layered over the static Config.
type Settings struct {
	WAF      WAFSettings      `json:"waf"`
	DDoS     DDoSSettings     `json:"ddos"`
	SynProxy SynProxySettings `json:"syn_proxy"`
}

// WAFSettings holds live-tunable WAF knobs.
type WAFSettings struct {
	Enabled        *bool    `json:"enabled,omitempty"`
	DisabledRules  []string `json:"disabled_rules,omitempty"` // rule IDs to skip without a reload
	BudgetMillis   *int     `json:"budget_millis,omitempty"`
}

// DDoSSettings holds live-tunable rate-limit thresholds.
type DDoSSettings struct {
	RPSLimit *int `json:"rps_limit,omitempty"`
	Burst    *int `json:"burst,omitempty"`
}

// SynProxySettings holds live-tunable SYN proxy knobs.
type SynProxySettings struct {
	Enabled    *bool `json:"enabled,omitempty"`
	MaxBacklog *int  `json:"max_backlog,omitempty"`
}

// SettingsStore manages live-tunable settings layered over the static
// configuration: defaults from Config, operator overrides persisted to
// a local JSON file, merged on read.
type SettingsStore struct {
	mu       sync.RWMutex
	defaults Settings
	local    Settings
	path     string
}

// NewSettingsStore creates a store seeded from the node's static
// config and backed by a local override file under dataDir.
func NewSettingsStore(dataDir string, cfg *Config) (*SettingsStore, error) {
	store := &SettingsStore{
		defaults: settingsFromConfig(cfg),
		path:     filepath.Join(dataDir, "settings.json"),
	}
	if err := store.loadLocal(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: loading local settings: %w", err)
		}
	}
	return store, nil
}

func settingsFromConfig(cfg *Config) Settings {
	wafEnabled := cfg.WAF.Enabled
	budgetMillis := int(cfg.WAF.Budget.Milliseconds())
	rps := cfg.DDoS.RPSLimit
	burst := cfg.DDoS.Burst
	synEnabled := cfg.SynProxy.Enabled
	backlog := cfg.SynProxy.MaxBacklog

	return Settings{
		WAF: WAFSettings{
			Enabled:       &wafEnabled,
			DisabledRules: []string{},
			BudgetMillis:  &budgetMillis,
		},
		DDoS: DDoSSettings{
			RPSLimit: &rps,
			Burst:    &burst,
		},
		SynProxy: SynProxySettings{
			Enabled:    &synEnabled,
			MaxBacklog: &backlog,
		},
	}
}

// GetDefaults returns the built-in default settings (read-only).
func (s *SettingsStore) GetDefaults() Settings {
	return s.defaults
}

// GetLocal returns only the operator's customizations.
func (s *SettingsStore) GetLocal() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.local
}

// GetMerged returns settings with local overriding defaults.
func (s *SettingsStore) GetMerged() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return mergeSettings(s.defaults, s.local)
}

// SaveLocal persists operator customizations to the local settings file.
func (s *SettingsStore) SaveLocal(settings Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.local = settings

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("config: creating settings directory: %w", err)
	}

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshaling settings: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("config: writing settings file: %w", err)
	}
	return nil
}

// ResetToDefault removes all operator customizations.
func (s *SettingsStore) ResetToDefault() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.local = Settings{}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("config: removing settings file: %w", err)
	}
	return nil
}

func (s *SettingsStore) loadLocal() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, &s.local); err != nil {
		return fmt.Errorf("config: parsing settings file: %w", err)
	}
	return nil
}

// SettingDiff represents one setting that differs from its default.
type SettingDiff struct {
	Path         string `json:"path"`
	DefaultValue any    `json:"default_value"`
	LocalValue   any    `json:"local_value"`
}

// GetDiff returns which settings differ from defaults.
func (s *SettingsStore) GetDiff() map[string]SettingDiff {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return diffSettings(s.defaults, s.local)
}

func diffSettings(defaults, local Settings) map[string]SettingDiff {
	diffs := make(map[string]SettingDiff)

	if local.WAF.Enabled != nil && defaults.WAF.Enabled != nil && *local.WAF.Enabled != *defaults.WAF.Enabled {
		diffs["waf.enabled"] = SettingDiff{Path: "waf.enabled", DefaultValue: *defaults.WAF.Enabled, LocalValue: *local.WAF.Enabled}
	}
	if len(local.WAF.DisabledRules) > 0 {
		diffs["waf.disabled_rules"] = SettingDiff{Path: "waf.disabled_rules", DefaultValue: defaults.WAF.DisabledRules, LocalValue: local.WAF.DisabledRules}
	}
	if local.WAF.BudgetMillis != nil && defaults.WAF.BudgetMillis != nil && *local.WAF.BudgetMillis != *defaults.WAF.BudgetMillis {
		diffs["waf.budget_millis"] = SettingDiff{Path: "waf.budget_millis", DefaultValue: *defaults.WAF.BudgetMillis, LocalValue: *local.WAF.BudgetMillis}
	}
	if local.DDoS.RPSLimit != nil && defaults.DDoS.RPSLimit != nil && *local.DDoS.RPSLimit != *defaults.DDoS.RPSLimit {
		diffs["ddos.rps_limit"] = SettingDiff{Path: "ddos.rps_limit", DefaultValue: *defaults.DDoS.RPSLimit, LocalValue: *local.DDoS.RPSLimit}
	}
	if local.DDoS.Burst != nil && defaults.DDoS.Burst != nil && *local.DDoS.Burst != *defaults.DDoS.Burst {
		diffs["ddos.burst"] = SettingDiff{Path: "ddos.burst", DefaultValue: *defaults.DDoS.Burst, LocalValue: *local.DDoS.Burst}
	}
	if local.SynProxy.Enabled != nil && defaults.SynProxy.Enabled != nil && *local.SynProxy.Enabled != *defaults.SynProxy.Enabled {
		diffs["syn_proxy.enabled"] = SettingDiff{Path: "syn_proxy.enabled", DefaultValue: *defaults.SynProxy.Enabled, LocalValue: *local.SynProxy.Enabled}
	}
	if local.SynProxy.MaxBacklog != nil && defaults.SynProxy.MaxBacklog != nil && *local.SynProxy.MaxBacklog != *defaults.SynProxy.MaxBacklog {
		diffs["syn_proxy.max_backlog"] = SettingDiff{Path: "syn_proxy.max_backlog", DefaultValue: *defaults.SynProxy.MaxBacklog, LocalValue: *local.SynProxy.MaxBacklog}
	}

	return diffs
}

func mergeSettings(defaults, local Settings) Settings {
	merged := defaults

	if local.WAF.Enabled != nil {
		merged.WAF.Enabled = local.WAF.Enabled
	}
	if len(local.WAF.DisabledRules) > 0 {
		merged.WAF.DisabledRules = local.WAF.DisabledRules
	}
	if local.WAF.BudgetMillis != nil {
		merged.WAF.BudgetMillis = local.WAF.BudgetMillis
	}
	if local.DDoS.RPSLimit != nil {
		merged.DDoS.RPSLimit = local.DDoS.RPSLimit
	}
	if local.DDoS.Burst != nil {
		merged.DDoS.Burst = local.DDoS.Burst
	}
	if local.SynProxy.Enabled != nil {
		merged.SynProxy.Enabled = local.SynProxy.Enabled
	}
	if local.SynProxy.MaxBacklog != nil {
		merged.SynProxy.MaxBacklog = local.SynProxy.MaxBacklog
	}

	return merged
}
