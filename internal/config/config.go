// Package config loads node configuration from YAML with environment
// and CLI overrides, following CLI > env > file > defaults precedence.
// Adapted from the proxy's config loader: same Load/defaults/
// applyEnvOverrides/validate shape, resurfaced for the mitigation-node
// and orchestrator configuration schema.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Role selects which node variant a process runs as. Per the design
// notes, role is a startup-time variant, never switched at runtime.
type Role string

const (
	RoleMitigation   Role = "mitigation"
	RoleOrchestrator Role = "orchestrator"
)

// Config holds all configuration for one secbeat node process.
type Config struct {
	Role Role `yaml:"role"`

	ListenAddr   string             `yaml:"listen_addr"`
	BackendAddr  string             `yaml:"backend_addr"`
	TLS          TLSConfig          `yaml:"tls"`
	SynProxy     SynProxyConfig     `yaml:"syn_proxy"`
	WAF          WAFConfig          `yaml:"waf"`
	DDoS         DDoSConfig         `yaml:"ddos"`
	Bus          BusConfig          `yaml:"bus"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Behavioral   BehavioralConfig   `yaml:"behavioral"`
	Logging      LoggingConfig      `yaml:"logging"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Audit        AuditConfig        `yaml:"audit"`
}

// TLSConfig controls the L7 listener's TLS termination.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CertPath   string `yaml:"cert_path"`
	KeyPath    string `yaml:"key_path"`
	MinVersion string `yaml:"min_version"` // e.g. "1.2"
	MaxVersion string `yaml:"max_version"`
	AutoCert   bool   `yaml:"auto_cert"` // generate a self-signed cert for development
}

// SynProxyConfig controls kernel-assisted SYN handling.
type SynProxyConfig struct {
	Enabled      bool          `yaml:"enabled"`
	CookieSecret string        `yaml:"cookie_secret"` // hex-encoded 16 bytes
	MaxBacklog   int           `yaml:"max_backlog"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	// CaptureIface names the NIC the fast path attaches an AF_PACKET
	// capture loop to. Empty disables the capture loop entirely — the
	// filter/proxy decision functions remain constructed but unfed,
	// which is only useful in tests.
	CaptureIface string `yaml:"capture_iface"`
}

// WAFConfig controls which rule categories are active and where
// patterns are sourced from.
type WAFConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Categories []string      `yaml:"categories"`  // sql_injection, xss, path_traversal, command_injection, custom
	RuleSource string        `yaml:"rule_source"` // "builtin" or a path to a YAML rule file
	Budget     time.Duration `yaml:"budget"`       // per-request inspection time budget
}

// DDoSConfig tunes local rate-limit thresholds and default block TTL.
type DDoSConfig struct {
	RPSLimit int           `yaml:"rps_limit"`
	Burst    int           `yaml:"burst"`
	BlockTTL time.Duration `yaml:"block_ttl"`
}

// BusConfig configures the pub/sub endpoint.
type BusConfig struct {
	URL      string `yaml:"url"`
	Enabled  bool   `yaml:"enabled"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// OrchestratorConfig configures the control-plane endpoint a
// mitigation node registers and heartbeats against.
type OrchestratorConfig struct {
	URL                  string `yaml:"url"`
	HeartbeatSecs        int    `yaml:"heartbeat_secs"`
	HeartbeatTimeoutSecs int    `yaml:"heartbeat_timeout_secs"`
	ListenAddr           string `yaml:"listen_addr"` // orchestrator's own registration API bind address
}

// MetricsConfig controls Prometheus text exposition.
type MetricsConfig struct {
	BindAddr string `yaml:"bind_addr"`
}

// BehavioralConfig tunes the orchestrator's anomaly detector.
type BehavioralConfig struct {
	WindowSecs          int `yaml:"window_secs"`
	ErrorThreshold      int `yaml:"error_threshold"`
	RequestThreshold    int `yaml:"request_threshold"`
	BlockDurationSecs   int `yaml:"block_duration_secs"`
	CleanupIntervalSecs int `yaml:"cleanup_interval_secs"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Format string `yaml:"format"` // "json" or "text"
	Level  string `yaml:"level"`
}

// TelemetryConfig controls OpenTelemetry tracing export.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// AuditConfig controls the orchestrator's durable BlockCommand log.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads and parses the configuration file, applying env overrides
// and validating the result. A missing file is not an error: it yields
// defaults, consistent with CLI > env > file > defaults precedence
// where file is simply absent.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path) // #nosec G304 -- path from trusted CLI flag
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: reading file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing file: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validating: %w", err)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Role:        RoleMitigation,
		ListenAddr:  ":8443",
		BackendAddr: "http://localhost:8080",
		TLS: TLSConfig{
			Enabled:    false,
			MinVersion: "1.2",
			MaxVersion: "1.3",
			AutoCert:   false,
		},
		SynProxy: SynProxyConfig{
			Enabled:     false,
			MaxBacklog:  4096,
			IdleTimeout: 10 * time.Second,
		},
		WAF: WAFConfig{
			Enabled:    true,
			Categories: []string{"sql_injection", "xss", "path_traversal", "command_injection"},
			RuleSource: "builtin",
			Budget:     5 * time.Millisecond,
		},
		DDoS: DDoSConfig{
			RPSLimit: 100,
			Burst:    200,
			BlockTTL: 5 * time.Minute,
		},
		Bus: BusConfig{
			URL:     "localhost:6379",
			Enabled: true,
		},
		Orchestrator: OrchestratorConfig{
			URL:                  "http://localhost:9090",
			HeartbeatSecs:        10,
			HeartbeatTimeoutSecs: 30,
			ListenAddr:           ":9090",
		},
		Metrics: MetricsConfig{
			BindAddr: ":9100",
		},
		Behavioral: BehavioralConfig{
			WindowSecs:          60,
			ErrorThreshold:      50,
			RequestThreshold:    1000,
			BlockDurationSecs:   300,
			CleanupIntervalSecs: 30,
		},
		Logging: LoggingConfig{
			Format: "json",
			Level:  "info",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Exporter:    "none",
			ServiceName: "secbeat",
			Insecure:    true,
		},
		Audit: AuditConfig{
			Enabled: true,
			Path:    "data/secbeat-audit.db",
		},
	}
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SECBEAT_ROLE"); v != "" {
		c.Role = Role(v)
	}
	if v := os.Getenv("SECBEAT_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("SECBEAT_BACKEND_ADDR"); v != "" {
		c.BackendAddr = v
	}
	if os.Getenv("SECBEAT_TLS_ENABLED") == "true" {
		c.TLS.Enabled = true
	}
	if v := os.Getenv("SECBEAT_TLS_CERT_PATH"); v != "" {
		c.TLS.CertPath = v
	}
	if v := os.Getenv("SECBEAT_TLS_KEY_PATH"); v != "" {
		c.TLS.KeyPath = v
	}
	if os.Getenv("SECBEAT_TLS_AUTO_CERT") == "true" {
		c.TLS.AutoCert = true
	}
	if os.Getenv("SECBEAT_SYN_PROXY_ENABLED") == "true" {
		c.SynProxy.Enabled = true
	}
	if v := os.Getenv("SECBEAT_SYN_PROXY_COOKIE_SECRET"); v != "" {
		c.SynProxy.CookieSecret = v
	}
	if v := os.Getenv("SECBEAT_SYN_PROXY_CAPTURE_IFACE"); v != "" {
		c.SynProxy.CaptureIface = v
	}
	if os.Getenv("SECBEAT_WAF_ENABLED") == "false" {
		c.WAF.Enabled = false
	}
	if v := os.Getenv("SECBEAT_BUS_URL"); v != "" {
		c.Bus.URL = v
	}
	if v := os.Getenv("SECBEAT_BUS_PASSWORD"); v != "" {
		c.Bus.Password = v
	}
	if v := os.Getenv("SECBEAT_ORCHESTRATOR_URL"); v != "" {
		c.Orchestrator.URL = v
	}
	if v := os.Getenv("SECBEAT_METRICS_BIND_ADDR"); v != "" {
		c.Metrics.BindAddr = v
	}
	if os.Getenv("SECBEAT_TELEMETRY_ENABLED") == "true" {
		c.Telemetry.Enabled = true
	}
	if v := os.Getenv("SECBEAT_TELEMETRY_EXPORTER"); v != "" {
		c.Telemetry.Exporter = v
	}
	if v := os.Getenv("SECBEAT_TELEMETRY_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Enabled = true
		c.Telemetry.Exporter = "otlp"
		c.Telemetry.Endpoint = v
	}
	if v := os.Getenv("SECBEAT_BEHAVIORAL_ERROR_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Behavioral.ErrorThreshold = n
		}
	}
	if v := os.Getenv("SECBEAT_BEHAVIORAL_REQUEST_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Behavioral.RequestThreshold = n
		}
	}
	if v := os.Getenv("SECBEAT_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("SECBEAT_AUDIT_PATH"); v != "" {
		c.Audit.Path = v
	}
}

func (c *Config) validate() error {
	if c.Role != RoleMitigation && c.Role != RoleOrchestrator {
		return fmt.Errorf("role must be %q or %q, got %q", RoleMitigation, RoleOrchestrator, c.Role)
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.Role == RoleMitigation && c.BackendAddr == "" {
		return fmt.Errorf("backend_addr is required for a mitigation node")
	}
	if c.TLS.Enabled && c.TLS.CertPath == "" && c.TLS.KeyPath == "" && !c.TLS.AutoCert {
		return fmt.Errorf("tls.enabled requires cert_path/key_path or auto_cert")
	}
	if c.Behavioral.WindowSecs <= 0 {
		return fmt.Errorf("behavioral.window_secs must be positive")
	}
	if c.Behavioral.ErrorThreshold <= 0 || c.Behavioral.RequestThreshold <= 0 {
		return fmt.Errorf("behavioral thresholds must be positive")
	}
	return nil
}

// WindowDuration returns the behavioral window as a time.Duration.
func (c *BehavioralConfig) WindowDuration() time.Duration {
	return time.Duration(c.WindowSecs) * time.Second
}

// BlockDurationDuration returns the configured block duration as a time.Duration.
func (c *BehavioralConfig) BlockDurationDuration() time.Duration {
	return time.Duration(c.BlockDurationSecs) * time.Second
}

// CleanupIntervalDuration returns the sweeper cadence as a time.Duration.
func (c *BehavioralConfig) CleanupIntervalDuration() time.Duration {
	return time.Duration(c.CleanupIntervalSecs) * time.Second
}
