package main

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"secbeat/internal/capture"
	"secbeat/internal/config"
	"secbeat/internal/crdt"
	"secbeat/internal/dynamicrules"
	"secbeat/internal/eventbus"
	"secbeat/internal/l7proxy"
	"secbeat/internal/ratelimit"
	"secbeat/internal/registry"
	"secbeat/internal/synproxy"
	"secbeat/internal/telemetry"
	"secbeat/internal/waf"
	"secbeat/internal/wire"
	"secbeat/internal/xdpfilter"
)

// Exit codes, assigned concretely per the external-interfaces contract:
// 0 clean shutdown, 1 config validation failure, 2 TLS material
// unreadable, 3 bind failure, 4 required capability denied.
const (
	exitOK                = 0
	exitConfigInvalid     = 1
	exitTLSUnreadable     = 2
	exitBindFailure       = 3
	exitCapabilityDenied  = 4
)

func main() {
	configPath := flag.String("config", "configs/mitigation-node.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(exitConfigInvalid)
	}
	if cfg.Role != config.RoleMitigation {
		slog.Error("config role mismatch for this binary", "role", cfg.Role, "want", config.RoleMitigation)
		os.Exit(exitConfigInvalid)
	}

	logLevel := slog.LevelInfo
	if cfg.Logging.Level == "debug" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	nodeID := nodeIdentity()
	slog.Info("starting secbeat mitigation node",
		"node_id", nodeID, "listen", cfg.ListenAddr, "backend", cfg.BackendAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Telemetry (graceful degradation: never fatal).
	var tp *telemetry.Provider
	if cfg.Telemetry.Enabled {
		tp, err = telemetry.NewProvider(telemetry.Config{
			Enabled:     cfg.Telemetry.Enabled,
			Exporter:    cfg.Telemetry.Exporter,
			Endpoint:    cfg.Telemetry.Endpoint,
			ServiceName: cfg.Telemetry.ServiceName,
			Insecure:    cfg.Telemetry.Insecure,
		})
		if err != nil {
			slog.Warn("telemetry initialization failed, continuing without tracing", "error", err)
			tp = telemetry.NoopProvider()
		}
	} else {
		tp = telemetry.NoopProvider()
	}

	reg := prometheus.NewRegistry()

	// Dynamic blocklist: kernel-assisted when the capability is
	// available, in-memory fallback otherwise — a capability denial here
	// is logged loudly but never fatal (Design Notes §9).
	blocklist, err := dynamicrules.NewKernelControl(time.Second, nil)
	var store dynamicrules.BlocklistControl = blocklist
	if err != nil {
		slog.Warn("kernel-assisted blocklist unavailable, falling back to in-memory", "error", err)
		fallback := dynamicrules.NewStore(time.Second, nil)
		store = fallback
		go fallback.Run(ctx.Done())
	} else {
		go blocklist.Run(ctx.Done())
	}

	var rateLimiter *ratelimit.Limiter
	if cfg.DDoS.RPSLimit > 0 {
		rateLimiter = ratelimit.New(ratelimit.Config{
			RPSLimit: cfg.DDoS.RPSLimit,
			Burst:    cfg.DDoS.Burst,
			BlockTTL: cfg.DDoS.BlockTTL,
		}, store)
	}

	var wafEngine *waf.Engine
	if cfg.WAF.Enabled {
		wafEngine = waf.NewEngine(waf.Config{
			Rules:  waf.DefaultRules(),
			Budget: cfg.WAF.Budget,
		}, reg)
		slog.Info("waf engine enabled", "categories", cfg.WAF.Categories, "rule_source", cfg.WAF.RuleSource)
	}

	// CRDT counter registry: fleet-wide per-IP request counts, merged in
	// from peers over the bus and periodically broadcast as deltas.
	counters := crdt.NewRegistry(nodeID)

	// Event bus: never fatal at startup, matching the telemetry
	// degradation pattern — a mitigation node with no bus still enforces
	// its own local policy, it just can't publish/receive fleet-wide.
	var bus *eventbus.Bus
	if cfg.Bus.Enabled {
		bus, err = eventbus.New(ctx, eventbus.Config{Addr: cfg.Bus.URL, Password: cfg.Bus.Password, DB: cfg.Bus.DB})
		if err != nil {
			slog.Warn("event bus unavailable, continuing without fleet telemetry/sync", "error", err)
			bus = nil
		} else {
			slog.Info("event bus connected", "addr", cfg.Bus.URL)
			go subscribeCommands(ctx, bus, store)
			go subscribeSync(ctx, bus, counters)
			go runSyncBroadcast(ctx, bus, counters, nodeID)
		}
	}

	publisher := newPublisher(bus, counters)

	proxy, err := l7proxy.New(l7proxy.Config{
		NodeID:      nodeID,
		BackendAddr: cfg.BackendAddr,
		Blocklist:   store,
		RateLimit:   rateLimiter,
		WAF:         wafEngine,
		Telemetry:   tp,
		Publisher:   publisher,
	})
	if err != nil {
		slog.Error("failed to construct l7 proxy", "error", err)
		os.Exit(exitConfigInvalid)
	}

	// Packet filter + SYN proxy: the XDP fast path and the SYN-cookie
	// handshake proxy. When syn_proxy.capture_iface names a real NIC and
	// the process holds CAP_NET_RAW, a capture loop feeds both Decide
	// and ValidateACK/Splice with live frames; capability denial or an
	// unset interface degrades to decision-only (the filter and proxy
	// still exist and pass their own tests, they just see no traffic),
	// matching the kernel blocklist's graceful-degradation pattern.
	var synProxy *synproxy.Proxy
	if cfg.SynProxy.Enabled {
		secret, err := cookieSecret(cfg.SynProxy.CookieSecret)
		if err != nil {
			slog.Error("invalid syn_proxy.cookie_secret", "error", err)
			os.Exit(exitConfigInvalid)
		}
		stats := xdpfilter.NewStats(reg)
		filter := xdpfilter.New(store, wire.CookieParams{Secret: secret, MSS: 1460, Window: 65535}, stats)
		synProxy = synproxy.New(secret, cfg.SynProxy.MaxBacklog, cfg.SynProxy.IdleTimeout)
		go synProxy.Run(ctx.Done(), time.Second)
		slog.Info("syn proxy enabled", "max_backlog", cfg.SynProxy.MaxBacklog)

		if cfg.SynProxy.CaptureIface == "" {
			slog.Warn("syn_proxy.capture_iface not set, fast path has no live capture loop")
		} else if loop, err := capture.New(cfg.SynProxy.CaptureIface, filter, synProxy, spliceHandoff); err != nil {
			slog.Warn("packet capture unavailable, fast path running decision-only", "error", err)
		} else {
			go loop.Run(ctx.Done())
			slog.Info("packet capture loop started", "iface", cfg.SynProxy.CaptureIface)
		}
	}

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      proxy,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	if cfg.TLS.Enabled {
		tlsConfig, err := setupTLS(cfg.TLS)
		if err != nil {
			slog.Error("failed to setup TLS", "error", err)
			os.Exit(exitTLSUnreadable)
		}
		server.TLSConfig = tlsConfig
	}

	stopRegistration := make(chan struct{})
	if cfg.Orchestrator.URL != "" {
		go runRegistration(ctx, cfg, nodeID, stopRegistration)
	}

	errChan := make(chan error, 1)
	go func() {
		var serveErr error
		if cfg.TLS.Enabled {
			slog.Info("l7 proxy starting (HTTPS)", "addr", cfg.ListenAddr)
			serveErr = server.ListenAndServeTLS("", "")
		} else {
			slog.Info("l7 proxy starting (HTTP)", "addr", cfg.ListenAddr)
			serveErr = server.ListenAndServe()
		}
		if serveErr != nil && serveErr != http.ErrServerClosed {
			errChan <- fmt.Errorf("l7 proxy server error: %w", serveErr)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("server error, checking for bind failure", "error", err)
		if isBindError(err) {
			os.Exit(exitBindFailure)
		}
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	}

	slog.Info("shutting down mitigation node")
	close(stopRegistration)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("l7 proxy shutdown error", "error", err)
	}
	if bus != nil {
		if err := bus.Close(); err != nil {
			slog.Error("event bus close error", "error", err)
		}
	}
	if tp != nil {
		if err := tp.Shutdown(shutdownCtx); err != nil {
			slog.Error("telemetry shutdown error", "error", err)
		}
	}

	slog.Info("mitigation node stopped")
}

// spliceHandoff is the production Splicer: it hands a cookie-validated
// flow off to whatever local mechanism redirects the in-flight ACK into
// the kernel's normal accept path (e.g. an NFQUEUE verdict or a raw
// socket re-injection) so the L7 listener sees it as an ordinary
// connection. That redirect is infrastructure-specific and out of
// scope here; this implementation records the handoff so the decision
// is observable even where no redirect exists yet.
func spliceHandoff(tuple wire.FourTuple) error {
	slog.Info("synproxy splicing validated flow", "tuple", tuple.String())
	return nil
}

func isBindError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "bind:")
}

func cookieSecret(hexSecret string) ([16]byte, error) {
	var out [16]byte
	if hexSecret == "" {
		if _, err := rand.Read(out[:]); err != nil {
			return out, fmt.Errorf("generating random cookie secret: %w", err)
		}
		slog.Warn("no syn_proxy.cookie_secret configured, generated an ephemeral one (restart invalidates in-flight cookies)")
		return out, nil
	}
	decoded, err := hex.DecodeString(hexSecret)
	if err != nil || len(decoded) != 16 {
		return out, fmt.Errorf("cookie_secret must be 32 hex characters (16 bytes)")
	}
	copy(out[:], decoded)
	return out, nil
}

func nodeIdentity() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "mitigation-node"
	}
	return host
}

type publisher struct {
	bus      *eventbus.Bus
	counters *crdt.Registry
}

func newPublisher(bus *eventbus.Bus, counters *crdt.Registry) *publisher {
	return &publisher{bus: bus, counters: counters}
}

// PublishTelemetry implements l7proxy.TelemetryPublisher: forwards the
// event to the bus (if connected) and folds it into the CRDT counter
// registry. Without a bus the counts stay local to this node; with one,
// runSyncBroadcast shares them so per-IP activity survives round-robin
// load balancing.
func (p *publisher) PublishTelemetry(ctx context.Context, ev wire.TelemetryEvent) {
	p.counters.Inc("requests:"+ev.SourceIP, 1, time.Now().Unix())
	if ev.Action != wire.TelemetryNone {
		p.counters.Inc("notable:"+ev.SourceIP, 1, time.Now().Unix())
	}
	if p.bus != nil {
		p.bus.PublishTelemetry(ctx, ev)
	}
}

func subscribeCommands(ctx context.Context, bus *eventbus.Bus, blocklist dynamicrules.BlocklistControl) {
	err := bus.SubscribeCommands(ctx, func(cmd wire.BlockCommand) {
		switch cmd.Action {
		case wire.ActionAddBlock:
			if err := blocklist.Add(cmd.TargetIP, time.Duration(cmd.TTLSeconds)*time.Second, cmd.Reason); err != nil {
				slog.Error("applying block command failed", "command_id", cmd.CommandID, "error", err)
			}
		case wire.ActionRemoveBlock:
			if err := blocklist.Remove(cmd.TargetIP); err != nil {
				slog.Error("applying unblock command failed", "command_id", cmd.CommandID, "error", err)
			}
		}
	})
	if err != nil && ctx.Err() == nil {
		slog.Error("command subscription ended unexpectedly", "error", err)
	}
}

func subscribeSync(ctx context.Context, bus *eventbus.Bus, counters *crdt.Registry) {
	err := bus.SubscribeSync(ctx, func(env wire.SyncEnvelope) {
		for key, gc := range env.Counters {
			counters.Merge(key, gc)
		}
	})
	if err != nil && ctx.Err() == nil {
		slog.Error("sync subscription ended unexpectedly", "error", err)
	}
}

// runSyncBroadcast ticks the delta sync every 5s and, every
// fullStateEvery ticks, broadcasts the complete counter set instead —
// the corrective resync a node that missed delta broadcasts (bus
// outage, restart) needs to converge, since Deltas alone never
// re-sends a key once its baseline has advanced. Each tick also evicts
// locally incremented keys idle past maxIdleSeconds; keys this node only
// ever learned from peers are not evicted (see Registry.EvictIdle).
func runSyncBroadcast(ctx context.Context, bus *eventbus.Bus, counters *crdt.Registry, nodeID string) {
	const fullStateEvery = 12 // one full-state broadcast per minute at a 5s tick
	const maxIdleSeconds = 300

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	var tick uint64
	for {
		select {
		case <-ticker.C:
			tick++
			now := time.Now()
			counters.EvictIdle(now.Unix(), maxIdleSeconds)

			payload := counters.Deltas()
			isDelta := true
			if tick%fullStateEvery == 0 {
				payload = counters.FullState()
				isDelta = false
			}
			if len(payload) == 0 {
				continue
			}
			env := wire.SyncEnvelope{NodeID: nodeID, Timestamp: now.UTC(), IsDelta: isDelta, Counters: payload}
			if err := bus.PublishSync(ctx, env); err != nil {
				slog.Debug("crdt sync publish failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// runRegistration registers with the orchestrator and then heartbeats
// under the node id the registry assigned us — not our own hostname,
// since registry.Registry mints its own uuid per entry.
func runRegistration(ctx context.Context, cfg *config.Config, nodeID string, stop <-chan struct{}) {
	client := &http.Client{Timeout: 5 * time.Second}
	heartbeatEvery := time.Duration(cfg.Orchestrator.HeartbeatSecs) * time.Second
	if heartbeatEvery <= 0 {
		heartbeatEvery = 10 * time.Second
	}

	var registryID string
	for registryID == "" {
		select {
		case <-stop:
			return
		default:
		}
		var resp registry.RegisterResponse
		if err := postJSON(client, cfg.Orchestrator.URL+"/api/v1/nodes/register", registry.RegisterRequest{}, &resp); err == nil {
			registryID = resp.NodeID
			slog.Info("registered with orchestrator", "url", cfg.Orchestrator.URL, "registry_node_id", registryID, "hostname", nodeID)
		} else {
			slog.Warn("orchestrator registration failed, retrying", "error", err)
			time.Sleep(heartbeatEvery)
		}
	}

	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			req := registry.HeartbeatRequest{NodeID: registryID}
			if err := postJSON(client, cfg.Orchestrator.URL+"/api/v1/nodes/heartbeat", req, nil); err != nil {
				slog.Warn("orchestrator heartbeat failed", "error", err)
			}
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func postJSON(client *http.Client, url string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func setupTLS(cfg config.TLSConfig) (*tls.Config, error) {
	var cert tls.Certificate
	var err error

	if cfg.AutoCert {
		cert, err = generateSelfSignedCert()
		if err != nil {
			return nil, fmt.Errorf("generating self-signed cert: %w", err)
		}
		slog.Warn("using auto-generated self-signed certificate (development only)")
	} else if cfg.CertPath != "" && cfg.KeyPath != "" {
		cert, err = tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("loading TLS certificate: %w", err)
		}
	} else {
		return nil, fmt.Errorf("TLS enabled but no certificate configured (set cert_path/key_path or auto_cert)")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tlsVersion(cfg.MinVersion, tls.VersionTLS12),
	}, nil
}

func tlsVersion(v string, fallback uint16) uint16 {
	switch v {
	case "1.2":
		return tls.VersionTLS12
	case "1.3":
		return tls.VersionTLS13
	default:
		return fallback
	}
}

func generateSelfSignedCert() (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"secbeat"},
			CommonName:   "localhost",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	privBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privBytes})

	return tls.X509KeyPair(certPEM, keyPEM)
}
