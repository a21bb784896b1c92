package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"secbeat/internal/anomaly"
	"secbeat/internal/auditlog"
	"secbeat/internal/config"
	"secbeat/internal/crdt"
	"secbeat/internal/eventbus"
	"secbeat/internal/registry"
	"secbeat/internal/telemetry"
	"secbeat/internal/wire"
)

// Exit codes, matching the mitigation node's scheme (§ external
// interfaces): the orchestrator never touches TLS material or raw
// sockets, so exitTLSUnreadable and exitCapabilityDenied are reserved
// here rather than reachable, kept for a consistent process contract
// across both binaries.
const (
	exitOK               = 0
	exitConfigInvalid    = 1
	exitTLSUnreadable    = 2
	exitBindFailure      = 3
	exitCapabilityDenied = 4
)

func main() {
	configPath := flag.String("config", "configs/orchestrator.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(exitConfigInvalid)
	}
	if cfg.Role != config.RoleOrchestrator {
		slog.Error("config role mismatch for this binary", "role", cfg.Role, "want", config.RoleOrchestrator)
		os.Exit(exitConfigInvalid)
	}

	logLevel := slog.LevelInfo
	if cfg.Logging.Level == "debug" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	nodeID := nodeIdentity()
	slog.Info("starting secbeat orchestrator", "node_id", nodeID, "listen", cfg.Orchestrator.ListenAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

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

	// Node registry: registration/heartbeat HTTP API plus the
	// dead-node sweeper, backing the fleet membership view the
	// anomaly engine's commands ultimately target.
	reg := registry.New(time.Duration(cfg.Orchestrator.HeartbeatTimeoutSecs) * time.Second)
	go reg.Run(ctx.Done(), 10*time.Second)
	registryHandler := registry.NewHandler(reg)

	// Durable audit trail of issued BlockCommands; absence is never
	// fatal, matching telemetry's degrade pattern — the orchestrator
	// still issues commands, it just can't replay its own history.
	var audit *auditlog.Store
	if cfg.Audit.Enabled {
		audit, err = auditlog.Open(cfg.Audit.Path)
		if err != nil {
			slog.Warn("audit log unavailable, continuing without durable history", "error", err)
			audit = nil
		}
	}

	// Event bus: never fatal at startup. Without it the anomaly
	// engine never observes telemetry and never issues commands, but
	// the registry API still serves registration/heartbeat traffic.
	var bus *eventbus.Bus
	if cfg.Bus.Enabled {
		bus, err = eventbus.New(ctx, eventbus.Config{Addr: cfg.Bus.URL, Password: cfg.Bus.Password, DB: cfg.Bus.DB})
		if err != nil {
			slog.Warn("event bus unavailable, continuing without fleet telemetry/commands", "error", err)
			bus = nil
		} else {
			slog.Info("event bus connected", "addr", cfg.Bus.URL)
		}
	}

	counters := crdt.NewRegistry(nodeID)

	publisher := newCommandPublisher(bus, audit, tp)
	engine := anomaly.New(anomaly.Config{
		Window:          cfg.Behavioral.WindowDuration(),
		ErrorThreshold:  cfg.Behavioral.ErrorThreshold,
		RequestThreshold: cfg.Behavioral.RequestThreshold,
		BlockDuration:   cfg.Behavioral.BlockDurationDuration(),
		CleanupInterval: cfg.Behavioral.CleanupIntervalDuration(),
	}, publisher)
	go engine.Run(ctx.Done())

	if bus != nil {
		go subscribeTelemetry(ctx, bus, engine, counters)
		go subscribeSync(ctx, bus, counters)
		go runSyncBroadcast(ctx, bus, counters, nodeID)
	}

	server := &http.Server{
		Addr:         cfg.Orchestrator.ListenAddr,
		Handler:      registryHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		slog.Info("registry API starting", "addr", cfg.Orchestrator.ListenAddr)
		if serveErr := server.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
			errChan <- fmt.Errorf("registry API server error: %w", serveErr)
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

	slog.Info("shutting down orchestrator")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("registry API shutdown error", "error", err)
	}
	if bus != nil {
		if err := bus.Close(); err != nil {
			slog.Error("event bus close error", "error", err)
		}
	}
	if audit != nil {
		if err := audit.Close(); err != nil {
			slog.Error("audit log close error", "error", err)
		}
	}
	if tp != nil {
		if err := tp.Shutdown(shutdownCtx); err != nil {
			slog.Error("telemetry shutdown error", "error", err)
		}
	}

	slog.Info("orchestrator stopped")
}

func isBindError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "bind:")
}

func nodeIdentity() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "orchestrator"
	}
	return host
}

// commandPublisher implements anomaly.Publisher: it publishes issued
// BlockCommands to the bus (if connected), records them to the audit
// log (if enabled), and traces them — three independent sinks, none of
// which block or fail the others.
type commandPublisher struct {
	bus       *eventbus.Bus
	audit     *auditlog.Store
	telemetry *telemetry.Provider
}

func newCommandPublisher(bus *eventbus.Bus, audit *auditlog.Store, tp *telemetry.Provider) *commandPublisher {
	return &commandPublisher{bus: bus, audit: audit, telemetry: tp}
}

func (p *commandPublisher) PublishCommand(ctx context.Context, cmd wire.BlockCommand) error {
	if p.audit != nil {
		if err := p.audit.RecordCommand(cmd); err != nil {
			slog.Error("audit log record failed", "command_id", cmd.CommandID, "error", err)
		}
	}
	if p.telemetry != nil {
		p.telemetry.RecordBlockIssued(ctx, cmd.TargetIP, cmd.Reason, cmd.TTLSeconds)
	}
	if p.bus == nil {
		return nil
	}
	return p.bus.PublishCommand(ctx, cmd)
}

// subscribeTelemetry feeds every node's telemetry into the anomaly
// engine and folds per-IP activity into the CRDT counter registry, so
// fleet-wide counts stay current even for IPs the engine hasn't fired
// a threshold on yet.
func subscribeTelemetry(ctx context.Context, bus *eventbus.Bus, engine *anomaly.Engine, counters *crdt.Registry) {
	err := bus.SubscribeTelemetry(ctx, "*", func(ev wire.TelemetryEvent) {
		counters.Inc("requests:"+ev.SourceIP, 1, time.Now().Unix())
		engine.Observe(ctx, ev, time.Now())
	})
	if err != nil && ctx.Err() == nil {
		slog.Error("telemetry subscription ended unexpectedly", "error", err)
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
