// Package anomaly implements the orchestrator's behavioral anomaly
// engine: a per-source-IP sliding window of request and error
// timestamps, threshold evaluation, and BlockCommand issuance with
// active-ban tracking to suppress duplicate commands. The sliding-window
// pruning mirrors the per-session request-time trimming pattern used
// elsewhere in this codebase for a similar "keep only the recent tail"
// shape.
package anomaly

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"secbeat/internal/wire"
)

// Config tunes the detector; defaults match §4.8.
type Config struct {
	Window          time.Duration
	ErrorThreshold  int
	RequestThreshold int
	BlockDuration   time.Duration
	CleanupInterval time.Duration
}

// DefaultConfig returns the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		Window:           60 * time.Second,
		ErrorThreshold:   50,
		RequestThreshold: 1000,
		BlockDuration:     300 * time.Second,
		CleanupInterval:   30 * time.Second,
	}
}

type window struct {
	requests []time.Time
	errors   []time.Time
}

type ban struct {
	expiresAt time.Time
}

// Publisher is the narrow interface the engine needs from the event
// bus: publish a command, retried with backoff, idempotent by id.
type Publisher interface {
	PublishCommand(ctx context.Context, cmd wire.BlockCommand) error
}

// Engine is the per-IP sliding-window detector.
type Engine struct {
	cfg       Config
	publisher Publisher

	mu      sync.Mutex
	windows map[string]*window
	bans    map[string]ban
}

// New constructs an Engine. publisher may be nil, in which case issued
// commands are only visible through Observe's return value.
func New(cfg Config, publisher Publisher) *Engine {
	if cfg.Window <= 0 {
		cfg = DefaultConfig()
	}
	return &Engine{
		cfg:       cfg,
		publisher: publisher,
		windows:   make(map[string]*window),
		bans:      make(map[string]ban),
	}
}

// Observe processes one TelemetryEvent: append to the IP's sliding
// window, prune to the horizon, and issue a BlockCommand if a threshold
// fires and the IP isn't already banned. Returns the command if one was
// issued (nil otherwise), primarily to make tests and callers that want
// synchronous visibility easy to write.
func (e *Engine) Observe(ctx context.Context, ev wire.TelemetryEvent, now time.Time) *wire.BlockCommand {
	e.mu.Lock()
	w, ok := e.windows[ev.SourceIP]
	if !ok {
		w = &window{}
		e.windows[ev.SourceIP] = w
	}
	w.requests = append(w.requests, now)
	if ev.ResponseStatus >= 400 {
		w.errors = append(w.errors, now)
	}
	w.requests = pruneBefore(w.requests, now.Add(-e.cfg.Window))
	w.errors = pruneBefore(w.errors, now.Add(-e.cfg.Window))

	if b, banned := e.bans[ev.SourceIP]; banned && b.expiresAt.After(now) {
		e.mu.Unlock()
		return nil
	}

	errCount, reqCount := len(w.errors), len(w.requests)
	errFired := errCount >= e.cfg.ErrorThreshold
	reqFired := reqCount >= e.cfg.RequestThreshold
	if !errFired && !reqFired {
		e.mu.Unlock()
		return nil
	}

	reason := tieBreakReason(errFired, reqFired, errCount, reqCount)
	e.bans[ev.SourceIP] = ban{expiresAt: now.Add(e.cfg.BlockDuration)}
	e.mu.Unlock()

	cmd := wire.BlockCommand{
		CommandID:  uuid.NewString(),
		Action:     wire.ActionAddBlock,
		TargetIP:   ev.SourceIP,
		TTLSeconds: uint32(e.cfg.BlockDuration.Seconds()),
		Reason:     reason,
		Timestamp:  now,
	}

	if e.publisher != nil {
		if err := e.publisher.PublishCommand(ctx, cmd); err != nil {
			slog.Error("anomaly: publishing block command failed", "ip", ev.SourceIP, "error", err)
		}
	}
	slog.Info("anomaly: block command issued", "ip", ev.SourceIP, "reason", reason, "command_id", cmd.CommandID)
	return &cmd
}

func tieBreakReason(errFired, reqFired bool, errCount, reqCount int) string {
	switch {
	case errFired && reqFired:
		return fmt.Sprintf("error_threshold_exceeded(%d)+request_threshold_exceeded(%d)", errCount, reqCount)
	case errFired:
		return fmt.Sprintf("error_threshold_exceeded(%d)", errCount)
	default:
		return fmt.Sprintf("request_threshold_exceeded(%d)", reqCount)
	}
}

func pruneBefore(ts []time.Time, horizon time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(horizon) {
		i++
	}
	if i == 0 {
		return ts
	}
	out := make([]time.Time, len(ts)-i)
	copy(out, ts[i:])
	return out
}

// Sweep removes IPs with no activity and expired bans, bounding memory
// growth. IPs with an unexpired ban but an empty window are retained
// (the ban still matters even if the window was already pruned empty).
func (e *Engine) Sweep(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for ip, w := range e.windows {
		w.requests = pruneBefore(w.requests, now.Add(-e.cfg.Window))
		w.errors = pruneBefore(w.errors, now.Add(-e.cfg.Window))
		b, banned := e.bans[ip]
		if len(w.requests) == 0 && len(w.errors) == 0 && !(banned && b.expiresAt.After(now)) {
			delete(e.windows, ip)
		}
	}
	for ip, b := range e.bans {
		if !b.expiresAt.After(now) {
			delete(e.bans, ip)
		}
	}
}

// Run starts the periodic sweeper; blocks until stop closes.
func (e *Engine) Run(stop <-chan struct{}) {
	interval := e.cfg.CleanupInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.Sweep(time.Now())
		case <-stop:
			return
		}
	}
}

// IsBanned reports whether ip currently has an active ban — primarily
// for tests and admin inspection.
func (e *Engine) IsBanned(ip string, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.bans[ip]
	return ok && b.expiresAt.After(now)
}
