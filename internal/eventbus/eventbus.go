// Package eventbus provides the typed pub/sub client over Redis that
// carries telemetry up and commands down between mitigation nodes and
// the orchestrator, per the subject conventions in §4.6. Adapted from
// the session package's Redis-backed pub/sub (subscribe-on-connect,
// range-over-channel dispatch).
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"secbeat/internal/wire"
)

// Config configures the Redis connection backing the bus.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Bus is the typed pub/sub client.
type Bus struct {
	client *redis.Client

	mu   sync.Mutex
	seen map[string]time.Time // command_id -> first-seen time, for idempotency
}

// New connects to Redis and pings it so connection failures surface at
// startup rather than on the first publish.
func New(ctx context.Context, cfg Config) (*Bus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("eventbus: connecting to redis: %w", err)
	}
	return &Bus{client: client, seen: make(map[string]time.Time)}, nil
}

// Close releases the underlying Redis connection.
func (b *Bus) Close() error {
	return b.client.Close()
}

// PublishTelemetry publishes a TelemetryEvent on its per-node subject.
// At-most-once, volume-sensitive: publish failure is logged and
// swallowed, never propagated to the request path.
func (b *Bus) PublishTelemetry(ctx context.Context, ev wire.TelemetryEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Error("eventbus: marshal telemetry event failed", "error", err)
		return
	}
	subject := wire.TelemetrySubject(ev.NodeID)
	if err := b.client.Publish(ctx, subject, payload).Err(); err != nil {
		slog.Warn("eventbus: telemetry publish dropped", "subject", subject, "error", err)
	}
}

// PublishWAFEvent publishes an optional high-volume WAF event.
func (b *Bus) PublishWAFEvent(ctx context.Context, ev wire.TelemetryEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Error("eventbus: marshal waf event failed", "error", err)
		return
	}
	if err := b.client.Publish(ctx, wire.SubjectEventsWAF, payload).Err(); err != nil {
		slog.Debug("eventbus: waf event publish dropped", "error", err)
	}
}

// PublishCommand publishes a BlockCommand with bounded retry/backoff —
// at-least-once delivery, since a dropped command leaves the fleet out
// of sync. The command id makes repeated delivery idempotent at every
// consumer.
func (b *Bus) PublishCommand(ctx context.Context, cmd wire.BlockCommand) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("eventbus: marshal command: %w", err)
	}

	backoff := 50 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		if err := b.client.Publish(ctx, wire.SubjectCommandsBlock, payload).Err(); err == nil {
			return nil
		} else {
			lastErr = err
		}
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("eventbus: publishing command %s after retries: %w", cmd.CommandID, lastErr)
}

// PublishSync publishes a CRDT sync envelope.
func (b *Bus) PublishSync(ctx context.Context, env wire.SyncEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("eventbus: marshal sync envelope: %w", err)
	}
	return b.client.Publish(ctx, wire.SubjectStateSync, payload).Err()
}

// SubscribeCommands subscribes to secbeat.commands.block and invokes
// handler once per distinct command_id, deduplicating at-least-once
// redelivery. Blocks until ctx is cancelled.
func (b *Bus) SubscribeCommands(ctx context.Context, handler func(wire.BlockCommand)) error {
	sub := b.client.Subscribe(ctx, wire.SubjectCommandsBlock)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var cmd wire.BlockCommand
			if err := json.Unmarshal([]byte(msg.Payload), &cmd); err != nil {
				slog.Warn("eventbus: dropping malformed command payload", "error", err)
				continue
			}
			if b.markSeen(cmd.CommandID) {
				continue // already processed this command_id
			}
			handler(cmd)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SubscribeTelemetry subscribes to a node's telemetry subject (or, with
// nodeID "*", uses a pattern subscription across all nodes) and invokes
// handler per event. Used by the orchestrator's anomaly engine.
func (b *Bus) SubscribeTelemetry(ctx context.Context, nodeID string, handler func(wire.TelemetryEvent)) error {
	var sub *redis.PubSub
	if nodeID == "*" {
		sub = b.client.PSubscribe(ctx, "secbeat.telemetry.*")
	} else {
		sub = b.client.Subscribe(ctx, wire.TelemetrySubject(nodeID))
	}
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev wire.TelemetryEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				slog.Warn("eventbus: dropping malformed telemetry payload", "error", err)
				continue
			}
			handler(ev)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SubscribeSync subscribes to secbeat.state.sync and invokes handler per
// envelope; used by the CRDT sync loop to merge remote deltas.
func (b *Bus) SubscribeSync(ctx context.Context, handler func(wire.SyncEnvelope)) error {
	sub := b.client.Subscribe(ctx, wire.SubjectStateSync)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env wire.SyncEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				slog.Warn("eventbus: dropping malformed sync payload", "error", err)
				continue
			}
			handler(env)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// markSeen records commandID as processed and reports whether it was
// already seen (duplicate delivery). Entries older than an hour are
// swept lazily, whenever an insert brings the map size to a multiple of
// 256, to bound memory growth.
func (b *Bus) markSeen(commandID string) bool {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.seen[commandID]; ok {
		return true
	}
	b.seen[commandID] = now
	if len(b.seen)%256 == 0 {
		for id, t := range b.seen {
			if now.Sub(t) > time.Hour {
				delete(b.seen, id)
			}
		}
	}
	return false
}
