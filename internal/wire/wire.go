// Package wire holds the on-the-wire types shared between the mitigation
// node and the orchestrator: telemetry events, block commands, CRDT sync
// envelopes, and the packet-layer constants the fast path and the SYN
// proxy must agree on.
package wire

import (
	"net"
	"strconv"
	"time"

	"secbeat/internal/crdt"
)

// CommandAction is the action carried by a BlockCommand.
type CommandAction string

const (
	ActionAddBlock    CommandAction = "add_block"
	ActionRemoveBlock CommandAction = "remove_block"
)

// WAFAction mirrors the WAF engine's verdict action, carried in telemetry.
type WAFAction string

const (
	WAFAllow WAFAction = "allow"
	WAFBlock WAFAction = "block"
	WAFLog   WAFAction = "log"
)

// TelemetryAction records why a request's outcome was notable enough to
// publish, beyond the raw WAF verdict (e.g. oversized body, internal
// failure) — it is what the anomaly engine and any operator tooling use
// to distinguish policy actions from infrastructure failures.
type TelemetryAction string

const (
	TelemetryNone             TelemetryAction = ""
	TelemetryBlockedOversized TelemetryAction = "blocked_oversized"
	TelemetryBlockedDynamic   TelemetryAction = "blocked_dynamic_rule"
	TelemetryBlockedWAF       TelemetryAction = "blocked_waf"
	TelemetryUpstreamError    TelemetryAction = "upstream_error"
	TelemetryInternalError    TelemetryAction = "internal_error"
)

// WAFVerdict is the optional WAF outcome attached to a TelemetryEvent.
type WAFVerdict struct {
	Action            WAFAction `json:"action"`
	MatchedCategories []string  `json:"matched_categories,omitempty"`
	Confidence        float64   `json:"confidence"`
}

// TelemetryEvent is produced once per L7 request, at response completion.
type TelemetryEvent struct {
	NodeID            string          `json:"node_id"`
	Timestamp         time.Time       `json:"timestamp"`
	SourceIP          string          `json:"source_ip"`
	Method            string          `json:"method"`
	URI               string          `json:"uri"`
	ResponseStatus    uint16          `json:"response_status"`
	WAFVerdict        *WAFVerdict     `json:"waf_verdict,omitempty"`
	ProcessingTimeMS  uint32          `json:"processing_time_ms"`
	Action            TelemetryAction `json:"action,omitempty"`
}

// BlockCommand is a fleet-wide instruction to add or remove a dynamic
// rule. Idempotent by CommandID: consumers must deduplicate on it.
type BlockCommand struct {
	CommandID   string        `json:"command_id"`
	Action      CommandAction `json:"action"`
	TargetIP    string        `json:"target_ip"`
	TTLSeconds  uint32        `json:"ttl_seconds"`
	Reason      string        `json:"reason"`
	Timestamp   time.Time     `json:"timestamp"`
}

// SyncEnvelope is the CRDT delta/full-state broadcast payload published on
// secbeat.state.sync.
type SyncEnvelope struct {
	NodeID    string                  `json:"node_id"`
	Timestamp time.Time               `json:"timestamp"`
	IsDelta   bool                    `json:"is_delta"`
	Counters  map[string]crdt.GCounter `json:"counters"`
}

// Subject builders for the pub/sub bus, kept in one place so every
// producer and consumer agrees on the naming scheme in §4.6.
func TelemetrySubject(nodeID string) string { return "secbeat.telemetry." + nodeID }

const (
	SubjectCommandsBlock = "secbeat.commands.block"
	SubjectEventsWAF     = "secbeat.events.waf"
	SubjectStateSync     = "secbeat.state.sync"
)

// CookieParams is the immutable block of parameters the XDP fast path and
// the SYN proxy must share in order to generate and verify the same SYN
// cookies. Secret rotation is out of scope: one secret for process
// lifetime, matching the "stateless" design in §4.1.
type CookieParams struct {
	Secret [16]byte
	MSS    uint16
	Window uint16
}

// FourTuple identifies a TCP flow; used both for cookie mixing and for
// the SYN proxy's short-lived validation table.
type FourTuple struct {
	SrcIP   [4]byte
	DstIP   [4]byte
	SrcPort uint16
	DstPort uint16
}

func (t FourTuple) String() string {
	return net.IP(t.SrcIP[:]).String() + ":" +
		strconv.Itoa(int(t.SrcPort)) + "->" +
		net.IP(t.DstIP[:]).String() + ":" + strconv.Itoa(int(t.DstPort))
}
