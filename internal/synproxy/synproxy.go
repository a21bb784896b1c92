// Package synproxy implements the userspace half of the SYN-cookie
// handshake: it verifies ACKs returning after an XDP-reflected SYN-ACK
// and, on success, hands the validated flow to the kernel's normal TCP
// accept path. It holds no per-connection state beyond a short-lived
// bridge table between verification and kernel accept.
package synproxy

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"secbeat/internal/wire"
)

// ErrCapacityExceeded names the pending-table-full condition. ValidateACK
// does not return it: on a full table it returns false and bumps the
// rejectedFull counter, and the client's retry succeeds once pressure
// abates, matching §4.2's resource-exhaustion semantics.
var ErrCapacityExceeded = errors.New("synproxy: pending validation table full")

// pendingEntry bridges the milliseconds between cookie verification and
// the local kernel socket accepting the flow.
type pendingEntry struct {
	tuple     wire.FourTuple
	expiresAt time.Time
}

// Proxy holds the bounded validation table and the shared cookie secret.
type Proxy struct {
	secret     [16]byte
	maxEntries int
	idleTTL    time.Duration

	mu      sync.Mutex
	pending map[wire.FourTuple]pendingEntry

	rejectedFull atomic.Uint64
	verified     atomic.Uint64
	discarded    atomic.Uint64
}

// New creates a Proxy. maxEntries bounds the pending table; idleTTL
// bounds how long a validated-but-not-yet-spliced entry may linger.
func New(secret [16]byte, maxEntries int, idleTTL time.Duration) *Proxy {
	if maxEntries <= 0 {
		maxEntries = 4096
	}
	if idleTTL <= 0 {
		idleTTL = 2 * time.Second
	}
	return &Proxy{
		secret:     secret,
		maxEntries: maxEntries,
		idleTTL:    idleTTL,
		pending:    make(map[wire.FourTuple]pendingEntry),
	}
}

// ValidateACK checks a returning ACK against the cookie algorithm: the
// ack number must equal gen(tuple, clientSeqBase, secret)+1. On success
// the flow is admitted to the pending table awaiting Splice; on failure
// nothing is recorded, so failed validations are silent to an attacker
// (indistinguishable from a dropped packet).
func (p *Proxy) ValidateACK(tuple wire.FourTuple, clientSeqBase uint32, ackSeq uint32) bool {
	if !wire.VerifyCookie(ackSeq, tuple, clientSeqBase, p.secret) {
		p.discarded.Add(1)
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) >= p.maxEntries {
		if _, exists := p.pending[tuple]; !exists {
			p.rejectedFull.Add(1)
			return false
		}
	}
	p.pending[tuple] = pendingEntry{tuple: tuple, expiresAt: time.Now().Add(p.idleTTL)}
	p.verified.Add(1)
	return true
}

// Splicer hands a validated flow to a real kernel socket path so the L7
// listener sees a normal accepted connection. A production deployment
// does this via a raw socket handshake or a kernel-assisted redirect;
// here it is an injected function so tests can observe the call without
// elevated privileges.
type Splicer func(tuple wire.FourTuple) error

// Splice looks up tuple in the pending table and, if present and not
// expired, invokes splice and removes the entry regardless of the
// splice outcome (a pending entry is one-shot).
func (p *Proxy) Splice(tuple wire.FourTuple, splice Splicer) error {
	p.mu.Lock()
	entry, ok := p.pending[tuple]
	if ok {
		delete(p.pending, tuple)
	}
	p.mu.Unlock()

	if !ok {
		return errors.New("synproxy: no pending validation for tuple")
	}
	if time.Now().After(entry.expiresAt) {
		return errors.New("synproxy: pending validation expired")
	}
	return splice(tuple)
}

// Sweep evicts pending entries that aged out without being spliced,
// bounding table growth under load. Call on a fixed cadence.
func (p *Proxy) Sweep() int {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	evicted := 0
	for k, e := range p.pending {
		if now.After(e.expiresAt) {
			delete(p.pending, k)
			evicted++
		}
	}
	return evicted
}

// Run starts the periodic sweeper; blocks until stop closes.
func (p *Proxy) Run(stop <-chan struct{}, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := p.Sweep(); n > 0 {
				slog.Debug("synproxy sweep evicted stale entries", "count", n)
			}
		case <-stop:
			return
		}
	}
}

// Stats returns verified/rejected/discarded counters for observability.
func (p *Proxy) Stats() (verified, rejectedFull, discarded uint64) {
	return p.verified.Load(), p.rejectedFull.Load(), p.discarded.Load()
}

// PendingCount reports the current pending-table size.
func (p *Proxy) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}
