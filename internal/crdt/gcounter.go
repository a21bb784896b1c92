// Package crdt implements a sharded set of G-Counter CRDTs: one grow-only
// counter per key (e.g. per source IP), so fleet-wide rate limits see
// aggregate traffic even when a client spreads load across mitigation
// nodes behind a round-robin balancer.
package crdt

import "sync"

// GCounter is a single grow-only counter: a map from node id to that
// node's local monotonic count. Value is the sum; merge is element-wise
// max. Both operations never decrease any element, so convergence is
// guaranteed regardless of message order or duplication.
type GCounter map[string]uint64

// Clone returns an independent copy so callers can snapshot without
// racing a concurrent Merge.
func (c GCounter) Clone() GCounter {
	out := make(GCounter, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Value returns the sum across all nodes — the counter's current global
// value as far as this replica knows.
func (c GCounter) Value() uint64 {
	var total uint64
	for _, v := range c {
		total += v
	}
	return total
}

// Merge returns the element-wise max of c and other. Commutative,
// associative, idempotent: merge(A,B)==merge(B,A); merge(A,A)==A;
// merge(merge(A,B),C)==merge(A,merge(B,C)).
func (c GCounter) Merge(other GCounter) GCounter {
	out := make(GCounter, len(c)+len(other))
	for k, v := range c {
		out[k] = v
	}
	for k, v := range other {
		if cur, ok := out[k]; !ok || v > cur {
			out[k] = v
		}
	}
	return out
}

// Equal reports whether two counters hold identical per-node values —
// used to test convergence after delta exchange.
func (c GCounter) Equal(other GCounter) bool {
	if len(c) != len(other) {
		return false
	}
	for k, v := range c {
		if other[k] != v {
			return false
		}
	}
	return true
}

// Registry owns a set of named G-Counters (one per rate-limit key, e.g.
// "ip:198.51.100.9") behind a lock sharded by key hash, so concurrent
// increments/merges to independent keys never contend, matching the
// "sharded lock keyed by counter name" resource policy.
type Registry struct {
	nodeID string

	shards [shardCount]shard
}

const shardCount = 32

type shard struct {
	mu       sync.Mutex
	counters map[string]GCounter
	// baseline holds the last-broadcast local value per key, used to
	// compute whether a key has a pending delta to publish.
	baseline map[string]uint64
	lastSeen map[string]int64 // unix seconds, for TTL eviction
}

// NewRegistry creates a Registry whose local increments are attributed
// to nodeID.
func NewRegistry(nodeID string) *Registry {
	r := &Registry{nodeID: nodeID}
	for i := range r.shards {
		r.shards[i].counters = make(map[string]GCounter)
		r.shards[i].baseline = make(map[string]uint64)
		r.shards[i].lastSeen = make(map[string]int64)
	}
	return r
}

func (r *Registry) shardFor(key string) *shard {
	var h uint32 = 2166136261
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return &r.shards[h%shardCount]
}

// Inc adds delta to this node's local element of the counter for key,
// creating the counter if it does not yet exist.
func (r *Registry) Inc(key string, delta uint64, nowUnix int64) {
	sh := r.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	c, ok := sh.counters[key]
	if !ok {
		c = make(GCounter)
		sh.counters[key] = c
	}
	c[r.nodeID] += delta
	sh.lastSeen[key] = nowUnix
}

// Value returns the current global value (sum across nodes) for key.
func (r *Registry) Value(key string) uint64 {
	sh := r.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.counters[key].Value()
}

// Merge folds an externally-received counter into the local state for
// key — the receive side of the sync loop.
func (r *Registry) Merge(key string, incoming GCounter) {
	sh := r.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	cur := sh.counters[key]
	sh.counters[key] = cur.Merge(incoming)
}

// Snapshot returns a deep copy of the counter for key, or nil if unknown.
func (r *Registry) Snapshot(key string) GCounter {
	sh := r.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if c, ok := sh.counters[key]; ok {
		return c.Clone()
	}
	return nil
}

// Deltas returns the keys whose local element has grown past its last
// broadcast baseline, along with the full counter to publish, and
// advances the baseline for each returned key. Keys with no change are
// omitted so a sync tick only broadcasts what changed.
func (r *Registry) Deltas() map[string]GCounter {
	out := make(map[string]GCounter)
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.Lock()
		for key, c := range sh.counters {
			local := c[r.nodeID]
			if local > sh.baseline[key] {
				sh.baseline[key] = local
				out[key] = c.Clone()
			}
		}
		sh.mu.Unlock()
	}
	return out
}

// FullState returns every known counter, for the periodic full-state
// fallback broadcast that guards against a missed delta.
func (r *Registry) FullState() map[string]GCounter {
	out := make(map[string]GCounter)
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.Lock()
		for key, c := range sh.counters {
			out[key] = c.Clone()
		}
		sh.mu.Unlock()
	}
	return out
}

// EvictIdle removes keys whose last local increment is older than
// maxIdleSeconds. Only keys that have been incremented locally carry an
// idle timestamp: a key that exists here solely because Merge received
// it from a peer is never evicted, so such keys are not bounded by this
// call.
func (r *Registry) EvictIdle(nowUnix int64, maxIdleSeconds int64) {
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.Lock()
		for key, seen := range sh.lastSeen {
			if nowUnix-seen > maxIdleSeconds {
				delete(sh.counters, key)
				delete(sh.baseline, key)
				delete(sh.lastSeen, key)
			}
		}
		sh.mu.Unlock()
	}
}

// KeyCount returns the total number of distinct keys currently tracked.
func (r *Registry) KeyCount() int {
	total := 0
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.Lock()
		total += len(sh.counters)
		sh.mu.Unlock()
	}
	return total
}
