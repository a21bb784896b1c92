package xdpfilter

import (
	"runtime"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Stats mirrors the kernel's per-CPU counter array: one passed/dropped
// pair per logical CPU, so the data path never contends on a shared
// counter. Reads aggregate across CPUs; the data path only ever writes
// its own slot.
type Stats struct {
	passed  []atomic.Uint64
	dropped []atomic.Uint64

	passedTotal  prometheus.Counter
	droppedTotal prometheus.Counter
}

// NewStats allocates one counter pair per logical CPU and registers the
// aggregate Prometheus counter objects (exposition itself is out of
// scope; the objects are exercised directly here and by tests).
func NewStats(reg prometheus.Registerer) *Stats {
	n := runtime.NumCPU()
	if n < 1 {
		n = 1
	}
	s := &Stats{
		passed:  make([]atomic.Uint64, n),
		dropped: make([]atomic.Uint64, n),
		passedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "secbeat_xdp_packets_passed_total",
			Help: "Total packets the fast path decided to PASS.",
		}),
		droppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "secbeat_xdp_packets_dropped_total",
			Help: "Total packets the fast path decided to DROP.",
		}),
	}
	if reg != nil {
		reg.MustRegister(s.passedTotal, s.droppedTotal)
	}
	return s
}

// RecordPass increments the passed counter for cpu (cpu is reduced
// modulo the slice length so out-of-range callers never panic).
func (s *Stats) RecordPass(cpu int) {
	s.passed[cpu%len(s.passed)].Add(1)
	s.passedTotal.Inc()
}

// RecordDrop increments the dropped counter for cpu.
func (s *Stats) RecordDrop(cpu int) {
	s.dropped[cpu%len(s.dropped)].Add(1)
	s.droppedTotal.Inc()
}

// TotalPassed sums the per-CPU passed counters.
func (s *Stats) TotalPassed() uint64 {
	var total uint64
	for i := range s.passed {
		total += s.passed[i].Load()
	}
	return total
}

// TotalDropped sums the per-CPU dropped counters.
func (s *Stats) TotalDropped() uint64 {
	var total uint64
	for i := range s.dropped {
		total += s.dropped[i].Load()
	}
	return total
}
