package l7proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"secbeat/internal/dynamicrules"
	"secbeat/internal/waf"
	"secbeat/internal/wire"
)

// fakePublisher records every TelemetryEvent it is handed, synchronously
// enough for tests to observe despite the proxy's fire-and-forget publish.
type fakePublisher struct {
	mu     sync.Mutex
	events []wire.TelemetryEvent
	done   chan struct{}
}

func newFakePublisher(expect int) *fakePublisher {
	return &fakePublisher{done: make(chan struct{}, expect)}
}

func (f *fakePublisher) PublishTelemetry(_ context.Context, ev wire.TelemetryEvent) {
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
	f.done <- struct{}{}
}

func (f *fakePublisher) waitFor(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-f.done:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %d telemetry events", n)
		}
	}
}

func (f *fakePublisher) snapshot() []wire.TelemetryEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]wire.TelemetryEvent, len(f.events))
	copy(out, f.events)
	return out
}

func TestOversizedBodyReturns413AndPublishesTelemetry(t *testing.T) {
	pub := newFakePublisher(1)
	p, err := New(Config{
		NodeID:      "node-1",
		BackendAddr: "http://127.0.0.1:0",
		Publisher:   pub,
		Limits:      Limits{MaxHeaderBytes: 1024, MaxBodyBytes: 8},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader(strings.Repeat("a", 64)))
	req.RemoteAddr = "203.0.113.9:5555"
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
	pub.waitFor(t, 1)
	events := pub.snapshot()
	if events[0].Action != wire.TelemetryBlockedOversized {
		t.Fatalf("expected blocked_oversized action, got %q", events[0].Action)
	}
}

func TestDynamicBlockedIPReturns403AndPublishesTelemetry(t *testing.T) {
	blocklist := dynamicrules.NewStore(time.Minute, nil)
	blocklist.Add("203.0.113.9", time.Minute, "test block")

	pub := newFakePublisher(1)
	p, err := New(Config{
		NodeID:      "node-1",
		BackendAddr: "http://127.0.0.1:0",
		Blocklist:   blocklist,
		Publisher:   pub,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.9:5555"
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	pub.waitFor(t, 1)
	events := pub.snapshot()
	if events[0].Action != wire.TelemetryBlockedDynamic {
		t.Fatalf("expected blocked_dynamic_rule action, got %q", events[0].Action)
	}
}

func TestWAFBlockedRequestReturns403AndNeverContactsUpstream(t *testing.T) {
	upstreamCalled := false
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCalled = true
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	engine := waf.NewEngine(waf.Config{Rules: []waf.Rule{
		{ID: "sqli-1", Category: waf.SqlInjection, Pattern: `(?i)union\s+select`, Action: waf.Block, Target: waf.Target{Kind: waf.TargetQueryParam}},
	}}, nil)

	pub := newFakePublisher(1)
	p, err := New(Config{
		NodeID:      "node-1",
		BackendAddr: backend.URL,
		WAF:         engine,
		Publisher:   pub,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/search?q=union+select+*+from+users", nil)
	req.RemoteAddr = "203.0.113.9:5555"
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if upstreamCalled {
		t.Fatalf("expected upstream never to be contacted for a WAF-blocked request")
	}
	pub.waitFor(t, 1)
	events := pub.snapshot()
	if events[0].Action != wire.TelemetryBlockedWAF {
		t.Fatalf("expected blocked_waf action, got %q", events[0].Action)
	}
}

func TestCleanRequestIsForwardedAndNoTelemetryOnSuccess(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer backend.Close()

	pub := newFakePublisher(0)
	p, err := New(Config{
		NodeID:      "node-1",
		BackendAddr: backend.URL,
		Publisher:   pub,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "203.0.113.9:5555"
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "ok" {
		t.Fatalf("expected body to be proxied through, got %q", rec.Body.String())
	}
	time.Sleep(20 * time.Millisecond)
	if len(pub.snapshot()) != 0 {
		t.Fatalf("expected no telemetry for a clean 200 response, got %d events", len(pub.snapshot()))
	}
}

func TestWAFLogActionAllowsRequestButStillPublishesTelemetry(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	engine := waf.NewEngine(waf.Config{Rules: []waf.Rule{
		{ID: "susp-1", Category: waf.Custom, Pattern: `(?i)sqlmap`, Action: waf.Log, Target: waf.Target{Kind: waf.TargetHeader, Name: "User-Agent"}},
	}}, nil)

	pub := newFakePublisher(1)
	p, err := New(Config{
		NodeID:      "node-1",
		BackendAddr: backend.URL,
		WAF:         engine,
		Publisher:   pub,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.9:5555"
	req.Header.Set("User-Agent", "sqlmap/1.6")
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected request to be allowed through, got %d", rec.Code)
	}
	pub.waitFor(t, 1)
	events := pub.snapshot()
	if events[0].WAFVerdict == nil || string(events[0].WAFVerdict.Action) != string(waf.Log) {
		t.Fatalf("expected a log-action WAF verdict attached, got %+v", events[0].WAFVerdict)
	}
}

func TestTrustedProxyHopHonorsXForwardedFor(t *testing.T) {
	blocklist := dynamicrules.NewStore(time.Minute, nil)
	blocklist.Add("198.51.100.20", time.Minute, "test block")

	p, err := New(Config{
		NodeID:          "node-1",
		BackendAddr:     "http://127.0.0.1:0",
		Blocklist:       blocklist,
		TrustedProxyHop: true,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	req.Header.Set("X-Forwarded-For", "198.51.100.20, 10.0.0.1")
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected X-Forwarded-For client to be matched against blocklist, got %d", rec.Code)
	}
}

func TestUntrustedProxyHopIgnoresXForwardedFor(t *testing.T) {
	blocklist := dynamicrules.NewStore(time.Minute, nil)
	blocklist.Add("198.51.100.20", time.Minute, "test block")
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	p, err := New(Config{
		NodeID:      "node-1",
		BackendAddr: backend.URL,
		Blocklist:   blocklist,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	req.Header.Set("X-Forwarded-For", "198.51.100.20")
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected blocklist check to use RemoteAddr, not spoofable X-Forwarded-For, got %d", rec.Code)
	}
}
