// Package l7proxy implements the mitigation node's L7 proxy: TLS
// termination, HTTP parsing with size limits, dynamic block
// enforcement, WAF inspection, upstream proxying, and asynchronous
// telemetry publication. Adapted from the upstream proxy handler's
// ServeHTTP pipeline (body capture, backend RoundTrip, response
// streaming) — same request lifecycle shape, replacing session/policy
// concerns with dynamic-block/WAF concerns per the per-request
// pipeline.
package l7proxy

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"secbeat/internal/dynamicrules"
	"secbeat/internal/ratelimit"
	"secbeat/internal/telemetry"
	"secbeat/internal/waf"
	"secbeat/internal/wire"
)

// Limits bounds request sizes the proxy will accept.
type Limits struct {
	MaxHeaderBytes int64
	MaxBodyBytes   int64
}

// DefaultLimits returns conservative size limits.
func DefaultLimits() Limits {
	return Limits{MaxHeaderBytes: 16 * 1024, MaxBodyBytes: 2 * 1024 * 1024}
}

// TelemetryPublisher is the narrow interface the proxy needs to emit
// events without blocking the response path.
type TelemetryPublisher interface {
	PublishTelemetry(ctx context.Context, ev wire.TelemetryEvent)
}

// Proxy is the mitigation node's per-connection HTTP handler.
type Proxy struct {
	nodeID      string
	backendURL  *url.URL
	transport   http.RoundTripper
	blocklist   dynamicrules.BlocklistControl
	rateLimit   *ratelimit.Limiter
	waf         *waf.Engine
	telemetry   *telemetry.Provider
	publisher   TelemetryPublisher
	limits      Limits
	trustedProxyHop bool
}

// Config wires a Proxy's collaborators.
type Config struct {
	NodeID          string
	BackendAddr     string
	Blocklist       dynamicrules.BlocklistControl
	RateLimit       *ratelimit.Limiter
	WAF             *waf.Engine
	Telemetry       *telemetry.Provider
	Publisher       TelemetryPublisher
	Limits          Limits
	TrustedProxyHop bool // honor X-Forwarded-For only when behind a trusted hop
}

// New constructs a Proxy from Config.
func New(cfg Config) (*Proxy, error) {
	backendURL, err := url.Parse(cfg.BackendAddr)
	if err != nil {
		return nil, err
	}
	tp := cfg.Telemetry
	if tp == nil {
		tp = telemetry.NoopProvider()
	}
	limits := cfg.Limits
	if limits.MaxHeaderBytes == 0 && limits.MaxBodyBytes == 0 {
		limits = DefaultLimits()
	}
	return &Proxy{
		nodeID:          cfg.NodeID,
		backendURL:      backendURL,
		transport:       http.DefaultTransport,
		blocklist:       cfg.Blocklist,
		rateLimit:       cfg.RateLimit,
		waf:             cfg.WAF,
		telemetry:       tp,
		publisher:       cfg.Publisher,
		limits:          limits,
		trustedProxyHop: cfg.TrustedProxyHop,
	}, nil
}

// ServeHTTP implements the per-request pipeline of §4.3.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	sourceIP := p.clientIP(r)

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("l7proxy: recovered from panic, failing closed", "panic", rec, "source_ip", sourceIP)
			p.emit(ctx, sourceIP, r, http.StatusInternalServerError, wire.TelemetryInternalError, nil, start)
			p.respondf(w, http.StatusInternalServerError, "internal error")
		}
	}()

	if p.limits.MaxHeaderBytes > 0 {
		var headerBytes int64
		for key, values := range r.Header {
			for _, v := range values {
				headerBytes += int64(len(key) + len(v))
			}
		}
		if headerBytes > p.limits.MaxHeaderBytes {
			p.respondOversized(w, ctx, sourceIP, r, start)
			return
		}
	}
	if r.ContentLength > p.limits.MaxBodyBytes {
		p.respondOversized(w, ctx, sourceIP, r, start)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, p.limits.MaxBodyBytes+1))
	if err != nil {
		p.respondf(w, http.StatusBadRequest, "malformed request")
		return
	}
	if int64(len(body)) > p.limits.MaxBodyBytes {
		p.respondOversized(w, ctx, sourceIP, r, start)
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	// Local rate limit, then dynamic block check.
	if p.rateLimit != nil && !p.rateLimit.Allow(sourceIP, start) {
		p.emit(ctx, sourceIP, r, http.StatusForbidden, wire.TelemetryBlockedDynamic, nil, start)
		p.respondf(w, http.StatusForbidden, "forbidden")
		return
	}
	if p.blocklist != nil && p.blocklist.Contains(sourceIP) {
		p.emit(ctx, sourceIP, r, http.StatusForbidden, wire.TelemetryBlockedDynamic, nil, start)
		p.respondf(w, http.StatusForbidden, "forbidden")
		return
	}

	// WAF inspection.
	var verdict waf.Verdict
	if p.waf != nil {
		verdict = p.waf.Inspect(toWAFRequest(r, body))
		ctx2, span := p.telemetry.StartRequestSpan(ctx, sourceIP, r.Method, r.URL.Path)
		ctx = ctx2
		p.telemetry.RecordWAFVerdict(ctx, string(verdict.Action), firstRuleID(verdict))
		defer func() {
			p.telemetry.EndRequestSpan(span, 0, int64(len(body)), 0, nil)
		}()
		if verdict.Action == waf.Block {
			p.emit(ctx, sourceIP, r, http.StatusForbidden, wire.TelemetryBlockedWAF, &verdict, start)
			p.respondf(w, http.StatusForbidden, "forbidden")
			return
		}
	}

	status, bytesOut, upstreamErr := p.forward(w, r, body)

	action := wire.TelemetryNone
	if upstreamErr != nil {
		action = wire.TelemetryUpstreamError
	}
	if status >= 400 || (p.waf != nil && verdict.Action == waf.Log) {
		p.emit(ctx, sourceIP, r, status, action, &verdict, start)
	}
	_ = bytesOut
}

func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, body []byte) (status int, bytesOut int64, err error) {
	targetURL := *p.backendURL
	targetURL.Path = r.URL.Path
	targetURL.RawQuery = r.URL.RawQuery

	req, buildErr := http.NewRequestWithContext(r.Context(), r.Method, targetURL.String(), bytes.NewReader(body))
	if buildErr != nil {
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return http.StatusBadGateway, 0, buildErr
	}
	for key, values := range r.Header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.Host = p.backendURL.Host

	resp, rtErr := p.transport.RoundTrip(req)
	if rtErr != nil {
		slog.Error("l7proxy: upstream request failed",
			"error", rtErr, "backend", p.backendURL.String(), "failure_type", DetectFailure(nil, rtErr).String())
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return http.StatusBadGateway, 0, rtErr
	}
	if ft := DetectFailure(resp, nil); ft == FailureServerError {
		slog.Warn("l7proxy: upstream returned a server error", "backend", p.backendURL.String(), "status", resp.StatusCode)
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	n, _ := io.Copy(w, resp.Body)
	return resp.StatusCode, n, nil
}

func (p *Proxy) respondOversized(w http.ResponseWriter, ctx context.Context, sourceIP string, r *http.Request, start time.Time) {
	p.emit(ctx, sourceIP, r, http.StatusRequestEntityTooLarge, wire.TelemetryBlockedOversized, nil, start)
	p.respondf(w, http.StatusRequestEntityTooLarge, "request too large")
}

func (p *Proxy) respondf(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	io.WriteString(w, `{"error":"`+msg+`"}`)
}

func (p *Proxy) emit(ctx context.Context, sourceIP string, r *http.Request, status int, action wire.TelemetryAction, verdict *waf.Verdict, start time.Time) {
	if p.publisher == nil {
		return
	}
	ev := wire.TelemetryEvent{
		NodeID:           p.nodeID,
		Timestamp:        time.Now().UTC(),
		SourceIP:         sourceIP,
		Method:           r.Method,
		URI:              r.URL.Path,
		ResponseStatus:   uint16(status),
		ProcessingTimeMS: uint32(time.Since(start).Milliseconds()),
		Action:           action,
	}
	if verdict != nil && verdict.Action != waf.Allow {
		ev.WAFVerdict = &wire.WAFVerdict{
			Action:            wire.WAFAction(verdict.Action),
			MatchedCategories: verdict.MatchedCategories,
			Confidence:        verdict.Confidence,
		}
	}
	// Fire-and-forget: handlers never await publish.
	go p.publisher.PublishTelemetry(context.WithoutCancel(ctx), ev)
}

func (p *Proxy) clientIP(r *http.Request) string {
	if p.trustedProxyHop {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			parts := strings.Split(fwd, ",")
			return strings.TrimSpace(parts[0])
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func toWAFRequest(r *http.Request, body []byte) waf.Request {
	query := make(map[string]string, len(r.URL.Query()))
	for k, vs := range r.URL.Query() {
		if len(vs) > 0 {
			query[k] = vs[0]
		}
	}
	headers := make(map[string]string, len(r.Header))
	for k, vs := range r.Header {
		if len(vs) > 0 {
			headers[k] = vs[0]
		}
	}
	const bodyPreviewLimit = 4096
	preview := body
	if len(preview) > bodyPreviewLimit {
		preview = preview[:bodyPreviewLimit]
	}
	return waf.Request{
		URI:         r.URL.Path,
		QueryParams: query,
		Headers:     headers,
		Body:        string(preview),
	}
}

func firstRuleID(v waf.Verdict) string {
	if len(v.Matches) == 0 {
		return ""
	}
	return v.Matches[0].RuleID
}

// newReverseProxy is kept as a thin helper for callers that want a
// plain httputil.ReverseProxy instead of the inspecting pipeline above
// — e.g. an uninspected health-check passthrough.
func newReverseProxy(backend *url.URL) *httputil.ReverseProxy {
	return httputil.NewSingleHostReverseProxy(backend)
}

// RequestID generates an identifier suitable for correlating a single
// proxied request across logs and telemetry.
func RequestID() string {
	return uuid.NewString()
}
