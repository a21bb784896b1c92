// Package waf implements the regex-based WAF engine: a compiled rule
// catalog keyed by attack category, evaluated in deterministic order
// against a request's URI, query parameters, headers, and a bounded body
// preview, producing an Allow/Block/Log verdict with per-inspection
// latency observed into a histogram.
package waf

import (
	"regexp"
	"sort"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Category is the attack class a rule detects.
type Category string

const (
	SqlInjection     Category = "sql_injection"
	Xss              Category = "xss"
	PathTraversal    Category = "path_traversal"
	CommandInjection Category = "command_injection"
	Custom           Category = "custom"
)

// Action is what a matching rule does.
type Action string

const (
	Allow Action = "allow"
	Block Action = "block"
	Log   Action = "log"
)

// TargetKind selects which part of the request a rule inspects.
type TargetKind string

const (
	TargetURI         TargetKind = "uri"
	TargetQueryParam   TargetKind = "query_param"
	TargetHeader       TargetKind = "header"
	TargetBodyPreview  TargetKind = "body_preview"
)

// Target names the field a rule applies to: Kind selects the request
// part, Name optionally narrows it to a specific query param or header.
type Target struct {
	Kind TargetKind
	Name string // query param or header name; ignored for URI/BodyPreview
}

// Rule is one WAF pattern before compilation.
type Rule struct {
	ID       string
	Category Category
	Pattern  string
	Action   Action
	Target   Target
}

// CompiledRule pairs a Rule with its compiled regexp.
type CompiledRule struct {
	Rule
	re *regexp.Regexp
}

// Match is one matching rule hit, attached to a Verdict.
type Match struct {
	RuleID     string
	Category   Category
	MatchedText string
}

// Verdict is the engine's decision for one request.
type Verdict struct {
	Action            Action
	MatchedCategories []string
	Confidence        float64
	Matches           []Match
}

// Request is the minimal view of an HTTP request the engine inspects.
// Body is a bounded preview, already truncated by the caller.
type Request struct {
	URI         string
	QueryParams map[string]string
	Headers     map[string]string
	Body        string
}

// Engine holds the compiled rule catalog behind an atomic pointer so
// updates swap in a fresh catalog without readers ever blocking.
type Engine struct {
	rules atomic.Pointer[[]CompiledRule]

	budget time.Duration // per-request inspection time budget; 0 = unbounded

	latency *prometheus.HistogramVec
}

// Config configures rule compilation and the inspection time budget.
type Config struct {
	Rules        []Rule
	Budget       time.Duration
	CaseInsensitive bool
}

// NewEngine compiles rules and returns a ready Engine. Rules are sorted
// by (category, id) for a deterministic evaluation order, matching
// §4.4. Malformed patterns are skipped rather than aborting the whole
// catalog, since one bad custom rule should not disable the WAF.
func NewEngine(cfg Config, reg prometheus.Registerer) *Engine {
	e := &Engine{budget: cfg.Budget}
	e.latency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "secbeat_waf_inspection_duration_seconds",
		Help:    "WAF per-request inspection latency, labeled by result and category.",
		Buckets: prometheus.DefBuckets,
	}, []string{"result", "category"})
	if reg != nil {
		reg.MustRegister(e.latency)
	}
	e.Reload(cfg.Rules, cfg.CaseInsensitive)
	return e
}

// Reload atomically swaps in a newly compiled rule set — the "atomic
// swap for reload" the engine exposes per §4.4.
func (e *Engine) Reload(rules []Rule, caseInsensitive bool) {
	compiled := make([]CompiledRule, 0, len(rules))
	for _, r := range rules {
		pattern := r.Pattern
		if caseInsensitive {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			continue
		}
		compiled = append(compiled, CompiledRule{Rule: r, re: re})
	}
	sort.Slice(compiled, func(i, j int) bool {
		if compiled[i].Category != compiled[j].Category {
			return compiled[i].Category < compiled[j].Category
		}
		return compiled[i].ID < compiled[j].ID
	})
	e.rules.Store(&compiled)
}

// Inspect runs the deterministic catalog over req. The first Block wins
// and short-circuits; Log matches accumulate without short-circuiting.
// If the per-request time budget is exceeded, inspection aborts with a
// fail-closed Block verdict carrying a distinct category so the
// condition is visible in telemetry rather than silently passing.
func (e *Engine) Inspect(req Request) Verdict {
	start := time.Now()
	rulesPtr := e.rules.Load()
	if rulesPtr == nil {
		e.observe(start, "allow", "none")
		return Verdict{Action: Allow}
	}

	var logMatches []Match
	categories := map[string]struct{}{}

	for _, cr := range *rulesPtr {
		if e.budget > 0 && time.Since(start) > e.budget {
			e.observe(start, "block", "budget_exceeded")
			return Verdict{
				Action:            Block,
				MatchedCategories: []string{"budget_exceeded"},
				Confidence:        1,
			}
		}

		text, ok := extractTarget(req, cr.Target)
		if !ok {
			continue
		}
		loc := cr.re.FindStringIndex(text)
		if loc == nil {
			continue
		}
		m := Match{RuleID: cr.ID, Category: cr.Category, MatchedText: truncateMatch(text[loc[0]:loc[1]])}
		categories[string(cr.Category)] = struct{}{}

		switch cr.Action {
		case Block:
			e.observe(start, "block", string(cr.Category))
			return Verdict{
				Action:            Block,
				MatchedCategories: sortedKeys(categories),
				Confidence:        1,
				Matches:           append(logMatches, m),
			}
		case Log:
			logMatches = append(logMatches, m)
		}
	}

	if len(logMatches) > 0 {
		e.observe(start, "log", firstCategory(logMatches))
		return Verdict{
			Action:            Log,
			MatchedCategories: sortedKeys(categories),
			Confidence:        0.5,
			Matches:           logMatches,
		}
	}

	e.observe(start, "allow", "none")
	return Verdict{Action: Allow}
}

func (e *Engine) observe(start time.Time, result, category string) {
	e.latency.WithLabelValues(result, category).Observe(time.Since(start).Seconds())
}

// extractTarget returns the text a rule should match against. A Name of
// "" or "*" scans every value of that kind (every query param, every
// header) concatenated with newlines, so a rule can cover a whole class
// of fields without one copy per field name.
func extractTarget(req Request, t Target) (string, bool) {
	switch t.Kind {
	case TargetURI:
		return req.URI, true
	case TargetQueryParam:
		if t.Name == "" || t.Name == "*" {
			return joinValues(req.QueryParams), len(req.QueryParams) > 0
		}
		v, ok := req.QueryParams[t.Name]
		return v, ok
	case TargetHeader:
		if t.Name == "" || t.Name == "*" {
			return joinValues(req.Headers), len(req.Headers) > 0
		}
		v, ok := req.Headers[t.Name]
		return v, ok
	case TargetBodyPreview:
		return req.Body, true
	default:
		return "", false
	}
}

func joinValues(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	out := make([]byte, 0, 64)
	for _, v := range m {
		out = append(out, v...)
		out = append(out, '\n')
	}
	return string(out)
}

func truncateMatch(s string) string {
	const max = 120
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func firstCategory(matches []Match) string {
	if len(matches) == 0 {
		return "none"
	}
	return string(matches[0].Category)
}
