package waf

import "testing"

func TestInspectAllowsCleanRequest(t *testing.T) {
	e := NewEngine(Config{Rules: DefaultRules()}, nil)
	v := e.Inspect(Request{URI: "/health", QueryParams: map[string]string{"q": "hello"}})
	if v.Action != Allow {
		t.Fatalf("expected Allow, got %v (matches=%v)", v.Action, v.Matches)
	}
}

func TestInspectBlocksSQLInjection(t *testing.T) {
	e := NewEngine(Config{Rules: DefaultRules()}, nil)
	v := e.Inspect(Request{
		URI:         "/search",
		QueryParams: map[string]string{"q": "' OR '1'='1"},
	})
	if v.Action != Block {
		t.Fatalf("expected Block, got %v", v.Action)
	}
	found := false
	for _, c := range v.MatchedCategories {
		if c == string(SqlInjection) {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected sql_injection category in %v", v.MatchedCategories)
	}
}

func TestInspectBlocksPathTraversal(t *testing.T) {
	e := NewEngine(Config{Rules: DefaultRules()}, nil)
	v := e.Inspect(Request{URI: "/files/../../etc/passwd"})
	if v.Action != Block {
		t.Fatalf("expected Block for path traversal, got %v", v.Action)
	}
}

func TestInspectIsPure(t *testing.T) {
	e := NewEngine(Config{Rules: DefaultRules()}, nil)
	req := Request{URI: "/search", QueryParams: map[string]string{"q": "<script>alert(1)</script>"}}
	v1 := e.Inspect(req)
	v2 := e.Inspect(req)
	if v1.Action != v2.Action {
		t.Fatalf("Inspect must be pure: got %v then %v", v1.Action, v2.Action)
	}
}

func TestInspectLogDoesNotShortCircuit(t *testing.T) {
	rules := []Rule{
		{ID: "a-log", Category: Custom, Action: Log, Target: Target{Kind: TargetURI}, Pattern: "suspicious"},
	}
	e := NewEngine(Config{Rules: rules}, nil)
	v := e.Inspect(Request{URI: "/suspicious-path"})
	if v.Action != Log {
		t.Fatalf("expected Log, got %v", v.Action)
	}
}

func TestReloadSwapsRuleSetAtomically(t *testing.T) {
	e := NewEngine(Config{Rules: nil}, nil)
	if v := e.Inspect(Request{URI: "/anything"}); v.Action != Allow {
		t.Fatalf("expected Allow with empty rule set")
	}
	e.Reload([]Rule{
		{ID: "block-all", Category: Custom, Action: Block, Target: Target{Kind: TargetURI}, Pattern: ".*"},
	}, false)
	if v := e.Inspect(Request{URI: "/anything"}); v.Action != Block {
		t.Fatalf("expected Block after reload, got %v", v.Action)
	}
}

func TestEvaluationOrderDeterministic(t *testing.T) {
	rules := []Rule{
		{ID: "z-rule", Category: Xss, Action: Log, Target: Target{Kind: TargetURI}, Pattern: "x"},
		{ID: "a-rule", Category: CommandInjection, Action: Block, Target: Target{Kind: TargetURI}, Pattern: "x"},
	}
	e := NewEngine(Config{Rules: rules}, nil)
	// CommandInjection < Xss lexically, so a-rule (Block) must be evaluated
	// first and short-circuit rather than z-rule's Log.
	v := e.Inspect(Request{URI: "x"})
	if v.Action != Block {
		t.Fatalf("expected deterministic category order to hit the Block rule first, got %v", v.Action)
	}
}
