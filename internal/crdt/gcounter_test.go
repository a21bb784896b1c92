package crdt

import "testing"

func TestMergeCommutative(t *testing.T) {
	a := GCounter{"n1": 5, "n2": 2}
	b := GCounter{"n1": 3, "n3": 7}
	if !a.Merge(b).Equal(b.Merge(a)) {
		t.Fatalf("merge not commutative")
	}
}

func TestMergeIdempotent(t *testing.T) {
	a := GCounter{"n1": 5, "n2": 2}
	if !a.Merge(a).Equal(a) {
		t.Fatalf("merge not idempotent")
	}
}

func TestMergeAssociative(t *testing.T) {
	a := GCounter{"n1": 5}
	b := GCounter{"n1": 3, "n2": 2}
	c := GCounter{"n3": 9, "n1": 1}

	left := a.Merge(b).Merge(c)
	right := a.Merge(b.Merge(c))
	if !left.Equal(right) {
		t.Fatalf("merge not associative: left=%v right=%v", left, right)
	}
}

func TestMergeNeverDecreases(t *testing.T) {
	a := GCounter{"n1": 10}
	b := GCounter{"n1": 3}
	merged := a.Merge(b)
	if merged["n1"] != 10 {
		t.Fatalf("merge must keep the max, got %d", merged["n1"])
	}
}

func TestConvergenceAfterDeltaExchange(t *testing.T) {
	regA := NewRegistry("node-a")
	regB := NewRegistry("node-b")

	key := "ip:198.51.100.9"
	regA.Inc(key, 10, 1000)
	regB.Inc(key, 20, 1000)

	// Exchange deltas both ways.
	regB.Merge(key, regA.Snapshot(key))
	regA.Merge(key, regB.Snapshot(key))

	if regA.Value(key) != 30 || regB.Value(key) != 30 {
		t.Fatalf("expected convergence to 30, got a=%d b=%d", regA.Value(key), regB.Value(key))
	}
	if !regA.Snapshot(key).Equal(regB.Snapshot(key)) {
		t.Fatalf("replicas did not converge to identical maps")
	}
}

func TestDeltasOnlyReturnChangedKeys(t *testing.T) {
	reg := NewRegistry("node-a")
	reg.Inc("k1", 5, 1)
	deltas := reg.Deltas()
	if len(deltas) != 1 {
		t.Fatalf("expected one delta, got %d", len(deltas))
	}
	// No further increment: next Deltas call should be empty.
	if d := reg.Deltas(); len(d) != 0 {
		t.Fatalf("expected no deltas when nothing changed, got %d", len(d))
	}
	reg.Inc("k1", 2, 2)
	if d := reg.Deltas(); len(d) != 1 {
		t.Fatalf("expected a delta after further increment, got %d", len(d))
	}
}

func TestFullState(t *testing.T) {
	reg := NewRegistry("node-a")
	reg.Inc("k1", 5, 1)
	reg.Inc("k2", 7, 1)

	// A prior Deltas call must not hide keys from FullState: it bypasses
	// the baseline entirely, unlike Deltas.
	reg.Deltas()

	full := reg.FullState()
	if len(full) != 2 {
		t.Fatalf("expected both keys in full state, got %d", len(full))
	}
	if full["k1"].Value() != 5 || full["k2"].Value() != 7 {
		t.Fatalf("unexpected full state values: %v", full)
	}

	// Mutating the returned snapshot must not affect the registry.
	full["k1"]["node-a"] = 999
	if reg.Value("k1") != 5 {
		t.Fatalf("FullState must return independent clones")
	}
}

func TestEvictIdle(t *testing.T) {
	reg := NewRegistry("node-a")
	reg.Inc("stale", 1, 100)
	reg.EvictIdle(1000, 60)
	if reg.KeyCount() != 0 {
		t.Fatalf("expected stale key evicted")
	}
}
