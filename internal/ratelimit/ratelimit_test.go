package ratelimit

import (
	"testing"
	"time"

	"secbeat/internal/dynamicrules"
)

func TestAllowPermitsUpToBurstThenBlocks(t *testing.T) {
	l := New(Config{RPSLimit: 10, Burst: 3, BlockTTL: time.Minute}, nil)
	now := time.Now()

	for i := 0; i < 3; i++ {
		if !l.Allow("203.0.113.1", now) {
			t.Fatalf("expected request %d within burst to be allowed", i)
		}
	}
	if l.Allow("203.0.113.1", now) {
		t.Fatalf("expected 4th request to exceed burst")
	}
}

func TestAllowRefillsOverTime(t *testing.T) {
	l := New(Config{RPSLimit: 10, Burst: 1, BlockTTL: time.Minute}, nil)
	now := time.Now()

	if !l.Allow("203.0.113.1", now) {
		t.Fatalf("expected first request to be allowed")
	}
	if l.Allow("203.0.113.1", now) {
		t.Fatalf("expected immediate second request to be denied")
	}
	later := now.Add(200 * time.Millisecond)
	if !l.Allow("203.0.113.1", later) {
		t.Fatalf("expected a token to have refilled after 200ms at 10rps")
	}
}

func TestZeroRPSLimitDisablesEnforcement(t *testing.T) {
	l := New(Config{}, nil)
	now := time.Now()
	for i := 0; i < 100; i++ {
		if !l.Allow("203.0.113.1", now) {
			t.Fatalf("expected unlimited allow when RPSLimit is zero")
		}
	}
}

func TestExhaustionInstallsDynamicBlock(t *testing.T) {
	store := dynamicrules.NewStore(time.Minute, nil)
	l := New(Config{RPSLimit: 5, Burst: 1, BlockTTL: time.Minute}, store)
	now := time.Now()

	l.Allow("203.0.113.1", now)
	l.Allow("203.0.113.1", now)

	if !store.Contains("203.0.113.1") {
		t.Fatalf("expected exhausted IP to be pushed into the blocklist")
	}
}
