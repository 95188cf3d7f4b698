package httpapi

import (
	"testing"
	"time"
)

func TestWindowLimiterPerKey(t *testing.T) {
	now := time.Date(2026, time.February, 1, 0, 0, 0, 0, time.UTC)
	limiter := NewWindowLimiter(time.Minute, 2, func() time.Time { return now })

	if !limiter.Allow("a") || !limiter.Allow("a") {
		t.Fatal("expected first two calls to be allowed")
	}
	if limiter.Allow("a") {
		t.Fatal("expected third call to be denied")
	}
	if !limiter.Allow("b") {
		t.Fatal("expected another key to have its own budget")
	}

	now = now.Add(61 * time.Second)
	if !limiter.Allow("a") {
		t.Fatal("expected limiter to permit call after window passes")
	}
	if len(limiter.events) != 1 {
		t.Fatalf("expected expired keys to be forgotten, have %d", len(limiter.events))
	}
}

func TestWindowLimiterDisabled(t *testing.T) {
	if !NewWindowLimiter(0, 0, nil).Allow("x") {
		t.Fatal("limiter with zero configuration should allow")
	}
}
