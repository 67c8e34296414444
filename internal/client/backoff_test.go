package client

import (
	"math/rand"
	"testing"
	"time"

	"github.com/danmuck/uplinkctl/internal/testutil/testlog"
)

func TestNextBackoffDelayGrowsAndCaps(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{40, time.Second},
	}
	for _, tc := range cases {
		if got := NextBackoffDelay(cfg, tc.attempt, nil); got != tc.want {
			t.Fatalf("attempt %d: got %v want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestNextBackoffDelayJitterBounds(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 1, Jitter: true}
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		d := NextBackoffDelay(cfg, 3, rng)
		if d < 50*time.Millisecond || d >= 150*time.Millisecond {
			t.Fatalf("jittered delay out of range: %v", d)
		}
	}
}

func TestNextBackoffDelayDisabled(t *testing.T) {
	testlog.Start(t)
	if d := NextBackoffDelay(BackoffConfig{}, 3, nil); d != 0 {
		t.Fatalf("expected zero delay, got %v", d)
	}
	// multipliers below one never shrink the delay
	cfg := BackoffConfig{InitialDelay: time.Second, Multiplier: 0.5}
	if d := NextBackoffDelay(cfg, 4, nil); d != time.Second {
		t.Fatalf("expected %v, got %v", time.Second, d)
	}
}

func TestSessionFailuresGrowUntilStable(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second}

	failures := 0
	for want := 1; want <= 4; want++ {
		failures = nextSessionFailures(failures, 10*time.Millisecond, cfg)
		if failures != want {
			t.Fatalf("short session %d: got %d failures", want, failures)
		}
	}
	if got := NextBackoffDelay(cfg, failures, nil); got != 800*time.Millisecond {
		t.Fatalf("delay after %d failures: got %v", failures, got)
	}

	if got := nextSessionFailures(failures, 2*time.Second, cfg); got != 1 {
		t.Fatalf("stable session should reset the count, got %d", got)
	}
	if got := nextSessionFailures(3, 10*time.Second, BackoffConfig{}); got != 4 {
		t.Fatalf("default cap: got %d", got)
	}
}
