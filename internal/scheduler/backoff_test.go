package scheduler

import (
	"testing"
	"time"
)

func TestDelayForGrowsExponentially(t *testing.T) {
	cfg := BackoffConfig{
		InitialDelay: time.Second,
		MaxDelay:     time.Hour,
		Multiplier:   2.0,
	}

	wants := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	for retries, want := range wants {
		if got := cfg.DelayFor(retries); got != want {
			t.Fatalf("retries=%d: got %v, want %v", retries, got, want)
		}
	}
}

func TestDelayForCapsAtMax(t *testing.T) {
	cfg := BackoffConfig{
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
	}

	if got := cfg.DelayFor(20); got != 10*time.Second {
		t.Fatalf("expected cap at 10s, got %v", got)
	}
}

func TestDelayForJitterStaysInBounds(t *testing.T) {
	cfg := BackoffConfig{
		InitialDelay: time.Second,
		MaxDelay:     time.Hour,
		Multiplier:   2.0,
		JitterFactor: 0.2,
	}

	base := 4 * time.Second
	lo := time.Duration(float64(base) * 0.8)
	hi := time.Duration(float64(base) * 1.2)
	for i := 0; i < 200; i++ {
		got := cfg.DelayFor(2)
		if got < lo || got > hi {
			t.Fatalf("jittered delay %v outside [%v, %v]", got, lo, hi)
		}
	}
}

func TestDelayForNegativeRetries(t *testing.T) {
	cfg := BackoffConfig{InitialDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2.0}
	if got := cfg.DelayFor(-3); got != time.Second {
		t.Fatalf("negative retries should behave like zero, got %v", got)
	}
}

func TestDelayForZeroConfigUsesDefaults(t *testing.T) {
	var cfg BackoffConfig
	got := cfg.DelayFor(0)
	if got < time.Second || got > 3*time.Second {
		t.Fatalf("zero config should fall back to the 2s default, got %v", got)
	}
}
