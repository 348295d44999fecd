package circuit

import (
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func failingCall() error { return errBoom }
func okCall() error      { return nil }

func newTestBreaker(threshold int, cooldown time.Duration) *Breaker {
	return NewBreaker("test", Config{
		FailureThreshold: threshold,
		FailureWindow:    time.Minute,
		Cooldown:         cooldown,
	}, nil)
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b := newTestBreaker(5, time.Minute)

	for i := 0; i < 4; i++ {
		if err := b.Execute(failingCall); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: expected call error, got %v", i, err)
		}
		if state := b.GetState(); state != StateClosed {
			t.Fatalf("call %d: expected closed, got %s", i, state)
		}
	}

	if err := b.Execute(failingCall); !errors.Is(err, errBoom) {
		t.Fatalf("expected call error, got %v", err)
	}
	if state := b.GetState(); state != StateOpen {
		t.Fatalf("expected open after %d failures, got %s", 5, state)
	}
}

func TestBreakerShortCircuitsWhileOpen(t *testing.T) {
	b := newTestBreaker(1, time.Minute)

	if err := b.Execute(failingCall); !errors.Is(err, errBoom) {
		t.Fatalf("expected call error, got %v", err)
	}

	calls := 0
	err := b.Execute(func() error {
		calls++
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("open breaker must not invoke the call, got %d invocations", calls)
	}
}

func TestBreakerHalfOpenProbeSuccessCloses(t *testing.T) {
	b := newTestBreaker(1, 20*time.Millisecond)

	b.Execute(failingCall)
	if state := b.GetState(); state != StateOpen {
		t.Fatalf("expected open, got %s", state)
	}

	time.Sleep(30 * time.Millisecond)

	if err := b.Execute(okCall); err != nil {
		t.Fatalf("probe should pass through, got %v", err)
	}
	if state := b.GetState(); state != StateClosed {
		t.Fatalf("expected closed after successful probe, got %s", state)
	}

	// Failure counters must reset on close
	if err := b.Execute(failingCall); !errors.Is(err, errBoom) {
		t.Fatalf("expected call error, got %v", err)
	}
}

func TestBreakerHalfOpenProbeFailureReopens(t *testing.T) {
	b := newTestBreaker(1, 20*time.Millisecond)

	b.Execute(failingCall)
	time.Sleep(30 * time.Millisecond)

	if err := b.Execute(failingCall); !errors.Is(err, errBoom) {
		t.Fatalf("probe should pass through, got %v", err)
	}
	if state := b.GetState(); state != StateOpen {
		t.Fatalf("expected open after failed probe, got %s", state)
	}

	// Cooldown restarted: still short-circuiting immediately after
	if err := b.Execute(okCall); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen during restarted cooldown, got %v", err)
	}
}

func TestBreakerSingleProbeSlot(t *testing.T) {
	b := newTestBreaker(1, 10*time.Millisecond)

	b.Execute(failingCall)
	time.Sleep(20 * time.Millisecond)

	probeStarted := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- b.Execute(func() error {
			close(probeStarted)
			<-release
			return nil
		})
	}()

	<-probeStarted
	// A second caller during the in-flight probe is rejected as if open
	if err := b.Execute(okCall); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen while probe in flight, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("probe should succeed, got %v", err)
	}
	if state := b.GetState(); state != StateClosed {
		t.Fatalf("expected closed, got %s", state)
	}
}

func TestBreakerStaleOutcomeDoesNotFinishProbe(t *testing.T) {
	b := newTestBreaker(1, 10*time.Millisecond)

	// Admit a call while closed but hold its outcome.
	staleGen, err := b.acquire()
	if err != nil {
		t.Fatalf("closed breaker must admit, got %v", err)
	}

	// Trip the breaker and let the cooldown elapse.
	b.Execute(failingCall)
	time.Sleep(20 * time.Millisecond)

	probeGen, err := b.acquire()
	if err != nil {
		t.Fatalf("probe should be admitted, got %v", err)
	}
	if state := b.GetState(); state != StateHalfOpen {
		t.Fatalf("expected half_open, got %s", state)
	}

	// The slow closed-era call finishing now must not free the probe slot
	// or close the breaker.
	b.record(staleGen, nil)
	if state := b.GetState(); state != StateHalfOpen {
		t.Fatalf("stale success must not change state, got %s", state)
	}
	if _, err := b.acquire(); !errors.Is(err, ErrOpen) {
		t.Fatalf("probe slot must still be occupied, got %v", err)
	}

	b.record(probeGen, nil)
	if state := b.GetState(); state != StateClosed {
		t.Fatalf("real probe success should close, got %s", state)
	}
}

func TestBreakerForceReset(t *testing.T) {
	b := newTestBreaker(1, time.Minute)

	b.Execute(failingCall)
	if state := b.GetState(); state != StateOpen {
		t.Fatalf("expected open, got %s", state)
	}

	b.ForceReset()
	if state := b.GetState(); state != StateClosed {
		t.Fatalf("expected closed after reset, got %s", state)
	}
	if err := b.Execute(okCall); err != nil {
		t.Fatalf("expected pass-through after reset, got %v", err)
	}
}

func TestRegistryReturnsSameBreakerPerClass(t *testing.T) {
	r := NewRegistry(DefaultConfig(), nil)

	a := r.Get("place_order")
	b := r.Get("place_order")
	if a != b {
		t.Fatal("expected the same breaker instance per call class")
	}
	c := r.Get("market_data")
	if a == c {
		t.Fatal("expected distinct breakers for distinct call classes")
	}
	if len(r.All()) != 2 {
		t.Fatalf("expected 2 breakers, got %d", len(r.All()))
	}
}
