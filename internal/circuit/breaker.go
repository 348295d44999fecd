// Package circuit implements failure isolation for outbound exchange calls.
// One breaker guards one call class ("place_order", "market_data", ...); it is
// the sole gate between the scheduler/risk engine and the exchange client.
package circuit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"listing-sniper/internal/events"
	"listing-sniper/internal/metrics"
)

// State represents the circuit breaker state
type State string

const (
	StateClosed   State = "closed"    // Calls pass through, failures counted
	StateOpen     State = "open"      // Calls fail immediately
	StateHalfOpen State = "half_open" // One probe call allowed
)

// ErrOpen is returned when a call is short-circuited. No network attempt was
// made; callers should treat it as a transient failure.
var ErrOpen = errors.New("circuit breaker open")

// Config holds circuit breaker configuration
type Config struct {
	FailureThreshold int           `json:"failure_threshold"` // Failures within window to trip
	FailureWindow    time.Duration `json:"failure_window"`    // Rolling window for failure counting
	Cooldown         time.Duration `json:"cooldown"`          // Open duration before probing
}

// DefaultConfig returns safe defaults
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		FailureWindow:    time.Minute,
		Cooldown:         30 * time.Second,
	}
}

// Breaker is a three-state circuit breaker for one call class.
type Breaker struct {
	callClass string
	config    Config
	bus       *events.Bus

	mu           sync.Mutex
	state        State
	gen          uint64 // Bumped on every state change; stale outcomes are ignored
	failures     []time.Time // Failure timestamps within the window
	lastFailure  time.Time
	openedAt     time.Time
	probeInUse   bool
	totalTrips   int64
	shortCircuit int64
}

// NewBreaker creates a breaker for one call class. bus may be nil.
func NewBreaker(callClass string, cfg Config, bus *events.Bus) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = time.Minute
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Breaker{
		callClass: callClass,
		config:    cfg,
		bus:       bus,
		state:     StateClosed,
	}
}

// Execute runs fn behind the breaker. While open it returns ErrOpen without
// invoking fn. In half-open only one caller may run the probe; concurrent
// callers get ErrOpen as if the breaker were still open.
func (b *Breaker) Execute(fn func() error) error {
	gen, err := b.acquire()
	if err != nil {
		return err
	}

	err = fn()
	b.record(gen, err)
	return err
}

// acquire checks admission and claims the half-open probe slot if needed. The
// returned generation ties the eventual outcome to the state it was admitted
// under.
func (b *Breaker) acquire() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return b.gen, nil
	case StateOpen:
		if time.Since(b.openedAt) < b.config.Cooldown {
			b.shortCircuit++
			return 0, fmt.Errorf("%w: %s (cooldown %s remaining)", ErrOpen, b.callClass,
				(b.config.Cooldown - time.Since(b.openedAt)).Round(time.Second))
		}
		// Cooldown elapsed: move to half-open and take the probe slot.
		b.transition(StateHalfOpen, "cooldown elapsed")
		b.probeInUse = true
		return b.gen, nil
	case StateHalfOpen:
		if b.probeInUse {
			b.shortCircuit++
			return 0, fmt.Errorf("%w: %s (probe in flight)", ErrOpen, b.callClass)
		}
		b.probeInUse = true
		return b.gen, nil
	}
	return b.gen, nil
}

// record applies the call outcome to the state machine. An outcome from a
// call admitted under an earlier state is discarded; in particular a slow
// call admitted while closed must not pass for the half-open probe.
func (b *Breaker) record(gen uint64, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if gen != b.gen {
		return
	}

	if b.state == StateHalfOpen {
		b.probeInUse = false
		if err != nil {
			// Probe failed: back to open, cooldown restarts.
			b.openedAt = time.Now()
			b.lastFailure = b.openedAt
			b.transition(StateOpen, "half-open probe failed")
			return
		}
		b.failures = nil
		b.transition(StateClosed, "half-open probe succeeded")
		return
	}

	if err == nil {
		return
	}

	now := time.Now()
	b.lastFailure = now
	b.failures = append(b.failures, now)
	b.pruneLocked(now)

	if b.state == StateClosed && len(b.failures) >= b.config.FailureThreshold {
		b.openedAt = now
		b.totalTrips++
		b.transition(StateOpen, fmt.Sprintf("%d failures within %s", len(b.failures), b.config.FailureWindow))
	}
}

// pruneLocked drops failures that fell out of the rolling window.
func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.config.FailureWindow)
	i := 0
	for i < len(b.failures) && b.failures[i].Before(cutoff) {
		i++
	}
	b.failures = b.failures[i:]
}

// transition changes state and publishes the change. Caller holds the lock.
func (b *Breaker) transition(to State, reason string) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.gen++
	metrics.CircuitState.WithLabelValues(b.callClass).Set(stateGaugeValue(to))
	if b.bus != nil {
		b.bus.PublishCircuitStateChange(b.callClass, string(from), string(to), reason)
	}
}

func stateGaugeValue(s State) float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}

// GetState returns current breaker state
func (b *Breaker) GetState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// CallClass returns the protected call class name.
func (b *Breaker) CallClass() string {
	return b.callClass
}

// ForceReset manually closes the breaker and clears counters.
func (b *Breaker) ForceReset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = nil
	b.probeInUse = false
	b.transition(StateClosed, "manual reset")
}

// Stats returns current breaker statistics
func (b *Breaker) Stats() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(time.Now())
	return map[string]interface{}{
		"call_class":      b.callClass,
		"state":           string(b.state),
		"window_failures": len(b.failures),
		"last_failure":    b.lastFailure,
		"total_trips":     b.totalTrips,
		"short_circuits":  b.shortCircuit,
	}
}

// Registry holds one breaker per call class.
type Registry struct {
	mu       sync.Mutex
	config   Config
	bus      *events.Bus
	breakers map[string]*Breaker
}

// NewRegistry creates a registry that builds breakers on demand.
func NewRegistry(cfg Config, bus *events.Bus) *Registry {
	return &Registry{
		config:   cfg,
		bus:      bus,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for a call class, creating it if needed.
func (r *Registry) Get(callClass string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[callClass]
	if !ok {
		b = NewBreaker(callClass, r.config, r.bus)
		r.breakers[callClass] = b
	}
	return b
}

// All returns every registered breaker.
func (r *Registry) All() []*Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b)
	}
	return out
}
