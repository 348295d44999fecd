package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"listing-sniper/internal/circuit"
	"listing-sniper/internal/database"
	"listing-sniper/internal/exchange"
	"listing-sniper/internal/risk"
)

// memoryStore is an in-memory TargetStore with the same conditional-update
// claim semantics as the database repository.
type memoryStore struct {
	mu      sync.Mutex
	targets map[string]*database.ExecutionTarget
	events  []string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{targets: make(map[string]*database.ExecutionTarget)}
}

func (m *memoryStore) add(t *database.ExecutionTarget) {
	m.mu.Lock()
	cp := *t
	m.targets[t.ID] = &cp
	m.mu.Unlock()
}

func (m *memoryStore) get(id string) database.ExecutionTarget {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.targets[id]
}

func (m *memoryStore) GetClaimableTargets(_ context.Context, now time.Time, limit int) ([]*database.ExecutionTarget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*database.ExecutionTarget
	for _, t := range m.targets {
		if t.Status != database.TargetStatusReady {
			continue
		}
		if t.NextAttemptAt != nil && t.NextAttemptAt.After(now) {
			continue
		}
		if t.ExpiresAt != nil && t.ExpiresAt.Before(now) {
			continue
		}
		cp := *t
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memoryStore) ClaimTarget(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.targets[id]
	if !ok || t.Status != database.TargetStatusReady {
		return false, nil
	}
	t.Status = database.TargetStatusExecuting
	return true, nil
}

func (m *memoryStore) MarkCompleted(_ context.Context, id, orderID string, filledQty, avgPrice float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.targets[id]
	if !ok {
		return database.ErrTargetNotFound
	}
	if t.Status != database.TargetStatusExecuting {
		return database.ErrTargetConflict
	}
	t.Status = database.TargetStatusCompleted
	t.OrderID = orderID
	t.FilledQty = filledQty
	t.AvgFillPrice = avgPrice
	return nil
}

func (m *memoryStore) MarkFailed(_ context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.targets[id]
	if !ok {
		return database.ErrTargetNotFound
	}
	if database.IsTerminal(t.Status) {
		return database.ErrTargetConflict
	}
	t.Status = database.TargetStatusFailed
	t.LastError = reason
	return nil
}

func (m *memoryStore) MarkFailedFromReady(_ context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.targets[id]
	if !ok {
		return database.ErrTargetNotFound
	}
	if t.Status != database.TargetStatusReady {
		return database.ErrTargetConflict
	}
	t.Status = database.TargetStatusFailed
	t.LastError = reason
	return nil
}

func (m *memoryStore) RequeueForRetry(_ context.Context, id, reason string, nextAttempt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.targets[id]
	if !ok {
		return database.ErrTargetNotFound
	}
	if t.Status != database.TargetStatusExecuting {
		return database.ErrTargetConflict
	}
	t.Status = database.TargetStatusReady
	t.CurrentRetries++
	t.LastError = reason
	t.NextAttemptAt = &nextAttempt
	return nil
}

func (m *memoryStore) SetProtectiveLevels(_ context.Context, id string, stopLossPct, takeProfitPct float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.targets[id]
	if !ok {
		return database.ErrTargetNotFound
	}
	t.StopLossPct = stopLossPct
	t.TakeProfitPct = takeProfitPct
	return nil
}

func (m *memoryStore) ExpireOverdueTargets(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, t := range m.targets {
		if t.Status != database.TargetStatusPending && t.Status != database.TargetStatusReady {
			continue
		}
		if t.ExpiresAt != nil && t.ExpiresAt.Before(now) {
			t.Status = database.TargetStatusFailed
			t.LastError = "expired before execution"
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) ArchiveFinishedTargets(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, t := range m.targets {
		if database.IsTerminal(t.Status) && !t.Archived && t.UpdatedAt.Before(cutoff) {
			t.Archived = true
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) RecordSystemEvent(_ context.Context, eventType, targetID, _ string, _ []byte) error {
	m.mu.Lock()
	m.events = append(m.events, eventType+":"+targetID)
	m.mu.Unlock()
	return nil
}

type stubSafety struct{ halted, emergency bool }

func (s *stubSafety) TradingHalted() bool     { return s.halted }
func (s *stubSafety) IsEmergencyActive() bool { return s.emergency }

func permissiveRisk(t *testing.T) *risk.Engine {
	t.Helper()
	e := risk.NewEngine(risk.Config{MaxPositionQuote: 1e9}, nil, zerolog.Nop())
	e.UpdatePortfolioValue(1e9)
	return e
}

func readyTarget(id, symbol string, maxRetries int) *database.ExecutionTarget {
	return &database.ExecutionTarget{
		ID:            id,
		OwnerID:       "system",
		Symbol:        symbol,
		Side:          "BUY",
		Quantity:      10,
		EntryStrategy: database.EntryStrategyMarket,
		Status:        database.TargetStatusReady,
		MaxRetries:    maxRetries,
		CreatedAt:     time.Now(),
	}
}

func testScheduler(store TargetStore, safety SafetyGate, riskGate RiskGate, exch exchange.Client) *Scheduler {
	cfg := Config{
		PollInterval:  time.Hour, // ticks driven manually
		MaxConcurrent: 4,
		ClaimBatch:    10,
		CallTimeout:   time.Second,
		Backoff:       BackoffConfig{InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	}
	breakers := circuit.NewRegistry(circuit.Config{FailureThreshold: 100, Cooldown: time.Millisecond}, nil)
	return New(cfg, store, safety, riskGate, exch, breakers, nil, nil, zerolog.Nop())
}

// waitStatus polls until the target reaches one of the wanted statuses,
// covering the scheduler's asynchronous per-target goroutines.
func waitStatus(t *testing.T, store *memoryStore, id string, want ...string) database.ExecutionTarget {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got := store.get(id)
		for _, w := range want {
			if got.Status == w {
				return got
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("target %s never reached %v, status %s", id, want, store.get(id).Status)
	return database.ExecutionTarget{}
}

func TestTickExecutesReadyTarget(t *testing.T) {
	store := newMemoryStore()
	store.add(readyTarget("t1", "NEWUSDT", 3))

	mock := exchange.NewMockClient()
	mock.Prices["NEWUSDT"] = 2.5

	s := testScheduler(store, &stubSafety{}, permissiveRisk(t), mock)
	sem := make(chan struct{}, 4)
	s.Tick(context.Background(), sem)

	got := waitStatus(t, store, "t1", database.TargetStatusCompleted)
	if got.OrderID == "" {
		t.Fatal("completed target must record the exchange order id")
	}
	if got.FilledQty != 10 {
		t.Fatalf("expected full fill of 10, got %.2f", got.FilledQty)
	}
	if got.StopLossPct <= 0 || got.TakeProfitPct <= 0 {
		t.Fatalf("protective levels not stored: sl %.2f tp %.2f", got.StopLossPct, got.TakeProfitPct)
	}

	stats := s.GetStats()
	if stats.ClaimsWon != 1 || stats.Completed != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if placed := mock.PlacedOrders(); len(placed) != 1 || placed[0].Symbol != "NEWUSDT" {
		t.Fatalf("expected one placed order, got %v", placed)
	}
}

func TestConcurrentSchedulersClaimOnce(t *testing.T) {
	store := newMemoryStore()
	store.add(readyTarget("t1", "NEWUSDT", 3))

	mock := exchange.NewMockClient()
	mock.Prices["NEWUSDT"] = 1

	riskEngine := permissiveRisk(t)
	a := testScheduler(store, &stubSafety{}, riskEngine, mock)
	b := testScheduler(store, &stubSafety{}, riskEngine, mock)

	var wg sync.WaitGroup
	for _, s := range []*Scheduler{a, b} {
		wg.Add(1)
		go func(s *Scheduler) {
			defer wg.Done()
			s.Tick(context.Background(), make(chan struct{}, 4))
		}(s)
	}
	wg.Wait()

	waitStatus(t, store, "t1", database.TargetStatusCompleted)
	if placed := mock.PlacedOrders(); len(placed) != 1 {
		t.Fatalf("target executed %d times, want exactly once", len(placed))
	}
	if won := a.GetStats().ClaimsWon + b.GetStats().ClaimsWon; won != 1 {
		t.Fatalf("expected exactly one claim won, got %d", won)
	}
}

func TestTransientFailuresRetryThenComplete(t *testing.T) {
	store := newMemoryStore()
	store.add(readyTarget("t1", "NEWUSDT", 3))

	mock := exchange.NewMockClient()
	mock.Prices["NEWUSDT"] = 1
	mock.PlaceOrderErrs = []error{
		errors.New("connection reset"),
		errors.New("connection reset"),
		nil,
	}

	s := testScheduler(store, &stubSafety{}, permissiveRisk(t), mock)
	sem := make(chan struct{}, 4)

	deadline := time.Now().Add(2 * time.Second)
	for store.get("t1").Status != database.TargetStatusCompleted && time.Now().Before(deadline) {
		s.Tick(context.Background(), sem)
		time.Sleep(5 * time.Millisecond)
	}

	got := store.get("t1")
	if got.Status != database.TargetStatusCompleted {
		t.Fatalf("expected completion on third attempt, got %s (%s)", got.Status, got.LastError)
	}
	if got.CurrentRetries != 2 {
		t.Fatalf("expected 2 recorded retries, got %d", got.CurrentRetries)
	}

	stats := s.GetStats()
	if stats.Retried != 2 || stats.Completed != 1 || stats.Failed != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestRetryBudgetExhaustedFailsTarget(t *testing.T) {
	store := newMemoryStore()
	store.add(readyTarget("t1", "NEWUSDT", 3))

	mock := exchange.NewMockClient()
	mock.Prices["NEWUSDT"] = 1
	mock.PlaceOrderErr = errors.New("connection reset")

	s := testScheduler(store, &stubSafety{}, permissiveRisk(t), mock)
	sem := make(chan struct{}, 4)

	deadline := time.Now().Add(2 * time.Second)
	for store.get("t1").Status != database.TargetStatusFailed && time.Now().Before(deadline) {
		s.Tick(context.Background(), sem)
		time.Sleep(5 * time.Millisecond)
	}

	got := store.get("t1")
	if got.Status != database.TargetStatusFailed {
		t.Fatalf("expected terminal failure, got %s", got.Status)
	}
	if got.CurrentRetries != 2 {
		t.Fatalf("expected 2 retries before the budget ran out, got %d", got.CurrentRetries)
	}
	if got.LastError == "" || !contains(got.LastError, "retries exhausted") {
		t.Fatalf("expected retries-exhausted reason, got %q", got.LastError)
	}

	stats := s.GetStats()
	if stats.Retried != 2 || stats.Failed != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestOrderRejectionIsTerminal(t *testing.T) {
	store := newMemoryStore()
	store.add(readyTarget("t1", "NEWUSDT", 3))

	mock := exchange.NewMockClient()
	mock.Prices["NEWUSDT"] = 1
	mock.PlaceOrderErrs = []error{fmt.Errorf("%w: LOT_SIZE", exchange.ErrOrderRejected)}

	s := testScheduler(store, &stubSafety{}, permissiveRisk(t), mock)
	s.Tick(context.Background(), make(chan struct{}, 4))

	got := waitStatus(t, store, "t1", database.TargetStatusFailed)
	if !contains(got.LastError, "order rejected") {
		t.Fatalf("expected rejection reason, got %q", got.LastError)
	}
	if got.CurrentRetries != 0 {
		t.Fatalf("rejection must not consume retries, got %d", got.CurrentRetries)
	}
	if s.GetStats().Retried != 0 {
		t.Fatal("rejection must not requeue")
	}
}

func TestRiskRejectionFailsWithoutClaim(t *testing.T) {
	store := newMemoryStore()
	store.add(readyTarget("t1", "NEWUSDT", 3))

	mock := exchange.NewMockClient()
	mock.Prices["NEWUSDT"] = 100

	// Tiny absolute cap guarantees rejection of the 10 * 100 trade value.
	strict := risk.NewEngine(risk.Config{MaxPositionQuote: 1}, nil, zerolog.Nop())
	strict.UpdatePortfolioValue(1e6)

	s := testScheduler(store, &stubSafety{}, strict, mock)
	s.Tick(context.Background(), make(chan struct{}, 4))

	got := waitStatus(t, store, "t1", database.TargetStatusFailed)
	if !contains(got.LastError, "risk rejected") {
		t.Fatalf("expected risk rejection reason, got %q", got.LastError)
	}
	if len(mock.PlacedOrders()) != 0 {
		t.Fatal("rejected target must never reach the exchange")
	}
	stats := s.GetStats()
	if stats.RiskRejected != 1 || stats.ClaimsWon != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestHaltSkipsAllClaims(t *testing.T) {
	store := newMemoryStore()
	store.add(readyTarget("t1", "NEWUSDT", 3))

	mock := exchange.NewMockClient()
	mock.Prices["NEWUSDT"] = 1

	s := testScheduler(store, &stubSafety{halted: true}, permissiveRisk(t), mock)
	s.Tick(context.Background(), make(chan struct{}, 4))
	s.Tick(context.Background(), make(chan struct{}, 4))

	if got := store.get("t1"); got.Status != database.TargetStatusReady {
		t.Fatalf("halted scheduler must not touch targets, got %s", got.Status)
	}
	stats := s.GetStats()
	if stats.HaltSkips != 2 || stats.ClaimsWon != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestEmergencyWithoutHaltSkipsClaims(t *testing.T) {
	store := newMemoryStore()
	store.add(readyTarget("t1", "NEWUSDT", 3))

	mock := exchange.NewMockClient()
	mock.Prices["NEWUSDT"] = 1

	// An active emergency must suppress claims on its own, without the
	// coordinator having set the halt flag.
	s := testScheduler(store, &stubSafety{emergency: true}, permissiveRisk(t), mock)
	s.Tick(context.Background(), make(chan struct{}, 4))

	if got := store.get("t1"); got.Status != database.TargetStatusReady {
		t.Fatalf("emergency must leave targets untouched, got %s", got.Status)
	}
	if len(mock.PlacedOrders()) != 0 {
		t.Fatal("no order may be placed during an emergency")
	}
	stats := s.GetStats()
	if stats.HaltSkips != 1 || stats.ClaimsWon != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestLateRiskVerdictCannotFailClaimedTarget(t *testing.T) {
	store := newMemoryStore()
	store.add(readyTarget("t1", "NEWUSDT", 3))

	mock := exchange.NewMockClient()
	mock.Prices["NEWUSDT"] = 100

	strict := risk.NewEngine(risk.Config{MaxPositionQuote: 1}, nil, zerolog.Nop())
	strict.UpdatePortfolioValue(1e6)

	s := testScheduler(store, &stubSafety{}, strict, mock)

	// Another instance wins the claim between this instance loading the
	// target and its risk verdict landing.
	loaded := store.get("t1")
	if claimed, _ := store.ClaimTarget(context.Background(), "t1"); !claimed {
		t.Fatal("setup claim should succeed")
	}

	s.process(context.Background(), &loaded)

	got := store.get("t1")
	if got.Status != database.TargetStatusExecuting {
		t.Fatalf("claimed target must stay executing, got %s", got.Status)
	}
	if got.LastError != "" {
		t.Fatalf("late verdict must not record an error, got %q", got.LastError)
	}
	stats := s.GetStats()
	if stats.RiskRejected != 0 || stats.ClaimsLost != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestMissingPriceDefersTarget(t *testing.T) {
	store := newMemoryStore()
	store.add(readyTarget("t1", "NEWUSDT", 3))

	// No mock price and no limit price: the target cannot be valued.
	mock := exchange.NewMockClient()

	s := testScheduler(store, &stubSafety{}, permissiveRisk(t), mock)
	s.Tick(context.Background(), make(chan struct{}, 4))
	time.Sleep(20 * time.Millisecond)

	if got := store.get("t1"); got.Status != database.TargetStatusReady {
		t.Fatalf("unpriceable target must stay ready, got %s", got.Status)
	}
	if len(mock.PlacedOrders()) != 0 {
		t.Fatal("no order may be placed without a reference price")
	}
}

func TestTickExpiresOverdueTargets(t *testing.T) {
	store := newMemoryStore()
	expired := readyTarget("t1", "NEWUSDT", 3)
	past := time.Now().Add(-time.Minute)
	expired.ExpiresAt = &past
	store.add(expired)

	mock := exchange.NewMockClient()
	s := testScheduler(store, &stubSafety{}, permissiveRisk(t), mock)
	s.Tick(context.Background(), make(chan struct{}, 4))

	if got := store.get("t1"); got.Status != database.TargetStatusFailed {
		t.Fatalf("overdue target should expire, got %s", got.Status)
	}
	if s.GetStats().Expired != 1 {
		t.Fatalf("expected one expiry, got %d", s.GetStats().Expired)
	}
	if len(mock.PlacedOrders()) != 0 {
		t.Fatal("expired target must not execute")
	}
}

func TestLimitEntryCarriesPrice(t *testing.T) {
	store := newMemoryStore()
	target := readyTarget("t1", "NEWUSDT", 3)
	target.EntryStrategy = database.EntryStrategyLimit
	target.LimitPrice = 2.4
	store.add(target)

	mock := exchange.NewMockClient()
	mock.Prices["NEWUSDT"] = 2.5

	s := testScheduler(store, &stubSafety{}, permissiveRisk(t), mock)
	s.Tick(context.Background(), make(chan struct{}, 4))

	waitStatus(t, store, "t1", database.TargetStatusCompleted)
	placed := mock.PlacedOrders()
	if len(placed) != 1 {
		t.Fatalf("expected one order, got %d", len(placed))
	}
	if placed[0].Price != 2.4 {
		t.Fatalf("limit entry must carry the limit price, got %.2f", placed[0].Price)
	}
	if placed[0].TimeInForce != exchange.TimeInForceIOC {
		t.Fatalf("expected IOC orders, got %s", placed[0].TimeInForce)
	}
}

func contains(s, substr string) bool { return strings.Contains(s, substr) }
