// Package scheduler claims ready execution targets and runs them against the
// exchange. Claims are conditional storage updates, so any number of
// scheduler instances can poll the same table and each target is executed at
// most once.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"listing-sniper/internal/circuit"
	"listing-sniper/internal/database"
	"listing-sniper/internal/events"
	"listing-sniper/internal/exchange"
	"listing-sniper/internal/metrics"
	"listing-sniper/internal/risk"
)

// Call classes for the circuit breaker registry
const (
	CallClassPlaceOrder = "place_order"
	CallClassMarketData = "market_data"
)

// TargetStore is the persistence surface the scheduler drives.
type TargetStore interface {
	GetClaimableTargets(ctx context.Context, now time.Time, limit int) ([]*database.ExecutionTarget, error)
	ClaimTarget(ctx context.Context, id string) (bool, error)
	MarkCompleted(ctx context.Context, id, orderID string, filledQty, avgPrice float64) error
	MarkFailed(ctx context.Context, id, reason string) error
	MarkFailedFromReady(ctx context.Context, id, reason string) error
	RequeueForRetry(ctx context.Context, id, reason string, nextAttempt time.Time) error
	SetProtectiveLevels(ctx context.Context, id string, stopLossPct, takeProfitPct float64) error
	ExpireOverdueTargets(ctx context.Context, now time.Time) (int64, error)
	ArchiveFinishedTargets(ctx context.Context, cutoff time.Time) (int64, error)
	RecordSystemEvent(ctx context.Context, eventType, targetID, symbol string, detail []byte) error
}

// SafetyGate is the safety coordinator surface checked before any claim.
type SafetyGate interface {
	TradingHalted() bool
	IsEmergencyActive() bool
}

// RiskGate is the risk engine surface used for admission and protective
// levels.
type RiskGate interface {
	AssessTradeRisk(symbol, side string, quantity, price float64) risk.TradeAssessment
	CalculateDynamicStopLoss(symbol string, entryPrice, currentPrice float64) (risk.LevelTarget, error)
	CalculateDynamicTakeProfit(symbol string, entryPrice, currentPrice float64) (risk.LevelTarget, error)
}

// SnapshotStore shares live target progress and the halt flag between
// instances. Optional.
type SnapshotStore interface {
	SaveTargetSnapshot(ctx context.Context, snap *database.TargetSnapshot) error
	DeleteTargetSnapshot(ctx context.Context, targetID string) error
	IsHalted(ctx context.Context) (bool, string)
}

// archiveEvery is how often the archival sweep runs within the tick loop.
const archiveEvery = time.Hour

// Config holds scheduler configuration
type Config struct {
	PollInterval  time.Duration `json:"poll_interval"`
	MaxConcurrent int           `json:"max_concurrent"`
	ClaimBatch    int           `json:"claim_batch"`
	CallTimeout   time.Duration `json:"call_timeout"`
	ArchiveAfter  time.Duration `json:"archive_after"` // Terminal target retention
	Backoff       BackoffConfig `json:"backoff"`
}

// DefaultConfig returns scheduler defaults
func DefaultConfig() Config {
	return Config{
		PollInterval:  time.Second,
		MaxConcurrent: 4,
		ClaimBatch:    10,
		CallTimeout:   10 * time.Second,
		ArchiveAfter:  72 * time.Hour,
		Backoff:       DefaultBackoffConfig(),
	}
}

// Stats counts scheduler outcomes since start
type Stats struct {
	Ticks        int64 `json:"ticks"`
	HaltSkips    int64 `json:"halt_skips"`
	ClaimsWon    int64 `json:"claims_won"`
	ClaimsLost   int64 `json:"claims_lost"`
	Completed    int64 `json:"completed"`
	Retried      int64 `json:"retried"`
	Failed       int64 `json:"failed"`
	RiskRejected int64 `json:"risk_rejected"`
	Expired      int64 `json:"expired"`
	Archived     int64 `json:"archived"`
}

// Scheduler polls for claimable targets and executes them.
type Scheduler struct {
	config    Config
	store     TargetStore
	safety    SafetyGate
	riskGate  RiskGate
	exch      exchange.Client
	breakers  *circuit.Registry
	snapshots SnapshotStore
	bus       *events.Bus
	logger    zerolog.Logger

	mu          sync.Mutex
	stats       Stats
	lastArchive time.Time

	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New creates a scheduler. snapshots may be nil; bus may be nil in tests.
func New(
	cfg Config,
	store TargetStore,
	safety SafetyGate,
	riskGate RiskGate,
	exch exchange.Client,
	breakers *circuit.Registry,
	snapshots SnapshotStore,
	bus *events.Bus,
	logger zerolog.Logger,
) *Scheduler {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.ClaimBatch <= 0 {
		cfg.ClaimBatch = def.ClaimBatch
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.ArchiveAfter <= 0 {
		cfg.ArchiveAfter = def.ArchiveAfter
	}

	return &Scheduler{
		config:    cfg,
		store:     store,
		safety:    safety,
		riskGate:  riskGate,
		exch:      exch,
		breakers:  breakers,
		snapshots: snapshots,
		bus:       bus,
		logger:    logger.With().Str("component", "execution_scheduler").Logger(),
	}
}

// Start begins the polling loop
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.stopChan = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run()
	s.logger.Info().Dur("poll_interval", s.config.PollInterval).
		Int("max_concurrent", s.config.MaxConcurrent).Msg("execution scheduler started")
	return nil
}

// Stop stops the polling loop and waits for in-flight executions
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	s.mu.Unlock()
	s.wg.Wait()
	s.logger.Info().Msg("execution scheduler stopped")
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	// Bounds the number of targets executing at once
	sem := make(chan struct{}, s.config.MaxConcurrent)

	for {
		select {
		case <-ticker.C:
			s.Tick(context.Background(), sem)
		case <-s.stopChan:
			return
		}
	}
}

// Tick performs one poll cycle. The halt check happens before any claim
// attempt; a halt raised mid-tick does not cancel claims already in flight.
func (s *Scheduler) Tick(ctx context.Context, sem chan struct{}) {
	s.count(func(st *Stats) { st.Ticks++ })

	if halted, reason := s.halted(ctx); halted {
		s.count(func(st *Stats) { st.HaltSkips++ })
		s.logger.Debug().Str("reason", reason).Msg("trading halted, skipping claims")
		return
	}

	now := time.Now()
	if expired, err := s.store.ExpireOverdueTargets(ctx, now); err != nil {
		s.logger.Error().Err(err).Msg("failed to expire overdue targets")
	} else if expired > 0 {
		s.count(func(st *Stats) { st.Expired += expired })
		metrics.TargetsExpired.Add(float64(expired))
		s.logger.Info().Int64("count", expired).Msg("expired overdue targets")
	}

	s.maybeArchive(ctx, now)

	targets, err := s.store.GetClaimableTargets(ctx, now, s.config.ClaimBatch)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to load claimable targets")
		return
	}

	for _, target := range targets {
		select {
		case sem <- struct{}{}:
		case <-s.stopChan:
			return
		}

		// Re-check inside the loop so a halt observed mid-batch stops
		// further claims.
		if halted, _ := s.halted(ctx); halted {
			<-sem
			s.count(func(st *Stats) { st.HaltSkips++ })
			return
		}

		t := target
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-sem }()
			s.process(ctx, t)
		}()
	}
}

// maybeArchive sweeps old terminal targets into the archive about once an
// hour. Targets are archived, never deleted.
func (s *Scheduler) maybeArchive(ctx context.Context, now time.Time) {
	s.mu.Lock()
	due := now.Sub(s.lastArchive) >= archiveEvery
	if due {
		s.lastArchive = now
	}
	s.mu.Unlock()
	if !due {
		return
	}

	archived, err := s.store.ArchiveFinishedTargets(ctx, now.Add(-s.config.ArchiveAfter))
	if err != nil {
		s.logger.Error().Err(err).Msg("archival sweep failed")
		return
	}
	if archived > 0 {
		s.count(func(st *Stats) { st.Archived += archived })
		s.logger.Info().Int64("count", archived).Msg("archived finished targets")
	}
}

func (s *Scheduler) halted(ctx context.Context) (bool, string) {
	if s.safety != nil {
		if s.safety.TradingHalted() {
			return true, "safety coordinator halt"
		}
		// An emergency suppresses claims even when the coordinator is not
		// configured to set the halt flag itself.
		if s.safety.IsEmergencyActive() {
			return true, "safety emergency active"
		}
	}
	if s.snapshots != nil {
		if halted, reason := s.snapshots.IsHalted(ctx); halted {
			if reason == "" {
				reason = "shared halt flag"
			}
			return true, reason
		}
	}
	return false, ""
}

// process runs risk admission, the conditional claim, and the exchange call
// for one target.
func (s *Scheduler) process(ctx context.Context, t *database.ExecutionTarget) {
	logger := s.logger.With().Str("target_id", t.ID).Str("symbol", t.Symbol).Logger()

	price := s.referencePrice(ctx, t)
	if price <= 0 {
		// Without a price the risk engine cannot value the trade. Leave
		// the target ready for the next tick.
		logger.Warn().Msg("no reference price available, deferring target")
		return
	}

	assessment := s.riskGate.AssessTradeRisk(t.Symbol, t.Side, t.Quantity, price)
	if !assessment.Approved {
		reason := "risk rejected: " + strings.Join(assessment.Reasons, "; ")
		if err := s.store.MarkFailedFromReady(ctx, t.ID, reason); err != nil {
			if errors.Is(err, database.ErrTargetConflict) {
				// Another instance claimed the target before the verdict
				// landed; its attempt owns the outcome.
				s.count(func(st *Stats) { st.ClaimsLost++ })
				return
			}
			logger.Error().Err(err).Msg("failed to record risk rejection")
			return
		}
		s.count(func(st *Stats) { st.RiskRejected++ })
		metrics.TargetsRiskRejected.Inc()
		logger.Warn().Float64("risk_score", assessment.RiskScore).
			Strs("reasons", assessment.Reasons).Msg("target rejected by risk engine")
		s.publishLifecycle(t, database.TargetStatusFailed, reason)
		return
	}

	claimed, err := s.store.ClaimTarget(ctx, t.ID)
	if err != nil {
		logger.Error().Err(err).Msg("claim attempt failed")
		return
	}
	if !claimed {
		// Another instance won the claim. Normal operation.
		s.count(func(st *Stats) { st.ClaimsLost++ })
		return
	}
	s.count(func(st *Stats) { st.ClaimsWon++ })
	t.Status = database.TargetStatusExecuting
	s.publishLifecycle(t, database.TargetStatusExecuting, "claimed")
	s.saveSnapshot(ctx, t, "")

	s.applyProtectiveLevels(ctx, t, price, logger)
	s.execute(ctx, t, logger)
}

// referencePrice resolves the valuation price, preferring a live quote.
func (s *Scheduler) referencePrice(ctx context.Context, t *database.ExecutionTarget) float64 {
	breaker := s.breakers.Get(CallClassMarketData)
	var price float64
	err := breaker.Execute(func() error {
		callCtx, cancel := context.WithTimeout(ctx, s.config.CallTimeout)
		defer cancel()
		p, err := s.exch.GetPrice(callCtx, t.Symbol)
		if err != nil {
			return err
		}
		price = p
		return nil
	})
	if err == nil && price > 0 {
		return price
	}
	return t.LimitPrice
}

func (s *Scheduler) applyProtectiveLevels(ctx context.Context, t *database.ExecutionTarget, price float64, logger zerolog.Logger) {
	sl, slErr := s.riskGate.CalculateDynamicStopLoss(t.Symbol, price, price)
	tp, tpErr := s.riskGate.CalculateDynamicTakeProfit(t.Symbol, price, price)
	if slErr != nil || tpErr != nil {
		return
	}
	if err := s.store.SetProtectiveLevels(ctx, t.ID, sl.Percent, tp.Percent); err != nil {
		logger.Warn().Err(err).Msg("failed to store protective levels")
		return
	}
	t.StopLossPct = sl.Percent
	t.TakeProfitPct = tp.Percent
}

// execute places the order through the circuit breaker and settles the
// target's final state for this attempt.
func (s *Scheduler) execute(ctx context.Context, t *database.ExecutionTarget, logger zerolog.Logger) {
	req := exchange.OrderRequest{
		Symbol:      t.Symbol,
		Side:        t.Side,
		Quantity:    t.Quantity,
		TimeInForce: exchange.TimeInForceIOC,
	}
	if t.EntryStrategy == database.EntryStrategyLimit {
		req.Price = t.LimitPrice
	}

	breaker := s.breakers.Get(CallClassPlaceOrder)
	var result *exchange.OrderResult
	start := time.Now()
	err := breaker.Execute(func() error {
		callCtx, cancel := context.WithTimeout(ctx, s.config.CallTimeout)
		defer cancel()
		res, placeErr := s.exch.PlaceOrder(callCtx, req)
		if placeErr != nil {
			return placeErr
		}
		result = res
		return nil
	})
	metrics.ExchangeCallDuration.WithLabelValues(CallClassPlaceOrder).Observe(time.Since(start).Seconds())

	if err == nil {
		orderID := strconv.FormatInt(result.OrderID, 10)
		if markErr := s.store.MarkCompleted(ctx, t.ID, orderID, result.FilledQty, result.AvgPrice); markErr != nil {
			logger.Error().Err(markErr).Msg("order filled but completion not recorded")
			return
		}
		s.count(func(st *Stats) { st.Completed++ })
		metrics.TargetsCompleted.Inc()
		logger.Info().Str("order_id", orderID).Float64("filled_qty", result.FilledQty).
			Float64("avg_price", result.AvgPrice).Int("retries", t.CurrentRetries).
			Msg("target executed")
		s.publishLifecycle(t, database.TargetStatusCompleted, "order filled")
		s.journal(ctx, "target_completed", t, fmt.Sprintf(`{"order_id":%q}`, orderID))
		s.dropSnapshot(ctx, t.ID)
		return
	}

	s.settleFailure(ctx, t, err, logger)
}

// settleFailure applies the retry policy after a failed attempt. Rejections
// the exchange would repeat are terminal; everything else retries with
// backoff until the retry budget is spent.
func (s *Scheduler) settleFailure(ctx context.Context, t *database.ExecutionTarget, execErr error, logger zerolog.Logger) {
	if errors.Is(execErr, exchange.ErrOrderRejected) {
		reason := "order rejected: " + execErr.Error()
		if err := s.store.MarkFailed(ctx, t.ID, reason); err != nil {
			logger.Error().Err(err).Msg("failed to record order rejection")
			return
		}
		s.count(func(st *Stats) { st.Failed++ })
		metrics.TargetsFailed.Inc()
		logger.Warn().Err(execErr).Msg("order rejected, target failed")
		s.publishLifecycle(t, database.TargetStatusFailed, reason)
		s.journal(ctx, "target_failed", t, fmt.Sprintf(`{"reason":%q}`, reason))
		s.dropSnapshot(ctx, t.ID)
		return
	}

	newRetries := t.CurrentRetries + 1
	if newRetries < t.MaxRetries {
		delay := s.config.Backoff.DelayFor(t.CurrentRetries)
		nextAttempt := time.Now().Add(delay)
		if err := s.store.RequeueForRetry(ctx, t.ID, execErr.Error(), nextAttempt); err != nil {
			logger.Error().Err(err).Msg("failed to requeue target")
			return
		}
		s.count(func(st *Stats) { st.Retried++ })
		metrics.TargetsRetried.Inc()
		logger.Warn().Err(execErr).Int("retries", newRetries).Dur("backoff", delay).
			Msg("transient failure, target requeued")
		t.CurrentRetries = newRetries
		s.publishLifecycle(t, database.TargetStatusReady, "retry scheduled")
		s.saveSnapshot(ctx, t, execErr.Error())
		return
	}

	reason := fmt.Sprintf("retries exhausted after %d attempts: %v", newRetries, execErr)
	if err := s.store.MarkFailed(ctx, t.ID, reason); err != nil {
		logger.Error().Err(err).Msg("failed to record terminal failure")
		return
	}
	s.count(func(st *Stats) { st.Failed++ })
	metrics.TargetsFailed.Inc()
	logger.Error().Err(execErr).Int("retries", newRetries).Msg("retry budget spent, target failed")
	s.publishLifecycle(t, database.TargetStatusFailed, reason)
	s.journal(ctx, "target_failed", t, fmt.Sprintf(`{"reason":%q}`, reason))
	s.dropSnapshot(ctx, t.ID)
}

func (s *Scheduler) publishLifecycle(t *database.ExecutionTarget, newStatus, reason string) {
	if s.bus == nil {
		return
	}
	s.bus.PublishTargetLifecycle(t.ID, t.Symbol, t.Status, newStatus, reason)
}

func (s *Scheduler) journal(ctx context.Context, eventType string, t *database.ExecutionTarget, detail string) {
	if err := s.store.RecordSystemEvent(ctx, eventType, t.ID, t.Symbol, []byte(detail)); err != nil {
		s.logger.Warn().Err(err).Str("event_type", eventType).Msg("failed to journal event")
	}
}

func (s *Scheduler) saveSnapshot(ctx context.Context, t *database.ExecutionTarget, lastError string) {
	if s.snapshots == nil {
		return
	}
	snap := &database.TargetSnapshot{
		TargetID:       t.ID,
		Symbol:         t.Symbol,
		Status:         t.Status,
		CurrentRetries: t.CurrentRetries,
		LastError:      lastError,
	}
	if err := s.snapshots.SaveTargetSnapshot(ctx, snap); err != nil {
		s.logger.Warn().Err(err).Str("target_id", t.ID).Msg("failed to save target snapshot")
	}
}

func (s *Scheduler) dropSnapshot(ctx context.Context, targetID string) {
	if s.snapshots == nil {
		return
	}
	if err := s.snapshots.DeleteTargetSnapshot(ctx, targetID); err != nil {
		s.logger.Warn().Err(err).Str("target_id", targetID).Msg("failed to drop target snapshot")
	}
}

func (s *Scheduler) count(fn func(*Stats)) {
	s.mu.Lock()
	fn(&s.stats)
	s.mu.Unlock()
}

// GetStats returns a copy of the counters
func (s *Scheduler) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
