// Package bridge turns detected listing patterns into execution targets.
// The feed delivers batches at least once, so the bridge must be idempotent:
// replaying a batch never creates additional targets.
package bridge

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"listing-sniper/internal/database"
	"listing-sniper/internal/events"
	"listing-sniper/internal/metrics"
	"listing-sniper/internal/patterns"
)

// TargetStore is the slice of the repository the bridge writes through.
type TargetStore interface {
	CreateTarget(ctx context.Context, t *database.ExecutionTarget) (bool, error)
	PromoteBySymbol(ctx context.Context, ownerID, symbol string) (string, error)
}

// SizeFunc decides the order quantity for a match. Returning 0 skips the
// match.
type SizeFunc func(match patterns.PatternMatch) float64

// Config holds bridge configuration
type Config struct {
	OwnerID        string        `json:"owner_id"`
	MinConfidence  float64       `json:"min_confidence"`
	QuoteBudget    float64       `json:"quote_budget"`    // Quote currency spent per target
	MaxRetries     int           `json:"max_retries"`
	TargetLifetime time.Duration `json:"target_lifetime"` // 0 disables expiry
}

// DefaultConfig returns bridge defaults
func DefaultConfig() Config {
	return Config{
		OwnerID:        "system",
		MinConfidence:  70,
		QuoteBudget:    500,
		MaxRetries:     3,
		TargetLifetime: 24 * time.Hour,
	}
}

// Stats counts bridge outcomes since start
type Stats struct {
	BatchesReceived int64 `json:"batches_received"`
	MatchesReceived int64 `json:"matches_received"`
	TargetsCreated  int64 `json:"targets_created"`
	Promoted        int64 `json:"promoted"`
	Duplicates      int64 `json:"duplicates"`
	Skipped         int64 `json:"skipped"`
	Malformed       int64 `json:"malformed"`
}

// Bridge converts pattern matches into targets.
type Bridge struct {
	config Config
	store  TargetStore
	size   SizeFunc
	bus    *events.Bus
	logger zerolog.Logger

	mu    sync.Mutex
	stats Stats
}

// New creates a bridge. sizeFn may be nil, in which case the quote budget is
// divided by the entry price.
func New(cfg Config, store TargetStore, sizeFn SizeFunc, bus *events.Bus, logger zerolog.Logger) *Bridge {
	def := DefaultConfig()
	if cfg.OwnerID == "" {
		cfg.OwnerID = def.OwnerID
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = def.MinConfidence
	}
	if cfg.QuoteBudget <= 0 {
		cfg.QuoteBudget = def.QuoteBudget
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}

	b := &Bridge{
		config: cfg,
		store:  store,
		size:   sizeFn,
		bus:    bus,
		logger: logger.With().Str("component", "pattern_bridge").Logger(),
	}
	if b.size == nil {
		b.size = b.budgetSize
	}
	return b
}

func (b *Bridge) budgetSize(match patterns.PatternMatch) float64 {
	if match.EntryPrice <= 0 {
		return 0
	}
	return b.config.QuoteBudget / match.EntryPrice
}

// OnPatternsDetected processes one batch from the feed. Safe to call with a
// replayed batch.
func (b *Bridge) OnPatternsDetected(ctx context.Context, matches []patterns.PatternMatch) {
	b.mu.Lock()
	b.stats.BatchesReceived++
	b.stats.MatchesReceived += int64(len(matches))
	b.mu.Unlock()
	metrics.PatternBatchesReceived.Inc()

	created := 0
	for _, match := range matches {
		if b.processMatch(ctx, match) {
			created++
		}
	}

	if created > 0 && b.bus != nil {
		b.bus.Publish(events.Event{
			Type: events.EventPatternsDetected,
			Data: map[string]interface{}{
				"matches": len(matches),
				"created": created,
			},
		})
	}
}

func (b *Bridge) processMatch(ctx context.Context, match patterns.PatternMatch) bool {
	if !match.Valid() {
		b.count(func(s *Stats) { s.Malformed++ })
		b.logger.Warn().Str("symbol", match.Symbol).Msg("malformed pattern match skipped")
		return false
	}
	if match.Recommendation != patterns.RecommendationBuy {
		b.count(func(s *Stats) { s.Skipped++ })
		return false
	}
	if match.Confidence < b.config.MinConfidence {
		b.count(func(s *Stats) { s.Skipped++ })
		b.logger.Debug().Str("symbol", match.Symbol).Float64("confidence", match.Confidence).
			Msg("match below confidence floor")
		return false
	}

	quantity := b.size(match)
	if quantity <= 0 {
		b.count(func(s *Stats) { s.Skipped++ })
		b.logger.Warn().Str("symbol", match.Symbol).Msg("sizing produced zero quantity, match skipped")
		return false
	}

	// A match whose venue state already equals the canonical listing tuple
	// is immediately executable. Anything else waits in pending until the
	// readiness poller promotes it.
	status := database.TargetStatusPending
	if match.ReadyState.IsCanonical() {
		status = database.TargetStatusReady
	}

	target := &database.ExecutionTarget{
		ID:         uuid.New().String(),
		OwnerID:    b.config.OwnerID,
		Symbol:     strings.ToUpper(match.Symbol),
		AssetID:    match.AssetID,
		Side:       "BUY",
		Quantity:   quantity,
		Confidence: match.Confidence,
		RiskLevel:  match.RiskLevel,
		Priority:   priorityFor(match),
		Status:     status,
		MaxRetries: b.config.MaxRetries,
		Source:     database.TargetSourcePatternFeed,
	}
	if match.EntryPrice > 0 && match.RiskLevel == "high" {
		// High risk listings get a limit cap instead of a market order.
		target.LimitPrice = match.EntryPrice
		target.EntryStrategy = database.EntryStrategyLimit
	}
	if b.config.TargetLifetime > 0 {
		expires := time.Now().Add(b.config.TargetLifetime)
		target.ExpiresAt = &expires
	}

	inserted, err := b.store.CreateTarget(ctx, target)
	if err != nil {
		b.logger.Error().Err(err).Str("symbol", target.Symbol).Msg("failed to create target")
		return false
	}
	if !inserted {
		// A live target already exists. If it is still pending and this
		// match carries the canonical tuple, the venue just went live:
		// promote instead of dropping the signal.
		if status == database.TargetStatusReady {
			if promotedID, promoteErr := b.store.PromoteBySymbol(ctx, b.config.OwnerID, target.Symbol); promoteErr != nil {
				b.logger.Error().Err(promoteErr).Str("symbol", target.Symbol).Msg("failed to promote pending target")
			} else if promotedID != "" {
				b.count(func(s *Stats) { s.Promoted++ })
				b.logger.Info().Str("symbol", target.Symbol).Str("target_id", promotedID).
					Msg("pending target promoted to ready")
				if b.bus != nil {
					b.bus.PublishTargetLifecycle(promotedID, target.Symbol,
						database.TargetStatusPending, database.TargetStatusReady, "canonical tuple observed")
				}
				return false
			}
		}
		b.count(func(s *Stats) { s.Duplicates++ })
		b.logger.Debug().Str("symbol", target.Symbol).Msg("live target already exists, match dropped")
		return false
	}

	b.count(func(s *Stats) { s.TargetsCreated++ })
	metrics.TargetsCreated.Inc()
	b.logger.Info().Str("symbol", target.Symbol).Str("status", target.Status).
		Float64("confidence", target.Confidence).Float64("quantity", target.Quantity).
		Msg("execution target created")

	if b.bus != nil {
		b.bus.PublishTargetLifecycle(target.ID, target.Symbol, "", target.Status, "pattern match")
	}
	return true
}

// priorityFor ranks matches so the scheduler claims the strongest first.
// Lower priority values are claimed sooner.
func priorityFor(match patterns.PatternMatch) int {
	priority := 100 - int(match.Confidence)
	if match.AdvanceNoticeHours > 0 && match.AdvanceNoticeHours <= 1 {
		priority -= 20
	}
	return priority
}

func (b *Bridge) count(fn func(*Stats)) {
	b.mu.Lock()
	fn(&b.stats)
	b.mu.Unlock()
}

// GetStats returns a copy of the counters
func (b *Bridge) GetStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}
