// Package risk computes per-trade and portfolio risk, runs stress tests and
// flash-crash detection, and derives dynamic stop-loss/take-profit and
// position-size limits. The engine is the sole authority on whether risk
// itself is in an emergency state; the safety coordinator consumes that
// signal, it never overrides it.
package risk

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"listing-sniper/internal/events"
)

// Config holds risk engine configuration
type Config struct {
	ApprovalThreshold    float64 `json:"approval_threshold"`     // Risk score above which trades are rejected
	MaxPositionQuote     float64 `json:"max_position_quote"`     // Absolute per-position cap in quote currency
	MaxPortfolioPercent  float64 `json:"max_portfolio_percent"`  // Per-position cap as % of portfolio
	ConcentrationLimit   float64 `json:"concentration_limit"`    // Max % exposure to correlated symbols
	CorrelationThreshold float64 `json:"correlation_threshold"`  // Correlation treated as "same asset"
	MaxPortfolioRisk     float64 `json:"max_portfolio_risk"`     // Portfolio risk % ceiling for emergency
	EmergencyVolatility  float64 `json:"emergency_volatility"`   // Volatility index emergency threshold
	EmergencyLiquidity   float64 `json:"emergency_liquidity"`    // Liquidity index emergency floor

	BaseStopLossPercent   float64 `json:"base_stop_loss_percent"`
	MinStopLossPercent    float64 `json:"min_stop_loss_percent"`
	MaxStopLossPercent    float64 `json:"max_stop_loss_percent"`
	BaseTakeProfitPercent float64 `json:"base_take_profit_percent"`
	MinTakeProfitPercent  float64 `json:"min_take_profit_percent"`
	MaxTakeProfitPercent  float64 `json:"max_take_profit_percent"`

	FlashCrashWindow     time.Duration `json:"flash_crash_window"`
	VolumeSpikeThreshold float64       `json:"volume_spike_threshold"` // Spike ratio for high severity
}

// DefaultConfig returns conservative defaults
func DefaultConfig() Config {
	return Config{
		ApprovalThreshold:    75,
		MaxPositionQuote:     10000,
		MaxPortfolioPercent:  10,
		ConcentrationLimit:   40,
		CorrelationThreshold: 0.7,
		MaxPortfolioRisk:     15,
		EmergencyVolatility:  90,
		EmergencyLiquidity:   10,

		BaseStopLossPercent:   3,
		MinStopLossPercent:    1,
		MaxStopLossPercent:    10,
		BaseTakeProfitPercent: 8,
		MinTakeProfitPercent:  2,
		MaxTakeProfitPercent:  25,

		FlashCrashWindow:     60 * time.Second,
		VolumeSpikeThreshold: 5,
	}
}

// Risk score component weights. They sum to 1.
const (
	weightPositionRatio = 0.25
	weightVolatility    = 0.25
	weightConcentration = 0.30
	weightIlliquidity   = 0.20
)

// Engine owns the position risk profiles and the market conditions snapshot.
type Engine struct {
	config Config
	bus    *events.Bus
	logger zerolog.Logger

	mu             sync.RWMutex
	positions      map[string]*PositionRiskProfile
	conditions     MarketConditions
	portfolioValue float64
	emergencyMode  bool
	emergencyCause string
}

// NewEngine creates a risk engine. bus may be nil in tests.
func NewEngine(cfg Config, bus *events.Bus, logger zerolog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.ApprovalThreshold <= 0 {
		cfg.ApprovalThreshold = def.ApprovalThreshold
	}
	if cfg.MaxPositionQuote <= 0 {
		cfg.MaxPositionQuote = def.MaxPositionQuote
	}
	if cfg.MaxPortfolioPercent <= 0 {
		cfg.MaxPortfolioPercent = def.MaxPortfolioPercent
	}
	if cfg.ConcentrationLimit <= 0 {
		cfg.ConcentrationLimit = def.ConcentrationLimit
	}
	if cfg.CorrelationThreshold <= 0 {
		cfg.CorrelationThreshold = def.CorrelationThreshold
	}
	if cfg.MaxPortfolioRisk <= 0 {
		cfg.MaxPortfolioRisk = def.MaxPortfolioRisk
	}
	if cfg.EmergencyVolatility <= 0 {
		cfg.EmergencyVolatility = def.EmergencyVolatility
	}
	if cfg.EmergencyLiquidity <= 0 {
		cfg.EmergencyLiquidity = def.EmergencyLiquidity
	}
	if cfg.BaseStopLossPercent <= 0 {
		cfg.BaseStopLossPercent = def.BaseStopLossPercent
	}
	if cfg.MinStopLossPercent <= 0 {
		cfg.MinStopLossPercent = def.MinStopLossPercent
	}
	if cfg.MaxStopLossPercent <= 0 {
		cfg.MaxStopLossPercent = def.MaxStopLossPercent
	}
	if cfg.BaseTakeProfitPercent <= 0 {
		cfg.BaseTakeProfitPercent = def.BaseTakeProfitPercent
	}
	if cfg.MinTakeProfitPercent <= 0 {
		cfg.MinTakeProfitPercent = def.MinTakeProfitPercent
	}
	if cfg.MaxTakeProfitPercent <= 0 {
		cfg.MaxTakeProfitPercent = def.MaxTakeProfitPercent
	}
	if cfg.FlashCrashWindow <= 0 {
		cfg.FlashCrashWindow = def.FlashCrashWindow
	}
	if cfg.VolumeSpikeThreshold <= 0 {
		cfg.VolumeSpikeThreshold = def.VolumeSpikeThreshold
	}

	return &Engine{
		config:    cfg,
		bus:       bus,
		logger:    logger.With().Str("component", "risk_engine").Logger(),
		positions: make(map[string]*PositionRiskProfile),
		conditions: MarketConditions{
			VolatilityIndex: 50,
			LiquidityIndex:  50,
			Sentiment:       "neutral",
			UpdatedAt:       time.Now(),
		},
	}
}

// UpdatePortfolioValue sets the total portfolio value used for exposure and
// concentration ratios. Negative values are rejected.
func (e *Engine) UpdatePortfolioValue(value float64) error {
	if value < 0 || math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("invalid portfolio value: %v", value)
	}
	e.mu.Lock()
	e.portfolioValue = value
	e.checkEmergencyLocked()
	e.mu.Unlock()
	return nil
}

// AssessTradeRisk scores one proposed trade and decides admission. The score
// blends position-to-portfolio ratio, market volatility, correlated symbol
// concentration, and inverse liquidity. Approval requires the score below the
// configured threshold and no hard-fail reason.
func (e *Engine) AssessTradeRisk(symbol, side string, quantity, price float64) TradeAssessment {
	e.mu.Lock()
	defer e.mu.Unlock()

	assessment := TradeAssessment{
		MaxAllowedSize: e.maxAllowedSizeLocked(),
	}

	if symbol == "" || quantity <= 0 || price <= 0 {
		assessment.Reasons = append(assessment.Reasons, "invalid trade request")
		return assessment
	}

	// First assessment for a symbol creates its (empty) risk profile.
	if _, ok := e.positions[symbol]; !ok {
		e.positions[symbol] = &PositionRiskProfile{
			Symbol:    symbol,
			OpenedAt:  time.Now(),
			UpdatedAt: time.Now(),
		}
	}

	tradeValue := quantity * price

	var ratioScore float64
	if e.portfolioValue > 0 {
		ratioPct := tradeValue / e.portfolioValue * 100
		ratioScore = math.Min(100, ratioPct/e.config.MaxPortfolioPercent*100)
	}

	volScore := e.conditions.VolatilityIndex
	liqScore := 100 - e.conditions.LiquidityIndex

	concPct := e.concentrationPercentLocked(symbol, tradeValue)
	concScore := math.Min(100, concPct/e.config.ConcentrationLimit*100)

	score := weightPositionRatio*ratioScore +
		weightVolatility*volScore +
		weightConcentration*concScore +
		weightIlliquidity*liqScore
	assessment.RiskScore = math.Round(score*100) / 100

	// Hard fails reject regardless of the blended score.
	if e.emergencyMode {
		assessment.Reasons = append(assessment.Reasons,
			fmt.Sprintf("risk emergency active: %s", e.emergencyCause))
	}
	if tradeValue > e.config.MaxPositionQuote {
		assessment.Reasons = append(assessment.Reasons,
			fmt.Sprintf("position %.2f exceeds absolute cap %.2f", tradeValue, e.config.MaxPositionQuote))
	}
	if concPct > e.config.ConcentrationLimit {
		assessment.Reasons = append(assessment.Reasons,
			fmt.Sprintf("symbol concentration %.1f%% exceeds limit %.1f%%", concPct, e.config.ConcentrationLimit))
	}
	if assessment.RiskScore >= e.config.ApprovalThreshold {
		assessment.Reasons = append(assessment.Reasons,
			fmt.Sprintf("risk score %.1f at or above threshold %.1f", assessment.RiskScore, e.config.ApprovalThreshold))
	}

	if volScore >= 70 {
		assessment.Warnings = append(assessment.Warnings, "elevated market volatility")
	}
	if liqScore >= 70 {
		assessment.Warnings = append(assessment.Warnings, "thin market liquidity")
	}

	assessment.Approved = len(assessment.Reasons) == 0

	e.logger.Debug().
		Str("symbol", symbol).
		Str("side", side).
		Float64("risk_score", assessment.RiskScore).
		Bool("approved", assessment.Approved).
		Strs("reasons", assessment.Reasons).
		Msg("trade risk assessed")

	return assessment
}

// concentrationPercentLocked returns the portfolio share of exposure to the
// given symbol plus positions correlated above the threshold, including the
// proposed trade value.
func (e *Engine) concentrationPercentLocked(symbol string, tradeValue float64) float64 {
	if e.portfolioValue <= 0 {
		return 0
	}
	correlated := tradeValue
	for _, p := range e.positions {
		if p.Symbol == symbol || p.CorrelationScore >= e.config.CorrelationThreshold {
			correlated += p.ValueQuote
		}
	}
	return correlated / e.portfolioValue * 100
}

func (e *Engine) maxAllowedSizeLocked() float64 {
	maxSize := e.config.MaxPositionQuote
	if e.portfolioValue > 0 {
		portfolioCap := e.portfolioValue * e.config.MaxPortfolioPercent / 100
		if portfolioCap < maxSize {
			maxSize = portfolioCap
		}
	}
	return maxSize
}

// UpdateMarketConditions applies a partial update. Indices must be in 0-100
// or the whole update is rejected without mutation.
func (e *Engine) UpdateMarketConditions(update MarketConditionsUpdate) error {
	if update.VolatilityIndex != nil {
		if v := *update.VolatilityIndex; v < 0 || v > 100 || math.IsNaN(v) {
			return fmt.Errorf("volatility index out of range: %v", v)
		}
	}
	if update.LiquidityIndex != nil {
		if v := *update.LiquidityIndex; v < 0 || v > 100 || math.IsNaN(v) {
			return fmt.Errorf("liquidity index out of range: %v", v)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if update.VolatilityIndex != nil {
		e.conditions.VolatilityIndex = *update.VolatilityIndex
	}
	if update.LiquidityIndex != nil {
		e.conditions.LiquidityIndex = *update.LiquidityIndex
	}
	if update.Sentiment != nil {
		e.conditions.Sentiment = *update.Sentiment
	}
	e.conditions.UpdatedAt = time.Now()

	e.checkEmergencyLocked()
	return nil
}

// GetMarketConditions returns the current snapshot.
func (e *Engine) GetMarketConditions() MarketConditions {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.conditions
}

// UpdatePosition creates or updates a position risk profile.
func (e *Engine) UpdatePosition(profile PositionRiskProfile) error {
	if profile.Symbol == "" {
		return fmt.Errorf("position symbol required")
	}
	if profile.Size < 0 || profile.ValueQuote < 0 {
		return fmt.Errorf("negative position size for %s", profile.Symbol)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	existing, ok := e.positions[profile.Symbol]
	if !ok {
		if profile.OpenedAt.IsZero() {
			profile.OpenedAt = time.Now()
		}
		profile.UpdatedAt = time.Now()
		p := profile
		e.positions[profile.Symbol] = &p
	} else {
		opened := existing.OpenedAt
		*existing = profile
		existing.OpenedAt = opened
		existing.UpdatedAt = time.Now()
	}

	e.recomputeExposureLocked()
	e.checkEmergencyLocked()
	return nil
}

// RemovePosition drops a profile when the position closes.
func (e *Engine) RemovePosition(symbol string) {
	e.mu.Lock()
	delete(e.positions, symbol)
	e.recomputeExposureLocked()
	e.checkEmergencyLocked()
	e.mu.Unlock()
}

// GetPosition returns a copy of the profile for a symbol.
func (e *Engine) GetPosition(symbol string) (PositionRiskProfile, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.positions[symbol]
	if !ok {
		return PositionRiskProfile{}, false
	}
	return *p, true
}

func (e *Engine) recomputeExposureLocked() {
	if e.portfolioValue <= 0 {
		return
	}
	dailyVol := e.conditions.VolatilityIndex / 100 * 0.20 // Index 100 ~ 20% daily sigma
	for _, p := range e.positions {
		p.ExposurePercent = p.ValueQuote / e.portfolioValue * 100
		p.ValueAtRisk = p.ValueQuote * dailyVol * 1.65
	}
}

// GetPortfolioRiskMetrics aggregates value, exposure, diversification,
// concentration and 95% VaR across tracked positions.
func (e *Engine) GetPortfolioRiskMetrics() PortfolioRiskMetrics {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.portfolioMetricsLocked()
}

func (e *Engine) portfolioMetricsLocked() PortfolioRiskMetrics {
	m := PortfolioRiskMetrics{
		TotalValue:    e.portfolioValue,
		PositionCount: len(e.positions),
	}

	var sumSquares float64
	for _, p := range e.positions {
		m.TotalExposure += p.ValueQuote
		m.ValueAtRisk95 += p.ValueAtRisk
	}
	if m.TotalExposure > 0 {
		for _, p := range e.positions {
			share := p.ValueQuote / m.TotalExposure
			sumSquares += share * share
		}
	}
	if e.portfolioValue > 0 {
		m.ExposurePercent = m.TotalExposure / e.portfolioValue * 100
	}

	// Herfindahl concentration: 1 position = 100, evenly spread approaches 0.
	m.ConcentrationRisk = sumSquares * 100
	m.DiversificationScore = 100 - m.ConcentrationRisk

	exposureScore := math.Min(100, m.ExposurePercent)
	m.OverallRiskScore = math.Round((weightPositionRatio*exposureScore+
		weightVolatility*e.conditions.VolatilityIndex+
		weightConcentration*m.ConcentrationRisk+
		weightIlliquidity*(100-e.conditions.LiquidityIndex))*100) / 100

	return m
}

// CalculateDynamicStopLoss derives a stop-loss price for an entry, widening
// the distance as volatility rises, bounded to the configured min/max.
func (e *Engine) CalculateDynamicStopLoss(symbol string, entryPrice, currentPrice float64) (LevelTarget, error) {
	if entryPrice <= 0 {
		return LevelTarget{}, fmt.Errorf("entry price must be positive")
	}

	e.mu.RLock()
	vol := e.conditions.VolatilityIndex
	e.mu.RUnlock()

	pct := clamp(e.config.BaseStopLossPercent*(0.5+vol/100),
		e.config.MinStopLossPercent, e.config.MaxStopLossPercent)

	return LevelTarget{
		Price:   entryPrice * (1 - pct/100),
		Percent: pct,
		Rationale: fmt.Sprintf("stop %.2f%% below entry at volatility index %.0f (base %.2f%%)",
			pct, vol, e.config.BaseStopLossPercent),
	}, nil
}

// CalculateDynamicTakeProfit derives a take-profit price, widening the target
// as volatility rises so winners are not cut short in fast markets.
func (e *Engine) CalculateDynamicTakeProfit(symbol string, entryPrice, currentPrice float64) (LevelTarget, error) {
	if entryPrice <= 0 {
		return LevelTarget{}, fmt.Errorf("entry price must be positive")
	}

	e.mu.RLock()
	vol := e.conditions.VolatilityIndex
	e.mu.RUnlock()

	pct := clamp(e.config.BaseTakeProfitPercent*(0.5+vol/100),
		e.config.MinTakeProfitPercent, e.config.MaxTakeProfitPercent)

	price := entryPrice * (1 + pct/100)
	rationale := fmt.Sprintf("target %.2f%% above entry at volatility index %.0f", pct, vol)
	if currentPrice > price {
		// Price already ran past the computed target; anchor above current.
		price = currentPrice * (1 + pct/200)
		rationale = fmt.Sprintf("price ran past target, anchored %.2f%% above current", pct/2)
	}

	return LevelTarget{Price: price, Percent: pct, Rationale: rationale}, nil
}

// ValidatePositionSize clamps a requested size to the lesser of the absolute
// cap, the portfolio-percentage cap, and a volatility-adjusted cap.
func (e *Engine) ValidatePositionSize(req SizeRequest) (SizeValidation, error) {
	if req.RequestedQuote <= 0 {
		return SizeValidation{}, fmt.Errorf("requested size must be positive")
	}

	e.mu.RLock()
	vol := e.conditions.VolatilityIndex
	portfolioValue := e.portfolioValue
	e.mu.RUnlock()

	v := SizeValidation{
		RequestedQuote: req.RequestedQuote,
		AdjustedQuote:  req.RequestedQuote,
		Accepted:       true,
	}

	apply := func(cap float64, name string) {
		if cap > 0 && v.AdjustedQuote > cap {
			v.AdjustedQuote = cap
			v.CapApplied = name
			v.Accepted = false
		}
	}

	apply(e.config.MaxPositionQuote, "absolute")
	if portfolioValue > 0 {
		apply(portfolioValue*e.config.MaxPortfolioPercent/100, "portfolio_percent")
	}
	// High volatility halves the allowance at index 100.
	volCap := e.config.MaxPositionQuote * (1 - vol/200)
	apply(volCap, "volatility")

	return v, nil
}

// IsEmergencyActive reports whether the engine has declared a risk emergency.
func (e *Engine) IsEmergencyActive() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.emergencyMode
}

// EmergencyCause returns the reason for the active emergency, if any.
func (e *Engine) EmergencyCause() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.emergencyCause
}

// checkEmergencyLocked enters or leaves emergency mode based on market
// indices and the portfolio risk ceiling. Caller holds the write lock.
func (e *Engine) checkEmergencyLocked() {
	var cause string
	var value, threshold float64

	metrics := e.portfolioMetricsLocked()
	switch {
	case e.conditions.VolatilityIndex >= e.config.EmergencyVolatility:
		cause = "volatility"
		value, threshold = e.conditions.VolatilityIndex, e.config.EmergencyVolatility
	case e.conditions.LiquidityIndex <= e.config.EmergencyLiquidity:
		cause = "liquidity"
		value, threshold = e.conditions.LiquidityIndex, e.config.EmergencyLiquidity
	case metrics.ExposurePercent > 0 && metrics.OverallRiskScore/100*metrics.ExposurePercent > e.config.MaxPortfolioRisk:
		cause = "portfolio_risk"
		value = metrics.OverallRiskScore / 100 * metrics.ExposurePercent
		threshold = e.config.MaxPortfolioRisk
	}

	if cause != "" && !e.emergencyMode {
		e.emergencyMode = true
		e.emergencyCause = cause
		e.logger.Warn().Str("cause", cause).Float64("value", value).Float64("threshold", threshold).
			Msg("risk emergency activated")
		if e.bus != nil {
			e.bus.PublishRiskThresholdExceeded(cause, value, threshold)
		}
	} else if cause == "" && e.emergencyMode {
		e.emergencyMode = false
		e.emergencyCause = ""
		e.logger.Info().Msg("risk emergency cleared")
		if e.bus != nil {
			e.bus.Publish(events.Event{Type: events.EventRiskRecovered, Data: map[string]interface{}{}})
		}
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
