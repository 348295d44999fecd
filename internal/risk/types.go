package risk

import "time"

// Risk levels carried by targets and position profiles.
const (
	LevelLow    = "low"
	LevelMedium = "medium"
	LevelHigh   = "high"
)

// PositionRiskProfile tracks risk state for one open or considered position.
// Owned and mutated exclusively by the Engine.
type PositionRiskProfile struct {
	Symbol             string    `json:"symbol"`
	Size               float64   `json:"size"`                // Base asset quantity
	ValueQuote         float64   `json:"value_quote"`         // Current value in quote currency
	ExposurePercent    float64   `json:"exposure_percent"`    // Share of portfolio value
	Leverage           float64   `json:"leverage"`
	UnrealizedPnL      float64   `json:"unrealized_pnl"`
	ValueAtRisk        float64   `json:"value_at_risk"`       // 95% one-day VaR in quote
	MaxDrawdown        float64   `json:"max_drawdown"`        // Worst observed drawdown %
	OpenedAt           time.Time `json:"opened_at"`
	StopLossDistance   float64   `json:"stop_loss_distance"`   // % below entry
	TakeProfitDistance float64   `json:"take_profit_distance"` // % above entry
	CorrelationScore   float64   `json:"correlation_score"`    // 0-1 vs rest of portfolio
	UpdatedAt          time.Time `json:"updated_at"`
}

// MarketConditions is the shared market snapshot. Single writer (the market
// feed), read by the engine and the safety coordinator; last write wins.
type MarketConditions struct {
	VolatilityIndex float64   `json:"volatility_index"` // 0-100
	LiquidityIndex  float64   `json:"liquidity_index"`  // 0-100
	Sentiment       string    `json:"sentiment"`        // bearish, neutral, bullish
	UpdatedAt       time.Time `json:"updated_at"`
}

// MarketConditionsUpdate is a partial update; nil fields are unchanged.
type MarketConditionsUpdate struct {
	VolatilityIndex *float64 `json:"volatility_index,omitempty"`
	LiquidityIndex  *float64 `json:"liquidity_index,omitempty"`
	Sentiment       *string  `json:"sentiment,omitempty"`
}

// TradeAssessment is the admission verdict for one proposed trade.
type TradeAssessment struct {
	Approved       bool     `json:"approved"`
	RiskScore      float64  `json:"risk_score"` // 0-100
	Reasons        []string `json:"reasons"`
	Warnings       []string `json:"warnings"`
	MaxAllowedSize float64  `json:"max_allowed_size"` // Quote currency
}

// PortfolioRiskMetrics aggregates risk across all tracked positions.
type PortfolioRiskMetrics struct {
	TotalValue           float64 `json:"total_value"`
	TotalExposure        float64 `json:"total_exposure"`
	ExposurePercent      float64 `json:"exposure_percent"`
	DiversificationScore float64 `json:"diversification_score"` // 0-100, higher is better
	ConcentrationRisk    float64 `json:"concentration_risk"`    // 0-100
	ValueAtRisk95        float64 `json:"value_at_risk_95"`
	PositionCount        int     `json:"position_count"`
	OverallRiskScore     float64 `json:"overall_risk_score"` // 0-100
}

// StressScenario is one adverse scenario applied in a stress test.
type StressScenario struct {
	Name          string  `json:"name"`
	PriceShock    float64 `json:"price_shock"`    // Fractional move, e.g. -0.20
	SlippageShock float64 `json:"slippage_shock"` // Extra exit cost fraction
}

// StressResult is the projected outcome of one scenario.
type StressResult struct {
	Scenario      StressScenario `json:"scenario"`
	ProjectedLoss float64        `json:"projected_loss"` // Quote currency, positive = loss
	LossPercent   float64        `json:"loss_percent"`   // Of portfolio value
	BreachesLimit bool           `json:"breaches_limit"`
}

// PricePoint is one entry of an ordered price/volume sequence.
type PricePoint struct {
	Price     float64   `json:"price"`
	Volume    float64   `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

// Flash crash severities.
const (
	SeverityNone     = "none"
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// FlashCrashResult classifies a price sequence.
type FlashCrashResult struct {
	IsFlashCrash     bool    `json:"is_flash_crash"`
	Severity         string  `json:"severity"`
	MaxDropPercent   float64 `json:"max_drop_percent"`
	VolumeSpikeRatio float64 `json:"volume_spike_ratio"`
}

// SizeRequest asks for validation of a proposed position size.
type SizeRequest struct {
	Symbol         string  `json:"symbol"`
	RequestedQuote float64 `json:"requested_quote"`
}

// SizeValidation is the clamped outcome.
type SizeValidation struct {
	RequestedQuote float64 `json:"requested_quote"`
	AdjustedQuote  float64 `json:"adjusted_quote"`
	Accepted       bool    `json:"accepted"`    // Original accepted unchanged
	CapApplied     string  `json:"cap_applied"` // Which cap clamped it, "" if none
}

// LevelTarget is a derived stop-loss or take-profit level.
type LevelTarget struct {
	Price     float64 `json:"price"`
	Percent   float64 `json:"percent"`
	Rationale string  `json:"rationale"`
}
