// Package patterns defines the market-readiness pattern feed consumed by the
// target bridge, and the websocket subscription that delivers it.
package patterns

import "time"

// ReadyState is the canonical three-field indicator tuple signaling that an
// asset has become tradeable on the exchange.
type ReadyState struct {
	SymbolStatus   string `json:"symbol_status"`    // exchange symbol status, "TRADING" when live
	OrderBookReady bool   `json:"order_book_ready"` // order book seeded with both sides
	MatchingLive   bool   `json:"matching_live"`    // matching engine accepting orders
}

// CanonicalReadyState is the tuple value a match must carry to qualify for
// automated execution.
var CanonicalReadyState = ReadyState{
	SymbolStatus:   "TRADING",
	OrderBookReady: true,
	MatchingLive:   true,
}

// IsCanonical reports whether the tuple matches the canonical ready state.
func (rs ReadyState) IsCanonical() bool {
	return rs == CanonicalReadyState
}

// Recommendation values carried by a pattern match.
const (
	RecommendationBuy  = "BUY"
	RecommendationHold = "HOLD"
	RecommendationSkip = "SKIP"
)

// PatternMatch is one detected market-readiness signal. The detection side
// owns these records; the core reads them and never mutates them.
type PatternMatch struct {
	Symbol             string     `json:"symbol"`
	AssetID            string     `json:"asset_id"`
	Confidence         float64    `json:"confidence"` // 0-100
	Recommendation     string     `json:"recommendation"`
	EntryPrice         float64    `json:"entry_price"`
	TargetPrice        float64    `json:"target_price"`
	RiskLevel          string     `json:"risk_level"` // low, medium, high
	ReadyState         ReadyState `json:"ready_state"`
	AdvanceNoticeHours float64    `json:"advance_notice_hours"`
	DetectedAt         time.Time  `json:"detected_at"`
}

// Valid performs basic shape validation on a match. Malformed matches are
// skipped by consumers, not treated as errors.
func (m *PatternMatch) Valid() bool {
	if m.Symbol == "" {
		return false
	}
	if m.Confidence < 0 || m.Confidence > 100 {
		return false
	}
	if m.EntryPrice < 0 || m.TargetPrice < 0 {
		return false
	}
	return true
}

// Batch is one at-least-once delivery from the pattern feed.
type Batch struct {
	Sequence int64          `json:"sequence"`
	Matches  []PatternMatch `json:"matches"`
	SentAt   time.Time      `json:"sent_at"`
}
