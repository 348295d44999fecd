package database

import (
	"time"
)

// Target status values. The lifecycle is pending -> ready -> executing ->
// completed or failed, with cancelled reachable while a target is still
// waiting. An executing target cannot be cancelled; the order may already
// be on the exchange.
const (
	TargetStatusPending   = "pending"
	TargetStatusReady     = "ready"
	TargetStatusExecuting = "executing"
	TargetStatusCompleted = "completed"
	TargetStatusFailed    = "failed"
	TargetStatusCancelled = "cancelled"
)

// Target sources
const (
	TargetSourcePatternFeed = "pattern_feed"
	TargetSourceOperator    = "operator"
)

// Entry strategies
const (
	EntryStrategyMarket = "market"
	EntryStrategyLimit  = "limit"
)

// ExecutionTarget represents one scheduled buy intent for a listing symbol
type ExecutionTarget struct {
	ID            string     `json:"id"`
	OwnerID       string     `json:"owner_id"`
	Symbol        string     `json:"symbol"`
	AssetID       string     `json:"asset_id,omitempty"`
	Side          string     `json:"side"`
	Quantity      float64    `json:"quantity"`
	LimitPrice    float64    `json:"limit_price"` // 0 means market order
	Confidence    float64    `json:"confidence"`
	RiskLevel     string     `json:"risk_level"`
	EntryStrategy string     `json:"entry_strategy"`
	StopLossPct   float64    `json:"stop_loss_pct"`
	TakeProfitPct float64    `json:"take_profit_pct"`
	Priority      int        `json:"priority"`
	Status        string     `json:"status"`
	NotBefore     *time.Time `json:"not_before,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	CurrentRetries int       `json:"current_retries"`
	MaxRetries    int        `json:"max_retries"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	OrderID       string     `json:"order_id,omitempty"`
	FilledQty     float64    `json:"filled_qty"`
	AvgFillPrice  float64    `json:"avg_fill_price"`
	Source        string     `json:"source"`
	Archived      bool       `json:"archived"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	ClaimedAt     *time.Time `json:"claimed_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// IsTerminal reports whether the status admits no further transitions
func IsTerminal(status string) bool {
	switch status {
	case TargetStatusCompleted, TargetStatusFailed, TargetStatusCancelled:
		return true
	}
	return false
}

// ValidTransition reports whether moving from one status to another is legal
func ValidTransition(from, to string) bool {
	if IsTerminal(from) {
		return false
	}
	switch from {
	case TargetStatusPending:
		return to == TargetStatusReady || to == TargetStatusFailed || to == TargetStatusCancelled
	case TargetStatusReady:
		return to == TargetStatusExecuting || to == TargetStatusFailed || to == TargetStatusCancelled
	case TargetStatusExecuting:
		return to == TargetStatusReady || to == TargetStatusCompleted || to == TargetStatusFailed
	}
	return false
}

// SystemEvent is one row of the append-only event journal
type SystemEvent struct {
	ID        int64     `json:"id"`
	EventType string    `json:"event_type"`
	TargetID  string    `json:"target_id,omitempty"`
	Symbol    string    `json:"symbol,omitempty"`
	Detail    []byte    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// StoredAlert is the persisted form of a safety alert
type StoredAlert struct {
	ID           string    `json:"id"`
	AlertType    string    `json:"alert_type"`
	Severity     string    `json:"severity"`
	Title        string    `json:"title"`
	Message      string    `json:"message"`
	Source       string    `json:"source"`
	Acknowledged bool      `json:"acknowledged"`
	Resolved     bool      `json:"resolved"`
	CreatedAt    time.Time `json:"created_at"`
}
