package safety

import "time"

// Level is the aggregated safety verdict. Ordering matters: the coordinator
// always reduces its inputs with max severity.
type Level int

const (
	LevelSafe Level = iota
	LevelWarning
	LevelCritical
	LevelEmergency
)

func (l Level) String() string {
	switch l {
	case LevelSafe:
		return "safe"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	case LevelEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

func maxLevel(a, b Level) Level {
	if b > a {
		return b
	}
	return a
}

// AgentHealthSnapshot is the health feed aggregate.
type AgentHealthSnapshot struct {
	Total    int `json:"total"`
	Healthy  int `json:"healthy"`
	Degraded int `json:"degraded"`
	Critical int `json:"critical"`
	Offline  int `json:"offline"`
}

// EmergencySnapshot is the emergency subsystem aggregate.
type EmergencySnapshot struct {
	ActiveIncidents int  `json:"active_incidents"`
	TradingHalted   bool `json:"trading_halted"`
}

// ConsensusSnapshot is the multi-party approval aggregate.
type ConsensusSnapshot struct {
	Pending  int `json:"pending"`
	Approved int `json:"approved"`
}

// InputStatus carries one input's snapshot and the severity derived from it.
type InputStatus struct {
	Severity  Level  `json:"severity"`
	Detail    string `json:"detail"`
	ReadError string `json:"read_error,omitempty"`
}

// Status is the derived safety verdict, recomputed each tick and always
// reconstructable from component state; it is never authoritative storage.
type Status struct {
	OverallLevel  Level       `json:"overall_level"`
	Health        InputStatus `json:"health"`
	Risk          InputStatus `json:"risk"`
	Emergency     InputStatus `json:"emergency"`
	Consensus     InputStatus `json:"consensus"`
	TradingHalted bool        `json:"trading_halted"`
	ComputedAt    time.Time   `json:"computed_at"`
}

// Alert types.
const (
	AlertTypeHealth    = "agent_health"
	AlertTypeRisk      = "risk"
	AlertTypeEmergency = "emergency"
	AlertTypeConsensus = "consensus"
	AlertTypeInputLost = "input_unavailable"
)

// Alert is one typed safety alert.
type Alert struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	Severity     Level     `json:"severity"`
	Title        string    `json:"title"`
	Message      string    `json:"message"`
	Source       string    `json:"source"`
	Acknowledged bool      `json:"acknowledged"`
	Resolved     bool      `json:"resolved"`
	CreatedAt    time.Time `json:"created_at"`
}

// Action types.
const (
	ActionAlert             = "alert"
	ActionRestrict          = "restrict"
	ActionShutdown          = "shutdown"
	ActionEmergencyHalt     = "emergency_halt"
	ActionConsensusOverride = "consensus_override"
)

// Action is one typed action taken by the coordinator.
type Action struct {
	Type      string    `json:"type"`
	Target    string    `json:"target"`
	Reason    string    `json:"reason"`
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
}
