// Package safety reduces agent health, risk, emergency, and consensus signals
// into one safety verdict. Absence of information is treated as unsafe: an
// unreadable input degrades to critical, never to safe.
package safety

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"listing-sniper/internal/events"
	"listing-sniper/internal/metrics"
	"listing-sniper/internal/risk"
)

// HealthProvider supplies the agent-health aggregate.
type HealthProvider interface {
	HealthSnapshot(ctx context.Context) (AgentHealthSnapshot, error)
}

// EmergencyProvider supplies the emergency subsystem aggregate.
type EmergencyProvider interface {
	EmergencySnapshot(ctx context.Context) (EmergencySnapshot, error)
}

// ConsensusProvider supplies the multi-party approval aggregate. Optional.
type ConsensusProvider interface {
	ConsensusSnapshot(ctx context.Context) (ConsensusSnapshot, error)
}

// RiskInput is the slice of the risk engine the coordinator consumes.
type RiskInput interface {
	GetPortfolioRiskMetrics() risk.PortfolioRiskMetrics
	IsEmergencyActive() bool
}

// HaltStore shares the trading-halt flag across scheduler instances.
// Optional; the in-process flag is authoritative for the local instance.
type HaltStore interface {
	SetHalted(ctx context.Context, halted bool, reason string) error
}

// Config holds safety coordinator configuration
type Config struct {
	TickInterval          time.Duration `json:"tick_interval"`
	AutoEmergencyShutdown bool          `json:"auto_emergency_shutdown"`
	InputReadTimeout      time.Duration `json:"input_read_timeout"`

	WarnUnhealthyFraction     float64 `json:"warn_unhealthy_fraction"`     // Degraded+critical+offline share
	CriticalUnhealthyFraction float64 `json:"critical_unhealthy_fraction"`
	WarnRiskScore             float64 `json:"warn_risk_score"`
	CriticalRiskScore         float64 `json:"critical_risk_score"`
	WarnPendingRatio          float64 `json:"warn_pending_ratio"` // Pending vs approved approvals
	MaxAlerts                 int     `json:"max_alerts"`
}

// DefaultConfig returns coordinator defaults
func DefaultConfig() Config {
	return Config{
		TickInterval:              5 * time.Second,
		AutoEmergencyShutdown:     true,
		InputReadTimeout:          2 * time.Second,
		WarnUnhealthyFraction:     0.2,
		CriticalUnhealthyFraction: 0.5,
		WarnRiskScore:             50,
		CriticalRiskScore:         75,
		WarnPendingRatio:          2.0,
		MaxAlerts:                 200,
	}
}

// Coordinator aggregates safety inputs into one verdict each tick.
type Coordinator struct {
	config    Config
	riskInput RiskInput
	health    HealthProvider
	emergency EmergencyProvider
	consensus ConsensusProvider
	haltStore HaltStore
	bus       *events.Bus
	logger    zerolog.Logger

	mu      sync.RWMutex
	status  Status
	alerts  []*Alert
	actions []Action
	halted  bool

	running  bool
	stopChan chan struct{}
	kick     chan struct{}
	wg       sync.WaitGroup
}

// NewCoordinator creates a safety coordinator. consensus and haltStore may be
// nil; bus may be nil in tests.
func NewCoordinator(
	cfg Config,
	riskInput RiskInput,
	health HealthProvider,
	emergency EmergencyProvider,
	consensus ConsensusProvider,
	haltStore HaltStore,
	bus *events.Bus,
	logger zerolog.Logger,
) *Coordinator {
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.InputReadTimeout <= 0 {
		cfg.InputReadTimeout = def.InputReadTimeout
	}
	if cfg.WarnUnhealthyFraction <= 0 {
		cfg.WarnUnhealthyFraction = def.WarnUnhealthyFraction
	}
	if cfg.CriticalUnhealthyFraction <= 0 {
		cfg.CriticalUnhealthyFraction = def.CriticalUnhealthyFraction
	}
	if cfg.WarnRiskScore <= 0 {
		cfg.WarnRiskScore = def.WarnRiskScore
	}
	if cfg.CriticalRiskScore <= 0 {
		cfg.CriticalRiskScore = def.CriticalRiskScore
	}
	if cfg.WarnPendingRatio <= 0 {
		cfg.WarnPendingRatio = def.WarnPendingRatio
	}
	if cfg.MaxAlerts <= 0 {
		cfg.MaxAlerts = def.MaxAlerts
	}

	c := &Coordinator{
		config:    cfg,
		riskInput: riskInput,
		health:    health,
		emergency: emergency,
		consensus: consensus,
		haltStore: haltStore,
		bus:       bus,
		logger:    logger.With().Str("component", "safety_coordinator").Logger(),
		kick:      make(chan struct{}, 1),
	}
	c.status.OverallLevel = LevelSafe
	c.status.ComputedAt = time.Now()

	if bus != nil {
		// A risk escalation forces an immediate recompute instead of
		// waiting for the next tick.
		bus.Subscribe(events.EventRiskThresholdExceeded, func(events.Event) {
			select {
			case c.kick <- struct{}{}:
			default:
			}
		})
	}
	return c
}

// Start begins the tick loop.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("safety coordinator already running")
	}
	c.running = true
	c.stopChan = make(chan struct{})
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run()
	c.logger.Info().Dur("tick_interval", c.config.TickInterval).Msg("safety coordinator started")
	return nil
}

// Stop stops the tick loop.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopChan)
	c.mu.Unlock()
	c.wg.Wait()
	c.logger.Info().Msg("safety coordinator stopped")
}

func (c *Coordinator) run() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.TickInterval)
	defer ticker.Stop()

	c.Tick(context.Background())

	for {
		select {
		case <-ticker.C:
			c.Tick(context.Background())
		case <-c.kick:
			c.Tick(context.Background())
		case <-c.stopChan:
			return
		}
	}
}

// Tick recomputes the safety status from all inputs. Exported so tests and
// operators can force a recompute.
func (c *Coordinator) Tick(ctx context.Context) Status {
	ctx, cancel := context.WithTimeout(ctx, c.config.InputReadTimeout)
	defer cancel()

	status := Status{ComputedAt: time.Now()}
	status.Health = c.evaluateHealth(ctx)
	status.Risk = c.evaluateRisk()
	status.Emergency = c.evaluateEmergency(ctx)
	status.Consensus = c.evaluateConsensus(ctx)

	status.OverallLevel = LevelSafe
	for _, in := range []InputStatus{status.Health, status.Risk, status.Emergency, status.Consensus} {
		status.OverallLevel = maxLevel(status.OverallLevel, in.Severity)
	}

	c.applyStatus(status)

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

func (c *Coordinator) evaluateHealth(ctx context.Context) InputStatus {
	if c.health == nil {
		return InputStatus{Severity: LevelSafe, Detail: "no health feed configured"}
	}
	snap, err := c.health.HealthSnapshot(ctx)
	if err != nil {
		// Fail closed: an unreadable feed is treated as critical.
		return InputStatus{
			Severity:  LevelCritical,
			Detail:    "agent health feed unavailable",
			ReadError: err.Error(),
		}
	}
	if snap.Total == 0 {
		return InputStatus{Severity: LevelWarning, Detail: "no agents reporting"}
	}

	unhealthy := float64(snap.Degraded+snap.Critical+snap.Offline) / float64(snap.Total)
	detail := fmt.Sprintf("%d/%d agents unhealthy", snap.Degraded+snap.Critical+snap.Offline, snap.Total)
	switch {
	case unhealthy >= c.config.CriticalUnhealthyFraction:
		return InputStatus{Severity: LevelCritical, Detail: detail}
	case unhealthy >= c.config.WarnUnhealthyFraction:
		return InputStatus{Severity: LevelWarning, Detail: detail}
	default:
		return InputStatus{Severity: LevelSafe, Detail: detail}
	}
}

func (c *Coordinator) evaluateRisk() InputStatus {
	if c.riskInput == nil {
		return InputStatus{Severity: LevelCritical, Detail: "risk engine unavailable"}
	}
	if c.riskInput.IsEmergencyActive() {
		return InputStatus{Severity: LevelEmergency, Detail: "risk engine emergency active"}
	}
	riskMetrics := c.riskInput.GetPortfolioRiskMetrics()
	metrics.RiskOverallScore.Set(riskMetrics.OverallRiskScore)
	detail := fmt.Sprintf("portfolio risk score %.1f", riskMetrics.OverallRiskScore)
	switch {
	case riskMetrics.OverallRiskScore >= c.config.CriticalRiskScore:
		return InputStatus{Severity: LevelCritical, Detail: detail}
	case riskMetrics.OverallRiskScore >= c.config.WarnRiskScore:
		return InputStatus{Severity: LevelWarning, Detail: detail}
	default:
		return InputStatus{Severity: LevelSafe, Detail: detail}
	}
}

func (c *Coordinator) evaluateEmergency(ctx context.Context) InputStatus {
	if c.emergency == nil {
		return InputStatus{Severity: LevelSafe, Detail: "no emergency feed configured"}
	}
	snap, err := c.emergency.EmergencySnapshot(ctx)
	if err != nil {
		return InputStatus{
			Severity:  LevelCritical,
			Detail:    "emergency feed unavailable",
			ReadError: err.Error(),
		}
	}
	switch {
	case snap.TradingHalted:
		return InputStatus{Severity: LevelEmergency, Detail: "emergency subsystem halted trading"}
	case snap.ActiveIncidents > 0:
		return InputStatus{Severity: LevelCritical,
			Detail: fmt.Sprintf("%d active incidents", snap.ActiveIncidents)}
	default:
		return InputStatus{Severity: LevelSafe, Detail: "no active incidents"}
	}
}

func (c *Coordinator) evaluateConsensus(ctx context.Context) InputStatus {
	if c.consensus == nil {
		return InputStatus{Severity: LevelSafe, Detail: "no consensus feed configured"}
	}
	snap, err := c.consensus.ConsensusSnapshot(ctx)
	if err != nil {
		return InputStatus{
			Severity:  LevelCritical,
			Detail:    "consensus feed unavailable",
			ReadError: err.Error(),
		}
	}
	if snap.Approved == 0 && snap.Pending == 0 {
		return InputStatus{Severity: LevelSafe, Detail: "no approvals pending"}
	}
	ratio := float64(snap.Pending)
	if snap.Approved > 0 {
		ratio = float64(snap.Pending) / float64(snap.Approved)
	}
	detail := fmt.Sprintf("%d pending / %d approved", snap.Pending, snap.Approved)
	if ratio >= c.config.WarnPendingRatio {
		return InputStatus{Severity: LevelWarning, Detail: detail}
	}
	return InputStatus{Severity: LevelSafe, Detail: detail}
}

// applyStatus commits the new status, raising alerts on escalation and
// managing the trading-halt flag on emergency entry/exit.
func (c *Coordinator) applyStatus(status Status) {
	c.mu.Lock()

	previous := c.status.OverallLevel
	escalated := status.OverallLevel > previous
	recovered := previous == LevelEmergency && status.OverallLevel < LevelEmergency

	if escalated {
		c.raiseAlertLocked(status)
	}

	enteredEmergency := status.OverallLevel == LevelEmergency && previous != LevelEmergency
	if enteredEmergency && c.config.AutoEmergencyShutdown {
		c.halted = true
		c.actions = append(c.actions, Action{
			Type:      ActionEmergencyHalt,
			Target:    "scheduler",
			Reason:    dominantDetail(status),
			Success:   true,
			Timestamp: time.Now(),
		})
	}
	if recovered && c.halted {
		c.halted = false
		c.actions = append(c.actions, Action{
			Type:      ActionRestrict,
			Target:    "scheduler",
			Reason:    "emergency cleared, trading resumed",
			Success:   true,
			Timestamp: time.Now(),
		})
	}

	status.TradingHalted = c.halted
	c.status = status
	halted := c.halted
	c.mu.Unlock()

	metrics.SafetyLevel.Set(float64(status.OverallLevel))
	if halted {
		metrics.TradingHalted.Set(1)
	} else {
		metrics.TradingHalted.Set(0)
	}

	if enteredEmergency {
		c.logger.Error().Str("level", status.OverallLevel.String()).Bool("halted", halted).
			Msg("safety level escalated to emergency")
		if c.bus != nil && c.config.AutoEmergencyShutdown {
			c.bus.Publish(events.Event{
				Type: events.EventEmergencyHalt,
				Data: map[string]interface{}{"reason": dominantDetail(status)},
			})
		}
		if c.haltStore != nil && c.config.AutoEmergencyShutdown {
			if err := c.haltStore.SetHalted(context.Background(), true, dominantDetail(status)); err != nil {
				c.logger.Error().Err(err).Msg("failed to persist halt flag")
			}
		}
	}
	if recovered {
		c.logger.Info().Msg("safety emergency recovered")
		if c.bus != nil {
			c.bus.Publish(events.Event{Type: events.EventHaltLifted, Data: map[string]interface{}{}})
		}
		if c.haltStore != nil {
			if err := c.haltStore.SetHalted(context.Background(), false, "recovered"); err != nil {
				c.logger.Error().Err(err).Msg("failed to clear halt flag")
			}
		}
	}
}

// raiseAlertLocked records an alert for the most severe input. Caller holds
// the write lock.
func (c *Coordinator) raiseAlertLocked(status Status) {
	inputs := []struct {
		typ string
		in  InputStatus
	}{
		{AlertTypeHealth, status.Health},
		{AlertTypeRisk, status.Risk},
		{AlertTypeEmergency, status.Emergency},
		{AlertTypeConsensus, status.Consensus},
	}

	for _, entry := range inputs {
		if entry.in.Severity != status.OverallLevel {
			continue
		}
		typ := entry.typ
		if entry.in.ReadError != "" {
			typ = AlertTypeInputLost
		}
		alert := &Alert{
			ID:        uuid.New().String(),
			Type:      typ,
			Severity:  entry.in.Severity,
			Title:     fmt.Sprintf("safety level %s", status.OverallLevel),
			Message:   entry.in.Detail,
			Source:    entry.typ,
			CreatedAt: time.Now(),
		}
		c.alerts = append(c.alerts, alert)
		if len(c.alerts) > c.config.MaxAlerts {
			c.alerts = c.alerts[len(c.alerts)-c.config.MaxAlerts:]
		}
		if c.bus != nil {
			c.bus.Publish(events.Event{
				Type: events.EventSafetyAlert,
				Data: map[string]interface{}{
					"alert_id": alert.ID,
					"type":     alert.Type,
					"severity": alert.Severity.String(),
					"title":    alert.Title,
					"message":  alert.Message,
					"source":   alert.Source,
				},
			})
		}
		return
	}
}

func dominantDetail(status Status) string {
	for _, in := range []InputStatus{status.Emergency, status.Risk, status.Health, status.Consensus} {
		if in.Severity == status.OverallLevel {
			return in.Detail
		}
	}
	return status.OverallLevel.String()
}

// GetStatus returns the current aggregate. Pure read.
func (c *Coordinator) GetStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// IsEmergencyActive reports whether the overall level is emergency.
func (c *Coordinator) IsEmergencyActive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status.OverallLevel == LevelEmergency
}

// TradingHalted reports the global halt flag checked before every claim.
func (c *Coordinator) TradingHalted() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.halted
}

// GetActiveAlerts returns unresolved alerts, newest last.
func (c *Coordinator) GetActiveAlerts() []Alert {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Alert, 0, len(c.alerts))
	for _, a := range c.alerts {
		if !a.Resolved {
			out = append(out, *a)
		}
	}
	return out
}

// AcknowledgeAlert marks an alert acknowledged.
func (c *Coordinator) AcknowledgeAlert(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range c.alerts {
		if a.ID == id {
			a.Acknowledged = true
			return nil
		}
	}
	return fmt.Errorf("alert %s not found", id)
}

// Actions returns a copy of the recorded actions, oldest first.
func (c *Coordinator) Actions() []Action {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Action(nil), c.actions...)
}
