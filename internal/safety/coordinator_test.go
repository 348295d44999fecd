package safety

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"listing-sniper/internal/metrics"
	"listing-sniper/internal/risk"
)

type fakeRisk struct {
	mu        sync.Mutex
	emergency bool
	score     float64
}

func (f *fakeRisk) GetPortfolioRiskMetrics() risk.PortfolioRiskMetrics {
	f.mu.Lock()
	defer f.mu.Unlock()
	return risk.PortfolioRiskMetrics{OverallRiskScore: f.score}
}

func (f *fakeRisk) IsEmergencyActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.emergency
}

func (f *fakeRisk) set(emergency bool, score float64) {
	f.mu.Lock()
	f.emergency = emergency
	f.score = score
	f.mu.Unlock()
}

type fakeHealth struct {
	snap AgentHealthSnapshot
	err  error
}

func (f *fakeHealth) HealthSnapshot(context.Context) (AgentHealthSnapshot, error) {
	return f.snap, f.err
}

type fakeEmergency struct {
	snap EmergencySnapshot
	err  error
}

func (f *fakeEmergency) EmergencySnapshot(context.Context) (EmergencySnapshot, error) {
	return f.snap, f.err
}

type fakeHaltStore struct {
	mu    sync.Mutex
	calls []bool
}

func (f *fakeHaltStore) SetHalted(_ context.Context, halted bool, _ string) error {
	f.mu.Lock()
	f.calls = append(f.calls, halted)
	f.mu.Unlock()
	return nil
}

func (f *fakeHaltStore) last() (bool, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return false, false
	}
	return f.calls[len(f.calls)-1], true
}

func newTestCoordinator(riskIn RiskInput, health HealthProvider, emergency EmergencyProvider, halt HaltStore) *Coordinator {
	return NewCoordinator(Config{AutoEmergencyShutdown: true}, riskIn, health, emergency, nil, halt, nil, zerolog.Nop())
}

func TestTickAllInputsSafe(t *testing.T) {
	c := newTestCoordinator(
		&fakeRisk{score: 20},
		&fakeHealth{snap: AgentHealthSnapshot{Total: 4, Healthy: 4}},
		&fakeEmergency{},
		nil,
	)

	status := c.Tick(context.Background())
	if status.OverallLevel != LevelSafe {
		t.Fatalf("expected safe, got %s", status.OverallLevel)
	}
	if status.TradingHalted || c.TradingHalted() {
		t.Fatal("trading must not be halted while safe")
	}
	if len(c.GetActiveAlerts()) != 0 {
		t.Fatalf("no alerts expected, got %d", len(c.GetActiveAlerts()))
	}
}

func TestOverallLevelIsMaxOfInputs(t *testing.T) {
	// One of four agents unhealthy (25%) trips the warning fraction while
	// every other input stays safe.
	c := newTestCoordinator(
		&fakeRisk{score: 20},
		&fakeHealth{snap: AgentHealthSnapshot{Total: 4, Healthy: 3, Degraded: 1}},
		&fakeEmergency{},
		nil,
	)

	status := c.Tick(context.Background())
	if status.OverallLevel != LevelWarning {
		t.Fatalf("expected warning, got %s", status.OverallLevel)
	}
	if status.Health.Severity != LevelWarning {
		t.Fatalf("expected health input at warning, got %s", status.Health.Severity)
	}
	if status.TradingHalted {
		t.Fatal("warning must not halt trading")
	}
}

func TestRiskEmergencyHaltsTrading(t *testing.T) {
	riskIn := &fakeRisk{score: 20}
	halt := &fakeHaltStore{}
	c := newTestCoordinator(riskIn, &fakeHealth{snap: AgentHealthSnapshot{Total: 2, Healthy: 2}}, &fakeEmergency{}, halt)

	riskIn.set(true, 95)
	status := c.Tick(context.Background())
	if status.OverallLevel != LevelEmergency {
		t.Fatalf("expected emergency, got %s", status.OverallLevel)
	}
	if !c.TradingHalted() || !status.TradingHalted {
		t.Fatal("emergency must halt trading")
	}
	if !c.IsEmergencyActive() {
		t.Fatal("IsEmergencyActive should report true")
	}
	if v, ok := halt.last(); !ok || !v {
		t.Fatal("halt flag should be persisted as halted")
	}

	actions := c.Actions()
	if len(actions) == 0 || actions[len(actions)-1].Type != ActionEmergencyHalt {
		t.Fatalf("expected emergency halt action, got %+v", actions)
	}

	// Recovery lifts the halt and clears the shared flag.
	riskIn.set(false, 20)
	status = c.Tick(context.Background())
	if status.OverallLevel == LevelEmergency {
		t.Fatal("expected recovery from emergency")
	}
	if c.TradingHalted() {
		t.Fatal("halt should lift on recovery")
	}
	if v, ok := halt.last(); !ok || v {
		t.Fatal("halt flag should be cleared on recovery")
	}
}

func TestUnreadableInputFailsClosed(t *testing.T) {
	c := newTestCoordinator(
		&fakeRisk{score: 20},
		&fakeHealth{err: errors.New("health feed down")},
		&fakeEmergency{},
		nil,
	)

	status := c.Tick(context.Background())
	if status.OverallLevel != LevelCritical {
		t.Fatalf("unreadable input must degrade to critical, got %s", status.OverallLevel)
	}
	if status.Health.ReadError == "" {
		t.Fatal("expected read error recorded on the health input")
	}

	alerts := c.GetActiveAlerts()
	if len(alerts) != 1 {
		t.Fatalf("expected one alert, got %d", len(alerts))
	}
	if alerts[0].Type != AlertTypeInputLost {
		t.Fatalf("expected %s alert, got %s", AlertTypeInputLost, alerts[0].Type)
	}
}

func TestAlertRaisedOnlyOnEscalation(t *testing.T) {
	health := &fakeHealth{snap: AgentHealthSnapshot{Total: 2, Healthy: 1, Offline: 1}}
	c := newTestCoordinator(&fakeRisk{score: 20}, health, &fakeEmergency{}, nil)

	c.Tick(context.Background())
	c.Tick(context.Background())
	c.Tick(context.Background())

	if got := len(c.GetActiveAlerts()); got != 1 {
		t.Fatalf("steady state must not repeat alerts, got %d", got)
	}
}

func TestEmergencySubsystemHaltPropagates(t *testing.T) {
	c := newTestCoordinator(
		&fakeRisk{score: 20},
		&fakeHealth{snap: AgentHealthSnapshot{Total: 1, Healthy: 1}},
		&fakeEmergency{snap: EmergencySnapshot{TradingHalted: true}},
		nil,
	)

	status := c.Tick(context.Background())
	if status.OverallLevel != LevelEmergency {
		t.Fatalf("expected emergency from halted subsystem, got %s", status.OverallLevel)
	}
	if !c.TradingHalted() {
		t.Fatal("expected coordinator halt to engage")
	}
}

func TestRiskScoreThresholds(t *testing.T) {
	riskIn := &fakeRisk{score: 60}
	c := newTestCoordinator(riskIn, &fakeHealth{snap: AgentHealthSnapshot{Total: 1, Healthy: 1}}, &fakeEmergency{}, nil)

	if got := c.Tick(context.Background()).Risk.Severity; got != LevelWarning {
		t.Fatalf("score 60 should warn, got %s", got)
	}

	riskIn.set(false, 80)
	if got := c.Tick(context.Background()).Risk.Severity; got != LevelCritical {
		t.Fatalf("score 80 should be critical, got %s", got)
	}
	if got := testutil.ToFloat64(metrics.RiskOverallScore); got != 80 {
		t.Fatalf("risk score gauge should read 80, got %v", got)
	}
}

func TestAcknowledgeAlert(t *testing.T) {
	c := newTestCoordinator(
		&fakeRisk{score: 20},
		&fakeHealth{err: errors.New("down")},
		&fakeEmergency{},
		nil,
	)
	c.Tick(context.Background())

	alerts := c.GetActiveAlerts()
	if len(alerts) != 1 {
		t.Fatalf("expected one alert, got %d", len(alerts))
	}
	if err := c.AcknowledgeAlert(alerts[0].ID); err != nil {
		t.Fatal(err)
	}
	if err := c.AcknowledgeAlert("no-such-alert"); err == nil {
		t.Fatal("expected error for unknown alert id")
	}
}

func TestMissingRiskInputIsCritical(t *testing.T) {
	c := NewCoordinator(Config{}, nil, nil, nil, nil, nil, nil, zerolog.Nop())

	status := c.Tick(context.Background())
	if status.Risk.Severity != LevelCritical {
		t.Fatalf("missing risk engine must be critical, got %s", status.Risk.Severity)
	}
	if status.OverallLevel != LevelCritical {
		t.Fatalf("expected overall critical, got %s", status.OverallLevel)
	}
}
