package risk

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// crashSequence builds an evenly spaced price/volume series spanning the
// default 60s detection window.
func crashSequence(prices, volumes []float64) []PricePoint {
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	step := 60 * time.Second / time.Duration(len(prices))
	seq := make([]PricePoint, len(prices))
	for i := range prices {
		seq[i] = PricePoint{
			Price:     prices[i],
			Volume:    volumes[i],
			Timestamp: base.Add(time.Duration(i) * step),
		}
	}
	return seq
}

func TestDetectFlashCrashSharpDropWithVolumeSpike(t *testing.T) {
	e := NewEngine(Config{}, nil, zerolog.Nop())

	// 10% slide from 45000 to 40500 with the last quarter at 25x volume.
	seq := crashSequence(
		[]float64{45000, 44600, 44100, 43500, 42800, 42200, 41700, 41200, 40800, 40700, 40600, 40500},
		[]float64{1000, 1000, 1000, 1000, 1000, 1000, 1000, 1000, 1000, 25000, 25000, 25000},
	)

	r := e.DetectFlashCrash(seq)
	if !r.IsFlashCrash {
		t.Fatal("expected flash crash")
	}
	if r.Severity != SeverityHigh {
		t.Fatalf("expected high severity, got %s (drop %.1f%% spike %.1fx)",
			r.Severity, r.MaxDropPercent, r.VolumeSpikeRatio)
	}
	if r.MaxDropPercent < 10 {
		t.Fatalf("expected at least 10%% drop, got %.2f", r.MaxDropPercent)
	}
	if r.VolumeSpikeRatio < 20 {
		t.Fatalf("expected spike ratio near 25, got %.2f", r.VolumeSpikeRatio)
	}
}

func TestDetectFlashCrashCollapseIsCritical(t *testing.T) {
	e := NewEngine(Config{}, nil, zerolog.Nop())

	seq := crashSequence(
		[]float64{100, 98, 95, 92, 88, 84, 80, 78},
		[]float64{500, 500, 500, 500, 500, 500, 6000, 6000},
	)

	r := e.DetectFlashCrash(seq)
	if r.Severity != SeverityCritical {
		t.Fatalf("22%% drop on 12x volume should be critical, got %s", r.Severity)
	}
}

func TestDetectFlashCrashDriftOnOrdinaryVolume(t *testing.T) {
	e := NewEngine(Config{}, nil, zerolog.Nop())

	// Deep slide but flat volume: drop alone only rates low severity.
	seq := crashSequence(
		[]float64{100, 98, 96, 94, 92, 90, 89, 88},
		[]float64{1000, 1000, 1000, 1000, 1000, 1000, 1000, 1000},
	)

	r := e.DetectFlashCrash(seq)
	if r.Severity != SeverityLow {
		t.Fatalf("expected low severity without volume confirmation, got %s", r.Severity)
	}
}

func TestDetectFlashCrashModerateDip(t *testing.T) {
	e := NewEngine(Config{}, nil, zerolog.Nop())

	// 6% dip with a 3.5x spike sits in the medium band.
	seq := crashSequence(
		[]float64{100, 99.5, 99, 98, 97, 96, 95, 94},
		[]float64{1000, 1000, 1000, 1000, 1000, 1000, 3500, 3500},
	)

	r := e.DetectFlashCrash(seq)
	if r.Severity != SeverityMedium {
		t.Fatalf("expected medium severity, got %s (drop %.1f%% spike %.1fx)",
			r.Severity, r.MaxDropPercent, r.VolumeSpikeRatio)
	}
}

func TestDetectFlashCrashCalmMarket(t *testing.T) {
	e := NewEngine(Config{}, nil, zerolog.Nop())

	seq := crashSequence(
		[]float64{100, 100.2, 99.8, 100.1, 99.9, 100},
		[]float64{1000, 1100, 900, 1000, 1050, 980},
	)

	r := e.DetectFlashCrash(seq)
	if r.IsFlashCrash {
		t.Fatalf("calm market flagged as crash: %+v", r)
	}
	if r.Severity != SeverityNone {
		t.Fatalf("expected no severity, got %s", r.Severity)
	}
}

func TestDetectFlashCrashTooFewPoints(t *testing.T) {
	e := NewEngine(Config{}, nil, zerolog.Nop())

	r := e.DetectFlashCrash([]PricePoint{{Price: 100, Volume: 1, Timestamp: time.Now()}})
	if r.IsFlashCrash || r.Severity != SeverityNone {
		t.Fatalf("single point must not classify, got %+v", r)
	}
}

func TestDetectFlashCrashIgnoresDropsOutsideWindow(t *testing.T) {
	e := NewEngine(Config{FlashCrashWindow: 10 * time.Second}, nil, zerolog.Nop())

	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	seq := []PricePoint{
		{Price: 100, Volume: 1000, Timestamp: base},
		// Far outside the 10s window relative to the first peak.
		{Price: 80, Volume: 1000, Timestamp: base.Add(5 * time.Minute)},
	}

	r := e.DetectFlashCrash(seq)
	if r.MaxDropPercent != 0 {
		t.Fatalf("drop spanning beyond the window must not count, got %.2f", r.MaxDropPercent)
	}
}
