package risk

// Flash-crash classification thresholds. Drop percentages pair with volume
// spike ratios: a deep drop on ordinary volume is a drift, not a crash.
const (
	dropLow      = 3.0
	dropMedium   = 5.0
	dropHigh     = 10.0
	dropCritical = 20.0

	spikeMedium = 3.0
)

// DetectFlashCrash computes the max peak-to-trough drop within the configured
// sliding window and the volume spike ratio versus the trailing average, then
// classifies severity. The sequence must be ordered by timestamp.
func (e *Engine) DetectFlashCrash(sequence []PricePoint) FlashCrashResult {
	result := FlashCrashResult{Severity: SeverityNone}
	if len(sequence) < 2 {
		return result
	}

	window := e.config.FlashCrashWindow

	// Max drop from any peak to any later trough within the window.
	for i := 0; i < len(sequence); i++ {
		peak := sequence[i]
		if peak.Price <= 0 {
			continue
		}
		for j := i + 1; j < len(sequence); j++ {
			if sequence[j].Timestamp.Sub(peak.Timestamp) > window {
				break
			}
			drop := (peak.Price - sequence[j].Price) / peak.Price * 100
			if drop > result.MaxDropPercent {
				result.MaxDropPercent = drop
			}
		}
	}

	result.VolumeSpikeRatio = volumeSpikeRatio(sequence)

	spikeHigh := e.config.VolumeSpikeThreshold
	switch {
	case result.MaxDropPercent >= dropCritical && result.VolumeSpikeRatio >= spikeHigh:
		result.Severity = SeverityCritical
	case result.MaxDropPercent >= dropHigh && result.VolumeSpikeRatio >= spikeHigh:
		result.Severity = SeverityHigh
	case result.MaxDropPercent >= dropMedium && result.VolumeSpikeRatio >= spikeMedium:
		result.Severity = SeverityMedium
	case result.MaxDropPercent >= dropLow:
		result.Severity = SeverityLow
	}

	result.IsFlashCrash = result.Severity != SeverityNone
	return result
}

// volumeSpikeRatio compares the max volume in the final quarter of the
// sequence against the trailing average of everything before it.
func volumeSpikeRatio(sequence []PricePoint) float64 {
	tail := len(sequence) / 4
	if tail < 1 {
		tail = 1
	}
	cut := len(sequence) - tail

	var trailingSum float64
	var trailingCount int
	for _, p := range sequence[:cut] {
		trailingSum += p.Volume
		trailingCount++
	}
	if trailingCount == 0 || trailingSum == 0 {
		return 0
	}
	trailingAvg := trailingSum / float64(trailingCount)

	var maxRecent float64
	for _, p := range sequence[cut:] {
		if p.Volume > maxRecent {
			maxRecent = p.Volume
		}
	}
	return maxRecent / trailingAvg
}
