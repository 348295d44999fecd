package risk

// Stress scenarios applied by PerformStressTest. The liquidity dry-up
// scenario models a moderate drop made worse by exit slippage.
var stressScenarios = []StressScenario{
	{Name: "shock_-10", PriceShock: -0.10},
	{Name: "shock_-20", PriceShock: -0.20},
	{Name: "shock_-30", PriceShock: -0.30},
	{Name: "liquidity_dry_up", PriceShock: -0.08, SlippageShock: 0.05},
}

// PerformStressTest applies the fixed adverse scenarios to current positions
// and reports projected loss per scenario against the portfolio risk ceiling.
func (e *Engine) PerformStressTest() []StressResult {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var exposure float64
	for _, p := range e.positions {
		exposure += p.ValueQuote
	}

	results := make([]StressResult, 0, len(stressScenarios))
	for _, scenario := range stressScenarios {
		loss := exposure * (-scenario.PriceShock)
		loss += exposure * scenario.SlippageShock

		r := StressResult{
			Scenario:      scenario,
			ProjectedLoss: loss,
		}
		if e.portfolioValue > 0 {
			r.LossPercent = loss / e.portfolioValue * 100
			r.BreachesLimit = r.LossPercent > e.config.MaxPortfolioRisk
		}
		results = append(results, r)
	}
	return results
}
