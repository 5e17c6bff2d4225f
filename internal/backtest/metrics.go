package backtest

import (
	"math"

	"exec-bandit/internal/indicator"
)

// Metrics 记录回放的执行成本指标（基点）。
type Metrics struct {
	MeanCost    float64 `json:"mean_cost_bps"`
	StdCost     float64 `json:"std_cost_bps"`
	TotalCost   float64 `json:"total_cost_bps"`
	WorstCost   float64 `json:"worst_cost_bps"`
	MaxDrawdown float64 `json:"max_drawdown_bps"`
}

func calculateMetrics(costs []float64) Metrics {
	if len(costs) == 0 {
		return Metrics{}
	}

	total := 0.0
	worst := math.Inf(-1)
	for _, c := range costs {
		total += c
		if c > worst {
			worst = c
		}
	}

	return Metrics{
		MeanCost:    indicator.Mean(costs),
		StdCost:     indicator.SampleStdDev(costs),
		TotalCost:   total,
		WorstCost:   worst,
		MaxDrawdown: computeDrawdown(costs),
	}
}

// computeDrawdown 以累计奖励（负成本）曲线计算最大回撤。
func computeDrawdown(costs []float64) float64 {
	var (
		cum   float64
		peak  float64
		maxDD float64
	)
	for _, c := range costs {
		cum -= c
		if cum > peak {
			peak = cum
		}
		if dd := peak - cum; dd > maxDD {
			maxDD = dd
		}
	}
	return maxDD
}
