package bandit

import (
	"time"

	"github.com/zen-systems/inferroute/pkg/config"
)

// Outcome is the measured result of one dispatched call.
type Outcome struct {
	Success bool
	// Quality is the response quality estimate in [0,1].
	Quality float64
	CostUSD float64
	Latency time.Duration
}

// Reward maps an outcome to a normalized quality-per-dollar score in [0,1].
// Failures score zero. Cost and latency are normalized against reference
// values and weighted; the remaining weight is a flat base, all scaled by
// quality.
func Reward(o Outcome, cfg config.RewardConfig) float64 {
	if !o.Success {
		return 0
	}

	refCost := cfg.RefCostUSD
	if refCost <= 0 {
		refCost = 0.05
	}
	refLatency := float64(cfg.RefLatencyMs)
	if refLatency < 1000 {
		refLatency = 1000
	}

	costNorm := o.CostUSD / refCost
	if costNorm > 1 {
		costNorm = 1
	}
	if costNorm < 0 {
		costNorm = 0
	}
	latencyNorm := float64(o.Latency.Milliseconds()) / refLatency
	if latencyNorm > 1 {
		latencyNorm = 1
	}
	if latencyNorm < 0 {
		latencyNorm = 0
	}

	base := 1 - cfg.CostWeight - cfg.LatencyWeight
	if base < 0 {
		base = 0
	}
	score := cfg.CostWeight*(1-costNorm) + cfg.LatencyWeight*(1-latencyNorm) + base
	return clampScore(clampScore(o.Quality) * score)
}
