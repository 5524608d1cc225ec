package bandit

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/zen-systems/inferroute/pkg/config"
)

func TestReward(t *testing.T) {
	cfg := config.RewardConfig{RefCostUSD: 0.05, RefLatencyMs: 10000, CostWeight: 0.4, LatencyWeight: 0.2}

	tests := []struct {
		name    string
		outcome Outcome
		want    float64
	}{
		{"failure", Outcome{Success: false, Quality: 1}, 0},
		{"free and instant", Outcome{Success: true, Quality: 1}, 1},
		{"expensive and slow", Outcome{Success: true, Quality: 1, CostUSD: 1, Latency: time.Minute}, 0.4},
		{"half price half latency", Outcome{Success: true, Quality: 1, CostUSD: 0.025, Latency: 5 * time.Second}, 0.7},
		{"quality scales", Outcome{Success: true, Quality: 0.5}, 0.5},
		{"quality clamped", Outcome{Success: true, Quality: 3}, 1},
		{"empty response", Outcome{Success: true, Quality: 0}, 0},
		{"nan quality", Outcome{Success: true, Quality: math.NaN()}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Reward(tt.outcome, cfg), 1e-9)
		})
	}
}

func TestRewardZeroConfigUsesReferences(t *testing.T) {
	got := Reward(Outcome{Success: true, Quality: 1, CostUSD: 0.05}, config.RewardConfig{CostWeight: 1})
	assert.InDelta(t, 0.0, got, 1e-9)
}
