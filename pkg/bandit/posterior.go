package bandit

import (
	"math"

	"github.com/zen-systems/inferroute/pkg/router"
)

// Posterior is a Beta distribution over an arm's normalized reward.
type Posterior struct {
	Alpha        float64 `json:"alpha"`
	Beta         float64 `json:"beta"`
	Observations int64   `json:"observations"`
}

// Prior is the uninformed Beta(1,1) posterior every arm starts from.
func Prior() Posterior {
	return Posterior{Alpha: 1, Beta: 1}
}

// Mean is the expected reward.
func (p Posterior) Mean() float64 {
	return p.Alpha / (p.Alpha + p.Beta)
}

func (p Posterior) observe(score float64) Posterior {
	p.Alpha += score
	p.Beta += 1 - score
	p.Observations++
	return p
}

// PosteriorState is a serializable posterior for one (category, arm) key.
type PosteriorState struct {
	Category router.Category `json:"category"`
	Arm      string          `json:"arm"`
	Posterior
}

type postKey struct {
	category router.Category
	arm      string
}

func clampScore(score float64) float64 {
	switch {
	case math.IsNaN(score), score < 0:
		return 0
	case score > 1:
		return 1
	}
	return score
}
