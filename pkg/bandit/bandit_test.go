package bandit

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zen-systems/inferroute/pkg/catalog"
	"github.com/zen-systems/inferroute/pkg/config"
	"github.com/zen-systems/inferroute/pkg/policy"
	"github.com/zen-systems/inferroute/pkg/router"
)

type fakeHealth map[string]bool

func (f fakeHealth) Eligible(provider string) bool {
	down, ok := f[provider]
	return !ok || !down
}

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.New(&config.RoutingConfig{
		Arms: []config.ArmConfig{
			{Provider: "anthropic", Model: "sonnet", Pricing: config.ModelPricing{PromptPer1K: 0.003, CompletionPer1K: 0.015}},
			{Provider: "openai", Model: "mini", Pricing: config.ModelPricing{PromptPer1K: 0.00015, CompletionPer1K: 0.0006}},
			{Provider: "deepseek", Model: "chat", Pricing: config.ModelPricing{PromptPer1K: 0.00027, CompletionPer1K: 0.0011}},
			{Provider: "mistral", Model: "small", Pricing: config.ModelPricing{PromptPer1K: 0.0002, CompletionPer1K: 0.0006}},
		},
	})
	require.NoError(t, err)
	return cat
}

func allCredentials() map[string]string {
	return map[string]string{
		"anthropic": "sk-ant",
		"openai":    "sk-oa",
		"deepseek":  "sk-ds",
		"mistral":   "sk-mi",
	}
}

func keys(arms []catalog.Arm) []string {
	out := make([]string, 0, len(arms))
	for _, a := range arms {
		out = append(out, a.Key())
	}
	return out
}

func TestDominantArmWins(t *testing.T) {
	r := New(testCatalog(t), WithSeed(42))
	cat := router.CategoryCode

	for i := 0; i < 1000; i++ {
		r.Update(cat, "openai/mini", 1)
	}
	for _, arm := range []string{"anthropic/sonnet", "deepseek/chat", "mistral/small"} {
		r.Update(cat, arm, 1)
	}

	req := SelectRequest{Category: cat, Credentials: allCredentials(), Region: policy.RegionAny}
	counts := map[string]int{}
	for i := 0; i < 1000; i++ {
		sel, err := r.Select(req)
		require.NoError(t, err)
		counts[sel.Arm.Key()]++
	}
	assert.Greater(t, counts["openai/mini"], 900)

	others := 0
	for i := 0; i < 5000; i++ {
		sel, err := r.Select(req)
		require.NoError(t, err)
		if sel.Arm.Key() != "openai/mini" {
			others++
		}
	}
	assert.Greater(t, others, 0, "non-dominant arms must still be explored")
}

func TestSelectIsReproducibleWithSeed(t *testing.T) {
	req := SelectRequest{Category: router.CategoryChat, Credentials: allCredentials()}
	run := func() []string {
		r := New(testCatalog(t), WithSource(rand.NewPCG(7, 11)))
		var picks []string
		for i := 0; i < 50; i++ {
			sel, err := r.Select(req)
			require.NoError(t, err)
			picks = append(picks, sel.Arm.Key())
		}
		return picks
	}

	if diff := cmp.Diff(run(), run()); diff != "" {
		t.Fatalf("selection not reproducible (-first +second):\n%s", diff)
	}
}

func TestFilter(t *testing.T) {
	cat := testCatalog(t)

	tests := []struct {
		name     string
		health   fakeHealth
		req      SelectRequest
		eligible []string
	}{
		{
			name:     "all eligible",
			req:      SelectRequest{Credentials: allCredentials()},
			eligible: []string{"anthropic/sonnet", "deepseek/chat", "mistral/small", "openai/mini"},
		},
		{
			name:     "missing credential",
			req:      SelectRequest{Credentials: map[string]string{"openai": "k"}},
			eligible: []string{"openai/mini"},
		},
		{
			name:     "excluded arm",
			req:      SelectRequest{Credentials: allCredentials(), Exclude: map[string]bool{"anthropic/sonnet": true}},
			eligible: []string{"deepseek/chat", "mistral/small", "openai/mini"},
		},
		{
			name:     "excluded provider",
			req:      SelectRequest{Credentials: allCredentials(), ExcludeProviders: map[string]bool{"openai": true}},
			eligible: []string{"anthropic/sonnet", "deepseek/chat", "mistral/small"},
		},
		{
			name:     "pinned",
			req:      SelectRequest{Credentials: allCredentials(), Allow: []string{"mistral/small", "unknown/x"}},
			eligible: []string{"mistral/small"},
		},
		{
			name:     "open breaker",
			health:   fakeHealth{"openai": true, "deepseek": true},
			req:      SelectRequest{Credentials: allCredentials()},
			eligible: []string{"anthropic/sonnet", "mistral/small"},
		},
		{
			name:     "eu region",
			req:      SelectRequest{Credentials: allCredentials(), Region: policy.RegionEU},
			eligible: []string{"anthropic/sonnet", "mistral/small", "openai/mini"},
		},
		{
			name:     "no retention",
			req:      SelectRequest{Credentials: allCredentials(), RequireNoRetention: true},
			eligible: []string{"anthropic/sonnet", "mistral/small", "openai/mini"},
		},
		{
			name: "budget",
			req: SelectRequest{
				Credentials:        allCredentials(),
				BudgetLimited:      true,
				RemainingBudgetUSD: 0.001,
				PromptTokens:       1000,
				CompletionTokens:   1000,
			},
			eligible: []string{"mistral/small", "openai/mini"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := []Option{WithSeed(1)}
			if tt.health != nil {
				opts = append(opts, WithHealth(tt.health))
			}
			r := New(cat, opts...)

			eligible, rejected := r.Filter(tt.req)
			if diff := cmp.Diff(tt.eligible, keys(eligible)); diff != "" {
				t.Fatalf("eligible mismatch (-want +got):\n%s", diff)
			}
			assert.Len(t, rejected, len(cat.Arms())-len(tt.eligible))
			for _, rej := range rejected {
				assert.NotEmpty(t, rej.Reason)
			}
		})
	}
}

func TestFilterIsIdempotent(t *testing.T) {
	r := New(testCatalog(t), WithHealth(fakeHealth{"deepseek": true}))
	req := SelectRequest{Credentials: allCredentials(), Region: policy.RegionUS}

	firstArms, firstRejected := r.Filter(req)
	secondArms, secondRejected := r.Filter(req)

	if diff := cmp.Diff(firstArms, secondArms); diff != "" {
		t.Fatalf("eligible arms changed:\n%s", diff)
	}
	if diff := cmp.Diff(firstRejected, secondRejected); diff != "" {
		t.Fatalf("rejections changed:\n%s", diff)
	}
}

func TestSelectNoEligibleArm(t *testing.T) {
	r := New(testCatalog(t))

	_, err := r.Select(SelectRequest{Category: router.CategoryResearch})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoEligibleArm))

	var noArm *NoEligibleError
	require.True(t, errors.As(err, &noArm))
	assert.Equal(t, router.CategoryResearch, noArm.Category)
	assert.Len(t, noArm.Rejections, 4)
	assert.Contains(t, err.Error(), "no credential")
}

func TestSelectionReportsEstimate(t *testing.T) {
	r := New(testCatalog(t), WithSeed(3))
	sel, err := r.Select(SelectRequest{
		Credentials:      map[string]string{"anthropic": "k"},
		PromptTokens:     1000,
		CompletionTokens: 1000,
	})
	require.NoError(t, err)

	assert.Equal(t, "anthropic/sonnet", sel.Arm.Key())
	assert.InDelta(t, 0.018, sel.EstimatedUSD, 1e-12)
	assert.Equal(t, 1, sel.Eligible)
	assert.Len(t, sel.Rejections, 3)
}

func TestCompareDrawsTieBreak(t *testing.T) {
	a := draw{arm: catalog.Arm{Provider: "b", Model: "x"}, sample: 0.5, post: Posterior{Observations: 3}}
	b := draw{arm: catalog.Arm{Provider: "a", Model: "x"}, sample: 0.5, post: Posterior{Observations: 1}}
	c := draw{arm: catalog.Arm{Provider: "a", Model: "y"}, sample: 0.5, post: Posterior{Observations: 3}}
	d := draw{arm: catalog.Arm{Provider: "z", Model: "z"}, sample: 0.6}

	assert.Equal(t, -1, compareDraws(d, a), "higher sample wins")
	assert.Equal(t, -1, compareDraws(a, b), "more observations wins")
	assert.Equal(t, -1, compareDraws(c, a), "smaller key wins")
	assert.Equal(t, 1, compareDraws(a, c))
}

func TestUpdate(t *testing.T) {
	r := New(testCatalog(t))

	p := r.Update(router.CategoryCode, "openai/mini", 0.75)
	assert.Equal(t, Posterior{Alpha: 1.75, Beta: 1.25, Observations: 1}, p)

	p = r.Update(router.CategoryCode, "openai/mini", 7)
	assert.Equal(t, Posterior{Alpha: 2.75, Beta: 1.25, Observations: 2}, p)

	p = r.Update(router.CategoryCode, "openai/mini", -1)
	assert.Equal(t, Posterior{Alpha: 2.75, Beta: 2.25, Observations: 3}, p)

	assert.Equal(t, Prior(), r.Posterior(router.CategoryChat, "openai/mini"))
}

func TestUpdatesCommute(t *testing.T) {
	scores := []float64{0.1, 0.9, 0.4, 1, 0, 0.65}
	forward := New(testCatalog(t))
	backward := New(testCatalog(t))
	for i := range scores {
		forward.Update(router.CategoryCreative, "anthropic/sonnet", scores[i])
		backward.Update(router.CategoryCreative, "anthropic/sonnet", scores[len(scores)-1-i])
	}

	f := forward.Posterior(router.CategoryCreative, "anthropic/sonnet")
	b := backward.Posterior(router.CategoryCreative, "anthropic/sonnet")
	assert.InDelta(t, f.Alpha, b.Alpha, 1e-12)
	assert.InDelta(t, f.Beta, b.Beta, 1e-12)
	assert.Equal(t, f.Observations, b.Observations)
}

func TestConcurrentUpdates(t *testing.T) {
	r := New(testCatalog(t))
	arms := []string{"anthropic/sonnet", "openai/mini"}

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.Update(router.CategoryCode, arms[i%2], 1)
		}(i)
	}
	wg.Wait()

	for _, arm := range arms {
		p := r.Posterior(router.CategoryCode, arm)
		assert.Equal(t, int64(100), p.Observations, arm)
		assert.InDelta(t, 101.0, p.Alpha, 1e-9)
	}
}

func TestSnapshotRestoreReset(t *testing.T) {
	r := New(testCatalog(t))
	r.Update(router.CategoryCode, "openai/mini", 1)
	r.Update(router.CategoryChat, "anthropic/sonnet", 0)

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, router.CategoryChat, snap[0].Category)

	restored := New(testCatalog(t))
	restored.Restore(append(snap, PosteriorState{Category: router.CategoryCode, Arm: "bad/arm"}))
	if diff := cmp.Diff(snap, restored.Snapshot()); diff != "" {
		t.Fatalf("restore mismatch (-want +got):\n%s", diff)
	}

	restored.Reset(router.CategoryCode, "openai/mini")
	assert.Equal(t, Prior(), restored.Posterior(router.CategoryCode, "openai/mini"))
	assert.Equal(t, int64(1), restored.Posterior(router.CategoryChat, "anthropic/sonnet").Observations)
}

func TestRestoreSkipsNonFiniteParameters(t *testing.T) {
	r := New(testCatalog(t))
	r.Restore([]PosteriorState{
		{Category: router.CategoryCode, Arm: "openai/mini", Posterior: Posterior{Alpha: math.NaN(), Beta: 1}},
		{Category: router.CategoryCode, Arm: "anthropic/sonnet", Posterior: Posterior{Alpha: 1, Beta: math.Inf(1)}},
		{Category: router.CategoryChat, Arm: "openai/mini", Posterior: Posterior{Alpha: 2, Beta: 1, Observations: 1}},
	})
	assert.Equal(t, Prior(), r.Posterior(router.CategoryCode, "openai/mini"))
	assert.Equal(t, Prior(), r.Posterior(router.CategoryCode, "anthropic/sonnet"))
	assert.Equal(t, int64(1), r.Posterior(router.CategoryChat, "openai/mini").Observations)
	require.Len(t, r.Snapshot(), 1)
}

func ExampleRouter_Update() {
	cat, _ := catalog.New(&config.RoutingConfig{
		Arms: []config.ArmConfig{{Provider: "openai", Model: "gpt-4o-mini"}},
	})
	r := New(cat)
	p := r.Update(router.CategoryCode, "openai/gpt-4o-mini", 0.5)
	fmt.Printf("alpha=%.1f beta=%.1f n=%d\n", p.Alpha, p.Beta, p.Observations)
	// Output: alpha=1.5 beta=1.5 n=1
}
