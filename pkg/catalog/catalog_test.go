package catalog

import (
	"math"
	"testing"

	"github.com/zen-systems/inferroute/pkg/config"
	"github.com/zen-systems/inferroute/pkg/policy"
)

func TestNewFromDefaults(t *testing.T) {
	c, err := New(config.DefaultRoutingConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	arms := c.Arms()
	if len(arms) != len(config.DefaultRoutingConfig().Arms) {
		t.Fatalf("expected %d arms, got %d", len(config.DefaultRoutingConfig().Arms), len(arms))
	}
	for i := 1; i < len(arms); i++ {
		if arms[i-1].Key() >= arms[i].Key() {
			t.Fatalf("arms not sorted: %s before %s", arms[i-1].Key(), arms[i].Key())
		}
	}
	for _, arm := range arms {
		if _, ok := c.Provider(arm.Provider); !ok {
			t.Fatalf("arm %s references unknown provider", arm.Key())
		}
	}
	if len(c.Providers()) != len(config.ProviderKeyEnv) {
		t.Fatalf("expected %d providers, got %d", len(config.ProviderKeyEnv), len(c.Providers()))
	}
	for _, p := range c.Providers() {
		if p.EnvVar != config.ProviderKeyEnv[p.Name] {
			t.Fatalf("provider %s env var %s, config expects %s", p.Name, p.EnvVar, config.ProviderKeyEnv[p.Name])
		}
	}
}

func TestNewAppliesProviderOverrides(t *testing.T) {
	noRetention := false
	cfg := &config.RoutingConfig{
		Arms: []config.ArmConfig{
			{Provider: "anthropic", Model: "a"},
			{Provider: "deepseek", Model: "b"},
			{Provider: "groq", Model: "c"},
		},
		Providers: map[string]config.ProviderConfig{
			"anthropic": {NoRetention: &noRetention, Regions: []string{"eu"}},
			"deepseek":  {BaseURL: "http://localhost:9999/v1"},
			"groq":      {Disabled: true},
		},
	}

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	p, _ := c.Provider("anthropic")
	if p.NoRetention {
		t.Fatalf("expected no_retention override to apply")
	}
	if len(p.Regions) != 1 || p.Regions[0] != policy.RegionEU {
		t.Fatalf("unexpected regions: %v", p.Regions)
	}
	p, _ = c.Provider("deepseek")
	if p.BaseURL != "http://localhost:9999/v1" {
		t.Fatalf("unexpected base url %q", p.BaseURL)
	}
	if _, ok := c.Arm("groq/c"); ok {
		t.Fatalf("arm of disabled provider should be dropped")
	}
	if len(c.Arms()) != 2 {
		t.Fatalf("expected 2 arms, got %d", len(c.Arms()))
	}
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	cfg := &config.RoutingConfig{Arms: []config.ArmConfig{{Provider: "acme", Model: "x"}}}
	if _, err := New(cfg); err == nil {
		t.Fatalf("expected error for unknown provider")
	}

	cfg = &config.RoutingConfig{Providers: map[string]config.ProviderConfig{"acme": {}}}
	if _, err := New(cfg); err == nil {
		t.Fatalf("expected error for unknown provider override")
	}
}

func TestNewRejectsBadRegion(t *testing.T) {
	cfg := &config.RoutingConfig{
		Providers: map[string]config.ProviderConfig{"openai": {Regions: []string{"mars"}}},
	}
	if _, err := New(cfg); err == nil {
		t.Fatalf("expected error for invalid region")
	}
}

func TestEstimateCost(t *testing.T) {
	pricing := config.ModelPricing{PromptPer1K: 0.003, CompletionPer1K: 0.015}
	got := EstimateCost(pricing, 2000, 1000)
	if math.Abs(got-0.021) > 1e-12 {
		t.Fatalf("expected 0.021, got %f", got)
	}

	arm := Arm{Provider: "p", Model: "m", Pricing: pricing}
	if arm.Cost(2000, 1000) != got {
		t.Fatalf("Arm.Cost disagrees with EstimateCost")
	}
}

func TestPriceForFallsBackToDefault(t *testing.T) {
	cfg := &config.RoutingConfig{
		Arms: []config.ArmConfig{
			{Provider: "openai", Model: "default", Pricing: config.ModelPricing{PromptPer1K: 1}},
			{Provider: "openai", Model: "gpt-4o", Pricing: config.ModelPricing{PromptPer1K: 2}},
		},
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if p, ok := c.PriceFor("openai", "gpt-4o"); !ok || p.PromptPer1K != 2 {
		t.Fatalf("unexpected pricing %+v", p)
	}
	if p, ok := c.PriceFor("openai", "unknown"); !ok || p.PromptPer1K != 1 {
		t.Fatalf("expected default pricing, got %+v", p)
	}
	if _, ok := c.PriceFor("anthropic", "x"); ok {
		t.Fatalf("expected no pricing")
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"hi", 1},
		{"the quick brown fox jumps over the lazy dog", 9},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.text); got != tt.want {
			t.Fatalf("EstimateTokens(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}
