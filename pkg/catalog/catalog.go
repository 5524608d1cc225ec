package catalog

import (
	"fmt"
	"sort"
	"strings"

	"github.com/zen-systems/inferroute/pkg/config"
	"github.com/zen-systems/inferroute/pkg/policy"
)

// Arm is a selectable provider/model pairing.
type Arm struct {
	Provider string              `json:"provider"`
	Model    string              `json:"model"`
	Pricing  config.ModelPricing `json:"pricing"`
}

// Key returns the stable arm key "provider/model".
func (a Arm) Key() string {
	return a.Provider + "/" + a.Model
}

// Cost prices a call on this arm.
func (a Arm) Cost(promptTokens, completionTokens int) float64 {
	return EstimateCost(a.Pricing, promptTokens, completionTokens)
}

// Catalog is the immutable set of providers and arms built from routing
// configuration.
type Catalog struct {
	providers map[string]Provider
	arms      []Arm
	byKey     map[string]Arm
}

// New builds a catalogue from cfg. Provider overrides in cfg are applied on
// top of DefaultProviders; arms of disabled providers are dropped.
func New(cfg *config.RoutingConfig) (*Catalog, error) {
	if cfg == nil {
		cfg = config.DefaultRoutingConfig()
	}

	providers := DefaultProviders()
	for name, override := range cfg.Providers {
		p, ok := providers[name]
		if !ok {
			return nil, fmt.Errorf("provider %q is not in the catalogue", name)
		}
		if override.BaseURL != "" {
			p.BaseURL = override.BaseURL
		}
		if len(override.Regions) > 0 {
			regions := make([]policy.Region, 0, len(override.Regions))
			for _, value := range override.Regions {
				region, err := policy.ParseRegion(value, policy.RegionAny)
				if err != nil {
					return nil, fmt.Errorf("provider %q: %w", name, err)
				}
				regions = append(regions, region)
			}
			p.Regions = regions
		}
		if override.NoRetention != nil {
			p.NoRetention = *override.NoRetention
		}
		p.Disabled = override.Disabled
		providers[name] = p
	}

	c := &Catalog{
		providers: providers,
		byKey:     make(map[string]Arm, len(cfg.Arms)),
	}
	for _, ac := range cfg.Arms {
		p, ok := providers[ac.Provider]
		if !ok {
			return nil, fmt.Errorf("arm %s/%s: unknown provider %q", ac.Provider, ac.Model, ac.Provider)
		}
		if p.Disabled {
			continue
		}
		arm := Arm{Provider: ac.Provider, Model: ac.Model, Pricing: ac.Pricing}
		if _, dup := c.byKey[arm.Key()]; dup {
			return nil, fmt.Errorf("arm %s declared twice", arm.Key())
		}
		c.byKey[arm.Key()] = arm
		c.arms = append(c.arms, arm)
	}
	sort.Slice(c.arms, func(i, j int) bool {
		return c.arms[i].Key() < c.arms[j].Key()
	})
	return c, nil
}

// Arms returns all enabled arms sorted by key.
func (c *Catalog) Arms() []Arm {
	out := make([]Arm, len(c.arms))
	copy(out, c.arms)
	return out
}

// Arm looks up an arm by key.
func (c *Catalog) Arm(key string) (Arm, bool) {
	arm, ok := c.byKey[key]
	return arm, ok
}

// Provider looks up a provider by name.
func (c *Catalog) Provider(name string) (Provider, bool) {
	p, ok := c.providers[name]
	return p, ok
}

// Providers returns every catalogue provider sorted by name.
func (c *Catalog) Providers() []Provider {
	out := make([]Provider, 0, len(c.providers))
	for _, name := range ProviderNames(c.providers) {
		out = append(out, c.providers[name])
	}
	return out
}

// PriceFor returns pricing for provider/model. An unknown model falls back
// to the provider's "default" arm if one is configured.
func (c *Catalog) PriceFor(provider, model string) (config.ModelPricing, bool) {
	if arm, ok := c.byKey[provider+"/"+model]; ok {
		return arm.Pricing, true
	}
	if arm, ok := c.byKey[provider+"/default"]; ok {
		return arm.Pricing, true
	}
	return config.ModelPricing{}, false
}

// EstimateCost prices token usage in USD.
func EstimateCost(pricing config.ModelPricing, promptTokens, completionTokens int) float64 {
	promptCost := (float64(promptTokens) / 1000.0) * pricing.PromptPer1K
	completionCost := (float64(completionTokens) / 1000.0) * pricing.CompletionPer1K
	return promptCost + completionCost
}

// EstimateTokens approximates the token count of text by blending a word
// count with a four-characters-per-token estimate.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	words := len(strings.Fields(text))
	chars := len(text)
	n := (words + chars/4) / 2
	if n < 1 {
		n = 1
	}
	return n
}
