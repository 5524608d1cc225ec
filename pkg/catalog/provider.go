// Package catalog enumerates the providers and provider/model arms the
// router can dispatch to, together with their prices.
package catalog

import (
	"sort"

	"github.com/zen-systems/inferroute/pkg/policy"
)

// Kind selects the wire protocol used to reach a provider.
type Kind string

const (
	KindAnthropic Kind = "anthropic"
	KindOpenAI    Kind = "openai"
	KindGoogle    Kind = "google"
	KindCohere    Kind = "cohere"
)

// Provider describes a BYOK provider.
type Provider struct {
	Name    string
	EnvVar  string
	Kind    Kind
	BaseURL string
	// Regions lists where the provider processes requests. An empty list
	// only satisfies region "any".
	Regions []policy.Region
	// NoRetention marks providers with a zero data retention agreement,
	// required under max privacy.
	NoRetention bool
	Disabled    bool
}

// DefaultProviders returns the built-in provider catalogue keyed by name.
func DefaultProviders() map[string]Provider {
	us := []policy.Region{policy.RegionUS}
	usEU := []policy.Region{policy.RegionUS, policy.RegionEU}

	list := []Provider{
		{Name: "anthropic", EnvVar: "ANTHROPIC_API_KEY", Kind: KindAnthropic, Regions: usEU, NoRetention: true},
		{Name: "openai", EnvVar: "OPENAI_API_KEY", Kind: KindOpenAI, Regions: usEU, NoRetention: true},
		{Name: "google", EnvVar: "GOOGLE_API_KEY", Kind: KindGoogle, Regions: usEU},
		{Name: "deepseek", EnvVar: "DEEPSEEK_API_KEY", Kind: KindOpenAI, BaseURL: "https://api.deepseek.com/v1"},
		{Name: "mistral", EnvVar: "MISTRAL_API_KEY", Kind: KindOpenAI, BaseURL: "https://api.mistral.ai/v1", Regions: []policy.Region{policy.RegionEU}, NoRetention: true},
		{Name: "groq", EnvVar: "GROQ_API_KEY", Kind: KindOpenAI, BaseURL: "https://api.groq.com/openai/v1", Regions: us, NoRetention: true},
		{Name: "together", EnvVar: "TOGETHER_API_KEY", Kind: KindOpenAI, BaseURL: "https://api.together.xyz/v1", Regions: us},
		{Name: "fireworks", EnvVar: "FIREWORKS_API_KEY", Kind: KindOpenAI, BaseURL: "https://api.fireworks.ai/inference/v1", Regions: us, NoRetention: true},
		{Name: "cohere", EnvVar: "COHERE_API_KEY", Kind: KindCohere, BaseURL: "https://api.cohere.com", Regions: usEU},
		{Name: "perplexity", EnvVar: "PERPLEXITY_API_KEY", Kind: KindOpenAI, BaseURL: "https://api.perplexity.ai", Regions: us},
	}

	out := make(map[string]Provider, len(list))
	for _, p := range list {
		out[p.Name] = p
	}
	return out
}

// ProviderNames returns the sorted names of providers.
func ProviderNames(providers map[string]Provider) []string {
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
