package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// RoutingConfig holds classification rules, the arm catalogue and the
// tuning knobs of the routing core.
type RoutingConfig struct {
	Categories               map[string]CategoryRules  `yaml:"categories" toml:"categories"`
	Arms                     []ArmConfig               `yaml:"arms" toml:"arms"`
	Providers                map[string]ProviderConfig `yaml:"providers,omitempty" toml:"providers"`
	Baseline                 RouteTarget               `yaml:"baseline" toml:"baseline"`
	Retry                    RetryConfig               `yaml:"retry,omitempty" toml:"retry"`
	Breaker                  BreakerConfig             `yaml:"breaker,omitempty" toml:"breaker"`
	Budget                   BudgetConfig              `yaml:"budget,omitempty" toml:"budget"`
	Reward                   RewardConfig              `yaml:"reward,omitempty" toml:"reward"`
	ExpectedCompletionTokens int                       `yaml:"expected_completion_tokens,omitempty" toml:"expected_completion_tokens"`
	HintOverrideConfidence   float64                   `yaml:"hint_override_confidence,omitempty" toml:"hint_override_confidence"`
}

// CategoryRules lists the trigger phrases that vote for a category.
type CategoryRules struct {
	Triggers []string `yaml:"triggers" toml:"triggers"`
}

// ArmConfig declares a selectable provider/model pairing and its price.
type ArmConfig struct {
	Provider string       `yaml:"provider" toml:"provider"`
	Model    string       `yaml:"model" toml:"model"`
	Pricing  ModelPricing `yaml:"pricing" toml:"pricing"`
}

// ProviderConfig overrides catalogue metadata for a provider.
type ProviderConfig struct {
	BaseURL     string   `yaml:"base_url,omitempty" toml:"base_url"`
	Regions     []string `yaml:"regions,omitempty" toml:"regions"`
	NoRetention *bool    `yaml:"no_retention,omitempty" toml:"no_retention"`
	Disabled    bool     `yaml:"disabled,omitempty" toml:"disabled"`
}

// RouteTarget specifies a provider and model combination.
type RouteTarget struct {
	Provider string `yaml:"provider" toml:"provider"`
	Model    string `yaml:"model" toml:"model"`
}

// Key returns the arm key for the target.
func (t RouteTarget) Key() string {
	return t.Provider + "/" + t.Model
}

// RetryConfig defines failover behavior.
type RetryConfig struct {
	MaxRetries       int  `yaml:"max_retries,omitempty" toml:"max_retries"`
	Disable          bool `yaml:"disable,omitempty" toml:"disable"`
	AttemptTimeoutMs int  `yaml:"attempt_timeout_ms,omitempty" toml:"attempt_timeout_ms"`
	// BackoffMs is the pause before the first retry, doubling per retry up
	// to MaxBackoffMs. Zero retries immediately.
	BackoffMs    int `yaml:"backoff_ms,omitempty" toml:"backoff_ms"`
	MaxBackoffMs int `yaml:"max_backoff_ms,omitempty" toml:"max_backoff_ms"`
}

// BreakerConfig tunes the per-provider circuit breaker.
type BreakerConfig struct {
	FailureThreshold int     `yaml:"failure_threshold,omitempty" toml:"failure_threshold"`
	WindowMs         int     `yaml:"window_ms,omitempty" toml:"window_ms"`
	CooldownMs       int     `yaml:"cooldown_ms,omitempty" toml:"cooldown_ms"`
	MaxCooldownMs    int     `yaml:"max_cooldown_ms,omitempty" toml:"max_cooldown_ms"`
	BackoffFactor    float64 `yaml:"backoff_factor,omitempty" toml:"backoff_factor"`
}

// BudgetConfig configures the daily spend window.
type BudgetConfig struct {
	// Location is the IANA zone whose midnight starts a new window.
	Location string `yaml:"location,omitempty" toml:"location"`
}

// RewardConfig weights the normalized quality-per-dollar score.
type RewardConfig struct {
	RefCostUSD    float64 `yaml:"ref_cost_usd,omitempty" toml:"ref_cost_usd"`
	RefLatencyMs  int     `yaml:"ref_latency_ms,omitempty" toml:"ref_latency_ms"`
	CostWeight    float64 `yaml:"cost_weight,omitempty" toml:"cost_weight"`
	LatencyWeight float64 `yaml:"latency_weight,omitempty" toml:"latency_weight"`
}

// ModelPricing defines per-1k token pricing.
type ModelPricing struct {
	PromptPer1K     float64 `yaml:"prompt_per_1k,omitempty" toml:"prompt_per_1k"`
	CompletionPer1K float64 `yaml:"completion_per_1k,omitempty" toml:"completion_per_1k"`
}

// LoadRoutingConfig reads routing configuration from a YAML or TOML file.
func LoadRoutingConfig(path string) (*RoutingConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg RoutingConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return nil, err
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	}

	if len(cfg.Categories) == 0 {
		cfg.Categories = DefaultRoutingConfig().Categories
	}
	if len(cfg.Arms) == 0 {
		cfg.Arms = DefaultRoutingConfig().Arms
	}
	applyRoutingDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the routing config for structural errors.
func (c *RoutingConfig) Validate() error {
	if c == nil {
		return fmt.Errorf("routing config is nil")
	}
	seen := make(map[string]bool, len(c.Arms))
	for i, arm := range c.Arms {
		if arm.Provider == "" || arm.Model == "" {
			return fmt.Errorf("arm %d: provider and model are required", i)
		}
		key := arm.Provider + "/" + arm.Model
		if seen[key] {
			return fmt.Errorf("arm %s declared twice", key)
		}
		seen[key] = true
		if arm.Pricing.PromptPer1K < 0 || arm.Pricing.CompletionPer1K < 0 {
			return fmt.Errorf("arm %s: negative pricing", key)
		}
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be >= 0")
	}
	if c.Retry.AttemptTimeoutMs < 0 {
		return fmt.Errorf("retry.attempt_timeout_ms must be >= 0")
	}
	if c.Retry.BackoffMs < 0 || c.Retry.MaxBackoffMs < 0 {
		return fmt.Errorf("retry backoff must be >= 0")
	}
	if c.Breaker.BackoffFactor < 1 {
		return fmt.Errorf("breaker.backoff_factor must be >= 1")
	}
	if c.Reward.CostWeight+c.Reward.LatencyWeight > 1 {
		return fmt.Errorf("reward weights must sum to at most 1")
	}
	return nil
}

// DefaultRoutingConfig returns the default routing configuration.
func DefaultRoutingConfig() *RoutingConfig {
	cfg := &RoutingConfig{
		Categories: map[string]CategoryRules{
			"code": {
				Triggers: []string{
					"code", "function", "implement", "debug", "bug", "compile", "refactor",
					"stack trace", "regex", "sql", "unit test", "python", "golang", "javascript",
					"typescript", "rust", "java", "exception", "script", "api", "segfault",
				},
			},
			"research": {
				Triggers: []string{
					"research", "compare", "analyze", "analysis", "summarize", "explain",
					"what is", "sources", "citation", "evidence", "study", "history of",
					"difference between", "pros and cons", "literature",
				},
			},
			"creative": {
				Triggers: []string{
					"story", "poem", "write a", "creative", "fiction", "lyrics", "slogan",
					"brainstorm", "imagine", "character", "novel", "haiku", "tagline",
				},
			},
			"chat": {
				Triggers: []string{
					"hi", "hello", "hey", "thanks", "thank you", "how are you",
					"good morning", "what's up", "chat",
				},
			},
		},
		Arms: []ArmConfig{
			{Provider: "anthropic", Model: "claude-sonnet-4-20250514", Pricing: ModelPricing{PromptPer1K: 0.003, CompletionPer1K: 0.015}},
			{Provider: "anthropic", Model: "claude-3-5-haiku-20241022", Pricing: ModelPricing{PromptPer1K: 0.0008, CompletionPer1K: 0.004}},
			{Provider: "openai", Model: "gpt-4o", Pricing: ModelPricing{PromptPer1K: 0.0025, CompletionPer1K: 0.01}},
			{Provider: "openai", Model: "gpt-4o-mini", Pricing: ModelPricing{PromptPer1K: 0.00015, CompletionPer1K: 0.0006}},
			{Provider: "google", Model: "gemini-2.5-pro", Pricing: ModelPricing{PromptPer1K: 0.00125, CompletionPer1K: 0.01}},
			{Provider: "google", Model: "gemini-2.0-flash", Pricing: ModelPricing{PromptPer1K: 0.0001, CompletionPer1K: 0.0004}},
			{Provider: "deepseek", Model: "deepseek-chat", Pricing: ModelPricing{PromptPer1K: 0.00027, CompletionPer1K: 0.0011}},
			{Provider: "deepseek", Model: "deepseek-reasoner", Pricing: ModelPricing{PromptPer1K: 0.00055, CompletionPer1K: 0.00219}},
			{Provider: "mistral", Model: "mistral-large-latest", Pricing: ModelPricing{PromptPer1K: 0.002, CompletionPer1K: 0.006}},
			{Provider: "mistral", Model: "mistral-small-latest", Pricing: ModelPricing{PromptPer1K: 0.0002, CompletionPer1K: 0.0006}},
			{Provider: "groq", Model: "llama-3.3-70b-versatile", Pricing: ModelPricing{PromptPer1K: 0.00059, CompletionPer1K: 0.00079}},
			{Provider: "together", Model: "meta-llama/Llama-3.3-70B-Instruct-Turbo", Pricing: ModelPricing{PromptPer1K: 0.00088, CompletionPer1K: 0.00088}},
			{Provider: "fireworks", Model: "accounts/fireworks/models/llama-v3p1-70b-instruct", Pricing: ModelPricing{PromptPer1K: 0.0009, CompletionPer1K: 0.0009}},
			{Provider: "cohere", Model: "command-r-plus", Pricing: ModelPricing{PromptPer1K: 0.0025, CompletionPer1K: 0.01}},
			{Provider: "perplexity", Model: "sonar", Pricing: ModelPricing{PromptPer1K: 0.001, CompletionPer1K: 0.001}},
		},
		Baseline: RouteTarget{
			Provider: "anthropic",
			Model:    "claude-sonnet-4-20250514",
		},
	}

	applyRoutingDefaults(cfg)
	return cfg
}

func applyRoutingDefaults(cfg *RoutingConfig) {
	if cfg == nil {
		return
	}
	if cfg.Retry.MaxRetries == 0 && !cfg.Retry.Disable {
		cfg.Retry.MaxRetries = 1
	}
	if cfg.Retry.Disable {
		cfg.Retry.MaxRetries = 0
	}
	if cfg.Retry.AttemptTimeoutMs == 0 {
		cfg.Retry.AttemptTimeoutMs = 30000
	}
	if cfg.Retry.MaxBackoffMs < cfg.Retry.BackoffMs {
		cfg.Retry.MaxBackoffMs = cfg.Retry.BackoffMs
	}
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = 3
	}
	if cfg.Breaker.WindowMs == 0 {
		cfg.Breaker.WindowMs = 60000
	}
	if cfg.Breaker.CooldownMs == 0 {
		cfg.Breaker.CooldownMs = 30000
	}
	if cfg.Breaker.MaxCooldownMs == 0 {
		cfg.Breaker.MaxCooldownMs = 300000
	}
	if cfg.Breaker.MaxCooldownMs < cfg.Breaker.CooldownMs {
		cfg.Breaker.MaxCooldownMs = cfg.Breaker.CooldownMs
	}
	if cfg.Breaker.BackoffFactor == 0 {
		cfg.Breaker.BackoffFactor = 2
	}
	if cfg.Budget.Location == "" {
		cfg.Budget.Location = "UTC"
	}
	if cfg.Reward.RefCostUSD == 0 {
		cfg.Reward.RefCostUSD = 0.05
	}
	if cfg.Reward.RefLatencyMs == 0 {
		cfg.Reward.RefLatencyMs = 10000
	}
	if cfg.Reward.CostWeight == 0 && cfg.Reward.LatencyWeight == 0 {
		cfg.Reward.CostWeight = 0.4
		cfg.Reward.LatencyWeight = 0.2
	}
	if cfg.ExpectedCompletionTokens == 0 {
		cfg.ExpectedCompletionTokens = 512
	}
	if cfg.HintOverrideConfidence == 0 {
		cfg.HintOverrideConfidence = 0.9
	}
}
