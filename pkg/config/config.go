package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/zen-systems/inferroute/pkg/policy"
)

// ProviderKeyEnv maps each catalogue provider to the environment variable
// holding the caller's own key for it.
var ProviderKeyEnv = map[string]string{
	"anthropic":  "ANTHROPIC_API_KEY",
	"openai":     "OPENAI_API_KEY",
	"google":     "GOOGLE_API_KEY",
	"deepseek":   "DEEPSEEK_API_KEY",
	"mistral":    "MISTRAL_API_KEY",
	"groq":       "GROQ_API_KEY",
	"together":   "TOGETHER_API_KEY",
	"fireworks":  "FIREWORKS_API_KEY",
	"cohere":     "COHERE_API_KEY",
	"perplexity": "PERPLEXITY_API_KEY",
}

// Config holds the application configuration.
type Config struct {
	// Credentials maps provider name to API key. Keys are only read from the
	// environment, never from config files.
	Credentials    map[string]string
	PrivacyMode    policy.PrivacyMode
	Region         policy.Region
	DailyBudgetUSD float64
	ListenAddr     string
	Store          string
	JWTSecret      string
	RateLimit      float64
	Seed           uint64
	Debug          bool
	RoutingConfig  *RoutingConfig
	ConfigDir      string
}

// FileConfig represents the structure of ~/.inferroute/config.yaml
type FileConfig struct {
	PrivacyMode    string   `yaml:"privacy_mode"`
	Region         string   `yaml:"region"`
	DailyBudgetUSD *float64 `yaml:"daily_budget_usd"`
	ListenAddr     string   `yaml:"listen_addr"`
	Store          string   `yaml:"store"`
	RateLimit      float64  `yaml:"rate_limit"`
	// APIKeys is accepted for compatibility and ignored.
	APIKeys map[string]string `yaml:"api_keys"`
}

// Load reads configuration from .env files, the config file and environment
// variables. Environment variables take precedence over file configuration.
func Load() (*Config, error) {
	return load("")
}

// LoadWithRoutingFile loads config with a specific routing file.
func LoadWithRoutingFile(routingPath string) (*Config, error) {
	return load(routingPath)
}

func load(routingPath string) (*Config, error) {
	configDir, err := getConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config directory: %w", err)
	}

	// godotenv never overrides variables that are already set.
	_ = godotenv.Load(filepath.Join(configDir, ".env"))
	_ = godotenv.Load()

	fileConfig := loadFileConfig(filepath.Join(configDir, "config.yaml"))

	privacy, err := policy.ParsePrivacyMode(getEnvOrDefault("INFERROUTE_PRIVACY_MODE", fileConfig.PrivacyMode), policy.PrivacyEnhanced)
	if err != nil {
		return nil, err
	}
	region, err := policy.ParseRegion(getEnvOrDefault("INFERROUTE_REGION", fileConfig.Region), policy.RegionAny)
	if err != nil {
		return nil, err
	}

	budgetDefault := 10.0
	if fileConfig.DailyBudgetUSD != nil {
		budgetDefault = *fileConfig.DailyBudgetUSD
	}
	budget, err := getEnvAsFloat("INFERROUTE_DAILY_BUDGET", budgetDefault)
	if err != nil {
		return nil, err
	}
	rateLimit, err := getEnvAsFloat("INFERROUTE_RATE_LIMIT", fileConfig.RateLimit)
	if err != nil {
		return nil, err
	}
	seed, err := getEnvAsUint("INFERROUTE_SEED", 0)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Credentials:    loadCredentials(),
		PrivacyMode:    privacy,
		Region:         region,
		DailyBudgetUSD: budget,
		ListenAddr:     getEnvOrDefault("INFERROUTE_LISTEN_ADDR", defaultString(fileConfig.ListenAddr, ":8080")),
		Store:          getEnvOrDefault("INFERROUTE_STORE", defaultString(fileConfig.Store, "memory")),
		JWTSecret:      os.Getenv("INFERROUTE_JWT_SECRET"),
		RateLimit:      rateLimit,
		Seed:           seed,
		Debug:          getEnvAsBool("INFERROUTE_DEBUG", false),
		ConfigDir:      configDir,
	}

	if routingPath == "" {
		candidate := filepath.Join(configDir, "routing.yaml")
		if _, err := os.Stat(candidate); err == nil {
			routingPath = candidate
		}
	}
	if routingPath != "" {
		routing, err := LoadRoutingConfig(routingPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load routing config from %s: %w", routingPath, err)
		}
		cfg.RoutingConfig = routing
	} else {
		cfg.RoutingConfig = DefaultRoutingConfig()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the loaded configuration.
func (c *Config) Validate() error {
	if c.DailyBudgetUSD < 0 {
		return fmt.Errorf("daily budget must be >= 0, got %.2f", c.DailyBudgetUSD)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate limit must be >= 0")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address is required")
	}
	return c.RoutingConfig.Validate()
}

// HasProvider returns true if a key for the given provider is configured.
func (c *Config) HasProvider(name string) bool {
	return c.Credentials[name] != ""
}

// ConfiguredProviders returns the providers with a key, sorted by name.
func (c *Config) ConfiguredProviders() []string {
	var names []string
	for name, key := range c.Credentials {
		if key != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// RequireCredentials returns an error naming the expected variables when no
// provider key is configured.
func (c *Config) RequireCredentials() error {
	if len(c.ConfiguredProviders()) > 0 {
		return nil
	}
	var envs []string
	for _, env := range ProviderKeyEnv {
		envs = append(envs, env)
	}
	sort.Strings(envs)
	return fmt.Errorf("no provider API keys configured; set at least one of: %s", strings.Join(envs, ", "))
}

func loadCredentials() map[string]string {
	creds := make(map[string]string, len(ProviderKeyEnv))
	for provider, env := range ProviderKeyEnv {
		if key := strings.TrimSpace(os.Getenv(env)); key != "" {
			creds[provider] = key
		}
	}
	return creds
}

// loadFileConfig reads the config file, returning empty config if not found.
func loadFileConfig(path string) *FileConfig {
	cfg := &FileConfig{}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg
	}

	_ = yaml.Unmarshal(data, cfg) // Ignore parse errors, use defaults
	return cfg
}

// getEnvOrDefault returns the environment variable value if set,
// otherwise returns the default value.
func getEnvOrDefault(envVar, defaultValue string) string {
	if val := os.Getenv(envVar); val != "" {
		return val
	}
	return defaultValue
}

func getEnvAsFloat(envVar string, defaultValue float64) (float64, error) {
	val := os.Getenv(envVar)
	if val == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", envVar, err)
	}
	return f, nil
}

func getEnvAsUint(envVar string, defaultValue uint64) (uint64, error) {
	val := os.Getenv(envVar)
	if val == "" {
		return defaultValue, nil
	}
	n, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", envVar, err)
	}
	return n, nil
}

func getEnvAsBool(envVar string, defaultValue bool) bool {
	val := os.Getenv(envVar)
	if val == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultValue
	}
	return b
}

func defaultString(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func getConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	configDir := filepath.Join(home, ".inferroute")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", err
	}
	return configDir, nil
}
