package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/zen-systems/inferroute/pkg/policy"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, env := range ProviderKeyEnv {
		t.Setenv(env, "")
	}
	for _, env := range []string{
		"INFERROUTE_PRIVACY_MODE", "INFERROUTE_REGION", "INFERROUTE_DAILY_BUDGET",
		"INFERROUTE_LISTEN_ADDR", "INFERROUTE_STORE", "INFERROUTE_JWT_SECRET",
		"INFERROUTE_RATE_LIMIT", "INFERROUTE_SEED", "INFERROUTE_DEBUG",
	} {
		t.Setenv(env, "")
	}
}

func TestConfigIgnoresFileAPIKeys(t *testing.T) {
	home := t.TempDir()
	setHomeEnv(t, home)
	clearEnv(t)

	configDir := filepath.Join(home, ".inferroute")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	configPath := filepath.Join(configDir, "config.yaml")
	data := []byte("api_keys:\n  anthropic: file-ant\n  openai: file-openai\n")
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Credentials) != 0 {
		t.Fatalf("expected file API keys to be ignored, got %v", cfg.ConfiguredProviders())
	}
	if err := cfg.RequireCredentials(); err == nil || !strings.Contains(err.Error(), "ANTHROPIC_API_KEY") {
		t.Fatalf("expected missing credentials error, got %v", err)
	}
}

func TestConfigUsesEnvAPIKeys(t *testing.T) {
	home := t.TempDir()
	setHomeEnv(t, home)
	clearEnv(t)

	t.Setenv("ANTHROPIC_API_KEY", "env-ant")
	t.Setenv("OPENAI_API_KEY", "env-openai")
	t.Setenv("MISTRAL_API_KEY", "env-mistral")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Credentials["anthropic"] != "env-ant" || cfg.Credentials["openai"] != "env-openai" || cfg.Credentials["mistral"] != "env-mistral" {
		t.Fatalf("expected env API keys to be used")
	}
	got := strings.Join(cfg.ConfiguredProviders(), ",")
	if got != "anthropic,mistral,openai" {
		t.Fatalf("unexpected providers %q", got)
	}
	if !cfg.HasProvider("openai") || cfg.HasProvider("google") {
		t.Fatalf("HasProvider mismatch")
	}
}

func TestConfigDefaults(t *testing.T) {
	home := t.TempDir()
	setHomeEnv(t, home)
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PrivacyMode != policy.PrivacyEnhanced {
		t.Errorf("privacy = %s, want enhanced", cfg.PrivacyMode)
	}
	if cfg.Region != policy.RegionAny {
		t.Errorf("region = %s, want any", cfg.Region)
	}
	if cfg.DailyBudgetUSD != 10 {
		t.Errorf("budget = %.2f, want 10", cfg.DailyBudgetUSD)
	}
	if cfg.Store != "memory" || cfg.ListenAddr != ":8080" {
		t.Errorf("unexpected store/listen defaults %q %q", cfg.Store, cfg.ListenAddr)
	}
	if cfg.RoutingConfig.Retry.MaxRetries != 1 {
		t.Errorf("expected one retry by default, got %d", cfg.RoutingConfig.Retry.MaxRetries)
	}
}

func TestConfigEnvOverridesFile(t *testing.T) {
	home := t.TempDir()
	setHomeEnv(t, home)
	clearEnv(t)

	configDir := filepath.Join(home, ".inferroute")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	data := []byte("privacy_mode: standard\nregion: us\ndaily_budget_usd: 3\nstore: sqlite:/tmp/x.db\n")
	if err := os.WriteFile(filepath.Join(configDir, "config.yaml"), data, 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("INFERROUTE_REGION", "eu")
	t.Setenv("INFERROUTE_DAILY_BUDGET", "0")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PrivacyMode != policy.PrivacyStandard {
		t.Errorf("privacy = %s, want standard from file", cfg.PrivacyMode)
	}
	if cfg.Region != policy.RegionEU {
		t.Errorf("region = %s, want eu from env", cfg.Region)
	}
	if cfg.DailyBudgetUSD != 0 {
		t.Errorf("budget = %.2f, want 0 from env", cfg.DailyBudgetUSD)
	}
	if cfg.Store != "sqlite:/tmp/x.db" {
		t.Errorf("store = %q", cfg.Store)
	}
}

func TestConfigRejectsInvalidValues(t *testing.T) {
	home := t.TempDir()
	setHomeEnv(t, home)
	clearEnv(t)

	t.Setenv("INFERROUTE_PRIVACY_MODE", "paranoid")
	if _, err := Load(); err == nil {
		t.Fatalf("expected invalid privacy mode error")
	}

	t.Setenv("INFERROUTE_PRIVACY_MODE", "")
	t.Setenv("INFERROUTE_DAILY_BUDGET", "-1")
	if _, err := Load(); err == nil {
		t.Fatalf("expected negative budget error")
	}
}

func TestLoadDotEnv(t *testing.T) {
	home := t.TempDir()
	setHomeEnv(t, home)
	clearEnv(t)
	os.Unsetenv("GROQ_API_KEY")

	configDir := filepath.Join(home, ".inferroute")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(configDir, ".env"), []byte("GROQ_API_KEY=dotenv-groq\n"), 0600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("GROQ_API_KEY") })

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Credentials["groq"] != "dotenv-groq" {
		t.Fatalf("expected key from .env, got %q", cfg.Credentials["groq"])
	}
}

func setHomeEnv(t *testing.T, home string) {
	t.Helper()
	t.Setenv("HOME", home)
	if runtime.GOOS == "windows" {
		t.Setenv("USERPROFILE", home)
	}
}
