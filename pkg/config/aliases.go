package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// ArmAliases maps short names to arm keys ("provider/model").
type ArmAliases struct {
	Aliases map[string]string `yaml:"aliases"`
}

// LoadAliases reads arm aliases from a YAML file.
func LoadAliases(path string) (*ArmAliases, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var aliases ArmAliases
	if err := yaml.Unmarshal(data, &aliases); err != nil {
		return nil, err
	}
	if aliases.Aliases == nil {
		aliases.Aliases = make(map[string]string)
	}
	return &aliases, nil
}

// LoadAliasesWithFallback loads ~/.inferroute/aliases.yaml, falling back to
// the built-in aliases when the file does not exist.
func LoadAliasesWithFallback() (*ArmAliases, error) {
	home, err := os.UserHomeDir()
	if err == nil {
		userPath := filepath.Join(home, ".inferroute", "aliases.yaml")
		if _, err := os.Stat(userPath); err == nil {
			return LoadAliases(userPath)
		}
	}
	return DefaultAliases(), nil
}

// Resolve returns the arm key for an alias.
// If the input is not an alias, it returns the input unchanged.
func (a *ArmAliases) Resolve(keyOrAlias string) string {
	if a == nil || a.Aliases == nil {
		return keyOrAlias
	}
	if key, ok := a.Aliases[keyOrAlias]; ok {
		return key
	}
	return keyOrAlias
}

// IsAlias returns true if the given string is a known alias.
func (a *ArmAliases) IsAlias(name string) bool {
	if a == nil || a.Aliases == nil {
		return false
	}
	_, ok := a.Aliases[name]
	return ok
}

// Names returns the alias names in sorted order.
func (a *ArmAliases) Names() []string {
	if a == nil {
		return nil
	}
	names := make([]string, 0, len(a.Aliases))
	for name := range a.Aliases {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks that every alias resolves to an arm declared in cfg.
func (a *ArmAliases) Validate(cfg *RoutingConfig) []error {
	if a == nil || cfg == nil {
		return nil
	}
	known := make(map[string]bool, len(cfg.Arms))
	for _, arm := range cfg.Arms {
		known[arm.Provider+"/"+arm.Model] = true
	}

	var errs []error
	for _, name := range a.Names() {
		if key := a.Aliases[name]; !known[key] {
			errs = append(errs, fmt.Errorf("alias %q: arm %q not in catalogue", name, key))
		}
	}
	if cfg.Baseline.Provider != "" && !known[cfg.Baseline.Key()] {
		errs = append(errs, fmt.Errorf("baseline: arm %q not in catalogue", cfg.Baseline.Key()))
	}
	return errs
}

// DefaultAliases returns the built-in aliases.
func DefaultAliases() *ArmAliases {
	return &ArmAliases{
		Aliases: map[string]string{
			"sonnet":   "anthropic/claude-sonnet-4-20250514",
			"haiku":    "anthropic/claude-3-5-haiku-20241022",
			"gpt4o":    "openai/gpt-4o",
			"mini":     "openai/gpt-4o-mini",
			"gemini":   "google/gemini-2.5-pro",
			"flash":    "google/gemini-2.0-flash",
			"cheap":    "deepseek/deepseek-chat",
			"reason":   "deepseek/deepseek-reasoner",
			"mistral":  "mistral/mistral-large-latest",
			"llama":    "groq/llama-3.3-70b-versatile",
			"command":  "cohere/command-r-plus",
			"research": "perplexity/sonar",
		},
	}
}
