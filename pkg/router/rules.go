package router

import (
	"sort"
	"strings"

	"github.com/zen-systems/inferroute/pkg/config"
)

// RuleSet contains the compiled trigger rules for each category.
type RuleSet struct {
	// Compiled rules ordered by priority (longer triggers first for specificity)
	rules []compiledRule
}

type compiledRule struct {
	category Category
	trigger  string
}

// NewRuleSet creates a new rule set from routing configuration. Categories
// that are not one of the known categories are ignored.
func NewRuleSet(cfg *config.RoutingConfig) *RuleSet {
	rs := &RuleSet{}
	if cfg == nil {
		cfg = config.DefaultRoutingConfig()
	}
	rs.compile(cfg)
	return rs
}

// compile builds the list of rules sorted by trigger length (longest first).
func (rs *RuleSet) compile(cfg *config.RoutingConfig) {
	rs.rules = nil

	for name, rules := range cfg.Categories {
		category, ok := ParseCategory(name)
		if !ok || category == CategoryOther {
			continue
		}
		for _, trigger := range rules.Triggers {
			trigger = strings.ToLower(strings.TrimSpace(trigger))
			if trigger == "" {
				continue
			}
			rs.rules = append(rs.rules, compiledRule{category: category, trigger: trigger})
		}
	}

	sort.SliceStable(rs.rules, func(i, j int) bool {
		if len(rs.rules[i].trigger) != len(rs.rules[j].trigger) {
			return len(rs.rules[i].trigger) > len(rs.rules[j].trigger)
		}
		if rs.rules[i].category != rs.rules[j].category {
			return rs.rules[i].category < rs.rules[j].category
		}
		return rs.rules[i].trigger < rs.rules[j].trigger
	})
}

// Matches returns the triggers found in prompt grouped by category.
func (rs *RuleSet) Matches(prompt string) map[Category][]string {
	promptLower := strings.ToLower(prompt)
	matched := make(map[Category][]string)

	for _, rule := range rs.rules {
		if containsTrigger(promptLower, rule.trigger) {
			matched[rule.category] = append(matched[rule.category], rule.trigger)
		}
	}
	return matched
}

// Triggers returns the compiled triggers for a category.
func (rs *RuleSet) Triggers(category Category) []string {
	var out []string
	for _, rule := range rs.rules {
		if rule.category == category {
			out = append(out, rule.trigger)
		}
	}
	return out
}

// containsTrigger checks if the prompt contains the trigger phrase as a
// whole word or phrase at any position.
func containsTrigger(prompt, trigger string) bool {
	offset := 0
	for offset <= len(prompt)-len(trigger) {
		idx := strings.Index(prompt[offset:], trigger)
		if idx == -1 {
			return false
		}
		idx += offset

		before := idx == 0 || !isWordChar(prompt[idx-1])
		endIdx := idx + len(trigger)
		after := endIdx >= len(prompt) || !isWordChar(prompt[endIdx])
		if before && after {
			return true
		}
		offset = idx + 1
	}
	return false
}

func isWordChar(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_'
}
