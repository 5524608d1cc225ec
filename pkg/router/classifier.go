package router

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/zen-systems/inferroute/pkg/config"
)

// Classifier maps prompts to categories with local heuristics only.
type Classifier struct {
	rules        *RuleSet
	hintOverride float64
}

// NewClassifier creates a classifier from routing config.
func NewClassifier(cfg *config.RoutingConfig) *Classifier {
	override := 0.9
	if cfg != nil && cfg.HintOverrideConfidence > 0 {
		override = cfg.HintOverrideConfidence
	}
	return &Classifier{rules: NewRuleSet(cfg), hintOverride: override}
}

// Rules exposes the compiled rule set.
func (c *Classifier) Rules() *RuleSet {
	return c.rules
}

// Classify determines the category for a prompt. A valid hint wins unless
// the heuristic disagrees with at least the override confidence. It never
// fails: anything unclassifiable is CategoryOther.
func (c *Classifier) Classify(prompt string, hint string) *Decision {
	decision := HeuristicDecision(prompt, c.rules)

	if strings.TrimSpace(hint) == "" {
		return decision
	}
	hinted, ok := ParseCategory(hint)
	if !ok {
		decision.Reasons = append(decision.Reasons, fmt.Sprintf("ignored unknown hint %q", hint))
		return decision
	}
	if hinted != decision.Category && decision.Confidence >= c.hintOverride {
		decision.Reasons = append(decision.Reasons, fmt.Sprintf("hint %q overridden (confidence %.2f)", hinted, decision.Confidence))
		return decision
	}

	decision.Category = hinted
	decision.Confidence = 1
	decision.Ambiguous = false
	decision.UsedHint = true
	decision.Reasons = append(decision.Reasons, fmt.Sprintf("declared hint %q", hinted))
	return decision
}

// HeuristicDecision scores categories using trigger matches and structural
// signals of the prompt.
func HeuristicDecision(prompt string, rules *RuleSet) *Decision {
	if !utf8.ValidString(prompt) {
		return &Decision{Category: CategoryOther, Reasons: []string{"prompt is not valid utf-8"}}
	}
	if strings.TrimSpace(prompt) == "" {
		return &Decision{Category: CategoryOther, Reasons: []string{"empty prompt"}}
	}
	if !hasLetters(prompt) {
		return &Decision{Category: CategoryOther, Reasons: []string{"no textual content"}}
	}
	if rules == nil {
		rules = NewRuleSet(nil)
	}

	scores := make(map[Category]*Candidate)
	candidate := func(cat Category) *Candidate {
		if scores[cat] == nil {
			scores[cat] = &Candidate{Category: cat}
		}
		return scores[cat]
	}

	for cat, triggers := range rules.Matches(prompt) {
		c := candidate(cat)
		c.Score += len(triggers)
		c.Triggers = append(c.Triggers, triggers...)
	}

	for _, sig := range codeSignals(prompt) {
		c := candidate(CategoryCode)
		c.Score += sig.weight
		c.Signals = append(c.Signals, sig.name)
	}

	if len(scores) == 0 && isConversational(prompt) {
		c := candidate(CategoryChat)
		c.Score++
		c.Signals = append(c.Signals, "short message")
	}

	if len(scores) == 0 {
		return &Decision{
			Category:   CategoryOther,
			Confidence: 0,
			Reasons:    []string{"no signals matched; using other"},
		}
	}

	candidates := make([]Candidate, 0, len(scores))
	for _, c := range scores {
		sort.Strings(c.Triggers)
		candidates = append(candidates, *c)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score == candidates[j].Score {
			return candidates[i].Category < candidates[j].Category
		}
		return candidates[i].Score > candidates[j].Score
	})

	if len(candidates) > 3 {
		candidates = candidates[:3]
	}

	topScore := candidates[0].Score
	secondScore := 0
	if len(candidates) > 1 {
		secondScore = candidates[1].Score
	}

	reasons := []string{fmt.Sprintf("top_score=%d second_score=%d", topScore, secondScore)}

	if topScore == secondScore {
		return &Decision{
			Category:   CategoryOther,
			Confidence: 0,
			Reasons:    append(reasons, fmt.Sprintf("tie between %s and %s", candidates[0].Category, candidates[1].Category)),
			Candidates: candidates,
			Ambiguous:  true,
		}
	}

	margin := float64(topScore-secondScore) / float64(max(topScore, 1))
	strength := float64(min(topScore, 5)) / 5.0
	confidence := 0.75*margin + 0.25*strength
	if topScore >= 2 && secondScore == 0 {
		confidence = max(confidence, 0.9)
	}
	if topScore >= 3 {
		confidence = min(confidence+0.15, 1.0)
	}

	return &Decision{
		Category:   candidates[0].Category,
		Confidence: confidence,
		Reasons:    reasons,
		Candidates: candidates,
	}
}

type signal struct {
	name   string
	weight int
}

var codeLinePrefixes = []string{
	"func ", "def ", "class ", "import ", "package ", "#include", "public static ",
	"const ", "let ", "var ", "select ", "fn ", "return ",
}

// codeSignals inspects the payload shape for source code.
func codeSignals(prompt string) []signal {
	var signals []signal

	if strings.Contains(prompt, "```") {
		signals = append(signals, signal{name: "code fence", weight: 2})
	}

	codeLines := 0
	for _, line := range strings.Split(prompt, "\n") {
		trimmed := strings.ToLower(strings.TrimSpace(line))
		for _, prefix := range codeLinePrefixes {
			if strings.HasPrefix(trimmed, prefix) {
				codeLines++
				break
			}
		}
	}
	if codeLines > 0 {
		signals = append(signals, signal{name: "code lines", weight: 1})
	}

	if len(prompt) >= 40 {
		symbols := 0
		for i := 0; i < len(prompt); i++ {
			switch prompt[i] {
			case '{', '}', '(', ')', ';', '=', '<', '>', '[', ']':
				symbols++
			}
		}
		if float64(symbols)/float64(len(prompt)) > 0.06 {
			signals = append(signals, signal{name: "symbol density", weight: 1})
		}
	}

	return signals
}

// isConversational reports short free-form messages with no task markers.
func isConversational(prompt string) bool {
	return len(strings.Fields(prompt)) <= 6
}

func hasLetters(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}
