package dispatch

import (
	"math"
	"strings"
	"unicode/utf8"

	"github.com/zen-systems/inferroute/pkg/router"
)

var refusalPhrases = []string{
	"i can't help with",
	"i cannot help with",
	"i can't assist",
	"i cannot assist",
	"i'm unable to",
	"i am unable to",
	"i won't be able to",
	"as an ai language model",
}

// Quality estimates response quality in [0,1]. A caller supplied signal
// wins; otherwise the response text is scored on emptiness, length,
// refusals and, for code, fenced blocks.
func Quality(category router.Category, content string, signal *float64) float64 {
	if signal != nil {
		return clamp01(*signal)
	}

	text := strings.TrimSpace(content)
	if text == "" {
		return 0
	}

	q := 0.6
	switch n := utf8.RuneCountInString(text); {
	case n < 20:
		q -= 0.2
	case n >= 200:
		q += 0.2
	default:
		q += 0.1
	}

	lower := strings.ToLower(text)
	for _, phrase := range refusalPhrases {
		if strings.Contains(lower, phrase) {
			q -= 0.4
			break
		}
	}

	if category == router.CategoryCode && strings.Contains(text, "```") {
		q += 0.2
	}
	return clamp01(q)
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
