// Package redact strips personally identifiable information from prompt text
// before it is sent to a provider.
package redact

import (
	"regexp"
	"sort"
	"strings"

	"github.com/zen-systems/inferroute/pkg/policy"
)

// Type identifies a kind of PII.
type Type string

const (
	TypeEmail      Type = "email"
	TypePhone      Type = "phone"
	TypeSSN        Type = "ssn"
	TypeNationalID Type = "national_id"
	TypeCreditCard Type = "credit_card"
	TypeIPAddress  Type = "ip_address"
	TypeName       Type = "name"
)

// Detection is one PII occurrence in the input.
type Detection struct {
	Type  Type
	Value string
	Start int
	End   int
}

var (
	emailPattern = regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`)

	phonePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?:\+1[-.\s]?)?\(?\b[0-9]{3}\)?[-.\s]?[0-9]{3}[-.\s]?[0-9]{4}\b`), // US
		regexp.MustCompile(`\+[0-9]{1,3}[-.\s]?[0-9]{1,4}(?:[-.\s]?[0-9]{2,4}){2,4}\b`),       // International
	}

	ssnPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b[0-9]{3}-[0-9]{2}-[0-9]{4}\b`),
		regexp.MustCompile(`\b[0-9]{9}\b`),
	}

	// UK National Insurance number.
	ninoPattern = regexp.MustCompile(`\b[A-CEGHJ-PR-TW-Z]{2}\s?[0-9]{2}\s?[0-9]{2}\s?[0-9]{2}\s?[A-D]\b`)

	creditCardPattern = regexp.MustCompile(`\b[0-9](?:[ -]?[0-9]){12,18}\b`)

	ipPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\.){3}(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\b`),
		regexp.MustCompile(`\b(?:[0-9a-fA-F]{1,4}:){7}[0-9a-fA-F]{1,4}\b`),
	}

	honorificPattern = regexp.MustCompile(`\b(?:Mr|Mrs|Ms|Miss|Dr|Prof)\.?\s+([A-Z][a-z]+(?:\s+[A-Z][a-z]+)?)`)
	introPattern     = regexp.MustCompile(`(?i:\bmy name is|\bname:)\s+([A-Z][a-z]+(?:\s+[A-Z][a-z]+)?)`)
)

// priority breaks ties between detections covering the same span.
var priority = map[Type]int{
	TypeEmail:      0,
	TypeCreditCard: 1,
	TypeSSN:        2,
	TypeNationalID: 3,
	TypeIPAddress:  4,
	TypePhone:      5,
	TypeName:       6,
}

// Redactor detects and replaces PII. It holds no mutable state and is safe
// for concurrent use.
type Redactor struct {
	names []*regexp.Regexp
}

// Option configures a Redactor.
type Option func(*Redactor)

// WithNames adds names that are always redacted, matched case-insensitively
// on word boundaries.
func WithNames(names []string) Option {
	return func(r *Redactor) {
		for _, name := range names {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			r.names = append(r.names, regexp.MustCompile(`(?i)\b`+regexp.QuoteMeta(name)+`\b`))
		}
	}
}

// New creates a Redactor.
func New(opts ...Option) *Redactor {
	r := &Redactor{}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Redact returns text with PII replaced by type tags and whether anything was
// replaced. Under standard privacy the text is returned unchanged.
func (r *Redactor) Redact(text string, mode policy.PrivacyMode) (string, bool) {
	if mode == policy.PrivacyStandard {
		return text, false
	}
	detections := r.Detect(text)
	if len(detections) == 0 {
		return text, false
	}

	var sb strings.Builder
	sb.Grow(len(text))
	last := 0
	for _, d := range detections {
		sb.WriteString(text[last:d.Start])
		sb.WriteString(Tag(d.Type))
		last = d.End
	}
	sb.WriteString(text[last:])
	return sb.String(), true
}

// Detect returns non-overlapping detections ordered by position. When two
// candidates overlap the earlier, then longer, then higher priority wins.
func (r *Redactor) Detect(text string) []Detection {
	var all []Detection
	add := func(t Type, start, end int) {
		all = append(all, Detection{Type: t, Value: text[start:end], Start: start, End: end})
	}

	for _, m := range emailPattern.FindAllStringIndex(text, -1) {
		add(TypeEmail, m[0], m[1])
	}
	for _, m := range creditCardPattern.FindAllStringIndex(text, -1) {
		if luhnCheck(text[m[0]:m[1]]) {
			add(TypeCreditCard, m[0], m[1])
		}
	}
	for i, pattern := range ssnPatterns {
		for _, m := range pattern.FindAllStringIndex(text, -1) {
			if i == 1 && !looksLikeSSN(text[m[0]:m[1]]) {
				continue
			}
			add(TypeSSN, m[0], m[1])
		}
	}
	for _, m := range ninoPattern.FindAllStringIndex(text, -1) {
		add(TypeNationalID, m[0], m[1])
	}
	for _, pattern := range ipPatterns {
		for _, m := range pattern.FindAllStringIndex(text, -1) {
			add(TypeIPAddress, m[0], m[1])
		}
	}
	for _, pattern := range phonePatterns {
		for _, m := range pattern.FindAllStringIndex(text, -1) {
			if n := countDigits(text[m[0]:m[1]]); n < 7 || n > 15 {
				continue
			}
			add(TypePhone, m[0], m[1])
		}
	}
	for _, pattern := range []*regexp.Regexp{honorificPattern, introPattern} {
		for _, m := range pattern.FindAllStringSubmatchIndex(text, -1) {
			add(TypeName, m[2], m[3])
		}
	}
	for _, pattern := range r.names {
		for _, m := range pattern.FindAllStringIndex(text, -1) {
			add(TypeName, m[0], m[1])
		}
	}

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Start != all[j].Start {
			return all[i].Start < all[j].Start
		}
		li, lj := all[i].End-all[i].Start, all[j].End-all[j].Start
		if li != lj {
			return li > lj
		}
		return priority[all[i].Type] < priority[all[j].Type]
	})

	var out []Detection
	end := -1
	for _, d := range all {
		if d.Start < end {
			continue
		}
		out = append(out, d)
		end = d.End
	}
	return out
}

// Tag returns the replacement text for a PII type.
func Tag(t Type) string {
	switch t {
	case TypeEmail:
		return "[EMAIL_REDACTED]"
	case TypePhone:
		return "[PHONE_REDACTED]"
	case TypeSSN:
		return "[SSN_REDACTED]"
	case TypeNationalID:
		return "[NATIONAL_ID_REDACTED]"
	case TypeCreditCard:
		return "[CC_REDACTED]"
	case TypeIPAddress:
		return "[IP_REDACTED]"
	case TypeName:
		return "[NAME_REDACTED]"
	default:
		return "[REDACTED]"
	}
}

// looksLikeSSN performs basic validation on a 9-digit number.
func looksLikeSSN(s string) bool {
	if len(s) != 9 {
		return false
	}
	if s[:3] == "000" || s[3:5] == "00" || s[5:] == "0000" {
		return false
	}
	if strings.HasPrefix(s, "666") || strings.HasPrefix(s, "9") {
		return false
	}
	return true
}

// luhnCheck validates a card number using the Luhn algorithm.
func luhnCheck(cardNumber string) bool {
	cardNumber = strings.ReplaceAll(cardNumber, " ", "")
	cardNumber = strings.ReplaceAll(cardNumber, "-", "")

	if len(cardNumber) < 13 || len(cardNumber) > 19 {
		return false
	}

	sum := 0
	isSecond := false
	for i := len(cardNumber) - 1; i >= 0; i-- {
		digit := int(cardNumber[i] - '0')
		if isSecond {
			digit *= 2
			if digit > 9 {
				digit -= 9
			}
		}
		sum += digit
		isSecond = !isSecond
	}
	return sum%10 == 0
}

func countDigits(s string) int {
	n := 0
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			n++
		}
	}
	return n
}
