package dispatch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zen-systems/inferroute/pkg/bandit"
	"github.com/zen-systems/inferroute/pkg/router"
)

// Kind classifies routing errors.
type Kind string

const (
	// KindClassificationAmbiguous is recorded when the classifier fell back
	// to "other". It is never returned to callers.
	KindClassificationAmbiguous Kind = "classification_ambiguous"
	KindNoEligibleArm           Kind = "no_eligible_arm"
	KindBudgetExceeded          Kind = "budget_exceeded"
	// KindProviderUnavailable marks arms excluded by an open breaker. It only
	// reaches callers inside a KindNoEligibleArm error.
	KindProviderUnavailable Kind = "provider_unavailable"
	// KindProviderCallFailed describes a single failed attempt.
	KindProviderCallFailed Kind = "provider_call_failed"
	KindRetriesExhausted   Kind = "retries_exhausted"
)

// RouteError is returned by Route for every surfaced failure.
type RouteError struct {
	Kind       Kind
	Category   router.Category
	Attempted  []string
	Reason     string
	Rejections []bandit.Rejection
	Err        error
}

func (e *RouteError) Error() string {
	var sb strings.Builder
	sb.WriteString(string(e.Kind))
	if e.Category != "" {
		fmt.Fprintf(&sb, " (category=%s", e.Category)
		if len(e.Attempted) > 0 {
			fmt.Fprintf(&sb, ", attempted=%s", strings.Join(e.Attempted, ","))
		}
		sb.WriteString(")")
	}
	if e.Reason != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Reason)
	}
	if e.Err != nil {
		fmt.Fprintf(&sb, ": %v", e.Err)
	}
	return sb.String()
}

func (e *RouteError) Unwrap() error {
	return e.Err
}

// Is matches any RouteError of the same kind.
func (e *RouteError) Is(target error) bool {
	t, ok := target.(*RouteError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinels for errors.Is.
var (
	ErrNoEligibleArm    = &RouteError{Kind: KindNoEligibleArm}
	ErrBudgetExceeded   = &RouteError{Kind: KindBudgetExceeded}
	ErrRetriesExhausted = &RouteError{Kind: KindRetriesExhausted}
)

// KindOf returns the kind of a RouteError in err's chain, or "".
func KindOf(err error) Kind {
	var re *RouteError
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}
