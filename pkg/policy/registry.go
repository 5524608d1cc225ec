package policy

import (
	"fmt"
	"strings"
	"sync"
)

// PrivacyMode controls how much of a request may leave the process.
type PrivacyMode string

const (
	PrivacyStandard PrivacyMode = "standard"
	PrivacyEnhanced PrivacyMode = "enhanced"
	PrivacyMax      PrivacyMode = "max"
)

// Region constrains where a provider may process a request.
type Region string

const (
	RegionAny Region = "any"
	RegionEU  Region = "eu"
	RegionUS  Region = "us"
)

// ParsePrivacyMode maps a user supplied value to a PrivacyMode.
// An empty value yields the fallback.
func ParsePrivacyMode(value string, fallback PrivacyMode) (PrivacyMode, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return fallback, nil
	}
	switch mode := PrivacyMode(value); mode {
	case PrivacyStandard, PrivacyEnhanced, PrivacyMax:
		return mode, nil
	}
	return "", fmt.Errorf("unknown privacy mode %q", value)
}

// ParseRegion maps a user supplied value to a Region.
func ParseRegion(value string, fallback Region) (Region, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return fallback, nil
	}
	switch region := Region(value); region {
	case RegionAny, RegionEU, RegionUS:
		return region, nil
	}
	return "", fmt.Errorf("unknown region %q", value)
}

// Requirements are the constraints a privacy mode places on dispatch.
type Requirements struct {
	// Redact strips PII before the prompt leaves the process.
	Redact bool
	// RequireNoRetention limits selection to providers with a no-retention agreement.
	RequireNoRetention bool
}

type Policy struct {
	Mode         PrivacyMode
	Requirements Requirements
}

// Registry maps privacy modes to their requirements.
// It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	policies map[PrivacyMode]Policy
}

func NewRegistry() *Registry {
	r := &Registry{
		policies: make(map[PrivacyMode]Policy),
	}

	r.Register(Policy{
		Mode:         PrivacyStandard,
		Requirements: Requirements{},
	})

	r.Register(Policy{
		Mode: PrivacyEnhanced,
		Requirements: Requirements{
			Redact: true,
		},
	})

	r.Register(Policy{
		Mode: PrivacyMax,
		Requirements: Requirements{
			Redact:             true,
			RequireNoRetention: true,
		},
	})

	return r
}

func (r *Registry) Register(p Policy) {
	r.mu.Lock()
	r.policies[p.Mode] = p
	r.mu.Unlock()
}

func (r *Registry) Get(mode PrivacyMode) (Policy, error) {
	r.mu.RLock()
	p, ok := r.policies[mode]
	r.mu.RUnlock()
	if !ok {
		return Policy{}, fmt.Errorf("policy not found: %s", mode)
	}
	return p, nil
}

// Requirements returns the requirements for mode. Unknown modes get the
// strictest requirements.
func (r *Registry) Requirements(mode PrivacyMode) Requirements {
	r.mu.RLock()
	p, ok := r.policies[mode]
	r.mu.RUnlock()
	if ok {
		return p.Requirements
	}
	return Requirements{Redact: true, RequireNoRetention: true}
}

// AllowsRegion reports whether a provider serving regions satisfies want.
func AllowsRegion(want Region, regions []Region) bool {
	if want == "" || want == RegionAny {
		return true
	}
	for _, r := range regions {
		if r == want {
			return true
		}
	}
	return false
}
