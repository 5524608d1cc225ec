// Package bandit picks a provider/model arm per task category with Thompson
// sampling over Beta posteriors, after hard eligibility filters.
package bandit

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/zen-systems/inferroute/pkg/catalog"
	"github.com/zen-systems/inferroute/pkg/policy"
	"github.com/zen-systems/inferroute/pkg/router"
)

// ErrNoEligibleArm is returned when every arm was filtered out.
var ErrNoEligibleArm = errors.New("no eligible arm")

// HealthChecker reports provider availability without side effects.
type HealthChecker interface {
	Eligible(provider string) bool
}

// SelectRequest carries the per-request constraints used for filtering.
type SelectRequest struct {
	Category router.Category
	// Credentials maps provider name to the caller's key. Providers without
	// a key are not eligible.
	Credentials map[string]string
	Region      policy.Region
	// RequireNoRetention restricts selection to no-retention providers.
	RequireNoRetention bool
	// RemainingBudgetUSD is the unreserved budget. Ignored when
	// BudgetLimited is false.
	RemainingBudgetUSD float64
	BudgetLimited      bool
	PromptTokens       int
	CompletionTokens   int
	// Exclude lists arm keys that must not be chosen, such as arms that
	// already failed for this request.
	Exclude map[string]bool
	// ExcludeProviders lists providers whose arms must not be chosen, such
	// as a provider that just timed out.
	ExcludeProviders map[string]bool
	// Allow, when non-empty, pins selection to these arm keys.
	Allow []string
}

// Rejection records why an arm was filtered out.
type Rejection struct {
	Arm    string `json:"arm"`
	Reason string `json:"reason"`
}

// Selection is the outcome of Select.
type Selection struct {
	Arm          catalog.Arm
	Sample       float64
	Posterior    Posterior
	EstimatedUSD float64
	Eligible     int
	Rejections   []Rejection
}

// NoEligibleError wraps ErrNoEligibleArm with the filter decisions.
type NoEligibleError struct {
	Category   router.Category
	Rejections []Rejection
}

func (e *NoEligibleError) Error() string {
	reasons := make([]string, 0, len(e.Rejections))
	for _, r := range e.Rejections {
		reasons = append(reasons, r.Arm+": "+r.Reason)
	}
	if len(reasons) == 0 {
		return fmt.Sprintf("%s for %s: no arms configured", ErrNoEligibleArm, e.Category)
	}
	return fmt.Sprintf("%s for %s (%s)", ErrNoEligibleArm, e.Category, strings.Join(reasons, "; "))
}

func (e *NoEligibleError) Unwrap() error {
	return ErrNoEligibleArm
}

// Option configures a Router.
type Option func(*Router)

// WithSeed seeds the sampling source.
func WithSeed(seed uint64) Option {
	return func(r *Router) {
		r.src = newSource(seed)
	}
}

// WithSource replaces the sampling source.
func WithSource(src rand.Source) Option {
	return func(r *Router) {
		if src != nil {
			r.src = &lockedSource{src: src}
		}
	}
}

// WithHealth sets the health checker used by Filter.
func WithHealth(h HealthChecker) Option {
	return func(r *Router) {
		r.health = h
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

type entry struct {
	mu sync.Mutex
	p  Posterior
}

// Router owns the posteriors. Updates to different (category, arm) keys are
// independent; updates to the same key are serialized.
type Router struct {
	catalog *catalog.Catalog
	health  HealthChecker
	src     *lockedSource
	logger  *zap.Logger

	mu      sync.RWMutex
	entries map[postKey]*entry
}

// New creates a Router over the arms of cat with empty posteriors.
func New(cat *catalog.Catalog, opts ...Option) *Router {
	r := &Router{
		catalog: cat,
		logger:  zap.NewNop(),
		entries: make(map[postKey]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.src == nil {
		r.src = newSource(0)
	}
	return r
}

// Filter applies the hard constraints and returns the eligible arms sorted by
// key along with a rejection per filtered arm. It reads health and budget
// state but changes nothing.
func (r *Router) Filter(req SelectRequest) ([]catalog.Arm, []Rejection) {
	var allow map[string]bool
	if len(req.Allow) > 0 {
		allow = make(map[string]bool, len(req.Allow))
		for _, key := range req.Allow {
			allow[key] = true
		}
	}

	var eligible []catalog.Arm
	var rejected []Rejection
	for _, arm := range r.catalog.Arms() {
		if reason := r.reject(arm, req, allow); reason != "" {
			rejected = append(rejected, Rejection{Arm: arm.Key(), Reason: reason})
			continue
		}
		eligible = append(eligible, arm)
	}
	return eligible, rejected
}

func (r *Router) reject(arm catalog.Arm, req SelectRequest, allow map[string]bool) string {
	provider, ok := r.catalog.Provider(arm.Provider)
	if !ok {
		return "unknown provider"
	}
	if req.Credentials[arm.Provider] == "" {
		return "no credential for " + arm.Provider
	}
	if req.Exclude[arm.Key()] {
		return "excluded"
	}
	if req.ExcludeProviders[arm.Provider] {
		return "provider " + arm.Provider + " excluded"
	}
	if allow != nil && !allow[arm.Key()] {
		return "not pinned"
	}
	if r.health != nil && !r.health.Eligible(arm.Provider) {
		return "provider unavailable"
	}
	if !policy.AllowsRegion(req.Region, provider.Regions) {
		return "not available in region " + string(req.Region)
	}
	if req.RequireNoRetention && !provider.NoRetention {
		return "provider retains data"
	}
	if req.BudgetLimited {
		estimate := arm.Cost(req.PromptTokens, req.CompletionTokens)
		if estimate > req.RemainingBudgetUSD {
			return fmt.Sprintf("estimated $%.6f exceeds remaining budget $%.6f", estimate, req.RemainingBudgetUSD)
		}
	}
	return ""
}

type draw struct {
	arm    catalog.Arm
	post   Posterior
	sample float64
}

// Select filters the arms and returns the one with the highest Thompson
// sample. Ties prefer more observations, then the smaller arm key.
func (r *Router) Select(req SelectRequest) (*Selection, error) {
	eligible, rejected := r.Filter(req)
	if len(eligible) == 0 {
		return nil, &NoEligibleError{Category: req.Category, Rejections: rejected}
	}

	draws := make([]draw, 0, len(eligible))
	for _, arm := range eligible {
		post := r.Posterior(req.Category, arm.Key())
		draws = append(draws, draw{arm: arm, post: post, sample: r.sample(post)})
	}
	slices.SortStableFunc(draws, compareDraws)

	best := draws[0]
	r.logger.Debug("arm selected",
		zap.String("category", string(req.Category)),
		zap.String("arm", best.arm.Key()),
		zap.Float64("sample", best.sample),
		zap.Int("eligible", len(eligible)))

	return &Selection{
		Arm:          best.arm,
		Sample:       best.sample,
		Posterior:    best.post,
		EstimatedUSD: best.arm.Cost(req.PromptTokens, req.CompletionTokens),
		Eligible:     len(eligible),
		Rejections:   rejected,
	}, nil
}

// compareDraws orders the highest sample first, then more observations,
// then the smaller arm key.
func compareDraws(a, b draw) int {
	switch {
	case a.sample > b.sample:
		return -1
	case a.sample < b.sample:
		return 1
	case a.post.Observations > b.post.Observations:
		return -1
	case a.post.Observations < b.post.Observations:
		return 1
	}
	return strings.Compare(a.arm.Key(), b.arm.Key())
}

func (r *Router) sample(p Posterior) float64 {
	dist := distuv.Beta{Alpha: p.Alpha, Beta: p.Beta, Src: r.src}
	return dist.Rand()
}

func (r *Router) entry(category router.Category, arm string, create bool) *entry {
	k := postKey{category: category, arm: arm}
	r.mu.RLock()
	e, ok := r.entries[k]
	r.mu.RUnlock()
	if ok || !create {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok = r.entries[k]; ok {
		return e
	}
	e = &entry{p: Prior()}
	r.entries[k] = e
	return e
}

// Update folds a reward in [0,1] into the posterior for (category, arm).
// Out-of-range scores are clamped.
func (r *Router) Update(category router.Category, arm string, score float64) Posterior {
	score = clampScore(score)
	e := r.entry(category, arm, true)
	e.mu.Lock()
	e.p = e.p.observe(score)
	p := e.p
	e.mu.Unlock()
	return p
}

// Posterior returns the posterior for (category, arm), or the prior.
func (r *Router) Posterior(category router.Category, arm string) Posterior {
	e := r.entry(category, arm, false)
	if e == nil {
		return Prior()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.p
}

// Snapshot returns all learned posteriors sorted by category then arm.
func (r *Router) Snapshot() []PosteriorState {
	r.mu.RLock()
	out := make([]PosteriorState, 0, len(r.entries))
	for k, e := range r.entries {
		e.mu.Lock()
		out = append(out, PosteriorState{Category: k.category, Arm: k.arm, Posterior: e.p})
		e.mu.Unlock()
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Arm < out[j].Arm
	})
	return out
}

// Restore replaces posteriors with those in states. Entries with invalid
// parameters are skipped.
func (r *Router) Restore(states []PosteriorState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range states {
		if !validParam(s.Alpha) || !validParam(s.Beta) || s.Observations < 0 {
			r.logger.Warn("skipping invalid posterior",
				zap.String("category", string(s.Category)),
				zap.String("arm", s.Arm))
			continue
		}
		r.entries[postKey{category: s.Category, arm: s.Arm}] = &entry{p: s.Posterior}
	}
}

func validParam(v float64) bool {
	return v > 0 && !math.IsInf(v, 0)
}

// Reset returns (category, arm) to the prior.
func (r *Router) Reset(category router.Category, arm string) {
	r.mu.Lock()
	delete(r.entries, postKey{category: category, arm: arm})
	r.mu.Unlock()
}
