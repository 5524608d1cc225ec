// Package dispatch routes a request end to end: classify, select an arm,
// reserve budget, redact, call the provider and feed the outcome back.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zen-systems/inferroute/pkg/adapter"
	"github.com/zen-systems/inferroute/pkg/bandit"
	"github.com/zen-systems/inferroute/pkg/budget"
	"github.com/zen-systems/inferroute/pkg/catalog"
	"github.com/zen-systems/inferroute/pkg/config"
	"github.com/zen-systems/inferroute/pkg/health"
	"github.com/zen-systems/inferroute/pkg/policy"
	"github.com/zen-systems/inferroute/pkg/redact"
	"github.com/zen-systems/inferroute/pkg/router"
)

// DefaultAccount is used when a request names no account.
const DefaultAccount = "default"

// Request is one inbound routing request. It is not modified by Route.
type Request struct {
	ID       string
	Account  string
	Prompt   string
	TaskHint string
	Privacy  policy.PrivacyMode
	Region   policy.Region
	// Credentials maps provider name to the caller's API key.
	Credentials map[string]string
	// BudgetOverrideUSD, when positive, replaces the daily cap for this
	// request.
	BudgetOverrideUSD float64
	// QualitySignal is an optional caller judgement of response quality
	// in [0,1] used in place of the built-in heuristic.
	QualitySignal *float64
	// PinnedArms restricts selection to these arm keys.
	PinnedArms []string
	MaxTokens  int
}

// Attempt reports one provider call.
type Attempt struct {
	Arm      string        `json:"arm"`
	Provider string        `json:"provider"`
	Model    string        `json:"model"`
	Latency  time.Duration `json:"latency"`
	Usage    adapter.Usage `json:"usage"`
	CostUSD  float64       `json:"cost_usd"`
	Reward   float64       `json:"reward"`
	Error    string        `json:"error,omitempty"`
}

// Response carries the provider's content and the routing metadata.
type Response struct {
	RequestID       string           `json:"request_id"`
	Content         string           `json:"content"`
	Provider        string           `json:"provider"`
	Model           string           `json:"model"`
	Arm             string           `json:"arm"`
	Category        router.Category  `json:"category"`
	CostUSD         float64          `json:"cost_usd"`
	BaselineCostUSD float64          `json:"baseline_cost_usd"`
	SavingsUSD      float64          `json:"savings_usd"`
	Latency         time.Duration    `json:"latency"`
	Failover        bool             `json:"failover"`
	Redacted        bool             `json:"redacted"`
	Usage           adapter.Usage    `json:"usage"`
	Attempts        []Attempt        `json:"attempts"`
	Decision        *router.Decision `json:"decision,omitempty"`
}

// Observer receives routing events. Implementations must be safe for
// concurrent use and must not block.
type Observer interface {
	ObserveAttempt(category router.Category, attempt Attempt)
	ObserveRoute(req *Request, resp *Response, err error)
}

// Ledger is the subset of *budget.Ledger the dispatcher uses.
type Ledger interface {
	Reserve(account string, estimateUSD float64, opts ...budget.ReserveOption) (*budget.Reservation, error)
	Commit(res *budget.Reservation, actualUSD float64) error
	Release(res *budget.Reservation) error
	Remaining(account string, overrideUSD float64) (float64, bool)
}

// Deps are the collaborators a Dispatcher owns references to.
type Deps struct {
	Catalog    *catalog.Catalog
	Classifier *router.Classifier
	Redactor   *redact.Redactor
	Policies   *policy.Registry
	Health     *health.Tracker
	Budget     Ledger
	Bandit     *bandit.Router
	Providers  *adapter.Registry
	Routing    *config.RoutingConfig
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithObserver adds an observer.
func WithObserver(obs Observer) Option {
	return func(d *Dispatcher) {
		if obs != nil {
			d.observers = append(d.observers, obs)
		}
	}
}

// WithDefaults sets the privacy mode and region applied to requests that
// leave them empty.
func WithDefaults(mode policy.PrivacyMode, region policy.Region) Option {
	return func(d *Dispatcher) {
		if mode != "" {
			d.defaultPrivacy = mode
		}
		if region != "" {
			d.defaultRegion = region
		}
	}
}

// WithClock replaces time.Now for latency measurement.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// Dispatcher executes requests. It is safe for concurrent use.
type Dispatcher struct {
	deps           Deps
	logger         *zap.Logger
	observers      []Observer
	defaultPrivacy policy.PrivacyMode
	defaultRegion  policy.Region
	now            func() time.Time
}

// New creates a Dispatcher.
func New(deps Deps, opts ...Option) (*Dispatcher, error) {
	switch {
	case deps.Catalog == nil:
		return nil, errors.New("dispatch: catalog is required")
	case deps.Bandit == nil:
		return nil, errors.New("dispatch: bandit router is required")
	case deps.Health == nil:
		return nil, errors.New("dispatch: health tracker is required")
	case deps.Budget == nil:
		return nil, errors.New("dispatch: budget ledger is required")
	case deps.Providers == nil:
		return nil, errors.New("dispatch: provider registry is required")
	}
	if deps.Routing == nil {
		deps.Routing = config.DefaultRoutingConfig()
	}
	if err := deps.Routing.Validate(); err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	if deps.Classifier == nil {
		deps.Classifier = router.NewClassifier(deps.Routing)
	}
	if deps.Redactor == nil {
		deps.Redactor = redact.New()
	}
	if deps.Policies == nil {
		deps.Policies = policy.NewRegistry()
	}

	d := &Dispatcher{
		deps:           deps,
		logger:         zap.NewNop(),
		defaultPrivacy: policy.PrivacyEnhanced,
		defaultRegion:  policy.RegionAny,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// route holds per-request state shared by attempts.
type route struct {
	req          *Request
	id           string
	account      string
	privacy      policy.PrivacyMode
	region       policy.Region
	decision     *router.Decision
	requirements policy.Requirements

	promptTokens     int
	completionTokens int

	prompt       string
	redacted     bool
	redactedOnce bool

	excluded  map[string]bool // providers
	attempted []string
	attempts  []Attempt
}

// Route classifies req, selects an arm, calls it and records the outcome.
// A failed call is retried once by default, on the best eligible arm of a
// different provider.
// If ctx is canceled the in-flight attempt is abandoned without feedback
// and ctx's error is returned.
func (d *Dispatcher) Route(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, errors.New("dispatch: nil request")
	}
	rt := d.newRoute(req)
	logger := d.logger.With(zap.String("request_id", rt.id))

	if rt.decision.Ambiguous {
		logger.Debug("classification ambiguous, using other",
			zap.String("kind", string(KindClassificationAmbiguous)),
			zap.Strings("reasons", rt.decision.Reasons))
	}

	resp, err := d.run(ctx, rt, logger)
	for _, obs := range d.observers {
		obs.ObserveRoute(req, resp, err)
	}
	return resp, err
}

func (d *Dispatcher) newRoute(req *Request) *route {
	rt := &route{
		req:      req,
		id:       req.ID,
		account:  req.Account,
		privacy:  req.Privacy,
		region:   req.Region,
		excluded: make(map[string]bool),
	}
	if rt.id == "" {
		rt.id = uuid.NewString()
	}
	if rt.account == "" {
		rt.account = DefaultAccount
	}
	if rt.privacy == "" {
		rt.privacy = d.defaultPrivacy
	}
	if rt.region == "" {
		rt.region = d.defaultRegion
	}

	rt.decision = d.deps.Classifier.Classify(req.Prompt, req.TaskHint)
	rt.requirements = d.deps.Policies.Requirements(rt.privacy)
	rt.promptTokens = catalog.EstimateTokens(req.Prompt)
	rt.completionTokens = d.deps.Routing.ExpectedCompletionTokens
	if req.MaxTokens > 0 && req.MaxTokens < rt.completionTokens {
		rt.completionTokens = req.MaxTokens
	}
	return rt
}

func (d *Dispatcher) run(ctx context.Context, rt *route, logger *zap.Logger) (*Response, error) {
	category := rt.decision.Category
	maxAttempts := 1 + d.deps.Routing.Retry.MaxRetries
	var lastErr error

	for failures := 0; failures < maxAttempts; {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		sel, err := d.selectArm(rt)
		if err != nil {
			var noArm *bandit.NoEligibleError
			errors.As(err, &noArm)
			re := &RouteError{
				Kind:      KindNoEligibleArm,
				Category:  category,
				Attempted: rt.attempted,
				Reason:    "every arm was filtered out",
				Err:       err,
			}
			if noArm != nil {
				re.Rejections = noArm.Rejections
			}
			if failures > 0 {
				re.Kind = KindRetriesExhausted
				re.Reason = "no eligible arm left to retry on"
				re.Err = errors.Join(lastErr, err)
			}
			return nil, re
		}
		arm := sel.Arm

		if !d.deps.Health.Acquire(arm.Provider) {
			// Another request holds the half-open probe.
			logger.Debug("provider probe in flight, skipping arm",
				zap.String("arm", arm.Key()),
				zap.String("kind", string(KindProviderUnavailable)))
			rt.excluded[arm.Provider] = true
			continue
		}

		prov, err := d.deps.Providers.Get(arm.Provider)
		if err != nil {
			d.deps.Health.RecordOutcome(arm.Provider, health.OutcomeCanceled)
			logger.Warn("no adapter for provider", zap.String("provider", arm.Provider), zap.Error(err))
			rt.excluded[arm.Provider] = true
			continue
		}

		var reserveOpts []budget.ReserveOption
		if rt.req.BudgetOverrideUSD > 0 {
			reserveOpts = append(reserveOpts, budget.WithCapOverride(rt.req.BudgetOverrideUSD))
		}
		res, err := d.deps.Budget.Reserve(rt.account, sel.EstimatedUSD, reserveOpts...)
		if err != nil {
			d.deps.Health.RecordOutcome(arm.Provider, health.OutcomeCanceled)
			return nil, &RouteError{
				Kind:      KindBudgetExceeded,
				Category:  category,
				Attempted: rt.attempted,
				Reason:    fmt.Sprintf("reserving $%.6f for %s", sel.EstimatedUSD, arm.Key()),
				Err:       err,
			}
		}

		d.redact(rt)
		rt.attempted = append(rt.attempted, arm.Key())

		out, attempt, callErr := d.invoke(ctx, rt, prov, arm)

		if ctx.Err() != nil {
			d.release(res, logger)
			d.deps.Health.RecordOutcome(arm.Provider, health.OutcomeCanceled)
			logger.Info("request canceled by caller", zap.String("arm", arm.Key()))
			return nil, ctx.Err()
		}

		if callErr != nil {
			d.release(res, logger)
			d.deps.Health.RecordOutcome(arm.Provider, health.OutcomeFailure)
			d.deps.Bandit.Update(category, arm.Key(), 0)

			attempt.Error = callErr.Error()
			rt.attempts = append(rt.attempts, attempt)
			d.observeAttempt(category, attempt)

			rt.excluded[arm.Provider] = true
			lastErr = &RouteError{Kind: KindProviderCallFailed, Category: category, Attempted: []string{arm.Key()}, Err: callErr}
			failures++
			logger.Warn("provider call failed",
				zap.String("category", string(category)),
				zap.String("arm", arm.Key()),
				zap.Int("attempt", failures),
				zap.Bool("transient", adapter.IsTransient(callErr)),
				zap.Error(callErr))
			if failures < maxAttempts {
				retry := d.deps.Routing.Retry
				if err := sleepWithContext(ctx, computeBackoff(retry.BackoffMs, retry.MaxBackoffMs, failures-1)); err != nil {
					return nil, err
				}
			}
			continue
		}

		return d.finish(rt, res, arm, out, attempt, failures > 0, logger), nil
	}

	return nil, &RouteError{
		Kind:      KindRetriesExhausted,
		Category:  category,
		Attempted: rt.attempted,
		Reason:    fmt.Sprintf("%d attempts failed", len(rt.attempts)),
		Err:       lastErr,
	}
}

func (d *Dispatcher) selectArm(rt *route) (*bandit.Selection, error) {
	remaining, limited := d.deps.Budget.Remaining(rt.account, rt.req.BudgetOverrideUSD)
	return d.deps.Bandit.Select(bandit.SelectRequest{
		Category:           rt.decision.Category,
		Credentials:        rt.req.Credentials,
		Region:             rt.region,
		RequireNoRetention: rt.requirements.RequireNoRetention,
		RemainingBudgetUSD: remaining,
		BudgetLimited:      limited,
		PromptTokens:       rt.promptTokens,
		CompletionTokens:   rt.completionTokens,
		ExcludeProviders:   rt.excluded,
		Allow:              rt.req.PinnedArms,
	})
}

// redact computes the outbound prompt once per request.
func (d *Dispatcher) redact(rt *route) {
	if rt.redactedOnce {
		return
	}
	rt.redactedOnce = true
	rt.prompt = rt.req.Prompt
	if rt.requirements.Redact {
		rt.prompt, rt.redacted = d.deps.Redactor.Redact(rt.req.Prompt, rt.privacy)
	}
}

func (d *Dispatcher) invoke(ctx context.Context, rt *route, prov adapter.Provider, arm catalog.Arm) (*adapter.Response, Attempt, error) {
	timeout := time.Duration(d.deps.Routing.Retry.AttemptTimeoutMs) * time.Millisecond
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := d.now()
	out, err := prov.Invoke(attemptCtx, adapter.Call{
		Model:      arm.Model,
		Prompt:     rt.prompt,
		Credential: rt.req.Credentials[arm.Provider],
		MaxTokens:  rt.req.MaxTokens,
	})
	attempt := Attempt{
		Arm:      arm.Key(),
		Provider: arm.Provider,
		Model:    arm.Model,
		Latency:  d.now().Sub(start),
	}
	if err == nil && out == nil {
		err = &adapter.AdapterError{Provider: arm.Provider, Err: adapter.ErrMalformedResponse}
	}
	if err == nil && attemptCtx.Err() != nil {
		// The adapter ignored its deadline.
		err = &adapter.AdapterError{Provider: arm.Provider, Err: attemptCtx.Err()}
	}
	return out, attempt, err
}

func (d *Dispatcher) finish(rt *route, res *budget.Reservation, arm catalog.Arm, out *adapter.Response, attempt Attempt, failover bool, logger *zap.Logger) *Response {
	category := rt.decision.Category

	usage := out.Usage
	if !usage.Known() {
		usage = adapter.Usage{
			PromptTokens:     catalog.EstimateTokens(rt.prompt),
			CompletionTokens: catalog.EstimateTokens(out.Content),
		}.Normalize()
	}
	cost := arm.Cost(usage.PromptTokens, usage.CompletionTokens)

	if err := d.deps.Budget.Commit(res, cost); err != nil {
		logger.Error("budget commit failed", zap.String("reservation", res.ID), zap.Error(err))
	}
	d.deps.Health.RecordOutcome(arm.Provider, health.OutcomeSuccess)

	quality := Quality(category, out.Content, rt.req.QualitySignal)
	reward := bandit.Reward(bandit.Outcome{
		Success: true,
		Quality: quality,
		CostUSD: cost,
		Latency: attempt.Latency,
	}, d.deps.Routing.Reward)
	d.deps.Bandit.Update(category, arm.Key(), reward)

	attempt.Usage = usage
	attempt.CostUSD = cost
	attempt.Reward = reward
	rt.attempts = append(rt.attempts, attempt)
	d.observeAttempt(category, attempt)

	baseline := cost
	target := d.deps.Routing.Baseline
	if pricing, ok := d.deps.Catalog.PriceFor(target.Provider, target.Model); ok {
		baseline = catalog.EstimateCost(pricing, usage.PromptTokens, usage.CompletionTokens)
	}

	logger.Info("request routed",
		zap.String("category", string(category)),
		zap.String("arm", arm.Key()),
		zap.Float64("cost_usd", cost),
		zap.Float64("reward", reward),
		zap.Duration("latency", attempt.Latency),
		zap.Bool("failover", failover),
		zap.Bool("redacted", rt.redacted))

	return &Response{
		RequestID:       rt.id,
		Content:         out.Content,
		Provider:        arm.Provider,
		Model:           arm.Model,
		Arm:             arm.Key(),
		Category:        category,
		CostUSD:         cost,
		BaselineCostUSD: baseline,
		SavingsUSD:      baseline - cost,
		Latency:         attempt.Latency,
		Failover:        failover,
		Redacted:        rt.redacted,
		Usage:           usage,
		Attempts:        rt.attempts,
		Decision:        rt.decision,
	}
}

func (d *Dispatcher) release(res *budget.Reservation, logger *zap.Logger) {
	if err := d.deps.Budget.Release(res); err != nil {
		logger.Error("budget release failed", zap.String("reservation", res.ID), zap.Error(err))
	}
}

func (d *Dispatcher) observeAttempt(category router.Category, attempt Attempt) {
	for _, obs := range d.observers {
		obs.ObserveAttempt(category, attempt)
	}
}

// Classify exposes the classifier decision for a prompt.
func (d *Dispatcher) Classify(prompt, hint string) *router.Decision {
	return d.deps.Classifier.Classify(prompt, hint)
}
