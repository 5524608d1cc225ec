// Package health tracks provider availability with a per-provider circuit
// breaker.
package health

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zen-systems/inferroute/pkg/config"
)

// State is a breaker state.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Outcome is the result of one admitted provider call.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	// OutcomeCanceled is a call abandoned by its caller. It is never counted
	// as a failure.
	OutcomeCanceled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Config tunes the breaker.
type Config struct {
	FailureThreshold int
	Window           time.Duration
	Cooldown         time.Duration
	MaxCooldown      time.Duration
	BackoffFactor    float64
}

// DefaultConfig returns the default breaker tuning.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		Window:           time.Minute,
		Cooldown:         30 * time.Second,
		MaxCooldown:      5 * time.Minute,
		BackoffFactor:    2,
	}
}

// ConfigFromRouting converts the routing file's breaker section.
func ConfigFromRouting(b config.BreakerConfig) Config {
	cfg := Config{
		FailureThreshold: b.FailureThreshold,
		Window:           time.Duration(b.WindowMs) * time.Millisecond,
		Cooldown:         time.Duration(b.CooldownMs) * time.Millisecond,
		MaxCooldown:      time.Duration(b.MaxCooldownMs) * time.Millisecond,
		BackoffFactor:    b.BackoffFactor,
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.Window <= 0 {
		c.Window = def.Window
	}
	if c.Cooldown <= 0 {
		c.Cooldown = def.Cooldown
	}
	if c.MaxCooldown < c.Cooldown {
		c.MaxCooldown = c.Cooldown
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = def.BackoffFactor
	}
	return c
}

// Transition describes a state change.
type Transition struct {
	Provider string
	From     State
	To       State
	At       time.Time
}

// ProviderState is a serializable view of one provider's breaker.
type ProviderState struct {
	Provider            string        `json:"provider"`
	State               State         `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	ChangedAt           time.Time     `json:"changed_at"`
	Cooldown            time.Duration `json:"cooldown"`
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// WithTransitionHook registers a callback invoked after every state change.
// The hook runs outside the tracker's locks.
func WithTransitionHook(hook func(Transition)) Option {
	return func(t *Tracker) {
		t.hook = hook
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

type breaker struct {
	mu           sync.Mutex
	state        State
	failures     int
	firstFailure time.Time
	changedAt    time.Time
	cooldown     time.Duration
	probing      bool
}

// Tracker holds one breaker per provider. Breakers are created on first use
// and are independent of each other.
type Tracker struct {
	cfg    Config
	now    func() time.Time
	hook   func(Transition)
	logger *zap.Logger

	mu       sync.RWMutex
	breakers map[string]*breaker
}

// New creates a Tracker.
func New(cfg Config, opts ...Option) *Tracker {
	t := &Tracker{
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		logger:   zap.NewNop(),
		breakers: make(map[string]*breaker),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) breaker(provider string) *breaker {
	t.mu.RLock()
	b, ok := t.breakers[provider]
	t.mu.RUnlock()
	if ok {
		return b
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok = t.breakers[provider]; ok {
		return b
	}
	b = &breaker{state: StateClosed, cooldown: t.cfg.Cooldown, changedAt: t.now()}
	t.breakers[provider] = b
	return b
}

// Eligible reports whether a call to provider could be admitted right now.
// It does not change any state.
func (t *Tracker) Eligible(provider string) bool {
	b := t.breaker(provider)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		return t.now().Sub(b.changedAt) >= b.cooldown
	case StateHalfOpen:
		return !b.probing
	}
	return false
}

// Acquire admits a call to provider. Under HALF_OPEN only one probe is
// admitted until its outcome is recorded.
func (t *Tracker) Acquire(provider string) bool {
	b := t.breaker(provider)
	b.mu.Lock()

	var tr *Transition
	admitted := false
	switch b.state {
	case StateClosed:
		admitted = true
	case StateOpen:
		now := t.now()
		if now.Sub(b.changedAt) >= b.cooldown {
			tr = b.transition(provider, StateHalfOpen, now)
			b.probing = true
			admitted = true
		}
	case StateHalfOpen:
		if !b.probing {
			b.probing = true
			admitted = true
		}
	}
	b.mu.Unlock()

	t.notify(tr)
	return admitted
}

// RecordOutcome feeds the result of an admitted call back into the breaker.
func (t *Tracker) RecordOutcome(provider string, outcome Outcome) {
	b := t.breaker(provider)
	b.mu.Lock()

	now := t.now()
	var tr *Transition
	switch outcome {
	case OutcomeSuccess:
		switch b.state {
		case StateHalfOpen:
			b.probing = false
			b.failures = 0
			b.cooldown = t.cfg.Cooldown
			tr = b.transition(provider, StateClosed, now)
		case StateClosed:
			b.failures = 0
		}
	case OutcomeFailure:
		switch b.state {
		case StateClosed:
			if b.failures > 0 && now.Sub(b.firstFailure) > t.cfg.Window {
				b.failures = 0
			}
			b.failures++
			if b.failures == 1 {
				b.firstFailure = now
			}
			if b.failures >= t.cfg.FailureThreshold {
				tr = b.transition(provider, StateOpen, now)
			}
		case StateHalfOpen:
			b.probing = false
			b.failures++
			b.cooldown = t.nextCooldown(b.cooldown)
			tr = b.transition(provider, StateOpen, now)
		}
	case OutcomeCanceled:
		if b.state == StateHalfOpen {
			b.probing = false
		}
	}
	failures := b.failures
	b.mu.Unlock()

	if outcome == OutcomeFailure {
		t.logger.Debug("provider failure recorded",
			zap.String("provider", provider),
			zap.Int("consecutive_failures", failures))
	}
	t.notify(tr)
}

func (t *Tracker) nextCooldown(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * t.cfg.BackoffFactor)
	if next > t.cfg.MaxCooldown {
		next = t.cfg.MaxCooldown
	}
	return next
}

func (b *breaker) transition(provider string, to State, now time.Time) *Transition {
	tr := &Transition{Provider: provider, From: b.state, To: to, At: now}
	b.state = to
	b.changedAt = now
	return tr
}

func (t *Tracker) notify(tr *Transition) {
	if tr == nil {
		return
	}
	t.logger.Info("circuit breaker transition",
		zap.String("provider", tr.Provider),
		zap.String("from", string(tr.From)),
		zap.String("to", string(tr.To)))
	if t.hook != nil {
		t.hook(*tr)
	}
}

// State returns the recorded state of provider. An OPEN breaker whose
// cooldown has elapsed stays OPEN until the next Acquire.
func (t *Tracker) State(provider string) State {
	t.mu.RLock()
	b, ok := t.breakers[provider]
	t.mu.RUnlock()
	if !ok {
		return StateClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the state of every known provider sorted by name.
func (t *Tracker) Snapshot() []ProviderState {
	t.mu.RLock()
	names := make([]string, 0, len(t.breakers))
	for name := range t.breakers {
		names = append(names, name)
	}
	t.mu.RUnlock()
	sort.Strings(names)

	out := make([]ProviderState, 0, len(names))
	for _, name := range names {
		b := t.breaker(name)
		b.mu.Lock()
		out = append(out, ProviderState{
			Provider:            name,
			State:               b.state,
			ConsecutiveFailures: b.failures,
			ChangedAt:           b.changedAt,
			Cooldown:            b.cooldown,
		})
		b.mu.Unlock()
	}
	return out
}

// Restore loads breaker state from a snapshot. A HALF_OPEN entry is restored
// as OPEN because its probe did not survive the restart.
func (t *Tracker) Restore(states []ProviderState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range states {
		state := s.State
		switch state {
		case StateClosed, StateOpen:
		case StateHalfOpen:
			state = StateOpen
		default:
			continue
		}
		cooldown := s.Cooldown
		if cooldown < t.cfg.Cooldown {
			cooldown = t.cfg.Cooldown
		}
		if cooldown > t.cfg.MaxCooldown {
			cooldown = t.cfg.MaxCooldown
		}
		t.breakers[s.Provider] = &breaker{
			state:        state,
			failures:     s.ConsecutiveFailures,
			firstFailure: s.ChangedAt,
			changedAt:    s.ChangedAt,
			cooldown:     cooldown,
		}
	}
}

// Reset returns provider to a fresh CLOSED breaker.
func (t *Tracker) Reset(provider string) {
	t.mu.Lock()
	delete(t.breakers, provider)
	t.mu.Unlock()
}
