package health

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zen-systems/inferroute/pkg/config"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testConfig() Config {
	return Config{
		FailureThreshold: 3,
		Window:           time.Minute,
		Cooldown:         10 * time.Second,
		MaxCooldown:      30 * time.Second,
		BackoffFactor:    2,
	}
}

func fail(tr *Tracker, provider string, n int) {
	for i := 0; i < n; i++ {
		tr.Acquire(provider)
		tr.RecordOutcome(provider, OutcomeFailure)
	}
}

func TestOpensAfterThreshold(t *testing.T) {
	clock := newFakeClock()
	tr := New(testConfig(), WithClock(clock.Now))

	fail(tr, "openai", 2)
	require.True(t, tr.Eligible("openai"))
	assert.Equal(t, StateClosed, tr.State("openai"))

	fail(tr, "openai", 1)
	assert.Equal(t, StateOpen, tr.State("openai"))
	assert.False(t, tr.Eligible("openai"))
	assert.False(t, tr.Acquire("openai"))

	clock.Advance(9 * time.Second)
	assert.False(t, tr.Eligible("openai"))

	clock.Advance(time.Second)
	assert.True(t, tr.Eligible("openai"))
	assert.Equal(t, StateOpen, tr.State("openai"), "eligibility check must not transition")
}

func TestHalfOpenAdmitsExactlyOneProbe(t *testing.T) {
	clock := newFakeClock()
	tr := New(testConfig(), WithClock(clock.Now))
	fail(tr, "openai", 3)
	clock.Advance(10 * time.Second)

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tr.Acquire("openai") {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), admitted.Load())
	assert.Equal(t, StateHalfOpen, tr.State("openai"))
	assert.False(t, tr.Eligible("openai"))

	tr.RecordOutcome("openai", OutcomeSuccess)
	assert.Equal(t, StateClosed, tr.State("openai"))
	assert.True(t, tr.Eligible("openai"))
	assert.True(t, tr.Acquire("openai"))
}

func TestFailedProbeReopensWithBackoff(t *testing.T) {
	clock := newFakeClock()
	tr := New(testConfig(), WithClock(clock.Now))
	fail(tr, "google", 3)

	clock.Advance(10 * time.Second)
	require.True(t, tr.Acquire("google"))
	tr.RecordOutcome("google", OutcomeFailure)
	assert.Equal(t, StateOpen, tr.State("google"))

	clock.Advance(10 * time.Second)
	assert.False(t, tr.Eligible("google"), "cooldown should have doubled")
	clock.Advance(10 * time.Second)
	require.True(t, tr.Acquire("google"))
	tr.RecordOutcome("google", OutcomeFailure)

	// 40s would exceed the 30s cap.
	clock.Advance(30 * time.Second)
	assert.True(t, tr.Eligible("google"))

	require.True(t, tr.Acquire("google"))
	tr.RecordOutcome("google", OutcomeSuccess)
	fail(tr, "google", 3)
	clock.Advance(10 * time.Second)
	assert.True(t, tr.Eligible("google"), "closing resets the cooldown")
}

func TestFailuresOutsideWindowDoNotOpen(t *testing.T) {
	clock := newFakeClock()
	tr := New(testConfig(), WithClock(clock.Now))

	fail(tr, "groq", 2)
	clock.Advance(2 * time.Minute)
	fail(tr, "groq", 2)
	assert.Equal(t, StateClosed, tr.State("groq"))

	fail(tr, "groq", 1)
	assert.Equal(t, StateOpen, tr.State("groq"))
}

func TestSuccessResetsConsecutiveFailures(t *testing.T) {
	tr := New(testConfig())

	fail(tr, "mistral", 2)
	tr.RecordOutcome("mistral", OutcomeSuccess)
	fail(tr, "mistral", 2)
	assert.Equal(t, StateClosed, tr.State("mistral"))
}

func TestCanceledIsNotAFailure(t *testing.T) {
	clock := newFakeClock()
	tr := New(testConfig(), WithClock(clock.Now))

	for i := 0; i < 10; i++ {
		tr.Acquire("anthropic")
		tr.RecordOutcome("anthropic", OutcomeCanceled)
	}
	assert.Equal(t, StateClosed, tr.State("anthropic"))

	fail(tr, "anthropic", 3)
	clock.Advance(10 * time.Second)
	require.True(t, tr.Acquire("anthropic"))
	require.False(t, tr.Acquire("anthropic"))

	tr.RecordOutcome("anthropic", OutcomeCanceled)
	assert.Equal(t, StateHalfOpen, tr.State("anthropic"))
	assert.True(t, tr.Acquire("anthropic"), "canceled probe releases the token")
}

func TestProvidersAreIndependent(t *testing.T) {
	tr := New(testConfig())
	fail(tr, "openai", 3)

	assert.False(t, tr.Eligible("openai"))
	assert.True(t, tr.Eligible("anthropic"))
}

func TestTransitionHook(t *testing.T) {
	clock := newFakeClock()
	var transitions []Transition
	tr := New(testConfig(), WithClock(clock.Now), WithTransitionHook(func(transition Transition) {
		transitions = append(transitions, transition)
	}))

	fail(tr, "openai", 3)
	clock.Advance(10 * time.Second)
	tr.Acquire("openai")
	tr.RecordOutcome("openai", OutcomeSuccess)

	require.Len(t, transitions, 3)
	assert.Equal(t, StateOpen, transitions[0].To)
	assert.Equal(t, StateHalfOpen, transitions[1].To)
	assert.Equal(t, StateClosed, transitions[2].To)
	assert.Equal(t, "openai", transitions[2].Provider)
}

func TestSnapshotRestore(t *testing.T) {
	clock := newFakeClock()
	tr := New(testConfig(), WithClock(clock.Now))
	fail(tr, "openai", 3)
	fail(tr, "anthropic", 1)
	clock.Advance(10 * time.Second)
	tr.Acquire("openai")

	snap := tr.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "anthropic", snap[0].Provider)
	assert.Equal(t, 1, snap[0].ConsecutiveFailures)
	assert.Equal(t, StateHalfOpen, snap[1].State)

	restored := New(testConfig(), WithClock(clock.Now))
	restored.Restore(snap)
	assert.Equal(t, StateOpen, restored.State("openai"))
	assert.False(t, restored.Eligible("openai"))
	clock.Advance(10 * time.Second)
	assert.True(t, restored.Eligible("openai"))
	assert.Equal(t, StateClosed, restored.State("anthropic"))

	restored.Reset("openai")
	assert.Equal(t, StateClosed, restored.State("openai"))
}

func TestConfigFromRouting(t *testing.T) {
	cfg := ConfigFromRouting(config.BreakerConfig{FailureThreshold: 5, CooldownMs: 1000})

	assert.Equal(t, 5, cfg.FailureThreshold)
	assert.Equal(t, time.Second, cfg.Cooldown)
	assert.Equal(t, time.Minute, cfg.Window)
	assert.Equal(t, time.Second, cfg.MaxCooldown)
	assert.Equal(t, 2.0, cfg.BackoffFactor)
}
