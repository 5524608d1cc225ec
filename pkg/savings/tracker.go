// Package savings accumulates what routed calls cost against what the same
// usage would have cost on the direct-API baseline arm.
package savings

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zen-systems/inferroute/pkg/adapter"
	"github.com/zen-systems/inferroute/pkg/dispatch"
	"github.com/zen-systems/inferroute/pkg/router"
)

// Bucket is a per-category or per-provider subtotal.
type Bucket struct {
	Requests        int     `json:"requests"`
	CostUSD         float64 `json:"cost_usd"`
	BaselineCostUSD float64 `json:"baseline_cost_usd"`
	SavingsUSD      float64 `json:"savings_usd"`
}

func (b *Bucket) add(resp *dispatch.Response) {
	b.Requests++
	b.CostUSD += resp.CostUSD
	b.BaselineCostUSD += resp.BaselineCostUSD
	b.SavingsUSD += resp.SavingsUSD
}

// Report is a point-in-time copy of the tracker totals.
type Report struct {
	Since           time.Time         `json:"since"`
	Requests        int               `json:"requests"`
	Failed          int               `json:"failed"`
	Failovers       int               `json:"failovers"`
	CostUSD         float64           `json:"cost_usd"`
	BaselineCostUSD float64           `json:"baseline_cost_usd"`
	SavingsUSD      float64           `json:"savings_usd"`
	Usage           adapter.Usage     `json:"usage"`
	ByCategory      map[string]Bucket `json:"by_category"`
	ByProvider      map[string]Bucket `json:"by_provider"`
}

// Tracker implements dispatch.Observer.
type Tracker struct {
	mu         sync.Mutex
	now        func() time.Time
	since      time.Time
	requests   int
	failed     int
	failovers  int
	total      Bucket
	usage      adapter.Usage
	byCategory map[string]*Bucket
	byProvider map[string]*Bucket
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

// New creates a Tracker whose session starts now.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		now:        time.Now,
		byCategory: make(map[string]*Bucket),
		byProvider: make(map[string]*Bucket),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.since = t.now()
	return t
}

// ObserveAttempt is a no-op; only completed routes are billed.
func (t *Tracker) ObserveAttempt(router.Category, dispatch.Attempt) {}

// ObserveRoute records a finished route.
func (t *Tracker) ObserveRoute(_ *dispatch.Request, resp *dispatch.Response, err error) {
	if err != nil || resp == nil {
		t.mu.Lock()
		t.failed++
		t.mu.Unlock()
		return
	}
	t.Record(resp)
}

// Record adds a successful response to the totals.
func (t *Tracker) Record(resp *dispatch.Response) {
	if resp == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.requests++
	if resp.Failover {
		t.failovers++
	}
	t.total.add(resp)
	t.usage = adapter.Usage{
		PromptTokens:     t.usage.PromptTokens + resp.Usage.PromptTokens,
		CompletionTokens: t.usage.CompletionTokens + resp.Usage.CompletionTokens,
		TotalTokens:      t.usage.TotalTokens + resp.Usage.TotalTokens,
	}
	bucket(t.byCategory, string(resp.Category)).add(resp)
	bucket(t.byProvider, resp.Provider).add(resp)
}

func bucket(m map[string]*Bucket, key string) *Bucket {
	if key == "" {
		key = "unknown"
	}
	b, ok := m[key]
	if !ok {
		b = &Bucket{}
		m[key] = b
	}
	return b
}

// Report returns a copy of the totals.
func (t *Tracker) Report() Report {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := Report{
		Since:           t.since,
		Requests:        t.requests,
		Failed:          t.failed,
		Failovers:       t.failovers,
		CostUSD:         t.total.CostUSD,
		BaselineCostUSD: t.total.BaselineCostUSD,
		SavingsUSD:      t.total.SavingsUSD,
		Usage:           t.usage,
		ByCategory:      make(map[string]Bucket, len(t.byCategory)),
		ByProvider:      make(map[string]Bucket, len(t.byProvider)),
	}
	for k, b := range t.byCategory {
		r.ByCategory[k] = *b
	}
	for k, b := range t.byProvider {
		r.ByProvider[k] = *b
	}
	return r
}

// Summary renders the one-line session summary, for example
// "saved $1.20 across 40 requests ($2.40/hr) | 63% reduction vs direct API".
// The hourly rate is shown once the session is at least six minutes old.
func (t *Tracker) Summary() string {
	r := t.Report()
	parts := []string{fmt.Sprintf("saved $%.2f across %d requests", r.SavingsUSD, r.Requests)}

	if hours := t.now().Sub(r.Since).Hours(); hours > 0.1 {
		parts = append(parts, fmt.Sprintf("($%.2f/hr)", r.SavingsUSD/hours))
	}
	if r.BaselineCostUSD > 0 {
		parts = append(parts, fmt.Sprintf("| %.0f%% reduction vs direct API", r.SavingsUSD/r.BaselineCostUSD*100))
	}
	return strings.Join(parts, " ")
}

// Providers returns provider names ordered by request count, busiest first.
func (r Report) Providers() []string {
	names := make([]string, 0, len(r.ByProvider))
	for name := range r.ByProvider {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := r.ByProvider[names[i]], r.ByProvider[names[j]]
		if a.Requests != b.Requests {
			return a.Requests > b.Requests
		}
		return names[i] < names[j]
	})
	return names
}
