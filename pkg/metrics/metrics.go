// Package metrics exposes Prometheus collectors for routing, provider calls
// and breaker state.
package metrics

import (
	"context"
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/zen-systems/inferroute/pkg/dispatch"
	"github.com/zen-systems/inferroute/pkg/health"
	"github.com/zen-systems/inferroute/pkg/router"
)

const namespace = "inferroute"

// Registry holds every inferroute collector. It is served on /metrics.
var Registry = prometheus.NewRegistry()

var (
	requestsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "route",
			Name:      "requests_total",
			Help:      "Count of routed requests by category, provider and result.",
		},
		[]string{"category", "provider", "result"},
	)
	errorsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "route",
			Name:      "errors_total",
			Help:      "Count of routing errors surfaced to callers by kind.",
		},
		[]string{"kind"},
	)
	failoverCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "route",
			Name:      "failovers_total",
			Help:      "Count of requests answered by a retry on a different arm.",
		},
		[]string{"category"},
	)
	costCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "route",
			Name:      "cost_usd_total",
			Help:      "Committed spend in USD.",
		},
		[]string{"category", "provider"},
	)
	baselineCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "route",
			Name:      "baseline_cost_usd_total",
			Help:      "What the same usage would have cost on the baseline arm, in USD.",
		},
		[]string{"category"},
	)
	attemptsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "attempts_total",
			Help:      "Count of provider calls by arm and result.",
		},
		[]string{"provider", "arm", "result"},
	)
	attemptLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "attempt_duration_seconds",
			Help:      "Provider call latency in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30, 60},
		},
		[]string{"provider"},
	)
	rewardHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "bandit",
			Name:      "reward",
			Help:      "Distribution of rewards fed to the bandit.",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		},
		[]string{"category"},
	)
	breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Breaker state per provider: 0 closed, 1 half-open, 2 open.",
		},
		[]string{"provider"},
	)
	breakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "transitions_total",
			Help:      "Count of breaker state changes.",
		},
		[]string{"provider", "from", "to"},
	)
)

var registerMetrics sync.Once

// Register all metrics.
func Register() {
	registerMetrics.Do(func() {
		Registry.MustRegister(
			requestsCounter,
			errorsCounter,
			failoverCounter,
			costCounter,
			baselineCounter,
			attemptsCounter,
			attemptLatency,
			rewardHistogram,
			breakerState,
			breakerTransitions,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

// RecordAttempt records one provider call.
func RecordAttempt(category router.Category, a dispatch.Attempt) {
	result := "success"
	if a.Error != "" {
		result = "failure"
	}
	attemptsCounter.WithLabelValues(a.Provider, a.Arm, result).Inc()
	attemptLatency.WithLabelValues(a.Provider).Observe(a.Latency.Seconds())
	if a.Error == "" {
		rewardHistogram.WithLabelValues(string(category)).Observe(a.Reward)
	}
}

// RecordRoute records a finished route.
func RecordRoute(resp *dispatch.Response, err error) {
	if err != nil {
		errorsCounter.WithLabelValues(errorKind(err)).Inc()
		requestsCounter.WithLabelValues("", "", "error").Inc()
		return
	}
	category := string(resp.Category)
	requestsCounter.WithLabelValues(category, resp.Provider, "success").Inc()
	costCounter.WithLabelValues(category, resp.Provider).Add(resp.CostUSD)
	baselineCounter.WithLabelValues(category).Add(resp.BaselineCostUSD)
	if resp.Failover {
		failoverCounter.WithLabelValues(category).Inc()
	}
}

// RecordTransition is a health.Tracker transition hook.
func RecordTransition(t health.Transition) {
	breakerTransitions.WithLabelValues(t.Provider, string(t.From), string(t.To)).Inc()
	breakerState.WithLabelValues(t.Provider).Set(stateValue(t.To))
}

// SetBreakerStates overwrites the state gauge, for example after a restore.
func SetBreakerStates(states []health.ProviderState) {
	for _, s := range states {
		breakerState.WithLabelValues(s.Provider).Set(stateValue(s.State))
	}
}

func errorKind(err error) string {
	if kind := dispatch.KindOf(err); kind != "" {
		return string(kind)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "canceled"
	}
	return "internal"
}

func stateValue(s health.State) float64 {
	switch s {
	case health.StateHalfOpen:
		return 1
	case health.StateOpen:
		return 2
	default:
		return 0
	}
}

// Observer feeds dispatcher events into the collectors.
type Observer struct{}

func (Observer) ObserveAttempt(category router.Category, a dispatch.Attempt) {
	RecordAttempt(category, a)
}

func (Observer) ObserveRoute(_ *dispatch.Request, resp *dispatch.Response, err error) {
	RecordRoute(resp, err)
}
