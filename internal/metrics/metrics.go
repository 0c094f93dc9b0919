// ABOUTME: Prometheus collectors for dependency calls, circuits, messages, and locks.
// ABOUTME: Recorder adapts resilience outcomes and circuit transitions onto these series.

package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/2389/concierge/internal/resilience"
)

var (
	DependencyCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_dependency_calls_total",
			Help: "Guarded dependency invocations by outcome kind",
		},
		[]string{"dependency", "kind"},
	)

	DependencyDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "concierge_dependency_call_duration_seconds",
			Help:    "Latency of guarded dependency invocations including retries",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"dependency"},
	)

	DependencyRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_dependency_retries_total",
			Help: "Retry attempts beyond the first per dependency",
		},
		[]string{"dependency"},
	)

	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "concierge_circuit_state",
			Help: "Circuit state per dependency (0 closed, 1 open, 2 half_open)",
		},
		[]string{"dependency"},
	)

	CircuitTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_circuit_transitions_total",
			Help: "Circuit state transitions per dependency",
		},
		[]string{"dependency", "to"},
	)

	MessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_messages_total",
			Help: "Inbound messages by processing outcome",
		},
		[]string{"outcome", "reason"},
	)

	MessageDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "concierge_message_duration_seconds",
			Help:    "End-to-end processing time per inbound message",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	LockWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "concierge_lock_wait_seconds",
			Help:    "Time spent acquiring conversation locks",
			Buckets: []float64{.001, .01, .05, .1, .5, 1, 2.5, 5},
		},
		[]string{"acquired"},
	)

	IntentRoutes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_intent_routes_total",
			Help: "Routing decisions by intent and whether the fallback handled them",
		},
		[]string{"intent", "fallback"},
	)

	CredentialRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_credential_refreshes_total",
			Help: "Backend credential refresh attempts by result",
		},
		[]string{"result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "concierge_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 15, 30},
		},
		[]string{"method", "path"},
	)
)

// Recorder feeds resilience outcomes and circuit transitions into the
// collectors above. It implements resilience.Observer and
// resilience.StateObserver.
type Recorder struct{}

func (Recorder) ObserveOutcome(o resilience.Outcome) {
	DependencyCalls.WithLabelValues(o.Dependency, o.Kind).Inc()
	DependencyDuration.WithLabelValues(o.Dependency).Observe(o.Latency.Seconds())
	if o.Attempts > 1 {
		DependencyRetries.WithLabelValues(o.Dependency).Add(float64(o.Attempts - 1))
	}
}

func (Recorder) ObserveState(dependency string, _, to resilience.State) {
	CircuitState.WithLabelValues(dependency).Set(float64(to))
	CircuitTransitions.WithLabelValues(dependency, to.String()).Inc()
}

// ObserveMessage records one processed message.
func ObserveMessage(outcome, reason string, elapsed time.Duration) {
	MessagesProcessed.WithLabelValues(outcome, reason).Inc()
	MessageDuration.Observe(elapsed.Seconds())
}

// ObserveLockWait records time spent acquiring a conversation lock.
func ObserveLockWait(wait time.Duration, err error) {
	LockWait.WithLabelValues(strconv.FormatBool(err == nil)).Observe(wait.Seconds())
}

// ObserveRoute records a routing decision.
func ObserveRoute(intent string, fallback bool) {
	IntentRoutes.WithLabelValues(intent, strconv.FormatBool(fallback)).Inc()
}

// ObserveRefresh records a credential refresh attempt.
func ObserveRefresh(err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	CredentialRefreshes.WithLabelValues(result).Inc()
}
