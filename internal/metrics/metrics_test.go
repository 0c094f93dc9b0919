// ABOUTME: Tests that the recorder maps resilience events onto Prometheus series.
// ABOUTME: Uses client_golang's testutil to read counter and gauge values.

package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/2389/concierge/internal/resilience"
)

func TestRecorder_ObserveOutcome(t *testing.T) {
	before := testutil.ToFloat64(DependencyCalls.WithLabelValues("test-dep", "timeout"))
	retries := testutil.ToFloat64(DependencyRetries.WithLabelValues("test-dep"))

	Recorder{}.ObserveOutcome(resilience.Outcome{
		Dependency: "test-dep",
		Kind:       "timeout",
		Attempts:   3,
		Latency:    time.Second,
	})

	assert.Equal(t, before+1, testutil.ToFloat64(DependencyCalls.WithLabelValues("test-dep", "timeout")))
	assert.Equal(t, retries+2, testutil.ToFloat64(DependencyRetries.WithLabelValues("test-dep")))
}

func TestRecorder_ObserveState(t *testing.T) {
	Recorder{}.ObserveState("test-circuit", resilience.StateClosed, resilience.StateOpen)
	assert.Equal(t, 1.0, testutil.ToFloat64(CircuitState.WithLabelValues("test-circuit")))

	Recorder{}.ObserveState("test-circuit", resilience.StateOpen, resilience.StateHalfOpen)
	assert.Equal(t, 2.0, testutil.ToFloat64(CircuitState.WithLabelValues("test-circuit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(CircuitTransitions.WithLabelValues("test-circuit", "half_open")))
}

func TestObserveHelpers(t *testing.T) {
	before := testutil.ToFloat64(MessagesProcessed.WithLabelValues("failed", "delivery"))
	ObserveMessage("failed", "delivery", 2*time.Second)
	assert.Equal(t, before+1, testutil.ToFloat64(MessagesProcessed.WithLabelValues("failed", "delivery")))

	refreshFail := testutil.ToFloat64(CredentialRefreshes.WithLabelValues("failure"))
	ObserveRefresh(errors.New("boom"))
	assert.Equal(t, refreshFail+1, testutil.ToFloat64(CredentialRefreshes.WithLabelValues("failure")))

	fb := testutil.ToFloat64(IntentRoutes.WithLabelValues("generic", "true"))
	ObserveRoute("generic", true)
	assert.Equal(t, fb+1, testutil.ToFloat64(IntentRoutes.WithLabelValues("generic", "true")))

	ObserveLockWait(10*time.Millisecond, nil)
}
