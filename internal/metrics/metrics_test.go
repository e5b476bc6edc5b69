package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordDispatchIncrementsCounterAndObservesLatency(t *testing.T) {
	m := New("testkernel_dispatch", "inst-1")

	m.RecordDispatch("strict", 25*time.Millisecond)
	m.RecordDispatch("strict", 10*time.Millisecond)
	m.RecordDispatch("fallback", 5*time.Millisecond)

	if got := testutil.ToFloat64(m.TasksDispatchedTotal.WithLabelValues("strict")); got != 2 {
		t.Fatalf("strict dispatch count = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.TasksDispatchedTotal.WithLabelValues("fallback")); got != 1 {
		t.Fatalf("fallback dispatch count = %v, want 1", got)
	}
}

func TestRecordTaskCompleteTracksTypeAndStatus(t *testing.T) {
	m := New("testkernel_taskcomplete", "inst-1")

	m.RecordTaskComplete("code_review", "success", 2*time.Second)
	m.RecordTaskComplete("code_review", "failed", time.Second)

	if got := testutil.ToFloat64(m.TasksTotal.WithLabelValues("code_review", "success")); got != 1 {
		t.Fatalf("success count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.TasksTotal.WithLabelValues("code_review", "failed")); got != 1 {
		t.Fatalf("failed count = %v, want 1", got)
	}
}

func TestSetQueueDepthAndRecordQueueFull(t *testing.T) {
	m := New("testkernel_queue", "inst-1")

	m.SetQueueDepth(7)
	if got := testutil.ToFloat64(m.QueueDepth); got != 7 {
		t.Fatalf("queue depth = %v, want 7", got)
	}

	m.RecordQueueFull()
	m.RecordQueueFull()
	if got := testutil.ToFloat64(m.QueueFullTotal); got != 2 {
		t.Fatalf("queue full total = %v, want 2", got)
	}
}

func TestSetAgentStateCountsSetsEachLabel(t *testing.T) {
	m := New("testkernel_agentstate", "inst-1")

	m.SetAgentStateCounts(map[string]int{"idle": 3, "busy": 1, "failed": 0})

	if got := testutil.ToFloat64(m.AgentsTotal.WithLabelValues("idle")); got != 3 {
		t.Fatalf("idle count = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.AgentsTotal.WithLabelValues("busy")); got != 1 {
		t.Fatalf("busy count = %v, want 1", got)
	}
}

func TestCircuitBreakerStateAndTrips(t *testing.T) {
	m := New("testkernel_cb", "inst-1")

	m.SetCircuitBreakerState("agent-1", 2)
	if got := testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("agent-1")); got != 2 {
		t.Fatalf("circuit breaker state = %v, want 2", got)
	}

	m.RecordCircuitBreakerTrip("agent-1")
	if got := testutil.ToFloat64(m.CircuitBreakerTrips.WithLabelValues("agent-1")); got != 1 {
		t.Fatalf("trip count = %v, want 1", got)
	}
}

func TestHandlerServesPrometheusExposition(t *testing.T) {
	New("testkernel_handler", "inst-1")

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()

	Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatal("expected non-empty metrics body")
	}
}
