package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveExecution(t *testing.T) {
	before := testutil.ToFloat64(taskExecutions.WithLabelValues("success"))
	ObserveExecution("success", 120*time.Millisecond)
	after := testutil.ToFloat64(taskExecutions.WithLabelValues("success"))
	if after-before != 1 {
		t.Fatalf("expected counter to grow by 1, got %v", after-before)
	}
}

func TestObserveEnergyIgnoresNonPositive(t *testing.T) {
	before := testutil.ToFloat64(energyAmount.WithLabelValues("debit", "schedule"))
	ObserveEnergy("debit", "schedule", 0)
	ObserveEnergy("debit", "schedule", 15)
	after := testutil.ToFloat64(energyAmount.WithLabelValues("debit", "schedule"))
	if after-before != 15 {
		t.Fatalf("expected 15, got %v", after-before)
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	ObserveScheduleFallback()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "agentcron_schedule_fallbacks_total") {
		t.Fatalf("metrics output missing fallback counter:\n%s", body)
	}
}
