package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	body := w.Body.String()
	if len(body) == 0 {
		t.Error("Expected non-empty metrics response")
	}

	// Unlabeled metrics always appear; labeled vectors only after first observation.
	for _, name := range []string{
		"hook0_worker_inflight",
		"hook0_db_open_connections",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("Expected metrics output to contain %s", name)
		}
	}

	RetryScheduledTotal.Inc()

	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/metrics", nil)
	r.ServeHTTP(w, req)
	body = w.Body.String()

	if !strings.Contains(body, "hook0_retry_scheduled_total") {
		t.Error("Expected hook0_retry_scheduled_total after incrementing")
	}
}

func TestDeliveryAttemptsTotal_Labels(t *testing.T) {
	DeliveryAttemptsTotal.WithLabelValues("success").Inc()
	DeliveryAttemptsTotal.WithLabelValues("http_failure").Inc()
	DeliveryAttemptsTotal.WithLabelValues("transport_failure").Inc()
}

func TestFIFOGateBlockedTotal_Labels(t *testing.T) {
	FIFOGateBlockedTotal.WithLabelValues("sub-123").Inc()
}
