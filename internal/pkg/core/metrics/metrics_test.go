package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/unbasical/airborne/pkg/events"
)

func TestEventSink(t *testing.T) {
	before := testutil.ToFloat64(EventsCounter.WithLabelValues("APPLY_SUCCESS"))
	if err := (EventSink{}).Track(events.New(events.ApplySuccess, nil)); err != nil {
		t.Fatal(err)
	}
	after := testutil.ToFloat64(EventsCounter.WithLabelValues("APPLY_SUCCESS"))
	if after != before+1 {
		t.Errorf("expected counter to increase by one, got %v -> %v", before, after)
	}
}

func TestObserveSession(t *testing.T) {
	before := testutil.ToFloat64(UpdateSessionsCounter.WithLabelValues("updated"))
	ObserveSession("updated", 20*time.Millisecond)
	if got := testutil.ToFloat64(UpdateSessionsCounter.WithLabelValues("updated")); got != before+1 {
		t.Errorf("expected %v, got %v", before+1, got)
	}
}

func TestPrometheusMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(PrometheusMiddleware())
	r.GET("/api/v1/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	labels := []string{"200", http.MethodGet, "/api/v1/ping"}
	before := testutil.ToFloat64(HttpRequestsTotal.WithLabelValues(labels...))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/ping", nil))
	if got := testutil.ToFloat64(HttpRequestsTotal.WithLabelValues(labels...)); got != before+1 {
		t.Errorf("expected %v, got %v", before+1, got)
	}
}
