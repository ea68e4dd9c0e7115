package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(Middleware())
	router.GET("/api/bulk/jobs/:id", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/api/bulk/jobs/:id", "204"))
	for _, id := range []string{"a", "b"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/bulk/jobs/"+id, nil))
	}
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/api/bulk/jobs/:id", "204"))
	if after-before != 2 {
		t.Fatalf("expected 2 requests recorded, got %v", after-before)
	}
}

func TestJobAndRowCounters(t *testing.T) {
	before := testutil.ToFloat64(jobsTotal.WithLabelValues("STUDENTS", "COMPLETED"))
	JobFinished("STUDENTS", "COMPLETED", 2*time.Second)
	if got := testutil.ToFloat64(jobsTotal.WithLabelValues("STUDENTS", "COMPLETED")); got-before != 1 {
		t.Fatalf("unexpected job counter delta: %v", got-before)
	}

	RowProcessed("USERS", false)
	if got := testutil.ToFloat64(rowsTotal.WithLabelValues("USERS", "failed")); got < 1 {
		t.Fatalf("row counter not incremented: %v", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	RowProcessed("INSTITUTIONS", true)

	router := gin.New()
	router.GET("/metrics", Handler())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "bulk_rows_total") {
		t.Fatal("bulk_rows_total missing from exposition")
	}
}
