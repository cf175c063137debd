package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestJobFinished(t *testing.T) {
	before := testutil.ToFloat64(jobsFinishedTotal.WithLabelValues("2", "FAILED"))
	JobFinished(2, "FAILED", 90*time.Second)
	after := testutil.ToFloat64(jobsFinishedTotal.WithLabelValues("2", "FAILED"))
	assert.Equal(t, before+1, after)
}

func TestDriveGauge(t *testing.T) {
	before := testutil.ToFloat64(activeWorkflows)
	DriveStarted()
	assert.Equal(t, before+1, testutil.ToFloat64(activeWorkflows))
	DriveFinished()
	assert.Equal(t, before, testutil.ToFloat64(activeWorkflows))
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/workflows/{workflowID}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("418", "GET", "/workflows/{workflowID}"))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/workflows/wf-1", nil))
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("418", "GET", "/workflows/{workflowID}"))
	assert.Equal(t, before+1, after)
}
