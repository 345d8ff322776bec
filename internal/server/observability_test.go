package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"

	"github.com/nainya/fhirstore/internal/logger"
	"github.com/nainya/fhirstore/internal/metrics"
)

func prometheusRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestObservabilityEndpoints(t *testing.T) {
	m := metrics.NewMetricsWith(prometheusRegistry())
	m.RecordRequest("http", "GET", "200", 5*time.Millisecond)
	o := NewObservabilityServer(0, m, logger.Nop())
	h := o.Handler()

	w := get(h, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "fhirstore")

	w = get(h, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	o.SetReady(true)
	w = get(h, "/ready")
	assert.Equal(t, http.StatusOK, w.Code)

	w = get(h, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "fhirstore_requests_total")
}
