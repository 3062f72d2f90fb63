package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/maxpert/batchapply/cfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsAreNoopsUntilInitialized(t *testing.T) {
	require.Nil(t, registry)
	assert.Nil(t, GetMetricsHandler())
	assert.Equal(t, NoopStat{}, NewCounter("c", "c"))
	assert.Equal(t, noopGaugeVec{}, NewGaugeVec("g", "g", []string{"l"}))

	NotificationsTotal.With("kafka", "published").Inc()
	StoreDepth.With("q").Set(3)
	LoadPhaseSeconds.With("apply").Observe(0.1)
}

func TestInitializeTelemetry(t *testing.T) {
	enabled, service := cfg.Config.Prometheus.Enabled, cfg.Config.Service
	cfg.Config.Prometheus.Enabled = true
	cfg.Config.Service = "orders"
	defer func() {
		cfg.Config.Prometheus.Enabled, cfg.Config.Service = enabled, service
		registry = nil
	}()

	InitializeTelemetry()
	require.NotNil(t, registry)

	NotificationsTotal.With("kafka", "published").Inc()
	TxnsCommittedTotal.Inc()

	rec := httptest.NewRecorder()
	GetMetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `batchapply_notifications_total{`), body)
	assert.Contains(t, body, `service="orders"`)
}
