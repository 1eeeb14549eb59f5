package telemetry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/maxpert/metascope/cfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T) string {
	t.Helper()
	handler := GetMetricsHandler()
	require.NotNil(t, handler)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestMetricsDisabledAreNoop(t *testing.T) {
	original := cfg.Config
	cfg.Config = cfg.Default()
	cfg.Config.Prometheus.Enabled = false
	registry = nil
	defer func() {
		cfg.Config = original
		registry = nil
	}()

	InitializeTelemetry()
	assert.Nil(t, GetMetricsHandler())

	c := NewCounterVec("noop_total", "noop", []string{"result"})
	assert.NotPanics(t, func() { c.With("hit").Inc() })
}

func TestCollectorPublishesCacheEntries(t *testing.T) {
	original := cfg.Config
	cfg.Config = cfg.Default()
	cfg.Config.NodeID = 9
	defer func() {
		cfg.Config = original
		registry = nil
	}()

	InitializeTelemetry()
	InitMetrics()

	var calls, purges atomic.Int32
	collector := NewMetricsCollector(func(context.Context) (int, int, error) {
		if calls.Add(1) > 1 {
			return 0, 0, errors.New("store closed")
		}
		return 5, 2, nil
	}, func(context.Context) (int64, error) {
		purges.Add(1)
		return 2, nil
	}, 10*time.Millisecond)
	collector.Start()
	require.Eventually(t, func() bool { return calls.Load() > 1 }, time.Second, 5*time.Millisecond)
	collector.Stop()

	// Failed snapshots skip the purge.
	assert.Equal(t, int32(1), purges.Load())

	body := scrape(t)
	assert.True(t, strings.Contains(body, `metascope_cache_entries{node_id="9",state="live"} 3`), body)
	assert.True(t, strings.Contains(body, `metascope_cache_entries{node_id="9",state="expired"} 2`), body)
	assert.True(t, strings.Contains(body, `metascope_cache_purged_total{node_id="9"} 2`), body)
}

func TestCollectorSkipsPurgeWithoutExpiredEntries(t *testing.T) {
	var purges atomic.Int32
	collector := NewMetricsCollector(func(context.Context) (int, int, error) {
		return 4, 0, nil
	}, func(context.Context) (int64, error) {
		purges.Add(1)
		return 0, nil
	}, time.Hour)
	collector.collect()
	assert.Zero(t, purges.Load())
}
