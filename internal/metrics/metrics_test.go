package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SyncRun("manual", "ok", time.Second)
		m.SyncRejected("timer", "rate_limited")
		m.TokenRefresh("ok")
		m.FeedFetch("feed-url", "ok")
		m.ReconcileAborted()
	})
}

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.SyncRun("manual", "ok", 2*time.Second)
	m.SyncRun("manual", "ok", time.Second)
	m.SyncRejected("timer", "rate_limited")
	m.FeedFetch("feed-url", "retryable")
	m.ReconcileAborted()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	text := string(body)
	assert.Contains(t, text, `calsync_sync_runs_total{reason="manual",result="ok"} 2`)
	assert.Contains(t, text, `calsync_sync_rejections_total{reason="timer",refusal="rate_limited"} 1`)
	assert.Contains(t, text, `calsync_feed_fetch_total{result="retryable",type="feed-url"} 1`)
	assert.Contains(t, text, "calsync_reconcile_aborted_total 1")
	assert.Contains(t, text, "calsync_sync_run_duration_seconds_bucket")
}
