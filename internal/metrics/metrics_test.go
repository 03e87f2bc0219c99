package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveWebhook("accepted")
		m.ObserveEvent("dm")
		m.ObserveDispatch("story_reply", "sent")
		m.ObserveJob("sync_crm", "succeeded")
		m.SetQueueDepth(3)
	})
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.ObserveWebhook("accepted")
	m.ObserveWebhook("forbidden")
	m.ObserveEvent("story_reply")
	m.ObserveDispatch("story_reply", "sent")
	m.ObserveJob("enrich_profile", "succeeded")
	m.SetQueueDepth(7)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	out := string(body)

	for _, want := range []string{
		`replyd_webhook_requests_total{result="accepted"} 1`,
		`replyd_webhook_requests_total{result="forbidden"} 1`,
		`replyd_events_total{kind="story_reply"} 1`,
		`replyd_dispatch_total{action="story_reply",outcome="sent"} 1`,
		`replyd_jobs_total{status="succeeded",task="enrich_profile"} 1`,
		`replyd_queue_depth 7`,
		`go_goroutines`,
	} {
		assert.True(t, strings.Contains(out, want), "missing %q", want)
	}
}
