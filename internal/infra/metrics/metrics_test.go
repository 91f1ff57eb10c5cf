package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aiconsole/internal/domain"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.MutationApplied(domain.KindCreateMessageGroup)
	m.MutationApplied(domain.KindCreateMessageGroup)
	m.TurnFinished(domain.ExecutionModeDirector, "done")
	m.TurnFinished("", "rejected")
	m.RenderFailed(domain.ContentAPI)
	m.StreamRestarted("openai")
	m.MessageReceived("mutate")
	m.SlowConsumerDropped()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.MutationsTotal.WithLabelValues(string(domain.KindCreateMessageGroup))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TurnsTotal.WithLabelValues("director", "done")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TurnsTotal.WithLabelValues("none", "rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RenderFailures.WithLabelValues(string(domain.ContentAPI))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StreamRestarts.WithLabelValues("openai")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesTotal.WithLabelValues("mutate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DroppedConnections))
}

func TestMetrics_ConnectionsGauge(t *testing.T) {
	m := New()
	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectionsActive))
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.StreamRestarted("bedrock")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `aiconsole_llm_stream_restarts_total{provider="bedrock"} 1`)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestMetrics_Separate(t *testing.T) {
	a, b := New(), New()
	a.StreamRestarted("openai")
	assert.Zero(t, testutil.ToFloat64(b.StreamRestarts.WithLabelValues("openai")))
}
