package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.GenerationStarted()
		m.GenerationFinished("completed")
		m.FragmentApplied()
		m.FragmentDropped()
		m.ModelRequest("chat", "ok")
		m.TitleInference("applied")
		m.PersistenceError("append")
	})
	assert.Nil(t, m.Registry())
}

func TestGenerationLifecycle(t *testing.T) {
	m := New()

	m.GenerationStarted()
	m.GenerationStarted()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.generationsActive))

	m.GenerationFinished("completed")
	m.GenerationFinished("canceled")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.generationsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.generations.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.generations.WithLabelValues("canceled")))
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.ModelRequest("chat_stream", "ok")
	m.FragmentApplied()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `ollamachat_model_requests_total{endpoint="chat_stream",result="ok"} 1`))
	assert.True(t, strings.Contains(body, "ollamachat_fragments_total 1"))
}
