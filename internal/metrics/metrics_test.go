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

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveRequest("customers", "ok")
		m.RetryScheduled("registration", "bounded")
		m.RetryAbandoned("registration")
		m.GateOpened("user_registered")
		m.ReceiptCoalesced()
	})
}

func TestCounters(t *testing.T) {
	m := New()

	m.ObserveRequest("customers", "ok")
	m.ObserveRequest("customers", "ok")
	m.RetryScheduled("registration", "connectivity")
	m.GateOpened("user_registered")
	m.ReceiptCoalesced()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Requests.WithLabelValues("customers", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RetriesScheduled.WithLabelValues("registration", "connectivity")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GatesOpened.WithLabelValues("user_registered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReceiptsCoalesced))
}

func TestHandler(t *testing.T) {
	m := New()
	m.GateOpened("user_registered")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `subsync_gates_opened_total{gate="user_registered"} 1`))
}
