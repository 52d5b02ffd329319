package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstrumentHandler_LabelsByRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(InstrumentHandler)
	r.Get("/api/things/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/api/things/{id}", "418"))
	for _, id := range []string{"a", "b"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/things/"+id, nil))
	}

	after := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/api/things/{id}", "418"))
	assert.Equal(t, 2.0, after-before)
}

func TestRecorders(t *testing.T) {
	beforeGen := testutil.ToFloat64(generations.WithLabelValues(OutcomeProviderError))
	beforeRefund := testutil.ToFloat64(refunds.WithLabelValues("failed"))
	beforePersist := testutil.ToFloat64(persistenceFailures)

	RecordGeneration(OutcomeProviderError)
	RecordRefund(false)
	RecordPersistenceFailure()

	assert.Equal(t, 1.0, testutil.ToFloat64(generations.WithLabelValues(OutcomeProviderError))-beforeGen)
	assert.Equal(t, 1.0, testutil.ToFloat64(refunds.WithLabelValues("failed"))-beforeRefund)
	assert.Equal(t, 1.0, testutil.ToFloat64(persistenceFailures)-beforePersist)
}

func TestHandler_ServesRegistry(t *testing.T) {
	RecordMonthlyReset(true)
	rr := httptest.NewRecorder()

	Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, strings.Contains(rr.Body.String(), "clickmodel_credits_monthly_resets_total"))
}
