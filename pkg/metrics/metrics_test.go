package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"spotfleet/internal/model"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestSwitchRecorder(t *testing.T) {
	before := counterValue(t, SwitchesCommitted.WithLabelValues("emergency"))

	err := SwitchRecorder{}.OnSwitchCommitted(context.Background(), &model.Switch{
		TriggerType:   model.TriggerEmergency,
		SavingsImpact: -0.2,
	})
	require.NoError(t, err)
	assert.Equal(t, before+1, counterValue(t, SwitchesCommitted.WithLabelValues("emergency")))
}

func TestHandler(t *testing.T) {
	SwitchesCommitted.WithLabelValues("manual").Add(0)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "spotfleet_switches_committed_total"))
}
