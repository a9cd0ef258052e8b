package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		var sum float64
		for _, m := range mf.GetMetric() {
			sum += m.GetCounter().GetValue()
		}
		return sum
	}
	return 0
}

func TestNewBusiness_ReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := NewBusiness(reg)
	b := NewBusiness(reg)

	a.Incidents.WithLabelValues("membership_remove_failed").Inc()
	b.Incidents.WithLabelValues("membership_remove_failed").Inc()

	require.Equal(t, float64(2), counterValue(t, reg, "chanseller_operator_incident_total"))
}

func TestPrometheus_MiddlewareCountsRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reg := prometheus.NewRegistry()
	p := NewPrometheus(NewPrometheusOptions{
		Subsystem:  "test",
		Registerer: reg,
		Gatherer:   reg,
	})

	r := gin.New()
	p.Use(r)
	r.GET("/ping/:id", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	for _, id := range []string{"1", "2"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping/"+id, nil))
		require.Equal(t, http.StatusOK, w.Code)
	}
	require.Equal(t, float64(2), counterValue(t, reg, "test_req_total"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `test_req_total{code="200",method="GET",url="/ping/:id"} 2`)
}
