package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fatflowers/chanseller/pkg/response"
)

const probeTimeout = 5 * time.Second

// Probe is one dependency checked by the deep health check.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

type HealthStatus struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

// Healthz handles GET /healthz. With ?deep=1 it also runs every probe and
// answers 503 when one fails.
func Healthz(probes ...Probe) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Query("deep") != "1" {
			c.JSON(http.StatusOK, response.OKT(&HealthStatus{Status: "ok"}))
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), probeTimeout)
		defer cancel()

		res := &HealthStatus{Status: "ok", Components: make(map[string]string, len(probes))}
		var mu sync.Mutex
		var wg sync.WaitGroup
		for _, p := range probes {
			wg.Add(1)
			go func() {
				defer wg.Done()
				state := "ok"
				if err := p.Check(ctx); err != nil {
					state = err.Error()
				}
				mu.Lock()
				defer mu.Unlock()
				res.Components[p.Name] = state
				if state != "ok" {
					res.Status = "degraded"
				}
			}()
		}
		wg.Wait()

		if res.Status != "ok" {
			c.JSON(http.StatusServiceUnavailable, response.ErrorT(response.APIResponseCodeError, res))
			return
		}
		c.JSON(http.StatusOK, response.OKT(res))
	}
}

func RegisterHealthRoutes(r gin.IRouter, probes ...Probe) {
	r.GET("/healthz", Healthz(probes...))
}
