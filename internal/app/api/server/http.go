package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fatflowers/chanseller/internal/app/api/handlers"
	mw "github.com/fatflowers/chanseller/internal/app/api/middleware"
	"github.com/fatflowers/chanseller/internal/app/service/incident"
	"github.com/fatflowers/chanseller/internal/app/service/ledger"
	"github.com/fatflowers/chanseller/internal/app/service/orchestrator"
	"github.com/fatflowers/chanseller/internal/app/service/statistics"
	"github.com/fatflowers/chanseller/internal/app/service/tasks"
	"github.com/fatflowers/chanseller/internal/platform/cryptopay"
	"github.com/fatflowers/chanseller/internal/platform/db"
	"github.com/fatflowers/chanseller/internal/platform/userbot"
	cfgpkg "github.com/fatflowers/chanseller/pkg/config"
	metrics "github.com/fatflowers/chanseller/pkg/metrics"
)

func newEngine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	// Add request tracing middleware only; request logger & access log are attached per group in registerRoutes
	r.Use(mw.TraceMiddleware())
	return r
}

type routeDeps struct {
	fx.In

	LC           fx.Lifecycle
	Log          *zap.SugaredLogger
	Cfg          *cfgpkg.Config
	DB           *gorm.DB
	Gateway      *cryptopay.Client
	Userbot      *userbot.Client
	Orchestrator *orchestrator.Orchestrator
	Ledger       *ledger.Service
	Statistics   *statistics.Service
	Incidents    *incident.Service
	Tasks        *tasks.Dispatcher
}

func probes(d routeDeps) []handlers.Probe {
	ps := []handlers.Probe{
		{Name: "database", Check: func(ctx context.Context) error { return db.Ping(ctx, d.DB) }},
		{Name: "cryptopay", Check: func(ctx context.Context) error {
			_, err := d.Gateway.GetMe(ctx)
			return err
		}},
	}
	if d.Cfg.Membership.Driver == cfgpkg.MembershipDriverUserbot {
		ps = append(ps, handlers.Probe{Name: "userbot", Check: func(ctx context.Context) error {
			h, err := d.Userbot.Health(ctx)
			if err != nil {
				return err
			}
			if !h.UserbotConnected {
				return errors.New("userbot not connected")
			}
			return nil
		}})
	}
	return ps
}

func registerRoutes(r *gin.Engine, d routeDeps) {
	log, cfg := d.Log, d.Cfg
	// Prometheus metrics
	if cfg.MetricsAddr != "" {
		p := metrics.NewPrometheus(metrics.NewPrometheusOptions{
			Subsystem:     metrics.Subsystem,
			ListenAddress: cfg.MetricsAddr,
			Logger:        log,
		})
		p.Use(r)
		d.LC.Append(fx.Hook{OnStop: p.Shutdown})
		log.Infow("metrics started", "addr", cfg.MetricsAddr)
	}

	pub := r.Group("/")
	pub.Use(mw.RequestLoggerMiddleware(log), mw.AccessLogMiddleware())
	handlers.RegisterHealthRoutes(pub, probes(d)...)

	// The gateway authenticates with the body signature, not a bearer token.
	hooks := r.Group("/api/v1/webhooks")
	hooks.Use(mw.RequestLoggerMiddleware(log), mw.AccessLogMiddleware())
	handlers.RegisterWebhookRoutes(hooks, d.Orchestrator, log)

	apiV1 := r.Group("/api/v1")
	apiV1.Use(mw.RequestLoggerMiddleware(log), mw.AccessLogMiddleware(), mw.AuthMiddleware(cfg.Admin.JWTSecret))
	handlers.RegisterPaymentRoutes(apiV1, d.Orchestrator)
	handlers.RegisterAdminRoutes(apiV1.Group("/admin"), handlers.Admin{
		Ops:        d.Orchestrator,
		Payments:   d.Ledger,
		Statistics: d.Statistics,
		Incidents:  d.Incidents,
		Tasks:      d.Tasks,
	})
}

func runServer(lc fx.Lifecycle, log *zap.SugaredLogger, cfg *cfgpkg.Config, r *gin.Engine) {
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Infow("starting HTTP server", "addr", addr)
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Errorf("server error: %v", err)
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Infow("stopping HTTP server")
			shutdownCtx, cancel := context.WithTimeout(ctx, 120*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

var Module = fx.Options(
	fx.Provide(newEngine),
	fx.Invoke(registerRoutes),
	fx.Invoke(runServer),
)
