// Package server exposes the billing engine over HTTP: the payment webhook
// sink, admin credit management and the gated tool endpoints.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/doodleops/platform/internal/config"
	"github.com/doodleops/platform/internal/costgate"
	creditservice "github.com/doodleops/platform/internal/credit/service"
	obsmetrics "github.com/doodleops/platform/internal/observability/metrics"
	reconcilerservice "github.com/doodleops/platform/internal/reconciler/service"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(log *zap.Logger, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(log))
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(log *zap.Logger, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(log, httpMetrics)
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine     *gin.Engine
	cfg        config.Config
	guard      *costgate.Guard
	credits    *creditservice.Service
	reconciler *reconcilerservice.Service
	pricing    *config.PricingConfigHolder
	tools      ToolRunner
	log        *zap.Logger
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	Guard      *costgate.Guard
	Credits    *creditservice.Service
	Reconciler *reconcilerservice.Service
	Pricing    *config.PricingConfigHolder
	Log        *zap.Logger
	Tools      ToolRunner `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		guard:      p.Guard,
		credits:    p.Credits,
		reconciler: p.Reconciler,
		pricing:    p.Pricing,
		tools:      p.Tools,
		log:        p.Log.Named("http.server"),
	}

	svc.registerWebhookRoutes()
	svc.registerAdminRoutes()
	svc.registerBilledRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhooks/stripe", s.HandleStripeWebhook)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin")

	admin.POST("/users/:id/credits", s.AddCredits)
	admin.DELETE("/users/:id/credits", s.RemoveCredits)
	admin.GET("/users/:id/balance", s.GetBalance)
}

// registerBilledRoutes mounts one route per priced endpoint. The route set
// is fixed at boot; per-call costs still follow the hot-reloaded pricing
// file because the gate reads the cost at request time.
func (s *Server) registerBilledRoutes() {
	v1 := s.engine.Group("/v1", s.UserIdentity())

	for endpoint := range s.pricing.Get().EndpointCosts {
		v1.POST("/tools/"+endpoint, s.guard.Billed(endpoint), s.runTool(endpoint))
	}
}
