// Package server is the HTTP edge: webhook ingest, the operator API, and
// health/metrics endpoints.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/hookline/internal/config"
	entitlementdomain "github.com/smallbiznis/hookline/internal/entitlement/domain"
	"github.com/smallbiznis/hookline/internal/observability"
	obsmiddleware "github.com/smallbiznis/hookline/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/hookline/internal/observability/metrics"
	obstracing "github.com/smallbiznis/hookline/internal/observability/tracing"
	"github.com/smallbiznis/hookline/internal/ratelimit"
	webhookdomain "github.com/smallbiznis/hookline/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger, _ *Server) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server failed", zap.Error(err))
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
	engine         *gin.Engine
	cfg            config.Config
	log            *zap.Logger
	webhookSvc     webhookdomain.Service
	entitlementSvc entitlementdomain.Service
	ingestLimiter  *ratelimit.WebhookIngestLimiter
	obsMetrics     *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin            *gin.Engine
	Cfg            config.Config
	Log            *zap.Logger
	WebhookSvc     webhookdomain.Service
	EntitlementSvc entitlementdomain.Service
	IngestLimiter  *ratelimit.WebhookIngestLimiter `optional:"true"`
	ObsMetrics     *obsmetrics.Metrics             `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:         p.Gin,
		cfg:            p.Cfg,
		log:            p.Log.Named("http.server"),
		webhookSvc:     p.WebhookSvc,
		entitlementSvc: p.EntitlementSvc,
		ingestLimiter:  p.IngestLimiter,
		obsMetrics:     p.ObsMetrics,
	}

	svc.registerWebhookRoutes()
	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhooks/:provider", s.HandleWebhook)
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	api.GET("/events", s.ListEvents)
	api.POST("/events/:id/replay", s.ReplayEvent)
	api.GET("/entitlements/:accountKey", s.GetEntitlement)
	api.POST("/entitlements/:accountKey/refresh", s.RefreshEntitlement)
}
