// Package server exposes the licensing HTTP surface: validation,
// license administration, webhook ingestion and the tool-dispatch check.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/clock"
	"github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/config"
	entitlementdomain "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/entitlement/domain"
	licensedomain "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/license/domain"
	machinedomain "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/machine/domain"
	"github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/ratelimit"
	usagedomain "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/usage/domain"
	"github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/webhook"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(log))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
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
	engine         *gin.Engine
	cfg            config.Config
	log            *zap.Logger
	clock          clock.Clock
	licensesvc     licensedomain.Service
	entitlementsvc entitlementdomain.Service
	machinesvc     machinedomain.Service
	usagesvc       usagedomain.Service
	reconciler     *webhook.Reconciler
	limiter        *ratelimit.ValidateLimiter
}

type ServerParams struct {
	fx.In

	Gin            *gin.Engine
	Cfg            config.Config
	Log            *zap.Logger
	Clock          clock.Clock
	Licensesvc     licensedomain.Service
	Entitlementsvc entitlementdomain.Service
	Machinesvc     machinedomain.Service
	Usagesvc       usagedomain.Service
	Reconciler     *webhook.Reconciler
	Limiter        *ratelimit.ValidateLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:         p.Gin,
		cfg:            p.Cfg,
		log:            p.Log.Named("server"),
		clock:          p.Clock,
		licensesvc:     p.Licensesvc,
		entitlementsvc: p.Entitlementsvc,
		machinesvc:     p.Machinesvc,
		usagesvc:       p.Usagesvc,
		reconciler:     p.Reconciler,
		limiter:        p.Limiter,
	}

	svc.registerRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerRoutes() {
	v1 := s.engine.Group("/v1")

	// -------- Licenses --------
	v1.POST("/licenses/validate", s.ValidateRateLimit(), s.ValidateLicense)
	v1.POST("/licenses/generate", s.GenerateLicense)
	v1.POST("/licenses/:key/revoke", s.RevokeLicense)

	// -------- Usage / Machines --------
	v1.GET("/licenses/:key/usage", s.GetLicenseUsage)
	v1.GET("/licenses/:key/machines", s.ListMachines)
	v1.DELETE("/licenses/:key/machines/:fingerprint", s.DeactivateMachine)

	// -------- Billing Webhooks --------
	v1.POST("/webhooks/:provider", s.HandleBillingWebhook)

	// -------- Tool Dispatch --------
	v1.POST("/check", s.CheckTool)
	v1.POST("/usage", s.RecordToolUsage)
}
