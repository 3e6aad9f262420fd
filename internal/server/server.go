package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	billingdomain "github.com/smallbiznis/inkpress/internal/billing/domain"
	"github.com/smallbiznis/inkpress/internal/config"
	"github.com/smallbiznis/inkpress/internal/observability"
	obslogger "github.com/smallbiznis/inkpress/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/inkpress/internal/observability/metrics"
	obstracing "github.com/smallbiznis/inkpress/internal/observability/tracing"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const defaultMaxBodyBytes int64 = 64 << 10

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(NewServer),
	fx.Invoke(func(*Server) {}),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:      obsCfg.Debug(),
		OutcomeKey: outcomeKey,
	}))
	r.Use(obstracing.GinMiddleware(obstracing.MiddlewareConfig{OutcomeKey: outcomeKey}))
	r.Use(httpMetrics.GinMiddleware())
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

type Params struct {
	fx.In

	Engine  *gin.Engine
	Config  config.Config
	Log     *zap.Logger
	Billing billingdomain.Service
}

type Server struct {
	engine       *gin.Engine
	log          *zap.Logger
	billing      billingdomain.Service
	maxBodyBytes int64
}

func NewServer(p Params) *Server {
	maxBody := p.Config.WebhookMaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	s := &Server{
		engine:       p.Engine,
		log:          p.Log.Named("http.server"),
		billing:      p.Billing,
		maxBodyBytes: maxBody,
	}
	s.RegisterRoutes()
	return s
}

func (s *Server) RegisterRoutes() {
	webhooks := s.engine.Group("/webhooks")
	webhooks.POST("/stripe", s.HandleStripeWebhook)
}

func run(lc fx.Lifecycle, shutdowner fx.Shutdowner, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return err
			}
			log.Info("http server listening", zap.String("addr", ln.Addr().String()))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("http server stopped", zap.Error(err))
					_ = shutdowner.Shutdown(fx.ExitCode(1))
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
