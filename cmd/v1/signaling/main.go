// Command signaling runs the huddle signaling server: a websocket front
// door for conference participants, backed by an in-process SFU media
// engine. It exposes Prometheus metrics and kubernetes health probes on
// the same listener.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/huddlelabs/huddle/internal/v1/config"
	"github.com/huddlelabs/huddle/internal/v1/health"
	"github.com/huddlelabs/huddle/internal/v1/logging"
	"github.com/huddlelabs/huddle/internal/v1/middleware"
	"github.com/huddlelabs/huddle/internal/v1/ratelimit"
	"github.com/huddlelabs/huddle/internal/v1/sfu"
	"github.com/huddlelabs/huddle/internal/v1/tracing"
	"github.com/huddlelabs/huddle/internal/v1/transport"
)

const (
	serviceName     = "huddle-signaling"
	shutdownTimeout = 30 * time.Second
)

func main() {
	// Try a few likely locations so the binary works from the repo root,
	// from cmd/v1/signaling, and inside the container image.
	envPaths := []string{".env", "../../../.env", "../../.env"}
	loaded := false
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment file", "path", path)
			loaded = true
			break
		}
	}
	if !loaded {
		slog.Info("No .env file found, using process environment")
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	defer logging.Sync()

	ctx := context.Background()

	if cfg.OTLPEndpoint != "" {
		tp, err := tracing.InitTracer(ctx, serviceName, cfg.OTLPEndpoint)
		if err != nil {
			logging.Fatal(ctx, "Failed to initialize tracing", zap.Error(err))
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				logging.Error(shutdownCtx, "Tracer shutdown failed", zap.Error(err))
			}
		}()
	}

	engine := sfu.New(sfu.Options{
		MinPort:     uint16(cfg.RTCMinPort),
		MaxPort:     uint16(cfg.RTCMaxPort),
		AnnouncedIP: cfg.AnnouncedIP,
	})
	if err := engine.Init(ctx); err != nil {
		logging.Fatal(ctx, "Failed to start media engine", zap.Error(err))
	}
	go func() {
		// The engine reports unrecoverable worker failures here. Media is
		// the whole point of the service, so fail fast and let the
		// orchestrator restart us. The short pause gives the error time to
		// reach log sinks and an in-flight metrics scrape before exit.
		if err := <-engine.Fatal(); err != nil {
			logging.Error(ctx, "Media engine failed, exiting", zap.Error(err))
			logging.Sync()
			time.Sleep(2 * time.Second)
			os.Exit(1)
		}
	}()

	limiter, err := ratelimit.New(cfg)
	if err != nil {
		logging.Fatal(ctx, "Failed to build rate limiter", zap.Error(err))
	}

	hub := transport.NewHub(engine, limiter)

	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(cors.Default())
	if cfg.OTLPEndpoint != "" {
		router.Use(otelgin.Middleware(serviceName))
	}

	router.GET("/ws", hub.ServeWs)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	healthHandler := health.NewHandler(engine)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    cfg.BindAddress + ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "Signaling server listening",
			zap.String("addr", srv.Addr),
			zap.String("environment", cfg.Environment))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "HTTP server failed", zap.Error(err))
			// Route the failure through the normal shutdown path below.
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Sessions first so every participant gets a close frame, then the
	// listener, then the media engine under everything.
	hub.Shutdown(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(shutdownCtx, "HTTP server shutdown failed", zap.Error(err))
	}
	if err := engine.Shutdown(shutdownCtx); err != nil {
		logging.Error(shutdownCtx, "Media engine shutdown failed", zap.Error(err))
	}

	logging.Info(ctx, "Server exiting")
}
