package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fleetdesk/internal/infrastructure/middleware"
	relayhub "fleetdesk/internal/infrastructure/signal"
	"fleetdesk/pkg/config"
	"fleetdesk/pkg/logger"
	"fleetdesk/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var configPaths = []string{
	"configs/config.yaml",
	"/etc/fleetdesk/config.yaml",
	"config.yaml",
}

func loadConfig() (*config.Config, error) {
	if p := os.Getenv("FLEETDESK_CONFIG"); p != "" {
		return config.Load(p)
	}
	for _, path := range configPaths {
		if _, err := os.Stat(path); err == nil {
			return config.Load(path)
		}
	}
	return config.Load(configPaths[0])
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		zap.NewExample().Sugar().Fatalw("failed to load configuration", "error", err)
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "fleetdesk-relay",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	hubCfg := relayhub.DefaultServerConfig()
	hubCfg.PingInterval = cfg.Relay.PingInterval
	hubCfg.PongTimeout = cfg.Relay.PongTimeout
	hubCfg.MaxConnections = cfg.Relay.MaxConnections
	hubCfg.AllowedOrigins = cfg.Relay.AllowedOrigins
	if cfg.RateLimiting.Enabled {
		hubCfg.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		hubCfg.Burst = cfg.RateLimiting.WebSocket.Burst
		if cfg.RateLimiting.WebSocket.MaxMessageSizeBytes > 0 {
			hubCfg.MaxMessageSize = cfg.RateLimiting.WebSocket.MaxMessageSizeBytes
		}
	} else {
		hubCfg.MessagesPerSecond = 0
	}
	hub := relayhub.NewWebSocketServer(hubCfg, log)

	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "fleetdesk",
		Subsystem: "relay",
		Name:      "connections",
		Help:      "Open relay websocket connections",
	}, func() float64 { return float64(hub.ConnectionCount()) })

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log))
	router.GET("/ws", gin.WrapF(hub.HandleWebSocket))
	router.GET("/health", gin.WrapF(hub.HealthCheck))
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	srv := &http.Server{
		Addr:              cfg.Relay.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("Starting fleetdesk relay", "address", cfg.Relay.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Relay.ShutdownTimeout)
	defer cancel()

	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		srv.Close()
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error shutting down tracer", "error", err)
	}
	log.Info("fleetdesk relay stopped")
}
