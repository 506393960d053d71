package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fleetdesk/internal/core/services"
	httphandlers "fleetdesk/internal/handlers/http"
	"fleetdesk/internal/infrastructure/monitoring"
	"fleetdesk/internal/infrastructure/repositories"
	signalinginfra "fleetdesk/internal/infrastructure/signaling"
	"fleetdesk/internal/infrastructure/storage"
	webrtcinfra "fleetdesk/internal/infrastructure/webrtc"
	"fleetdesk/pkg/config"
	"fleetdesk/pkg/logger"
	"fleetdesk/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// configPaths are tried in order; FLEETDESK_CONFIG takes precedence.
var configPaths = []string{
	"configs/config.yaml",
	"/etc/fleetdesk/config.yaml",
	"config.yaml",
}

func loadConfig() (*config.Config, string, error) {
	paths := configPaths
	if p := os.Getenv("FLEETDESK_CONFIG"); p != "" {
		paths = []string{p}
	}
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			cfg, err := config.Load(path)
			return cfg, path, err
		}
	}
	cfg, err := config.Load(paths[0])
	return cfg, "", err
}

func webrtcConfig(cfg *config.Config) webrtcinfra.Config {
	wcfg := webrtcinfra.DefaultConfig()
	if len(cfg.WebRTC.ICEServers) > 0 {
		wcfg.ICEServers = wcfg.ICEServers[:0]
		for _, s := range cfg.WebRTC.ICEServers {
			wcfg.ICEServers = append(wcfg.ICEServers, webrtc.ICEServer{
				URLs:       s.URLs,
				Username:   s.Username,
				Credential: s.Credential,
			})
		}
	}
	wcfg.PortRange.Min = cfg.WebRTC.PortRange.Min
	wcfg.PortRange.Max = cfg.WebRTC.PortRange.Max
	wcfg.WaitForGathering = cfg.WebRTC.WaitForGathering
	wcfg.NegotiationTimeout = cfg.WebRTC.NegotiationTimeout
	wcfg.PLIInterval = cfg.WebRTC.PLIInterval
	return wcfg
}

func main() {
	cfg, path, err := loadConfig()
	if err != nil {
		// logger level comes from config, so fall back to stderr once
		zap.NewExample().Sugar().Fatalw("failed to load configuration", "error", err)
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()
	if path != "" {
		log.Infow("Loaded config", "path", path)
	} else {
		log.Info("No config file found, using defaults")
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "fleetdesk-operator",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	factory, err := repositories.NewFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}
	store := factory.CreateStore()

	dialCtx, dialCancel := context.WithTimeout(ctx, 15*time.Second)
	relay, err := factory.CreateRelay(dialCtx)
	dialCancel()
	if err != nil {
		log.Fatalw("failed to connect relay", "driver", cfg.Relay.Driver, "error", err)
	}

	metrics := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)

	resolver, err := storage.NewPublicURLResolver(cfg.Storage.BaseURL, cfg.Storage.Prefix)
	if err != nil {
		log.Fatalw("invalid storage configuration", "error", err)
	}

	liveness := services.NewLivenessTracker(cfg.Liveness.OnlineThreshold, cfg.Liveness.PollInterval)
	dispatcher := services.NewCommandDispatcher(store, store, metrics, cfg.Commands.Timeout, log)
	artifacts := services.NewArtifactService(store, resolver, log)
	settings := services.NewSettingsService(store, log)
	monitors := services.NewMonitorRegistry(services.MonitorDeps{
		Store:     store,
		Commands:  dispatcher,
		Artifacts: artifacts,
		Liveness:  liveness,
		Logger:    log,
	}, nil)

	signalingFactory, err := signalinginfra.NewFactory(cfg.Signaling.Transport, store, relay, cfg.Signaling.OperatorID, metrics, log)
	if err != nil {
		log.Fatalw("failed to create signaling", "transport", cfg.Signaling.Transport, "error", err)
	}

	wcfg := webrtcConfig(cfg)
	peerFactory, err := webrtcinfra.NewPeerFactory(wcfg)
	if err != nil {
		log.Fatalw("failed to create peer factory", "error", err)
	}
	sessions := webrtcinfra.NewSessionManager(webrtcinfra.ManagerDeps{
		Config:       wcfg,
		NewPeer:      peerFactory,
		Signaling:    signalingFactory,
		Relay:        relay,
		ControlQueue: cfg.Control.QueueSize,
		Observer:     monitors.NotifySession,
		Metrics:      metrics,
		Logger:       log,
	})
	monitors.SetSessions(sessions)

	health := monitoring.NewHealthChecker()
	health.AddStoreCheck(store, cfg.Monitoring.HealthCheckInterval, cfg.Monitoring.HealthCheckTimeout)
	health.AddRelayCheck(relay, cfg.Monitoring.HealthCheckInterval, cfg.Monitoring.HealthCheckTimeout)
	if client := factory.RedisClient(); client != nil {
		health.AddRedisCheck(client, cfg.Monitoring.HealthCheckInterval, cfg.Monitoring.HealthCheckTimeout)
	}
	health.StartBackgroundChecks(ctx, func(name string, err error) {
		log.Warnw("Health check failed", "check", name, "error", err)
	})

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	var metricsHandler http.Handler
	if cfg.Monitoring.PrometheusEnabled {
		metricsHandler = promhttp.Handler()
		log.Info("Prometheus metrics enabled")
	}
	router := httphandlers.NewRouter(httphandlers.RouterDeps{
		Config: cfg,
		Agents: httphandlers.NewAgentHandler(
			services.NewAgentDirectory(store, liveness),
			monitors,
			settings,
			dispatcher,
			artifacts,
			log,
		),
		Sessions: httphandlers.NewSessionHandler(sessions, log),
		Health:   health,
		Metrics:  metricsHandler,
		Logger:   zapLogger,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("Starting fleetdesk operator",
			"address", cfg.Server.Address,
			"signaling", cfg.Signaling.Transport,
			"relay", cfg.Relay.Driver,
			"store", cfg.Store.Driver,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		log.Errorw("Server failed", "error", err)
	case <-ctx.Done():
		log.Info("Received shutdown signal")
	}

	log.Info("Shutting down fleetdesk operator...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	}

	// sessions first: their teardown still talks to signaling and the relay
	sessions.Close()
	monitors.CloseAll()
	if err := dispatcher.Close(); err != nil {
		log.Errorw("Error closing command dispatcher", "error", err)
	}
	if err := relay.Close(); err != nil {
		log.Errorw("Error closing relay", "error", err)
	}
	if err := store.Close(); err != nil {
		log.Errorw("Error closing store", "error", err)
	}
	if err := factory.Close(); err != nil {
		log.Errorw("Error closing repository factory", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error shutting down tracing", "error", err)
	}

	log.Info("fleetdesk operator stopped")
}
