package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"livebid/internal/core/services"
	"livebid/internal/infrastructure/distributed"
	"livebid/internal/infrastructure/monitoring"
	signalinfra "livebid/internal/infrastructure/signal"
	"livebid/pkg/circuitbreaker"
	"livebid/pkg/config"
	"livebid/pkg/eventbus"
	"livebid/pkg/logger"
	"livebid/pkg/tracing"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

func main() {
	configPath := flag.String("config", envOr("LIVEBID_CONFIG", "configs/config.yaml"), "path to the YAML configuration")
	flag.Parse()

	// A missing .env is fine; the environment may already be populated.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.New("info").Sugar().Fatalw("failed to load configuration", "path", *configPath, "error", err)
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	identity, err := services.ResolveIdentity(cfg.Identity.UserID, cfg.Identity.DisplayName, cfg.Identity.Token)
	if err != nil {
		log.Fatalw("failed to resolve identity", "error", err)
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "livebid",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
		UserID:      string(identity.UserID),
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := monitoring.NewPrometheusCollector(reg)

	bus := eventbus.New(log.Named("bus"))

	manager := signalinfra.NewManager(signalinfra.Config{
		URL:                  cfg.Signal.URL,
		ConnectTimeout:       cfg.Signal.ConnectTimeout,
		AuthTimeout:          cfg.Signal.AuthTimeout,
		RequestTimeout:       cfg.Signal.RequestTimeout,
		MediaTimeout:         cfg.Signal.MediaTimeout,
		HeartbeatInterval:    cfg.Signal.HeartbeatInterval,
		MaxReconnectAttempts: cfg.Signal.MaxReconnectAttempts,
		ReconnectMinDelay:    cfg.Signal.ReconnectMinDelay,
		ReconnectMaxDelay:    cfg.Signal.ReconnectMaxDelay,
		DedupTTL:             cfg.Signal.DedupTTL,
		MessagesPerSecond:    cfg.Signal.MessagesPerSecond,
		Burst:                cfg.Signal.Burst,
	}, signalinfra.NewWebSocketDialer(cfg.Signal.ReadTimeout, cfg.Signal.WriteTimeout), bus, log.Named("signal"), collector)

	auction := services.NewAuctionService(manager, bus, log.Named("auction"), collector)
	auction.Start()
	defer auction.Stop()

	var media *services.MediaService
	if cfg.Media.Enabled {
		media = newMediaService(cfg, manager, bus, log, collector)
		media.Start()
		defer media.Stop()
	}

	checker := monitoring.NewHealthChecker()
	checker.AddSignalCheck(manager.Health, cfg.Monitoring.HealthCheckInterval)
	checker.AddReadinessCheck(manager.Authenticated)

	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		defer client.Close()
		checker.AddRedisCheck(client, cfg.Monitoring.HealthCheckInterval, 2*time.Second)

		instanceID := cfg.Redis.InstanceID
		if instanceID == "" {
			instanceID = uuid.NewString()
		}
		relay := distributed.NewRelay(client, bus, distributed.RelayConfig{
			Channel:    cfg.Redis.Channel,
			InstanceID: instanceID,
		}, log.Named("relay"))
		relay.Attach()
		defer relay.Detach()
		checker.AddBreakerCheck("relay", func() bool {
			return relay.BreakerState() == circuitbreaker.StateOpen
		}, cfg.Monitoring.HealthCheckInterval)
		go relay.Run(ctx)
		go func() {
			if err := relay.Subscribe(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Warnw("relay subscription ended", "error", err)
			}
		}()
		log.Infow("event relay enabled", "channel", cfg.Redis.Channel, "instance_id", instanceID)
	}
	checker.StartBackgroundChecks(ctx)

	go func() {
		if _, err := manager.Connect(ctx, identity); err != nil {
			log.Warnw("control channel not ready", "user_id", identity.UserID, "error", err)
		}
	}()

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      newRouter(cfg, zapLogger, identity, auction, media, bus, checker, reg),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting livebid", "address", cfg.Server.Address, "user_id", identity.UserID, "media", cfg.Media.Enabled)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		log.Errorw("server failed", "error", err)
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		_ = srv.Close()
	}
	if media != nil {
		media.Cleanup()
	}
	if err := manager.Close(); err != nil {
		log.Warnw("error closing control channel", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("error flushing traces", "error", err)
	}
	log.Info("livebid stopped")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
