package main

import (
	"livebid/internal/core/domain"
	"livebid/internal/core/ports"
	"livebid/internal/core/services"
	httphandlers "livebid/internal/handlers/http"
	"livebid/internal/infrastructure/middleware"
	"livebid/internal/infrastructure/monitoring"
	signalinfra "livebid/internal/infrastructure/signal"
	webrtcinfra "livebid/internal/infrastructure/webrtc"
	"livebid/pkg/config"
	"livebid/pkg/eventbus"
	"livebid/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func newMediaService(cfg *config.Config, manager *signalinfra.Manager, bus *eventbus.Bus, log *zap.SugaredLogger, collector *monitoring.PrometheusCollector) *services.MediaService {
	var device webrtcinfra.Config
	for _, s := range cfg.WebRTC.ICEServers {
		device.ICEServers = append(device.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	device.PortRange.Min = cfg.WebRTC.PortRange.Min
	device.PortRange.Max = cfg.WebRTC.PortRange.Max

	// Without ingest addresses the client only consumes.
	var source ports.MediaSource
	if cfg.Media.Ingest.AudioAddr != "" || cfg.Media.Ingest.VideoAddr != "" {
		source = webrtcinfra.NewIngestSource(webrtcinfra.IngestConfig{
			AudioAddr: cfg.Media.Ingest.AudioAddr,
			VideoAddr: cfg.Media.Ingest.VideoAddr,
		}, log.Named("ingest"))
	}

	return services.NewMediaService(
		manager,
		webrtcinfra.NewDevice(device, log.Named("device")),
		source,
		services.NewQualityService(),
		bus,
		log.Named("media"),
		collector,
		services.MediaConfig{
			CapabilityRetries: cfg.Media.CapabilityRetries,
			CapabilityBackoff: cfg.Media.CapabilityBackoff,
			SampleInterval:    cfg.Media.SampleInterval,
		},
	)
}

func newRouter(
	cfg *config.Config,
	zapLogger *zap.Logger,
	identity domain.Identity,
	auction *services.AuctionService,
	media *services.MediaService,
	bus *eventbus.Bus,
	checker *monitoring.HealthChecker,
	reg *prometheus.Registry,
) *gin.Engine {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	log := zapLogger.Sugar().Named("http")

	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.RequestLoggerMiddleware(logger.NewContextLogger(zapLogger.Named("http"))),
		middleware.TracingMiddleware(),
		middleware.NewHTTPRateLimitMiddleware(cfg),
		middleware.ErrorHandlerMiddleware(log),
	)

	var gatherer prometheus.Gatherer
	if cfg.Monitoring.PrometheusEnabled {
		gatherer = reg
	}
	httphandlers.NewHealthHandler(checker, gatherer).SetupRoutes(router)

	api := router.Group("")
	api.Use(middleware.AuthMiddleware(cfg.Server.APIToken, func() domain.Identity { return identity }))
	httphandlers.NewSessionHandler(auction).SetupRoutes(api)
	httphandlers.NewEventsHandler(bus, log.Named("events")).SetupRoutes(api)
	if media != nil {
		httphandlers.NewMediaHandler(media).SetupRoutes(api)
	}
	return router
}
