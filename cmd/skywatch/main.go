package main

import (
	"context"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"skywatch/internal/eventlog"
	"skywatch/internal/gateway"
	"skywatch/internal/handlers"
	"skywatch/internal/metrics"
	"skywatch/internal/nina"
	"skywatch/internal/scheduler"
	sessionsvc "skywatch/internal/session"
	wshub "skywatch/internal/websocket"
	"skywatch/pkg/config"
	"skywatch/pkg/database"
	"skywatch/pkg/logging"
	"skywatch/pkg/monitoring"
	"skywatch/pkg/server"
	"skywatch/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("skywatch")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Skywatch (Session Gateway)")

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Error("Invalid configuration")
		os.Exit(1)
	}

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("skywatch", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("skywatch", version.Version, version.GitCommit)
	serviceMetrics := metrics.New(metricsCollector)

	// Open the gateway database; an unwritable file is a fatal boot error
	db, err := database.Connect(database.DefaultConfig(cfg.DatabasePath), logger)
	if err != nil {
		logger.WithError(err).Error("Failed to open gateway database")
		os.Exit(1)
	}
	defer db.Close()

	eventLog, err := eventlog.Open(db, logger, serviceMetrics)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize event log")
		os.Exit(1)
	}

	// Scheduler views are optional; a missing file degrades to empty lists
	sched, err := scheduler.Open(cfg.SchedulerDatabasePath, logger)
	if err != nil {
		logger.WithError(err).Warn("Scheduler database unavailable, serving empty views")
		sched, _ = scheduler.Open("", logger)
	}
	defer sched.Close()

	// Upstream link and event pipeline
	link := nina.NewLink(nina.LinkConfig{
		URL:              cfg.NINASocketURL(),
		HandshakeTimeout: cfg.NINATimeout,
		MaxAttempts:      cfg.NINARetryAttempts,
		Logger:           logger,
		Metrics:          serviceMetrics,
	})
	store := sessionsvc.NewStore(eventLog, link.Connected, logger)
	hub := wshub.NewHub(wshub.HubConfig{
		MaxClients: cfg.MaxDashboardClients,
		Snapshot:   store.Snapshot,
		Logger:     logger,
		Metrics:    serviceMetrics,
	})
	historyClient := nina.NewClient(nina.ClientConfig{
		HistoryURL:    cfg.NINAHistoryURL(),
		Timeout:       cfg.NINATimeout,
		RetryAttempts: cfg.NINARetryAttempts,
		Logger:        logger,
	})
	seeder := sessionsvc.NewSeeder(sessionsvc.SeederConfig{
		Source:       historyClient,
		Location:     cfg.NINALocation,
		Log:          eventLog,
		Store:        store,
		Logger:       logger,
		Metrics:      serviceMetrics,
		ReplayWindow: cfg.EventReplayWindow,
	})

	gw := gateway.New(gateway.Config{
		Settings: cfg,
		Logger:   logger,
		Metrics:  serviceMetrics,
		Log:      eventLog,
		Store:    store,
		Seeder:   seeder,
		Hub:      hub,
		Link:     link,
	})

	// Add health checks
	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("nina_link", monitoring.UpstreamLinkHealthCheck(link.Connected))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"NINA_BASE_URL": cfg.NINABaseURL,
		"DATABASE_PATH": cfg.DatabasePath,
	}))

	// Start the event pipeline
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := gw.Run(ctx); err != nil {
			logger.WithError(err).Error("Gateway pipeline stopped")
		}
	}()

	// Boot seed; an unreachable imaging host is not fatal
	seedCtx, seedCancel := context.WithTimeout(ctx, time.Minute)
	if _, err := gw.Refresh(seedCtx); err != nil {
		logger.WithError(err).Warn("Boot seeding incomplete, serving last known state")
	}
	seedCancel()

	// HTTP + WebSocket surface
	router := server.SetupServiceRouter(logger, "skywatch", healthChecker, metricsCollector)
	gatewayHandlers := handlers.NewGatewayHandlers(gw, store, sched, logger)
	gatewayHandlers.RegisterRoutes(router)
	router.GET("/ws", func(c *gin.Context) {
		hub.ServeWS(c.Writer, c.Request)
	})

	srvConfig := server.DefaultConfig("skywatch", cfg.Port)
	srvConfig.OnShutdown = func(shutdownCtx context.Context) {
		// Stop the pipeline first so dashboard clients get a clean close
		cancel()
	}

	if err := server.Start(srvConfig, router, logger); err != nil {
		logger.WithError(err).Error("Server shutdown failed")
		os.Exit(1)
	}
}
