package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"example.com/backstage/services/branchops/internal/api"
	"example.com/backstage/services/branchops/internal/core"
	"example.com/backstage/services/branchops/internal/infrastructure"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var (
	ingestWorkers  int
	ingestCapacity int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Starts the branch operations API server",
	Long:  `Launches the HTTP server for heartbeat ingestion, recordings and the dashboard, plus the optional MQTT heartbeat subscriber.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntVar(&ingestWorkers, "ingest-workers", 4, "Number of workers draining MQTT heartbeats")
	serveCmd.Flags().IntVar(&ingestCapacity, "ingest-capacity", 1000, "Buffered MQTT heartbeats before new ones are rejected")
}

func runServer() error {
	logger.Info("Initializing branch operations service...")

	shutdownTracing, err := infrastructure.SetupTracing(context.Background(), cfg.Telemetry, logger)
	if err != nil {
		return fmt.Errorf("tracing setup failed: %w", err)
	}

	// --- Infrastructure Setup ---
	logger.Info("Connecting to database...")
	db, err := infrastructure.NewDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	checks := []api.HealthCheck{{Name: "database", Check: db.Ping}}

	var cache, sessions core.Cache
	if cfg.Redis.Addr != "" {
		logger.Info("Connecting to cache...")
		redisCache, err := infrastructure.NewCache(cfg.Redis)
		if err != nil {
			return fmt.Errorf("cache connection failed: %w", err)
		}
		defer redisCache.Close()
		cache = redisCache
		sessions = redisCache
		checks = append(checks, api.HealthCheck{Name: "cache", Check: redisCache.Ping})
	} else {
		logger.Warn("Redis not configured, using in-process cache; revoked sessions are not shared between instances")
		cache = infrastructure.NewLocalCache(10000, cfg.Auth.TokenTTL)
		sessions = infrastructure.NewSessionCache(cfg.Auth.TokenTTL)
	}

	known, err := infrastructure.NewKnownDevices(cfg.Heartbeat.KnownDeviceCache)
	if err != nil {
		return fmt.Errorf("known device cache: %w", err)
	}

	var events core.EventPublisher
	if cfg.ServiceBus.ConnectionString != "" {
		logger.Info("Connecting to messaging service...")
		messaging, err := infrastructure.NewMessaging(cfg.ServiceBus, logger)
		if err != nil {
			logger.WithError(err).Warn("Messaging service unavailable, logging events instead")
			events = infrastructure.NewLogPublisher(logger)
		} else {
			defer messaging.Close()

			spool, err := infrastructure.NewEventSpool(cfg.ServiceBus.SpoolPath, cfg.ServiceBus.SpoolMaxBytes, cfg.ServiceBus.MaxAttempts)
			if err != nil {
				return fmt.Errorf("event spool setup failed: %w", err)
			}
			defer spool.Close()

			// Deferred after spool.Close, so it runs first.
			stopReplay := messaging.WithSpool(spool).StartReplay(cfg.ServiceBus.ReplayInterval)
			defer stopReplay()
			events = messaging
		}
	} else {
		events = infrastructure.NewLogPublisher(logger)
	}

	audio, err := infrastructure.NewFileAudioStore(cfg.Storage.AudioPath, cfg.Storage.MaxUploadBytes)
	if err != nil {
		return fmt.Errorf("audio storage setup failed: %w", err)
	}

	// --- Service Layer Setup ---
	services := core.NewServiceRegistry(core.Dependencies{
		Store:        core.NewDataStore(db.DB),
		Cache:        cache,
		Sessions:     sessions,
		KnownDevices: known,
		Events:       events,
		Audio:        audio,
		Policy: core.StatusPolicy{
			OnlineWithin:      cfg.Heartbeat.OnlineWithin,
			ProblematicWithin: cfg.Heartbeat.ProblematicWithin,
			Interval:          cfg.Heartbeat.Interval,
			UptimeWindow:      cfg.Heartbeat.UptimeWindow,
		},
		BcryptCost:    cfg.Auth.BcryptCost,
		ResetTokenTTL: cfg.Auth.ResetTokenTTL,
		Logger:        logger,
	})

	// --- MQTT Heartbeat Ingestion ---
	var subscriber *infrastructure.MQTTSubscriber
	var queue *core.HeartbeatQueue
	if cfg.MQTT.BrokerURL != "" {
		queue = core.NewHeartbeatQueue(services.Heartbeats, logger, ingestCapacity)
		queue.Start(ingestWorkers)

		subscriber, err = infrastructure.NewMQTTSubscriber(cfg.MQTT, logger)
		if err != nil {
			queue.Stop()
			return fmt.Errorf("mqtt subscriber setup failed: %w", err)
		}
		subscriber.RegisterHandler(infrastructure.MessageHeartbeat, infrastructure.HeartbeatHandler(queue))
		if err := subscriber.Start(); err != nil {
			queue.Stop()
			return fmt.Errorf("mqtt subscriber start failed: %w", err)
		}
		checks = append(checks, api.HealthCheck{Name: "mqtt", Check: func(context.Context) error {
			if !subscriber.IsConnected() {
				return errors.New("disconnected")
			}
			return nil
		}})
	}

	// --- API Layer Setup ---
	if cfg.Server.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authz, err := api.NewAuthorizer()
	if err != nil {
		return fmt.Errorf("failed to load authorization policy: %w", err)
	}

	tokens, err := api.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if err != nil {
		return fmt.Errorf("token issuer setup failed: %w", err)
	}

	router := gin.New()
	handlers := api.NewAPIHandlers(services, tokens, api.Options{
		Production:     cfg.Server.IsProduction(),
		MaxUploadBytes: cfg.Storage.MaxUploadBytes,
		Checks:         checks,
		Logger:         logger,
	})
	if err := api.SetupRoutes(router, handlers, authz, api.RouteConfig{
		CORSOrigins:     cfg.Server.CORSOrigins,
		IngestRateLimit: cfg.Server.IngestRateLimit,
	}, logger); err != nil {
		return fmt.Errorf("route setup failed: %w", err)
	}

	// --- HTTP Server ---
	serverAddr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      otelhttp.NewHandler(router, "branchops"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// --- Graceful Shutdown ---
	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, os.Interrupt, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		logger.Infof("Branch operations API listening on %s", serverAddr)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var runErr error
	select {
	case <-shutdownChan:
		logger.Warn("Shutdown signal received, initiating graceful shutdown...")
	case err := <-serverErr:
		logger.WithError(err).Error("Server failed")
		runErr = fmt.Errorf("server failed: %w", err)
	}

	// Stop intake first so no heartbeat arrives after the queue is gone.
	if subscriber != nil {
		subscriber.Stop()
	}
	if queue != nil {
		queue.Stop()
		logger.WithFields(queue.Stats()).Info("Heartbeat queue stopped")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Errorf("Server shutdown failed: %v", err)
	} else {
		logger.Info("Server stopped gracefully")
	}

	if err := shutdownTracing(ctx); err != nil {
		logger.WithError(err).Warn("Tracing shutdown failed")
	}

	logger.Info("Branch operations service shutdown complete")
	return runErr
}
