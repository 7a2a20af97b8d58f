package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"

	"agentfleet.manager/internal/adapters/catalog"
	grpc_handler "agentfleet.manager/internal/adapters/handler/grpc"
	http_handler "agentfleet.manager/internal/adapters/handler/http"
	"agentfleet.manager/internal/adapters/handler/mqtt"
	"agentfleet.manager/internal/adapters/metrics/docker"
	"agentfleet.manager/internal/adapters/repository/pg"
	redisstore "agentfleet.manager/internal/adapters/store/redis"
	"agentfleet.manager/internal/config"
	"agentfleet.manager/internal/core/logger"
	"agentfleet.manager/internal/core/ports"
	"agentfleet.manager/internal/core/services"
	"agentfleet.manager/internal/core/tracing"
)

const version = "0.1.0"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Initialize structured logger
	logger.Init(cfg.LogLevel, cfg.LogFormat)
	logger.Info("Starting fleetd", "version", version)

	// Initialize tracing
	var shutdownTracing func(context.Context) error
	if cfg.EnableTracing {
		shutdownTracing, err = tracing.Init(cfg.ServiceName, cfg.OTLPEndpoint)
		if err != nil {
			logger.Error("Failed to initialize tracing", "error", err)
		} else {
			logger.Info("Tracing initialized", "endpoint", cfg.OTLPEndpoint)
		}
	}

	templates, err := catalog.Load(cfg.TemplatesFile)
	if err != nil {
		log.Fatalf("failed to load templates: %v", err)
	}

	deps := services.Deps{Catalog: templates}
	var pingers []dependency

	// Initialize adapters
	var journal *pg.Repository
	if cfg.DatabaseURL != "" {
		journal, err = pg.NewRepository(cfg.DatabaseURL)
		if err != nil {
			logger.Error("Failed to init postgres", "error", err)
			log.Fatalf("failed to init postgres: %v", err)
		}
		deps.Journal = journal
		pingers = append(pingers, dependency{"database", journal, true})
	}

	var events *redisstore.EventBus
	if cfg.RedisURL != "" {
		redisClient, err := redisstore.NewClient(cfg.RedisURL)
		if err != nil {
			logger.Error("Failed to init redis", "error", err)
			log.Fatalf("failed to init redis: %v", err)
		}
		defer redisClient.Close()

		events = redisstore.NewEventBus(redisClient)
		deps.Archive = redisstore.NewArchive(redisClient)
		deps.Publisher = events
		pingers = append(pingers, dependency{"redis", redisstore.NewPinger(redisClient), false})

		if cfg.MetricsSource == "redis" {
			deps.Metrics = redisstore.NewMetricsFeed(redisClient, 0)
		}
	}

	if cfg.MetricsSource == "docker" {
		sampler, err := docker.NewSampler()
		if err != nil {
			logger.Error("Docker metrics source unavailable", "error", err)
		} else {
			defer sampler.Close()
			deps.Metrics = sampler
			pingers = append(pingers, dependency{"docker", sampler, false})
		}
	}

	fleet := services.NewFleet(deps, fleetConfig(cfg.Fleet))
	healthService := services.NewHealthService(fleet.Outbox(), version)
	for _, d := range pingers {
		healthService.Register(d.name, d.pinger, d.critical)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fleet.Start(ctx)

	if cfg.EnableMetrics {
		if err := http_handler.RegisterFleetMetrics(prometheus.DefaultRegisterer, fleet); err != nil {
			logger.Error("Failed to register fleet metrics", "error", err)
		}
	}

	// Dashboard events: from the shared bus when redis is configured so every
	// replica's changes show up, otherwise straight from this process.
	hub := http_handler.NewHub(subscriberOrNil(events))
	go hub.Run(ctx)
	if events != nil {
		go hub.EventConsumer(ctx)
	} else {
		fleet.Subscribe(hub.Publish)
	}

	if cfg.MQTTBroker != "" {
		mqttPublisher, err := mqtt.NewPublisher(subscriberOrNil(events), cfg.MQTTBroker, cfg.MQTTTopicPrefix)
		if err != nil {
			logger.Error("Failed to init MQTT publisher", "error", err)
		} else {
			defer mqttPublisher.Close()
			if events != nil {
				mqttPublisher.Start(ctx)
			} else {
				fleet.Subscribe(mqttPublisher.Publish)
			}
			logger.Info("MQTT Publisher started", "broker", cfg.MQTTBroker)
		}
	}

	var journalReader http_handler.JournalReader
	if journal != nil {
		journalReader = journal
	}
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: http_handler.NewServer(fleet, healthService, hub, journalReader).Handler(),
	}

	// Start HTTP Server
	go func() {
		logger.Info("HTTP Server starting", "port", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", "error", err)
			log.Fatalf("failed to serve http: %v", err)
		}
	}()

	lis, err := net.Listen("tcp", fmt.Sprintf(":%s", cfg.Port))
	if err != nil {
		logger.Error("Failed to listen", "error", err, "port", cfg.Port)
		log.Fatalf("failed to listen: %v", err)
	}

	s := grpc.NewServer()
	reporter := grpc_handler.NewHealthReporter(fleet, healthService)
	reporter.Register(s)
	go reporter.Run(ctx, cfg.Fleet.HealthInterval)

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutting down gracefully...")

		shutdownCtx, done := context.WithTimeout(context.Background(), 30*time.Second)
		defer done()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP shutdown failed", "error", err)
		}
		s.GracefulStop()
		if err := fleet.Shutdown(shutdownCtx); err != nil {
			logger.Error("Fleet shutdown failed", "error", err)
		}
		cancel()
		if shutdownTracing != nil {
			if err := shutdownTracing(shutdownCtx); err != nil {
				logger.Error("Failed to shutdown tracing", "error", err)
			}
		}
	}()

	logger.Info("gRPC Server starting", "port", cfg.Port)
	if err := s.Serve(lis); err != nil {
		logger.Error("gRPC server failed", "error", err)
		log.Fatalf("failed to serve: %v", err)
	}
	<-ctx.Done()
	logger.Info("fleetd stopped")
}

func fleetConfig(f config.Fleet) services.FleetConfig {
	health := services.DefaultHealthConfig()
	health.Interval = f.HealthInterval
	health.HeartbeatTimeout = f.HeartbeatTimeout
	health.MetricsTimeout = f.MetricsTimeout
	health.Window = f.HealthWindow
	health.TrendThreshold = f.TrendThreshold
	health.IssueThreshold = f.IssueThreshold

	return services.FleetConfig{
		Registry: services.RegistryConfig{DrainTimeout: f.DrainTimeout},
		Health:   health,
		Pools: services.PoolConfig{
			AutoscaleInterval: f.AutoscaleInterval,
			HighWater:         f.ScaleHighWater,
			LowWater:          f.ScaleLowWater,
			Step:              f.ScaleStep,
			HealthFloor:       f.HealthFloor,
		},
		PersistTimeout: f.PersistTimeout,
	}
}

type dependency struct {
	name     string
	pinger   ports.Pinger
	critical bool
}

func subscriberOrNil(events *redisstore.EventBus) ports.EventSubscriber {
	if events == nil {
		return nil
	}
	return events
}
