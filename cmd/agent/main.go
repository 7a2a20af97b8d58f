package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agentfleet.manager/internal/adapters/metrics/docker"
	redisstore "agentfleet.manager/internal/adapters/store/redis"
	"agentfleet.manager/internal/agent"
	"agentfleet.manager/internal/core/domain"
	"agentfleet.manager/internal/core/logger"
	"agentfleet.manager/internal/core/ports"
)

func main() {
	serverURL := os.Getenv("FLEET_SERVER")
	if serverURL == "" {
		serverURL = "http://localhost:8080"
	}

	agentID := os.Getenv("AGENT_ID")
	if agentID == "" {
		log.Fatal("AGENT_ID environment variable is required")
	}

	interval := 15 * time.Second
	if v := os.Getenv("HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			interval = d
		}
	}

	logger.Init(logLevel(), os.Getenv("LOG_FORMAT"))
	logger.Info("Starting fleet sidecar", "server", serverURL, "agent_id", agentID, "interval", interval)

	var (
		sampler  ports.MetricsSource
		recorder agent.SampleRecorder
	)
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		client, err := redisstore.NewClient(redisURL)
		if err != nil {
			log.Fatalf("failed to init redis: %v", err)
		}
		defer client.Close()

		d, err := docker.NewSampler()
		if err != nil {
			logger.Warn("Docker unavailable, sending heartbeats only", "error", err)
		} else {
			defer d.Close()
			sampler = d
			recorder = redisstore.NewMetricsFeed(client, 0)
		}
	}

	a, err := agent.New(serverURL, domain.AgentID(agentID), interval, sampler, recorder)
	if err != nil {
		log.Fatalf("Failed to initialize sidecar: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("Shutting down sidecar...")
		cancel()
	}()

	if err := a.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("Sidecar error: %v", err)
	}
}

func logLevel() slog.Level {
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
