package grpc

import (
	"context"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"agentfleet.manager/internal/core/domain"
	"agentfleet.manager/internal/core/logger"
	"agentfleet.manager/internal/core/services"
)

// PoolServicePrefix prefixes the per-pool service names reported over the
// standard gRPC health protocol, e.g. "fleet.pool/researchers".
const PoolServicePrefix = "fleet.pool/"

// HealthReporter publishes fleet health over grpc.health.v1. The empty
// service name reflects the service's own dependencies; each pool is
// SERVING while it has at least one idle or busy member and is not below
// its minimum size.
type HealthReporter struct {
	fleet  *services.Fleet
	infra  *services.HealthService
	server *health.Server

	mu    sync.Mutex
	known map[string]bool
}

func NewHealthReporter(fleet *services.Fleet, infra *services.HealthService) *HealthReporter {
	return &HealthReporter{
		fleet:  fleet,
		infra:  infra,
		server: health.NewServer(),
		known:  make(map[string]bool),
	}
}

func (h *HealthReporter) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.server)
}

// Server exposes the underlying health server, mainly for in-process checks.
func (h *HealthReporter) Server() healthpb.HealthServer {
	return h.server
}

// Refresh recomputes every status once.
func (h *HealthReporter) Refresh(ctx context.Context) {
	overall := healthpb.HealthCheckResponse_SERVING
	if h.infra != nil && h.infra.CheckHealth(ctx).Status == services.HealthStatusUnhealthy {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.server.SetServingStatus("", overall)

	seen := make(map[string]bool)
	for _, pool := range h.fleet.GetAllPools() {
		name := PoolServicePrefix + pool.Name
		seen[name] = true
		h.server.SetServingStatus(name, h.poolStatus(pool))
	}

	h.mu.Lock()
	for name := range h.known {
		if !seen[name] {
			h.server.SetServingStatus(name, healthpb.HealthCheckResponse_SERVICE_UNKNOWN)
		}
	}
	h.known = seen
	h.mu.Unlock()
}

func (h *HealthReporter) poolStatus(p *domain.AgentPool) healthpb.HealthCheckResponse_ServingStatus {
	if p.CurrentSize < p.MinSize {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	for _, ids := range [][]domain.AgentID{p.AvailableAgents, p.BusyAgents} {
		for _, id := range ids {
			if a, err := h.fleet.GetAgent(id); err == nil && a.Active() {
				return healthpb.HealthCheckResponse_SERVING
			}
		}
	}
	if p.CurrentSize == 0 && p.MinSize == 0 {
		// An empty pool allowed to be empty is idle, not broken.
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// Run refreshes on every interval until ctx is done, then marks everything
// NOT_SERVING.
func (h *HealthReporter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	h.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			h.server.Shutdown()
			logger.For("grpc-health").Info("health reporter stopped")
			return
		case <-ticker.C:
			h.Refresh(ctx)
		}
	}
}
