package grpc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"agentfleet.manager/internal/adapters/catalog"
	"agentfleet.manager/internal/core/domain"
	"agentfleet.manager/internal/core/services"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func newTestFleet(t *testing.T) *services.Fleet {
	t.Helper()
	f := services.NewFleet(services.Deps{Catalog: catalog.New(catalog.Builtin...)}, services.FleetConfig{
		Registry: services.RegistryConfig{DrainTimeout: 50 * time.Millisecond},
		Pools:    services.PoolConfig{AutoscaleInterval: time.Hour},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = f.Shutdown(ctx)
	})
	return f
}

func check(t *testing.T, h *HealthReporter, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := h.Server().Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.Status
}

func TestRefreshReportsPools(t *testing.T) {
	ctx := context.Background()
	f := newTestFleet(t)

	workers, err := f.CreateAgentPool(ctx, "workers", "analyst", domain.PoolOptions{MinSize: 2, MaxSize: 4})
	require.NoError(t, err)
	_, err = f.CreateAgentPool(ctx, "spare", "analyst", domain.PoolOptions{MinSize: 0, MaxSize: 2})
	require.NoError(t, err)

	h := NewHealthReporter(f, nil)
	h.Refresh(ctx)

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, h, ""))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, h, PoolServicePrefix+"workers"))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, h, PoolServicePrefix+"spare"))

	for _, id := range workers.AvailableAgents {
		_, err := f.ReportFault(ctx, id, "crashed")
		require.NoError(t, err)
	}
	h.Refresh(ctx)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, h, PoolServicePrefix+"workers"))

	require.NoError(t, f.DisbandPool(ctx, workers.ID))
	h.Refresh(ctx)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVICE_UNKNOWN, check(t, h, PoolServicePrefix+"workers"))
}

func TestRefreshFollowsCriticalDependencies(t *testing.T) {
	ctx := context.Background()
	f := newTestFleet(t)
	infra := services.NewHealthService(nil, "test")
	down := false
	infra.Register("database", pingFunc(func(context.Context) error {
		if down {
			return errors.New("connection refused")
		}
		return nil
	}), true)

	h := NewHealthReporter(f, infra)
	h.Refresh(ctx)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, h, ""))

	down = true
	h.Refresh(ctx)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, h, ""))
}

func TestRunStopsOnCancel(t *testing.T) {
	h := NewHealthReporter(newTestFleet(t), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		resp, err := h.Server().Check(context.Background(), &healthpb.HealthCheckRequest{})
		return err == nil && resp.Status == healthpb.HealthCheckResponse_SERVING
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reporter did not stop")
	}
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, h, ""))
}
