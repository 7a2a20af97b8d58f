package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentfleet.manager/internal/core/domain"
	"agentfleet.manager/internal/core/ports"
)

func TestSystemStats(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, RegistryConfig{})

	idle := startedAgent(t, r, "analyst")
	require.NoError(t, r.SetHealth(ctx, idle.ID, 0.9))
	require.NoError(t, r.ApplySample(ctx, idle.ID, ports.ResourceSample{CPU: 40, Memory: 512 << 20, Disk: 30}))

	busy := startedAgent(t, r, "analyst")
	require.NoError(t, r.SetHealth(ctx, busy.ID, 0.5))
	require.NoError(t, r.ApplySample(ctx, busy.ID, ports.ResourceSample{CPU: 20, Disk: 10}))
	_, err := r.BeginTask(ctx, busy.ID, "t1")
	require.NoError(t, err)

	_, err = r.CreateAgent(ctx, "analyst", domain.CreateOptions{})
	require.NoError(t, err)

	broken := startedAgent(t, r, "analyst")
	require.NoError(t, r.SetHealth(ctx, broken.ID, 0.2))
	_, err = r.ReportFault(ctx, broken.ID, "crash")
	require.NoError(t, err)

	stats := NewStatsAggregator(r, nil).SystemStats()

	assert.Equal(t, 4, stats.TotalAgents)
	assert.Equal(t, 2, stats.ActiveAgents)
	assert.Equal(t, 2, stats.HealthyAgents)
	assert.InDelta(t, 0.65, stats.AverageHealth, 1e-9)
	assert.Equal(t, 1, stats.TotalWorkload)
	assert.Equal(t, 1, stats.ByStatus[domain.AgentStatusIdle])
	assert.Equal(t, 1, stats.ByStatus[domain.AgentStatusBusy])
	assert.Equal(t, 1, stats.ByStatus[domain.AgentStatusInitializing])
	assert.Equal(t, 1, stats.ByStatus[domain.AgentStatusError])
	assert.Equal(t, 0, stats.ByStatus[domain.AgentStatusTerminated])
	assert.Len(t, stats.ByStatus, len(domain.AllStatuses))
	assert.InDelta(t, 30, stats.ResourceUtilization.CPU, 1e-9)
	assert.InDelta(t, 25, stats.ResourceUtilization.Memory, 1e-9)
	assert.InDelta(t, 20, stats.ResourceUtilization.Disk, 1e-9)
}

func TestSystemStatsEmptyFleet(t *testing.T) {
	r := newTestRegistry(t, RegistryConfig{})
	stats := NewStatsAggregator(r, nil).SystemStats()

	assert.Zero(t, stats.TotalAgents)
	assert.Zero(t, stats.AverageHealth)
	assert.Zero(t, stats.ResourceUtilization.CPU)
}

func TestSystemStatsCountsPools(t *testing.T) {
	r := newTestRegistry(t, RegistryConfig{})
	pm := NewPoolManager(r, &fixedScores{}, nil, PoolConfig{AutoscaleInterval: time.Hour})
	t.Cleanup(pm.Shutdown)

	_, err := pm.CreatePool(context.Background(), "p", "analyst", domain.PoolOptions{MinSize: 2, MaxSize: 4})
	require.NoError(t, err)

	stats := NewStatsAggregator(r, pm).SystemStats()
	assert.Equal(t, 1, stats.Pools)
	assert.Equal(t, 2, stats.PooledAgents)
	assert.Equal(t, 2, stats.TotalAgents)
}
