package services

import (
	"agentfleet.manager/internal/core/domain"
)

// healthyThreshold is the score at or above which an agent counts as healthy.
const healthyThreshold = 0.7

// StatsAggregator computes fleet-wide figures from registry and pool snapshots.
type StatsAggregator struct {
	registry *Registry
	pools    *PoolManager
}

func NewStatsAggregator(registry *Registry, pools *PoolManager) *StatsAggregator {
	return &StatsAggregator{registry: registry, pools: pools}
}

func (s *StatsAggregator) SystemStats() domain.SystemStats {
	agents := s.registry.GetAllAgents()

	stats := domain.SystemStats{
		TotalAgents: len(agents),
		ByStatus:    make(map[domain.AgentStatus]int, len(domain.AllStatuses)),
	}
	for _, st := range domain.AllStatuses {
		stats.ByStatus[st] = 0
	}

	var healthSum float64
	var cpu, mem, disk float64
	var memSamples int
	for _, a := range agents {
		stats.ByStatus[a.Status]++
		healthSum += a.Health
		stats.TotalWorkload += a.Workload
		if a.Health >= healthyThreshold {
			stats.HealthyAgents++
		}
		if !a.Active() {
			continue
		}
		stats.ActiveAgents++
		cpu += a.Metrics.CPUUsage
		disk += a.Metrics.DiskUsage
		if limit := a.Environment.MaxMemoryUsage; limit > 0 {
			mem += 100 * float64(a.Metrics.MemoryUsage) / float64(limit)
			memSamples++
		}
	}

	if len(agents) > 0 {
		stats.AverageHealth = healthSum / float64(len(agents))
	}
	if stats.ActiveAgents > 0 {
		n := float64(stats.ActiveAgents)
		stats.ResourceUtilization.CPU = cpu / n
		stats.ResourceUtilization.Disk = disk / n
	}
	if memSamples > 0 {
		stats.ResourceUtilization.Memory = mem / float64(memSamples)
	}

	if s.pools != nil {
		pools := s.pools.GetAllPools()
		stats.Pools = len(pools)
		for _, p := range pools {
			stats.PooledAgents += p.CurrentSize
		}
	}
	return stats
}
