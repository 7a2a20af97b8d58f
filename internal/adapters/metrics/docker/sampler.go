package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"

	"agentfleet.manager/internal/core/domain"
	"agentfleet.manager/internal/core/ports"
)

// AgentLabel is the container label that ties a container to an agent id.
const AgentLabel = "fleet.agent_id"

// Sampler reads one-shot container stats for agents whose runtime is docker.
type Sampler struct {
	cli *client.Client
}

func NewSampler() (*Sampler, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return &Sampler{cli: cli}, nil
}

func (s *Sampler) Close() error {
	return s.cli.Close()
}

func (s *Sampler) Ping(ctx context.Context) error {
	_, err := s.cli.Ping(ctx)
	return err
}

func (s *Sampler) Sample(ctx context.Context, agent *domain.Agent) (ports.ResourceSample, bool, error) {
	if agent.Environment.Runtime != "docker" {
		return ports.ResourceSample{}, false, nil
	}

	containerID, err := s.containerFor(ctx, agent)
	if err != nil {
		return ports.ResourceSample{}, false, err
	}
	if containerID == "" {
		return ports.ResourceSample{}, false, nil
	}

	started := time.Now()
	resp, err := s.cli.ContainerStatsOneShot(ctx, containerID)
	if err != nil {
		return ports.ResourceSample{}, false, fmt.Errorf("failed to read stats for %s: %w", containerID, err)
	}
	defer resp.Body.Close()

	sample, err := decodeStats(resp.Body)
	if err != nil {
		return ports.ResourceSample{}, false, fmt.Errorf("failed to decode stats for %s: %w", containerID, err)
	}
	sample.AgentID = agent.ID
	sample.ResponseTime = time.Since(started)
	sample.SampledAt = time.Now()
	return sample, true, nil
}

// containerFor finds the running container labelled with the agent id,
// falling back to one named after the agent.
func (s *Sampler) containerFor(ctx context.Context, agent *domain.Agent) (string, error) {
	for _, f := range []filters.KeyValuePair{
		filters.Arg("label", AgentLabel+"="+string(agent.ID)),
		filters.Arg("name", agent.Name),
	} {
		list, err := s.cli.ContainerList(ctx, container.ListOptions{Filters: filters.NewArgs(f)})
		if err != nil {
			return "", fmt.Errorf("failed to list containers: %w", err)
		}
		if len(list) > 0 {
			return list[0].ID, nil
		}
	}
	return "", nil
}

type statsPayload struct {
	CPUStats    cpuStats `json:"cpu_stats"`
	PreCPUStats cpuStats `json:"precpu_stats"`
	MemoryStats struct {
		Usage uint64            `json:"usage"`
		Limit uint64            `json:"limit"`
		Stats map[string]uint64 `json:"stats"`
	} `json:"memory_stats"`
}

type cpuStats struct {
	CPUUsage struct {
		TotalUsage uint64 `json:"total_usage"`
	} `json:"cpu_usage"`
	SystemUsage uint64 `json:"system_cpu_usage"`
}

// decodeStats turns a docker stats document into a sample. CPU is the
// percentage of one host's capacity, memory excludes page cache.
func decodeStats(r io.Reader) (ports.ResourceSample, error) {
	var st statsPayload
	if err := json.NewDecoder(r).Decode(&st); err != nil {
		return ports.ResourceSample{}, err
	}

	var cpu float64
	cpuDelta := float64(st.CPUStats.CPUUsage.TotalUsage) - float64(st.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(st.CPUStats.SystemUsage) - float64(st.PreCPUStats.SystemUsage)
	if cpuDelta > 0 && sysDelta > 0 {
		// system_cpu_usage already spans every online cpu.
		cpu = cpuDelta / sysDelta * 100
	}

	mem := st.MemoryStats.Usage
	if cache, ok := st.MemoryStats.Stats["inactive_file"]; ok && cache < mem {
		mem -= cache
	}

	return ports.ResourceSample{
		CPU:    cpu,
		Memory: int64(mem),
	}, nil
}
