package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"agentfleet.manager/internal/core/domain"
	"agentfleet.manager/internal/core/ports"
)

const metricsKeyPrefix = "fleet:metrics:"

// MetricsFeed serves the latest resource sample each agent (or its sidecar)
// reported. Samples expire so a silent agent stops contributing stale data.
type MetricsFeed struct {
	client *redis.Client
	ttl    time.Duration
}

func NewMetricsFeed(client *redis.Client, ttl time.Duration) *MetricsFeed {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &MetricsFeed{client: client, ttl: ttl}
}

// Record stores a sample as the agent's latest reading.
func (f *MetricsFeed) Record(ctx context.Context, s ports.ResourceSample) error {
	if s.SampledAt.IsZero() {
		s.SampledAt = time.Now()
	}
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return f.client.Set(ctx, metricsKeyPrefix+string(s.AgentID), data, f.ttl).Err()
}

func (f *MetricsFeed) Sample(ctx context.Context, agent *domain.Agent) (ports.ResourceSample, bool, error) {
	data, err := f.client.Get(ctx, metricsKeyPrefix+string(agent.ID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ports.ResourceSample{}, false, nil
		}
		return ports.ResourceSample{}, false, fmt.Errorf("failed to read metrics for %s: %w", agent.ID, err)
	}

	var s ports.ResourceSample
	if err := json.Unmarshal(data, &s); err != nil {
		return ports.ResourceSample{}, false, fmt.Errorf("failed to decode metrics for %s: %w", agent.ID, err)
	}
	s.AgentID = agent.ID
	return s, true, nil
}
