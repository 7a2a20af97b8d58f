package ports

import (
	"context"
	"time"

	"agentfleet.manager/internal/core/domain"
)

// TemplateCatalog is the static catalog of agent templates.
type TemplateCatalog interface {
	Get(name string) (domain.Template, bool)
	List() []domain.Template
}

// ArchiveStore is the external key-value store preserved agents are written to.
// Store must refuse to overwrite an existing key.
type ArchiveStore interface {
	Store(ctx context.Context, key string, value []byte, metadata map[string]string) error
	Load(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, offset, limit int64) ([]string, error)
	FindByTag(ctx context.Context, tag, value string) ([]string, error)
	Count(ctx context.Context) (int64, error)
}

// ResourceSample is one raw reading for an agent from a metrics source.
type ResourceSample struct {
	AgentID      domain.AgentID `json:"agent_id"`
	CPU          float64        `json:"cpu"`    // percent
	Memory       int64          `json:"memory"` // bytes
	Disk         float64        `json:"disk"`   // percent
	ResponseTime time.Duration  `json:"response_time"`
	SampledAt    time.Time      `json:"sampled_at"`
}

// MetricsSource supplies raw per-agent resource samples. ok is false when the
// source has nothing for the agent.
type MetricsSource interface {
	Sample(ctx context.Context, agent *domain.Agent) (sample ResourceSample, ok bool, err error)
}

// Journal mirrors committed agent and pool snapshots to durable storage.
type Journal interface {
	SaveAgent(ctx context.Context, agent *domain.Agent) error
	DeleteAgent(ctx context.Context, id domain.AgentID) error
	SavePool(ctx context.Context, pool *domain.AgentPool) error
	DeletePool(ctx context.Context, id domain.PoolID) error
}

type EventPublisher interface {
	PublishEvent(ctx context.Context, event domain.Event) error
}

type EventSubscriber interface {
	SubscribeEvents(ctx context.Context) (<-chan domain.Event, error)
}

// Pinger is implemented by adapters that can report their own reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}
