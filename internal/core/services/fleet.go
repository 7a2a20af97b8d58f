package services

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"agentfleet.manager/internal/core/domain"
	"agentfleet.manager/internal/core/logger"
	"agentfleet.manager/internal/core/ports"
)

type FleetConfig struct {
	Registry       RegistryConfig
	Health         HealthConfig
	Pools          PoolConfig
	PersistTimeout time.Duration
}

// Deps are the external collaborators. Any of them may be nil except Catalog.
type Deps struct {
	Catalog   ports.TemplateCatalog
	Archive   ports.ArchiveStore
	Metrics   ports.MetricsSource
	Journal   ports.Journal
	Publisher ports.EventPublisher
}

// Counters are monotonically increasing totals since the fleet started.
type Counters struct {
	Escalations       int64
	PreserveFailures  int64
	PreservedAgents   int64
	DroppedOutboxJobs int64
}

// Fleet is the manager instance front ends talk to. It owns the registry,
// pools, health monitor, preservation and stats, and their background loops.
type Fleet struct {
	registry     *Registry
	pools        *PoolManager
	health       *HealthMonitor
	preservation *Preservation
	stats        *StatsAggregator
	outbox       *Outbox
	log          *slog.Logger

	escalations      atomic.Int64
	preserveFailures atomic.Int64
	preserved        atomic.Int64

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewFleet(deps Deps, cfg FleetConfig) *Fleet {
	outbox := NewOutbox(deps.Journal, deps.Publisher, cfg.PersistTimeout)
	registry := NewRegistry(deps.Catalog, outbox, cfg.Registry)
	health := NewHealthMonitor(registry, deps.Metrics, outbox, cfg.Health)
	pools := NewPoolManager(registry, health, outbox, cfg.Pools)

	return &Fleet{
		registry:     registry,
		pools:        pools,
		health:       health,
		preservation: NewPreservation(deps.Archive, outbox, cfg.PersistTimeout),
		stats:        NewStatsAggregator(registry, pools),
		outbox:       outbox,
		log:          logger.For("fleet"),
	}
}

// Start launches the outbox worker and the health loop, and relaunches pool
// loops stopped by an earlier Shutdown. Calling Start twice is a no-op.
func (f *Fleet) Start(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		return
	}
	f.started = true

	ctx, f.cancel = context.WithCancel(ctx)
	f.pools.Start()

	f.wg.Add(2)
	go func() {
		defer f.wg.Done()
		f.outbox.Run(ctx)
	}()
	go func() {
		defer f.wg.Done()
		f.health.Run(ctx)
	}()
	f.log.Info("fleet started")
}

// Shutdown stops every background loop and flushes pending journal writes
// and events. Agents are left as they are.
func (f *Fleet) Shutdown(ctx context.Context) error {
	f.pools.Shutdown()

	f.mu.Lock()
	cancel := f.cancel
	f.started = false
	f.cancel = nil
	f.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		f.log.Info("fleet stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers fn for every committed fleet event.
func (f *Fleet) Subscribe(fn func(domain.Event)) {
	f.outbox.Listen(fn)
}

func (f *Fleet) Counters() Counters {
	return Counters{
		Escalations:       f.escalations.Load(),
		PreserveFailures:  f.preserveFailures.Load(),
		PreservedAgents:   f.preserved.Load(),
		DroppedOutboxJobs: f.outbox.Dropped(),
	}
}

func (f *Fleet) Outbox() *Outbox { return f.outbox }

func (f *Fleet) CreateAgent(ctx context.Context, template string, opts domain.CreateOptions) (*domain.Agent, error) {
	return f.registry.CreateAgent(ctx, template, opts)
}

func (f *Fleet) StartAgent(ctx context.Context, id domain.AgentID) (*domain.Agent, error) {
	return f.registry.StartAgent(ctx, id)
}

// StopAgent terminates the agent and, when asked, archives it. An archive
// failure is reported in the result's Warning; the stop itself still counts.
func (f *Fleet) StopAgent(ctx context.Context, id domain.AgentID, opts domain.StopOptions) (domain.StopResult, error) {
	result, err := f.registry.StopAgent(ctx, id, opts)
	if err != nil {
		return result, err
	}
	if result.Escalated {
		f.escalations.Add(1)
	}
	if !opts.Preserve {
		return result, nil
	}

	agent, err := f.registry.GetAgent(id)
	if err != nil {
		result.Warning = "agent vanished before it could be preserved"
		f.preserveFailures.Add(1)
		return result, nil
	}
	key, err := f.preservation.Preserve(context.WithoutCancel(ctx), agent, result, opts)
	switch {
	case err == nil:
		result.PreservedKey = key
		f.preserved.Add(1)
	case errors.Is(err, domain.ErrAlreadyPreserved):
		result.PreservedKey = key
		result.Warning = err.Error()
	default:
		result.Warning = err.Error()
		f.preserveFailures.Add(1)
		f.log.Warn("preservation failed, agent terminated without archive", "agent_id", id, "error", err)
	}
	return result, nil
}

func (f *Fleet) RestartAgent(ctx context.Context, id domain.AgentID, reason string) (*domain.Agent, error) {
	return f.registry.RestartAgent(ctx, id, reason)
}

func (f *Fleet) RemoveAgent(ctx context.Context, id domain.AgentID) error {
	return f.registry.RemoveAgent(ctx, id)
}

func (f *Fleet) GetAgent(id domain.AgentID) (*domain.Agent, error) {
	return f.registry.GetAgent(id)
}

func (f *Fleet) GetAllAgents() []*domain.Agent {
	return f.registry.GetAllAgents()
}

func (f *Fleet) BeginTask(ctx context.Context, id domain.AgentID, taskID string) (*domain.Agent, error) {
	return f.registry.BeginTask(ctx, id, taskID)
}

func (f *Fleet) EndTask(ctx context.Context, id domain.AgentID, taskID string, success bool) (*domain.Agent, error) {
	return f.registry.EndTask(ctx, id, taskID, success)
}

func (f *Fleet) ReportFault(ctx context.Context, id domain.AgentID, reason string) (*domain.Agent, error) {
	return f.registry.ReportFault(ctx, id, reason)
}

func (f *Fleet) Heartbeat(ctx context.Context, id domain.AgentID) (*domain.Agent, error) {
	return f.registry.Heartbeat(ctx, id)
}

func (f *Fleet) GetAgentHealth(id domain.AgentID) (domain.HealthReport, error) {
	return f.health.GetAgentHealth(id)
}

func (f *Fleet) GetSystemStats() domain.SystemStats {
	return f.stats.SystemStats()
}

func (f *Fleet) GetAgentTemplates() []domain.Template {
	return f.registry.Templates()
}

func (f *Fleet) CreateAgentPool(ctx context.Context, name, template string, opts domain.PoolOptions) (*domain.AgentPool, error) {
	return f.pools.CreatePool(ctx, name, template, opts)
}

func (f *Fleet) GetPool(id domain.PoolID) (*domain.AgentPool, error) {
	return f.pools.GetPool(id)
}

func (f *Fleet) GetAllPools() []*domain.AgentPool {
	return f.pools.GetAllPools()
}

func (f *Fleet) ScalePool(ctx context.Context, id domain.PoolID, target int, force bool) (domain.ScaleResult, error) {
	return f.pools.ScalePool(ctx, id, target, force)
}

func (f *Fleet) DisbandPool(ctx context.Context, id domain.PoolID) error {
	return f.pools.DisbandPool(ctx, id)
}

func (f *Fleet) AssignAgent(ctx context.Context, id domain.PoolID) (domain.AgentID, error) {
	return f.pools.AssignAgent(ctx, id)
}

func (f *Fleet) ReleaseAgent(ctx context.Context, id domain.PoolID, agentID domain.AgentID) (bool, error) {
	return f.pools.ReleaseAgent(ctx, id, agentID)
}

func (f *Fleet) GetPreserved(ctx context.Context, key string) (*domain.PreservedAgent, error) {
	return f.preservation.Get(ctx, key)
}

func (f *Fleet) ListPreserved(ctx context.Context, offset, limit int64) ([]*domain.PreservedAgent, error) {
	return f.preservation.List(ctx, offset, limit)
}

func (f *Fleet) FindPreserved(ctx context.Context, tag, value string) ([]*domain.PreservedAgent, error) {
	return f.preservation.Find(ctx, tag, value)
}

// CountPreserved reports how many records the archive holds, across restarts
// of this process.
func (f *Fleet) CountPreserved(ctx context.Context) (int64, error) {
	return f.preservation.Count(ctx)
}
