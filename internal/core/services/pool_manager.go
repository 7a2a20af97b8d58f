package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentfleet.manager/internal/core/domain"
	"agentfleet.manager/internal/core/logger"
	"agentfleet.manager/internal/core/tracing"
)

type PoolConfig struct {
	AutoscaleInterval time.Duration
	HighWater         float64
	LowWater          float64
	Step              int
	// HealthFloor is the score below which released or idle agents are retired.
	HealthFloor float64
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		AutoscaleInterval: 10 * time.Second,
		HighWater:         0.8,
		LowWater:          0.3,
		Step:              1,
		HealthFloor:       0.3,
	}
}

func (c PoolConfig) withDefaults() PoolConfig {
	d := DefaultPoolConfig()
	if c.AutoscaleInterval <= 0 {
		c.AutoscaleInterval = d.AutoscaleInterval
	}
	if c.HighWater <= 0 || c.HighWater > 1 || c.LowWater < 0 || c.LowWater >= c.HighWater {
		c.HighWater, c.LowWater = d.HighWater, d.LowWater
	}
	if c.Step <= 0 {
		c.Step = d.Step
	}
	if c.HealthFloor <= 0 {
		c.HealthFloor = d.HealthFloor
	}
	return c
}

// HealthScorer reports the latest overall health of an agent.
type HealthScorer interface {
	Score(id domain.AgentID) (float64, error)
}

// PoolManager groups agents of one template into sized pools. Each pool has
// two locks: scaleMu serializes whole operations (scale, assign, release,
// autoscale, disband) and is held across registry calls; mu guards the
// member sets and is never held while calling the registry.
type PoolManager struct {
	registry *Registry
	health   HealthScorer
	outbox   *Outbox
	cfg      PoolConfig
	log      *slog.Logger
	now      func() time.Time

	mu    sync.RWMutex
	pools map[domain.PoolID]*poolEntry
	// ctx parents every pool loop; nil between Shutdown and Start. Guarded by mu.
	ctx    context.Context
	cancel context.CancelFunc

	loopMu sync.Mutex // serializes Start and Shutdown
	wg     sync.WaitGroup
}

type poolEntry struct {
	scaleMu sync.Mutex

	mu        sync.Mutex
	pool      *domain.AgentPool
	disbanded bool
	stop      context.CancelFunc
}

func NewPoolManager(registry *Registry, health HealthScorer, outbox *Outbox, cfg PoolConfig) *PoolManager {
	ctx, cancel := context.WithCancel(context.Background())
	pm := &PoolManager{
		registry: registry,
		health:   health,
		outbox:   outbox,
		cfg:      cfg.withDefaults(),
		log:      logger.For("pools"),
		now:      time.Now,
		pools:    make(map[domain.PoolID]*poolEntry),
		ctx:      ctx,
		cancel:   cancel,
	}
	registry.OnRemove(pm.forgetAgent)
	return pm
}

func (pm *PoolManager) CreatePool(ctx context.Context, name, template string, opts domain.PoolOptions) (_ *domain.AgentPool, err error) {
	ctx, span := tracing.StartSpan(ctx, "pools.CreatePool", "name", name, "template", template)
	defer func() { tracing.End(span, err) }()

	if name == "" {
		return nil, fmt.Errorf("pool name is required: %w", domain.ErrInvalidArgument)
	}
	if opts.MinSize < 0 || opts.MaxSize < 1 || opts.MinSize > opts.MaxSize {
		return nil, fmt.Errorf("pool %q: need 0 <= min (%d) <= max (%d), max >= 1: %w",
			name, opts.MinSize, opts.MaxSize, domain.ErrInvalidArgument)
	}
	if _, ok := pm.registry.catalog.Get(template); !ok {
		return nil, fmt.Errorf("template %q: %w", template, domain.ErrTemplateNotFound)
	}

	pm.mu.RLock()
	for _, e := range pm.pools {
		e.mu.Lock()
		taken := e.pool.Name == name
		e.mu.Unlock()
		if taken {
			pm.mu.RUnlock()
			return nil, fmt.Errorf("pool name %q already in use: %w", name, domain.ErrInvalidArgument)
		}
	}
	pm.mu.RUnlock()

	now := pm.now()
	pool := &domain.AgentPool{
		ID:              domain.PoolID(uuid.NewString()),
		Name:            name,
		Template:        template,
		MinSize:         opts.MinSize,
		MaxSize:         opts.MaxSize,
		AutoScale:       opts.AutoScale,
		ReplaceRetired:  opts.ReplaceRetired,
		AvailableAgents: []domain.AgentID{},
		BusyAgents:      []domain.AgentID{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	ids, err := pm.provision(ctx, pool.ID, template, opts.MinSize)
	if err != nil {
		return nil, fmt.Errorf("provision pool %q: %w", name, err)
	}
	pool.AvailableAgents = append(pool.AvailableAgents, ids...)
	pool.CurrentSize = len(ids)

	entry := &poolEntry{pool: pool, stop: func() {}}

	pm.mu.Lock()
	pm.pools[pool.ID] = entry
	pm.launch(pool.ID, entry)
	pm.mu.Unlock()

	snap := clonePool(pool)
	pm.log.Info("pool created", "pool_id", pool.ID, "name", name, "template", template,
		"min", opts.MinSize, "max", opts.MaxSize, "auto_scale", opts.AutoScale)
	pm.outbox.enqueue(change{
		event: domain.Event{Type: domain.EventPoolCreated, PoolID: pool.ID, Detail: map[string]any{"size": pool.CurrentSize}},
		pool:  snap,
	})
	return snap, nil
}

func (pm *PoolManager) GetPool(id domain.PoolID) (*domain.AgentPool, error) {
	e, err := pm.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return clonePool(e.pool), nil
}

func (pm *PoolManager) GetAllPools() []*domain.AgentPool {
	pm.mu.RLock()
	entries := make([]*poolEntry, 0, len(pm.pools))
	for _, e := range pm.pools {
		entries = append(entries, e)
	}
	pm.mu.RUnlock()

	out := make([]*domain.AgentPool, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.disbanded {
			out = append(out, clonePool(e.pool))
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ScalePool resizes a pool to target. Shrinking takes available agents first
// and busy ones only when force is set; without force a target below the busy
// count fails and leaves the pool untouched.
func (pm *PoolManager) ScalePool(ctx context.Context, id domain.PoolID, target int, force bool) (_ domain.ScaleResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "pools.ScalePool", "pool_id", string(id))
	defer func() { tracing.End(span, err) }()

	e, err := pm.lookup(id)
	if err != nil {
		return domain.ScaleResult{PoolID: id}, err
	}
	e.scaleMu.Lock()
	defer e.scaleMu.Unlock()

	return pm.resize(ctx, e, target, force, "manual")
}

// resize does the work of a scale. Caller holds e.scaleMu.
func (pm *PoolManager) resize(ctx context.Context, e *poolEntry, target int, force bool, reason string) (domain.ScaleResult, error) {
	e.mu.Lock()
	if e.disbanded {
		e.mu.Unlock()
		return domain.ScaleResult{}, domain.PoolNotFound(e.pool.ID)
	}
	id := e.pool.ID
	current := e.pool.CurrentSize
	busy := len(e.pool.BusyAgents)
	minSize, maxSize := e.pool.MinSize, e.pool.MaxSize
	template := e.pool.Template
	e.mu.Unlock()

	result := domain.ScaleResult{PoolID: id, From: current, To: current}
	switch {
	case target < 0 || target > maxSize:
		return result, fmt.Errorf("pool %s: target %d outside 0..%d: %w", id, target, maxSize, domain.ErrInvalidArgument)
	case target < busy && !force:
		return result, fmt.Errorf("pool %s: target %d below %d busy agents: %w", id, target, busy, domain.ErrInsufficientCapacity)
	case target < minSize:
		return result, fmt.Errorf("pool %s: target %d below minimum %d: %w", id, target, minSize, domain.ErrInvalidArgument)
	case target == current:
		return result, nil
	}

	if target > current {
		ids, err := pm.provision(ctx, id, template, target-current)
		if err != nil {
			return result, err
		}
		e.mu.Lock()
		e.pool.AvailableAgents = append(e.pool.AvailableAgents, ids...)
		e.pool.CurrentSize += len(ids)
		e.pool.UpdatedAt = pm.now()
		result.To = e.pool.CurrentSize
		snap := clonePool(e.pool)
		e.mu.Unlock()

		result.Added = ids
		pm.scaled(snap, result, reason)
		return result, nil
	}

	e.mu.Lock()
	victims := pm.detach(e.pool, current-target)
	e.pool.UpdatedAt = pm.now()
	result.To = e.pool.CurrentSize
	snap := clonePool(e.pool)
	e.mu.Unlock()

	for _, agentID := range victims {
		if err := pm.retire(ctx, agentID, domain.StopOptions{Reason: "pool scaled down"}); err != nil {
			result.Warnings = append(result.Warnings, err.Error())
			continue
		}
		result.Removed = append(result.Removed, agentID)
	}
	pm.scaled(snap, result, reason)
	return result, nil
}

// detach takes n members out of the pool, newest available agents first and
// then newest busy agents. Caller holds the pool's mu.
func (pm *PoolManager) detach(p *domain.AgentPool, n int) []domain.AgentID {
	victims := make([]domain.AgentID, 0, n)
	for len(victims) < n && len(p.AvailableAgents) > 0 {
		last := len(p.AvailableAgents) - 1
		victims = append(victims, p.AvailableAgents[last])
		p.AvailableAgents = p.AvailableAgents[:last]
	}
	for len(victims) < n && len(p.BusyAgents) > 0 {
		last := len(p.BusyAgents) - 1
		victims = append(victims, p.BusyAgents[last])
		p.BusyAgents = p.BusyAgents[:last]
	}
	p.CurrentSize -= len(victims)
	return victims
}

func (pm *PoolManager) scaled(snap *domain.AgentPool, result domain.ScaleResult, reason string) {
	pm.log.Info("pool scaled", "pool_id", snap.ID, "from", result.From, "to", result.To,
		"added", len(result.Added), "removed", len(result.Removed), "reason", reason)
	pm.outbox.enqueue(change{
		event: domain.Event{Type: domain.EventPoolScaled, PoolID: snap.ID, Detail: map[string]any{
			"from": result.From, "to": result.To, "reason": reason,
		}},
		pool: snap,
	})
}

// AssignAgent hands out the longest-waiting available agent. An empty pool
// grows by one step when it is allowed to auto-scale.
func (pm *PoolManager) AssignAgent(ctx context.Context, id domain.PoolID) (_ domain.AgentID, err error) {
	ctx, span := tracing.StartSpan(ctx, "pools.AssignAgent", "pool_id", string(id))
	defer func() { tracing.End(span, err) }()

	e, err := pm.lookup(id)
	if err != nil {
		return "", err
	}
	e.scaleMu.Lock()
	defer e.scaleMu.Unlock()

	if agentID, ok := pm.take(e); ok {
		return agentID, nil
	}

	e.mu.Lock()
	current, maxSize, auto := e.pool.CurrentSize, e.pool.MaxSize, e.pool.AutoScale
	e.mu.Unlock()
	if !auto || current >= maxSize {
		return "", fmt.Errorf("pool %s (%d/%d agents): %w", id, current, maxSize, domain.ErrPoolExhausted)
	}

	if _, err := pm.resize(ctx, e, min(current+pm.cfg.Step, maxSize), false, "assign"); err != nil {
		return "", fmt.Errorf("grow pool %s: %w", id, err)
	}
	if agentID, ok := pm.take(e); ok {
		return agentID, nil
	}
	return "", fmt.Errorf("pool %s: %w", id, domain.ErrPoolExhausted)
}

// take moves the first assignable available agent to busy. Agents that are
// not idle or busy in the registry stay where they are.
func (pm *PoolManager) take(e *poolEntry) (domain.AgentID, bool) {
	e.mu.Lock()
	candidates := slices.Clone(e.pool.AvailableAgents)
	e.mu.Unlock()

	for _, agentID := range candidates {
		agent, err := pm.registry.GetAgent(agentID)
		if err != nil || !agent.Active() {
			continue
		}
		e.mu.Lock()
		idx := slices.Index(e.pool.AvailableAgents, agentID)
		if idx < 0 {
			e.mu.Unlock()
			continue
		}
		e.pool.AvailableAgents = slices.Delete(e.pool.AvailableAgents, idx, idx+1)
		e.pool.BusyAgents = append(e.pool.BusyAgents, agentID)
		e.pool.UpdatedAt = pm.now()
		e.mu.Unlock()
		return agentID, true
	}
	return "", false
}

// ReleaseAgent returns a busy agent to the pool, or retires it when its
// health is below the floor. It reports whether the agent was retired.
func (pm *PoolManager) ReleaseAgent(ctx context.Context, id domain.PoolID, agentID domain.AgentID) (retired bool, err error) {
	ctx, span := tracing.StartSpan(ctx, "pools.ReleaseAgent", "pool_id", string(id), "agent_id", string(agentID))
	defer func() { tracing.End(span, err) }()

	e, err := pm.lookup(id)
	if err != nil {
		return false, err
	}
	e.scaleMu.Lock()
	defer e.scaleMu.Unlock()

	e.mu.Lock()
	idx := slices.Index(e.pool.BusyAgents, agentID)
	if idx < 0 {
		e.mu.Unlock()
		return false, fmt.Errorf("agent %s is not assigned in pool %s: %w", agentID, id, domain.ErrNotFound)
	}
	e.mu.Unlock()

	score, err := pm.health.Score(agentID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return false, err
	}
	healthy := err == nil && score >= pm.cfg.HealthFloor

	e.mu.Lock()
	idx = slices.Index(e.pool.BusyAgents, agentID)
	if idx >= 0 {
		e.pool.BusyAgents = slices.Delete(e.pool.BusyAgents, idx, idx+1)
		if healthy {
			e.pool.AvailableAgents = append(e.pool.AvailableAgents, agentID)
		} else {
			e.pool.CurrentSize--
		}
		e.pool.UpdatedAt = pm.now()
	}
	e.mu.Unlock()

	if healthy {
		return false, nil
	}
	pm.log.Warn("retiring agent below health floor", "pool_id", id, "agent_id", agentID,
		"health", score, "floor", pm.cfg.HealthFloor)
	pm.retireAndReplace(ctx, e, []domain.AgentID{agentID})
	return true, nil
}

// retireAndReplace removes already-detached agents and tops the pool back up
// to its minimum when the pool replaces retired members. Caller holds e.scaleMu.
func (pm *PoolManager) retireAndReplace(ctx context.Context, e *poolEntry, ids []domain.AgentID) {
	for _, agentID := range ids {
		if err := pm.retire(ctx, agentID, domain.StopOptions{Reason: "health below floor", Force: true}); err != nil {
			pm.log.Warn("retire failed", "agent_id", agentID, "error", err)
		}
	}

	e.mu.Lock()
	replace := e.pool.ReplaceRetired && e.pool.CurrentSize < e.pool.MinSize
	target := e.pool.MinSize
	snap := clonePool(e.pool)
	e.mu.Unlock()

	if !replace {
		pm.outbox.enqueue(change{pool: snap})
		return
	}
	if _, err := pm.resize(ctx, e, target, false, "replace retired"); err != nil {
		pm.log.Warn("replacement failed", "pool_id", snap.ID, "error", err)
	}
}

// DisbandPool stops and removes every member, then deletes the pool.
func (pm *PoolManager) DisbandPool(ctx context.Context, id domain.PoolID) (err error) {
	ctx, span := tracing.StartSpan(ctx, "pools.DisbandPool", "pool_id", string(id))
	defer func() { tracing.End(span, err) }()

	e, err := pm.lookup(id)
	if err != nil {
		return err
	}
	e.scaleMu.Lock()
	defer e.scaleMu.Unlock()

	e.mu.Lock()
	if e.disbanded {
		e.mu.Unlock()
		return domain.PoolNotFound(id)
	}
	e.disbanded = true
	e.stop()
	members := append(slices.Clone(e.pool.AvailableAgents), e.pool.BusyAgents...)
	e.pool.AvailableAgents = e.pool.AvailableAgents[:0]
	e.pool.BusyAgents = e.pool.BusyAgents[:0]
	e.pool.CurrentSize = 0
	e.mu.Unlock()

	pm.mu.Lock()
	delete(pm.pools, id)
	pm.mu.Unlock()

	var errs []error
	for _, agentID := range members {
		if err := pm.retire(ctx, agentID, domain.StopOptions{Reason: "pool disbanded"}); err != nil {
			errs = append(errs, err)
		}
	}

	pm.log.Info("pool disbanded", "pool_id", id, "members", len(members))
	pm.outbox.enqueue(change{
		event:      domain.Event{Type: domain.EventPoolDisbanded, PoolID: id, Detail: map[string]any{"members": len(members)}},
		deletePool: id,
	})
	return errors.Join(errs...)
}

// Autoscale runs one scaling decision for a pool. Utilization above the high
// water mark grows by one step; below the low water mark it shrinks by one
// step, never below the minimum or the busy count.
func (pm *PoolManager) Autoscale(ctx context.Context, id domain.PoolID) (domain.ScaleResult, bool, error) {
	e, err := pm.lookup(id)
	if err != nil {
		return domain.ScaleResult{PoolID: id}, false, err
	}
	e.scaleMu.Lock()
	defer e.scaleMu.Unlock()

	e.mu.Lock()
	if !e.pool.AutoScale || e.disbanded {
		e.mu.Unlock()
		return domain.ScaleResult{PoolID: id}, false, nil
	}
	util := e.pool.Utilization()
	current := e.pool.CurrentSize
	busy := len(e.pool.BusyAgents)
	minSize, maxSize := e.pool.MinSize, e.pool.MaxSize
	e.mu.Unlock()

	target := current
	switch {
	case current < minSize:
		target = minSize
	case util > pm.cfg.HighWater && current < maxSize:
		target = min(current+pm.cfg.Step, maxSize)
	case util < pm.cfg.LowWater && current > minSize:
		target = max(current-pm.cfg.Step, minSize, busy)
	}
	if target == current {
		return domain.ScaleResult{PoolID: id, From: current, To: current}, false, nil
	}

	result, err := pm.resize(ctx, e, target, false, "autoscale")
	return result, err == nil, err
}

// RetireUnhealthy retires available members whose health is below the floor.
func (pm *PoolManager) RetireUnhealthy(ctx context.Context, id domain.PoolID) ([]domain.AgentID, error) {
	e, err := pm.lookup(id)
	if err != nil {
		return nil, err
	}
	e.scaleMu.Lock()
	defer e.scaleMu.Unlock()

	e.mu.Lock()
	candidates := slices.Clone(e.pool.AvailableAgents)
	e.mu.Unlock()

	var unhealthy []domain.AgentID
	for _, agentID := range candidates {
		score, err := pm.health.Score(agentID)
		if err != nil || score >= pm.cfg.HealthFloor {
			continue
		}
		unhealthy = append(unhealthy, agentID)
	}
	if len(unhealthy) == 0 {
		return nil, nil
	}

	var retired []domain.AgentID
	e.mu.Lock()
	for _, agentID := range unhealthy {
		idx := slices.Index(e.pool.AvailableAgents, agentID)
		if idx < 0 {
			continue
		}
		e.pool.AvailableAgents = slices.Delete(e.pool.AvailableAgents, idx, idx+1)
		e.pool.CurrentSize--
		retired = append(retired, agentID)
	}
	e.pool.UpdatedAt = pm.now()
	e.mu.Unlock()

	pm.log.Warn("retiring idle agents below health floor", "pool_id", id, "count", len(retired))
	pm.retireAndReplace(ctx, e, retired)
	return retired, nil
}

// maintain is the per-pool background loop.
func (pm *PoolManager) maintain(ctx context.Context, id domain.PoolID) {
	defer pm.wg.Done()

	ticker := time.NewTicker(pm.cfg.AutoscaleInterval)
	defer ticker.Stop()

	log := pm.log.With("pool_id", id)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := pm.RetireUnhealthy(ctx, id); err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					return
				}
				log.Warn("health retirement failed", "error", err)
			}
			if _, _, err := pm.Autoscale(ctx, id); err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					return
				}
				log.Warn("autoscale failed", "error", err)
			}
		}
	}
}

// Start relaunches the loops of every pool after a Shutdown. It is a no-op
// while the loops are running.
func (pm *PoolManager) Start() {
	pm.loopMu.Lock()
	defer pm.loopMu.Unlock()

	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.ctx != nil {
		return
	}
	pm.ctx, pm.cancel = context.WithCancel(context.Background())
	for id, e := range pm.pools {
		pm.launch(id, e)
	}
}

// Shutdown stops every pool loop and waits for them to exit. Pools and their
// agents are left in place; pools created before the next Start get no loop
// until then.
func (pm *PoolManager) Shutdown() {
	pm.loopMu.Lock()
	defer pm.loopMu.Unlock()

	pm.mu.Lock()
	cancel := pm.cancel
	pm.ctx, pm.cancel = nil, nil
	pm.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	pm.wg.Wait()
}

// launch starts the maintenance loop for a pool. Caller holds pm.mu.
func (pm *PoolManager) launch(id domain.PoolID, e *poolEntry) {
	if pm.ctx == nil {
		return
	}
	loopCtx, stop := context.WithCancel(pm.ctx)
	e.mu.Lock()
	if e.disbanded {
		e.mu.Unlock()
		stop()
		return
	}
	e.stop = stop
	e.mu.Unlock()

	pm.wg.Add(1)
	go pm.maintain(loopCtx, id)
}

// provision creates and starts n agents for a pool. On failure every agent
// created so far is torn down again.
func (pm *PoolManager) provision(ctx context.Context, id domain.PoolID, template string, n int) ([]domain.AgentID, error) {
	ids := make([]domain.AgentID, 0, n)
	for i := 0; i < n; i++ {
		agent, err := pm.registry.CreateAgent(ctx, template, domain.CreateOptions{PoolID: id})
		if err == nil {
			_, err = pm.registry.StartAgent(ctx, agent.ID)
			if err != nil {
				ids = append(ids, agent.ID)
			}
		}
		if err != nil {
			for _, created := range ids {
				if rerr := pm.retire(ctx, created, domain.StopOptions{Reason: "provisioning rolled back", Force: true}); rerr != nil {
					pm.log.Warn("rollback failed", "agent_id", created, "error", rerr)
				}
			}
			return nil, err
		}
		ids = append(ids, agent.ID)
	}
	return ids, nil
}

// retire brings an agent to terminated by whatever edges its state allows and
// removes it from the registry. A missing agent counts as retired.
func (pm *PoolManager) retire(ctx context.Context, id domain.AgentID, opts domain.StopOptions) error {
	agent, err := pm.registry.GetAgent(id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if agent.Status == domain.AgentStatusInitializing || agent.Status == domain.AgentStatusOffline {
		if agent, err = pm.registry.StartAgent(ctx, id); err != nil {
			return fmt.Errorf("retire %s: %w", id, err)
		}
	}
	if !agent.Status.Terminal() && agent.Status != domain.AgentStatusTerminating {
		if _, err := pm.registry.StopAgent(ctx, id, opts); err != nil {
			return fmt.Errorf("retire %s: %w", id, err)
		}
	}
	if err := pm.registry.RemoveAgent(ctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("retire %s: %w", id, err)
	}
	return nil
}

// forgetAgent drops an agent erased from the registry out of any pool still
// listing it.
func (pm *PoolManager) forgetAgent(id domain.AgentID) {
	pm.mu.RLock()
	entries := make([]*poolEntry, 0, len(pm.pools))
	for _, e := range pm.pools {
		entries = append(entries, e)
	}
	pm.mu.RUnlock()

	for _, e := range entries {
		e.mu.Lock()
		if idx := slices.Index(e.pool.AvailableAgents, id); idx >= 0 {
			e.pool.AvailableAgents = slices.Delete(e.pool.AvailableAgents, idx, idx+1)
			e.pool.CurrentSize--
		} else if idx := slices.Index(e.pool.BusyAgents, id); idx >= 0 {
			e.pool.BusyAgents = slices.Delete(e.pool.BusyAgents, idx, idx+1)
			e.pool.CurrentSize--
		}
		e.mu.Unlock()
	}
}

func (pm *PoolManager) lookup(id domain.PoolID) (*poolEntry, error) {
	pm.mu.RLock()
	e, ok := pm.pools[id]
	pm.mu.RUnlock()
	if !ok {
		return nil, domain.PoolNotFound(id)
	}
	return e, nil
}

func clonePool(p *domain.AgentPool) *domain.AgentPool {
	cp := *p
	cp.AvailableAgents = slices.Clone(p.AvailableAgents)
	cp.BusyAgents = slices.Clone(p.BusyAgents)
	if cp.AvailableAgents == nil {
		cp.AvailableAgents = []domain.AgentID{}
	}
	if cp.BusyAgents == nil {
		cp.BusyAgents = []domain.AgentID{}
	}
	return &cp
}
