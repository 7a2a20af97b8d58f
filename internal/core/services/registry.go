package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentfleet.manager/internal/core/domain"
	"agentfleet.manager/internal/core/logger"
	"agentfleet.manager/internal/core/ports"
	"agentfleet.manager/internal/core/tracing"
)

const (
	defaultDrainTimeout = 30 * time.Second
	defaultHistoryLimit = 100
)

type RegistryConfig struct {
	// DrainTimeout bounds how long a graceful stop waits for workload to reach zero.
	DrainTimeout time.Duration
	// HistoryLimit caps the number of task records kept per agent.
	HistoryLimit int
}

func (c RegistryConfig) withDefaults() RegistryConfig {
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = defaultDrainTimeout
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = defaultHistoryLimit
	}
	return c
}

// Registry is the single owner of Agent records. Every status change goes
// through the lifecycle table under the agent's own mutex; callers only ever
// see copies.
type Registry struct {
	catalog ports.TemplateCatalog
	outbox  *Outbox
	cfg     RegistryConfig
	log     *slog.Logger
	now     func() time.Time

	mu     sync.RWMutex
	agents map[domain.AgentID]*agentEntry

	hooksMu     sync.RWMutex
	removeHooks []func(domain.AgentID)
}

type agentEntry struct {
	mu          sync.Mutex
	agent       *domain.Agent
	removed     bool
	activeSince time.Time
	// offlineFrom is the state the agent held when it last went offline.
	offlineFrom domain.AgentStatus
	// changed is closed and replaced whenever workload changes so drainers can wait on it.
	changed chan struct{}
}

func NewRegistry(catalog ports.TemplateCatalog, outbox *Outbox, cfg RegistryConfig) *Registry {
	return &Registry{
		catalog: catalog,
		outbox:  outbox,
		cfg:     cfg.withDefaults(),
		log:     logger.For("registry"),
		now:     time.Now,
		agents:  make(map[domain.AgentID]*agentEntry),
	}
}

// OnRemove registers fn to run after an agent record is erased.
func (r *Registry) OnRemove(fn func(domain.AgentID)) {
	r.hooksMu.Lock()
	r.removeHooks = append(r.removeHooks, fn)
	r.hooksMu.Unlock()
}

// DrainTimeout is the configured graceful stop bound.
func (r *Registry) DrainTimeout() time.Duration {
	return r.cfg.DrainTimeout
}

// Templates lists the catalog the registry creates agents from.
func (r *Registry) Templates() []domain.Template {
	return r.catalog.List()
}

func (r *Registry) CreateAgent(ctx context.Context, template string, opts domain.CreateOptions) (_ *domain.Agent, err error) {
	_, span := tracing.StartSpan(ctx, "registry.CreateAgent", "template", template)
	defer func() { tracing.End(span, err) }()

	tpl, ok := r.catalog.Get(template)
	if !ok {
		return nil, fmt.Errorf("template %q: %w", template, domain.ErrTemplateNotFound)
	}

	cfg := tpl.Config
	if opts.Config != nil {
		cfg = opts.Config.Apply(cfg)
	}
	env := tpl.Environment
	if opts.Environment != nil {
		env = mergeEnvironment(env, *opts.Environment)
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	now := r.now()
	id := domain.AgentID(uuid.NewString())
	name := opts.Name
	if name == "" {
		name = fmt.Sprintf("%s-%s", tpl.Name, string(id)[:8])
	}

	agent := &domain.Agent{
		ID:            id,
		Instance:      uuid.NewString(),
		Name:          name,
		Type:          tpl.Type,
		Template:      tpl.Name,
		Status:        domain.AgentStatusInitializing,
		Health:        1,
		Config:        cfg,
		Environment:   env,
		Metrics:       domain.AgentMetrics{SuccessRate: 1, LastActivity: now},
		PoolID:        opts.PoolID,
		LastHeartbeat: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	r.mu.Lock()
	r.agents[id] = &agentEntry{agent: agent, changed: make(chan struct{})}
	r.mu.Unlock()

	r.log.Info("agent created", "agent_id", id, "template", tpl.Name, "type", tpl.Type, "name", name)
	r.outbox.enqueue(change{
		event: domain.Event{Type: domain.EventAgentCreated, AgentID: id, PoolID: opts.PoolID, To: agent.Status},
		agent: agent.Clone(),
	})
	return agent.Clone(), nil
}

// StartAgent moves an initializing agent to idle and brings an offline agent
// back to the state it went offline from.
func (r *Registry) StartAgent(ctx context.Context, id domain.AgentID) (_ *domain.Agent, err error) {
	_, span := tracing.StartSpan(ctx, "registry.StartAgent", "agent_id", string(id))
	defer func() { tracing.End(span, err) }()

	return r.mutate(id, func(e *agentEntry) ([]transitionRecord, error) {
		a := e.agent
		switch a.Status {
		case domain.AgentStatusInitializing:
			t, err := r.apply(e, domain.EventInitialized, "started")
			if err != nil {
				return nil, err
			}
			a.LastHeartbeat = r.now()
			return []transitionRecord{t}, nil
		case domain.AgentStatusOffline:
			a.LastHeartbeat = r.now()
			return r.restore(e, "started")
		default:
			return nil, &domain.TransitionError{From: a.Status, Event: domain.EventInitialized}
		}
	})
}

// StopAgent terminates an idle, busy or errored agent. Without Force it waits
// up to the drain timeout for in-flight work to finish, then escalates.
func (r *Registry) StopAgent(ctx context.Context, id domain.AgentID, opts domain.StopOptions) (_ domain.StopResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "registry.StopAgent", "agent_id", string(id), "reason", opts.Reason)
	defer func() { tracing.End(span, err) }()

	result := domain.StopResult{AgentID: id}
	started := r.now()

	var workload int
	if _, err := r.mutate(id, func(e *agentEntry) ([]transitionRecord, error) {
		t, err := r.apply(e, domain.EventStopRequested, opts.Reason)
		if err != nil {
			return nil, err
		}
		workload = e.agent.Workload
		return []transitionRecord{t}, nil
	}); err != nil {
		return result, err
	}

	if !opts.Force && workload > 0 {
		if err := r.waitDrained(ctx, id); err != nil {
			result.Escalated = true
			r.log.Warn("graceful stop escalated to forced termination",
				"agent_id", id, "reason", opts.Reason, "cause", err, "drain_timeout", r.cfg.DrainTimeout)
		}
	}

	snap, err := r.mutate(id, func(e *agentEntry) ([]transitionRecord, error) {
		result.AbandonedTasks = r.abandonTasks(e)
		t, err := r.apply(e, domain.EventCleanupComplete, opts.Reason)
		if err != nil {
			return nil, err
		}
		return []transitionRecord{t}, nil
	})
	if err != nil {
		return result, err
	}

	result.Status = snap.Status
	result.Drained = r.now().Sub(started)
	return result, nil
}

// waitDrained blocks until the agent's workload is zero, the drain timeout
// fires or ctx is done. It never holds the agent lock while waiting.
func (r *Registry) waitDrained(ctx context.Context, id domain.AgentID) error {
	timer := time.NewTimer(r.cfg.DrainTimeout)
	defer timer.Stop()

	for {
		e, err := r.lookup(id)
		if err != nil {
			return err
		}
		e.mu.Lock()
		if e.removed {
			e.mu.Unlock()
			return domain.AgentNotFound(id)
		}
		if e.agent.Workload == 0 {
			e.mu.Unlock()
			return nil
		}
		changed := e.changed
		e.mu.Unlock()

		select {
		case <-changed:
		case <-timer.C:
			return domain.ErrTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// RestartAgent stops the agent (gracefully) if it is still running and brings
// it back to idle with the same identity and configuration.
func (r *Registry) RestartAgent(ctx context.Context, id domain.AgentID, reason string) (_ *domain.Agent, err error) {
	ctx, span := tracing.StartSpan(ctx, "registry.RestartAgent", "agent_id", string(id), "reason", reason)
	defer func() { tracing.End(span, err) }()

	current, err := r.GetAgent(id)
	if err != nil {
		return nil, err
	}
	if current.Status != domain.AgentStatusTerminated {
		if _, err := r.StopAgent(ctx, id, domain.StopOptions{Reason: reason}); err != nil {
			return nil, fmt.Errorf("restart %s: %w", id, err)
		}
	}

	return r.mutate(id, func(e *agentEntry) ([]transitionRecord, error) {
		t1, err := r.apply(e, domain.EventRestart, reason)
		if err != nil {
			return nil, err
		}
		e.agent.RestartCount++
		e.agent.Instance = uuid.NewString()
		e.agent.Workload = 0
		e.agent.LastHeartbeat = r.now()
		t2, err := r.apply(e, domain.EventInitialized, reason)
		if err != nil {
			return nil, err
		}
		return []transitionRecord{t1, t2}, nil
	})
}

// RemoveAgent erases a terminated agent and everything recorded about it.
func (r *Registry) RemoveAgent(ctx context.Context, id domain.AgentID) (err error) {
	_, span := tracing.StartSpan(ctx, "registry.RemoveAgent", "agent_id", string(id))
	defer func() { tracing.End(span, err) }()

	e, err := r.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return domain.AgentNotFound(id)
	}
	if !e.agent.Status.Terminal() {
		status := e.agent.Status
		e.mu.Unlock()
		return fmt.Errorf("remove agent %s in state %s: %w", id, status, domain.ErrInvalidTransition)
	}
	e.removed = true
	close(e.changed)
	r.outbox.enqueue(change{
		event:       domain.Event{Type: domain.EventAgentRemoved, AgentID: id, PoolID: e.agent.PoolID},
		deleteAgent: id,
	})
	e.mu.Unlock()

	r.mu.Lock()
	delete(r.agents, id)
	r.mu.Unlock()

	r.hooksMu.RLock()
	hooks := r.removeHooks
	r.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(id)
	}

	r.log.Info("agent removed", "agent_id", id)
	return nil
}

func (r *Registry) GetAgent(id domain.AgentID) (*domain.Agent, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return nil, domain.AgentNotFound(id)
	}
	return r.snapshot(e), nil
}

// GetAllAgents returns snapshots ordered by creation time.
func (r *Registry) GetAllAgents() []*domain.Agent {
	r.mu.RLock()
	entries := make([]*agentEntry, 0, len(r.agents))
	for _, e := range r.agents {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]*domain.Agent, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.removed {
			out = append(out, r.snapshot(e))
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

// Count is the number of live records.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// BeginTask records a new in-flight task and marks an idle agent busy.
func (r *Registry) BeginTask(ctx context.Context, id domain.AgentID, taskID string) (*domain.Agent, error) {
	return r.mutate(id, func(e *agentEntry) ([]transitionRecord, error) {
		a := e.agent
		if a.Status != domain.AgentStatusIdle && a.Status != domain.AgentStatusBusy {
			return nil, &domain.TransitionError{From: a.Status, Event: domain.EventTaskAssigned}
		}
		if a.Config.MaxConcurrentTasks > 0 && a.Workload >= a.Config.MaxConcurrentTasks {
			return nil, fmt.Errorf("agent %s at %d/%d tasks: %w", id, a.Workload, a.Config.MaxConcurrentTasks, domain.ErrInsufficientCapacity)
		}
		if taskID == "" {
			taskID = uuid.NewString()
		}

		now := r.now()
		a.Workload++
		a.Metrics.LastActivity = now
		a.TaskHistory = append(a.TaskHistory, domain.TaskRecord{TaskID: taskID, StartedAt: now})
		r.trimHistory(a)
		r.signal(e)

		if a.Status == domain.AgentStatusIdle {
			t, err := r.apply(e, domain.EventTaskAssigned, taskID)
			if err != nil {
				return nil, err
			}
			return []transitionRecord{t}, nil
		}
		return nil, nil
	})
}

// EndTask completes an in-flight task, updates the agent's counters and
// returns a busy agent to idle when its workload drains to zero.
func (r *Registry) EndTask(ctx context.Context, id domain.AgentID, taskID string, success bool) (*domain.Agent, error) {
	return r.mutate(id, func(e *agentEntry) ([]transitionRecord, error) {
		a := e.agent
		idx := -1
		for i := len(a.TaskHistory) - 1; i >= 0; i-- {
			if a.TaskHistory[i].TaskID == taskID && !a.TaskHistory[i].Done() {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, fmt.Errorf("task %s on agent %s: %w", taskID, id, domain.ErrNotFound)
		}

		now := r.now()
		rec := &a.TaskHistory[idx]
		rec.FinishedAt = now
		rec.Duration = now.Sub(rec.StartedAt)
		rec.Success = success

		a.Workload--
		if success {
			a.Metrics.TasksCompleted++
		} else {
			a.Metrics.TasksFailed++
		}
		finished := a.Metrics.TasksCompleted + a.Metrics.TasksFailed
		a.Metrics.SuccessRate = float64(a.Metrics.TasksCompleted) / float64(finished)
		a.Metrics.AverageExecutionTime += (rec.Duration - a.Metrics.AverageExecutionTime) / time.Duration(finished)
		a.Metrics.LastActivity = now
		r.signal(e)

		if a.Status == domain.AgentStatusBusy && a.Workload == 0 {
			t, err := r.apply(e, domain.EventDrained, taskID)
			if err != nil {
				return nil, err
			}
			return []transitionRecord{t}, nil
		}
		return nil, nil
	})
}

// ReportFault moves an active agent into the error state.
func (r *Registry) ReportFault(ctx context.Context, id domain.AgentID, reason string) (*domain.Agent, error) {
	return r.mutate(id, func(e *agentEntry) ([]transitionRecord, error) {
		t, err := r.apply(e, domain.EventFault, reason)
		if err != nil {
			return nil, err
		}
		return []transitionRecord{t}, nil
	})
}

// Heartbeat refreshes liveness and restores an offline agent.
func (r *Registry) Heartbeat(ctx context.Context, id domain.AgentID) (*domain.Agent, error) {
	return r.mutate(id, func(e *agentEntry) ([]transitionRecord, error) {
		e.agent.LastHeartbeat = r.now()
		if e.agent.Status == domain.AgentStatusOffline {
			return r.restore(e, "heartbeat")
		}
		return nil, nil
	})
}

// MarkOffline moves an agent offline if its last heartbeat is older than
// staleAfter. It reports whether the agent was moved.
func (r *Registry) MarkOffline(ctx context.Context, id domain.AgentID, staleAfter time.Duration) (bool, error) {
	moved := false
	_, err := r.mutate(id, func(e *agentEntry) ([]transitionRecord, error) {
		a := e.agent
		if r.now().Sub(a.LastHeartbeat) <= staleAfter || !domain.CanApply(a.Status, domain.EventHeartbeatMissed) {
			return nil, nil
		}
		t, err := r.apply(e, domain.EventHeartbeatMissed, "heartbeat timeout")
		if err != nil {
			return nil, err
		}
		moved = true
		return []transitionRecord{t}, nil
	})
	return moved, err
}

// ApplySample stores the latest raw resource reading for an agent.
func (r *Registry) ApplySample(ctx context.Context, id domain.AgentID, s ports.ResourceSample) error {
	_, err := r.mutate(id, func(e *agentEntry) ([]transitionRecord, error) {
		m := &e.agent.Metrics
		m.CPUUsage = s.CPU
		m.MemoryUsage = s.Memory
		m.DiskUsage = s.Disk
		if s.ResponseTime > 0 {
			m.ResponseTime = s.ResponseTime
		}
		return nil, nil
	})
	return err
}

// SetHealth records the latest composite score computed by the monitor.
func (r *Registry) SetHealth(ctx context.Context, id domain.AgentID, score float64) error {
	_, err := r.mutate(id, func(e *agentEntry) ([]transitionRecord, error) {
		e.agent.Health = domain.Clamp01(score)
		return nil, nil
	})
	return err
}

type transitionRecord struct {
	from, to domain.AgentStatus
	event    domain.LifecycleEvent
	reason   string
}

func (r *Registry) lookup(id domain.AgentID) (*agentEntry, error) {
	r.mu.RLock()
	e, ok := r.agents[id]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.AgentNotFound(id)
	}
	return e, nil
}

// mutate runs fn under the agent's lock, then logs and mirrors whatever
// transitions it committed. fn must leave the record untouched on error.
func (r *Registry) mutate(id domain.AgentID, fn func(e *agentEntry) ([]transitionRecord, error)) (*domain.Agent, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return nil, domain.AgentNotFound(id)
	}
	before := *e.agent
	before.TaskHistory = append([]domain.TaskRecord(nil), e.agent.TaskHistory...)
	activeSince, offlineFrom := e.activeSince, e.offlineFrom
	records, err := fn(e)
	if err != nil {
		*e.agent = before
		e.activeSince, e.offlineFrom = activeSince, offlineFrom
		e.mu.Unlock()
		return nil, err
	}
	e.agent.UpdatedAt = r.now()
	snap := r.snapshot(e)
	// Enqueued under e.mu so the journal sees this agent's changes in the
	// same order they were committed, including a later removal.
	for _, t := range records {
		r.outbox.enqueue(change{
			event: domain.Event{
				Type:    domain.EventAgentTransition,
				AgentID: id,
				PoolID:  snap.PoolID,
				From:    t.from,
				To:      t.to,
				Detail:  map[string]any{"event": string(t.event), "reason": t.reason},
			},
			agent: snap,
		})
	}
	e.mu.Unlock()

	for _, t := range records {
		r.log.Info("agent transition",
			"agent_id", id, "from", t.from, "to", t.to, "event", t.event, "reason", t.reason)
	}
	return snap, nil
}

// apply performs one table-driven transition. Caller holds e.mu.
func (r *Registry) apply(e *agentEntry, event domain.LifecycleEvent, reason string) (transitionRecord, error) {
	from := e.agent.Status
	to, err := domain.Next(from, event)
	if err != nil {
		return transitionRecord{}, err
	}

	now := r.now()
	wasActive := isActive(from)
	nowActive := isActive(to)
	switch {
	case !wasActive && nowActive:
		e.activeSince = now
	case wasActive && !nowActive:
		e.agent.Metrics.TotalUptime += now.Sub(e.activeSince)
		e.activeSince = time.Time{}
	}

	if to == domain.AgentStatusOffline {
		e.offlineFrom = from
	}
	e.agent.Status = to
	return transitionRecord{from: from, to: to, event: event, reason: reason}, nil
}

// restore brings an offline agent back to the state it left: an errored agent
// stays errored, otherwise idle, resuming busy if work is in flight.
func (r *Registry) restore(e *agentEntry, reason string) ([]transitionRecord, error) {
	if e.offlineFrom == domain.AgentStatusError {
		t, err := r.apply(e, domain.EventFaultRestore, reason)
		if err != nil {
			return nil, err
		}
		return []transitionRecord{t}, nil
	}
	t, err := r.apply(e, domain.EventHeartbeatRestore, reason)
	if err != nil {
		return nil, err
	}
	records := []transitionRecord{t}
	if e.agent.Workload > 0 {
		t2, err := r.apply(e, domain.EventTaskAssigned, reason)
		if err != nil {
			return nil, err
		}
		records = append(records, t2)
	}
	return records, nil
}

// abandonTasks closes every open task record. Caller holds e.mu.
func (r *Registry) abandonTasks(e *agentEntry) int {
	a := e.agent
	if a.Workload == 0 {
		return 0
	}
	now := r.now()
	n := 0
	for i := range a.TaskHistory {
		rec := &a.TaskHistory[i]
		if rec.Done() {
			continue
		}
		rec.FinishedAt = now
		rec.Duration = now.Sub(rec.StartedAt)
		rec.Abandoned = true
		n++
	}
	a.Workload = 0
	r.signal(e)
	return n
}

func (r *Registry) trimHistory(a *domain.Agent) {
	for len(a.TaskHistory) > r.cfg.HistoryLimit {
		idx := -1
		for i, rec := range a.TaskHistory {
			if rec.Done() {
				idx = i
				break
			}
		}
		if idx < 0 {
			return
		}
		a.TaskHistory = append(a.TaskHistory[:idx], a.TaskHistory[idx+1:]...)
	}
}

// signal wakes anyone waiting on a workload change. Caller holds e.mu.
func (r *Registry) signal(e *agentEntry) {
	close(e.changed)
	e.changed = make(chan struct{})
}

// snapshot copies the record and folds the running uptime segment in.
func (r *Registry) snapshot(e *agentEntry) *domain.Agent {
	c := e.agent.Clone()
	if !e.activeSince.IsZero() {
		c.Metrics.TotalUptime += r.now().Sub(e.activeSince)
	}
	return c
}

func isActive(s domain.AgentStatus) bool {
	return s == domain.AgentStatusIdle || s == domain.AgentStatusBusy
}

func mergeEnvironment(base, override domain.Environment) domain.Environment {
	if override.MaxMemoryUsage != 0 {
		base.MaxMemoryUsage = override.MaxMemoryUsage
	}
	if override.Runtime != "" {
		base.Runtime = override.Runtime
	}
	if override.WorkingDirectory != "" {
		base.WorkingDirectory = override.WorkingDirectory
	}
	return base
}

func validateConfig(c domain.AgentConfig) error {
	var errs []error
	if c.AutonomyLevel < 0 || c.AutonomyLevel > 1 {
		errs = append(errs, fmt.Errorf("autonomy level %v outside [0,1]", c.AutonomyLevel))
	}
	if c.MaxConcurrentTasks < 0 {
		errs = append(errs, fmt.Errorf("max concurrent tasks %d is negative", c.MaxConcurrentTasks))
	}
	if c.TimeoutThreshold < 0 {
		errs = append(errs, fmt.Errorf("timeout threshold %s is negative", c.TimeoutThreshold))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", domain.ErrInvalidArgument, errors.Join(errs...))
}
