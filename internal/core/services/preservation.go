package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"agentfleet.manager/internal/core/circuitbreaker"
	"agentfleet.manager/internal/core/domain"
	"agentfleet.manager/internal/core/logger"
	"agentfleet.manager/internal/core/ports"
)

const preservedKeyPrefix = "fleet:preserved:"

// PreservedKey is the deterministic archive key for an agent's current
// incarnation. A restarted agent gets a new key.
func PreservedKey(a *domain.Agent) string {
	return fmt.Sprintf("%s%s:%s:%d", preservedKeyPrefix, a.ID, a.Instance, a.RestartCount)
}

// Preservation archives terminated agents to the external key-value store.
// Every store call is bounded by timeout and guarded by a circuit breaker.
type Preservation struct {
	store   ports.ArchiveStore
	breaker *circuitbreaker.CircuitBreaker
	outbox  *Outbox
	timeout time.Duration
	log     *slog.Logger
	now     func() time.Time
}

func NewPreservation(store ports.ArchiveStore, outbox *Outbox, timeout time.Duration) *Preservation {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Preservation{
		store:   store,
		breaker: circuitbreaker.New("archive-store"),
		outbox:  outbox,
		timeout: timeout,
		log:     logger.For("preservation"),
		now:     time.Now,
	}
}

// Preserve writes a terminated agent's snapshot once. Failures wrap
// domain.ErrPersistenceFailure; a second write for the same incarnation wraps
// domain.ErrAlreadyPreserved.
func (p *Preservation) Preserve(ctx context.Context, agent *domain.Agent, result domain.StopResult, opts domain.StopOptions) (string, error) {
	if agent.Status != domain.AgentStatusTerminated {
		return "", fmt.Errorf("preserve agent %s in state %s: %w", agent.ID, agent.Status, domain.ErrInvalidTransition)
	}
	if p.store == nil {
		return "", fmt.Errorf("no archive store configured: %w", domain.ErrPersistenceFailure)
	}

	record := domain.PreservedAgent{
		Key:             PreservedKey(agent),
		Agent:           *agent.Clone(),
		TerminationTime: p.now(),
		Reason:          opts.Reason,
		PreservedBy:     opts.PreservedBy,
		Escalated:       result.Escalated,
	}
	if record.PreservedBy == "" {
		record.PreservedBy = "fleet"
	}

	data, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("encode %s: %v: %w", record.Key, err, domain.ErrPersistenceFailure)
	}

	var conflict error
	err = p.call(ctx, func(ctx context.Context) error {
		err := p.store.Store(ctx, record.Key, data, record.Tags())
		if errors.Is(err, domain.ErrAlreadyPreserved) {
			conflict = err
			return nil
		}
		return err
	})
	if conflict != nil {
		return record.Key, fmt.Errorf("preserve %s: %w", record.Key, conflict)
	}
	if err != nil {
		return "", fmt.Errorf("preserve %s: %v: %w", record.Key, err, domain.ErrPersistenceFailure)
	}

	p.log.Info("agent preserved", "agent_id", agent.ID, "key", record.Key, "reason", record.Reason)
	p.outbox.enqueue(change{event: domain.Event{
		Type:    domain.EventAgentPreserved,
		AgentID: agent.ID,
		PoolID:  agent.PoolID,
		Detail:  map[string]any{"key": record.Key, "reason": record.Reason},
	}})
	return record.Key, nil
}

func (p *Preservation) Get(ctx context.Context, key string) (*domain.PreservedAgent, error) {
	if p.store == nil {
		return nil, fmt.Errorf("no archive store configured: %w", domain.ErrPersistenceFailure)
	}
	var data []byte
	err := p.call(ctx, func(ctx context.Context) error {
		var err error
		data, err = p.store.Load(ctx, key)
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	if data == nil {
		return nil, fmt.Errorf("preserved record %s: %w", key, domain.ErrNotFound)
	}

	var record domain.PreservedAgent
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &record, nil
}

// Count returns the number of records in the archive.
func (p *Preservation) Count(ctx context.Context) (int64, error) {
	if p.store == nil {
		return 0, fmt.Errorf("no archive store configured: %w", domain.ErrPersistenceFailure)
	}
	var n int64
	err := p.call(ctx, func(ctx context.Context) error {
		var err error
		n, err = p.store.Count(ctx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("count archive: %w", err)
	}
	return n, nil
}

// List returns up to limit records, newest first.
func (p *Preservation) List(ctx context.Context, offset, limit int64) ([]*domain.PreservedAgent, error) {
	if p.store == nil {
		return nil, fmt.Errorf("no archive store configured: %w", domain.ErrPersistenceFailure)
	}
	var keys []string
	if err := p.call(ctx, func(ctx context.Context) error {
		var err error
		keys, err = p.store.List(ctx, offset, limit)
		return err
	}); err != nil {
		return nil, fmt.Errorf("list preserved: %w", err)
	}
	return p.loadAll(ctx, keys)
}

// Find returns records whose tag matches value, e.g. ("template", "researcher").
func (p *Preservation) Find(ctx context.Context, tag, value string) ([]*domain.PreservedAgent, error) {
	if p.store == nil {
		return nil, fmt.Errorf("no archive store configured: %w", domain.ErrPersistenceFailure)
	}
	var keys []string
	if err := p.call(ctx, func(ctx context.Context) error {
		var err error
		keys, err = p.store.FindByTag(ctx, tag, value)
		return err
	}); err != nil {
		return nil, fmt.Errorf("find preserved %s=%s: %w", tag, value, err)
	}
	return p.loadAll(ctx, keys)
}

func (p *Preservation) loadAll(ctx context.Context, keys []string) ([]*domain.PreservedAgent, error) {
	out := make([]*domain.PreservedAgent, 0, len(keys))
	for _, key := range keys {
		record, err := p.Get(ctx, key)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, nil
}

func (p *Preservation) call(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.breaker.Execute(ctx, fn)
}
