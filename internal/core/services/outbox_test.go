package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentfleet.manager/internal/core/domain"
)

type recordingJournal struct {
	mu            sync.Mutex
	savedAgents   []domain.AgentID
	deletedAgents []domain.AgentID
	savedPools    []domain.PoolID
	deletedPools  []domain.PoolID
	ops           []journalOp
}

type journalOp struct {
	kind string
	id   string
}

func (j *recordingJournal) SaveAgent(ctx context.Context, a *domain.Agent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.savedAgents = append(j.savedAgents, a.ID)
	j.ops = append(j.ops, journalOp{"save", string(a.ID)})
	return nil
}

func (j *recordingJournal) DeleteAgent(ctx context.Context, id domain.AgentID) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.deletedAgents = append(j.deletedAgents, id)
	j.ops = append(j.ops, journalOp{"delete", string(id)})
	return nil
}

func (j *recordingJournal) SavePool(ctx context.Context, p *domain.AgentPool) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.savedPools = append(j.savedPools, p.ID)
	return nil
}

func (j *recordingJournal) DeletePool(ctx context.Context, id domain.PoolID) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.deletedPools = append(j.deletedPools, id)
	return nil
}

type failingPublisher struct {
	mu    sync.Mutex
	calls int
}

func (p *failingPublisher) PublishEvent(ctx context.Context, e domain.Event) error {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	return errors.New("bus down")
}

func TestOutboxMirrorsChanges(t *testing.T) {
	journal := &recordingJournal{}
	publisher := &failingPublisher{}
	o := NewOutbox(journal, publisher, time.Second)

	o.enqueue(change{event: domain.Event{Type: domain.EventAgentCreated, AgentID: "a1"}, agent: &domain.Agent{ID: "a1"}})
	o.enqueue(change{event: domain.Event{Type: domain.EventAgentRemoved, AgentID: "a1"}, deleteAgent: "a1"})
	o.enqueue(change{pool: &domain.AgentPool{ID: "p1"}})
	o.enqueue(change{event: domain.Event{Type: domain.EventPoolDisbanded, PoolID: "p1"}, deletePool: "p1"})

	events := runOutbox(t, o)
	waitEvent(t, events, func(e domain.Event) bool { return e.Type == domain.EventPoolDisbanded })

	journal.mu.Lock()
	defer journal.mu.Unlock()
	assert.Equal(t, []domain.AgentID{"a1"}, journal.savedAgents)
	assert.Equal(t, []domain.AgentID{"a1"}, journal.deletedAgents)
	assert.Equal(t, []domain.PoolID{"p1"}, journal.savedPools)
	assert.Equal(t, []domain.PoolID{"p1"}, journal.deletedPools)

	publisher.mu.Lock()
	assert.Equal(t, 3, publisher.calls, "journal-only changes are not published")
	publisher.mu.Unlock()
}

func TestOutboxDropsWhenFull(t *testing.T) {
	o := NewOutbox(nil, nil, time.Second)
	o.ch = make(chan change, 1)

	o.enqueue(change{event: domain.Event{Type: domain.EventAgentCreated}})
	o.enqueue(change{event: domain.Event{Type: domain.EventAgentCreated}})
	o.enqueue(change{event: domain.Event{Type: domain.EventAgentCreated}})

	assert.Equal(t, int64(2), o.Dropped())
}

func TestOutboxFlushesOnStop(t *testing.T) {
	journal := &recordingJournal{}
	o := NewOutbox(journal, nil, time.Second)
	for i := 0; i < 5; i++ {
		o.enqueue(change{agent: &domain.Agent{ID: "a"}})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o.Run(ctx)

	journal.mu.Lock()
	defer journal.mu.Unlock()
	assert.Len(t, journal.savedAgents, 5)
}

func TestNilOutboxIsSafe(t *testing.T) {
	var o *Outbox
	o.enqueue(change{event: domain.Event{Type: domain.EventAgentCreated}})
	o.Listen(func(domain.Event) {})
	require.Zero(t, o.Dropped())
}
