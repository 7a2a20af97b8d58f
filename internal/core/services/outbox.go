package services

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"agentfleet.manager/internal/core/domain"
	"agentfleet.manager/internal/core/logger"
	"agentfleet.manager/internal/core/ports"
)

const defaultOutboxSize = 1024

// change is one committed mutation waiting to be mirrored outward.
type change struct {
	event       domain.Event
	agent       *domain.Agent
	pool        *domain.AgentPool
	deleteAgent domain.AgentID
	deletePool  domain.PoolID
}

// Outbox moves journal writes and event publication off the transition path.
// Registry and pool operations enqueue without blocking; a single worker
// applies each change with a bounded timeout. A nil *Outbox discards.
type Outbox struct {
	journal   ports.Journal
	publisher ports.EventPublisher
	timeout   time.Duration
	log       *slog.Logger

	ch      chan change
	dropped atomic.Int64

	mu        sync.RWMutex
	listeners []func(domain.Event)
}

func NewOutbox(journal ports.Journal, publisher ports.EventPublisher, timeout time.Duration) *Outbox {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Outbox{
		journal:   journal,
		publisher: publisher,
		timeout:   timeout,
		log:       logger.For("outbox"),
		ch:        make(chan change, defaultOutboxSize),
	}
}

// Listen registers an in-process callback for every event. Callbacks run on
// the outbox worker and must not block.
func (o *Outbox) Listen(fn func(domain.Event)) {
	if o == nil {
		return
	}
	o.mu.Lock()
	o.listeners = append(o.listeners, fn)
	o.mu.Unlock()
}

func (o *Outbox) enqueue(c change) {
	if o == nil {
		return
	}
	if c.event.Timestamp.IsZero() {
		c.event.Timestamp = time.Now()
	}
	select {
	case o.ch <- c:
	default:
		n := o.dropped.Add(1)
		o.log.Warn("outbox full, dropping change", "event", c.event.Type, "agent_id", c.event.AgentID, "pool_id", c.event.PoolID, "dropped_total", n)
	}
}

// Dropped is the number of changes discarded because the queue was full.
func (o *Outbox) Dropped() int64 {
	if o == nil {
		return 0
	}
	return o.dropped.Load()
}

// Run applies queued changes until ctx is done, then flushes what is left.
func (o *Outbox) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			o.flush()
			return
		case c := <-o.ch:
			o.apply(c)
		}
	}
}

func (o *Outbox) flush() {
	for {
		select {
		case c := <-o.ch:
			o.apply(c)
		default:
			return
		}
	}
}

func (o *Outbox) apply(c change) {
	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()

	if o.journal != nil {
		var err error
		switch {
		case c.agent != nil:
			err = o.journal.SaveAgent(ctx, c.agent)
		case c.deleteAgent != "":
			err = o.journal.DeleteAgent(ctx, c.deleteAgent)
		case c.pool != nil:
			err = o.journal.SavePool(ctx, c.pool)
		case c.deletePool != "":
			err = o.journal.DeletePool(ctx, c.deletePool)
		}
		if err != nil {
			o.log.Warn("journal write failed", "event", c.event.Type, "agent_id", c.event.AgentID, "pool_id", c.event.PoolID, "error", err)
		}
	}

	if c.event.Type == "" {
		return
	}

	if o.publisher != nil {
		if err := o.publisher.PublishEvent(ctx, c.event); err != nil {
			o.log.Warn("event publish failed", "event", c.event.Type, "error", err)
		}
	}

	o.mu.RLock()
	listeners := o.listeners
	o.mu.RUnlock()
	for _, fn := range listeners {
		fn(c.event)
	}
}
