package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"agentfleet.manager/internal/adapters/catalog"
	"agentfleet.manager/internal/core/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func ptr[T any](v T) *T { return &v }

func newTestRegistry(t *testing.T, cfg RegistryConfig) *Registry {
	t.Helper()
	return NewRegistry(catalog.New(catalog.Builtin...), nil, cfg)
}

// runOutbox starts the outbox worker for the test and returns a channel of
// every event it delivers.
func runOutbox(t *testing.T, o *Outbox) <-chan domain.Event {
	t.Helper()
	events := make(chan domain.Event, 256)
	o.Listen(func(e domain.Event) {
		select {
		case events <- e:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		o.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return events
}

func waitEvent(t *testing.T, events <-chan domain.Event, match func(domain.Event) bool) domain.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e := <-events:
			if match(e) {
				return e
			}
		case <-timeout:
			t.Fatal("timed out waiting for event")
			return domain.Event{}
		}
	}
}

func startedAgent(t *testing.T, r *Registry, template string) *domain.Agent {
	t.Helper()
	ctx := context.Background()
	a, err := r.CreateAgent(ctx, template, domain.CreateOptions{})
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	a, err = r.StartAgent(ctx, a.ID)
	if err != nil {
		t.Fatalf("start agent: %v", err)
	}
	return a
}

// memArchive is an in-memory ArchiveStore.
type memArchive struct {
	mu    sync.Mutex
	data  map[string][]byte
	order []string
	tags  map[string][]string
	err   error
}

func newMemArchive() *memArchive {
	return &memArchive{data: map[string][]byte{}, tags: map[string][]string{}}
}

func (m *memArchive) Store(ctx context.Context, key string, value []byte, metadata map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if _, ok := m.data[key]; ok {
		return domain.ErrAlreadyPreserved
	}
	m.data[key] = value
	m.order = append(m.order, key)
	for k, v := range metadata {
		m.tags[k+"="+v] = append(m.tags[k+"="+v], key)
	}
	return nil
}

func (m *memArchive) Load(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	v, ok := m.data[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return v, nil
}

func (m *memArchive) List(ctx context.Context, offset, limit int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.order))
	for i := len(m.order) - 1; i >= 0; i-- {
		keys = append(keys, m.order[i])
	}
	if offset >= int64(len(keys)) {
		return nil, nil
	}
	keys = keys[offset:]
	if limit > 0 && limit < int64(len(keys)) {
		keys = keys[:limit]
	}
	return keys, nil
}

func (m *memArchive) FindByTag(ctx context.Context, tag, value string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := append([]string(nil), m.tags[tag+"="+value]...)
	sort.Strings(keys)
	return keys, nil
}

func (m *memArchive) Count(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	return int64(len(m.data)), nil
}

func (m *memArchive) fail(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

var errArchiveDown = errors.New("archive unreachable")

// fixedScores is a HealthScorer backed by a map; unknown agents score 1.
type fixedScores struct {
	mu     sync.Mutex
	scores map[domain.AgentID]float64
}

func (f *fixedScores) Score(id domain.AgentID) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.scores[id]; ok {
		return s, nil
	}
	return 1, nil
}

func (f *fixedScores) set(id domain.AgentID, score float64) {
	f.mu.Lock()
	if f.scores == nil {
		f.scores = map[domain.AgentID]float64{}
	}
	f.scores[id] = score
	f.mu.Unlock()
}
