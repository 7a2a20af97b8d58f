package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"agentfleet.manager/internal/adapters/catalog"
	"agentfleet.manager/internal/core/domain"
)

func newTestFleet(t *testing.T, archive *memArchive) *Fleet {
	t.Helper()
	deps := Deps{Catalog: catalog.New(catalog.Builtin...)}
	if archive != nil {
		deps.Archive = archive
	}
	cfg := FleetConfig{
		Registry:       RegistryConfig{DrainTimeout: 50 * time.Millisecond},
		Pools:          PoolConfig{AutoscaleInterval: time.Hour},
		PersistTimeout: time.Second,
	}
	f := NewFleet(deps, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = f.Shutdown(ctx)
	})
	return f
}

func TestPreservedAgentRecreatesEquivalentAgent(t *testing.T) {
	ctx := context.Background()
	archive := newMemArchive()
	f := newTestFleet(t, archive)

	a, err := f.CreateAgent(ctx, "researcher", domain.CreateOptions{
		Name:        "librarian",
		Config:      &domain.ConfigOverrides{AutonomyLevel: ptr(0.0), MaxConcurrentTasks: ptr(2)},
		Environment: &domain.Environment{WorkingDirectory: "/srv/lib"},
	})
	require.NoError(t, err)
	_, err = f.StartAgent(ctx, a.ID)
	require.NoError(t, err)

	res, err := f.StopAgent(ctx, a.ID, domain.StopOptions{Reason: "retired", Preserve: true})
	require.NoError(t, err)
	assert.Equal(t, domain.AgentStatusTerminated, res.Status)
	assert.Empty(t, res.Warning)
	require.NotEmpty(t, res.PreservedKey)

	terminated, err := f.GetAgent(a.ID)
	require.NoError(t, err)
	assert.Equal(t, PreservedKey(terminated), res.PreservedKey)

	record, err := f.GetPreserved(ctx, res.PreservedKey)
	require.NoError(t, err)
	assert.Equal(t, a.ID, record.Agent.ID)
	assert.Equal(t, "retired", record.Reason)
	assert.Equal(t, "fleet", record.PreservedBy)
	assert.False(t, record.Escalated)

	req := record.CreateRequest()
	clone, err := f.CreateAgent(ctx, req.Template, req.Options)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, clone.ID)
	assert.Equal(t, a.Name, clone.Name)
	assert.Equal(t, a.Type, clone.Type)
	assert.Equal(t, a.Config, clone.Config)
	assert.Equal(t, a.Environment, clone.Environment)

	assert.Equal(t, int64(1), f.Counters().PreservedAgents)
}

func TestPreserveFailureIsAWarning(t *testing.T) {
	ctx := context.Background()
	archive := newMemArchive()
	archive.fail(errArchiveDown)
	f := newTestFleet(t, archive)

	a, err := f.CreateAgent(ctx, "analyst", domain.CreateOptions{})
	require.NoError(t, err)
	_, err = f.StartAgent(ctx, a.ID)
	require.NoError(t, err)

	res, err := f.StopAgent(ctx, a.ID, domain.StopOptions{Preserve: true})
	require.NoError(t, err)
	assert.Equal(t, domain.AgentStatusTerminated, res.Status)
	assert.Empty(t, res.PreservedKey)
	assert.Contains(t, res.Warning, domain.ErrPersistenceFailure.Error())
	assert.Equal(t, int64(1), f.Counters().PreserveFailures)

	got, err := f.GetAgent(a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentStatusTerminated, got.Status)
}

func TestPreserveWithoutArchive(t *testing.T) {
	ctx := context.Background()
	f := newTestFleet(t, nil)
	a, err := f.CreateAgent(ctx, "analyst", domain.CreateOptions{})
	require.NoError(t, err)
	_, err = f.StartAgent(ctx, a.ID)
	require.NoError(t, err)

	res, err := f.StopAgent(ctx, a.ID, domain.StopOptions{Preserve: true})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Warning)

	_, err = f.GetPreserved(ctx, "anything")
	require.ErrorIs(t, err, domain.ErrPersistenceFailure)
}

func TestPreserveRules(t *testing.T) {
	ctx := context.Background()
	archive := newMemArchive()
	p := NewPreservation(archive, nil, time.Second)
	r := newTestRegistry(t, RegistryConfig{})
	a := startedAgent(t, r, "analyst")

	_, err := p.Preserve(ctx, a, domain.StopResult{}, domain.StopOptions{})
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	res, err := r.StopAgent(ctx, a.ID, domain.StopOptions{Reason: "done"})
	require.NoError(t, err)
	a, err = r.GetAgent(a.ID)
	require.NoError(t, err)

	key, err := p.Preserve(ctx, a, res, domain.StopOptions{Reason: "done", PreservedBy: "ops"})
	require.NoError(t, err)

	again, err := p.Preserve(ctx, a, res, domain.StopOptions{Reason: "done"})
	require.ErrorIs(t, err, domain.ErrAlreadyPreserved)
	assert.Equal(t, key, again)

	_, err = r.RestartAgent(ctx, a.ID, "revive")
	require.NoError(t, err)
	res, err = r.StopAgent(ctx, a.ID, domain.StopOptions{Reason: "done again"})
	require.NoError(t, err)
	a, err = r.GetAgent(a.ID)
	require.NoError(t, err)
	second, err := p.Preserve(ctx, a, res, domain.StopOptions{Reason: "done again"})
	require.NoError(t, err)
	assert.NotEqual(t, key, second, "each incarnation gets its own key")

	_, err = p.Get(ctx, "fleet:preserved:missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListAndFindPreserved(t *testing.T) {
	ctx := context.Background()
	f := newTestFleet(t, newMemArchive())

	var keys []string
	for _, tpl := range []string{"analyst", "researcher"} {
		a, err := f.CreateAgent(ctx, tpl, domain.CreateOptions{})
		require.NoError(t, err)
		_, err = f.StartAgent(ctx, a.ID)
		require.NoError(t, err)
		res, err := f.StopAgent(ctx, a.ID, domain.StopOptions{Preserve: true, Reason: "cleanup"})
		require.NoError(t, err)
		keys = append(keys, res.PreservedKey)
	}

	all, err := f.ListPreserved(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, keys[1], all[0].Key, "newest first")

	page, err := f.ListPreserved(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, keys[0], page[0].Key)

	found, err := f.FindPreserved(ctx, "template", "researcher")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, keys[1], found[0].Key)

	found, err = f.FindPreserved(ctx, "reason", "cleanup")
	require.NoError(t, err)
	assert.Len(t, found, 2)

	count, err := f.CountPreserved(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestFleetCountsEscalations(t *testing.T) {
	ctx := context.Background()
	f := newTestFleet(t, nil)
	a, err := f.CreateAgent(ctx, "analyst", domain.CreateOptions{})
	require.NoError(t, err)
	_, err = f.StartAgent(ctx, a.ID)
	require.NoError(t, err)
	_, err = f.BeginTask(ctx, a.ID, "stuck")
	require.NoError(t, err)

	res, err := f.StopAgent(ctx, a.ID, domain.StopOptions{Reason: "maintenance"})
	require.NoError(t, err)
	assert.True(t, res.Escalated)
	assert.Equal(t, int64(1), f.Counters().Escalations)
}

func TestFleetStartShutdownLeavesNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx := context.Background()
	f := NewFleet(Deps{Catalog: catalog.New(catalog.Builtin...)}, FleetConfig{
		Health: HealthConfig{Interval: 10 * time.Millisecond},
		Pools:  PoolConfig{AutoscaleInterval: 10 * time.Millisecond},
	})
	events := make(chan domain.Event, 64)
	f.Subscribe(func(e domain.Event) {
		select {
		case events <- e:
		default:
		}
	})
	f.Start(ctx)
	f.Start(ctx)

	p, err := f.CreateAgentPool(ctx, "workers", "analyst", domain.PoolOptions{MinSize: 1, MaxSize: 3, AutoScale: true})
	require.NoError(t, err)
	_, err = f.AssignAgent(ctx, p.ID)
	require.NoError(t, err)

	select {
	case e := <-events:
		assert.NotEmpty(t, e.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no events delivered")
	}

	require.Eventually(t, func() bool {
		got, err := f.GetPool(p.ID)
		return err == nil && got.CurrentSize == 2
	}, 2*time.Second, 10*time.Millisecond, "background autoscale grows a saturated pool")

	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, f.Shutdown(shutdownCtx))
	require.NoError(t, f.Shutdown(shutdownCtx))
}

func TestFleetRestartResumesPoolLoops(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx := context.Background()
	f := NewFleet(Deps{Catalog: catalog.New(catalog.Builtin...)}, FleetConfig{
		Health: HealthConfig{Interval: 10 * time.Millisecond},
		Pools:  PoolConfig{AutoscaleInterval: 10 * time.Millisecond},
	})
	shutdown := func() {
		shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		require.NoError(t, f.Shutdown(shutdownCtx))
	}

	f.Start(ctx)
	opts := domain.PoolOptions{MinSize: 1, MaxSize: 3, AutoScale: true}
	early, err := f.CreateAgentPool(ctx, "early", "analyst", opts)
	require.NoError(t, err)
	shutdown()

	f.Start(ctx)
	late, err := f.CreateAgentPool(ctx, "late", "analyst", opts)
	require.NoError(t, err)

	for _, p := range []*domain.AgentPool{early, late} {
		_, err := f.AssignAgent(ctx, p.ID)
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			got, err := f.GetPool(p.ID)
			return err == nil && got.CurrentSize == 2
		}, 2*time.Second, 10*time.Millisecond, "pool %s has a running loop after restart", p.Name)
	}
	shutdown()
}

func TestPreserveOutlivesCancelledStop(t *testing.T) {
	archive := newMemArchive()
	f := newTestFleet(t, archive)
	a, err := f.CreateAgent(context.Background(), "analyst", domain.CreateOptions{})
	require.NoError(t, err)
	_, err = f.StartAgent(context.Background(), a.ID)
	require.NoError(t, err)
	_, err = f.BeginTask(context.Background(), a.ID, "long")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	res, err := f.StopAgent(ctx, a.ID, domain.StopOptions{Reason: "deadline", Preserve: true})
	require.NoError(t, err)

	assert.True(t, res.Escalated)
	assert.Equal(t, 1, res.AbandonedTasks)
	assert.NotEmpty(t, res.PreservedKey)
	assert.Empty(t, res.Warning)
	assert.Equal(t, int64(1), f.Counters().PreservedAgents)

	got, err := f.GetPreserved(context.Background(), res.PreservedKey)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.Agent.ID)
}
