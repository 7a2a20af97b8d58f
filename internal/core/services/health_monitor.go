package services

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"agentfleet.manager/internal/core/circuitbreaker"
	"agentfleet.manager/internal/core/domain"
	"agentfleet.manager/internal/core/logger"
	"agentfleet.manager/internal/core/ports"
)

type HealthConfig struct {
	Interval         time.Duration
	HeartbeatTimeout time.Duration
	MetricsTimeout   time.Duration
	Weights          domain.HealthWeights
	// Window is the number of recent overall scores the trend is fitted over.
	Window         int
	TrendThreshold float64
	IssueThreshold float64
	// FailureDecay is the EWMA factor applied to the per-interval failure rate.
	FailureDecay float64
	// ThroughputTarget is the completions per interval that count as full throughput.
	ThroughputTarget float64
	ThroughputWeight float64
	Concurrency      int
}

func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		Interval:         15 * time.Second,
		HeartbeatTimeout: 90 * time.Second,
		MetricsTimeout:   2 * time.Second,
		Weights:          domain.EqualWeights(),
		Window:           5,
		TrendThreshold:   0.02,
		IssueThreshold:   0.6,
		FailureDecay:     0.3,
		ThroughputTarget: 1,
		ThroughputWeight: 0.25,
		Concurrency:      8,
	}
}

func (c HealthConfig) withDefaults() HealthConfig {
	d := DefaultHealthConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.MetricsTimeout <= 0 {
		c.MetricsTimeout = d.MetricsTimeout
	}
	if c.Weights == (domain.HealthWeights{}) {
		c.Weights = d.Weights
	}
	if c.Window < 2 {
		c.Window = d.Window
	}
	if c.TrendThreshold <= 0 {
		c.TrendThreshold = d.TrendThreshold
	}
	if c.IssueThreshold <= 0 {
		c.IssueThreshold = d.IssueThreshold
	}
	if c.FailureDecay <= 0 || c.FailureDecay > 1 {
		c.FailureDecay = d.FailureDecay
	}
	if c.ThroughputTarget <= 0 {
		c.ThroughputTarget = d.ThroughputTarget
	}
	if c.ThroughputWeight < 0 || c.ThroughputWeight > 1 {
		c.ThroughputWeight = d.ThroughputWeight
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	return c
}

var recommendedActions = map[domain.HealthComponent]string{
	domain.ComponentResponsiveness: "Check agent %s for stalled work or raise its timeout threshold",
	domain.ComponentPerformance:    "Review recent task failures on agent %s and consider restarting it",
	domain.ComponentReliability:    "Agent %s is failing repeatedly; restart it or retire it from its pool",
	domain.ComponentResourceUsage:  "Reduce load on agent %s or raise its memory limit",
}

// HealthMonitor turns raw per-agent metrics into composite health reports.
// It reads registry snapshots and writes back only through registry operations.
type HealthMonitor struct {
	registry *Registry
	source   ports.MetricsSource
	breaker  *circuitbreaker.CircuitBreaker
	outbox   *Outbox
	cfg      HealthConfig
	log      *slog.Logger
	now      func() time.Time

	mu     sync.RWMutex
	states map[domain.AgentID]*healthState
	// forgotten holds recently removed agents so an in-flight sample cannot
	// recreate their state.
	forgotten map[domain.AgentID]time.Time
}

type healthState struct {
	report        domain.HealthReport
	history       []float64
	failureEWMA   float64
	lastCompleted int64
	lastFailed    int64
	sampled       bool
}

func NewHealthMonitor(registry *Registry, source ports.MetricsSource, outbox *Outbox, cfg HealthConfig) *HealthMonitor {
	m := &HealthMonitor{
		registry: registry,
		source:   source,
		breaker:  circuitbreaker.New("metrics-source"),
		outbox:   outbox,
		cfg:      cfg.withDefaults(),
		log:      logger.For("health"),
		now:      time.Now,
		states:   make(map[domain.AgentID]*healthState),

		forgotten: make(map[domain.AgentID]time.Time),
	}
	registry.OnRemove(m.Forget)
	return m
}

// Run samples every agent on the configured interval until ctx is done.
func (m *HealthMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SweepHeartbeats(ctx)
			m.SampleAll(ctx)
		}
	}
}

// SampleAll refreshes metrics and recomputes health for every running agent.
func (m *HealthMonitor) SampleAll(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Concurrency)

	for _, agent := range m.registry.GetAllAgents() {
		if agent.Status == domain.AgentStatusTerminating || agent.Status == domain.AgentStatusTerminated {
			continue
		}
		id := agent.ID
		g.Go(func() error {
			m.sampleOne(gctx, id)
			return nil
		})
	}
	_ = g.Wait()
}

func (m *HealthMonitor) sampleOne(ctx context.Context, id domain.AgentID) {
	agent, err := m.registry.GetAgent(id)
	if err != nil {
		return
	}

	if m.source != nil {
		sample, ok, err := m.fetch(ctx, agent)
		switch {
		case err != nil:
			m.log.Warn("metrics sample failed", "agent_id", id, "error", err)
		case ok:
			if err := m.registry.ApplySample(ctx, id, sample); err != nil {
				return
			}
			if agent, err = m.registry.GetAgent(id); err != nil {
				return
			}
		}
	}

	report := m.SampleHealth(agent)
	if err := m.registry.SetHealth(ctx, id, report.Overall); err != nil {
		m.log.Debug("health write-back skipped", "agent_id", id, "error", err)
	}
}

// fetch reads one sample from the metrics source with a bounded timeout.
func (m *HealthMonitor) fetch(ctx context.Context, agent *domain.Agent) (ports.ResourceSample, bool, error) {
	var (
		sample ports.ResourceSample
		ok     bool
	)
	ctx, cancel := context.WithTimeout(ctx, m.cfg.MetricsTimeout)
	defer cancel()

	err := m.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		sample, ok, err = m.source.Sample(ctx, agent)
		return err
	})
	return sample, ok, err
}

// SampleHealth computes a fresh report for agent and records it as the latest.
func (m *HealthMonitor) SampleHealth(agent *domain.Agent) domain.HealthReport {
	m.mu.Lock()
	st, ok := m.states[agent.ID]
	if !ok {
		st = &healthState{}
		if _, gone := m.forgotten[agent.ID]; !gone {
			m.states[agent.ID] = st
		}
	}

	components := m.components(agent, st)
	overall := m.cfg.Weights.Overall(components)

	st.history = append(st.history, overall)
	if len(st.history) > m.cfg.Window {
		st.history = st.history[len(st.history)-m.cfg.Window:]
	}

	report := domain.HealthReport{
		AgentID:    agent.ID,
		Overall:    overall,
		Components: components,
		Trend:      trendOf(st.history, m.cfg.TrendThreshold),
		Issues:     m.issues(agent.ID, components),
		LastCheck:  m.now(),
	}
	prev := st.report
	st.report = report
	m.mu.Unlock()

	if prev.Trend != report.Trend || len(prev.Issues) != len(report.Issues) {
		m.outbox.enqueue(change{event: domain.Event{
			Type:    domain.EventAgentHealth,
			AgentID: agent.ID,
			PoolID:  agent.PoolID,
			Detail: map[string]any{
				"overall": report.Overall,
				"trend":   string(report.Trend),
				"issues":  len(report.Issues),
			},
		}})
	}
	return report
}

// components derives the four scores and advances the per-agent decay state.
// Caller holds m.mu.
func (m *HealthMonitor) components(agent *domain.Agent, st *healthState) domain.HealthComponents {
	met := agent.Metrics

	responsiveness := 1.0
	if threshold := agent.Config.TimeoutThreshold; threshold > 0 && met.ResponseTime > 0 {
		responsiveness = domain.Clamp01(1 - float64(met.ResponseTime)/float64(threshold))
	}

	dCompleted := met.TasksCompleted - st.lastCompleted
	dFailed := met.TasksFailed - st.lastFailed
	if !st.sampled || dCompleted < 0 || dFailed < 0 {
		// First sample or counters reset by a restart: take the lifetime totals.
		dCompleted, dFailed = met.TasksCompleted, met.TasksFailed
	}
	st.lastCompleted, st.lastFailed = met.TasksCompleted, met.TasksFailed
	st.sampled = true

	performance := 1.0
	if met.TasksCompleted+met.TasksFailed > 0 {
		throughput := math.Min(1, float64(dCompleted)/m.cfg.ThroughputTarget)
		w := m.cfg.ThroughputWeight
		performance = domain.Clamp01(met.SuccessRate*(1-w) + met.SuccessRate*throughput*w)
	}

	alpha := m.cfg.FailureDecay
	if finished := dCompleted + dFailed; finished > 0 {
		rate := float64(dFailed) / float64(finished)
		st.failureEWMA = alpha*rate + (1-alpha)*st.failureEWMA
	} else {
		st.failureEWMA *= 1 - alpha
	}
	reliability := domain.Clamp01(1 - st.failureEWMA)

	usage := met.CPUUsage / 100
	if limit := agent.Environment.MaxMemoryUsage; limit > 0 {
		usage = math.Max(usage, float64(met.MemoryUsage)/float64(limit))
	}
	resource := domain.Clamp01(1 - usage)

	return domain.HealthComponents{
		Responsiveness: responsiveness,
		Performance:    performance,
		Reliability:    reliability,
		ResourceUsage:  resource,
	}
}

func (m *HealthMonitor) issues(id domain.AgentID, c domain.HealthComponents) []domain.Issue {
	threshold := m.cfg.IssueThreshold
	var out []domain.Issue
	for _, name := range []domain.HealthComponent{
		domain.ComponentResponsiveness,
		domain.ComponentPerformance,
		domain.ComponentReliability,
		domain.ComponentResourceUsage,
	} {
		v := c.Get(name)
		if v >= threshold {
			continue
		}
		out = append(out, domain.Issue{
			Severity:          severityFor(threshold-v, threshold),
			Component:         name,
			Message:           fmt.Sprintf("%s at %.2f is below %.2f", name, v, threshold),
			RecommendedAction: fmt.Sprintf(recommendedActions[name], id),
		})
	}
	return out
}

// severityFor scales with how far below threshold a component sits.
func severityFor(distance, threshold float64) domain.Severity {
	frac := distance / threshold
	switch {
	case frac < 0.25:
		return domain.SeverityLow
	case frac < 0.5:
		return domain.SeverityMedium
	case frac < 0.75:
		return domain.SeverityHigh
	default:
		return domain.SeverityCritical
	}
}

// trendOf fits a least-squares line through the scores; the slope is per sample.
func trendOf(scores []float64, threshold float64) domain.Trend {
	n := float64(len(scores))
	if n < 2 {
		return domain.TrendStable
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range scores {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	slope := (n*sumXY - sumX*sumY) / (n*sumXX - sumX*sumX)
	switch {
	case slope > threshold:
		return domain.TrendImproving
	case slope < -threshold:
		return domain.TrendDegrading
	default:
		return domain.TrendStable
	}
}

// GetAgentHealth returns the latest report, computing one if the agent has
// not been sampled yet.
func (m *HealthMonitor) GetAgentHealth(id domain.AgentID) (domain.HealthReport, error) {
	agent, err := m.registry.GetAgent(id)
	if err != nil {
		return domain.HealthReport{}, err
	}
	m.mu.RLock()
	var report domain.HealthReport
	if st, ok := m.states[id]; ok {
		report = st.report
	}
	m.mu.RUnlock()
	if !report.LastCheck.IsZero() {
		return report, nil
	}
	return m.SampleHealth(agent), nil
}

// Score returns the latest overall score; unsampled agents use the registry value.
func (m *HealthMonitor) Score(id domain.AgentID) (float64, error) {
	m.mu.RLock()
	var sampled bool
	var score float64
	if st, ok := m.states[id]; ok {
		score, sampled = st.report.Overall, !st.report.LastCheck.IsZero()
	}
	m.mu.RUnlock()
	if sampled {
		return score, nil
	}
	agent, err := m.registry.GetAgent(id)
	if err != nil {
		return 0, err
	}
	return agent.Health, nil
}

// Forget drops everything recorded about an agent.
func (m *HealthMonitor) Forget(id domain.AgentID) {
	now := m.now()
	horizon := m.cfg.Interval + m.cfg.MetricsTimeout

	m.mu.Lock()
	delete(m.states, id)
	for gone, at := range m.forgotten {
		if now.Sub(at) > horizon {
			delete(m.forgotten, gone)
		}
	}
	m.forgotten[id] = now
	m.mu.Unlock()
}
