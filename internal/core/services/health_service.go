package services

import (
	"context"
	"fmt"
	"sort"
	"time"

	"agentfleet.manager/internal/core/ports"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusDegraded  HealthStatus = "degraded"
)

// ComponentHealth represents the health of a specific component
type ComponentHealth struct {
	Status    HealthStatus `json:"status"`
	Message   string       `json:"message,omitempty"`
	Latency   string       `json:"latency,omitempty"`
	CheckedAt time.Time    `json:"checked_at"`
}

// InfraReport is the health of the service's own dependencies, not of agents.
type InfraReport struct {
	Status     HealthStatus               `json:"status"`
	Version    string                     `json:"version"`
	CheckedAt  time.Time                  `json:"checked_at"`
	Components map[string]ComponentHealth `json:"components"`
}

type dependency struct {
	name     string
	pinger   ports.Pinger
	critical bool
}

type HealthService struct {
	deps    []dependency
	outbox  *Outbox
	version string
	timeout time.Duration
}

func NewHealthService(outbox *Outbox, version string) *HealthService {
	if version == "" {
		version = "0.0.1"
	}
	return &HealthService{
		outbox:  outbox,
		version: version,
		timeout: 5 * time.Second,
	}
}

// Register adds a dependency to the report. A failing critical dependency
// makes the service unhealthy; any other failure only degrades it.
func (s *HealthService) Register(name string, p ports.Pinger, critical bool) {
	if p == nil {
		return
	}
	s.deps = append(s.deps, dependency{name: name, pinger: p, critical: critical})
	sort.Slice(s.deps, func(i, j int) bool { return s.deps[i].name < s.deps[j].name })
}

func (s *HealthService) CheckHealth(ctx context.Context) *InfraReport {
	report := &InfraReport{
		Status:     HealthStatusHealthy,
		Version:    s.version,
		CheckedAt:  time.Now(),
		Components: make(map[string]ComponentHealth),
	}

	for _, dep := range s.deps {
		h := s.check(ctx, dep)
		report.Components[dep.name] = h
		if h.Status == HealthStatusHealthy {
			continue
		}
		if dep.critical {
			report.Status = HealthStatusUnhealthy
		} else if report.Status == HealthStatusHealthy {
			report.Status = HealthStatusDegraded
		}
	}

	if s.outbox != nil {
		h := ComponentHealth{Status: HealthStatusHealthy, CheckedAt: time.Now()}
		if dropped := s.outbox.Dropped(); dropped > 0 {
			h.Status = HealthStatusDegraded
			h.Message = fmt.Sprintf("%d journal/event changes dropped", dropped)
			if report.Status == HealthStatusHealthy {
				report.Status = HealthStatusDegraded
			}
		}
		report.Components["outbox"] = h
	}

	return report
}

func (s *HealthService) check(ctx context.Context, dep dependency) ComponentHealth {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := dep.pinger.Ping(ctx); err != nil {
		return ComponentHealth{
			Status:    HealthStatusUnhealthy,
			Message:   fmt.Sprintf("%s ping failed: %v", dep.name, err),
			Latency:   time.Since(start).String(),
			CheckedAt: time.Now(),
		}
	}

	return ComponentHealth{
		Status:    HealthStatusHealthy,
		Latency:   time.Since(start).String(),
		CheckedAt: time.Now(),
	}
}

// SimpleHealthCheck returns a simple health status for load balancers
func (s *HealthService) SimpleHealthCheck(ctx context.Context) (string, int) {
	report := s.CheckHealth(ctx)

	switch report.Status {
	case HealthStatusHealthy:
		return "ok", 200
	case HealthStatusDegraded:
		return "degraded", 200 // Still serving requests
	default:
		return "unhealthy", 503
	}
}
