package domain

import "time"

type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendDegrading Trend = "degrading"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// HealthComponent names one input of the composite score.
type HealthComponent string

const (
	ComponentResponsiveness HealthComponent = "responsiveness"
	ComponentPerformance    HealthComponent = "performance"
	ComponentReliability    HealthComponent = "reliability"
	ComponentResourceUsage  HealthComponent = "resource_usage"
)

type HealthComponents struct {
	Responsiveness float64 `json:"responsiveness"`
	Performance    float64 `json:"performance"`
	Reliability    float64 `json:"reliability"`
	ResourceUsage  float64 `json:"resource_usage"`
}

// Get returns the value of a single component.
func (c HealthComponents) Get(name HealthComponent) float64 {
	switch name {
	case ComponentResponsiveness:
		return c.Responsiveness
	case ComponentPerformance:
		return c.Performance
	case ComponentReliability:
		return c.Reliability
	case ComponentResourceUsage:
		return c.ResourceUsage
	}
	return 0
}

type Issue struct {
	Severity          Severity        `json:"severity"`
	Component         HealthComponent `json:"component"`
	Message           string          `json:"message"`
	RecommendedAction string          `json:"recommended_action"`
}

type HealthReport struct {
	AgentID    AgentID          `json:"agent_id"`
	Overall    float64          `json:"overall"`
	Components HealthComponents `json:"components"`
	Trend      Trend            `json:"trend"`
	Issues     []Issue          `json:"issues"`
	LastCheck  time.Time        `json:"last_check"`
}

// HealthWeights tune the composite score. Zero weights drop a component.
type HealthWeights struct {
	Responsiveness float64 `json:"responsiveness"`
	Performance    float64 `json:"performance"`
	Reliability    float64 `json:"reliability"`
	ResourceUsage  float64 `json:"resource_usage"`
}

func EqualWeights() HealthWeights {
	return HealthWeights{Responsiveness: 1, Performance: 1, Reliability: 1, ResourceUsage: 1}
}

// Overall is the weighted mean of c. Negative weights are treated as zero so
// the result never decreases when a single component improves.
func (w HealthWeights) Overall(c HealthComponents) float64 {
	pairs := [4][2]float64{
		{nonNegative(w.Responsiveness), c.Responsiveness},
		{nonNegative(w.Performance), c.Performance},
		{nonNegative(w.Reliability), c.Reliability},
		{nonNegative(w.ResourceUsage), c.ResourceUsage},
	}
	var sum, total float64
	for _, p := range pairs {
		sum += p[0] * p[1]
		total += p[0]
	}
	if total == 0 {
		return 0
	}
	return Clamp01(sum / total)
}

func nonNegative(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

// Clamp01 bounds v to [0,1].
func Clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
