package domain

import "time"

type AgentType string

const (
	AgentTypeCoordinator AgentType = "coordinator"
	AgentTypeResearcher  AgentType = "researcher"
	AgentTypeImplementer AgentType = "implementer"
	AgentTypeAnalyst     AgentType = "analyst"
	AgentTypeCustom      AgentType = "custom"
)

// Valid reports whether t is one of the known agent types.
func (t AgentType) Valid() bool {
	switch t {
	case AgentTypeCoordinator, AgentTypeResearcher, AgentTypeImplementer, AgentTypeAnalyst, AgentTypeCustom:
		return true
	}
	return false
}

// AgentID is the stable identity of an agent slot.
type AgentID string

type AgentConfig struct {
	AutonomyLevel      float64       `json:"autonomy_level"`
	MaxConcurrentTasks int           `json:"max_concurrent_tasks"`
	TimeoutThreshold   time.Duration `json:"timeout_threshold"`
}

// ConfigOverrides replace template config fields. A nil field keeps the
// template value, so an explicit zero is honoured.
type ConfigOverrides struct {
	AutonomyLevel      *float64       `json:"autonomy_level,omitempty"`
	MaxConcurrentTasks *int           `json:"max_concurrent_tasks,omitempty"`
	TimeoutThreshold   *time.Duration `json:"timeout_threshold,omitempty"`
}

// Apply returns base with every set override written over it.
func (o ConfigOverrides) Apply(base AgentConfig) AgentConfig {
	if o.AutonomyLevel != nil {
		base.AutonomyLevel = *o.AutonomyLevel
	}
	if o.MaxConcurrentTasks != nil {
		base.MaxConcurrentTasks = *o.MaxConcurrentTasks
	}
	if o.TimeoutThreshold != nil {
		base.TimeoutThreshold = *o.TimeoutThreshold
	}
	return base
}

// Overrides pins every field of c.
func (c AgentConfig) Overrides() *ConfigOverrides {
	return &ConfigOverrides{
		AutonomyLevel:      &c.AutonomyLevel,
		MaxConcurrentTasks: &c.MaxConcurrentTasks,
		TimeoutThreshold:   &c.TimeoutThreshold,
	}
}

type Environment struct {
	MaxMemoryUsage   int64  `json:"max_memory_usage"` // bytes
	Runtime          string `json:"runtime"`
	WorkingDirectory string `json:"working_directory"`
}

type AgentMetrics struct {
	TasksCompleted       int64         `json:"tasks_completed"`
	TasksFailed          int64         `json:"tasks_failed"`
	SuccessRate          float64       `json:"success_rate"`
	CPUUsage             float64       `json:"cpu_usage"`    // percent, 0-100
	MemoryUsage          int64         `json:"memory_usage"` // bytes
	DiskUsage            float64       `json:"disk_usage"`   // percent, 0-100
	AverageExecutionTime time.Duration `json:"average_execution_time"`
	TotalUptime          time.Duration `json:"total_uptime"`
	ResponseTime         time.Duration `json:"response_time"`
	LastActivity         time.Time     `json:"last_activity"`
}

type TaskRecord struct {
	TaskID     string        `json:"task_id"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	Success    bool          `json:"success"`
	Abandoned  bool          `json:"abandoned,omitempty"`
}

// Done reports whether the task has finished, successfully or not.
func (r TaskRecord) Done() bool {
	return !r.FinishedAt.IsZero()
}

type Agent struct {
	ID            AgentID      `json:"id"`
	Instance      string       `json:"instance"`
	Name          string       `json:"name"`
	Type          AgentType    `json:"type"`
	Template      string       `json:"template"`
	Status        AgentStatus  `json:"status"`
	Health        float64      `json:"health"`
	Workload      int          `json:"workload"`
	Config        AgentConfig  `json:"config"`
	Environment   Environment  `json:"environment"`
	Metrics       AgentMetrics `json:"metrics"`
	TaskHistory   []TaskRecord `json:"task_history"`
	RestartCount  int          `json:"restart_count"`
	PoolID        PoolID       `json:"pool_id,omitempty"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Clone returns a deep copy safe to hand to callers outside the registry.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	c := *a
	if a.TaskHistory != nil {
		c.TaskHistory = make([]TaskRecord, len(a.TaskHistory))
		copy(c.TaskHistory, a.TaskHistory)
	}
	return &c
}

// Active reports whether the agent counts towards serving capacity.
func (a *Agent) Active() bool {
	return a.Status == AgentStatusIdle || a.Status == AgentStatusBusy
}

// CreateOptions customise a new agent on top of its template defaults.
// Unset config overrides and zero-valued environment fields keep the
// template value.
type CreateOptions struct {
	Name        string           `json:"name,omitempty"`
	Config      *ConfigOverrides `json:"config,omitempty"`
	Environment *Environment     `json:"environment,omitempty"`
	PoolID      PoolID           `json:"pool_id,omitempty"`
}

// StopOptions control how an agent is terminated.
type StopOptions struct {
	Reason      string `json:"reason"`
	Force       bool   `json:"force"`
	Preserve    bool   `json:"preserve"`
	PreservedBy string `json:"preserved_by,omitempty"`
}

// StopResult describes how a stop request completed.
type StopResult struct {
	AgentID        AgentID       `json:"agent_id"`
	Status         AgentStatus   `json:"status"`
	Escalated      bool          `json:"escalated"`
	AbandonedTasks int           `json:"abandoned_tasks"`
	Drained        time.Duration `json:"drained"`
	PreservedKey   string        `json:"preserved_key,omitempty"`
	Warning        string        `json:"warning,omitempty"`
}
