package domain

type ResourceUtilization struct {
	CPU    float64 `json:"cpu"`
	Memory float64 `json:"memory"`
	Disk   float64 `json:"disk"`
}

type SystemStats struct {
	TotalAgents         int                 `json:"total_agents"`
	ActiveAgents        int                 `json:"active_agents"`
	HealthyAgents       int                 `json:"healthy_agents"`
	AverageHealth       float64             `json:"average_health"`
	Pools               int                 `json:"pools"`
	PooledAgents        int                 `json:"pooled_agents"`
	TotalWorkload       int                 `json:"total_workload"`
	ByStatus            map[AgentStatus]int `json:"by_status"`
	ResourceUtilization ResourceUtilization `json:"resource_utilization"`
}
