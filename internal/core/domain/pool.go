package domain

import "time"

type PoolID string

type PoolOptions struct {
	MinSize   int  `json:"min_size"`
	MaxSize   int  `json:"max_size"`
	AutoScale bool `json:"auto_scale"`
	// ReplaceRetired re-provisions agents retired for poor health while the pool is below MinSize.
	ReplaceRetired bool `json:"replace_retired"`
}

type AgentPool struct {
	ID              PoolID    `json:"id"`
	Name            string    `json:"name"`
	Template        string    `json:"template"`
	CurrentSize     int       `json:"current_size"`
	MinSize         int       `json:"min_size"`
	MaxSize         int       `json:"max_size"`
	AutoScale       bool      `json:"auto_scale"`
	ReplaceRetired  bool      `json:"replace_retired"`
	AvailableAgents []AgentID `json:"available_agents"`
	BusyAgents      []AgentID `json:"busy_agents"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Utilization is the busy fraction of the pool; an empty pool reports 0.
func (p *AgentPool) Utilization() float64 {
	if p.CurrentSize == 0 {
		return 0
	}
	return float64(len(p.BusyAgents)) / float64(p.CurrentSize)
}

// ScaleResult describes a completed resize.
type ScaleResult struct {
	PoolID   PoolID    `json:"pool_id"`
	From     int       `json:"from"`
	To       int       `json:"to"`
	Added    []AgentID `json:"added,omitempty"`
	Removed  []AgentID `json:"removed,omitempty"`
	Warnings []string  `json:"warnings,omitempty"`
}
