package domain

import "time"

// PreservedAgent is the archival record written when a terminated agent is
// preserved. It is written once and never mutated.
type PreservedAgent struct {
	Key             string    `json:"key"`
	Agent           Agent     `json:"agent"`
	TerminationTime time.Time `json:"termination_time"`
	Reason          string    `json:"reason"`
	PreservedBy     string    `json:"preserved_by"`
	Escalated       bool      `json:"escalated"`
}

// CreateRequest holds everything needed to recreate an equivalent agent.
type CreateRequest struct {
	Template string        `json:"template"`
	Options  CreateOptions `json:"options"`
}

// CreateRequest extracts the createAgent inputs that reproduce the archived agent.
func (p *PreservedAgent) CreateRequest() CreateRequest {
	env := p.Agent.Environment
	return CreateRequest{
		Template: p.Agent.Template,
		Options: CreateOptions{
			Name:        p.Agent.Name,
			Config:      p.Agent.Config.Overrides(),
			Environment: &env,
		},
	}
}

// Tags returns the metadata the record is indexed under.
func (p *PreservedAgent) Tags() map[string]string {
	return map[string]string{
		"agent_id":     string(p.Agent.ID),
		"type":         string(p.Agent.Type),
		"template":     p.Agent.Template,
		"reason":       p.Reason,
		"preserved_by": p.PreservedBy,
	}
}
