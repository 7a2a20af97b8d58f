package domain

import "time"

type EventType string

const (
	EventAgentCreated    EventType = "agent_created"
	EventAgentTransition EventType = "agent_transition"
	EventAgentRemoved    EventType = "agent_removed"
	EventAgentHealth     EventType = "agent_health"
	EventPoolCreated     EventType = "pool_created"
	EventPoolScaled      EventType = "pool_scaled"
	EventPoolDisbanded   EventType = "pool_disbanded"
	EventAgentPreserved  EventType = "agent_preserved"
)

// Event is a notification about a committed change in the fleet.
type Event struct {
	Type      EventType      `json:"type"`
	AgentID   AgentID        `json:"agent_id,omitempty"`
	PoolID    PoolID         `json:"pool_id,omitempty"`
	From      AgentStatus    `json:"from,omitempty"`
	To        AgentStatus    `json:"to,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
