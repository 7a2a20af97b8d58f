package services

import (
	"context"
	"time"

	"agentfleet.manager/internal/core/domain"
)

// SweepHeartbeats moves agents that have not reported within the heartbeat
// timeout to offline. It returns the ids it moved.
func (m *HealthMonitor) SweepHeartbeats(ctx context.Context) []domain.AgentID {
	now := m.now()
	var offline []domain.AgentID

	for _, agent := range m.registry.GetAllAgents() {
		if !domain.CanApply(agent.Status, domain.EventHeartbeatMissed) {
			continue
		}
		since := now.Sub(agent.LastHeartbeat)
		if since <= m.cfg.HeartbeatTimeout {
			continue
		}

		moved, err := m.registry.MarkOffline(ctx, agent.ID, m.cfg.HeartbeatTimeout)
		if err != nil {
			m.log.Debug("offline sweep skipped agent", "agent_id", agent.ID, "error", err)
			continue
		}
		if moved {
			m.log.Warn("agent missed heartbeats, marked offline",
				"agent_id", agent.ID,
				"name", agent.Name,
				"last_heartbeat", agent.LastHeartbeat.Format(time.RFC3339),
				"silent_for", since.Round(time.Second),
			)
			offline = append(offline, agent.ID)
		}
	}
	return offline
}
