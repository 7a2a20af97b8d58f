package domain

import "fmt"

type AgentStatus string

const (
	AgentStatusInitializing AgentStatus = "initializing"
	AgentStatusIdle         AgentStatus = "idle"
	AgentStatusBusy         AgentStatus = "busy"
	AgentStatusError        AgentStatus = "error"
	AgentStatusTerminating  AgentStatus = "terminating"
	AgentStatusTerminated   AgentStatus = "terminated"
	AgentStatusOffline      AgentStatus = "offline"
)

// AllStatuses lists every lifecycle state in declaration order.
var AllStatuses = []AgentStatus{
	AgentStatusInitializing,
	AgentStatusIdle,
	AgentStatusBusy,
	AgentStatusError,
	AgentStatusTerminating,
	AgentStatusTerminated,
	AgentStatusOffline,
}

type LifecycleEvent string

const (
	EventInitialized      LifecycleEvent = "initialized"
	EventTaskAssigned     LifecycleEvent = "task_assigned"
	EventDrained          LifecycleEvent = "drained"
	EventFault            LifecycleEvent = "fault"
	EventStopRequested    LifecycleEvent = "stop_requested"
	EventCleanupComplete  LifecycleEvent = "cleanup_complete"
	EventHeartbeatMissed  LifecycleEvent = "heartbeat_missed"
	EventHeartbeatRestore LifecycleEvent = "heartbeat_restored"
	EventFaultRestore     LifecycleEvent = "fault_restored"
	EventRestart          LifecycleEvent = "restart"
)

type transitionKey struct {
	from  AgentStatus
	event LifecycleEvent
}

// transitions is the complete lifecycle. Anything absent is rejected.
var transitions = map[transitionKey]AgentStatus{
	{AgentStatusInitializing, EventInitialized}: AgentStatusIdle,

	{AgentStatusIdle, EventTaskAssigned}: AgentStatusBusy,
	{AgentStatusBusy, EventDrained}:      AgentStatusIdle,

	{AgentStatusInitializing, EventFault}: AgentStatusError,
	{AgentStatusIdle, EventFault}:         AgentStatusError,
	{AgentStatusBusy, EventFault}:         AgentStatusError,

	{AgentStatusIdle, EventStopRequested}:  AgentStatusTerminating,
	{AgentStatusBusy, EventStopRequested}:  AgentStatusTerminating,
	{AgentStatusError, EventStopRequested}: AgentStatusTerminating,

	{AgentStatusTerminating, EventCleanupComplete}: AgentStatusTerminated,

	{AgentStatusIdle, EventHeartbeatMissed}:  AgentStatusOffline,
	{AgentStatusBusy, EventHeartbeatMissed}:  AgentStatusOffline,
	{AgentStatusError, EventHeartbeatMissed}: AgentStatusOffline,

	{AgentStatusOffline, EventHeartbeatRestore}: AgentStatusIdle,
	{AgentStatusOffline, EventFaultRestore}:     AgentStatusError,

	{AgentStatusTerminated, EventRestart}: AgentStatusInitializing,
}

// Next returns the state reached by applying event to from.
func Next(from AgentStatus, event LifecycleEvent) (AgentStatus, error) {
	to, ok := transitions[transitionKey{from, event}]
	if !ok {
		return from, &TransitionError{From: from, Event: event}
	}
	return to, nil
}

// CanApply reports whether event is legal in state from.
func CanApply(from AgentStatus, event LifecycleEvent) bool {
	_, ok := transitions[transitionKey{from, event}]
	return ok
}

// Terminal reports whether s only allows deletion (or an explicit restart).
func (s AgentStatus) Terminal() bool {
	return s == AgentStatusTerminated
}

// TransitionError is returned when an event is not legal in the current state.
type TransitionError struct {
	From  AgentStatus
	Event LifecycleEvent
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s on %q", e.From, e.Event)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
