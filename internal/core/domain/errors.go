package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrTemplateNotFound     = errors.New("template not found")
	ErrInvalidTransition    = errors.New("invalid transition")
	ErrInsufficientCapacity = errors.New("insufficient capacity")
	ErrPoolExhausted        = errors.New("pool exhausted")
	ErrTimeout              = errors.New("drain timeout exceeded")
	ErrPersistenceFailure   = errors.New("persistence failure")
	ErrAlreadyPreserved     = errors.New("record already preserved")
	ErrInvalidArgument      = errors.New("invalid argument")
)

// AgentNotFound wraps ErrNotFound with the missing id.
func AgentNotFound(id AgentID) error {
	return fmt.Errorf("agent %s: %w", id, ErrNotFound)
}

// PoolNotFound wraps ErrNotFound with the missing pool id.
func PoolNotFound(id PoolID) error {
	return fmt.Errorf("pool %s: %w", id, ErrNotFound)
}
