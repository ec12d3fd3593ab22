package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for well-known failure conditions that cross package
// boundaries.  Callers should use [errors.Is] to match these.
var (
	// ErrUnauthorized indicates missing or invalid agent credentials.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrAgentExists is returned when creating an agent id that is taken.
	ErrAgentExists = errors.New("agent already exists")

	// ErrAgentNotFound means the requested agent id does not exist.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrAgentOffline means the agent exists but has no live connection.
	ErrAgentOffline = errors.New("agent offline")

	// ErrNotRegistered means the agent connected but never registered rules.
	ErrNotRegistered = errors.New("agent not registered")
)

// AgentError wraps an underlying error with agent context.
type AgentError struct {
	AgentID string
	Op      string
	Err     error
}

func (e *AgentError) Error() string {
	if e.AgentID != "" {
		return fmt.Sprintf("agent %s: %s: %v", e.AgentID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *AgentError) Unwrap() error {
	return e.Err
}
