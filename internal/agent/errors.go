package agent

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized means the broker rejected the agent's credentials.
	// Reconnecting cannot fix it.
	ErrUnauthorized = errors.New("broker rejected credentials")

	// ErrInvalidRules means the local rule file cannot be registered.
	ErrInvalidRules = errors.New("invalid resource rules")

	// ErrRegistrationTimeout means the broker did not answer a registration.
	ErrRegistrationTimeout = errors.New("registration response timed out")
)

// RejectedError carries the broker's message for a failed handshake step.
type RejectedError struct {
	Op      string
	Message string
	Err     error
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Err, e.Message)
}

func (e *RejectedError) Unwrap() error {
	return e.Err
}

// isNonRetriable reports errors the reconnect loop must not retry.
func isNonRetriable(err error) bool {
	return errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrInvalidRules)
}
