package hostagent

import (
	"errors"
	"fmt"
)

// Base errors
var (
	// ErrMeasurementNotEnabled indicates the host cannot produce measurements
	ErrMeasurementNotEnabled = errors.New("host is not measurement capable")

	// ErrAgentUnavailable indicates the trust agent could not be reached or failed
	ErrAgentUnavailable = errors.New("host unreachable or agent error")

	// ErrInvalidResponse indicates the agent answered with an unusable body
	ErrInvalidResponse = errors.New("invalid trust agent response")
)

// AgentError reports a failed call to a host's trust agent. It is never
// retried internally.
type AgentError struct {
	HostID     string
	Address    string
	Operation  string
	StatusCode int
	Cause      error
}

func (e *AgentError) Error() string {
	msg := fmt.Sprintf("%v: host %s (%s) %s", ErrAgentUnavailable, e.HostID, e.Address, e.Operation)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" status %d", e.StatusCode)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *AgentError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrAgentUnavailable}
	}
	return []error{ErrAgentUnavailable, e.Cause}
}

// NewAgentError creates a new AgentError
func NewAgentError(address, operation string, cause error) *AgentError {
	return &AgentError{Address: address, Operation: operation, Cause: cause}
}

// IsAgentError checks if an error came from the trust agent boundary
func IsAgentError(err error) bool {
	return errors.Is(err, ErrAgentUnavailable)
}

// IsMeasurementNotEnabled checks if an error is the capability gate
func IsMeasurementNotEnabled(err error) bool {
	return errors.Is(err, ErrMeasurementNotEnabled)
}
