package node

import (
	"errors"
	"fmt"
)

// Error kinds. Use errors.Is against these to classify a failure.
var (
	// ErrConfiguration is returned when a node configuration fails validation.
	ErrConfiguration = errors.New("invalid node configuration")

	// ErrNormalization is reported when a structured-looking output failed to decode.
	ErrNormalization = errors.New("output normalization failed")

	// ErrExecution is reported when the business function failed.
	ErrExecution = errors.New("node execution failed")

	// ErrSink is reported when writing a result to the output failed.
	ErrSink = errors.New("output write failed")

	// ErrVetoed is reported when a Started listener rejected the item.
	ErrVetoed = errors.New("execution vetoed")
)

// Processing phases.
const (
	PhaseInput     = "input"
	PhaseStarted   = "started"
	PhaseExecute   = "execute"
	PhaseNormalize = "normalize"
	PhaseWrite     = "write"
)

// ConfigurationError wraps a validation failure of a node configuration.
type ConfigurationError struct {
	NodeID string
	Cause  error
}

func (e *ConfigurationError) Error() string {
	if e.NodeID == "" {
		return fmt.Sprintf("invalid node configuration: %v", e.Cause)
	}
	return fmt.Sprintf("invalid configuration for node %s: %v", e.NodeID, e.Cause)
}

// Unwrap returns ErrConfiguration and the cause.
func (e *ConfigurationError) Unwrap() []error {
	return []error{ErrConfiguration, e.Cause}
}

// NewConfigurationError creates a configuration error.
func NewConfigurationError(nodeID string, cause error) *ConfigurationError {
	return &ConfigurationError{NodeID: nodeID, Cause: cause}
}

// ProcessingError is the error handed to ExecutionContext.OnError for a failed item.
type ProcessingError struct {
	// NodeID is the ID of the node that failed, if known.
	NodeID string
	// DataID is the ID of the item being processed.
	DataID string
	// Phase indicates which phase of processing failed.
	Phase string
	// Kind is one of the error kind sentinels.
	Kind error
	// Cause is the underlying error.
	Cause error
}

func (e *ProcessingError) Error() string {
	node := e.NodeID
	if node == "" {
		node = "<unnamed>"
	}
	return fmt.Sprintf("node %s: data %s: %s: %v: %v", node, e.DataID, e.Phase, e.Kind, e.Cause)
}

// Unwrap returns the kind and the cause.
func (e *ProcessingError) Unwrap() []error {
	return []error{e.Kind, e.Cause}
}

// NewProcessingError creates a processing error.
func NewProcessingError(nodeID, dataID, phase string, kind, cause error) *ProcessingError {
	return &ProcessingError{
		NodeID: nodeID,
		DataID: dataID,
		Phase:  phase,
		Kind:   kind,
		Cause:  cause,
	}
}

// IsRetryable reports whether redelivering the item may succeed.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrSink)
}

// IsPermanent reports whether the failure will repeat for the same input.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrConfiguration) || errors.Is(err, ErrNormalization)
}
