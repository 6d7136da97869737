package types

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned for operations on a job the driver does not know
	ErrJobNotFound = errors.New("job not found")

	// ErrNodeNotFound is returned for operations on a node that is not connected
	ErrNodeNotFound = errors.New("node not found")

	// ErrDuplicateJob is returned when a job UUID is offered twice
	ErrDuplicateJob = errors.New("job already queued")

	// ErrDriverStopped is returned when submitting to a stopped driver
	ErrDriverStopped = errors.New("driver stopped")
)

// TransportError is a node or client connection failure.
// It always results in resubmission of the in-flight bundle.
type TransportError struct {
	NodeUUID string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error on node %s: %v", e.NodeUUID, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ValidationError reports an invalid job submission
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid job: %s: %s", e.Field, e.Reason)
}

// Validate checks a job before it is offered to the queue
func (j *Job) Validate() error {
	if j.UUID == "" {
		return &ValidationError{Field: "uuid", Reason: "must not be empty"}
	}
	if len(j.Tasks) == 0 {
		return &ValidationError{Field: "tasks", Reason: "job has no task"}
	}
	seen := make(map[int]bool, len(j.Tasks))
	for _, t := range j.Tasks {
		if t == nil {
			return &ValidationError{Field: "tasks", Reason: "nil task"}
		}
		if seen[t.Position] {
			return &ValidationError{Field: "tasks", Reason: fmt.Sprintf("duplicate position %d", t.Position)}
		}
		seen[t.Position] = true
		if t.Timeout != nil && t.Timeout.Date.IsZero() && t.Timeout.Delay <= 0 {
			return &ValidationError{Field: "tasks.timeout", Reason: fmt.Sprintf("task %d has no date and no positive delay", t.Position)}
		}
	}
	if j.SLA != nil && j.SLA.ExecutionPolicy != nil {
		if err := j.SLA.ExecutionPolicy.Validate(); err != nil {
			return &ValidationError{Field: "sla.executionPolicy", Reason: err.Error()}
		}
	}
	return nil
}
