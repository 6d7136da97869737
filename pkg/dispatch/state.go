package dispatch

import (
	"fmt"

	"github.com/cuemby/taskgrid/pkg/types"
)

// State is the dispatch state of one node connection
type State int

const (
	StateIdle State = iota
	StateSending
	StateWaitingResults
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateWaitingResults:
		return "waiting_results"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// NodeStatus maps the state to its registry representation
func (s State) NodeStatus() types.NodeStatus {
	switch s {
	case StateSending:
		return types.NodeStatusSending
	case StateWaitingResults:
		return types.NodeStatusWaitingResults
	case StateFailed:
		return types.NodeStatusFailed
	}
	return types.NodeStatusIdle
}

// Event drives a node's state machine
type Event int

const (
	EvDispatch       Event = iota // a bundle was taken for the node
	EvFlushed                     // the bundle frame left the driver
	EvResults                     // the node returned the bundle
	EvNodeError                   // the node reported an internal failure, or the bundle could not be encoded
	EvTransportError              // send failure or undecodable frame
	EvClose                       // the connection is gone
)

func (e Event) String() string {
	switch e {
	case EvDispatch:
		return "dispatch"
	case EvFlushed:
		return "flushed"
	case EvResults:
		return "results"
	case EvNodeError:
		return "node_error"
	case EvTransportError:
		return "transport_error"
	case EvClose:
		return "close"
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// TransitionError reports an event that is not valid in the current state
type TransitionError struct {
	From  State
	Event Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid event %s in state %s", e.Event, e.From)
}

// Transition returns the state reached from s on event e. Results may
// overtake the flush notification of their own bundle, so they are accepted
// while still sending.
func Transition(s State, e Event) (State, error) {
	switch e {
	case EvClose, EvTransportError:
		return StateFailed, nil
	}

	switch s {
	case StateIdle:
		if e == EvDispatch {
			return StateSending, nil
		}
	case StateSending:
		switch e {
		case EvFlushed:
			return StateWaitingResults, nil
		case EvResults, EvNodeError:
			return StateIdle, nil
		}
	case StateWaitingResults:
		switch e {
		case EvResults, EvNodeError:
			return StateIdle, nil
		}
	}
	return s, &TransitionError{From: s, Event: e}
}
