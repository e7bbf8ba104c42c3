package acquire

import (
	"time"

	"github.com/google/uuid"
)

type State string

const (
	StateIdle        State = "idle"
	StateConnecting  State = "connecting"
	StatePreCommands State = "pre-commands"
	StateQuerying    State = "querying"
	StateDecoding    State = "decoding"
	StateSaved       State = "saved"
	StateFailed      State = "failed"
)

// transitions lists the legal successors of every state. Failed may go back
// to Connecting when a retry is granted.
var transitions = map[State][]State{
	StateIdle:        {StateConnecting, StateFailed},
	StateConnecting:  {StatePreCommands, StateQuerying, StateFailed},
	StatePreCommands: {StateQuerying, StateFailed},
	StateQuerying:    {StateDecoding, StateFailed},
	StateDecoding:    {StateSaved, StateFailed},
	StateSaved:       {StateIdle},
	StateFailed:      {StateIdle, StateConnecting},
}

func (s State) canMoveTo(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transition is one state change of a capture.
type Transition struct {
	CaptureID  uuid.UUID
	TypeTag    string
	ResourceID string
	From       State
	To         State
	Attempt    int
	Err        error
	At         time.Time
}

// StateObserver is told about every transition. It runs on the capturing
// goroutine and must not call back into the engine.
type StateObserver interface {
	OnTransition(t Transition)
}

// ObserverFunc adapts a function to StateObserver.
type ObserverFunc func(t Transition)

func (f ObserverFunc) OnTransition(t Transition) { f(t) }

type Status struct {
	State           State     `json:"state"`
	CaptureID       string    `json:"capture_id,omitempty"`
	TypeTag         string    `json:"type_tag,omitempty"`
	ResourceID      string    `json:"resource_id,omitempty"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	Captures        int       `json:"captures"`
	LastStateChange time.Time `json:"last_state_change"`
}
