package job

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrInvalidTransition = errors.New("invalid job state transition")
	ErrNotFound          = errors.New("job not found")
)

// State is the lifecycle state of a backup job.
//
// State Machine:
// created -> running -> stopped -> deleted
// created|running -> failed, stopped|failed -> running (resume)
type State string

const (
	StateCreated State = "created"
	StateRunning State = "running"
	StateStopped State = "stopped"
	StateFailed  State = "failed"
	StateDeleted State = "deleted"
)

var transitions = map[State][]State{
	StateCreated: {StateRunning, StateFailed, StateDeleted},
	StateRunning: {StateStopped, StateFailed, StateDeleted},
	StateStopped: {StateRunning, StateDeleted},
	StateFailed:  {StateRunning, StateDeleted},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Active reports whether a job in this state is expected to be doing work or about to.
func (s State) Active() bool { return s == StateCreated || s == StateRunning }

// Valid reports whether s names a known state.
func (s State) Valid() bool {
	switch s {
	case StateCreated, StateRunning, StateStopped, StateFailed, StateDeleted:
		return true
	}
	return false
}

// ParseState accepts the lowercase names plus a few worker spellings.
func ParseState(s string) (State, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "created", "new":
		return StateCreated, true
	case "running", "started", "active":
		return StateRunning, true
	case "stopped", "paused":
		return StateStopped, true
	case "failed", "error":
		return StateFailed, true
	case "deleted", "removed":
		return StateDeleted, true
	}
	return "", false
}

// Intent is a command the UI issued for a job that the worker has not confirmed yet.
type Intent string

const (
	IntentNone   Intent = ""
	IntentCreate Intent = "createBackup"
	IntentStart  Intent = "startBackup"
	IntentStop   Intent = "stopBackup"
	IntentDelete Intent = "deleteBackup"
)

// satisfiedBy reports whether reaching state settles the pending intent.
func (i Intent) satisfiedBy(s State) bool {
	switch i {
	case IntentCreate:
		return s == StateCreated || s == StateRunning
	case IntentStart:
		return s == StateRunning
	case IntentStop:
		return s == StateStopped
	case IntentDelete:
		return s == StateDeleted
	}
	return false
}

// Credentials reference the account a job backs up. No password is ever held here.
type Credentials struct {
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

// Job is a read-only snapshot of one tracked backup.
type Job struct {
	Name          string      `json:"name"`
	State         State       `json:"state"`
	Credentials   Credentials `json:"credentials"`
	Directory     string      `json:"directory,omitempty"`
	LastEventText string      `json:"last_event_text,omitempty"`
	Pending       Intent      `json:"pending,omitempty"`
	Confirmed     bool        `json:"confirmed"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Transition records one state change. From is empty when a job first appears.
type Transition struct {
	Name   string    `json:"name"`
	From   State     `json:"from"`
	To     State     `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Changed reports whether the transition moved the job to a different state.
func (t Transition) Changed() bool { return t.From != t.To }
