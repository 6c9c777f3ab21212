package client

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Credentials accompany create and start commands.
type Credentials struct {
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Password string `json:"password,omitempty"`
}

// Descriptor is one entry of the metadata snapshot.
type Descriptor struct {
	BackupName  string      `json:"backup_name"`
	Status      string      `json:"status"`
	Credentials Credentials `json:"credentials"`
	BackupDir   string      `json:"backup_dir"`
}

// Snapshot maps job name to descriptor.
type Snapshot map[string]Descriptor

// Job is the bridge's view of one backup job
type Job struct {
	Name          string      `json:"name"`
	State         string      `json:"state"`
	Credentials   Credentials `json:"credentials"`
	Directory     string      `json:"directory,omitempty"`
	LastEventText string      `json:"last_event_text,omitempty"`
	Pending       string      `json:"pending,omitempty"`
	Confirmed     bool        `json:"confirmed"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Command represents a request for the worker
type Command struct {
	Kind        string       `json:"kind"`
	BackupName  string       `json:"backup_name"`
	Credentials *Credentials `json:"credentials,omitempty"`
	Directory   string       `json:"backup_dir,omitempty"`
}

// CommandResult is the acknowledgement state of a sent command.
type CommandResult struct {
	ID         string     `json:"correlation_id"`
	Kind       string     `json:"kind"`
	BackupName string     `json:"backup_name"`
	Status     string     `json:"status"`
	Error      string     `json:"error,omitempty"`
	SentAt     time.Time  `json:"sent_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// WorkerProcess describes the worker process of a session.
type WorkerProcess struct {
	Name      string    `json:"name"`
	Running   bool      `json:"running"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	StoppedAt time.Time `json:"stopped_at,omitempty"`
	ExitErr   string    `json:"exit_error,omitempty"`
}

// WorkerStatus represents the supervised session
type WorkerStatus struct {
	State     string        `json:"state"`
	Port      int           `json:"port,omitempty"`
	Worker    WorkerProcess `json:"worker"`
	LastError string        `json:"last_error,omitempty"`
}

// Notice is a user-visible message pushed by the bridge.
type Notice struct {
	Level string    `json:"level"`
	Job   string    `json:"job,omitempty"`
	Text  string    `json:"text"`
	At    time.Time `json:"at"`
}

// Event is one server-sent event from /events.
type Event struct {
	Topic  string          `json:"topic"`
	Job    string          `json:"job,omitempty"`
	Frame  string          `json:"frame,omitempty"`
	Notice *Notice         `json:"notice,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// APIError is returned for non-2xx responses.
type APIError struct {
	Status  int
	Message string
	Field   string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.Status)
	}
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
}

// Unavailable reports whether the bridge had no live worker connection.
func (e *APIError) Unavailable() bool { return e.Status == http.StatusServiceUnavailable }

// NotFound reports a 404.
func (e *APIError) NotFound() bool { return e.Status == http.StatusNotFound }
