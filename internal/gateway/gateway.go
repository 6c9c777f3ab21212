package gateway

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loykin/archivebridge/internal/protocol"
)

// Kind names a UI-originated command.
type Kind string

const (
	CreateBackup Kind = protocol.CmdCreateBackup
	StartBackup  Kind = protocol.CmdStartBackup
	StopBackup   Kind = protocol.CmdStopBackup
	DeleteBackup Kind = protocol.CmdDeleteBackup
)

// Credentials supplied with create/start. The password travels to the worker only.
type Credentials struct {
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Password string `json:"password"`
}

// Command is a typed request for the worker.
type Command struct {
	Kind        Kind         `json:"kind"`
	BackupName  string       `json:"backup_name"`
	Credentials *Credentials `json:"credentials,omitempty"`
	Directory   string       `json:"backup_dir,omitempty"`
}

// ValidationError rejects a command locally; it never reaches the wire.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid command: %s %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Validate checks required fields for the command kind.
func (c Command) Validate() error {
	switch c.Kind {
	case CreateBackup, StartBackup, StopBackup, DeleteBackup:
	default:
		return &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown command %q", c.Kind)}
	}
	if strings.TrimSpace(c.BackupName) == "" {
		return &ValidationError{Field: "backup_name", Reason: "required"}
	}
	if !ValidName(c.BackupName) {
		return &ValidationError{Field: "backup_name", Reason: "allowed [A-Za-z0-9._-], no '..'"}
	}
	if !ValidDirectory(c.Directory) {
		return &ValidationError{Field: "backup_dir", Reason: "must be an absolute path without traversal"}
	}
	if c.Kind == CreateBackup || c.Kind == StartBackup {
		if c.Credentials == nil {
			return &ValidationError{Field: "credentials", Reason: "required for " + string(c.Kind)}
		}
		if strings.TrimSpace(c.Credentials.Username) == "" {
			return &ValidationError{Field: "credentials.username", Reason: "required"}
		}
		if c.Credentials.Password == "" {
			return &ValidationError{Field: "credentials.password", Reason: "required"}
		}
	}
	return nil
}

// ValidName reports whether s can name a backup job. Job names end up in the
// worker's directory layout, so only [A-Za-z0-9._-] is allowed and ".." is not.
func ValidName(s string) bool {
	if s == "" || strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

// ValidDirectory accepts an empty directory or an absolute, already clean path.
// Trailing separators are tolerated.
func ValidDirectory(p string) bool {
	if p == "" {
		return true
	}
	if !filepath.IsAbs(p) {
		return false
	}
	clean := filepath.Clean(p)
	trimmed := strings.TrimRight(p, string(filepath.Separator))
	if trimmed == "" {
		trimmed = p
	}
	return clean == p || clean == trimmed
}

// Envelope builds the wire envelope for the command.
func (c Command) Envelope(correlationID string) protocol.Envelope {
	env := protocol.Envelope{
		IPCType:       protocol.TypeAction,
		Msg:           string(c.Kind),
		BackupName:    c.BackupName,
		BackupDir:     c.Directory,
		CorrelationID: correlationID,
	}
	if c.Credentials != nil {
		env.Credentials = &protocol.Credentials{
			Username: c.Credentials.Username,
			Email:    c.Credentials.Email,
			Password: c.Credentials.Password,
		}
	}
	return env
}

// Transport accepts one serialized frame without its delimiter.
type Transport interface {
	Send(frame string) error
}

// Status of a sent command as learned from acknowledgements.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Result tracks the outcome of one command by correlation id.
type Result struct {
	ID         string     `json:"correlation_id"`
	Kind       Kind       `json:"kind"`
	BackupName string     `json:"backup_name"`
	Status     Status     `json:"status"`
	Error      string     `json:"error,omitempty"`
	SentAt     time.Time  `json:"sent_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

const defaultMaxResults = 1024

// Delivery reports how the write of one accepted command ended. Done is closed
// once the transport returned; Err is only meaningful after that.
type Delivery struct {
	done chan struct{}
	err  error
}

func newDelivery() *Delivery { return &Delivery{done: make(chan struct{})} }

func (d *Delivery) finish(err error) {
	d.err = err
	close(d.done)
}

// Done is closed when the write has finished.
func (d *Delivery) Done() <-chan struct{} { return d.done }

// Err is the transport error, nil when the frame was written.
func (d *Delivery) Err() error {
	<-d.done
	return d.err
}

// AcceptFunc observes a validated command before it is written. It must not block;
// the outcome of the write arrives through d.
type AcceptFunc func(cmd Command, id string, d *Delivery)

// Gateway validates, serializes and sends commands. It does not wait for the worker.
type Gateway struct {
	transport Transport
	newID     func() string

	mu         sync.Mutex
	results    map[string]*Result
	order      []string
	maxResults int
	accepted   []AcceptFunc
}

// New returns a gateway writing through t.
func New(t Transport) *Gateway {
	return &Gateway{
		transport:  t,
		newID:      uuid.NewString,
		results:    make(map[string]*Result),
		maxResults: defaultMaxResults,
	}
}

// OnAccepted registers fn. Hooks run before the frame is written so that
// whatever they queue is ordered ahead of the worker's reply.
func (g *Gateway) OnAccepted(fn AcceptFunc) {
	g.mu.Lock()
	g.accepted = append(g.accepted, fn)
	g.mu.Unlock()
}

// Send validates cmd and writes it. It returns the correlation id on success.
// Validation failures return *ValidationError; transport failures are returned as is
// and leave no pending result behind.
func (g *Gateway) Send(cmd Command) (string, error) {
	if err := cmd.Validate(); err != nil {
		return "", err
	}
	id := g.newID()
	line, err := cmd.Envelope(id).Encode()
	if err != nil {
		return "", err
	}

	// the result must exist before the worker can possibly ack it
	g.mu.Lock()
	g.results[id] = &Result{ID: id, Kind: cmd.Kind, BackupName: cmd.BackupName, Status: StatusPending, SentAt: time.Now().UTC()}
	g.order = append(g.order, id)
	for len(g.order) > g.maxResults {
		delete(g.results, g.order[0])
		g.order = g.order[1:]
	}
	hooks := slices.Clone(g.accepted)
	g.mu.Unlock()

	d := newDelivery()
	for _, fn := range hooks {
		fn(cmd, id, d)
	}
	err = g.transport.Send(line)
	d.finish(err)
	if err != nil {
		g.forget(id)
		return "", fmt.Errorf("send %s %s: %w", cmd.Kind, cmd.BackupName, err)
	}
	return id, nil
}

func (g *Gateway) forget(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.results, id)
	if i := slices.Index(g.order, id); i >= 0 {
		g.order = slices.Delete(g.order, i, i+1)
	}
}

// Resolve records the acknowledgement for id. It returns false for unknown ids.
func (g *Gateway) Resolve(id string, ok bool, errText string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, found := g.results[id]
	if !found {
		return false
	}
	now := time.Now().UTC()
	r.ResolvedAt = &now
	if ok {
		r.Status = StatusSucceeded
	} else {
		r.Status = StatusFailed
		r.Error = errText
	}
	return true
}

// Outcome returns the tracked result for id.
func (g *Gateway) Outcome(id string) (Result, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.results[id]
	if !ok {
		return Result{}, false
	}
	return *r, true
}
