package protocol

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// IPC types carried in the ipc_type tag of a structured envelope.
const (
	TypeAction   = "action"
	TypeAck      = "ack"
	TypeEvent    = "event"
	TypeActivity = "activity"
	TypeError    = "error"
	TypeMetadata = "metadata"
)

// Command names understood by the worker.
const (
	CmdCreateBackup = "createBackup"
	CmdStartBackup  = "startBackup"
	CmdStopBackup   = "stopBackup"
	CmdDeleteBackup = "deleteBackup"
)

// Legacy string prefixes.
const (
	PrefixMetadata = "metadata-updated:"
	PrefixEvent    = "event:"
	PrefixError    = "error:"
)

// Credentials as carried on the wire. Password is only ever sent outbound.
type Credentials struct {
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Password string `json:"password,omitempty"`
}

// Envelope is the structured JSON frame shape used in both directions.
type Envelope struct {
	IPCType       string          `json:"ipc_type"`
	Msg           string          `json:"msg"`
	BackupName    string          `json:"backup_name,omitempty"`
	Credentials   *Credentials    `json:"credentials,omitempty"`
	BackupDir     string          `json:"backup_dir,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	OK            *bool           `json:"ok,omitempty"`
	Error         string          `json:"error,omitempty"`
	Text          string          `json:"text,omitempty"`
	State         string          `json:"state,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Encode serializes the envelope as compact single-line JSON.
func (e Envelope) Encode() (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("encode envelope: %w", err)
	}
	return string(b), nil
}

// Kind classifies an inbound frame.
type Kind int

const (
	KindRaw Kind = iota
	KindAck
	KindEvent
	KindMetadata
	KindError
	KindActivity
)

func (k Kind) String() string {
	switch k {
	case KindAck:
		return "ack"
	case KindEvent:
		return "event"
	case KindMetadata:
		return "metadata"
	case KindError:
		return "error"
	case KindActivity:
		return "activity"
	default:
		return "raw"
	}
}

// Signal is a lifecycle hint extracted from a frame.
type Signal int

const (
	SignalNone Signal = iota
	SignalCreated
	SignalStarted
	SignalStopped
	SignalDeleted
	SignalFailed
)

func (s Signal) String() string {
	switch s {
	case SignalCreated:
		return "created"
	case SignalStarted:
		return "started"
	case SignalStopped:
		return "stopped"
	case SignalDeleted:
		return "deleted"
	case SignalFailed:
		return "failed"
	default:
		return "none"
	}
}

// Message is the parsed form of one inbound frame.
type Message struct {
	Kind          Kind
	Raw           string
	Job           string
	Text          string
	Command       string
	CorrelationID string
	OK            bool
	Err           string
	Signal        Signal
	Metadata      json.RawMessage
}

type textPattern struct {
	re     *regexp.Regexp
	signal Signal
}

// free-text announcements naming a job in group 1
var textPatterns = []textPattern{
	{regexp.MustCompile(`^Backup created with name:\s*(\S+)$`), SignalCreated},
	{regexp.MustCompile(`^Backup started with name:\s*(\S+)$`), SignalStarted},
	{regexp.MustCompile(`^Backup with name (\S+) stopped\.?$`), SignalStopped},
	{regexp.MustCompile(`^Backup with name (\S+) deleted\.?$`), SignalDeleted},
	{regexp.MustCompile(`^Failed to start backup (\S+?):`), SignalFailed},
}

// keywords recognized inside job-scoped event text
var eventKeywords = []textPattern{
	{regexp.MustCompile(`(?i)^backup (loop )?(started|resumed)\b`), SignalStarted},
	{regexp.MustCompile(`(?i)^backup (loop )?(stopped|paused)\b`), SignalStopped},
	{regexp.MustCompile(`(?i)^backup deleted\b`), SignalDeleted},
	{regexp.MustCompile(`(?i)^backup failed\b`), SignalFailed},
}

// MatchText reports the job and signal announced by a free-text status line.
func MatchText(line string) (string, Signal, bool) {
	for _, p := range textPatterns {
		if m := p.re.FindStringSubmatch(line); m != nil {
			return m[1], p.signal, true
		}
	}
	return "", SignalNone, false
}

// InferSignal maps job-scoped event text onto a lifecycle signal, or SignalNone when advisory.
func InferSignal(job, text string) Signal {
	if name, sig, ok := MatchText(text); ok && name == job {
		return sig
	}
	for _, p := range eventKeywords {
		if p.re.MatchString(text) {
			return p.signal
		}
	}
	return SignalNone
}

// ParseState maps an explicit state string to a signal.
func ParseState(s string) Signal {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "created":
		return SignalCreated
	case "running", "started":
		return SignalStarted
	case "stopped":
		return SignalStopped
	case "deleted":
		return SignalDeleted
	case "failed":
		return SignalFailed
	default:
		return SignalNone
	}
}

// CommandSignal is the lifecycle effect of an acknowledged command.
func CommandSignal(cmd string, ok bool) Signal {
	switch cmd {
	case CmdCreateBackup:
		if !ok {
			return SignalFailed
		}
		return SignalCreated
	case CmdStartBackup:
		if !ok {
			return SignalFailed
		}
		return SignalStarted
	case CmdStopBackup:
		if ok {
			return SignalStopped
		}
	case CmdDeleteBackup:
		if ok {
			return SignalDeleted
		}
	}
	return SignalNone
}

// Parse classifies one frame. It never fails: unrecognized shapes come back as KindRaw.
func Parse(line string) Message {
	m := Message{Kind: KindRaw, Raw: line}
	switch {
	case strings.HasPrefix(line, PrefixMetadata):
		m.Kind = KindMetadata
		m.Metadata = json.RawMessage(strings.TrimSpace(line[len(PrefixMetadata):]))
		return m
	case strings.HasPrefix(line, PrefixEvent):
		parts := strings.SplitN(line[len(PrefixEvent):], ":", 2)
		if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" {
			return m
		}
		m.Kind = KindEvent
		m.Job = strings.TrimSpace(parts[0])
		m.Text = strings.TrimSpace(parts[1])
		m.Signal = InferSignal(m.Job, m.Text)
		return m
	case strings.HasPrefix(line, PrefixError):
		m.Kind = KindError
		m.Text = strings.TrimSpace(line[len(PrefixError):])
		return m
	case strings.HasPrefix(line, "{"):
		if parseEnvelope(line, &m) {
			return m
		}
	}
	if job, sig, ok := MatchText(line); ok {
		m.Kind = KindEvent
		m.Job = job
		m.Text = line
		m.Signal = sig
	}
	return m
}

func parseEnvelope(line string, m *Message) bool {
	var env Envelope
	if err := json.Unmarshal([]byte(line), &env); err != nil || env.IPCType == "" {
		return false
	}
	m.CorrelationID = env.CorrelationID
	m.Job = env.BackupName
	switch env.IPCType {
	case TypeAck, TypeAction:
		if env.BackupName == "" && env.CorrelationID == "" {
			return false
		}
		m.Kind = KindAck
		m.Command = env.Msg
		m.OK = env.OK == nil || *env.OK
		m.Err = env.Error
		m.Text = firstNonEmpty(env.Text, env.Error)
		m.Signal = CommandSignal(env.Msg, m.OK)
	case TypeEvent, TypeActivity:
		m.Text = firstNonEmpty(env.Text, env.Msg)
		if env.BackupName == "" {
			m.Kind = KindActivity
			return true
		}
		m.Kind = KindEvent
		if sig := ParseState(env.State); sig != SignalNone {
			m.Signal = sig
		} else {
			m.Signal = InferSignal(env.BackupName, m.Text)
		}
	case TypeError:
		m.Text = firstNonEmpty(env.Error, env.Msg, env.Text)
		if env.BackupName == "" {
			m.Kind = KindError
			return true
		}
		m.Kind = KindEvent
		m.Err = m.Text
		m.Signal = SignalFailed
	case TypeMetadata:
		if len(env.Payload) == 0 {
			return false
		}
		m.Kind = KindMetadata
		m.Metadata = env.Payload
	default:
		return false
	}
	return true
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
