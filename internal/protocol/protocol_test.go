package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestParse_Table(t *testing.T) {
	cases := []struct {
		name   string
		line   string
		kind   Kind
		job    string
		text   string
		signal Signal
	}{
		{"metadata prefix", `metadata-updated:{"alpha":{}}`, KindMetadata, "", "", SignalNone},
		{"event advisory", "event:alpha:Fetched 12 new liked tweets.", KindEvent, "alpha", "Fetched 12 new liked tweets.", SignalNone},
		{"event keeps colons", "event:alpha:Backup updated at 2024-01-01T10:00:00.", KindEvent, "alpha", "Backup updated at 2024-01-01T10:00:00.", SignalNone},
		{"event stop keyword", "event:beta:Backup stopped", KindEvent, "beta", "Backup stopped", SignalStopped},
		{"event missing job", "event::text", KindRaw, "", "", SignalNone},
		{"error prefix", "error: Missing msg in payload", KindError, "", "Missing msg in payload", SignalNone},
		{"started free text", "Backup started with name:alpha", KindEvent, "alpha", "Backup started with name:alpha", SignalStarted},
		{"stopped free text", "Backup with name alpha stopped", KindEvent, "alpha", "Backup with name alpha stopped", SignalStopped},
		{"deleted free text", "Backup with name gamma deleted.", KindEvent, "gamma", "Backup with name gamma deleted.", SignalDeleted},
		{"failed free text", "Failed to start backup alpha: login failed", KindEvent, "alpha", "Failed to start backup alpha: login failed", SignalFailed},
		{"plain", "Connection established with ('127.0.0.1', 5000)", KindRaw, "", "", SignalNone},
		{"json without tag", `{"hello":"world"}`, KindRaw, "", "", SignalNone},
		{"broken json", `{"ipc_type":`, KindRaw, "", "", SignalNone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := Parse(tc.line)
			if m.Kind != tc.kind || m.Job != tc.job || m.Text != tc.text || m.Signal != tc.signal {
				t.Fatalf("Parse(%q) = kind=%s job=%q text=%q signal=%s", tc.line, m.Kind, m.Job, m.Text, m.Signal)
			}
			if m.Raw != tc.line {
				t.Fatalf("raw not preserved: %q", m.Raw)
			}
		})
	}
}

func TestParse_StructuredAck(t *testing.T) {
	m := Parse(`{"ipc_type":"ack","msg":"startBackup","backup_name":"alpha","correlation_id":"c-1","ok":true}`)
	if m.Kind != KindAck || m.Job != "alpha" || m.Command != CmdStartBackup || !m.OK || m.CorrelationID != "c-1" {
		t.Fatalf("unexpected ack parse: %+v", m)
	}
	if m.Signal != SignalStarted {
		t.Fatalf("expected started signal, got %s", m.Signal)
	}

	m = Parse(`{"ipc_type":"ack","msg":"startBackup","backup_name":"alpha","ok":false,"error":"bad password"}`)
	if m.OK || m.Signal != SignalFailed || m.Err != "bad password" {
		t.Fatalf("unexpected failed ack parse: %+v", m)
	}

	m = Parse(`{"ipc_type":"ack","msg":"stopBackup","backup_name":"alpha","ok":false}`)
	if m.Signal != SignalNone {
		t.Fatalf("failed stop must not change state, got %s", m.Signal)
	}
}

func TestParse_StructuredEventAndError(t *testing.T) {
	m := Parse(`{"ipc_type":"event","msg":"whatever","backup_name":"alpha","state":"stopped"}`)
	if m.Kind != KindEvent || m.Signal != SignalStopped || m.Text != "whatever" {
		t.Fatalf("unexpected event parse: %+v", m)
	}
	m = Parse(`{"ipc_type":"activity","msg":"Loaded existing backup data."}`)
	if m.Kind != KindActivity || m.Text != "Loaded existing backup data." {
		t.Fatalf("unexpected activity parse: %+v", m)
	}
	m = Parse(`{"ipc_type":"error","msg":"Login failed","backup_name":"alpha"}`)
	if m.Kind != KindEvent || m.Signal != SignalFailed || m.Err != "Login failed" {
		t.Fatalf("unexpected scoped error parse: %+v", m)
	}
	m = Parse(`{"ipc_type":"error","msg":"Missing ipc_type in payload"}`)
	if m.Kind != KindError {
		t.Fatalf("unscoped error should be KindError, got %s", m.Kind)
	}
}

func TestParse_StructuredMetadata(t *testing.T) {
	m := Parse(`{"ipc_type":"metadata","msg":"","payload":{"alpha":{"backup_name":"alpha"}}}`)
	if m.Kind != KindMetadata {
		t.Fatalf("expected metadata, got %s", m.Kind)
	}
	var v map[string]any
	if err := json.Unmarshal(m.Metadata, &v); err != nil {
		t.Fatalf("payload not preserved: %v", err)
	}
}

func TestEnvelope_EncodeSingleLine(t *testing.T) {
	env := Envelope{
		IPCType:     TypeAction,
		Msg:         CmdCreateBackup,
		BackupName:  "alpha",
		Credentials: &Credentials{Username: "u", Password: "line1\nline2"},
	}
	s, err := env.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if strings.ContainsRune(s, '\n') {
		t.Fatalf("encoded envelope must be one line: %q", s)
	}
	if !strings.Contains(s, `"ipc_type":"action"`) || !strings.Contains(s, `"backup_name":"alpha"`) {
		t.Fatalf("unexpected encoding %s", s)
	}
	if strings.Contains(s, "correlation_id") || strings.Contains(s, `"ok"`) {
		t.Fatalf("empty optional fields must be omitted: %s", s)
	}
}

func TestInferSignal(t *testing.T) {
	if InferSignal("alpha", "Backup with name alpha stopped") != SignalStopped {
		t.Fatal("expected stopped")
	}
	if InferSignal("alpha", "Backup with name beta stopped") != SignalNone {
		t.Fatal("pattern naming another job must be advisory")
	}
	if InferSignal("alpha", "No new bookmarks found.") != SignalNone {
		t.Fatal("advisory text must not transition")
	}
}
