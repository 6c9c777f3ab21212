package gateway

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/loykin/archivebridge/internal/framer"
	"github.com/loykin/archivebridge/internal/protocol"
)

type recordingTransport struct {
	frames []string
	err    error
}

func (r *recordingTransport) Send(frame string) error {
	if r.err != nil {
		return r.err
	}
	r.frames = append(r.frames, frame)
	return nil
}

func creds() *Credentials { return &Credentials{Username: "user", Email: "u@example.com", Password: "pw"} }

func TestValidate(t *testing.T) {
	cases := []struct {
		name  string
		cmd   Command
		field string
	}{
		{"unknown kind", Command{Kind: "explode", BackupName: "a"}, "kind"},
		{"empty name", Command{Kind: StopBackup}, "backup_name"},
		{"traversal", Command{Kind: StopBackup, BackupName: "../etc"}, "backup_name"},
		{"slash", Command{Kind: StopBackup, BackupName: "a/b"}, "backup_name"},
		{"create no creds", Command{Kind: CreateBackup, BackupName: "a"}, "credentials"},
		{"start no user", Command{Kind: StartBackup, BackupName: "a", Credentials: &Credentials{Password: "x"}}, "credentials.username"},
		{"start no password", Command{Kind: StartBackup, BackupName: "a", Credentials: &Credentials{Username: "x"}}, "credentials.password"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cmd.Validate()
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if ve.Field != tc.field {
				t.Fatalf("field %q want %q", ve.Field, tc.field)
			}
		})
	}
	for _, ok := range []Command{
		{Kind: StopBackup, BackupName: "alpha"},
		{Kind: DeleteBackup, BackupName: "alpha-1.b_c"},
		{Kind: CreateBackup, BackupName: "alpha", Credentials: creds()},
	} {
		if err := ok.Validate(); err != nil {
			t.Fatalf("%+v: unexpected error %v", ok, err)
		}
	}
}

func TestSend_InvalidNeverReachesWire(t *testing.T) {
	tr := &recordingTransport{}
	g := New(tr)
	if _, err := g.Send(Command{Kind: StartBackup, BackupName: "alpha"}); !IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(tr.frames) != 0 {
		t.Fatalf("invalid command was written: %v", tr.frames)
	}
}

func TestSend_SerializesEnvelope(t *testing.T) {
	tr := &recordingTransport{}
	g := New(tr)
	g.newID = func() string { return "cid-1" }
	var accepted []string
	g.OnAccepted(func(c Command, id string, _ *Delivery) { accepted = append(accepted, string(c.Kind)+":"+id) })

	id, err := g.Send(Command{Kind: CreateBackup, BackupName: "alpha", Credentials: creds(), Directory: "/b/alpha"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id != "cid-1" || len(tr.frames) != 1 {
		t.Fatalf("id=%q frames=%v", id, tr.frames)
	}
	var env protocol.Envelope
	if err := json.Unmarshal([]byte(tr.frames[0]), &env); err != nil {
		t.Fatalf("frame is not JSON: %v", err)
	}
	if env.IPCType != "action" || env.Msg != "createBackup" || env.BackupName != "alpha" ||
		env.CorrelationID != "cid-1" || env.BackupDir != "/b/alpha" ||
		env.Credentials == nil || env.Credentials.Password != "pw" {
		t.Fatalf("unexpected envelope %+v", env)
	}
	if len(accepted) != 1 || accepted[0] != "createBackup:cid-1" {
		t.Fatalf("accepted hooks: %v", accepted)
	}
	r, ok := g.Outcome("cid-1")
	if !ok || r.Status != StatusPending {
		t.Fatalf("outcome %+v %v", r, ok)
	}
}

func TestSend_TransportUnavailable(t *testing.T) {
	tr := &recordingTransport{err: framer.ErrTransportUnavailable}
	g := New(tr)
	g.newID = func() string { return "cid-x" }
	var delivery *Delivery
	g.OnAccepted(func(_ Command, _ string, d *Delivery) { delivery = d })
	_, err := g.Send(Command{Kind: StopBackup, BackupName: "alpha"})
	if !errors.Is(err, framer.ErrTransportUnavailable) {
		t.Fatalf("expected ErrTransportUnavailable, got %v", err)
	}
	if delivery == nil || !errors.Is(delivery.Err(), framer.ErrTransportUnavailable) {
		t.Fatalf("delivery should carry the write error, got %+v", delivery)
	}
	if _, ok := g.Outcome("cid-x"); ok {
		t.Fatal("failed send left a pending result")
	}
}

// ackingTransport resolves the command while the write is still in progress,
// like a worker that answers before Send returns.
type ackingTransport struct{ g *Gateway }

func (a *ackingTransport) Send(frame string) error {
	var env protocol.Envelope
	if err := json.Unmarshal([]byte(frame), &env); err != nil {
		return err
	}
	a.g.Resolve(env.CorrelationID, true, "")
	return nil
}

func TestSend_AckBeforeSendReturns(t *testing.T) {
	tr := &ackingTransport{}
	g := New(tr)
	tr.g = g
	var order []string
	g.OnAccepted(func(_ Command, _ string, d *Delivery) {
		select {
		case <-d.Done():
			order = append(order, "after-write")
		default:
			order = append(order, "before-write")
		}
	})
	id, err := g.Send(Command{Kind: StopBackup, BackupName: "alpha"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	r, ok := g.Outcome(id)
	if !ok || r.Status != StatusSucceeded {
		t.Fatalf("early ack was lost: %+v %v", r, ok)
	}
	if len(order) != 1 || order[0] != "before-write" {
		t.Fatalf("hook order %v", order)
	}
}

func TestValidName(t *testing.T) {
	for _, s := range []string{"a", "A1._-", "nightly.2024-01_b"} {
		if !ValidName(s) {
			t.Fatalf("expected valid name %q", s)
		}
	}
	for _, s := range []string{"", "..", "a..b", "a/b", `a\b`, "hello*", "unicode한글"} {
		if ValidName(s) {
			t.Fatalf("expected invalid name %q", s)
		}
	}
}

func TestValidDirectory(t *testing.T) {
	for _, p := range []string{"", "/", "/backups/alpha", "/backups/alpha/"} {
		if !ValidDirectory(p) {
			t.Fatalf("expected valid directory %q", p)
		}
	}
	for _, p := range []string{"rel/dir", "/b/../etc", "/b/./c", "//b"} {
		if ValidDirectory(p) {
			t.Fatalf("expected invalid directory %q", p)
		}
	}
	err := Command{Kind: StopBackup, BackupName: "a", Directory: "rel"}.Validate()
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field != "backup_dir" {
		t.Fatalf("expected backup_dir validation error, got %v", err)
	}
}

func TestResolve(t *testing.T) {
	g := New(&recordingTransport{})
	id, _ := g.Send(Command{Kind: StopBackup, BackupName: "alpha"})
	if !g.Resolve(id, false, "not running") {
		t.Fatal("resolve known id")
	}
	r, _ := g.Outcome(id)
	if r.Status != StatusFailed || r.Error != "not running" || r.ResolvedAt == nil {
		t.Fatalf("unexpected result %+v", r)
	}
	if g.Resolve("nope", true, "") {
		t.Fatal("unknown id should not resolve")
	}
}

func TestResultsAreBounded(t *testing.T) {
	g := New(&recordingTransport{})
	g.maxResults = 3
	var ids []string
	for i := 0; i < 5; i++ {
		id, err := g.Send(Command{Kind: StopBackup, BackupName: "alpha"})
		if err != nil {
			t.Fatalf("send: %v", err)
		}
		ids = append(ids, id)
	}
	if _, ok := g.Outcome(ids[0]); ok {
		t.Fatal("oldest result should be evicted")
	}
	if _, ok := g.Outcome(ids[4]); !ok {
		t.Fatal("newest result should be kept")
	}
}
