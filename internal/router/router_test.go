package router

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loykin/archivebridge/internal/event"
	"github.com/loykin/archivebridge/internal/framer"
	"github.com/loykin/archivebridge/internal/gateway"
	"github.com/loykin/archivebridge/internal/history"
	"github.com/loykin/archivebridge/internal/job"
	"github.com/loykin/archivebridge/internal/metadata"
)

type memSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (m *memSink) Send(_ context.Context, e history.Event) error {
	m.mu.Lock()
	m.events = append(m.events, e)
	m.mu.Unlock()
	return nil
}

type fixture struct {
	reg    *job.Registry
	store  *metadata.Store
	hub    *event.Hub
	gw     *gateway.Gateway
	router *Router
	sink   *memSink
	rec    *history.Recorder

	// onWrite, when set, runs for every frame the gateway writes.
	onWrite func(frame string)

	mu      sync.Mutex
	notices []event.Notice
	frames  []string
}

type sendFunc func(string) error

func (f sendFunc) Send(frame string) error { return f(frame) }

func newFixture(t *testing.T, policy DeletePolicy) *fixture {
	t.Helper()
	f := &fixture{
		reg:   job.NewRegistry(),
		store: metadata.NewStore(filepath.Join(t.TempDir(), "metadata.json")),
		hub:   event.NewHub(nil),
		sink:  &memSink{},
	}
	f.rec = history.NewRecorder(nil, f.sink)
	f.gw = gateway.New(sendFunc(func(frame string) error {
		if f.onWrite != nil {
			f.onWrite(frame)
		}
		return nil
	}))
	f.router = New(f.reg, f.store, f.hub, f.gw, f.rec, Options{DeletePolicy: policy})
	f.gw.OnAccepted(f.router.CommandAccepted)
	f.hub.Subscribe(event.TopicNotice, func(e event.Event) {
		f.mu.Lock()
		f.notices = append(f.notices, *e.Notice)
		f.mu.Unlock()
	})
	f.hub.Subscribe(event.TopicFrame, func(e event.Event) {
		f.mu.Lock()
		f.frames = append(f.frames, e.Frame)
		f.mu.Unlock()
	})
	ctx, cancel := context.WithCancel(context.Background())
	go f.router.Run(ctx)
	t.Cleanup(func() {
		cancel()
		_ = f.rec.Close()
	})
	return f
}

func (f *fixture) feed(t *testing.T, frames ...string) {
	t.Helper()
	for _, fr := range frames {
		f.router.Enqueue(fr)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.router.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
}

func (f *fixture) noticesAt(level event.Level) []event.Notice {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []event.Notice
	for _, n := range f.notices {
		if n.Level == level {
			out = append(out, n)
		}
	}
	return out
}

func (f *fixture) state(t *testing.T, name string) job.State {
	t.Helper()
	j, ok := f.reg.Get(name)
	if !ok {
		t.Fatalf("job %q not tracked", name)
	}
	return j.State
}

func creds() *gateway.Credentials {
	return &gateway.Credentials{Username: "user", Password: "pw"}
}

func TestCreateThenStartedEvent(t *testing.T) {
	f := newFixture(t, DeleteConfirm)
	if _, err := f.gw.Send(gateway.Command{Kind: gateway.CreateBackup, BackupName: "alpha", Credentials: creds(), Directory: "/b/alpha"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	f.feed(t)
	j, ok := f.reg.Get("alpha")
	if !ok || j.State != job.StateCreated || j.Pending != job.IntentCreate || j.Confirmed {
		t.Fatalf("after accept: %+v ok=%v", j, ok)
	}
	f.feed(t, "event:alpha:Backup started")
	j, _ = f.reg.Get("alpha")
	if j.State != job.StateRunning || j.LastEventText != "Backup started" || j.Pending != job.IntentNone {
		t.Fatalf("after event: %+v", j)
	}
}

func TestFreeTextAnnouncementsDriveRegistry(t *testing.T) {
	f := newFixture(t, DeleteConfirm)
	f.feed(t, "Backup started with name:alpha")
	if got := f.state(t, "alpha"); got != job.StateRunning {
		t.Fatalf("state %s", got)
	}
	f.feed(t, "Backup with name alpha stopped.")
	if got := f.state(t, "alpha"); got != job.StateStopped {
		t.Fatalf("state %s", got)
	}
	f.feed(t, "Backup with name alpha deleted.")
	if _, ok := f.reg.Get("alpha"); ok {
		t.Fatal("deleted job still listed")
	}
}

func TestEveryFrameIsBroadcastVerbatim(t *testing.T) {
	f := newFixture(t, DeleteConfirm)
	in := []string{"hello there", "error:disk full", "event:alpha:Backup started", "metadata-updated:{bad"}
	f.feed(t, in...)
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.frames) != len(in) {
		t.Fatalf("frames %v", f.frames)
	}
	for i := range in {
		if f.frames[i] != in[i] {
			t.Fatalf("frame %d = %q want %q", i, f.frames[i], in[i])
		}
	}
}

func TestErrorFrameIsUnscopedNotice(t *testing.T) {
	f := newFixture(t, DeleteConfirm)
	f.feed(t, "Backup started with name:alpha", "error:disk full")
	errs := f.noticesAt(event.LevelError)
	if len(errs) != 1 || errs[0].Job != "" || errs[0].Text != "disk full" {
		t.Fatalf("error notices %+v", errs)
	}
	if got := f.state(t, "alpha"); got != job.StateRunning {
		t.Fatalf("error frame changed state to %s", got)
	}
}

func TestMetadataReplacesStoreAndReconciles(t *testing.T) {
	f := newFixture(t, DeleteConfirm)
	f.feed(t, `metadata-updated:{"alpha":{"backup_name":"alpha","status":"stopped","credentials":{"username":"u"},"backup_dir":"/b/alpha"}}`)
	snap := f.store.Get()
	if snap["alpha"].Status != "stopped" {
		t.Fatalf("store %+v", snap)
	}
	disk, err := metadata.ReadFile(f.store.Path())
	if err != nil || disk["alpha"].BackupDir != "/b/alpha" {
		t.Fatalf("disk %+v err=%v", disk, err)
	}
	j, ok := f.reg.Get("alpha")
	if !ok || j.State != job.StateStopped || j.Credentials.Username != "u" || j.Directory != "/b/alpha" {
		t.Fatalf("registry %+v", j)
	}
}

func TestInvalidMetadataLeavesStoreUntouched(t *testing.T) {
	f := newFixture(t, DeleteConfirm)
	f.feed(t, `metadata-updated:{"alpha":{"status":"running"}}`)
	before, err := os.ReadFile(f.store.Path())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	f.feed(t, `metadata-updated:{"alpha":`, `metadata-updated:[1,2]`)
	after, _ := os.ReadFile(f.store.Path())
	if string(before) != string(after) {
		t.Fatalf("metadata file changed:\n%s\n%s", before, after)
	}
	if f.store.Get()["alpha"].Status != "running" {
		t.Fatalf("in-memory snapshot changed: %+v", f.store.Get())
	}
	// router keeps going
	f.feed(t, "event:alpha:Backup stopped")
	if got := f.state(t, "alpha"); got != job.StateStopped {
		t.Fatalf("state %s", got)
	}
}

func TestConnectionLostFailsActiveJobsOnce(t *testing.T) {
	f := newFixture(t, DeleteConfirm)
	f.feed(t,
		`metadata-updated:{"alpha":{"status":"running"},"beta":{"status":"running"}}`,
		"Backup started with name:alpha",
		"Backup started with name:beta",
	)
	before, _ := os.ReadFile(f.store.Path())

	f.router.ConnectionLost(errors.New("peer closed"))
	f.feed(t)

	if f.state(t, "alpha") != job.StateFailed || f.state(t, "beta") != job.StateFailed {
		t.Fatalf("jobs %+v", f.reg.List())
	}
	if fatals := f.noticesAt(event.LevelFatal); len(fatals) != 1 {
		t.Fatalf("fatal notices %+v", fatals)
	}
	after, _ := os.ReadFile(f.store.Path())
	if string(before) != string(after) {
		t.Fatal("metadata changed on connection loss")
	}
}

func TestDeleteUnknownJobIsNoop(t *testing.T) {
	for _, policy := range []DeletePolicy{DeleteConfirm, DeleteOptimistic} {
		f := newFixture(t, policy)
		if _, err := f.gw.Send(gateway.Command{Kind: gateway.DeleteBackup, BackupName: "ghost"}); err != nil {
			t.Fatalf("send: %v", err)
		}
		f.feed(t, `{"ipc_type":"ack","msg":"deleteBackup","backup_name":"ghost","ok":true}`)
		if f.reg.Len() != 0 {
			t.Fatalf("%s: registry mutated: %+v", policy, f.reg.List())
		}
	}
}

func TestDeletePolicies(t *testing.T) {
	f := newFixture(t, DeleteConfirm)
	f.feed(t, "Backup started with name:alpha", "Backup with name alpha stopped.")
	if _, err := f.gw.Send(gateway.Command{Kind: gateway.DeleteBackup, BackupName: "alpha"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	f.feed(t)
	j, ok := f.reg.Get("alpha")
	if !ok || j.Pending != job.IntentDelete {
		t.Fatalf("confirm policy should keep a pending job: %+v %v", j, ok)
	}
	f.feed(t, `{"ipc_type":"ack","msg":"deleteBackup","backup_name":"alpha","ok":true}`)
	if _, ok := f.reg.Get("alpha"); ok {
		t.Fatal("job survived delete ack")
	}

	o := newFixture(t, DeleteOptimistic)
	o.feed(t, "Backup started with name:alpha")
	if _, err := o.gw.Send(gateway.Command{Kind: gateway.DeleteBackup, BackupName: "alpha"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	o.feed(t)
	if _, ok := o.reg.Get("alpha"); ok {
		t.Fatal("optimistic delete should drop the job on accept")
	}
}

func TestAckResolvesCommandAndFailedStartFailsJob(t *testing.T) {
	f := newFixture(t, DeleteConfirm)
	id, err := f.gw.Send(gateway.Command{Kind: gateway.StartBackup, BackupName: "alpha", Credentials: creds()})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	f.feed(t, `{"ipc_type":"ack","msg":"startBackup","backup_name":"alpha","correlation_id":"`+id+`","ok":false,"error":"bad password"}`)
	res, ok := f.gw.Outcome(id)
	if !ok || res.Status != gateway.StatusFailed || res.Error != "bad password" {
		t.Fatalf("outcome %+v", res)
	}
	if got := f.state(t, "alpha"); got != job.StateFailed {
		t.Fatalf("state %s", got)
	}
	errs := f.noticesAt(event.LevelError)
	if len(errs) == 0 || errs[0].Job != "alpha" {
		t.Fatalf("expected a job-scoped error notice, got %+v", errs)
	}
}

func TestRejectedStopClearsPending(t *testing.T) {
	f := newFixture(t, DeleteConfirm)
	f.feed(t, "Backup started with name:alpha")
	if _, err := f.gw.Send(gateway.Command{Kind: gateway.StopBackup, BackupName: "alpha"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	f.feed(t, `{"ipc_type":"ack","msg":"stopBackup","backup_name":"alpha","ok":false,"error":"busy"}`)
	j, _ := f.reg.Get("alpha")
	if j.State != job.StateRunning || j.Pending != job.IntentNone {
		t.Fatalf("job %+v", j)
	}
}

func TestInvalidTransitionLeavesState(t *testing.T) {
	f := newFixture(t, DeleteConfirm)
	f.feed(t, "Backup started with name:alpha", "Backup with name alpha stopped.", "Backup created with name:alpha")
	if got := f.state(t, "alpha"); got != job.StateStopped {
		t.Fatalf("state %s", got)
	}
}

func TestCommandsWithoutConnectionHaveNoEffect(t *testing.T) {
	f := newFixture(t, DeleteConfirm)
	gw := gateway.New(sendFunc(func(string) error { return framer.ErrTransportUnavailable }))
	gw.OnAccepted(f.router.CommandAccepted)
	_, err := gw.Send(gateway.Command{Kind: gateway.CreateBackup, BackupName: "alpha", Credentials: creds()})
	if !errors.Is(err, framer.ErrTransportUnavailable) {
		t.Fatalf("expected ErrTransportUnavailable, got %v", err)
	}
	f.feed(t)
	if f.reg.Len() != 0 {
		t.Fatalf("registry mutated: %+v", f.reg.List())
	}
}

func TestSendFromSubscriberDoesNotStallRouter(t *testing.T) {
	f := newFixture(t, DeleteConfirm)
	f.feed(t, "Backup started with name:alpha")
	sent := make(chan error, 1)
	var once sync.Once
	f.hub.Subscribe(event.TopicFrame, func(e event.Event) {
		if e.Frame != "trigger" {
			return
		}
		once.Do(func() {
			_, err := f.gw.Send(gateway.Command{Kind: gateway.StopBackup, BackupName: "alpha"})
			sent <- err
		})
	})
	f.router.Enqueue("trigger")
	select {
	case err := <-sent:
		if err != nil {
			t.Fatalf("send: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("send from a subscriber callback never returned")
	}
	f.feed(t)
	j, _ := f.reg.Get("alpha")
	if j.Pending != job.IntentStop {
		t.Fatalf("stop not tracked: %+v", j)
	}
}

func TestAckDuringWriteIsAppliedAfterCommand(t *testing.T) {
	f := newFixture(t, DeleteConfirm)
	f.feed(t, "Backup created with name:alpha")
	// the worker answers before the write call has returned
	f.onWrite = func(frame string) {
		var env struct {
			ID string `json:"correlation_id"`
		}
		_ = json.Unmarshal([]byte(frame), &env)
		f.router.Enqueue(`{"ipc_type":"ack","msg":"startBackup","backup_name":"alpha","correlation_id":"` + env.ID + `","ok":true}`)
		f.router.Enqueue("event:alpha:Backup started")
	}
	id, err := f.gw.Send(gateway.Command{Kind: gateway.StartBackup, BackupName: "alpha", Credentials: creds()})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	f.feed(t)
	res, ok := f.gw.Outcome(id)
	if !ok || res.Status != gateway.StatusSucceeded {
		t.Fatalf("outcome %+v %v", res, ok)
	}
	j, _ := f.reg.Get("alpha")
	if j.State != job.StateRunning || j.Pending != job.IntentNone {
		t.Fatalf("job %+v", j)
	}
}

func TestDiagnosticsAreSerializedWithFrames(t *testing.T) {
	f := newFixture(t, DeleteConfirm)
	var order []string
	f.hub.Subscribe(event.TopicAll, func(e event.Event) {
		switch {
		case e.Topic == event.TopicFrame:
			order = append(order, "frame:"+e.Frame)
		case e.Notice != nil && e.Notice.Level == event.LevelDiagnostic:
			order = append(order, "diag:"+e.Notice.Text)
		}
	})
	f.router.Enqueue("first")
	f.router.Notice(event.LevelDiagnostic, "", "stderr: warming up")
	f.router.Enqueue("second")
	f.feed(t)
	want := []string{"frame:first", "diag:stderr: warming up", "frame:second"}
	if len(order) != len(want) {
		t.Fatalf("order %q", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order %q want %q", order, want)
		}
	}
}

func TestTransitionsAreRecorded(t *testing.T) {
	f := newFixture(t, DeleteConfirm)
	f.feed(t, "Backup started with name:alpha", "event:alpha:Backup stopped")
	if err := f.rec.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	if len(f.sink.events) != 2 {
		t.Fatalf("history %+v", f.sink.events)
	}
	if f.sink.events[0].Type != history.EventStarted || f.sink.events[1].Type != history.EventStopped {
		t.Fatalf("types %s %s", f.sink.events[0].Type, f.sink.events[1].Type)
	}
	if f.sink.events[1].Record.From != "running" {
		t.Fatalf("record %+v", f.sink.events[1].Record)
	}
}

func TestParseDeletePolicy(t *testing.T) {
	for in, want := range map[string]DeletePolicy{"": DeleteConfirm, "Confirm": DeleteConfirm, "optimistic": DeleteOptimistic} {
		got, err := ParseDeletePolicy(in)
		if err != nil || got != want {
			t.Fatalf("%q -> %q %v", in, got, err)
		}
	}
	if _, err := ParseDeletePolicy("eager"); err == nil {
		t.Fatal("expected error")
	}
}

func TestSeedsFrom(t *testing.T) {
	seeds := SeedsFrom(metadata.Snapshot{
		"b": {BackupName: "b", Status: "weird"},
		"a": {BackupName: "a", Status: "running", BackupDir: "/a"},
	})
	if len(seeds) != 2 || seeds[0].Name != "a" || seeds[0].State != job.StateRunning || seeds[1].State != "" {
		t.Fatalf("seeds %+v", seeds)
	}
}
