package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// fakeAPI mimics the bridge HTTP API closely enough for the client.
func fakeAPI(t *testing.T) http.Handler {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/metadata", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"alpha":{"backup_name":"alpha","status":"running","credentials":{"username":"u"},"backup_dir":"/b"}}`)
	})
	mux.HandleFunc("/api/jobs", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `[{"name":"alpha","state":"running","credentials":{"username":"u"},"confirmed":true}]`)
	})
	mux.HandleFunc("/api/jobs/", func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimPrefix(r.URL.Path, "/api/jobs/") != "alpha" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error":"job not found"}`)
			return
		}
		_, _ = io.WriteString(w, `{"name":"alpha","state":"stopped"}`)
	})
	mux.HandleFunc("/api/commands", func(w http.ResponseWriter, r *http.Request) {
		var cmd Command
		if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil || r.Method != http.MethodPost {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		switch cmd.BackupName {
		case "":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":"invalid command: backup_name required","field":"backup_name"}`)
		case "offline":
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = io.WriteString(w, `{"error":"transport unavailable"}`)
		default:
			w.WriteHeader(http.StatusAccepted)
			_, _ = fmt.Fprintf(w, `{"correlation_id":"%s-%s"}`, cmd.Kind, cmd.BackupName)
		}
	})
	mux.HandleFunc("/api/commands/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/api/commands/")
		_, _ = fmt.Fprintf(w, `{"correlation_id":"%s","status":"succeeded"}`, id)
	})
	mux.HandleFunc("/api/status", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"state":"ready","port":4242,"worker":{"name":"worker","running":true,"pid":99}}`)
	})
	mux.HandleFunc("/api/events", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("topic") != "frame" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":"unknown topic"}`)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, ": connected\n\n")
		_, _ = io.WriteString(w, "event:frame\ndata:{\"topic\":\"frame\",\"job\":\"alpha\",\"frame\":\"event:alpha:Backup started\"}\n\n")
		_, _ = io.WriteString(w, "event:frame\ndata:{\"topic\":\"frame\",\"frame\":\"hello\"}\n\n")
	})
	return mux
}

func newTestClient(t *testing.T, tlsServer bool) *Client {
	t.Helper()
	var srv *httptest.Server
	if tlsServer {
		srv = httptest.NewTLSServer(fakeAPI(t))
	} else {
		srv = httptest.NewServer(fakeAPI(t))
	}
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL + "/api/", Timeout: 5 * time.Second, Insecure: tlsServer})
}

func TestReads(t *testing.T) {
	c := newTestClient(t, false)
	ctx := context.Background()
	if !c.IsReachable(ctx) {
		t.Fatal("expected reachable")
	}
	snap, err := c.Metadata(ctx)
	if err != nil || snap["alpha"].BackupDir != "/b" {
		t.Fatalf("metadata %+v err=%v", snap, err)
	}
	jobs, err := c.Jobs(ctx)
	if err != nil || len(jobs) != 1 || !jobs[0].Confirmed {
		t.Fatalf("jobs %+v err=%v", jobs, err)
	}
	j, err := c.Job(ctx, "alpha")
	if err != nil || j.State != "stopped" {
		t.Fatalf("job %+v err=%v", j, err)
	}
	_, err = c.Job(ctx, "ghost")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || !apiErr.NotFound() {
		t.Fatalf("expected not found, got %v", err)
	}
	st, err := c.Status(ctx)
	if err != nil || st.State != "ready" || st.Worker.PID != 99 {
		t.Fatalf("status %+v err=%v", st, err)
	}
}

func TestSendAndOutcome(t *testing.T) {
	c := newTestClient(t, false)
	ctx := context.Background()
	id, err := c.Send(ctx, Command{Kind: "stopBackup", BackupName: "alpha"})
	if err != nil || id != "stopBackup-alpha" {
		t.Fatalf("send id=%q err=%v", id, err)
	}
	res, err := c.Outcome(ctx, id)
	if err != nil || res.Status != "succeeded" || res.ID != id {
		t.Fatalf("outcome %+v err=%v", res, err)
	}

	_, err = c.Send(ctx, Command{Kind: "stopBackup"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest || apiErr.Field != "backup_name" {
		t.Fatalf("expected validation error, got %v", err)
	}
	_, err = c.Send(ctx, Command{Kind: "stopBackup", BackupName: "offline"})
	if !errors.As(err, &apiErr) || !apiErr.Unavailable() {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestEvents(t *testing.T) {
	c := newTestClient(t, false)
	var got []Event
	if err := c.Events(context.Background(), "frame", "", func(e Event) { got = append(got, e) }); err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(got) != 2 || got[0].Job != "alpha" || got[1].Frame != "hello" {
		t.Fatalf("events %+v", got)
	}
	err := c.Events(context.Background(), "bogus", "", func(Event) {})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestInsecureTLS(t *testing.T) {
	c := newTestClient(t, true)
	if _, err := c.Status(context.Background()); err != nil {
		t.Fatalf("status over TLS: %v", err)
	}
}

func TestUnreachable(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1/api", Timeout: time.Second})
	if c.IsReachable(context.Background()) {
		t.Fatal("expected unreachable")
	}
	if _, err := c.Jobs(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestSetupClientTLS_BadCA(t *testing.T) {
	_, err := setupClientTLS(Config{TLS: &TLSClientConfig{Enabled: true, CACert: t.TempDir() + "/missing.pem"}})
	if err == nil {
		t.Fatal("expected CA load error")
	}
}
