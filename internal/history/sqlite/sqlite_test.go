package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/archivebridge/internal/history"
)

func TestSQLiteSink_Integration(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	sink, err := New("sqlite://" + dbPath)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	ctx := context.Background()
	base := time.Now().Add(-time.Minute).UTC()
	steps := []history.Record{
		{Name: "alpha", From: "", To: "created", Reason: "createBackup"},
		{Name: "alpha", From: "created", To: "running", Reason: "Backup started with name:alpha"},
		{Name: "alpha", From: "running", To: "stopped"},
		{Name: "beta", From: "", To: "running"},
	}
	for i, rec := range steps {
		e := history.Event{Type: history.TypeForState(rec.To), OccurredAt: base.Add(time.Duration(i) * time.Second), Record: rec}
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("Failed to send event %d: %v", i, err)
		}
	}

	var count int
	if err := sink.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM job_history WHERE name = ?", "alpha").Scan(&count); err != nil {
		t.Fatalf("Failed to count: %v", err)
	}
	if count != 3 {
		t.Fatalf("Expected 3 events for alpha, got %d", count)
	}

	recent, err := sink.Recent(ctx, "alpha", 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 || recent[0].Type != history.EventStopped || recent[1].Record.To != "running" {
		t.Fatalf("unexpected recent events %+v", recent)
	}
}

func TestSQLiteSink_MemoryAndEmptyDSN(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatal("expected error for empty DSN")
	}
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("memory sink: %v", err)
	}
	defer func() { _ = sink.Close() }()
	if err := sink.Send(context.Background(), history.Event{Type: history.EventCreated, OccurredAt: time.Now(), Record: history.Record{Name: "m", To: "created"}}); err != nil {
		t.Fatalf("send: %v", err)
	}
	recent, err := sink.Recent(context.Background(), "m", 0)
	if err != nil || len(recent) != 1 {
		t.Fatalf("recent: %v %+v", err, recent)
	}
}
