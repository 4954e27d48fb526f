package audit

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/geilt/tairseach/common/trace"
)

func TestSQLiteNotifier_NotifyThenRecent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "audit.db")
	n, err := OpenSQLiteNotifier(dbPath, nil)
	if err != nil {
		t.Fatalf("OpenSQLiteNotifier: %v", err)
	}
	defer n.Close()

	ctx := trace.WithTraceID(context.Background(), "trace-1")
	n.Notify(ctx, Event{Kind: KindCredentialStored, Actor: "me", Target: "acme:me", Message: "stored credential"})
	n.Notify(context.Background(), Event{Kind: KindTokenRefreshed, TraceID: "trace-2", Target: "acme:me"})

	entries, err := n.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	// newest first
	if entries[0].Kind != KindTokenRefreshed || entries[0].TraceID != "trace-2" {
		t.Errorf("entries[0] = %+v", entries[0])
	}
	if entries[1].Kind != KindCredentialStored || entries[1].TraceID != "trace-1" {
		t.Errorf("entries[1] = %+v", entries[1])
	}
}

func TestSQLiteNotifier_ByTrace(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "audit.db")
	n, err := OpenSQLiteNotifier(dbPath, nil)
	if err != nil {
		t.Fatalf("OpenSQLiteNotifier: %v", err)
	}
	defer n.Close()

	n.Notify(context.Background(), Event{Kind: KindRequestDispatched, TraceID: "trace-a", Target: "echo.say"})
	n.Notify(context.Background(), Event{Kind: KindRequestFailed, TraceID: "trace-a", Target: "echo.say"})
	n.Notify(context.Background(), Event{Kind: KindRequestDispatched, TraceID: "trace-b", Target: "other.tool"})

	entries, err := n.ByTrace(context.Background(), "trace-a")
	if err != nil {
		t.Fatalf("ByTrace: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if entries[0].Kind != KindRequestDispatched || entries[1].Kind != KindRequestFailed {
		t.Errorf("entries = %+v, want dispatched then failed in insertion order", entries)
	}
}

func TestSQLiteNotifier_ReopenRunsMigrationsIdempotently(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "audit.db")
	n1, err := OpenSQLiteNotifier(dbPath, nil)
	if err != nil {
		t.Fatalf("OpenSQLiteNotifier (first): %v", err)
	}
	n1.Notify(context.Background(), Event{Kind: KindServerStarted})
	if err := n1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	n2, err := OpenSQLiteNotifier(dbPath, nil)
	if err != nil {
		t.Fatalf("OpenSQLiteNotifier (second): %v", err)
	}
	defer n2.Close()

	entries, err := n2.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 1 || entries[0].Kind != KindServerStarted {
		t.Errorf("entries = %+v, want one KindServerStarted entry surviving reopen", entries)
	}
}

func TestNoop_DoesNotPanic(t *testing.T) {
	var n Noop
	n.Notify(context.Background(), Event{Kind: KindError})
}
