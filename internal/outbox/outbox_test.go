package outbox

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func TestOutbox_EnqueueAndDrain(t *testing.T) {
	dir := t.TempDir()
	ob, err := Open(filepath.Join(dir, "outbox.db"), testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ob.Close()

	ctx := context.Background()
	if err := ob.Enqueue(ctx, "sess-1", `{"status":"FAILED"}`); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := ob.Enqueue(ctx, "sess-2", `{"status":"BUSY"}`); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	pending, err := ob.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending entries, got %d", len(pending))
	}

	if err := ob.MarkDelivered(ctx, pending[0].ID); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}

	remaining, err := ob.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(remaining) != 1 || remaining[0].SessionID != "sess-2" {
		t.Fatalf("unexpected remaining entries: %+v", remaining)
	}
}

func TestOutbox_BumpAttempt(t *testing.T) {
	dir := t.TempDir()
	ob, err := Open(filepath.Join(dir, "outbox.db"), testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ob.Close()

	ctx := context.Background()
	if err := ob.Enqueue(ctx, "sess-1", `{}`); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	pending, _ := ob.Pending(ctx)
	if err := ob.BumpAttempt(ctx, pending[0].ID); err != nil {
		t.Fatalf("BumpAttempt: %v", err)
	}
	pending, _ = ob.Pending(ctx)
	if pending[0].Attempts != 1 {
		t.Fatalf("expected attempts=1, got %d", pending[0].Attempts)
	}
}
