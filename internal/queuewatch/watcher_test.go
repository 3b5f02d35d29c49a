package queuewatch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func next(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatal("event channel closed")
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestWatchReportsQueueAndPickup(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := w.Watch(ctx)

	pointer := filepath.Join(dir, "00-20240305-140709-042-sd-001001-deadbeef")
	if err := os.WriteFile(filepath.Join(dir, ".tmp-ignored"), nil, 0o644); err != nil {
		t.Fatalf("write temp: %v", err)
	}
	if err := os.WriteFile(pointer, []byte("/export/config.ini"), 0o644); err != nil {
		t.Fatalf("write pointer: %v", err)
	}

	ev := next(t, events)
	if ev.Kind != Queued || ev.JobID != filepath.Base(pointer) {
		t.Fatalf("event = %+v, want queued pointer", ev)
	}

	if err := os.Remove(pointer); err != nil {
		t.Fatalf("remove: %v", err)
	}
	for {
		ev = next(t, events)
		if ev.Kind == PickedUp {
			break
		}
	}
	if ev.JobID != filepath.Base(pointer) {
		t.Fatalf("picked up %q", ev.JobID)
	}

	cancel()
	for range events {
	}
}

func TestNewFailsForMissingDir(t *testing.T) {
	if _, err := New(filepath.Join(t.TempDir(), "missing"), nil); err == nil {
		t.Fatal("expected error for a missing directory")
	}
}
