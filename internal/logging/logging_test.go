package logging

import (
	"context"
	"log/slog"
	"testing"
)

func TestNew_DefaultLevel(t *testing.T) {
	logger := New("", "text")
	if logger == nil {
		t.Fatal("Expected non-nil logger")
	}
}

func TestNew_DebugLevel(t *testing.T) {
	logger := New("debug", "text")
	if logger == nil {
		t.Fatal("Expected non-nil logger")
	}
	if !logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Expected debug level to be enabled")
	}
}

func TestNew_ErrorLevel(t *testing.T) {
	logger := New("error", "text")
	if logger == nil {
		t.Fatal("Expected non-nil logger")
	}
	if logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("Expected info level to be disabled at error level")
	}
}

func TestNew_JSONFormat(t *testing.T) {
	logger := New("info", "json")
	if logger == nil {
		t.Fatal("Expected non-nil logger for JSON format")
	}
}

func TestWithAttemptID_And_AttemptID(t *testing.T) {
	ctx := context.Background()

	if id := AttemptID(ctx); id != "" {
		t.Errorf("Expected empty attempt ID, got %q", id)
	}

	ctx = WithAttemptID(ctx, "attempt-123")
	if id := AttemptID(ctx); id != "attempt-123" {
		t.Errorf("Expected attempt-123, got %q", id)
	}
}

func TestWithWorkerName_And_WorkerName(t *testing.T) {
	ctx := context.Background()

	if name := WorkerName(ctx); name != "" {
		t.Errorf("Expected empty worker name, got %q", name)
	}

	ctx = WithWorkerName(ctx, "worker-1")
	if name := WorkerName(ctx); name != "worker-1" {
		t.Errorf("Expected worker-1, got %q", name)
	}
}

func TestWithLogger_And_FromContext(t *testing.T) {
	ctx := context.Background()

	logger := FromContext(ctx)
	if logger == nil {
		t.Fatal("Expected default logger")
	}

	custom := New("debug", "json")
	ctx = WithLogger(ctx, custom)

	retrieved := FromContext(ctx)
	if retrieved != custom {
		t.Error("Expected custom logger from context")
	}
}

func TestL_WithAttemptAndWorker(t *testing.T) {
	ctx := context.Background()
	ctx = WithAttemptID(ctx, "attempt-456")
	ctx = WithWorkerName(ctx, "worker-2")
	ctx = WithLogger(ctx, New("info", "text"))

	logger := L(ctx)
	if logger == nil {
		t.Fatal("Expected non-nil logger from L()")
	}
}

func TestL_WithoutIdentifiers(t *testing.T) {
	ctx := context.Background()
	ctx = WithLogger(ctx, New("info", "text"))

	logger := L(ctx)
	if logger == nil {
		t.Fatal("Expected non-nil logger from L()")
	}
}

func TestAttemptID_OverwritesPrevious(t *testing.T) {
	ctx := context.Background()
	ctx = WithAttemptID(ctx, "first")
	ctx = WithAttemptID(ctx, "second")

	if id := AttemptID(ctx); id != "second" {
		t.Errorf("Expected 'second', got %q", id)
	}
}
