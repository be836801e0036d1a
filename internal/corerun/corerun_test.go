package corerun

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loomwork/aster/internal/config"
)

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Workspace.Path = filepath.Join(t.TempDir(), "ws")
	cfg.Adapter.Binary = "" // no adapter registered; exercises the no-adapter Think path
	return cfg
}

func TestNewBuildsEveryCollaborator(t *testing.T) {
	cfg := newTestConfig(t)
	cr, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if cr.Workspace == nil || cr.Adapters == nil || cr.Router == nil || cr.Continuity == nil ||
		cr.Trust == nil || cr.Threads == nil || cr.Preparations == nil || cr.Engagement == nil ||
		cr.Proactive == nil || cr.Scheduler == nil || cr.Reflection == nil {
		t.Fatalf("expected every collaborator populated, got %+v", cr)
	}
}

func TestNewCreatesNestedWorkspaceRoot(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Workspace.Path = filepath.Join(cfg.Workspace.Path, "a", "b", "c")
	// A deeply nested, normally-creatable path should still succeed; the
	// only failure mode is the parent filesystem refusing mkdir, which a
	// unit test cannot easily force. This instead asserts the success path
	// to pin the constructor's happy-path behavior.
	if _, err := New(cfg, nil); err != nil {
		t.Fatalf("New: %v", err)
	}
}

func TestThinkWithNoAdapterReturnsApology(t *testing.T) {
	cfg := newTestConfig(t)
	cr, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	result := cr.Think(context.Background(), "hello", "chat-1", nil, "")
	if !result.Failed || result.RefCode == "" {
		t.Fatalf("expected a failed result with a reference code, got %+v", result)
	}
}

func TestRecordUserActivityDoesNotPanic(t *testing.T) {
	cfg := newTestConfig(t)
	cr, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cr.RecordUserActivity(time.Now())
}

func TestOnProactiveMessageDispatches(t *testing.T) {
	cfg := newTestConfig(t)
	cr, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// A fresh trust state (score 0.5) scopes {autonomous, propose},
	// which covers the outbound-message tier, so the send goes through.
	received := make(chan string, 1)
	cr.OnProactiveMessage(func(ctx context.Context, message, threadID string) error {
		received <- message
		return nil
	})
	if err := cr.dispatchProactive(context.Background(), "hi there", "t1"); err != nil {
		t.Fatalf("dispatchProactive: %v", err)
	}
	select {
	case msg := <-received:
		if msg != "hi there" {
			t.Fatalf("message = %q", msg)
		}
	default:
		t.Fatal("handler was not invoked")
	}
}

func TestDispatchProactiveDeniedWhileFrozen(t *testing.T) {
	cfg := newTestConfig(t)
	cr, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := cr.Trust.RecordCriticalFailure("unauthorized send"); err != nil {
		t.Fatalf("RecordCriticalFailure: %v", err)
	}
	cr.OnProactiveMessage(func(ctx context.Context, message, threadID string) error {
		t.Fatal("handler should not run while scope is frozen to autonomous-only")
		return nil
	})
	if err := cr.dispatchProactive(context.Background(), "hi there", "t1"); err == nil {
		t.Fatal("expected proactive send to be blocked while frozen")
	}
}

func TestDispatchProactiveWithoutHandlerErrors(t *testing.T) {
	cfg := newTestConfig(t)
	cr, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := cr.dispatchProactive(context.Background(), "hi", "t1"); err == nil {
		t.Fatal("expected error when no handler is registered")
	}
}

func TestStopToleratesNoAdapters(t *testing.T) {
	cfg := newTestConfig(t)
	cr, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cr.Stop(context.Background())
}
