package scheduler

import (
	"context"
	"log/slog"
	"math"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loomwork/aster/internal/threads"
	"github.com/loomwork/aster/internal/trust"
	"github.com/loomwork/aster/internal/workspace"
)

func newTestDeps(t *testing.T) Deps {
	t.Helper()
	ws, err := workspace.New(filepath.Join(t.TempDir(), "ws"))
	if err != nil {
		t.Fatalf("workspace.New: %v", err)
	}
	logger := slog.Default()
	return Deps{
		Workspace: ws,
		Threads:   threads.New(ws, logger),
		Trust:     trust.New(ws, logger),
		Logger:    logger,
	}
}

func TestEvaluateAttentionPureRead(t *testing.T) {
	deps := newTestDeps(t)
	s := New(DefaultConfig(), deps)

	snap1, err := s.EvaluateAttention(time.Now())
	if err != nil {
		t.Fatalf("EvaluateAttention: %v", err)
	}
	snap2, err := s.EvaluateAttention(snap1.Now)
	if err != nil {
		t.Fatalf("EvaluateAttention: %v", err)
	}
	if snap1.Urgency != snap2.Urgency {
		t.Fatalf("evaluate_attention is not pure: %v != %v", snap1.Urgency, snap2.Urgency)
	}
}

func TestUrgencyClampedToOne(t *testing.T) {
	snap := AttentionSnapshot{
		ActiveConcernsCount: 10,
		PendingActionsCount: 10,
		TimeSinceReflection: 999 * time.Hour,
		HasStaleThread:      true,
	}
	got := computeUrgency(snap, DefaultMaxInterval)
	if got > 1.0 {
		t.Fatalf("urgency = %v, want <= 1.0", got)
	}
}

func TestUrgencyThreeConcernsMaxTimePressure(t *testing.T) {
	// Midday, user recently active: no rhythm bonus applies, so the
	// score is exactly the concern and time-pressure terms.
	noon := time.Date(2025, 3, 10, 12, 0, 0, 0, time.Local)
	snap := AttentionSnapshot{
		Now:                 noon,
		ActiveConcernsCount: 3,
		TimeSinceReflection: DefaultMaxInterval,
	}
	got := computeUrgency(snap, DefaultMaxInterval)
	if math.Abs(got-0.60) > 1e-9 {
		t.Fatalf("urgency = %v, want 0.60", got)
	}
}

func TestShouldThinkThreshold(t *testing.T) {
	deps := newTestDeps(t)
	s := New(Config{MinInterval: DefaultMinInterval, MaxInterval: DefaultMaxInterval, Threshold: 0.5}, deps)

	if s.ShouldThink(AttentionSnapshot{Urgency: 0.49}) {
		t.Fatal("expected should_think false below threshold")
	}
	if !s.ShouldThink(AttentionSnapshot{Urgency: 0.5}) {
		t.Fatal("expected should_think true at threshold")
	}
}

func TestNextIntervalInverseToUrgency(t *testing.T) {
	deps := newTestDeps(t)
	s := New(DefaultConfig(), deps)

	low := s.nextInterval(0.0)
	high := s.nextInterval(1.0)
	if low != DefaultMaxInterval {
		t.Fatalf("interval at urgency 0 = %v, want max", low)
	}
	if high != DefaultMinInterval {
		t.Fatalf("interval at urgency 1 = %v, want min", high)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	deps := newTestDeps(t)
	cfg := DefaultConfig()
	cfg.MinInterval = 10 * time.Millisecond
	cfg.MaxInterval = 20 * time.Millisecond
	s := New(cfg, deps)

	var calls int32
	cb := func(ctx context.Context, snap AttentionSnapshot) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}

	ctx := context.Background()
	if err := s.Start(ctx, cb); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(ctx, cb); err != nil {
		t.Fatalf("second Start should be a no-op, got error: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	s.Stop()
	s.Stop() // idempotent
}

func TestRecordUserMessageNeverGatesThinking(t *testing.T) {
	deps := newTestDeps(t)
	s := New(DefaultConfig(), deps)
	s.RecordUserMessage(time.Now())

	snap, err := s.EvaluateAttention(time.Now())
	if err != nil {
		t.Fatalf("EvaluateAttention: %v", err)
	}
	// Recording a message only feeds urgency inputs; should_think still
	// depends purely on the computed urgency, not on message recency.
	_ = s.ShouldThink(snap)
}
