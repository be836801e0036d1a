package reflection

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loomwork/aster/internal/adapter"
	"github.com/loomwork/aster/internal/continuity"
	"github.com/loomwork/aster/internal/directive"
	"github.com/loomwork/aster/internal/memory"
	"github.com/loomwork/aster/internal/preparations"
	"github.com/loomwork/aster/internal/proactive"
	"github.com/loomwork/aster/internal/router"
	"github.com/loomwork/aster/internal/threads"
	"github.com/loomwork/aster/internal/trust"
	"github.com/loomwork/aster/internal/workspace"
)

type fakeAdapter struct {
	name   string
	result adapter.ThoughtResult
	err    error
}

func (f *fakeAdapter) Name() string { return f.name }
func (f *fakeAdapter) Invoke(ctx context.Context, input adapter.Input) (adapter.ThoughtResult, error) {
	return f.result, f.err
}
func (f *fakeAdapter) InvokeStreaming(ctx context.Context, input adapter.Input) (adapter.StreamHandle, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeAdapter) HealthCheck(ctx context.Context) adapter.Health { return adapter.Health{Healthy: true} }
func (f *fakeAdapter) Shutdown(ctx context.Context) error             { return nil }

func newPipeline(t *testing.T, a adapter.Adapter) (*Pipeline, *workspace.Workspace) {
	t.Helper()
	ws, err := workspace.New(filepath.Join(t.TempDir(), "ws"))
	if err != nil {
		t.Fatalf("workspace.New: %v", err)
	}
	registry := adapter.NewRegistry()
	if a != nil {
		if err := registry.Register(a); err != nil {
			t.Fatalf("registry.Register: %v", err)
		}
	}
	grammar := directive.NewGrammar("aster")
	deps := Deps{
		Workspace:    ws,
		Adapters:     registry,
		Router:       router.New(nil, "ASTER", nil),
		Continuity:   continuity.NewManager(ws, grammar, nil),
		Trust:        trust.New(ws, nil),
		Threads:      threads.New(ws, nil),
		Preparations: preparations.New(ws, nil),
		Proactive:    proactive.New(ws, registry, router.New(nil, "ASTER", nil), nil, nil, "ASTER_PROACTIVE_SHADOW"),
	}
	return New(deps), ws
}

func TestGatherIsPureRead(t *testing.T) {
	p, ws := newPipeline(t, nil)
	if err := memory.WriteActiveContext(ws, "thinking about the launch"); err != nil {
		t.Fatal(err)
	}
	snap := p.Gather(time.Now())
	if snap.ActiveContext == "" {
		t.Fatal("expected active context to load")
	}
}

func TestDecideRateLimited(t *testing.T) {
	p, _ := newPipeline(t, nil)
	now := time.Now()
	p.lastReflection = now
	should, reason := p.Decide(Snapshot{Now: now.Add(1 * time.Minute)})
	if should || reason != "rate-limited" {
		t.Fatalf("should=%v reason=%q, want rate-limited", should, reason)
	}
}

func TestDecidePendingProposals(t *testing.T) {
	p, _ := newPipeline(t, nil)
	should, reason := p.Decide(Snapshot{Now: time.Now(), PendingProposalCount: 1})
	if !should || reason != "pending proposals" {
		t.Fatalf("should=%v reason=%q", should, reason)
	}
}

func TestDecideSubstantiveAttentionQueue(t *testing.T) {
	p, _ := newPipeline(t, nil)
	should, reason := p.Decide(Snapshot{Now: time.Now(), AttentionQueue: "- [ ] follow up with the team about the migration plan"})
	if !should || reason != "attention items substantive" {
		t.Fatalf("should=%v reason=%q", should, reason)
	}
}

func TestDecideSubstantivePendingActions(t *testing.T) {
	p, _ := newPipeline(t, nil)
	should, reason := p.Decide(Snapshot{Now: time.Now(), PendingActions: "- [ ] send the draft proposal to finance"})
	if !should || reason != "pending actions substantive" {
		t.Fatalf("should=%v reason=%q", should, reason)
	}
}

func TestDecideStaleThread(t *testing.T) {
	p, _ := newPipeline(t, nil)
	now := time.Now()
	snap := Snapshot{
		Now:           now,
		ActiveThreads: []threads.Thread{{ID: "t1", Topic: "project x", Status: threads.StatusActive, LastActivity: now.Add(-3 * time.Hour)}},
	}
	should, reason := p.Decide(snap)
	if !should || reason != "active thread stale" {
		t.Fatalf("should=%v reason=%q", should, reason)
	}
}

func TestDecideNothingNeedsAttention(t *testing.T) {
	p, _ := newPipeline(t, nil)
	should, reason := p.Decide(Snapshot{Now: time.Now()})
	if should || reason != "nothing needs attention" {
		t.Fatalf("should=%v reason=%q", should, reason)
	}
}

func TestReflectNoAdapterRegistered(t *testing.T) {
	p, _ := newPipeline(t, nil)
	result := p.Reflect(context.Background(), Snapshot{Now: time.Now()})
	if result.Response != "" || result.ProactiveDirective != nil {
		t.Fatalf("expected zero-value result, got %+v", result)
	}
}

func TestReflectLLMErrorYieldsZeroValue(t *testing.T) {
	p, _ := newPipeline(t, &fakeAdapter{name: "default", err: errors.New("boom")})
	result := p.Reflect(context.Background(), Snapshot{Now: time.Now()})
	if result.Response != "" {
		t.Fatalf("expected empty response on LLM error, got %q", result.Response)
	}
}

func TestReflectExtractsWritebacks(t *testing.T) {
	text := "Here is what I noticed.\n<!--aster-write\nfile: memory/facts/note.md\naction: create\nsomething worth remembering\n-->\n"
	p, _ := newPipeline(t, &fakeAdapter{name: "default", result: adapter.ThoughtResult{Text: text}})
	result := p.Reflect(context.Background(), Snapshot{Now: time.Now()})
	if len(result.Writebacks.Succeeded) != 1 {
		t.Fatalf("writebacks succeeded = %+v, want one success", result.Writebacks.Succeeded)
	}
}

func TestRunHeartbeatSkipsWhenNothingNeedsAttention(t *testing.T) {
	p, _ := newPipeline(t, nil)
	result := p.RunHeartbeat(context.Background())
	if result.Phase != PhaseSkip {
		t.Fatalf("phase = %v, want skip", result.Phase)
	}
}

func TestRunHeartbeatWritePhase(t *testing.T) {
	text := "<!--aster-write\nfile: memory/facts/note.md\naction: create\nsomething worth remembering\n-->\n"
	p, ws := newPipeline(t, &fakeAdapter{name: "default", result: adapter.ThoughtResult{Text: text}})
	if err := memory.WriteActiveContext(ws, "anchor"); err != nil {
		t.Fatal(err)
	}
	if err := ws.WriteFileAtomic(memory.AttentionQueuePath, []byte("- [ ] decide on the vendor migration timeline"), 0o644); err != nil {
		t.Fatal(err)
	}
	result := p.RunHeartbeat(context.Background())
	if result.Phase != PhaseWrite {
		t.Fatalf("phase = %v, want write", result.Phase)
	}
}

func TestRunHeartbeatRecoversFromPanic(t *testing.T) {
	p, ws := newPipeline(t, &panicAdapter{})
	if err := ws.WriteFileAtomic(memory.AttentionQueuePath, []byte("- [ ] something substantive that needs a decision"), 0o644); err != nil {
		t.Fatal(err)
	}
	result := p.RunHeartbeat(context.Background())
	if result.Phase != PhaseSkip {
		t.Fatalf("phase = %v, want skip after recovered panic", result.Phase)
	}
}

type panicAdapter struct{}

func (p *panicAdapter) Name() string { return "default" }
func (p *panicAdapter) Invoke(ctx context.Context, input adapter.Input) (adapter.ThoughtResult, error) {
	panic("adapter blew up")
}
func (p *panicAdapter) InvokeStreaming(ctx context.Context, input adapter.Input) (adapter.StreamHandle, error) {
	return nil, errors.New("not implemented")
}
func (p *panicAdapter) HealthCheck(ctx context.Context) adapter.Health { return adapter.Health{Healthy: true} }
func (p *panicAdapter) Shutdown(ctx context.Context) error             { return nil }

func TestRunHeartbeatDirectiveProactiveDispatches(t *testing.T) {
	text := "Thinking.\n<!--aster-proactive\nHey, I noticed something you might want to know.\n-->\n"
	p, ws := newPipeline(t, &fakeAdapter{name: "default", result: adapter.ThoughtResult{Text: text}})
	if err := ws.WriteFileAtomic(memory.AttentionQueuePath, []byte("- [ ] something substantive that needs a decision"), 0o644); err != nil {
		t.Fatal(err)
	}
	var sent []string
	p.deps.ProactiveSend = func(ctx context.Context, message, threadID string) error {
		sent = append(sent, message)
		return nil
	}
	result := p.RunHeartbeat(context.Background())
	if result.Phase != PhaseMessage {
		t.Fatalf("phase = %v, want message", result.Phase)
	}
	if len(sent) != 1 || sent[0] != "Hey, I noticed something you might want to know." {
		t.Fatalf("sent = %+v", sent)
	}
}

func TestRunHeartbeatGovernedSendRecordsFollowUp(t *testing.T) {
	scoreJSON := `{"importance":10,"novelty":10,"timing":10,"confidence":10,"draft_message":"still on for Friday?"}`
	p, ws := newPipeline(t, &fakeAdapter{name: "default", result: adapter.ThoughtResult{Text: "quiet reflection", CleanText: scoreJSON}})
	now := time.Now()
	if err := p.deps.Threads.Upsert(threads.Thread{ID: "t1", Topic: "plans", Status: threads.StatusActive, LastActivity: now.Add(-5 * time.Hour)}); err != nil {
		t.Fatal(err)
	}
	var sentThread string
	p.deps.ProactiveSend = func(ctx context.Context, message, threadID string) error {
		sentThread = threadID
		return nil
	}
	result := p.RunHeartbeat(context.Background())
	if result.Phase != PhaseMessage {
		t.Fatalf("phase = %v, want message", result.Phase)
	}
	if sentThread != "t1" {
		t.Fatalf("sentThread = %q, want t1", sentThread)
	}
	raw, err := ws.ReadFile(proactive.StatePath)
	if err != nil {
		t.Fatalf("read proactive state: %v", err)
	}
	if !strings.Contains(string(raw), `"t1"`) {
		t.Fatalf("proactive state missing follow-up record: %s", raw)
	}
}

func TestReflectTreatsAdapterErrFieldAsFailure(t *testing.T) {
	p, _ := newPipeline(t, &fakeAdapter{name: "default", result: adapter.ThoughtResult{
		CleanText: "that took too long (ref: xyz)",
		Err:       errors.New("that took too long (ref: xyz)"),
	}})
	result := p.Reflect(context.Background(), Snapshot{Now: time.Now()})
	if result.Response != "" || len(result.Writebacks.Succeeded) != 0 {
		t.Fatalf("expected null result when the adapter reports an error, got %+v", result)
	}
}
