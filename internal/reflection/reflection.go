// Package reflection implements the reflection pipeline:
// gather -> decide -> reflect, with at-most-one in-flight semantics
// enforced by the caller holding a single runHeartbeat at a time. The
// pipeline assembles its own prompt from workspace state and
// dispatches writes, proactive evaluation, and preparations through
// the continuity, trust, threads, preparations, and proactive
// packages.
package reflection

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
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

// MinReflectionGap is the default minimum gap between reflections.
const MinReflectionGap = 5 * time.Minute

// StaleThreadThreshold is decide()'s "any active thread has lastActivity
// more than 2 hours stale" check.
const StaleThreadThreshold = 2 * time.Hour

// reflectionSystemPrompt frames the invocation as private thinking, not
// a conversation with the user.
const reflectionSystemPrompt = `You are reflecting privately. This is not a conversation with the user and nothing you write here is shown to them directly. Use this space to update your working memory, note anything that needs attention, and decide whether anything is worth proactively raising. Emit writeback, proactive, or prepare directives as needed; everything else you write is discarded.`

// Snapshot is gather()'s pure-read result.
type Snapshot struct {
	Now                  time.Time
	ActiveContext        string
	AttentionQueue       string
	PendingActions       string
	ActiveThreads        []threads.Thread
	TrustState           trust.State
	PendingProposalCount int
}

// Phase labels a HeartbeatResult.
type Phase string

const (
	PhaseSkip    Phase = "skip"
	PhaseReflect Phase = "reflect"
	PhaseWrite   Phase = "write"
	PhaseMessage Phase = "message"
)

// HeartbeatResult is runHeartbeat's return value.
type HeartbeatResult struct {
	Phase            Phase
	Reason           string
	Writebacks       continuity.ApplyResult
	ProactiveResults []proactive.EvaluationResult
}

// ProactiveCallback dispatches a governed send. Returning
// an error marks the send as failed; the pipeline does not retry.
type ProactiveCallback func(ctx context.Context, message, threadID string) error

// Deps are the pipeline's collaborators.
type Deps struct {
	Workspace    *workspace.Workspace
	Adapters     *adapter.Registry
	Router       *router.Router
	Continuity   *continuity.Manager
	Trust        *trust.Engine
	Authority    *trust.Authority
	Threads      *threads.Tracker
	Preparations *preparations.Manager
	Proactive    *proactive.Governor
	Logger       *slog.Logger

	// ProactiveSend dispatches a governed proactive send. Nil disables
	// dispatch: evaluations still run, but nothing is sent and no
	// follow-up bookkeeping is recorded.
	ProactiveSend ProactiveCallback

	// MinGap and StaleThreshold override the package defaults when
	// positive.
	MinGap         time.Duration
	StaleThreshold time.Duration
}

// Pipeline runs gather/decide/reflect/runHeartbeat for one workspace.
type Pipeline struct {
	deps           Deps
	lastReflection time.Time
}

// New returns a Pipeline. lastReflection starts at the zero time so the
// first tick is never rate-limited.
func New(deps Deps) *Pipeline {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.MinGap <= 0 {
		deps.MinGap = MinReflectionGap
	}
	if deps.StaleThreshold <= 0 {
		deps.StaleThreshold = StaleThreadThreshold
	}
	return &Pipeline{deps: deps}
}

// Gather is a pure read: never fails. Degraded state (e.g. trust
// load failure) produces defaults with a logged warning.
func (p *Pipeline) Gather(now time.Time) Snapshot {
	snap := Snapshot{Now: now}

	if body, err := memory.ReadWorkingMemoryFile(p.deps.Workspace, memory.ActiveContextPath); err == nil {
		snap.ActiveContext = body
	} else {
		p.deps.Logger.Warn("reflection: active context load failed", "error", err)
	}
	if body, err := memory.ReadWorkingMemoryFile(p.deps.Workspace, memory.AttentionQueuePath); err == nil {
		snap.AttentionQueue = body
	} else {
		p.deps.Logger.Warn("reflection: attention queue load failed", "error", err)
	}
	if body, err := memory.ReadWorkingMemoryFile(p.deps.Workspace, memory.PendingActionsPath); err == nil {
		snap.PendingActions = body
	} else {
		p.deps.Logger.Warn("reflection: pending actions load failed", "error", err)
	}

	if p.deps.Threads != nil {
		snap.ActiveThreads = p.deps.Threads.Active()
	}

	if p.deps.Trust != nil {
		snap.TrustState = p.deps.Trust.Load()
	}

	if p.deps.Authority != nil {
		snap.PendingProposalCount = p.deps.Authority.PendingProposals()
	}

	return snap
}

// Decide applies the rate limit first, then the substantive-content
// rules.
func (p *Pipeline) Decide(snap Snapshot) (bool, string) {
	if !p.lastReflection.IsZero() && snap.Now.Sub(p.lastReflection) < p.deps.MinGap {
		return false, "rate-limited"
	}
	if snap.PendingProposalCount > 0 {
		return true, "pending proposals"
	}
	if memory.HasSubstantiveContent(snap.AttentionQueue) {
		return true, "attention items substantive"
	}
	if memory.HasSubstantiveContent(snap.PendingActions) {
		return true, "pending actions substantive"
	}
	for _, th := range snap.ActiveThreads {
		if th.IsStale(snap.Now, p.deps.StaleThreshold) {
			return true, "active thread stale"
		}
	}
	return false, "nothing needs attention"
}

// ReflectResult is Reflect's return value. Writebacks is already the
// applied outcome: extraction and apply happen together.
type ReflectResult struct {
	Response           string
	Writebacks         continuity.ApplyResult
	ProactiveDirective *directive.Directive
	Preparations       []directive.Directive
}

// Reflect assembles the reflection prompt, invokes the LLM via the
// reflection route, extracts writeback directives from the raw
// response, and applies them. A null/error LLM result is not
// fatal: it yields a zero-value ReflectResult.
func (p *Pipeline) Reflect(ctx context.Context, snap Snapshot) ReflectResult {
	prompt := p.buildPrompt(snap)

	a, ok := p.deps.Adapters.Default()
	if !ok {
		p.deps.Logger.Warn("reflection: no adapter registered, skipping reflect")
		return ReflectResult{}
	}

	route := p.deps.Router.Resolve(router.InvocationReflection)
	invokeCtx, cancel := context.WithTimeout(ctx, route.Timeout())
	defer cancel()

	result, err := a.Invoke(invokeCtx, adapter.Input{
		Message:       prompt,
		SystemPrompt:  reflectionSystemPrompt,
		Route:         string(router.InvocationReflection),
		WorkspacePath: p.deps.Workspace.Root(),
		EffectiveMode: string(route.Mode),
	})
	if err == nil {
		err = result.Err
	}
	if err != nil {
		p.deps.Logger.Warn("reflection: LLM invocation failed", "error", err)
		return ReflectResult{}
	}

	processed := p.deps.Continuity.ProcessResponse(result.Text)
	if len(processed.WritebackResults.Failed) > 0 {
		p.deps.Logger.Warn("reflection: some writebacks failed", "count", len(processed.WritebackResults.Failed))
	}
	p.saveExtractedPreparations(processed.Preparations, snap.Now)

	return ReflectResult{
		Response:           processed.CleanResponse,
		Writebacks:         processed.WritebackResults,
		ProactiveDirective: processed.Proactive,
		Preparations:       processed.Preparations,
	}
}

func (p *Pipeline) buildPrompt(snap Snapshot) string {
	var sb strings.Builder
	sb.WriteString("### Working Memory\n\n")
	if strings.TrimSpace(snap.ActiveContext) != "" {
		sb.WriteString("#### Active Context\n\n" + snap.ActiveContext + "\n\n")
	}
	if strings.TrimSpace(snap.AttentionQueue) != "" {
		sb.WriteString("#### Attention Queue\n\n" + snap.AttentionQueue + "\n\n")
	}
	if strings.TrimSpace(snap.PendingActions) != "" {
		sb.WriteString("#### Pending Actions\n\n" + snap.PendingActions + "\n\n")
	}

	sb.WriteString("### Active Threads\n\n")
	if len(snap.ActiveThreads) == 0 {
		sb.WriteString("(none)\n\n")
	} else {
		for _, th := range snap.ActiveThreads {
			sb.WriteString(fmt.Sprintf("- %s (%s): last activity %s\n", th.Topic, th.ID, th.LastActivity.Format(time.RFC3339)))
		}
		sb.WriteString("\n")
	}

	sb.WriteString("### Trust Summary\n\n")
	sb.WriteString(fmt.Sprintf("score=%.2f tiers=%v\n\n", snap.TrustState.TrustScore, snap.TrustState.AllowedTiers))

	sb.WriteString("### Time\n\n" + snap.Now.Format("Monday, 2006-01-02 15:04 MST") + "\n")
	return sb.String()
}

// saveExtractedPreparations persists each extracted preparation
// directive with non-empty topic and content. Malformed
// preparations are logged and skipped.
func (p *Pipeline) saveExtractedPreparations(preps []directive.Directive, now time.Time) {
	if p.deps.Preparations == nil {
		return
	}
	for _, d := range preps {
		if strings.TrimSpace(d.Topic) == "" || strings.TrimSpace(d.Content) == "" {
			p.deps.Logger.Warn("reflection: malformed preparation skipped", "topic", d.Topic)
			continue
		}
		if err := p.deps.Preparations.Save(d.Topic, d.Keywords, d.Content, now); err != nil {
			p.deps.Logger.Warn("reflection: preparation save failed", "topic", d.Topic, "error", err)
		}
	}
}

// RunHeartbeat runs one full gather -> decide -> reflect cycle,
// applying writebacks and consulting the proactive governor regardless
// of the reflection's own proactive directive. Always returns a
// HeartbeatResult; panics/errors anywhere in the cycle are caught and
// surface as phase=skip.
func (p *Pipeline) RunHeartbeat(ctx context.Context) (result HeartbeatResult) {
	defer func() {
		if r := recover(); r != nil {
			p.deps.Logger.Error("reflection: panic in heartbeat, recovering", "panic", r)
			result = HeartbeatResult{Phase: PhaseSkip, Reason: fmt.Sprintf("internal error: %v", r)}
		}
	}()

	now := time.Now()
	snap := p.Gather(now)

	should, reason := p.Decide(snap)
	if !should {
		return HeartbeatResult{Phase: PhaseSkip, Reason: reason}
	}

	reflected := p.Reflect(ctx, snap)
	p.lastReflection = time.Now()

	applied := reflected.Writebacks
	result = HeartbeatResult{Phase: PhaseSkip, Writebacks: applied}

	firedProactive := false
	if reflected.ProactiveDirective != nil {
		firedProactive = p.dispatchDirectiveProactive(ctx, *reflected.ProactiveDirective, now)
	}

	if p.deps.Proactive != nil && p.deps.Threads != nil {
		evalResults := p.deps.Proactive.EvaluateStaleThreads(ctx, p.deps.Threads, now, p.scoreFn())
		result.ProactiveResults = evalResults
		for _, er := range evalResults {
			if er.Action == proactive.ActionSend && !er.Shadow {
				if p.dispatchSend(ctx, er.Draft, er.ThreadID) {
					firedProactive = true
				}
			}
		}
	}

	switch {
	case firedProactive:
		result.Phase = PhaseMessage
	case len(applied.Succeeded) > 0:
		result.Phase = PhaseWrite
	default:
		result.Phase = PhaseReflect
	}
	return result
}

func (p *Pipeline) dispatchDirectiveProactive(ctx context.Context, d directive.Directive, now time.Time) bool {
	if p.deps.ProactiveSend == nil {
		return false
	}
	if err := p.deps.ProactiveSend(ctx, d.Content, ""); err != nil {
		p.deps.Logger.Warn("reflection: proactive directive send failed", "error", err)
		return false
	}
	return true
}

// dispatchSend sends a governor-approved message and performs the
// post-send bookkeeping: recordFollowUpSent plus an
// optimistic "engaged" outcome, subject to later correction.
func (p *Pipeline) dispatchSend(ctx context.Context, message, threadID string) bool {
	if p.deps.ProactiveSend == nil {
		return false
	}
	if err := p.deps.ProactiveSend(ctx, message, threadID); err != nil {
		p.deps.Logger.Warn("reflection: governed send failed", "thread", threadID, "error", err)
		return false
	}
	now := time.Now()
	if err := p.deps.Proactive.RecordFollowUpSent(threadID, now); err != nil {
		p.deps.Logger.Warn("reflection: recordFollowUpSent failed", "thread", threadID, "error", err)
	}
	return true
}

// scoreFn adapts the governor's significance-scoring call to the
// pipeline's own adapter/router wiring.
func (p *Pipeline) scoreFn() proactive.ScoreFn {
	return func(ctx context.Context, th threads.Thread) (string, error) {
		a, ok := p.deps.Adapters.Default()
		if !ok {
			return "", fmt.Errorf("reflection: no adapter registered")
		}
		route := p.deps.Router.Resolve(router.InvocationReflection)
		invokeCtx, cancel := context.WithTimeout(ctx, route.Timeout())
		defer cancel()
		result, err := a.Invoke(invokeCtx, adapter.Input{
			Message:       fmt.Sprintf("Evaluate stale thread %q (topic %q) for a proactive follow-up.", th.ID, th.Topic),
			Route:         string(router.InvocationReflection),
			WorkspacePath: p.deps.Workspace.Root(),
			EffectiveMode: string(route.Mode),
		})
		if err != nil {
			return "", err
		}
		if result.Err != nil {
			return "", result.Err
		}
		return result.CleanText, nil
	}
}
