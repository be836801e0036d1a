// Package proactive implements the proactive-message governor:
// it decides whether to send unsolicited messages on stale threads,
// gated by cheap rate limits before any LLM call, then scored by the
// reflection-type route for significance. Shadow mode evaluates
// everything but never dispatches, so a new behavior can be watched
// before it is allowed to act.
package proactive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loomwork/aster/internal/adapter"
	"github.com/loomwork/aster/internal/engagement"
	"github.com/loomwork/aster/internal/router"
	"github.com/loomwork/aster/internal/threads"
	"github.com/loomwork/aster/internal/workspace"
)

// StatePath is proactive-state.json's location in the workspace.
const StatePath = "memory/proactive-state.json"

// Rate-limit constants.
const (
	DailyCap      = 3
	MinGap        = 2 * time.Hour
	PerThreadCap  = 1
	MinStaleHours = 4 * time.Hour
)

// BehaviorStaleThreadFollowup is the engagement behavior type consulted
// before evaluating any thread.
const BehaviorStaleThreadFollowup = "stale-thread-followup"

// Action is the governed outcome for one thread evaluation.
type Action string

const (
	ActionSend    Action = "send"
	ActionNote    Action = "note"
	ActionSilence Action = "silence"
)

// Score is the significance scoring result.
type Score struct {
	Importance   float64 `json:"importance"`
	Novelty      float64 `json:"novelty"`
	Timing       float64 `json:"timing"`
	Confidence   float64 `json:"confidence"`
	Reasoning    string  `json:"reasoning"`
	DraftMessage string  `json:"draft_message"`
}

// Weighted computes the weighted significance score.
func (s Score) Weighted() float64 {
	return 0.40*s.Importance + 0.25*s.Novelty + 0.20*s.Timing + 0.15*s.Confidence
}

func (s Score) valid() bool {
	for _, v := range []float64{s.Importance, s.Novelty, s.Timing, s.Confidence} {
		if math.IsNaN(v) || v < 0 || v > 10 {
			return false
		}
	}
	return true
}

// EvaluationResult is the outcome of evaluating one thread.
type EvaluationResult struct {
	ThreadID        string
	Action          Action
	RateLimitReason string
	Score           *Score
	Draft           string
	Shadow          bool
}

// sentRecord is one entry in the daily sent ring.
type sentRecord struct {
	ThreadID string    `json:"threadId"`
	SentAt   time.Time `json:"sentAt"`
}

// threadCounter tracks per-thread follow-up bookkeeping.
type threadCounter struct {
	FollowUpCount int       `json:"followUpCount"`
	LastAt        time.Time `json:"lastAt,omitzero"`
	LastIgnored   bool      `json:"lastIgnored"`
}

// state is proactive-state.json's shape.
type state struct {
	SentToday []sentRecord             `json:"sentToday"`
	Threads   map[string]threadCounter `json:"threads"`
}

// Governor owns the proactive-message decision process for one
// workspace.
type Governor struct {
	ws         *workspace.Workspace
	adapters   *adapter.Registry
	router     *router.Router
	engagement *engagement.Tracker
	logger     *slog.Logger
	shadowEnv  string // env var name checked for shadow mode, e.g. "ASTER_PROACTIVE_SHADOW"
}

// New returns a Governor. shadowEnvVar names the environment variable
// checked for shadow mode.
func New(ws *workspace.Workspace, adapters *adapter.Registry, r *router.Router, eng *engagement.Tracker, logger *slog.Logger, shadowEnvVar string) *Governor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Governor{ws: ws, adapters: adapters, router: r, engagement: eng, logger: logger, shadowEnv: shadowEnvVar}
}

func (g *Governor) shadowMode() bool {
	return strings.EqualFold(os.Getenv(g.shadowEnv), "true")
}

func (g *Governor) load() state {
	s := state{Threads: map[string]threadCounter{}}
	if !g.ws.Exists(StatePath) {
		return s
	}
	raw, err := g.ws.ReadFile(StatePath)
	if err != nil {
		g.logger.Warn("proactive: read state failed", "error", err)
		return s
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		g.logger.Warn("proactive: malformed state, using defaults", "error", err)
		return state{Threads: map[string]threadCounter{}}
	}
	if s.Threads == nil {
		s.Threads = map[string]threadCounter{}
	}
	return s
}

func (g *Governor) save(s state) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return g.ws.WriteFileAtomic(StatePath, data, 0o644)
}

// pruneSentRecords drops records 24h or older, keeping the daily cap
// a rolling window rather than a calendar day.
func pruneSentRecords(records []sentRecord, now time.Time) []sentRecord {
	var out []sentRecord
	for _, r := range records {
		if now.Sub(r.SentAt) < 24*time.Hour {
			out = append(out, r)
		}
	}
	return out
}

// checkRateLimits applies the cheap, no-LLM rate-limit gate.
func checkRateLimits(s state, threadID string, now time.Time) (bool, string) {
	today := pruneSentRecords(s.SentToday, now)
	if len(today) >= DailyCap {
		return false, "daily limit reached (3/day)"
	}
	var lastSent time.Time
	for _, r := range today {
		if r.SentAt.After(lastSent) {
			lastSent = r.SentAt
		}
	}
	if !lastSent.IsZero() && now.Sub(lastSent) < MinGap {
		return false, "minimum gap not elapsed"
	}
	if counter, ok := s.Threads[threadID]; ok {
		if counter.FollowUpCount >= PerThreadCap {
			return false, "per-thread follow-up cap reached"
		}
		if counter.LastIgnored {
			return false, "previous follow-up was ignored"
		}
	}
	return true, ""
}

// ScoreFn invokes the reflection-type route and returns the raw model
// text for parsing. Separated from EvaluateThread so it can be stubbed
// in tests without a live adapter.
type ScoreFn func(ctx context.Context, th threads.Thread) (string, error)

// defaultScoreFn invokes the default adapter via the reflection route.
func (g *Governor) defaultScoreFn(ctx context.Context, th threads.Thread) (string, error) {
	a, ok := g.adapters.Default()
	if !ok {
		return "", fmt.Errorf("proactive: no adapter registered")
	}
	route := g.router.Resolve(router.InvocationReflection)
	prompt := significancePrompt(th)
	invokeCtx, cancel := context.WithTimeout(ctx, route.Timeout())
	defer cancel()
	result, err := a.Invoke(invokeCtx, adapter.Input{
		Message:       prompt,
		Route:         string(router.InvocationReflection),
		WorkspacePath: g.ws.Root(),
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

func significancePrompt(th threads.Thread) string {
	return fmt.Sprintf(
		"Thread %q (topic: %q) has been quiet since %s. Score whether a follow-up message is warranted.\n"+
			"Respond with strict JSON only: {\"importance\": 0-10, \"novelty\": 0-10, \"timing\": 0-10, \"confidence\": 0-10, \"reasoning\": \"...\", \"draft_message\": \"...\"}",
		th.ID, th.Topic, th.LastActivity.Format(time.RFC3339),
	)
}

// parseScore parses the significance-scoring JSON, tolerating markdown
// code-fence wrapping.
func parseScore(raw string) (Score, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var s Score
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return Score{}, fmt.Errorf("proactive: parse score: %w", err)
	}
	if !s.valid() {
		return Score{}, fmt.Errorf("proactive: score out of range")
	}
	return s, nil
}

// EvaluateThread runs the per-thread evaluation pipeline.
func (g *Governor) EvaluateThread(ctx context.Context, th threads.Thread, now time.Time, score ScoreFn) EvaluationResult {
	if score == nil {
		score = g.defaultScoreFn
	}
	s := g.load()
	ok, reason := checkRateLimits(s, th.ID, now)
	if !ok {
		return EvaluationResult{ThreadID: th.ID, Action: ActionSilence, RateLimitReason: reason}
	}

	raw, err := score(ctx, th)
	if err != nil {
		g.logger.Warn("proactive: significance scoring failed", "thread", th.ID, "error", err)
		return EvaluationResult{ThreadID: th.ID, Action: ActionSilence, RateLimitReason: "significance scoring failed"}
	}
	parsed, err := parseScore(raw)
	if err != nil {
		g.logger.Warn("proactive: significance score unparseable", "thread", th.ID, "error", err)
		return EvaluationResult{ThreadID: th.ID, Action: ActionSilence, RateLimitReason: "significance score unparseable"}
	}

	w := parsed.Weighted()
	result := EvaluationResult{ThreadID: th.ID, Score: &parsed, Draft: parsed.DraftMessage, Shadow: g.shadowMode()}
	switch {
	case w >= 7.0:
		result.Action = ActionSend
	case w >= 4.0:
		result.Action = ActionNote
	default:
		result.Action = ActionSilence
	}
	return result
}

// EvaluateStaleThreads evaluates every thread stale beyond
// MinStaleHours, in order, stopping as soon as one evaluation comes
// back without a score: a rate-limit rejection, or a significance
// scoring call that failed or returned unparseable output. Returns an
// empty slice
// (no error) if the stale-thread-followup behavior is currently
// suppressed by the engagement tracker.
func (g *Governor) EvaluateStaleThreads(ctx context.Context, tracker *threads.Tracker, now time.Time, score ScoreFn) []EvaluationResult {
	if g.engagement != nil && g.engagement.ShouldSuppress(BehaviorStaleThreadFollowup) {
		g.logger.Info("proactive: stale-thread-followup suppressed by engagement tracker")
		return nil
	}

	stale := tracker.Stale(now, MinStaleHours)
	var results []EvaluationResult
	for _, th := range stale {
		result := g.EvaluateThread(ctx, th, now, score)
		results = append(results, result)
		if result.RateLimitReason != "" && result.Score == nil {
			break
		}
	}
	return results
}

// RecordFollowUpSent performs the post-send bookkeeping: appends to
// sentToday, increments the thread counter, atomically rewrites
// proactive-state.json, and optimistically logs an "engaged" outcome
// for the send. The optimism is corrected only if the transport layer
// later reports a different outcome through the engagement tracker.
func (g *Governor) RecordFollowUpSent(threadID string, now time.Time) error {
	s := g.load()
	s.SentToday = append(pruneSentRecords(s.SentToday, now), sentRecord{ThreadID: threadID, SentAt: now})
	counter := s.Threads[threadID]
	counter.FollowUpCount++
	counter.LastAt = now
	s.Threads[threadID] = counter
	if err := g.save(s); err != nil {
		return err
	}

	if g.engagement != nil {
		if err := g.engagement.RecordOutcome(engagement.Record{
			MessageID:    uuid.NewString(),
			BehaviorType: BehaviorStaleThreadFollowup,
			Outcome:      engagement.OutcomeEngaged,
			Timestamp:    now,
		}); err != nil {
			g.logger.Warn("proactive: optimistic engagement record failed", "thread", threadID, "error", err)
		}
	}
	return nil
}

// MarkFollowUpIgnored flags a thread's most recent follow-up as
// ignored, which blocks further follow-ups on that thread. Nothing
// clears the flag once it is set.
func (g *Governor) MarkFollowUpIgnored(threadID string) error {
	s := g.load()
	counter := s.Threads[threadID]
	counter.LastIgnored = true
	s.Threads[threadID] = counter
	return g.save(s)
}
