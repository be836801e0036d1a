package proactive

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loomwork/aster/internal/adapter"
	"github.com/loomwork/aster/internal/engagement"
	"github.com/loomwork/aster/internal/router"
	"github.com/loomwork/aster/internal/threads"
	"github.com/loomwork/aster/internal/workspace"
)

func newGovernor(t *testing.T) (*Governor, *workspace.Workspace) {
	t.Helper()
	ws, err := workspace.New(filepath.Join(t.TempDir(), "ws"))
	if err != nil {
		t.Fatalf("workspace.New: %v", err)
	}
	r := router.New(nil, "ASTER", nil)
	eng := engagement.New(ws, nil)
	g := New(ws, adapter.NewRegistry(), r, eng, nil, "ASTER_PROACTIVE_SHADOW")
	return g, ws
}

func TestCheckRateLimitsDailyCap(t *testing.T) {
	now := time.Now()
	s := state{SentToday: []sentRecord{
		{ThreadID: "a", SentAt: now.Add(-3 * time.Hour)},
		{ThreadID: "b", SentAt: now.Add(-5 * time.Hour)},
		{ThreadID: "c", SentAt: now.Add(-10 * time.Hour)},
	}, Threads: map[string]threadCounter{}}
	ok, reason := checkRateLimits(s, "d", now)
	if ok {
		t.Fatalf("expected daily cap rejection, got ok with reason %q", reason)
	}
	if reason != "daily limit reached (3/day)" {
		t.Fatalf("reason = %q", reason)
	}
}

func TestCheckRateLimitsMinGap(t *testing.T) {
	now := time.Now()
	s := state{SentToday: []sentRecord{{ThreadID: "a", SentAt: now.Add(-30 * time.Minute)}}, Threads: map[string]threadCounter{}}
	ok, _ := checkRateLimits(s, "b", now)
	if ok {
		t.Fatal("expected minimum gap rejection")
	}
}

func TestCheckRateLimitsPerThreadCap(t *testing.T) {
	now := time.Now()
	s := state{Threads: map[string]threadCounter{"t1": {FollowUpCount: 1}}}
	ok, _ := checkRateLimits(s, "t1", now)
	if ok {
		t.Fatal("expected per-thread cap rejection")
	}
}

func TestCheckRateLimitsIgnoredThread(t *testing.T) {
	now := time.Now()
	s := state{Threads: map[string]threadCounter{"t1": {LastIgnored: true}}}
	ok, _ := checkRateLimits(s, "t1", now)
	if ok {
		t.Fatal("expected ignored-thread rejection")
	}
}

func TestPruneSentRecordsKeepsOnlyLast24h(t *testing.T) {
	now := time.Now()
	records := []sentRecord{
		{ThreadID: "a", SentAt: now.Add(-23 * time.Hour)},
		{ThreadID: "b", SentAt: now.Add(-25 * time.Hour)},
	}
	pruned := pruneSentRecords(records, now)
	if len(pruned) != 1 || pruned[0].ThreadID != "a" {
		t.Fatalf("pruned = %+v, want only recent record", pruned)
	}
}

func TestEvaluateThreadRateLimitedSkipsLLM(t *testing.T) {
	g, _ := newGovernor(t)
	now := time.Now()
	if err := g.RecordFollowUpSent("t1", now); err != nil {
		t.Fatal(err)
	}

	called := false
	score := func(ctx context.Context, th threads.Thread) (string, error) {
		called = true
		return "", nil
	}
	result := g.EvaluateThread(context.Background(), threads.Thread{ID: "t1"}, now, score)
	if called {
		t.Fatal("rate-limited evaluation should not invoke the scoring function")
	}
	if result.Action != ActionSilence || result.RateLimitReason == "" {
		t.Fatalf("result = %+v", result)
	}
}

func TestEvaluateThreadThresholds(t *testing.T) {
	g, _ := newGovernor(t)
	now := time.Now()

	cases := []struct {
		name string
		json string
		want Action
	}{
		{"send", `{"importance":10,"novelty":10,"timing":10,"confidence":10,"draft_message":"hi"}`, ActionSend},
		{"note", `{"importance":5,"novelty":5,"timing":5,"confidence":5}`, ActionNote},
		{"silence", `{"importance":1,"novelty":1,"timing":1,"confidence":1}`, ActionSilence},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			score := func(ctx context.Context, th threads.Thread) (string, error) { return tc.json, nil }
			result := g.EvaluateThread(context.Background(), threads.Thread{ID: "thread-" + tc.name}, now, score)
			if result.Action != tc.want {
				t.Fatalf("action = %v, want %v", result.Action, tc.want)
			}
		})
	}
}

func TestParseScoreStripsMarkdownFence(t *testing.T) {
	raw := "```json\n{\"importance\":5,\"novelty\":5,\"timing\":5,\"confidence\":5}\n```"
	s, err := parseScore(raw)
	if err != nil {
		t.Fatalf("parseScore: %v", err)
	}
	if s.Importance != 5 {
		t.Fatalf("importance = %v, want 5", s.Importance)
	}
}

func TestParseScoreRejectsOutOfRange(t *testing.T) {
	_, err := parseScore(`{"importance":15,"novelty":5,"timing":5,"confidence":5}`)
	if err == nil {
		t.Fatal("expected error for out-of-range score")
	}
}

func TestEvaluateStaleThreadsSuppressedByEngagement(t *testing.T) {
	g, ws := newGovernor(t)
	eng := engagement.New(ws, nil)
	for i := 0; i < 2; i++ {
		if err := eng.RecordOutcome(engagement.Record{
			BehaviorType: BehaviorStaleThreadFollowup,
			Outcome:      engagement.OutcomeRejected,
		}); err != nil {
			t.Fatal(err)
		}
	}
	g.engagement = eng

	tracker := threads.New(ws, nil)
	now := time.Now()
	if err := tracker.Upsert(threads.Thread{ID: "t1", Status: threads.StatusActive, LastActivity: now.Add(-5 * time.Hour)}); err != nil {
		t.Fatal(err)
	}

	called := false
	score := func(ctx context.Context, th threads.Thread) (string, error) {
		called = true
		return "", nil
	}
	results := g.EvaluateStaleThreads(context.Background(), tracker, now, score)
	if len(results) != 0 || called {
		t.Fatalf("expected suppressed evaluation, got %d results, called=%v", len(results), called)
	}
}

func TestRecordFollowUpSentPersists(t *testing.T) {
	g, _ := newGovernor(t)
	now := time.Now()
	if err := g.RecordFollowUpSent("t1", now); err != nil {
		t.Fatal(err)
	}
	s := g.load()
	if len(s.SentToday) != 1 || s.Threads["t1"].FollowUpCount != 1 {
		t.Fatalf("state after record = %+v", s)
	}
}

func TestShadowModeFlag(t *testing.T) {
	t.Setenv("ASTER_PROACTIVE_SHADOW", "true")
	g, _ := newGovernor(t)
	now := time.Now()
	score := func(ctx context.Context, th threads.Thread) (string, error) {
		return `{"importance":10,"novelty":10,"timing":10,"confidence":10}`, nil
	}
	result := g.EvaluateThread(context.Background(), threads.Thread{ID: "t1"}, now, score)
	if !result.Shadow {
		t.Fatal("expected shadow mode to be flagged")
	}
}
