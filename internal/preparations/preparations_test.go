package preparations

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loomwork/aster/internal/workspace"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	ws, err := workspace.New(filepath.Join(t.TempDir(), "ws"))
	if err != nil {
		t.Fatalf("workspace.New: %v", err)
	}
	return New(ws, nil)
}

func TestSaveRejectsEmptyTopicOrContent(t *testing.T) {
	m := newTestManager(t)
	if err := m.Save("", []string{"x"}, "content", time.Now()); err == nil {
		t.Fatal("expected error for empty topic")
	}
	if err := m.Save("topic", []string{"x"}, "", time.Now()); err == nil {
		t.Fatal("expected error for empty content")
	}
}

func TestSaveAndListActiveRoundTrips(t *testing.T) {
	m := newTestManager(t)
	now := time.Now()
	if err := m.Save("Launch Day", []string{"launch", "deploy"}, "watch for the rollout", now); err != nil {
		t.Fatal(err)
	}
	active, err := m.ListActive(now)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 {
		t.Fatalf("ListActive len = %d, want 1", len(active))
	}
	p := active[0]
	if p.Content != "watch for the rollout" {
		t.Fatalf("Content = %q", p.Content)
	}
	if len(p.Keywords) != 2 || p.Keywords[0] != "launch" || p.Keywords[1] != "deploy" {
		t.Fatalf("Keywords = %+v", p.Keywords)
	}
	if p.ExpiresAt.Sub(p.CreatedAt) != DefaultTTL {
		t.Fatalf("expires-created = %v, want %v", p.ExpiresAt.Sub(p.CreatedAt), DefaultTTL)
	}
}

func TestListActiveDeletesExpiredFiles(t *testing.T) {
	m := newTestManager(t)
	past := time.Now().Add(-10 * 24 * time.Hour)
	if err := m.Save("Stale Topic", []string{"stale"}, "old content", past); err != nil {
		t.Fatal(err)
	}
	active, err := m.ListActive(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 0 {
		t.Fatalf("expected expired preparation to be filtered out, got %+v", active)
	}
	// A second listing should find nothing left to delete, not error.
	active, err = m.ListActive(time.Now())
	if err != nil || len(active) != 0 {
		t.Fatalf("second ListActive = %+v, %v", active, err)
	}
}

func TestMatchRequiresAtLeastTwoKeywords(t *testing.T) {
	preps := []Preparation{
		{Topic: "deploy", Keywords: []string{"launch", "rollout", "prod"}, Content: "careful"},
		{Topic: "unrelated", Keywords: []string{"cooking", "recipe"}, Content: "n/a"},
	}
	matched := Match("we're doing the launch rollout today", preps)
	if len(matched) != 1 {
		t.Fatalf("matched = %+v, want exactly one", matched)
	}
	if matched[0].Preparation.Topic != "deploy" || matched[0].MatchCount != 2 {
		t.Fatalf("matched[0] = %+v", matched[0])
	}
}

func TestMatchSortsByCountDescending(t *testing.T) {
	preps := []Preparation{
		{Topic: "low", Keywords: []string{"alpha", "beta"}},
		{Topic: "high", Keywords: []string{"alpha", "beta", "gamma"}},
	}
	matched := Match("alpha beta gamma", preps)
	if len(matched) != 2 || matched[0].Preparation.Topic != "high" {
		t.Fatalf("matched = %+v, want 'high' first", matched)
	}
}

func TestFormatMatchedContextEmpty(t *testing.T) {
	if got := FormatMatchedContext(nil); got != "" {
		t.Fatalf("FormatMatchedContext(nil) = %q, want empty", got)
	}
}

func TestFormatMatchedContextRendersTopicsAndCounts(t *testing.T) {
	matched := []Matched{{Preparation: Preparation{Topic: "deploy", Content: "careful"}, MatchCount: 2}}
	got := FormatMatchedContext(matched)
	if got == "" {
		t.Fatal("expected non-empty rendering")
	}
	for _, want := range []string{"deploy", "careful", "2"} {
		if !strings.Contains(got, want) {
			t.Fatalf("rendering %q missing %q", got, want)
		}
	}
}
