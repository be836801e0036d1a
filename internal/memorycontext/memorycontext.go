// Package memorycontext assembles the layered, token-budgeted system
// prompt preamble: working memory, identity, profile, session summary,
// matched preparations, facts, and topics. The always-load tier is
// never dropped even when it alone exceeds the budget; the conditional
// tier obeys the budget strictly.
package memorycontext

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/loomwork/aster/internal/buildinfo"
	"github.com/loomwork/aster/internal/memory"
	"github.com/loomwork/aster/internal/preparations"
	"github.com/loomwork/aster/internal/workspace"
)

// TokenBudget caps the conditional tier; crossing
// BudgetWarningThreshold logs a warning.
const (
	TokenBudget            = 8000
	BudgetWarningThreshold = 7000
)

// memoryInstructions is the fixed preamble prepended whenever any
// section loads. It explains the usage
// conventions to the model reading the assembled context, not to a
// human reader of this source.
const memoryInstructions = `The sections below are your persistent memory, assembled fresh for this turn. Working memory reflects your current focus; treat it as authoritative over older facts and topics when they conflict. Facts and topics are reference material extracted from past reflection — use them, but do not restate them verbatim unless asked. Nothing here is visible to the user unless you choose to surface it.`

// estimateTokens is the conservative ceil(len/3) estimator.
func estimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return (len(s) + 2) / 3
}

// workingMemoryFile is one always-loaded working-memory source,
// labeled for rendering as "#### <label>".
type workingMemoryFile struct {
	label string
	path  string
}

var workingMemoryFiles = []workingMemoryFile{
	{"Active Context", memory.ActiveContextPath},
	{"Attention Queue", memory.AttentionQueuePath},
	{"Pending Actions", memory.PendingActionsPath},
}

// Deps are the inputs buildMemoryContext reads from.
type Deps struct {
	Workspace    *workspace.Workspace
	Preparations *preparations.Manager
	Logger       *slog.Logger
}

// Build assembles the memory context for a conversation turn. message
// is used to match preparations against;
// chatID selects the session summary. Returns ("", 0) if nothing at
// all loads.
func Build(deps Deps, message, chatID string) (string, int) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	var always []string

	var wmSections []string
	for _, f := range workingMemoryFiles {
		body, err := memory.ReadWorkingMemoryFile(deps.Workspace, f.path)
		if err != nil {
			deps.Logger.Warn("memorycontext: working memory file load failed", "path", f.path, "error", err)
			continue
		}
		body = strings.TrimSpace(body)
		if body == "" {
			continue
		}
		wmSections = append(wmSections, fmt.Sprintf("#### %s\n\n%s", f.label, body))
	}
	if len(wmSections) > 0 {
		always = append(always, "### Working Memory\n\n"+strings.Join(wmSections, "\n\n"))
	}

	if identity, err := memory.ReadWorkingMemoryFile(deps.Workspace, memory.IdentityPath); err == nil {
		if identity = strings.TrimSpace(identity); identity != "" {
			always = append(always, "### Identity\n\n"+identity)
		}
	}

	if profile, err := memory.ReadWorkingMemoryFile(deps.Workspace, memory.ProfilePath); err == nil {
		if profile = strings.TrimSpace(profile); profile != "" {
			always = append(always, "### User Profile\n\n"+profile)
		}
	}

	if chatID != "" {
		if summary, err := memory.ReadSessionSummary(deps.Workspace, chatID); err == nil {
			if summary = strings.TrimSpace(summary); summary != "" {
				always = append(always, "### Session Summary\n\n"+summary)
			}
		}
	}

	budget := TokenBudget
	spent := 0
	for _, section := range always {
		spent += estimateTokens(section)
	}

	var conditional []string

	if deps.Preparations != nil {
		if active, err := deps.Preparations.ListActive(nowFunc()); err == nil {
			matched := preparations.Match(message, active)
			if formatted := preparations.FormatMatchedContext(matched); formatted != "" {
				section := "### Relevant Preparations\n\n" + formatted
				if cost := estimateTokens(section); spent+cost <= budget {
					conditional = append(conditional, section)
					spent += cost
				}
			}
		}
	}

	if facts, err := memory.ListFacts(deps.Workspace); err == nil {
		sortNewestFirst(facts)
		var kept []string
		for _, fact := range facts {
			section := fmt.Sprintf("#### %s\n\n%s", fact.Slug, strings.TrimSpace(fact.Body))
			cost := estimateTokens(section)
			if spent+cost > budget {
				continue
			}
			kept = append(kept, section)
			spent += cost
		}
		if len(kept) > 0 {
			conditional = append(conditional, "### Facts\n\n"+strings.Join(kept, "\n\n"))
		}
	}

	if topics, err := memory.ListTopics(deps.Workspace); err == nil {
		var kept []string
		for _, topic := range topics {
			section := fmt.Sprintf("#### %s\n\n%s", topic.Slug, strings.TrimSpace(topic.Body))
			cost := estimateTokens(section)
			if spent+cost > budget {
				continue
			}
			kept = append(kept, section)
			spent += cost
		}
		if len(kept) > 0 {
			conditional = append(conditional, "### Topics\n\n"+strings.Join(kept, "\n\n"))
		}
	}

	all := append(always, conditional...)
	if len(all) == 0 {
		return "", 0
	}

	if spent > BudgetWarningThreshold {
		deps.Logger.Warn("memorycontext: assembled context exceeds warning threshold", "tokens", spent, "threshold", BudgetWarningThreshold)
	}

	preamble := memoryInstructions
	if info := buildinfo.ContextString(); info != "" {
		preamble += "\n\n### Build\n\n" + info
	}
	out := preamble + "\n\n" + strings.Join(all, "\n\n")
	return out, estimateTokens(out)
}

// sortNewestFirst orders facts by frontmatter creation time,
// descending. Facts with no frontmatter sort last.
func sortNewestFirst(facts []memory.Fact) {
	created := func(f memory.Fact) time.Time {
		if f.Frontmatter == nil {
			return time.Time{}
		}
		return f.Frontmatter.Created
	}
	sort.SliceStable(facts, func(i, j int) bool {
		return created(facts[i]).After(created(facts[j]))
	})
}

// nowFunc is overridable in tests; production always uses wall-clock
// time since preparation expiry is a real-time concern.
var nowFunc = time.Now
