// Package memory provides typed readers and writers for the workspace's
// markdown-backed memory files: working memory, facts, topics,
// session summaries, the journal, and concerns. It is a thin layer
// over internal/workspace's atomic file primitives and frontmatter
// codec; every file here has exactly one logical owner elsewhere in
// the core.
package memory

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/loomwork/aster/internal/workspace"
)

// Working-memory file paths.
const (
	ActiveContextPath  = "working-memory/active-context.md"
	AttentionQueuePath = "working-memory/attention-queue.md"
	PendingActionsPath = "working-memory/pending-actions.md"
	JournalPath        = "journal.md"
	ConcernsPath       = "concerns.md"
	IdentityPath       = "identity/self.md"
	ProfilePath        = "identity/profile.md"
	factsDir           = "memory/facts"
	topicsDir          = "memory/topics"
	sessionsDir        = "memory/sessions"
)

// ReadWorkingMemoryFile returns the raw body of a working-memory file
// (frontmatter, if any, stripped), or "" if the file does not exist.
// Missing files are not an error: a fresh workspace has none yet.
func ReadWorkingMemoryFile(ws *workspace.Workspace, rel string) (string, error) {
	if !ws.Exists(rel) {
		return "", nil
	}
	raw, err := ws.ReadFile(rel)
	if err != nil {
		return "", fmt.Errorf("memory: read %s: %w", rel, err)
	}
	mf, _ := workspace.ParseMemoryFile(string(raw))
	return mf.Body, nil
}

// WriteActiveContext overwrites active-context.md wholesale.
func WriteActiveContext(ws *workspace.Workspace, content string) error {
	return ws.WriteFileAtomic(ActiveContextPath, []byte(content), 0o644)
}

// UpdateAttentionQueue overwrites attention-queue.md.
func UpdateAttentionQueue(ws *workspace.Workspace, content string) error {
	return ws.WriteFileAtomic(AttentionQueuePath, []byte(content), 0o644)
}

// AppendAttentionQueue appends to attention-queue.md.
func AppendAttentionQueue(ws *workspace.Workspace, content string) error {
	return ws.AppendFile(AttentionQueuePath, []byte(content))
}

// UpdatePendingActions overwrites pending-actions.md.
func UpdatePendingActions(ws *workspace.Workspace, content string) error {
	return ws.WriteFileAtomic(PendingActionsPath, []byte(content), 0o644)
}

// AppendPendingActions appends to pending-actions.md.
func AppendPendingActions(ws *workspace.Workspace, content string) error {
	return ws.AppendFile(PendingActionsPath, []byte(content))
}

// AppendJournal appends one entry to the append-only journal under a
// timestamp heading.
func AppendJournal(ws *workspace.Workspace, entry string) error {
	stamp := time.Now().UTC().Format("2006-01-02 15:04:05 UTC")
	block := fmt.Sprintf("\n## %s\n\n%s\n", stamp, strings.TrimSpace(entry))
	return ws.AppendFile(JournalPath, []byte(block))
}

// Concerns is the two-section concerns list: active concerns the
// agent is tracking, and those it has resolved.
type Concerns struct {
	Active   []string
	Resolved []string
}

var concernsSectionHeader = regexp.MustCompile(`(?i)^##\s+(active|resolved)\s*$`)

// ReadConcerns parses concerns.md's two sections. A missing file yields
// an empty Concerns. Lines that are not list items are ignored, the
// same "substantive content" discipline the reflection pipeline applies
// elsewhere.
func ReadConcerns(ws *workspace.Workspace) (Concerns, error) {
	body, err := ReadWorkingMemoryFile(ws, ConcernsPath)
	if err != nil {
		return Concerns{}, err
	}
	var c Concerns
	section := ""
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if m := concernsSectionHeader.FindStringSubmatch(trimmed); m != nil {
			section = strings.ToLower(m[1])
			continue
		}
		item, ok := listItemText(trimmed)
		if !ok {
			continue
		}
		switch section {
		case "active":
			c.Active = append(c.Active, item)
		case "resolved":
			c.Resolved = append(c.Resolved, item)
		}
	}
	return c, nil
}

// WriteConcerns serializes Concerns back to concerns.md's two-section
// format.
func WriteConcerns(ws *workspace.Workspace, c Concerns) error {
	var sb strings.Builder
	sb.WriteString("## Active\n\n")
	for _, item := range c.Active {
		sb.WriteString("- " + item + "\n")
	}
	sb.WriteString("\n## Resolved\n\n")
	for _, item := range c.Resolved {
		sb.WriteString("- " + item + "\n")
	}
	return ws.WriteFileAtomic(ConcernsPath, []byte(sb.String()), 0o644)
}

// listItemText reports whether trimmed is a markdown list item ("-",
// "*", or a numbered item like "1.") and returns its text with the
// marker stripped.
func listItemText(trimmed string) (string, bool) {
	if trimmed == "" {
		return "", false
	}
	if strings.HasPrefix(trimmed, "- ") || strings.HasPrefix(trimmed, "* ") {
		return strings.TrimSpace(trimmed[2:]), true
	}
	if m := numberedItem.FindStringSubmatch(trimmed); m != nil {
		return strings.TrimSpace(m[1]), true
	}
	return "", false
}

var numberedItem = regexp.MustCompile(`^\d+[.)]\s+(.*)$`)

// IsSubstantiveLine reports whether a single line of working-memory
// content counts as substantive: a list item, or a non-YAML-key
// paragraph over 20 characters. Headers,
// frontmatter keys, the literal "---", and parenthetical placeholders
// like "(nothing yet)" are not substantive.
func IsSubstantiveLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || trimmed == "---" {
		return false
	}
	if strings.HasPrefix(trimmed, "#") {
		return false
	}
	if strings.HasPrefix(trimmed, "(") && strings.HasSuffix(trimmed, ")") {
		return false
	}
	if _, ok := listItemText(trimmed); ok {
		return true
	}
	if looksLikeYAMLKey(trimmed) {
		return false
	}
	return len(trimmed) > 20
}

// HasSubstantiveContent reports whether any line of body is substantive.
func HasSubstantiveContent(body string) bool {
	for _, line := range strings.Split(body, "\n") {
		if IsSubstantiveLine(line) {
			return true
		}
	}
	return false
}

var yamlKeyLine = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*\s*:\s*\S`)

func looksLikeYAMLKey(trimmed string) bool {
	return yamlKeyLine.MatchString(trimmed)
}

// Fact is a single extracted fact file under memory/facts/.
type Fact struct {
	Slug        string
	Frontmatter *workspace.Frontmatter
	Body        string
}

// ListFacts returns all facts, sorted by slug.
func ListFacts(ws *workspace.Workspace) ([]Fact, error) {
	return listMarkdownDir(ws, factsDir)
}

// WriteFact creates or overwrites a fact file.
func WriteFact(ws *workspace.Workspace, slug string, fm *workspace.Frontmatter, body string) error {
	return writeMarkdownFile(ws, factsDir, slug, fm, body)
}

// Topic is a single topic summary file under memory/topics/.
type Topic = Fact

// ListTopics returns all topic files, sorted by slug.
func ListTopics(ws *workspace.Workspace) ([]Topic, error) {
	return listMarkdownDir(ws, topicsDir)
}

// WriteTopic creates or overwrites a topic file.
func WriteTopic(ws *workspace.Workspace, slug string, fm *workspace.Frontmatter, body string) error {
	return writeMarkdownFile(ws, topicsDir, slug, fm, body)
}

// SessionSummaryPath returns the relative path of a chat's rolling
// summary file.
func SessionSummaryPath(chatID string) string {
	return path.Join(sessionsDir, Slugify(chatID)+"-summary.md")
}

// ReadSessionSummary returns the rolling summary body for a chat, or ""
// if none exists yet.
func ReadSessionSummary(ws *workspace.Workspace, chatID string) (string, error) {
	return ReadWorkingMemoryFile(ws, SessionSummaryPath(chatID))
}

// WriteSessionSummary replaces a chat's rolling summary wholesale.
func WriteSessionSummary(ws *workspace.Workspace, chatID, content string) error {
	return ws.WriteFileAtomic(SessionSummaryPath(chatID), []byte(content), 0o644)
}

func listMarkdownDir(ws *workspace.Workspace, dir string) ([]Fact, error) {
	names, err := ws.ListDir(dir)
	if err != nil {
		return nil, err
	}
	out := make([]Fact, 0, len(names))
	for _, name := range names {
		if !strings.HasSuffix(name, ".md") {
			continue
		}
		raw, err := ws.ReadFile(path.Join(dir, name))
		if err != nil {
			continue
		}
		mf, _ := workspace.ParseMemoryFile(string(raw))
		out = append(out, Fact{
			Slug:        strings.TrimSuffix(name, ".md"),
			Frontmatter: mf.Frontmatter,
			Body:        mf.Body,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

func writeMarkdownFile(ws *workspace.Workspace, dir, slug string, fm *workspace.Frontmatter, body string) error {
	content, err := workspace.SerializeMemoryFile(workspace.MemoryFile{Frontmatter: fm, Body: body})
	if err != nil {
		return err
	}
	return ws.WriteFileAtomic(path.Join(dir, Slugify(slug)+".md"), []byte(content), 0o644)
}

var slugUnsafe = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lower-cases s and collapses runs of non-alphanumeric
// characters into single hyphens.
func Slugify(s string) string {
	lower := strings.ToLower(strings.TrimSpace(s))
	slug := slugUnsafe.ReplaceAllString(lower, "-")
	return strings.Trim(slug, "-")
}
