// Package preparations caches "I anticipated this" context:
// content the reflection pipeline saves because it expects a topic to
// come up, surfaced automatically when a later message matches its
// keywords. Preparations live as TTL-stamped workspace files; expiry
// is enforced lazily on read.
package preparations

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/loomwork/aster/internal/memory"
	"github.com/loomwork/aster/internal/workspace"
)

// dir is where preparation files live.
const dir = "preparations"

// DefaultTTL is the lifetime a fresh preparation is stamped with.
const DefaultTTL = 3 * 24 * time.Hour

// Preparation is one cached anticipation.
type Preparation struct {
	Topic     string
	Keywords  []string
	Content   string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Manager owns the preparations/ directory for one workspace.
type Manager struct {
	ws     *workspace.Workspace
	logger *slog.Logger
}

// New returns a Manager scoped to ws.
func New(ws *workspace.Workspace, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{ws: ws, logger: logger}
}

func path(topic string) string {
	return dir + "/" + memory.Slugify(topic) + ".md"
}

// Save writes a preparation, stamping created/expires frontmatter.
func (m *Manager) Save(topic string, keywords []string, content string, now time.Time) error {
	if strings.TrimSpace(topic) == "" || strings.TrimSpace(content) == "" {
		return fmt.Errorf("preparations: topic and content are required")
	}
	expires := now.Add(DefaultTTL)
	fm := &workspace.Frontmatter{
		Created: now,
		Extra: map[string]any{
			"expires":  expires.UTC().Format(time.RFC3339),
			"keywords": strings.Join(keywords, ","),
		},
	}
	data, err := workspace.SerializeMemoryFile(workspace.MemoryFile{Frontmatter: fm, Body: content})
	if err != nil {
		return err
	}
	return m.ws.WriteFileAtomic(path(topic), []byte(data), 0o644)
}

// ListActive returns every non-expired preparation, deleting expired
// files as it goes.
func (m *Manager) ListActive(now time.Time) ([]Preparation, error) {
	names, err := m.ws.ListDir(dir)
	if err != nil {
		return nil, err
	}
	var out []Preparation
	for _, name := range names {
		if !strings.HasSuffix(name, ".md") {
			continue
		}
		rel := dir + "/" + name
		raw, err := m.ws.ReadFile(rel)
		if err != nil {
			continue
		}
		mf, _ := workspace.ParseMemoryFile(string(raw))
		prep := Preparation{
			Topic:   strings.TrimSuffix(name, ".md"),
			Content: mf.Body,
		}
		if mf.Frontmatter != nil {
			prep.CreatedAt = mf.Frontmatter.Created
			if kw, ok := mf.Frontmatter.Extra["keywords"].(string); ok && kw != "" {
				prep.Keywords = strings.Split(kw, ",")
			}
			if exp, ok := mf.Frontmatter.Extra["expires"].(string); ok {
				if t, err := time.Parse(time.RFC3339, exp); err == nil {
					prep.ExpiresAt = t
				}
			}
		}
		if !prep.ExpiresAt.IsZero() && now.After(prep.ExpiresAt) {
			if err := m.ws.Remove(rel); err != nil {
				m.logger.Warn("preparations: failed to remove expired file", "file", rel, "error", err)
			}
			continue
		}
		out = append(out, prep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out, nil
}

// Matched is one preparation matched against a message, with its match
// count.
type Matched struct {
	Preparation Preparation
	MatchCount  int
}

// Match reports which preparations have >= 2 keywords (case
// insensitive) appearing in message, sorted by match count descending.
func Match(message string, preps []Preparation) []Matched {
	lower := strings.ToLower(message)
	var out []Matched
	for _, p := range preps {
		count := 0
		for _, kw := range p.Keywords {
			kw = strings.TrimSpace(kw)
			if kw == "" {
				continue
			}
			if strings.Contains(lower, strings.ToLower(kw)) {
				count++
			}
		}
		if count >= 2 {
			out = append(out, Matched{Preparation: p, MatchCount: count})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MatchCount > out[j].MatchCount })
	return out
}

// FormatMatchedContext renders matched preparations for injection
// into a prompt.
func FormatMatchedContext(matched []Matched) string {
	if len(matched) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("You anticipated the following might come up:\n\n")
	for _, m := range matched {
		sb.WriteString("- " + m.Preparation.Topic + " (matched " + strconv.Itoa(m.MatchCount) + " keywords): " + m.Preparation.Content + "\n")
	}
	return sb.String()
}
