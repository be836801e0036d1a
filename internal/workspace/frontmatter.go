package workspace

import (
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Frontmatter is the optional YAML header carried by memory files:
// created, updated, version, type, tags.
type Frontmatter struct {
	Created time.Time `yaml:"created,omitempty"`
	Updated time.Time `yaml:"updated,omitempty"`
	Version int       `yaml:"version,omitempty"`
	Type    string    `yaml:"type,omitempty"`
	Tags    []string  `yaml:"tags,omitempty"`

	// Extra holds any additional keys so round-tripping an unfamiliar
	// frontmatter block does not silently drop data.
	Extra map[string]any `yaml:"-"`
}

// MemoryFile is a parsed memory file: optional frontmatter plus body.
type MemoryFile struct {
	Frontmatter *Frontmatter // nil if the file carried no frontmatter
	Body        string
}

// ParseMemoryFile parses raw file content into a MemoryFile. Parsing is
// lenient: a leading "---" line only introduces frontmatter if a
// second "---" line closes it AND the lines between look like "key:
// value" pairs. A block that merely resembles a markdown thematic
// break (a bare "---" or "***" with no colon-bearing lines before the
// next "---") is left as part of the body instead. A block that looks
// key-value-like but fails to parse as YAML logs nothing itself
// (callers should log via the returned warnedFallback bool) and falls back to
// treating the whole input as body. This function never panics and
// never returns an error — malformed input degrades to plain body
// content.
func ParseMemoryFile(raw string) (mf MemoryFile, warnedFallback bool) {
	if !strings.HasPrefix(raw, "---\n") && raw != "---" {
		return MemoryFile{Body: raw}, false
	}

	rest := strings.TrimPrefix(raw, "---\n")
	closeIdx := findFrontmatterClose(rest)
	if closeIdx < 0 {
		return MemoryFile{Body: raw}, false
	}

	block := rest[:closeIdx]
	body := rest[closeIdx:]
	body = strings.TrimPrefix(body, "---")
	body = strings.TrimPrefix(body, "\n")

	if !looksLikeFrontmatter(block) {
		return MemoryFile{Body: raw}, false
	}

	fm, err := parseFrontmatterBlock(block)
	if err != nil {
		// Key-value-like but not valid YAML: warn and fall back to body.
		return MemoryFile{Body: raw}, true
	}

	return MemoryFile{Frontmatter: &fm, Body: body}, false
}

// findFrontmatterClose returns the index in s of the line consisting
// solely of "---" that closes the frontmatter block, or -1 if none
// exists.
func findFrontmatterClose(s string) int {
	lines := strings.SplitAfter(s, "\n")
	pos := 0
	for _, line := range lines {
		trimmed := strings.TrimRight(line, "\n")
		if trimmed == "---" {
			return pos
		}
		pos += len(line)
	}
	return -1
}

// looksLikeFrontmatter distinguishes a real YAML header from a bare
// markdown horizontal rule: a blank block is an HR, not frontmatter;
// otherwise it requires at least one line matching "key: value" (a
// bare word followed by a colon).
func looksLikeFrontmatter(block string) bool {
	trimmed := strings.TrimSpace(block)
	if trimmed == "" {
		return false
	}

	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if idx := strings.Index(line, ":"); idx > 0 {
			key := strings.TrimSpace(line[:idx])
			if key != "" && !strings.ContainsAny(key, " \t") {
				return true
			}
		}
	}
	return false
}

func parseFrontmatterBlock(block string) (Frontmatter, error) {
	var raw map[string]any
	if err := yaml.Unmarshal([]byte(block), &raw); err != nil {
		return Frontmatter{}, err
	}

	fm := Frontmatter{Extra: map[string]any{}}
	for k, v := range raw {
		switch k {
		case "created":
			fm.Created = parseTimeValue(v)
		case "updated":
			fm.Updated = parseTimeValue(v)
		case "version":
			if n, ok := toInt(v); ok {
				fm.Version = n
			}
		case "type":
			if s, ok := v.(string); ok {
				fm.Type = s
			}
		case "tags":
			fm.Tags = toStringSlice(v)
		default:
			fm.Extra[k] = v
		}
	}
	return fm, nil
}

func parseTimeValue(v any) time.Time {
	switch val := v.(type) {
	case time.Time:
		return val
	case string:
		if t, err := time.Parse(time.RFC3339, val); err == nil {
			return t
		}
		if t, err := time.Parse("2006-01-02", val); err == nil {
			return t
		}
	}
	return time.Time{}
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

func toStringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// SerializeMemoryFile renders a MemoryFile back to text. When
// Frontmatter is non-nil, it is emitted as a "---"-delimited YAML
// block followed by the body, preserving the round-trip law
// SerializeMemoryFile(ParseMemoryFile(x)) == x modulo frontmatter
// whitespace normalization.
func SerializeMemoryFile(mf MemoryFile) (string, error) {
	if mf.Frontmatter == nil {
		return mf.Body, nil
	}

	m := map[string]any{}
	if !mf.Frontmatter.Created.IsZero() {
		m["created"] = mf.Frontmatter.Created.UTC().Format(time.RFC3339)
	}
	if !mf.Frontmatter.Updated.IsZero() {
		m["updated"] = mf.Frontmatter.Updated.UTC().Format(time.RFC3339)
	}
	if mf.Frontmatter.Version != 0 {
		m["version"] = mf.Frontmatter.Version
	}
	if mf.Frontmatter.Type != "" {
		m["type"] = mf.Frontmatter.Type
	}
	if len(mf.Frontmatter.Tags) > 0 {
		m["tags"] = mf.Frontmatter.Tags
	}
	for k, v := range mf.Frontmatter.Extra {
		m[k] = v
	}

	out, err := yaml.Marshal(m)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("---\n")
	sb.Write(out)
	sb.WriteString("---\n")
	sb.WriteString(mf.Body)
	return sb.String(), nil
}
