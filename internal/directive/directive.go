// Package directive defines the grammar of the three directive kinds an
// LLM response can embed: write, proactive, and prepare. It is
// a closed enum: adding a fourth kind is
// a compile-time exhaustiveness concern, not a runtime string match.
package directive

import (
	"strings"
)

// Kind is the closed set of recognized directive kinds. Any tag that
// does not match one of these three must pass through as visible text
//: "no other kinds exist."
type Kind int

const (
	KindUnknown Kind = iota
	KindWrite
	KindProactive
	KindPrepare
)

// tagName is the bare suffix used in the HTML-comment marker, e.g.
// "write" in "<!--aster-write".
func (k Kind) tagName() string {
	switch k {
	case KindWrite:
		return "write"
	case KindProactive:
		return "proactive"
	case KindPrepare:
		return "prepare"
	default:
		return ""
	}
}

// Action is the writeback mutation verb.
type Action string

const (
	ActionCreate Action = "create"
	ActionAppend Action = "append"
	ActionUpdate Action = "update"
)

// ValidAction reports whether a is one of the three recognized actions.
func ValidAction(a string) bool {
	switch Action(a) {
	case ActionCreate, ActionAppend, ActionUpdate:
		return true
	default:
		return false
	}
}

// Grammar holds the identity-bound tag strings for one deployment. A
// deployment uses exactly one agent name;
// accepting multiple names is an integration decision this package does
// not make.
type Grammar struct {
	agentName string
}

// NewGrammar builds a Grammar for the given lower-cased agent name
// (e.g. "aster"). An empty name is invalid and NewGrammar panics, since
// the grammar is fixed at process construction time, not per-call.
func NewGrammar(agentName string) Grammar {
	agentName = strings.ToLower(strings.TrimSpace(agentName))
	if agentName == "" {
		panic("directive: agent name must not be empty")
	}
	return Grammar{agentName: agentName}
}

// OpenTag returns the opening marker for a directive kind, e.g.
// "<!--aster-write".
func (g Grammar) OpenTag(k Kind) string {
	name := k.tagName()
	if name == "" {
		return ""
	}
	return "<!--" + g.agentName + "-" + name
}

// CloseTag is shared by all directive kinds.
const CloseTag = "-->"

// AllKinds lists every directive kind in tag-matching priority order.
// Write is checked first only because it is the most common in
// practice; order does not affect correctness since open tags are
// mutually exclusive prefixes once the kind name differs.
func (g Grammar) AllKinds() []Kind {
	return []Kind{KindWrite, KindProactive, KindPrepare}
}

// MatchOpenKind reports which kind's open tag s begins with, if any.
func (g Grammar) MatchOpenKind(s string) (Kind, bool) {
	for _, k := range g.AllKinds() {
		if strings.HasPrefix(s, g.OpenTag(k)) {
			return k, true
		}
	}
	return KindUnknown, false
}

// Directive is a single parsed directive, regardless of kind. Fields
// not meaningful to a kind are left zero.
type Directive struct {
	Kind        Kind
	File        string            // write only
	Action      Action            // write only
	Frontmatter map[string]string // write only, optional
	Content     string            // body text: write content / proactive message / prepare content
	Topic       string            // prepare only
	Keywords    []string          // prepare only
}

// ParseBody parses the raw text between a directive's open tag line
// and its close tag into a Directive. body has already had the open
// tag's own first line and the trailing close tag stripped by the
// caller (continuity's batch extractor and streamparse's state machine
// both do this before calling ParseBody). Returns ok=false if the body
// is structurally invalid for its kind (e.g. a write directive missing
// file/action, or an unrecognized action) — such directives must be
// skipped silently by the caller.
func ParseBody(k Kind, body string) (Directive, bool) {
	switch k {
	case KindWrite:
		return parseWriteBody(body)
	case KindProactive:
		msg := strings.TrimSpace(body)
		if msg == "" {
			return Directive{}, false
		}
		return Directive{Kind: KindProactive, Content: msg}, true
	case KindPrepare:
		return parsePrepareBody(body)
	default:
		return Directive{}, false
	}
}

func parseWriteBody(body string) (Directive, bool) {
	lines := strings.Split(body, "\n")
	var file, action string
	var frontmatter map[string]string
	contentStart := 0

	i := 0
	for ; i < len(lines); i++ {
		line := lines[i]
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "file:") {
			file = strings.TrimSpace(strings.TrimPrefix(trimmed, "file:"))
			continue
		}
		if strings.HasPrefix(trimmed, "action:") {
			action = strings.TrimSpace(strings.TrimPrefix(trimmed, "action:"))
			continue
		}
		if trimmed == "---" {
			// Inner frontmatter block: scan until the matching close "---".
			fm, end, ok := scanFrontmatterBlock(lines, i+1)
			if ok {
				frontmatter = fm
				i = end
				continue
			}
		}
		// First line that is not a header or frontmatter marks content start.
		contentStart = i
		break
	}
	if i >= len(lines) {
		contentStart = len(lines)
	}

	if file == "" || action == "" || !ValidAction(action) {
		return Directive{}, false
	}

	content := strings.TrimPrefix(strings.Join(lines[contentStart:], "\n"), "\n")
	content = strings.TrimSpace(content)

	return Directive{
		Kind:        KindWrite,
		File:        file,
		Action:      Action(action),
		Frontmatter: frontmatter,
		Content:     content,
	}, true
}

// scanFrontmatterBlock reads "key: value" lines starting at lines[from]
// until a line equal to "---" closes the block. Returns the parsed map,
// the index of the closing "---" line, and whether a close was found.
func scanFrontmatterBlock(lines []string, from int) (map[string]string, int, bool) {
	fm := map[string]string{}
	for i := from; i < len(lines); i++ {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed == "---" {
			return fm, i, true
		}
		if idx := strings.Index(trimmed, ":"); idx > 0 {
			key := strings.TrimSpace(trimmed[:idx])
			val := strings.TrimSpace(trimmed[idx+1:])
			if key != "" {
				fm[key] = val
			}
		}
	}
	return nil, 0, false
}

func parsePrepareBody(body string) (Directive, bool) {
	lines := strings.Split(body, "\n")
	var topic string
	var keywords []string
	contentStart := 0

	i := 0
	for ; i < len(lines); i++ {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "topic:") {
			topic = strings.TrimSpace(strings.TrimPrefix(trimmed, "topic:"))
			continue
		}
		if strings.HasPrefix(trimmed, "keywords:") {
			keywords = parseKeywordList(strings.TrimPrefix(trimmed, "keywords:"))
			continue
		}
		if trimmed == "---" {
			contentStart = i + 1
			break
		}
		contentStart = i
		break
	}
	if i >= len(lines) {
		contentStart = len(lines)
	}

	content := strings.TrimSpace(strings.Join(lines[contentStart:], "\n"))
	if topic == "" || content == "" {
		return Directive{}, false
	}

	return Directive{
		Kind:     KindPrepare,
		Topic:    topic,
		Keywords: keywords,
		Content:  content,
	}, true
}

func parseKeywordList(s string) []string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		p = strings.Trim(p, `"'`)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
