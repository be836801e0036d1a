// Package continuity makes the agent's memory persist across
// invocations by extracting writeback directives embedded in an LLM's
// free-text response and applying them as sandboxed file mutations:
// an index-based scan over HTML-comment-delimited blocks, spliced back
// out of the visible text, with the surviving mutations applied
// through the workspace's atomic primitives.
package continuity

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/loomwork/aster/internal/directive"
	"github.com/loomwork/aster/internal/snapshot"
	"github.com/loomwork/aster/internal/trust"
	"github.com/loomwork/aster/internal/workspace"
)

// Block is one recognized directive occurrence: its parsed Directive
// plus the span it occupied in the original text.
type Block struct {
	Directive directive.Directive
	Start     int // byte offset of the opening "<!--" in the source text
	End       int // byte offset one past the closing "-->"
}

// Extractor finds directive blocks in free text under one Grammar.
type Extractor struct {
	grammar directive.Grammar
}

// NewExtractor returns an Extractor for the given directive grammar.
func NewExtractor(g directive.Grammar) *Extractor {
	return &Extractor{grammar: g}
}

// Extract scans text for non-overlapping directive blocks. A block
// whose body fails to parse for its kind (e.g. a write directive
// missing file/action, or an invalid action) is silently skipped: it
// is still removed from the clean text, but it appears in neither a
// succeeded nor a failed list by the caller since it never reaches
// Apply.
func (e *Extractor) Extract(text string) []Block {
	var blocks []Block
	pos := 0
	for pos < len(text) {
		openIdx, kind, tagLen := e.findNextOpen(text, pos)
		if openIdx < 0 {
			break
		}
		closeIdx := strings.Index(text[openIdx+tagLen:], directive.CloseTag)
		if closeIdx < 0 {
			// Unclosed directive: nothing more to find from here.
			break
		}
		bodyStart := openIdx + tagLen
		bodyEnd := bodyStart + closeIdx
		blockEnd := bodyEnd + len(directive.CloseTag)

		d, ok := directive.ParseBody(kind, text[bodyStart:bodyEnd])
		if ok {
			blocks = append(blocks, Block{Directive: d, Start: openIdx, End: blockEnd})
		} else {
			// Still consumed as a recognized-but-invalid block so it is
			// stripped from the clean response and not double-scanned.
			blocks = append(blocks, Block{Directive: directive.Directive{Kind: directive.KindUnknown}, Start: openIdx, End: blockEnd})
		}
		pos = blockEnd
	}
	return blocks
}

// findNextOpen returns the byte offset of the next directive open tag
// at or after from, which kind it opens, and the tag's length.
func (e *Extractor) findNextOpen(text string, from int) (int, directive.Kind, int) {
	best := -1
	var bestKind directive.Kind
	var bestTag string
	for _, k := range e.grammar.AllKinds() {
		tag := e.grammar.OpenTag(k)
		idx := strings.Index(text[from:], tag)
		if idx < 0 {
			continue
		}
		abs := from + idx
		if best < 0 || abs < best {
			best = abs
			bestKind = k
			bestTag = tag
		}
	}
	if best < 0 {
		return -1, directive.KindUnknown, 0
	}
	return best, bestKind, len(bestTag)
}

// ExtractResult is the outcome of a batch extraction: the recognized
// write-kind directives (the only kind Apply acts on), any proactive
// directive found (at most one is considered), any prepare
// directives found, and the clean response text with every recognized
// block removed.
type ExtractResult struct {
	Writes       []directive.Directive
	Proactive    *directive.Directive
	Preparations []directive.Directive
	CleanText    string
}

// ExtractAll partitions all recognized directive blocks in text by
// kind and returns the clean response alongside them.
func (e *Extractor) ExtractAll(text string) ExtractResult {
	blocks := e.Extract(text)
	var res ExtractResult

	var sb strings.Builder
	last := 0
	for _, b := range blocks {
		sb.WriteString(text[last:b.Start])
		last = b.End

		switch b.Directive.Kind {
		case directive.KindWrite:
			res.Writes = append(res.Writes, b.Directive)
		case directive.KindProactive:
			if res.Proactive == nil {
				d := b.Directive
				res.Proactive = &d
			}
		case directive.KindPrepare:
			res.Preparations = append(res.Preparations, b.Directive)
		}
	}
	sb.WriteString(text[last:])
	res.CleanText = strings.TrimSpace(collapseBlankRuns(sb.String()))
	return res
}

// collapseBlankRuns trims the extra blank lines directive removal
// tends to leave behind, preserving at most one blank line between
// paragraphs.
func collapseBlankRuns(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		isBlank := strings.TrimSpace(line) == ""
		if isBlank && blank {
			continue
		}
		out = append(out, line)
		blank = isBlank
	}
	return strings.Join(out, "\n")
}

// ApplyResult is the return contract of Apply: files that were
// written successfully, and files whose write failed along with the
// error. Validation-rejected directives appear in neither list.
type ApplyResult struct {
	Succeeded []string
	Failed    []FailedWrite
}

// FailedWrite pairs a target file with the error that occurred while
// applying its directive.
type FailedWrite struct {
	File  string
	Error string
}

// Manager parses and applies directives against one workspace.
type Manager struct {
	ws        *workspace.Workspace
	extractor *Extractor
	logger    *slog.Logger
	snapshots *snapshot.Store
	authority *trust.Authority
}

// NewManager returns a Manager scoped to ws using grammar g.
func NewManager(ws *workspace.Workspace, g directive.Grammar, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{ws: ws, extractor: NewExtractor(g), logger: logger}
}

// UseSnapshots wires a snapshot store into the manager so that any
// write directive which would overwrite existing content is captured
// first. A nil store (the default) disables the safety net rather
// than erroring.
func (m *Manager) UseSnapshots(store *snapshot.Store) {
	m.snapshots = store
}

// UseAuthority wires a trust Authority into the manager so every write
// directive is classified and gated by the action-tier rules before it
// touches the filesystem. A nil authority (the default) applies every
// validated write unconditionally.
func (m *Manager) UseAuthority(a *trust.Authority) {
	m.authority = a
}

// Apply validates and applies each write directive in the order it
// appeared in the response. It never
// panics or returns an error itself — individual I/O failures are
// reported in ApplyResult.Failed, and invalid directives are skipped
// before any I/O is attempted.
func (m *Manager) Apply(writes []directive.Directive) ApplyResult {
	var res ApplyResult
	for _, d := range writes {
		if !m.validWrite(d) {
			continue // validation-rejected: neither succeeded nor failed
		}
		if m.authority != nil {
			// Every directive Apply sees targets the agent's own memory
			// files: memory-write, not the broader workspace-write or
			// workspace-file-create categories reserved for edits
			// outside that boundary.
			decision := m.authority.RequestAction(trust.ActionRequest{Category: trust.CategoryMemoryWrite})
			if !decision.Approved {
				m.logger.Warn("writeback denied by authority", "file", d.File, "reason", decision.Reason)
				res.Failed = append(res.Failed, FailedWrite{File: d.File, Error: decision.Reason})
				continue
			}
		}
		if err := m.applyOne(d); err != nil {
			m.logger.Warn("writeback apply failed", "file", d.File, "error", err)
			res.Failed = append(res.Failed, FailedWrite{File: d.File, Error: err.Error()})
			continue
		}
		res.Succeeded = append(res.Succeeded, d.File)
	}
	return res
}

// validWrite re-checks a directive's validation rules. ParseBody
// already rejects a missing file/action, but a directive can reach
// here from any caller, so re-validate defensively: the file must
// resolve inside the workspace and the action must be one of the three
// recognized verbs. A rejected directive is skipped before any I/O is
// attempted, so a traversal path never touches the filesystem and
// never lands in the failed list either.
func (m *Manager) validWrite(d directive.Directive) bool {
	if d.Kind != directive.KindWrite {
		return false
	}
	if d.File == "" || !directive.ValidAction(string(d.Action)) {
		return false
	}
	if _, err := m.ws.Resolve(d.File); err != nil {
		return false
	}
	return true
}

func (m *Manager) applyOne(d directive.Directive) error {
	switch d.Action {
	case directive.ActionCreate, directive.ActionUpdate:
		m.captureBeforeOverwrite(d.File)
		content, err := serializeWrite(d)
		if err != nil {
			return err
		}
		return m.ws.WriteFileAtomic(d.File, []byte(content), 0o644)
	case directive.ActionAppend:
		// Frontmatter in an append directive is ignored.
		return m.ws.AppendFile(d.File, []byte(d.Content))
	default:
		return fmt.Errorf("unknown action %q", d.Action)
	}
}

// captureBeforeOverwrite snapshots a file's current content before a
// create/update directive replaces it, if a snapshot store is wired
// and the file already exists. Capture failures are logged, never
// fatal: the write itself must still proceed.
func (m *Manager) captureBeforeOverwrite(file string) {
	if m.snapshots == nil || !m.ws.Exists(file) {
		return
	}
	prior, err := m.ws.ReadFile(file)
	if err != nil {
		m.logger.Warn("continuity: read before snapshot failed", "file", file, "error", err)
		return
	}
	if _, err := m.snapshots.Capture(file, "write_directive", string(prior)); err != nil {
		m.logger.Warn("continuity: snapshot capture failed", "file", file, "error", err)
	}
}

func serializeWrite(d directive.Directive) (string, error) {
	if len(d.Frontmatter) == 0 {
		return d.Content, nil
	}
	fm := &workspace.Frontmatter{Extra: map[string]any{}}
	for k, v := range d.Frontmatter {
		fm.Extra[k] = v
	}
	return workspace.SerializeMemoryFile(workspace.MemoryFile{Frontmatter: fm, Body: d.Content})
}

// ProcessResult pairs the clean response with the outcome of applying
// the writebacks it carried.
type ProcessResult struct {
	CleanResponse    string
	WritebackResults ApplyResult
	Proactive        *directive.Directive
	Preparations     []directive.Directive
}

// ProcessResponse extracts every directive kind from a full LLM
// response, applies the writebacks, and returns the clean response
// alongside the apply outcome and any proactive/preparation
// directives for the caller to handle.
func (m *Manager) ProcessResponse(text string) ProcessResult {
	extracted := m.extractor.ExtractAll(text)
	applied := m.Apply(extracted.Writes)
	return ProcessResult{
		CleanResponse:    extracted.CleanText,
		WritebackResults: applied,
		Proactive:        extracted.Proactive,
		Preparations:     extracted.Preparations,
	}
}

// DisclosureNote builds the user-visible note appended when one or more
// writebacks fail: "I tried to save something to memory but the
// write failed for: <files>. I may not remember this next time."
func DisclosureNote(failed []FailedWrite) string {
	if len(failed) == 0 {
		return ""
	}
	names := make([]string, 0, len(failed))
	for _, f := range failed {
		names = append(names, f.File)
	}
	return "I tried to save something to memory but the write failed for: " +
		strings.Join(names, ", ") + ". I may not remember this next time."
}
