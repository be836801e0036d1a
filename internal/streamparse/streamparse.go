// Package streamparse implements the incremental directive parser for
// LLM output that arrives as a sequence of chunks: visible text
// must reach the UI as it comes in, while directive bytes are withheld
// until the directive closes and can be parsed and emitted as an
// event. The parser is an explicit four-state machine so the split-tag
// cases stay enumerable instead of hiding in ad hoc flags.
package streamparse

import (
	"strings"

	"github.com/loomwork/aster/internal/directive"
)

type state int

const (
	stateOutside state = iota
	stateCandidateOpen
	stateInsideDirective
	stateCandidateClose
)

// Event is emitted when a complete directive has been recognized.
type Event struct {
	Directive directive.Directive
	Raw       string // the directive body as matched, open tag through close tag excluded
}

// Parser is an incremental directive parser. It is not safe for
// concurrent use; the core runs at most one reflection (and therefore
// one stream) at a time.
type Parser struct {
	grammar directive.Grammar

	st      state
	pending strings.Builder // tentative bytes: a candidate open-tag or close-tag prefix
	kind    directive.Kind
	body    strings.Builder // accumulated directive body once inside_directive
}

// New returns a Parser bound to the given directive grammar (agent
// name).
func New(g directive.Grammar) *Parser {
	return &Parser{grammar: g, st: stateOutside}
}

// Result is the outcome of feeding one chunk (or flushing) into the
// parser.
type Result struct {
	VisibleText string
	Events      []Event
}

// Push feeds one chunk of LLM output into the parser, returning the
// text that should be displayed immediately and any directives
// completed by this chunk. Backpressure: the parser retains only
// the pending tag-prefix buffer plus any directive body in progress —
// never the full chunk stream.
func (p *Parser) Push(chunk string) Result {
	r := &runner{p: p}
	// queue holds runes still waiting to be classified; a rune can be
	// requeued once (when a candidate diverges) so the re-scan never
	// loops more than len(input) extra times.
	queue := []rune(chunk)
	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]
		requeued := r.step(c)
		if len(requeued) > 0 {
			queue = append(requeued, queue...)
		}
	}
	return Result{VisibleText: r.out.String(), Events: r.events}
}

type runner struct {
	p      *Parser
	out    strings.Builder
	events []Event
}

// step advances the parser by exactly one rune, writing any now-settled
// visible text to r.out and any completed directive to r.events. It
// returns runes that must be re-examined from the start of the state
// machine (happens only when a candidate tag buffer diverges and its
// bytes need re-classifying, e.g. the first byte was itself a fresh
// "<").
func (r *runner) step(c rune) []rune {
	p := r.p
	switch p.st {
	case stateOutside:
		p.pending.WriteRune(c)
		candidate := p.pending.String()
		if k, ok := p.grammar.MatchOpenKind(candidate); ok {
			p.kind = k
			p.st = stateInsideDirective
			p.pending.Reset()
			return nil
		}
		if anyOpenTagHasPrefix(p.grammar, candidate) {
			p.st = stateCandidateOpen
			return nil
		}
		// Not a viable prefix. Emit the first byte (it can never start a
		// match together with what follows it, since the candidate that
		// included it already failed) and re-queue the remainder for a
		// fresh classification attempt.
		p.pending.Reset()
		runes := []rune(candidate)
		r.out.WriteRune(runes[0])
		return runes[1:]

	case stateCandidateOpen:
		p.pending.WriteRune(c)
		candidate := p.pending.String()
		if k, ok := p.grammar.MatchOpenKind(candidate); ok {
			p.kind = k
			p.st = stateInsideDirective
			p.pending.Reset()
			return nil
		}
		if anyOpenTagHasPrefix(p.grammar, candidate) {
			return nil
		}
		// Diverged: none of the open tags match this prefix any longer.
		// Emit the first byte (it cannot join with what follows to form a
		// match either, since this exact prefix already failed) and
		// re-queue the remainder for a fresh classification attempt, same
		// as the outside-state divergence above.
		p.pending.Reset()
		p.st = stateOutside
		runes := []rune(candidate)
		r.out.WriteRune(runes[0])
		return runes[1:]

	case stateInsideDirective:
		if p.pending.Len() == 0 && strings.HasPrefix(directive.CloseTag, string(c)) {
			p.pending.WriteRune(c)
			p.st = stateCandidateClose
			return nil
		}
		p.body.WriteRune(c)
		return nil

	case stateCandidateClose:
		p.pending.WriteRune(c)
		candidate := p.pending.String()
		if candidate == directive.CloseTag {
			p.completeDirective(&r.events)
			p.pending.Reset()
			p.st = stateOutside
			return nil
		}
		if strings.HasPrefix(directive.CloseTag, candidate) {
			return nil
		}
		// Diverged: the first buffered byte belongs to the directive
		// body. The rest is re-queued, since a close tag may still begin
		// inside it ("--" followed by "-->").
		p.pending.Reset()
		p.st = stateInsideDirective
		runes := []rune(candidate)
		p.body.WriteRune(runes[0])
		return runes[1:]
	}
	return nil
}

func anyOpenTagHasPrefix(g directive.Grammar, candidate string) bool {
	for _, k := range g.AllKinds() {
		tag := g.OpenTag(k)
		if strings.HasPrefix(tag, candidate) {
			return true
		}
	}
	return false
}

func (p *Parser) completeDirective(events *[]Event) {
	raw := p.body.String()
	p.body.Reset()
	d, ok := directive.ParseBody(p.kind, raw)
	if !ok {
		// Malformed directive body: drop silently, matching the batch
		// extractor's validation-rejection behavior.
		return
	}
	*events = append(*events, Event{Directive: d, Raw: raw})
}

// Flush ends the stream. Any incomplete candidate or in-progress
// directive is discarded; only fully-outside pending text (if any;
// there should be none once Push has fully drained its queue) is
// returned as visible.
func (p *Parser) Flush() Result {
	visible := ""
	if p.st == stateOutside {
		visible = p.pending.String()
	}
	p.pending.Reset()
	p.body.Reset()
	p.st = stateOutside
	return Result{VisibleText: visible}
}
