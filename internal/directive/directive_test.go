package directive

import "testing"

func TestGrammarOpenTag(t *testing.T) {
	g := NewGrammar("aster")
	if got := g.OpenTag(KindWrite); got != "<!--aster-write" {
		t.Errorf("OpenTag(write) = %q", got)
	}
	if got := g.OpenTag(KindProactive); got != "<!--aster-proactive" {
		t.Errorf("OpenTag(proactive) = %q", got)
	}
	if got := g.OpenTag(KindPrepare); got != "<!--aster-prepare" {
		t.Errorf("OpenTag(prepare) = %q", got)
	}
}

func TestMatchOpenKind(t *testing.T) {
	g := NewGrammar("aster")
	k, ok := g.MatchOpenKind("<!--aster-write file: journal.md")
	if !ok || k != KindWrite {
		t.Errorf("MatchOpenKind write = %v, %v", k, ok)
	}
	if _, ok := g.MatchOpenKind("<!--not-a-directive"); ok {
		t.Errorf("expected no match")
	}
}

func TestParseBodyWrite(t *testing.T) {
	body := "\nfile: memory/facts/color.md\naction: create\n---\ntype: fact\n---\nThe user's favorite color is teal.\n"
	d, ok := ParseBody(KindWrite, body)
	if !ok {
		t.Fatalf("expected ok")
	}
	if d.File != "memory/facts/color.md" || d.Action != ActionCreate {
		t.Errorf("unexpected directive: %+v", d)
	}
	if d.Frontmatter["type"] != "fact" {
		t.Errorf("frontmatter missing type: %+v", d.Frontmatter)
	}
	if d.Content != "The user's favorite color is teal." {
		t.Errorf("content = %q", d.Content)
	}
}

func TestParseBodyWriteMissingActionRejected(t *testing.T) {
	body := "\nfile: memory/facts/color.md\n\nSome content.\n"
	_, ok := ParseBody(KindWrite, body)
	if ok {
		t.Errorf("expected reject for missing action")
	}
}

func TestParseBodyWriteInvalidActionRejected(t *testing.T) {
	body := "\nfile: x.md\naction: delete\n\ncontent\n"
	_, ok := ParseBody(KindWrite, body)
	if ok {
		t.Errorf("expected reject for invalid action")
	}
}

func TestParseBodyProactive(t *testing.T) {
	d, ok := ParseBody(KindProactive, "\nHey, just checking in.\n")
	if !ok || d.Content != "Hey, just checking in." {
		t.Errorf("unexpected: %+v, %v", d, ok)
	}
}

func TestParseBodyProactiveEmptyRejected(t *testing.T) {
	if _, ok := ParseBody(KindProactive, "   \n"); ok {
		t.Errorf("expected reject for empty proactive message")
	}
}

func TestParseBodyPrepare(t *testing.T) {
	body := "\ntopic: quarterly review\nkeywords: [review, quarterly, metrics]\n---\nLast quarter's numbers are in memory/topics/q_review.md.\n"
	d, ok := ParseBody(KindPrepare, body)
	if !ok {
		t.Fatalf("expected ok")
	}
	if d.Topic != "quarterly review" {
		t.Errorf("topic = %q", d.Topic)
	}
	if len(d.Keywords) != 3 || d.Keywords[0] != "review" {
		t.Errorf("keywords = %v", d.Keywords)
	}
}

func TestParseBodyPrepareMissingTopicRejected(t *testing.T) {
	if _, ok := ParseBody(KindPrepare, "\nkeywords: [a]\n\ncontent\n"); ok {
		t.Errorf("expected reject for missing topic")
	}
}
