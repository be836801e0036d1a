package workspace

import "testing"

func TestParseMemoryFileNoFrontmatter(t *testing.T) {
	raw := "# Just a heading\n\nSome body text."
	mf, warned := ParseMemoryFile(raw)
	if warned {
		t.Errorf("unexpected warning")
	}
	if mf.Frontmatter != nil {
		t.Errorf("expected nil frontmatter, got %+v", mf.Frontmatter)
	}
	if mf.Body != raw {
		t.Errorf("body mismatch: %q", mf.Body)
	}
}

func TestParseMemoryFileWithFrontmatter(t *testing.T) {
	raw := "---\ncreated: 2026-01-01T00:00:00Z\ntype: fact\ntags: [a, b]\n---\nBody content.\n"
	mf, warned := ParseMemoryFile(raw)
	if warned {
		t.Errorf("unexpected warning")
	}
	if mf.Frontmatter == nil {
		t.Fatalf("expected frontmatter, got nil")
	}
	if mf.Frontmatter.Type != "fact" {
		t.Errorf("type = %q, want fact", mf.Frontmatter.Type)
	}
	if len(mf.Frontmatter.Tags) != 2 {
		t.Errorf("tags = %v", mf.Frontmatter.Tags)
	}
	if mf.Body != "Body content.\n" {
		t.Errorf("body = %q", mf.Body)
	}
}

func TestParseMemoryFileBareHorizontalRule(t *testing.T) {
	// A plain markdown thematic break: "---" with nothing resembling
	// key: value lines before the next "---".
	raw := "---\n\n---\nRest of the document.\n"
	mf, _ := ParseMemoryFile(raw)
	if mf.Frontmatter != nil {
		t.Errorf("expected HR to be treated as body, got frontmatter %+v", mf.Frontmatter)
	}
	if mf.Body != raw {
		t.Errorf("body should be unchanged: %q", mf.Body)
	}
}

func TestParseMemoryFileUnclosedFrontmatterFallsBackToBody(t *testing.T) {
	raw := "---\ncreated: 2026-01-01\nno closing fence here"
	mf, warned := ParseMemoryFile(raw)
	if warned {
		t.Errorf("unexpected warning for simply-unclosed block")
	}
	if mf.Frontmatter != nil {
		t.Errorf("expected fallback, got frontmatter")
	}
	if mf.Body != raw {
		t.Errorf("body mismatch")
	}
}

func TestParseMemoryFileMalformedYAMLFallsBack(t *testing.T) {
	raw := "---\nkey: [unterminated\n---\nbody\n"
	mf, warned := ParseMemoryFile(raw)
	if !warned {
		t.Errorf("expected a fallback warning for malformed YAML")
	}
	if mf.Frontmatter != nil {
		t.Errorf("expected nil frontmatter on malformed YAML")
	}
	if mf.Body != raw {
		t.Errorf("body mismatch on fallback")
	}
}

func TestRoundTripSerializeParse(t *testing.T) {
	mf := MemoryFile{
		Frontmatter: &Frontmatter{Type: "fact", Tags: []string{"x"}},
		Body:        "The body.\n",
	}
	serialized, err := SerializeMemoryFile(mf)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	parsed, warned := ParseMemoryFile(serialized)
	if warned {
		t.Errorf("unexpected warning on round trip")
	}
	if parsed.Frontmatter == nil || parsed.Frontmatter.Type != "fact" {
		t.Errorf("round trip lost frontmatter: %+v", parsed.Frontmatter)
	}
	if parsed.Body != mf.Body {
		t.Errorf("round trip body mismatch: %q vs %q", parsed.Body, mf.Body)
	}
}
