package manifest

import (
	"strings"
	"testing"
)

func TestFormatWriteAndParseRoundTrip(t *testing.T) {
	f := NewFormat()
	if _, err := f.AddSection("copy", "C /bin/bash\nR /tmp/out.csv"); err != nil {
		t.Fatal(err)
	}

	var buf strings.Builder
	if err := f.Write(&buf); err != nil {
		t.Fatal(err)
	}

	parsed, err := ParseFormat(strings.NewReader(buf.String()))
	if err != nil {
		t.Fatal(err)
	}
	s := parsed.Section("copy")
	if s == nil {
		t.Fatal("expected copy section after round trip")
	}
	if s.Content != "C /bin/bash\nR /tmp/out.csv" {
		t.Errorf("Content = %q", s.Content)
	}
}

func TestParseFormatStripsCommentsAndBlankLines(t *testing.T) {
	doc := "copy:\n  C /bin/bash # kept\n\n  # whole line comment\n  R /tmp/out\n"
	f, err := ParseFormat(strings.NewReader(doc))
	if err != nil {
		t.Fatal(err)
	}
	s := f.Section("copy")
	if s == nil {
		t.Fatal("expected copy section")
	}
	want := "C /bin/bash\nR /tmp/out"
	if s.Content != want {
		t.Errorf("Content = %q, want %q", s.Content, want)
	}
}

func TestAddSectionRejectsInvalidOrDuplicateNames(t *testing.T) {
	f := NewFormat()
	if _, err := f.AddSection("1bad", "x"); err == nil {
		t.Errorf("expected error for section name starting with a digit")
	}
	if _, err := f.AddSection("ok", "x"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.AddSection("ok", "y"); err == nil {
		t.Errorf("expected error for duplicate section name")
	}
}

func TestParseFormatContentBeforeSectionIsError(t *testing.T) {
	if _, err := ParseFormat(strings.NewReader("stray content\n")); err == nil {
		t.Errorf("expected error for content line before any section header")
	}
}
