package manifest

import "testing"

func TestCopySectionRoundTrip(t *testing.T) {
	files := map[string]FileStatus{
		"/bin/bash":    Copy,
		"/tmp/out.csv": Result,
	}
	content, hasContent := formatCopySection(files)
	if !hasContent {
		t.Fatal("expected content for non-empty copy map")
	}

	var warnings []string
	got := ParseCopySection(content, func(w string) { warnings = append(warnings, w) })
	if len(warnings) != 0 {
		t.Errorf("unexpected warnings: %v", warnings)
	}
	if got["/bin/bash"] != Copy || got["/tmp/out.csv"] != Result {
		t.Errorf("got %v", got)
	}
}

func TestFormatCopySectionDropsNoLongerExist(t *testing.T) {
	files := map[string]FileStatus{"/gone": IgnoreNoLongerExist}
	content, hasContent := formatCopySection(files)
	if !hasContent {
		t.Fatal("expected hasContent true even if every line is dropped")
	}
	if content != "" {
		t.Errorf("content = %q, want empty (IgnoreNoLongerExist renders nothing)", content)
	}
}

func TestFormatCopySectionEmptyMapHasNoContent(t *testing.T) {
	if _, hasContent := formatCopySection(nil); hasContent {
		t.Errorf("expected hasContent=false for an empty copy map")
	}
}

func TestParseCopySectionWarnsOnInvalidLine(t *testing.T) {
	var warnings []string
	got := ParseCopySection("X /weird\nC /ok", func(w string) { warnings = append(warnings, w) })
	if len(warnings) != 1 {
		t.Fatalf("expected one warning, got %v", warnings)
	}
	if _, ok := got["/ok"]; !ok {
		t.Errorf("expected /ok to still be parsed")
	}
}

func TestManifestToFormatIncludesCopySection(t *testing.T) {
	m := New()
	m.CopyFiles["/bin/bash"] = Copy
	m.Cmd = []string{"Rscript", "analysis.R"}

	f, err := m.ToFormat()
	if err != nil {
		t.Fatal(err)
	}
	if s := f.Section("copy"); s == nil || s.Content != "C /bin/bash" {
		t.Errorf("copy section = %+v", s)
	}
	if s := f.Section("cmd"); s == nil || s.Content != "Rscript\nanalysis.R" {
		t.Errorf("cmd section = %+v", s)
	}
}
