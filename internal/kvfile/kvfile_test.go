package kvfile

import (
	"strings"
	"testing"
)

func TestParseOSRelease(t *testing.T) {
	const sample = `NAME="Ubuntu"
VERSION_ID="22.04"
# a comment
ID=ubuntu
EMPTY_IGNORED

VERSION="22.04.3 LTS (Jammy Jellyfish)"
`
	f, err := Parse(strings.NewReader(sample))
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := f.Get("NAME"); v != "Ubuntu" {
		t.Errorf("NAME = %q, want Ubuntu", v)
	}
	if v, _ := f.Get("ID"); v != "ubuntu" {
		t.Errorf("ID = %q, want ubuntu", v)
	}
	if v := f.GetOr("MISSING", "fallback"); v != "fallback" {
		t.Errorf("GetOr(MISSING) = %q, want fallback", v)
	}
}

func TestOpenMissingFile(t *testing.T) {
	f, ok, err := Open("/nonexistent/path/to/file")
	if err != nil {
		t.Fatalf("Open on missing file returned error: %v", err)
	}
	if ok || f != nil {
		t.Fatalf("Open on missing file should report ok=false, nil file")
	}
}
