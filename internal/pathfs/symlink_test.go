package pathfs

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveSymlinksClosure(t *testing.T) {
	root := t.TempDir()
	real := filepath.Join(root, "real")
	if err := os.Mkdir(real, 0755); err != nil {
		t.Fatal(err)
	}
	f := filepath.Join(real, "f")
	if err := os.WriteFile(f, []byte("hi"), 0644); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(root, "link")
	if err := os.Symlink(real, link); err != nil {
		t.Fatal(err)
	}

	m, err := NewSymlinkMap(root)
	if err != nil {
		t.Fatal(err)
	}

	got := m.Resolve(f)
	want := map[string]bool{
		f: true,
		filepath.Join(link, "f"): true,
	}
	for p := range want {
		if !got[p] {
			t.Errorf("Resolve(%q) missing %q; got %v", f, p, got)
		}
	}
}

func TestIsSubPath(t *testing.T) {
	cases := []struct {
		path, base string
		want       bool
	}{
		{"/usr/lib/x", "/usr/lib", true},
		{"/usr/lib", "/usr/lib", true},
		{"/usr/libexec", "/usr/lib", false},
		{"/etc", "/usr/lib", false},
	}
	for _, c := range cases {
		if got := IsSubPath(c.path, c.base); got != c.want {
			t.Errorf("IsSubPath(%q, %q) = %v, want %v", c.path, c.base, got, c.want)
		}
	}
}
