package resolve

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/r-tooling/r4r/internal/filetrace"
	"github.com/r-tooling/r4r/internal/manifest"
	"github.com/r-tooling/r4r/internal/pathfs"
	"github.com/r-tooling/r4r/internal/trie"
)

func TestIgnoreResolverDropsWildcardMatches(t *testing.T) {
	wildcards := trie.New[bool]()
	wildcards.Insert("/proc", true)

	r := &IgnoreResolver{Wildcards: wildcards}
	files := map[string]filetrace.Info{
		"/proc/1/status": {},
		"/bin/bash":      {},
	}
	m := manifest.New()
	r.Resolve(files, map[string]string{}, m)

	if _, ok := files["/proc/1/status"]; ok {
		t.Errorf("expected /proc/1/status to be dropped")
	}
	if _, ok := files["/bin/bash"]; !ok {
		t.Errorf("expected /bin/bash to survive")
	}
}

func TestIgnoreFontUUIDFiles(t *testing.T) {
	if !IgnoreFontUUIDFiles("/usr/share/fonts/X11/.uuid") {
		t.Errorf("expected fontconfig .uuid file to be ignored")
	}
	if IgnoreFontUUIDFiles("/usr/share/fonts/X11/fonts.dir") {
		t.Errorf("non-.uuid file should not be ignored")
	}
}

func emptySymlinkMap(t *testing.T) *pathfs.SymlinkMap {
	t.Helper()
	m, err := pathfs.NewSymlinkMap(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestCopyResolverClassifiesResultAndCopy(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "existing.txt")
	created := filepath.Join(dir, "created.txt")
	if err := os.WriteFile(existing, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(created, []byte("y"), 0644); err != nil {
		t.Fatal(err)
	}

	files := map[string]filetrace.Info{
		existing: {Path: existing, ExistedBefore: true},
		created:  {Path: created, ExistedBefore: false},
	}
	m := manifest.New()
	r := &CopyResolver{}
	r.Resolve(files, map[string]string{}, m)

	if len(files) != 0 {
		t.Errorf("CopyResolver should claim every remaining file, got %v", files)
	}
	if m.CopyFiles[existing] != manifest.Copy {
		t.Errorf("existing file = %v, want Copy", m.CopyFiles[existing])
	}
	if m.CopyFiles[created] != manifest.Result {
		t.Errorf("created file = %v, want Result", m.CopyFiles[created])
	}
}

func TestCopyResolverDeclaredResultOverridesExistedBefore(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "existing.txt")
	if err := os.WriteFile(existing, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	files := map[string]filetrace.Info{existing: {Path: existing, ExistedBefore: true}}
	m := manifest.New()
	r := &CopyResolver{Results: map[string]bool{existing: true}}
	r.Resolve(files, map[string]string{}, m)

	if m.CopyFiles[existing] != manifest.Result {
		t.Errorf("declared result file = %v, want Result", m.CopyFiles[existing])
	}
}

func TestCopyResolverMissingFileIsIgnored(t *testing.T) {
	files := map[string]filetrace.Info{"/does/not/exist": {Path: "/does/not/exist"}}
	m := manifest.New()
	r := &CopyResolver{}
	r.Resolve(files, map[string]string{}, m)

	if m.CopyFiles["/does/not/exist"] != manifest.IgnoreNoLongerExist {
		t.Errorf("missing file = %v, want IgnoreNoLongerExist", m.CopyFiles["/does/not/exist"])
	}
}

func TestCopyResolverSymlinkKeptWhenTargetExists(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "target.txt")
	link := filepath.Join(dir, "link")
	if err := os.WriteFile(target, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(target, link); err != nil {
		t.Fatal(err)
	}

	symlinks := map[string]string{link: target}
	m := manifest.New()
	r := &CopyResolver{}
	r.Resolve(map[string]filetrace.Info{}, symlinks, m)

	if m.Symlinks[link] != target {
		t.Errorf("Symlinks[%s] = %q, want %q", link, m.Symlinks[link], target)
	}
}
