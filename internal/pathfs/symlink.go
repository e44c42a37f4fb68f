// Package pathfs provides filesystem helpers the resolver chain and file
// tracer share: root-level symlink equivalence expansion and accessibility
// probing.
package pathfs

import (
	"os"
	"path/filepath"
	"strings"
)

// IsSubPath reports whether path is lexically inside base (path == base
// counts as inside).
func IsSubPath(path, base string) bool {
	base = strings.TrimSuffix(base, "/")
	if path == base {
		return true
	}
	return strings.HasPrefix(path, base+"/")
}

// SymlinkMap records root-level directory symlinks (e.g. /lib -> /usr/lib)
// discovered once at construction. It is immutable thereafter; if the
// filesystem changes underneath a running process, Resolve silently
// degrades to returning the path unchanged rather than erroring.
type SymlinkMap struct {
	// link -> target, both absolute, target is a directory that existed
	// and was readable at construction time.
	pairs map[string]string
}

// NewSymlinkMap enumerates the entries of root (default "/" when empty) and
// records every symlink whose target is an accessible directory.
func NewSymlinkMap(root string) (*SymlinkMap, error) {
	if root == "" {
		root = "/"
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	pairs := make(map[string]string)
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.Mode()&os.ModeSymlink == 0 {
			continue
		}
		link := filepath.Join(root, e.Name())
		target, err := os.Readlink(link)
		if err != nil {
			continue
		}
		if !filepath.IsAbs(target) {
			target = filepath.Clean(filepath.Join(root, target))
		}
		fi, err := os.Stat(target)
		if err != nil || !fi.IsDir() {
			continue
		}
		pairs[link] = target
	}
	return &SymlinkMap{pairs: pairs}, nil
}

// sameFile reports whether a and b refer to the same inode, tolerating
// either side being missing.
func sameFile(a, b string) bool {
	fa, err := os.Lstat(a)
	if err != nil {
		return false
	}
	fb, err := os.Lstat(b)
	if err != nil {
		return false
	}
	return os.SameFile(fa, fb)
}

// Resolve returns the set of paths equivalent to path under root-level
// symlink aliasing, always including path itself. It never returns an
// error: an unreadable path or broken link is silently skipped, matching
// the original's "always return at least {path}" contract.
func (m *SymlinkMap) Resolve(path string) map[string]bool {
	result := make(map[string]bool)
	queue := []string{path}

	test := func(p, a, b string) (string, bool) {
		if !IsSubPath(p, b) {
			return "", false
		}
		rel := strings.TrimPrefix(p, b)
		rel = strings.TrimPrefix(rel, "/")
		candidate := filepath.Join(a, rel)
		if _, err := os.Lstat(candidate); err != nil {
			return "", false
		}
		if !sameFile(candidate, p) {
			return "", false
		}
		return candidate, true
	}

	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		if result[p] {
			continue
		}
		result[p] = true

		for link, target := range m.pairs {
			if c, ok := test(p, link, target); ok {
				queue = append(queue, c)
				continue
			}
			if c, ok := test(p, target, link); ok {
				queue = append(queue, c)
			}
		}

		if fi, err := os.Lstat(p); err == nil && fi.Mode()&os.ModeSymlink != 0 {
			if target, err := os.Readlink(p); err == nil {
				if !filepath.IsAbs(target) {
					target = filepath.Clean(filepath.Join(filepath.Dir(p), target))
				}
				queue = append(queue, target)
			}
		}
	}

	return result
}
