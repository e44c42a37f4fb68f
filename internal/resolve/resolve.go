// Package resolve implements the fixed-order resolver chain that turns a
// raw traced file set into a Manifest: Ignore, then System package, then
// Language package, then Copy.
//
// Grounded on the original tool's resolvers.h and ignore_file_map.h.
package resolve

import (
	"log"
	"os"
	"strings"

	"github.com/r-tooling/r4r/internal/dpkg"
	"github.com/r-tooling/r4r/internal/filetrace"
	"github.com/r-tooling/r4r/internal/langpkg"
	"github.com/r-tooling/r4r/internal/manifest"
	"github.com/r-tooling/r4r/internal/pathfs"
	"github.com/r-tooling/r4r/internal/trie"
)

// Resolver claims files and symlinks out of the traced sets, recording its
// verdict into the manifest under construction.
type Resolver interface {
	Resolve(files map[string]filetrace.Info, symlinks map[string]string, m *manifest.Manifest)
}

// Run executes the fixed resolver chain in order against files and
// symlinks, mutating m. files and symlinks are drained as each resolver
// claims entries; whatever is left after the last resolver (the Copy
// resolver, which claims everything) is a bug, not a valid end state.
func Run(resolvers []Resolver, files map[string]filetrace.Info, symlinks map[string]string, m *manifest.Manifest) {
	for _, r := range resolvers {
		r.Resolve(files, symlinks, m)
	}
}

func logger(l *log.Logger) *log.Logger {
	if l != nil {
		return l
	}
	return log.Default()
}

// IgnoreResolver drops files matching a configured wildcard-prefix trie,
// an exact-path trie, or any custom predicate. Matches are checked against
// every symlink-equivalent path, not just the literal one. Dropped entries
// leave no trace in the manifest.
type IgnoreResolver struct {
	Wildcards *trie.Trie[bool]
	Files     *trie.Trie[bool]
	Custom    []func(string) bool
	Symlinks  *pathfs.SymlinkMap
}

// DefaultWildcards returns the trie of paths ignored unconditionally,
// matching the original's kDefaultIgnoredFiles.
func DefaultWildcards() *trie.Trie[bool] {
	t := trie.New[bool]()
	for _, p := range []string{
		"/dev",
		"/etc/ld.so.cache",
		"/etc/nsswitch.conf",
		"/etc/passwd",
		"/proc",
		"/sys",
		"/usr/lib/locale/locale-archive",
		"/usr/local/share/fonts",
		"/var/cache",
	} {
		t.Insert(p, true)
	}
	return t
}

// IgnoreFontUUIDFiles drops fontconfig's generated ".uuid" marker files,
// which are machine-specific and regenerated on demand.
func IgnoreFontUUIDFiles(path string) bool {
	dirs := []string{"/usr/share/fonts", "/usr/share/poppler", "/usr/share/texmf/fonts"}
	for _, d := range dirs {
		if pathfs.IsSubPath(path, d) && strings.HasSuffix(path, "/.uuid") {
			return true
		}
	}
	return false
}

func (r *IgnoreResolver) ignore(path string) bool {
	paths := map[string]bool{path: true}
	if r.Symlinks != nil {
		paths = r.Symlinks.Resolve(path)
	}
	for p := range paths {
		if r.Wildcards != nil {
			if v, ok := r.Wildcards.FindLongestPrefix(p); ok && v {
				return true
			}
		}
		if r.Files != nil {
			if v, ok := r.Files.Find(p); ok && v {
				return true
			}
		}
		for _, c := range r.Custom {
			if c(p) {
				return true
			}
		}
	}
	return false
}

func (r *IgnoreResolver) Resolve(files map[string]filetrace.Info, symlinks map[string]string, _ *manifest.Manifest) {
	for path := range files {
		if r.ignore(path) {
			delete(files, path)
		}
	}
	for link := range symlinks {
		if r.ignore(link) {
			delete(symlinks, link)
		}
	}
}

// SystemPackageResolver claims files owned by an installed system package.
type SystemPackageResolver struct {
	DB       *dpkg.DB
	Symlinks *pathfs.SymlinkMap
	// ExcludeNameSubstrings lists package-name substrings that must never
	// be claimed, e.g. "rstudio" and "bslib" in the original -- left
	// hardcoded there, made a configurable list here.
	ExcludeNameSubstrings []string
	Logger                *log.Logger
}

func (r *SystemPackageResolver) excluded(name string) bool {
	for _, s := range r.ExcludeNameSubstrings {
		if strings.Contains(name, s) {
			return true
		}
	}
	return false
}

func (r *SystemPackageResolver) resolve(path string, m *manifest.Manifest) bool {
	for p := range r.Symlinks.Resolve(path) {
		if fi, err := os.Lstat(p); err == nil && !fi.Mode().IsRegular() {
			logger(r.Logger).Printf("resolve: %s is not a regular file", p)
		}
		pkg, ok := r.DB.LookupByPath(p)
		if !ok {
			continue
		}
		if r.excluded(pkg.Name) {
			continue
		}
		m.SystemPackages[pkg] = struct{}{}
		return true
	}
	return false
}

func (r *SystemPackageResolver) Resolve(files map[string]filetrace.Info, symlinks map[string]string, m *manifest.Manifest) {
	for path := range files {
		if r.resolve(path, m) {
			delete(files, path)
		}
	}
	for link := range symlinks {
		if r.resolve(link, m) {
			delete(symlinks, link)
		}
	}
}

// LanguagePackageResolver claims files owned by an installed
// language-runtime package. Unlike SystemPackageResolver it never claims
// symlinks -- R packages don't install symlinks the trace needs to
// preserve, so the original leaves the symlink stream untouched here.
type LanguagePackageResolver struct {
	DB       *langpkg.DB
	Symlinks *pathfs.SymlinkMap
	Logger   *log.Logger
}

func (r *LanguagePackageResolver) Resolve(files map[string]filetrace.Info, _ map[string]string, m *manifest.Manifest) {
	for path := range files {
		for p := range r.Symlinks.Resolve(path) {
			pkg, ok := r.DB.LookupByPath(p)
			if !ok {
				continue
			}
			m.LangPackages[pkg] = struct{}{}
			delete(files, path)
			break
		}
	}
}

// CopyResolver is the terminal resolver: it claims everything left,
// classifying every remaining file and symlink into a final FileStatus.
type CopyResolver struct {
	// Results is the set of absolute paths declared as run outputs; a
	// match is always Result regardless of whether the file existed
	// before the run.
	Results map[string]bool
	Logger  *log.Logger
}

func (r *CopyResolver) Resolve(files map[string]filetrace.Info, symlinks map[string]string, m *manifest.Manifest) {
	for path, info := range files {
		delete(files, path)
		m.CopyFiles[path] = r.classify(path, info)
	}

	for link, target := range symlinks {
		delete(symlinks, link)
		fi, err := os.Lstat(link)
		if err != nil || fi.Mode()&os.ModeSymlink == 0 {
			logger(r.Logger).Printf("resolve: traced symlink %s is not a symlink anymore", link)
			continue
		}
		if _, err := os.Stat(target); err != nil {
			logger(r.Logger).Printf("resolve: symlink %s target %s no longer exists", link, target)
			continue
		}
		m.Symlinks[link] = target
	}
}

func (r *CopyResolver) classify(path string, info filetrace.Info) manifest.FileStatus {
	if r.Results[path] {
		return manifest.Result
	}

	switch pathfs.CheckAccessibility(path) {
	case pathfs.DoesNotExist:
		return manifest.IgnoreNoLongerExist
	case pathfs.InsufficientPermission:
		return manifest.IgnoreNotAccessible
	}

	shouldConsider := isRegularFollowingSymlink(path)
	if !shouldConsider {
		return manifest.IgnoreIsDirectory
	}

	if info.ExistedBefore {
		return manifest.Copy
	}
	return manifest.Result
}

func isRegularFollowingSymlink(path string) bool {
	fi, err := os.Lstat(path)
	if err != nil {
		return false
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		target, err := os.Stat(path)
		if err != nil {
			return false
		}
		return target.Mode().IsRegular()
	}
	return fi.Mode().IsRegular()
}
