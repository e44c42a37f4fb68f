package manifest

import (
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/google/renameio"
	"github.com/r-tooling/r4r/internal/dpkg"
	"github.com/r-tooling/r4r/internal/langpkg"
	"golang.org/x/xerrors"
)

// FileStatus is the resolved disposition of one traced file, once every
// resolver in the chain has had a chance to claim it.
type FileStatus int

const (
	// Copy means the file existed before the run and should be copied
	// into the reproduced image verbatim.
	Copy FileStatus = iota
	// Result means the program created the file; it is an output, not an
	// input, and is not copied into the image.
	Result
	IgnoreDidNotExistBefore
	IgnoreNoLongerExist
	IgnoreNotAccessible
	IgnoreIsCwd
	IgnoreIsDirectory
)

func (s FileStatus) String() string {
	switch s {
	case Copy:
		return "Copy"
	case Result:
		return "Result file"
	case IgnoreDidNotExistBefore:
		return "Ignore, did not exist before"
	case IgnoreNoLongerExist:
		return "Ignore, no longer exists"
	case IgnoreNotAccessible:
		return "Ignore, not accessible"
	case IgnoreIsCwd:
		return "Ignore, it is the current working directory"
	case IgnoreIsDirectory:
		return "Ignore, it is a directory"
	default:
		return "Unknown"
	}
}

// User is the identity the traced command ran as.
type User struct {
	UID, GID       int
	Name, Group    string
	HomeDir, Shell string
}

// Manifest is the sole artifact leaving the core: a typed snapshot of the
// traced run's environment plus the resolver chain's verdict on every file
// it touched.
//
// Grounded on the original tool's manifest.h.
type Manifest struct {
	Cmd          []string
	Cwd          string
	Env          map[string]string
	User         User
	Timezone     string
	Distribution string

	CopyFiles      map[string]FileStatus
	SystemPackages map[*dpkg.Package]struct{}
	LangPackages   map[*langpkg.Package]struct{}
	// Symlinks is link path -> target path, for every preserved symlink.
	Symlinks map[string]string
}

// New returns an empty Manifest with every map initialized.
func New() *Manifest {
	return &Manifest{
		Env:            make(map[string]string),
		CopyFiles:      make(map[string]FileStatus),
		SystemPackages: make(map[*dpkg.Package]struct{}),
		LangPackages:   make(map[*langpkg.Package]struct{}),
		Symlinks:       make(map[string]string),
	}
}

// ToFormat renders the manifest into the named-section document format.
func (m *Manifest) ToFormat() (*Format, error) {
	f := NewFormat()
	if _, err := f.AddSection("cmd", strings.Join(m.Cmd, "\n")); err != nil {
		return nil, err
	}
	if _, err := f.AddSection("cwd", m.Cwd); err != nil {
		return nil, err
	}

	var envLines []string
	for k, v := range m.Env {
		envLines = append(envLines, k+"="+v)
	}
	sort.Strings(envLines)
	if _, err := f.AddSection("env", strings.Join(envLines, "\n")); err != nil {
		return nil, err
	}

	userLines := []string{
		"uid=" + strconv.Itoa(m.User.UID),
		"gid=" + strconv.Itoa(m.User.GID),
		"name=" + m.User.Name,
		"group=" + m.User.Group,
		"home=" + m.User.HomeDir,
		"shell=" + m.User.Shell,
	}
	if _, err := f.AddSection("user", strings.Join(userLines, "\n")); err != nil {
		return nil, err
	}

	if _, err := f.AddSection("timezone", m.Timezone); err != nil {
		return nil, err
	}
	if _, err := f.AddSection("distribution", m.Distribution); err != nil {
		return nil, err
	}

	var pkgLines []string
	for pkg := range m.SystemPackages {
		pkgLines = append(pkgLines, "deb "+pkg.Name+" "+pkg.Version)
	}
	for pkg := range m.LangPackages {
		pkgLines = append(pkgLines, "lang "+pkg.Name+" "+pkg.Version)
	}
	sort.Strings(pkgLines)
	if _, err := f.AddSection("packages", strings.Join(pkgLines, "\n")); err != nil {
		return nil, err
	}

	var linkLines []string
	for link, target := range m.Symlinks {
		linkLines = append(linkLines, link+" -> "+target)
	}
	sort.Strings(linkLines)
	if _, err := f.AddSection("symlinks", strings.Join(linkLines, "\n")); err != nil {
		return nil, err
	}

	content, hasContent := formatCopySection(m.CopyFiles)
	if hasContent {
		section, err := f.AddSection("copy", "")
		if err != nil {
			return nil, err
		}
		section.Content = content
	}

	return f, nil
}

// formatCopySection renders the copy section exactly as
// CopyFilesManifestSection::save does: one path per line prefixed with a
// single-letter status, paths sorted for deterministic output, statuses
// other than Copy/Result/IgnoreNoLongerExist rendered as a trailing
// comment so the section still round-trips through ParseCopySection.
func formatCopySection(files map[string]FileStatus) (string, bool) {
	if len(files) == 0 {
		return "", false
	}
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var lines []string
	for _, p := range paths {
		switch status := files[p]; status {
		case Copy:
			lines = append(lines, "C "+p)
		case Result:
			lines = append(lines, "R "+p)
		case IgnoreNoLongerExist:
			// nothing left to act on.
		default:
			lines = append(lines, "# "+p+" # "+status.String())
		}
	}
	return strings.Join(lines, "\n"), true
}

// ParseCopySection parses the "copy" section's content back into a
// path -> FileStatus map: lines beginning with "C" are Copy, "R" are
// Result, anything else is a warning and is dropped.
func ParseCopySection(content string, warn func(string)) map[string]FileStatus {
	files := make(map[string]FileStatus)
	for _, line := range strings.Split(content, "\n") {
		if line == "" {
			continue
		}
		var status FileStatus
		switch {
		case strings.HasPrefix(line, "C"):
			status = Copy
		case strings.HasPrefix(line, "R"):
			status = Result
		default:
			if warn != nil {
				warn("invalid manifest line: " + line)
			}
			continue
		}

		path := strings.TrimSpace(line[1:])
		if strings.HasPrefix(path, `"`) {
			if strings.HasSuffix(path, `"`) && len(path) >= 2 {
				path = path[1 : len(path)-1]
			} else {
				if warn != nil {
					warn("invalid path: " + path)
				}
				continue
			}
		}
		files[path] = status
	}
	return files
}

// FromFormat reconstructs a Manifest from a parsed Format document. The
// "copy", "cmd", "cwd", "timezone", and "distribution" sections are read
// back in full; the "packages" section is read back as name and version
// only; the "env", "user", and "symlinks" sections are not read back.
func FromFormat(f *Format, warn func(string)) (*Manifest, error) {
	m := New()
	if s := f.Section("copy"); s != nil {
		m.CopyFiles = ParseCopySection(s.Content, warn)
	}
	if s := f.Section("packages"); s != nil {
		for _, line := range strings.Split(s.Content, "\n") {
			fields := strings.Fields(line)
			if len(fields) != 3 {
				continue
			}
			switch fields[0] {
			case "deb":
				m.SystemPackages[&dpkg.Package{Name: fields[1], Version: fields[2]}] = struct{}{}
			case "lang":
				m.LangPackages[&langpkg.Package{Name: fields[1], Version: fields[2]}] = struct{}{}
			}
		}
	}
	if s := f.Section("cmd"); s != nil && s.Content != "" {
		m.Cmd = strings.Split(s.Content, "\n")
	}
	if s := f.Section("cwd"); s != nil {
		m.Cwd = s.Content
	}
	if s := f.Section("timezone"); s != nil {
		m.Timezone = s.Content
	}
	if s := f.Section("distribution"); s != nil {
		m.Distribution = s.Content
	}
	return m, nil
}

// Save atomically writes the manifest's rendered form to path using
// rename-on-write semantics, so a concurrent reader (or a crash mid-write)
// never observes a partial file.
func Save(path string, m *Manifest) error {
	f, err := m.ToFormat()
	if err != nil {
		return xerrors.Errorf("rendering manifest: %w", err)
	}
	var buf strings.Builder
	if err := f.Write(&buf); err != nil {
		return xerrors.Errorf("writing manifest: %w", err)
	}
	return renameio.WriteFile(path, []byte(buf.String()), 0644)
}

// Load reads back a manifest previously written by Save.
func Load(path string) (*Manifest, error) {
	r, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("opening manifest: %w", err)
	}
	defer r.Close()

	f, err := ParseFormat(r)
	if err != nil {
		return nil, xerrors.Errorf("parsing manifest: %w", err)
	}
	return FromFormat(f, nil)
}
