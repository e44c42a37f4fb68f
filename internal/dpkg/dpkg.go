// Package dpkg builds an in-memory database of installed Debian packages:
// the installed-package listing from `dpkg -l`, cross-checked against
// cached repository indices, and a path->package trie built from each
// package's owned-files list.
//
// Grounded on the original tool's dpkg_database.h, rendered in the style of
// distri's internal/repo reader (external-tool invocation + text parsing
// feeding a path trie).
package dpkg

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/r-tooling/r4r/internal/trie"
	"golang.org/x/xerrors"
)

// Package describes one installed system package.
type Package struct {
	Name string
	// Version as reported by the package manager.
	Version string
	// Arch is the package's architecture qualifier, if any (e.g. "amd64" in
	// "libc6:amd64"). Empty when the package name is unqualified.
	Arch string
	// InSourceList is true when a cached repository index was found
	// listing this exact (name, version), i.e. the package can be
	// re-fetched rather than having been installed from a standalone .deb.
	// Always true unless manually-installed detection was requested.
	InSourceList bool
}

// DB is an installed-package database: name -> *Package, plus a
// path -> *Package trie built from each package's file list.
type DB struct {
	byName map[string]*Package
	files  *trie.Trie[*Package]
}

// Options configures database construction.
type Options struct {
	// ListFilesDir is where dpkg keeps each package's owned-files list,
	// e.g. /var/lib/dpkg/info/<pkg>.list. Defaults to
	// /var/lib/dpkg/info when empty.
	ListFilesDir string
	// SourceListsDir, when DetectManuallyInstalled is set, is scanned for
	// cached repository indices (*_Packages, optionally .gz/.xz/.lz4).
	// Defaults to /var/lib/apt/lists when empty.
	SourceListsDir string
	// DetectManuallyInstalled, when true, drops every installed package
	// that isn't backed by a cached repository index matching its exact
	// version -- such a package cannot be reproducibly re-fetched and is
	// better left to the copy resolver.
	DetectManuallyInstalled bool
	// Logger receives warnings for unparseable lines and missing list
	// files. Defaults to log.Default().
	Logger *log.Logger
	// listPackages is overridable by tests to avoid shelling out to dpkg.
	listPackages func() ([]byte, error)
}

func (o *Options) logger() *log.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return log.Default()
}

// Load builds a Package database for the running system.
func Load(opts Options) (*DB, error) {
	if opts.ListFilesDir == "" {
		opts.ListFilesDir = "/var/lib/dpkg/info"
	}
	if opts.SourceListsDir == "" {
		opts.SourceListsDir = "/var/lib/apt/lists"
	}
	listFn := opts.listPackages
	if listFn == nil {
		listFn = runDpkgList
	}

	out, err := listFn()
	if err != nil {
		return nil, xerrors.Errorf("listing installed packages: %w", err)
	}
	packages, err := ParseDpkgListOutput(bytes.NewReader(out), opts.logger())
	if err != nil {
		return nil, err
	}

	if opts.DetectManuallyInstalled {
		if err := crossCheckSourceLists(packages, opts.SourceListsDir, opts.logger()); err != nil {
			return nil, xerrors.Errorf("cross-checking source lists: %w", err)
		}
		for name, pkg := range packages {
			if !pkg.InSourceList {
				opts.logger().Printf("dpkg: package %s %s is not in a source list, removing it; "+
					"if tracing detects its files they will be copied directly", name, pkg.Version)
				delete(packages, name)
			}
		}
	}

	files := trie.New[*Package]()
	files.Logger = opts.logger()
	for name, pkg := range packages {
		listFile := filepath.Join(opts.ListFilesDir, name+".list")
		fi, err := os.Stat(listFile)
		if err != nil || !fi.Mode().IsRegular() {
			opts.logger().Printf("dpkg: package %s list file %s does not exist", name, listFile)
			continue
		}
		if err := insertPackageFiles(files, listFile, pkg); err != nil {
			return nil, err
		}
	}

	return &DB{byName: packages, files: files}, nil
}

func runDpkgList() ([]byte, error) {
	cmd := exec.Command("dpkg", "-l")
	out, err := cmd.Output()
	if err != nil {
		return nil, xerrors.Errorf("running dpkg -l: %w", err)
	}
	return out, nil
}

// ParseDpkgListOutput parses the fixed-column output of `dpkg -l`: a
// variable-length header terminated by a "+++-..." sentinel line, followed
// by one status/name/version line per package. Only "ii" (fully installed)
// lines are kept.
func ParseDpkgListOutput(r io.Reader, logger *log.Logger) (map[string]*Package, error) {
	packages := make(map[string]*Package)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	foundSentinel := false
	for sc.Scan() {
		if strings.HasPrefix(sc.Text(), "+++-") {
			foundSentinel = true
			break
		}
	}
	if !foundSentinel {
		return packages, nil
	}

	for sc.Scan() {
		line := sc.Text()
		fields := strings.Fields(line)
		if len(fields) < 3 {
			logger.Printf("dpkg: failed to parse line from dpkg -l: %q", line)
			continue
		}
		status, name, version := fields[0], fields[1], fields[2]
		if status != "ii" {
			continue
		}
		var arch string
		if idx := strings.IndexByte(name, ':'); idx >= 0 {
			arch = name[idx+1:]
		}
		packages[name] = &Package{Name: name, Version: version, Arch: arch, InSourceList: true}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return packages, nil
}

var packagesIndexRE = regexp.MustCompile(`(.+_Packages)(\.(gz|lz4|xz))?$`)

func crossCheckSourceLists(packages map[string]*Package, dir string, logger *log.Logger) error {
	for name := range packages {
		packages[name].InSourceList = false
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, e := range entries {
		if !packagesIndexRE.MatchString(e.Name()) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		r, closeFn, err := openCompressed(path)
		if err != nil {
			logger.Printf("dpkg: skipping unreadable index %s: %v", path, err)
			continue
		}
		err = markInSourceList(packages, r)
		closeFn()
		if err != nil {
			return xerrors.Errorf("parsing index %s: %w", path, err)
		}
	}
	return nil
}

// openCompressed decompresses path through the tool matching its suffix.
// .gz is handled in-process with compress/gzip; .xz and .lz4 shell out to
// the matching system tool, mirroring the original's Command-based
// decompression (this remains a thin wrapper around an external
// collaborator per spec: format-specific decompression is out of core
// scope).
func openCompressed(path string) (io.Reader, func(), error) {
	switch {
	case strings.HasSuffix(path, ".gz"):
		f, err := os.Open(path)
		if err != nil {
			return nil, nil, err
		}
		zr, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, nil, err
		}
		return zr, func() { zr.Close(); f.Close() }, nil
	case strings.HasSuffix(path, ".xz"):
		return runDecompressor("xzcat", path)
	case strings.HasSuffix(path, ".lz4"):
		return runDecompressor("lz4", path, "-cd")
	default:
		f, err := os.Open(path)
		if err != nil {
			return nil, nil, err
		}
		return f, func() { f.Close() }, nil
	}
}

func runDecompressor(tool, path string, extraArgs ...string) (io.Reader, func(), error) {
	args := append(append([]string{}, extraArgs...), path)
	cmd := exec.Command(tool, args...)
	out, err := cmd.Output()
	if err != nil {
		return nil, nil, xerrors.Errorf("running %s: %w", tool, err)
	}
	return bytes.NewReader(out), func() {}, nil
}

// markInSourceList parses an RFC822-style Packages index (blank-line
// separated records of "Key: value" lines) and sets InSourceList on any
// package whose name (optionally suffixed ":<arch>") and version match.
func markInSourceList(packages map[string]*Package, r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	var name, version, arch string
	flush := func() {
		if name == "" || version == "" || arch == "" {
			return
		}
		pkg, ok := packages[name]
		if !ok {
			pkg, ok = packages[name+":"+arch]
		}
		if ok && pkg.Version == version {
			pkg.InSourceList = true
		}
	}

	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "Package: "):
			flush()
			name = strings.TrimSpace(strings.TrimPrefix(line, "Package: "))
			version, arch = "", ""
		case strings.HasPrefix(line, "Version: ") && version == "":
			version = strings.TrimSpace(strings.TrimPrefix(line, "Version: "))
		case strings.HasPrefix(line, "Architecture: ") && arch == "":
			arch = strings.TrimSpace(strings.TrimPrefix(line, "Architecture: "))
		}
		if name != "" && version != "" && arch != "" {
			flush()
			name, version, arch = "", "", ""
		}
	}
	return sc.Err()
}

func insertPackageFiles(files *trie.Trie[*Package], listFile string, pkg *Package) error {
	f, err := os.Open(listFile)
	if err != nil {
		return xerrors.Errorf("opening %s: %w", listFile, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		files.Insert(line, pkg)
	}
	return sc.Err()
}

// LookupByPath returns the package owning path exactly, if any.
func (db *DB) LookupByPath(path string) (*Package, bool) {
	pkg, ok := db.files.Find(path)
	return pkg, ok
}

// LookupByName returns the package named name, retrying with a host-arch
// suffix (e.g. "libfoo:amd64") if the unqualified name isn't installed.
func (db *DB) LookupByName(name, hostArch string) (*Package, bool) {
	if pkg, ok := db.byName[name]; ok {
		return pkg, true
	}
	pkg, ok := db.byName[name+":"+hostArch]
	return pkg, ok
}

// Len returns the number of packages in the database.
func (db *DB) Len() int { return len(db.byName) }
