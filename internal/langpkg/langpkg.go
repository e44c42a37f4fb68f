// Package langpkg builds an in-memory database of installed
// language-runtime packages (CRAN-style R packages, by default, but the
// parser is driven entirely by the interpreter's dump expression so any
// language whose package manager can emit the same delimited rows works):
// name, library directory, version, and three dependency categories.
//
// Grounded on the original tool's rpkg_database.h.
package langpkg

import (
	"bufio"
	"io"
	"log"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/r-tooling/r4r/internal/trie"
	"golang.org/x/xerrors"
)

// Delim is the field separator used both by the interpreter's one-shot dump
// expression and by the on-disk cache format: U+00A0 (no-break space),
// chosen because it cannot appear inside a package name, version, or
// dependency-field token the way a comma, space, or plain tab could.
const Delim = " "

// Repository describes where a package came from.
type Repository struct {
	// Kind is either "registry" or "source-control".
	Kind string
	// Org, Name, Ref are set only when Kind == "source-control".
	Org, Name, Ref string
}

// Registry returns the repository descriptor for a package resolved
// through the language's default package registry (e.g. CRAN).
func Registry() Repository { return Repository{Kind: "registry"} }

// SourceControl returns the repository descriptor for a package resolved
// from a source-control ref, e.g. a GitHub remote install.
func SourceControl(org, name, ref string) Repository {
	return Repository{Kind: "source-control", Org: org, Name: name, Ref: ref}
}

// Package describes one installed language package.
type Package struct {
	Name    string
	LibPath string
	Version string
	// Hard, Imported, and LinkedAgainst mirror R's Depends, Imports, and
	// LinkingTo fields; other language ecosystems fold their single
	// dependency list into Hard.
	Hard          []string
	Imported      []string
	LinkedAgainst []string
	Repository    Repository
}

// allDeps returns the union of the three dependency categories, in order,
// duplicates included (callers doing graph traversal dedupe via a visited
// set).
func (p *Package) allDeps() []string {
	out := make([]string, 0, len(p.Hard)+len(p.Imported)+len(p.LinkedAgainst))
	out = append(out, p.Hard...)
	out = append(out, p.Imported...)
	out = append(out, p.LinkedAgainst...)
	return out
}

// DB is a loaded language-package database.
type DB struct {
	byName map[string]*Package
	files  *trie.Trie[*Package]
}

// dumpExpression is the one-shot R expression the original shells out to:
// it prints installed.packages() columns Package/LibPath/Version/Depends/
// Imports/LinkingTo, NBSP-separated, one row per package, newlines
// stripped from each field so a single row is always a single line.
const dumpExpression = `write.table(gsub("\n", "", installed.packages()[, ` +
	`c("Package", "LibPath", "Version", "Depends", "Imports", "LinkingTo")]), ` +
	`sep="\U00A0", quote=FALSE, row.names=FALSE, col.names=FALSE)`

// LoadFromInterpreter invokes interpBin (an R-compatible interpreter binary)
// to dump the installed-package table and parses it.
func LoadFromInterpreter(interpBin string, logger *log.Logger) (*DB, error) {
	cmd := exec.Command(interpBin, "-s", "-q", "-e", dumpExpression)
	out, err := cmd.Output()
	if err != nil {
		return nil, xerrors.Errorf("running %s to dump installed packages: %w", interpBin, err)
	}
	return LoadFromReader(strings.NewReader(string(out)), logger)
}

// LoadFromReader parses an NBSP-delimited package dump (the interpreter's
// own output, or a previously-saved cache file written by Save).
func LoadFromReader(r io.Reader, logger *log.Logger) (*DB, error) {
	if logger == nil {
		logger = log.Default()
	}
	byName := make(map[string]*Package)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for sc.Scan() {
		// Only a trailing "\r" is trimmed: strings.TrimSpace would also strip
		// U+00A0, and with it the delimiter before an empty last field.
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, Delim)
		if len(fields) != 6 {
			logger.Printf("langpkg: unable to parse dump line (%d fields): %q", len(fields), line)
			continue
		}
		pkg := &Package{
			Name:          fields[0],
			LibPath:       fields[1],
			Version:       fields[2],
			Hard:          parseDependencyField(fields[3]),
			Imported:      parseDependencyField(fields[4]),
			LinkedAgainst: parseDependencyField(fields[5]),
			Repository:    Registry(),
		}
		byName[pkg.Name] = pkg
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	files := trie.New[*Package]()
	files.Logger = logger
	for _, pkg := range byName {
		files.Insert(filepath.Join(pkg.LibPath, pkg.Name), pkg)
	}

	return &DB{byName: byName, files: files}, nil
}

// parseDependencyField splits a single comma-separated dependency field
// (e.g. "R (>= 3.0.0), sys, htmltools (>= 0.5)") into bare package names,
// stripping version constraints and dropping the pseudo-dependency on the
// language runtime itself ("R").
func parseDependencyField(field string) []string {
	if field == "NA" || field == "" {
		return nil
	}
	var result []string
	for _, item := range strings.Split(field, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		name := item
		if idx := strings.IndexAny(item, "( \t"); idx >= 0 {
			name = item[:idx]
		}
		name = strings.TrimSpace(name)
		if name == "" || name == "R" {
			continue
		}
		result = append(result, name)
	}
	return result
}

// Save writes the database back out in the same NBSP-delimited format it
// was loaded from, for caching across runs.
func (db *DB) Save(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for _, pkg := range db.byName {
		row := strings.Join([]string{
			pkg.Name,
			pkg.LibPath,
			pkg.Version,
			strings.Join(pkg.Hard, ", "),
			strings.Join(pkg.Imported, ", "),
			strings.Join(pkg.LinkedAgainst, ", "),
		}, Delim)
		if _, err := bw.WriteString(row + "\n"); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// LookupByPath returns the package whose library directory contains path,
// via longest-prefix match -- any file nested under a package's directory
// resolves to that package.
func (db *DB) LookupByPath(path string) (*Package, bool) {
	return db.files.FindLongestPrefix(path)
}

// Find returns the package named name, if installed.
func (db *DB) Find(name string) (*Package, bool) {
	pkg, ok := db.byName[name]
	return pkg, ok
}

// Len returns the number of packages in the database.
func (db *DB) Len() int { return len(db.byName) }

// CycleDetectedError reports a dependency cycle found during a topological
// query. Name identifies one package participating in the cycle.
type CycleDetectedError struct {
	Name string
}

func (e *CycleDetectedError) Error() string {
	return "cycle detected in package dependencies: " + e.Name
}

// TopoOrder returns the transitive closure of seeds' dependencies
// (seeds included) in dependency-first (topologically sorted) order:
// a package never appears before one of its own dependencies. Names not
// present in the database are skipped. A cycle fails the whole query.
func (db *DB) TopoOrder(seeds []string) ([]string, error) {
	var sorted []string
	visited := make(map[string]bool)
	inStack := make(map[string]bool)

	var visit func(name string) error
	visit = func(name string) error {
		visited[name] = true
		inStack[name] = true

		if pkg, ok := db.byName[name]; ok {
			for _, dep := range pkg.allDeps() {
				if inStack[dep] {
					return &CycleDetectedError{Name: dep}
				}
				if !visited[dep] {
					if err := visit(dep); err != nil {
						return err
					}
				}
			}
		}

		delete(inStack, name)
		sorted = append(sorted, name)
		return nil
	}

	for _, seed := range seeds {
		if visited[seed] {
			continue
		}
		if err := visit(seed); err != nil {
			return nil, err
		}
	}

	// Dedupe while preserving first occurrence, as multiple DFS branches
	// may have independently reached a shared dependency.
	seen := make(map[string]bool, len(sorted))
	unique := make([]string, 0, len(sorted))
	for _, name := range sorted {
		if seen[name] {
			continue
		}
		seen[name] = true
		unique = append(unique, name)
	}
	return unique, nil
}
