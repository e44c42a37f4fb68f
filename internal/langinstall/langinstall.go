// Package langinstall turns a language-package database and a set of
// seed packages into a dependency-ordered installation script: packages
// that share no dependency edge are grouped into the same batch and
// installed in parallel, batches run in dependency order.
//
// Grounded on the original tool's install_r_package_builder.h, with the
// dependency graph built and leveled the way internal/batch builds and
// breaks cycles in its package-build graph.
package langinstall

import (
	"fmt"
	"io"
	"sort"
	"text/template"

	"github.com/r-tooling/r4r/internal/langpkg"
	"golang.org/x/xerrors"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// CycleDetectedError reports a dependency cycle found while planning an
// install order. Name identifies one package participating in the cycle.
type CycleDetectedError struct {
	Name string
}

func (e *CycleDetectedError) Error() string {
	return "cycle detected in package dependencies: " + e.Name
}

// InstallBatch is a set of packages with no dependency edge between them,
// safe to install concurrently once every earlier batch has finished.
type InstallBatch []*langpkg.Package

type pkgNode struct {
	id  int64
	pkg *langpkg.Package
}

func (n *pkgNode) ID() int64 { return n.id }

// Plan builds the transitive dependency closure of seeds and returns it as
// a sequence of batches in dependency-first order: every package in batch
// i has all of its database-known dependencies in batches < i.
func Plan(db *langpkg.DB, seeds []string) ([]InstallBatch, error) {
	closure := closeOverDeps(db, seeds)
	if len(closure) == 0 {
		return nil, nil
	}

	g := simple.NewDirectedGraph()
	nodes := make(map[string]*pkgNode, len(closure))

	names := make([]string, 0, len(closure))
	for name := range closure {
		names = append(names, name)
	}
	sort.Strings(names)

	for i, name := range names {
		n := &pkgNode{id: int64(i), pkg: closure[name]}
		nodes[name] = n
		g.AddNode(n)
	}
	for _, name := range names {
		pkg := closure[name]
		for _, dep := range dependenciesOf(pkg) {
			depNode, ok := nodes[dep]
			if !ok {
				continue // dependency not installed / not in the database
			}
			g.SetEdge(g.NewEdge(nodes[name], depNode))
		}
	}

	sorted, err := topo.Sort(g)
	if err != nil {
		unorderable, ok := err.(topo.Unorderable)
		if !ok || len(unorderable) == 0 || len(unorderable[0]) == 0 {
			return nil, xerrors.Errorf("sorting dependency graph: %w", err)
		}
		return nil, &CycleDetectedError{Name: unorderable[0][0].(*pkgNode).pkg.Name}
	}

	return levelBatches(g, sorted), nil
}

// closeOverDeps BFS-walks seeds' dependency edges and returns every
// database-known package reachable, including the seeds themselves.
func closeOverDeps(db *langpkg.DB, seeds []string) map[string]*langpkg.Package {
	closure := make(map[string]*langpkg.Package)
	queue := append([]string{}, seeds...)

	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if _, seen := closure[name]; seen {
			continue
		}
		pkg, ok := db.Find(name)
		if !ok {
			continue
		}
		closure[name] = pkg
		queue = append(queue, dependenciesOf(pkg)...)
	}
	return closure
}

func dependenciesOf(pkg *langpkg.Package) []string {
	deps := make([]string, 0, len(pkg.Hard)+len(pkg.Imported)+len(pkg.LinkedAgainst))
	deps = append(deps, pkg.Hard...)
	deps = append(deps, pkg.Imported...)
	deps = append(deps, pkg.LinkedAgainst...)
	return deps
}

// levelBatches assigns each node the earliest batch index consistent with
// every one of its dependencies already having a lower index, by walking
// sorted (a dependents-before-dependencies order, the direction topo.Sort
// produces for our pkg->dep edges) in reverse so every dependency's level
// is known before its dependent's is computed.
func levelBatches(g graph.Directed, sorted []graph.Node) []InstallBatch {
	level := make(map[int64]int, len(sorted))
	maxLevel := 0

	for i := len(sorted) - 1; i >= 0; i-- {
		n := sorted[i]
		lvl := 0
		for deps := g.From(n.ID()); deps.Next(); {
			if dl := level[deps.Node().ID()] + 1; dl > lvl {
				lvl = dl
			}
		}
		level[n.ID()] = lvl
		if lvl > maxLevel {
			maxLevel = lvl
		}
	}

	batches := make([]InstallBatch, maxLevel+1)
	for _, n := range sorted {
		pn := n.(*pkgNode)
		batches[level[n.ID()]] = append(batches[level[n.ID()]], pn.pkg)
	}
	for _, b := range batches {
		sort.Slice(b, func(i, j int) bool { return b[i].Name < b[j].Name })
	}
	return batches
}

// ScriptOptions configures RenderScript.
type ScriptOptions struct {
	// MaxParallel caps how many packages a single batch installs
	// concurrently; a batch larger than this is sub-chunked into several
	// same-level sequential groups, mirroring expand_plan.
	MaxParallel int
	// TmpLibDir is where the bootstrap "remotes" package is installed, and
	// is removed once the script finishes.
	TmpLibDir string
}

func (o ScriptOptions) withDefaults() ScriptOptions {
	if o.MaxParallel <= 0 {
		o.MaxParallel = 1
	}
	if o.TmpLibDir == "" {
		o.TmpLibDir = "/tmp/r4r-lib"
	}
	return o
}

type scriptBatch struct {
	Index, Total int
	Packages     []scriptPackage
}

type scriptPackage struct {
	Name, Version, LogFile, InstallExpr string
}

type scriptData struct {
	TmpLibDir string
	Batches   []scriptBatch
	Total     int
}

const scriptTemplate = `#!/usr/bin/env Rscript

cat('############################################################\n')
cat('# Starting installation...\n');
cat('############################################################\n')

options(Ncpus=min(parallel::detectCores(), 32))

dir.create('{{.TmpLibDir}}', recursive=TRUE)
install.packages('remotes', lib = '{{.TmpLibDir}}')
on.exit(unlink('{{.TmpLibDir}}', recursive = TRUE))

{{range .Batches}}
cat('############################################################\n')
cat('# Installing batch {{.Index}}/{{.Total}} with {{len .Packages}} packages...\n');
cat('############################################################\n')

status <- system("{{range .Packages}}Rscript -e \"{{.InstallExpr}}\" > {{.LogFile}} 2>&1 & {{end}}wait")
if (status != 0) {
  cat('############################################################\n')
  cat('# Batch {{.Index}}/{{.Total}} FAILED.\n');
  cat('############################################################\n')
{{range .Packages}}
  cat('############################################################\n')
  cat('# Logs for package {{.Name}} version {{.Version}} ({{.LogFile}})\n');
  cat('############################################################\n')
  cat(readLines('{{.LogFile}}'), sep='\n')
  cat('\n')
{{end}}
  quit(status = 1)
}

{{range .Packages}}
{
  pkg_name <- '{{.Name}}'
  pkg_ver  <- '{{.Version}}'
  installed_ver <- tryCatch(as.character(packageVersion(pkg_name)), error = function(e) NA)
  if (is.na(installed_ver) || installed_ver != pkg_ver) {
    cat('############################################################\n')
    cat('# Error: Failed to install ', pkg_name, ' ', pkg_ver, '(installed: ', installed_ver, ')', '\n');
    cat('############################################################\n')
    cat(readLines('{{.LogFile}}'), sep='\n')
    cat('\n')
    quit(status = 1)
  }
}
{{end}}

cat('############################################################\n')
cat('# Successfully installed batch {{.Index}}/{{.Total}}\n');
cat('############################################################\n')
{{end}}
cat('############################################################\n')
cat('# All {{.Total}} packages installed successfully.\n');
cat('############################################################\n')
`

var scriptTmpl = template.Must(template.New("install").Parse(scriptTemplate))

// RenderScript writes an Rscript-shebang install script for plan to w.
func RenderScript(w io.Writer, plan []InstallBatch, opts ScriptOptions) error {
	opts = opts.withDefaults()
	expanded := expandPlan(plan, opts.MaxParallel)

	total := 0
	for _, b := range expanded {
		total += len(b)
	}

	data := scriptData{TmpLibDir: opts.TmpLibDir, Total: total}
	for i, batch := range expanded {
		sb := scriptBatch{Index: i + 1, Total: len(expanded)}
		for _, pkg := range batch {
			sb.Packages = append(sb.Packages, scriptPackage{
				Name:        pkg.Name,
				Version:     pkg.Version,
				LogFile:     fmt.Sprintf("/tmp/r4r-install-%s-%s.log", pkg.Name, pkg.Version),
				InstallExpr: installExpr(pkg, opts.TmpLibDir),
			})
		}
		data.Batches = append(data.Batches, sb)
	}

	return scriptTmpl.Execute(w, data)
}

// installExpr renders the remotes:: call appropriate to pkg's repository,
// matching the original's std::visit over RPackage::GitHub/CRAN.
func installExpr(pkg *langpkg.Package, tmpLibDir string) string {
	switch pkg.Repository.Kind {
	case "source-control":
		return fmt.Sprintf(
			`require('remotes', lib.loc = '%s');remotes::install_github('%s/%s', ref = '%s', upgrade = 'never', dependencies = FALSE)`,
			tmpLibDir, pkg.Repository.Org, pkg.Repository.Name, pkg.Repository.Ref)
	default:
		return fmt.Sprintf(
			`require('remotes', lib.loc = '%s');remotes::install_version('%s', '%s', upgrade = 'never', dependencies = FALSE)`,
			tmpLibDir, pkg.Name, pkg.Version)
	}
}

// expandPlan sub-chunks any batch exceeding maxParallel into consecutive
// same-level groups, so no single shell command ever spawns more than
// maxParallel background jobs.
func expandPlan(plan []InstallBatch, maxParallel int) []InstallBatch {
	var out []InstallBatch
	for _, batch := range plan {
		if len(batch) == 0 {
			continue
		}
		if len(batch) <= maxParallel {
			out = append(out, batch)
			continue
		}
		for i := 0; i < len(batch); i += maxParallel {
			end := i + maxParallel
			if end > len(batch) {
				end = len(batch)
			}
			out = append(out, batch[i:end])
		}
	}
	return out
}
