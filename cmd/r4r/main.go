// Command r4r traces a program, resolves its filesystem footprint into a
// manifest, and offers a few small verbs built on top of that manifest:
// browsing the files it would copy, and rendering an install script for
// the language packages it depends on.
//
// Grounded on the original tool's cmd/distri/distri.go: a flat verb
// dispatch table, an interruptible top-level context, and RunAtExit run
// once the chosen verb returns.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	r4r "github.com/r-tooling/r4r"
	"github.com/r-tooling/r4r/internal/inspectfs"
	"github.com/r-tooling/r4r/internal/langinstall"
	"github.com/r-tooling/r4r/internal/langpkg"
	"github.com/r-tooling/r4r/internal/manifest"
	"golang.org/x/xerrors"
)

type verb struct {
	fn func(ctx context.Context, args []string) error
}

func funcmain() error {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "r4r <command> [options]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "\ttrace          - trace a program and write its manifest\n")
		fmt.Fprintf(os.Stderr, "\tinspect        - mount a manifest's copy set read-only for browsing\n")
		fmt.Fprintf(os.Stderr, "\tinstall-script - render an install script for a manifest's language packages\n")
	}
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}
	v, ok := verbs[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		flag.Usage()
		os.Exit(2)
	}

	ctx, canc := r4r.InterruptibleContext()
	defer canc()

	if err := v.fn(ctx, args[1:]); err != nil {
		return err
	}
	return r4r.RunAtExit()
}

var verbs = map[string]verb{
	"trace":          {cmdTrace},
	"inspect":        {cmdInspect},
	"install-script": {cmdInstallScript},
}

func cmdTrace(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("trace", flag.ExitOnError)
	out := fs.String("manifest", "r4r.manifest", "path to write the resulting manifest to")
	rbin := fs.String("rbin", "R", "R-compatible interpreter binary")
	skipReview := fs.Bool("skip-review", false, "skip the interactive manifest review step")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cmd := fs.Args()
	if len(cmd) == 0 {
		return xerrors.New("trace: missing command to trace")
	}

	opts := r4r.Options{
		Cmd:                cmd,
		RBin:               *rbin,
		Logger:             log.Default(),
		SkipManifestReview: *skipReview,
	}
	m, err := r4r.Execute(ctx, opts)
	if err != nil {
		return xerrors.Errorf("trace: %w", err)
	}
	if err := manifest.Save(*out, m); err != nil {
		return xerrors.Errorf("trace: saving manifest: %w", err)
	}
	fmt.Fprintf(os.Stderr, "wrote manifest to %s\n", *out)
	return nil
}

func cmdInspect(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	manifestPath := fs.String("manifest", "r4r.manifest", "manifest to inspect")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return xerrors.New("inspect: usage: r4r inspect [-manifest path] <mountpoint>")
	}
	mountpoint := fs.Arg(0)

	m, err := manifest.Load(*manifestPath)
	if err != nil {
		return xerrors.Errorf("inspect: loading manifest: %w", err)
	}

	join, err := inspectfs.Mount(ctx, mountpoint, m)
	if err != nil {
		return xerrors.Errorf("inspect: mounting at %s: %w", mountpoint, err)
	}
	fmt.Fprintf(os.Stderr, "mounted at %s, press ctrl-c to unmount\n", mountpoint)
	if err := join(ctx); err != nil {
		return xerrors.Errorf("inspect: %w", err)
	}
	return nil
}

func cmdInstallScript(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("install-script", flag.ExitOnError)
	manifestPath := fs.String("manifest", "r4r.manifest", "manifest to build an install script for")
	rbin := fs.String("rbin", "R", "R-compatible interpreter binary used to load the package database")
	out := fs.String("out", "", "path to write the install script to (default: stdout)")
	maxParallel := fs.Int("max-parallel", 4, "maximum packages installed concurrently per batch")
	if err := fs.Parse(args); err != nil {
		return err
	}

	m, err := manifest.Load(*manifestPath)
	if err != nil {
		return xerrors.Errorf("install-script: loading manifest: %w", err)
	}

	seeds := make([]string, 0, len(m.LangPackages))
	for pkg := range m.LangPackages {
		seeds = append(seeds, pkg.Name)
	}
	if len(seeds) == 0 {
		return xerrors.New("install-script: manifest has no language packages")
	}

	db, err := langpkg.LoadFromInterpreter(*rbin, log.Default())
	if err != nil {
		return xerrors.Errorf("install-script: loading package database: %w", err)
	}

	plan, err := langinstall.Plan(db, seeds)
	if err != nil {
		return xerrors.Errorf("install-script: %w", err)
	}

	w := os.Stdout
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			return xerrors.Errorf("install-script: %w", err)
		}
		defer f.Close()
		w = f
	}

	return langinstall.RenderScript(w, plan, langinstall.ScriptOptions{MaxParallel: *maxParallel})
}

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
