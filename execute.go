package r4r

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"

	"github.com/r-tooling/r4r/internal/baseline"
	"github.com/r-tooling/r4r/internal/dpkg"
	"github.com/r-tooling/r4r/internal/filetrace"
	"github.com/r-tooling/r4r/internal/langpkg"
	"github.com/r-tooling/r4r/internal/manifest"
	"github.com/r-tooling/r4r/internal/pathfs"
	"github.com/r-tooling/r4r/internal/ptrace"
	"github.com/r-tooling/r4r/internal/resolve"
	"golang.org/x/xerrors"
)

// excludedSystemPackages lists the two hardcoded package-name exclusions
// the original resolver carries (a workaround for rstudio/bslib files
// that would otherwise be misattributed); kept here as the default value
// of SystemPackageResolver.ExcludeNameSubstrings rather than buried in
// resolver logic (§4.7, §9). Options has no field to change it.
var excludedSystemPackages = []string{"rstudio", "bslib"}

// Execute runs Options.Cmd under trace to completion, resolves every file
// it touched against the system and language package databases, and
// returns the resulting Manifest.
//
// Grounded on the original tool's TracingTask, ResolveTask, and
// ManifestTask in tracer.h, run here as one sequential pipeline rather
// than three separate Task objects, since nothing in this port needs
// their independent cancellation hooks beyond what ctx already provides.
func Execute(ctx context.Context, opts Options) (*manifest.Manifest, error) {
	if len(opts.Cmd) == 0 {
		return nil, xerrors.New("r4r: Options.Cmd must not be empty")
	}
	logger := opts.logger()

	env, err := captureEnvironment(&opts)
	if err != nil {
		return nil, xerrors.Errorf("capturing environment: %w", err)
	}

	tracer := &filetrace.Tracer{Logger: logger}
	monitor := &ptrace.Monitor{
		Command:  opts.Cmd,
		Listener: tracer,
		Logger:   logger,
	}

	logger.Printf("r4r: tracing %v", opts.Cmd)
	result, err := monitor.Run(ctx)
	if err != nil {
		return nil, xerrors.Errorf("running syscall monitor: %w", err)
	}

	switch result.Kind {
	case ptrace.Failure:
		return nil, xerrors.New("r4r: failed to spawn the traced process")
	case ptrace.Signal:
		return nil, xerrors.Errorf("r4r: program was terminated by signal %d", result.Detail)
	case ptrace.Exit:
		if result.Detail != 0 {
			return nil, xerrors.Errorf("r4r: program exited with status %d", result.Detail)
		}
	}

	logger.Printf("r4r: traced %d syscalls and %d files", tracer.SyscallsCount(), len(tracer.Files()))

	files, symlinks := splitFilesAndSymlinks(tracer.Files())

	if opts.Baseline != nil {
		dropBaselineMatches(files, opts.Baseline, logger)
	}

	resolvers, err := buildResolverChain(opts)
	if err != nil {
		return nil, xerrors.Errorf("building resolver chain: %w", err)
	}

	m := manifest.New()
	m.Cmd = opts.Cmd
	m.Cwd = env.cwd
	m.Env = env.vars
	m.User = env.user
	m.Timezone = env.timezone
	m.Distribution = env.distribution

	resolve.Run(resolvers, files, symlinks, m)

	if !opts.SkipManifestReview {
		if err := reviewManifest(m); err != nil {
			logger.Printf("r4r: manifest review failed, keeping resolver verdict: %v", err)
		}
	}

	return m, nil
}

// splitFilesAndSymlinks separates the traced file set into regular
// entries and symlinks, since the resolver chain treats them as two
// distinct streams (§4.7): a traced path that is itself a symlink on
// disk (rather than a path that merely passed through one on the way to
// its target) is reported as a link -> target pair instead of a file.
func splitFilesAndSymlinks(traced map[string]filetrace.Info) (map[string]filetrace.Info, map[string]string) {
	files := make(map[string]filetrace.Info, len(traced))
	symlinks := make(map[string]string)

	paths := make([]string, 0, len(traced))
	for p := range traced {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		info := traced[p]
		if fi, err := os.Lstat(p); err == nil && fi.Mode()&os.ModeSymlink != 0 {
			if target, err := os.Readlink(p); err == nil {
				if !filepath.IsAbs(target) {
					target = filepath.Clean(filepath.Join(filepath.Dir(p), target))
				}
				symlinks[p] = target
				continue
			}
		}
		files[p] = info
	}
	return files, symlinks
}

// dropBaselineMatches removes from files every entry that existed before
// the run and whose path, size, and content hash all match an entry
// already present in the base image (§8,
// "Baseline match suppresses copy"): such a file was never touched in any
// way the traced program is responsible for, so it shouldn't reach the
// resolver chain at all, let alone end up copied into a reproduction
// image. A path-only match (same path, different size or hash) is left
// alone, since the traced program did modify it.
func dropBaselineMatches(files map[string]filetrace.Info, base *baseline.Files, logger *log.Logger) {
	for path, info := range files {
		if !info.ExistedBefore {
			continue
		}
		entry, ok := base.Lookup(path)
		if !ok {
			continue
		}
		if info.HasSize && info.Size != entry.Size {
			continue
		}
		sum, err := sha1sumFile(path)
		if err != nil || sum != entry.SHA1 {
			continue
		}
		logger.Printf("r4r: %s matches the base image, dropping", path)
		delete(files, path)
	}
}

func sha1sumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func buildResolverChain(opts Options) ([]resolve.Resolver, error) {
	symlinkMap, err := pathfs.NewSymlinkMap("")
	if err != nil {
		return nil, xerrors.Errorf("building root symlink map: %w", err)
	}

	ignoreFiles := opts.IgnoreFiles
	if ignoreFiles == nil {
		ignoreFiles = resolve.DefaultWildcards()
	}

	dpkgDB, err := dpkg.Load(dpkg.Options{
		DetectManuallyInstalled: opts.DetectManuallyInstalled,
		Logger:                  opts.Logger,
	})
	if err != nil {
		return nil, xerrors.Errorf("loading system package database: %w", err)
	}

	rBin := opts.RBin
	if rBin == "" {
		rBin = "R"
	}
	langDB, err := langpkg.LoadFromInterpreter(rBin, opts.Logger)
	if err != nil {
		return nil, xerrors.Errorf("loading language package database: %w", err)
	}

	return []resolve.Resolver{
		&resolve.IgnoreResolver{
			Wildcards: ignoreFiles,
			Files:     resolve.DefaultWildcards(),
			Custom:    []func(string) bool{resolve.IgnoreFontUUIDFiles},
			Symlinks:  symlinkMap,
		},
		&resolve.SystemPackageResolver{
			DB:                    dpkgDB,
			Symlinks:              symlinkMap,
			ExcludeNameSubstrings: excludedSystemPackages,
			Logger:                opts.Logger,
		},
		&resolve.LanguagePackageResolver{
			DB:       langDB,
			Symlinks: symlinkMap,
			Logger:   opts.Logger,
		},
		&resolve.CopyResolver{
			Results: opts.Results,
			Logger:  opts.Logger,
		},
	}, nil
}
