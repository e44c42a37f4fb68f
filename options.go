// Package r4r traces a program's filesystem footprint and resolves it
// into a reproducible manifest: which files it touched were already owned
// by an installed system or language package, which must be copied
// verbatim into a reproduction image, and which are the program's own
// output.
//
// Grounded on the original tool's tracer.h, which wires together the
// syscall monitor, file tracer, package databases, and resolver chain
// this package exposes as a single Execute entry point.
package r4r

import (
	"log"

	"github.com/r-tooling/r4r/internal/baseline"
	"github.com/r-tooling/r4r/internal/trie"
)

// LogLevel mirrors the original's LogLevel enum, used only to gate how
// chatty Logger should be configured by the caller; the core itself logs
// unconditionally through Logger and leaves level filtering to it.
type LogLevel int

const (
	LogError LogLevel = iota
	LogWarning
	LogInfo
	LogDebug
	LogTrace
)

// Options configures one Execute run. It is the sole external interface
// of the core (§6): everything else -- CLI parsing, container-recipe
// emission -- lives outside it.
type Options struct {
	LogLevel LogLevel
	Logger   *log.Logger

	// RBin is the R-compatible interpreter binary used to enumerate
	// installed language packages.
	RBin string
	// Cmd is the command to trace, argv-style; Cmd[0] is resolved via
	// PATH.
	Cmd []string
	// OutputDir names an output directory for the caller's use. Execute
	// does not read it and writes nothing there; it returns the manifest
	// to its caller.
	OutputDir string
	// Results is the set of absolute paths declared as run outputs --
	// always classified Result regardless of whether they pre-existed.
	Results map[string]bool
	// IgnoreFiles is the wildcard-prefix trie seeded with the paths the
	// ignore resolver drops unconditionally; defaults to
	// resolve.DefaultWildcards() when nil.
	IgnoreFiles *trie.Trie[bool]
	// DetectManuallyInstalled, when true, has the system-package database
	// drop any installed package that isn't backed by a cached repository
	// index at its exact version.
	DetectManuallyInstalled bool
	// SkipManifestReview, when true, skips opening $VISUAL/$EDITOR on the
	// rendered manifest and uses the resolver chain's verdict as-is --
	// useful for non-interactive runs and tests.
	SkipManifestReview bool
	// Baseline, when set, is consulted before the resolver chain runs: a
	// traced file whose path, size, and SHA-1 all match an entry is
	// dropped from consideration entirely, since it came from the base
	// image rather than anything the traced program did.
	Baseline *baseline.Files
}

func (o *Options) logger() *log.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return log.Default()
}
