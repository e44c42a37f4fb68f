// Package filetrace turns raw ptrace syscall events into a flat list of
// files a traced command touched: every open/openat/execve that
// successfully resolved to a real path, each tagged with whether it
// existed before the call and, if so, its size at open time.
//
// Grounded on the original tool's file_tracer.h.
package filetrace

import (
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"

	"github.com/r-tooling/r4r/internal/ptrace"
)

// Info describes one file a traced command interacted with.
type Info struct {
	Path string
	// Size is the file's size at the moment it was opened, known only
	// when ExistedBefore is true.
	Size          int64
	HasSize       bool
	ExistedBefore bool
}

// Tracer implements ptrace.Listener, recording every file touched via
// open(2), openat(2), or execve(2).
type Tracer struct {
	Logger *log.Logger

	mu       sync.Mutex
	files    map[string]Info
	pending  map[int]pendingCall
	syscalls int
}

type pendingCall struct {
	nr    uint64
	entry Info
	valid bool
}

func (t *Tracer) logger() *log.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return log.Default()
}

// Files returns every file recorded so far, keyed by absolute path.
func (t *Tracer) Files() map[string]Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]Info, len(t.files))
	for k, v := range t.files {
		out[k] = v
	}
	return out
}

// SyscallsCount returns the number of syscall entries observed.
func (t *Tracer) SyscallsCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.syscalls
}

// OnSyscallEntry implements ptrace.Listener.
func (t *Tracer) OnSyscallEntry(pid int, nr uint64, args ptrace.Args) {
	t.mu.Lock()
	t.syscalls++
	if t.pending == nil {
		t.pending = make(map[int]pendingCall)
	}
	if t.files == nil {
		t.files = make(map[string]Info)
	}
	t.mu.Unlock()

	var call pendingCall
	call.nr = nr

	switch nr {
	case uint64(syscall.SYS_OPENAT):
		path, err := ptrace.ReadCString(pid, args[1], 4096)
		if err != nil {
			t.logger().Printf("filetrace: reading openat path for pid %d: %v", pid, err)
			break
		}
		call.entry, call.valid = t.resolveOpen(pid, int(int32(args[0])), path)
	case uint64(syscall.SYS_OPEN):
		path, err := ptrace.ReadCString(pid, args[0], 4096)
		if err != nil {
			t.logger().Printf("filetrace: reading open path for pid %d: %v", pid, err)
			break
		}
		call.entry, call.valid = t.resolveOpen(pid, atFDCWD, path)
	case uint64(syscall.SYS_EXECVE):
		path, err := ptrace.ReadCString(pid, args[0], 4096)
		if err != nil {
			t.logger().Printf("filetrace: reading execve path for pid %d: %v", pid, err)
			break
		}
		call.entry = Info{Path: path}
		call.valid = true
	}

	t.mu.Lock()
	t.pending[pid] = call
	t.mu.Unlock()
}

// OnSyscallExit implements ptrace.Listener.
func (t *Tracer) OnSyscallExit(pid int, ret int64, isError bool) {
	t.mu.Lock()
	call, ok := t.pending[pid]
	delete(t.pending, pid)
	t.mu.Unlock()
	if !ok || !call.valid {
		return
	}

	switch call.nr {
	case uint64(syscall.SYS_OPEN), uint64(syscall.SYS_OPENAT):
		t.finishOpen(pid, ret, isError, call.entry)
	case uint64(syscall.SYS_EXECVE):
		if isError {
			return
		}
		info := call.entry
		info.ExistedBefore = true
		t.register(info)
	}
}

const atFDCWD = -100

// resolveOpen reproduces openat(2)'s own path-resolution rules: an
// absolute pathname is used as-is; a relative one is joined either to the
// tracee's cwd (dirfd == AT_FDCWD) or to whatever dirfd itself refers to.
func (t *Tracer) resolveOpen(pid, dirfd int, pathname string) (Info, bool) {
	var result string
	if filepath.IsAbs(pathname) {
		result = pathname
	} else {
		var base string
		var err error
		if dirfd == atFDCWD {
			base, err = processCwd(pid)
		} else {
			base, err = resolveFD(pid, dirfd)
		}
		if err != nil {
			t.logger().Printf("filetrace: failed to resolve base dir for pid %d: %v", pid, err)
			return Info{}, false
		}
		result = filepath.Join(base, pathname)
	}

	fi, err := os.Lstat(result)
	existed := err == nil
	info := Info{Path: result, ExistedBefore: existed}
	if existed {
		info.Size, info.HasSize = fi.Size(), true
	}
	return info, true
}

// finishOpen validates that the fd returned by open/openat actually
// resolves back to the path we predicted at entry -- guarding against a
// TOCTOU race where something else replaced the path between entry and
// exit -- before recording it.
func (t *Tracer) finishOpen(pid int, ret int64, isError bool, entry Info) {
	if isError {
		return
	}
	fi, err := os.Lstat(entry.Path)
	if err != nil {
		return
	}
	if !(fi.Mode().IsRegular() || fi.IsDir() || fi.Mode()&os.ModeSymlink != 0) {
		t.logger().Printf("filetrace: unsupported file type for %s", entry.Path)
		return
	}

	if ret >= 0 {
		exitPath, err := resolveFD(pid, int(ret))
		if err != nil {
			t.logger().Printf("filetrace: unable to resolve fd %d of pid %d: %v", ret, pid, err)
			return
		}
		if !pathsEquivalent(exitPath, entry.Path) {
			t.logger().Printf("filetrace: open entry/exit path mismatch for pid %d: %s vs %s", pid, entry.Path, exitPath)
			return
		}
	}

	if entry.ExistedBefore {
		fi, err := os.Stat(entry.Path)
		if err == nil {
			entry.Size, entry.HasSize = fi.Size(), true
		}
	}
	t.register(entry)
}

func (t *Tracer) register(info Info) {
	if !filepath.IsAbs(info.Path) {
		abs, err := filepath.Abs(info.Path)
		if err != nil {
			t.logger().Printf("filetrace: failed to absolutize %s: %v", info.Path, err)
		} else {
			info.Path = abs
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.files[info.Path]; !exists {
		t.files[info.Path] = info
	}
}

func processCwd(pid int) (string, error) {
	return os.Readlink(procFdLink(pid, "cwd"))
}

func resolveFD(pid, fd int) (string, error) {
	return os.Readlink(procFdLink(pid, filepath.Join("fd", strconv.Itoa(fd))))
}

func procFdLink(pid int, rel string) string {
	return filepath.Join("/proc", strconv.Itoa(pid), rel)
}

func pathsEquivalent(a, b string) bool {
	if a == b {
		return true
	}
	fa, errA := os.Stat(a)
	fb, errB := os.Stat(b)
	if errA != nil || errB != nil {
		return false
	}
	return os.SameFile(fa, fb)
}
