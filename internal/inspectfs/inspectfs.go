// Package inspectfs exposes the Copy/Result files of a resolved Manifest
// as a read-only FUSE filesystem, so a user can browse the exact set of
// files about to be embedded in a reproduction image before confirming
// the manifest.
//
// Grounded on the original tool's internal/fuse/fuse.go: same
// fuseutil.FileSystem surface (LookUpInode, GetInodeAttributes, OpenDir,
// ReadDir, OpenFile, ReadFile), the same ENOSYS trick on OpenDir/OpenFile
// to let the kernel skip open/close round-trips, and the same
// mount-then-return-a-join-func shape. Unlike the teacher's squashfs
// package tree this filesystem is static and built once at mount time
// from a fixed path list, so there is no scanning, caching, or
// auto-download machinery to carry over.
package inspectfs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/r-tooling/r4r/internal/manifest"
	"golang.org/x/xerrors"
)

const byPathDirName = "by-path"

type dirNode struct {
	id       fuseops.InodeID
	names    []string
	children map[string]fuseops.InodeID
}

type fileNode struct {
	id       fuseops.InodeID
	realPath string
}

type inspectFS struct {
	fuseutil.NotImplementedFileSystem

	mu    sync.Mutex
	dirs  map[fuseops.InodeID]*dirNode
	files map[fuseops.InodeID]*fileNode
	next  fuseops.InodeID
}

func newInspectFS() *inspectFS {
	return &inspectFS{
		dirs:  make(map[fuseops.InodeID]*dirNode),
		files: make(map[fuseops.InodeID]*fileNode),
		next:  fuseops.RootInodeID,
	}
}

func (fs *inspectFS) allocID() fuseops.InodeID {
	fs.next++
	return fs.next
}

func (fs *inspectFS) newDirNode() *dirNode {
	d := &dirNode{id: fs.allocID(), children: make(map[string]fuseops.InodeID)}
	fs.dirs[d.id] = d
	return d
}

func (fs *inspectFS) addChild(parent *dirNode, name string, child fuseops.InodeID) {
	if _, exists := parent.children[name]; exists {
		return
	}
	parent.names = append(parent.names, name)
	parent.children[name] = child
}

// buildFS lays out the filesystem from every Copy/Result path in m: a flat
// name (path with "/" replaced by "_", collisions disambiguated with a
// "-N" suffix) directly under root, plus the same file reachable again
// under by-path/ via its original absolute path.
func buildFS(m *manifest.Manifest) (*inspectFS, error) {
	fs := newInspectFS()
	root := &dirNode{id: fuseops.RootInodeID, children: make(map[string]fuseops.InodeID)}
	fs.dirs[root.id] = root
	fs.next = fuseops.RootInodeID

	byPathRoot := fs.newDirNode()
	fs.addChild(root, byPathDirName, byPathRoot.id)

	paths := copySetPaths(m)

	usedFlatNames := make(map[string]bool)
	for _, path := range paths {
		fi, err := os.Lstat(path)
		if err != nil {
			continue // vanished since tracing; skip rather than fail the whole mount
		}
		if !fi.Mode().IsRegular() {
			continue
		}

		file := &fileNode{id: fs.allocID(), realPath: path}
		fs.files[file.id] = file

		flat := flattenName(path)
		for i := 2; usedFlatNames[flat]; i++ {
			flat = flattenName(path) + "-" + strconv.Itoa(i)
		}
		usedFlatNames[flat] = true
		fs.addChild(root, flat, file.id)

		insertByPath(fs, byPathRoot, path, file.id)
	}

	return fs, nil
}

// copySetPaths returns every manifest path classified Copy or Result, in
// deterministic order.
func copySetPaths(m *manifest.Manifest) []string {
	var paths []string
	for path, status := range m.CopyFiles {
		if status == manifest.Copy || status == manifest.Result {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	return paths
}

func flattenName(path string) string {
	trimmed := strings.TrimPrefix(path, "/")
	return strings.ReplaceAll(trimmed, "/", "_")
}

// insertByPath walks path's directory components under root, creating
// intermediate directories as needed, and links fileID as the final leaf.
func insertByPath(fs *inspectFS, root *dirNode, path string, fileID fuseops.InodeID) {
	components := strings.Split(strings.TrimPrefix(path, "/"), "/")
	dir := root
	for _, comp := range components[:len(components)-1] {
		childID, ok := dir.children[comp]
		var child *dirNode
		if ok {
			child = fs.dirs[childID]
			if child == nil {
				return // comp was already a file leaf; leave it, don't overwrite
			}
		} else {
			child = fs.newDirNode()
			fs.addChild(dir, comp, child.id)
		}
		dir = child
	}
	fs.addChild(dir, components[len(components)-1], fileID)
}

// Mount serves m's Copy/Result file set at mountpoint until join's context
// is cancelled or the filesystem is unmounted some other way.
func Mount(ctx context.Context, mountpoint string, m *manifest.Manifest) (join func(context.Context) error, err error) {
	fsys, err := buildFS(m)
	if err != nil {
		return nil, xerrors.Errorf("building inspection filesystem: %w", err)
	}

	server := fuseutil.NewFileSystemServer(fsys)
	mfs, err := fuse.Mount(mountpoint, server, &fuse.MountConfig{
		FSName:   "r4r-inspect",
		ReadOnly: true,
		Options: map[string]string{
			"allow_other": "",
		},
		EnableNoOpenSupport:    true,
		EnableNoOpendirSupport: true,
	})
	if err != nil {
		return nil, xerrors.Errorf("fuse.Mount: %w", err)
	}

	join = func(ctx context.Context) error {
		defer func() {
			if err := fuse.Unmount(mountpoint); err != nil {
				fmt.Fprintf(os.Stderr, "inspectfs: unmount %s: %v\n", mountpoint, err)
			}
		}()
		return mfs.Join(ctx)
	}
	return join, nil
}

var never = time.Now().Add(365 * 24 * time.Hour)

func dirAttributes() fuseops.InodeAttributes {
	return fuseops.InodeAttributes{Nlink: 1, Mode: os.ModeDir | 0555}
}

func (fs *inspectFS) fileAttributes(f *fileNode) (fuseops.InodeAttributes, error) {
	fi, err := os.Stat(f.realPath)
	if err != nil {
		return fuseops.InodeAttributes{}, err
	}
	return fuseops.InodeAttributes{
		Size:  uint64(fi.Size()),
		Nlink: 1,
		Mode:  0444,
		Atime: fi.ModTime(),
		Mtime: fi.ModTime(),
		Ctime: fi.ModTime(),
	}, nil
}

func (fs *inspectFS) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	op.BlockSize = 4096
	op.IoSize = 65536
	return nil
}

func (fs *inspectFS) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	dir, ok := fs.dirs[op.Parent]
	if !ok {
		return fuse.ENOENT
	}
	child, ok := dir.children[op.Name]
	if !ok {
		return fuse.ENOENT
	}

	op.Entry.Child = child
	op.Entry.AttributesExpiration = never
	op.Entry.EntryExpiration = never

	if f, ok := fs.files[child]; ok {
		attrs, err := fs.fileAttributes(f)
		if err != nil {
			return fuse.ENOENT
		}
		op.Entry.Attributes = attrs
		return nil
	}
	op.Entry.Attributes = dirAttributes()
	return nil
}

func (fs *inspectFS) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	op.AttributesExpiration = never

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if f, ok := fs.files[op.Inode]; ok {
		attrs, err := fs.fileAttributes(f)
		if err != nil {
			return fuse.ENOENT
		}
		op.Attributes = attrs
		return nil
	}
	if _, ok := fs.dirs[op.Inode]; ok {
		op.Attributes = dirAttributes()
		return nil
	}
	return fuse.ENOENT
}

func (fs *inspectFS) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	// The kernel is told (via EnableNoOpendirSupport) to skip this call
	// entirely; should it arrive anyway, ENOSYS tells the kernel that
	// opendir is not needed for this filesystem.
	return fuse.ENOSYS
}

func (fs *inspectFS) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	fs.mu.Lock()
	dir, ok := fs.dirs[op.Inode]
	if !ok {
		fs.mu.Unlock()
		return fuse.EIO
	}
	names := append([]string{}, dir.names...)
	children := make(map[string]fuseops.InodeID, len(names))
	for _, n := range names {
		children[n] = dir.children[n]
	}
	isDir := make(map[string]bool, len(names))
	for _, n := range names {
		_, isDir[n] = fs.dirs[children[n]]
	}
	fs.mu.Unlock()

	var entries []fuseutil.Dirent
	for _, name := range names {
		typ := fuseutil.DT_File
		if isDir[name] {
			typ = fuseutil.DT_Directory
		}
		entries = append(entries, fuseutil.Dirent{
			Offset: fuseops.DirOffset(len(entries) + 1),
			Inode:  children[name],
			Name:   name,
			Type:   typ,
		})
	}

	if op.Offset > fuseops.DirOffset(len(entries)) {
		return fuse.EIO
	}
	for _, e := range entries[op.Offset:] {
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], e)
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

func (fs *inspectFS) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	// Skipped via EnableNoOpenSupport, same reasoning as OpenDir.
	return fuse.ENOSYS
}

func (fs *inspectFS) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	fs.mu.Lock()
	f, ok := fs.files[op.Inode]
	fs.mu.Unlock()
	if !ok {
		return fuse.EIO
	}

	src, err := os.Open(f.realPath)
	if err != nil {
		return err
	}
	defer src.Close()

	n, err := src.ReadAt(op.Dst, op.Offset)
	op.BytesRead = n
	if err != nil {
		if err.Error() == "EOF" {
			return nil
		}
		return err
	}
	return nil
}

// The following overrides make every mutating operation fail with EROFS
// explicitly, rather than falling through to NotImplementedFileSystem's
// generic ENOSYS -- this filesystem is read-only by design, not merely
// incomplete.

func (fs *inspectFS) MkDir(ctx context.Context, op *fuseops.MkDirOp) error { return syscall.EROFS }
func (fs *inspectFS) MkNode(ctx context.Context, op *fuseops.MkNodeOp) error {
	return syscall.EROFS
}
func (fs *inspectFS) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	return syscall.EROFS
}
func (fs *inspectFS) CreateLink(ctx context.Context, op *fuseops.CreateLinkOp) error {
	return syscall.EROFS
}
func (fs *inspectFS) CreateSymlink(ctx context.Context, op *fuseops.CreateSymlinkOp) error {
	return syscall.EROFS
}
func (fs *inspectFS) Rename(ctx context.Context, op *fuseops.RenameOp) error { return syscall.EROFS }
func (fs *inspectFS) RmDir(ctx context.Context, op *fuseops.RmDirOp) error   { return syscall.EROFS }
func (fs *inspectFS) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	return syscall.EROFS
}
func (fs *inspectFS) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	return syscall.EROFS
}
func (fs *inspectFS) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	return syscall.EROFS
}
