// Copyright 2026 The B2FS Authors
// SPDX-License-Identifier: Apache-2.0

package fuse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"github.com/b2fs/b2fs/lib/b2"
	"github.com/b2fs/b2fs/lib/bucket"
	"github.com/b2fs/b2fs/lib/clock"
	"github.com/b2fs/b2fs/lib/filecache"
)

// Options configures the FUSE mount.
type Options struct {
	// Mountpoint is the directory where the filesystem is mounted.
	Mountpoint string

	// Bucket resolves paths to directory and file metadata.
	Bucket *bucket.Service

	// Cache holds file entries and their resident chunks.
	Cache *filecache.Cache

	// Fetch downloads missing chunks, deduplicating concurrent
	// requests for the same chunk.
	Fetch *filecache.Coordinator

	// Client uploads and hides remote files. Downloads go through
	// Fetch instead.
	Client *b2.Client

	// ReadOnly rejects every mutating operation with EROFS and mounts
	// with the kernel-level ro option.
	ReadOnly bool

	// AllowOther permits other users (including root) to access the
	// mount. Requires user_allow_other in /etc/fuse.conf.
	AllowOther bool

	// Clock provides timestamps for created files and directories.
	// If nil, defaults to clock.Real().
	Clock clock.Clock

	// Logger receives diagnostic messages. If nil, a logger that
	// reports only errors is used.
	Logger *slog.Logger
}

// Mount mounts the bucket filesystem at the configured mountpoint.
// The caller must call Unmount on the returned Server when done. The
// mountpoint directory is created if it does not exist.
func Mount(options Options) (*fuse.Server, error) {
	if options.Mountpoint == "" {
		return nil, fmt.Errorf("mountpoint is required")
	}
	if options.Bucket == nil {
		return nil, fmt.Errorf("bucket service is required")
	}
	if options.Cache == nil {
		return nil, fmt.Errorf("cache is required")
	}
	if options.Fetch == nil {
		return nil, fmt.Errorf("fetch coordinator is required")
	}
	if options.Client == nil {
		return nil, fmt.Errorf("client is required")
	}

	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
	}

	// Ensure the mountpoint exists.
	if err := os.MkdirAll(options.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("creating mountpoint %s: %w", options.Mountpoint, err)
	}

	root := &dirNode{options: &options}

	entryTimeout := 1 * time.Second
	attrTimeout := 1 * time.Second
	negativeTimeout := 100 * time.Millisecond

	var mountFlags []string
	if options.ReadOnly {
		mountFlags = append(mountFlags, "ro")
	}

	server, err := gofuse.Mount(options.Mountpoint, root, &gofuse.Options{
		EntryTimeout:    &entryTimeout,
		AttrTimeout:     &attrTimeout,
		NegativeTimeout: &negativeTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     "b2fs",
			Name:       "b2fs",
			Options:    mountFlags,
			AllowOther: options.AllowOther,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mounting FUSE filesystem at %s: %w", options.Mountpoint, err)
	}

	options.Logger.Info("bucket filesystem mounted",
		"mountpoint", options.Mountpoint,
		"bucket", options.Client.Bucket(),
		"read_only", options.ReadOnly,
	)
	return server, nil
}

// dirNode is a directory, including the root. Its path within the
// mount is derived from the inode tree, so directory renames never
// leave stale paths behind.
type dirNode struct {
	gofuse.Inode
	options *Options
}

var _ gofuse.InodeEmbedder = (*dirNode)(nil)
var _ gofuse.NodeLookuper = (*dirNode)(nil)
var _ gofuse.NodeReaddirer = (*dirNode)(nil)
var _ gofuse.NodeMkdirer = (*dirNode)(nil)
var _ gofuse.NodeRmdirer = (*dirNode)(nil)
var _ gofuse.NodeCreater = (*dirNode)(nil)
var _ gofuse.NodeUnlinker = (*dirNode)(nil)
var _ gofuse.NodeRenamer = (*dirNode)(nil)
var _ gofuse.NodeStatfser = (*dirNode)(nil)

func (d *dirNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	path := joinPath(d.Path(nil), name)

	info, err := d.options.Bucket.Stat(ctx, path)
	if err != nil {
		if !errors.Is(err, bucket.ErrNotFound) {
			d.options.Logger.Error("lookup failed", "path", path, "error", err)
		}
		return nil, errnoFrom(err)
	}

	if info.Dir {
		child := d.NewPersistentInode(ctx, &dirNode{options: d.options}, gofuse.StableAttr{Mode: syscall.S_IFDIR})
		out.Mode = syscall.S_IFDIR | dirPerm(d.options)
		if !info.ModTime.IsZero() {
			setAttrTimes(&out.Attr, info.ModTime)
		}
		return child, 0
	}

	child := d.NewPersistentInode(ctx, &fileNode{options: d.options}, gofuse.StableAttr{Mode: syscall.S_IFREG})
	out.Mode = syscall.S_IFREG | filePerm(d.options)
	out.Size = uint64(info.Size)
	if entry, ok := d.options.Cache.Lookup(path); ok && entry.Dirty() {
		out.Size = uint64(entry.Size())
	}
	if !info.ModTime.IsZero() {
		setAttrTimes(&out.Attr, info.ModTime)
	}
	return child, 0
}

func (d *dirNode) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	dir := d.Path(nil)
	infos, err := d.options.Bucket.List(ctx, dir)
	if err != nil {
		if !errors.Is(err, bucket.ErrNotFound) {
			d.options.Logger.Error("readdir failed", "dir", dir, "error", err)
		}
		return nil, errnoFrom(err)
	}

	entries := make([]fuse.DirEntry, 0, len(infos))
	for _, info := range infos {
		mode := uint32(syscall.S_IFREG)
		if info.Dir {
			mode = syscall.S_IFDIR
		}
		entries = append(entries, fuse.DirEntry{Name: info.Name, Mode: mode})
	}
	return &sliceDirStream{entries: entries}, 0
}

func (d *dirNode) Mkdir(ctx context.Context, name string, _ uint32, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	if d.options.ReadOnly {
		return nil, syscall.EROFS
	}
	path := joinPath(d.Path(nil), name)

	if err := d.options.Bucket.Mkdir(ctx, path); err != nil {
		if !errors.Is(err, bucket.ErrExists) && !errors.Is(err, bucket.ErrNotFound) {
			d.options.Logger.Error("mkdir failed", "path", path, "error", err)
		}
		return nil, errnoFrom(err)
	}

	child := d.NewPersistentInode(ctx, &dirNode{options: d.options}, gofuse.StableAttr{Mode: syscall.S_IFDIR})
	out.Mode = syscall.S_IFDIR | dirPerm(d.options)
	setAttrTimes(&out.Attr, d.options.Clock.Now())
	return child, 0
}

func (d *dirNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	if d.options.ReadOnly {
		return syscall.EROFS
	}
	path := joinPath(d.Path(nil), name)
	return errnoFrom(d.options.Bucket.Rmdir(ctx, path))
}

// Create makes a new empty file. The entry starts dirty so that the
// closing flush uploads it even when nothing is written, matching
// touch(1) expectations.
func (d *dirNode) Create(ctx context.Context, name string, flags uint32, _ uint32, out *fuse.EntryOut) (*gofuse.Inode, gofuse.FileHandle, uint32, syscall.Errno) {
	if d.options.ReadOnly {
		return nil, nil, 0, syscall.EROFS
	}
	path := joinPath(d.Path(nil), name)

	if info, err := d.options.Bucket.Stat(ctx, path); err == nil && info.Dir {
		return nil, nil, 0, syscall.EISDIR
	}

	entry, _ := d.options.Cache.GetOrCreate(path, 0)
	entry.MarkDirty()
	entry.Ref()
	d.options.Bucket.NoteLocal(bucket.Info{
		Path:    path,
		Name:    name,
		ModTime: d.options.Clock.Now(),
	})

	handle := &fileHandle{
		options:  d.options,
		entry:    entry,
		writable: flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0,
	}
	node := &fileNode{options: d.options}
	child := d.NewPersistentInode(ctx, node, gofuse.StableAttr{Mode: syscall.S_IFREG})
	out.Mode = syscall.S_IFREG | filePerm(d.options)
	setAttrTimes(&out.Attr, d.options.Clock.Now())

	d.options.Logger.Debug("created file", "path", path)
	return child, handle, 0, 0
}

// Unlink hides the remote file so listings stop showing it. Files
// that only exist locally are simply forgotten.
func (d *dirNode) Unlink(ctx context.Context, name string) syscall.Errno {
	if d.options.ReadOnly {
		return syscall.EROFS
	}
	path := joinPath(d.Path(nil), name)

	if !d.options.Bucket.IsLocal(path) {
		if err := d.options.Client.HideFile(ctx, path); err != nil && !b2.IsNotFound(err) {
			d.options.Logger.Error("hide failed", "path", path, "error", err)
			return errnoFrom(err)
		}
	}
	d.options.Cache.Remove(path)
	d.options.Bucket.ForgetLocal(path)
	d.options.Logger.Debug("unlinked file", "path", path)
	return 0
}

// Rename moves a file by re-uploading its content under the new name
// and hiding the old one; the remote store has no rename operation.
// Directory renames work only for directories with no remote content;
// for remote subtrees the call returns EXDEV so userspace tools fall
// back to copy-and-remove.
func (d *dirNode) Rename(ctx context.Context, name string, newParent gofuse.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	if d.options.ReadOnly {
		return syscall.EROFS
	}
	if flags&unix.RENAME_EXCHANGE != 0 {
		return syscall.EINVAL
	}

	from := joinPath(d.Path(nil), name)
	to := joinPath(newParent.EmbeddedInode().Path(nil), newName)
	if from == to {
		return 0
	}

	if flags&unix.RENAME_NOREPLACE != 0 {
		if _, err := d.options.Bucket.Stat(ctx, to); err == nil {
			return syscall.EEXIST
		} else if !errors.Is(err, bucket.ErrNotFound) {
			return errnoFrom(err)
		}
	}

	info, err := d.options.Bucket.Stat(ctx, from)
	if err != nil {
		return errnoFrom(err)
	}
	if info.Dir {
		return d.renameDir(ctx, from, to)
	}
	return d.renameFile(ctx, from, to, info.Size)
}

func (d *dirNode) renameDir(ctx context.Context, from, to string) syscall.Errno {
	has, err := d.options.Bucket.HasRemote(ctx, from)
	if err != nil {
		d.options.Logger.Error("rename: probing directory failed", "dir", from, "error", err)
		return errnoFrom(err)
	}
	if has {
		return syscall.EXDEV
	}
	d.options.Cache.RenamePrefix(from, to)
	d.options.Bucket.NoteRename(from, to)
	d.options.Logger.Debug("renamed local directory", "from", from, "to", to)
	return 0
}

func (d *dirNode) renameFile(ctx context.Context, from, to string, size int64) syscall.Errno {
	entry, ok := d.options.Cache.Lookup(from)
	if !ok {
		entry, _ = d.options.Cache.GetOrCreate(from, size)
	}
	entry.Ref()
	defer entry.Unref()

	if err := entry.AcquireWriter(ctx); err != nil {
		return errnoFrom(err)
	}
	defer entry.ReleaseWriter()

	if count := entry.ChunkCount(); count > 0 {
		if err := ensureResident(ctx, d.options, entry, 0, uint32(count-1)); err != nil {
			d.options.Logger.Error("rename: completing residency failed", "path", from, "error", err)
			return errnoFrom(err)
		}
	}
	data, err := entry.Assemble()
	if err != nil {
		d.options.Logger.Error("rename: assembling content failed", "path", from, "error", err)
		return syscall.EIO
	}
	if _, err := d.options.Client.Upload(ctx, to, "", data); err != nil {
		d.options.Logger.Error("rename: upload failed", "from", from, "to", to, "error", err)
		return errnoFrom(err)
	}

	if !d.options.Bucket.IsLocal(from) {
		if err := d.options.Client.HideFile(ctx, from); err != nil && !b2.IsNotFound(err) {
			// The new name already exists; only the stale copy lingers.
			d.options.Logger.Warn("rename: hiding old name failed", "path", from, "error", err)
		}
	}

	// The upload covered any unflushed writes.
	entry.ClearDirty()
	d.options.Cache.Rename(from, to)
	d.options.Bucket.NoteRename(from, to)
	d.options.Bucket.ForgetLocal(to)
	d.options.Logger.Debug("renamed file", "from", from, "to", to, "bytes", len(data))
	return 0
}

// Statfs reports the chunk cache budget as the filesystem capacity.
// The remote side has no meaningful size to report.
func (d *dirNode) Statfs(_ context.Context, out *fuse.StatfsOut) syscall.Errno {
	const blockSize = 4096
	total := d.options.Cache.MaxBytes()
	free := total - d.options.Cache.Usage()
	if free < 0 {
		free = 0
	}
	out.Bsize = blockSize
	out.Frsize = blockSize
	out.Blocks = uint64(total) / blockSize
	out.Bfree = uint64(free) / blockSize
	out.Bavail = out.Bfree
	out.NameLen = 255
	return 0
}

func joinPath(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}

func dirPerm(options *Options) uint32 {
	if options.ReadOnly {
		return 0o555
	}
	return 0o755
}

func filePerm(options *Options) uint32 {
	if options.ReadOnly {
		return 0o444
	}
	return 0o644
}

func setAttrTimes(attr *fuse.Attr, t time.Time) {
	seconds := uint64(t.Unix())
	nanos := uint32(t.Nanosecond())
	attr.Atime, attr.Atimensec = seconds, nanos
	attr.Mtime, attr.Mtimensec = seconds, nanos
	attr.Ctime, attr.Ctimensec = seconds, nanos
}

// sliceDirStream implements fs.DirStream from a slice of entries.
type sliceDirStream struct {
	entries []fuse.DirEntry
	index   int
}

func (s *sliceDirStream) HasNext() bool {
	return s.index < len(s.entries)
}

func (s *sliceDirStream) Next() (fuse.DirEntry, syscall.Errno) {
	if s.index >= len(s.entries) {
		return fuse.DirEntry{}, syscall.EINVAL
	}
	entry := s.entries[s.index]
	s.index++
	return entry, 0
}

func (s *sliceDirStream) Close() {}
