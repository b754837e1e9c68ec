// Copyright 2026 The B2FS Authors
// SPDX-License-Identifier: Apache-2.0

package fuse

import (
	"context"
	"sync/atomic"
	"syscall"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sync/errgroup"

	"github.com/b2fs/b2fs/lib/filecache"
)

// fetchParallelism bounds concurrent chunk downloads issued on behalf
// of a single operation.
const fetchParallelism = 4

// fileNode represents one file. Its path within the mount is derived
// from the inode tree on every call.
type fileNode struct {
	gofuse.Inode
	options *Options
}

var _ gofuse.InodeEmbedder = (*fileNode)(nil)
var _ gofuse.NodeGetattrer = (*fileNode)(nil)
var _ gofuse.NodeSetattrer = (*fileNode)(nil)
var _ gofuse.NodeOpener = (*fileNode)(nil)

func (f *fileNode) Getattr(ctx context.Context, fh gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = syscall.S_IFREG | filePerm(f.options)

	var entry *filecache.Entry
	var path string
	if handle, ok := fh.(*fileHandle); ok && handle != nil {
		entry = handle.entry
		path = entry.Path()
	} else {
		path = f.Path(nil)
		if cached, ok := f.options.Cache.Lookup(path); ok {
			entry = cached
		}
	}

	// A dirty entry is the authority on size; the remote still shows
	// the pre-write object.
	if entry != nil && entry.Dirty() {
		out.Size = uint64(entry.Size())
		if info, err := f.options.Bucket.Stat(ctx, path); err == nil && !info.ModTime.IsZero() {
			setAttrTimes(&out.Attr, info.ModTime)
		}
		fillBlocks(&out.Attr)
		return 0
	}

	info, err := f.options.Bucket.Stat(ctx, path)
	if err != nil {
		if entry != nil {
			// Unlinked while open: keep serving the handle.
			out.Size = uint64(entry.Size())
			fillBlocks(&out.Attr)
			return 0
		}
		return errnoFrom(err)
	}
	out.Size = uint64(info.Size)
	if !info.ModTime.IsZero() {
		setAttrTimes(&out.Attr, info.ModTime)
	}
	fillBlocks(&out.Attr)
	return 0
}

// Setattr handles truncation. Other attribute changes (mode, times)
// have no remote representation and are accepted silently.
func (f *fileNode) Setattr(ctx context.Context, fh gofuse.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if size, ok := in.GetSize(); ok {
		if f.options.ReadOnly {
			return syscall.EROFS
		}
		entry, errno := f.writableEntry(ctx, fh)
		if errno != 0 {
			return errno
		}
		if errno := truncateEntry(ctx, f.options, entry, int64(size)); errno != 0 {
			return errno
		}
		path := entry.Path()
		if f.options.Bucket.IsLocal(path) {
			f.options.Bucket.UpdateLocal(path, entry.Size(), f.options.Clock.Now())
		}
		// With no handle open nothing will flush this later.
		if entry.Refs() == 0 {
			if errno := flushEntry(ctx, f.options, entry); errno != 0 {
				return errno
			}
		}
	}
	return f.Getattr(ctx, fh, out)
}

func (f *fileNode) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	writable := flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0
	if writable && f.options.ReadOnly {
		return nil, 0, syscall.EROFS
	}

	path := f.Path(nil)
	entry, ok := f.options.Cache.Lookup(path)
	if !ok {
		info, err := f.options.Bucket.Stat(ctx, path)
		if err != nil {
			return nil, 0, errnoFrom(err)
		}
		if info.Dir {
			return nil, 0, syscall.EISDIR
		}
		entry, _ = f.options.Cache.GetOrCreate(path, info.Size)
	}
	entry.Ref()

	// Kernels differ on whether O_TRUNC arrives as a setattr or is
	// left to the open itself; truncating here covers both, and the
	// setattr variant finds the size already zero.
	if writable && flags&syscall.O_TRUNC != 0 {
		if errno := truncateEntry(ctx, f.options, entry, 0); errno != 0 {
			entry.Unref()
			return nil, 0, errno
		}
	}

	return &fileHandle{options: f.options, entry: entry, writable: writable}, 0, 0
}

// writableEntry resolves the cache entry a setattr should act on:
// the open handle's entry when one exists, otherwise the tracked or
// freshly created entry for the node's path.
func (f *fileNode) writableEntry(ctx context.Context, fh gofuse.FileHandle) (*filecache.Entry, syscall.Errno) {
	if handle, ok := fh.(*fileHandle); ok && handle != nil {
		return handle.entry, 0
	}
	path := f.Path(nil)
	if entry, ok := f.options.Cache.Lookup(path); ok {
		return entry, 0
	}
	info, err := f.options.Bucket.Stat(ctx, path)
	if err != nil {
		return nil, errnoFrom(err)
	}
	if info.Dir {
		return nil, syscall.EISDIR
	}
	entry, _ := f.options.Cache.GetOrCreate(path, info.Size)
	return entry, 0
}

// fileHandle is one open descriptor. It holds a reference on the
// cache entry so resident chunks stay pinned while the file is open.
// Reader/writer exclusion happens per operation inside Read, Write,
// and the flush path, never for the lifetime of the handle.
type fileHandle struct {
	options  *Options
	entry    *filecache.Entry
	writable bool

	// readahead is the most recent chunk index handed to a background
	// fetch, so sequential reads schedule each chunk once.
	readahead atomic.Int64
}

var _ gofuse.FileReader = (*fileHandle)(nil)
var _ gofuse.FileWriter = (*fileHandle)(nil)
var _ gofuse.FileFlusher = (*fileHandle)(nil)
var _ gofuse.FileFsyncer = (*fileHandle)(nil)
var _ gofuse.FileReleaser = (*fileHandle)(nil)

func (h *fileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	entry := h.entry
	if err := entry.AcquireReader(ctx); err != nil {
		return nil, errnoFrom(err)
	}
	defer entry.ReleaseReader()

	size := entry.Size()
	if off >= size || len(dest) == 0 {
		return fuse.ReadResultData(dest[:0]), 0
	}
	length := int64(len(dest))
	if off+length > size {
		length = size - off
	}

	first, last := entry.ChunkSpan(off, length)
	if err := ensureResident(ctx, h.options, entry, first, last); err != nil {
		h.options.Logger.Error("read: fetching chunks failed",
			"path", entry.Path(), "offset", off, "error", err)
		return nil, errnoFrom(err)
	}
	h.scheduleReadahead(entry, last)

	n, err := entry.ReadAt(dest[:length], off)
	if err != nil {
		h.options.Logger.Error("read failed", "path", entry.Path(), "offset", off, "error", err)
		return nil, syscall.EIO
	}
	return fuse.ReadResultData(dest[:n]), 0
}

func (h *fileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	if !h.writable {
		return 0, syscall.EBADF
	}
	if len(data) == 0 {
		return 0, 0
	}
	entry := h.entry
	if err := entry.AcquireWriter(ctx); err != nil {
		return 0, errnoFrom(err)
	}
	defer entry.ReleaseWriter()

	size := entry.Size()
	end := off + int64(len(data))

	// Chunks the write overlaps must hold their remote bytes before
	// being partially overwritten.
	if off < size {
		overlap := end
		if overlap > size {
			overlap = size
		}
		first, last := entry.ChunkSpan(off, overlap-off)
		if err := ensureResident(ctx, h.options, entry, first, last); err != nil {
			h.options.Logger.Error("write: fetching chunks failed",
				"path", entry.Path(), "offset", off, "error", err)
			return 0, errnoFrom(err)
		}
	}
	if end > size {
		if errno := growEntry(ctx, h.options, entry, size, end); errno != 0 {
			return 0, errno
		}
	}

	if _, err := entry.WriteAt(data, off); err != nil {
		h.options.Logger.Error("write failed", "path", entry.Path(), "offset", off, "error", err)
		return 0, syscall.EIO
	}

	path := entry.Path()
	if h.options.Bucket.IsLocal(path) {
		h.options.Bucket.UpdateLocal(path, entry.Size(), h.options.Clock.Now())
	}
	return uint32(len(data)), 0
}

func (h *fileHandle) Flush(ctx context.Context) syscall.Errno {
	return flushEntry(ctx, h.options, h.entry)
}

func (h *fileHandle) Fsync(ctx context.Context, _ uint32) syscall.Errno {
	return flushEntry(ctx, h.options, h.entry)
}

// Release drops the handle's pin. Dirty content is uploaded first:
// the kernel does not guarantee a flush for every writer (mmap,
// killed processes), and an unpinned dirty entry would be exposed to
// eviction.
func (h *fileHandle) Release(ctx context.Context) syscall.Errno {
	var errno syscall.Errno
	if h.entry.Dirty() {
		errno = flushEntry(ctx, h.options, h.entry)
	}
	h.entry.Unref()
	return errno
}

// scheduleReadahead starts a background fetch of the chunk after the
// one a read just finished with, once per index per handle.
func (h *fileHandle) scheduleReadahead(entry *filecache.Entry, last uint32) {
	next := last + 1
	if int(next) >= entry.ChunkCount() || entry.HasChunk(next) {
		return
	}
	if h.readahead.Swap(int64(next)) == int64(next) {
		return
	}
	go func() {
		if _, err := h.options.Fetch.FetchOrJoin(context.Background(), entry, next); err != nil {
			h.options.Logger.Debug("readahead failed",
				"path", entry.Path(), "chunk", next, "error", err)
		}
	}()
}

// ensureResident downloads every missing chunk in [first, last],
// in parallel when more than one is missing.
func ensureResident(ctx context.Context, options *Options, entry *filecache.Entry, first, last uint32) error {
	var missing []uint32
	for index := first; index <= last; index++ {
		if !entry.HasChunk(index) {
			missing = append(missing, index)
		}
	}
	switch len(missing) {
	case 0:
		return nil
	case 1:
		_, err := options.Fetch.FetchOrJoin(ctx, entry, missing[0])
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(fetchParallelism)
	for _, index := range missing {
		index := index
		group.Go(func() error {
			_, err := options.Fetch.FetchOrJoin(groupCtx, entry, index)
			return err
		})
	}
	return group.Wait()
}

// growEntry extends entry from size to end with zero fill. When the
// current final chunk is partial and not resident it is fetched
// first, since extending it locally needs its remote bytes.
func growEntry(ctx context.Context, options *Options, entry *filecache.Entry, size, end int64) syscall.Errno {
	if size > 0 && size%entry.ChunkSize() != 0 {
		boundary := uint32((size - 1) / entry.ChunkSize())
		if !entry.HasChunk(boundary) {
			if _, err := options.Fetch.FetchOrJoin(ctx, entry, boundary); err != nil {
				options.Logger.Error("grow: fetching boundary chunk failed",
					"path", entry.Path(), "chunk", boundary, "error", err)
				return errnoFrom(err)
			}
		}
	}
	if err := entry.Truncate(end); err != nil {
		options.Logger.Error("grow failed", "path", entry.Path(), "size", end, "error", err)
		return syscall.EIO
	}
	return 0
}

// truncateEntry changes entry's logical size under writer exclusion.
// Shrinks never need remote data; grows may need the boundary chunk.
func truncateEntry(ctx context.Context, options *Options, entry *filecache.Entry, newSize int64) syscall.Errno {
	if err := entry.AcquireWriter(ctx); err != nil {
		return errnoFrom(err)
	}
	defer entry.ReleaseWriter()

	size := entry.Size()
	switch {
	case newSize == size:
		return 0
	case newSize > size:
		return growEntry(ctx, options, entry, size, newSize)
	default:
		if err := entry.Truncate(newSize); err != nil {
			options.Logger.Error("truncate failed",
				"path", entry.Path(), "size", newSize, "error", err)
			return syscall.EIO
		}
		return 0
	}
}

// flushEntry uploads a dirty entry's full content and marks it clean.
// Chunks never touched locally are fetched first; the remote object
// is then replaced in a single upload.
func flushEntry(ctx context.Context, options *Options, entry *filecache.Entry) syscall.Errno {
	if !entry.Dirty() {
		return 0
	}
	if err := entry.AcquireWriter(ctx); err != nil {
		return errnoFrom(err)
	}
	defer entry.ReleaseWriter()
	if !entry.Dirty() {
		// Another flush of the same entry won the race.
		return 0
	}

	if count := entry.ChunkCount(); count > 0 {
		if err := ensureResident(ctx, options, entry, 0, uint32(count-1)); err != nil {
			options.Logger.Error("flush: completing residency failed",
				"path", entry.Path(), "error", err)
			return errnoFrom(err)
		}
	}
	data, err := entry.Assemble()
	if err != nil {
		options.Logger.Error("flush: assembly failed", "path", entry.Path(), "error", err)
		return syscall.EIO
	}

	path := entry.Path()
	if _, err := options.Client.Upload(ctx, path, "", data); err != nil {
		options.Logger.Error("upload failed", "path", path, "bytes", len(data), "error", err)
		return errnoFrom(err)
	}
	entry.ClearDirty()
	options.Bucket.ForgetLocal(path)
	options.Logger.Debug("uploaded file", "path", path, "bytes", len(data))
	return 0
}

func fillBlocks(attr *fuse.Attr) {
	attr.Blocks = (attr.Size + 511) / 512
	attr.Blksize = 65536 // preferred I/O size hint
}
