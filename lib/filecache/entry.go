// Copyright 2026 The B2FS Authors
// SPDX-License-Identifier: Apache-2.0

package filecache

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// maxConcurrentReaders is the semaphore weight of one file entry's
// read/write gate. Readers acquire weight 1; a writer acquires the
// full weight, excluding readers and other writers. The value only
// needs to exceed any plausible number of simultaneous readers.
const maxConcurrentReaders = 1 << 30

// Chunk pairs a chunk index with its cached bytes.
type Chunk struct {
	Index uint32
	Data  []byte
}

// Entry is the per-file cache state: the authoritative logical size,
// a residency bitmap, the resident chunk buffers, and the counters
// that track concurrent use.
//
// Three layers of synchronization apply, from innermost out:
//
//   - An internal mutex protects the bitmap, chunk map, size, and
//     counters. All methods take it; critical sections never span I/O.
//
//   - AcquireReader/AcquireWriter enforce read/write exclusion across
//     whole filesystem operations: any number of concurrent readers,
//     or exactly one writer. Waiters are admitted in arrival order,
//     so a blocked writer also blocks readers that arrive after it.
//
//   - Ref/Unref count open handles. An entry with open handles,
//     active operations, or an in-flight fetch is pinned: its chunks
//     are exempt from cache eviction.
//
// Chunk mutation (InsertChunk, WriteAt, Truncate) is only permitted
// while the entry is pinned or detached; the eviction bookkeeping in
// Cache depends on unpinned entries being quiescent.
type Entry struct {
	cache *Cache // nil for entries detached before creation (tests)
	gate  *semaphore.Weighted

	mu        sync.RWMutex
	path      string
	size      int64
	chunkSize int64
	residency bitmap
	chunks    map[uint32][]byte
	dirty     bool

	// Counters forming the pin state. readers and writers count
	// in-flight operations (not open handles); handles counts open
	// bridge handles; fetches counts registered in-flight downloads.
	readers int
	writers int
	handles int
	fetches int

	// detached marks an entry removed from the path map. Holders of
	// the entry keep using it, but it no longer participates in the
	// cache's usage accounting or eviction.
	detached bool
}

func newEntry(cache *Cache, path string, size, chunkSize int64) *Entry {
	return &Entry{
		cache:     cache,
		gate:      semaphore.NewWeighted(maxConcurrentReaders),
		path:      path,
		size:      size,
		chunkSize: chunkSize,
		chunks:    make(map[uint32][]byte),
	}
}

// Path returns the entry's current path. Rename updates it.
func (e *Entry) Path() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.path
}

// Size returns the logical file size in bytes.
func (e *Entry) Size() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.size
}

// ChunkSize returns the fixed chunk size this entry was created with.
func (e *Entry) ChunkSize() int64 {
	return e.chunkSize
}

// ChunkCount returns the number of chunks the logical file spans.
func (e *Entry) ChunkCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return int((e.size + e.chunkSize - 1) / e.chunkSize)
}

// ChunkExtent returns the byte offset and length of chunk index
// within the logical file. The final chunk is short when the size is
// not a chunk multiple. A zero length means the index lies past the
// end of the file.
func (e *Entry) ChunkExtent(index uint32) (offset, length int64) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.chunkExtentLocked(index)
}

func (e *Entry) chunkExtentLocked(index uint32) (offset, length int64) {
	offset = int64(index) * e.chunkSize
	length = e.size - offset
	if length > e.chunkSize {
		length = e.chunkSize
	}
	if length < 0 {
		length = 0
	}
	return offset, length
}

// ChunkSpan returns the inclusive range of chunk indices a byte range
// touches. length must be positive.
func (e *Entry) ChunkSpan(offset, length int64) (first, last uint32) {
	return uint32(offset / e.chunkSize), uint32((offset + length - 1) / e.chunkSize)
}

// HasChunk reports whether chunk index is resident.
func (e *Entry) HasChunk(index uint32) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.residency.test(index)
}

// Chunk returns the resident bytes for chunk index, or false if the
// chunk is not resident. It never fetches. The returned slice is the
// cache's buffer: callers copy out of it and must not retain it
// across a release of their reader or writer state.
func (e *Entry) Chunk(index uint32) ([]byte, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	data, ok := e.chunks[index]
	return data, ok
}

// InsertChunk makes chunk index resident with the given bytes, taking
// ownership of the slice. Inserting an already-resident index
// replaces its bytes; the bitmap is unchanged.
func (e *Entry) InsertChunk(index uint32, data []byte) {
	e.mu.Lock()
	var delta int64
	if e.residency.set(index) {
		delta = int64(len(data))
	} else {
		delta = int64(len(data)) - int64(len(e.chunks[index]))
	}
	e.chunks[index] = data
	cache, detached := e.cache, e.detached
	e.mu.Unlock()

	if cache != nil && !detached {
		cache.noteUsage(e, delta)
	}
}

// ResidentChunks returns the resident chunks in ascending index
// order, regardless of insertion order. The slice is a snapshot; the
// chunk buffers are shared with the cache.
func (e *Entry) ResidentChunks() []Chunk {
	e.mu.RLock()
	defer e.mu.RUnlock()
	chunks := make([]Chunk, 0, e.residency.count())
	e.residency.forEach(func(index uint32) {
		chunks = append(chunks, Chunk{Index: index, Data: e.chunks[index]})
	})
	return chunks
}

// Assemble concatenates all chunks into the complete file image for
// upload. Every chunk of the logical size must be resident.
func (e *Entry) Assemble() ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	count := uint32((e.size + e.chunkSize - 1) / e.chunkSize)
	buf := make([]byte, 0, e.size)
	for index := uint32(0); index < count; index++ {
		if !e.residency.test(index) {
			return nil, fmt.Errorf("filecache: chunk %d of %s not resident", index, e.path)
		}
		_, want := e.chunkExtentLocked(index)
		data := e.chunks[index]
		if int64(len(data)) != want {
			return nil, fmt.Errorf("filecache: chunk %d of %s is %d bytes, want %d",
				index, e.path, len(data), want)
		}
		buf = append(buf, data...)
	}
	return buf, nil
}

// ReadAt copies resident bytes into buf starting at offset. The read
// is clamped to the logical size; a zero count with a nil error means
// offset at or past the end. Every chunk the clamped range touches
// must be resident.
func (e *Entry) ReadAt(buf []byte, offset int64) (int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if offset < 0 {
		return 0, fmt.Errorf("filecache: negative read offset %d", offset)
	}
	if offset >= e.size {
		return 0, nil
	}
	length := int64(len(buf))
	if remaining := e.size - offset; length > remaining {
		length = remaining
	}

	copied := int64(0)
	for copied < length {
		position := offset + copied
		index := uint32(position / e.chunkSize)
		if !e.residency.test(index) {
			return int(copied), fmt.Errorf("filecache: chunk %d of %s not resident", index, e.path)
		}
		within := position - int64(index)*e.chunkSize
		data := e.chunks[index]
		if within >= int64(len(data)) {
			return int(copied), fmt.Errorf("filecache: chunk %d of %s shorter than expected", index, e.path)
		}
		copied += int64(copy(buf[copied:length], data[within:]))
	}
	return int(copied), nil
}

// WriteAt copies data into resident chunks starting at offset,
// growing the final chunk's buffer within its chunk boundary and
// extending the logical size when the write reaches past the current
// end. Every chunk the range touches must already be resident;
// callers extend residency first (fetch, or Truncate for holes).
func (e *Entry) WriteAt(data []byte, offset int64) (int, error) {
	if offset < 0 {
		return 0, fmt.Errorf("filecache: negative write offset %d", offset)
	}
	if len(data) == 0 {
		return 0, nil
	}

	e.mu.Lock()
	var delta int64
	written := int64(0)
	length := int64(len(data))
	for written < length {
		position := offset + written
		index := uint32(position / e.chunkSize)
		if !e.residency.test(index) {
			e.mu.Unlock()
			return int(written), fmt.Errorf("filecache: chunk %d of %s not resident for write at offset %d",
				index, e.path, offset)
		}
		within := position - int64(index)*e.chunkSize
		span := length - written
		if max := e.chunkSize - within; span > max {
			span = max
		}

		buf := e.chunks[index]
		if need := within + span; int64(len(buf)) < need {
			grown := make([]byte, need)
			copy(grown, buf)
			delta += need - int64(len(buf))
			buf = grown
			e.chunks[index] = buf
		}
		copy(buf[within:within+span], data[written:written+span])
		written += span
	}
	if end := offset + length; end > e.size {
		e.size = end
	}
	e.dirty = true
	cache, detached := e.cache, e.detached
	e.mu.Unlock()

	if cache != nil && !detached && delta != 0 {
		cache.noteUsage(e, delta)
	}
	return int(written), nil
}

// Truncate sets the logical size. Shrinking drops chunks past the new
// end and trims the new final chunk. Growing zero-fills: the old
// final chunk is padded (it must be resident if partial) and whole
// zero chunks are inserted up to the new end.
func (e *Entry) Truncate(newSize int64) error {
	if newSize < 0 {
		return fmt.Errorf("filecache: negative truncate size %d", newSize)
	}

	e.mu.Lock()
	oldSize := e.size
	var delta int64
	switch {
	case newSize < oldSize:
		delta = e.shrinkLocked(newSize)
	case newSize > oldSize:
		grown, err := e.growLocked(newSize)
		if err != nil {
			e.mu.Unlock()
			return err
		}
		delta = grown
	default:
		e.mu.Unlock()
		return nil
	}
	e.size = newSize
	e.dirty = true
	cache, detached := e.cache, e.detached
	e.mu.Unlock()

	if cache != nil && !detached && delta != 0 {
		cache.noteUsage(e, delta)
	}
	return nil
}

func (e *Entry) shrinkLocked(newSize int64) int64 {
	var delta int64
	oldCount := uint32((e.size + e.chunkSize - 1) / e.chunkSize)
	newCount := uint32((newSize + e.chunkSize - 1) / e.chunkSize)
	for index := newCount; index < oldCount; index++ {
		if !e.residency.test(index) {
			continue
		}
		delta -= int64(len(e.chunks[index]))
		e.residency.clear(index)
		delete(e.chunks, index)
	}
	if newCount > 0 && e.residency.test(newCount-1) {
		index := newCount - 1
		keep := newSize - int64(index)*e.chunkSize
		if data := e.chunks[index]; int64(len(data)) > keep {
			delta -= int64(len(data)) - keep
			e.chunks[index] = data[:keep:keep]
		}
	}
	return delta
}

func (e *Entry) growLocked(newSize int64) (int64, error) {
	var delta int64
	oldCount := uint32((e.size + e.chunkSize - 1) / e.chunkSize)
	newCount := uint32((newSize + e.chunkSize - 1) / e.chunkSize)

	// Pad the old final chunk out to its new extent. A partial chunk
	// that is not resident cannot be extended locally, because its
	// remote bytes would be lost.
	if oldCount > 0 && e.size%e.chunkSize != 0 {
		index := oldCount - 1
		if !e.residency.test(index) {
			return 0, fmt.Errorf("filecache: cannot extend %s: chunk %d not resident", e.path, index)
		}
		extent := newSize - int64(index)*e.chunkSize
		if extent > e.chunkSize {
			extent = e.chunkSize
		}
		if data := e.chunks[index]; int64(len(data)) < extent {
			grown := make([]byte, extent)
			copy(grown, data)
			delta += extent - int64(len(data))
			e.chunks[index] = grown
		}
	}

	for index := oldCount; index < newCount; index++ {
		extent := newSize - int64(index)*e.chunkSize
		if extent > e.chunkSize {
			extent = e.chunkSize
		}
		if e.residency.set(index) {
			delta += extent
		} else {
			delta += extent - int64(len(e.chunks[index]))
		}
		grown := make([]byte, extent)
		copy(grown, e.chunks[index])
		e.chunks[index] = grown
	}
	return delta, nil
}

// MarkDirty records that the entry has local modifications not yet
// uploaded.
func (e *Entry) MarkDirty() {
	e.mu.Lock()
	e.dirty = true
	e.mu.Unlock()
}

// ClearDirty records a successful upload of the current content.
func (e *Entry) ClearDirty() {
	e.mu.Lock()
	e.dirty = false
	e.mu.Unlock()
}

// Dirty reports whether the entry has local modifications not yet
// uploaded.
func (e *Entry) Dirty() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dirty
}

// AcquireReader admits the caller as one of any number of concurrent
// readers, blocking while a writer is active or waiting. It returns
// the context's error if ctx ends first.
func (e *Entry) AcquireReader(ctx context.Context) error {
	if err := e.gate.Acquire(ctx, 1); err != nil {
		return err
	}
	e.adjustCounters(1, 0, 0, 0)
	return nil
}

// ReleaseReader ends a reader admitted by AcquireReader.
func (e *Entry) ReleaseReader() {
	e.adjustCounters(-1, 0, 0, 0)
	e.gate.Release(1)
}

// AcquireWriter admits the caller as the sole writer, blocking until
// all readers and any prior writer have released. It returns the
// context's error if ctx ends first.
func (e *Entry) AcquireWriter(ctx context.Context) error {
	if err := e.gate.Acquire(ctx, maxConcurrentReaders); err != nil {
		return err
	}
	e.adjustCounters(0, 1, 0, 0)
	return nil
}

// ReleaseWriter ends the writer admitted by AcquireWriter.
func (e *Entry) ReleaseWriter() {
	e.adjustCounters(0, -1, 0, 0)
	e.gate.Release(maxConcurrentReaders)
}

// Active returns the number of in-flight read and write operations.
func (e *Entry) Active() (readers, writers int) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.readers, e.writers
}

// Ref records an open handle on the entry, pinning its chunks.
func (e *Entry) Ref() {
	e.adjustCounters(0, 0, 1, 0)
}

// Unref releases a handle recorded by Ref. When the last pin drops,
// the entry's chunks become eligible for eviction.
func (e *Entry) Unref() {
	e.adjustCounters(0, 0, -1, 0)
}

// Refs returns the number of open handles.
func (e *Entry) Refs() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.handles
}

func (e *Entry) beginFetch() {
	e.adjustCounters(0, 0, 0, 1)
}

func (e *Entry) endFetch() {
	e.adjustCounters(0, 0, 0, -1)
}

// adjustCounters routes counter changes through the owning cache so
// pin transitions update eviction state, or applies them directly for
// cacheless entries.
func (e *Entry) adjustCounters(dReaders, dWriters, dHandles, dFetches int) {
	if e.cache != nil {
		e.cache.adjustPins(e, dReaders, dWriters, dHandles, dFetches)
		return
	}
	e.mu.Lock()
	e.applyCountersLocked(dReaders, dWriters, dHandles, dFetches)
	e.mu.Unlock()
}

func (e *Entry) applyCountersLocked(dReaders, dWriters, dHandles, dFetches int) {
	e.readers += dReaders
	e.writers += dWriters
	e.handles += dHandles
	e.fetches += dFetches
	if e.readers < 0 || e.writers < 0 || e.handles < 0 || e.fetches < 0 {
		panic("filecache: release without matching acquire")
	}
}

// pinnedLocked reports whether any handle, operation, or fetch holds
// the entry. Callers hold e.mu.
func (e *Entry) pinnedLocked() bool {
	return e.readers+e.writers+e.handles+e.fetches > 0
}

// residentRefsLocked snapshots the resident chunk indices and their
// byte sizes in ascending order. Callers hold e.mu.
func (e *Entry) residentRefsLocked() []chunkRef {
	refs := make([]chunkRef, 0, e.residency.count())
	e.residency.forEach(func(index uint32) {
		refs = append(refs, chunkRef{index: index, size: int64(len(e.chunks[index]))})
	})
	return refs
}

// evictChunk drops one resident chunk, returning the bytes freed.
// Called by the cache with eviction bookkeeping already done.
func (e *Entry) evictChunk(index uint32) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.residency.test(index) {
		return 0
	}
	freed := int64(len(e.chunks[index]))
	e.residency.clear(index)
	delete(e.chunks, index)
	return freed
}

// chunkRef is a (chunk index, byte size) pair used by the cache's
// eviction bookkeeping.
type chunkRef struct {
	index uint32
	size  int64
}
