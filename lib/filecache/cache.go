// Copyright 2026 The B2FS Authors
// SPDX-License-Identifier: Apache-2.0

package filecache

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/golang/groupcache/lru"
)

const (
	// DefaultChunkSize is the transfer unit between the cache and the
	// remote store. Ranged downloads and reassembled uploads both
	// work in these units.
	DefaultChunkSize = 5 << 20

	// DefaultMaxBytes bounds resident chunk data across all files.
	DefaultMaxBytes = 512 << 20
)

// Config parameterizes a Cache. Zero values select defaults.
type Config struct {
	// ChunkSize is the chunk size in bytes for all entries.
	ChunkSize int64

	// MaxBytes bounds total resident chunk bytes. The bound is
	// enforced against unpinned entries only: data held by open
	// handles, active operations, or in-flight fetches is never
	// evicted, so usage can exceed the bound while everything
	// resident is pinned.
	MaxBytes int64

	// Logger receives eviction diagnostics. Defaults to the process
	// logger.
	Logger *slog.Logger
}

// chunkKey identifies one chunk in the eviction list.
type chunkKey struct {
	path  string
	index uint32
}

// Cache is the process-wide map from path to file entry, plus the
// byte-budget eviction state shared by all entries.
//
// Locking: the cache mutex guards the path map, the eviction list,
// and the usage counter, and is always taken before any entry's
// mutex. It is held only for bookkeeping, never across chunk I/O.
//
// The eviction list holds exactly the chunks of unpinned entries.
// When an entry gains its first pin its chunks leave the list; when
// the last pin drops they re-enter, newest first. Eviction pops the
// least recently unpinned chunk until usage is back under the bound.
type Cache struct {
	chunkSize int64
	maxBytes  int64
	logger    *slog.Logger

	mu      sync.Mutex
	entries map[string]*Entry
	evict   *lru.Cache
	usage   int64

	// suppress disables the eviction callback while chunks are being
	// repinned or rekeyed rather than discarded.
	suppress int
}

// New creates an empty cache.
func New(config Config) *Cache {
	if config.ChunkSize <= 0 {
		config.ChunkSize = DefaultChunkSize
	}
	if config.MaxBytes <= 0 {
		config.MaxBytes = DefaultMaxBytes
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	c := &Cache{
		chunkSize: config.ChunkSize,
		maxBytes:  config.MaxBytes,
		logger:    config.Logger,
		entries:   make(map[string]*Entry),
		evict:     lru.New(0),
	}
	c.evict.OnEvicted = c.onEvicted
	return c
}

// ChunkSize returns the chunk size entries are created with.
func (c *Cache) ChunkSize() int64 {
	return c.chunkSize
}

// Lookup returns the entry for path if one is tracked. It never
// creates.
func (c *Cache) Lookup(path string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[path]
	return entry, ok
}

// GetOrCreate returns the entry for path, creating it with the given
// size if absent. Concurrent callers racing on an untracked path all
// receive the same entry; exactly one observes created == true. The
// size applies only at creation.
func (c *Cache) GetOrCreate(path string, size int64) (entry *Entry, created bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[path]; ok {
		return entry, false
	}
	entry = newEntry(c, path, size, c.chunkSize)
	c.entries[path] = entry
	return entry, true
}

// Remove detaches the entry for path from the map. Holders of the
// entry keep a usable reference; its chunks simply stop counting
// against the cache and a later GetOrCreate for the same path builds
// a fresh entry. Removing an untracked path is a no-op.
func (c *Cache) Remove(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[path]
	if !ok {
		return
	}
	c.detachLocked(path, entry)
}

// Rename atomically relocates the mapping for from to to, preserving
// the entry and all resident chunks. An existing entry at to is
// detached, matching rename-over-target semantics. Returns false if
// from is not tracked.
func (c *Cache) Rename(from, to string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.renameLocked(from, to)
}

// RenamePrefix relocates the entry at from plus every entry under
// from+"/" to the corresponding path under to, as a directory rename
// does. Returns the number of entries moved.
func (c *Cache) RenamePrefix(from, to string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	prefix := from + "/"
	var paths []string
	for path := range c.entries {
		if path == from || strings.HasPrefix(path, prefix) {
			paths = append(paths, path)
		}
	}
	for _, path := range paths {
		c.renameLocked(path, to+path[len(from):])
	}
	return len(paths)
}

func (c *Cache) renameLocked(from, to string) bool {
	entry, ok := c.entries[from]
	if !ok {
		return false
	}
	if target, ok := c.entries[to]; ok && target != entry {
		c.detachLocked(to, target)
	}
	delete(c.entries, from)
	c.entries[to] = entry

	entry.mu.Lock()
	entry.path = to
	pinned := entry.pinnedLocked()
	var refs []chunkRef
	if !pinned {
		refs = entry.residentRefsLocked()
	}
	entry.mu.Unlock()

	// Unpinned chunks sit in the eviction list under the old path;
	// rekey them. Pinned chunks are not listed and need nothing.
	for _, ref := range refs {
		c.suppress++
		c.evict.Remove(chunkKey{path: from, index: ref.index})
		c.suppress--
		c.evict.Add(chunkKey{path: to, index: ref.index}, ref.size)
	}
	return true
}

// Len returns the number of tracked entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Usage returns the resident chunk bytes currently counted against
// the bound.
func (c *Cache) Usage() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage
}

// MaxBytes returns the configured eviction bound.
func (c *Cache) MaxBytes() int64 {
	return c.maxBytes
}

// detachLocked marks entry removed, drops its chunks from the
// eviction list, and subtracts its resident bytes from usage. Callers
// hold c.mu.
func (c *Cache) detachLocked(path string, entry *Entry) {
	entry.mu.Lock()
	entry.detached = true
	refs := entry.residentRefsLocked()
	entry.mu.Unlock()

	var resident int64
	for _, ref := range refs {
		resident += ref.size
		c.suppress++
		c.evict.Remove(chunkKey{path: path, index: ref.index})
		c.suppress--
	}
	c.usage -= resident
	delete(c.entries, path)
}

// adjustPins applies counter deltas to entry and, when the entry's
// pin state flips, moves its chunks out of or into the eviction list.
func (c *Cache) adjustPins(entry *Entry, dReaders, dWriters, dHandles, dFetches int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry.mu.Lock()
	wasPinned := entry.pinnedLocked()
	entry.applyCountersLocked(dReaders, dWriters, dHandles, dFetches)
	nowPinned := entry.pinnedLocked()
	detached := entry.detached
	path := entry.path
	var refs []chunkRef
	if wasPinned != nowPinned && !detached {
		refs = entry.residentRefsLocked()
	}
	entry.mu.Unlock()

	if wasPinned == nowPinned || detached {
		return
	}
	if nowPinned {
		for _, ref := range refs {
			c.suppress++
			c.evict.Remove(chunkKey{path: path, index: ref.index})
			c.suppress--
		}
		return
	}
	for _, ref := range refs {
		c.evict.Add(chunkKey{path: path, index: ref.index}, ref.size)
	}
	c.evictOverBudgetLocked()
}

// noteUsage records a change in entry's resident bytes and evicts if
// the bound is exceeded. The detached check runs under c.mu so a
// concurrent Remove cannot double-count.
func (c *Cache) noteUsage(entry *Entry, delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry.mu.Lock()
	detached := entry.detached
	entry.mu.Unlock()
	if detached {
		return
	}

	c.usage += delta
	if delta > 0 {
		c.evictOverBudgetLocked()
	}
}

// evictOverBudgetLocked pops least recently unpinned chunks until
// usage is within the bound or nothing evictable remains. Callers
// hold c.mu.
func (c *Cache) evictOverBudgetLocked() {
	for c.usage > c.maxBytes && c.evict.Len() > 0 {
		c.evict.RemoveOldest()
	}
}

// onEvicted runs inside the eviction list's Remove and RemoveOldest
// calls with c.mu held. Suppressed removals are repins or rekeys, not
// discards.
func (c *Cache) onEvicted(key lru.Key, value any) {
	if c.suppress > 0 {
		return
	}
	ck := key.(chunkKey)
	size := value.(int64)
	c.usage -= size
	if entry, ok := c.entries[ck.path]; ok {
		entry.evictChunk(ck.index)
	}
	c.logger.Debug("evicted chunk",
		"path", ck.path,
		"chunk", ck.index,
		"size", size,
		"usage", c.usage,
	)
}
