// Copyright 2026 The B2FS Authors
// SPDX-License-Identifier: Apache-2.0

// Package filecache reconciles byte-addressed filesystem access with
// a whole-object remote store by caching files as fixed-size chunks.
//
// A Cache maps paths to Entry values. Each Entry tracks which chunks
// of its file are resident (a bitmap plus the chunk buffers), the
// logical file size, and the reader/writer/handle counters that
// decide when its chunks may be evicted. A Coordinator sits between
// entries and the remote store, collapsing concurrent demand for the
// same chunk into a single download.
//
// Resident bytes are bounded: when total usage exceeds the cache's
// budget, the least recently unpinned chunks are dropped. Chunks of
// entries with open handles, active operations, or in-flight fetches
// are never dropped.
package filecache
