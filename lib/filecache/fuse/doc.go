// Copyright 2026 The B2FS Authors
// SPDX-License-Identifier: Apache-2.0

// Package fuse exposes a remote bucket as a mounted filesystem.
//
// Directory state comes from bucket.Service, file content from
// filecache, and every remote byte moves through the b2 client. The
// kernel callbacks map onto the core as follows:
//
//   - lookup, getattr: bucket.Service.Stat, with sizes overridden by
//     the cache entry while a file has unflushed writes
//   - readdir: bucket.Service.List
//   - open, create: filecache.Cache.GetOrCreate plus a handle
//     reference that pins the entry's chunks
//   - read: Coordinator.FetchOrJoin for each missing chunk in the
//     request span, then Entry.ReadAt under a reader acquisition
//   - write: missing spanned chunks fetched, zero-fill growth past
//     the current end, then Entry.WriteAt under a writer acquisition
//   - truncate (setattr): Entry.Truncate, fetching the boundary chunk
//     first when growth would pad a partial chunk
//   - flush, fsync, release: if the entry is dirty, fetch whatever is
//     still missing, Entry.Assemble, upload, Entry.ClearDirty
//   - unlink: hide the remote file, drop the cache entry
//   - rename: re-upload under the new name, hide the old one, and
//     relocate the cache entry so resident chunks survive
//   - mkdir, rmdir: bucket.Service synthetic directories
//   - statfs: cache usage against its configured budget
//
// Reader/writer exclusion is per operation, not per open handle: a
// descriptor held open for writing does not block readers between its
// writes.
package fuse
