// Copyright 2026 The B2FS Authors
// SPDX-License-Identifier: Apache-2.0

// Package bucket presents the flat remote namespace as a directory
// tree. The remote store has no directories: names are slash-separated
// strings, and "directories" exist only as common prefixes in
// delimiter listings. This package synthesizes that tree view, caches
// listing and stat results for a short TTL, and overlays two kinds of
// purely local state: directories created by mkdir that have no remote
// files under them yet, and files created locally that have not been
// uploaded.
package bucket
