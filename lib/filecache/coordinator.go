// Copyright 2026 The B2FS Authors
// SPDX-License-Identifier: Apache-2.0

package filecache

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"golang.org/x/sync/singleflight"
)

// Fetcher downloads one byte range of a named remote object. The
// b2 client's ranged download satisfies it.
type Fetcher interface {
	DownloadRange(ctx context.Context, name string, offset, length int64) ([]byte, error)
}

// Coordinator deduplicates concurrent demand for the same chunk: any
// number of callers asking for one (path, chunk) key share a single
// download, and all of them receive the same bytes or the same error.
type Coordinator struct {
	fetcher Fetcher
	logger  *slog.Logger
	group   singleflight.Group
}

// NewCoordinator creates a coordinator that downloads through
// fetcher.
func NewCoordinator(fetcher Fetcher, logger *slog.Logger) (*Coordinator, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("filecache: coordinator requires a fetcher")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{fetcher: fetcher, logger: logger}, nil
}

// FetchOrJoin returns the bytes of chunk index, downloading them if
// they are not resident. Concurrent callers for the same chunk join
// the in-flight download instead of issuing their own; the chunk is
// inserted into the entry before any of them is released, and the
// in-flight registration is cleared on completion so a failed fetch
// can be retried. The first caller's context governs the shared
// download.
func (co *Coordinator) FetchOrJoin(ctx context.Context, entry *Entry, index uint32) ([]byte, error) {
	if data, ok := entry.Chunk(index); ok {
		return data, nil
	}

	key := entry.Path() + "\x00" + strconv.FormatUint(uint64(index), 10)
	value, err, _ := co.group.Do(key, func() (any, error) {
		// A racer may have completed between the resident check and
		// the registration.
		if data, ok := entry.Chunk(index); ok {
			return data, nil
		}

		entry.beginFetch()
		defer entry.endFetch()

		offset, length := entry.ChunkExtent(index)
		if length <= 0 {
			return nil, fmt.Errorf("filecache: chunk %d of %s is beyond the end of the file (size %d)",
				index, entry.Path(), entry.Size())
		}

		co.logger.Debug("fetching chunk",
			"path", entry.Path(),
			"chunk", index,
			"offset", offset,
			"length", length,
		)
		data, err := co.fetcher.DownloadRange(ctx, entry.Path(), offset, length)
		if err != nil {
			return nil, err
		}
		entry.InsertChunk(index, data)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return value.([]byte), nil
}
