// Copyright 2026 The B2FS Authors
// SPDX-License-Identifier: Apache-2.0

package filecache

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

// fakeFetcher serves deterministic bytes per (name, offset) and
// counts downloads. An optional gate holds every download open until
// released, letting tests pile up concurrent callers.
type fakeFetcher struct {
	downloads atomic.Int32
	gate      chan struct{}
	err       error
}

func (f *fakeFetcher) DownloadRange(ctx context.Context, name string, offset, length int64) ([]byte, error) {
	f.downloads.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	if f.err != nil {
		return nil, f.err
	}
	data := make([]byte, length)
	for i := range data {
		data[i] = byte('a' + offset/testChunkSize)
	}
	return data, nil
}

func newTestCoordinator(t *testing.T, fetcher *fakeFetcher) *Coordinator {
	t.Helper()
	coordinator, err := NewCoordinator(fetcher, testLogger())
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	return coordinator
}

func TestFetchOrJoinDownloadsOnce(t *testing.T) {
	fetcher := &fakeFetcher{}
	coordinator := newTestCoordinator(t, fetcher)
	cache := newTestCache()
	entry, _ := cache.GetOrCreate("photos/cat.jpg", testChunkSize*2)

	data, err := coordinator.FetchOrJoin(context.Background(), entry, 1)
	if err != nil {
		t.Fatalf("FetchOrJoin: %v", err)
	}
	if !bytes.Equal(data, chunkBytes('b', testChunkSize)) {
		t.Fatalf("data = %q", data)
	}
	if !entry.HasChunk(1) {
		t.Error("chunk not resident after fetch")
	}
	if got := fetcher.downloads.Load(); got != 1 {
		t.Errorf("downloads = %d, want 1", got)
	}
}

func TestFetchOrJoinConcurrent(t *testing.T) {
	fetcher := &fakeFetcher{gate: make(chan struct{})}
	coordinator := newTestCoordinator(t, fetcher)
	cache := newTestCache()
	entry, _ := cache.GetOrCreate("photos/cat.jpg", testChunkSize)

	const callers = 8
	results := make([][]byte, callers)
	residentAtReturn := make([]bool, callers)
	errs := make([]error, callers)
	var started, done sync.WaitGroup
	for i := 0; i < callers; i++ {
		started.Add(1)
		done.Add(1)
		go func(slot int) {
			defer done.Done()
			started.Done()
			results[slot], errs[slot] = coordinator.FetchOrJoin(context.Background(), entry, 0)
			residentAtReturn[slot] = entry.HasChunk(0)
		}(i)
	}
	started.Wait()
	close(fetcher.gate)
	done.Wait()

	if got := fetcher.downloads.Load(); got != 1 {
		t.Fatalf("downloads = %d, want 1 for %d concurrent callers", got, callers)
	}
	want := chunkBytes('a', testChunkSize)
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if !bytes.Equal(results[i], want) {
			t.Errorf("caller %d got different bytes", i)
		}
		if !residentAtReturn[i] {
			t.Errorf("caller %d returned before the chunk was resident", i)
		}
	}
}

func TestFetchOrJoinServesResident(t *testing.T) {
	fetcher := &fakeFetcher{}
	coordinator := newTestCoordinator(t, fetcher)
	cache := newTestCache()
	entry, _ := cache.GetOrCreate("photos/cat.jpg", testChunkSize)
	entry.InsertChunk(0, chunkBytes('x', testChunkSize))

	data, err := coordinator.FetchOrJoin(context.Background(), entry, 0)
	if err != nil {
		t.Fatalf("FetchOrJoin: %v", err)
	}
	if data[0] != 'x' {
		t.Fatalf("data = %q, want the resident bytes", data[:1])
	}
	if got := fetcher.downloads.Load(); got != 0 {
		t.Errorf("downloads = %d, want 0 for a resident chunk", got)
	}
}

func TestFetchOrJoinSharesFailure(t *testing.T) {
	wantErr := errors.New("connection reset")
	fetcher := &fakeFetcher{gate: make(chan struct{}), err: wantErr}
	coordinator := newTestCoordinator(t, fetcher)
	cache := newTestCache()
	entry, _ := cache.GetOrCreate("photos/cat.jpg", testChunkSize)

	const callers = 4
	errs := make([]error, callers)
	var started, done sync.WaitGroup
	for i := 0; i < callers; i++ {
		started.Add(1)
		done.Add(1)
		go func(slot int) {
			defer done.Done()
			started.Done()
			_, errs[slot] = coordinator.FetchOrJoin(context.Background(), entry, 0)
		}(i)
	}
	started.Wait()
	close(fetcher.gate)
	done.Wait()

	for i := 0; i < callers; i++ {
		if !errors.Is(errs[i], wantErr) {
			t.Errorf("caller %d error = %v, want the shared failure", i, errs[i])
		}
	}
	if entry.HasChunk(0) {
		t.Error("failed fetch left the chunk resident")
	}

	// The registration is cleared on failure, so a retry issues a
	// fresh download rather than joining a dead flight.
	fetcher.gate = nil
	fetcher.err = nil
	before := fetcher.downloads.Load()
	if _, err := coordinator.FetchOrJoin(context.Background(), entry, 0); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
	if got := fetcher.downloads.Load(); got != before+1 {
		t.Errorf("retry downloads = %d, want %d", got, before+1)
	}
}

func TestFetchOrJoinShortFinalChunk(t *testing.T) {
	fetcher := &fakeFetcher{}
	coordinator := newTestCoordinator(t, fetcher)
	cache := newTestCache()
	entry, _ := cache.GetOrCreate("photos/cat.jpg", testChunkSize+3)

	data, err := coordinator.FetchOrJoin(context.Background(), entry, 1)
	if err != nil {
		t.Fatalf("FetchOrJoin: %v", err)
	}
	if len(data) != 3 {
		t.Fatalf("final chunk length = %d, want 3", len(data))
	}
}

func TestFetchOrJoinBeyondEnd(t *testing.T) {
	fetcher := &fakeFetcher{}
	coordinator := newTestCoordinator(t, fetcher)
	cache := newTestCache()
	entry, _ := cache.GetOrCreate("photos/cat.jpg", testChunkSize)

	if _, err := coordinator.FetchOrJoin(context.Background(), entry, 5); err == nil {
		t.Fatal("expected error for a chunk past the end of the file")
	}
	if got := fetcher.downloads.Load(); got != 0 {
		t.Errorf("downloads = %d, want 0", got)
	}
}

func TestRenameAvoidsRefetch(t *testing.T) {
	fetcher := &fakeFetcher{}
	coordinator := newTestCoordinator(t, fetcher)
	cache := newTestCache()
	entry, _ := cache.GetOrCreate("photos/cat.jpg", testChunkSize*2)

	var before [][]byte
	for index := uint32(0); index < 2; index++ {
		data, err := coordinator.FetchOrJoin(context.Background(), entry, index)
		if err != nil {
			t.Fatalf("FetchOrJoin(%d): %v", index, err)
		}
		before = append(before, data)
	}
	if got := fetcher.downloads.Load(); got != 2 {
		t.Fatalf("downloads = %d, want 2", got)
	}

	if !cache.Rename("photos/cat.jpg", "photos/feline.jpg") {
		t.Fatal("Rename failed")
	}
	renamed, ok := cache.Lookup("photos/feline.jpg")
	if !ok {
		t.Fatal("renamed entry not tracked")
	}

	for index := uint32(0); index < 2; index++ {
		data, err := coordinator.FetchOrJoin(context.Background(), renamed, index)
		if err != nil {
			t.Fatalf("FetchOrJoin(%d) after rename: %v", index, err)
		}
		if !bytes.Equal(data, before[index]) {
			t.Errorf("chunk %d bytes changed across rename", index)
		}
	}
	if got := fetcher.downloads.Load(); got != 2 {
		t.Errorf("downloads = %d after rename reads, want 2 (no refetch)", got)
	}
}

func TestNewCoordinatorRequiresFetcher(t *testing.T) {
	if _, err := NewCoordinator(nil, testLogger()); err == nil {
		t.Fatal("expected error for nil fetcher")
	}
}

// TestFetchOrJoinDistinctChunksFetchSeparately pins down the dedup
// key: different chunks of one file do not join each other.
func TestFetchOrJoinDistinctChunksFetchSeparately(t *testing.T) {
	fetcher := &fakeFetcher{}
	coordinator := newTestCoordinator(t, fetcher)
	cache := newTestCache()
	entry, _ := cache.GetOrCreate("photos/cat.jpg", testChunkSize*3)

	for index := uint32(0); index < 3; index++ {
		if _, err := coordinator.FetchOrJoin(context.Background(), entry, index); err != nil {
			t.Fatalf("FetchOrJoin(%d): %v", index, err)
		}
	}
	if got := fetcher.downloads.Load(); got != 3 {
		t.Errorf("downloads = %d, want 3", got)
	}
	for index := uint32(0); index < 3; index++ {
		offset, length := entry.ChunkExtent(index)
		data, ok := entry.Chunk(index)
		if !ok || int64(len(data)) != length {
			t.Errorf("chunk %d: resident %v, length %d, want %d (offset %d)",
				index, ok, len(data), length, offset)
		}
	}
}
