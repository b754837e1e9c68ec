// Copyright 2026 The B2FS Authors
// SPDX-License-Identifier: Apache-2.0

package b2

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// listBucketsBody is the canned bucket resolution response used by
// endpoint tests: bucket "photos" has ID "bkt1".
const listBucketsBody = `{"buckets":[{"bucketId":"bkt1","bucketName":"photos","bucketType":"allPrivate"},{"bucketId":"bkt2","bucketName":"backups","bucketType":"allPrivate"}]}`

func TestListBuckets(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/b2api/v1/b2_list_buckets" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var request map[string]string
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		if request["accountId"] != "abc123" {
			t.Errorf("accountId = %q, want abc123", request["accountId"])
		}
		w.Write([]byte(listBucketsBody))
	}))
	t.Cleanup(server.Close)

	client, _ := newTestClient(t, server)

	buckets, err := client.ListBuckets(context.Background())
	if err != nil {
		t.Fatalf("ListBuckets: %v", err)
	}
	if len(buckets) != 2 {
		t.Fatalf("buckets = %d, want 2", len(buckets))
	}
	if buckets[0].ID != "bkt1" || buckets[0].Name != "photos" {
		t.Fatalf("first bucket = %+v", buckets[0])
	}
}

func TestResolveBucketIDCachesResult(t *testing.T) {
	var listCalls int
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		listCalls++
		mu.Unlock()
		w.Write([]byte(listBucketsBody))
	}))
	t.Cleanup(server.Close)

	client, _ := newTestClient(t, server)

	for i := 0; i < 3; i++ {
		id, err := client.resolveBucketID(context.Background())
		if err != nil {
			t.Fatalf("resolveBucketID: %v", err)
		}
		if id != "bkt1" {
			t.Fatalf("bucket ID = %q, want bkt1", id)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if listCalls != 1 {
		t.Fatalf("bucket listings = %d, want 1 (cached afterwards)", listCalls)
	}
}

func TestResolveBucketIDUnknownBucket(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"buckets":[]}`))
	}))
	t.Cleanup(server.Close)

	client, _ := newTestClient(t, server)

	if _, err := client.resolveBucketID(context.Background()); err == nil {
		t.Fatal("expected error for unknown bucket name")
	}
}

func TestListFileNames(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/b2api/v1/b2_list_buckets":
			w.Write([]byte(listBucketsBody))
		case "/b2api/v1/b2_list_file_names":
			var request map[string]any
			if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
				t.Errorf("decoding request: %v", err)
			}
			if request["bucketId"] != "bkt1" {
				t.Errorf("bucketId = %v, want bkt1", request["bucketId"])
			}
			if request["prefix"] != "photos/2026/" {
				t.Errorf("prefix = %v", request["prefix"])
			}
			if request["delimiter"] != "/" {
				t.Errorf("delimiter = %v", request["delimiter"])
			}
			w.Write([]byte(`{
				"files": [
					{"fileId":"f1","fileName":"photos/2026/a.jpg","contentLength":1024,"contentType":"image/jpeg","contentSha1":"da39a3ee","uploadTimestamp":1767225600000,"action":"upload"},
					{"fileId":"","fileName":"photos/2026/trips/","contentLength":0,"contentType":"","contentSha1":"","uploadTimestamp":0,"action":"folder"}
				],
				"nextFileName": "photos/2026/b.jpg"
			}`))
		default:
			t.Errorf("unexpected path %q", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(server.Close)

	client, _ := newTestClient(t, server)

	page, err := client.ListFileNames(context.Background(), "photos/2026/", "/", "", 0)
	if err != nil {
		t.Fatalf("ListFileNames: %v", err)
	}
	if len(page.Files) != 2 {
		t.Fatalf("files = %d, want 2", len(page.Files))
	}

	file := page.Files[0]
	if file.Name != "photos/2026/a.jpg" || file.Size != 1024 || file.Folder {
		t.Fatalf("file entry = %+v", file)
	}
	wantUploaded := time.UnixMilli(1767225600000)
	if !file.Uploaded.Equal(wantUploaded) {
		t.Fatalf("Uploaded = %v, want %v", file.Uploaded, wantUploaded)
	}

	folder := page.Files[1]
	if !folder.Folder || folder.Name != "photos/2026/trips/" {
		t.Fatalf("folder entry = %+v", folder)
	}

	if page.NextFileName != "photos/2026/b.jpg" {
		t.Fatalf("NextFileName = %q", page.NextFileName)
	}
}

func TestListFileNamesFinalPage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/b2api/v1/b2_list_buckets":
			w.Write([]byte(listBucketsBody))
		default:
			w.Write([]byte(`{"files":[],"nextFileName":null}`))
		}
	}))
	t.Cleanup(server.Close)

	client, _ := newTestClient(t, server)

	page, err := client.ListFileNames(context.Background(), "", "", "", 0)
	if err != nil {
		t.Fatalf("ListFileNames: %v", err)
	}
	if page.NextFileName != "" {
		t.Fatalf("NextFileName = %q, want empty on the final page", page.NextFileName)
	}
}

func TestHideFile(t *testing.T) {
	var hidden string
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/b2api/v1/b2_list_buckets":
			w.Write([]byte(listBucketsBody))
		case "/b2api/v1/b2_hide_file":
			var request map[string]string
			json.NewDecoder(r.Body).Decode(&request)
			mu.Lock()
			hidden = request["fileName"]
			mu.Unlock()
			if request["bucketId"] != "bkt1" {
				t.Errorf("bucketId = %q", request["bucketId"])
			}
			w.Write([]byte(`{"fileId":"f9","fileName":"` + request["fileName"] + `","action":"hide"}`))
		default:
			t.Errorf("unexpected path %q", r.URL.Path)
		}
	}))
	t.Cleanup(server.Close)

	client, _ := newTestClient(t, server)

	if err := client.HideFile(context.Background(), "old/notes.txt"); err != nil {
		t.Fatalf("HideFile: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if hidden != "old/notes.txt" {
		t.Fatalf("hidden file = %q", hidden)
	}
}

func TestDeleteFileVersion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/b2api/v1/b2_delete_file_version" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var request map[string]string
		json.NewDecoder(r.Body).Decode(&request)
		if request["fileName"] != "old/notes.txt" || request["fileId"] != "f7" {
			t.Errorf("request = %v", request)
		}
		w.Write([]byte(`{"fileId":"f7","fileName":"old/notes.txt"}`))
	}))
	t.Cleanup(server.Close)

	client, _ := newTestClient(t, server)

	if err := client.DeleteFileVersion(context.Background(), "old/notes.txt", "f7"); err != nil {
		t.Fatalf("DeleteFileVersion: %v", err)
	}
}
