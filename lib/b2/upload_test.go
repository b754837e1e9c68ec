// Copyright 2026 The B2FS Authors
// SPDX-License-Identifier: Apache-2.0

package b2

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// uploadServer simulates the two-step upload protocol: a
// b2_get_upload_url transaction handing out per-call upload URLs and
// tokens, and the upload endpoint itself.
type uploadServer struct {
	*httptest.Server

	mu          sync.Mutex
	urlRequests int
	uploads     int

	// handle receives (upload attempt number, request) and returns the
	// status to send. A zero status means accept the upload.
	handle func(attempt int, r *http.Request) int

	// lastUpload keeps the most recent accepted upload for assertions.
	lastUpload *http.Request
	lastBody   []byte
}

func newUploadServer(t *testing.T) *uploadServer {
	t.Helper()
	us := &uploadServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/b2api/v1/b2_list_buckets", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(listBucketsBody))
	})
	mux.HandleFunc("/b2api/v1/b2_get_upload_url", func(w http.ResponseWriter, r *http.Request) {
		var request map[string]string
		json.NewDecoder(r.Body).Decode(&request)
		if request["bucketId"] != "bkt1" {
			t.Errorf("b2_get_upload_url bucketId = %q, want bkt1", request["bucketId"])
		}
		us.mu.Lock()
		us.urlRequests++
		n := us.urlRequests
		us.mu.Unlock()
		fmt.Fprintf(w, `{"uploadUrl":%q,"authorizationToken":"upload-token-%d"}`,
			us.URL+fmt.Sprintf("/upload/pod-%d", n), n)
	})
	mux.HandleFunc("/upload/", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		us.mu.Lock()
		us.uploads++
		attempt := us.uploads
		us.mu.Unlock()

		status := 0
		if us.handle != nil {
			status = us.handle(attempt, r)
		}
		if status != 0 {
			w.WriteHeader(status)
			w.Write([]byte(`{"status":` + fmt.Sprint(status) + `,"code":"busy","message":"try again"}`))
			return
		}

		us.mu.Lock()
		us.lastUpload = r
		us.lastBody = body
		us.mu.Unlock()
		fmt.Fprintf(w, `{"fileId":"f42","fileName":"notes/today.txt","contentLength":%d,"contentType":%q,"contentSha1":%q,"uploadTimestamp":1767225600000,"action":"upload"}`,
			len(body), r.Header.Get("Content-Type"), r.Header.Get("X-Bz-Content-Sha1"))
	})
	us.Server = httptest.NewServer(mux)
	t.Cleanup(us.Close)
	return us
}

func (us *uploadServer) counts() (urlRequests, uploads int) {
	us.mu.Lock()
	defer us.mu.Unlock()
	return us.urlRequests, us.uploads
}

func TestUpload(t *testing.T) {
	server := newUploadServer(t)
	client, _ := newTestClient(t, server.Server)

	data := []byte("the quick brown fox")
	info, err := client.Upload(context.Background(), "notes/today.txt", "text/plain", data)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	checksum := sha1.Sum(data)
	wantSHA1 := hex.EncodeToString(checksum[:])

	server.mu.Lock()
	request, body := server.lastUpload, server.lastBody
	server.mu.Unlock()
	if request == nil {
		t.Fatal("no upload reached the server")
	}
	if got := request.Header.Get("Authorization"); got != "upload-token-1" {
		t.Errorf("Authorization = %q, want the upload token", got)
	}
	if got := request.Header.Get("X-Bz-File-Name"); got != "notes/today.txt" {
		t.Errorf("X-Bz-File-Name = %q", got)
	}
	if got := request.Header.Get("X-Bz-Content-Sha1"); got != wantSHA1 {
		t.Errorf("X-Bz-Content-Sha1 = %q, want %q", got, wantSHA1)
	}
	if got := request.Header.Get("Content-Type"); got != "text/plain" {
		t.Errorf("Content-Type = %q", got)
	}
	if string(body) != string(data) {
		t.Errorf("uploaded body = %q", body)
	}

	if info.ID != "f42" || info.Name != "notes/today.txt" || info.Size != int64(len(data)) {
		t.Errorf("FileInfo = %+v", info)
	}
	if info.SHA1 != wantSHA1 {
		t.Errorf("FileInfo.SHA1 = %q, want %q", info.SHA1, wantSHA1)
	}
}

func TestUploadEscapesFileName(t *testing.T) {
	server := newUploadServer(t)
	client, _ := newTestClient(t, server.Server)

	_, err := client.Upload(context.Background(), "dir/with space.txt", "", []byte("x"))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	server.mu.Lock()
	request := server.lastUpload
	server.mu.Unlock()
	if got := request.Header.Get("X-Bz-File-Name"); got != "dir/with%20space.txt" {
		t.Errorf("X-Bz-File-Name = %q, want percent-escaped segments", got)
	}
	if got := request.Header.Get("Content-Type"); got != defaultContentType {
		t.Errorf("Content-Type = %q, want %q for empty input", got, defaultContentType)
	}
}

func TestUploadRetriesWithFreshURL(t *testing.T) {
	server := newUploadServer(t)
	server.handle = func(attempt int, r *http.Request) int {
		if attempt == 1 {
			return http.StatusServiceUnavailable
		}
		// The retry must carry a token from a fresh b2_get_upload_url,
		// not reuse the one the failed pod handed out.
		if got := r.Header.Get("Authorization"); got != "upload-token-2" {
			t.Errorf("retry Authorization = %q, want upload-token-2", got)
		}
		return 0
	}
	client, _ := newTestClient(t, server.Server)

	if _, err := client.Upload(context.Background(), "notes/today.txt", "", []byte("x")); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	urlRequests, uploads := server.counts()
	if urlRequests != 2 {
		t.Errorf("upload URL requests = %d, want 2", urlRequests)
	}
	if uploads != 2 {
		t.Errorf("upload attempts = %d, want 2", uploads)
	}
}

func TestUploadDoesNotRetryClientError(t *testing.T) {
	server := newUploadServer(t)
	server.handle = func(attempt int, r *http.Request) int {
		return http.StatusBadRequest
	}
	client, _ := newTestClient(t, server.Server)

	_, err := client.Upload(context.Background(), "notes/today.txt", "", []byte("x"))
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("error = %v, want a 400 response error", err)
	}

	_, uploads := server.counts()
	if uploads != 1 {
		t.Errorf("upload attempts = %d, want 1 (400 is not retryable)", uploads)
	}
}

func TestUploadGivesUpAfterRepeatedFailures(t *testing.T) {
	server := newUploadServer(t)
	server.handle = func(attempt int, r *http.Request) int {
		return http.StatusServiceUnavailable
	}
	client, _ := newTestClient(t, server.Server)

	_, err := client.Upload(context.Background(), "notes/today.txt", "", []byte("x"))
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("error = %v, want the last 503", err)
	}

	urlRequests, uploads := server.counts()
	if uploads != uploadAttempts {
		t.Errorf("upload attempts = %d, want %d", uploads, uploadAttempts)
	}
	if urlRequests != uploadAttempts {
		t.Errorf("upload URL requests = %d, want %d", urlRequests, uploadAttempts)
	}
}
