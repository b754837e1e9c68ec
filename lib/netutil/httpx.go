// Copyright 2026 The B2FS Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides bounded HTTP I/O helpers for the B2 API
// clients.
//
// ReadResponse and DecodeResponse bound JSON response body reads at
// MaxResponseSize to prevent unbounded memory allocation from a
// misbehaving server. They are for JSON API responses (authorization,
// file listings, upload receipts), not for file downloads, which are
// streamed incrementally in chunk-sized reads.
//
// ErrorBody reads a short diagnostic excerpt from an error response.
// Remote error bodies are surfaced in error strings and logs, so the
// excerpt is capped at MaxErrorExcerpt bytes.
package netutil

import (
	"encoding/json"
	"fmt"
	"io"
)

// MaxResponseSize is the bound on JSON API response body reads: 64 MB.
// The largest legitimate response is a full file-listing page, which is
// well under this; the limit exists solely so a pathological response
// cannot exhaust memory.
const MaxResponseSize int64 = 64 << 20

// MaxErrorExcerpt is the bound on diagnostic excerpts read from error
// response bodies: 127 bytes. Long enough to carry the remote's
// message, short enough to embed in an error string.
const MaxErrorExcerpt int64 = 127

// ReadResponse reads a JSON API response body up to MaxResponseSize
// bytes. Use instead of io.ReadAll when reading HTTP response bodies.
func ReadResponse(body io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(body, MaxResponseSize))
}

// DecodeResponse reads a JSON API response body (up to MaxResponseSize
// bytes) and JSON-decodes it into v. Replaces the common io.ReadAll +
// json.Unmarshal pattern.
func DecodeResponse(body io.Reader, v any) error {
	data, err := io.ReadAll(io.LimitReader(body, MaxResponseSize))
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	return json.Unmarshal(data, v)
}

// ErrorBody reads an HTTP error response body, truncated to
// MaxErrorExcerpt bytes, and returns it as a string for diagnostic
// error messages. Read errors are silently ignored; a partial or
// empty body is still useful in an error message.
func ErrorBody(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, MaxErrorExcerpt))
	return string(data)
}
