// Copyright 2026 The B2FS Authors
// SPDX-License-Identifier: Apache-2.0

package session

// MaxFieldLen is the upper bound on each session field: the bearer
// token and both endpoint URLs. Observed values are well under this;
// anything longer indicates a corrupt cache file or a remote API shape
// change, and is rejected at the parse boundary rather than truncated.
const MaxFieldLen = 128

// Session is a short-lived API session: a bearer token plus the two
// endpoint base URLs the remote hands out alongside it. API calls go
// to APIURL; file content downloads go to DownloadURL.
//
// Sessions carry no expiry. Staleness is discovered reactively, when a
// call is rejected with 401 and the Manager replaces the session.
type Session struct {
	// Token is the bearer credential sent in the Authorization header
	// of every API call.
	Token string

	// APIURL is the base URL for JSON API calls (listing, upload
	// coordination, deletion).
	APIURL string

	// DownloadURL is the base URL for file content downloads.
	DownloadURL string
}

// Valid reports whether all three session fields are populated and
// within bounds. Only valid sessions are handed to callers or written
// to the cache file.
func (s Session) Valid() bool {
	for _, field := range []string{s.Token, s.APIURL, s.DownloadURL} {
		if field == "" || len(field) > MaxFieldLen {
			return false
		}
	}
	return true
}
