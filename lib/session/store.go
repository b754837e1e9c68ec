// Copyright 2026 The B2FS Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// cacheFileName is the session cache file created inside the resolved
// scratch directory.
const cacheFileName = "b2fs_cache.txt"

// tempDirEnvVars are consulted in order when resolving the scratch
// directory for the session cache.
var tempDirEnvVars = [4]string{"TMPDIR", "TMP", "TEMP", "TEMPDIR"}

// fallbackTempDir is used when none of the environment variables are
// set, and only if it is currently readable.
const fallbackTempDir = "/tmp"

// ResolveTempDir picks the scratch directory for the session cache:
// the first set entry of TMPDIR, TMP, TEMP, TEMPDIR, else /tmp if
// readable. Returns false when no candidate is usable, in which case
// the mount runs without session persistence.
func ResolveTempDir() (string, bool) {
	for _, name := range tempDirEnvVars {
		if dir := os.Getenv(name); dir != "" {
			return dir, true
		}
	}
	handle, err := os.Open(fallbackTempDir)
	if err != nil {
		return "", false
	}
	handle.Close()
	return fallbackTempDir, true
}

// Store persists Sessions to a plaintext cache file so a remount can
// reuse a live session instead of re-authenticating. All operations
// are best-effort: a missing, unreadable, or malformed cache file is a
// miss, and a failed write is logged and forgotten.
type Store struct {
	path   string
	logger *slog.Logger
}

// NewStore resolves the scratch directory and returns a Store for the
// session cache file inside it. ok is false when no scratch directory
// is usable; callers then run without persistence.
func NewStore(logger *slog.Logger) (*Store, bool) {
	dir, ok := ResolveTempDir()
	if !ok {
		return nil, false
	}
	return NewStoreAt(dir, logger), true
}

// NewStoreAt returns a Store rooted at an explicit directory,
// bypassing scratch-directory resolution. Used by tests and by
// operators who want the cache somewhere specific.
func NewStoreAt(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		path:   filepath.Join(dir, cacheFileName),
		logger: logger,
	}
}

// Path returns the cache file location, for diagnostics.
func (s *Store) Path() string { return s.path }

// Load reads a persisted session: three newline-separated fields in
// the order token, API URL, download URL. Returns false (a cache
// miss) when the file is missing or unreadable, has fewer than three
// fields, or any field is empty or over MaxFieldLen.
func (s *Store) Load() (Session, bool) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return Session{}, false
	}

	lines := strings.Split(string(data), "\n")
	if len(lines) < 3 {
		return Session{}, false
	}

	loaded := Session{
		Token:       strings.TrimSpace(lines[0]),
		APIURL:      strings.TrimSpace(lines[1]),
		DownloadURL: strings.TrimSpace(lines[2]),
	}
	if !loaded.Valid() {
		s.logger.Debug("session cache file is incomplete, ignoring",
			"path", s.path,
		)
		return Session{}, false
	}
	return loaded, true
}

// Save writes the session to the cache file, replacing prior content.
// Best-effort: failures are logged and swallowed, since an unwritable
// cache only costs a future authentication round-trip.
func (s *Store) Save(sess Session) {
	if !sess.Valid() {
		s.logger.Warn("refusing to cache an incomplete session",
			"path", s.path,
		)
		return
	}
	content := sess.Token + "\n" + sess.APIURL + "\n" + sess.DownloadURL + "\n"
	if err := os.WriteFile(s.path, []byte(content), 0o600); err != nil {
		s.logger.Warn("session cache write failed",
			"path", s.path,
			"error", err,
		)
	}
}
