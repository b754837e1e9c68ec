// Copyright 2026 The B2FS Authors
// SPDX-License-Identifier: Apache-2.0

// Package session manages B2 API sessions: the operator's long-lived
// account credentials, the short-lived session obtained by exchanging
// them, on-disk session persistence across mounts, and reactive
// re-authentication when the remote rejects a session mid-flight.
//
// The pieces layer bottom-up:
//
//   - Credentials: the (account_id, app_key) pair loaded from the
//     operator's config file. Used once per authentication exchange,
//     never persisted by this package.
//   - Session: the (token, api URL, download URL) triple returned by
//     the authorization endpoint. Valid only when all three fields are
//     populated.
//   - Store: persists a Session as plaintext in a well-known cache file
//     under a resolved scratch directory, so a remount can skip the
//     authentication round-trip. Best-effort: every failure degrades to
//     a cache miss.
//   - Manager: the process-wide session authority. Hands out the
//     current Session, deduplicates concurrent authentication attempts,
//     and replaces sessions the remote has rejected.
//
// The Manager is the only piece with mutable state; everything above
// the authentication exchange itself (performed by an injected
// AuthFunc) lives here so it can be tested without network access.
package session
