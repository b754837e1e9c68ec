// Copyright 2026 The B2FS Authors
// SPDX-License-Identifier: Apache-2.0

// Package b2 is a client for the Backblaze B2 native API (v1): the
// authorization exchange, bucket resolution, file listing, ranged
// content download, whole-file upload, and file hide/delete.
//
// Two entry points:
//
//   - Authenticator performs the one fixed-endpoint authorization call
//     that exchanges account credentials for a session. It has no
//     retry policy of its own; callers decide (the CLI fails fast at
//     startup, the session Manager retries reactively at runtime).
//   - Client performs every data-plane call. It pulls the current
//     session from a SessionSource, paces requests through a rate
//     limiter, retries once with a refreshed session on 401, and
//     honors Retry-After once on 429.
//
// Errors are classified, not stringly typed: remote rejections surface
// as *APIError with the status and the remote's code/message, and the
// IsNotFound / IsUnauthorized / IsRateLimited helpers let callers
// branch without string matching. Authorization failures surface as
// *AuthError with a Kind that the CLI maps to its startup diagnostics.
// Anything that never reached HTTP status classification (dial, TLS,
// DNS, timeout) passes through wrapped, and IsTransport reports it.
package b2
