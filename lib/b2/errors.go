// Copyright 2026 The B2FS Authors
// SPDX-License-Identifier: Apache-2.0

package b2

import (
	"errors"
	"fmt"
)

// AuthErrorKind classifies authorization failures for startup
// diagnostics. The four kinds are disjoint: exactly one applies to any
// failed authorization exchange.
type AuthErrorKind int

const (
	// AuthTransport: the request never produced an HTTP status
	// (connection, TLS, DNS, or timeout failure).
	AuthTransport AuthErrorKind = iota

	// AuthShapeChanged: the endpoint answered 200 but the body was
	// not the expected flat JSON object, or a required field was
	// missing or empty. The remote API no longer matches this client.
	AuthShapeChanged

	// AuthInvalidCredentials: the endpoint rejected the account
	// credentials with 401.
	AuthInvalidCredentials

	// AuthInternal: any other HTTP status. Detail carries a bounded
	// excerpt of the response body.
	AuthInternal
)

// String returns the kind's diagnostic label.
func (k AuthErrorKind) String() string {
	switch k {
	case AuthTransport:
		return "transport"
	case AuthShapeChanged:
		return "api-shape-changed"
	case AuthInvalidCredentials:
		return "invalid-credentials"
	case AuthInternal:
		return "internal"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// AuthError is a failed authorization exchange.
type AuthError struct {
	// Kind classifies the failure.
	Kind AuthErrorKind

	// Detail is diagnostic text: the body excerpt for AuthInternal,
	// a parse description for AuthShapeChanged. May be empty.
	Detail string

	// Err is the underlying error for AuthTransport. Nil otherwise.
	Err error
}

func (e *AuthError) Error() string {
	switch {
	case e.Err != nil && e.Detail != "":
		return fmt.Sprintf("b2: authorization %s: %s: %v", e.Kind, e.Detail, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("b2: authorization %s: %v", e.Kind, e.Err)
	case e.Detail != "":
		return fmt.Sprintf("b2: authorization %s: %s", e.Kind, e.Detail)
	default:
		return fmt.Sprintf("b2: authorization %s", e.Kind)
	}
}

func (e *AuthError) Unwrap() error { return e.Err }

// AuthKind extracts the classification from an authorization error.
// ok is false when err is not an *AuthError.
func AuthKind(err error) (AuthErrorKind, bool) {
	var authError *AuthError
	if errors.As(err, &authError) {
		return authError.Kind, true
	}
	return 0, false
}

// APIError represents a non-2xx response from a B2 API endpoint. B2
// returns structured JSON error bodies with a status, a short stable
// code, and a human-readable message.
type APIError struct {
	// StatusCode is the HTTP response status code.
	StatusCode int

	// Code is B2's stable error code ("not_found",
	// "expired_auth_token", "bad_auth_token", ...). Empty when the
	// body was not the standard error shape.
	Code string

	// Message is the human-readable description from B2, or a body
	// excerpt when the body was not the standard error shape.
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("b2: HTTP %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("b2: HTTP %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err says the named file or bucket does
// not exist: a 404 response, or the no_such_file code that
// b2_hide_file answers with status 400.
func IsNotFound(err error) bool {
	var apiError *APIError
	if !errors.As(err, &apiError) {
		return false
	}
	return apiError.StatusCode == 404 || apiError.Code == "no_such_file"
}

// IsUnauthorized reports whether err is a B2 401 response: the session
// token is expired, revoked, or wrong. Callers holding a session
// should refresh it and retry once.
func IsUnauthorized(err error) bool {
	var apiError *APIError
	return errors.As(err, &apiError) && apiError.StatusCode == 401
}

// IsRateLimited reports whether err is a B2 429 response.
func IsRateLimited(err error) bool {
	var apiError *APIError
	return errors.As(err, &apiError) && apiError.StatusCode == 429
}

// IsTransport reports whether err is a failure that never reached HTTP
// status classification: connection, TLS, DNS, or timeout. Such errors
// are retryable in principle; the remote state is unknown.
func IsTransport(err error) bool {
	if err == nil {
		return false
	}
	var apiError *APIError
	if errors.As(err, &apiError) {
		return false
	}
	var authError *AuthError
	if errors.As(err, &authError) {
		return authError.Kind == AuthTransport
	}
	return true
}
