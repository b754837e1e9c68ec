// Copyright 2026 The B2FS Authors
// SPDX-License-Identifier: Apache-2.0

package b2

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/b2fs/b2fs/lib/netutil"
	"github.com/b2fs/b2fs/lib/session"
)

// DefaultAuthBaseURL is the fixed control-plane host for the
// authorization exchange. Unlike every other call, authorization does
// not go through a session's APIURL; it is how sessions are obtained
// in the first place.
const DefaultAuthBaseURL = "https://api.backblaze.com"

// authorizePath is the authorization endpoint under the auth base URL.
const authorizePath = "/b2api/v1/b2_authorize_account"

// authRequestTimeout bounds the authorization round-trip when the
// caller supplies no HTTP client of its own.
const authRequestTimeout = 30 * time.Second

// Required string properties of the authorization response. Unknown
// properties (accountId today, more as the API evolves additively) are
// logged at debug level and ignored.
const (
	keyAuthorizationToken = "authorizationToken"
	keyAPIURL             = "apiUrl"
	keyDownloadURL        = "downloadUrl"
)

// Authenticator performs the authorization exchange: account
// credentials in, session out. It makes exactly one request per call
// and classifies the outcome into an *AuthError kind; retry policy
// belongs to the caller.
type Authenticator struct {
	// BaseURL overrides the authorization host. Defaults to
	// DefaultAuthBaseURL. Tests point this at an httptest server.
	BaseURL string

	// HTTPClient is used for the request. Defaults to a client with
	// authRequestTimeout.
	HTTPClient *http.Client

	// Logger is used for structured logging. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

// Authenticate exchanges credentials for a session. The returned error
// is always an *AuthError classifying the failure; see AuthErrorKind.
func (a *Authenticator) Authenticate(ctx context.Context, creds session.Credentials) (session.Session, error) {
	baseURL := a.BaseURL
	if baseURL == "" {
		baseURL = DefaultAuthBaseURL
	}
	httpClient := a.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: authRequestTimeout}
	}
	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+authorizePath, nil)
	if err != nil {
		return session.Session{}, &AuthError{Kind: AuthTransport, Err: err}
	}
	basic := base64.StdEncoding.EncodeToString([]byte(creds.BasicAuth()))
	request.Header.Set("Authorization", "Basic "+basic)

	response, err := httpClient.Do(request)
	if err != nil {
		return session.Session{}, &AuthError{Kind: AuthTransport, Err: err}
	}
	defer response.Body.Close()

	switch {
	case response.StatusCode == http.StatusOK:
		return a.parseAuthorization(response, logger)
	case response.StatusCode == http.StatusUnauthorized:
		return session.Session{}, &AuthError{Kind: AuthInvalidCredentials}
	default:
		return session.Session{}, &AuthError{
			Kind:   AuthInternal,
			Detail: netutil.ErrorBody(response.Body),
		}
	}
}

// parseAuthorization extracts the session from a 200 response. The
// body must be one flat JSON object; the three required properties
// must be non-empty strings within bounds. Property order and unknown
// properties never matter.
func (a *Authenticator) parseAuthorization(response *http.Response, logger *slog.Logger) (session.Session, error) {
	body, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return session.Session{}, &AuthError{Kind: AuthTransport, Err: err}
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return session.Session{}, &AuthError{
			Kind:   AuthShapeChanged,
			Detail: "response is not a JSON object",
		}
	}

	for key := range payload {
		switch key {
		case keyAuthorizationToken, keyAPIURL, keyDownloadURL:
		default:
			logger.Debug("unrecognized key in authorization response",
				"key", key,
			)
		}
	}

	sess := session.Session{
		Token:       stringProperty(payload, keyAuthorizationToken),
		APIURL:      stringProperty(payload, keyAPIURL),
		DownloadURL: stringProperty(payload, keyDownloadURL),
	}
	for key, value := range map[string]string{
		keyAuthorizationToken: sess.Token,
		keyAPIURL:             sess.APIURL,
		keyDownloadURL:        sess.DownloadURL,
	} {
		if value == "" {
			return session.Session{}, &AuthError{
				Kind:   AuthShapeChanged,
				Detail: fmt.Sprintf("required property %q is missing or empty", key),
			}
		}
		if len(value) > session.MaxFieldLen {
			return session.Session{}, &AuthError{
				Kind:   AuthShapeChanged,
				Detail: fmt.Sprintf("property %q exceeds %d bytes", key, session.MaxFieldLen),
			}
		}
	}

	return sess, nil
}

// stringProperty decodes a string-valued property, returning "" when
// the property is absent or not a JSON string.
func stringProperty(payload map[string]json.RawMessage, key string) string {
	raw, ok := payload[key]
	if !ok {
		return ""
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return ""
	}
	return value
}
