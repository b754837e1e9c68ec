// Copyright 2026 The B2FS Authors
// SPDX-License-Identifier: Apache-2.0

package b2

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/b2fs/b2fs/lib/clock"
	"github.com/b2fs/b2fs/lib/netutil"
	"github.com/b2fs/b2fs/lib/session"
)

// Client timeouts and pacing.
const (
	// apiRequestTimeout bounds JSON API calls: listing, upload URL
	// acquisition, hide, delete.
	apiRequestTimeout = 30 * time.Second

	// transferTimeout bounds content transfers. Chunk downloads and
	// whole-file uploads move real bytes; on a slow uplink they need
	// far more headroom than a JSON round-trip.
	transferTimeout = 10 * time.Minute

	// defaultRequestsPerSecond paces outgoing requests when the
	// configuration does not say otherwise.
	defaultRequestsPerSecond = 20

	// maxRetryAfter caps how long a remote Retry-After header can
	// stall a request.
	maxRetryAfter = time.Minute
)

// apiPathPrefix is the versioned path prefix for JSON API endpoints
// under a session's APIURL.
const apiPathPrefix = "/b2api/v1/"

// SessionSource supplies the Client with sessions. Current returns the
// active session, establishing one if needed; Refresh replaces a
// session the remote has rejected. session.Manager implements it.
type SessionSource interface {
	Current(ctx context.Context) (session.Session, error)
	Refresh(ctx context.Context, stale session.Session) (session.Session, error)
}

// Config holds configuration for creating a Client.
type Config struct {
	// Sessions supplies and refreshes API sessions. Required.
	Sessions SessionSource

	// AccountID is the operator's account, needed to resolve the
	// bucket name to its ID. Required.
	AccountID string

	// Bucket is the bucket name bound to this mount. Required and
	// immutable for the process lifetime.
	Bucket string

	// RequestsPerSecond paces outgoing requests. Defaults to
	// defaultRequestsPerSecond.
	RequestsPerSecond float64

	// APIClient is used for JSON API calls. Defaults to a client
	// with apiRequestTimeout.
	APIClient *http.Client

	// TransferClient is used for content transfers. Defaults to a
	// client with transferTimeout.
	TransferClient *http.Client

	// Clock provides time operations. Defaults to clock.Real().
	Clock clock.Clock

	// Logger is used for structured logging. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

// Client performs B2 data-plane calls for one bucket. Every call pulls
// the current session from the SessionSource, waits on the rate
// limiter, retries once with a refreshed session on 401, and honors
// one Retry-After wait on 429.
//
// Safe for concurrent use by multiple goroutines.
type Client struct {
	sessions       SessionSource
	accountID      string
	bucket         string
	apiClient      *http.Client
	transferClient *http.Client
	limiter        *rate.Limiter
	clock          clock.Clock
	logger         *slog.Logger

	mu       sync.Mutex
	bucketID string
}

// NewClient creates a Client from the given configuration.
func NewClient(config Config) (*Client, error) {
	if config.Sessions == nil {
		return nil, fmt.Errorf("b2: Sessions is required")
	}
	if config.AccountID == "" {
		return nil, fmt.Errorf("b2: AccountID is required")
	}
	if config.Bucket == "" {
		return nil, fmt.Errorf("b2: Bucket is required")
	}

	requestsPerSecond := config.RequestsPerSecond
	if requestsPerSecond <= 0 {
		requestsPerSecond = defaultRequestsPerSecond
	}

	apiClient := config.APIClient
	if apiClient == nil {
		apiClient = &http.Client{Timeout: apiRequestTimeout}
	}
	transferClient := config.TransferClient
	if transferClient == nil {
		transferClient = &http.Client{Timeout: transferTimeout}
	}

	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		sessions:       config.Sessions,
		accountID:      config.AccountID,
		bucket:         config.Bucket,
		apiClient:      apiClient,
		transferClient: transferClient,
		limiter:        rate.NewLimiter(rate.Limit(requestsPerSecond), int(2*requestsPerSecond)),
		clock:          clk,
		logger:         logger,
	}, nil
}

// Bucket returns the bucket name bound to this client.
func (c *Client) Bucket() string { return c.bucket }

// callJSON posts a JSON request to an API endpoint under the session's
// APIURL and decodes the 2xx response into result (which may be nil).
func (c *Client) callJSON(ctx context.Context, endpoint string, requestBody any, result any) error {
	encoded, err := json.Marshal(requestBody)
	if err != nil {
		return fmt.Errorf("b2: encoding %s request: %w", endpoint, err)
	}

	body, err := c.do(ctx, c.apiClient, func(sess session.Session) (*http.Request, error) {
		apiURL := strings.TrimRight(sess.APIURL, "/") + apiPathPrefix + endpoint
		request, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, strings.NewReader(string(encoded)))
		if err != nil {
			return nil, fmt.Errorf("b2: creating %s request: %w", endpoint, err)
		}
		request.Header.Set("Authorization", sess.Token)
		request.Header.Set("Content-Type", "application/json")
		return request, nil
	})
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("b2: decoding %s response: %w", endpoint, err)
	}
	return nil
}

// do executes a session-authenticated request built by build, returning
// the full response body on any 2xx status. The build function is
// invoked per attempt so retries carry fresh sessions and fresh body
// readers.
func (c *Client) do(ctx context.Context, httpClient *http.Client, build func(session.Session) (*http.Request, error)) ([]byte, error) {
	authRetried := false
	rateRetried := false

	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		sess, err := c.sessions.Current(ctx)
		if err != nil {
			return nil, fmt.Errorf("b2: acquiring session: %w", err)
		}

		request, err := build(sess)
		if err != nil {
			return nil, err
		}

		response, err := httpClient.Do(request)
		if err != nil {
			return nil, fmt.Errorf("b2: %s %s: %w", request.Method, request.URL.Path, err)
		}
		body, readErr := netutil.ReadResponse(response.Body)
		response.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("b2: reading response body: %w", readErr)
		}

		switch {
		case response.StatusCode >= 200 && response.StatusCode < 300:
			return body, nil

		case response.StatusCode == http.StatusUnauthorized && !authRetried:
			authRetried = true
			c.logger.Debug("session rejected by remote, refreshing",
				"path", request.URL.Path,
			)
			if _, err := c.sessions.Refresh(ctx, sess); err != nil {
				return nil, fmt.Errorf("b2: refreshing session: %w", err)
			}
			continue

		case response.StatusCode == http.StatusTooManyRequests && !rateRetried:
			rateRetried = true
			delay := retryAfter(response.Header)
			c.logger.Info("rate limited by remote, backing off",
				"delay", delay,
				"path", request.URL.Path,
			)
			select {
			case <-c.clock.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		}

		return nil, parseAPIError(response.StatusCode, body)
	}
}

// retryAfter extracts the backoff from a 429 response's Retry-After
// header (whole seconds), defaulting to one second and capping at
// maxRetryAfter.
func retryAfter(header http.Header) time.Duration {
	if seconds, err := strconv.Atoi(header.Get("Retry-After")); err == nil && seconds >= 0 {
		delay := time.Duration(seconds) * time.Second
		if delay > maxRetryAfter {
			return maxRetryAfter
		}
		return delay
	}
	return time.Second
}

// parseAPIError parses B2's standard JSON error body. Bodies in another
// shape degrade to a bounded excerpt in Message.
func parseAPIError(statusCode int, body []byte) *APIError {
	apiError := &APIError{StatusCode: statusCode}

	var wire struct {
		Status  int    `json:"status"`
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &wire) == nil && wire.Code != "" {
		apiError.Code = wire.Code
		apiError.Message = wire.Message
	} else {
		excerpt := body
		if int64(len(excerpt)) > netutil.MaxErrorExcerpt {
			excerpt = excerpt[:netutil.MaxErrorExcerpt]
		}
		apiError.Message = string(excerpt)
	}
	return apiError
}

// escapeFileName percent-encodes a file name for download URLs and the
// X-Bz-File-Name upload header. Path separators stay literal; each
// segment is escaped individually.
func escapeFileName(name string) string {
	segments := strings.Split(name, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return strings.Join(segments, "/")
}
