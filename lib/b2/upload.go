// Copyright 2026 The B2FS Authors
// SPDX-License-Identifier: Apache-2.0

package b2

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/b2fs/b2fs/lib/netutil"
)

// uploadAttempts bounds the get-URL/upload cycle. Upload URLs are
// single-host and expire; the documented protocol on 401, 408, 429,
// and 5xx during an upload is to fetch a fresh URL and try again.
const uploadAttempts = 3

// defaultContentType lets the remote sniff the MIME type at upload.
const defaultContentType = "b2/x-auto"

// uploadTarget is one upload destination from b2_get_upload_url: a
// URL plus its own short-lived authorization token, distinct from the
// session token.
type uploadTarget struct {
	URL   string `json:"uploadUrl"`
	Token string `json:"authorizationToken"`
}

// getUploadURL acquires a fresh upload destination for the bucket.
func (c *Client) getUploadURL(ctx context.Context) (uploadTarget, error) {
	bucketID, err := c.resolveBucketID(ctx)
	if err != nil {
		return uploadTarget{}, err
	}
	var target uploadTarget
	request := map[string]string{"bucketId": bucketID}
	if err := c.callJSON(ctx, "b2_get_upload_url", request, &target); err != nil {
		return uploadTarget{}, err
	}
	return target, nil
}

// Upload stores data as one whole file under name, replacing the
// visible version. contentType may be empty to let the remote sniff.
// The upload succeeds or fails as a unit; there is no partial state to
// clean up on failure.
func (c *Client) Upload(ctx context.Context, name, contentType string, data []byte) (FileInfo, error) {
	if contentType == "" {
		contentType = defaultContentType
	}
	checksum := sha1.Sum(data)
	checksumHex := hex.EncodeToString(checksum[:])

	var lastErr error
	for attempt := 0; attempt < uploadAttempts; attempt++ {
		target, err := c.getUploadURL(ctx)
		if err != nil {
			return FileInfo{}, err
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return FileInfo{}, err
		}

		request, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(data))
		if err != nil {
			return FileInfo{}, fmt.Errorf("b2: creating upload request: %w", err)
		}
		request.ContentLength = int64(len(data))
		request.Header.Set("Authorization", target.Token)
		request.Header.Set("X-Bz-File-Name", escapeFileName(name))
		request.Header.Set("Content-Type", contentType)
		request.Header.Set("Content-Length", strconv.Itoa(len(data)))
		request.Header.Set("X-Bz-Content-Sha1", checksumHex)

		response, err := c.transferClient.Do(request)
		if err != nil {
			// The upload host itself may be gone; a fresh URL from
			// the next attempt lands on a healthy one.
			lastErr = fmt.Errorf("b2: uploading %s: %w", name, err)
			c.logger.Debug("upload transport failure, retrying with fresh upload URL",
				"file", name,
				"attempt", attempt+1,
				"error", err,
			)
			continue
		}

		body, readErr := netutil.ReadResponse(response.Body)
		response.Body.Close()
		if readErr != nil {
			return FileInfo{}, fmt.Errorf("b2: reading upload response: %w", readErr)
		}

		if response.StatusCode == http.StatusOK {
			var wire wireFileInfo
			if err := json.Unmarshal(body, &wire); err != nil {
				return FileInfo{}, fmt.Errorf("b2: decoding upload response: %w", err)
			}
			return wire.toFileInfo(), nil
		}

		apiErr := parseAPIError(response.StatusCode, body)
		if !retryableUploadStatus(response.StatusCode) {
			return FileInfo{}, apiErr
		}
		lastErr = apiErr
		c.logger.Debug("upload rejected, retrying with fresh upload URL",
			"file", name,
			"attempt", attempt+1,
			"status", response.StatusCode,
		)
	}
	return FileInfo{}, lastErr
}

// retryableUploadStatus reports whether an upload response status
// calls for a fresh upload URL and another attempt.
func retryableUploadStatus(status int) bool {
	return status == http.StatusUnauthorized ||
		status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests ||
		status >= 500
}
