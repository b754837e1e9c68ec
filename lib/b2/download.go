// Copyright 2026 The B2FS Authors
// SPDX-License-Identifier: Apache-2.0

package b2

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/b2fs/b2fs/lib/session"
)

// DownloadRange fetches length bytes of the named file starting at
// offset, via the session's download endpoint. The remote honors byte
// ranges exactly; a range reaching past the end of the file returns
// the bytes that exist, so the final chunk of a file comes back short.
//
// A 404 means no visible version of the file exists; a 416 means the
// whole range lies past the end. Both surface as *APIError.
func (c *Client) DownloadRange(ctx context.Context, name string, offset, length int64) ([]byte, error) {
	if offset < 0 || length <= 0 {
		return nil, fmt.Errorf("b2: invalid download range offset=%d length=%d", offset, length)
	}

	body, err := c.do(ctx, c.transferClient, func(sess session.Session) (*http.Request, error) {
		downloadURL := strings.TrimRight(sess.DownloadURL, "/") +
			"/file/" + escapeFileName(c.bucket) + "/" + escapeFileName(name)
		request, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
		if err != nil {
			return nil, fmt.Errorf("b2: creating download request: %w", err)
		}
		request.Header.Set("Authorization", sess.Token)
		request.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
		return request, nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}
