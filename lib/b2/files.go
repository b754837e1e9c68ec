// Copyright 2026 The B2FS Authors
// SPDX-License-Identifier: Apache-2.0

package b2

import (
	"context"
	"time"
)

// maxListPageSize is the largest page b2_list_file_names serves in one
// transaction.
const maxListPageSize = 1000

// FileInfo describes one file (or synthesized folder entry) in the
// bucket.
type FileInfo struct {
	// ID is the file version's unique identifier. Empty for folder
	// entries, which exist only as listing artifacts.
	ID string

	// Name is the full file name: slash-separated, no leading slash.
	// Folder entries carry their trailing slash as listed.
	Name string

	// Size is the content length in bytes.
	Size int64

	// ContentType is the stored MIME type.
	ContentType string

	// SHA1 is the hex content checksum recorded at upload.
	SHA1 string

	// Uploaded is the upload timestamp. Zero-ish for folder entries.
	Uploaded time.Time

	// Folder marks a synthesized directory entry from a delimiter
	// listing.
	Folder bool
}

// ListPage is one page of a file listing. A non-empty NextFileName
// means more entries follow; pass it as the next call's startFileName.
type ListPage struct {
	Files        []FileInfo
	NextFileName string
}

// wireFileInfo is the JSON shape of a file entry in listing and upload
// responses.
type wireFileInfo struct {
	FileID          string `json:"fileId"`
	FileName        string `json:"fileName"`
	ContentLength   int64  `json:"contentLength"`
	ContentType     string `json:"contentType"`
	ContentSHA1     string `json:"contentSha1"`
	UploadTimestamp int64  `json:"uploadTimestamp"`
	Action          string `json:"action"`
}

func (w wireFileInfo) toFileInfo() FileInfo {
	return FileInfo{
		ID:          w.FileID,
		Name:        w.FileName,
		Size:        w.ContentLength,
		ContentType: w.ContentType,
		SHA1:        w.ContentSHA1,
		Uploaded:    time.UnixMilli(w.UploadTimestamp),
		Folder:      w.Action == "folder",
	}
}

// ListFileNames lists file names in the bucket, starting at
// startFileName (empty for the beginning), restricted to prefix, and
// collapsed at delimiter (pass "/" for one directory level, "" for a
// flat listing). maxCount is clamped to the per-transaction limit;
// non-positive means the limit.
func (c *Client) ListFileNames(ctx context.Context, prefix, delimiter, startFileName string, maxCount int) (ListPage, error) {
	bucketID, err := c.resolveBucketID(ctx)
	if err != nil {
		return ListPage{}, err
	}

	if maxCount <= 0 || maxCount > maxListPageSize {
		maxCount = maxListPageSize
	}
	request := map[string]any{
		"bucketId":     bucketID,
		"maxFileCount": maxCount,
	}
	if prefix != "" {
		request["prefix"] = prefix
	}
	if delimiter != "" {
		request["delimiter"] = delimiter
	}
	if startFileName != "" {
		request["startFileName"] = startFileName
	}

	var response struct {
		Files        []wireFileInfo `json:"files"`
		NextFileName *string        `json:"nextFileName"`
	}
	if err := c.callJSON(ctx, "b2_list_file_names", request, &response); err != nil {
		return ListPage{}, err
	}

	page := ListPage{Files: make([]FileInfo, 0, len(response.Files))}
	for _, wire := range response.Files {
		page.Files = append(page.Files, wire.toFileInfo())
	}
	if response.NextFileName != nil {
		page.NextFileName = *response.NextFileName
	}
	return page, nil
}

// HideFile hides the named file: it disappears from name listings
// while prior versions stay in the bucket. This is the unlink
// operation for a versioned bucket.
func (c *Client) HideFile(ctx context.Context, name string) error {
	bucketID, err := c.resolveBucketID(ctx)
	if err != nil {
		return err
	}
	request := map[string]string{
		"bucketId": bucketID,
		"fileName": name,
	}
	return c.callJSON(ctx, "b2_hide_file", request, nil)
}

// DeleteFileVersion permanently removes one version of a file.
func (c *Client) DeleteFileVersion(ctx context.Context, name, fileID string) error {
	request := map[string]string{
		"fileName": name,
		"fileId":   fileID,
	}
	return c.callJSON(ctx, "b2_delete_file_version", request, nil)
}
