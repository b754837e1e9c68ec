// Copyright 2026 The B2FS Authors
// SPDX-License-Identifier: Apache-2.0

package b2

import (
	"context"
	"fmt"
)

// Bucket describes one bucket in the account.
type Bucket struct {
	ID   string
	Name string
	Type string
}

// ListBuckets returns all buckets in the account.
func (c *Client) ListBuckets(ctx context.Context) ([]Bucket, error) {
	var response struct {
		Buckets []struct {
			BucketID   string `json:"bucketId"`
			BucketName string `json:"bucketName"`
			BucketType string `json:"bucketType"`
		} `json:"buckets"`
	}
	request := map[string]string{"accountId": c.accountID}
	if err := c.callJSON(ctx, "b2_list_buckets", request, &response); err != nil {
		return nil, err
	}

	buckets := make([]Bucket, 0, len(response.Buckets))
	for _, wire := range response.Buckets {
		buckets = append(buckets, Bucket{
			ID:   wire.BucketID,
			Name: wire.BucketName,
			Type: wire.BucketType,
		})
	}
	return buckets, nil
}

// resolveBucketID maps the configured bucket name to its ID. The ID is
// stable for the bucket's lifetime, so the first resolution is cached.
func (c *Client) resolveBucketID(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.bucketID != "" {
		id := c.bucketID
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	buckets, err := c.ListBuckets(ctx)
	if err != nil {
		return "", fmt.Errorf("resolving bucket %q: %w", c.bucket, err)
	}
	for _, bucket := range buckets {
		if bucket.Name == c.bucket {
			c.mu.Lock()
			c.bucketID = bucket.ID
			c.mu.Unlock()
			return bucket.ID, nil
		}
	}
	return "", fmt.Errorf("b2: bucket %q not found in account %s", c.bucket, c.accountID)
}
