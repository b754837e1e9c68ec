// Copyright 2026 The B2FS Authors
// SPDX-License-Identifier: Apache-2.0

package fuse

import (
	"context"
	"errors"
	"syscall"

	"github.com/b2fs/b2fs/lib/b2"
	"github.com/b2fs/b2fs/lib/bucket"
)

// errnoFrom maps core and transport errors onto POSIX errno values.
// Unauthorized surfaces only after the client's single re-auth retry
// has already failed. Anything unrecognized is an I/O error; a Go
// error never reaches the kernel as a crash.
func errnoFrom(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, bucket.ErrNotFound) || b2.IsNotFound(err):
		return syscall.ENOENT
	case errors.Is(err, bucket.ErrExists):
		return syscall.EEXIST
	case errors.Is(err, bucket.ErrNotEmpty):
		return syscall.ENOTEMPTY
	case b2.IsUnauthorized(err):
		return syscall.EACCES
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return syscall.EINTR
	default:
		return syscall.EIO
	}
}
