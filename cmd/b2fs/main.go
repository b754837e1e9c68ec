// Copyright 2026 The B2FS Authors
// SPDX-License-Identifier: Apache-2.0

// b2fs mounts a remote B2 bucket as a local filesystem.
//
// The process authenticates once at startup, mounts the bucket via
// FUSE, and serves filesystem calls until it receives SIGINT or
// SIGTERM, at which point it unmounts and exits. All components are
// wired here explicitly; nothing reads global state.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/b2fs/b2fs/lib/b2"
	"github.com/b2fs/b2fs/lib/bucket"
	"github.com/b2fs/b2fs/lib/filecache"
	b2fsfuse "github.com/b2fs/b2fs/lib/filecache/fuse"
	"github.com/b2fs/b2fs/lib/session"
	"github.com/b2fs/b2fs/lib/version"
)

// defaultCacheSize is the chunk cache budget when --cache-size is not
// given.
const defaultCacheSize = 512 << 20

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		mountpoint  string
		bucketName  string
		configPath  string
		debug       bool
		cacheSize   int64
		readOnly    bool
		allowOther  bool
		showVersion bool
	)

	flags := pflag.NewFlagSet("b2fs", pflag.ContinueOnError)
	flags.StringVarP(&mountpoint, "mount", "m", "", "directory to mount the bucket at (required)")
	flags.StringVarP(&bucketName, "bucket", "b", "", "name of the bucket to mount (required)")
	flags.StringVarP(&configPath, "config", "c", "b2fs.yml", "account credential file")
	flags.BoolVarP(&debug, "debug", "d", false, "log at debug level")
	flags.Int64Var(&cacheSize, "cache-size", defaultCacheSize, "chunk cache budget in bytes")
	flags.BoolVar(&readOnly, "read-only", false, "mount read-only")
	flags.BoolVar(&allowOther, "allow-other", false, "allow other users to access the mount")
	flags.BoolVar(&showVersion, "version", false, "print version information and exit")
	flags.BoolP("help", "h", false, "show help")

	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flags)
			return nil
		}
		return err
	}
	if help, _ := flags.GetBool("help"); help {
		printHelp(flags)
		return nil
	}
	if showVersion {
		fmt.Printf("b2fs %s\n", version.Info())
		return nil
	}

	if mountpoint == "" {
		return fmt.Errorf("--mount is required")
	}
	if bucketName == "" {
		return fmt.Errorf("--bucket is required")
	}
	if cacheSize <= 0 {
		return fmt.Errorf("--cache-size must be positive")
	}

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	creds, err := session.LoadCredentials(configPath, logger)
	if err != nil {
		return err
	}
	if err := creds.Validate(); err != nil {
		return fmt.Errorf("%s: %w", configPath, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, ok := session.NewStore(logger)
	if !ok {
		logger.Warn("no usable scratch directory, sessions will not persist across mounts")
	}

	authenticator := &b2.Authenticator{Logger: logger}
	manager, err := session.NewManager(session.ManagerOptions{
		Credentials:  creds,
		Authenticate: authenticator.Authenticate,
		Store:        store,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	// Authenticate before mounting, so credential and connectivity
	// problems surface as a startup diagnostic instead of EIO on the
	// first filesystem call.
	if _, err := manager.Current(ctx); err != nil {
		return startupAuthError(err, configPath)
	}

	client, err := b2.NewClient(b2.Config{
		Sessions:  manager,
		AccountID: creds.AccountID,
		Bucket:    bucketName,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	cache := filecache.New(filecache.Config{
		MaxBytes: cacheSize,
		Logger:   logger,
	})
	fetch, err := filecache.NewCoordinator(client, logger)
	if err != nil {
		return err
	}
	tree, err := bucket.New(bucket.Config{
		Client: client,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer tree.Close()

	server, err := b2fsfuse.Mount(b2fsfuse.Options{
		Mountpoint: mountpoint,
		Bucket:     tree,
		Cache:      cache,
		Fetch:      fetch,
		Client:     client,
		ReadOnly:   readOnly,
		AllowOther: allowOther,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("mounting %s at %s: %w", bucketName, mountpoint, err)
	}
	defer func() {
		if err := server.Unmount(); err != nil {
			logger.Error("unmount failed", "mountpoint", mountpoint, "error", err)
		} else {
			logger.Info("unmounted", "mountpoint", mountpoint)
		}
	}()

	logger.Info("b2fs running",
		"bucket", bucketName,
		"mountpoint", mountpoint,
		"cache_bytes", cacheSize,
		"read_only", readOnly,
	)

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// startupAuthError reduces an authentication failure to the one
// diagnostic line the operator sees before the non-zero exit.
func startupAuthError(err error, configPath string) error {
	kind, ok := b2.AuthKind(err)
	if !ok {
		return err
	}
	switch kind {
	case b2.AuthInvalidCredentials:
		return fmt.Errorf("the remote rejected the credentials in %s: check account_id and app_key", configPath)
	case b2.AuthShapeChanged:
		return fmt.Errorf("the authorization endpoint no longer matches this client: %w", err)
	case b2.AuthTransport:
		return fmt.Errorf("could not reach the authorization endpoint: %w", err)
	default:
		return fmt.Errorf("authorization failed: %w", err)
	}
}

func printHelp(flags *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `b2fs mounts a B2 bucket as a local filesystem.

Credentials are read from a YAML file (default b2fs.yml) with two keys:

  account_id: <your account id>
  app_key: <your application key>

File data is fetched in chunks on demand and cached in memory up to
--cache-size bytes. Writes are buffered locally and uploaded as one
object when the file is closed.

Usage:
  b2fs --mount <dir> --bucket <name> [flags]

Examples:
  # Mount a bucket read-write
  b2fs -m /mnt/photos -b family-photos

  # Read-only mount with a 2 GiB cache and a specific credential file
  b2fs -m /mnt/archive -b cold-archive --read-only --cache-size 2147483648 -c ~/.b2fs.yml

Flags:
%s`, flags.FlagUsages())
}
