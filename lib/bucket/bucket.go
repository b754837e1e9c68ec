// Copyright 2026 The B2FS Authors
// SPDX-License-Identifier: Apache-2.0

package bucket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/b2fs/b2fs/lib/b2"
	"github.com/b2fs/b2fs/lib/clock"
)

// DefaultTTL is how long listing and stat results are trusted before
// the remote is consulted again.
const DefaultTTL = 5 * time.Second

var (
	// ErrNotFound means no file or directory exists at the path.
	ErrNotFound = errors.New("bucket: not found")

	// ErrExists means a mkdir target already exists.
	ErrExists = errors.New("bucket: already exists")

	// ErrNotEmpty means an rmdir target still has children.
	ErrNotEmpty = errors.New("bucket: directory not empty")
)

// Info describes one name in the tree.
type Info struct {
	// Path is the full slash-separated path, no leading or trailing
	// slash. Empty for the root.
	Path string

	// Name is the final path element.
	Name string

	Size    int64
	ModTime time.Time
	Dir     bool
}

// Lister is the slice of the transport client this package consumes.
type Lister interface {
	ListFileNames(ctx context.Context, prefix, delimiter, startFileName string, maxCount int) (b2.ListPage, error)
}

// Config parameterizes a Service.
type Config struct {
	// Client lists the remote bucket. Required.
	Client Lister

	// TTL bounds staleness of cached listings and stats. Defaults to
	// DefaultTTL.
	TTL time.Duration

	// Clock stamps synthetic directories and local files. Defaults to
	// the real clock.
	Clock clock.Clock

	// Logger defaults to the process logger.
	Logger *slog.Logger
}

// Service is the tree view over the flat remote namespace.
//
// Lookups hit, in order: the local overlay (created-but-unflushed
// files, mkdir-only directories), the TTL caches, and finally the
// remote listing API. Mutating operations invalidate the affected
// caches; readers after a local change never see the pre-change
// snapshot for longer than the TTL.
type Service struct {
	client Lister
	logger *slog.Logger
	clock  clock.Clock

	listings *ttlcache.Cache[string, []Info]
	stats    *ttlcache.Cache[string, Info]

	mu        sync.Mutex
	synthetic map[string]time.Time // mkdir'd dirs with no remote presence
	local     map[string]Info      // files created locally, not yet uploaded
}

// New creates the service and starts the cache expiry loops. Call
// Close when done with it.
func New(config Config) (*Service, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("bucket: config requires a client")
	}
	if config.TTL <= 0 {
		config.TTL = DefaultTTL
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	s := &Service{
		client: config.Client,
		logger: config.Logger,
		clock:  config.Clock,
		listings: ttlcache.New(
			ttlcache.WithTTL[string, []Info](config.TTL),
			ttlcache.WithDisableTouchOnHit[string, []Info](),
		),
		stats: ttlcache.New(
			ttlcache.WithTTL[string, Info](config.TTL),
			ttlcache.WithDisableTouchOnHit[string, Info](),
		),
		synthetic: make(map[string]time.Time),
		local:     make(map[string]Info),
	}
	go s.listings.Start()
	go s.stats.Start()
	return s, nil
}

// Close stops the cache expiry loops.
func (s *Service) Close() {
	s.listings.Stop()
	s.stats.Stop()
}

// List returns the direct children of dir, sorted by name. dir is ""
// for the root. Listing a path with no remote or local presence
// returns ErrNotFound; an existing empty directory returns an empty
// slice.
func (s *Service) List(ctx context.Context, dir string) ([]Info, error) {
	dir = strings.Trim(dir, "/")

	if item := s.listings.Get(dir); item != nil && !item.IsExpired() {
		return s.overlay(dir, item.Value()), nil
	}

	remote, found, err := s.listRemote(ctx, dir)
	if err != nil {
		return nil, err
	}
	if !found && dir != "" && !s.knownLocalDir(dir) {
		return nil, ErrNotFound
	}
	s.logger.Debug("listed directory", "dir", dir, "entries", len(remote))
	s.listings.Set(dir, remote, ttlcache.DefaultTTL)
	for _, info := range remote {
		s.stats.Set(info.Path, info, ttlcache.DefaultTTL)
	}
	return s.overlay(dir, remote), nil
}

// Stat returns the Info for path. The root is always a directory.
func (s *Service) Stat(ctx context.Context, path string) (Info, error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return Info{Dir: true}, nil
	}

	s.mu.Lock()
	if info, ok := s.local[path]; ok {
		s.mu.Unlock()
		return info, nil
	}
	if created, ok := s.synthetic[path]; ok {
		s.mu.Unlock()
		return Info{Path: path, Name: baseName(path), ModTime: created, Dir: true}, nil
	}
	s.mu.Unlock()

	if item := s.stats.Get(path); item != nil && !item.IsExpired() {
		return item.Value(), nil
	}

	info, err := s.statRemote(ctx, path)
	if err != nil {
		return Info{}, err
	}
	s.stats.Set(path, info, ttlcache.DefaultTTL)
	return info, nil
}

// NoteLocal records a locally created file so lookups and listings
// see it before its first upload completes.
func (s *Service) NoteLocal(info Info) {
	s.mu.Lock()
	s.local[info.Path] = info
	s.mu.Unlock()
	s.stats.Delete(info.Path)
}

// UpdateLocal adjusts the recorded size and mtime of a locally
// created file, if it is still local.
func (s *Service) UpdateLocal(path string, size int64, modTime time.Time) {
	s.mu.Lock()
	if info, ok := s.local[path]; ok {
		info.Size = size
		info.ModTime = modTime
		s.local[path] = info
	}
	s.mu.Unlock()
}

// ForgetLocal drops the local overlay for path after its content has
// been uploaded, letting remote listings serve it from then on.
func (s *Service) ForgetLocal(path string) {
	s.mu.Lock()
	delete(s.local, path)
	s.mu.Unlock()
	s.Invalidate(path)
}

// IsLocal reports whether path is a locally created file that has not
// been uploaded yet.
func (s *Service) IsLocal(path string) bool {
	path = strings.Trim(path, "/")
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.local[path]
	return ok
}

// HasRemote reports whether the remote store holds anything under
// dir's prefix. Local files and synthetic directories do not count.
func (s *Service) HasRemote(ctx context.Context, dir string) (bool, error) {
	dir = strings.Trim(dir, "/")
	prefix := ""
	if dir != "" {
		prefix = dir + "/"
	}
	page, err := s.client.ListFileNames(ctx, prefix, "/", "", 1)
	if err != nil {
		return false, err
	}
	return len(page.Files) > 0, nil
}

// Invalidate drops cached state for path and its parent's listing.
// Callers use it after uploads, hides, and renames.
func (s *Service) Invalidate(path string) {
	path = strings.Trim(path, "/")
	s.stats.Delete(path)
	s.listings.Delete(parentDir(path))
	s.listings.Delete(path) // in case path is a directory
}

// Mkdir records a directory. The remote store cannot represent an
// empty directory, so until a file is created beneath it the
// directory exists only in this process.
func (s *Service) Mkdir(ctx context.Context, path string) error {
	path = strings.Trim(path, "/")
	if path == "" {
		return ErrExists
	}
	if _, err := s.Stat(ctx, path); err == nil {
		return ErrExists
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	s.mu.Lock()
	s.synthetic[path] = s.clock.Now()
	s.mu.Unlock()
	s.listings.Delete(parentDir(path))
	s.logger.Debug("created local directory", "path", path)
	return nil
}

// Rmdir removes an empty directory. Directories with remote children
// cannot be removed (hiding every child first empties them), and only
// directories known to this process or the remote can be removed at
// all.
func (s *Service) Rmdir(ctx context.Context, path string) error {
	path = strings.Trim(path, "/")
	if path == "" {
		return ErrNotEmpty
	}

	children, err := s.List(ctx, path)
	if err != nil {
		return err
	}
	if len(children) > 0 {
		return ErrNotEmpty
	}

	s.mu.Lock()
	_, known := s.synthetic[path]
	delete(s.synthetic, path)
	s.mu.Unlock()
	if !known {
		return ErrNotFound
	}
	s.listings.Delete(parentDir(path))
	s.listings.Delete(path)
	return nil
}

// NoteRename moves local overlay state from one path to another,
// covering both a simple file rename and a directory rename that
// carries a subtree. Remote state is invalidated on both sides.
func (s *Service) NoteRename(from, to string) {
	from = strings.Trim(from, "/")
	to = strings.Trim(to, "/")

	s.mu.Lock()
	if info, ok := s.local[from]; ok {
		delete(s.local, from)
		info.Path = to
		info.Name = baseName(to)
		s.local[to] = info
	}
	if created, ok := s.synthetic[from]; ok {
		delete(s.synthetic, from)
		s.synthetic[to] = created
	}
	prefix := from + "/"
	for path, info := range s.local {
		if strings.HasPrefix(path, prefix) {
			delete(s.local, path)
			moved := to + "/" + path[len(prefix):]
			info.Path = moved
			info.Name = baseName(moved)
			s.local[moved] = info
		}
	}
	for path, created := range s.synthetic {
		if strings.HasPrefix(path, prefix) {
			delete(s.synthetic, path)
			s.synthetic[to+"/"+path[len(prefix):]] = created
		}
	}
	s.mu.Unlock()

	s.Invalidate(from)
	s.Invalidate(to)
}

// listRemote pages through the delimiter listing for dir. found
// reports whether the remote knows the directory at all (any entry
// under its prefix).
func (s *Service) listRemote(ctx context.Context, dir string) (infos []Info, found bool, err error) {
	prefix := ""
	if dir != "" {
		prefix = dir + "/"
	}

	start := ""
	for {
		page, err := s.client.ListFileNames(ctx, prefix, "/", start, 0)
		if err != nil {
			return nil, false, err
		}
		for _, file := range page.Files {
			found = true
			info, ok := childInfo(dir, prefix, file)
			if !ok {
				continue
			}
			infos = append(infos, info)
		}
		if page.NextFileName == "" {
			return infos, found, nil
		}
		start = page.NextFileName
	}
}

// statRemote resolves path against the remote. An exact name match is
// a file; otherwise any row under path's slash-terminated prefix means
// a directory. The two probes are separate because sibling names that
// share path as a string prefix ("cat.jpg" next to "cat/") can crowd
// out the directory row in a single listing page.
func (s *Service) statRemote(ctx context.Context, path string) (Info, error) {
	page, err := s.client.ListFileNames(ctx, path, "/", path, 1)
	if err != nil {
		return Info{}, err
	}
	if len(page.Files) > 0 {
		file := page.Files[0]
		if strings.TrimSuffix(file.Name, "/") == path {
			return Info{
				Path:    path,
				Name:    baseName(path),
				Size:    file.Size,
				ModTime: file.Uploaded,
				Dir:     file.Folder,
			}, nil
		}
	}

	page, err = s.client.ListFileNames(ctx, path+"/", "/", "", 1)
	if err != nil {
		return Info{}, err
	}
	if len(page.Files) > 0 {
		return Info{Path: path, Name: baseName(path), Dir: true}, nil
	}
	return Info{}, ErrNotFound
}

// overlay merges local files and synthetic directories that live
// directly under dir into the remote listing, then sorts by name.
func (s *Service) overlay(dir string, remote []Info) []Info {
	merged := make([]Info, len(remote))
	copy(merged, remote)
	seen := make(map[string]bool, len(remote))
	for _, info := range remote {
		seen[info.Name] = true
	}

	s.mu.Lock()
	for path, info := range s.local {
		if parentDir(path) == dir && !seen[info.Name] {
			merged = append(merged, info)
			seen[info.Name] = true
		}
	}
	for path, created := range s.synthetic {
		if parentDir(path) == dir {
			name := baseName(path)
			if !seen[name] {
				merged = append(merged, Info{Path: path, Name: name, ModTime: created, Dir: true})
				seen[name] = true
			}
		}
	}
	s.mu.Unlock()

	sort.Slice(merged, func(i, j int) bool { return merged[i].Name < merged[j].Name })
	return merged
}

// knownLocalDir reports whether dir exists in the local overlay,
// either as a synthetic directory or as an ancestor of local files.
func (s *Service) knownLocalDir(dir string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.synthetic[dir]; ok {
		return true
	}
	prefix := dir + "/"
	for path := range s.local {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	for path := range s.synthetic {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// childInfo maps one listing row under prefix to a direct child of
// dir. Rows deeper than one level (possible only without a delimiter)
// are skipped.
func childInfo(dir, prefix string, file b2.FileInfo) (Info, bool) {
	rest := strings.TrimPrefix(file.Name, prefix)
	if rest == "" {
		return Info{}, false
	}
	if file.Folder {
		name := strings.TrimSuffix(rest, "/")
		if name == "" || strings.Contains(name, "/") {
			return Info{}, false
		}
		path := name
		if dir != "" {
			path = dir + "/" + name
		}
		return Info{Path: path, Name: name, Dir: true}, true
	}
	if strings.Contains(rest, "/") {
		return Info{}, false
	}
	path := rest
	if dir != "" {
		path = dir + "/" + rest
	}
	return Info{
		Path:    path,
		Name:    rest,
		Size:    file.Size,
		ModTime: file.Uploaded,
	}, true
}

func parentDir(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[:i]
	}
	return ""
}

func baseName(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}
