// Package store maps cache keys to directories of build artifacts under a
// cache root.
//
// Layout:
//
//	{root}/
//	  {key}/                    published entry, a copy of the stored build dir
//	  .staging-{key}-{random}/  in-flight store, never visible under {key}
//	  .trash-{key}-{pid}-{ns}/  entry unpublished by eviction, being deleted
//
// An entry becomes visible in one rename of its fully populated staging
// directory and leaves in one rename to a trash name, so readers never see a
// partial entry under its key. Recency is the entry directory's mtime.
package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/phraemer/gencache/pkg/copier"
	"github.com/phraemer/gencache/pkg/evict"
	"github.com/phraemer/gencache/pkg/log"
	"github.com/phraemer/gencache/pkg/treehash"
)

const entryPerm = 0o755

// Copier recursively copies a directory tree, creating dst if absent and
// overwriting files that already exist there.
type Copier interface {
	CopyTree(src, dst string) error
}

// Entry describes one published cache entry.
type Entry = evict.Entry

// StoreResult describes what a Store call did.
type StoreResult struct {
	Key treehash.Key
	// Collision is true when the key was already published and the call
	// kept the existing entry instead of publishing a new one.
	Collision bool
	Eviction  *evict.Report
}

// Cache is a content-addressed artifact store rooted at one directory. It
// holds only configuration, so one value may be shared between goroutines;
// concurrent processes coordinate through the filesystem alone.
type Cache struct {
	root     string
	maxBytes int64
	copier   Copier
	verify   bool
	staleAge time.Duration
	now      func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithMaxBytes sets the size budget enforced after every store. A
// non-positive budget disables eviction.
func WithMaxBytes(n int64) Option {
	return func(c *Cache) { c.maxBytes = n }
}

// WithCopier replaces the host filesystem copier.
func WithCopier(cp Copier) Option {
	return func(c *Cache) { c.copier = cp }
}

// WithVerifyCollisions controls whether a store that finds its key taken
// compares the build directory against the existing entry.
func WithVerifyCollisions(v bool) Option {
	return func(c *Cache) { c.verify = v }
}

// WithStaleStagingAge sets how old an abandoned staging directory must be
// before eviction removes it.
func WithStaleStagingAge(d time.Duration) Option {
	return func(c *Cache) { c.staleAge = d }
}

// WithClock sets the time source for recency stamps.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// Open returns a Cache over root, which must already exist.
func Open(root string, opts ...Option) (*Cache, error) {
	if err := treehash.CheckDir(root); err != nil {
		return nil, fmt.Errorf("opening cache: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving absolute path for %q: %w", root, err)
	}

	c := &Cache{
		root:     abs,
		copier:   copier.OS(),
		verify:   true,
		staleAge: evict.DefaultStaleAge,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Root returns the absolute cache root.
func (c *Cache) Root() string {
	return c.root
}

// MaxBytes returns the configured budget.
func (c *Cache) MaxBytes() int64 {
	return c.maxBytes
}

// Path returns where the entry for key lives. Does not check that it exists.
func (c *Cache) Path(key treehash.Key) string {
	return filepath.Join(c.root, string(key))
}

// Exists reports whether an entry for key is published.
func (c *Cache) Exists(key treehash.Key) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}
	return dirExists(c.Path(key))
}

// Store publishes the contents of buildDir under key, then enforces the
// size budget. If key is already published the existing entry is kept; with
// verification enabled a mismatching build directory yields a
// *CollisionError.
func (c *Cache) Store(ctx context.Context, key treehash.Key, buildDir string) (*StoreResult, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	if err := treehash.CheckDir(buildDir); err != nil {
		return nil, err
	}

	logger := log.FromContext(ctx)
	entry := c.Path(key)
	res := &StoreResult{Key: key}

	exists, err := dirExists(entry)
	if err != nil {
		return nil, err
	}
	if !exists {
		published, err := c.publish(ctx, key, buildDir)
		if err != nil {
			return nil, err
		}
		res.Collision = !published
	} else {
		res.Collision = true
	}

	if res.Collision {
		logger.Printf("%q is already in the cache or currently being stored.", entry)
		if err := c.settleCollision(ctx, key, buildDir); err != nil {
			return nil, err
		}
	}

	if err := c.touch(entry); err != nil {
		return nil, err
	}

	rep, err := c.Prune(ctx)
	if err != nil {
		return res, fmt.Errorf("enforcing cache budget: %w", err)
	}
	res.Eviction = rep
	return res, nil
}

// publish copies buildDir into a fresh staging directory and renames it to
// the entry path. It reports false when another writer published key first.
func (c *Cache) publish(ctx context.Context, key treehash.Key, buildDir string) (bool, error) {
	logger := log.FromContext(ctx)
	entry := c.Path(key)

	staging, err := os.MkdirTemp(c.root, evict.StagingPrefix+string(key)+"-")
	if err != nil {
		return false, fmt.Errorf("creating staging directory in %s: %w", c.root, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(staging)
		}
	}()

	// MkdirTemp creates 0700; entries are meant to be shared.
	if err := os.Chmod(staging, entryPerm); err != nil {
		return false, fmt.Errorf("setting mode on %s: %w", staging, err)
	}

	logger.Printf("Storing from %s in temp dir %s", buildDir, staging)
	if err := c.copier.CopyTree(buildDir, staging); err != nil {
		return false, &CopyError{Src: buildDir, Dst: staging, Err: err}
	}

	// Never remove the target first: a failed rename means someone else
	// owns the key.
	if err := os.Rename(staging, entry); err != nil {
		if taken, _ := dirExists(entry); taken {
			return false, nil
		}
		return false, fmt.Errorf("publishing %s: %w", entry, err)
	}
	committed = true
	logger.Verbosef("Published %s", entry)
	return true, nil
}

// settleCollision decides whether an existing entry may stand in for
// buildDir.
func (c *Cache) settleCollision(ctx context.Context, key treehash.Key, buildDir string) error {
	if !c.verify {
		return nil
	}
	want, err := manifest(buildDir)
	if err != nil {
		return fmt.Errorf("listing %s: %w", buildDir, err)
	}
	have, err := manifest(c.Path(key))
	if errors.Is(err, fs.ErrNotExist) {
		// Evicted since we looked; nothing left to disagree with.
		log.FromContext(ctx).Verbosef("%s vanished while verifying", key.Short())
		return nil
	}
	if err != nil {
		return fmt.Errorf("listing cached entry %s: %w", key, err)
	}
	if reason := diffManifests(want, have); reason != "" {
		return &CollisionError{Key: key, Reason: reason}
	}
	return nil
}

// Fetch copies the entry for key into destDir and marks it as recently
// used. A missing entry yields a *MissError and changes nothing.
func (c *Cache) Fetch(ctx context.Context, key treehash.Key, destDir string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	entry := c.Path(key)

	exists, err := dirExists(entry)
	if err != nil {
		return err
	}
	if !exists {
		return &MissError{Key: key}
	}

	log.FromContext(ctx).Printf("Fetching from %s to %s", entry, destDir)
	if err := c.copier.CopyTree(entry, destDir); err != nil {
		// An evictor may have unpublished the entry mid-copy.
		if still, _ := dirExists(entry); !still {
			return &MissError{Key: key}
		}
		return &CopyError{Src: entry, Dst: destDir, Err: err}
	}

	return c.touch(entry)
}

// Lookup returns the entry for key.
func (c *Cache) Lookup(key treehash.Key) (Entry, error) {
	if err := checkKey(key); err != nil {
		return Entry{}, err
	}
	path := c.Path(key)
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Entry{}, &MissError{Key: key}
	}
	if err != nil {
		return Entry{}, fmt.Errorf("checking %s: %w", path, err)
	}
	size, err := evict.DirSize(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Entry{}, &MissError{Key: key}
	}
	if err != nil {
		return Entry{}, fmt.Errorf("measuring %s: %w", path, err)
	}
	return Entry{Key: key, Path: path, Size: size, LastUsed: info.ModTime()}, nil
}

// Entries lists published entries, least recently used first.
func (c *Cache) Entries(ctx context.Context) ([]Entry, error) {
	return evict.Scan(ctx, c.root)
}

// Remove deletes the entry for key.
func (c *Cache) Remove(key treehash.Key) error {
	if err := checkKey(key); err != nil {
		return err
	}
	removed, err := evict.Remove(c.root, key)
	if err != nil {
		return err
	}
	if !removed {
		return &MissError{Key: key}
	}
	return nil
}

// Clear deletes every entry and returns how many were removed.
func (c *Cache) Clear(ctx context.Context) (int, error) {
	entries, err := c.Entries(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		removed, err := evict.Remove(c.root, e.Key)
		if err != nil {
			return n, err
		}
		if removed {
			n++
		}
	}
	return n, nil
}

// Prune runs one eviction pass with the configured budget.
func (c *Cache) Prune(ctx context.Context) (*evict.Report, error) {
	log.FromContext(ctx).Verbosef("Shrinking cache if needed")
	return evict.EnforceBudget(ctx, c.root, c.maxBytes,
		evict.WithStaleAge(c.staleAge),
		evict.WithClock(c.now),
	)
}

// touch refreshes the recency of an entry. An entry that was evicted in the
// meantime is not an error.
func (c *Cache) touch(entry string) error {
	now := c.now()
	if err := os.Chtimes(entry, now, now); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("updating recency of %s: %w", entry, err)
	}
	return nil
}

func checkKey(key treehash.Key) error {
	if !treehash.IsKey(string(key)) {
		return fmt.Errorf("%q: %w", key, ErrInvalidKey)
	}
	return nil
}

func dirExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err == nil {
		return info.IsDir(), nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("checking %s: %w", path, err)
}

// manifest maps the slash-separated relative path of every regular file
// under dir to its size.
func manifest(dir string) (map[string]int64, error) {
	files := map[string]int64{}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = info.Size()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// diffManifests returns a description of the first difference, or "" when
// both list the same files with the same sizes.
func diffManifests(want, have map[string]int64) string {
	paths := make([]string, 0, len(want)+len(have))
	for p := range want {
		paths = append(paths, p)
	}
	for p := range have {
		if _, ok := want[p]; !ok {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)

	for _, p := range paths {
		w, inWant := want[p]
		h, inHave := have[p]
		switch {
		case !inHave:
			return fmt.Sprintf("%s is missing from the cached entry", p)
		case !inWant:
			return fmt.Sprintf("cached entry has unexpected file %s", p)
		case w != h:
			return fmt.Sprintf("%s is %d bytes in the build but %d bytes in the cache", p, w, h)
		}
	}
	return ""
}
