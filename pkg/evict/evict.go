// Package evict keeps a cache root under a size budget by deleting the
// least recently used entries.
//
// An entry is any directory directly under the root whose name is a valid
// key. Its recency is the directory's modification time, which the store
// refreshes on every store and fetch, so there is no index to keep in sync.
package evict

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/phraemer/gencache/pkg/log"
	"github.com/phraemer/gencache/pkg/treehash"
)

const (
	// StagingPrefix starts the name of every in-flight store directory.
	StagingPrefix = ".staging-"
	// TrashPrefix starts the name of an entry that has been unpublished and
	// is being deleted.
	TrashPrefix = ".trash-"

	// DefaultStaleAge is how old a staging or trash directory must be before
	// a sweep treats it as abandoned.
	DefaultStaleAge = 24 * time.Hour
)

// Entry describes one published cache entry.
type Entry struct {
	Key      treehash.Key `json:"key"`
	Path     string       `json:"path"`
	Size     int64        `json:"size"`
	LastUsed time.Time    `json:"lastUsed"`
}

// Report summarizes one eviction pass.
type Report struct {
	TotalBefore int64
	TotalAfter  int64
	Evicted     []Entry
	// RaceMisses counts entries that disappeared under a concurrent evictor
	// between the scan and their removal.
	RaceMisses int
	// StaleStaging lists abandoned staging and trash directories removed.
	StaleStaging []string
}

type options struct {
	staleAge time.Duration
	now      func() time.Time
}

// Option configures EnforceBudget.
type Option func(*options)

// WithStaleAge overrides DefaultStaleAge. A non-positive age disables the
// sweep of abandoned staging directories.
func WithStaleAge(d time.Duration) Option {
	return func(o *options) { o.staleAge = d }
}

// WithClock sets the time source used to judge staleness.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// EnforceBudget deletes entries oldest first until the total size of all
// entries is at most maxBytes. The last remaining entry is never deleted, so
// a single entry larger than the budget survives. maxBytes <= 0 disables
// eviction.
func EnforceBudget(ctx context.Context, root string, maxBytes int64, opts ...Option) (*Report, error) {
	o := options{staleAge: DefaultStaleAge, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	logger := log.FromContext(ctx)
	rep := &Report{}

	if o.staleAge > 0 {
		swept, err := sweepStale(root, o.now().Add(-o.staleAge))
		if err != nil {
			return nil, err
		}
		for _, name := range swept {
			logger.Verbosef("Removed abandoned %s", name)
		}
		rep.StaleStaging = swept
	}

	entries, vanished, err := scan(ctx, root)
	if err != nil {
		return nil, err
	}
	rep.RaceMisses = vanished

	var total int64
	for _, e := range entries {
		total += e.Size
	}
	rep.TotalBefore = total

	for maxBytes > 0 && total > maxBytes && len(entries) > 1 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		oldest := entries[0]
		entries = entries[1:]

		logger.Printf("Purging %s", oldest.Path)
		removed, err := Remove(root, oldest.Key)
		if err != nil {
			return nil, err
		}
		if removed {
			rep.Evicted = append(rep.Evicted, oldest)
		} else {
			rep.RaceMisses++
		}
		total -= oldest.Size
	}
	rep.TotalAfter = total

	logger.Verbosef("Cache size %s (%d bytes)", humanize.Bytes(uint64(total)), total)
	return rep, nil
}

// Scan lists every entry under root, oldest recency first with ties broken
// by key.
func Scan(ctx context.Context, root string) ([]Entry, error) {
	entries, _, err := scan(ctx, root)
	return entries, err
}

// scan also returns how many entries vanished while being measured.
func scan(ctx context.Context, root string) ([]Entry, int, error) {
	dirents, err := os.ReadDir(root)
	if err != nil {
		return nil, 0, fmt.Errorf("reading cache root %s: %w", root, err)
	}

	var candidates []Entry
	for _, d := range dirents {
		if !d.IsDir() || !treehash.IsKey(d.Name()) {
			continue
		}
		candidates = append(candidates, Entry{
			Key:  treehash.Key(d.Name()),
			Path: filepath.Join(root, d.Name()),
		})
	}

	gone := make([]bool, len(candidates))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range candidates {
		i := i
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			e := &candidates[i]
			info, err := os.Stat(e.Path)
			if err == nil {
				e.LastUsed = info.ModTime()
				e.Size, err = DirSize(e.Path)
			}
			if errors.Is(err, fs.ErrNotExist) {
				gone[i] = true
				return nil
			}
			if err != nil {
				return fmt.Errorf("measuring %s: %w", e.Path, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	entries := candidates[:0]
	vanished := 0
	for i, e := range candidates {
		if gone[i] {
			vanished++
			continue
		}
		entries = append(entries, e)
	}
	SortByRecency(entries)
	return entries, vanished, nil
}

// SortByRecency orders entries oldest first, ties broken by key.
func SortByRecency(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].LastUsed.Equal(entries[j].LastUsed) {
			return entries[i].LastUsed.Before(entries[j].LastUsed)
		}
		return entries[i].Key < entries[j].Key
	})
}

// DirSize sums the sizes of all regular files beneath dir.
func DirSize(dir string) (int64, error) {
	var total int64
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
		total += info.Size()
		return nil
	})
	return total, err
}

// Remove unpublishes the entry for key with an atomic rename to a trash
// name, then deletes it. It reports false without error when the entry was
// already gone.
func Remove(root string, key treehash.Key) (bool, error) {
	entry := filepath.Join(root, string(key))
	trash := filepath.Join(root, fmt.Sprintf("%s%s-%d-%d", TrashPrefix, key, os.Getpid(), time.Now().UnixNano()))

	if err := os.Rename(entry, trash); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("unpublishing %s: %w", entry, err)
	}
	if err := os.RemoveAll(trash); err != nil {
		return true, fmt.Errorf("deleting %s: %w", trash, err)
	}
	return true, nil
}

// sweepStale removes staging and trash directories last modified before
// cutoff. Younger ones belong to writers or evictors still running.
func sweepStale(root string, cutoff time.Time) ([]string, error) {
	dirents, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("reading cache root %s: %w", root, err)
	}

	var removed []string
	for _, d := range dirents {
		name := d.Name()
		if !d.IsDir() || !(strings.HasPrefix(name, StagingPrefix) || strings.HasPrefix(name, TrashPrefix)) {
			continue
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return removed, err
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(root, name)); err != nil {
			return removed, fmt.Errorf("removing abandoned %s: %w", name, err)
		}
		removed = append(removed, name)
	}
	return removed, nil
}
