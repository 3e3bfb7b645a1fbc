// Package treehash derives a deterministic cache key from the contents of one
// or more directory trees.
//
// Only file bytes feed the digest. Names decide ordering (lexicographic at
// every level, files before subdirectories) but are never hashed themselves,
// so two trees whose sorted content streams are byte-identical share a key.
package treehash

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/phraemer/gencache/pkg/log"
)

// ErrInvalidPath reports a source, build, or cache-root path that does not
// exist or is not a directory.
var ErrInvalidPath = errors.New("invalid path")

// DefaultExclude holds the name prefixes skipped by the default hasher.
var DefaultExclude = []string{".", "__"}

// Key is a lowercase hexadecimal digest identifying a set of source trees.
type Key string

// String returns the key as a plain string.
func (k Key) String() string {
	return string(k)
}

// Short returns an abbreviated form suitable for log lines.
func (k Key) Short() string {
	if len(k) <= 12 {
		return string(k)
	}
	return string(k[:12])
}

// ParseKey validates s as a key. Keys are 64 lowercase hex characters, which
// also guarantees they are safe to use as a single path segment.
func ParseKey(s string) (Key, error) {
	if !IsKey(s) {
		return "", fmt.Errorf("%q is not a valid cache key", s)
	}
	return Key(s), nil
}

// IsKey reports whether s is a well-formed key.
func IsKey(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Hasher computes keys. The zero value excludes nothing; use New for the
// default exclusion rules.
type Hasher struct {
	// Exclude lists name prefixes. Files and directories whose name starts
	// with any of them are skipped, and excluded directories are not entered.
	Exclude []string
	// Salt, when non-empty, is written into the digest before any content so
	// that extra key inputs separate otherwise identical trees.
	Salt string
}

// New returns a Hasher using DefaultExclude.
func New() *Hasher {
	return &Hasher{Exclude: append([]string(nil), DefaultExclude...)}
}

// ComputeKey hashes sourceDirs with the default hasher.
func ComputeKey(ctx context.Context, sourceDirs ...string) (Key, error) {
	return New().ComputeKey(ctx, sourceDirs...)
}

// ComputeKey walks each source directory in the order given and returns the
// digest of the concatenated content of every included file. Every path is
// validated before hashing starts.
func (h *Hasher) ComputeKey(ctx context.Context, sourceDirs ...string) (Key, error) {
	if len(sourceDirs) == 0 {
		return "", fmt.Errorf("no source directories given: %w", ErrInvalidPath)
	}
	for _, dir := range sourceDirs {
		if err := CheckDir(dir); err != nil {
			return "", err
		}
	}

	logger := log.FromContext(ctx)
	sum := sha256.New()
	if h.Salt != "" {
		io.WriteString(sum, h.Salt)
	}

	for _, dir := range sourceDirs {
		logger.Verbosef("Source dir: %s", dir)
		if err := h.hashDir(ctx, sum, dir); err != nil {
			return "", fmt.Errorf("hashing %s: %w", dir, err)
		}
	}

	return Key(hex.EncodeToString(sum.Sum(nil))), nil
}

// CheckDir returns an error wrapping ErrInvalidPath unless path exists and is
// a directory.
func CheckDir(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s does not exist: %w", path, ErrInvalidPath)
		}
		return fmt.Errorf("checking %s: %w", path, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory: %w", path, ErrInvalidPath)
	}
	return nil
}

// hashDir feeds one directory level, then recurses. Files of a level are
// consumed before any of its subdirectories.
func (h *Hasher) hashDir(ctx context.Context, sum hash.Hash, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	// ReadDir already sorts by name; keep the ordering explicit.
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var files, dirs []string
	for _, e := range entries {
		name := e.Name()
		if h.excluded(name) {
			continue
		}
		path := filepath.Join(dir, name)
		switch {
		case e.IsDir():
			dirs = append(dirs, path)
		case e.Type().IsRegular():
			files = append(files, path)
		case e.Type()&fs.ModeSymlink != 0:
			// Links to files are followed; links to directories are not entered.
			info, err := os.Stat(path)
			if err != nil {
				return fmt.Errorf("resolving link %s: %w", path, err)
			}
			if info.Mode().IsRegular() {
				files = append(files, path)
			}
		}
	}

	logger := log.FromContext(ctx)
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		logger.Verbosef("hashing: %s", path)
		if err := hashFile(sum, path); err != nil {
			return err
		}
	}

	for _, path := range dirs {
		if err := h.hashDir(ctx, sum, path); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hasher) excluded(name string) bool {
	for _, prefix := range h.Exclude {
		if prefix != "" && strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

func hashFile(sum hash.Hash, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := io.Copy(sum, f); err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	return nil
}
