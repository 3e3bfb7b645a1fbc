package store

import (
	"errors"
	"fmt"

	"github.com/phraemer/gencache/pkg/treehash"
)

var (
	// ErrInvalidPath reports a build, destination, or cache-root path that
	// does not exist or is not a directory. It is the same value as
	// treehash.ErrInvalidPath.
	ErrInvalidPath = treehash.ErrInvalidPath
	// ErrInvalidKey reports a key that is not lowercase hex.
	ErrInvalidKey = errors.New("invalid cache key")
	// ErrCacheMiss reports a fetch for a key with no entry.
	ErrCacheMiss = errors.New("cache miss")
	// ErrPublishCollision reports a store whose key is already taken by
	// an entry with different content.
	ErrPublishCollision = errors.New("publish collision")
	// ErrCopyFailure reports a copy that failed part way.
	ErrCopyFailure = errors.New("copy failed")
)

// MissError is returned when no entry exists for Key.
type MissError struct {
	Key treehash.Key
}

func (e *MissError) Error() string {
	return fmt.Sprintf("not in cache: %s", e.Key)
}

func (e *MissError) Unwrap() error {
	return ErrCacheMiss
}

// CollisionError is returned when a store finds Key already published with
// content that does not match the build directory.
type CollisionError struct {
	Key    treehash.Key
	Reason string
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("%s is already cached with different content: %s", e.Key, e.Reason)
}

func (e *CollisionError) Unwrap() error {
	return ErrPublishCollision
}

// CopyError wraps a failure of the directory copier.
type CopyError struct {
	Src string
	Dst string
	Err error
}

func (e *CopyError) Error() string {
	return fmt.Sprintf("copying %s to %s: %v", e.Src, e.Dst, e.Err)
}

func (e *CopyError) Unwrap() []error {
	return []error{ErrCopyFailure, e.Err}
}
