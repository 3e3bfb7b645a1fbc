// Package copier recursively copies directory trees.
package copier

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// dirCreatePerm is OR-ed into created directories so their children can be
// written even when the source directory is read-only.
const dirCreatePerm = 0o700

const ownerWritePerm = 0o200

// Copier copies trees on a single filesystem.
type Copier struct {
	fs afero.Fs
}

// New returns a Copier operating on fsys.
func New(fsys afero.Fs) *Copier {
	return &Copier{fs: fsys}
}

// OS returns a Copier on the host filesystem.
func OS() *Copier {
	return New(afero.NewOsFs())
}

// CopyTree copies the contents of src into dst. dst is created if absent;
// files that already exist at dst are overwritten. Nothing is excluded.
func (c *Copier) CopyTree(src, dst string) error {
	info, err := c.fs.Stat(src)
	if err != nil {
		return fmt.Errorf("checking %s: %w", src, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", src)
	}

	return afero.Walk(c.fs, src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		mode := info.Mode()
		switch {
		case mode.IsDir():
			if err := c.fs.MkdirAll(target, mode.Perm()|dirCreatePerm); err != nil {
				return fmt.Errorf("creating %s: %w", target, err)
			}
			return nil
		case mode&fs.ModeSymlink != 0:
			return c.copyLink(path, target)
		case mode.IsRegular():
			return c.copyFile(path, target, mode.Perm())
		default:
			// Sockets, devices and pipes have no portable copy.
			return nil
		}
	})
}

func (c *Copier) copyFile(src, dst string, perm fs.FileMode) error {
	in, err := c.fs.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	out, err := c.fs.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if errors.Is(err, fs.ErrPermission) {
		// A read-only file left by an earlier copy; make it writable and
		// retry. The final Chmod restores the source mode.
		if chmodErr := c.fs.Chmod(dst, perm|ownerWritePerm); chmodErr == nil {
			out, err = c.fs.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
		}
	}
	if err != nil {
		return fmt.Errorf("creating %s: %w", dst, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copying %s to %s: %w", src, dst, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", dst, err)
	}

	// OpenFile only applies perm on creation.
	if err := c.fs.Chmod(dst, perm); err != nil {
		return fmt.Errorf("setting mode on %s: %w", dst, err)
	}
	return nil
}

// copyLink recreates a symlink when the filesystem can, and otherwise
// copies whatever the link points at.
func (c *Copier) copyLink(src, dst string) error {
	reader, canRead := c.fs.(afero.LinkReader)
	linker, canLink := c.fs.(afero.Linker)
	if !canRead || !canLink {
		return c.copyLinkTarget(src, dst)
	}

	target, err := reader.ReadlinkIfPossible(src)
	if err != nil {
		return fmt.Errorf("reading link %s: %w", src, err)
	}
	if err := c.fs.Remove(dst); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("replacing %s: %w", dst, err)
	}
	if err := linker.SymlinkIfPossible(target, dst); err != nil {
		return fmt.Errorf("linking %s: %w", dst, err)
	}
	return nil
}

func (c *Copier) copyLinkTarget(src, dst string) error {
	info, err := c.fs.Stat(src)
	if err != nil {
		return fmt.Errorf("resolving link %s: %w", src, err)
	}
	if info.IsDir() {
		return c.CopyTree(src, dst)
	}
	return c.copyFile(src, dst, info.Mode().Perm())
}
