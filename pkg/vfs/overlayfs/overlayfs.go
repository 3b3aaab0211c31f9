// Package overlayfs stacks a writable filesystem over a read-only one.
//
// Lookups try the upper layer first and fall back to the lower layer
// when the upper one has no such file. All modifications go to the upper
// layer, which gains the parent directories it lacks on the way. The
// lower layer is never written.
package overlayfs

import (
	"errors"
	"os"

	"kproc/pkg/abi"
	"kproc/pkg/vfs"
)

// FS is an overlay of two filesystems.
type FS struct {
	upper vfs.FileSystem
	lower vfs.FileSystem
}

var _ vfs.FileSystem = (*FS)(nil)

// New creates an overlay with upper stacked over lower.
func New(upper, lower vfs.FileSystem) *FS {
	return &FS{upper: upper, lower: lower}
}

// missing reports whether err says the upper layer lacks the file, in
// which case the lower layer is consulted.
func missing(err error) bool {
	return errors.Is(err, abi.ENOENT)
}

// Open implements vfs.FileSystem.Open.
func (fs *FS) Open(path string) (vfs.File, error) {
	f, err := fs.upper.Open(path)
	if missing(err) {
		return fs.lower.Open(path)
	}
	return f, err
}

// Stat implements vfs.FileSystem.Stat.
func (fs *FS) Stat(path string) (vfs.FileInfo, error) {
	info, err := fs.upper.Stat(path)
	if missing(err) {
		return fs.lower.Stat(path)
	}
	return info, err
}

// ReadFile implements vfs.FileSystem.ReadFile.
func (fs *FS) ReadFile(path string) ([]byte, error) {
	data, err := fs.upper.ReadFile(path)
	if missing(err) {
		return fs.lower.ReadFile(path)
	}
	return data, err
}

// WriteFile implements vfs.FileSystem.WriteFile.
func (fs *FS) WriteFile(path string, data []byte, perm os.FileMode) error {
	if err := fs.copyUpDir(vfs.Dir(path)); err != nil {
		return err
	}
	return fs.upper.WriteFile(path, data, perm)
}

// MkdirAll implements vfs.FileSystem.MkdirAll.
func (fs *FS) MkdirAll(path string, perm os.FileMode) error {
	if info, err := fs.lower.Stat(path); err == nil && !info.IsDir {
		return vfs.ErrNotDir
	}
	return fs.upper.MkdirAll(path, perm)
}

// Symlink implements vfs.FileSystem.Symlink.
func (fs *FS) Symlink(target, newpath string) error {
	if _, err := fs.lower.Stat(newpath); err == nil {
		return vfs.ErrExist
	}
	if err := fs.copyUpDir(vfs.Dir(newpath)); err != nil {
		return err
	}
	return fs.upper.Symlink(target, newpath)
}

// copyUpDir creates dir in the upper layer when only the lower layer has
// it, keeping the lower layer's permissions.
func (fs *FS) copyUpDir(dir string) error {
	if _, err := fs.upper.Stat(dir); !missing(err) {
		return err
	}
	info, err := fs.lower.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir {
		return vfs.ErrNotDir
	}
	return fs.upper.MkdirAll(dir, info.Mode.Perm())
}
