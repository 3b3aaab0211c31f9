// Package diskfs exposes a host directory as a vfs.FileSystem.
// Lookups cannot leave the directory, not even through symbolic links.
package diskfs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"syscall"

	"kproc/pkg/abi"
	"kproc/pkg/vfs"
)

// FS is a filesystem rooted at a host directory.
type FS struct {
	root *os.Root
	dir  string
}

var _ vfs.FileSystem = (*FS)(nil)

// New opens the host directory dir.
func New(dir string) (*FS, error) {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("diskfs: %w", err)
	}
	return &FS{root: root, dir: dir}, nil
}

// Close releases the directory.
func (fs *FS) Close() error {
	return fs.root.Close()
}

func (fs *FS) String() string {
	return "diskfs:" + fs.dir
}

// name converts an absolute vfs path to a name relative to the root.
func name(path string) (string, error) {
	if err := vfs.ValidatePath(path); err != nil {
		return "", err
	}
	if rel := strings.TrimPrefix(vfs.Clean(path), "/"); rel != "" {
		return rel, nil
	}
	return ".", nil
}

// mapErr translates host errors into the vfs errors the kernel maps to
// errno values.
func mapErr(op, path string, err error) error {
	var target error
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrNotExist):
		target = vfs.ErrNotExist
	case errors.Is(err, fs.ErrExist):
		target = vfs.ErrExist
	case errors.Is(err, fs.ErrPermission):
		target = vfs.ErrPermission
	case errors.Is(err, syscall.ENOTDIR):
		target = vfs.ErrNotDir
	case errors.Is(err, syscall.EISDIR):
		target = vfs.ErrIsDir
	default:
		return fmt.Errorf("diskfs: %s %s: %v: %w", op, path, err, abi.EIO)
	}
	return fmt.Errorf("diskfs: %s %s: %w", op, path, target)
}

// Open implements vfs.FileSystem.Open.
func (fs *FS) Open(path string) (vfs.File, error) {
	n, err := name(path)
	if err != nil {
		return nil, err
	}
	f, err := fs.root.Open(n)
	if err != nil {
		return nil, mapErr("open", path, err)
	}
	return &file{f: f, path: path}, nil
}

// Stat implements vfs.FileSystem.Stat.
func (fs *FS) Stat(path string) (vfs.FileInfo, error) {
	n, err := name(path)
	if err != nil {
		return vfs.FileInfo{}, err
	}
	info, err := fs.root.Stat(n)
	if err != nil {
		return vfs.FileInfo{}, mapErr("stat", path, err)
	}
	return fileInfo(path, info), nil
}

// ReadFile implements vfs.FileSystem.ReadFile.
func (fs *FS) ReadFile(path string) ([]byte, error) {
	n, err := name(path)
	if err != nil {
		return nil, err
	}
	data, err := fs.root.ReadFile(n)
	return data, mapErr("read", path, err)
}

// WriteFile implements vfs.FileSystem.WriteFile.
func (fs *FS) WriteFile(path string, data []byte, perm os.FileMode) error {
	n, err := name(path)
	if err != nil {
		return err
	}
	return mapErr("write", path, fs.root.WriteFile(n, data, perm))
}

// MkdirAll implements vfs.FileSystem.MkdirAll.
func (fs *FS) MkdirAll(path string, perm os.FileMode) error {
	n, err := name(path)
	if err != nil {
		return err
	}
	return mapErr("mkdir", path, fs.root.MkdirAll(n, perm))
}

// Symlink implements vfs.FileSystem.Symlink.
func (fs *FS) Symlink(target, newpath string) error {
	n, err := name(newpath)
	if err != nil {
		return err
	}
	return mapErr("symlink", newpath, fs.root.Symlink(target, n))
}

func fileInfo(path string, info os.FileInfo) vfs.FileInfo {
	return vfs.FileInfo{
		Name:    vfs.Base(path),
		Size:    info.Size(),
		Mode:    info.Mode(),
		ModTime: info.ModTime(),
		IsDir:   info.IsDir(),
	}
}

// file is an open host file.
type file struct {
	f    *os.File
	path string
}

func (f *file) Read(b []byte) (int, error) { return f.f.Read(b) }
func (f *file) Close() error               { return f.f.Close() }

func (f *file) Stat() (vfs.FileInfo, error) {
	info, err := f.f.Stat()
	if err != nil {
		return vfs.FileInfo{}, mapErr("stat", f.path, err)
	}
	return fileInfo(f.path, info), nil
}
