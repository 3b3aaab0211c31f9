package vfs

import (
	"fmt"
	"io"
	"os"
	"time"

	"kproc/pkg/abi"
)

// Errors shared by every backend.
var (
	ErrNotExist    = fmt.Errorf("vfs: file not found: %w", abi.ENOENT)
	ErrExist       = fmt.Errorf("vfs: file already exists: %w", abi.EEXIST)
	ErrNotDir      = fmt.Errorf("vfs: not a directory: %w", abi.ENOTDIR)
	ErrIsDir       = fmt.Errorf("vfs: is a directory: %w", abi.EISDIR)
	ErrPermission  = fmt.Errorf("vfs: permission denied: %w", abi.EACCES)
	ErrClosedFile  = fmt.Errorf("vfs: file is closed: %w", abi.EINVAL)
	ErrBadFD       = fmt.Errorf("vfs: bad file descriptor: %w", abi.EINVAL)
	ErrTooManyOpen = fmt.Errorf("vfs: descriptor table full: %w", abi.EMFILE)
)

// FileSystem is the part of a filesystem the process core uses.
type FileSystem interface {
	// Open opens a file for reading. The file must exist.
	Open(path string) (File, error)

	// Stat returns a FileInfo describing the file at path, following
	// symbolic links.
	Stat(path string) (FileInfo, error)

	// ReadFile reads the entire file at path.
	ReadFile(path string) ([]byte, error)

	// WriteFile writes data to the file at path, creating it if necessary.
	WriteFile(path string, data []byte, perm os.FileMode) error

	// MkdirAll creates a directory at path and any necessary parents.
	MkdirAll(path string, perm os.FileMode) error

	// Symlink creates a symbolic link at newpath pointing to target.
	Symlink(target, newpath string) error
}

// File is an open file.
type File interface {
	io.Reader
	io.Closer

	Stat() (FileInfo, error)
}

// FileInfo describes a file and is returned by Stat.
type FileInfo struct {
	Name    string      // Base name of the file
	Size    int64       // Length in bytes for regular files
	Mode    os.FileMode // File mode bits
	ModTime time.Time   // Modification time
	IsDir   bool        // True if path is a directory
}

// Executable reports whether any execute bit is set on a regular file.
func (fi FileInfo) Executable() bool {
	return !fi.IsDir && fi.Mode.Perm()&0o111 != 0
}
