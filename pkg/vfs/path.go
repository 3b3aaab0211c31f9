package vfs

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"kproc/pkg/abi"
)

// Path errors.
var (
	ErrEmptyPath   = fmt.Errorf("vfs: empty path: %w", abi.ENOENT)
	ErrInvalidPath = fmt.Errorf("vfs: invalid path: %w", abi.EINVAL)
	ErrSymlinkLoop = errors.New("vfs: symbolic link loop")
	ErrPathTooLong = fmt.Errorf("vfs: path too long: %w", abi.ENAMETOOLONG)
)

// MaxPathLength matches PATH_MAX.
const MaxPathLength = 4096

// MaxSymlinks bounds symbolic link resolution.
const MaxSymlinks = 40

// Clean returns the shortest absolute form of p. A relative p is taken
// relative to the root; ".." never climbs above it.
func Clean(p string) string {
	var parts []string
	for _, comp := range strings.Split(p, "/") {
		switch comp {
		case "", ".":
		case "..":
			if len(parts) > 0 {
				parts = parts[:len(parts)-1]
			}
		default:
			parts = append(parts, comp)
		}
	}
	return "/" + strings.Join(parts, "/")
}

// IsAbs reports whether the path is absolute.
func IsAbs(p string) bool {
	return strings.HasPrefix(p, "/")
}

// Abs resolves p against the directory dir. An absolute p ignores dir.
func Abs(p, dir string) string {
	if IsAbs(p) {
		return Clean(p)
	}
	if !IsAbs(dir) {
		dir = "/"
	}
	return Clean(path.Join(dir, p))
}

// Dir returns all but the last element of the path.
func Dir(p string) string {
	p = Clean(p)
	i := strings.LastIndexByte(p, '/')
	if i == 0 {
		return "/"
	}
	return p[:i]
}

// Base returns the last element of the path, or "" for the root.
func Base(p string) string {
	p = Clean(p)
	return p[strings.LastIndexByte(p, '/')+1:]
}

// Join joins path elements into a single clean path.
func Join(elem ...string) string {
	return Clean(path.Join(elem...))
}

// Components splits a clean path into its names. The root has none.
func Components(p string) []string {
	p = Clean(p)
	if p == "/" {
		return nil
	}
	return strings.Split(p[1:], "/")
}

// ValidatePath checks that p can name a file.
func ValidatePath(p string) error {
	switch {
	case p == "":
		return ErrEmptyPath
	case len(p) > MaxPathLength:
		return ErrPathTooLong
	case strings.IndexByte(p, 0) >= 0:
		return ErrInvalidPath
	}
	return nil
}
