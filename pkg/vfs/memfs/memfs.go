// Package memfs provides an in-memory filesystem implementation.
// It backs the root filesystem in tests and in the kproc CLI.
package memfs

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"kproc/pkg/vfs"
)

// memNode represents a node in the filesystem (file, directory or symlink).
type memNode struct {
	data     []byte
	isDir    bool
	children map[string]*memNode
	mode     os.FileMode
	mtime    time.Time
	symlink  string // Target if this is a symlink
}

func newMemNode(isDir bool, mode os.FileMode) *memNode {
	n := &memNode{isDir: isDir, mode: mode.Perm(), mtime: time.Now()}
	if isDir {
		n.children = make(map[string]*memNode)
	}
	return n
}

// FS represents an in-memory filesystem.
type FS struct {
	mu   sync.RWMutex
	root *memNode
}

var _ vfs.FileSystem = (*FS)(nil)

// New creates a new in-memory filesystem with an empty root directory.
func New() *FS {
	return &FS{root: newMemNode(true, 0o755)}
}

// lookup walks path from the root. Symbolic links in intermediate
// components are always followed; the final one only when follow is set.
// Callers hold fs.mu.
func (fs *FS) lookup(path string, follow bool) (*memNode, error) {
	return fs.walk(vfs.Components(path), follow, 0)
}

func (fs *FS) walk(parts []string, follow bool, depth int) (*memNode, error) {
	node := fs.root
	for i, part := range parts {
		if !node.isDir {
			return nil, vfs.ErrNotDir
		}
		child, ok := node.children[part]
		if !ok {
			return nil, vfs.ErrNotExist
		}
		if child.symlink != "" && (follow || i < len(parts)-1) {
			if depth >= vfs.MaxSymlinks {
				return nil, vfs.ErrSymlinkLoop
			}
			dir := "/" + strings.Join(parts[:i], "/")
			target := vfs.Abs(child.symlink, dir)
			rest := append(vfs.Components(target), parts[i+1:]...)
			return fs.walk(rest, follow, depth+1)
		}
		node = child
	}
	return node, nil
}

// parent returns the directory that will hold path.
func (fs *FS) parent(path string) (*memNode, string, error) {
	if err := vfs.ValidatePath(path); err != nil {
		return nil, "", err
	}
	name := vfs.Base(path)
	if name == "" {
		return nil, "", vfs.ErrExist
	}
	dir, err := fs.lookup(vfs.Dir(path), true)
	if err != nil {
		return nil, "", err
	}
	if !dir.isDir {
		return nil, "", vfs.ErrNotDir
	}
	return dir, name, nil
}

// Open implements vfs.FileSystem.Open.
func (fs *FS) Open(path string) (vfs.File, error) {
	data, err := fs.ReadFile(path)
	if err != nil {
		return nil, err
	}
	info, err := fs.Stat(path)
	if err != nil {
		return nil, err
	}
	return &memFile{info: info, data: data}, nil
}

// Stat implements vfs.FileSystem.Stat.
func (fs *FS) Stat(path string) (vfs.FileInfo, error) {
	if err := vfs.ValidatePath(path); err != nil {
		return vfs.FileInfo{}, err
	}

	fs.mu.RLock()
	defer fs.mu.RUnlock()

	node, err := fs.lookup(path, true)
	if err != nil {
		return vfs.FileInfo{}, err
	}
	mode := node.mode
	if node.isDir {
		mode |= os.ModeDir
	}
	return vfs.FileInfo{
		Name:    vfs.Base(path),
		Size:    int64(len(node.data)),
		Mode:    mode,
		ModTime: node.mtime,
		IsDir:   node.isDir,
	}, nil
}

// ReadFile implements vfs.FileSystem.ReadFile.
func (fs *FS) ReadFile(path string) ([]byte, error) {
	if err := vfs.ValidatePath(path); err != nil {
		return nil, err
	}

	fs.mu.RLock()
	defer fs.mu.RUnlock()

	node, err := fs.lookup(path, true)
	if err != nil {
		return nil, err
	}
	if node.isDir {
		return nil, vfs.ErrIsDir
	}

	result := make([]byte, len(node.data))
	copy(result, node.data)
	return result, nil
}

// WriteFile implements vfs.FileSystem.WriteFile.
func (fs *FS) WriteFile(path string, data []byte, perm os.FileMode) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	dir, name, err := fs.parent(path)
	if err != nil {
		return err
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	if node, ok := dir.children[name]; ok {
		if node.isDir {
			return vfs.ErrIsDir
		}
		if node.symlink == "" {
			node.data = buf
			node.mode = perm.Perm()
			node.mtime = time.Now()
			return nil
		}
	}

	node := newMemNode(false, perm)
	node.data = buf
	dir.children[name] = node
	return nil
}

// MkdirAll implements vfs.FileSystem.MkdirAll.
func (fs *FS) MkdirAll(path string, perm os.FileMode) error {
	if err := vfs.ValidatePath(path); err != nil {
		return err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	node := fs.root
	parts := vfs.Components(path)
	for i, part := range parts {
		child, ok := node.children[part]
		if !ok {
			child = newMemNode(true, perm)
			node.children[part] = child
		}
		if child.symlink != "" {
			resolved, err := fs.walk(parts[:i+1], true, 0)
			if err != nil {
				return err
			}
			child = resolved
		}
		if !child.isDir {
			return vfs.ErrNotDir
		}
		node = child
	}
	return nil
}

// Symlink implements vfs.FileSystem.Symlink.
func (fs *FS) Symlink(target, newpath string) error {
	if err := vfs.ValidatePath(target); err != nil {
		return err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	dir, name, err := fs.parent(newpath)
	if err != nil {
		return err
	}
	if _, ok := dir.children[name]; ok {
		return vfs.ErrExist
	}
	node := newMemNode(false, 0o777)
	node.symlink = target
	dir.children[name] = node
	return nil
}

// memFile is a read-only snapshot of a file's contents.
type memFile struct {
	mu     sync.Mutex
	info   vfs.FileInfo
	data   []byte
	off    int
	closed bool
}

func (f *memFile) Read(b []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, vfs.ErrClosedFile
	}
	if f.off >= len(f.data) {
		return 0, io.EOF
	}
	n := copy(b, f.data[f.off:])
	f.off += n
	return n, nil
}

func (f *memFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return vfs.ErrClosedFile
	}
	f.closed = true
	return nil
}

func (f *memFile) Stat() (vfs.FileInfo, error) {
	return f.info, nil
}
