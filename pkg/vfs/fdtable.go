package vfs

import (
	"sync"
	"sync/atomic"
)

// DefaultMaxFiles is the descriptor limit of a new table.
const DefaultMaxFiles = 1024

// openFile is an open file description. Descriptors duplicated by fork
// refer to the same description, which closes with its last reference.
type openFile struct {
	File
	refs atomic.Int32
}

func (f *openFile) get() *openFile {
	f.refs.Add(1)
	return f
}

func (f *openFile) put() error {
	if f.refs.Add(-1) == 0 {
		return f.File.Close()
	}
	return nil
}

type descriptor struct {
	file    *openFile
	cloexec bool
}

// FileTable maps descriptor numbers to open files. One table may be
// shared by several processes (CLONE_FILES); the table is cleared when
// its last user releases it.
type FileTable struct {
	mu    sync.Mutex
	fds   []descriptor
	limit int
	users atomic.Int32
}

// NewFileTable returns an empty table with one user.
func NewFileTable(limit int) *FileTable {
	if limit <= 0 {
		limit = DefaultMaxFiles
	}
	t := &FileTable{limit: limit}
	t.users.Store(1)
	return t
}

// Install places f at the lowest free descriptor.
func (t *FileTable) Install(f File, cloexec bool) (int, error) {
	of := &openFile{File: f}
	of.refs.Store(1)

	t.mu.Lock()
	defer t.mu.Unlock()
	for fd := range t.fds {
		if t.fds[fd].file == nil {
			t.fds[fd] = descriptor{file: of, cloexec: cloexec}
			return fd, nil
		}
	}
	if len(t.fds) >= t.limit {
		return -1, ErrTooManyOpen
	}
	t.fds = append(t.fds, descriptor{file: of, cloexec: cloexec})
	return len(t.fds) - 1, nil
}

// Get returns the file at fd.
func (t *FileTable) Get(fd int) (File, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd < 0 || fd >= len(t.fds) || t.fds[fd].file == nil {
		return nil, ErrBadFD
	}
	return t.fds[fd].file.File, nil
}

// Close releases descriptor fd.
func (t *FileTable) Close(fd int) error {
	t.mu.Lock()
	if fd < 0 || fd >= len(t.fds) || t.fds[fd].file == nil {
		t.mu.Unlock()
		return ErrBadFD
	}
	f := t.fds[fd].file
	t.fds[fd] = descriptor{}
	t.mu.Unlock()
	return f.put()
}

// SetCloseOnExec sets or clears FD_CLOEXEC on fd.
func (t *FileTable) SetCloseOnExec(fd int, on bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd < 0 || fd >= len(t.fds) || t.fds[fd].file == nil {
		return ErrBadFD
	}
	t.fds[fd].cloexec = on
	return nil
}

// Len returns the number of open descriptors.
func (t *FileTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, d := range t.fds {
		if d.file != nil {
			n++
		}
	}
	return n
}

// Share registers another user of the same table.
func (t *FileTable) Share() *FileTable {
	t.users.Add(1)
	return t
}

// Copy returns a new table whose descriptors refer to the same open files.
func (t *FileTable) Copy() *FileTable {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := NewFileTable(t.limit)
	c.fds = make([]descriptor, len(t.fds))
	for fd, d := range t.fds {
		if d.file != nil {
			c.fds[fd] = descriptor{file: d.file.get(), cloexec: d.cloexec}
		}
	}
	return c
}

// CloseOnExec closes every descriptor marked close-on-exec and returns
// how many were closed.
func (t *FileTable) CloseOnExec() int {
	t.mu.Lock()
	var closing []*openFile
	for fd, d := range t.fds {
		if d.file != nil && d.cloexec {
			closing = append(closing, d.file)
			t.fds[fd] = descriptor{}
		}
	}
	t.mu.Unlock()

	for _, f := range closing {
		_ = f.put()
	}
	return len(closing)
}

// Release drops one user. The last user closes every descriptor.
func (t *FileTable) Release() {
	if t.users.Add(-1) > 0 {
		return
	}
	t.Clear()
}

// Clear closes every descriptor.
func (t *FileTable) Clear() {
	t.mu.Lock()
	fds := t.fds
	t.fds = nil
	t.mu.Unlock()

	for _, d := range fds {
		if d.file != nil {
			_ = d.file.put()
		}
	}
}
