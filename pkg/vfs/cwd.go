package vfs

import "sync"

// Cwd is a process's working directory. Processes cloned with CLONE_FS
// share one Cwd; others get a copy.
type Cwd struct {
	mu   sync.RWMutex
	path string
}

// NewCwd returns a working directory at p.
func NewCwd(p string) *Cwd {
	return &Cwd{path: Clean(p)}
}

func (c *Cwd) Get() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

func (c *Cwd) Set(p string) {
	c.mu.Lock()
	c.path = Clean(p)
	c.mu.Unlock()
}

// Resolve returns p made absolute against the working directory.
func (c *Cwd) Resolve(p string) string {
	return Abs(p, c.Get())
}

// Copy returns an unshared working directory at the same path.
func (c *Cwd) Copy() *Cwd {
	return NewCwd(c.Get())
}
