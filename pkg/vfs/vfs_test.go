package vfs

import (
	"io"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestClean checks normalization of guest paths.
func TestClean(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", "/"},
		{"/", "/"},
		{"a/b", "/a/b"},
		{"/a//b/./c/", "/a/b/c"},
		{"/a/../../b", "/b"},
		{`/a\b`, `/a\b`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Clean(tt.in), "Clean(%q)", tt.in)
	}

	assert.Equal(t, "/home/u/x", Abs("x", "/home/u"))
	assert.Equal(t, "/x", Abs("/x", "/home/u"))
	assert.Equal(t, "/x", Abs("x", "relative"))
	assert.Equal(t, "/", Dir("/bin"))
	assert.Equal(t, "sh", Base("/bin/sh"))
	assert.Equal(t, "", Base("/"))
	assert.Equal(t, []string{"usr", "bin"}, Components("/usr/bin/"))
	assert.Nil(t, Components("/"))
}

type countingFile struct {
	closed *atomic.Int32
}

func (f countingFile) Read([]byte) (int, error) { return 0, io.EOF }
func (f countingFile) Close() error             { f.closed.Add(1); return nil }
func (f countingFile) Stat() (FileInfo, error)  { return FileInfo{}, nil }

// TestFileTable checks descriptor allocation and close-on-exec.
func TestFileTable(t *testing.T) {
	var closed atomic.Int32
	ft := NewFileTable(3)

	for want := 0; want < 3; want++ {
		fd, err := ft.Install(countingFile{&closed}, want == 1)
		require.NoError(t, err)
		assert.Equal(t, want, fd)
	}
	_, err := ft.Install(countingFile{&closed}, false)
	require.ErrorIs(t, err, ErrTooManyOpen)

	require.NoError(t, ft.Close(0))
	fd, err := ft.Install(countingFile{&closed}, false)
	require.NoError(t, err)
	assert.Equal(t, 0, fd, "lowest free descriptor is reused")

	assert.Equal(t, 1, ft.CloseOnExec())
	_, err = ft.Get(1)
	assert.ErrorIs(t, err, ErrBadFD)
	assert.Equal(t, 2, ft.Len())
	assert.EqualValues(t, 2, closed.Load())
}

// TestFileTableCopy checks that copied descriptors share open files and
// that a shared table closes only with its last user.
func TestFileTableCopy(t *testing.T) {
	var closed atomic.Int32
	ft := NewFileTable(0)
	_, err := ft.Install(countingFile{&closed}, false)
	require.NoError(t, err)

	cp := ft.Copy()
	require.NoError(t, cp.Close(0))
	assert.Zero(t, closed.Load(), "the parent still holds the file")

	shared := ft.Share()
	assert.Same(t, ft, shared)
	ft.Release()
	assert.Equal(t, 1, shared.Len())
	shared.Release()
	assert.Equal(t, 0, shared.Len())
	assert.EqualValues(t, 1, closed.Load())
}

func TestCwd(t *testing.T) {
	c := NewCwd("/home")
	cp := c.Copy()
	c.Set("/tmp/../var")

	assert.Equal(t, "/var", c.Get())
	assert.Equal(t, "/home", cp.Get())
	assert.Equal(t, "/var/log", c.Resolve("log"))
}
