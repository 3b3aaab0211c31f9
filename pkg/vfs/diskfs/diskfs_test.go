package diskfs

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"kproc/pkg/abi"
)

func newFS(t *testing.T) (*FS, string) {
	t.Helper()
	dir := t.TempDir()
	fs, err := New(dir)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() { fs.Close() })
	return fs, dir
}

func TestNewMissingDir(t *testing.T) {
	if _, err := New(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("New() on a missing directory should fail")
	}
}

func TestWriteReadFile(t *testing.T) {
	fs, dir := newFS(t)

	if err := fs.MkdirAll("/bin", 0o755); err != nil {
		t.Fatalf("MkdirAll() failed: %v", err)
	}
	if err := fs.WriteFile("/bin/script", []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	// The file lands in the host directory.
	data, err := os.ReadFile(filepath.Join(dir, "bin", "script"))
	if err != nil {
		t.Fatalf("host read failed: %v", err)
	}
	if string(data) != "#!/bin/sh\n" {
		t.Errorf("host file holds %q", data)
	}

	data, err = fs.ReadFile("/bin/../bin/script")
	if err != nil {
		t.Fatalf("ReadFile() failed: %v", err)
	}
	if string(data) != "#!/bin/sh\n" {
		t.Errorf("got %q", data)
	}

	info, err := fs.Stat("/bin/script")
	if err != nil {
		t.Fatalf("Stat() failed: %v", err)
	}
	if info.Name != "script" || info.Size != 10 || !info.Executable() {
		t.Errorf("unexpected info %+v", info)
	}
}

func TestRootStat(t *testing.T) {
	fs, _ := newFS(t)
	info, err := fs.Stat("/")
	if err != nil {
		t.Fatalf("Stat(/) failed: %v", err)
	}
	if !info.IsDir {
		t.Error("root should be a directory")
	}
}

func TestOpen(t *testing.T) {
	fs, dir := newFS(t)
	if err := os.WriteFile(filepath.Join(dir, "data"), []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}

	f, err := fs.Open("/data")
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(data) != "payload" {
		t.Errorf("got %q", data)
	}
	info, err := f.Stat()
	if err != nil {
		t.Fatalf("Stat() failed: %v", err)
	}
	if info.Executable() {
		t.Error("0644 file should not be executable")
	}
}

func TestErrors(t *testing.T) {
	fs, dir := newFS(t)
	if err := os.WriteFile(filepath.Join(dir, "file"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		err  error
		want abi.Errno
	}{
		{"missing", func() error { _, err := fs.ReadFile("/missing"); return err }(), abi.ENOENT},
		{"directory", func() error { _, err := fs.ReadFile("/"); return err }(), abi.EISDIR},
		{"not a directory", func() error { _, err := fs.Stat("/file/x"); return err }(), abi.ENOTDIR},
		{"empty path", func() error { _, err := fs.Stat(""); return err }(), abi.ENOENT},
		{"exists", fs.Symlink("/x", "/file"), abi.EEXIST},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := abi.ErrnoOf(tt.err); got != tt.want {
				t.Errorf("got %v (%v), want %v", got, tt.err, tt.want)
			}
		})
	}
}

func TestSymlinkStaysInside(t *testing.T) {
	fs, dir := newFS(t)
	outside := t.TempDir()
	if err := os.WriteFile(filepath.Join(outside, "secret"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "target"), []byte("inside"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := fs.Symlink("target", "/link"); err != nil {
		t.Fatalf("Symlink() failed: %v", err)
	}
	data, err := fs.ReadFile("/link")
	if err != nil || string(data) != "inside" {
		t.Errorf("ReadFile(/link) = %q, %v", data, err)
	}

	if err := os.Symlink(filepath.Join(outside, "secret"), filepath.Join(dir, "escape")); err != nil {
		t.Fatal(err)
	}
	if _, err := fs.ReadFile("/escape"); err == nil {
		t.Error("reading through a link out of the root should fail")
	}
}
