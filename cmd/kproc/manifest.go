package main

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"kproc/pkg/vfs/diskfs"
	"kproc/pkg/vfs/overlayfs"
)

//go:embed rootfs.toml
var defaultManifest string

// manifest describes the root filesystem and the init process of a boot.
// Root optionally names a host directory that the manifest's files are
// laid over.
type manifest struct {
	Root  string      `toml:"root"`
	Init  string      `toml:"init"`
	Args  []string    `toml:"args"`
	Env   []string    `toml:"env"`
	Dirs  []string    `toml:"dirs"`
	Files []fileEntry `toml:"file"`
	Links []linkEntry `toml:"link"`
}

// fileEntry is either a builtin program or a file with literal content.
type fileEntry struct {
	Path    string `toml:"path"`
	Program string `toml:"program"`
	Content string `toml:"content"`
	Mode    uint32 `toml:"mode"`
}

type linkEntry struct {
	Path   string `toml:"path"`
	Target string `toml:"target"`
}

var errManifest = errors.New("invalid manifest")

// loadManifest reads the manifest at file, or the built-in one when file
// is empty.
func loadManifest(file string) (*manifest, error) {
	data := defaultManifest
	if file != "" {
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read manifest: %w", err)
		}
		data = string(b)
	}
	m, err := parseManifest(data)
	if err != nil {
		return nil, err
	}
	if m.Root != "" && !filepath.IsAbs(m.Root) && file != "" {
		m.Root = filepath.Join(filepath.Dir(file), m.Root)
	}
	return m, nil
}

func parseManifest(data string) (*manifest, error) {
	var m manifest
	md, err := toml.Decode(data, &m)
	if err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%w: unknown key %q", errManifest, undecoded[0].String())
	}
	if m.Init == "" {
		m.Init = "/sbin/init"
	}
	if len(m.Args) == 0 {
		m.Args = []string{path.Base(m.Init)}
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *manifest) validate() error {
	for _, f := range m.Files {
		if !path.IsAbs(f.Path) {
			return fmt.Errorf("%w: file path %q is not absolute", errManifest, f.Path)
		}
		if f.Program != "" && f.Content != "" {
			return fmt.Errorf("%w: %s has both program and content", errManifest, f.Path)
		}
		if _, ok := builtins[f.Program]; f.Program != "" && !ok {
			return fmt.Errorf("%w: %s: unknown program %q (have %v)", errManifest, f.Path, f.Program, builtinNames())
		}
	}
	for _, l := range m.Links {
		if !path.IsAbs(l.Path) || l.Target == "" {
			return fmt.Errorf("%w: bad link %q -> %q", errManifest, l.Path, l.Target)
		}
	}
	return nil
}

// build creates the userland the manifest describes. Program output goes
// to out.
func (m *manifest) build(out io.Writer) (*userland, error) {
	u := newUserland(out)
	if m.Root != "" {
		lower, err := diskfs.New(m.Root)
		if err != nil {
			return nil, err
		}
		u.lower = lower
		u.root = overlayfs.New(u.fs, lower)
	}
	for _, dir := range m.Dirs {
		if err := u.fs.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	for _, f := range m.Files {
		if f.Program != "" {
			if err := u.install(f.Path, builtins[f.Program], f.perm(0o755)); err != nil {
				return nil, err
			}
			continue
		}
		if err := u.fs.MkdirAll(path.Dir(f.Path), 0o755); err != nil {
			return nil, fmt.Errorf("mkdir %s: %w", path.Dir(f.Path), err)
		}
		if err := u.fs.WriteFile(f.Path, []byte(f.Content), f.perm(0o644)); err != nil {
			return nil, fmt.Errorf("write %s: %w", f.Path, err)
		}
	}
	for _, l := range m.Links {
		if err := u.fs.MkdirAll(path.Dir(l.Path), 0o755); err != nil {
			return nil, fmt.Errorf("mkdir %s: %w", path.Dir(l.Path), err)
		}
		if err := u.fs.Symlink(l.Target, l.Path); err != nil {
			return nil, fmt.Errorf("symlink %s: %w", l.Path, err)
		}
	}
	return u, nil
}

func (f fileEntry) perm(def os.FileMode) os.FileMode {
	if f.Mode == 0 {
		return def
	}
	return os.FileMode(f.Mode) & os.ModePerm
}
