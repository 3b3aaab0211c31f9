package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	// Reports are compared as plain text.
	color.NoColor = true
	os.Exit(m.Run())
}

// execute runs the CLI with args and returns what it wrote.
func execute(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err = root.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(file, []byte(content), 0o644))
	return file
}

func TestDefaultManifest(t *testing.T) {
	m, err := loadManifest("")
	require.NoError(t, err)
	assert.Equal(t, "/sbin/init", m.Init)
	assert.Equal(t, "init", m.Args[0])
	assert.Contains(t, m.Env, "PATH=/bin")
	for _, f := range m.Files {
		if f.Program != "" {
			assert.Contains(t, builtins, f.Program, f.Path)
		}
	}
}

func TestParseManifestErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"unknown key", "init = \"/sbin/init\"\nbogus = 1\n", "unknown key"},
		{"unknown program", "[[file]]\npath = \"/bin/x\"\nprogram = \"nope\"\n", "unknown program"},
		{"relative path", "[[file]]\npath = \"bin/x\"\nprogram = \"true\"\n", "not absolute"},
		{"program and content", "[[file]]\npath = \"/bin/x\"\nprogram = \"true\"\ncontent = \"x\"\n", "both"},
		{"bad link", "[[link]]\npath = \"/bin/x\"\n", "bad link"},
		{"syntax", "init = \n", "decode manifest"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseManifest(tt.data)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseManifestDefaults(t *testing.T) {
	m, err := parseManifest(`
init = "/bin/first"

[[file]]
path = "/bin/first"
program = "true"

[[file]]
path = "/etc/motd"
content = "hi"
`)
	require.NoError(t, err)
	assert.Equal(t, []string{"first"}, m.Args)

	u, err := m.build(&bytes.Buffer{})
	require.NoError(t, err)
	info, err := u.fs.Stat("/bin/first")
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode.Perm())
	info, err = u.fs.Stat("/etc/motd")
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode.Perm())
}

func TestBootDefault(t *testing.T) {
	out, _, err := execute(t, "boot", "--log-level", "error")
	require.NoError(t, err)
	for _, want := range []string{
		"hello\n",
		"rc: starting\n",
		"rc: fallback taken\n",
		"rc: in the background\n",
		"init: reaped orphan ",
		"threads: woke 3 of 3\n",
		"init: /etc/rc (pid ",
		"init: /bin/raise SIGCHLD (pid ",
		"init: resident ",
		"init exit 0: ",
	} {
		assert.Contains(t, out, want)
	}
	assert.NotContains(t, out, "killed by")
	assert.NotContains(t, out, "not reached")
}

func TestBootManifest(t *testing.T) {
	tests := []struct {
		name    string
		args    string
		wantErr bool
		want    []string
	}{
		{
			name: "all succeed",
			args: `["init", "/bin/true", "/bin/exit 0"]`,
			want: []string{"init: /bin/true (pid 2): exit 0", "init exit 0"},
		},
		{
			name:    "command fails",
			args:    `["init", "/bin/exit 3"]`,
			wantErr: true,
			want:    []string{"init: /bin/exit 3 (pid 2): exit 3", "init exit 1"},
		},
		{
			name:    "killed by signal",
			args:    `["init", "/bin/raise SIGTERM"]`,
			wantErr: true,
			want:    []string{"killed by SIGTERM"},
		},
		{
			name: "shell fallback",
			args: `["init", "/bin/plain"]`,
			want: []string{"plain ran", "init: /bin/plain (pid 2): exit 0"},
		},
		{
			name:    "script syntax error",
			args:    `["init", "/bin/broken"]`,
			wantErr: true,
			want:    []string{"sh: /bin/broken: syntax error", "init: /bin/broken (pid 2): exit 2"},
		},
		{
			name: "quoted arguments",
			args: `["init", "/bin/echo 'two  spaces'"]`,
			want: []string{"two  spaces\n"},
		},
		{
			name:    "init line is not simple",
			args:    `["init", "/bin/true && /bin/true"]`,
			wantErr: true,
			want:    []string{"not a simple command"},
		},
		{
			name:    "missing program",
			args:    `["init", "/bin/missing"]`,
			wantErr: true,
			want:    []string{"/bin/missing: no such file or directory", "exit 127"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			file := writeFile(t, "rootfs.toml", `
args = `+tt.args+`
env = ["PATH=/bin"]

[[file]]
path = "/sbin/init"
program = "init"

[[file]]
path = "/bin/sh"
program = "sh"

[[file]]
path = "/bin/echo"
program = "echo"

[[file]]
path = "/bin/true"
program = "true"

[[file]]
path = "/bin/exit"
program = "exit"

[[file]]
path = "/bin/raise"
program = "raise"

[[file]]
path = "/bin/plain"
mode = 0o755
content = "/bin/echo plain ran\n"

[[file]]
path = "/bin/broken"
mode = 0o755
content = "/bin/echo 'open\n"
`)
			out, _, err := execute(t, "boot", file, "--log-level", "error")
			if tt.wantErr {
				assert.ErrorIs(t, err, errInitFailed)
			} else {
				assert.NoError(t, err)
			}
			for _, want := range tt.want {
				assert.Contains(t, out, want)
			}
		})
	}
}

func TestBootHostRoot(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "host", "etc"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "host", "etc", "hello"), []byte("/bin/echo from host\n"), 0o755))
	file := filepath.Join(dir, "rootfs.toml")
	require.NoError(t, os.WriteFile(file, []byte(`
root = "host"
args = ["init", "/etc/hello"]
env = ["PATH=/bin"]

[[file]]
path = "/sbin/init"
program = "init"

[[file]]
path = "/bin/sh"
program = "sh"

[[file]]
path = "/bin/echo"
program = "echo"
`), 0o644))

	m, err := loadManifest(file)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "host"), m.Root)

	out, _, err := execute(t, "boot", file, "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "from host\n")
	assert.Contains(t, out, "init: /etc/hello (pid 2): exit 0")
}

func TestBootMissingInit(t *testing.T) {
	file := writeFile(t, "rootfs.toml", "init = \"/sbin/nothing\"\n")
	_, _, err := execute(t, "boot", file)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start /sbin/nothing")
}

func TestBootExportsMetrics(t *testing.T) {
	_, errOut, err := execute(t, "boot", "--log-level", "error", "--metrics", "--metrics-interval", "1h")
	require.NoError(t, err)
	for _, name := range []string{"kproc.clones", "kproc.execs", "kproc.exits", "kproc.futex.waits"} {
		assert.Contains(t, errOut, name)
	}
}

func TestScenarios(t *testing.T) {
	out, _, err := execute(t, "scenarios", "--log-level", "error")
	require.NoError(t, err)
	for _, sc := range scenarios {
		assert.Contains(t, out, "ok   "+sc.name)
	}
	assert.NotContains(t, out, "FAIL")
}

func TestScenariosSelect(t *testing.T) {
	out, _, err := execute(t, "scenarios", "handler-mask")
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(out, "\n"))

	_, _, err = execute(t, "scenarios", "nope")
	assert.ErrorContains(t, err, `unknown scenario "nope"`)
}

func TestReportFailure(t *testing.T) {
	var out bytes.Buffer
	err := report(&out, []result{
		{name: "good"},
		{name: "bad", status: 1 << 8, output: "delivery order wrong\n"},
	})
	assert.EqualError(t, err, "1 of 2 scenarios failed")
	assert.Contains(t, out.String(), "FAIL bad")
	assert.Contains(t, out.String(), "     init exit 1\n")
	assert.Contains(t, out.String(), "     delivery order wrong\n")
}

func TestPrograms(t *testing.T) {
	out, _, err := execute(t, "programs")
	require.NoError(t, err)
	assert.Equal(t, strings.Join(builtinNames(), "\n")+"\n", out)
}

func TestLoadSettings(t *testing.T) {
	config := writeFile(t, "kproc.toml", "shell = \"/bin/other\"\nlog-level = \"info\"\ntimeout = \"3s\"\n")
	t.Setenv("KPROC_MAX_THREADS", "7")
	t.Setenv("KPROC_TIMEOUT", "9s")

	var s *settings
	cmd := &cobra.Command{
		Use: "test",
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			s, err = loadSettings(cmd)
			return err
		},
	}
	addSettingsFlags(cmd)
	cmd.SetArgs([]string{"--config", config, "--log-level", "debug"})
	require.NoError(t, cmd.Execute())

	assert.Equal(t, "/bin/other", s.Shell)
	assert.Equal(t, "debug", s.LogLevel)
	assert.Equal(t, 7, s.MaxThreads)
	assert.Equal(t, 9*time.Second, s.Timeout)
	assert.Equal(t, 4096, s.MaxProcesses)

	cfg := s.kernelConfig(slog.New(slog.DiscardHandler), nil)
	assert.Equal(t, "/bin/other", cfg.Shell)
	assert.Equal(t, 7, cfg.Limits.MaxThreads)
}

func TestLoadSettingsErrors(t *testing.T) {
	run := func(args ...string) error {
		cmd := &cobra.Command{
			Use:  "test",
			RunE: func(cmd *cobra.Command, _ []string) error { _, err := loadSettings(cmd); return err },
		}
		addSettingsFlags(cmd)
		cmd.SetArgs(args)
		cmd.SilenceErrors = true
		cmd.SilenceUsage = true
		return cmd.Execute()
	}
	assert.ErrorContains(t, run("--config", filepath.Join(t.TempDir(), "missing.toml")), "read config")
	assert.ErrorContains(t, run("--max-threads=-1"), "negative")

	_, err := (&settings{LogLevel: "loud"}).logger(&bytes.Buffer{})
	assert.ErrorContains(t, err, `log level "loud"`)
}
