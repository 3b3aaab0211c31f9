package kernel

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"kproc/pkg/abi"
	"kproc/pkg/arch"
	"kproc/pkg/signal"
	"kproc/pkg/vfs"
)

var elfMagic = []byte("\x7fELF")

// maxArgLen bounds one argv or envp string.
const maxArgLen = 128 * 1024

// maxShebangLine bounds the #! line, as BINPRM_BUF_SIZE does.
const maxShebangLine = 256

// resolveImage follows #! interpreters and the shell fallback from path
// until it reaches an ELF image. It returns the path of that image, its
// contents and the argument vector to start it with.
func (k *Kernel) resolveImage(path string, argv []string) (string, []byte, []string, error) {
	for range maxInterpDepth + 1 {
		info, err := k.fs.Stat(path)
		if err != nil {
			return "", nil, nil, err
		}
		if info.IsDir || !info.Executable() {
			return "", nil, nil, fmt.Errorf("kernel: exec %s: %w", path, abi.EACCES)
		}
		image, err := k.fs.ReadFile(path)
		if err != nil {
			return "", nil, nil, err
		}

		var rest []string
		if len(argv) > 1 {
			rest = argv[1:]
		}
		switch {
		case bytes.HasPrefix(image, elfMagic):
			return path, image, argv, nil
		case bytes.HasPrefix(image, []byte("#!")):
			interp, arg := parseShebang(image)
			if interp == "" {
				return "", nil, nil, fmt.Errorf("kernel: exec %s: empty interpreter: %w", path, abi.ENOEXEC)
			}
			next := []string{interp}
			if arg != "" {
				next = append(next, arg)
			}
			argv = append(append(next, path), rest...)
			path = interp
		default:
			argv = append([]string{k.cfg.Shell, "sh", path}, rest...)
			path = k.cfg.Shell
		}
	}
	return "", nil, nil, fmt.Errorf("kernel: exec %s: too many interpreters: %w", path, abi.ENOEXEC)
}

// parseShebang splits the #! line into the interpreter and its optional
// single argument.
func parseShebang(image []byte) (interp, arg string) {
	line := image[2:]
	if i := bytes.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	if len(line) > maxShebangLine {
		line = line[:maxShebangLine]
	}
	s := strings.TrimSpace(string(line))
	if i := strings.IndexAny(s, " \t"); i >= 0 {
		return s[:i], strings.TrimSpace(s[i+1:])
	}
	return s, ""
}

// Execve replaces the image of the calling process with the program at
// path. The working directory is taken from PWD in envp when present;
// relative paths resolve against it. On success Execve does not return:
// the task resumes at the entry point of the new image. Errors found
// before the old image is unmapped are returned; a load failure after
// that ends the process with SIGSEGV.
func (t *Task) Execve(path string, argv, envp []string) error {
	k := t.k
	data := t.proc.Data()
	space := data.Space()
	if space.Owners() != 1 {
		return fmt.Errorf("kernel: execve with %d address space owners: %w", space.Owners(), abi.EOPNOTSUPP)
	}

	ns := data.Namespace()
	dir := ns.Cwd.Get()
	pwd, hasPWD := lookupEnv(envp, "PWD")
	if hasPWD && vfs.IsAbs(pwd) {
		dir = vfs.Clean(pwd)
	} else {
		hasPWD = false
	}
	target, image, argv, err := k.resolveImage(vfs.Abs(path, dir), argv)
	if err != nil {
		return err
	}
	k.log.Debug("exec", "pid", t.Pid(), "path", path, "image", target, "argv", argv)

	space.UnmapUser()
	img, err := k.cfg.Loader.Load(space, image, argv, envp)
	if err != nil {
		k.log.Warn("exec failed after unmap", "pid", t.Pid(), "image", target, "err", err)
		t.exit(abi.SignaledStatus(abi.SIGSEGV, true), true)
	}

	data.SetExe(target)
	if hasPWD {
		ns.Cwd.Set(dir)
	}
	pctx, tctx := t.signals()
	pctx.ResetForExec()
	tctx.ResetForExec()
	ns.Files.CloseOnExec()
	t.dropHandlerFrames()

	t.st.SetFrame(arch.New(img.Entry, img.SP, img.TP))
	t.depth = 0
	k.metrics.execs.Add(context.Background(), 1)
	panic(execResume{})
}

// dropHandlerFrames unloads the frames of handlers that the new image
// replaces, keeping the mask in effect.
func (t *Task) dropHandlerFrames() {
	pctx, tctx := t.signals()
	tid := t.Tid()
	for _, c := range [...]*signal.Context{tctx, pctx} {
		blocked := c.Blocked()
		scratch, _, err := c.Return(tid)
		if err != nil {
			continue
		}
		c.SetBlocked(blocked)
		t.st.SwapScratch(scratch)
	}
}

func sysExecve(t *Task, tf arch.Context) (uint64, error) {
	mem := t.Memory()
	path, err := mem.ReadString(tf.Arg(0), vfs.MaxPathLength)
	if err != nil {
		return 0, err
	}
	argv, err := mem.ReadStringArray(tf.Arg(1), maxArgLen)
	if err != nil {
		return 0, err
	}
	envp, err := mem.ReadStringArray(tf.Arg(2), maxArgLen)
	if err != nil {
		return 0, err
	}
	return 0, t.Execve(path, argv, envp)
}
