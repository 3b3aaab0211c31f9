package main

import (
	"fmt"
	"io"
	"os"
	"path"
	"sync"

	"kproc/pkg/abi"
	"kproc/pkg/arch"
	"kproc/pkg/kernel"
	"kproc/pkg/mm"
	"kproc/pkg/vfs"
	"kproc/pkg/vfs/diskfs"
	"kproc/pkg/vfs/memfs"
)

// Layout of the simulated user address space.
const (
	imageBase   = 0x10000
	imageStride = 0x10000
	codeBase    = 0x1000_0000

	// scratchBase is mapped by every image on entry. Its first page holds
	// one 0x100 byte argument slot per thread, the rest is for strings.
	scratchBase  = 0x2000_0000
	scratchSize  = 4 * mm.PageSize
	slotSize     = 0x100
	slotsPerPage = mm.PageSize / slotSize
	stringArea   = scratchBase + mm.PageSize
	// gateWord is where the threads of runThreads wait.
	gateWord     = scratchBase + 3*mm.PageSize

	// exitNotRun is the exit code of a child whose execve failed.
	exitNotRun = 127
)

// entryCode fills the text segment of every image; the simulated CPU
// never decodes it.
var entryCode = []byte{0x73, 0, 0, 0}

// builtin is a program the CLI can install. It runs with the argv and
// envp of its image and returns the exit code.
type builtin func(u *userland, t *kernel.Task, argv, envp []string) int

// userland is a root filesystem of simulated programs together with the
// code addresses they run at. Programs are installed into fs; the kernel
// sees root, which is fs alone or fs laid over a host directory.
type userland struct {
	fs     *memfs.FS
	root   vfs.FileSystem
	lower  *diskfs.FS
	progs  kernel.Programs
	images int
	code   int

	// spawnChild runs in the child of spawn and execs the command its
	// parent laid out in the string area.
	spawnChild uint64
	gateWorker uint64

	mu  sync.Mutex
	out io.Writer
}

func newUserland(out io.Writer) *userland {
	fs := memfs.New()
	u := &userland{
		fs:    fs,
		root:  fs,
		progs: kernel.Programs{},
		out:   out,
	}
	u.spawnChild = u.at(u.execLaidOut)
	u.gateWorker = u.at(waitGate)
	return u
}

// close releases the host directory, if any.
func (u *userland) close() error {
	if u.lower == nil {
		return nil
	}
	return u.lower.Close()
}

// printf writes program output. Tasks run concurrently.
func (u *userland) printf(format string, args ...any) {
	u.mu.Lock()
	defer u.mu.Unlock()
	fmt.Fprintf(u.out, format, args...)
}

// install writes an executable image at p whose entry point runs prog.
func (u *userland) install(p string, prog builtin, perm os.FileMode) error {
	base := uint64(imageBase + u.images*imageStride)
	u.images++
	img, entry := mm.MinimalELF(arch.ELFMachine, base, entryCode)
	if err := u.fs.MkdirAll(path.Dir(p), 0o755); err != nil {
		return fmt.Errorf("install %s: %w", p, err)
	}
	if err := u.fs.WriteFile(p, img, perm); err != nil {
		return fmt.Errorf("install %s: %w", p, err)
	}
	u.progs[entry] = func(t *kernel.Task) {
		argv, envp, err := startArgs(t)
		if err == nil {
			err = t.Memory().Map(scratchBase, scratchSize)
		}
		if err != nil {
			t.Fault(t.Frame().SP())
			return
		}
		code := prog(u, t, argv, envp)
		t.Syscall(abi.SYS_EXIT_GROUP, uint64(code))
	}
	return nil
}

// at registers prog at a fresh code address.
func (u *userland) at(prog kernel.Program) uint64 {
	pc := uint64(codeBase + u.code*0x100)
	u.code++
	u.progs[pc] = prog
	return pc
}

// startArgs reads argv and envp off the initial stack.
func startArgs(t *kernel.Task) (argv, envp []string, err error) {
	mem := t.Memory()
	sp := t.Frame().SP()
	argc, err := mem.ReadU64(sp)
	if err != nil {
		return nil, nil, err
	}
	if argv, err = mem.ReadStringArray(sp+8, mm.PageSize); err != nil {
		return nil, nil, err
	}
	if envp, err = mem.ReadStringArray(sp+8*(argc+2), mm.PageSize); err != nil {
		return nil, nil, err
	}
	return argv, envp, nil
}

// slot returns the argument area of the calling thread.
func slot(t *kernel.Task) uint64 {
	return scratchBase + uint64(t.Tid()%slotsPerPage)*slotSize
}

func errnoOf(ret uint64) abi.Errno {
	if v := int64(ret); v < 0 && v > -4096 {
		return abi.Errno(-v)
	}
	return 0
}

// layoutExec writes the execve arguments to the string area. The three
// user pointers are stored at its start so that a forked child finds
// them in its copy of the memory.
func layoutExec(t *kernel.Task, file string, argv, envp []string) (p, a, e uint64, err error) {
	mem := t.Memory()
	pos := uint64(stringArea + 3*8)
	end := uint64(scratchBase + scratchSize)
	put := func(s string) (uint64, error) {
		addr := pos
		pos += uint64(len(s)+8) &^ 7
		if pos > end {
			return 0, abi.E2BIG
		}
		_, err := mem.WriteAt(append([]byte(s), 0), int64(addr))
		return addr, err
	}
	array := func(ss []string) (uint64, error) {
		ptrs := make([]uint64, 0, len(ss)+1)
		for _, s := range ss {
			p, err := put(s)
			if err != nil {
				return 0, err
			}
			ptrs = append(ptrs, p)
		}
		addr := pos
		for _, p := range append(ptrs, 0) {
			if pos+8 > end {
				return 0, abi.E2BIG
			}
			if err := mem.WriteU64(pos, p); err != nil {
				return 0, err
			}
			pos += 8
		}
		return addr, nil
	}
	if p, err = put(file); err != nil {
		return 0, 0, 0, err
	}
	if a, err = array(argv); err != nil {
		return 0, 0, 0, err
	}
	if e, err = array(envp); err != nil {
		return 0, 0, 0, err
	}
	for i, v := range []uint64{p, a, e} {
		if err = mem.WriteU64(stringArea+uint64(i)*8, v); err != nil {
			return 0, 0, 0, err
		}
	}
	return p, a, e, nil
}

// execLaidOut issues execve with the pointers stored by layoutExec.
func (u *userland) execLaidOut(t *kernel.Task) {
	var ptrs [3]uint64
	for i := range ptrs {
		v, err := t.Memory().ReadU64(stringArea + uint64(i)*8)
		if err != nil {
			t.Fault(stringArea)
			return
		}
		ptrs[i] = v
	}
	ret := t.Syscall(abi.SYS_EXECVE, ptrs[0], ptrs[1], ptrs[2])
	file, _ := t.Memory().ReadString(ptrs[0], mm.PageSize)
	u.printf("%s: %v\n", file, errnoOf(ret))
	t.Syscall(abi.SYS_EXIT_GROUP, exitNotRun)
}

// execve only returns on failure.
func execve(t *kernel.Task, file string, argv, envp []string) abi.Errno {
	p, a, e, err := layoutExec(t, file, argv, envp)
	if err != nil {
		return abi.ErrnoOf(err)
	}
	return errnoOf(t.Syscall(abi.SYS_EXECVE, p, a, e))
}

// clone starts a child at pc. The caller's PC is left unchanged.
func clone(t *kernel.Task, pc uint64, flags abi.CloneFlags) (int32, abi.Errno) {
	tf := t.Frame()
	saved := tf.PC()
	tf.SetPC(pc)
	ret := t.Syscall(abi.SYS_CLONE, uint64(flags), 0, 0, 0, 0)
	tf.SetPC(saved)
	if e := errnoOf(ret); e != 0 {
		return 0, e
	}
	return int32(ret), 0
}

// spawn forks a child that execs argv[0] with the caller's environment.
func (u *userland) spawn(t *kernel.Task, argv, envp []string) (int32, abi.Errno) {
	if _, _, _, err := layoutExec(t, argv[0], argv, envp); err != nil {
		return 0, abi.ErrnoOf(err)
	}
	return clone(t, u.spawnChild, abi.CloneFlags(abi.SIGCHLD))
}

func wait4(t *kernel.Task, pid int32, options uint32) (int32, abi.WaitStatus, abi.Errno) {
	addr := slot(t)
	ret := t.Syscall(abi.SYS_WAIT4, uint64(int64(pid)), addr, uint64(options))
	if e := errnoOf(ret); e != 0 {
		return 0, 0, e
	}
	v, err := t.Memory().ReadU32(addr)
	if err != nil {
		return 0, 0, abi.EFAULT
	}
	return int32(ret), abi.WaitStatus(v), 0
}

func sigaction(t *kernel.Task, sig abi.Signal, sa abi.Sigaction) abi.Errno {
	addr := slot(t)
	if _, err := t.Memory().WriteAt(sa.Encode(), int64(addr)); err != nil {
		return abi.EFAULT
	}
	return errnoOf(t.Syscall(abi.SYS_RT_SIGACTION, uint64(sig), addr, 0, abi.SigsetSize))
}

func kill(t *kernel.Task, pid int32, sig abi.Signal) abi.Errno {
	return errnoOf(t.Syscall(abi.SYS_KILL, uint64(int64(pid)), uint64(sig)))
}

func futexWait(t *kernel.Task, addr uint64, val uint32) abi.Errno {
	return errnoOf(t.Syscall(abi.SYS_FUTEX, addr, abi.FUTEX_WAIT|abi.FUTEX_PRIVATE_FLAG, uint64(val), 0))
}

func futexWake(t *kernel.Task, addr uint64, n int) int {
	return int(t.Syscall(abi.SYS_FUTEX, addr, abi.FUTEX_WAKE|abi.FUTEX_PRIVATE_FLAG, uint64(n)))
}

// describe renders a wait status the way a shell reports it.
func describe(ws abi.WaitStatus) string {
	if ws.Signaled() {
		s := fmt.Sprintf("killed by %v", ws.TermSignal())
		if ws.CoreDump() {
			s += " (core dumped)"
		}
		return s
	}
	return fmt.Sprintf("exit %d", ws.ExitStatus())
}
