package kernel

import (
	"errors"

	"kproc/pkg/abi"
	"kproc/pkg/arch"
)

// errKeepFrame tells dispatch that the handler installed the frame user
// mode resumes with, so the return register must not be written.
var errKeepFrame = errors.New("kernel: keep frame")

type syscallFunc func(t *Task, tf arch.Context) (uint64, error)

type syscallEntry struct {
	name string
	fn   syscallFunc
}

// syscalls is filled by init: the handlers reach dispatch again through
// Task.Syscall, which a composite literal here would turn into an
// initialization cycle.
var syscalls map[uint64]syscallEntry

func init() {
	syscalls = map[uint64]syscallEntry{
		abi.SYS_EXIT:            {"exit", sysExit},
		abi.SYS_EXIT_GROUP:      {"exit_group", sysExitGroup},
		abi.SYS_SET_TID_ADDRESS: {"set_tid_address", sysSetTidAddress},
		abi.SYS_FUTEX:           {"futex", sysFutex},
		abi.SYS_SCHED_YIELD:     {"sched_yield", sysSchedYield},
		abi.SYS_KILL:            {"kill", sysKill},
		abi.SYS_TKILL:           {"tkill", sysTkill},
		abi.SYS_TGKILL:          {"tgkill", sysTgkill},
		abi.SYS_SIGALTSTACK:     {"sigaltstack", sysSigaltstack},
		abi.SYS_RT_SIGSUSPEND:   {"rt_sigsuspend", sysRtSigsuspend},
		abi.SYS_RT_SIGACTION:    {"rt_sigaction", sysRtSigaction},
		abi.SYS_RT_SIGPROCMASK:  {"rt_sigprocmask", sysRtSigprocmask},
		abi.SYS_RT_SIGPENDING:   {"rt_sigpending", sysRtSigpending},
		abi.SYS_RT_SIGTIMEDWAIT: {"rt_sigtimedwait", sysRtSigtimedwait},
		abi.SYS_RT_SIGQUEUEINFO: {"rt_sigqueueinfo", sysRtSigqueueinfo},
		abi.SYS_RT_SIGRETURN:    {"rt_sigreturn", sysRtSigreturn},
		abi.SYS_SETPGID:         {"setpgid", sysSetpgid},
		abi.SYS_GETPGID:         {"getpgid", sysGetpgid},
		abi.SYS_GETPID:          {"getpid", sysGetpid},
		abi.SYS_GETPPID:         {"getppid", sysGetppid},
		abi.SYS_GETUID:          {"getuid", sysGetID},
		abi.SYS_GETEUID:         {"geteuid", sysGetID},
		abi.SYS_GETGID:          {"getgid", sysGetID},
		abi.SYS_GETEGID:         {"getegid", sysGetID},
		abi.SYS_GETTID:          {"gettid", sysGettid},
		abi.SYS_CLONE:           {"clone", sysClone},
		abi.SYS_EXECVE:          {"execve", sysExecve},
		abi.SYS_WAIT4:           {"wait4", sysWait4},
	}
}

// SyscallName returns the name of system call no, or "" if the kernel
// does not implement it.
func SyscallName(no uint64) string {
	return syscalls[no].name
}

// dispatch runs the handler of the system call in tf and stores its
// result in the return register of the task's current frame.
func (t *Task) dispatch(tf arch.Context) {
	no := tf.Syscall()
	sc, ok := syscalls[no]
	if !ok {
		t.k.log.Debug("unknown syscall", "tid", t.Tid(), "nr", no)
		t.st.Frame().SetReturn(abi.ENOSYS.Ret())
		return
	}
	ret, err := sc.fn(t, tf)
	if errors.Is(err, errKeepFrame) {
		return
	}
	if err != nil {
		ret = abi.ErrnoOf(err).Ret()
		t.k.log.Debug("syscall failed", "tid", t.Tid(), "syscall", sc.name, "err", err)
	}
	t.st.Frame().SetReturn(ret)
}

func sysGetpid(t *Task, _ arch.Context) (uint64, error)  { return uint64(t.Pid()), nil }
func sysGettid(t *Task, _ arch.Context) (uint64, error)  { return uint64(t.Tid()), nil }
func sysGetppid(t *Task, _ arch.Context) (uint64, error) { return uint64(t.proc.PPID()), nil }

// sysGetID serves the uid and gid getters; every process runs as root.
func sysGetID(*Task, arch.Context) (uint64, error) { return 0, nil }

func sysSchedYield(t *Task, _ arch.Context) (uint64, error) {
	t.k.sched.Yield()
	return 0, nil
}

func sysSetTidAddress(t *Task, tf arch.Context) (uint64, error) {
	t.thread.Data().SetClearChildTID(tf.Arg(0))
	return uint64(t.Tid()), nil
}

func sysGetpgid(t *Task, tf arch.Context) (uint64, error) {
	p := t.proc
	if pid := int32(tf.Arg(0)); pid != 0 {
		var err error
		if p, err = t.k.tables.Process(pid); err != nil {
			return 0, err
		}
	}
	return uint64(p.Group().ID()), nil
}

// sysSetpgid moves the caller or one of its children into a process
// group, which must exist unless it is named after the target.
func sysSetpgid(t *Task, tf arch.Context) (uint64, error) {
	pid, pgid := int32(tf.Arg(0)), int32(tf.Arg(1))
	if pgid < 0 {
		return 0, abi.EINVAL
	}
	target := t.proc
	if pid != 0 && pid != t.Pid() {
		c, err := t.k.tables.Process(pid)
		if err != nil {
			return 0, err
		}
		if c.PPID() != t.Pid() {
			return 0, abi.ESRCH
		}
		target = c
	}
	if pgid == 0 {
		pgid = target.Pid()
	}
	if pgid != target.Pid() {
		if _, err := t.k.tables.Group(pgid); err != nil {
			return 0, abi.EPERM
		}
	}
	return 0, t.k.tables.SetGroup(target, pgid)
}
