package kernel_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"kproc/pkg/abi"
	"kproc/pkg/arch"
	"kproc/pkg/kernel"
	"kproc/pkg/signal"
)

// TestHandlerMaskDefersSignal raises SIGUSR2 inside a SIGUSR1 handler
// whose mask blocks it; SIGUSR2 must be handled after the first handler
// returns, before the interrupted code resumes.
func TestHandlerMaskDefersSignal(t *testing.T) {
	m := newMachine(t)
	var (
		order           []string
		inHandler, last signal.Set
	)
	usr2 := m.at(func(*kernel.Task) {
		order = append(order, "usr2")
	})
	usr1 := m.at(func(t *kernel.Task) {
		order = append(order, "usr1 start")
		assert.Zero(m.t, kill(t, 1, abi.SIGUSR2))
		inHandler = blocked(m.t, t)
		order = append(order, "usr1 end")
	})
	m.boot(func(t *kernel.Task) {
		mask := uint64(signal.SetOf(abi.SIGUSR2))
		assert.Zero(m.t, sigaction(m.t, t, abi.SIGUSR1, abi.Sigaction{Handler: usr1, Mask: mask}))
		assert.Zero(m.t, sigaction(m.t, t, abi.SIGUSR2, abi.Sigaction{Handler: usr2}))
		assert.Zero(m.t, kill(t, 1, abi.SIGUSR1))
		order = append(order, "main")
		last = blocked(m.t, t)
	})
	assert.Equal(t, []string{"usr1 start", "usr1 end", "usr2", "main"}, order)
	assert.Equal(t, signal.SetOf(abi.SIGUSR1, abi.SIGUSR2), inHandler)
	assert.True(t, last.Empty())
}

// TestSigreturnRestoresFrame checks the handler's entry state and that
// the interrupted registers and mask come back unchanged.
func TestSigreturnRestoresFrame(t *testing.T) {
	m := newMachine(t)
	var (
		arg, ra, handlerSP      uint64
		inHandler               bool
		before, after           arch.Context
		maskBefore, maskAfter   signal.Set
		ret                     uint64
		trampoline, interrupted uint64
	)
	handler := m.at(func(t *kernel.Task) {
		tf := t.Frame()
		arg, ra, handlerSP = tf.Arg(0), tf.Reg(arch.RegRA), tf.SP()
		inHandler = t.InHandler()
		tf.SetReg(9, 0xbad)
		tf.SetSP(0x100)
	})
	m.boot(func(t *kernel.Task) {
		trampoline = t.Kernel().KernelMappings().Trampoline()
		assert.Zero(m.t, sigaction(m.t, t, abi.SIGUSR1, abi.Sigaction{Handler: handler}))
		sigprocmask(m.t, t, abi.SIG_BLOCK, signal.SetOf(abi.SIGUSR2))
		maskBefore = blocked(m.t, t)

		t.Frame().SetReg(9, 0x1234)
		interrupted = t.Frame().SP()
		before = t.Frame().Clone()
		ret = kill(t, 1, abi.SIGUSR1)
		after = t.Frame().Clone()
		maskAfter = blocked(m.t, t)
	})
	assert.Zero(t, ret)
	assert.Equal(t, uint64(abi.SIGUSR1), arg)
	assert.Equal(t, trampoline, ra)
	assert.Equal(t, interrupted&^15, handlerSP)
	assert.True(t, inHandler)

	assert.Equal(t, uint64(0x1234), after.Reg(9))
	assert.Equal(t, before.PC(), after.PC())
	assert.Equal(t, before.SP(), after.SP())
	assert.Equal(t, before.TP(), after.TP())
	assert.Equal(t, maskBefore, maskAfter)
	assert.Equal(t, signal.SetOf(abi.SIGUSR2), maskAfter)
}

func TestHandlerCallsSigreturn(t *testing.T) {
	m := newMachine(t)
	var reached, resumed bool
	handler := m.at(func(t *kernel.Task) {
		t.Syscall(abi.SYS_RT_SIGRETURN)
		reached = true
	})
	m.boot(func(t *kernel.Task) {
		assert.Zero(m.t, sigaction(m.t, t, abi.SIGUSR1, abi.Sigaction{Handler: handler}))
		kill(t, 1, abi.SIGUSR1)
		resumed = !t.InHandler()
	})
	assert.False(t, reached)
	assert.True(t, resumed)
}

func TestSiginfoHandler(t *testing.T) {
	m := newMachine(t)
	var (
		si       abi.Siginfo
		ucMask   uint64
		badQueue uint64
	)
	handler := m.at(func(t *kernel.Task) {
		tf := t.Frame()
		_, err := t.Memory().ReadAt(si[:], int64(tf.Arg(1)))
		assert.NoError(m.t, err)
		uc := make([]byte, 128)
		_, err = t.Memory().ReadAt(uc, int64(tf.Arg(2)))
		assert.NoError(m.t, err)
		ucMask, err = abi.UcontextSigmask(uc)
		assert.NoError(m.t, err)
	})
	m.boot(func(t *kernel.Task) {
		sa := abi.Sigaction{Handler: handler, Flags: abi.SA_SIGINFO}
		assert.Zero(m.t, sigaction(m.t, t, abi.SIGUSR1, sa))
		sigprocmask(m.t, t, abi.SIG_BLOCK, signal.SetOf(abi.SIGUSR2))

		q := abi.NewSiginfo(abi.SIGUSR1, 0, abi.SI_QUEUE)
		q.SetValue(42)
		addr := slot(t)
		_, err := t.Memory().WriteAt(q[:], int64(addr))
		assert.NoError(m.t, err)
		assert.Zero(m.t, t.Syscall(abi.SYS_RT_SIGQUEUEINFO, 1, uint64(abi.SIGUSR1), addr))
		badQueue = t.Syscall(abi.SYS_RT_SIGQUEUEINFO, 1, 99, addr)
	})
	assert.Equal(t, abi.SIGUSR1, si.Signo())
	assert.Equal(t, abi.SI_QUEUE, si.Code())
	assert.Equal(t, int32(1), si.Pid())
	assert.Equal(t, uint64(42), si.Value())
	assert.Equal(t, uint64(signal.SetOf(abi.SIGUSR2)), ucMask)
	assert.Equal(t, abi.EINVAL, errno(badQueue))
}

func TestSigprocmask(t *testing.T) {
	m := newMachine(t)
	usr1 := signal.SetOf(abi.SIGUSR1)
	var (
		olds    []signal.Set
		masks   []signal.Set
		badHow  uint64
		badSize uint64
	)
	m.boot(func(t *kernel.Task) {
		step := func(how int, set signal.Set) {
			old, ret := sigprocmask(m.t, t, how, set)
			assert.Zero(m.t, ret)
			olds = append(olds, old)
			masks = append(masks, blocked(m.t, t))
		}
		step(abi.SIG_BLOCK, usr1)
		step(abi.SIG_BLOCK, usr1)
		step(abi.SIG_BLOCK, signal.SetOf(abi.SIGKILL, abi.SIGSTOP, abi.SIGUSR2))
		step(abi.SIG_UNBLOCK, usr1)
		step(abi.SIG_SETMASK, 0)

		_, badHow = sigprocmask(m.t, t, 7, usr1)
		badSize = t.Syscall(abi.SYS_RT_SIGPROCMASK, abi.SIG_BLOCK, slot(t), 0, 4)
	})
	both := signal.SetOf(abi.SIGUSR1, abi.SIGUSR2)
	assert.Equal(t, []signal.Set{0, usr1, usr1, both, signal.SetOf(abi.SIGUSR2)}, olds)
	assert.Equal(t, []signal.Set{usr1, usr1, both, signal.SetOf(abi.SIGUSR2), 0}, masks)
	assert.Equal(t, abi.EINVAL, errno(badHow))
	assert.Equal(t, abi.EINVAL, errno(badSize))
}

// sleeper suspends until a signal ends it.
func sleeper(m *machine) uint64 {
	return m.at(func(t *kernel.Task) {
		addr := slot(t)
		assert.NoError(m.t, t.Memory().WriteU64(addr, 0))
		for {
			t.Syscall(abi.SYS_RT_SIGSUSPEND, addr, abi.SigsetSize)
		}
	})
}

func TestKillSelection(t *testing.T) {
	m := newMachine(t)
	var (
		group, all, probe int
		sent              uint64
		statuses          []abi.WaitStatus
		missing, noGroup  uint64
		badSignal         uint64
	)
	child := sleeper(m)
	m.boot(func(t *kernel.Task) {
		a := fork(t, child, forkFlags)
		b := fork(t, child, forkFlags)

		var err error
		group, err = t.Kill(0, 0)
		assert.NoError(m.t, err)
		all, err = t.Kill(-1, 0)
		assert.NoError(m.t, err)
		probe, err = t.Kill(a, 0)
		assert.NoError(m.t, err)

		sent = kill(t, -1, abi.SIGTERM)
		for _, pid := range []int32{a, b} {
			_, st := wait4(t, pid, 0)
			statuses = append(statuses, st)
		}
		missing = kill(t, 999, abi.SIGTERM)
		noGroup = kill(t, -777, abi.SIGTERM)
		badSignal = kill(t, 1, 99)
	})
	assert.Equal(t, 3, group)
	assert.Equal(t, 2, all)
	assert.Equal(t, 1, probe)
	assert.Equal(t, uint64(2), sent)
	want := abi.SignaledStatus(abi.SIGTERM, false)
	assert.Equal(t, []abi.WaitStatus{want, want}, statuses)
	assert.Equal(t, abi.ESRCH, errno(missing))
	assert.Equal(t, abi.ESRCH, errno(noGroup))
	assert.Equal(t, abi.EINVAL, errno(badSignal))
}

func TestDefaultActions(t *testing.T) {
	cases := []struct {
		name   string
		sig    abi.Signal
		ignore bool
		want   abi.WaitStatus
	}{
		{"terminate", abi.SIGTERM, false, abi.SignaledStatus(abi.SIGTERM, false)},
		{"core", abi.SIGQUIT, false, abi.SignaledStatus(abi.SIGQUIT, true)},
		{"kill", abi.SIGKILL, false, abi.SignaledStatus(abi.SIGKILL, false)},
		{"ignored by default", abi.SIGCHLD, false, abi.ExitedStatus(4)},
		{"ignored by action", abi.SIGTERM, true, abi.ExitedStatus(4)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := newMachine(t)
			var status abi.WaitStatus
			child := m.at(func(t *kernel.Task) {
				if tc.ignore {
					assert.Zero(m.t, sigaction(m.t, t, tc.sig, abi.Sigaction{Handler: abi.SIG_IGN}))
				}
				kill(t, int32(t.Syscall(abi.SYS_GETPID)), tc.sig)
				t.Syscall(abi.SYS_EXIT, 4)
			})
			m.boot(func(t *kernel.Task) {
				_, status = wait4(t, fork(t, child, forkFlags), 0)
			})
			assert.Equal(t, tc.want, status)
		})
	}
}

func TestSigreturnWithoutFrame(t *testing.T) {
	m := newMachine(t)
	var status abi.WaitStatus
	child := m.at(func(t *kernel.Task) {
		t.Syscall(abi.SYS_RT_SIGRETURN)
	})
	m.boot(func(t *kernel.Task) {
		_, status = wait4(t, fork(t, child, forkFlags), 0)
	})
	assert.True(t, status.Signaled())
	assert.Equal(t, abi.SIGSEGV, status.TermSignal())
	assert.True(t, status.CoreDump())
}

// TestSigsuspend blocks SIGUSR1, lets a child raise it and waits for it
// with an empty temporary mask.
func TestSigsuspend(t *testing.T) {
	m := newMachine(t)
	var (
		ret             uint64
		ran             bool
		inHandler, last signal.Set
	)
	handler := m.at(func(t *kernel.Task) {
		ran = true
		inHandler = blocked(m.t, t)
	})
	child := m.at(func(t *kernel.Task) {
		kill(t, int32(t.Syscall(abi.SYS_GETPPID)), abi.SIGUSR1)
	})
	m.boot(func(t *kernel.Task) {
		assert.Zero(m.t, sigaction(m.t, t, abi.SIGUSR1, abi.Sigaction{Handler: handler}))
		sigprocmask(m.t, t, abi.SIG_BLOCK, signal.SetOf(abi.SIGUSR1))
		pid := fork(t, child, forkFlags)

		addr := slot(t)
		assert.NoError(m.t, t.Memory().WriteU64(addr, 0))
		ret = t.Syscall(abi.SYS_RT_SIGSUSPEND, addr, abi.SigsetSize)
		last = blocked(m.t, t)
		wait4(t, pid, 0)
	})
	assert.Equal(t, abi.EINTR, errno(ret))
	assert.True(t, ran)
	assert.Equal(t, signal.SetOf(abi.SIGUSR1), inHandler)
	assert.Equal(t, signal.SetOf(abi.SIGUSR1), last)
}

func writeTimespec(tt *testing.T, t *kernel.Task, addr uint64, d time.Duration) {
	assert.NoError(tt, t.Memory().WriteU64(addr, uint64(d/time.Second)))
	assert.NoError(tt, t.Memory().WriteU64(addr+8, uint64(d%time.Second)))
}

func TestSigtimedwait(t *testing.T) {
	m := newMachine(t)
	var (
		poll, timeout, badTs uint64
		got, gotTkill        uint64
		info, tinfo          abi.Siginfo
		waited               time.Duration
		pending              uint64
	)
	m.boot(func(t *kernel.Task) {
		usr2 := signal.SetOf(abi.SIGUSR2)
		sigprocmask(m.t, t, abi.SIG_BLOCK, usr2)
		base := slot(t)
		set, ts, si := base+0x10, base+0x20, base+0x40
		assert.NoError(m.t, t.Memory().WriteU64(set, uint64(usr2)))

		writeTimespec(m.t, t, ts, 0)
		poll = t.Syscall(abi.SYS_RT_SIGTIMEDWAIT, set, si, ts, abi.SigsetSize)

		writeTimespec(m.t, t, ts, 20*time.Millisecond)
		start := time.Now()
		timeout = t.Syscall(abi.SYS_RT_SIGTIMEDWAIT, set, si, ts, abi.SigsetSize)
		waited = time.Since(start)

		assert.NoError(m.t, t.Memory().WriteU64(ts+8, uint64(2*time.Second)))
		badTs = t.Syscall(abi.SYS_RT_SIGTIMEDWAIT, set, si, ts, abi.SigsetSize)

		kill(t, 1, abi.SIGUSR2)
		t.Syscall(abi.SYS_RT_SIGPENDING, base, abi.SigsetSize)
		pending, _ = t.Memory().ReadU64(base)
		got = t.Syscall(abi.SYS_RT_SIGTIMEDWAIT, set, si, 0, abi.SigsetSize)
		_, err := t.Memory().ReadAt(info[:], int64(si))
		assert.NoError(m.t, err)

		t.Syscall(abi.SYS_TKILL, 1, uint64(abi.SIGUSR2))
		gotTkill = t.Syscall(abi.SYS_RT_SIGTIMEDWAIT, set, si, 0, abi.SigsetSize)
		_, err = t.Memory().ReadAt(tinfo[:], int64(si))
		assert.NoError(m.t, err)
	})
	assert.Equal(t, abi.EAGAIN, errno(poll))
	assert.Equal(t, abi.EAGAIN, errno(timeout))
	assert.GreaterOrEqual(t, waited, 20*time.Millisecond)
	assert.Equal(t, abi.EINVAL, errno(badTs))

	assert.Equal(t, uint64(signal.SetOf(abi.SIGUSR2)), pending)
	assert.Equal(t, uint64(abi.SIGUSR2), got)
	assert.Equal(t, abi.SI_USER, info.Code())
	assert.Equal(t, int32(1), info.Pid())
	assert.Equal(t, uint64(abi.SIGUSR2), gotTkill)
	assert.Equal(t, abi.SI_TKILL, tinfo.Code())
}

func TestTgkill(t *testing.T) {
	m := newMachine(t)
	var (
		probe, wrongGroup, noThread, badSignal, badGroup uint64
		handled                                          bool
	)
	handler := m.at(func(*kernel.Task) { handled = true })
	m.boot(func(t *kernel.Task) {
		assert.Zero(m.t, sigaction(m.t, t, abi.SIGUSR1, abi.Sigaction{Handler: handler}))
		probe = t.Syscall(abi.SYS_TGKILL, 1, 1, 0)
		wrongGroup = t.Syscall(abi.SYS_TGKILL, 2, 1, uint64(abi.SIGUSR1))
		noThread = t.Syscall(abi.SYS_TGKILL, 1, 999, uint64(abi.SIGUSR1))
		badSignal = t.Syscall(abi.SYS_TKILL, 1, 99)
		badGroup = t.Syscall(abi.SYS_TGKILL, 0, 1, uint64(abi.SIGUSR1))
		assert.Zero(m.t, t.Syscall(abi.SYS_TGKILL, 1, 1, uint64(abi.SIGUSR1)))
	})
	assert.Zero(t, probe)
	assert.Equal(t, abi.ESRCH, errno(wrongGroup))
	assert.Equal(t, abi.ESRCH, errno(noThread))
	assert.Equal(t, abi.EINVAL, errno(badSignal))
	assert.Equal(t, abi.EINVAL, errno(badGroup))
	assert.True(t, handled)
}

func TestSigactionIgnoreDiscardsPending(t *testing.T) {
	m := newMachine(t)
	var (
		before, after uint64
		old           abi.Sigaction
		killAction    uint64
	)
	handler := m.at(func(*kernel.Task) {})
	m.boot(func(t *kernel.Task) {
		assert.Zero(m.t, sigaction(m.t, t, abi.SIGUSR1, abi.Sigaction{Handler: handler, Flags: abi.SA_RESTART}))
		sigprocmask(m.t, t, abi.SIG_BLOCK, signal.SetOf(abi.SIGUSR1))
		kill(t, 1, abi.SIGUSR1)
		base := slot(t)
		t.Syscall(abi.SYS_RT_SIGPENDING, base, abi.SigsetSize)
		before, _ = t.Memory().ReadU64(base)

		ign := abi.Sigaction{Handler: abi.SIG_IGN}
		_, err := t.Memory().WriteAt(ign.Encode(), int64(base))
		assert.NoError(m.t, err)
		assert.Zero(m.t, t.Syscall(abi.SYS_RT_SIGACTION, uint64(abi.SIGUSR1), base, base+0x40, abi.SigsetSize))
		buf := make([]byte, abi.SigactionSize)
		_, err = t.Memory().ReadAt(buf, int64(base+0x40))
		assert.NoError(m.t, err)
		assert.NoError(m.t, old.Decode(buf))

		t.Syscall(abi.SYS_RT_SIGPENDING, base, abi.SigsetSize)
		after, _ = t.Memory().ReadU64(base)
		killAction = sigaction(m.t, t, abi.SIGKILL, ign)
	})
	assert.Equal(t, uint64(signal.SetOf(abi.SIGUSR1)), before)
	assert.Zero(t, after)
	assert.Equal(t, handler, old.Handler)
	assert.Equal(t, uint64(abi.SA_RESTART), old.Flags)
	assert.Equal(t, abi.EINVAL, errno(killAction))
}

func TestSigaltstack(t *testing.T) {
	m := newMachine(t)
	var (
		handlerSP uint64
		onStack   abi.Stack
		small     uint64
		whileOnIt uint64
		outside   abi.Stack
	)
	handler := m.at(func(t *kernel.Task) {
		handlerSP = t.Frame().SP()
		base := slot(t)
		t.Syscall(abi.SYS_SIGALTSTACK, 0, base+0x80)
		buf := make([]byte, abi.StackSize)
		_, err := t.Memory().ReadAt(buf, int64(base+0x80))
		assert.NoError(m.t, err)
		assert.NoError(m.t, onStack.Decode(buf))

		st := abi.Stack{Sp: shared, Size: abi.MINSIGSTKSZ}
		_, err = t.Memory().WriteAt(st.Encode(), int64(base+0xc0))
		assert.NoError(m.t, err)
		whileOnIt = t.Syscall(abi.SYS_SIGALTSTACK, base+0xc0, 0)
	})
	m.boot(func(t *kernel.Task) {
		base := slot(t)
		st := abi.Stack{Sp: shared, Size: 512}
		_, err := t.Memory().WriteAt(st.Encode(), int64(base))
		assert.NoError(m.t, err)
		small = t.Syscall(abi.SYS_SIGALTSTACK, base, 0)

		st.Size = abi.MINSIGSTKSZ
		_, err = t.Memory().WriteAt(st.Encode(), int64(base))
		assert.NoError(m.t, err)
		assert.Zero(m.t, t.Syscall(abi.SYS_SIGALTSTACK, base, 0))

		sa := abi.Sigaction{Handler: handler, Flags: abi.SA_ONSTACK}
		assert.Zero(m.t, sigaction(m.t, t, abi.SIGUSR1, sa))
		kill(t, 1, abi.SIGUSR1)

		t.Syscall(abi.SYS_SIGALTSTACK, 0, base+0x40)
		buf := make([]byte, abi.StackSize)
		_, err = t.Memory().ReadAt(buf, int64(base+0x40))
		assert.NoError(m.t, err)
		assert.NoError(m.t, outside.Decode(buf))
	})
	assert.Equal(t, abi.ENOMEM, errno(small))
	assert.Equal(t, uint64(shared+abi.MINSIGSTKSZ), handlerSP)
	assert.Equal(t, int32(abi.SS_ONSTACK), onStack.Flags)
	assert.Equal(t, abi.EPERM, errno(whileOnIt))
	assert.Equal(t, uint64(shared), outside.Sp)
	assert.Zero(t, outside.Flags)
}

// TestThreadExitInsideHandler has a worker take a process-directed
// signal and exit from inside its handler. The process must keep
// delivering caught signals with its old mask.
func TestThreadExitInsideHandler(t *testing.T) {
	m := newMachine(t)
	const ctid = shared + 0x40
	var (
		usr1Tid, worker int32
		usr2Ran         bool
		after           signal.Set
	)
	usr1 := m.at(func(t *kernel.Task) {
		usr1Tid = t.Tid()
		t.Syscall(abi.SYS_EXIT, 0)
	})
	usr2 := m.at(func(*kernel.Task) {
		usr2Ran = true
	})
	thread := m.at(func(t *kernel.Task) {
		kill(t, t.Pid(), abi.SIGUSR1)
		t.Syscall(abi.SYS_EXIT, 1)
	})
	// While main runs this thread-directed handler it cannot take
	// process-directed signals, so the worker gets SIGUSR1.
	hold := m.at(func(t *kernel.Task) {
		mem := t.Memory()
		assert.NoError(m.t, mem.WriteU32(ctid, 1))
		saved := t.Frame().PC()
		t.Frame().SetPC(thread)
		worker = int32(t.Syscall(abi.SYS_CLONE, uint64(threadFlags|abi.CLONE_CHILD_CLEARTID), 0, 0, 0, ctid))
		t.Frame().SetPC(saved)
		for {
			v, _ := mem.ReadU32(ctid)
			if v == 0 {
				break
			}
			futexWait(t, ctid, v)
		}
	})
	m.boot(func(t *kernel.Task) {
		assert.Zero(m.t, sigaction(m.t, t, abi.SIGUSR1, abi.Sigaction{Handler: usr1}))
		assert.Zero(m.t, sigaction(m.t, t, abi.SIGUSR2, abi.Sigaction{Handler: usr2}))
		assert.Zero(m.t, sigaction(m.t, t, abi.SIGALRM, abi.Sigaction{Handler: hold}))
		assert.Zero(m.t, t.Syscall(abi.SYS_TKILL, uint64(t.Tid()), uint64(abi.SIGALRM)))
		assert.Zero(m.t, kill(t, t.Pid(), abi.SIGUSR2))
		after = blocked(m.t, t)
	})
	assert.Greater(t, worker, int32(1))
	assert.Equal(t, worker, usr1Tid)
	assert.True(t, usr2Ran, "SIGUSR2 handler did not run")
	assert.True(t, after.Empty(), "mask left at %v", after)
}
