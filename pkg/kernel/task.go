package kernel

import (
	"fmt"

	"kproc/pkg/abi"
	"kproc/pkg/arch"
	"kproc/pkg/mm"
	"kproc/pkg/process"
	"kproc/pkg/sched"
)

// Userland runs user-mode code.
type Userland interface {
	// Enter runs user code from t's current trap frame. User code reaches
	// the kernel through t.Syscall and t.Preempt. Returning from Enter
	// ends the thread as exit(0) would.
	Enter(t *Task)
}

// Program is user code entered at a fixed program counter.
type Program func(t *Task)

// Programs is a Userland that picks the code to run by the program
// counter in the trap frame. User code positions the counter itself with
// Frame().SetPC before a clone, so the child starts at another Program.
// Entering at the sigreturn trampoline issues rt_sigreturn; any other
// unknown counter is a fault.
type Programs map[uint64]Program

func (p Programs) Enter(t *Task) {
	pc := t.Frame().PC()
	if pc == t.k.kmaps.Trampoline() {
		t.Syscall(abi.SYS_RT_SIGRETURN)
		return
	}
	prog, ok := p[pc]
	if !ok {
		t.Fault(pc)
	}
	prog(t)
}

// execResume unwinds a task to its outermost user entry after exec has
// replaced its image.
type execResume struct{}

// sigreturnUnwind unwinds a task out of the handler that rt_sigreturn
// finished.
type sigreturnUnwind struct{}

// handlerScratchSize separates the trap-frame save slot of a handler
// from the one it interrupted.
const handlerScratchSize = 0x400

// Task is a user thread as seen from the kernel.
type Task struct {
	k      *Kernel
	st     *sched.Task
	thread *process.Thread
	proc   *process.Process

	// depth counts handlers running on this task. Only the task's own
	// goroutine touches it.
	depth int
}

func (t *Task) Kernel() *Kernel           { return t.k }
func (t *Task) Tid() int32                { return t.thread.Tid() }
func (t *Task) Pid() int32                { return t.proc.Pid() }
func (t *Task) Thread() *process.Thread   { return t.thread }
func (t *Task) Process() *process.Process { return t.proc }
func (t *Task) Sched() *sched.Task        { return t.st }
func (t *Task) Frame() arch.Context       { return t.st.Frame() }
func (t *Task) Memory() *mm.AddressSpace  { return t.proc.Data().Space() }
func (t *Task) InHandler() bool           { return t.depth > 0 }

func (t *Task) String() string {
	return fmt.Sprintf("task %d/%d", t.Pid(), t.Tid())
}

// run is the body of the task's goroutine.
func (t *Task) run(*sched.Task) {
	t.returnToUser()
	for t.enterUser() {
		t.returnToUser()
	}
	t.exit(abi.ExitedStatus(0), false)
}

// enterUser runs user code and reports whether exec replaced the image,
// in which case user mode is entered again at the new entry point.
func (t *Task) enterUser() (restart bool) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(execResume); ok {
				restart = true
				return
			}
			panic(r)
		}
	}()
	t.k.user.Enter(t)
	return false
}

// Syscall enters the kernel with system call no, as the ecall
// instruction would, and returns the value user mode finds in the return
// register afterwards. Pending signals are delivered before it returns.
// It does not return if the call ends the thread or replaces its image.
func (t *Task) Syscall(no uint64, args ...uint64) uint64 {
	tf := t.st.Frame()
	tf.SetSyscall(no)
	for i := range 6 {
		var v uint64
		if i < len(args) {
			v = args[i]
		}
		tf.SetArg(i, v)
	}
	t.dispatch(tf)
	t.returnToUser()
	return t.st.Frame().Return()
}

// Preempt enters the kernel as a timer interrupt would: the task yields
// and pending signals are delivered on the way back.
func (t *Task) Preempt() {
	t.k.sched.Yield()
	t.returnToUser()
}

// Fault ends the process as an unhandled SIGSEGV at addr would.
func (t *Task) Fault(addr uint64) {
	t.k.log.Warn("user fault", "pid", t.Pid(), "tid", t.Tid(), "addr", fmt.Sprintf("%#x", addr))
	t.exit(abi.SignaledStatus(abi.SIGSEGV, true), true)
}

// returnToUser runs the checks made on every return to user mode. It
// ends the thread when the group exits or a fatal signal arrives, and
// runs handlers of caught signals until nothing is left to deliver.
func (t *Task) returnToUser() {
	for {
		if status, ok := t.proc.GroupExitStatus(); ok {
			t.exit(status, false)
		}
		if t.killPending() {
			t.exit(abi.SignaledStatus(abi.SIGKILL, false), true)
		}
		d, scratch, err := t.deliverOnce()
		if err != nil {
			t.k.log.Warn("signal frame setup failed", "pid", t.Pid(), "tid", t.Tid(), "signal", d.Signal, "err", err)
			t.exit(abi.SignaledStatus(abi.SIGSEGV, true), true)
		}
		if !t.dispatchSignal(d, scratch) {
			return
		}
	}
}

// runHandler switches to the handler frame loaded by delivery and runs
// the handler until its rt_sigreturn.
func (t *Task) runHandler(hc arch.Context, scratch uintptr) {
	t.st.SetFrame(hc)
	t.st.SwapScratch(scratch - handlerScratchSize)
	t.depth++
	t.callHandler()
	t.depth--
}

func (t *Task) callHandler() {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(sigreturnUnwind); !ok {
				panic(r)
			}
		}
	}()
	t.k.user.Enter(t)
	// The handler returned through its return address, the trampoline.
	tf := t.st.Frame()
	tf.SetPC(tf.Reg(arch.RegRA))
	t.Syscall(abi.SYS_RT_SIGRETURN)
}
