package kernel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"kproc/pkg/abi"
	"kproc/pkg/arch"
	"kproc/pkg/process"
	"kproc/pkg/sched"
	"kproc/pkg/signal"
)

func (t *Task) signals() (proc, thread *signal.Context) {
	return t.proc.Data().Signals(), t.thread.Data().Signals()
}

// deliverOnce dispatches at most one signal, process-level first. A task
// runs one handler at a time: while a handler frame of this thread is
// loaded in either context, the other context waits for its sigreturn.
func (t *Task) deliverOnce() (signal.Delivery, uintptr, error) {
	pctx, tctx := t.signals()
	tid := t.Tid()
	scratch := t.st.KernelStackTop()
	env := signal.Env{
		Tid:        tid,
		Trampoline: t.k.kmaps.Trampoline(),
		Scratch:    scratch,
		Mem:        t.Memory(),
	}
	tf := t.st.Frame()

	if _, busy := tctx.FrameOwner(); !busy {
		env.Extra = tctx.Blocked()
		d, err := pctx.Deliver(pctx, tf, env)
		if err != nil && !errors.Is(err, signal.ErrFrameLoaded) {
			return d, scratch, err
		}
		if d.Outcome != signal.None {
			return d, scratch, nil
		}
	}
	if owner, busy := pctx.FrameOwner(); !busy || owner != tid {
		env.Extra = pctx.Blocked()
		d, err := tctx.Deliver(pctx, tf, env)
		if err != nil && !errors.Is(err, signal.ErrFrameLoaded) {
			return d, scratch, err
		}
		return d, scratch, nil
	}
	return signal.Delivery{}, scratch, nil
}

// dispatchSignal acts on one delivery and reports whether the driver
// should look for another signal.
func (t *Task) dispatchSignal(d signal.Delivery, scratch uintptr) bool {
	if d.Outcome == signal.None {
		return false
	}
	t.k.metrics.signalDelivered(d)
	t.k.log.Debug("signal delivered", "pid", t.Pid(), "tid", t.Tid(), "signal", d.Signal, "outcome", outcomeName(d.Outcome))

	switch d.Outcome {
	case signal.Fatal:
		t.exit(abi.SignaledStatus(d.Signal, d.Disposition == signal.DispCore), true)
	case signal.Handled:
		t.runHandler(d.Frame, scratch)
	}
	return true
}

// killPending reports a SIGKILL that must not wait for a running handler.
func (t *Task) killPending() bool {
	pctx, tctx := t.signals()
	return pctx.Pending().Has(abi.SIGKILL) || tctx.Pending().Has(abi.SIGKILL)
}

// signalPending reports whether a sleep of t must end: the group is
// exiting, or a pending signal outside the blocked sets would be caught
// or would end the process.
func (t *Task) signalPending() bool {
	if t.proc.Exiting() {
		return true
	}
	pctx, tctx := t.signals()
	ready := (pctx.Pending() | tctx.Pending()) &^ (pctx.Blocked() | tctx.Blocked())
	for _, sig := range ready.Signals() {
		act := pctx.Action(sig)
		if act.Caught() || (act.Kind == signal.KindDefault && signal.DefaultDisposition(sig).Fatal()) {
			return true
		}
	}
	return false
}

func (k *Kernel) countSent(info signal.Info) {
	k.metrics.sent.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("signal", info.Signo.String()),
	))
}

// sendProcess makes info pending for process p and wakes its threads.
// Zombies take no signals.
func (k *Kernel) sendProcess(p *process.Process, info signal.Info) error {
	if p.State() >= process.StateZombie {
		return nil
	}
	if _, err := p.Data().Signals().Send(info); err != nil {
		return err
	}
	k.countSent(info)
	k.log.Debug("signal sent", "pid", p.Pid(), "signal", info.Signo, "code", info.Code)
	for _, th := range p.Threads() {
		k.interrupt(th.Tid())
	}
	return nil
}

// sendThread makes info pending for one thread.
func (k *Kernel) sendThread(th *process.Thread, info signal.Info) error {
	if th.Exited() {
		return nil
	}
	if _, err := th.Data().Signals().Send(info); err != nil {
		return err
	}
	k.countSent(info)
	k.log.Debug("signal sent", "tid", th.Tid(), "signal", info.Signo, "code", info.Code)
	k.interrupt(th.Tid())
	return nil
}

func checkSignal(sig abi.Signal) error {
	if sig != 0 && !sig.Valid() {
		return fmt.Errorf("kernel: signal %d: %w", int(sig), abi.EINVAL)
	}
	return nil
}

// Kill sends sig to the processes selected by pid as kill(2) does and
// returns how many processes were selected. pid -1 selects every process
// but init. Signal 0 only checks that the targets exist.
func (t *Task) Kill(pid int32, sig abi.Signal) (int, error) {
	if err := checkSignal(sig); err != nil {
		return 0, err
	}
	k := t.k

	var targets []*process.Process
	switch {
	case pid > 0:
		p, err := k.tables.Process(pid)
		if err != nil {
			return 0, err
		}
		targets = []*process.Process{p}
	case pid == 0:
		targets = t.proc.Group().Processes()
	case pid == -1:
		for _, p := range k.tables.Processes() {
			if p.Pid() != InitPid {
				targets = append(targets, p)
			}
		}
	default:
		g, err := k.tables.Group(-pid)
		if err != nil {
			return 0, err
		}
		targets = g.Processes()
	}
	if len(targets) == 0 {
		return 0, fmt.Errorf("kernel: kill %d: %w", pid, abi.ESRCH)
	}
	if sig == 0 {
		return len(targets), nil
	}

	info := signal.UserInfo(sig, t.Pid(), 0)
	for _, p := range targets {
		if err := k.sendProcess(p, info); err != nil {
			return 0, err
		}
	}
	return len(targets), nil
}

// Tgkill sends sig to thread tid. A positive tgid must match the
// thread's process.
func (t *Task) Tgkill(tgid, tid int32, sig abi.Signal) error {
	if tid <= 0 || tgid == 0 || tgid < -1 {
		return fmt.Errorf("kernel: tgkill %d %d: %w", tgid, tid, abi.EINVAL)
	}
	if err := checkSignal(sig); err != nil {
		return err
	}
	th, err := t.k.tables.Thread(tid)
	if err != nil {
		return err
	}
	if th.Exited() || (tgid > 0 && th.Process().Pid() != tgid) {
		return fmt.Errorf("kernel: thread %d: %w", tid, abi.ESRCH)
	}
	if sig == 0 {
		return nil
	}
	return t.k.sendThread(th, signal.TkillInfo(sig, t.Pid(), 0))
}

// Sigaction installs act for sig in the process action table and returns
// the old action. Pending instances of a signal that is now ignored are
// discarded.
func (t *Task) Sigaction(sig abi.Signal, act signal.Action) (signal.Action, error) {
	pctx := t.proc.Data().Signals()
	old, err := pctx.SetAction(sig, act)
	if err != nil {
		return old, err
	}
	if act.Kind == signal.KindIgnore || (act.Kind == signal.KindDefault && signal.DefaultDisposition(sig) == signal.DispIgnore) {
		pctx.Consume(sig)
		for _, th := range t.proc.Threads() {
			th.Data().Signals().Consume(sig)
		}
	}
	return old, nil
}

func (t *Task) readSet(addr uint64) (signal.Set, error) {
	v, err := t.Memory().ReadU64(addr)
	return signal.Set(v), err
}

func (t *Task) writeSet(addr uint64, s signal.Set) error {
	return t.Memory().WriteU64(addr, uint64(s))
}

func (t *Task) readTimespec(addr uint64) (time.Duration, error) {
	mem := t.Memory()
	sec, err := mem.ReadU64(addr)
	if err != nil {
		return 0, err
	}
	nsec, err := mem.ReadU64(addr + 8)
	if err != nil {
		return 0, err
	}
	if int64(sec) < 0 || nsec >= uint64(time.Second) {
		return 0, fmt.Errorf("kernel: timespec {%d, %d}: %w", int64(sec), nsec, abi.EINVAL)
	}
	return time.Duration(sec)*time.Second + time.Duration(nsec), nil
}

func sigsetSize(tf arch.Context, i int) error {
	if tf.Arg(i) != abi.SigsetSize {
		return fmt.Errorf("kernel: sigsetsize %d: %w", tf.Arg(i), abi.EINVAL)
	}
	return nil
}

func sysKill(t *Task, tf arch.Context) (uint64, error) {
	pid := int32(tf.Arg(0))
	n, err := t.Kill(pid, abi.Signal(int32(tf.Arg(1))))
	if err != nil || pid != -1 {
		return 0, err
	}
	return uint64(n), nil
}

func sysTkill(t *Task, tf arch.Context) (uint64, error) {
	return 0, t.Tgkill(-1, int32(tf.Arg(0)), abi.Signal(int32(tf.Arg(1))))
}

func sysTgkill(t *Task, tf arch.Context) (uint64, error) {
	tgid := int32(tf.Arg(0))
	if tgid <= 0 {
		return 0, abi.EINVAL
	}
	return 0, t.Tgkill(tgid, int32(tf.Arg(1)), abi.Signal(int32(tf.Arg(2))))
}

func sysRtSigqueueinfo(t *Task, tf arch.Context) (uint64, error) {
	pid, sig, uinfo := int32(tf.Arg(0)), abi.Signal(int32(tf.Arg(1))), tf.Arg(2)
	if !sig.Valid() {
		return 0, abi.EINVAL
	}
	var si abi.Siginfo
	if _, err := t.Memory().ReadAt(si[:], int64(uinfo)); err != nil {
		return 0, err
	}
	if si.Code() >= 0 && pid != t.Pid() {
		return 0, abi.EPERM
	}
	p, err := t.k.tables.Process(pid)
	if err != nil {
		return 0, err
	}
	return 0, t.k.sendProcess(p, signal.QueueInfo(sig, t.Pid(), 0, si.Value()))
}

func sysRtSigaction(t *Task, tf arch.Context) (uint64, error) {
	sig := abi.Signal(int32(tf.Arg(0)))
	actAddr, oldAddr := tf.Arg(1), tf.Arg(2)
	if err := sigsetSize(tf, 3); err != nil {
		return 0, err
	}
	if !sig.Valid() || (actAddr != 0 && sig.Unblockable()) {
		return 0, abi.EINVAL
	}
	mem := t.Memory()

	old := t.proc.Data().Signals().Action(sig)
	if actAddr != 0 {
		buf := make([]byte, abi.SigactionSize)
		if _, err := mem.ReadAt(buf, int64(actAddr)); err != nil {
			return 0, err
		}
		var sa abi.Sigaction
		if err := sa.Decode(buf); err != nil {
			return 0, abi.EFAULT
		}
		var err error
		if old, err = t.Sigaction(sig, signal.ActionFromSigaction(sa)); err != nil {
			return 0, err
		}
	}
	if oldAddr != 0 {
		sa := old.Sigaction()
		if _, err := mem.WriteAt(sa.Encode(), int64(oldAddr)); err != nil {
			return 0, err
		}
	}
	return 0, nil
}

func sysRtSigprocmask(t *Task, tf arch.Context) (uint64, error) {
	how, setAddr, oldAddr := int(tf.Arg(0)), tf.Arg(1), tf.Arg(2)
	if err := sigsetSize(tf, 3); err != nil {
		return 0, err
	}
	pctx := t.proc.Data().Signals()

	old := pctx.Blocked()
	if setAddr != 0 {
		set, err := t.readSet(setAddr)
		if err != nil {
			return 0, err
		}
		if old, err = pctx.ProcMask(how, set); err != nil {
			return 0, err
		}
	}
	if oldAddr != 0 {
		if err := t.writeSet(oldAddr, old); err != nil {
			return 0, err
		}
	}
	return 0, nil
}

func sysRtSigpending(t *Task, tf arch.Context) (uint64, error) {
	if err := sigsetSize(tf, 1); err != nil {
		return 0, err
	}
	pctx, tctx := t.signals()
	set := (pctx.Pending() | tctx.Pending()) & (pctx.Blocked() | tctx.Blocked())
	return 0, t.writeSet(tf.Arg(0), set)
}

func sysSigaltstack(t *Task, tf arch.Context) (uint64, error) {
	ssAddr, oldAddr := tf.Arg(0), tf.Arg(1)
	pctx := t.proc.Data().Signals()
	mem := t.Memory()
	sp := tf.SP()

	old := pctx.AltStack(sp)
	if ssAddr != 0 {
		buf := make([]byte, abi.StackSize)
		if _, err := mem.ReadAt(buf, int64(ssAddr)); err != nil {
			return 0, err
		}
		var st abi.Stack
		if err := st.Decode(buf); err != nil {
			return 0, abi.EFAULT
		}
		if err := pctx.SetAltStack(st, sp); err != nil {
			return 0, err
		}
	}
	if oldAddr != 0 {
		if _, err := mem.WriteAt(old.Encode(), int64(oldAddr)); err != nil {
			return 0, err
		}
	}
	return 0, nil
}

// sysRtSigsuspend waits with a temporary mask until a signal is caught
// or ends the process. The handler runs before the call returns EINTR,
// with the temporary mask still in effect.
func sysRtSigsuspend(t *Task, tf arch.Context) (uint64, error) {
	if err := sigsetSize(tf, 1); err != nil {
		return 0, err
	}
	set, err := t.readSet(tf.Arg(0))
	if err != nil {
		return 0, err
	}
	pctx := t.proc.Data().Signals()
	pctx.Suspend(set)

	var q sched.WaitQueue
	w := q.Prepare()
	if err := w.Sleep(t.k.ctx, t.st); !errors.Is(err, sched.ErrInterrupted) {
		pctx.RestoreSuspended()
		return 0, err
	}
	t.st.Frame().SetReturn(abi.EINTR.Ret())
	t.returnToUser()
	pctx.RestoreSuspended()
	return 0, abi.EINTR
}

// sysRtSigtimedwait takes a pending signal of the given set, waiting for
// one if needed. A zero timeout polls.
func sysRtSigtimedwait(t *Task, tf arch.Context) (uint64, error) {
	setAddr, infoAddr, tsAddr := tf.Arg(0), tf.Arg(1), tf.Arg(2)
	if err := sigsetSize(tf, 3); err != nil {
		return 0, err
	}
	set, err := t.readSet(setAddr)
	if err != nil {
		return 0, err
	}
	set &^= signal.Unblockable

	ctx := t.k.ctx
	poll := false
	if tsAddr != 0 {
		d, err := t.readTimespec(tsAddr)
		if err != nil {
			return 0, err
		}
		if d == 0 {
			poll = true
		} else {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
	}

	pctx, tctx := t.signals()
	t.st.SetInterruptCheck(func() bool {
		return t.signalPending() || (pctx.Pending()|tctx.Pending())&set != 0
	})
	defer t.st.SetInterruptCheck(t.signalPending)

	for {
		info, ok := tctx.ConsumeOneIn(set)
		if !ok {
			info, ok = pctx.ConsumeOneIn(set)
		}
		if ok {
			if infoAddr != 0 {
				si := info.Encode()
				if _, err := t.Memory().WriteAt(si[:], int64(infoAddr)); err != nil {
					return 0, err
				}
			}
			return uint64(info.Signo), nil
		}
		if poll {
			return 0, abi.EAGAIN
		}
		if t.signalPending() {
			return 0, abi.EINTR
		}

		var q sched.WaitQueue
		w := q.Prepare()
		switch err := w.Sleep(ctx, t.st); {
		case errors.Is(err, sched.ErrInterrupted):
		case errors.Is(err, context.DeadlineExceeded):
			return 0, abi.EAGAIN
		default:
			return 0, err
		}
	}
}

// sysRtSigreturn unloads the handler frame of this thread, thread-level
// first, and resumes the interrupted context. Without a loaded frame the
// process is killed with SIGSEGV.
func sysRtSigreturn(t *Task, tf arch.Context) (uint64, error) {
	pctx, tctx := t.signals()
	tid := t.Tid()

	scratch, data, err := tctx.Return(tid)
	if err != nil {
		scratch, data, err = pctx.Return(tid)
	}
	if err != nil {
		t.k.log.Warn("rt_sigreturn without a signal frame", "pid", t.Pid(), "tid", tid)
		t.exit(abi.SignaledStatus(abi.SIGSEGV, true), true)
	}
	t.st.SwapScratch(scratch)
	t.st.SetFrame(data.Orig)
	if t.depth > 0 {
		panic(sigreturnUnwind{})
	}
	return 0, errKeepFrame
}
