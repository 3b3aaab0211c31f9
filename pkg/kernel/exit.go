package kernel

import (
	"context"
	"errors"
	"fmt"

	"kproc/pkg/abi"
	"kproc/pkg/arch"
	"kproc/pkg/process"
	"kproc/pkg/sched"
	"kproc/pkg/signal"
)

// exit retires the calling thread with wait status status. With group
// set every thread of the process exits with that status. The last
// thread to leave turns the process into a zombie and notifies the
// parent. exit does not return.
func (t *Task) exit(status abi.WaitStatus, group bool) {
	k, p, th := t.k, t.proc, t.thread
	if group && p.BeginGroupExit(status) {
		k.killThreads(p, th)
	}

	// A thread leaving from inside a handler hands its frames back, or the
	// process could never take another caught signal.
	pctx, tctx := t.signals()
	for _, c := range [...]*signal.Context{tctx, pctx} {
		c.Return(th.Tid())
	}

	space := p.Data().Space()
	if addr := th.Data().ClearChildTID(); addr != 0 {
		if err := space.WriteU32(addr, 0); err == nil {
			// Joiners may wait on a private or a shared key.
			k.futexWake(space, addr, 1, true)
			k.futexWake(space, addr, 1, false)
		}
	}

	last := p.ThreadExit(th)
	if !th.IsLeader() {
		k.tables.RemoveThread(th)
		k.sched.ReleaseID(th.Tid())
	}
	if last {
		k.exitProcess(p, status)
	}
	space.Release()
	t.st.Exit(int(status))
}

// killThreads sends SIGKILL to every other live thread of p. Each one
// exits at its next return to user mode.
func (k *Kernel) killThreads(p *process.Process, self *process.Thread) {
	for _, th := range p.Threads() {
		if th == self || th.Exited() {
			continue
		}
		if err := k.sendThread(th, signal.KernelInfo(abi.SIGKILL)); err != nil {
			k.log.Warn("group exit: kill failed", "tid", th.Tid(), "err", err)
		}
	}
}

func (k *Kernel) exitProcess(p *process.Process, status abi.WaitStatus) {
	final, orphans, err := p.Exit(status)
	if err != nil {
		k.log.Error("process exit", "pid", p.Pid(), "err", err)
		return
	}
	p.Data().ReleaseNamespace()
	k.metrics.exits.Add(context.Background(), 1)
	k.log.Info("process exited", "pid", p.Pid(), "status", fmt.Sprintf("%#x", uint32(final)))

	k.reparent(orphans)
	if p == k.Init() {
		k.initExited(final)
		return
	}
	k.notifyParent(p, final)
}

// reparent hands orphans to init and tells init about those that are
// already zombies.
func (k *Kernel) reparent(orphans []*process.Process) {
	reaper := k.Init()
	if reaper == nil || len(orphans) == 0 {
		return
	}
	zombies := false
	for _, c := range orphans {
		if err := reaper.Adopt(c); err != nil {
			k.log.Debug("orphan not adopted", "pid", c.Pid(), "err", err)
			continue
		}
		if c.IsZombie() {
			zombies = true
		}
	}
	if zombies {
		reaper.Data().ChildExit().NotifyAll()
	}
}

// notifyParent sends the exit signal of p to its parent and wakes the
// parent's waiters. A parent that ignores SIGCHLD or asked for
// SA_NOCLDWAIT does not get a zombie; neither does a dead parent.
func (k *Kernel) notifyParent(p *process.Process, final abi.WaitStatus) {
	parent, err := k.tables.Process(p.PPID())
	if err != nil || parent.State() >= process.StateZombie {
		k.reap(p)
		return
	}

	autoReap := false
	if sig := p.ExitSignal(); sig != 0 {
		if sig == abi.SIGCHLD {
			act := parent.Data().Signals().Action(abi.SIGCHLD)
			autoReap = act.Kind == signal.KindIgnore || act.Flags&abi.SA_NOCLDWAIT != 0
		}
		info := signal.ChildInfo(sig, p.Pid(), 0, childStatus(final))
		if err := k.sendProcess(parent, info); err != nil {
			k.log.Warn("exit signal", "pid", p.Pid(), "parent", parent.Pid(), "err", err)
		}
	}
	if autoReap {
		k.reap(p)
	}
	parent.Data().ChildExit().NotifyAll()
}

// childStatus converts a wait status into the SIGCHLD payload.
func childStatus(ws abi.WaitStatus) signal.Status {
	if ws.Signaled() {
		return signal.Killed(ws.TermSignal(), ws.CoreDump())
	}
	return signal.ExitCode(ws.ExitStatus())
}

const waitOptions = abi.WNOHANG | abi.WUNTRACED | abi.WEXITED | abi.WCONTINUED |
	abi.WNOTHREAD | abi.WALL | abi.WCLONE

// Wait4 waits for a child selected by pid to exit, reaps it and returns
// its pid and wait status. pid > 0 selects that child, -1 any child, 0
// any child in the caller's process group and < -1 any child in group
// -pid. Children with an exit signal other than SIGCHLD match only with
// __WCLONE, and __WALL matches all. With WNOHANG a zero pid is returned
// while matching children are still running.
func (t *Task) Wait4(pid int32, options uint32) (int32, abi.WaitStatus, error) {
	if options&^waitOptions != 0 {
		return 0, 0, fmt.Errorf("kernel: wait4 options %#x: %w", options, abi.EINVAL)
	}
	q := t.proc.Data().ChildExit()
	for {
		w := q.Prepare()
		found, zombie := t.matchChild(pid, options)
		if zombie != nil {
			q.Cancel(w)
			if status, ok := t.k.reap(zombie); ok {
				return zombie.Pid(), status, nil
			}
			continue
		}
		if !found {
			q.Cancel(w)
			return 0, 0, fmt.Errorf("kernel: wait4 %d: %w", pid, abi.ECHILD)
		}
		if options&abi.WNOHANG != 0 {
			q.Cancel(w)
			return 0, 0, nil
		}
		if err := w.Sleep(t.k.ctx, t.st); err != nil {
			if errors.Is(err, sched.ErrInterrupted) {
				return 0, 0, abi.EINTR
			}
			return 0, 0, err
		}
	}
}

// matchChild reports whether any child is selected and returns the first
// selected zombie.
func (t *Task) matchChild(pid int32, options uint32) (bool, *process.Process) {
	found := false
	for _, c := range t.proc.Children() {
		if !t.selects(c, pid, options) {
			continue
		}
		found = true
		if c.IsZombie() {
			return true, c
		}
	}
	return found, nil
}

func (t *Task) selects(c *process.Process, pid int32, options uint32) bool {
	switch {
	case pid > 0:
		if c.Pid() != pid {
			return false
		}
	case pid == 0:
		if c.Group().ID() != t.proc.Group().ID() {
			return false
		}
	case pid < -1:
		if c.Group().ID() != -pid {
			return false
		}
	}
	if options&abi.WALL != 0 {
		return true
	}
	return c.IsCloneChild() == (options&abi.WCLONE != 0)
}

func sysExit(t *Task, tf arch.Context) (uint64, error) {
	t.exit(abi.ExitedStatus(int(tf.Arg(0))), false)
	return 0, nil
}

func sysExitGroup(t *Task, tf arch.Context) (uint64, error) {
	t.exit(abi.ExitedStatus(int(tf.Arg(0))), true)
	return 0, nil
}

func sysWait4(t *Task, tf arch.Context) (uint64, error) {
	pid, statusAddr, options := int32(tf.Arg(0)), tf.Arg(1), uint32(tf.Arg(2))
	cpid, status, err := t.Wait4(pid, options)
	if err != nil {
		return 0, err
	}
	if cpid != 0 && statusAddr != 0 {
		if err := t.Memory().WriteU32(statusAddr, uint32(status)); err != nil {
			return 0, err
		}
	}
	return uint64(cpid), nil
}
