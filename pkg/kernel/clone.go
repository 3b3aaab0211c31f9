package kernel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"kproc/pkg/abi"
	"kproc/pkg/arch"
	"kproc/pkg/mm"
	"kproc/pkg/process"
	"kproc/pkg/signal"
)

// validateClone rejects contradictory flag sets before anything is
// allocated.
func validateClone(flags abi.CloneFlags, caller *process.Process) error {
	sig := flags.ExitSignal()
	switch {
	case sig != 0 && flags.Has(abi.CLONE_THREAD|abi.CLONE_PARENT):
		return fmt.Errorf("kernel: clone %v with exit signal %d: %w", flags, int(sig), abi.EINVAL)
	case flags.Has(abi.CLONE_THREAD) && !flags.Has(abi.CLONE_VM|abi.CLONE_SIGHAND):
		return fmt.Errorf("kernel: clone %v: thread without shared memory and handlers: %w", flags, abi.EINVAL)
	case flags.Has(abi.CLONE_SIGHAND) && !flags.Has(abi.CLONE_VM):
		return fmt.Errorf("kernel: clone %v: shared handlers without shared memory: %w", flags, abi.EINVAL)
	case sig != 0 && !sig.Valid():
		return fmt.Errorf("kernel: clone exit signal %d: %w", int(sig), abi.EINVAL)
	case flags.Has(abi.CLONE_PARENT) && caller.PPID() == 0:
		return fmt.Errorf("kernel: clone: CLONE_PARENT from init: %w", abi.EINVAL)
	}
	return nil
}

// Clone creates a thread or a process from the calling task as clone(2)
// does and returns its id. The child resumes from a copy of the caller's
// trap frame with a zero return value. Nothing is registered unless the
// whole construction succeeds.
func (t *Task) Clone(args arch.CloneArgs) (int32, error) {
	k := t.k
	flags := abi.CloneFlags(args.Flags)
	if err := validateClone(flags, t.proc); err != nil {
		return 0, err
	}

	frame := t.st.Frame().Clone()
	if frame.UserMode() {
		frame.SetReturn(0)
	}
	if args.Stack != 0 {
		frame.SetSP(args.Stack)
	}
	if flags.Has(abi.CLONE_SETTLS) {
		frame.SetTP(args.TLS)
	}

	st, err := k.sched.NewTask(t.st.Name(), frame)
	if err != nil {
		return 0, fmt.Errorf("kernel: clone: %v: %w", err, abi.EAGAIN)
	}
	tid := st.ID()
	started := false
	defer func() {
		if !started {
			k.sched.Discard(st)
		}
	}()

	if flags.Has(abi.CLONE_PARENT_SETTID) {
		if err := t.Memory().WriteU32(args.ParentTID, uint32(tid)); err != nil {
			return 0, err
		}
	}

	space, err := t.cloneSpace(flags)
	if err != nil {
		return 0, err
	}

	var (
		th   *process.Thread
		data *process.ProcessData
	)
	if flags.Has(abi.CLONE_THREAD) {
		th = process.NewThread(tid, t.proc, process.NewThreadData())
	} else {
		parent := t.proc.Data()
		ns := parent.Namespace().Clone(flags.Has(abi.CLONE_FILES), flags.Has(abi.CLONE_FS))
		sigs := parent.Signals()
		if !flags.Has(abi.CLONE_SIGHAND) {
			sigs = signal.NewContext()
		}
		ppid := t.Pid()
		if flags.Has(abi.CLONE_PARENT) {
			ppid = t.proc.PPID()
		}
		data = process.NewProcessData(parent.Exe(), space, ns, sigs)
		p := process.NewProcess(tid, ppid, flags.ExitSignal(), data)
		th = process.NewThread(tid, p, process.NewThreadData())
	}
	release := func() {
		if data != nil {
			data.ReleaseNamespace()
		}
		space.Release()
	}

	if flags.Has(abi.CLONE_CHILD_SETTID) {
		if err := space.WriteU32(args.ChildTID, uint32(tid)); err != nil {
			release()
			return 0, err
		}
	}
	if flags.Has(abi.CLONE_CHILD_CLEARTID) {
		th.Data().SetClearChildTID(args.ChildTID)
	}

	if flags.Has(abi.CLONE_THREAD) {
		err = k.tables.RegisterThread(th)
	} else {
		err = k.tables.RegisterProcess(th.Process(), th, process.NewProcessGroup(t.proc.Group().ID()))
	}
	if err != nil {
		release()
		return 0, fmt.Errorf("kernel: clone: %w", err)
	}

	child := k.newTask(st, th)
	if err := k.sched.Start(st, child.run); err != nil {
		return 0, err
	}
	started = true

	kind := "process"
	if flags.Has(abi.CLONE_THREAD) {
		kind = "thread"
	}
	k.metrics.clones.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", kind)))
	k.log.Debug("clone", "pid", t.Pid(), "tid", t.Tid(), "child", tid, "flags", flags)
	return tid, nil
}

// cloneSpace returns the address space of the child with one owner
// reference held for it.
func (t *Task) cloneSpace(flags abi.CloneFlags) (*mm.AddressSpace, error) {
	as := t.Memory()
	if flags.Has(abi.CLONE_VM) {
		return as.Acquire(), nil
	}
	c, err := as.CloneCOW()
	if err != nil {
		return nil, fmt.Errorf("kernel: clone address space: %v: %w", err, abi.ENOMEM)
	}
	c.AttachKernel(t.k.kmaps)
	return c, nil
}

func sysClone(t *Task, tf arch.Context) (uint64, error) {
	tid, err := t.Clone(arch.ReadCloneArgs(tf))
	return uint64(tid), err
}
