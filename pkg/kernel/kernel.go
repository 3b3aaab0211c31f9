package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"kproc/pkg/abi"
	"kproc/pkg/arch"
	"kproc/pkg/futex"
	"kproc/pkg/mm"
	"kproc/pkg/process"
	"kproc/pkg/sched"
	"kproc/pkg/signal"
	"kproc/pkg/vfs"
)

// InitPid is the pid of the first process.
const InitPid = 1

var (
	ErrStarted    = errors.New("kernel: init already started")
	ErrNotStarted = errors.New("kernel: init not started")
)

// Kernel is one instance of the process and signal core.
type Kernel struct {
	cfg     *Config
	log     *slog.Logger
	fs      vfs.FileSystem
	user    Userland
	sched   *sched.Scheduler
	tables  *process.Tables
	futexes *futex.Table
	kmaps   *mm.KernelMappings
	metrics *metrics

	// ctx bounds every blocking wait; Shutdown cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	initProc   *process.Process
	initStatus abi.WaitStatus
	initDone   chan struct{}
}

// New creates a kernel whose programs are read from fs and whose user
// mode is simulated by user. A nil cfg uses DefaultConfig.
func New(cfg *Config, fs vfs.FileSystem, user Userland) *Kernel {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Kernel{
		cfg:      cfg,
		log:      cfg.Logger,
		fs:       fs,
		user:     user,
		sched:    sched.New(),
		tables:   process.NewTables(cfg.Limits),
		futexes:  futex.NewTable(),
		kmaps:    mm.NewKernelMappings(),
		metrics:  newMetrics(cfg.Meter),
		ctx:      ctx,
		cancel:   cancel,
		initDone: make(chan struct{}),
	}
}

func (k *Kernel) Config() *Config                    { return k.cfg }
func (k *Kernel) FS() vfs.FileSystem                 { return k.fs }
func (k *Kernel) Tables() *process.Tables            { return k.tables }
func (k *Kernel) Scheduler() *sched.Scheduler        { return k.sched }
func (k *Kernel) Futexes() *futex.Table              { return k.futexes }
func (k *Kernel) KernelMappings() *mm.KernelMappings { return k.kmaps }

// Init returns the init process, nil before Start.
func (k *Kernel) Init() *process.Process {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.initProc
}

// Start loads the program at path and runs it as the init process.
func (k *Kernel) Start(path string, argv, envp []string) (*process.Process, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.initProc != nil {
		return nil, ErrStarted
	}

	cwd := k.cfg.Cwd
	if pwd, ok := lookupEnv(envp, "PWD"); ok && vfs.IsAbs(pwd) {
		cwd = vfs.Clean(pwd)
	}
	target, image, argv, err := k.resolveImage(vfs.Abs(path, cwd), argv)
	if err != nil {
		return nil, err
	}

	space := mm.NewAddressSpace(k.kmaps)
	img, err := k.cfg.Loader.Load(space, image, argv, envp)
	if err != nil {
		space.Release()
		return nil, fmt.Errorf("kernel: load %s: %w", target, err)
	}

	st, err := k.sched.NewTask("init", arch.New(img.Entry, img.SP, img.TP))
	if err != nil {
		space.Release()
		return nil, fmt.Errorf("kernel: init task: %w", err)
	}
	pid := st.ID()
	if pid != InitPid {
		k.sched.Discard(st)
		space.Release()
		return nil, fmt.Errorf("kernel: init got pid %d: %w", pid, abi.EAGAIN)
	}

	ns := process.NewNamespace(k.cfg.MaxFiles, cwd)
	data := process.NewProcessData(target, space, ns, signal.NewContext())
	p := process.NewProcess(pid, 0, 0, data)
	leader := process.NewThread(pid, p, process.NewThreadData())
	if err := k.tables.RegisterProcess(p, leader, process.NewProcessGroup(pid)); err != nil {
		k.sched.Discard(st)
		data.ReleaseNamespace()
		space.Release()
		return nil, err
	}

	k.initProc = p
	t := k.newTask(st, leader)
	if err := k.sched.Start(st, t.run); err != nil {
		return nil, err
	}
	k.log.Info("init started", "pid", pid, "exe", target, "entry", fmt.Sprintf("%#x", img.Entry))
	return p, nil
}

// Wait blocks until init exits and returns its wait status.
func (k *Kernel) Wait(ctx context.Context) (abi.WaitStatus, error) {
	if k.Init() == nil {
		return 0, ErrNotStarted
	}
	select {
	case <-k.initDone:
		k.mu.Lock()
		defer k.mu.Unlock()
		return k.initStatus, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Shutdown kills every remaining process and waits for all tasks to
// finish. If ctx ends first, blocked tasks are woken with an error and
// Shutdown returns the context's error.
func (k *Kernel) Shutdown(ctx context.Context) error {
	for _, p := range k.tables.Processes() {
		if err := k.sendProcess(p, signal.KernelInfo(abi.SIGKILL)); err != nil {
			k.log.Warn("shutdown: kill failed", "pid", p.Pid(), "err", err)
		}
	}
	done := make(chan struct{})
	go func() {
		k.sched.Wait()
		close(done)
	}()
	select {
	case <-done:
		k.cancel()
		return nil
	case <-ctx.Done():
		k.cancel()
		return ctx.Err()
	}
}

func (k *Kernel) initExited(status abi.WaitStatus) {
	k.mu.Lock()
	defer k.mu.Unlock()
	select {
	case <-k.initDone:
		return
	default:
	}
	k.initStatus = status
	close(k.initDone)
	k.log.Info("init exited", "status", fmt.Sprintf("%#x", uint32(status)))
}

func (k *Kernel) newTask(st *sched.Task, th *process.Thread) *Task {
	t := &Task{k: k, st: st, thread: th, proc: th.Process()}
	st.SetInterruptCheck(t.signalPending)
	return t
}

// interrupt wakes the task with id tid if it sleeps.
func (k *Kernel) interrupt(tid int32) {
	if st, ok := k.sched.Lookup(tid); ok {
		st.Interrupt()
	}
}

// reap collects a zombie and frees its pid. It reports false if someone
// else reaped c first.
func (k *Kernel) reap(c *process.Process) (abi.WaitStatus, bool) {
	if err := c.Reap(); err != nil {
		return 0, false
	}
	status, _ := c.ExitStatus()
	k.tables.RemoveProcess(c)
	k.sched.ReleaseID(c.Pid())
	k.log.Debug("reaped", "pid", c.Pid())
	return status, true
}

func lookupEnv(envp []string, key string) (string, bool) {
	for _, kv := range envp {
		if len(kv) > len(key) && kv[len(key)] == '=' && kv[:len(key)] == key {
			return kv[len(key)+1:], true
		}
	}
	return "", false
}
