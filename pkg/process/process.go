package process

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"kproc/pkg/abi"
	"kproc/pkg/mm"
	"kproc/pkg/sched"
	"kproc/pkg/signal"
	"kproc/pkg/vfs"
)

// Lookup and registration errors.
var (
	ErrNotFound = fmt.Errorf("process: no such process: %w", abi.ESRCH)
	ErrExists   = errors.New("process: id already registered")
	ErrExiting  = fmt.Errorf("process: thread group is exiting: %w", abi.EAGAIN)
	ErrReaped   = fmt.Errorf("process: already reaped: %w", abi.ESRCH)
)

// Namespace is the per-process resource namespace: open files and the
// working directory. Each part is shared or copied on clone
// independently.
type Namespace struct {
	Files *vfs.FileTable
	Cwd   *vfs.Cwd
}

// NewNamespace returns an empty namespace rooted at cwd.
func NewNamespace(maxFiles int, cwd string) *Namespace {
	return &Namespace{
		Files: vfs.NewFileTable(maxFiles),
		Cwd:   vfs.NewCwd(cwd),
	}
}

// Clone returns the namespace of a new process. shareFiles and shareFS
// correspond to CLONE_FILES and CLONE_FS.
func (n *Namespace) Clone(shareFiles, shareFS bool) *Namespace {
	c := &Namespace{Files: n.Files, Cwd: n.Cwd}
	if shareFiles {
		n.Files.Share()
	} else {
		c.Files = n.Files.Copy()
	}
	if !shareFS {
		c.Cwd = n.Cwd.Copy()
	}
	return c
}

// ProcessData is the resource record exclusively owned by a Process.
type ProcessData struct {
	// space is shared with every thread and with children cloned with
	// CLONE_VM. Each thread holds one owner reference.
	space   *mm.AddressSpace
	ns      *Namespace
	signals *signal.Context

	childExit sched.WaitQueue

	mu       sync.Mutex
	exe      string
	released bool
}

// NewProcessData assembles the record of a new process.
func NewProcessData(exe string, space *mm.AddressSpace, ns *Namespace, signals *signal.Context) *ProcessData {
	return &ProcessData{
		space:   space,
		ns:      ns,
		signals: signals,
		exe:     exe,
	}
}

func (d *ProcessData) Space() *mm.AddressSpace     { return d.space }
func (d *ProcessData) Namespace() *Namespace       { return d.ns }
func (d *ProcessData) Signals() *signal.Context    { return d.signals }
func (d *ProcessData) ChildExit() *sched.WaitQueue { return &d.childExit }

// Exe returns the path of the running executable.
func (d *ProcessData) Exe() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exe
}

func (d *ProcessData) SetExe(path string) {
	d.mu.Lock()
	d.exe = path
	d.mu.Unlock()
}

// ReleaseNamespace drops the process's use of its file table. It is
// safe to call more than once.
func (d *ProcessData) ReleaseNamespace() {
	d.mu.Lock()
	done := d.released
	d.released = true
	d.mu.Unlock()
	if !done {
		d.ns.Files.Release()
	}
}

// Process is a thread group.
type Process struct {
	pid        int32
	exitSignal abi.Signal
	data       *ProcessData

	mu sync.Mutex
	// ppid is a weak link resolved through Tables.
	ppid     int32
	group    *ProcessGroup
	threads  map[int32]*Thread
	live     int
	children map[int32]*Process
	state    State
	// status is the wait status once the process is a zombie, or the
	// group exit status while StateGroupExiting.
	status abi.WaitStatus
}

// NewProcess builds an unregistered process. exitSignal is sent to the
// parent on death; zero sends nothing.
func NewProcess(pid, ppid int32, exitSignal abi.Signal, data *ProcessData) *Process {
	return &Process{
		pid:        pid,
		ppid:       ppid,
		exitSignal: exitSignal,
		data:       data,
		threads:    make(map[int32]*Thread),
		children:   make(map[int32]*Process),
	}
}

func (p *Process) Pid() int32             { return p.pid }
func (p *Process) Data() *ProcessData     { return p.data }
func (p *Process) ExitSignal() abi.Signal { return p.exitSignal }

// IsCloneChild reports whether the parent is told about this process's
// death with something other than SIGCHLD. wait4 matches such children
// only with __WCLONE or __WALL.
func (p *Process) IsCloneChild() bool {
	return p.exitSignal != abi.SIGCHLD
}

// PPID returns the parent's pid, zero for the init process.
func (p *Process) PPID() int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ppid
}

// Group returns the process group.
func (p *Process) Group() *ProcessGroup {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.group
}

// Threads returns the member threads in tid order.
func (p *Process) Threads() []*Thread {
	p.mu.Lock()
	defer p.mu.Unlock()
	ts := make([]*Thread, 0, len(p.threads))
	for _, t := range p.threads {
		ts = append(ts, t)
	}
	slices.SortFunc(ts, func(a, b *Thread) int { return int(a.tid - b.tid) })
	return ts
}

// Leader returns the initial thread, nil once it has been removed.
func (p *Process) Leader() *Thread {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.threads[p.pid]
}

// LiveThreads returns the number of threads that have not exited.
func (p *Process) LiveThreads() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}

// Children returns the child processes in pid order.
func (p *Process) Children() []*Process {
	p.mu.Lock()
	defer p.mu.Unlock()
	cs := make([]*Process, 0, len(p.children))
	for _, c := range p.children {
		cs = append(cs, c)
	}
	slices.SortFunc(cs, func(a, b *Process) int { return int(a.pid - b.pid) })
	return cs
}

func (p *Process) addThread(t *Thread) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateRunning {
		return ErrExiting
	}
	if _, ok := p.threads[t.tid]; ok {
		return ErrExists
	}
	p.threads[t.tid] = t
	p.live++
	return nil
}

// ThreadExit marks t exited and reports whether it was the last live
// thread of the process.
func (p *Process) ThreadExit(t *Thread) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t.exited.CompareAndSwap(false, true) {
		p.live--
	}
	return p.live == 0
}

// DetachThread removes an exited thread from the process. The leader
// stays until the process is reaped, since its tid is the pid.
func (p *Process) DetachThread(t *Thread) {
	if t.tid == p.pid {
		return
	}
	p.mu.Lock()
	delete(p.threads, t.tid)
	p.mu.Unlock()
}

// addChild links c as a child. Zombies take no new children.
func (p *Process) addChild(c *Process) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateZombie || p.state == StateReaped {
		return ErrExiting
	}
	p.children[c.pid] = c
	return nil
}

func (p *Process) removeChild(pid int32) {
	p.mu.Lock()
	delete(p.children, pid)
	p.mu.Unlock()
}

// Adopt makes p the parent of c. A child that was reaped while it was
// being orphaned is left alone.
func (p *Process) Adopt(c *Process) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateZombie || p.state == StateReaped {
		return ErrExiting
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateReaped {
		return ErrReaped
	}
	p.children[c.pid] = c
	c.ppid = p.pid
	return nil
}

// BeginGroupExit records the status every thread of the group exits
// with. It reports false if the process was already exiting, in which
// case the earlier status stands.
func (p *Process) BeginGroupExit(status abi.WaitStatus) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.transitionLocked(StateGroupExiting) != nil {
		return false
	}
	p.status = status
	return true
}

// GroupExitStatus returns the status recorded by BeginGroupExit.
func (p *Process) GroupExitStatus() (abi.WaitStatus, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateGroupExiting {
		return 0, false
	}
	return p.status, true
}

// Exit turns the process into a zombie. A pending group exit status
// takes precedence over status. Exit returns the final status and the
// children, which no longer belong to p and must be adopted elsewhere.
func (p *Process) Exit(status abi.WaitStatus) (abi.WaitStatus, []*Process, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateGroupExiting {
		status = p.status
	}
	if err := p.transitionLocked(StateZombie); err != nil {
		return 0, nil, err
	}
	p.status = status

	orphans := make([]*Process, 0, len(p.children))
	for _, c := range p.children {
		orphans = append(orphans, c)
	}
	slices.SortFunc(orphans, func(a, b *Process) int { return int(a.pid - b.pid) })
	clear(p.children)
	return status, orphans, nil
}

// ExitStatus returns the wait status of a zombie.
func (p *Process) ExitStatus() (abi.WaitStatus, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateZombie && p.state != StateReaped {
		return 0, false
	}
	return p.status, true
}

// Reap marks a zombie collected. Only one caller succeeds.
func (p *Process) Reap() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transitionLocked(StateReaped)
}

func (p *Process) String() string {
	return fmt.Sprintf("process %d", p.pid)
}
