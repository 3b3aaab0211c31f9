package process

import (
	"fmt"
	"sync"

	"github.com/google/btree"
)

// btreeDegree is the fan-out of the identity trees.
const btreeDegree = 16

type entry[T any] struct {
	id  int32
	val T
}

// registry is an ordered id map with its own lock.
type registry[T any] struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[entry[T]]
}

func newRegistry[T any]() *registry[T] {
	return &registry[T]{
		tree: btree.NewG[entry[T]](btreeDegree, func(a, b entry[T]) bool { return a.id < b.id }),
	}
}

func (r *registry[T]) get(id int32) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tree.Get(entry[T]{id: id})
	return e.val, ok
}

// insert adds val under id unless id is taken.
func (r *registry[T]) insert(id int32, val T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tree.Has(entry[T]{id: id}) {
		return false
	}
	r.tree.ReplaceOrInsert(entry[T]{id: id, val: val})
	return true
}

func (r *registry[T]) remove(id int32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tree.Delete(entry[T]{id: id})
	return ok
}

func (r *registry[T]) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tree.Len()
}

// snapshot returns the values in id order.
func (r *registry[T]) snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	vals := make([]T, 0, r.tree.Len())
	r.tree.Ascend(func(e entry[T]) bool {
		vals = append(vals, e.val)
		return true
	})
	return vals
}

// Tables are the global identity registries: pid to Process, tid to
// Thread and pgid to ProcessGroup. Lookups are O(log n).
type Tables struct {
	limits *Limits

	procs   *registry[*Process]
	threads *registry[*Thread]
	groups  *registry[*ProcessGroup]

	// regMu serializes registration and removal so that a process, its
	// leader and its group appear and disappear together.
	regMu sync.Mutex
}

// NewTables returns empty tables. A nil limits uses DefaultLimits.
func NewTables(limits *Limits) *Tables {
	if limits == nil {
		limits = DefaultLimits()
	}
	return &Tables{
		limits:  limits,
		procs:   newRegistry[*Process](),
		threads: newRegistry[*Thread](),
		groups:  newRegistry[*ProcessGroup](),
	}
}

// Process returns the process with pid.
func (tb *Tables) Process(pid int32) (*Process, error) {
	if p, ok := tb.procs.get(pid); ok {
		return p, nil
	}
	return nil, fmt.Errorf("%w: pid %d", ErrNotFound, pid)
}

// Thread returns the thread with tid.
func (tb *Tables) Thread(tid int32) (*Thread, error) {
	if t, ok := tb.threads.get(tid); ok {
		return t, nil
	}
	return nil, fmt.Errorf("%w: tid %d", ErrNotFound, tid)
}

// Group returns the process group with pgid.
func (tb *Tables) Group(pgid int32) (*ProcessGroup, error) {
	if g, ok := tb.groups.get(pgid); ok {
		return g, nil
	}
	return nil, fmt.Errorf("%w: pgid %d", ErrNotFound, pgid)
}

// Processes returns every registered process in pid order.
func (tb *Tables) Processes() []*Process {
	return tb.procs.snapshot()
}

// Counts returns the number of registered processes, threads and groups.
func (tb *Tables) Counts() (procs, threads, groups int) {
	return tb.procs.len(), tb.threads.len(), tb.groups.len()
}

// RegisterProcess inserts a freshly built process with its leader thread
// and links it to its parent and to g, which is registered too if it is
// new. On error nothing is left registered.
func (tb *Tables) RegisterProcess(p *Process, leader *Thread, g *ProcessGroup) error {
	tb.regMu.Lock()
	defer tb.regMu.Unlock()

	if err := tb.limits.check(ResourceProcesses, tb.limits.MaxProcesses, tb.procs.len()); err != nil {
		return err
	}
	if leader.tid != p.pid || leader.proc != p {
		return fmt.Errorf("%w: leader %d of pid %d", ErrExists, leader.tid, p.pid)
	}
	if _, ok := tb.procs.get(p.pid); ok {
		return fmt.Errorf("%w: pid %d", ErrExists, p.pid)
	}
	if _, ok := tb.threads.get(leader.tid); ok {
		return fmt.Errorf("%w: tid %d", ErrExists, leader.tid)
	}

	var parent *Process
	if ppid := p.PPID(); ppid != 0 {
		var ok bool
		if parent, ok = tb.procs.get(ppid); !ok {
			return fmt.Errorf("%w: parent %d", ErrNotFound, ppid)
		}
		if err := parent.addChild(p); err != nil {
			return err
		}
	}
	if err := p.addThread(leader); err != nil {
		if parent != nil {
			parent.removeChild(p.pid)
		}
		return err
	}

	tb.procs.insert(p.pid, p)
	tb.threads.insert(leader.tid, leader)
	if existing, ok := tb.groups.get(g.pgid); ok {
		g = existing
	} else {
		tb.groups.insert(g.pgid, g)
	}
	g.add(p)
	p.mu.Lock()
	p.group = g
	p.mu.Unlock()
	return nil
}

// RegisterThread inserts a new thread into its existing process.
func (tb *Tables) RegisterThread(t *Thread) error {
	tb.regMu.Lock()
	defer tb.regMu.Unlock()

	p := t.proc
	if err := tb.limits.check(ResourceThreads, tb.limits.MaxThreads, p.LiveThreads()); err != nil {
		return err
	}
	if _, ok := tb.threads.get(t.tid); ok {
		return fmt.Errorf("%w: tid %d", ErrExists, t.tid)
	}
	if _, ok := tb.procs.get(p.pid); !ok {
		return fmt.Errorf("%w: pid %d", ErrNotFound, p.pid)
	}
	if err := p.addThread(t); err != nil {
		return err
	}
	tb.threads.insert(t.tid, t)
	return nil
}

// RemoveThread drops an exited thread from the thread table. The leader
// stays registered until its process is removed.
func (tb *Tables) RemoveThread(t *Thread) {
	if t.IsLeader() {
		return
	}
	tb.regMu.Lock()
	defer tb.regMu.Unlock()
	t.proc.DetachThread(t)
	tb.threads.remove(t.tid)
}

// RemoveProcess unregisters a reaped process, its remaining threads and,
// if it was the last member, its group. It unlinks p from its parent.
func (tb *Tables) RemoveProcess(p *Process) {
	tb.regMu.Lock()
	defer tb.regMu.Unlock()

	if !tb.procs.remove(p.pid) {
		return
	}
	for _, t := range p.Threads() {
		tb.threads.remove(t.tid)
	}
	if g := p.Group(); g != nil && g.remove(p) {
		tb.groups.remove(g.pgid)
	}
	if parent, ok := tb.procs.get(p.PPID()); ok {
		parent.removeChild(p.pid)
	}
}

// SetGroup moves p into the group pgid, creating the group when it does
// not exist yet.
func (tb *Tables) SetGroup(p *Process, pgid int32) error {
	tb.regMu.Lock()
	defer tb.regMu.Unlock()

	if _, ok := tb.procs.get(p.pid); !ok {
		return fmt.Errorf("%w: pid %d", ErrNotFound, p.pid)
	}
	old := p.Group()
	if old != nil && old.pgid == pgid {
		return nil
	}
	g, ok := tb.groups.get(pgid)
	if !ok {
		g = NewProcessGroup(pgid)
		tb.groups.insert(pgid, g)
	}
	g.add(p)
	p.mu.Lock()
	p.group = g
	p.mu.Unlock()
	if old != nil && old.remove(p) {
		tb.groups.remove(old.pgid)
	}
	return nil
}
