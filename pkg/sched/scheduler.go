package sched

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	"kproc/pkg/arch"
)

// Scheduler errors.
var (
	ErrTaskStarted = errors.New("sched: task already started")
	ErrNotOwner    = errors.New("sched: task belongs to another scheduler")
)

// scratchBase is where synthetic kernel stack addresses start.
const scratchBase = 0xffff_ffc0_0000_0000

// kernelStackSize spaces the synthetic kernel stacks apart.
const kernelStackSize = 0x10000

// Scheduler owns the set of live tasks.
type Scheduler struct {
	ids *IDAllocator

	mu    sync.Mutex
	tasks map[int32]*Task
	wg    sync.WaitGroup

	spawned atomic.Int64
	exited  atomic.Int64
	yields  atomic.Int64
	blocks  atomic.Int64
}

// Stats contains scheduler statistics.
type Stats struct {
	Spawned int64
	Exited  int64
	Live    int
	Yields  int64
	Blocks  int64
}

// New creates a scheduler.
func New() *Scheduler {
	return &Scheduler{
		ids:   NewIDAllocator(),
		tasks: make(map[int32]*Task),
	}
}

// NewTask creates a task seeded with frame and allocates its id. The task
// does not run until Start.
func (s *Scheduler) NewTask(name string, frame arch.Context) (*Task, error) {
	id, err := s.ids.Alloc()
	if err != nil {
		return nil, err
	}
	t := &Task{
		id:        id,
		name:      name,
		sched:     s,
		frame:     frame,
		scratch:   uintptr(scratchBase + uint64(id)*kernelStackSize),
		interrupt: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	return t, nil
}

// Start runs entry on a new goroutine on behalf of t.
func (s *Scheduler) Start(t *Task, entry func(*Task)) error {
	if t.sched != s {
		return ErrNotOwner
	}
	if !t.state.CompareAndSwap(int32(TaskCreated), int32(TaskRunning)) {
		return ErrTaskStarted
	}

	s.mu.Lock()
	s.tasks[t.id] = t
	s.mu.Unlock()
	s.spawned.Add(1)
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		defer close(t.done)
		defer func() {
			t.state.Store(int32(TaskExited))
			s.exited.Add(1)
			s.mu.Lock()
			// The id may already belong to a newer task.
			if s.tasks[t.id] == t {
				delete(s.tasks, t.id)
			}
			s.mu.Unlock()
		}()
		entry(t)
	}()
	return nil
}

// Discard gives back the id of a task that was never started.
func (s *Scheduler) Discard(t *Task) {
	if t.state.CompareAndSwap(int32(TaskCreated), int32(TaskExited)) {
		close(t.done)
		s.ids.Release(t.id)
	}
}

// ReleaseID frees the id of a finished task once nothing refers to it.
func (s *Scheduler) ReleaseID(id int32) {
	s.ids.Release(id)
}

// Lookup returns the running task with id.
func (s *Scheduler) Lookup(id int32) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	return t, ok
}

// Yield gives up the processor.
func (s *Scheduler) Yield() {
	s.yields.Add(1)
	runtime.Gosched()
}

// Wait blocks until every started task has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Stats returns scheduler statistics.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	live := len(s.tasks)
	s.mu.Unlock()
	return Stats{
		Spawned: s.spawned.Load(),
		Exited:  s.exited.Load(),
		Live:    live,
		Yields:  s.yields.Load(),
		Blocks:  s.blocks.Load(),
	}
}
