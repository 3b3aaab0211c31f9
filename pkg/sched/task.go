package sched

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"kproc/pkg/arch"
)

// TaskState is the scheduling state of a Task.
type TaskState int32

const (
	TaskCreated TaskState = iota
	TaskRunning
	TaskBlocked
	TaskExited
)

func (s TaskState) String() string {
	switch s {
	case TaskCreated:
		return "created"
	case TaskRunning:
		return "running"
	case TaskBlocked:
		return "blocked"
	case TaskExited:
		return "exited"
	}
	return "unknown"
}

// Task is a schedulable kernel task.
type Task struct {
	// id is the task id, which is also the user-visible tid.
	id   int32
	name string

	sched *Scheduler

	// mu protects frame and scratch.
	mu    sync.Mutex
	frame arch.Context
	// scratch is the save slot of the trap frame currently in use.
	scratch uintptr

	state    atomic.Int32
	exitCode atomic.Int32

	// interrupt is poked when a signal may have become deliverable.
	interrupt chan struct{}
	// interruptible reports whether a wakeup on interrupt is real.
	interruptible func() bool

	done chan struct{}
}

func (t *Task) ID() int32        { return t.id }
func (t *Task) Name() string     { return t.name }
func (t *Task) State() TaskState { return TaskState(t.state.Load()) }

// Frame returns the task's trap frame. It is only modified by the task
// itself, or before the task starts.
func (t *Task) Frame() arch.Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frame
}

// SetFrame replaces the trap frame.
func (t *Task) SetFrame(c arch.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frame = c
}

// KernelStackTop returns the address that identifies the task's current
// trap-frame save slot.
func (t *Task) KernelStackTop() uintptr {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.scratch
}

// SwapScratch installs a new trap-frame save slot and returns the old one.
func (t *Task) SwapScratch(v uintptr) uintptr {
	t.mu.Lock()
	defer t.mu.Unlock()
	old := t.scratch
	t.scratch = v
	return old
}

// SetInterruptCheck sets the predicate that decides whether an interrupt
// should end a Sleep.
func (t *Task) SetInterruptCheck(fn func() bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.interruptible = fn
}

// Interrupt wakes the task if it is sleeping.
func (t *Task) Interrupt() {
	select {
	case t.interrupt <- struct{}{}:
	default:
	}
}

func (t *Task) interrupted() bool {
	t.mu.Lock()
	fn := t.interruptible
	t.mu.Unlock()
	return fn != nil && fn()
}

// Exit retires the calling task with code. It must be called on the task's
// own goroutine and does not return.
func (t *Task) Exit(code int) {
	t.exitCode.Store(int32(code))
	runtime.Goexit()
}

// Done is closed once the task's goroutine has finished.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Join waits for the task to finish and returns its exit code.
func (t *Task) Join(ctx context.Context) (int, error) {
	select {
	case <-t.done:
		return int(t.exitCode.Load()), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
