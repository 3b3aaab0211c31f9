package sched

import (
	"context"
	"errors"
	"sync"
)

// ErrInterrupted is returned by Sleep when a signal interrupts the wait.
var ErrInterrupted = errors.New("sched: interrupted")

// WaitQueue is a FIFO of sleeping tasks.
type WaitQueue struct {
	mu      sync.Mutex
	waiters []*Waiter
}

// Waiter is one registration on a WaitQueue.
type Waiter struct {
	q     *WaitQueue
	ch    chan struct{}
	woken bool
}

// Prepare registers a waiter. The caller checks its condition afterwards
// and then either calls Sleep or Cancel.
func (q *WaitQueue) Prepare() *Waiter {
	w := &Waiter{q: q, ch: make(chan struct{})}
	q.mu.Lock()
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()
	return w
}

// Cancel removes w from the queue. It reports whether w had already been
// woken.
func (q *WaitQueue) Cancel(w *Waiter) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if w.woken {
		return true
	}
	for i, x := range q.waiters {
		if x == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			break
		}
	}
	return false
}

// Sleep blocks until w is woken, ctx is done or t is interrupted. A nil t
// is never interrupted. On an early return w is cancelled, unless it was
// woken at the same time, in which case Sleep reports success.
func (w *Waiter) Sleep(ctx context.Context, t *Task) error {
	var intr chan struct{}
	if t != nil {
		intr = t.interrupt
		if t.interrupted() {
			return w.abort(ErrInterrupted)
		}
		t.state.CompareAndSwap(int32(TaskRunning), int32(TaskBlocked))
		defer t.state.CompareAndSwap(int32(TaskBlocked), int32(TaskRunning))
		t.sched.blocks.Add(1)
	}
	for {
		select {
		case <-w.ch:
			return nil
		case <-ctx.Done():
			return w.abort(ctx.Err())
		case <-intr:
			if t.interrupted() {
				return w.abort(ErrInterrupted)
			}
		}
	}
}

func (w *Waiter) abort(err error) error {
	if w.q.Cancel(w) {
		return nil
	}
	return err
}

// NotifyN wakes up to n waiters in FIFO order and returns how many it woke.
// n <= 0 wakes everyone.
func (q *WaitQueue) NotifyN(n int) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n <= 0 || n > len(q.waiters) {
		n = len(q.waiters)
	}
	for _, w := range q.waiters[:n] {
		w.woken = true
		close(w.ch)
	}
	q.waiters = append(q.waiters[:0], q.waiters[n:]...)
	return n
}

func (q *WaitQueue) NotifyOne() bool { return q.NotifyN(1) == 1 }
func (q *WaitQueue) NotifyAll() int  { return q.NotifyN(0) }

// Len returns the number of registered waiters.
func (q *WaitQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}

// WaitUntil sleeps on q until cond holds. cond is evaluated without q's
// lock held, after registering, so a NotifyAll issued after the state
// change cond observes is never missed.
func (q *WaitQueue) WaitUntil(ctx context.Context, t *Task, cond func() bool) error {
	for {
		w := q.Prepare()
		if cond() {
			q.Cancel(w)
			return nil
		}
		if err := w.Sleep(ctx, t); err != nil {
			return err
		}
	}
}
