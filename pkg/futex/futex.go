package futex

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"kproc/pkg/abi"
	"kproc/pkg/mm"
	"kproc/pkg/sched"
)

// Errors returned by Wait.
var (
	ErrWouldBlock = fmt.Errorf("futex: value changed: %w", abi.EAGAIN)
	ErrTimedOut   = fmt.Errorf("futex: wait timed out: %w", abi.ETIMEDOUT)
	ErrInterrupt  = fmt.Errorf("futex: wait interrupted: %w", abi.EINTR)
	ErrAlign      = fmt.Errorf("futex: unaligned address: %w", abi.EINVAL)
)

// Key identifies a futex word.
type Key struct {
	// Private keys use the address space id and virtual address.
	Space uint64
	Addr  uint64
	// Shared keys use the page frame.
	Frame mm.Frame
}

// KeyFor resolves the key of the word at addr.
func KeyFor(as *mm.AddressSpace, addr uint64, private bool) (Key, error) {
	if addr%4 != 0 {
		return Key{}, ErrAlign
	}
	if private {
		return Key{Space: as.ID(), Addr: addr}, nil
	}
	f, err := as.Translate(addr)
	if err != nil {
		return Key{}, err
	}
	return Key{Frame: f}, nil
}

// Table maps futex keys to wait queues.
type Table struct {
	mu     sync.Mutex
	queues map[Key]*sched.WaitQueue

	waits atomic.Int64
	wakes atomic.Int64
}

// Stats contains futex statistics.
type Stats struct {
	Queues int
	Waits  int64
	Woken  int64
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{queues: make(map[Key]*sched.WaitQueue)}
}

func (t *Table) queue(k Key, create bool) *sched.WaitQueue {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.queues[k]
	if !ok && create {
		q = &sched.WaitQueue{}
		t.queues[k] = q
	}
	return q
}

// Wait blocks task while the word at addr holds val, until a Wake on the
// same key, the timeout or an interrupt. A zero timeout waits forever.
// If the word does not hold val Wait returns ErrWouldBlock at once,
// without touching the table.
func (t *Table) Wait(ctx context.Context, task *sched.Task, as *mm.AddressSpace, addr uint64, val uint32, private bool, timeout time.Duration) error {
	k, err := KeyFor(as, addr, private)
	if err != nil {
		return err
	}
	if cur, err := as.ReadU32(addr); err != nil {
		return err
	} else if cur != val {
		return ErrWouldBlock
	}

	q := t.queue(k, true)
	w := q.Prepare()
	// The word may have changed, and its waker run, before Prepare.
	if cur, err := as.ReadU32(addr); err != nil || cur != val {
		q.Cancel(w)
		if err != nil {
			return err
		}
		return ErrWouldBlock
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	t.waits.Add(1)
	switch err := w.Sleep(ctx, task); {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimedOut
	case errors.Is(err, sched.ErrInterrupted):
		return ErrInterrupt
	default:
		return err
	}
}

// Wake wakes up to n waiters on the word at addr, or all of them when n
// is zero, and returns how many it woke.
func (t *Table) Wake(as *mm.AddressSpace, addr uint64, n int, private bool) (int, error) {
	k, err := KeyFor(as, addr, private)
	if err != nil {
		return 0, err
	}
	q := t.queue(k, false)
	if q == nil {
		return 0, nil
	}
	woken := q.NotifyN(n)
	t.wakes.Add(int64(woken))
	return woken, nil
}

// Waiters returns the number of tasks waiting on the word at addr.
func (t *Table) Waiters(as *mm.AddressSpace, addr uint64, private bool) int {
	k, err := KeyFor(as, addr, private)
	if err != nil {
		return 0
	}
	if q := t.queue(k, false); q != nil {
		return q.Len()
	}
	return 0
}

// Stats returns table statistics.
func (t *Table) Stats() Stats {
	t.mu.Lock()
	n := len(t.queues)
	t.mu.Unlock()
	return Stats{Queues: n, Waits: t.waits.Load(), Woken: t.wakes.Load()}
}
