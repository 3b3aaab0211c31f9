package kernel

import (
	"context"
	"time"

	"kproc/pkg/abi"
	"kproc/pkg/arch"
	"kproc/pkg/mm"
)

// futexWake wakes up to n waiters on addr and counts them.
func (k *Kernel) futexWake(as *mm.AddressSpace, addr uint64, n int, private bool) (int, error) {
	woken, err := k.futexes.Wake(as, addr, n, private)
	if woken > 0 {
		k.metrics.futexWakes.Add(context.Background(), int64(woken))
	}
	return woken, err
}

// sysFutex implements FUTEX_WAIT and FUTEX_WAKE. Every other operation is
// rejected.
func sysFutex(t *Task, tf arch.Context) (uint64, error) {
	addr, op, val, tsAddr := tf.Arg(0), int(int32(tf.Arg(1))), uint32(tf.Arg(2)), tf.Arg(3)
	private := op&abi.FUTEX_PRIVATE_FLAG != 0
	mem := t.Memory()

	switch op & abi.FUTEX_CMD_MASK {
	case abi.FUTEX_WAIT:
		var timeout time.Duration
		if tsAddr != 0 {
			d, err := t.readTimespec(tsAddr)
			if err != nil {
				return 0, err
			}
			// A zero timespec expires at once; zero means no timeout below.
			timeout = max(d, time.Nanosecond)
		}
		t.k.metrics.futexWaits.Add(context.Background(), 1)
		return 0, t.k.futexes.Wait(t.k.ctx, t.st, mem, addr, val, private, timeout)
	case abi.FUTEX_WAKE:
		n, err := t.k.futexWake(mem, addr, int(int32(val)), private)
		return uint64(n), err
	}
	return 0, abi.EINVAL
}
