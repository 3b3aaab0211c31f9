package sched

import (
	"errors"
	"sync"
)

// ErrIDsExhausted is returned when every id is in use.
var ErrIDsExhausted = errors.New("sched: task ids exhausted")

// MaxID is the largest id handed out, matching the default pid_max.
const MaxID = 1 << 22

// IDAllocator hands out task ids. Ids grow monotonically and wrap around,
// skipping ids still in use.
type IDAllocator struct {
	mu    sync.Mutex
	next  int32
	inUse map[int32]struct{}
}

func NewIDAllocator() *IDAllocator {
	return &IDAllocator{next: 1, inUse: make(map[int32]struct{})}
}

// Alloc returns a free id.
func (a *IDAllocator) Alloc() (int32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.inUse) >= MaxID {
		return 0, ErrIDsExhausted
	}
	for {
		id := a.next
		a.next++
		if a.next > MaxID {
			a.next = 1
		}
		if _, busy := a.inUse[id]; !busy {
			a.inUse[id] = struct{}{}
			return id, nil
		}
	}
}

// Release frees id.
func (a *IDAllocator) Release(id int32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inUse, id)
}

// InUse returns the number of allocated ids.
func (a *IDAllocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inUse)
}
