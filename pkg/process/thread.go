package process

import (
	"fmt"
	"sync"
	"sync/atomic"

	"kproc/pkg/signal"
)

// ThreadData is the record exclusively owned by a Thread.
type ThreadData struct {
	signals *signal.Context

	mu            sync.Mutex
	clearChildTID uint64
}

// NewThreadData returns the record of a new thread with its own signal
// context.
func NewThreadData() *ThreadData {
	return &ThreadData{signals: signal.NewContext()}
}

// Signals returns the thread-directed signal state.
func (d *ThreadData) Signals() *signal.Context { return d.signals }

// ClearChildTID returns the address zeroed when the thread exits.
func (d *ThreadData) ClearChildTID() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clearChildTID
}

// SetClearChildTID sets the address zeroed when the thread exits. Zero
// disables it.
func (d *ThreadData) SetClearChildTID(addr uint64) {
	d.mu.Lock()
	d.clearChildTID = addr
	d.mu.Unlock()
}

// Thread is a member of a thread group.
type Thread struct {
	tid    int32
	proc   *Process
	data   *ThreadData
	exited atomic.Bool
}

// NewThread builds an unregistered thread of p.
func NewThread(tid int32, p *Process, data *ThreadData) *Thread {
	return &Thread{tid: tid, proc: p, data: data}
}

func (t *Thread) Tid() int32        { return t.tid }
func (t *Thread) Process() *Process { return t.proc }
func (t *Thread) Data() *ThreadData { return t.data }
func (t *Thread) IsLeader() bool    { return t.tid == t.proc.pid }
func (t *Thread) Exited() bool      { return t.exited.Load() }

func (t *Thread) String() string {
	return fmt.Sprintf("thread %d/%d", t.proc.pid, t.tid)
}
