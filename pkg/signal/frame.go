package signal

import (
	"errors"
	"sync/atomic"

	"kproc/pkg/abi"
	"kproc/pkg/arch"
)

// Frame slot errors.
var (
	ErrFrameLoaded    = errors.New("signal: frame already loaded")
	ErrFrameNotLoaded = errors.New("signal: no frame loaded")
)

// StackType selects one of the frame slots.
type StackType int

const (
	StackPrimary StackType = iota
	StackAlternate
	StackEmergency
	numStacks
)

func (t StackType) String() string {
	switch t {
	case StackPrimary:
		return "primary"
	case StackAlternate:
		return "alternate"
	case StackEmergency:
		return "emergency"
	}
	return "invalid"
}

// FrameData is what a handler invocation needs restored on return.
type FrameData struct {
	Signal abi.Signal
	// UcSigmask is the blocked set restored by sigreturn.
	UcSigmask Set
	// Sigmask is the blocked set in effect while the handler runs.
	Sigmask Set
	Flags   uint64
	// Owner is the tid of the thread running the handler.
	Owner int32
	// Orig is the interrupted trap frame.
	Orig arch.Context
}

// Frame is one signal-frame slot. The loaded flag is changed only by
// compare-and-swap so a slot is never loaded twice.
type Frame struct {
	base, size uint64
	loaded     atomic.Bool
	scratch    uintptr
	data       FrameData
}

// Range returns the stack region backing the slot.
func (f *Frame) Range() (base, size uint64) {
	return f.base, f.size
}

func (f *Frame) Loaded() bool {
	return f.loaded.Load()
}

// Load stores the state of a handler invocation. The scratch value is the
// trap-frame save slot that was active before entering the handler.
func (f *Frame) Load(scratch uintptr, data FrameData) error {
	if !f.loaded.CompareAndSwap(false, true) {
		return ErrFrameLoaded
	}
	f.scratch = scratch
	f.data = data
	return nil
}

// Unload releases the slot and returns what Load stored.
func (f *Frame) Unload() (uintptr, FrameData, error) {
	if !f.loaded.Load() {
		return 0, FrameData{}, ErrFrameNotLoaded
	}
	scratch, data := f.scratch, f.data
	f.scratch, f.data = 0, FrameData{}
	if !f.loaded.CompareAndSwap(true, false) {
		return 0, FrameData{}, ErrFrameNotLoaded
	}
	return scratch, data, nil
}

// Data returns the stored data of a loaded slot.
func (f *Frame) Data() (FrameData, bool) {
	if !f.loaded.Load() {
		return FrameData{}, false
	}
	return f.data, true
}

// FrameManager holds the three frame slots and the one in use.
type FrameManager struct {
	frames  [numStacks]Frame
	current StackType
}

// SetStack sets the region backing slot t.
func (m *FrameManager) SetStack(t StackType, base, size uint64) {
	m.frames[t].base, m.frames[t].size = base, size
}

func (m *FrameManager) Get(t StackType) *Frame {
	return &m.frames[t]
}

func (m *FrameManager) Current() *Frame {
	return &m.frames[m.current]
}

func (m *FrameManager) CurrentType() StackType {
	return m.current
}

func (m *FrameManager) SetCurrent(t StackType) {
	m.current = t
}
