package signal

import (
	"fmt"
	"sync"

	"kproc/pkg/abi"
)

// ErrInvalidSignal is returned for signal numbers outside [1, 64] and for
// attempts to change the action of SIGKILL or SIGSTOP.
var ErrInvalidSignal = fmt.Errorf("signal: invalid signal: %w", abi.EINVAL)

// Context is the signal state of a process or a thread.
type Context struct {
	mu sync.Mutex

	actions [abi.NSig]Action
	// infos holds the payload of each pending signal.
	infos   [abi.NSig]*Info
	blocked Set
	pending Set
	frames  FrameManager

	// saved is the mask sigsuspend replaced. It is restored once the
	// signal that ended the suspension has been handled.
	saved    Set
	hasSaved bool

	altStack abi.Stack
}

// NewContext returns a context with every action set to default, nothing
// pending and nothing blocked.
func NewContext() *Context {
	c := &Context{}
	c.altStack.Flags = abi.SS_DISABLE
	return c
}

// Action returns the action installed for sig.
func (c *Context) Action(sig abi.Signal) Action {
	if !sig.Valid() {
		return Action{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.actions[sig-1]
}

// SetAction installs act for sig and returns the previous action.
func (c *Context) SetAction(sig abi.Signal, act Action) (Action, error) {
	if !sig.Valid() || sig.Unblockable() {
		return Action{}, ErrInvalidSignal
	}
	act.Mask &^= Unblockable

	c.mu.Lock()
	defer c.mu.Unlock()
	old := c.actions[sig-1]
	c.actions[sig-1] = act
	return old, nil
}

func (c *Context) resetHandler(sig abi.Signal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.actions[sig-1].Caught() {
		c.actions[sig-1] = Action{}
	}
}

// ResetForExec drops caught handlers and the alternate stack. Ignored
// signals stay ignored; pending and blocked sets are kept.
func (c *Context) ResetForExec() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.actions {
		if c.actions[i].Caught() {
			c.actions[i] = Action{}
		}
	}
	c.altStack = abi.Stack{Flags: abi.SS_DISABLE}
	c.frames.SetStack(StackAlternate, 0, 0)
}

func (c *Context) Blocked() Set {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blocked
}

func (c *Context) Pending() Set {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// SetBlocked replaces the blocked set and returns the old one.
func (c *Context) SetBlocked(s Set) Set {
	c.mu.Lock()
	defer c.mu.Unlock()
	old := c.blocked
	c.blocked = s &^ Unblockable
	return old
}

// ProcMask applies an rt_sigprocmask operation and returns the old mask.
func (c *Context) ProcMask(how int, set Set) (Set, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	old := c.blocked
	switch how {
	case abi.SIG_BLOCK:
		c.blocked |= set
	case abi.SIG_UNBLOCK:
		c.blocked &^= set
	case abi.SIG_SETMASK:
		c.blocked = set
	default:
		return old, fmt.Errorf("signal: sigprocmask how %d: %w", how, abi.EINVAL)
	}
	c.blocked &^= Unblockable
	return old, nil
}

// Send marks info.Signo pending. A signal that is already pending keeps the
// info it was first generated with. Send reports whether the signal is
// outside the blocked set.
func (c *Context) Send(info Info) (bool, error) {
	sig := info.Signo
	if !sig.Valid() {
		return false, ErrInvalidSignal
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.pending.Has(sig) {
		c.pending.Add(sig)
		in := info
		c.infos[sig-1] = &in
	}
	return !c.blocked.Has(sig), nil
}

// DeliverOne returns the lowest pending signal outside the blocked set and
// extra. It does not change any state.
func (c *Context) DeliverOne(extra Set) (abi.Signal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return (c.pending &^ (c.blocked | extra)).Lowest()
}

// HasDeliverable reports whether DeliverOne would find a signal.
func (c *Context) HasDeliverable(extra Set) bool {
	_, ok := c.DeliverOne(extra)
	return ok
}

// Consume clears the pending bit of sig and returns its info.
func (c *Context) Consume(sig abi.Signal) (Info, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consumeLocked(sig)
}

func (c *Context) consumeLocked(sig abi.Signal) (Info, bool) {
	if !c.pending.Has(sig) {
		return Info{}, false
	}
	c.pending.Remove(sig)
	in := c.infos[sig-1]
	c.infos[sig-1] = nil
	if in == nil {
		return KernelInfo(sig), true
	}
	return *in, true
}

// ConsumeOneIn takes the lowest pending signal of set whether or not it is
// blocked.
func (c *Context) ConsumeOneIn(set Set) (Info, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sig, ok := (c.pending & set).Lowest()
	if !ok {
		return Info{}, false
	}
	return c.consumeLocked(sig)
}

// Suspend installs tmp as the blocked set until the next signal has been
// handled, then the current mask comes back. It returns the current mask.
func (c *Context) Suspend(tmp Set) Set {
	c.mu.Lock()
	defer c.mu.Unlock()
	old := c.blocked
	c.saved, c.hasSaved = old, true
	c.blocked = tmp &^ Unblockable
	return old
}

// RestoreSuspended puts back the mask saved by Suspend unless a handler
// frame has taken it over.
func (c *Context) RestoreSuspended() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.restoreSavedLocked()
}

func (c *Context) restoreSavedLocked() {
	if c.hasSaved {
		c.blocked = c.saved
		c.hasSaved = false
	}
}

// SetStack sets the memory region backing frame slot t.
func (c *Context) SetStack(t StackType, base, size uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames.SetStack(t, base, size)
}

// FrameOwner returns the thread running a handler from this context.
func (c *Context) FrameOwner() (int32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.frames.Current().Data()
	return data.Owner, ok
}

// Return unloads the frame loaded for tid, restores the blocked set saved
// in it and clears the pending bit of its signal.
func (c *Context) Return(tid int32) (uintptr, FrameData, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f := c.frames.Current()
	if data, ok := f.Data(); !ok || data.Owner != tid {
		return 0, FrameData{}, ErrFrameNotLoaded
	}
	scratch, data, err := f.Unload()
	if err != nil {
		return 0, FrameData{}, err
	}
	c.blocked = data.UcSigmask &^ Unblockable
	c.consumeLocked(data.Signal)
	return scratch, data, nil
}

// AltStack returns the sigaltstack state for a thread whose stack pointer
// is sp.
func (c *Context) AltStack(sp uint64) abi.Stack {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.altStack
	if c.onAltStackLocked(sp) {
		st.Flags |= abi.SS_ONSTACK
	}
	return st
}

// SetAltStack installs a new alternate signal stack.
func (c *Context) SetAltStack(st abi.Stack, sp uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.onAltStackLocked(sp) {
		return fmt.Errorf("signal: sigaltstack while on it: %w", abi.EPERM)
	}
	switch {
	case st.Flags&^(abi.SS_DISABLE) != 0:
		return fmt.Errorf("signal: sigaltstack flags %#x: %w", st.Flags, abi.EINVAL)
	case st.Flags&abi.SS_DISABLE != 0:
		c.altStack = abi.Stack{Flags: abi.SS_DISABLE}
		c.frames.SetStack(StackAlternate, 0, 0)
		return nil
	case st.Size < abi.MINSIGSTKSZ:
		return fmt.Errorf("signal: sigaltstack size %d: %w", st.Size, abi.ENOMEM)
	}
	c.altStack = st
	c.frames.SetStack(StackAlternate, st.Sp, st.Size)
	return nil
}

func (c *Context) onAltStackLocked(sp uint64) bool {
	st := c.altStack
	return st.Flags&abi.SS_DISABLE == 0 && sp > st.Sp && sp <= st.Sp+st.Size
}
