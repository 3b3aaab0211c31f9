package signal

import (
	"errors"
	"io"

	"kproc/pkg/abi"
	"kproc/pkg/arch"
)

// Env is what Deliver needs from the caller.
type Env struct {
	// Tid is the thread that will run the handler.
	Tid int32
	// Extra is treated as blocked in addition to the context's own mask.
	Extra Set
	// Trampoline is the return address given to every handler.
	Trampoline uint64
	// Scratch is the trap-frame save slot active before the handler.
	Scratch uintptr
	// Mem receives the siginfo and ucontext of SA_SIGINFO handlers.
	Mem io.WriterAt
}

// Outcome says what Deliver did.
type Outcome int

const (
	// None means nothing was deliverable or the frame slot is in use.
	None Outcome = iota
	// Ignored means the signal was consumed without effect.
	Ignored
	// Fatal means the signal was consumed and its default action ends the
	// process.
	Fatal
	// Handled means a frame was loaded and the caller must resume at Frame.
	Handled
)

// Delivery is the result of one Deliver call.
type Delivery struct {
	Outcome     Outcome
	Signal      abi.Signal
	Info        Info
	Action      Action
	Disposition Disposition
	// Frame is the user context that enters the handler.
	Frame arch.Context
}

var errNoUserMemory = errors.New("signal: no user memory for siginfo")

// Deliver dispatches the lowest deliverable signal of c. Actions are taken
// from the table of actions, which is c itself for process-level signals.
// tf is the trap frame that would otherwise be resumed; for a caught
// signal it is saved in the frame and restored by Return.
func (c *Context) Deliver(actions *Context, tf arch.Context, env Env) (Delivery, error) {
	c.mu.Lock()
	if c.frames.Current().Loaded() {
		c.mu.Unlock()
		return Delivery{}, nil
	}
	sig, ok := (c.pending &^ (c.blocked | env.Extra)).Lowest()
	c.mu.Unlock()
	if !ok {
		return Delivery{}, nil
	}

	act := actions.Action(sig)
	if act.Caught() && act.has(abi.SA_RESETHAND) && !sig.Unblockable() {
		actions.resetHandler(sig)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.pending.Has(sig) {
		// Another thread consumed it first.
		return Delivery{}, nil
	}

	d := Delivery{Signal: sig, Action: act, Info: KernelInfo(sig)}
	if in := c.infos[sig-1]; in != nil {
		d.Info = *in
	}

	if !act.Caught() {
		c.consumeLocked(sig)
		c.restoreSavedLocked()
		d.Outcome = Ignored
		if act.Kind == KindDefault {
			d.Disposition = DefaultDisposition(sig)
			if d.Disposition.Fatal() {
				d.Outcome = Fatal
			}
		}
		return d, nil
	}

	uc := c.blocked
	if c.hasSaved {
		uc = c.saved
	}
	mask := c.blocked | act.Mask
	if !act.has(abi.SA_NODEFER) {
		mask.Add(sig)
	}
	mask &^= Unblockable

	hc, err := c.handlerFrameLocked(sig, act, tf, uc, env, &d.Info)
	if err != nil {
		return d, err
	}
	data := FrameData{
		Signal:    sig,
		UcSigmask: uc,
		Sigmask:   mask,
		Flags:     act.Flags,
		Owner:     env.Tid,
		Orig:      tf.Clone(),
	}
	if err := c.frames.Current().Load(env.Scratch, data); err != nil {
		return Delivery{}, err
	}
	c.hasSaved = false
	c.blocked = mask

	d.Outcome = Handled
	d.Frame = hc
	return d, nil
}

// handlerFrameLocked builds the user context that enters the handler. For
// SA_SIGINFO handlers a siginfo_t and a ucontext_t are written below the
// stack pointer and passed as the second and third arguments.
func (c *Context) handlerFrameLocked(sig abi.Signal, act Action, tf arch.Context, uc Set, env Env, info *Info) (arch.Context, error) {
	sp := tf.SP()
	if act.has(abi.SA_ONSTACK) && c.altStack.Flags&abi.SS_DISABLE == 0 && !c.onAltStackLocked(sp) {
		sp = c.altStack.Sp + c.altStack.Size
	}
	sp &^= 15

	hc := arch.New(act.Handler, sp, 0)
	hc.InheritThreadRegs(tf)
	hc.SetArg(0, uint64(sig))
	hc.SetReturnAddress(env.Trampoline)

	if act.Kind != KindAction && !act.has(abi.SA_SIGINFO) {
		return hc, nil
	}
	if env.Mem == nil {
		return nil, errNoUserMemory
	}

	si := info.Encode()
	siAddr := (sp - abi.SiginfoSize) &^ 15

	st := c.altStack
	if c.onAltStackLocked(tf.SP()) {
		st.Flags |= abi.SS_ONSTACK
	}
	ucBuf := abi.EncodeUcontext(st, uint64(uc), arch.SigcontextAlign, tf.Sigcontext())
	ucAddr := (siAddr - uint64(len(ucBuf))) &^ 15

	if _, err := env.Mem.WriteAt(si[:], int64(siAddr)); err != nil {
		return nil, err
	}
	if _, err := env.Mem.WriteAt(ucBuf, int64(ucAddr)); err != nil {
		return nil, err
	}
	hc.SetArg(1, siAddr)
	hc.SetArg(2, ucAddr)
	hc.SetSP(ucAddr)
	return hc, nil
}
