package signal

import "kproc/pkg/abi"

// Kind is the handler kind of an Action.
type Kind int

const (
	// KindDefault runs the built-in default disposition.
	KindDefault Kind = iota
	// KindIgnore discards the signal.
	KindIgnore
	// KindHandler calls a user handler as handler(signo).
	KindHandler
	// KindAction calls a user handler as handler(signo, info, ucontext).
	KindAction
)

func (k Kind) String() string {
	switch k {
	case KindDefault:
		return "default"
	case KindIgnore:
		return "ignore"
	case KindHandler:
		return "handler"
	case KindAction:
		return "action"
	}
	return "unknown"
}

// Action is one entry of the action table.
type Action struct {
	Kind Kind
	// Handler is the user address called for KindHandler and KindAction.
	Handler uint64
	// Mask is added to the blocked set while the handler runs.
	Mask  Set
	Flags uint64
}

// Caught reports whether the action runs a user handler.
func (a Action) Caught() bool {
	return a.Kind == KindHandler || a.Kind == KindAction
}

func (a Action) has(flag uint64) bool {
	return a.Flags&flag != 0
}

// ActionFromSigaction converts the user structure into an Action.
func ActionFromSigaction(sa abi.Sigaction) Action {
	a := Action{
		Handler: sa.Handler,
		Mask:    Set(sa.Mask) &^ Unblockable,
		Flags:   sa.Flags,
	}
	switch {
	case sa.Handler == abi.SIG_DFL:
		a.Kind = KindDefault
	case sa.Handler == abi.SIG_IGN:
		a.Kind = KindIgnore
	case sa.Flags&abi.SA_SIGINFO != 0:
		a.Kind = KindAction
	default:
		a.Kind = KindHandler
	}
	return a
}

// Sigaction converts the Action into the user structure.
func (a Action) Sigaction() abi.Sigaction {
	sa := abi.Sigaction{Flags: a.Flags, Mask: uint64(a.Mask)}
	switch a.Kind {
	case KindDefault:
		sa.Handler = abi.SIG_DFL
	case KindIgnore:
		sa.Handler = abi.SIG_IGN
	default:
		sa.Handler = a.Handler
	}
	return sa
}

// Disposition is what the default action of a signal does.
type Disposition int

const (
	DispIgnore Disposition = iota
	DispTerminate
	DispCore
	DispStop
	DispContinue
)

// DefaultDisposition returns the default action of sig as listed in
// signal(7). Real-time signals terminate.
func DefaultDisposition(sig abi.Signal) Disposition {
	switch sig {
	case abi.SIGCHLD, abi.SIGURG, abi.SIGWINCH:
		return DispIgnore
	case abi.SIGQUIT, abi.SIGILL, abi.SIGTRAP, abi.SIGABRT, abi.SIGBUS,
		abi.SIGFPE, abi.SIGSEGV, abi.SIGXCPU, abi.SIGXFSZ, abi.SIGSYS:
		return DispCore
	case abi.SIGSTOP, abi.SIGTSTP, abi.SIGTTIN, abi.SIGTTOU:
		return DispStop
	case abi.SIGCONT:
		return DispContinue
	}
	return DispTerminate
}

// Fatal reports whether the disposition ends the process.
func (d Disposition) Fatal() bool {
	return d == DispTerminate || d == DispCore
}
