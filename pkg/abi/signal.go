package abi

import (
	"fmt"
	"strconv"
	"strings"
)

// Signal is a Linux signal number in the range [1, NSig].
type Signal int

// NSig is the number of signals, including real-time signals.
const NSig = 64

const (
	SIGHUP    Signal = 1
	SIGINT    Signal = 2
	SIGQUIT   Signal = 3
	SIGILL    Signal = 4
	SIGTRAP   Signal = 5
	SIGABRT   Signal = 6
	SIGBUS    Signal = 7
	SIGFPE    Signal = 8
	SIGKILL   Signal = 9
	SIGUSR1   Signal = 10
	SIGSEGV   Signal = 11
	SIGUSR2   Signal = 12
	SIGPIPE   Signal = 13
	SIGALRM   Signal = 14
	SIGTERM   Signal = 15
	SIGSTKFLT Signal = 16
	SIGCHLD   Signal = 17
	SIGCONT   Signal = 18
	SIGSTOP   Signal = 19
	SIGTSTP   Signal = 20
	SIGTTIN   Signal = 21
	SIGTTOU   Signal = 22
	SIGURG    Signal = 23
	SIGXCPU   Signal = 24
	SIGXFSZ   Signal = 25
	SIGVTALRM Signal = 26
	SIGPROF   Signal = 27
	SIGWINCH  Signal = 28
	SIGIO     Signal = 29
	SIGPWR    Signal = 30
	SIGSYS    Signal = 31

	// SIGRTMIN is the first real-time signal.
	SIGRTMIN Signal = 32
	// SIGRTMAX is the last real-time signal.
	SIGRTMAX Signal = NSig
)

var signalNames = [...]string{
	SIGHUP: "SIGHUP", SIGINT: "SIGINT", SIGQUIT: "SIGQUIT", SIGILL: "SIGILL",
	SIGTRAP: "SIGTRAP", SIGABRT: "SIGABRT", SIGBUS: "SIGBUS", SIGFPE: "SIGFPE",
	SIGKILL: "SIGKILL", SIGUSR1: "SIGUSR1", SIGSEGV: "SIGSEGV", SIGUSR2: "SIGUSR2",
	SIGPIPE: "SIGPIPE", SIGALRM: "SIGALRM", SIGTERM: "SIGTERM", SIGSTKFLT: "SIGSTKFLT",
	SIGCHLD: "SIGCHLD", SIGCONT: "SIGCONT", SIGSTOP: "SIGSTOP", SIGTSTP: "SIGTSTP",
	SIGTTIN: "SIGTTIN", SIGTTOU: "SIGTTOU", SIGURG: "SIGURG", SIGXCPU: "SIGXCPU",
	SIGXFSZ: "SIGXFSZ", SIGVTALRM: "SIGVTALRM", SIGPROF: "SIGPROF", SIGWINCH: "SIGWINCH",
	SIGIO: "SIGIO", SIGPWR: "SIGPWR", SIGSYS: "SIGSYS",
}

// Valid reports whether s is a deliverable signal number.
func (s Signal) Valid() bool {
	return s >= 1 && s <= NSig
}

// Unblockable reports whether s can never be blocked, ignored or caught.
func (s Signal) Unblockable() bool {
	return s == SIGKILL || s == SIGSTOP
}

func (s Signal) String() string {
	switch {
	case s > 0 && int(s) < len(signalNames):
		return signalNames[s]
	case s >= SIGRTMIN && s <= SIGRTMAX:
		return fmt.Sprintf("SIGRT%d", int(s-SIGRTMIN))
	}
	return fmt.Sprintf("signal %d", int(s))
}

// ParseSignal parses a signal given by name, with or without the SIG
// prefix, or by number.
func ParseSignal(name string) (Signal, bool) {
	if n, err := strconv.Atoi(name); err == nil {
		return Signal(n), Signal(n).Valid()
	}
	name = strings.ToUpper(name)
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}
	for i, n := range signalNames {
		if n != "" && n == name {
			return Signal(i), true
		}
	}
	if rest, ok := strings.CutPrefix(name, "SIGRT"); ok {
		if n, err := strconv.Atoi(rest); err == nil && n >= 0 && SIGRTMIN+Signal(n) <= SIGRTMAX {
			return SIGRTMIN + Signal(n), true
		}
	}
	return 0, false
}

// Sigaction flags.
const (
	SA_NOCLDSTOP = 0x00000001
	SA_NOCLDWAIT = 0x00000002
	SA_SIGINFO   = 0x00000004
	SA_RESTORER  = 0x04000000
	SA_ONSTACK   = 0x08000000
	SA_RESTART   = 0x10000000
	SA_NODEFER   = 0x40000000
	SA_RESETHAND = 0x80000000
)

// Special handler values.
const (
	SIG_DFL = 0
	SIG_IGN = 1
)

// rt_sigprocmask how values.
const (
	SIG_BLOCK   = 0
	SIG_UNBLOCK = 1
	SIG_SETMASK = 2
)

// sigaltstack flags and sizes.
const (
	SS_ONSTACK  = 1
	SS_DISABLE  = 2
	MINSIGSTKSZ = 2048
	SIGSTKSZ    = 8192
)

// SigsetSize is the only sigsetsize accepted by the rt_sig* calls.
const SigsetSize = 8

// si_code values.
const (
	SI_USER    int32 = 0
	SI_KERNEL  int32 = 0x80
	SI_QUEUE   int32 = -1
	SI_TIMER   int32 = -2
	SI_MESGQ   int32 = -3
	SI_ASYNCIO int32 = -4
	SI_SIGIO   int32 = -5
	SI_TKILL   int32 = -6

	CLD_EXITED    int32 = 1
	CLD_KILLED    int32 = 2
	CLD_DUMPED    int32 = 3
	CLD_TRAPPED   int32 = 4
	CLD_STOPPED   int32 = 5
	CLD_CONTINUED int32 = 6

	SEGV_MAPERR int32 = 1
	SEGV_ACCERR int32 = 2
)
