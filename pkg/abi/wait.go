package abi

// wait4 options.
const (
	WNOHANG    = 0x00000001
	WUNTRACED  = 0x00000002
	WEXITED    = 0x00000004
	WCONTINUED = 0x00000008
	WNOTHREAD  = 0x20000000
	WALL       = 0x40000000
	WCLONE     = 0x80000000
)

// WaitStatus is the packed status word reported by wait4.
type WaitStatus uint32

// ExitedStatus packs a normal exit with the given code.
func ExitedStatus(code int) WaitStatus {
	return WaitStatus((code & 0xff) << 8)
}

// SignaledStatus packs a termination by sig, with the core dump bit when
// core is set.
func SignaledStatus(sig Signal, core bool) WaitStatus {
	ws := WaitStatus(sig & 0x7f)
	if core {
		ws |= 0x80
	}
	return ws
}

// Exited reports whether the status describes a normal exit.
func (ws WaitStatus) Exited() bool {
	return ws&0x7f == 0
}

// ExitStatus returns the exit code of a normal exit.
func (ws WaitStatus) ExitStatus() int {
	return int(ws>>8) & 0xff
}

// Signaled reports whether the status describes a termination by signal.
func (ws WaitStatus) Signaled() bool {
	return ws&0x7f != 0 && ws&0x7f != 0x7f
}

// TermSignal returns the terminating signal.
func (ws WaitStatus) TermSignal() Signal {
	return Signal(ws & 0x7f)
}

// CoreDump reports whether the core dump bit is set.
func (ws WaitStatus) CoreDump() bool {
	return ws&0x80 != 0
}
