package arch

// Context is a saved user trap frame.
type Context interface {
	// Reg returns general register n. Register 0 always reads as zero.
	Reg(n int) uint64
	// SetReg writes general register n. Writes to register 0 are dropped.
	SetReg(n int, v uint64)

	PC() uint64
	SetPC(pc uint64)
	SP() uint64
	SetSP(sp uint64)
	// SetReturnAddress sets the register a called function returns through.
	SetReturnAddress(ra uint64)
	TP() uint64
	SetTP(tp uint64)

	// Arg returns system call or function argument i (0-based).
	Arg(i int) uint64
	SetArg(i int, v uint64)
	// Return returns the system call return register.
	Return() uint64
	SetReturn(v uint64)
	// Syscall returns the system call number register.
	Syscall() uint64
	SetSyscall(nr uint64)

	// UserMode reports whether the frame returns to user mode.
	UserMode() bool
	// InheritThreadRegs copies the registers that identify the running
	// thread (thread pointer and global pointer) from src.
	InheritThreadRegs(src Context)
	// Sigcontext encodes the frame as the machine context of a ucontext_t.
	Sigcontext() []byte

	// Clone returns an independent copy of the frame.
	Clone() Context
}

// CloneArgs are the register arguments of clone(2), in the order the
// architecture passes them.
type CloneArgs struct {
	Flags     uint64
	Stack     uint64
	ParentTID uint64
	ChildTID  uint64
	TLS       uint64
}
