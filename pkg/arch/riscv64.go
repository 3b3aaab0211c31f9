//go:build !loong64abi

package arch

import "encoding/binary"

// Name is the architecture name.
const Name = "riscv64"

// SigcontextAlign is the alignment of uc_mcontext in ucontext_t.
const SigcontextAlign = 16

// AuditArch is AUDIT_ARCH_RISCV64, reported in SIGSYS siginfo.
const AuditArch = 0xc00000f3

// ELFMachine is the e_machine value of executables for this architecture
// (EM_RISCV).
const ELFMachine = 243

// Register numbers.
const (
	RegZero = 0
	RegRA   = 1
	RegSP   = 2
	RegGP   = 3
	RegTP   = 4
	RegA0   = 10
	RegA7   = 17
)

// sstatusSPP is the previous-privilege bit; clear means user mode.
const sstatusSPP = 1 << 8

// sstatusSPIE re-enables interrupts on sret.
const sstatusSPIE = 1 << 5

// fpStateSize is sizeof(union __riscv_fp_state).
const fpStateSize = 528

// SigreturnTrampoline is the code placed on the trampoline page:
//
//	li    a7, 139
//	ecall
var SigreturnTrampoline = []byte{
	0x93, 0x08, 0xb0, 0x08,
	0x73, 0x00, 0x00, 0x00,
}

// Frame is the riscv64 trap frame.
type Frame struct {
	Regs    [32]uint64
	Sepc    uint64
	Sstatus uint64
}

// New returns a user-mode frame that starts at entry with the given stack
// and thread pointers.
func New(entry, sp, tp uint64) Context {
	f := &Frame{Sepc: entry, Sstatus: sstatusSPIE}
	f.Regs[RegSP] = sp
	f.Regs[RegTP] = tp
	return f
}

// ReadCloneArgs decodes clone(flags, stack, ptid, tls, ctid).
func ReadCloneArgs(c Context) CloneArgs {
	return CloneArgs{
		Flags:     c.Arg(0),
		Stack:     c.Arg(1),
		ParentTID: c.Arg(2),
		TLS:       c.Arg(3),
		ChildTID:  c.Arg(4),
	}
}

// WriteCloneArgs is the inverse of ReadCloneArgs.
func WriteCloneArgs(c Context, a CloneArgs) {
	c.SetArg(0, a.Flags)
	c.SetArg(1, a.Stack)
	c.SetArg(2, a.ParentTID)
	c.SetArg(3, a.TLS)
	c.SetArg(4, a.ChildTID)
}

func (f *Frame) Reg(n int) uint64 {
	if n == RegZero {
		return 0
	}
	return f.Regs[n]
}

func (f *Frame) SetReg(n int, v uint64) {
	if n != RegZero {
		f.Regs[n] = v
	}
}

func (f *Frame) PC() uint64                 { return f.Sepc }
func (f *Frame) SetPC(pc uint64)            { f.Sepc = pc }
func (f *Frame) SP() uint64                 { return f.Regs[RegSP] }
func (f *Frame) SetSP(sp uint64)            { f.Regs[RegSP] = sp }
func (f *Frame) SetReturnAddress(ra uint64) { f.Regs[RegRA] = ra }
func (f *Frame) TP() uint64                 { return f.Regs[RegTP] }
func (f *Frame) SetTP(tp uint64)            { f.Regs[RegTP] = tp }
func (f *Frame) Arg(i int) uint64           { return f.Regs[RegA0+i] }
func (f *Frame) SetArg(i int, v uint64)     { f.Regs[RegA0+i] = v }
func (f *Frame) Return() uint64             { return f.Regs[RegA0] }
func (f *Frame) SetReturn(v uint64)         { f.Regs[RegA0] = v }
func (f *Frame) Syscall() uint64            { return f.Regs[RegA7] }
func (f *Frame) SetSyscall(nr uint64)       { f.Regs[RegA7] = nr }
func (f *Frame) UserMode() bool             { return f.Sstatus&sstatusSPP == 0 }

func (f *Frame) InheritThreadRegs(src Context) {
	f.Regs[RegTP] = src.Reg(RegTP)
	f.Regs[RegGP] = src.Reg(RegGP)
}

// Sigcontext encodes struct sigcontext: the user_regs_struct (pc followed
// by x1..x31) and a zeroed floating point state.
func (f *Frame) Sigcontext() []byte {
	buf := make([]byte, 32*8+fpStateSize)
	binary.LittleEndian.PutUint64(buf[0:8], f.Sepc)
	for i := 1; i < 32; i++ {
		binary.LittleEndian.PutUint64(buf[i*8:i*8+8], f.Regs[i])
	}
	return buf
}

func (f *Frame) Clone() Context {
	c := *f
	return &c
}
