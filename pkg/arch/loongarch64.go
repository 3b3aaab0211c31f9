//go:build loong64abi

package arch

import "encoding/binary"

const Name = "loongarch64"

const SigcontextAlign = 16

// AuditArch is AUDIT_ARCH_LOONGARCH64.
const AuditArch = 0xc0000102

// ELFMachine is the e_machine value of executables for this architecture
// (EM_LOONGARCH).
const ELFMachine = 258

const (
	RegZero = 0
	RegRA   = 1
	RegTP   = 2
	RegSP   = 3
	RegA0   = 4
	RegA7   = 11
	// RegU0 holds the per-cpu base and is carried like riscv's gp.
	RegU0 = 21
)

// prmdPPLV is the previous privilege level field; 3 is user mode.
const prmdPPLV = 3

// prmdPIE re-enables interrupts on ertn.
const prmdPIE = 1 << 2

// SigreturnTrampoline is:
//
//	ori     $a7, $zero, 139
//	syscall 0
var SigreturnTrampoline = []byte{
	0x0b, 0x2c, 0x82, 0x03,
	0x00, 0x00, 0x2b, 0x00,
}

// Frame is the loongarch64 trap frame.
type Frame struct {
	Regs [32]uint64
	Era  uint64
	Prmd uint64
}

func New(entry, sp, tp uint64) Context {
	f := &Frame{Era: entry, Prmd: prmdPPLV | prmdPIE}
	f.Regs[RegSP] = sp
	f.Regs[RegTP] = tp
	return f
}

// ReadCloneArgs decodes clone(flags, stack, ptid, ctid, tls).
func ReadCloneArgs(c Context) CloneArgs {
	return CloneArgs{
		Flags:     c.Arg(0),
		Stack:     c.Arg(1),
		ParentTID: c.Arg(2),
		ChildTID:  c.Arg(3),
		TLS:       c.Arg(4),
	}
}

func WriteCloneArgs(c Context, a CloneArgs) {
	c.SetArg(0, a.Flags)
	c.SetArg(1, a.Stack)
	c.SetArg(2, a.ParentTID)
	c.SetArg(3, a.ChildTID)
	c.SetArg(4, a.TLS)
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

func (f *Frame) PC() uint64                 { return f.Era }
func (f *Frame) SetPC(pc uint64)            { f.Era = pc }
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
func (f *Frame) UserMode() bool             { return f.Prmd&prmdPPLV == prmdPPLV }

func (f *Frame) InheritThreadRegs(src Context) {
	f.Regs[RegTP] = src.Reg(RegTP)
	f.Regs[RegU0] = src.Reg(RegU0)
}

// Sigcontext encodes struct sigcontext: sc_pc, sc_regs and sc_flags,
// padded to the 16-byte alignment of the extended context area.
func (f *Frame) Sigcontext() []byte {
	buf := make([]byte, 272)
	binary.LittleEndian.PutUint64(buf[0:8], f.Era)
	for i := 0; i < 32; i++ {
		binary.LittleEndian.PutUint64(buf[8+i*8:16+i*8], f.Reg(i))
	}
	return buf
}

func (f *Frame) Clone() Context {
	c := *f
	return &c
}
