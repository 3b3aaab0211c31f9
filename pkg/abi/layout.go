package abi

import (
	"encoding/binary"
	"errors"
)

// ErrShortBuffer is returned when decoding from a buffer that is too small
// for the structure.
var ErrShortBuffer = errors.New("abi: short buffer")

// Structure sizes.
const (
	SigactionSize = 24
	SiginfoSize   = 128
	StackSize     = 24

	// ucontextHeadSize covers uc_flags, uc_link, uc_stack, uc_sigmask and
	// the padding that reserves room for a 1024-bit sigset.
	ucontextHeadSize = 8 + 8 + StackSize + SigsetSize + (1024/8 - SigsetSize)
)

// Sigaction is the asm-generic struct sigaction used by riscv64 and
// loongarch64. Neither defines sa_restorer.
type Sigaction struct {
	Handler uint64
	Flags   uint64
	Mask    uint64
}

// Encode encodes the sigaction to its user layout.
func (sa *Sigaction) Encode() []byte {
	buf := make([]byte, SigactionSize)
	binary.LittleEndian.PutUint64(buf[0:8], sa.Handler)
	binary.LittleEndian.PutUint64(buf[8:16], sa.Flags)
	binary.LittleEndian.PutUint64(buf[16:24], sa.Mask)
	return buf
}

// Decode decodes a sigaction from its user layout.
func (sa *Sigaction) Decode(buf []byte) error {
	if len(buf) < SigactionSize {
		return ErrShortBuffer
	}
	sa.Handler = binary.LittleEndian.Uint64(buf[0:8])
	sa.Flags = binary.LittleEndian.Uint64(buf[8:16])
	sa.Mask = binary.LittleEndian.Uint64(buf[16:24])
	return nil
}

// Stack is stack_t, the alternate signal stack descriptor.
type Stack struct {
	Sp    uint64
	Flags int32
	Size  uint64
}

// Encode encodes the stack descriptor to its user layout.
func (st *Stack) Encode() []byte {
	buf := make([]byte, StackSize)
	binary.LittleEndian.PutUint64(buf[0:8], st.Sp)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(st.Flags))
	binary.LittleEndian.PutUint64(buf[16:24], st.Size)
	return buf
}

// Decode decodes a stack descriptor from its user layout.
func (st *Stack) Decode(buf []byte) error {
	if len(buf) < StackSize {
		return ErrShortBuffer
	}
	st.Sp = binary.LittleEndian.Uint64(buf[0:8])
	st.Flags = int32(binary.LittleEndian.Uint32(buf[8:12]))
	st.Size = binary.LittleEndian.Uint64(buf[16:24])
	return nil
}

// Siginfo is the raw 128-byte siginfo_t image. The union that follows the
// three leading words is interpreted according to the signal and code, so
// the setters below each write one union member.
type Siginfo [SiginfoSize]byte

// NewSiginfo returns a siginfo with the common header filled in.
func NewSiginfo(signo Signal, errno, code int32) Siginfo {
	var si Siginfo
	binary.LittleEndian.PutUint32(si[0:4], uint32(signo))
	binary.LittleEndian.PutUint32(si[4:8], uint32(errno))
	binary.LittleEndian.PutUint32(si[8:12], uint32(code))
	return si
}

func (si *Siginfo) Signo() Signal { return Signal(int32(binary.LittleEndian.Uint32(si[0:4]))) }
func (si *Siginfo) Errno() int32  { return int32(binary.LittleEndian.Uint32(si[4:8])) }
func (si *Siginfo) Code() int32   { return int32(binary.LittleEndian.Uint32(si[8:12])) }

// SetSender writes si_pid and si_uid (kill, rt and sigchld layouts).
func (si *Siginfo) SetSender(pid int32, uid uint32) {
	binary.LittleEndian.PutUint32(si[16:20], uint32(pid))
	binary.LittleEndian.PutUint32(si[20:24], uid)
}

func (si *Siginfo) Pid() int32  { return int32(binary.LittleEndian.Uint32(si[16:20])) }
func (si *Siginfo) Uid() uint32 { return binary.LittleEndian.Uint32(si[20:24]) }

// SetChild writes si_status, si_utime and si_stime of the sigchld layout.
func (si *Siginfo) SetChild(status int32, utime, stime int64) {
	binary.LittleEndian.PutUint32(si[24:28], uint32(status))
	binary.LittleEndian.PutUint64(si[32:40], uint64(utime))
	binary.LittleEndian.PutUint64(si[40:48], uint64(stime))
}

func (si *Siginfo) Status() int32 { return int32(binary.LittleEndian.Uint32(si[24:28])) }

// SetAddr writes si_addr of the fault layout.
func (si *Siginfo) SetAddr(addr uint64) {
	binary.LittleEndian.PutUint64(si[16:24], addr)
}

func (si *Siginfo) Addr() uint64 { return binary.LittleEndian.Uint64(si[16:24]) }

// SetValue writes si_value of the rt and timer layouts.
func (si *Siginfo) SetValue(v uint64) {
	binary.LittleEndian.PutUint64(si[24:32], v)
}

func (si *Siginfo) Value() uint64 { return binary.LittleEndian.Uint64(si[24:32]) }

// SetPoll writes si_band and si_fd.
func (si *Siginfo) SetPoll(band int64, fd int32) {
	binary.LittleEndian.PutUint64(si[16:24], uint64(band))
	binary.LittleEndian.PutUint32(si[24:28], uint32(fd))
}

// SetSyscall writes si_call_addr, si_syscall and si_arch.
func (si *Siginfo) SetSyscall(callAddr uint64, nr int32, arch uint32) {
	binary.LittleEndian.PutUint64(si[16:24], callAddr)
	binary.LittleEndian.PutUint32(si[24:28], uint32(nr))
	binary.LittleEndian.PutUint32(si[28:32], arch)
}

// EncodeUcontext lays out a ucontext_t. The machine context is placed at
// the first offset after the header that is a multiple of mcontextAlign.
func EncodeUcontext(stack Stack, sigmask uint64, mcontextAlign int, mcontext []byte) []byte {
	off := UcontextMcontextOffset(mcontextAlign)
	buf := make([]byte, off+len(mcontext))
	// uc_flags and uc_link stay zero.
	copy(buf[16:16+StackSize], stack.Encode())
	binary.LittleEndian.PutUint64(buf[16+StackSize:16+StackSize+SigsetSize], sigmask)
	copy(buf[off:], mcontext)
	return buf
}

// UcontextMcontextOffset returns the offset of uc_mcontext.
func UcontextMcontextOffset(mcontextAlign int) int {
	return (ucontextHeadSize + mcontextAlign - 1) &^ (mcontextAlign - 1)
}

// UcontextSigmask reads uc_sigmask back out of an encoded ucontext.
func UcontextSigmask(uc []byte) (uint64, error) {
	end := 16 + StackSize + SigsetSize
	if len(uc) < end {
		return 0, ErrShortBuffer
	}
	return binary.LittleEndian.Uint64(uc[16+StackSize : end]), nil
}
