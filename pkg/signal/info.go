package signal

import "kproc/pkg/abi"

// StatusKind tags a child Status.
type StatusKind int

const (
	StatusExitCode StatusKind = iota
	StatusKilled
	StatusDumped
)

// Status is the child state carried by SIGCHLD.
type Status struct {
	Kind StatusKind
	// Value is the exit code or the terminating signal.
	Value int32
}

// ExitCode is the status of a child that exited normally with code.
func ExitCode(code int) Status {
	return Status{Kind: StatusExitCode, Value: int32(code)}
}

// Killed is the status of a child terminated by sig.
func Killed(sig abi.Signal, core bool) Status {
	if core {
		return Status{Kind: StatusDumped, Value: int32(sig)}
	}
	return Status{Kind: StatusKilled, Value: int32(sig)}
}

// Code returns the CLD_* code matching the status.
func (s Status) Code() int32 {
	switch s.Kind {
	case StatusKilled:
		return abi.CLD_KILLED
	case StatusDumped:
		return abi.CLD_DUMPED
	}
	return abi.CLD_EXITED
}

// Payload selects which siginfo union member an Info fills.
type Payload int

const (
	PayloadKill Payload = iota
	PayloadChild
	PayloadFault
	PayloadRealtime
	PayloadPoll
	PayloadSyscall
)

// Info describes one generated signal.
type Info struct {
	Signo   abi.Signal
	Errno   int32
	Code    int32
	Payload Payload

	Pid int32
	Uid uint32

	Status       Status
	Utime, Stime int64

	Addr  uint64
	Value uint64

	Band int64
	Fd   int32

	Syscall int32
	Arch    uint32
}

// UserInfo is the payload of kill(2).
func UserInfo(sig abi.Signal, pid int32, uid uint32) Info {
	return Info{Signo: sig, Code: abi.SI_USER, Pid: pid, Uid: uid}
}

// TkillInfo is the payload of tkill(2) and tgkill(2).
func TkillInfo(sig abi.Signal, pid int32, uid uint32) Info {
	return Info{Signo: sig, Code: abi.SI_TKILL, Pid: pid, Uid: uid}
}

// KernelInfo is the payload of a signal raised by the kernel itself.
func KernelInfo(sig abi.Signal) Info {
	return Info{Signo: sig, Code: abi.SI_KERNEL}
}

// ChildInfo is the payload sent to a parent when a child changes state.
func ChildInfo(sig abi.Signal, pid int32, uid uint32, st Status) Info {
	return Info{
		Signo:   sig,
		Code:    st.Code(),
		Payload: PayloadChild,
		Pid:     pid,
		Uid:     uid,
		Status:  st,
	}
}

// FaultInfo is the payload of a synchronous memory fault.
func FaultInfo(sig abi.Signal, code int32, addr uint64) Info {
	return Info{Signo: sig, Code: code, Payload: PayloadFault, Addr: addr}
}

// QueueInfo is the payload of rt_sigqueueinfo(2).
func QueueInfo(sig abi.Signal, pid int32, uid uint32, value uint64) Info {
	return Info{Signo: sig, Code: abi.SI_QUEUE, Payload: PayloadRealtime, Pid: pid, Uid: uid, Value: value}
}

// Encode lays the info out as a siginfo_t.
func (i *Info) Encode() abi.Siginfo {
	si := abi.NewSiginfo(i.Signo, i.Errno, i.Code)
	switch i.Payload {
	case PayloadKill:
		si.SetSender(i.Pid, i.Uid)
	case PayloadChild:
		si.SetSender(i.Pid, i.Uid)
		si.SetChild(i.Status.Value, i.Utime, i.Stime)
	case PayloadFault:
		si.SetAddr(i.Addr)
	case PayloadRealtime:
		si.SetSender(i.Pid, i.Uid)
		si.SetValue(i.Value)
	case PayloadPoll:
		si.SetPoll(i.Band, i.Fd)
	case PayloadSyscall:
		si.SetSyscall(i.Addr, i.Syscall, i.Arch)
	}
	return si
}
