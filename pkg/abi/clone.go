package abi

import (
	"strings"
)

// CloneFlags is the flags word passed to clone(2).
type CloneFlags uint64

const (
	// CSIGNAL masks the exit signal carried in the low byte.
	CSIGNAL              CloneFlags = 0x000000ff
	CLONE_VM             CloneFlags = 0x00000100
	CLONE_FS             CloneFlags = 0x00000200
	CLONE_FILES          CloneFlags = 0x00000400
	CLONE_SIGHAND        CloneFlags = 0x00000800
	CLONE_PIDFD          CloneFlags = 0x00001000
	CLONE_PTRACE         CloneFlags = 0x00002000
	CLONE_VFORK          CloneFlags = 0x00004000
	CLONE_PARENT         CloneFlags = 0x00008000
	CLONE_THREAD         CloneFlags = 0x00010000
	CLONE_NEWNS          CloneFlags = 0x00020000
	CLONE_SYSVSEM        CloneFlags = 0x00040000
	CLONE_SETTLS         CloneFlags = 0x00080000
	CLONE_PARENT_SETTID  CloneFlags = 0x00100000
	CLONE_CHILD_CLEARTID CloneFlags = 0x00200000
	CLONE_DETACHED       CloneFlags = 0x00400000
	CLONE_UNTRACED       CloneFlags = 0x00800000
	CLONE_CHILD_SETTID   CloneFlags = 0x01000000
)

var cloneFlagNames = []struct {
	flag CloneFlags
	name string
}{
	{CLONE_VM, "VM"},
	{CLONE_FS, "FS"},
	{CLONE_FILES, "FILES"},
	{CLONE_SIGHAND, "SIGHAND"},
	{CLONE_PIDFD, "PIDFD"},
	{CLONE_PTRACE, "PTRACE"},
	{CLONE_VFORK, "VFORK"},
	{CLONE_PARENT, "PARENT"},
	{CLONE_THREAD, "THREAD"},
	{CLONE_NEWNS, "NEWNS"},
	{CLONE_SYSVSEM, "SYSVSEM"},
	{CLONE_SETTLS, "SETTLS"},
	{CLONE_PARENT_SETTID, "PARENT_SETTID"},
	{CLONE_CHILD_CLEARTID, "CHILD_CLEARTID"},
	{CLONE_DETACHED, "DETACHED"},
	{CLONE_UNTRACED, "UNTRACED"},
	{CLONE_CHILD_SETTID, "CHILD_SETTID"},
}

// Has reports whether every bit of f2 is set in f.
func (f CloneFlags) Has(f2 CloneFlags) bool {
	return f&f2 == f2
}

// ExitSignal returns the signal number carried in the low byte.
func (f CloneFlags) ExitSignal() Signal {
	return Signal(f & CSIGNAL)
}

func (f CloneFlags) String() string {
	var parts []string
	for _, n := range cloneFlagNames {
		if f&n.flag != 0 {
			parts = append(parts, n.name)
		}
	}
	if sig := f.ExitSignal(); sig != 0 {
		parts = append(parts, sig.String())
	}
	if len(parts) == 0 {
		return "0"
	}
	return strings.Join(parts, "|")
}
