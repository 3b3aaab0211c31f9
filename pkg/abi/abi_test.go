package abi

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestErrnoOf tests errno extraction from wrapped errors.
func TestErrnoOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Errno
	}{
		{"nil", nil, 0},
		{"direct", ESRCH, ESRCH},
		{"wrapped", fmt.Errorf("clone: %w", EAGAIN), EAGAIN},
		{"foreign", errors.New("boom"), EINVAL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ErrnoOf(tt.err))
		})
	}
	assert.Equal(t, uint64(0xfffffffffffffffd), ESRCH.Ret())
}

// TestWaitStatus tests status word packing.
func TestWaitStatus(t *testing.T) {
	ws := ExitedStatus(7)
	assert.Equal(t, WaitStatus(7<<8), ws)
	assert.True(t, ws.Exited())
	assert.False(t, ws.Signaled())
	assert.Equal(t, 7, ws.ExitStatus())

	ws = SignaledStatus(SIGSEGV, true)
	assert.True(t, ws.Signaled())
	assert.True(t, ws.CoreDump())
	assert.Equal(t, SIGSEGV, ws.TermSignal())
}

// TestSiginfoLayout tests that union members land at their Linux offsets.
func TestSiginfoLayout(t *testing.T) {
	si := NewSiginfo(SIGCHLD, 0, CLD_EXITED)
	si.SetSender(42, 0)
	si.SetChild(7, 0, 0)

	assert.Equal(t, []byte{17, 0, 0, 0}, si[0:4])
	assert.Equal(t, []byte{1, 0, 0, 0}, si[8:12])
	assert.Equal(t, []byte{42, 0, 0, 0}, si[16:20])
	assert.Equal(t, []byte{7, 0, 0, 0}, si[24:28])
	assert.Equal(t, SIGCHLD, si.Signo())
	assert.Equal(t, CLD_EXITED, si.Code())
	assert.Equal(t, int32(42), si.Pid())
	assert.Equal(t, int32(7), si.Status())

	tk := NewSiginfo(SIGUSR1, 0, SI_TKILL)
	assert.Equal(t, []byte{0xfa, 0xff, 0xff, 0xff}, tk[8:12])
}

// TestSigactionDecode tests decoding of the user sigaction layout.
func TestSigactionDecode(t *testing.T) {
	buf := []byte{
		0x00, 0x30, 0, 0, 0, 0, 0, 0,
		0x04, 0, 0, 0x40, 0, 0, 0, 0,
		0x02, 0, 0, 0, 0, 0, 0, 0,
	}
	var sa Sigaction
	require.NoError(t, sa.Decode(buf))
	assert.Equal(t, uint64(0x3000), sa.Handler)
	assert.Equal(t, uint64(SA_SIGINFO|SA_NODEFER), sa.Flags)
	assert.Equal(t, uint64(2), sa.Mask)
	assert.Equal(t, buf, sa.Encode())

	assert.ErrorIs(t, sa.Decode(buf[:8]), ErrShortBuffer)
}

// TestUcontext tests the ucontext header and machine context placement.
func TestUcontext(t *testing.T) {
	mc := []byte{1, 2, 3, 4}
	uc := EncodeUcontext(Stack{Flags: SS_DISABLE}, 0x1234, 16, mc)

	off := UcontextMcontextOffset(16)
	assert.Equal(t, 176, off)
	assert.Equal(t, 168, UcontextMcontextOffset(8))
	assert.Equal(t, mc, uc[off:])

	mask, err := UcontextSigmask(uc)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1234), mask)
}

// TestCloneFlags tests flag helpers.
func TestCloneFlags(t *testing.T) {
	f := CLONE_VM | CLONE_THREAD | CLONE_SIGHAND | CloneFlags(SIGCHLD)
	assert.True(t, f.Has(CLONE_VM|CLONE_SIGHAND))
	assert.False(t, f.Has(CLONE_VM|CLONE_FILES))
	assert.Equal(t, SIGCHLD, f.ExitSignal())
	assert.Equal(t, "VM|SIGHAND|THREAD|SIGCHLD", f.String())
	assert.Equal(t, "0", CloneFlags(0).String())
}

// TestSignalString tests signal naming.
func TestSignalString(t *testing.T) {
	assert.Equal(t, "SIGKILL", SIGKILL.String())
	assert.Equal(t, "SIGRT0", SIGRTMIN.String())
	assert.Equal(t, "signal 65", Signal(65).String())
	assert.False(t, Signal(0).Valid())
	assert.True(t, SIGRTMAX.Valid())
	assert.True(t, SIGSTOP.Unblockable())

	for _, name := range []string{"SIGUSR1", "usr1", "10"} {
		sig, ok := ParseSignal(name)
		assert.True(t, ok, name)
		assert.Equal(t, SIGUSR1, sig, name)
	}
	sig, ok := ParseSignal("SIGRT2")
	assert.True(t, ok)
	assert.Equal(t, SIGRTMIN+2, sig)
	for _, name := range []string{"SIGNOPE", "0", "65", "SIGRT40"} {
		_, ok := ParseSignal(name)
		assert.False(t, ok, name)
	}
}
