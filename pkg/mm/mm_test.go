package mm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kproc/pkg/abi"
	"kproc/pkg/arch"
)

const testBase = 0x10000

// TestReadWrite tests word access and fault reporting.
func TestReadWrite(t *testing.T) {
	as := NewAddressSpace(NewKernelMappings())
	require.NoError(t, as.Map(testBase, 2*PageSize))

	// Straddles the page boundary.
	addr := uint64(testBase + PageSize - 2)
	require.NoError(t, as.WriteU32(addr, 0xdeadbeef))
	v, err := as.ReadU32(addr)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xdeadbeef), v)

	_, err = as.ReadU32(0x90000)
	assert.ErrorIs(t, err, abi.EFAULT)
	assert.ErrorIs(t, as.WriteU32(0x90000, 1), ErrFault)
	assert.ErrorIs(t, as.Map(0, PageSize), ErrRange)
	assert.Equal(t, uint64(2*PageSize), as.Resident())
}

// TestCloneCOW tests that copy-on-write clones diverge on write.
func TestCloneCOW(t *testing.T) {
	parent := NewAddressSpace(NewKernelMappings())
	require.NoError(t, parent.Map(testBase, PageSize))
	require.NoError(t, parent.WriteU32(testBase, 1))

	child, err := parent.CloneCOW()
	require.NoError(t, err)

	before, err := parent.Translate(testBase)
	require.NoError(t, err)
	shared, err := child.Translate(testBase)
	require.NoError(t, err)
	assert.Equal(t, before, shared)

	require.NoError(t, child.WriteU32(testBase, 2))
	pv, err := parent.ReadU32(testBase)
	require.NoError(t, err)
	cv, err := child.ReadU32(testBase)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), pv)
	assert.Equal(t, uint32(2), cv)

	after, err := child.Translate(testBase)
	require.NoError(t, err)
	assert.NotEqual(t, before, after)
	assert.NotEqual(t, parent.ID(), child.ID())
}

// TestCloneEager tests the eager copy strategy.
func TestCloneEager(t *testing.T) {
	parent := NewAddressSpace(nil)
	require.NoError(t, parent.Map(testBase, PageSize))
	require.NoError(t, parent.WriteU64(testBase, 7))

	child, err := parent.CloneEager()
	require.NoError(t, err)
	require.NoError(t, parent.WriteU64(testBase, 8))
	v, err := child.ReadU64(testBase)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), v)
}

// TestKernelPortion tests that the trampoline survives unmapping user
// memory and needs reattaching after a clone.
func TestKernelPortion(t *testing.T) {
	k := NewKernelMappings()
	as := NewAddressSpace(k)
	require.NoError(t, as.Map(testBase, PageSize))

	code := make([]byte, len(arch.SigreturnTrampoline))
	_, err := as.ReadAt(code, int64(k.Trampoline()))
	require.NoError(t, err)
	assert.Equal(t, arch.SigreturnTrampoline, code)
	assert.ErrorIs(t, as.WriteU32(k.Trampoline(), 0), ErrReadOnly)

	clone, err := as.CloneCOW()
	require.NoError(t, err)
	assert.False(t, clone.Mapped(k.Trampoline()))
	clone.AttachKernel(k)
	assert.True(t, clone.Mapped(k.Trampoline()))

	as.UnmapUser()
	assert.False(t, as.Mapped(testBase))
	assert.True(t, as.Mapped(k.Trampoline()))
	assert.Zero(t, as.Resident())
}

// TestOwners tests the shared ownership count.
func TestOwners(t *testing.T) {
	as := NewAddressSpace(nil)
	require.NoError(t, as.Map(testBase, PageSize))
	assert.Equal(t, 1, as.Owners())

	as.Acquire()
	assert.Equal(t, 2, as.Owners())
	as.Release()
	assert.True(t, as.Mapped(testBase))
	as.Release()
	assert.False(t, as.Mapped(testBase))

	_, err := as.CloneCOW()
	assert.Error(t, err)
}

// TestELFLoader tests loading a minimal executable and the initial stack.
func TestELFLoader(t *testing.T) {
	img, entry := MinimalELF(arch.ELFMachine, testBase, []byte{0x13, 0, 0, 0})
	as := NewAddressSpace(NewKernelMappings())

	argv := []string{"/bin/true", "-v"}
	envp := []string{"PWD=/tmp"}
	im, err := NewELFLoader().Load(as, img, argv, envp)
	require.NoError(t, err)
	assert.Equal(t, entry, im.Entry)
	assert.Zero(t, im.SP%16)

	word, err := as.ReadU32(entry)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x13), word)

	argc, err := as.ReadU64(im.SP)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), argc)

	gotArgv, err := as.ReadStringArray(im.SP+8, 256)
	require.NoError(t, err)
	assert.Equal(t, argv, gotArgv)

	gotEnv, err := as.ReadStringArray(im.SP+8*4, 256)
	require.NoError(t, err)
	assert.Equal(t, envp, gotEnv)
}

// TestELFLoaderRejects tests non-executable images.
func TestELFLoaderRejects(t *testing.T) {
	as := NewAddressSpace(nil)
	_, err := NewELFLoader().Load(as, []byte("#!/bin/sh\n"), nil, nil)
	assert.ErrorIs(t, err, abi.ENOEXEC)

	img, _ := MinimalELF(arch.ELFMachine+1, testBase, nil)
	_, err = NewELFLoader().Load(as, img, nil, nil)
	assert.ErrorIs(t, err, ErrNotExecutable)
}
