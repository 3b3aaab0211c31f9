package mm

import "kproc/pkg/arch"

// KernelMappings is the read-only part shared by every address space.
type KernelMappings struct {
	pages map[uint64]*page
}

// NewKernelMappings builds the kernel portion with the sigreturn
// trampoline at TrampolineAddr.
func NewKernelMappings() *KernelMappings {
	tramp := newPage()
	copy(tramp.data[:], arch.SigreturnTrampoline)
	return &KernelMappings{
		pages: map[uint64]*page{TrampolineAddr: tramp},
	}
}

// Trampoline returns the address of the sigreturn trampoline.
func (k *KernelMappings) Trampoline() uint64 {
	return TrampolineAddr
}
