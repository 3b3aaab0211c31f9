package mm

import (
	"bytes"
	"debug/elf"
	"fmt"
	"io"

	"kproc/pkg/abi"
	"kproc/pkg/arch"
)

// ErrNotExecutable is returned for images the loader cannot run.
var ErrNotExecutable = fmt.Errorf("mm: not an executable: %w", abi.ENOEXEC)

// Auxiliary vector tags.
const (
	atNull   = 0
	atPagesz = 6
	atEntry  = 9
	atRandom = 25
)

// Image is where a loaded program starts.
type Image struct {
	Entry uint64
	SP    uint64
	// TP is the initial thread pointer, zero when the image has no TLS.
	TP uint64
}

// Loader loads a program into an empty address space and lays out its
// initial stack.
type Loader interface {
	Load(as *AddressSpace, image []byte, argv, envp []string) (Image, error)
}

// ELFLoader loads statically linked little-endian ELF64 executables.
type ELFLoader struct {
	Machine elf.Machine
}

// NewELFLoader returns a loader for the build architecture.
func NewELFLoader() *ELFLoader {
	return &ELFLoader{Machine: elf.Machine(arch.ELFMachine)}
}

func (l *ELFLoader) Load(as *AddressSpace, image []byte, argv, envp []string) (Image, error) {
	f, err := elf.NewFile(bytes.NewReader(image))
	if err != nil {
		return Image{}, fmt.Errorf("%w: %v", ErrNotExecutable, err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 || f.Data != elf.ELFDATA2LSB || f.Machine != l.Machine || f.Type != elf.ET_EXEC {
		return Image{}, fmt.Errorf("%w: %v %v %v %v", ErrNotExecutable, f.Class, f.Data, f.Machine, f.Type)
	}

	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD || p.Memsz == 0 {
			continue
		}
		if p.Filesz > p.Memsz {
			return Image{}, fmt.Errorf("%w: segment at %#x", ErrNotExecutable, p.Vaddr)
		}
		if err := as.Map(p.Vaddr, p.Memsz); err != nil {
			return Image{}, err
		}
		buf := make([]byte, p.Filesz)
		if _, err := io.ReadFull(p.Open(), buf); err != nil {
			return Image{}, fmt.Errorf("%w: %v", ErrNotExecutable, err)
		}
		if _, err := as.WriteAt(buf, int64(p.Vaddr)); err != nil {
			return Image{}, err
		}
	}

	sp, err := setupStack(as, argv, envp, f.Entry)
	if err != nil {
		return Image{}, err
	}
	return Image{Entry: f.Entry, SP: sp}, nil
}

// setupStack maps the user stack and writes argc, argv, envp and the
// auxiliary vector in the System V layout. It returns the stack pointer.
func setupStack(as *AddressSpace, argv, envp []string, entry uint64) (uint64, error) {
	if err := as.Map(StackTop-StackSize, StackSize); err != nil {
		return 0, err
	}

	pos := uint64(StackTop)
	push := func(b []byte) (uint64, error) {
		pos -= uint64(len(b))
		if pos < StackTop-StackSize/2 {
			return 0, fmt.Errorf("mm: arguments too long: %w", abi.ENOMEM)
		}
		_, err := as.WriteAt(b, int64(pos))
		return pos, err
	}
	pushStrings := func(ss []string) ([]uint64, error) {
		addrs := make([]uint64, len(ss))
		for i := len(ss) - 1; i >= 0; i-- {
			a, err := push(append([]byte(ss[i]), 0))
			if err != nil {
				return nil, err
			}
			addrs[i] = a
		}
		return addrs, nil
	}

	envAddrs, err := pushStrings(envp)
	if err != nil {
		return 0, err
	}
	argAddrs, err := pushStrings(argv)
	if err != nil {
		return 0, err
	}
	random, err := push(bytes.Repeat([]byte{0x5a}, 16))
	if err != nil {
		return 0, err
	}

	words := []uint64{uint64(len(argv))}
	words = append(words, argAddrs...)
	words = append(words, 0)
	words = append(words, envAddrs...)
	words = append(words, 0)
	words = append(words,
		atPagesz, PageSize,
		atEntry, entry,
		atRandom, random,
		atNull, 0,
	)

	sp := (pos - uint64(len(words))*8) &^ 15
	for i, w := range words {
		if err := as.WriteU64(sp+uint64(i)*8, w); err != nil {
			return 0, err
		}
	}
	return sp, nil
}
