package mm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"kproc/pkg/abi"
)

// PageSize is the size of a page.
const PageSize = 4096

// User address layout.
const (
	UserBase = 0x1000
	UserTop  = 0x40_0000_0000

	// TrampolineAddr is where the sigreturn trampoline is mapped, just
	// above the user range so unmapping user memory keeps it.
	TrampolineAddr = UserTop

	StackTop  = 0x3f_f000_0000
	StackSize = 64 * 1024
)

// Memory errors.
var (
	ErrFault    = fmt.Errorf("mm: bad address: %w", abi.EFAULT)
	ErrRange    = fmt.Errorf("mm: range outside user space: %w", abi.EINVAL)
	ErrReadOnly = fmt.Errorf("mm: write to read-only mapping: %w", abi.EFAULT)
	errReleased = errors.New("mm: address space released")
)

var nextSpaceID atomic.Uint64

type page struct {
	data [PageSize]byte
	// refs counts the address spaces mapping this page.
	refs atomic.Int32
}

func newPage() *page {
	p := &page{}
	p.refs.Store(1)
	return p
}

// AddressSpace is a user address space.
type AddressSpace struct {
	id uint64

	mu     sync.RWMutex
	pages  map[uint64]*page
	kernel *KernelMappings

	owners atomic.Int32
}

// NewAddressSpace returns an empty address space with one owner and the
// given kernel portion attached.
func NewAddressSpace(k *KernelMappings) *AddressSpace {
	as := &AddressSpace{
		id:     nextSpaceID.Add(1),
		pages:  make(map[uint64]*page),
		kernel: k,
	}
	as.owners.Store(1)
	return as
}

// ID identifies the address space for private futex keys.
func (as *AddressSpace) ID() uint64 {
	return as.id
}

// Acquire adds an owner.
func (as *AddressSpace) Acquire() *AddressSpace {
	as.owners.Add(1)
	return as
}

// Release drops an owner. The last owner unmaps all user memory.
func (as *AddressSpace) Release() {
	if as.owners.Add(-1) == 0 {
		as.UnmapUser()
	}
}

// Owners returns the number of owners.
func (as *AddressSpace) Owners() int {
	return int(as.owners.Load())
}

func checkRange(addr, length uint64) error {
	end := addr + length
	if addr < UserBase || end > UserTop || end < addr {
		return ErrRange
	}
	return nil
}

// Map backs [addr, addr+length) with zeroed pages. Pages already mapped are
// left alone.
func (as *AddressSpace) Map(addr, length uint64) error {
	if length == 0 {
		return nil
	}
	start := addr &^ (PageSize - 1)
	end := (addr + length + PageSize - 1) &^ (PageSize - 1)
	if err := checkRange(start, end-start); err != nil {
		return err
	}

	as.mu.Lock()
	defer as.mu.Unlock()
	for va := start; va < end; va += PageSize {
		if _, ok := as.pages[va]; !ok {
			as.pages[va] = newPage()
		}
	}
	return nil
}

// Unmap removes the pages covering [addr, addr+length).
func (as *AddressSpace) Unmap(addr, length uint64) {
	start := addr &^ (PageSize - 1)
	end := (addr + length + PageSize - 1) &^ (PageSize - 1)

	as.mu.Lock()
	defer as.mu.Unlock()
	for va := start; va < end; va += PageSize {
		if p, ok := as.pages[va]; ok {
			p.refs.Add(-1)
			delete(as.pages, va)
		}
	}
}

// UnmapUser removes every user page. The kernel portion stays attached.
func (as *AddressSpace) UnmapUser() {
	as.mu.Lock()
	defer as.mu.Unlock()
	for va, p := range as.pages {
		p.refs.Add(-1)
		delete(as.pages, va)
	}
}

// Mapped reports whether addr is backed by a user or kernel page.
func (as *AddressSpace) Mapped(addr uint64) bool {
	as.mu.RLock()
	defer as.mu.RUnlock()
	_, ok := as.lookupLocked(addr &^ (PageSize - 1))
	return ok
}

// Resident returns the number of bytes of user memory mapped.
func (as *AddressSpace) Resident() uint64 {
	as.mu.RLock()
	defer as.mu.RUnlock()
	return uint64(len(as.pages)) * PageSize
}

// CloneCOW returns a copy of the user portion that shares every page until
// one side writes to it. The kernel portion is not attached.
func (as *AddressSpace) CloneCOW() (*AddressSpace, error) {
	as.mu.RLock()
	defer as.mu.RUnlock()
	if as.owners.Load() == 0 {
		return nil, errReleased
	}
	c := NewAddressSpace(nil)
	for va, p := range as.pages {
		p.refs.Add(1)
		c.pages[va] = p
	}
	return c, nil
}

// CloneEager returns a copy of the user portion with every page copied.
// The kernel portion is not attached.
func (as *AddressSpace) CloneEager() (*AddressSpace, error) {
	as.mu.RLock()
	defer as.mu.RUnlock()
	if as.owners.Load() == 0 {
		return nil, errReleased
	}
	c := NewAddressSpace(nil)
	for va, p := range as.pages {
		np := newPage()
		np.data = p.data
		c.pages[va] = np
	}
	return c, nil
}

// AttachKernel installs the kernel portion.
func (as *AddressSpace) AttachKernel(k *KernelMappings) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.kernel = k
}

func (as *AddressSpace) lookupLocked(va uint64) (*page, bool) {
	if p, ok := as.pages[va]; ok {
		return p, true
	}
	if as.kernel != nil {
		if p, ok := as.kernel.pages[va]; ok {
			return p, true
		}
	}
	return nil, false
}

// ReadAt reads user memory at virtual address off.
func (as *AddressSpace) ReadAt(p []byte, off int64) (int, error) {
	as.mu.RLock()
	defer as.mu.RUnlock()

	n := 0
	addr := uint64(off)
	for n < len(p) {
		va := addr &^ (PageSize - 1)
		pg, ok := as.lookupLocked(va)
		if !ok {
			return n, fmt.Errorf("read %#x: %w", addr, ErrFault)
		}
		c := copy(p[n:], pg.data[addr-va:])
		n += c
		addr += uint64(c)
	}
	return n, nil
}

// WriteAt writes user memory at virtual address off, breaking
// copy-on-write sharing as needed.
func (as *AddressSpace) WriteAt(p []byte, off int64) (int, error) {
	as.mu.Lock()
	defer as.mu.Unlock()

	n := 0
	addr := uint64(off)
	for n < len(p) {
		va := addr &^ (PageSize - 1)
		pg, ok := as.pages[va]
		if !ok {
			if _, kernel := as.lookupLocked(va); kernel {
				return n, fmt.Errorf("write %#x: %w", addr, ErrReadOnly)
			}
			return n, fmt.Errorf("write %#x: %w", addr, ErrFault)
		}
		if pg.refs.Load() > 1 {
			np := newPage()
			np.data = pg.data
			pg.refs.Add(-1)
			as.pages[va] = np
			pg = np
		}
		c := copy(pg.data[addr-va:], p[n:])
		n += c
		addr += uint64(c)
	}
	return n, nil
}

// ReadU32 reads a 32-bit little-endian word.
func (as *AddressSpace) ReadU32(addr uint64) (uint32, error) {
	var buf [4]byte
	if _, err := as.ReadAt(buf[:], int64(addr)); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// WriteU32 writes a 32-bit little-endian word.
func (as *AddressSpace) WriteU32(addr uint64, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := as.WriteAt(buf[:], int64(addr))
	return err
}

// ReadU64 reads a 64-bit little-endian word.
func (as *AddressSpace) ReadU64(addr uint64) (uint64, error) {
	var buf [8]byte
	if _, err := as.ReadAt(buf[:], int64(addr)); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// WriteU64 writes a 64-bit little-endian word.
func (as *AddressSpace) WriteU64(addr, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := as.WriteAt(buf[:], int64(addr))
	return err
}

// ReadString reads a NUL-terminated string of at most limit bytes.
func (as *AddressSpace) ReadString(addr uint64, limit int) (string, error) {
	var out []byte
	var b [1]byte
	for len(out) < limit {
		if _, err := as.ReadAt(b[:], int64(addr)+int64(len(out))); err != nil {
			return "", err
		}
		if b[0] == 0 {
			return string(out), nil
		}
		out = append(out, b[0])
	}
	return "", fmt.Errorf("mm: string at %#x: %w", addr, abi.ENAMETOOLONG)
}

// ReadStringArray reads a NULL-terminated array of string pointers, as
// passed for argv and envp. A zero addr yields an empty array.
func (as *AddressSpace) ReadStringArray(addr uint64, maxLen int) ([]string, error) {
	var out []string
	for addr != 0 {
		ptr, err := as.ReadU64(addr)
		if err != nil {
			return nil, err
		}
		if ptr == 0 {
			break
		}
		s, err := as.ReadString(ptr, maxLen)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
		addr += 8
	}
	return out, nil
}

// Frame identifies the page backing addr and the offset within it, for
// keys that must match across address spaces sharing memory.
type Frame struct {
	page *page
	Off  uint64
}

// Translate resolves addr to the page that currently backs it.
func (as *AddressSpace) Translate(addr uint64) (Frame, error) {
	as.mu.RLock()
	defer as.mu.RUnlock()
	va := addr &^ (PageSize - 1)
	pg, ok := as.lookupLocked(va)
	if !ok {
		return Frame{}, fmt.Errorf("translate %#x: %w", addr, ErrFault)
	}
	return Frame{page: pg, Off: addr - va}, nil
}
