package mm

import (
	"encoding/binary"
)

const (
	elfHeaderSize  = 64
	progHeaderSize = 56
)

// MinimalELF builds a static ELF64 executable for machine whose single
// read-execute segment is loaded at base and holds code. It returns the
// image and its entry point, the address of the first byte of code.
func MinimalELF(machine uint16, base uint64, code []byte) ([]byte, uint64) {
	off := uint64(elfHeaderSize + progHeaderSize)
	img := make([]byte, off+uint64(len(code)))
	le := binary.LittleEndian

	copy(img[0:4], "\x7fELF")
	img[4] = 2 // ELFCLASS64
	img[5] = 1 // ELFDATA2LSB
	img[6] = 1 // EV_CURRENT

	le.PutUint16(img[16:], 2) // ET_EXEC
	le.PutUint16(img[18:], machine)
	le.PutUint32(img[20:], 1)
	entry := base + off
	le.PutUint64(img[24:], entry)
	le.PutUint64(img[32:], elfHeaderSize)
	le.PutUint16(img[52:], elfHeaderSize)
	le.PutUint16(img[54:], progHeaderSize)
	le.PutUint16(img[56:], 1)

	ph := img[elfHeaderSize:]
	le.PutUint32(ph[0:], 1) // PT_LOAD
	le.PutUint32(ph[4:], 5) // PF_R|PF_X
	le.PutUint64(ph[8:], 0)
	le.PutUint64(ph[16:], base)
	le.PutUint64(ph[24:], base)
	le.PutUint64(ph[32:], uint64(len(img)))
	le.PutUint64(ph[40:], uint64(len(img)))
	le.PutUint64(ph[48:], PageSize)

	copy(img[off:], code)
	return img, entry
}
