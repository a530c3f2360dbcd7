// Package swapfile implements the block-addressed backing store the VMM
// evicts anonymous pages to: a slot allocator over a file, read and
// written at page granularity via golang.org/x/sys/unix's pread/pwrite.
package swapfile

import (
	"math/bits"
	"sync"

	"golang.org/x/sys/unix"

	"corekernel/kernel"
)

// PageSize is the granularity of one swap slot.
const PageSize = 4096

// Slot identifies one page-sized region of the swap file.
type Slot uint64

// InvalidSlot is returned by AllocSlot on exhaustion.
const InvalidSlot = Slot(^uint64(0))

// File is a fixed-capacity swap area backed by an open file descriptor.
// Slot allocation reuses the bitmap-scan technique from kernel/pmm,
// applied to slot indices instead of physical frame indices.
type File struct {
	mu    sync.Mutex
	fd    int
	words []uint64
	slots uint64
}

// Open creates a swap area of the given slot count over fd, an already
// open, writable file descriptor sized to at least slots*PageSize bytes.
func Open(fd int, slots uint64) *File {
	return &File{fd: fd, words: make([]uint64, (slots+63)/64), slots: slots}
}

func (f *File) isSet(s Slot) bool { return f.words[s/64]&(1<<(s%64)) != 0 }
func (f *File) set(s Slot)        { f.words[s/64] |= 1 << (s % 64) }
func (f *File) clear(s Slot)      { f.words[s/64] &^= 1 << (s % 64) }

// AllocSlot reserves and returns the first free slot.
func (f *File) AllocSlot() (Slot, *kernel.Error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for wi, w := range f.words {
		if w == ^uint64(0) {
			continue
		}
		bit := bits.TrailingZeros64(^w)
		s := Slot(wi*64 + bit)
		if uint64(s) >= f.slots {
			break
		}
		f.set(s)
		return s, nil
	}
	return InvalidSlot, kernel.ErrNoMem.WithMessage("swapfile", "swap area exhausted")
}

// DeallocSlot releases slot s. Releasing a slot that is not currently
// allocated is a contract violation and panics, mirroring kernel/pmm's
// double-free detection.
func (f *File) DeallocSlot(s Slot) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if uint64(s) >= f.slots || !f.isSet(s) {
		kernel.Panic(kernel.PanicDoubleFree, "swapfile.DeallocSlot: slot was not allocated")
	}
	f.clear(s)
}

// WritePage writes exactly one page of data to slot s.
func (f *File) WritePage(s Slot, data []byte) *kernel.Error {
	if len(data) != PageSize {
		return kernel.ErrInvalid.WithMessage("swapfile", "WritePage requires exactly one page of data")
	}
	if _, err := unix.Pwrite(f.fd, data, int64(s)*PageSize); err != nil {
		return kernel.ErrAccess.WithMessage("swapfile", "pwrite failed: "+err.Error())
	}
	return nil
}

// ReadPage reads exactly one page of data from slot s into data.
func (f *File) ReadPage(s Slot, data []byte) *kernel.Error {
	if len(data) != PageSize {
		return kernel.ErrInvalid.WithMessage("swapfile", "ReadPage requires exactly one page of data")
	}
	if _, err := unix.Pread(f.fd, data, int64(s)*PageSize); err != nil {
		return kernel.ErrAccess.WithMessage("swapfile", "pread failed: "+err.Error())
	}
	return nil
}
