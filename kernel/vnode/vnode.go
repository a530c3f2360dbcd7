// Package vnode defines the file/device collaborator the VMM's
// file-backed mappings and the heap's disk-backed paths read and write
// through, plus an in-memory reference implementation used by tests that
// do not need a real filesystem.
package vnode

import (
	"sync"

	"corekernel/kernel"
)

// Vnode is the minimal file/device interface the VMM needs: byte-range
// reads and writes at a given offset, and a Stat for size.
type Vnode interface {
	Read(offset int64, buf []byte) (int, *kernel.Error)
	Write(offset int64, buf []byte) (int, *kernel.Error)
	Stat() (size int64, writable bool)
}

// CopyKind distinguishes a transfer descriptor's source: a buffer inside
// the kernel's own address space, or one in a user thread's address
// space that must be validated and copied across the boundary.
type CopyKind int

const (
	CopyKernel CopyKind = iota
	CopyUser
)

// Transfer describes one in-flight copy between a Vnode and a buffer,
// enough information to undo a partially completed copy if it is
// interrupted midway (PerformTransfer/RevertTransfer).
type Transfer struct {
	Kind   CopyKind
	Offset int64
	Buf    []byte

	done     int
	wasWrite bool
}

// PerformTransfer copies up to len(t.Buf) bytes between v and t.Buf,
// starting from t.Offset, advancing t.done as bytes complete so a caller
// that gets interrupted partway can call RevertTransfer to undo exactly
// the bytes this call moved.
func PerformTransfer(v Vnode, t *Transfer, write bool) (int, *kernel.Error) {
	t.wasWrite = write
	if write {
		n, err := v.Write(t.Offset, t.Buf)
		t.done = n
		return n, err
	}
	n, err := v.Read(t.Offset, t.Buf)
	t.done = n
	return n, err
}

// RevertTransfer undoes a write transfer's effect on the underlying
// vnode by re-writing zeros over the bytes it wrote; read transfers have
// no vnode-side effect to revert, so RevertTransfer only resets Buf for
// those.
func RevertTransfer(v Vnode, t *Transfer) *kernel.Error {
	if t.wasWrite && t.done > 0 {
		zeros := make([]byte, t.done)
		if _, err := v.Write(t.Offset, zeros); err != nil {
			return err
		}
	}
	for i := 0; i < t.done; i++ {
		t.Buf[i] = 0
	}
	t.done = 0
	return nil
}

// MemVnode is an in-memory Vnode backing test fixtures for the VMM's
// file-backed mapping path.
type MemVnode struct {
	mu       sync.Mutex
	data     []byte
	writable bool
}

// NewMemVnode returns a Vnode over an in-memory buffer initialized from
// data (copied).
func NewMemVnode(data []byte, writable bool) *MemVnode {
	buf := make([]byte, len(data))
	copy(buf, data)
	return &MemVnode{data: buf, writable: writable}
}

func (m *MemVnode) Read(offset int64, buf []byte) (int, *kernel.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if offset < 0 || offset > int64(len(m.data)) {
		return 0, kernel.ErrInvalid.WithMessage("vnode", "read offset out of range")
	}
	n := copy(buf, m.data[offset:])
	return n, nil
}

func (m *MemVnode) Write(offset int64, buf []byte) (int, *kernel.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.writable {
		return 0, kernel.ErrAccess.WithMessage("vnode", "vnode is not writable")
	}
	end := offset + int64(len(buf))
	if end > int64(len(m.data)) {
		grown := make([]byte, end)
		copy(grown, m.data)
		m.data = grown
	}
	n := copy(m.data[offset:], buf)
	return n, nil
}

func (m *MemVnode) Stat() (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.data)), m.writable
}
