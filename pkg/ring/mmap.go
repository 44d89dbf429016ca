package ring

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Mmap is a remappable memory mapping of a file.
//
// The mapping keeps the file open so it can be remapped when the underlying
// file grows. Bytes returned by [Mmap.Bytes] are invalidated by Remap and
// Close; callers that hand out sub-slices (the entry resolver does) must not
// remap while those slices are live. Nothing tracks outstanding slices: a
// loaded entry's bytes stay valid only until its reader remaps or closes.
type Mmap struct {
	f        *os.File
	data     []byte
	writable bool
}

// NewMmap maps size bytes of f. The mapping takes ownership of f.
func NewMmap(f *os.File, size int, writable bool) (*Mmap, error) {
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}

	return &Mmap{f: f, data: data, writable: writable}, nil
}

// Len returns the mapping's length in bytes.
func (m *Mmap) Len() int { return len(m.data) }

// Bytes returns the mapped memory. The slice is invalidated by Remap and
// Close.
func (m *Mmap) Bytes() []byte { return m.data }

// File returns the backing file. The Mmap retains ownership.
func (m *Mmap) File() *os.File { return m.f }

// Extend grows the backing file to at least size bytes. Writer mappings
// only; readers observe growth through Remap. The comparison is against the
// file's real size, which can be smaller than the mapping (bucket mappings
// have a 4096-byte floor).
func (m *Mmap) Extend(size int) error {
	info, err := m.f.Stat()
	if err != nil {
		return fmt.Errorf("stat mapped file: %w", err)
	}

	if int64(size) <= info.Size() {
		return nil
	}

	return m.f.Truncate(int64(size))
}

// Remap replaces the mapping with one of the given length. The previous
// bytes are unmapped; any outstanding sub-slices become invalid.
func (m *Mmap) Remap(size int) error {
	prot := unix.PROT_READ
	if m.writable {
		prot |= unix.PROT_WRITE
	}

	data, err := unix.Mmap(int(m.f.Fd()), 0, size, prot, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap: %w", err)
	}

	old := m.data
	m.data = data

	if old != nil {
		unmapErr := unix.Munmap(old)
		if unmapErr != nil {
			return fmt.Errorf("munmap: %w", unmapErr)
		}
	}

	return nil
}

// Close unmaps the memory and closes the backing file. Idempotent.
func (m *Mmap) Close() error {
	if m.data != nil {
		unmapErr := unix.Munmap(m.data)
		m.data = nil

		if unmapErr != nil {
			_ = m.f.Close()

			return fmt.Errorf("munmap: %w", unmapErr)
		}
	}

	if m.f != nil {
		closeErr := m.f.Close()
		m.f = nil

		if closeErr != nil {
			return fmt.Errorf("closing mapped file: %w", closeErr)
		}
	}

	return nil
}

// Atomic accessors into mapped memory. The offsets used by this package are
// naturally aligned (the header is 24 bytes and slots are 8 bytes), which
// the atomic package requires for 64-bit operations.

func atomicLoadUint64(b []byte) uint64 {
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(&b[0])))
}

func atomicStoreUint64(b []byte, v uint64) {
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&b[0])), v)
}

func atomicLoadUint32(b []byte) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&b[0])))
}

func atomicStoreUint32(b []byte, v uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&b[0])), v)
}
