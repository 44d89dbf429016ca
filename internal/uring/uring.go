// Package uring is a minimal pure-Go io_uring wrapper covering exactly what
// the ringboard reactor needs: multishot accept into a fixed-file table,
// multishot recvmsg with provided buffer rings, sendmsg, fixed-file close,
// and poll. No CGO; kernel struct layouts are mirrored with unsafe.
//
// The wrapper is deliberately not general purpose. The reactor is the only
// caller, it runs on a single locked OS thread (IORING_SETUP_SINGLE_ISSUER
// and DEFER_TASKRUN require that), and nothing here is safe for concurrent
// use.
package uring

import (
	"fmt"
	"sync/atomic"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Mmap offsets for the io_uring regions.
const (
	offSQRing = 0
	offCQRing = 0x8000000
	offSQEs   = 0x10000000
)

// io_uring_setup flags.
const (
	SetupCoopTaskrun  = 1 << 8
	SetupSingleIssuer = 1 << 12
	SetupDeferTaskrun = 1 << 13
)

// io_uring_enter flags.
const enterGetEvents = 1

// io_uring_params features.
const featSingleMmap = 1 << 0

// Opcodes used by the reactor.
const (
	opPollAdd = 6
	opSendmsg = 9
	opRecvmsg = 10
	opAccept  = 13
	opClose   = 19
)

// SQE flag bits.
const (
	sqeFixedFile    = 1 << 0
	sqeIOLink       = 1 << 2
	sqeBufferSelect = 1 << 5
)

// ioprio bits for accept/recv multishot.
const (
	acceptMultishot = 1 << 0
	recvMultishot   = 1 << 1
)

// len field bit for multishot poll.
const pollAddMulti = 1 << 0

// FileIndexAlloc asks the kernel to pick a free fixed-file slot.
const FileIndexAlloc = ^uint32(0)

// CQE flag bits.
const (
	cqeFBuffer = 1 << 0
	cqeFMore   = 1 << 1

	cqeBufferShift = 16
)

type sqringOffsets struct {
	Head        uint32
	Tail        uint32
	RingMask    uint32
	RingEntries uint32
	Flags       uint32
	Dropped     uint32
	Array       uint32
	Resv1       uint32
	UserAddr    uint64
}

type cqringOffsets struct {
	Head        uint32
	Tail        uint32
	RingMask    uint32
	RingEntries uint32
	Overflow    uint32
	CQEs        uint32
	Flags       uint32
	Resv1       uint32
	UserAddr    uint64
}

type params struct {
	SQEntries    uint32
	CQEntries    uint32
	Flags        uint32
	SQThreadCPU  uint32
	SQThreadIdle uint32
	Features     uint32
	WQFd         uint32
	Resv         [3]uint32
	SQOff        sqringOffsets
	CQOff        cqringOffsets
}

// SQE is a 64-byte submission queue entry matching struct io_uring_sqe.
type SQE struct {
	Opcode      uint8
	Flags       uint8
	Ioprio      uint16
	Fd          int32
	Off         uint64
	Addr        uint64
	Len         uint32
	OpcodeFlags uint32
	UserData    uint64
	BufIndex    uint16
	Personality uint16
	FileIndex   uint32 // union with splice_fd_in
	Addr3       uint64
	_pad2       [1]uint64
}

// CQE is a 16-byte completion queue entry matching struct io_uring_cqe.
type CQE struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

// Err converts a negative CQE result into a syscall error, or nil.
func (c *CQE) Err() error {
	if c.Res >= 0 {
		return nil
	}

	return syscall.Errno(-c.Res)
}

// More reports whether this multishot operation stays armed.
func (c *CQE) More() bool {
	return c.Flags&cqeFMore != 0
}

// BufferID returns the provided-buffer id the kernel selected, if any.
func (c *CQE) BufferID() (uint16, bool) {
	if c.Flags&cqeFBuffer == 0 {
		return 0, false
	}

	return uint16(c.Flags >> cqeBufferShift), true
}

// Ring is an io_uring instance.
type Ring struct {
	fd      int
	sqMem   []byte
	cqMem   []byte
	sqesMem []byte

	sqHead  *uint32
	sqTail  *uint32
	sqMask  uint32
	sqArray unsafe.Pointer

	cqHead *uint32
	cqTail *uint32
	cqMask uint32
	cqes   unsafe.Pointer

	sqes    unsafe.Pointer
	entries uint32

	// sqeNext counts SQEs handed out but not yet published to sqTail.
	sqeNext uint32
}

// New creates an io_uring instance with the given number of SQ entries and
// setup flags.
func New(entries, flags uint32) (*Ring, error) {
	p := params{Flags: flags}

	fd, _, errno := syscall.RawSyscall(unix.SYS_IO_URING_SETUP,
		uintptr(entries), uintptr(unsafe.Pointer(&p)), 0)
	if errno != 0 {
		return nil, fmt.Errorf("io_uring_setup: %w", errno)
	}

	r := &Ring{fd: int(fd), entries: p.SQEntries}

	mmapErr := r.mmapRings(&p)
	if mmapErr != nil {
		_ = unix.Close(r.fd)

		return nil, mmapErr
	}

	return r, nil
}

func (r *Ring) mmapRings(p *params) error {
	sqRingSize := p.SQOff.Array + p.SQEntries*4

	sqMem, err := syscall.Mmap(r.fd, offSQRing, int(sqRingSize),
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED|syscall.MAP_POPULATE)
	if err != nil {
		return fmt.Errorf("mmap sq ring: %w", err)
	}

	r.sqMem = sqMem

	if p.Features&featSingleMmap != 0 {
		r.cqMem = sqMem
	} else {
		cqRingSize := p.CQOff.CQEs + p.CQEntries*uint32(unsafe.Sizeof(CQE{}))

		cqMem, err := syscall.Mmap(r.fd, offCQRing, int(cqRingSize),
			syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED|syscall.MAP_POPULATE)
		if err != nil {
			_ = syscall.Munmap(sqMem)

			return fmt.Errorf("mmap cq ring: %w", err)
		}

		r.cqMem = cqMem
	}

	sqeSize := p.SQEntries * uint32(unsafe.Sizeof(SQE{}))

	sqesMem, err := syscall.Mmap(r.fd, offSQEs, int(sqeSize),
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED|syscall.MAP_POPULATE)
	if err != nil {
		if &r.cqMem[0] != &r.sqMem[0] {
			_ = syscall.Munmap(r.cqMem)
		}

		_ = syscall.Munmap(r.sqMem)

		return fmt.Errorf("mmap sqes: %w", err)
	}

	r.sqesMem = sqesMem

	base := unsafe.Pointer(&sqMem[0])
	r.sqHead = (*uint32)(unsafe.Add(base, p.SQOff.Head))
	r.sqTail = (*uint32)(unsafe.Add(base, p.SQOff.Tail))
	r.sqMask = *(*uint32)(unsafe.Add(base, p.SQOff.RingMask))
	r.sqArray = unsafe.Add(base, p.SQOff.Array)

	cqBase := unsafe.Pointer(&r.cqMem[0])
	r.cqHead = (*uint32)(unsafe.Add(cqBase, p.CQOff.Head))
	r.cqTail = (*uint32)(unsafe.Add(cqBase, p.CQOff.Tail))
	r.cqMask = *(*uint32)(unsafe.Add(cqBase, p.CQOff.RingMask))
	r.cqes = unsafe.Add(cqBase, p.CQOff.CQEs)

	r.sqes = unsafe.Pointer(&sqesMem[0])

	return nil
}

// Close releases all ring resources.
func (r *Ring) Close() {
	if r.sqesMem != nil {
		_ = syscall.Munmap(r.sqesMem)
	}

	if r.cqMem != nil && (r.sqMem == nil || &r.cqMem[0] != &r.sqMem[0]) {
		_ = syscall.Munmap(r.cqMem)
	}

	if r.sqMem != nil {
		_ = syscall.Munmap(r.sqMem)
	}

	_ = unix.Close(r.fd)
}

// Entries returns the SQ ring size.
func (r *Ring) Entries() uint32 {
	return r.entries
}

// SQSpace returns how many SQEs can still be queued before a submit is
// required.
func (r *Ring) SQSpace() uint32 {
	head := atomic.LoadUint32(r.sqHead)

	return r.entries - (*r.sqTail + r.sqeNext - head)
}

// GetSQE hands out the next free submission entry, zeroed. Returns nil when
// the queue is full; callers maintain enough headroom that this is an
// invariant violation, not a routine condition.
func (r *Ring) GetSQE() *SQE {
	if r.SQSpace() == 0 {
		return nil
	}

	idx := (*r.sqTail + r.sqeNext) & r.sqMask
	r.sqeNext++

	sqe := (*SQE)(unsafe.Add(r.sqes, uintptr(idx)*unsafe.Sizeof(SQE{})))
	*sqe = SQE{}

	return sqe
}

// flush publishes queued SQEs to the kernel-visible tail and returns how
// many were published.
func (r *Ring) flush() uint32 {
	if r.sqeNext == 0 {
		return *r.sqTail - atomic.LoadUint32(r.sqHead)
	}

	tail := *r.sqTail
	for i := uint32(0); i < r.sqeNext; i++ {
		slot := (tail + i) & r.sqMask
		*(*uint32)(unsafe.Add(r.sqArray, uintptr(slot)*4)) = slot
	}

	newTail := tail + r.sqeNext
	atomic.StoreUint32(r.sqTail, newTail)
	r.sqeNext = 0

	return newTail - atomic.LoadUint32(r.sqHead)
}

// SubmitAndWait submits all queued SQEs and blocks until at least wait
// completions are available. This is the reactor's only suspension point.
func (r *Ring) SubmitAndWait(wait uint32) error {
	toSubmit := r.flush()

	_, _, errno := syscall.Syscall6(unix.SYS_IO_URING_ENTER,
		uintptr(r.fd), uintptr(toSubmit), uintptr(wait),
		enterGetEvents, 0, 0)
	if errno != 0 {
		if errno == syscall.EINTR {
			return syscall.EINTR
		}

		return fmt.Errorf("io_uring_enter: %w", errno)
	}

	return nil
}

// PeekCQE returns the next unseen completion without consuming it.
func (r *Ring) PeekCQE() (*CQE, bool) {
	head := atomic.LoadUint32(r.cqHead)
	if head == atomic.LoadUint32(r.cqTail) {
		return nil, false
	}

	idx := head & r.cqMask

	return (*CQE)(unsafe.Add(r.cqes, uintptr(idx)*unsafe.Sizeof(CQE{}))), true
}

// SeenCQE consumes the completion previously returned by PeekCQE.
func (r *Ring) SeenCQE() {
	atomic.StoreUint32(r.cqHead, atomic.LoadUint32(r.cqHead)+1)
}
