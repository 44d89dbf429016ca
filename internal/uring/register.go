package uring

import (
	"fmt"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// io_uring_register opcodes.
const (
	registerFilesUpdate   = 6
	registerFiles2        = 13
	registerPbufRing      = 22
	unregisterPbufRing    = 23
	rsrcRegisterSparseBit = 1 << 0
)

type rsrcRegister struct {
	Nr    uint32
	Flags uint32
	Resv2 uint64
	Data  uint64
	Tags  uint64
}

type filesUpdate struct {
	Offset uint32
	Resv   uint32
	Fds    uint64
}

type bufReg struct {
	RingAddr    uint64
	RingEntries uint32
	Bgid        uint16
	Flags       uint16
	Resv        [3]uint64
}

func (r *Ring) register(opcode uintptr, arg unsafe.Pointer, nrArgs uintptr) error {
	_, _, errno := syscall.Syscall6(unix.SYS_IO_URING_REGISTER,
		uintptr(r.fd), opcode, uintptr(arg), nrArgs, 0, 0)
	if errno != 0 {
		return errno
	}

	return nil
}

// RegisterFilesSparse sets up a fixed-file table of n empty slots.
func (r *Ring) RegisterFilesSparse(n uint32) error {
	reg := rsrcRegister{Nr: n, Flags: rsrcRegisterSparseBit}

	err := r.register(registerFiles2, unsafe.Pointer(&reg), unsafe.Sizeof(reg))
	if err != nil {
		return fmt.Errorf("io_uring_register files sparse: %w", err)
	}

	return nil
}

// RegisterFilesUpdate installs real fds into fixed-file slots starting at
// offset.
func (r *Ring) RegisterFilesUpdate(offset uint32, fds []int32) error {
	upd := filesUpdate{
		Offset: offset,
		Fds:    uint64(uintptr(unsafe.Pointer(&fds[0]))),
	}

	err := r.register(registerFilesUpdate, unsafe.Pointer(&upd), uintptr(len(fds)))
	if err != nil {
		return fmt.Errorf("io_uring_register files update: %w", err)
	}

	return nil
}

// RegisterBufRing creates and registers a provided-buffer ring for buffer
// group bgid with the given number of equally sized buffers. entries must
// be a power of two.
func (r *Ring) RegisterBufRing(bgid uint16, entries uint16, bufLen int) (*BufRing, error) {
	br, err := newBufRing(bgid, entries, bufLen)
	if err != nil {
		return nil, err
	}

	reg := bufReg{
		RingAddr:    uint64(uintptr(unsafe.Pointer(&br.ring[0]))),
		RingEntries: uint32(entries),
		Bgid:        bgid,
	}

	regErr := r.register(registerPbufRing, unsafe.Pointer(&reg), 1)
	if regErr != nil {
		br.free()

		return nil, fmt.Errorf("io_uring_register pbuf ring: %w", regErr)
	}

	// Hand every buffer to the kernel up front.
	for i := uint16(0); i < entries; i++ {
		br.push(i)
	}

	br.publish()

	return br, nil
}

// UnregisterBufRing tears down the buffer ring for bgid and releases its
// memory.
func (r *Ring) UnregisterBufRing(br *BufRing) error {
	reg := bufReg{Bgid: br.bgid}

	err := r.register(unregisterPbufRing, unsafe.Pointer(&reg), 1)

	br.free()

	if err != nil {
		return fmt.Errorf("io_uring_register unregister pbuf ring: %w", err)
	}

	return nil
}
