package uring

import (
	"errors"
	"fmt"
	"sync/atomic"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// bufRingEntry matches struct io_uring_buf (16 bytes). The resv field of
// entry 0 doubles as the ring tail the kernel reads.
type bufRingEntry struct {
	Addr uint64
	Len  uint32
	Bid  uint16
	Resv uint16
}

const bufRingTailOffset = 14 // offsetof(io_uring_buf, resv)

// BufRing is a registered provided-buffer ring: a page-aligned array of
// buffer descriptors the kernel consumes, plus the backing buffers
// themselves. One ring is registered per connected client.
type BufRing struct {
	ring    []byte // kernel-visible descriptor ring
	backing []byte // entries * bufLen payload bytes
	entries uint16
	bufLen  int
	bgid    uint16
	tail    uint16
}

func newBufRing(bgid, entries uint16, bufLen int) (*BufRing, error) {
	if entries == 0 || entries&(entries-1) != 0 {
		return nil, errors.New("buffer ring entries must be a power of two")
	}

	ringSize := int(entries) * int(unsafe.Sizeof(bufRingEntry{}))

	ring, err := syscall.Mmap(-1, 0, ringSize,
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_ANONYMOUS|syscall.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap buffer ring: %w", err)
	}

	return &BufRing{
		ring:    ring,
		backing: make([]byte, int(entries)*bufLen),
		entries: entries,
		bufLen:  bufLen,
		bgid:    bgid,
	}, nil
}

// Group returns the ring's buffer group id.
func (b *BufRing) Group() uint16 {
	return b.bgid
}

// Buffer returns the payload bytes of buffer bid, truncated to n.
func (b *BufRing) Buffer(bid uint16, n int) []byte {
	start := int(bid) * b.bufLen

	return b.backing[start : start+min(n, b.bufLen)]
}

// push stages buffer bid at the local tail without publishing it.
func (b *BufRing) push(bid uint16) {
	idx := b.tail & (b.entries - 1)
	entry := (*bufRingEntry)(unsafe.Pointer(&b.ring[int(idx)*int(unsafe.Sizeof(bufRingEntry{}))]))

	entry.Addr = uint64(uintptr(unsafe.Pointer(&b.backing[int(bid)*b.bufLen])))
	entry.Len = uint32(b.bufLen)
	entry.Bid = bid

	b.tail++
}

// publish makes staged buffers visible to the kernel with a release store
// on the shared tail.
func (b *BufRing) publish() {
	// 16-bit atomics don't exist; the tail at offset 14 shares an aligned
	// 32-bit word with entry 0's bid, so store the containing word.
	word := (*uint32)(unsafe.Pointer(&b.ring[bufRingTailOffset-2]))
	old := atomic.LoadUint32(word)

	atomic.StoreUint32(word, old&0x0000FFFF|uint32(b.tail)<<16)
}

// Recycle hands buffer bid back to the kernel for reuse.
func (b *BufRing) Recycle(bid uint16) {
	b.push(bid)
	b.publish()
}

func (b *BufRing) free() {
	if b.ring != nil {
		_ = syscall.Munmap(b.ring)
		b.ring = nil
	}

	b.backing = nil
}

// RecvMsgOut is the parsed layout of a multishot-recvmsg completion buffer:
// a fixed header followed by name, control, and payload regions sized by
// the msghdr the recv was armed with.
type RecvMsgOut struct {
	Control []byte
	Payload []byte

	flags uint32

	nameLen    uint32
	controlLen uint32
	payloadLen uint32
}

const recvMsgOutHeader = 16

// ParseRecvMsgOut splits a selected buffer according to hdr (the msghdr
// given to PrepRecvMsgMultishot). buf must be the kernel-filled prefix of
// the selected buffer (the CQE result is its length).
func ParseRecvMsgOut(buf []byte, hdr *unix.Msghdr) (RecvMsgOut, error) {
	if len(buf) < recvMsgOutHeader {
		return RecvMsgOut{}, fmt.Errorf("recvmsg buffer too short: %d bytes", len(buf))
	}

	out := RecvMsgOut{
		nameLen:    *(*uint32)(unsafe.Pointer(&buf[0])),
		controlLen: *(*uint32)(unsafe.Pointer(&buf[4])),
		payloadLen: *(*uint32)(unsafe.Pointer(&buf[8])),
		flags:      *(*uint32)(unsafe.Pointer(&buf[12])),
	}

	controlStart := recvMsgOutHeader + int(hdr.Namelen)
	payloadStart := controlStart + int(hdr.Controllen)

	if len(buf) < payloadStart {
		return RecvMsgOut{}, fmt.Errorf("recvmsg buffer truncated before payload: %d bytes", len(buf))
	}

	control := buf[controlStart : controlStart+min(int(out.controlLen), int(hdr.Controllen))]
	payload := buf[payloadStart:]

	if int(out.payloadLen) < len(payload) {
		payload = payload[:out.payloadLen]
	}

	out.Control = control
	out.Payload = payload

	return out, nil
}

// NameTruncated reports whether the peer address was cut short.
func (o RecvMsgOut) NameTruncated(hdr *unix.Msghdr) bool {
	return o.nameLen > uint32(hdr.Namelen)
}

// ControlTruncated reports whether ancillary data was cut short.
func (o RecvMsgOut) ControlTruncated(hdr *unix.Msghdr) bool {
	return o.controlLen > uint32(hdr.Controllen) || o.flags&unix.MSG_CTRUNC != 0
}

// PayloadTruncated reports whether the payload was cut short.
func (o RecvMsgOut) PayloadTruncated() bool {
	return o.flags&unix.MSG_TRUNC != 0
}
