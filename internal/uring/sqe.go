package uring

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// PrepAcceptMultishot arms a multishot accept on a fixed-file listener.
// Accepted connections are allocated into free fixed-file slots; each CQE's
// result is the chosen slot index.
func (s *SQE) PrepAcceptMultishot(listener uint32) {
	s.Opcode = opAccept
	s.Fd = int32(listener)
	s.Flags = sqeFixedFile
	s.Ioprio = acceptMultishot
	s.FileIndex = FileIndexAlloc
}

// PrepRecvMsgMultishot arms a multishot recvmsg on a fixed-file client fd,
// selecting receive buffers from the buffer group bgid. hdr describes the
// per-message name/control layout; the kernel re-reads it for each message,
// so it must stay alive while the operation is armed.
func (s *SQE) PrepRecvMsgMultishot(client uint32, hdr *unix.Msghdr, bgid uint16) {
	s.Opcode = opRecvmsg
	s.Fd = int32(client)
	s.Flags = sqeFixedFile | sqeBufferSelect
	s.Ioprio = recvMultishot
	s.Addr = uint64(uintptr(unsafe.Pointer(hdr)))
	s.Len = 1
	s.OpcodeFlags = unix.MSG_TRUNC
	s.BufIndex = bgid
}

// PrepSendMsg queues a sendmsg on a fixed-file client fd. hdr and the
// buffers it references must stay alive until the completion arrives.
func (s *SQE) PrepSendMsg(client uint32, hdr *unix.Msghdr) {
	s.Opcode = opSendmsg
	s.Fd = int32(client)
	s.Flags = sqeFixedFile
	s.Addr = uint64(uintptr(unsafe.Pointer(hdr)))
	s.Len = 1
}

// Link marks this SQE as the head of an IO link: the next queued SQE only
// runs after this one completes.
func (s *SQE) Link() {
	s.Flags |= sqeIOLink
}

// PrepCloseFixed queues a close of a fixed-file table slot.
func (s *SQE) PrepCloseFixed(slot uint32) {
	s.Opcode = opClose
	s.FileIndex = slot + 1
}

// PrepPollAdd arms a poll on a fixed-file slot. Multishot polls re-arm
// themselves until they report an error.
func (s *SQE) PrepPollAdd(slot uint32, events uint32, multishot bool) {
	s.Opcode = opPollAdd
	s.Fd = int32(slot)
	s.Flags = sqeFixedFile
	s.OpcodeFlags = events

	if multishot {
		s.Len = pollAddMulti
	}
}
