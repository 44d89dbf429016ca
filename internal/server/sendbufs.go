package server

import (
	"errors"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Token identifies a reply buffer in flight. Tokens are 8 bits so they pack
// into SQE user data next to the request type and client id.
type Token uint8

// numSendBufs bounds in-flight replies; tokens wrap at 8 bits.
const numSendBufs = 1 << 8

// sendBufCap fits every reply record this server produces.
const sendBufCap = 64

// errSendBufsExhausted means every token has a reply in flight. With 32
// clients and bounded pipelining this cannot happen; seeing it is a reactor
// bug.
var errSendBufsExhausted = errors.New("no free send buffers")

// sendBuf owns a reply's bytes together with the iovec and msghdr that
// reference them, so the pointers handed to the kernel stay stable until
// the send completes.
type sendBuf struct {
	data []byte
	iov  unix.Iovec
	hdr  unix.Msghdr
}

// SendBufs is the reply-buffer pool. Buffers are allocated lazily, recycled
// through a free list, and dropped again under memory pressure via
// [SendBufs.Trim].
type SendBufs struct {
	bufs [numSendBufs]*sendBuf
	free []Token
	next int
}

// NewSendBufs returns an empty pool.
func NewSendBufs() *SendBufs {
	return &SendBufs{}
}

// Alloc copies payload into a pooled buffer and returns its token plus a
// stable msghdr describing it for sendmsg.
func (s *SendBufs) Alloc(payload []byte) (Token, *unix.Msghdr, error) {
	var token Token

	switch {
	case len(s.free) > 0:
		token = s.free[len(s.free)-1]
		s.free = s.free[:len(s.free)-1]
	case s.next < numSendBufs:
		token = Token(s.next)
		s.next++
	default:
		return 0, nil, errSendBufsExhausted
	}

	buf := s.bufs[token]
	if buf == nil {
		buf = &sendBuf{data: make([]byte, 0, sendBufCap)}
		s.bufs[token] = buf
	}

	if len(payload) == 0 {
		s.free = append(s.free, token)

		return 0, nil, errors.New("empty reply payload")
	}

	buf.data = append(buf.data[:0], payload...)

	buf.iov.Base = &buf.data[0]
	buf.iov.SetLen(len(buf.data))

	buf.hdr = unix.Msghdr{}
	buf.hdr.Iov = &buf.iov
	buf.hdr.SetIovlen(1)

	return token, &buf.hdr, nil
}

// Free returns a token's buffer to the free list. Called from the sendmsg
// completion.
func (s *SendBufs) Free(token Token) {
	s.free = append(s.free, token)
}

// Trim releases the memory of every idle buffer. In-flight buffers are
// untouched. Called when the kernel reports memory pressure.
func (s *SendBufs) Trim() {
	for _, token := range s.free {
		s.bufs[token] = nil
	}
}
