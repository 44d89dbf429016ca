package server

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/calvinalkan/ringboard/internal/uring"
)

// Buffer-ring geometry per client: 8 buffers of 256 bytes. Requests are
// small (the largest record is an Add with a MIME hint); payload bytes
// travel as file descriptors, not inline.
const (
	maxBufsPerClient = 8
	recvBufLen       = 256
)

// uringEntries sizes the submission queue: every client can have a recv, a
// send and a close in flight.
const uringEntries = MaxClients * 3

// Request types in the low bits of SQE user data.
const (
	reqTypeAccept = iota
	reqTypeRecv
	reqTypeClose
	reqTypeReadSignals
	reqTypeSendmsg
	reqTypeLowMem

	reqTypeMask  = 0b111
	reqTypeShift = 3
)

// Fixed-file table layout: slots [0, MaxClients) are clients, then the
// listener, the signal fd, and the memory-pressure fd.
const (
	listenerSlot = MaxClients
	signalSlot   = MaxClients + 1
	lowMemSlot   = MaxClients + 2
	fixedSlots   = MaxClients + 3
)

func packClient(fd uint8) uint64 {
	return uint64(fd) << (64 - maxClientsShift)
}

func unpackClient(userData uint64) uint8 {
	return uint8(userData >> (64 - maxClientsShift))
}

// Reactor is the server's single-threaded io_uring event loop.
type Reactor struct {
	ring     *uring.Ring
	handler  requestHandler
	sendBufs *SendBufs
	log      *zap.SugaredLogger

	clients       clientTable
	clientBufs    [MaxClients]*uring.BufRing
	pendingAccept bool
	shuttingDown  bool

	// recvHdr describes the name/control layout for every multishot
	// recvmsg. 24 bytes of control space fits one SCM_RIGHTS descriptor.
	recvHdr unix.Msghdr
}

// Run owns the database for the life of the process: it opens the allocator,
// binds the socket, and drives the event loop until a termination signal
// arrives.
//
// The goroutine is pinned to its OS thread because the ring is created with
// IORING_SETUP_SINGLE_ISSUER.
func Run(dataDir, socketPath string, log *zap.SugaredLogger) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	alloc, err := OpenAllocator(dataDir)
	if err != nil {
		return err
	}
	defer alloc.Close()

	listenFd, err := ListenSocket(socketPath)
	if err != nil {
		return err
	}
	defer unix.Close(listenFd)

	signalFd, stopSignals, err := signalPipe()
	if err != nil {
		return err
	}
	defer stopSignals()

	lowMemFd, err := openMemoryPressure()
	if err != nil {
		log.Warnf("memory pressure monitoring unavailable: %v", err)

		lowMemFd = -1
	} else {
		defer unix.Close(lowMemFd)
	}

	ring, err := uring.New(uringEntries,
		uring.SetupCoopTaskrun|uring.SetupSingleIssuer|uring.SetupDeferTaskrun)
	if err != nil {
		return fmt.Errorf("failed to create io_uring: %w", err)
	}
	defer ring.Close()

	registerErr := ring.RegisterFilesSparse(fixedSlots)
	if registerErr != nil {
		return fmt.Errorf("failed to set up io_uring fixed file table: %w", registerErr)
	}

	builtIns := []int32{int32(listenFd), int32(signalFd), int32(lowMemFd)}

	registerErr = ring.RegisterFilesUpdate(MaxClients, builtIns)
	if registerErr != nil {
		return fmt.Errorf("failed to register built-in fds with io_uring: %w", registerErr)
	}

	r := &Reactor{
		ring:     ring,
		handler:  requestHandler{alloc: alloc, log: log},
		sendBufs: NewSendBufs(),
		log:      log,
	}
	r.recvHdr.Controllen = 24

	r.queueAccept()
	r.queueSignalPoll()

	if lowMemFd >= 0 {
		r.queueLowMemPoll()
	}

	log.Info("server event loop started")

	return r.loop()
}

// loop is the reactor core. Completions are processed only while at least
// two submission slots remain free, so every completion can push its
// reactive follow-ups without overflowing the queue.
func (r *Reactor) loop() error {
	for {
		var want uint32
		if r.ring.SQSpace() == uringEntries {
			want = 1
		}

		submitErr := r.ring.SubmitAndWait(want)
		if errors.Is(submitErr, syscall.EINTR) {
			continue
		}

		if submitErr != nil {
			return fmt.Errorf("failed to wait for io_uring: %w", submitErr)
		}

		for r.ring.SQSpace() >= 2 {
			cqe, ok := r.ring.PeekCQE()
			if !ok {
				break
			}

			handleErr := r.handleCompletion(cqe)
			r.ring.SeenCQE()

			if handleErr != nil {
				return handleErr
			}

			if r.shuttingDown {
				return nil
			}
		}
	}
}

func (r *Reactor) handleCompletion(cqe *uring.CQE) error {
	switch cqe.UserData & reqTypeMask {
	case reqTypeAccept:
		return r.onAccept(cqe)
	case reqTypeRecv:
		return r.onRecv(cqe)
	case reqTypeSendmsg:
		return r.onSend(cqe)
	case reqTypeClose:
		return r.onClose(cqe)
	case reqTypeReadSignals:
		return r.onSignal(cqe)
	case reqTypeLowMem:
		return r.onLowMem(cqe)
	default:
		return &InternalError{Context: fmt.Sprintf("unknown completion user data %#x", cqe.UserData)}
	}
}

// getSQE is infallible by construction: the loop keeps two submission slots
// free per processed completion.
func (r *Reactor) getSQE() (*uring.SQE, error) {
	sqe := r.ring.GetSQE()
	if sqe == nil {
		return nil, &InternalError{Context: "mismanaged io_uring SQEs"}
	}

	return sqe, nil
}

func (r *Reactor) queueAccept() {
	sqe := r.ring.GetSQE()
	if sqe == nil {
		return
	}

	sqe.PrepAcceptMultishot(listenerSlot)
	sqe.UserData = reqTypeAccept
}

func (r *Reactor) queueSignalPoll() {
	sqe := r.ring.GetSQE()
	if sqe == nil {
		return
	}

	sqe.PrepPollAdd(signalSlot, unix.POLLIN, false)
	sqe.UserData = reqTypeReadSignals
}

func (r *Reactor) queueLowMemPoll() {
	sqe := r.ring.GetSQE()
	if sqe == nil {
		return
	}

	sqe.PrepPollAdd(lowMemSlot, unix.POLLPRI, true)
	sqe.UserData = reqTypeLowMem
}

func (r *Reactor) queueRecv(client uint8) error {
	sqe, err := r.getSQE()
	if err != nil {
		return err
	}

	sqe.PrepRecvMsgMultishot(uint32(client), &r.recvHdr, uint16(client))
	sqe.UserData = reqTypeRecv | packClient(client)

	return nil
}

func (r *Reactor) queueClose(client uint8) error {
	sqe, err := r.getSQE()
	if err != nil {
		return err
	}

	sqe.PrepCloseFixed(uint32(client))
	sqe.UserData = reqTypeClose | packClient(client)

	return nil
}

func (r *Reactor) onAccept(cqe *uring.CQE) error {
	r.log.Debug("handling accept completion")

	if err := cqe.Err(); err != nil {
		if errors.Is(err, unix.ENFILE) {
			r.log.Warn("too many clients connected, deferring new connections")

			r.pendingAccept = true

			return nil
		}

		return fmt.Errorf("failed to accept socket connection: %w", err)
	}

	client := uint8(cqe.Res)
	r.log.Debugf("accepting client %d", client)

	bufs, err := r.ring.RegisterBufRing(uint16(client), maxBufsPerClient, recvBufLen)
	if err != nil {
		return fmt.Errorf("failed to register buffer ring with io_uring: %w", err)
	}

	r.clientBufs[client] = bufs

	if !cqe.More() {
		r.queueAccept()
	}

	return r.queueRecv(client)
}

func (r *Reactor) onRecv(cqe *uring.CQE) error {
	client := unpackClient(cqe.UserData)
	r.log.Debugf("handling recv completion for client %d", client)

	if err := cqe.Err(); err != nil {
		switch {
		case errors.Is(err, unix.EMSGSIZE) || errors.Is(err, unix.ENOBUFS):
			r.log.Warnf("no buffers available to receive client %d's message", client)
			r.clients.setPendingRecv(client)

			return nil
		case errors.Is(err, unix.ECONNRESET):
			r.log.Warnf("client %d reset the connection", client)
			r.clients.setDisconnected(client)

			return r.queueClose(client)
		default:
			return fmt.Errorf("failed to recv from client %d: %w", client, err)
		}
	}

	bid, selected := cqe.BufferID()
	if !selected {
		return &InternalError{Context: "recv completion without selected buffer"}
	}

	bufs := r.clientBufs[client]
	raw := bufs.Buffer(bid, int(cqe.Res))

	msg, parseErr := uring.ParseRecvMsgOut(raw, &r.recvHdr)
	if parseErr != nil {
		return &InternalError{Context: "didn't allocate large enough buffers", Err: parseErr}
	}

	if msg.NameTruncated(&r.recvHdr) || msg.ControlTruncated(&r.recvHdr) || msg.PayloadTruncated() {
		return &InternalError{Context: "received data was truncated"}
	}

	rearm := !cqe.More()

	dispatchErr := r.dispatch(client, bid, msg)
	if dispatchErr != nil {
		return dispatchErr
	}

	if rearm && r.clients.isConnected(client) {
		return r.queueRecv(client)
	}

	return nil
}

// dispatch routes one received message: handshake for new clients, request
// handling for connected ones, close on EOF. It owns recycling the receive
// buffer on paths that don't produce a reply.
func (r *Reactor) dispatch(client uint8, bid uint16, msg uring.RecvMsgOut) error {
	bufs := r.clientBufs[client]

	if len(msg.Payload) == 0 {
		bufs.Recycle(bid)
		r.log.Debugf("client %d closed the connection", client)

		if !r.clients.isClosing(client) {
			r.clients.setDisconnected(client)

			return r.queueClose(client)
		}

		return nil
	}

	if r.clients.isClosing(client) {
		bufs.Recycle(bid)
		r.log.Debugf("dropping spurious message from client %d", client)

		return nil
	}

	var (
		token Token
		hdr   *unix.Msghdr
		err   error
	)

	if r.clients.isConnected(client) {
		token, hdr, err = r.handler.handle(msg.Payload, msg.Control, r.sendBufs)
	} else {
		var valid bool

		valid, token, hdr, err = r.handler.connect(msg.Payload, r.sendBufs)
		if err == nil {
			if valid {
				r.log.Infof("client %d connected", client)
				r.clients.setConnected(client)
			} else {
				r.clients.setDisconnected(client)
			}
		}
	}

	if err != nil {
		bufs.Recycle(bid)

		return err
	}

	sqe, sqeErr := r.getSQE()
	if sqeErr != nil {
		bufs.Recycle(bid)

		return sqeErr
	}

	sqe.PrepSendMsg(uint32(client), hdr)
	sqe.UserData = reqTypeSendmsg |
		uint64(token)<<reqTypeShift |
		uint64(bid)<<(reqTypeShift+8) |
		packClient(client)

	if !r.clients.isConnected(client) {
		// Version-mismatch reply: link the close behind the send.
		sqe.Link()

		return r.queueClose(client)
	}

	return nil
}

func (r *Reactor) onSend(cqe *uring.CQE) error {
	client := unpackClient(cqe.UserData)
	r.log.Debugf("handling sendmsg completion for client %d", client)

	token := Token(cqe.UserData >> reqTypeShift)
	r.sendBufs.Free(token)

	bid := uint16(cqe.UserData >> (reqTypeShift + 8))
	if bufs := r.clientBufs[client]; bufs != nil {
		bufs.Recycle(bid)
	}

	if err := cqe.Err(); err != nil {
		switch {
		case errors.Is(err, unix.EPIPE):
			if !r.clients.isClosing(client) {
				r.log.Debugf("client %d closed the connection before consuming all responses", client)
				r.clients.setDisconnected(client)

				return r.queueClose(client)
			}

			return nil
		case errors.Is(err, unix.ECONNRESET):
			if !r.clients.isClosing(client) {
				r.log.Warnf("client %d forcefully disconnected", client)
				r.clients.setDisconnected(client)

				return r.queueClose(client)
			}

			return nil
		case errors.Is(err, unix.ECANCELED):
			// The linked close after a version-mismatch reply cancels it.
			return nil
		default:
			return fmt.Errorf("failed to send response to client %d: %w", client, err)
		}
	}

	if !r.clients.isClosing(client) && r.clients.isConnected(client) && r.clients.takePendingRecv(client) {
		r.log.Infof("restoring client %d's connection", client)

		return r.queueRecv(client)
	}

	return nil
}

func (r *Reactor) onClose(cqe *uring.CQE) error {
	client := unpackClient(cqe.UserData)
	r.log.Debugf("handling close completion for client %d", client)

	if err := cqe.Err(); err != nil {
		return fmt.Errorf("failed to close client %d: %w", client, err)
	}

	r.log.Infof("client %d disconnected", client)
	r.clients.setClosed(client)

	if bufs := r.clientBufs[client]; bufs != nil {
		r.clientBufs[client] = nil

		unregisterErr := r.ring.UnregisterBufRing(bufs)
		if unregisterErr != nil {
			return fmt.Errorf("failed to unregister buffer ring with io_uring: %w", unregisterErr)
		}
	}

	if r.pendingAccept && !r.clients.hasPendingCloses() {
		r.log.Info("restoring ability to accept new clients")

		r.pendingAccept = false
		r.queueAccept()
	}

	return nil
}

func (r *Reactor) onSignal(cqe *uring.CQE) error {
	r.log.Debug("handling signal completion")

	if err := cqe.Err(); err != nil {
		return fmt.Errorf("failed to poll for signals: %w", err)
	}

	if uint32(cqe.Res)&unix.POLLIN == 0 {
		return &InternalError{Context: fmt.Sprintf("unknown signal poll event received: %d", cqe.Res)}
	}

	r.shuttingDown = true

	return nil
}

func (r *Reactor) onLowMem(cqe *uring.CQE) error {
	r.log.Debug("handling low memory completion")

	if err := cqe.Err(); err != nil {
		return fmt.Errorf("failed to poll for low memory events: %w", err)
	}

	if !cqe.More() {
		r.queueLowMemPoll()
	}

	events := uint32(cqe.Res)

	switch {
	case events&unix.POLLERR != 0:
		return &InternalError{Context: "error polling for low memory events"}
	case events&unix.POLLPRI != 0:
		r.sendBufs.Trim()

		return nil
	default:
		return &InternalError{Context: fmt.Sprintf("unknown low memory poll event received: %d", events)}
	}
}

// signalPipe routes SIGTERM/SIGINT/SIGQUIT into a pipe the reactor can poll
// through io_uring. The Go runtime owns signal delivery, so a plain
// signalfd would never fire; the pipe gives the loop an equivalent
// pollable fd.
func signalPipe() (readFd int, stop func(), err error) {
	var fds [2]int

	pipeErr := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK)
	if pipeErr != nil {
		return -1, nil, fmt.Errorf("failed to create signal pipe: %w", pipeErr)
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, unix.SIGTERM, unix.SIGINT, unix.SIGQUIT)

	done := make(chan struct{})

	go func() {
		select {
		case <-ch:
			_, _ = unix.Write(fds[1], []byte{1})
		case <-done:
		}
	}()

	stop = func() {
		signal.Stop(ch)
		close(done)
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	}

	return fds[0], stop, nil
}

// openMemoryPressure opens this process's cgroup memory.pressure file and
// installs a "some" trigger: 50ms of stall time within a 2s window raises
// POLLPRI.
func openMemoryPressure() (int, error) {
	raw, err := os.ReadFile("/proc/self/cgroup")
	if err != nil {
		return -1, fmt.Errorf("failed to read cgroup file: %w", err)
	}

	// The unified hierarchy line looks like "0::/user.slice/...".
	var group string

	for line := range strings.Lines(string(raw)) {
		if rest, ok := strings.CutPrefix(strings.TrimSpace(line), "0::"); ok {
			group = rest

			break
		}
	}

	path := "/sys/fs/cgroup" + group + "/memory.pressure"

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return -1, fmt.Errorf("failed to open pressure file %q: %w", path, err)
	}

	_, writeErr := f.WriteString("some 50000 2000000")
	if writeErr != nil {
		_ = f.Close()

		return -1, fmt.Errorf("failed to write to pressure file %q: %w", path, writeErr)
	}

	fd := int(f.Fd())

	// Keep the fd alive past the *os.File by duplicating it.
	dup, dupErr := unix.Dup(fd)

	_ = f.Close()

	if dupErr != nil {
		return -1, fmt.Errorf("failed to dup pressure fd: %w", dupErr)
	}

	return dup, nil
}
