package server

import (
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/calvinalkan/ringboard/internal/protocol"
	"github.com/calvinalkan/ringboard/pkg/ring"
)

// requestHandler turns decoded request records into allocator mutations and
// reply buffers. Handlers run to completion between recv completions and
// never block on anything but bounded file I/O.
type requestHandler struct {
	alloc *Allocator
	log   *zap.SugaredLogger
}

// connect processes the handshake message. The reply always carries the
// server's version byte; valid reports whether the client may stay
// connected.
func (h *requestHandler) connect(payload []byte, bufs *SendBufs) (valid bool, token Token, hdr *unix.Msghdr, err error) {
	h.log.Debug("establishing client/server protocol connection")

	version := payload[0]

	valid = version == protocol.Version
	if !valid {
		h.log.Warnf("protocol version mismatch: expected %d but got %d", protocol.Version, version)
	}

	token, hdr, err = bufs.Alloc([]byte{protocol.Version})
	if err != nil {
		return false, 0, nil, &InternalError{Context: "didn't allocate enough send buffers", Err: err}
	}

	return valid, token, hdr, nil
}

// handle dispatches one request record and returns the reply buffer.
func (h *requestHandler) handle(payload, control []byte, bufs *SendBufs) (Token, *unix.Msghdr, error) {
	tag := protocol.RequestTag(payload[0])

	var (
		id     uint64
		reqErr error
	)

	switch tag {
	case protocol.TagAdd:
		id, reqErr = h.handleAdd(payload[1:], control)
	case protocol.TagFavorite:
		id, reqErr = h.handleMove(payload[1:], ring.Favorites)
	case protocol.TagUnfavorite:
		id, reqErr = h.handleMove(payload[1:], ring.Main)
	case protocol.TagDelete:
		id, reqErr = h.handleDelete(payload[1:])
	default:
		reqErr = fmt.Errorf("unknown request tag %d: %w", tag, errBadRequest)
	}

	status := protocol.StatusOK

	if reqErr != nil {
		var notFound *ring.IdNotFoundError

		switch {
		case errors.As(reqErr, &notFound):
			status = protocol.StatusNotFound
		case errors.Is(reqErr, errBadRequest), errors.Is(reqErr, ErrEmptyEntry):
			status = protocol.StatusInvalid
		default:
			// Anything else is an I/O failure the reactor must surface.
			return 0, nil, reqErr
		}

		h.log.Debugf("request %d rejected: %v", tag, reqErr)
	}

	token, hdr, err := bufs.Alloc(protocol.EncodeReply(status, id))
	if err != nil {
		return 0, nil, &InternalError{Context: "didn't allocate enough send buffers", Err: err}
	}

	return token, hdr, nil
}

// errBadRequest marks malformed records; they produce StatusInvalid rather
// than killing the connection.
var errBadRequest = errors.New("malformed request")

func (h *requestHandler) handleAdd(payload, control []byte) (uint64, error) {
	mime, err := protocol.DecodeAdd(payload)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", errBadRequest, err)
	}

	fds, err := parseRights(control)
	if err != nil {
		return 0, err
	}

	if len(fds) == 0 {
		return 0, fmt.Errorf("%w: add carried no file descriptor", errBadRequest)
	}

	// Only the first descriptor is the payload; close any extras.
	for _, fd := range fds[1:] {
		_ = unix.Close(fd)
	}

	f := os.NewFile(uintptr(fds[0]), "add-payload")
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return 0, fmt.Errorf("failed to read added entry: %w", err)
	}

	id, err := h.alloc.Add(data, mime)
	if err != nil {
		return 0, err
	}

	h.log.Debugf("added entry %#x (%d bytes)", id, len(data))

	return id, nil
}

func (h *requestHandler) handleMove(payload []byte, to ring.Kind) (uint64, error) {
	id, err := protocol.DecodeID(payload)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", errBadRequest, err)
	}

	newID, err := h.alloc.Move(id, to)
	if err != nil {
		return 0, err
	}

	h.log.Debugf("moved entry %#x to %#x", id, newID)

	return newID, nil
}

func (h *requestHandler) handleDelete(payload []byte) (uint64, error) {
	id, err := protocol.DecodeID(payload)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", errBadRequest, err)
	}

	delErr := h.alloc.Delete(id)
	if delErr != nil {
		return 0, delErr
	}

	h.log.Debugf("deleted entry %#x", id)

	return id, nil
}

// parseRights extracts SCM_RIGHTS file descriptors from ancillary data.
func parseRights(control []byte) ([]int, error) {
	if len(control) == 0 {
		return nil, nil
	}

	msgs, err := unix.ParseSocketControlMessage(control)
	if err != nil {
		return nil, &InternalError{Context: "truncated ancillary data", Err: err}
	}

	var fds []int

	for _, msg := range msgs {
		if msg.Header.Level != unix.SOL_SOCKET || msg.Header.Type != unix.SCM_RIGHTS {
			continue
		}

		parsed, parseErr := unix.ParseUnixRights(&msg)
		if parseErr != nil {
			return nil, &InternalError{Context: "malformed SCM_RIGHTS message", Err: parseErr}
		}

		fds = append(fds, parsed...)
	}

	return fds, nil
}
