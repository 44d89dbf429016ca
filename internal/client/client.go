// Package client implements the socket side of ringboard's mutation API:
// connect/handshake, Add with descriptor passing, favorite, unfavorite, and
// delete. Queries never go through the socket; readers use pkg/store
// directly.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sys/unix"

	"github.com/calvinalkan/ringboard/internal/protocol"
)

// ErrNotFound reports a request against an id the server does not know.
var ErrNotFound = errors.New("entry not found")

// ErrRejected reports a request the server refused as invalid (for
// example, favoriting an already-favorited entry). [Client.Add] reports a
// refused add as a [protocol.InvalidResponseError] instead.
var ErrRejected = errors.New("request rejected by server")

// Client is a connected, version-checked session with the server.
type Client struct {
	conn *net.UnixConn
}

// Connect dials the server socket and performs the protocol handshake.
// Dialing retries briefly with exponential backoff so clients racing a
// starting daemon don't fail spuriously.
func Connect(socketPath string) (*Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := backoff.Retry(ctx, func() (*net.UnixConn, error) {
		conn, dialErr := net.DialUnix("unixpacket", nil, &net.UnixAddr{Name: socketPath, Net: "unixpacket"})
		if dialErr != nil {
			if errors.Is(dialErr, os.ErrNotExist) || errors.Is(dialErr, unix.ECONNREFUSED) {
				return nil, dialErr
			}

			return nil, backoff.Permanent(dialErr)
		}

		return conn, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ringboard server at %q: %w", socketPath, err)
	}

	c := &Client{conn: conn}

	handshakeErr := c.handshake()
	if handshakeErr != nil {
		_ = conn.Close()

		return nil, handshakeErr
	}

	return c, nil
}

func (c *Client) handshake() error {
	_, err := c.conn.Write([]byte{protocol.Version})
	if err != nil {
		return fmt.Errorf("failed to send handshake: %w", err)
	}

	reply := make([]byte, 1)

	n, err := c.conn.Read(reply)
	if err != nil {
		return fmt.Errorf("failed to read handshake reply: %w", err)
	}

	if n != 1 {
		return &protocol.InvalidResponseError{Context: "empty handshake reply"}
	}

	if reply[0] != protocol.Version {
		return &protocol.VersionMismatchError{Actual: reply[0]}
	}

	return nil
}

// Close terminates the session.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Add stores data as a new clipboard entry and returns its composite id.
// The bytes travel as a memfd over SCM_RIGHTS. A refused add (for example
// an empty entry) is reported as a [protocol.InvalidResponseError].
func (c *Client) Add(data []byte, mime string) (uint64, error) {
	fd, err := unix.MemfdCreate("ringboard-add", unix.MFD_CLOEXEC)
	if err != nil {
		return 0, fmt.Errorf("failed to create add memfd: %w", err)
	}

	f := os.NewFile(uintptr(fd), "ringboard-add")
	defer f.Close()

	_, writeErr := f.Write(data)
	if writeErr != nil {
		return 0, fmt.Errorf("failed to fill add memfd: %w", writeErr)
	}

	if _, seekErr := f.Seek(0, 0); seekErr != nil {
		return 0, fmt.Errorf("failed to rewind add memfd: %w", seekErr)
	}

	record := protocol.EncodeAdd(mime)
	rights := unix.UnixRights(int(f.Fd()))

	_, _, sendErr := c.conn.WriteMsgUnix(record, rights, nil)
	if sendErr != nil {
		return 0, fmt.Errorf("failed to send add request: %w", sendErr)
	}

	id, replyErr := c.readReply()
	if errors.Is(replyErr, ErrRejected) {
		return 0, &protocol.InvalidResponseError{Context: "add request rejected"}
	}

	return id, replyErr
}

// Favorite moves an entry onto the favorites ring and returns its new id.
func (c *Client) Favorite(id uint64) (uint64, error) {
	return c.idRequest(protocol.TagFavorite, id)
}

// Unfavorite moves an entry back onto the main ring and returns its new id.
func (c *Client) Unfavorite(id uint64) (uint64, error) {
	return c.idRequest(protocol.TagUnfavorite, id)
}

// Delete removes an entry.
func (c *Client) Delete(id uint64) error {
	_, err := c.idRequest(protocol.TagDelete, id)

	return err
}

func (c *Client) idRequest(tag protocol.RequestTag, id uint64) (uint64, error) {
	_, err := c.conn.Write(protocol.EncodeIDRequest(tag, id))
	if err != nil {
		return 0, fmt.Errorf("failed to send request: %w", err)
	}

	return c.readReply()
}

func (c *Client) readReply() (uint64, error) {
	buf := make([]byte, protocol.ReplySize)

	n, err := c.conn.Read(buf)
	if err != nil {
		return 0, fmt.Errorf("failed to read reply: %w", err)
	}

	status, id, decodeErr := protocol.DecodeReply(buf[:n])
	if decodeErr != nil {
		return 0, decodeErr
	}

	switch status {
	case protocol.StatusOK:
		return id, nil
	case protocol.StatusNotFound:
		return 0, ErrNotFound
	case protocol.StatusInvalid:
		return 0, ErrRejected
	default:
		return 0, &protocol.InvalidResponseError{Context: fmt.Sprintf("unknown status %d", status)}
	}
}
