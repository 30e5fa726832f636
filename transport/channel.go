package transport

import (
	"io"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
)

// Channel is one established bidirectional byte stream to one remote
// endpoint. It carries the handshake first and mux frames afterwards.
type Channel interface {
	io.ReadWriteCloser

	// RemoteKey identifies the remote endpoint for the rejected-peer
	// cache. It is stable for the lifetime of the underlying connection.
	RemoteKey() string

	// SetDeadline bounds both reads and writes; the handshake timer is
	// implemented with it. The zero time clears the deadline.
	SetDeadline(t time.Time) error
}

// streamChannel wraps a libp2p stream and unregisters itself from the
// swarm's active-peer set on close. Only the channel that won the
// per-peer claim releases it; a losing duplicate must not free a slot
// another channel holds.
type streamChannel struct {
	network.Stream
	swarm   *Swarm
	key     string
	claimed bool
	once    sync.Once
}

func (c *streamChannel) RemoteKey() string {
	return c.key
}

func (c *streamChannel) Close() error {
	err := c.Stream.Close()
	c.once.Do(func() {
		if c.swarm != nil && c.claimed {
			c.swarm.release(c.Stream.Conn().RemotePeer())
		}
	})
	return err
}
