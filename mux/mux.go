// Package mux multiplexes independent byte substreams over one peer
// channel. It rides smux: framing guarantees that closing or losing one
// substream never corrupts the others, and bytes within a substream are
// strictly ordered.
//
// The exposer always takes the server side of a session and the accessor
// the client side; roles are unambiguous once the handshake completes.
package mux

import (
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/xtaci/smux"
)

const (
	keepAliveInterval = 10 * time.Second
	keepAliveTimeout  = 30 * time.Second
)

// Stream is one logical bidirectional byte stream inside a session. Its
// lifetime is bounded by the session's.
type Stream struct {
	*smux.Stream
}

// OpenHandler receives substreams opened by the remote side.
type OpenHandler func(*Stream)

// Session multiplexes substreams over a single peer channel.
type Session struct {
	sess *smux.Session

	mu     sync.Mutex
	onOpen OpenHandler
}

func sessionConfig() *smux.Config {
	cfg := smux.DefaultConfig()
	cfg.KeepAliveInterval = keepAliveInterval
	cfg.KeepAliveTimeout = keepAliveTimeout
	return cfg
}

// Server wraps the exposer side of a peer channel.
func Server(ch io.ReadWriteCloser) (*Session, error) {
	sess, err := smux.Server(ch, sessionConfig())
	if err != nil {
		return nil, err
	}
	return &Session{sess: sess}, nil
}

// Client wraps the accessor side of a peer channel.
func Client(ch io.ReadWriteCloser) (*Session, error) {
	sess, err := smux.Client(ch, sessionConfig())
	if err != nil {
		return nil, err
	}
	return &Session{sess: sess}, nil
}

// Open creates a new outbound substream with a session-unique id.
func (s *Session) Open() (*Stream, error) {
	st, err := s.sess.OpenStream()
	if err != nil {
		return nil, err
	}
	return &Stream{st}, nil
}

// OnOpen registers the handler for inbound substreams and starts
// accepting. Each substream is handled on its own goroutine.
func (s *Session) OnOpen(h OpenHandler) {
	s.mu.Lock()
	s.onOpen = h
	s.mu.Unlock()
	go s.acceptLoop()
}

func (s *Session) acceptLoop() {
	for {
		st, err := s.sess.AcceptStream()
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "acceptLoop",
				"error":    err.Error(),
			}).Debug("Mux session ended")
			return
		}

		s.mu.Lock()
		h := s.onOpen
		s.mu.Unlock()
		if h == nil {
			st.Close()
			continue
		}
		go h(&Stream{st})
	}
}

// NumStreams returns the count of live substreams.
func (s *Session) NumStreams() int {
	return s.sess.NumStreams()
}

// CloseChan is closed when the session dies, taking all substreams with
// it.
func (s *Session) CloseChan() <-chan struct{} {
	return s.sess.CloseChan()
}

// IsClosed reports whether the session has died.
func (s *Session) IsClosed() bool {
	return s.sess.IsClosed()
}

// Close tears down the session and every substream in it.
func (s *Session) Close() error {
	return s.sess.Close()
}
