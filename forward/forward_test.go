package forward

import (
	"errors"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opd-ai/natbridge/mux"
)

// fakeSupervisor implements Supervisor with a fixed budget for tests.
type fakeSupervisor struct {
	mu      sync.Mutex
	max     int
	slots   int
	peak    int
	tracked map[io.Closer]struct{}
	up      int64
	down    int64
}

func newFakeSupervisor(max int) *fakeSupervisor {
	return &fakeSupervisor{max: max, tracked: make(map[io.Closer]struct{})}
}

func (s *fakeSupervisor) Admit(proto string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.slots >= s.max {
		return false
	}
	s.slots++
	if s.slots > s.peak {
		s.peak = s.slots
	}
	return true
}

func (s *fakeSupervisor) Release(proto string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots--
}

func (s *fakeSupervisor) Track(c io.Closer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracked[c] = struct{}{}
}

func (s *fakeSupervisor) Untrack(c io.Closer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tracked, c)
}

func (s *fakeSupervisor) AddBytesUp(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.up += n
}

func (s *fakeSupervisor) AddBytesDown(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down += n
}

func (s *fakeSupervisor) counts() (slots int, up, down int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slots, s.up, s.down
}

// muxPair builds a connected server/client session pair for forwarder
// tests.
func muxPair(t *testing.T) (*mux.Session, *mux.Session) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	server, err := mux.Server(serverConn)
	require.NoError(t, err)
	client, err := mux.Client(clientConn)
	require.NoError(t, err)
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return server, client
}

// TestBenign classifies disconnect errors.
func TestBenign(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, true},
		{io.EOF, true},
		{io.ErrClosedPipe, true},
		{errors.New("read tcp 127.0.0.1:5000: connection reset by peer"), true},
		{errors.New("use of closed network connection"), true},
		{errors.New("broken pipe"), true},
		{errors.New("dial tcp 127.0.0.1:7001: connection refused"), false},
		{errors.New("stream budget exhausted"), false},
	}
	for _, tc := range cases {
		if got := benign(tc.err); got != tc.want {
			t.Errorf("benign(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
