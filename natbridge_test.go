package natbridge

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testBridge builds a bridge around the supervisor state only; the
// overlay is never touched.
func testBridge(opts *Options) *Bridge {
	return &Bridge{
		opts:          opts,
		metrics:       NewMetrics(),
		links:         make(map[string]*link),
		activeStreams: make(map[io.Closer]struct{}),
	}
}

type closerFunc struct {
	fn func() error
}

func (f *closerFunc) Close() error { return f.fn() }

// TestBridgeAdmission verifies the stream budget invariant: admissions
// never exceed MaxStreams and releases free slots.
func TestBridgeAdmission(t *testing.T) {
	opts := NewOptions()
	opts.Role = RoleExposer
	opts.BridgeID = "alpha123"
	opts.MaxStreams = 2
	b := testBridge(opts)

	require.True(t, b.Admit("tcp"))
	require.True(t, b.Admit("udp"))
	assert.False(t, b.Admit("tcp"), "third admission must fail at budget 2")

	snap := b.metrics.Snapshot()
	assert.Equal(t, int64(1), snap.TCPStreams)
	assert.Equal(t, int64(1), snap.UDPStreams)

	b.Release("udp")
	assert.True(t, b.Admit("tcp"), "released slot must be reusable")

	snap = b.metrics.Snapshot()
	assert.Equal(t, int64(2), snap.TCPStreams)
	assert.Equal(t, int64(0), snap.UDPStreams)
}

// TestBridgeAdmissionConcurrent hammers the budget from many
// goroutines and verifies the peak never exceeds the cap.
func TestBridgeAdmissionConcurrent(t *testing.T) {
	opts := NewOptions()
	opts.Role = RoleExposer
	opts.BridgeID = "alpha123"
	opts.MaxStreams = 10
	b := testBridge(opts)

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.Admit("tcp") {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, admitted)
	assert.Equal(t, int64(10), b.metrics.Snapshot().TCPStreams)
}

// TestBridgeTrackDrain verifies drainStreams closes tracked substreams
// and returns once the forwarders release them.
func TestBridgeTrackDrain(t *testing.T) {
	opts := NewOptions()
	opts.Role = RoleExposer
	opts.BridgeID = "alpha123"
	b := testBridge(opts)

	var mu sync.Mutex
	closedCount := 0
	for i := 0; i < 3; i++ {
		var c io.Closer
		cf := &closerFunc{fn: func() error {
			mu.Lock()
			closedCount++
			mu.Unlock()
			// A real forwarder untracks when its pipes finish.
			go b.Untrack(c)
			return nil
		}}
		c = cf
		b.Track(c)
	}

	start := time.Now()
	b.drainStreams(time.Second)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, closedCount)
	assert.Less(t, time.Since(start), time.Second, "drain should return as soon as streams release")
}

// TestBridgeRejoinCoalesces verifies multiple close events inside one
// rejoin window schedule exactly one rejoin.
func TestBridgeRejoinCoalesces(t *testing.T) {
	opts := NewOptions()
	opts.Role = RoleAccessor
	opts.BridgeID = "alpha123"
	opts.RejoinDelay = 50 * time.Millisecond
	b := testBridge(opts)

	b.metrics.SetConnectedToHost(true)
	b.handleSwarmClose(nil)
	assert.False(t, b.metrics.ConnectedToHost(), "close must clear host connectivity")

	b.mu.Lock()
	firstPending := b.rejoinPending
	b.mu.Unlock()
	require.True(t, firstPending)

	// A second close inside the window must not schedule another join.
	b.handleSwarmClose(nil)

	// Prevent the timer callback from dereferencing the absent swarm.
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	time.Sleep(150 * time.Millisecond)
	b.mu.Lock()
	pendingAfter := b.rejoinPending
	b.mu.Unlock()
	assert.False(t, pendingAfter, "pending flag must clear after the window")
}

// TestBridgeStatusReport verifies the status mapping carries options
// and counters through.
func TestBridgeStatusReport(t *testing.T) {
	opts := NewOptions()
	opts.Role = RoleAccessor
	opts.BridgeID = "beta7"
	opts.Protocol = ProtocolUDP
	opts.ListenPort = 17002
	opts.MaxStreams = 64
	opts.Kbps = 128
	b := testBridge(opts)

	b.metrics.AddConnection()
	b.metrics.AddBytesUp(100)
	b.metrics.AddBytesDown(250)
	b.metrics.SetConnectedToHost(true)

	r := b.statusReport()
	assert.Equal(t, "accessor", r.Mode)
	assert.Equal(t, "beta7", r.BridgeID)
	assert.Equal(t, "udp", r.Protocol)
	assert.Equal(t, 17002, r.ListenPort)
	assert.Equal(t, int64(1), r.P2PConnections)
	assert.Equal(t, int64(100), r.BytesUp)
	assert.Equal(t, int64(250), r.BytesDown)
	assert.True(t, r.ConnectedToHost)
	assert.Equal(t, 64, r.MaxStreams)
	assert.Equal(t, 128, r.Kbps)
}

// TestProbeLocalService verifies the startup probe fails fast with
// nothing listening.
func TestProbeLocalService(t *testing.T) {
	// Port 1 requires privileges to bind; nothing listens there.
	err := probeLocalService(1)
	assert.Error(t, err)
}
