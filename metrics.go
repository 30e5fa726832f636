package natbridge

import (
	"sync/atomic"
	"time"
)

// Metrics holds the process-wide counters updated by the forwarders and
// the supervisor. Counters are monotonic; stream counts and
// ConnectedToHost are gauges. All fields are safe for concurrent use.
type Metrics struct {
	startTime       time.Time
	p2pConnections  atomic.Int64
	tcpStreams      atomic.Int64
	udpStreams      atomic.Int64
	bytesUp         atomic.Int64
	bytesDown       atomic.Int64
	connectedToHost atomic.Bool
}

// NewMetrics returns zeroed metrics stamped with the current start time.
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// AddConnection records one established peer channel.
func (m *Metrics) AddConnection() { m.p2pConnections.Add(1) }

// AddTCPStreams moves the live TCP substream gauge by delta.
func (m *Metrics) AddTCPStreams(delta int64) { m.tcpStreams.Add(delta) }

// AddUDPStreams moves the live UDP substream gauge by delta.
func (m *Metrics) AddUDPStreams(delta int64) { m.udpStreams.Add(delta) }

// AddBytesUp accounts bytes written into the tunnel.
func (m *Metrics) AddBytesUp(n int64) { m.bytesUp.Add(n) }

// AddBytesDown accounts bytes received from the tunnel.
func (m *Metrics) AddBytesDown(n int64) { m.bytesDown.Add(n) }

// SetConnectedToHost flips the accessor-side host connectivity gauge.
func (m *Metrics) SetConnectedToHost(v bool) { m.connectedToHost.Store(v) }

// ConnectedToHost reports whether the accessor has a ready host session.
func (m *Metrics) ConnectedToHost() bool { return m.connectedToHost.Load() }

// Snapshot is a point-in-time copy of the counters for the status
// endpoint.
type Snapshot struct {
	UptimeSec       int64
	P2PConnections  int64
	TCPStreams      int64
	UDPStreams      int64
	BytesUp         int64
	BytesDown       int64
	ConnectedToHost bool
}

// Snapshot copies the current counter values.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		UptimeSec:       int64(time.Since(m.startTime).Seconds()),
		P2PConnections:  m.p2pConnections.Load(),
		TCPStreams:      m.tcpStreams.Load(),
		UDPStreams:      m.udpStreams.Load(),
		BytesUp:         m.bytesUp.Load(),
		BytesDown:       m.bytesDown.Load(),
		ConnectedToHost: m.connectedToHost.Load(),
	}
}
