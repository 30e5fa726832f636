package natbridge

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestMetricsCounters verifies counter arithmetic and snapshot values.
func TestMetricsCounters(t *testing.T) {
	m := NewMetrics()

	m.AddConnection()
	m.AddConnection()
	m.AddTCPStreams(2)
	m.AddUDPStreams(1)
	m.AddBytesUp(100)
	m.AddBytesDown(50)
	m.SetConnectedToHost(true)

	snap := m.Snapshot()
	assert.Equal(t, int64(2), snap.P2PConnections)
	assert.Equal(t, int64(2), snap.TCPStreams)
	assert.Equal(t, int64(1), snap.UDPStreams)
	assert.Equal(t, int64(100), snap.BytesUp)
	assert.Equal(t, int64(50), snap.BytesDown)
	assert.True(t, snap.ConnectedToHost)

	m.AddTCPStreams(-2)
	assert.Equal(t, int64(0), m.Snapshot().TCPStreams)
}

// TestMetricsConcurrent verifies counters are race-free under parallel
// updates.
func TestMetricsConcurrent(t *testing.T) {
	m := NewMetrics()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.AddBytesUp(10)
			m.AddBytesDown(5)
			m.AddConnection()
		}()
	}
	wg.Wait()

	snap := m.Snapshot()
	assert.Equal(t, int64(500), snap.BytesUp)
	assert.Equal(t, int64(250), snap.BytesDown)
	assert.Equal(t, int64(50), snap.P2PConnections)
}
