package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSwarm(t *testing.T, bootstrap []string) *Swarm {
	t.Helper()
	s, err := New(context.Background(), Config{
		ListenAddrs:       []string{"/ip4/127.0.0.1/tcp/0"},
		BootstrapPeers:    bootstrap,
		AdvertiseInterval: 500 * time.Millisecond,
		LookupInterval:    500 * time.Millisecond,
		DHTServer:         true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// TestSwarmDiscovery verifies that an announcing swarm and a looking-up
// swarm on the same namespace establish a peer channel in both
// directions.
func TestSwarmDiscovery(t *testing.T) {
	if testing.Short() {
		t.Skip("loopback overlay discovery is slow")
	}

	exposer := newTestSwarm(t, nil)
	accessor := newTestSwarm(t, exposer.AddrStrings())

	exposerConns := make(chan Channel, 1)
	accessorConns := make(chan Channel, 1)
	exposer.OnConnection(func(ch Channel) { exposerConns <- ch })
	accessor.OnConnection(func(ch Channel) { accessorConns <- ch })

	require.NoError(t, exposer.Join(context.Background(), "swarm-test-ns", true))
	require.NoError(t, accessor.Join(context.Background(), "swarm-test-ns", false))

	var out, in Channel
	select {
	case out = <-accessorConns:
	case <-time.After(30 * time.Second):
		t.Fatal("accessor never dialed the exposer")
	}
	select {
	case in = <-exposerConns:
	case <-time.After(30 * time.Second):
		t.Fatal("exposer never saw the inbound channel")
	}

	// Bytes flow accessor -> exposer over the established channel.
	_, err := out.Write([]byte("ping\n"))
	require.NoError(t, err)

	buf := make([]byte, 5)
	require.NoError(t, in.SetDeadline(time.Now().Add(5*time.Second)))
	_, err = in.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("ping\n"), buf)

	assert.NotEmpty(t, out.RemoteKey())
	assert.NotEmpty(t, in.RemoteKey())

	require.NoError(t, out.Close())
	require.NoError(t, in.Close())
}

// TestSwarmClaimRelease verifies the single-active-channel bookkeeping
// per peer.
func TestSwarmClaimRelease(t *testing.T) {
	if testing.Short() {
		t.Skip("constructs a libp2p host")
	}

	s := newTestSwarm(t, nil)
	other := newTestSwarm(t, nil)

	id := other.host.ID()
	assert.True(t, s.claim(id))
	assert.False(t, s.claim(id), "second claim while active must fail")
	s.release(id)
	assert.True(t, s.claim(id), "claim after release must succeed")
}

// TestSwarmJoinAfterClose verifies Join fails on a closed swarm.
func TestSwarmJoinAfterClose(t *testing.T) {
	if testing.Short() {
		t.Skip("constructs a libp2p host")
	}

	s := newTestSwarm(t, nil)
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Join(context.Background(), "ns", true), ErrSwarmClosed)
}

// TestSwarmRejectsBadBootstrapAddr verifies malformed bootstrap
// multiaddrs are a construction error.
func TestSwarmRejectsBadBootstrapAddr(t *testing.T) {
	_, err := New(context.Background(), Config{
		ListenAddrs:    []string{"/ip4/127.0.0.1/tcp/0"},
		BootstrapPeers: []string{"definitely not a multiaddr"},
	})
	assert.Error(t, err)
}
