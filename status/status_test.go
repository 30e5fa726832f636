package status

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(0, func() Report {
		return Report{
			UptimeSec:       42,
			Mode:            "exposer",
			BridgeID:        "alpha123",
			Protocol:        "tcp",
			RemotePort:      7001,
			P2PConnections:  1,
			TCPStreams:      2,
			BytesUp:         100,
			BytesDown:       200,
			ConnectedToHost: false,
			MaxStreams:      256,
		}
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// TestStatusEndpoint verifies the /status JSON shape and values.
func TestStatusEndpoint(t *testing.T) {
	s := newTestServer(t)

	resp, err := http.Get(fmt.Sprintf("http://%s/status", s.Addr()))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

	assert.Equal(t, "exposer", body["mode"])
	assert.Equal(t, "alpha123", body["bridgeId"])
	assert.Equal(t, float64(42), body["uptimeSec"])
	assert.Equal(t, float64(2), body["tcpStreams"])
	assert.Equal(t, false, body["connectedToHost"])

	for _, key := range []string{
		"uptimeSec", "mode", "bridgeId", "protocol", "listenPort",
		"remotePort", "p2pConnections", "tcpStreams", "udpStreams",
		"bytesUp", "bytesDown", "connectedToHost", "maxStreams", "kbps",
	} {
		assert.Contains(t, body, key)
	}
}

// TestStatusNotFound verifies all other paths return 404.
func TestStatusNotFound(t *testing.T) {
	s := newTestServer(t)

	for _, path := range []string{"/", "/metrics", "/status/extra"} {
		resp, err := http.Get(fmt.Sprintf("http://%s%s", s.Addr(), path))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, "path %s", path)
	}
}
