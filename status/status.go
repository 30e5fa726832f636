// Package status serves the read-only HTTP status endpoint: a single
// GET /status route on loopback returning a JSON snapshot of the
// bridge's configuration and counters.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Report is the JSON body served at /status.
type Report struct {
	UptimeSec       int64  `json:"uptimeSec"`
	Mode            string `json:"mode"`
	BridgeID        string `json:"bridgeId"`
	Protocol        string `json:"protocol"`
	ListenPort      int    `json:"listenPort"`
	RemotePort      int    `json:"remotePort"`
	P2PConnections  int64  `json:"p2pConnections"`
	TCPStreams      int64  `json:"tcpStreams"`
	UDPStreams      int64  `json:"udpStreams"`
	BytesUp         int64  `json:"bytesUp"`
	BytesDown       int64  `json:"bytesDown"`
	ConnectedToHost bool   `json:"connectedToHost"`
	MaxStreams      int    `json:"maxStreams"`
	Kbps            int    `json:"kbps"`
}

// Source produces the current report for each request.
type Source func() Report

// Server is the loopback status endpoint.
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// New binds the endpoint on loopback and starts serving. A port of 0
// picks an ephemeral port, visible through Addr.
func New(port int, source Source) (*Server, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, fmt.Errorf("status listen on %d: %w", port, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(source()); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "New",
				"error":    err.Error(),
			}).Debug("Status write failed")
		}
	})

	s := &Server{
		srv: &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		ln:  ln,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logrus.WithFields(logrus.Fields{
				"function": "New",
				"error":    err.Error(),
			}).Warn("Status endpoint stopped")
		}
	}()

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"addr":     ln.Addr().String(),
	}).Info("Status endpoint listening")

	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Close shuts the endpoint down, waiting briefly for in-flight
// requests.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
