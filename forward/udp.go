package forward

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/natbridge/limits"
	"github.com/opd-ai/natbridge/mux"
)

// writeDatagram frames one datagram onto a stream-oriented substream
// with a 2-byte big-endian length prefix. The mux does not guarantee
// write-boundary preservation, so the prefix is what keeps datagram
// boundaries recoverable end to end.
func writeDatagram(w io.Writer, payload []byte) error {
	if err := limits.ValidateDatagram(payload); err != nil {
		return err
	}
	frame := make([]byte, limits.DatagramHeaderSize+len(payload))
	binary.BigEndian.PutUint16(frame, uint16(len(payload)))
	copy(frame[limits.DatagramHeaderSize:], payload)
	_, err := w.Write(frame)
	return err
}

// readDatagram reads one length-prefixed datagram into buf and returns
// the payload length. buf must hold limits.MaxDatagram bytes.
func readDatagram(r io.Reader, buf []byte) (int, error) {
	var hdr [limits.DatagramHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, err
	}
	n := int(binary.BigEndian.Uint16(hdr[:]))
	if n == 0 {
		return 0, limits.ErrDatagramEmpty
	}
	if _, err := io.ReadFull(r, buf[:n]); err != nil {
		return 0, err
	}
	return n, nil
}

// UDPExposerConfig parameterizes the exposer-side UDP forwarder.
type UDPExposerConfig struct {
	// Port is the loopback UDP port of the exposed service.
	Port int
	// Kbps throttles the service-to-tunnel direction per substream.
	Kbps int
	// Warnings elevates benign disconnect logs.
	Warnings bool

	Supervisor Supervisor
}

// UDPExposer creates one ephemeral loopback UDP socket per inbound
// substream; the substream boundary defines the datagram flow.
type UDPExposer struct {
	cfg UDPExposerConfig
	ctx context.Context
}

// NewUDPExposer builds the forwarder.
func NewUDPExposer(ctx context.Context, cfg UDPExposerConfig) *UDPExposer {
	return &UDPExposer{cfg: cfg, ctx: ctx}
}

// HandleStream admits, opens the per-flow socket, and relays datagrams
// in both directions until either side closes.
func (f *UDPExposer) HandleStream(st *mux.Stream) {
	if !f.cfg.Supervisor.Admit("udp") {
		logrus.WithFields(logrus.Fields{
			"function": "HandleStream",
			"stream":   st.ID(),
		}).Warn("Stream budget exhausted, refusing substream")
		st.Close()
		return
	}
	defer f.cfg.Supervisor.Release("udp")

	f.cfg.Supervisor.Track(st)
	defer f.cfg.Supervisor.Untrack(st)

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "HandleStream",
			"stream":   st.ID(),
			"error":    err.Error(),
		}).Error("Ephemeral UDP socket failed, closing substream")
		st.Close()
		return
	}

	target := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: f.cfg.Port}
	throttle := NewThrottle(f.cfg.Kbps)
	fields := logrus.Fields{"function": "HandleStream", "stream": st.ID(), "port": f.cfg.Port}

	done := make(chan error, 2)
	go func() {
		// tunnel -> service
		buf := make([]byte, limits.MaxDatagram)
		for {
			n, err := readDatagram(st, buf)
			if err != nil {
				done <- err
				return
			}
			f.cfg.Supervisor.AddBytesDown(int64(n))
			if _, err := conn.WriteToUDP(buf[:n], target); err != nil {
				done <- err
				return
			}
		}
	}()
	go func() {
		// service -> tunnel, throttled
		buf := make([]byte, limits.MaxDatagram)
		for {
			n, _, err := conn.ReadFromUDP(buf)
			if err != nil {
				done <- err
				return
			}
			if err := throttle.Wait(f.ctx, n); err != nil {
				done <- err
				return
			}
			if err := writeDatagram(st, buf[:n]); err != nil {
				done <- err
				return
			}
			f.cfg.Supervisor.AddBytesUp(int64(n))
		}
	}()

	err = <-done
	st.Close()
	conn.Close()
	<-done

	logDisconnect(fields, err, f.cfg.Warnings)
}

// UDPAccessorConfig parameterizes the accessor-side UDP forwarder.
type UDPAccessorConfig struct {
	// ListenPort is the loopback UDP port local clients send to.
	ListenPort int
	// Kbps throttles the client-to-tunnel direction.
	Kbps int
	// Warnings elevates benign disconnect logs.
	Warnings bool

	Supervisor Supervisor
}

// UDPAccessor binds one local UDP socket to one substream opened at
// handshake completion. Tunnel datagrams are sent back to the last-seen
// source of the listen socket, so an ordinary client socket receives
// its replies.
type UDPAccessor struct {
	cfg  UDPAccessorConfig
	st   *mux.Stream
	conn *net.UDPConn

	mu         sync.Mutex
	lastClient *net.UDPAddr

	closeOnce sync.Once
}

// NewUDPAccessor opens the substream, binds the local socket, and
// starts both relay directions.
func NewUDPAccessor(ctx context.Context, sess *mux.Session, cfg UDPAccessorConfig) (*UDPAccessor, error) {
	if !cfg.Supervisor.Admit("udp") {
		return nil, fmt.Errorf("stream budget exhausted")
	}

	st, err := sess.Open()
	if err != nil {
		cfg.Supervisor.Release("udp")
		return nil, fmt.Errorf("open substream: %w", err)
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: cfg.ListenPort})
	if err != nil {
		st.Close()
		cfg.Supervisor.Release("udp")
		return nil, fmt.Errorf("listen on %d: %w", cfg.ListenPort, err)
	}

	a := &UDPAccessor{cfg: cfg, st: st, conn: conn}
	cfg.Supervisor.Track(st)

	throttle := NewThrottle(cfg.Kbps)
	go a.localLoop(ctx, throttle)
	go a.tunnelLoop()

	logrus.WithFields(logrus.Fields{
		"function": "NewUDPAccessor",
		"port":     cfg.ListenPort,
		"stream":   st.ID(),
	}).Info("Accepting local UDP datagrams")

	return a, nil
}

// localLoop relays datagrams from the listen socket into the tunnel and
// remembers each sender as the reply destination.
func (a *UDPAccessor) localLoop(ctx context.Context, throttle *Throttle) {
	buf := make([]byte, limits.MaxDatagram)
	for {
		n, src, err := a.conn.ReadFromUDP(buf)
		if err != nil {
			a.finish(err)
			return
		}
		a.mu.Lock()
		a.lastClient = src
		a.mu.Unlock()

		if err := throttle.Wait(ctx, n); err != nil {
			a.finish(err)
			return
		}
		if err := writeDatagram(a.st, buf[:n]); err != nil {
			a.finish(err)
			return
		}
		a.cfg.Supervisor.AddBytesUp(int64(n))
	}
}

// tunnelLoop relays datagrams from the substream back to the last-seen
// local client.
func (a *UDPAccessor) tunnelLoop() {
	buf := make([]byte, limits.MaxDatagram)
	for {
		n, err := readDatagram(a.st, buf)
		if err != nil {
			a.finish(err)
			return
		}
		a.cfg.Supervisor.AddBytesDown(int64(n))

		a.mu.Lock()
		dst := a.lastClient
		a.mu.Unlock()
		if dst == nil {
			logrus.WithField("function", "tunnelLoop").Debug("Dropping tunnel datagram, no local client yet")
			continue
		}
		if _, err := a.conn.WriteToUDP(buf[:n], dst); err != nil {
			a.finish(err)
			return
		}
	}
}

// finish tears the flow down once, from whichever loop hit the end
// first.
func (a *UDPAccessor) finish(err error) {
	a.closeOnce.Do(func() {
		logDisconnect(logrus.Fields{
			"function": "finish",
			"stream":   a.st.ID(),
		}, err, a.cfg.Warnings)
		a.st.Close()
		a.conn.Close()
		a.cfg.Supervisor.Untrack(a.st)
		a.cfg.Supervisor.Release("udp")
	})
}

// LocalAddr returns the bound listen address.
func (a *UDPAccessor) LocalAddr() net.Addr {
	return a.conn.LocalAddr()
}

// Close shuts the flow down during graceful shutdown.
func (a *UDPAccessor) Close() error {
	a.finish(nil)
	return nil
}
