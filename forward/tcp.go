package forward

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/natbridge/mux"
)

const dialAttemptTimeout = 2 * time.Second

// TCPExposerConfig parameterizes the exposer-side TCP forwarder.
type TCPExposerConfig struct {
	// Port is the loopback TCP port of the exposed service.
	Port int
	// Retries bounds dial attempts per substream; RetryDelay spaces
	// them.
	Retries    int
	RetryDelay time.Duration
	// Kbps throttles the service-to-tunnel direction per substream.
	Kbps int
	// Warnings elevates benign disconnect logs.
	Warnings bool

	Supervisor Supervisor
}

// TCPExposer forwards inbound substreams to the local exposed service.
// One instance serves a whole mux session; HandleStream is its OnOpen
// callback.
type TCPExposer struct {
	cfg TCPExposerConfig
	ctx context.Context
}

// NewTCPExposer builds the forwarder. ctx bounds all dial retries and
// throttle waits.
func NewTCPExposer(ctx context.Context, cfg TCPExposerConfig) *TCPExposer {
	return &TCPExposer{cfg: cfg, ctx: ctx}
}

// HandleStream admits, dials the local service with bounded retry, and
// runs both pipe directions until either side closes.
func (f *TCPExposer) HandleStream(st *mux.Stream) {
	if !f.cfg.Supervisor.Admit("tcp") {
		logrus.WithFields(logrus.Fields{
			"function": "HandleStream",
			"stream":   st.ID(),
		}).Warn("Stream budget exhausted, refusing substream")
		st.Close()
		return
	}
	defer f.cfg.Supervisor.Release("tcp")

	f.cfg.Supervisor.Track(st)
	defer f.cfg.Supervisor.Untrack(st)

	conn, err := f.dialWithRetry()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "HandleStream",
			"stream":   st.ID(),
			"port":     f.cfg.Port,
			"error":    err.Error(),
		}).Error("Local service unreachable, closing substream")
		st.Close()
		return
	}
	conn.SetNoDelay(true)

	logrus.WithFields(logrus.Fields{
		"function": "HandleStream",
		"stream":   st.ID(),
		"port":     f.cfg.Port,
	}).Debug("TCP substream connected to local service")

	bridgeTCP(f.ctx, st, conn, f.cfg.Kbps, f.cfg.Warnings, f.cfg.Supervisor)
}

// dialWithRetry dials the exposed service up to Retries times.
func (f *TCPExposer) dialWithRetry() (*net.TCPConn, error) {
	addr := fmt.Sprintf("127.0.0.1:%d", f.cfg.Port)
	var lastErr error
	for attempt := 1; attempt <= f.cfg.Retries; attempt++ {
		dialer := net.Dialer{Timeout: dialAttemptTimeout}
		conn, err := dialer.DialContext(f.ctx, "tcp", addr)
		if err == nil {
			return conn.(*net.TCPConn), nil
		}
		lastErr = err
		logrus.WithFields(logrus.Fields{
			"function": "dialWithRetry",
			"attempt":  attempt,
			"retries":  f.cfg.Retries,
			"error":    err.Error(),
		}).Debug("Local dial failed")

		if attempt == f.cfg.Retries {
			break
		}
		select {
		case <-f.ctx.Done():
			return nil, f.ctx.Err()
		case <-time.After(f.cfg.RetryDelay):
		}
	}
	return nil, fmt.Errorf("dial %s after %d attempts: %w", addr, f.cfg.Retries, lastErr)
}

// TCPAccessorConfig parameterizes the accessor-side TCP forwarder.
type TCPAccessorConfig struct {
	// ListenPort is the loopback TCP port local clients connect to.
	ListenPort int
	// Kbps throttles the client-to-tunnel direction per substream.
	Kbps int
	// Warnings elevates benign disconnect logs.
	Warnings bool

	Supervisor Supervisor
}

// TCPAccessor listens on loopback and allocates one substream per
// accepted local connection.
type TCPAccessor struct {
	cfg    TCPAccessorConfig
	sess   *mux.Session
	ln     net.Listener
	ctx    context.Context
	cancel context.CancelFunc
}

// NewTCPAccessor binds the local listener and starts accepting.
func NewTCPAccessor(ctx context.Context, sess *mux.Session, cfg TCPAccessorConfig) (*TCPAccessor, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", cfg.ListenPort))
	if err != nil {
		return nil, fmt.Errorf("listen on %d: %w", cfg.ListenPort, err)
	}

	actx, cancel := context.WithCancel(ctx)
	a := &TCPAccessor{cfg: cfg, sess: sess, ln: ln, ctx: actx, cancel: cancel}
	go a.acceptLoop()

	logrus.WithFields(logrus.Fields{
		"function": "NewTCPAccessor",
		"port":     cfg.ListenPort,
	}).Info("Accepting local TCP connections")

	return a, nil
}

// Addr returns the bound listen address.
func (a *TCPAccessor) Addr() net.Addr {
	return a.ln.Addr()
}

func (a *TCPAccessor) acceptLoop() {
	for {
		conn, err := a.ln.Accept()
		if err != nil {
			if a.ctx.Err() != nil {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "acceptLoop",
				"error":    err.Error(),
			}).Debug("Accept failed")
			return
		}
		go a.handleConn(conn.(*net.TCPConn))
	}
}

// handleConn admits and binds one accepted connection to a fresh
// substream. Admission happens before any tunnel resource is allocated.
func (a *TCPAccessor) handleConn(conn *net.TCPConn) {
	if !a.cfg.Supervisor.Admit("tcp") {
		logrus.WithFields(logrus.Fields{
			"function": "handleConn",
			"remote":   conn.RemoteAddr().String(),
		}).Warn("Stream budget exhausted, refusing local connection")
		conn.Close()
		return
	}
	defer a.cfg.Supervisor.Release("tcp")

	st, err := a.sess.Open()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleConn",
			"error":    err.Error(),
		}).Warn("Substream open failed")
		conn.Close()
		return
	}

	a.cfg.Supervisor.Track(st)
	defer a.cfg.Supervisor.Untrack(st)

	conn.SetNoDelay(true)
	bridgeTCP(a.ctx, st, conn, a.cfg.Kbps, a.cfg.Warnings, a.cfg.Supervisor)
}

// Close stops accepting and releases the listener. Live substreams are
// drained by the supervisor, not here.
func (a *TCPAccessor) Close() error {
	a.cancel()
	return a.ln.Close()
}

// bridgeTCP runs both unidirectional pipes between a substream and a
// local socket, closing both ends when either direction finishes. The
// local-to-tunnel direction is paced; tunnel-to-local is not.
func bridgeTCP(ctx context.Context, st *mux.Stream, conn net.Conn, kbps int, warnings bool, sup Supervisor) {
	throttle := NewThrottle(kbps)
	fields := logrus.Fields{"function": "bridgeTCP", "stream": st.ID()}

	done := make(chan error, 2)
	go func() {
		// tunnel -> local, unthrottled
		dst := &meteredWriter{w: conn, count: sup.AddBytesDown}
		done <- pump(dst, st)
	}()
	go func() {
		// local -> tunnel, throttled
		metered := &meteredWriter{w: st, count: sup.AddBytesUp}
		dst := &throttledWriter{w: metered, t: throttle, ctx: ctx}
		done <- pump(dst, conn)
	}()

	err := <-done
	st.Close()
	conn.Close()
	<-done

	logDisconnect(fields, err, warnings)
}
