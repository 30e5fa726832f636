// Package natbridge implements a peer-to-peer tunnel that exposes a
// local TCP or UDP service to remote peers without port forwarding or a
// central relay. A shared bridge id names a rendezvous topic on the
// overlay; endpoints joining the same topic find each other, complete a
// handshake with optional mutual authentication, and multiplex many
// virtual streams over one encrypted peer channel.
//
// Example:
//
//	opts := natbridge.NewOptions()
//	opts.Role = natbridge.RoleExposer
//	opts.BridgeID = "alpha123"
//	opts.ExposedPort = 7001
//
//	bridge, err := natbridge.New(context.Background(), opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := bridge.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	defer bridge.Close()
package natbridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/opd-ai/natbridge/forward"
	"github.com/opd-ai/natbridge/handshake"
	"github.com/opd-ai/natbridge/mux"
	"github.com/opd-ai/natbridge/status"
	"github.com/opd-ai/natbridge/transport"
)

const (
	probeTimeout     = 2 * time.Second
	drainWindow      = time.Second
	swarmCloseWindow = 3 * time.Second
)

// ErrBridgeClosed indicates an operation on a closed bridge.
var ErrBridgeClosed = errors.New("bridge closed")

// link is one established peer channel with its mux session.
type link struct {
	ch   transport.Channel
	sess *mux.Session
}

// Bridge is the per-process supervisor. It owns the swarm, the stream
// budget, the rejected-peer cache, the metrics, and graceful shutdown.
type Bridge struct {
	opts     *Options
	metrics  *Metrics
	swarm    *transport.Swarm
	rejected *handshake.RejectCache

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	links         map[string]*link
	activeStreams map[io.Closer]struct{}
	streamCount   int
	hostLinkKey   string
	rejoinPending bool
	closed        bool

	tcpAccessor *forward.TCPAccessor
	udpAccessor *forward.UDPAccessor
	statusSrv   *status.Server
}

// New validates options, probes the exposed service, and constructs the
// overlay. No topic is joined until Start.
func New(ctx context.Context, opts *Options) (*Bridge, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	if opts.Role == RoleExposer && opts.Protocol.Includes(ProtocolTCP) {
		if err := probeLocalService(opts.ExposedPort); err != nil {
			return nil, err
		}
	}

	bctx, cancel := context.WithCancel(ctx)
	swarm, err := transport.New(bctx, transport.Config{
		BootstrapPeers: opts.BootstrapPeers,
	})
	if err != nil {
		cancel()
		return nil, err
	}

	b := &Bridge{
		opts:          opts,
		metrics:       NewMetrics(),
		swarm:         swarm,
		rejected:      handshake.NewRejectCache(opts.RejectTTL),
		ctx:           bctx,
		cancel:        cancel,
		links:         make(map[string]*link),
		activeStreams: make(map[io.Closer]struct{}),
	}
	swarm.OnConnection(b.handleChannel)
	swarm.OnClose(b.handleSwarmClose)

	return b, nil
}

// probeLocalService checks once that something listens on the exposed
// TCP port, so a misconfigured exposer fails before any network
// activity.
func probeLocalService(port int) error {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	conn, err := net.DialTimeout("tcp", addr, probeTimeout)
	if err != nil {
		return fmt.Errorf("no service listening on %s: %w", addr, err)
	}
	conn.Close()
	return nil
}

// Start serves the status endpoint and joins the rendezvous topic.
func (b *Bridge) Start() error {
	if b.opts.StatusPort != 0 {
		srv, err := status.New(b.opts.StatusPort, b.statusReport)
		if err != nil {
			return err
		}
		b.statusSrv = srv
	}

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"role":     b.opts.Role.String(),
		"protocol": string(b.opts.Protocol),
	}).Info("Bridge starting")

	return b.join()
}

func (b *Bridge) join() error {
	return b.swarm.Join(b.ctx, TopicNamespace(b.opts.BridgeID), b.opts.Role == RoleExposer)
}

// Metrics exposes the counters for callers embedding the bridge.
func (b *Bridge) Metrics() *Metrics {
	return b.metrics
}

// BootstrapAddrs returns this endpoint's overlay addresses, usable as
// --bootstrap values on the other endpoint.
func (b *Bridge) BootstrapAddrs() []string {
	return b.swarm.AddrStrings()
}

// handleSwarmClose clears host connectivity and schedules exactly one
// rejoin after the configured delay, no matter how many close events
// fire inside that window.
func (b *Bridge) handleSwarmClose(err error) {
	b.metrics.SetConnectedToHost(false)

	b.mu.Lock()
	if b.closed || b.rejoinPending {
		b.mu.Unlock()
		return
	}
	b.rejoinPending = true
	b.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "handleSwarmClose",
		"delay":    b.opts.RejoinDelay.String(),
	}).Warn("Overlay lost, scheduling rejoin")

	time.AfterFunc(b.opts.RejoinDelay, func() {
		b.mu.Lock()
		b.rejoinPending = false
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return
		}
		if err := b.join(); err != nil && !errors.Is(err, transport.ErrSwarmClosed) {
			logrus.WithFields(logrus.Fields{
				"function": "handleSwarmClose",
				"error":    err.Error(),
			}).Error("Rejoin failed")
		}
	})
}

// handleChannel is the swarm's connection callback: drop blocked peers,
// then run the handshake on its own goroutine.
func (b *Bridge) handleChannel(ch transport.Channel) {
	key := ch.RemoteKey()
	if b.rejected.Blocked(key) {
		logrus.WithFields(logrus.Fields{
			"function": "handleChannel",
			"peer":     key,
		}).Debug("Dropping recently rejected peer")
		ch.Close()
		return
	}

	b.metrics.AddConnection()
	go b.runHandshake(ch, key)
}

func (b *Bridge) runHandshake(ch transport.Channel, key string) {
	if err := ch.SetDeadline(time.Now().Add(b.opts.HandshakeTimeout)); err != nil {
		ch.Close()
		return
	}

	cfg := handshake.Config{
		Protocol: string(b.opts.Protocol),
		Secret:   b.opts.Secret,
		PeerKey:  key,
	}

	var res *handshake.Result
	var err error
	if b.opts.Role == RoleExposer {
		res, err = handshake.RunExposer(ch, cfg)
	} else {
		cfg.AlreadyConnected = b.metrics.ConnectedToHost
		res, err = handshake.RunAccessor(ch, cfg)
	}
	if err != nil {
		b.rejectAndDestroy(ch, key, err)
		return
	}

	ch.SetDeadline(time.Time{})
	b.installSession(ch, key, res)
}

// sessionConn carries the mux session's bytes: reads drain the
// handshake codec's remainder first, writes and close go straight to
// the channel.
type sessionConn struct {
	r  io.Reader
	ch transport.Channel
}

func (c *sessionConn) Read(p []byte) (int, error)  { return c.r.Read(p) }
func (c *sessionConn) Write(p []byte) (int, error) { return c.ch.Write(p) }
func (c *sessionConn) Close() error                { return c.ch.Close() }

// rejectAndDestroy is the single rejection sink: one warning, channel
// teardown, and cache insertion for blocking reasons.
func (b *Bridge) rejectAndDestroy(ch transport.Channel, key string, err error) {
	if handshake.Blocking(err) {
		b.rejected.Block(key)
	}

	var netErr net.Error
	msg := "Peer rejected"
	if errors.As(err, &netErr) && netErr.Timeout() {
		msg = "Handshake timed out"
	}
	logrus.WithFields(logrus.Fields{
		"function": "rejectAndDestroy",
		"peer":     key,
		"reason":   err.Error(),
		"blocked":  handshake.Blocking(err),
	}).Warn(msg)

	ch.Close()
}

// installSession installs the mux session and the forwarder matching
// the negotiated protocol. The exposer takes the mux server side.
func (b *Bridge) installSession(ch transport.Channel, key string, res *handshake.Result) {
	proto := res.Protocol
	conn := &sessionConn{r: res.Reader, ch: ch}

	var sess *mux.Session
	var err error
	if b.opts.Role == RoleExposer {
		sess, err = mux.Server(conn)
	} else {
		sess, err = mux.Client(conn)
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "installSession",
			"peer":     key,
			"error":    err.Error(),
		}).Warn("Mux setup failed")
		ch.Close()
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sess.Close()
		ch.Close()
		return
	}
	b.links[key] = &link{ch: ch, sess: sess}
	b.mu.Unlock()

	go func() {
		<-sess.CloseChan()
		b.dropLink(key)
	}()

	if b.opts.Role == RoleExposer {
		b.installExposerForwarder(sess, proto)
	} else {
		b.installAccessorForwarder(sess, key, proto)
	}
}

func (b *Bridge) installExposerForwarder(sess *mux.Session, proto string) {
	switch proto {
	case "udp":
		f := forward.NewUDPExposer(b.ctx, forward.UDPExposerConfig{
			Port:       b.opts.ExposedPort,
			Kbps:       b.opts.Kbps,
			Warnings:   b.opts.ExpectedWarnings,
			Supervisor: b,
		})
		sess.OnOpen(f.HandleStream)
	default:
		f := forward.NewTCPExposer(b.ctx, forward.TCPExposerConfig{
			Port:       b.opts.ExposedPort,
			Retries:    b.opts.TCPConnectRetries,
			RetryDelay: b.opts.TCPRetryDelay,
			Kbps:       b.opts.Kbps,
			Warnings:   b.opts.ExpectedWarnings,
			Supervisor: b,
		})
		sess.OnOpen(f.HandleStream)
	}

	logrus.WithFields(logrus.Fields{
		"function": "installExposerForwarder",
		"protocol": proto,
		"port":     b.opts.ExposedPort,
	}).Info("Tunnel ready, forwarding to local service")
}

func (b *Bridge) installAccessorForwarder(sess *mux.Session, key string, proto string) {
	var err error
	switch proto {
	case "udp":
		var f *forward.UDPAccessor
		f, err = forward.NewUDPAccessor(b.ctx, sess, forward.UDPAccessorConfig{
			ListenPort: b.opts.ListenPort,
			Kbps:       b.opts.Kbps,
			Warnings:   b.opts.ExpectedWarnings,
			Supervisor: b,
		})
		if err == nil {
			b.mu.Lock()
			b.udpAccessor = f
			b.mu.Unlock()
		}
	default:
		var f *forward.TCPAccessor
		f, err = forward.NewTCPAccessor(b.ctx, sess, forward.TCPAccessorConfig{
			ListenPort: b.opts.ListenPort,
			Kbps:       b.opts.Kbps,
			Warnings:   b.opts.ExpectedWarnings,
			Supervisor: b,
		})
		if err == nil {
			b.mu.Lock()
			b.tcpAccessor = f
			b.mu.Unlock()
		}
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "installAccessorForwarder",
			"error":    err.Error(),
		}).Error("Local forwarder setup failed")
		b.dropLink(key)
		return
	}

	b.mu.Lock()
	b.hostLinkKey = key
	b.mu.Unlock()
	b.metrics.SetConnectedToHost(true)

	logrus.WithFields(logrus.Fields{
		"function": "installAccessorForwarder",
		"protocol": proto,
		"port":     b.opts.ListenPort,
	}).Info("Tunnel ready, accepting local connections")
}

// dropLink tears down one peer link and, on the accessor, releases the
// host session state so a future exposer can take over.
func (b *Bridge) dropLink(key string) {
	b.mu.Lock()
	l, ok := b.links[key]
	delete(b.links, key)
	wasHost := b.hostLinkKey == key
	var tcpAcc *forward.TCPAccessor
	var udpAcc *forward.UDPAccessor
	if wasHost {
		b.hostLinkKey = ""
		tcpAcc, b.tcpAccessor = b.tcpAccessor, nil
		udpAcc, b.udpAccessor = b.udpAccessor, nil
	}
	b.mu.Unlock()

	if !ok {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "dropLink",
		"peer":     key,
	}).Info("Peer link closed")

	if tcpAcc != nil {
		tcpAcc.Close()
	}
	if udpAcc != nil {
		udpAcc.Close()
	}
	if wasHost {
		b.metrics.SetConnectedToHost(false)
	}
	l.sess.Close()
	l.ch.Close()
}

// Admit reserves one substream slot. It implements forward.Supervisor.
func (b *Bridge) Admit(proto string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.streamCount >= b.opts.MaxStreams {
		return false
	}
	b.streamCount++
	if proto == "udp" {
		b.metrics.AddUDPStreams(1)
	} else {
		b.metrics.AddTCPStreams(1)
	}
	return true
}

// Release returns a slot reserved by Admit.
func (b *Bridge) Release(proto string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streamCount--
	if proto == "udp" {
		b.metrics.AddUDPStreams(-1)
	} else {
		b.metrics.AddTCPStreams(-1)
	}
}

// Track registers a live substream for shutdown draining.
func (b *Bridge) Track(c io.Closer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.activeStreams[c] = struct{}{}
}

// Untrack removes a substream registered with Track.
func (b *Bridge) Untrack(c io.Closer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.activeStreams, c)
}

// AddBytesUp implements forward.Supervisor.
func (b *Bridge) AddBytesUp(n int64) { b.metrics.AddBytesUp(n) }

// AddBytesDown implements forward.Supervisor.
func (b *Bridge) AddBytesDown(n int64) { b.metrics.AddBytesDown(n) }

func (b *Bridge) statusReport() status.Report {
	snap := b.metrics.Snapshot()
	return status.Report{
		UptimeSec:       snap.UptimeSec,
		Mode:            b.opts.Role.String(),
		BridgeID:        b.opts.BridgeID,
		Protocol:        string(b.opts.Protocol),
		ListenPort:      b.opts.ListenPort,
		RemotePort:      b.opts.ExposedPort,
		P2PConnections:  snap.P2PConnections,
		TCPStreams:      snap.TCPStreams,
		UDPStreams:      snap.UDPStreams,
		BytesUp:         snap.BytesUp,
		BytesDown:       snap.BytesDown,
		ConnectedToHost: snap.ConnectedToHost,
		MaxStreams:      b.opts.MaxStreams,
		Kbps:            b.opts.Kbps,
	}
}

// Close performs graceful shutdown: stop local intake, drain
// substreams within the drain window, destroy links, then the swarm
// within its own window. Safe to call more than once.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	tcpAcc := b.tcpAccessor
	udpAcc := b.udpAccessor
	links := make([]*link, 0, len(b.links))
	for _, l := range b.links {
		links = append(links, l)
	}
	b.mu.Unlock()

	logrus.WithField("function", "Close").Info("Shutting down")

	var errs error
	if tcpAcc != nil {
		errs = multierr.Append(errs, tcpAcc.Close())
	}
	if udpAcc != nil {
		udpAcc.Close()
	}

	b.drainStreams(drainWindow)

	for _, l := range links {
		l.sess.Close()
		l.ch.Close()
	}
	b.cancel()

	done := make(chan error, 1)
	go func() { done <- b.swarm.Close() }()
	select {
	case err := <-done:
		errs = multierr.Append(errs, err)
	case <-time.After(swarmCloseWindow):
		errs = multierr.Append(errs, errors.New("swarm close timed out"))
	}

	if b.statusSrv != nil {
		errs = multierr.Append(errs, b.statusSrv.Close())
	}
	return errs
}

// drainStreams closes every tracked substream and waits up to window
// for the forwarders to release them.
func (b *Bridge) drainStreams(window time.Duration) {
	b.mu.Lock()
	streams := make([]io.Closer, 0, len(b.activeStreams))
	for c := range b.activeStreams {
		streams = append(streams, c)
	}
	b.mu.Unlock()

	for _, c := range streams {
		c.Close()
	}

	deadline := time.Now().Add(window)
	for time.Now().Before(deadline) {
		b.mu.Lock()
		remaining := len(b.activeStreams)
		b.mu.Unlock()
		if remaining == 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}

	b.mu.Lock()
	remaining := len(b.activeStreams)
	b.mu.Unlock()
	if remaining > 0 {
		logrus.WithFields(logrus.Fields{
			"function":  "drainStreams",
			"remaining": remaining,
		}).Warn("Streams still open after drain window")
	}
}
