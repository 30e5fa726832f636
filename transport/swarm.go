package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/sirupsen/logrus"
)

// ProtocolID tags bridge streams on the overlay. Peers speaking a
// different protocol never reach the handshake.
const ProtocolID protocol.ID = "/natbridge/1.0.0"

const (
	defaultAdvertiseInterval = 30 * time.Second
	defaultLookupInterval    = 15 * time.Second
	dialTimeout              = 20 * time.Second

	// maxDiscoveryFailures is the number of consecutive discovery errors
	// tolerated before the swarm reports itself closed and the supervisor
	// schedules a rejoin.
	maxDiscoveryFailures = 3
)

// ErrSwarmClosed indicates an operation on a closed swarm.
var ErrSwarmClosed = errors.New("swarm closed")

// ConnectionHandler receives every established peer channel, inbound and
// outbound.
type ConnectionHandler func(Channel)

// CloseHandler is invoked once when the overlay session dies and a rejoin
// is required.
type CloseHandler func(err error)

// Config carries overlay construction options.
type Config struct {
	// ListenAddrs overrides the host's listen multiaddrs. Empty keeps the
	// libp2p defaults.
	ListenAddrs []string

	// BootstrapPeers are dialed to seed DHT routing. Invalid entries are
	// a construction error.
	BootstrapPeers []string

	// AdvertiseInterval and LookupInterval pace the discovery loops.
	// Zero selects the defaults.
	AdvertiseInterval time.Duration
	LookupInterval    time.Duration

	// DHTServer forces DHT server mode. The default auto mode switches
	// on public reachability, which never triggers on isolated LANs.
	DHTServer bool
}

// Swarm joins a rendezvous namespace on the overlay and hands established
// peer streams to the connection handler.
type Swarm struct {
	host      host.Host
	dht       *dht.IpfsDHT
	discovery *drouting.RoutingDiscovery
	cfg       Config

	mu           sync.Mutex
	onConnection ConnectionHandler
	onClose      CloseHandler
	active       map[peer.ID]bool
	joinCancel   context.CancelFunc
	closed       bool
	closeFired   bool
}

// New constructs the libp2p host and DHT and connects to any configured
// bootstrap peers. Errors here are fatal to startup.
func New(ctx context.Context, cfg Config) (*Swarm, error) {
	if cfg.AdvertiseInterval == 0 {
		cfg.AdvertiseInterval = defaultAdvertiseInterval
	}
	if cfg.LookupInterval == 0 {
		cfg.LookupInterval = defaultLookupInterval
	}

	var hostOpts []libp2p.Option
	if len(cfg.ListenAddrs) > 0 {
		hostOpts = append(hostOpts, libp2p.ListenAddrStrings(cfg.ListenAddrs...))
	}

	h, err := libp2p.New(hostOpts...)
	if err != nil {
		return nil, fmt.Errorf("libp2p host: %w", err)
	}

	mode := dht.ModeAuto
	if cfg.DHTServer {
		mode = dht.ModeServer
	}
	kdht, err := dht.New(ctx, h, dht.Mode(mode))
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("dht: %w", err)
	}

	s := &Swarm{
		host:      h,
		dht:       kdht,
		discovery: drouting.NewRoutingDiscovery(kdht),
		cfg:       cfg,
		active:    make(map[peer.ID]bool),
	}

	if err := s.connectBootstrapPeers(ctx); err != nil {
		kdht.Close()
		h.Close()
		return nil, err
	}

	if err := kdht.Bootstrap(ctx); err != nil {
		kdht.Close()
		h.Close()
		return nil, fmt.Errorf("dht bootstrap: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"peer_id":  h.ID().String(),
	}).Debug("Overlay host created")

	return s, nil
}

// connectBootstrapPeers dials the configured bootstrap multiaddrs.
// Individual dial failures are logged and tolerated; a malformed
// multiaddr is not.
func (s *Swarm) connectBootstrapPeers(ctx context.Context) error {
	for _, addr := range s.cfg.BootstrapPeers {
		maddr, err := ma.NewMultiaddr(addr)
		if err != nil {
			return fmt.Errorf("bootstrap peer %q: %w", addr, err)
		}
		info, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			return fmt.Errorf("bootstrap peer %q: %w", addr, err)
		}

		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		err = s.host.Connect(dialCtx, *info)
		cancel()
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "connectBootstrapPeers",
				"peer":     info.ID.String(),
				"error":    err.Error(),
			}).Warn("Failed to connect to bootstrap peer")
			continue
		}
	}
	return nil
}

// OnConnection registers the handler for established peer channels. It
// must be set before Join.
func (s *Swarm) OnConnection(h ConnectionHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnection = h
}

// OnClose registers the handler invoked when the overlay session dies.
func (s *Swarm) OnClose(h CloseHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClose = h
}

// Join enters the rendezvous namespace. Exposers announce; accessors
// perform lookup only. Join may be called again after a close event.
func (s *Swarm) Join(ctx context.Context, namespace string, announce bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSwarmClosed
	}
	if s.joinCancel != nil {
		s.joinCancel()
	}
	jctx, cancel := context.WithCancel(ctx)
	s.joinCancel = cancel
	s.closeFired = false
	s.mu.Unlock()

	s.host.SetStreamHandler(ProtocolID, s.handleInbound)

	logrus.WithFields(logrus.Fields{
		"function":  "Join",
		"namespace": namespace,
		"announce":  announce,
	}).Info("Joining rendezvous topic")

	if announce {
		go s.announceLoop(jctx, namespace)
	} else {
		go s.lookupLoop(jctx, namespace)
	}
	return nil
}

// announceLoop re-advertises the namespace so lookups keep finding us.
func (s *Swarm) announceLoop(ctx context.Context, namespace string) {
	failures := 0
	ticker := time.NewTicker(s.cfg.AdvertiseInterval)
	defer ticker.Stop()

	for {
		if _, err := s.discovery.Advertise(ctx, namespace); err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			logrus.WithFields(logrus.Fields{
				"function":  "announceLoop",
				"namespace": namespace,
				"failures":  failures,
				"error":     err.Error(),
			}).Warn("Advertise failed")
			if failures >= maxDiscoveryFailures {
				s.fireClose(fmt.Errorf("advertise: %w", err))
				return
			}
		} else {
			failures = 0
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// lookupLoop finds announcing peers and dials a bridge stream to each.
func (s *Swarm) lookupLoop(ctx context.Context, namespace string) {
	failures := 0
	ticker := time.NewTicker(s.cfg.LookupInterval)
	defer ticker.Stop()

	for {
		peerCh, err := s.discovery.FindPeers(ctx, namespace)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			logrus.WithFields(logrus.Fields{
				"function":  "lookupLoop",
				"namespace": namespace,
				"failures":  failures,
				"error":     err.Error(),
			}).Warn("Peer lookup failed")
			if failures >= maxDiscoveryFailures {
				s.fireClose(fmt.Errorf("find peers: %w", err))
				return
			}
		} else {
			failures = 0
			for info := range peerCh {
				if info.ID == "" || info.ID == s.host.ID() {
					continue
				}
				s.dialPeer(ctx, info)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// dialPeer opens a bridge stream to a discovered peer unless one is
// already active.
func (s *Swarm) dialPeer(ctx context.Context, info peer.AddrInfo) {
	if !s.claim(info.ID) {
		return
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	if len(info.Addrs) > 0 {
		if err := s.host.Connect(dialCtx, info); err != nil {
			s.release(info.ID)
			logrus.WithFields(logrus.Fields{
				"function": "dialPeer",
				"peer":     info.ID.String(),
				"error":    err.Error(),
			}).Debug("Peer dial failed")
			return
		}
	}

	st, err := s.host.NewStream(dialCtx, info.ID, ProtocolID)
	if err != nil {
		s.release(info.ID)
		logrus.WithFields(logrus.Fields{
			"function": "dialPeer",
			"peer":     info.ID.String(),
			"error":    err.Error(),
		}).Debug("Stream open failed")
		return
	}

	s.dispatch(st, false, true)
}

// handleInbound accepts a stream opened by a remote peer. A duplicate
// channel to an already-claimed peer is still dispatched so its
// handshake can be read through to rejection.
func (s *Swarm) handleInbound(st network.Stream) {
	claimed := s.claim(st.Conn().RemotePeer())
	s.dispatch(st, true, claimed)
}

// dispatch wraps a stream as a Channel and hands it to the connection
// handler.
func (s *Swarm) dispatch(st network.Stream, inbound, claimed bool) {
	s.mu.Lock()
	handler := s.onConnection
	s.mu.Unlock()

	if handler == nil {
		st.Reset()
		if claimed {
			s.release(st.Conn().RemotePeer())
		}
		return
	}

	key := peerKey(st)
	logrus.WithFields(logrus.Fields{
		"function": "dispatch",
		"peer":     key,
		"inbound":  inbound,
	}).Debug("Peer channel established")

	handler(&streamChannel{Stream: st, swarm: s, key: key, claimed: claimed})
}

// claim marks a peer as having an active channel. It reports false when
// a channel to the peer already exists.
func (s *Swarm) claim(id peer.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[id] {
		return false
	}
	s.active[id] = true
	return true
}

func (s *Swarm) release(id peer.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, id)
}

// fireClose reports overlay death to the supervisor exactly once per
// Join, no matter how many loops observe it.
func (s *Swarm) fireClose(err error) {
	s.mu.Lock()
	if s.closed || s.closeFired {
		s.mu.Unlock()
		return
	}
	s.closeFired = true
	handler := s.onClose
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "fireClose",
		"error":    err.Error(),
	}).Warn("Overlay session lost")

	if handler != nil {
		handler(err)
	}
}

// Close leaves the overlay and releases the host. Further Joins fail
// with ErrSwarmClosed.
func (s *Swarm) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.joinCancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.host.RemoveStreamHandler(ProtocolID)

	if err := s.dht.Close(); err != nil {
		s.host.Close()
		return fmt.Errorf("dht close: %w", err)
	}
	return s.host.Close()
}

// AddrStrings returns the host's listen multiaddrs with the peer id
// appended, suitable as bootstrap addresses for the other endpoint.
func (s *Swarm) AddrStrings() []string {
	suffix := "/p2p/" + s.host.ID().String()
	addrs := make([]string, 0, len(s.host.Addrs()))
	for _, a := range s.host.Addrs() {
		addrs = append(addrs, a.String()+suffix)
	}
	return addrs
}

// peerKey builds the rejected-peer cache key for a stream's remote end.
func peerKey(st network.Stream) string {
	return st.Conn().RemoteMultiaddr().String() + "/p2p/" + st.Conn().RemotePeer().String()
}
