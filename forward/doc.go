// Package forward implements the per-substream forwarding engines that
// carry application traffic once a handshake has produced a mux session.
//
// Two symmetric variants exist per protocol. The TCP exposer dials the
// local target service with bounded retry for every inbound substream;
// the TCP accessor listens on loopback and allocates a substream per
// accepted connection. The UDP exposer opens an ephemeral datagram
// socket per substream; the UDP accessor binds one local socket to one
// substream. Throttling and byte accounting live here: each side paces
// the direction that enters the tunnel through a per-stream token
// bucket.
package forward
