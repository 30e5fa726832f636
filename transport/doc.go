// Package transport adapts the libp2p overlay to the bridge's needs:
// topic-keyed peer discovery and one authenticated byte channel per peer.
//
// A Swarm owns a libp2p host and a Kademlia DHT. Join enters a rendezvous
// namespace in announce mode (exposers) or lookup mode (accessors); every
// established peer stream surfaces through the connection handler as a
// Channel. Channel payload security (encryption, peer authentication) is
// provided by the libp2p connection upgrader and is not re-implemented
// here.
package transport
