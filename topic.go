package natbridge

import (
	"crypto/sha256"
	"encoding/hex"
)

// topicPrefix namespaces bridge ids so that unrelated users of the overlay
// cannot collide with bridge rendezvous keys.
const topicPrefix = "NAT-bridge:"

// Topic derives the 32-byte rendezvous topic for a bridge id. Endpoints
// that join the same topic discover each other; the derivation is
// deterministic so both roles compute it independently.
func Topic(bridgeID string) [32]byte {
	return sha256.Sum256([]byte(topicPrefix + bridgeID))
}

// TopicNamespace returns the topic as a lowercase hex string, used as the
// discovery rendezvous namespace on the overlay.
func TopicNamespace(bridgeID string) string {
	topic := Topic(bridgeID)
	return hex.EncodeToString(topic[:])
}
