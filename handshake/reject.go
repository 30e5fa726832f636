package handshake

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// rejectCacheSize bounds the cache; entries expire on TTL long before
// the bound matters in practice.
const rejectCacheSize = 1024

// RejectCache memoizes peer keys rejected with a blocking reason so that
// tight reconnect loops are dropped without re-reading their handshake.
// Entries expire after the configured TTL. Safe for concurrent use.
type RejectCache struct {
	lru *expirable.LRU[string, struct{}]
}

// NewRejectCache creates a cache whose entries expire after ttl.
func NewRejectCache(ttl time.Duration) *RejectCache {
	return &RejectCache{
		lru: expirable.NewLRU[string, struct{}](rejectCacheSize, nil, ttl),
	}
}

// Block inserts a peer key; the peer is dropped until the entry expires.
func (c *RejectCache) Block(key string) {
	c.lru.Add(key, struct{}{})
}

// Blocked reports whether a peer key is currently blocked.
func (c *RejectCache) Blocked(key string) bool {
	_, ok := c.lru.Get(key)
	return ok
}

// Len returns the number of live entries.
func (c *RejectCache) Len() int {
	return c.lru.Len()
}
