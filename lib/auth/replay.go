// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/dcphub/dcphub/lib/clock"
)

// replayCache remembers accepted authenticators until they could no
// longer pass the time check. Expired entries are evicted inline.
type replayCache struct {
	mu      sync.Mutex
	entries map[[32]byte]time.Time
	ttl     time.Duration
	clock   clock.Clock
}

func newReplayCache(ttl time.Duration, clk clock.Clock) *replayCache {
	return &replayCache{
		entries: make(map[[32]byte]time.Time),
		ttl:     ttl,
		clock:   clk,
	}
}

func replayKey(user string, unixTime int64, authenticator []byte) [32]byte {
	hasher := blake3.New()
	var timeBytes [8]byte
	binary.BigEndian.PutUint64(timeBytes[:], uint64(unixTime))
	hasher.Write([]byte(user))
	hasher.Write([]byte{0})
	hasher.Write(timeBytes[:])
	hasher.Write(authenticator)
	var key [32]byte
	copy(key[:], hasher.Sum(nil))
	return key
}

// record returns true if key was not seen within the TTL, and
// remembers it.
func (c *replayCache) record(key [32]byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	cutoff := now.Add(-c.ttl)
	for k, seen := range c.entries {
		if seen.Before(cutoff) {
			delete(c.entries, k)
		}
	}
	if _, exists := c.entries[key]; exists {
		return false
	}
	c.entries[key] = now
	return true
}

func (c *replayCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
