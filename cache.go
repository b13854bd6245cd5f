package netseal

import (
	"crypto/subtle"
	"net/netip"

	"github.com/netseal/netseal/nsdef"
)

// connectTokenEntry records one observed connect token use: the leading MAC
// bytes of the ciphertext, the address it was first seen from, and when.
type connectTokenEntry struct {
	time    float64
	address netip.AddrPort
	mac     [nsdef.MacBytes]byte
}

// connectTokenCache is the replay defense for connect tokens. It is a flat
// fixed-capacity table scanned in full on every lookup: worst case
// O(capacity) regardless of contents, with no early exit on the MAC compare,
// so an attacker gets no timing signal about which tokens the server has
// seen.
type connectTokenCache struct {
	entries []connectTokenEntry
}

func newConnectTokenCache(capacity int) *connectTokenCache {
	return &connectTokenCache{entries: make([]connectTokenEntry, capacity)}
}

// findOrAdd reports whether a connection request carrying mac from address
// may proceed. A mac never seen before claims a table entry and is accepted.
// A mac seen before is accepted only from the address it was first seen
// from; any other address is a replay.
//
// Eviction picks the entry with the largest stored time. That mirrors the
// reference behavior exactly, even though it reads like it was meant to pick
// the smallest; see DESIGN.md before changing the comparison.
func (c *connectTokenCache) findOrAdd(address netip.AddrPort, mac []byte, now float64) bool {
	matchingIndex := -1
	oldestIndex := -1
	oldestTime := 0.0
	for i := range c.entries {
		if subtle.ConstantTimeCompare(mac, c.entries[i].mac[:]) == 1 {
			matchingIndex = i
		}
		if oldestIndex == -1 || oldestTime < c.entries[i].time {
			oldestTime = c.entries[i].time
			oldestIndex = i
		}
	}

	if matchingIndex == -1 {
		c.entries[oldestIndex].time = now
		c.entries[oldestIndex].address = address
		copy(c.entries[oldestIndex].mac[:], mac)
		return true
	}

	if c.entries[matchingIndex].address == address {
		return true
	}

	return false
}
