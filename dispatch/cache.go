package dispatch

import "time"

// ResponseCacheTTL is how long a sent response stays answerable from the
// cache. It matches the 64*T1 retransmission window of RFC 3261.
const ResponseCacheTTL = 32 * time.Second

type cachedResponse struct {
	packet   Packet
	expireAt time.Time
}

// responseCache keeps recently sent responses so identical request
// retransmissions can be answered without involving the upper layer.
// Keys are CSeq and Call-ID joined with a NUL; re-inserting a key
// overwrites the expiry. Not safe for concurrent use; the dispatcher
// lock guards it.
type responseCache map[string]*cachedResponse

func responseCacheKey(p Packet) string {
	return p.CSeq() + "\x00" + p.CallID()
}

func (c responseCache) put(p Packet, now time.Time) {
	c[responseCacheKey(p)] = &cachedResponse{
		packet:   p,
		expireAt: now.Add(ResponseCacheTTL),
	}
}

func (c responseCache) get(p Packet, now time.Time) (Packet, bool) {
	entry, ok := c[responseCacheKey(p)]
	if !ok || !entry.expireAt.After(now) {
		return nil, false
	}
	return entry.packet, true
}

// expire evicts stale entries and returns the earliest remaining expiry.
func (c responseCache) expire(now time.Time) (time.Time, bool) {
	var minExpire time.Time
	for key, entry := range c {
		if !entry.expireAt.After(now) {
			delete(c, key)
			continue
		}
		if minExpire.IsZero() || entry.expireAt.Before(minExpire) {
			minExpire = entry.expireAt
		}
	}
	return minExpire, !minExpire.IsZero()
}
