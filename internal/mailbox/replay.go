package mailbox

import (
	"sync"
	"time"
)

// replayWindow is how long a nonce is remembered for envelopes that never
// expire. Expiring envelopes are remembered until they expire.
const replayWindow = 10 * time.Minute

type nonceKey struct {
	sender string
	nonce  uint64
}

// nonceCache remembers the (sender, nonce) pairs of verified envelopes so a
// captured envelope cannot be delivered twice.
type nonceCache struct {
	mu        sync.Mutex
	seen      map[nonceKey]time.Time // key -> forget after
	lastPrune time.Time
}

func newNonceCache() *nonceCache {
	return &nonceCache{seen: make(map[nonceKey]time.Time)}
}

// firstSeen records env and reports whether its nonce was new.
func (c *nonceCache) firstSeen(env *Envelope, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if now.Sub(c.lastPrune) >= time.Minute {
		for k, until := range c.seen {
			if now.After(until) {
				delete(c.seen, k)
			}
		}
		c.lastPrune = now
	}

	key := nonceKey{sender: env.Sender, nonce: env.Nonce}
	if until, ok := c.seen[key]; ok && !now.After(until) {
		return false
	}
	until := now.Add(replayWindow)
	if env.Expires > 0 {
		// One second past Expires, since Verify compares whole seconds.
		until = time.Unix(env.Expires+1, 0)
	}
	c.seen[key] = until
	return true
}
