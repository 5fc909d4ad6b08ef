package channel

import "sync"

// cachedEvent is one retained broadcast, recent enough to still be
// replayed to a client reconnecting with a Last-Event-ID.
type cachedEvent struct {
	id   string
	data string
}

// replayCache is a FIFO-evicted ring of the last N published events,
// keyed by event id, generalized from a bounded TTL cache's eviction
// idea into a fixed-length ring buffer sized by the channel's
// configured cache length. add is called from the channel's fan-out
// worker; since and len may be called from other goroutines
// (AddClient, stats), so access is guarded by a mutex rather than
// assumed single-threaded.
type replayCache struct {
	mu    sync.Mutex
	items []cachedEvent
	limit int
}

func newReplayCache(limit int) *replayCache {
	return &replayCache{limit: limit}
}

// add appends an event, evicting the oldest entry once the cache is at
// capacity. Events with an empty id are not indexable for replay and
// are skipped.
func (c *replayCache) add(id, data string) {
	if c.limit <= 0 || id == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, cachedEvent{id: id, data: data})
	if len(c.items) > c.limit {
		c.items = c.items[len(c.items)-c.limit:]
	}
}

// len reports the number of events currently retained.
func (c *replayCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// since returns every cached event strictly after the one with the
// given id, oldest first. If lastID is absent or not found, no replay
// is owed: nil is returned rather than flooding the client with the
// entire cache.
func (c *replayCache) since(lastID string) []cachedEvent {
	if lastID == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, e := range c.items {
		if e.id == lastID {
			return append([]cachedEvent(nil), c.items[i+1:]...)
		}
	}
	return nil
}
