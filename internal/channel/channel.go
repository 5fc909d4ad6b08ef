// Package channel implements the per-topic subscriber set, event
// ring-cache, and broadcast fan-out pipeline.
package channel

import (
	"net"
	"sync"
	"sync/atomic"

	"ssehub/internal/sseclient"
)

// Config is a channel's static configuration, parsed once at load time
// by the config package and handed to the channel unchanged.
type Config struct {
	CacheLength           int
	AllowedPublishers     []*net.IPNet
	AllowedOrigins        string
	HistoryRequestedLimit int
}

// AllowsPublisher checks addr against the CIDR allow-list. An empty
// list allows every publisher.
// Exported standalone so the reactor can run the same ACL check
// before a channel exists yet (the "unknown channel, check against
// default channel config" branch of PostHandler).
func (c Config) AllowsPublisher(addr net.IP) bool {
	if len(c.AllowedPublishers) == 0 {
		return true
	}
	for _, n := range c.AllowedPublishers {
		if n.Contains(addr) {
			return true
		}
	}
	return false
}

// Message is one unit of work enqueued onto a channel's fan-out queue:
// either a broadcast to every matching subscriber, or a targeted
// replay destined for a single newly-subscribed client.
type Message struct {
	Data   string
	Target string // event subpath; "" matches every subscriber
	ID     string // cache key; "" is not cached

	// OnlyTo restricts delivery to a single client, used for
	// Last-Event-ID replay so the replay is serialized through the
	// same queue as ordinary broadcasts.
	OnlyTo *sseclient.Client
}

// Channel is one named topic: its subscriber list, ring cache of
// recent events, and the fan-out worker(s) draining its queue.
type Channel struct {
	ID     string
	Config Config

	queue *messageQueue
	cache *replayCache

	mu      sync.RWMutex
	clients []*sseclient.Client

	// OnDrop is invoked once per pruned client send-buffer overflow,
	// for bumping a stats counter.
	OnDrop func()

	stopOnce sync.Once
	done     chan struct{}

	numBroadcast   atomic.Int64
	numConnects    atomic.Int64
	numDisconnects atomic.Int64
	numErrors      atomic.Int64
}

// Snapshot is the per-channel view consumed by the stats JSON renderer.
type Snapshot struct {
	NumClients           int   `json:"num_clients"`
	NumBroadcastedEvents int64 `json:"num_broadcasted_events"`
	NumCachedEvents      int   `json:"num_cached_events"`
	CacheSize            int   `json:"cache_size"`
	NumConnects          int64 `json:"num_connects"`
	NumDisconnects       int64 `json:"num_disconnects"`
	NumErrors            int64 `json:"num_errors"`
}

// Stats returns a point-in-time snapshot of this channel's counters.
func (ch *Channel) Stats() Snapshot {
	ch.mu.RLock()
	numClients := len(ch.clients)
	ch.mu.RUnlock()

	return Snapshot{
		NumClients:           numClients,
		NumBroadcastedEvents: ch.numBroadcast.Load(),
		NumCachedEvents:      ch.cache.len(),
		CacheSize:            ch.Config.CacheLength,
		NumConnects:          ch.numConnects.Load(),
		NumDisconnects:       ch.numDisconnects.Load(),
		NumErrors:            ch.numErrors.Load(),
	}
}

// New constructs a channel and launches its single fan-out worker.
//
// Events must be delivered to a single subscriber in enqueue order,
// which combined with an unbounded cross-thread queue only holds with
// exactly one consumer per channel: multiple workers popping from the
// same queue could deliver out of enqueue order to the same client.
// The original's SSEClientHandler declares a single boost::thread
// _processorthread per channel; this mirrors that.
func New(id string, cfg Config) *Channel {
	ch := &Channel{
		ID:     id,
		Config: cfg,
		queue:  newMessageQueue(),
		cache:  newReplayCache(cfg.CacheLength),
		done:   make(chan struct{}),
	}
	go ch.run()
	return ch
}

// Broadcast enqueues a published event for fan-out to every matching
// subscriber.
func (ch *Channel) Broadcast(data, target, id string) {
	ch.queue.push(Message{Data: data, Target: target, ID: id})
}

// replay enqueues cached events newer than lastID, targeted at a
// single client, ahead of any new broadcasts still to come.
func (ch *Channel) replay(client *sseclient.Client, lastID string) {
	for _, e := range ch.cache.since(lastID) {
		ch.queue.push(Message{Data: e.data, ID: e.id, OnlyTo: client})
	}
}

// AddClient admits a subscriber: records its filters and subpath,
// appends it to the subscriber list, and — if the client connected
// with a Last-Event-ID naming a cached event — enqueues replay of
// everything newer.
// The caller (reactor) writes the SSE preamble itself before calling
// AddClient; AddClient only manages channel membership and replay.
func (ch *Channel) AddClient(client *sseclient.Client, subpath string, filters map[sseclient.FilterKind][]string, lastEventID string) {
	client.SetChannel(ch.ID)
	client.SetSubpath(subpath)
	client.OnPrune = func() {
		ch.numErrors.Add(1)
		if ch.OnDrop != nil {
			ch.OnDrop()
		}
	}
	for kind, keys := range filters {
		for _, key := range keys {
			client.Subscribe(key, kind)
		}
	}

	ch.mu.Lock()
	ch.clients = append(ch.clients, client)
	ch.mu.Unlock()
	ch.numConnects.Add(1)

	if lastEventID != "" {
		ch.replay(client, lastEventID)
	}
}

// IsAllowedToPublish checks a publisher's address against the
// channel's CIDR allow-list.
func (ch *Channel) IsAllowedToPublish(addr net.IP) bool {
	return ch.Config.AllowsPublisher(addr)
}

// SubscriberCount reports the current subscriber list length, used by
// stats snapshots.
func (ch *Channel) SubscriberCount() int {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return len(ch.clients)
}

// Stop shuts down the fan-out worker. Channels are not expected to be
// removed at runtime, but Stop supports orderly process shutdown.
func (ch *Channel) Stop() {
	ch.stopOnce.Do(func() {
		ch.queue.close()
		<-ch.done
	})
}

// run is the channel's fan-out worker loop.
func (ch *Channel) run() {
	defer close(ch.done)
	for {
		msg, ok := ch.queue.pop()
		if !ok {
			return
		}
		ch.deliver(msg)
	}
}

func (ch *Channel) deliver(msg Message) {
	if msg.OnlyTo == nil {
		ch.numBroadcast.Add(1)
		if msg.ID != "" {
			ch.cache.add(msg.ID, msg.Data)
		}
	}

	ch.mu.RLock()
	recipients := make([]*sseclient.Client, 0, len(ch.clients))
	var dead []*sseclient.Client
	for _, c := range ch.clients {
		if c.IsDead() {
			dead = append(dead, c)
			continue
		}
		if msg.OnlyTo != nil && c != msg.OnlyTo {
			continue
		}
		if msg.OnlyTo == nil && msg.Target != "" && c.Subpath() != msg.Target {
			continue
		}
		if c.HasFilters() && !c.IsFilterAcceptable(msg.Data) {
			continue
		}
		recipients = append(recipients, c)
	}
	ch.mu.RUnlock()

	for _, c := range recipients {
		c.Send([]byte(msg.Data), true)
	}

	if len(dead) > 0 {
		ch.numDisconnects.Add(int64(len(dead)))
		ch.removeDead(dead)
	}
}

func (ch *Channel) removeDead(dead []*sseclient.Client) {
	deadSet := make(map[*sseclient.Client]struct{}, len(dead))
	for _, c := range dead {
		deadSet[c] = struct{}{}
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	kept := ch.clients[:0]
	for _, c := range ch.clients {
		if _, isDead := deadSet[c]; !isDead {
			kept = append(kept, c)
		}
	}
	ch.clients = kept
}
