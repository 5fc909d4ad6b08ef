// Package sseclient implements the per-connection client state: the
// outbound send buffer with backpressure pruning, subscription
// filters, and the liveness/destroy lifecycle.
package sseclient

import (
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

// FilterKind identifies the kind of a subscription filter.
type FilterKind int

const (
	// FilterEventType matches against an event's "event:" field.
	FilterEventType FilterKind = iota
	// FilterID matches against an event's "id:" field.
	FilterID
)

type subscription struct {
	key  string
	kind FilterKind
}

// SendBufferLimit is the per-client outbound buffer cap. Once
// exceeded, whole SSE records are pruned from the head.
const SendBufferLimit = 1 << 20

// writeTimeout bounds a single flush attempt. Go's net.Conn.Write
// blocks until the kernel accepts the bytes or the deadline fires;
// a short deadline is this implementation's non-blocking-write
// equivalent to the original's O_NONBLOCK + EAGAIN socket.
const writeTimeout = 20 * time.Millisecond

// Client is one connected TCP peer.
type Client struct {
	ID   string
	conn net.Conn
	addr net.IP

	sendMu  sync.Mutex
	sendBuf []byte

	// ReactorMu serializes reactor-observed handling of this client
	// across goroutines, mirroring the original's per-client lock held
	// while dispatching a readiness transition.
	ReactorMu sync.Mutex

	dead              atomic.Bool
	destroyAfterFlush atomic.Bool
	destroyOnce       sync.Once

	channelMu sync.RWMutex
	channelID string // non-owning handle to the subscribed channel, "" if none
	subpath   string // subpath the client subscribed with, for broadcast target matching

	subMu         sync.Mutex
	subscriptions []subscription

	// OnPrune is invoked (if set) whenever the send buffer is pruned
	// for exceeding SendBufferLimit, so callers can bump an error
	// counter.
	OnPrune func()
}

// New wraps an accepted connection. The remote address is recorded for
// ACL checks and logging.
func New(conn net.Conn) *Client {
	id := ulid.Make().String()
	c := &Client{ID: id, conn: conn}
	if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		c.addr = tcpAddr.IP
	}
	return c
}

// RemoteIP returns the peer's IP address, used for ACL checks and
// logging.
func (c *Client) RemoteIP() net.IP { return c.addr }

// Conn exposes the underlying connection for the reactor's read loop.
func (c *Client) Conn() net.Conn { return c.conn }

// Channel returns the handle of the channel this client is subscribed
// to, or "" if none.
func (c *Client) Channel() string {
	c.channelMu.RLock()
	defer c.channelMu.RUnlock()
	return c.channelID
}

// SetChannel records the (non-owning) channel handle.
func (c *Client) SetChannel(id string) {
	c.channelMu.Lock()
	c.channelID = id
	c.channelMu.Unlock()
}

// Subpath returns the subpath the client subscribed with (the portion
// of its GET path after the channel name), used to match a broadcast
// message's target.
func (c *Client) Subpath() string {
	c.channelMu.RLock()
	defer c.channelMu.RUnlock()
	return c.subpath
}

// SetSubpath records the subpath the client subscribed with.
func (c *Client) SetSubpath(subpath string) {
	c.channelMu.Lock()
	c.subpath = subpath
	c.channelMu.Unlock()
}

// HasFilters reports whether the client has any active subscription
// filter at all (of either kind).
func (c *Client) HasFilters() bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	return len(c.subscriptions) > 0
}

// Subscribe records a subscription filter, ignoring duplicates.
func (c *Client) Subscribe(key string, kind FilterKind) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, s := range c.subscriptions {
		if s.key == key && s.kind == kind {
			return
		}
	}
	c.subscriptions = append(c.subscriptions, subscription{key: key, kind: kind})
}

// IsSubscribed reports whether the client holds the given filter.
func (c *Client) IsSubscribed(key string, kind FilterKind) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, s := range c.subscriptions {
		if s.key == key && s.kind == kind {
			return true
		}
	}
	return false
}

// IsFilterAcceptable scans a serialized SSE record for its "event:"
// and "id:" fields and reports whether each kind the client has an
// active filter for matches at least one subscription. A kind with no
// active filters passes through unconditionally.
func (c *Client) IsFilterAcceptable(serialized string) bool {
	eventField := sseField(serialized, "event:")
	idField := sseField(serialized, "id:")

	c.subMu.Lock()
	defer c.subMu.Unlock()

	hasEventFilter, hasIDFilter := false, false
	eventOK, idOK := false, false
	for _, s := range c.subscriptions {
		switch s.kind {
		case FilterEventType:
			hasEventFilter = true
			if s.key == eventField {
				eventOK = true
			}
		case FilterID:
			hasIDFilter = true
			if s.key == idField {
				idOK = true
			}
		}
	}

	if hasEventFilter && !eventOK {
		return false
	}
	if hasIDFilter && !idOK {
		return false
	}
	return true
}

func sseField(serialized, field string) string {
	for _, line := range strings.Split(serialized, "\n") {
		if strings.HasPrefix(line, field) {
			return strings.TrimSpace(strings.TrimPrefix(line, field))
		}
	}
	return ""
}

// Send appends data to the send buffer and, if flush is true, attempts
// an immediate write. Fatal write errors mark the client dead.
func (c *Client) Send(data []byte, flush bool) {
	c.sendMu.Lock()
	c.sendBuf = append(c.sendBuf, data...)
	c.pruneLocked()
	c.sendMu.Unlock()

	if flush {
		c.Flush()
	}
}

// Flush attempts a bounded, non-blocking-equivalent write of the
// buffered bytes and returns the number of bytes still buffered
// afterward. Repeated calls on an empty buffer are no-ops.
func (c *Client) Flush() int {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.flushLocked()
}

func (c *Client) flushLocked() int {
	if len(c.sendBuf) == 0 {
		if c.destroyAfterFlush.Load() {
			c.dead.Store(true)
		}
		return 0
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	n, err := c.conn.Write(c.sendBuf)
	_ = c.conn.SetWriteDeadline(time.Time{})

	if n > 0 {
		c.sendBuf = c.sendBuf[n:]
	}

	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			// Would-block equivalent: retain remaining bytes.
			return len(c.sendBuf)
		}
		c.dead.Store(true)
		return len(c.sendBuf)
	}

	if len(c.sendBuf) == 0 && c.destroyAfterFlush.Load() {
		c.dead.Store(true)
	}
	return len(c.sendBuf)
}

// pruneLocked drops whole SSE records from the head of the send
// buffer until it is under SendBufferLimit. Never splits a record
// mid-frame. Caller must hold sendMu.
func (c *Client) pruneLocked() {
	if len(c.sendBuf) <= SendBufferLimit {
		return
	}

	pruned := false
	for len(c.sendBuf) > SendBufferLimit {
		idx := strings.Index(string(c.sendBuf), "\n\n")
		if idx == -1 {
			break
		}
		c.sendBuf = c.sendBuf[idx+2:]
		pruned = true
	}

	if pruned && c.OnPrune != nil {
		c.OnPrune()
	}
}

// MarkDead non-destructively flags the client as no longer usable;
// cleanup happens later via Destroy.
func (c *Client) MarkDead() { c.dead.Store(true) }

// IsDead reports the liveness flag.
func (c *Client) IsDead() bool { return c.dead.Load() }

// FlushAndDestroy arranges for the client to be torn down once its
// send buffer next drains to zero.
func (c *Client) FlushAndDestroy() {
	c.destroyAfterFlush.Store(true)
	if c.Flush() == 0 {
		c.dead.Store(true)
	}
}

// Destroy closes the underlying connection and releases resources. It
// is safe to call more than once; only the first call has effect.
func (c *Client) Destroy() {
	c.destroyOnce.Do(func() {
		c.dead.Store(true)
		_ = c.conn.Close()
	})
}
