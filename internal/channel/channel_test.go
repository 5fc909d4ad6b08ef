package channel

import (
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ssehub/internal/sseclient"
)

func newTestClient(t *testing.T) (*sseclient.Client, net.Conn) {
	t.Helper()
	server, clientSide := net.Pipe()
	t.Cleanup(func() { server.Close(); clientSide.Close() })
	return sseclient.New(server), clientSide
}

// collector reads from conn in the background from the moment it is
// created, so a fan-out worker's short write-deadline writes always
// find a reader on the other end of the synchronous net.Pipe.
type collector struct {
	mu  sync.Mutex
	buf strings.Builder
}

func newCollector(conn net.Conn) *collector {
	c := &collector{}
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			c.mu.Lock()
			c.buf.Write(buf[:n])
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}()
	return c
}

func (c *collector) snapshot(wait time.Duration) string {
	time.Sleep(wait)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

func TestBroadcast_DeliversToSubscriber(t *testing.T) {
	ch := New("news", Config{CacheLength: 10})
	defer ch.Stop()

	c, peer := newTestClient(t)
	col := newCollector(peer)
	ch.AddClient(c, "", nil, "")

	ch.Broadcast("data: hello\n\n", "", "1")

	got := col.snapshot(100 * time.Millisecond)
	assert.Equal(t, "data: hello\n\n", got)
}

func TestBroadcast_TargetMismatchSkipsClient(t *testing.T) {
	ch := New("news", Config{CacheLength: 10})
	defer ch.Stop()

	c, peer := newTestClient(t)
	col := newCollector(peer)
	ch.AddClient(c, "sports", nil, "")

	ch.Broadcast("data: x\n\n", "politics", "1")
	ch.Broadcast("data: y\n\n", "sports", "2")

	got := col.snapshot(100 * time.Millisecond)
	assert.Equal(t, "data: y\n\n", got)
}

func TestBroadcast_FilterRejectsNonMatchingEvent(t *testing.T) {
	ch := New("news", Config{CacheLength: 10})
	defer ch.Stop()

	c, peer := newTestClient(t)
	col := newCollector(peer)
	filters := map[sseclient.FilterKind][]string{
		sseclient.FilterEventType: {"wanted"},
	}
	ch.AddClient(c, "", filters, "")

	ch.Broadcast("event: other\ndata: x\n\n", "", "1")
	ch.Broadcast("event: wanted\ndata: y\n\n", "", "2")

	got := col.snapshot(100 * time.Millisecond)
	assert.Equal(t, "event: wanted\ndata: y\n\n", got)
}

func TestAddClient_ReplaysCachedEventsSinceLastEventID(t *testing.T) {
	ch := New("news", Config{CacheLength: 10})
	defer ch.Stop()

	seed, seedPeer := newTestClient(t)
	seedCol := newCollector(seedPeer)
	ch.AddClient(seed, "", nil, "")
	ch.Broadcast("data: one\n\n", "", "1")
	ch.Broadcast("data: two\n\n", "", "2")
	ch.Broadcast("data: three\n\n", "", "3")
	require.Equal(t, "data: one\n\ndata: two\n\ndata: three\n\n", seedCol.snapshot(100*time.Millisecond))

	c, peer := newTestClient(t)
	col := newCollector(peer)
	ch.AddClient(c, "", nil, "1")

	got := col.snapshot(100 * time.Millisecond)
	assert.Equal(t, "data: two\n\ndata: three\n\n", got)
}

func TestAddClient_UnknownLastEventIDReplaysNothing(t *testing.T) {
	ch := New("news", Config{CacheLength: 10})
	defer ch.Stop()

	seed, seedPeer := newTestClient(t)
	seedCol := newCollector(seedPeer)
	ch.AddClient(seed, "", nil, "")
	ch.Broadcast("data: one\n\n", "", "1")
	ch.Broadcast("data: two\n\n", "", "2")
	require.Equal(t, "data: one\n\ndata: two\n\n", seedCol.snapshot(100*time.Millisecond))

	c, peer := newTestClient(t)
	col := newCollector(peer)
	ch.AddClient(c, "", nil, "bogus-id")

	ch.Broadcast("data: three\n\n", "", "3")
	got := col.snapshot(100 * time.Millisecond)
	assert.Equal(t, "data: three\n\n", got)
}

func TestAddClient_ReplayDoesNotDuplicateCacheEntries(t *testing.T) {
	ch := New("news", Config{CacheLength: 10})
	defer ch.Stop()

	seed, seedPeer := newTestClient(t)
	seedCol := newCollector(seedPeer)
	ch.AddClient(seed, "", nil, "")
	ch.Broadcast("data: one\n\n", "", "1")
	ch.Broadcast("data: two\n\n", "", "2")
	ch.Broadcast("data: three\n\n", "", "3")
	require.Equal(t, "data: one\n\ndata: two\n\ndata: three\n\n", seedCol.snapshot(100*time.Millisecond))

	a, aPeer := newTestClient(t)
	aCol := newCollector(aPeer)
	ch.AddClient(a, "", nil, "1")
	require.Equal(t, "data: two\n\ndata: three\n\n", aCol.snapshot(100*time.Millisecond))

	require.Equal(t, 3, ch.cache.len())

	b, bPeer := newTestClient(t)
	bCol := newCollector(bPeer)
	ch.AddClient(b, "", nil, "2")

	got := bCol.snapshot(100 * time.Millisecond)
	assert.Equal(t, "data: three\n\n", got)
}

func TestIsAllowedToPublish_EmptyListAllowsAll(t *testing.T) {
	ch := New("news", Config{})
	defer ch.Stop()
	assert.True(t, ch.IsAllowedToPublish(net.ParseIP("203.0.113.5")))
}

func TestIsAllowedToPublish_RestrictsToCIDR(t *testing.T) {
	_, allowed, err := net.ParseCIDR("10.0.0.0/8")
	require.NoError(t, err)
	ch := New("news", Config{AllowedPublishers: []*net.IPNet{allowed}})
	defer ch.Stop()

	assert.True(t, ch.IsAllowedToPublish(net.ParseIP("10.1.2.3")))
	assert.False(t, ch.IsAllowedToPublish(net.ParseIP("192.168.1.1")))
}

func TestRegistry_GetOrCreateRespectsAllowUndefined(t *testing.T) {
	r := NewRegistry(Config{CacheLength: 5}, false)
	_, ok := r.GetOrCreate("news")
	assert.False(t, ok)

	r.AllowUndefined = true
	ch, ok := r.GetOrCreate("news")
	require.True(t, ok)
	defer ch.Stop()

	again, ok := r.GetOrCreate("news")
	require.True(t, ok)
	assert.Same(t, ch, again)
}

func TestRegistry_DefineThenLookup(t *testing.T) {
	r := NewRegistry(Config{}, false)
	ch := r.Define("sports", Config{CacheLength: 3})
	defer ch.Stop()

	found, ok := r.Lookup("sports")
	require.True(t, ok)
	assert.Same(t, ch, found)
}
