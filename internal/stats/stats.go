// Package stats maintains the process-wide counters and renders the
// JSON snapshot served at /stats.
package stats

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"ssehub/internal/channel"
)

// Counters holds the global, free-standing error counters. They are
// bumped directly by the reactor and HTTP parser dispatch, outside of
// any single channel.
type Counters struct {
	InvalidHTTPReq   atomic.Int64
	OversizedHTTPReq atomic.Int64
	InvalidEventsRcv atomic.Int64
	RouterReadErrors atomic.Int64
}

// Registry is anything that can enumerate its channels by id, matched
// by *channel.Registry so this package avoids introducing a second
// dependency direction.
type Registry interface {
	All() map[string]*channel.Channel
}

// Reporter renders stats snapshots for a running server.
type Reporter struct {
	startedAt time.Time
	counters  *Counters
	channels  Registry
}

// NewReporter constructs a reporter. startedAt is passed in (rather
// than taken via time.Now internally) so callers control the process
// start timestamp exactly once, at startup.
func NewReporter(startedAt time.Time, counters *Counters, channels Registry) *Reporter {
	return &Reporter{startedAt: startedAt, counters: counters, channels: channels}
}

// globalSnapshot is the top-level JSON document's non-channel section.
type globalSnapshot struct {
	UptimeSeconds    int64                       `json:"uptime_seconds"`
	InvalidHTTPReq   int64                       `json:"invalid_http_req"`
	OversizedHTTPReq int64                       `json:"oversized_http_req"`
	InvalidEventsRcv int64                       `json:"invalid_events_rcv"`
	RouterReadErrors int64                       `json:"router_read_errors"`
	Channels         map[string]channel.Snapshot `json:"channels"`
}

// Snapshot renders the current stats document. now is passed in
// explicitly (rather than read via time.Now) to keep this package's
// output reproducible under test.
func (r *Reporter) Snapshot(now time.Time) ([]byte, error) {
	doc := globalSnapshot{
		UptimeSeconds:    int64(now.Sub(r.startedAt).Seconds()),
		InvalidHTTPReq:   r.counters.InvalidHTTPReq.Load(),
		OversizedHTTPReq: r.counters.OversizedHTTPReq.Load(),
		InvalidEventsRcv: r.counters.InvalidEventsRcv.Load(),
		RouterReadErrors: r.counters.RouterReadErrors.Load(),
		Channels:         make(map[string]channel.Snapshot),
	}
	for id, ch := range r.channels.All() {
		doc.Channels[id] = ch.Stats()
	}
	return json.Marshal(doc)
}
