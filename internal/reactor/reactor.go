// Package reactor implements the listening socket, per-connection
// accept/read loop, and HTTP request router. Go's runtime netpoller is
// this implementation's stand-in for a manual edge-triggered epoll
// reactor: one goroutine per connection blocks in Read, parked on the
// netpoller instead of a poll_wait call, which is the idiomatic Go
// realization of the same readiness-driven dispatch.
package reactor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"ssehub/internal/channel"
	"ssehub/internal/config"
	"ssehub/internal/httpreq"
	"ssehub/internal/sseclient"
	"ssehub/internal/sseevent"
	"ssehub/internal/stats"
)

// readBufSize matches the original's per-read chunk size.
const readBufSize = 4096

// writeDeadline bounds one-shot direct responses (errors, preamble,
// stats body) that are not routed through the client's buffered send
// path, since the connection is closing regardless of a slow peer.
const writeDeadline = 5 * time.Second

// Server owns the listening socket and the channel registry for one
// worker process.
type Server struct {
	cfg      *config.Config
	registry *channel.Registry
	counters *stats.Counters
	reporter *stats.Reporter
	log      *slog.Logger

	listener net.Listener
}

// New wires up the channel registry (eagerly defining every
// statically configured channel) and the stats reporter, but does not
// yet bind a socket.
func New(cfg *config.Config, logger *slog.Logger) *Server {
	registry := channel.NewRegistry(cfg.DefaultChannel, cfg.AllowUndefinedChannels)
	counters := &stats.Counters{}

	for name, chCfg := range cfg.Channels {
		registry.Define(name, chCfg)
	}

	s := &Server{
		cfg:      cfg,
		registry: registry,
		counters: counters,
		log:      logger,
	}
	s.reporter = stats.NewReporter(time.Now(), counters, registry)
	return s
}

// Listen binds the configured address with SO_REUSEADDR (and
// SO_REUSEPORT when running as one of several worker processes, wired
// in by cmd/ssehub for the --workers flag).
func (s *Server) Listen(reusePort bool) error {
	addr := net.JoinHostPort(s.cfg.BindIP, strconv.Itoa(s.cfg.Port))
	lc := reuseListenConfig(reusePort)
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return fmt.Errorf("reactor: listen %s: %w", addr, err)
	}
	s.listener = ln
	s.log.Info("listening", slog.String("addr", addr), slog.Bool("reuseport", reusePort))
	return nil
}

// Serve runs the accept loop on the calling goroutine until the
// listener is closed.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return err
		}
		go s.handleConn(conn)
	}
}

// Close stops accepting new connections and drains every channel's
// fan-out worker.
func (s *Server) Close() error {
	err := s.listener.Close()
	s.registry.Stop()
	return err
}

// Broadcast satisfies the inputsource.Broadcaster contract: an
// ingestion adapter calls this after constructing an Event from an
// external message.
func (s *Server) Broadcast(ev *sseevent.Event) {
	ch, ok := s.registry.GetOrCreate(ev.Basepath())
	if !ok {
		return
	}
	ch.Broadcast(ev.Serialize(), ev.Subpath(), ev.ID())
}

func (s *Server) handleConn(conn net.Conn) {
	client := sseclient.New(conn)
	parser := httpreq.New()
	buf := make([]byte, readBufSize)

	defer client.Destroy()

	for {
		n, err := conn.Read(buf)
		if err != nil {
			if err != io.EOF {
				s.counters.RouterReadErrors.Add(1)
			}
			return
		}
		if n == 0 {
			return
		}

		if client.Channel() != "" {
			// Attached subscribers should not be sending; keep
			// draining only to detect hangup.
			continue
		}

		client.ReactorMu.Lock()
		status := parser.Parse(buf[:n])
		teardown := s.dispatch(client, parser, status)
		client.ReactorMu.Unlock()
		if teardown {
			return
		}
	}
}

// dispatch applies the parser status table. It returns true when the
// connection should be torn down after this call.
func (s *Server) dispatch(client *sseclient.Client, parser *httpreq.Parser, status httpreq.Status) bool {
	switch status {
	case httpreq.Incomplete, httpreq.PostIncomplete:
		return false

	case httpreq.Failed:
		s.counters.InvalidHTTPReq.Add(1)
		return true

	case httpreq.ToBig:
		s.counters.OversizedHTTPReq.Add(1)
		return true

	case httpreq.PostInvalidLength:
		writeStatus(client.Conn(), 411, "Length Required")
		return true

	case httpreq.PostTooLarge:
		writeStatus(client.Conn(), 413, "Payload Too Large")
		return true

	case httpreq.PostStart:
		if !s.cfg.EnablePost {
			writeStatus(client.Conn(), 400, "Bad Request")
			return true
		}
		writeRaw(client.Conn(), "HTTP/1.1 100 Continue\r\n\r\n")
		return false

	case httpreq.PostOK:
		if !s.cfg.EnablePost {
			writeStatus(client.Conn(), 400, "Bad Request")
			return true
		}
		code := s.postHandler(client, parser.Req)
		writeStatus(client.Conn(), code, httpReason(code))
		return true

	case httpreq.OK:
		return s.route(client, parser.Req)

	default:
		return true
	}
}

func (s *Server) route(client *sseclient.Client, req *httpreq.Request) bool {
	switch req.Basepath {
	case "":
		writeRaw(client.Conn(), "HTTP/1.1 200 OK\r\nContent-Length: 3\r\nConnection: close\r\n\r\nOK\n")
		return true

	case "stats":
		s.serveStats(client)
		return true

	default:
		ch, ok := s.registry.GetOrCreate(req.Basepath)
		if !ok {
			writeStatus(client.Conn(), 404, "Not Found")
			return true
		}
		s.subscribe(client, ch, req)
		return false
	}
}

func (s *Server) subscribe(client *sseclient.Client, ch *channel.Channel, req *httpreq.Request) {
	var b strings.Builder
	b.WriteString("HTTP/1.1 200 OK\r\n")
	b.WriteString("Content-Type: text/event-stream\r\n")
	b.WriteString("Cache-Control: no-cache\r\n")
	b.WriteString("Connection: keep-alive\r\n")
	if origin := ch.Config.AllowedOrigins; origin != "" {
		b.WriteString("Access-Control-Allow-Origin: " + origin + "\r\n")
	}
	b.WriteString("\r\n")
	writeRaw(client.Conn(), b.String())

	ch.AddClient(client, req.Subpath, parseFilters(req), req.Header("Last-Event-Id"))
}

func (s *Server) serveStats(client *sseclient.Client) {
	body, err := s.reporter.Snapshot(time.Now())
	if err != nil {
		writeStatus(client.Conn(), 500, "Internal Server Error")
		return
	}
	resp := fmt.Sprintf(
		"HTTP/1.1 200 OK\r\nContent-Type: application/json\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		len(body), body,
	)
	writeRaw(client.Conn(), resp)
}

// postHandler validates and broadcasts a published event. Returns the
// HTTP status code to reply with.
func (s *Server) postHandler(client *sseclient.Client, req *httpreq.Request) int {
	name := req.Basepath

	ev := sseevent.New(req.PostData)
	ev.SetPath(name)
	compiled := ev.Compile()

	if ch, known := s.registry.Lookup(name); known {
		if !ch.IsAllowedToPublish(client.RemoteIP()) {
			return 403
		}
		if !compiled {
			s.counters.InvalidEventsRcv.Add(1)
			return 400
		}
		ch.Broadcast(ev.Serialize(), ev.Subpath(), ev.ID())
		return 200
	}

	if !s.cfg.AllowUndefinedChannels {
		return 404
	}
	if !s.cfg.DefaultChannel.AllowsPublisher(client.RemoteIP()) {
		return 403
	}
	if !compiled {
		s.counters.InvalidEventsRcv.Add(1)
		return 400
	}

	ch, _ := s.registry.GetOrCreate(name)
	ch.Broadcast(ev.Serialize(), ev.Subpath(), ev.ID())
	return 200
}

func parseFilters(req *httpreq.Request) map[sseclient.FilterKind][]string {
	out := make(map[sseclient.FilterKind][]string)
	for _, raw := range req.QueryValues("event") {
		out[sseclient.FilterEventType] = append(out[sseclient.FilterEventType], splitFilterValues(raw)...)
	}
	for _, raw := range req.QueryValues("id") {
		out[sseclient.FilterID] = append(out[sseclient.FilterID], splitFilterValues(raw)...)
	}
	return out
}

func splitFilterValues(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func writeStatus(conn net.Conn, code int, reason string) {
	writeRaw(conn, fmt.Sprintf("HTTP/1.1 %d %s\r\nContent-Length: 0\r\nConnection: close\r\n\r\n", code, reason))
}

func writeRaw(conn net.Conn, data string) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	_, _ = conn.Write([]byte(data))
	_ = conn.SetWriteDeadline(time.Time{})
}

func httpReason(code int) string {
	switch code {
	case 200:
		return "OK"
	case 400:
		return "Bad Request"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	default:
		return "Internal Server Error"
	}
}
