// Package inputsource implements the external event producer contract
// plus one concrete adapter: a line-delimited JSON file tailed for
// newly appended events. The AMQP toggle recognized by internal/config
// (`amqp.enabled`) has no client library anywhere in the example pack
// to ground a real adapter on, so it stays parsed but inert (see
// DESIGN.md); this file adapter is the one genuinely wired-up
// InputSource.
package inputsource

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"ssehub/internal/sseevent"
)

// Broadcaster is the subset of Server the input source needs: the
// entry point every external message eventually reaches.
type Broadcaster interface {
	Broadcast(ev *sseevent.Event)
}

// Source is the contract every input source adapter satisfies.
type Source interface {
	// Init binds the source to a broadcaster. Called once before Run.
	Init(b Broadcaster)
	// Run starts ingestion. Blocks until ctx is canceled.
	Run(ctx context.Context) error
}

// pollInterval bounds how often the file source checks for growth
// once it has reached EOF.
const pollInterval = 250 * time.Millisecond

// FileSource tails a file of newline-delimited JSON event payloads,
// constructing and broadcasting an Event per line. New lines appended
// after startup (e.g. by another process) are picked up by polling,
// tolerating the file not existing yet at Run time.
type FileSource struct {
	Path string
	Log  *slog.Logger

	broadcaster Broadcaster
}

// Init satisfies Source.
func (f *FileSource) Init(b Broadcaster) {
	f.broadcaster = b
}

// Run tails f.Path until ctx is canceled. The channel queue is
// treated as fast, so broadcasts are fire-and-forget; Run never blocks
// waiting on a subscriber.
func (f *FileSource) Run(ctx context.Context) error {
	file, err := f.openWithRetry(ctx)
	if err != nil {
		return err
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				return err
			}
			if len(line) > 0 {
				f.handleLine(line)
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(pollInterval):
				continue
			}
		}
		f.handleLine(line)
	}
}

func (f *FileSource) openWithRetry(ctx context.Context) (*os.File, error) {
	for {
		file, err := os.Open(f.Path)
		if err == nil {
			return file, nil
		}
		if !os.IsNotExist(err) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (f *FileSource) handleLine(line string) {
	line = trimNewline(line)
	if line == "" {
		return
	}
	ev := sseevent.New([]byte(line))
	if !ev.Compile() {
		if f.Log != nil {
			f.Log.Warn("inputsource: dropped malformed line", slog.String("path", f.Path))
		}
		return
	}
	f.broadcaster.Broadcast(ev)
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
