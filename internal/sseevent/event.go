// Package sseevent implements the SSE event model: parsing a publisher's
// JSON payload and serializing the result to the SSE wire format.
package sseevent

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Event is constructed from a raw JSON payload and lazily compiled. The
// zero value with an empty payload is valid but will fail to Compile.
type Event struct {
	raw []byte

	path     string
	basepath string
	subpath  string
	data     []string
	id       string
	event    string
	retry    int
}

// payload mirrors the recognized fields of the JSON wire format.
type payload struct {
	Path  string `json:"path"`
	Data  string `json:"data"`
	ID    string `json:"id"`
	Event string `json:"event"`
	Retry int    `json:"retry"`
}

// New stores the raw JSON bytes without parsing them yet.
func New(jsonData []byte) *Event {
	return &Event{raw: jsonData}
}

// SetPath overrides the path, used when an event is published via
// POST /<channel>: the URL path wins over the JSON "path" field.
func (e *Event) SetPath(path string) {
	e.path = path
}

// Compile parses the JSON payload. It returns false if the JSON is
// malformed, schema validation fails, or the required "data" field is
// missing. Optional fields missing does not fail compilation.
func (e *Event) Compile() bool {
	var doc interface{}
	if err := json.Unmarshal(e.raw, &doc); err != nil {
		return false
	}

	s, err := schema()
	if err != nil {
		return false
	}
	if err := s.Validate(doc); err != nil {
		return false
	}

	var p payload
	if err := json.Unmarshal(e.raw, &p); err != nil {
		return false
	}

	if e.path == "" {
		e.path = p.Path
	}
	e.basepath, e.subpath = splitPath(e.path)

	e.id = p.ID
	e.event = p.Event
	e.retry = p.Retry
	e.data = strings.Split(p.Data, "\n")

	return true
}

// splitPath derives basepath (first segment after an optional leading
// "/") and subpath (the remainder) from a path string.
func splitPath(path string) (basepath, subpath string) {
	trimmed := strings.TrimPrefix(path, "/")
	if idx := strings.IndexByte(trimmed, '/'); idx != -1 {
		return trimmed[:idx], trimmed[idx+1:]
	}
	return trimmed, ""
}

// Path returns the event's path.
func (e *Event) Path() string { return e.path }

// Basepath returns the first path segment.
func (e *Event) Basepath() string { return e.basepath }

// Subpath returns the path remainder after the first segment.
func (e *Event) Subpath() string { return e.subpath }

// ID returns the event's id field, if any.
func (e *Event) ID() string { return e.id }

// EventType returns the event's "event" field, if any.
func (e *Event) EventType() string { return e.event }

// Serialize renders the SSE wire form. It returns "" iff data is empty
// or path is empty (checked before id/event/retry framing).
func (e *Event) Serialize() string {
	if len(e.data) == 0 || isAllEmpty(e.data) || e.path == "" {
		return ""
	}

	var b strings.Builder
	if e.id != "" {
		b.WriteString("id: ")
		b.WriteString(e.id)
		b.WriteByte('\n')
	}
	if e.event != "" {
		b.WriteString("event: ")
		b.WriteString(e.event)
		b.WriteByte('\n')
	}
	if e.retry > 0 {
		b.WriteString("retry: ")
		b.WriteString(strconv.Itoa(e.retry))
		b.WriteByte('\n')
	}
	for _, line := range e.data {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')

	return b.String()
}

func isAllEmpty(lines []string) bool {
	if len(lines) == 1 && lines[0] == "" {
		return true
	}
	return false
}
