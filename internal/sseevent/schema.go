package sseevent

import (
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// payloadSchemaDoc describes the recognized fields of an event JSON
// payload: required "data", optional "path"/"id"/"event"/"retry".
const payloadSchemaDoc = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"properties": {
		"path":   { "type": "string" },
		"data":   { "type": "string" },
		"id":     { "type": "string" },
		"event":  { "type": "string" },
		"retry":  { "type": "integer", "minimum": 0 }
	},
	"required": ["data"]
}`

var (
	compileOnce   sync.Once
	payloadSchema *jsonschema.Schema
	compileErr    error
)

// schema lazily compiles the event payload schema once per process.
func schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("event.json", strings.NewReader(payloadSchemaDoc)); err != nil {
			compileErr = err
			return
		}
		payloadSchema, compileErr = c.Compile("event.json")
	})
	return payloadSchema, compileErr
}
