package config

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// documentSchema describes the recognized config.json keys. A document
// that violates it is a fatal startup error, not a runtime one.
const documentSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "server": {
      "type": "object",
      "properties": {
        "port": {"type": "integer", "minimum": 1, "maximum": 65535},
        "bindip": {"type": "string"},
        "enablePost": {"type": "boolean"},
        "allowUndefinedChannels": {"type": "boolean"}
      }
    },
    "defaultChannel": {"$ref": "#/definitions/channel"},
    "channels": {
      "type": "object",
      "additionalProperties": {"$ref": "#/definitions/channel"}
    },
    "amqp": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "url": {"type": "string"},
        "exchange": {"type": "string"}
      }
    },
    "inputSource": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "path": {"type": "string"}
      }
    }
  },
  "definitions": {
    "channel": {
      "type": "object",
      "properties": {
        "cacheLength": {"type": "integer", "minimum": 0},
        "allowedPublishers": {"type": "array", "items": {"type": "string"}},
        "allowedOrigins": {"type": "string"},
        "historyRequestedLimit": {"type": "integer", "minimum": 0}
      }
    }
  }
}`

var (
	schemaOnce sync.Once
	compiled   *jsonschema.Schema
	compileErr error
)

func schema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("config.json", strings.NewReader(documentSchema)); err != nil {
			compileErr = err
			return
		}
		compiled, compileErr = c.Compile("config.json")
	})
	return compiled, compileErr
}

// validate checks raw config bytes against documentSchema, returning
// a *jsonschema.ValidationError (which carries the offending JSON
// pointer path) on failure.
func validate(raw []byte) error {
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	s, err := schema()
	if err != nil {
		return err
	}
	return s.Validate(doc)
}
