package config

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/chazwilder/iqx-dockmonitor/errors"
)

// documentSchema checks the shape of one configuration layer. Layers are
// partial, so nothing is required; unknown sections and misspelled
// selector values are rejected.
const documentSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "definitions": {
    "duration": {"type": "integer", "minimum": 0},
    "strings": {"type": "array", "items": {"type": "string"}}
  },
  "properties": {
    "version": {"type": "string"},
    "service": {
      "type": "object",
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "site": {"type": "string"},
        "stop_timeout": {"$ref": "#/definitions/duration"},
        "sync_config": {"type": "boolean"},
        "handler": {
          "type": "object",
          "properties": {
            "lanes": {"type": "integer", "minimum": 1},
            "lane_queue": {"type": "integer", "minimum": 1}
          }
        }
      }
    },
    "nats": {
      "type": "object",
      "properties": {
        "urls": {"$ref": "#/definitions/strings"},
        "reconnect_wait": {"$ref": "#/definitions/duration"},
        "timeout": {"$ref": "#/definitions/duration"},
        "ping_interval": {"$ref": "#/definitions/duration"},
        "drain_timeout": {"$ref": "#/definitions/duration"},
        "stats_interval": {"$ref": "#/definitions/duration"}
      }
    },
    "source": {
      "type": "object",
      "properties": {
        "kinds": {
          "type": "array",
          "items": {"enum": ["replay", "nats", "kafka", "mqtt", "sql", "udp"]}
        },
        "replay": {"type": "string"}
      }
    },
    "rules": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "file": {"type": "string"},
        "kv_bucket": {"type": "string"},
        "kv_key": {"type": "string"},
        "watch": {"type": "boolean"}
      }
    },
    "monitor": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "interval": {"$ref": "#/definitions/duration"},
        "backoff": {
          "type": "object",
          "additionalProperties": false,
          "properties": {
            "policy": {"enum": ["", "fixed", "exponential"]},
            "interval": {"$ref": "#/definitions/duration"},
            "initial": {"$ref": "#/definitions/duration"},
            "max": {"$ref": "#/definitions/duration"},
            "multiplier": {"type": "number"}
          }
        }
      }
    },
    "alerts": {
      "type": "object",
      "properties": {
        "default_window": {"$ref": "#/definitions/duration"},
        "windows": {"type": "object", "additionalProperties": {"$ref": "#/definitions/duration"}},
        "suppressor": {"enum": ["", "memory", "redis"]},
        "feed_backlog": {"type": "integer", "minimum": 0},
        "notifiers": {
          "type": "array",
          "items": {"enum": ["log", "webhook", "nats", "kafka", "feed"]}
        }
      }
    },
    "storage": {
      "type": "object",
      "properties": {
        "backends": {
          "type": "array",
          "items": {"enum": ["memory", "sql", "influx", "kv"]}
        },
        "restore": {"type": "boolean"}
      }
    },
    "ops": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "enabled": {"type": "boolean"},
        "addr": {"type": "string"},
        "metrics_path": {"type": "string"},
        "tls": {"type": "object"}
      }
    }
  }
}`

var documentSchemaLoader = gojsonschema.NewStringLoader(documentSchema)

// validateDocument checks a decoded layer after duration conversion.
func validateDocument(raw map[string]any) error {
	result, err := gojsonschema.Validate(documentSchemaLoader, gojsonschema.NewGoLoader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err)
	}
	if result.Valid() {
		return nil
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		problems = append(problems, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
	}
	return fmt.Errorf("%w: %s", errors.ErrInvalidConfig, strings.Join(problems, "; "))
}
