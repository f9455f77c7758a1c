package rules

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/chazwilder/iqx-dockmonitor/errors"
)

// RuleConfig declares one rule instance.
type RuleConfig struct {
	Name        string          `json:"name"`
	Kind        string          `json:"kind"`
	Description string          `json:"description,omitempty"`
	Enabled     *bool           `json:"enabled,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// IsEnabled reports whether the rule should be built. Rules are enabled
// unless they say otherwise.
func (c RuleConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// UnmarshalJSON accepts "rule_type" as an alias for "kind".
func (c *RuleConfig) UnmarshalJSON(b []byte) error {
	type plain RuleConfig
	var raw struct {
		plain
		RuleType string `json:"rule_type"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*c = RuleConfig(raw.plain)
	if c.Kind == "" {
		c.Kind = raw.RuleType
	}
	return nil
}

// Document is the on-disk form of a rule set.
type Document struct {
	Rules []RuleConfig `json:"rules"`
}

const documentSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "definitions": {
    "rule": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name":        {"type": "string", "minLength": 1},
        "kind":        {"type": "string", "minLength": 1},
        "rule_type":   {"type": "string", "minLength": 1},
        "description": {"type": "string"},
        "enabled":     {"type": "boolean"},
        "parameters":  {"type": "object"}
      },
      "anyOf": [{"required": ["kind"]}, {"required": ["rule_type"]}],
      "additionalProperties": false
    }
  },
  "oneOf": [
    {"type": "array", "items": {"$ref": "#/definitions/rule"}},
    {
      "type": "object",
      "required": ["rules"],
      "properties": {"rules": {"type": "array", "items": {"$ref": "#/definitions/rule"}}},
      "additionalProperties": false
    }
  ]
}`

var documentSchemaLoader = gojsonschema.NewStringLoader(documentSchema)

// ParseDocument reads a rule document in JSON or YAML. Both a bare array
// and {"rules": [...]} are accepted. Rule names must be unique.
func ParseDocument(data []byte) ([]RuleConfig, error) {
	jsonData, err := toJSON(data)
	if err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrParsingFailed, err),
			"rules", "ParseDocument", "decode rule document")
	}

	if err := validateAgainst(documentSchemaLoader, jsonData); err != nil {
		return nil, errors.WrapInvalid(err, "rules", "ParseDocument", "validate rule document")
	}

	var configs []RuleConfig
	if trimmed := bytes.TrimSpace(jsonData); len(trimmed) > 0 && trimmed[0] == '[' {
		err = json.Unmarshal(jsonData, &configs)
	} else {
		var doc Document
		err = json.Unmarshal(jsonData, &doc)
		configs = doc.Rules
	}
	if err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrParsingFailed, err),
			"rules", "ParseDocument", "decode rule document")
	}

	seen := make(map[string]struct{}, len(configs))
	for _, c := range configs {
		if _, dup := seen[c.Name]; dup {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: duplicate rule name %q", errors.ErrInvalidConfig, c.Name),
				"rules", "ParseDocument", "validate rule document")
		}
		seen[c.Name] = struct{}{}
	}
	return configs, nil
}

// toJSON normalizes a JSON or YAML document to JSON.
func toJSON(data []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty document")
	}
	if json.Valid(trimmed) {
		return trimmed, nil
	}

	var v any
	if err := yaml.Unmarshal(trimmed, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// EncodeDocument renders configs as JSON, or as YAML when asYAML is set.
func EncodeDocument(configs []RuleConfig, asYAML bool) ([]byte, error) {
	data, err := json.MarshalIndent(Document{Rules: configs}, "", "  ")
	if err != nil {
		return nil, err
	}
	if !asYAML {
		return data, nil
	}

	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return yaml.Marshal(v)
}

func validateAgainst(schema gojsonschema.JSONLoader, doc []byte) error {
	result, err := gojsonschema.Validate(schema, gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err)
	}
	if result.Valid() {
		return nil
	}

	msg := ""
	for i, desc := range result.Errors() {
		if i > 0 {
			msg += "; "
		}
		msg += fmt.Sprintf("%s: %s", desc.Field(), desc.Description())
	}
	return fmt.Errorf("%w: %s", errors.ErrInvalidConfig, msg)
}
