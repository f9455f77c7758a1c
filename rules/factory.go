package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/chazwilder/iqx-dockmonitor/analysis"
	"github.com/chazwilder/iqx-dockmonitor/errors"
)

// Constructor builds a rule from its name and raw parameters. It owns
// decoding and validating the parameters it expects.
type Constructor func(name string, params json.RawMessage) (analysis.AnalysisRule, error)

// Kind describes a buildable rule kind.
type Kind struct {
	Name        string
	Description string
	// Schema is an optional JSON Schema checked before New runs.
	Schema string
	New    Constructor
}

type registeredKind struct {
	Kind
	schema *gojsonschema.Schema
}

// Factory maps rule kinds to constructors.
type Factory struct {
	mu    sync.RWMutex
	kinds map[string]registeredKind
}

// NewFactory returns an empty factory.
func NewFactory() *Factory {
	return &Factory{kinds: make(map[string]registeredKind)}
}

// DefaultFactory returns a factory with every built-in kind registered.
func DefaultFactory() *Factory {
	f := NewFactory()
	for _, k := range builtinKinds() {
		if err := f.Register(k); err != nil {
			panic(err)
		}
	}
	return f
}

// Register adds a kind. Registering the same name twice is an error.
func (f *Factory) Register(k Kind) error {
	if k.Name == "" || k.New == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Factory", "Register", "register kind without name or constructor")
	}

	rk := registeredKind{Kind: k}
	if k.Schema != "" {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(k.Schema))
		if err != nil {
			return errors.WrapInvalid(fmt.Errorf("%w: kind %s: %v", errors.ErrInvalidConfig, k.Name, err),
				"Factory", "Register", "compile parameter schema")
		}
		rk.schema = schema
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.kinds[k.Name]; exists {
		return errors.WrapInvalid(fmt.Errorf("%w: kind %s already registered", errors.ErrInvalidConfig, k.Name),
			"Factory", "Register", "register kind")
	}
	f.kinds[k.Name] = rk
	return nil
}

// Kinds returns the registered kinds sorted by name.
func (f *Factory) Kinds() []Kind {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]Kind, 0, len(f.kinds))
	for _, k := range f.kinds {
		out = append(out, k.Kind)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Build constructs the rule declared by cfg. Every failure is an invalid
// configuration error that names the rule.
func (f *Factory) Build(cfg RuleConfig) (analysis.AnalysisRule, error) {
	fail := func(err error) error {
		return errors.WrapInvalid(fmt.Errorf("rule %q (kind %s): %w", cfg.Name, cfg.Kind, err),
			"Factory", "Build", "build rule")
	}

	if cfg.Name == "" {
		return nil, fail(fmt.Errorf("%w: missing name", errors.ErrInvalidConfig))
	}

	f.mu.RLock()
	k, ok := f.kinds[cfg.Kind]
	f.mu.RUnlock()
	if !ok {
		return nil, fail(errors.ErrUnknownRule)
	}

	params := cfg.Parameters
	if len(bytes.TrimSpace(params)) == 0 || bytes.Equal(bytes.TrimSpace(params), []byte("null")) {
		params = json.RawMessage("{}")
	}

	if k.schema != nil {
		result, err := k.schema.Validate(gojsonschema.NewBytesLoader(params))
		if err != nil {
			return nil, fail(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err))
		}
		if !result.Valid() {
			msg := ""
			for i, desc := range result.Errors() {
				if i > 0 {
					msg += "; "
				}
				msg += desc.String()
			}
			return nil, fail(fmt.Errorf("%w: %s", errors.ErrInvalidConfig, msg))
		}
	}

	rule, err := k.New(cfg.Name, params)
	if err != nil {
		return nil, fail(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err))
	}
	return rule, nil
}

// BuildAll builds every enabled rule in order. The first failure aborts.
func (f *Factory) BuildAll(configs []RuleConfig) ([]analysis.AnalysisRule, error) {
	out := make([]analysis.AnalysisRule, 0, len(configs))
	for _, cfg := range configs {
		if !cfg.IsEnabled() {
			continue
		}
		rule, err := f.Build(cfg)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, nil
}

// decodeParams decodes strictly: unknown fields are rejected.
func decodeParams(params json.RawMessage, v any) error {
	dec := json.NewDecoder(bytes.NewReader(params))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("parameters: %w", err)
	}
	return nil
}
