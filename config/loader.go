package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chazwilder/iqx-dockmonitor/errors"
)

// DefaultEnvPrefix prefixes every environment override.
const DefaultEnvPrefix = "DOCKWATCH"

// durationPaths lists the dotted paths holding durations. A trailing "*"
// matches every key of a map.
var durationPaths = []string{
	"service.stop_timeout",
	"nats.reconnect_wait",
	"nats.timeout",
	"nats.ping_interval",
	"nats.drain_timeout",
	"nats.stats_interval",
	"source.mqtt.connect_timeout",
	"source.sql.interval",
	"monitor.interval",
	"monitor.backoff.interval",
	"monitor.backoff.initial",
	"monitor.backoff.max",
	"alerts.default_window",
	"alerts.windows.*",
	"alerts.retry.initial_delay",
	"alerts.retry.max_delay",
	"alerts.webhook.timeout",
	"storage.async.enqueue_wait",
	"storage.async.retry.initial_delay",
	"storage.async.retry.max_delay",
	"storage.sql.conn_max_idle",
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{envPrefix: DefaultEnvPrefix}
}

// AddLayer adds a configuration file layer. Later layers win.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load loads and merges all configuration layers
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "load "+path)
		}
		if cfg, err = l.mergeFromMap(cfg, raw); err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "merge "+path)
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "apply environment")
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// loadRaw reads a JSON or YAML layer into a map with durations converted
// to nanoseconds.
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := readConfigFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrParsingFailed, err)
		}
		// Round-trip so nested YAML mappings become map[string]any.
		if data, err = json.Marshal(raw); err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrParsingFailed, err)
		}
		raw = nil
		fallthrough
	default:
		if err := checkNesting(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrParsingFailed, err)
		}
	}

	if err := parseDurations(raw); err != nil {
		return nil, err
	}
	if err := validateDocument(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// mergeFromMap merges configuration from a raw map, only overriding fields
// present in the map
func (l *Loader) mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	if override == nil {
		return base, nil
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, err
	}

	mergedJSON, err := json.Marshal(deepMergeMaps(baseMap, override))
	if err != nil {
		return nil, err
	}
	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err)
	}
	return &merged, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// parseDurations converts duration strings at durationPaths to nanoseconds
// for json unmarshaling.
func parseDurations(data map[string]any) error {
	for _, path := range durationPaths {
		if err := convertDuration(data, strings.Split(path, "."), path); err != nil {
			return err
		}
	}
	return nil
}

func convertDuration(node map[string]any, parts []string, path string) error {
	key := parts[0]
	if len(parts) > 1 {
		child, ok := node[key].(map[string]any)
		if !ok {
			return nil
		}
		return convertDuration(child, parts[1:], path)
	}

	keys := []string{key}
	if key == "*" {
		keys = keys[:0]
		for k := range node {
			keys = append(keys, k)
		}
	}
	for _, k := range keys {
		s, ok := node[k].(string)
		if !ok {
			continue
		}
		d, err := parseDurationWithDays(s)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", errors.ErrInvalidConfig, strings.Replace(path, "*", k, 1), err)
		}
		node[k] = d.Nanoseconds()
	}
	return nil
}

// parseDurationWithDays parses durations that may include days (e.g., "14d")
func parseDurationWithDays(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		n, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	get := func(name string) (string, bool, error) {
		key := l.envPrefix + "_" + name
		val, ok := os.LookupEnv(key)
		if !ok || val == "" {
			return "", false, nil
		}
		if err := checkEnvValue(key, val); err != nil {
			return "", false, err
		}
		return val, true, nil
	}
	list := func(val string) []string {
		var out []string
		for _, s := range strings.Split(val, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	}

	strs := map[string]*string{
		"SERVICE_NAME":          &cfg.Service.Name,
		"SERVICE_SITE":          &cfg.Service.Site,
		"NATS_USERNAME":         &cfg.NATS.Username,
		"NATS_PASSWORD":         &cfg.NATS.Password,
		"NATS_TOKEN":            &cfg.NATS.Token,
		"NATS_CREDS_FILE":       &cfg.NATS.CredsFile,
		"SOURCE_REPLAY":         &cfg.Source.Replay,
		"SOURCE_SQL_DSN":        &cfg.Source.SQL.DSN,
		"RULES_FILE":            &cfg.Rules.File,
		"RULES_KV_KEY":          &cfg.Rules.KVKey,
		"ALERTS_SUPPRESSOR":     &cfg.Alerts.Suppressor,
		"ALERTS_WEBHOOK_URL":    &cfg.Alerts.Webhook.URL,
		"ALERTS_REDIS_ADDR":     &cfg.Alerts.Redis.Addr,
		"ALERTS_REDIS_PASSWORD": &cfg.Alerts.Redis.Password,
		"STORAGE_SQL_DSN":       &cfg.Storage.SQL.DSN,
		"STORAGE_INFLUX_URL":    &cfg.Storage.Influx.URL,
		"STORAGE_INFLUX_TOKEN":  &cfg.Storage.Influx.Token,
		"OPS_ADDR":              &cfg.Ops.Addr,
	}
	for name, dst := range strs {
		val, ok, err := get(name)
		if err != nil {
			return err
		}
		if ok {
			*dst = val
		}
	}

	lists := map[string]*[]string{
		"NATS_URLS":            &cfg.NATS.URLs,
		"SOURCE_KINDS":         &cfg.Source.Kinds,
		"SOURCE_KAFKA_BROKERS": &cfg.Source.Kafka.Brokers,
		"ALERTS_NOTIFIERS":     &cfg.Alerts.Notifiers,
		"STORAGE_BACKENDS":     &cfg.Storage.Backends,
	}
	for name, dst := range lists {
		val, ok, err := get(name)
		if err != nil {
			return err
		}
		if ok {
			*dst = list(val)
		}
	}

	durations := map[string]*time.Duration{
		"MONITOR_INTERVAL":      &cfg.Monitor.Interval,
		"ALERTS_DEFAULT_WINDOW": &cfg.Alerts.DefaultWindow,
	}
	for name, dst := range durations {
		val, ok, err := get(name)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		d, err := parseDurationWithDays(val)
		if err != nil {
			return fmt.Errorf("%w: %s_%s: %v", errors.ErrInvalidConfig, l.envPrefix, name, err)
		}
		*dst = d
	}
	return nil
}

// SaveToFile writes the configuration as JSON, or YAML for .yaml/.yml
// paths.
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.WrapInvalid(err, "Config", "SaveToFile", "marshal config")
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc map[string]any
		if err := json.Unmarshal(data, &doc); err != nil {
			return errors.WrapInvalid(err, "Config", "SaveToFile", "convert config")
		}
		if data, err = yaml.Marshal(doc); err != nil {
			return errors.WrapInvalid(err, "Config", "SaveToFile", "marshal yaml")
		}
	}
	if err := writeConfigFile(path, data); err != nil {
		return errors.Wrap(err, "Config", "SaveToFile", "write config")
	}
	return nil
}
