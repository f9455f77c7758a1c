package config

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/chazwilder/iqx-dockmonitor/alert"
	"github.com/chazwilder/iqx-dockmonitor/alert/notify"
	"github.com/chazwilder/iqx-dockmonitor/errors"
	"github.com/chazwilder/iqx-dockmonitor/monitor"
	"github.com/chazwilder/iqx-dockmonitor/pipeline"
	"github.com/chazwilder/iqx-dockmonitor/pkg/tlsutil"
	"github.com/chazwilder/iqx-dockmonitor/source"
	"github.com/chazwilder/iqx-dockmonitor/storage"
	"github.com/chazwilder/iqx-dockmonitor/storage/influxstore"
	"github.com/chazwilder/iqx-dockmonitor/storage/sqlstore"
)

// Source kinds.
const (
	SourceReplay = "replay"
	SourceNATS   = "nats"
	SourceKafka  = "kafka"
	SourceMQTT   = "mqtt"
	SourceSQL    = "sql"
	SourceUDP    = "udp"
)

// Storage backends.
const (
	StorageMemory = "memory"
	StorageSQL    = "sql"
	StorageInflux = "influx"
	StorageKV     = "kv"
)

// Notifiers.
const (
	NotifierLog     = "log"
	NotifierWebhook = "webhook"
	NotifierNATS    = "nats"
	NotifierKafka   = "kafka"
	NotifierFeed    = "feed"
)

// Suppressors.
const (
	SuppressorMemory = "memory"
	SuppressorRedis  = "redis"
)

// Config is the complete service configuration.
type Config struct {
	// Version is a semver string; the config manager compares it with the
	// version stored in KV to decide which side wins at startup.
	Version string        `json:"version"`
	Service ServiceConfig `json:"service"`
	NATS    NATSConfig    `json:"nats"`
	Source  SourceConfig  `json:"source"`
	Rules   RulesConfig   `json:"rules"`
	Monitor MonitorConfig `json:"monitor"`
	Alerts  AlertsConfig  `json:"alerts"`
	Storage StorageConfig `json:"storage"`
	Ops     OpsConfig     `json:"ops"`
}

// ServiceConfig identifies the instance and sizes the event handler.
type ServiceConfig struct {
	Name        string                 `json:"name"`
	Site        string                 `json:"site,omitempty"`
	StopTimeout time.Duration          `json:"stop_timeout"`
	Handler     pipeline.HandlerConfig `json:"handler"`
	// SyncConfig publishes the alerts and monitor sections to NATS KV and
	// applies changes made there at runtime.
	SyncConfig bool `json:"sync_config"`
}

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	URLs          []string      `json:"urls,omitempty"`
	Name          string        `json:"name,omitempty"`
	MaxReconnects int           `json:"max_reconnects,omitempty"`
	ReconnectWait time.Duration `json:"reconnect_wait,omitempty"`
	Timeout       time.Duration `json:"timeout,omitempty"`
	PingInterval  time.Duration `json:"ping_interval,omitempty"`
	DrainTimeout  time.Duration `json:"drain_timeout,omitempty"`
	StatsInterval time.Duration `json:"stats_interval,omitempty"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"password,omitempty"`
	Token         string        `json:"token,omitempty"`
	CredsFile     string        `json:"creds_file,omitempty"`
}

// SourceConfig selects the event sources. Every listed kind runs.
type SourceConfig struct {
	Kinds  []string             `json:"kinds"`
	Replay string               `json:"replay,omitempty"`
	NATS   source.NATSConfig    `json:"nats"`
	Kafka  source.KafkaConfig   `json:"kafka"`
	MQTT   source.MQTTConfig    `json:"mqtt"`
	SQL    source.SQLPollConfig `json:"sql"`
	UDP    source.UDPConfig     `json:"udp"`
}

// RulesConfig locates the rule document: a file, or a key in a NATS KV
// bucket. The KV key wins when both are set.
type RulesConfig struct {
	File     string `json:"file,omitempty"`
	KVBucket string `json:"kv_bucket,omitempty"`
	KVKey    string `json:"kv_key,omitempty"`
	// Watch reloads the rule set when the document changes in KV.
	Watch bool `json:"watch"`
}

// MonitorConfig tunes the monitoring worker.
type MonitorConfig struct {
	Interval time.Duration         `json:"interval"`
	Backoff  monitor.BackoffConfig `json:"backoff"`
}

// AlertsConfig extends alert.Config with the suppressor and notifier
// wiring.
type AlertsConfig struct {
	alert.Config
	Suppressor string               `json:"suppressor"`
	Redis      RedisConfig          `json:"redis"`
	Notifiers  []string             `json:"notifiers"`
	Webhook    notify.WebhookConfig `json:"webhook"`
	NATSPrefix string               `json:"nats_prefix"`
	Kafka      KafkaTopicConfig     `json:"kafka"`

	// FeedBacklog is how many recent alerts a new feed client receives.
	FeedBacklog int `json:"feed_backlog"`
}

// RedisConfig for the shared suppressor.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix,omitempty"`
}

// KafkaTopicConfig names a topic on a broker list.
type KafkaTopicConfig struct {
	Brokers []string `json:"brokers"`
	Topic   string   `json:"topic"`
}

// StorageConfig selects the persistence backends. Every write goes to all
// of them.
type StorageConfig struct {
	Backends []string            `json:"backends"`
	Async    storage.AsyncConfig `json:"async"`
	SQL      sqlstore.Config     `json:"sql"`
	Influx   influxstore.Config  `json:"influx"`
	KV       KVConfig            `json:"kv"`
	// Restore loads saved door snapshots into the registry at startup.
	Restore bool `json:"restore"`
}

// KVConfig for the NATS KV door snapshot bucket.
type KVConfig struct {
	Bucket  string `json:"bucket"`
	History uint8  `json:"history"`
}

// OpsConfig for the operations HTTP server.
type OpsConfig struct {
	Enabled     bool                 `json:"enabled"`
	Addr        string               `json:"addr"`
	MetricsPath string               `json:"metrics_path"`
	TLS         tlsutil.ServerConfig `json:"tls"`
}

// Default returns the configuration used before any layer is applied.
func Default() *Config {
	return &Config{
		Version: "1.0.0",
		Service: ServiceConfig{
			Name:        "dockwatch",
			StopTimeout: 30 * time.Second,
			Handler:     pipeline.DefaultHandlerConfig(),
		},
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
			Timeout:       5 * time.Second,
		},
		Source: SourceConfig{
			NATS: source.NATSConfig{
				Stream:  "DOCK_EVENTS",
				Subject: "dock.events.>",
				Durable: "dockwatch",
			},
		},
		Rules: RulesConfig{File: "rules.yaml"},
		Monitor: MonitorConfig{
			Interval: monitor.DefaultInterval,
			Backoff:  monitor.DefaultBackoffConfig(),
		},
		Alerts: AlertsConfig{
			Config:      alert.DefaultConfig(),
			Suppressor:  SuppressorMemory,
			Notifiers:   []string{NotifierLog},
			Webhook:     notify.WebhookConfig{Timeout: 10 * time.Second},
			NATSPrefix:  "dock.alerts",
			FeedBacklog: 50,
		},
		Storage: StorageConfig{
			Backends: []string{StorageMemory},
			Async:    storage.DefaultAsyncConfig(),
			KV:       KVConfig{Bucket: "dock_doors", History: 16},
		},
		Ops: OpsConfig{
			Enabled:     true,
			Addr:        ":9090",
			MetricsPath: "/metrics",
		},
	}
}

// Validate checks the configuration. Every failure is an invalid error
// naming the offending field.
func (c *Config) Validate() error {
	if err := c.validate(); err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err), "Config", "Validate", "check configuration")
	}
	return nil
}

func (c *Config) validate() error {
	if c.Service.Name == "" {
		return fmt.Errorf("service.name is required")
	}
	if c.Version != "" {
		if _, _, _, err := parseSemVer(c.Version); err != nil {
			return fmt.Errorf("version: %v", err)
		}
	}
	if c.NeedsNATS() && len(c.NATS.URLs) == 0 {
		return fmt.Errorf("nats.urls is required")
	}

	if len(c.Source.Kinds) == 0 {
		return fmt.Errorf("source.kinds needs at least one source")
	}
	for _, kind := range c.Source.Kinds {
		if err := c.Source.validateKind(kind); err != nil {
			return fmt.Errorf("source.%s: %v", kind, err)
		}
	}

	switch {
	case c.Rules.File == "" && c.Rules.KVKey == "":
		return fmt.Errorf("rules.file or rules.kv_key is required")
	case c.Rules.KVKey != "" && c.Rules.KVBucket == "":
		return fmt.Errorf("rules.kv_bucket is required with rules.kv_key")
	}

	if c.Monitor.Interval < time.Second {
		return fmt.Errorf("monitor.interval %s below 1s", c.Monitor.Interval)
	}
	if _, err := monitor.NewBackoff(c.Monitor.Backoff); err != nil {
		return fmt.Errorf("monitor.backoff: %v", err)
	}

	if err := c.Alerts.validate(); err != nil {
		return err
	}
	if c.Ops.TLS.Enabled && (c.Ops.TLS.CertFile == "" || c.Ops.TLS.KeyFile == "") {
		return fmt.Errorf("ops.tls needs cert_file and key_file")
	}
	return c.Storage.validate()
}

// NeedsNATS reports whether any configured component uses NATS.
func (c *Config) NeedsNATS() bool {
	if c.Service.SyncConfig || c.Rules.KVKey != "" {
		return true
	}
	return contains(c.Source.Kinds, SourceNATS) ||
		contains(c.Storage.Backends, StorageKV) ||
		contains(c.Alerts.Notifiers, NotifierNATS)
}

func (s SourceConfig) validateKind(kind string) error {
	switch kind {
	case SourceReplay:
		if s.Replay == "" {
			return fmt.Errorf("replay file path is required")
		}
		return nil
	case SourceNATS:
		return s.NATS.Validate()
	case SourceKafka:
		return s.Kafka.Validate()
	case SourceMQTT:
		return s.MQTT.Validate()
	case SourceSQL:
		return s.SQL.Validate()
	case SourceUDP:
		if s.UDP.Port == 0 {
			return fmt.Errorf("udp port is required")
		}
		return s.UDP.Validate()
	default:
		return fmt.Errorf("unknown source kind %q", kind)
	}
}

func (a AlertsConfig) validate() error {
	if a.DefaultWindow <= 0 {
		return fmt.Errorf("alerts.default_window must be positive")
	}
	for t, w := range a.Windows {
		if w <= 0 {
			return fmt.Errorf("alerts.windows.%s must be positive", t)
		}
	}
	if a.FeedBacklog < 0 {
		return fmt.Errorf("alerts.feed_backlog must not be negative")
	}
	switch a.Suppressor {
	case "", SuppressorMemory:
	case SuppressorRedis:
		if a.Redis.Addr == "" {
			return fmt.Errorf("alerts.redis.addr is required for the redis suppressor")
		}
	default:
		return fmt.Errorf("unknown alerts.suppressor %q", a.Suppressor)
	}
	for _, n := range a.Notifiers {
		switch n {
		case NotifierLog, NotifierFeed:
		case NotifierNATS:
			if a.NATSPrefix == "" {
				return fmt.Errorf("alerts.nats_prefix is required for the nats notifier")
			}
		case NotifierWebhook:
			if err := a.Webhook.Validate(); err != nil {
				return fmt.Errorf("alerts.webhook: %v", err)
			}
		case NotifierKafka:
			if len(a.Kafka.Brokers) == 0 || a.Kafka.Topic == "" {
				return fmt.Errorf("alerts.kafka needs brokers and topic")
			}
		default:
			return fmt.Errorf("unknown notifier %q", n)
		}
	}
	return nil
}

func (s StorageConfig) validate() error {
	if s.Async.Workers <= 0 || s.Async.QueueSize <= 0 {
		return fmt.Errorf("storage.async needs positive workers and queue_size")
	}
	if s.Async.EnqueueWait < 0 {
		return fmt.Errorf("storage.async.enqueue_wait cannot be negative")
	}
	for _, b := range s.Backends {
		switch b {
		case StorageMemory:
		case StorageSQL:
			if err := s.SQL.Validate(); err != nil {
				return fmt.Errorf("storage.sql: %v", err)
			}
		case StorageInflux:
			if err := s.Influx.Validate(); err != nil {
				return fmt.Errorf("storage.influx: %v", err)
			}
		case StorageKV:
			if s.KV.Bucket == "" {
				return fmt.Errorf("storage.kv.bucket is required")
			}
		default:
			return fmt.Errorf("unknown storage backend %q", b)
		}
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = Default()
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically replaces the configuration after validation
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "SafeConfig", "Update", "check config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return Default()
	}

	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// String returns a JSON representation with secrets masked.
func (c *Config) String() string {
	masked := c.Clone()
	for _, s := range []*string{
		&masked.NATS.Password, &masked.NATS.Token,
		&masked.Alerts.Redis.Password,
		&masked.Source.MQTT.Password,
		&masked.Storage.Influx.Token,
	} {
		if *s != "" {
			*s = "***"
		}
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}
