package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/chazwilder/iqx-dockmonitor/errors"
	"github.com/chazwilder/iqx-dockmonitor/natsclient"
)

// SyncBucket holds the runtime-tunable sections.
const SyncBucket = "dockwatch_config"

// Keys used in SyncBucket.
const (
	KeyVersion = "version"
	KeyAlerts  = "alerts"
	KeyMonitor = "monitor"
)

var syncedSections = []string{KeyAlerts, KeyMonitor}

// KV is the subset of natsclient.KVStore the manager needs.
type KV interface {
	Get(ctx context.Context, key string) (*natsclient.KVEntry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Keys(ctx context.Context) ([]string, error)
	Watch(ctx context.Context, pattern string) (jetstream.KeyWatcher, error)
}

var _ KV = (*natsclient.KVStore)(nil)

// Update represents a configuration change notification
type Update struct {
	Section string  // "alerts" or "monitor"
	Config  *Config // full latest configuration
}

// Manager keeps the alerts and monitor sections in a NATS KV bucket so
// operators can retune suppression windows and re-check backoff without a
// restart. Subscribers get an Update for every accepted change.
type Manager struct {
	config      *SafeConfig
	kv          KV
	watchers    []jetstream.KeyWatcher
	subscribers map[string][]chan Update
	mu          sync.RWMutex
	logger      *slog.Logger

	shutdownCh chan struct{}
	wg         sync.WaitGroup
	stopped    atomic.Bool
}

// OpenManager creates SyncBucket if needed and returns a manager over it.
func OpenManager(ctx context.Context, cfg *Config, client *natsclient.Client, logger *slog.Logger) (*Manager, error) {
	if client == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Manager", "OpenManager", "check nats client")
	}
	bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      SyncBucket,
		Description: "dockwatch runtime configuration",
		History:     5,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "Manager", "OpenManager", "create config bucket")
	}
	return NewManager(cfg, client.NewKVStore(bucket), logger)
}

// NewManager creates a configuration manager over kv.
func NewManager(cfg *Config, kv KV, logger *slog.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Manager", "NewManager", "check config")
	}
	if kv == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Manager", "NewManager", "check kv")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		config:      NewSafeConfig(cfg),
		kv:          kv,
		subscribers: make(map[string][]chan Update),
		logger:      logger.With("component", "config-manager"),
	}, nil
}

// Config returns the current configuration holder.
func (cm *Manager) Config() *SafeConfig {
	return cm.config
}

// OnChange subscribes to changes of one section, or "*" for all of them.
// Slow subscribers miss intermediate updates; each update carries the
// full configuration.
func (cm *Manager) OnChange(section string) <-chan Update {
	ch := make(chan Update, 1)
	cm.mu.Lock()
	cm.subscribers[section] = append(cm.subscribers[section], ch)
	cm.mu.Unlock()
	return ch
}

// Start reconciles the file configuration with KV and watches the synced
// sections.
//
// On first boot the file configuration is pushed. Later boots compare
// versions: a newer file overwrites KV, otherwise KV wins.
func (cm *Manager) Start(ctx context.Context) error {
	cm.shutdownCh = make(chan struct{})

	if err := cm.reconcile(ctx); err != nil {
		cm.logger.Warn("config reconcile failed, using file configuration", "error", err)
	}

	cleanup := func() {
		for _, w := range cm.watchers {
			_ = w.Stop()
		}
		cm.watchers = nil
	}
	for _, key := range syncedSections {
		w, err := cm.kv.Watch(ctx, key)
		if err != nil {
			cleanup()
			return errors.WrapTransient(err, "Manager", "Start", "watch "+key)
		}
		cm.watchers = append(cm.watchers, w)
	}

	for _, w := range cm.watchers {
		cm.wg.Add(1)
		go cm.processWatcher(ctx, w)
	}
	cm.logger.Info("config manager started", "bucket", SyncBucket, "sections", syncedSections)
	return nil
}

func (cm *Manager) reconcile(ctx context.Context) error {
	keys, err := cm.kv.Keys(ctx)
	if err != nil {
		return errors.WrapTransient(err, "Manager", "reconcile", "list keys")
	}
	if len(keys) == 0 {
		cm.logger.Info("first boot, pushing configuration to KV")
		return cm.PushToKV(ctx)
	}

	fileVersion := cm.config.Get().Version
	kvVersion := cm.kvVersion(ctx)
	cmp, err := CompareVersions(fileVersion, kvVersion)
	switch {
	case err != nil:
		cm.logger.Warn("cannot compare versions, syncing from KV",
			"file_version", fileVersion, "kv_version", kvVersion, "error", err)
		return cm.syncFromKV(ctx)
	case cmp > 0:
		cm.logger.Info("file version is newer than KV, updating KV",
			"file_version", fileVersion, "kv_version", kvVersion)
		return cm.PushToKV(ctx)
	case cmp < 0:
		cm.logger.Warn("file version is older than KV, using KV config",
			"file_version", fileVersion, "kv_version", kvVersion,
			"hint", "bump file version to update KV")
	}
	return cm.syncFromKV(ctx)
}

// Stop stops watching and closes subscriber channels.
func (cm *Manager) Stop(timeout time.Duration) error {
	if !cm.stopped.CompareAndSwap(false, true) {
		return nil
	}
	if cm.shutdownCh != nil {
		close(cm.shutdownCh)
	}
	for _, w := range cm.watchers {
		_ = w.Stop()
	}

	done := make(chan struct{})
	go func() {
		cm.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		cm.logger.Warn("config manager shutdown timeout", "timeout", timeout)
	}

	cm.mu.Lock()
	for _, channels := range cm.subscribers {
		for _, ch := range channels {
			close(ch)
		}
	}
	cm.subscribers = make(map[string][]chan Update)
	cm.mu.Unlock()
	return nil
}

// processWatcher applies updates after the watcher's initial replay, which
// reconcile already covered.
func (cm *Manager) processWatcher(ctx context.Context, w jetstream.KeyWatcher) {
	defer cm.wg.Done()

	initial := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-cm.shutdownCh:
			return
		case entry, ok := <-w.Updates():
			if !ok {
				return
			}
			if entry == nil {
				initial = false
				continue
			}
			if initial || entry.Operation() != jetstream.KeyValuePut {
				continue
			}
			cm.handleUpdate(entry.Key(), entry.Value())
		}
	}
}

func (cm *Manager) handleUpdate(key string, value []byte) {
	if cm.stopped.Load() {
		return
	}
	if err := cm.updateConfig(key, value); err != nil {
		cm.logger.Error("rejected configuration update", "key", key, "error", err)
		return
	}
	cm.logger.Info("configuration updated", "section", key)

	update := Update{Section: key, Config: cm.config.Get()}

	cm.mu.RLock()
	defer cm.mu.RUnlock()
	for _, pattern := range []string{key, "*"} {
		for _, ch := range cm.subscribers[pattern] {
			if cm.stopped.Load() {
				return
			}
			select {
			case ch <- update:
			default:
				// Drop the stale pending update for the newest one.
				select {
				case <-ch:
				default:
				}
				select {
				case ch <- update:
				default:
				}
			}
		}
	}
}

// updateConfig decodes one section over the current configuration and
// swaps it in after validation.
func (cm *Manager) updateConfig(key string, value []byte) error {
	if len(value) == 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: empty %s section", errors.ErrInvalidConfig, key),
			"Manager", "updateConfig", "decode section")
	}
	if len(value) > maxConfigBytes {
		return errors.WrapInvalid(fmt.Errorf("%w: %s section too large: %d bytes", errors.ErrInvalidConfig, key, len(value)),
			"Manager", "updateConfig", "check size")
	}
	if err := checkNesting(value); err != nil {
		return errors.WrapInvalid(err, "Manager", "updateConfig", "check structure")
	}

	var raw map[string]any
	if err := json.Unmarshal(value, &raw); err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrParsingFailed, err), "Manager", "updateConfig", "decode section")
	}
	doc := map[string]any{key: raw}
	if err := parseDurations(doc); err != nil {
		return errors.WrapInvalid(err, "Manager", "updateConfig", "parse durations")
	}
	if err := validateDocument(doc); err != nil {
		return errors.WrapInvalid(err, "Manager", "updateConfig", "validate section")
	}

	current := cm.config.Get()
	if _, ok := raw["windows"]; ok && key == KeyAlerts {
		// Overrides are replaced, not merged, so one can be removed.
		current.Alerts.Windows = nil
	}
	merged, err := (&Loader{}).mergeFromMap(current, doc)
	if err != nil {
		return errors.WrapInvalid(err, "Manager", "updateConfig", "merge section")
	}
	return cm.config.Update(merged)
}

// PushToKV writes the version and the synced sections.
func (cm *Manager) PushToKV(ctx context.Context) error {
	cfg := cm.config.Get()

	if cfg.Version != "" {
		data, _ := json.Marshal(cfg.Version)
		if _, err := cm.kv.Put(ctx, KeyVersion, data); err != nil {
			return errors.WrapTransient(err, "Manager", "PushToKV", "push version")
		}
	}

	for _, key := range syncedSections {
		data, err := json.Marshal(sectionDoc(cfg, key))
		if err != nil {
			return errors.WrapInvalid(err, "Manager", "PushToKV", "marshal "+key)
		}
		if _, err := cm.kv.Put(ctx, key, data); err != nil {
			return errors.WrapTransient(err, "Manager", "PushToKV", "push "+key)
		}
	}
	return nil
}

// sectionDoc renders the tunable part of a section with readable
// durations. Connection settings and credentials never leave the process.
func sectionDoc(cfg *Config, key string) map[string]any {
	switch key {
	case KeyAlerts:
		windows := make(map[string]string, len(cfg.Alerts.Windows))
		for t, w := range cfg.Alerts.Windows {
			windows[string(t)] = w.String()
		}
		return map[string]any{
			"default_window": cfg.Alerts.DefaultWindow.String(),
			"windows":        windows,
		}
	case KeyMonitor:
		b := cfg.Monitor.Backoff
		return map[string]any{
			"interval": cfg.Monitor.Interval.String(),
			"backoff": map[string]any{
				"policy":     b.Policy,
				"interval":   b.Interval.String(),
				"initial":    b.Initial.String(),
				"multiplier": b.Multiplier,
				"max":        b.Max.String(),
			},
		}
	}
	return nil
}

// kvVersion returns "0.0.0" when KV holds no readable version.
func (cm *Manager) kvVersion(ctx context.Context) string {
	entry, err := cm.kv.Get(ctx, KeyVersion)
	if err != nil {
		return "0.0.0"
	}
	var version string
	if err := json.Unmarshal(entry.Value, &version); err != nil {
		cm.logger.Warn("unreadable version in KV, treating as 0.0.0", "error", err)
		return "0.0.0"
	}
	return version
}

func (cm *Manager) syncFromKV(ctx context.Context) error {
	applied := 0
	for _, key := range syncedSections {
		entry, err := cm.kv.Get(ctx, key)
		if err != nil {
			if !natsclient.IsKVNotFoundError(err) {
				cm.logger.Warn("cannot read section from KV", "key", key, "error", err)
			}
			continue
		}
		if err := cm.updateConfig(key, entry.Value); err != nil {
			cm.logger.Warn("ignoring invalid section in KV", "key", key, "error", err)
			continue
		}
		applied++
	}
	cm.logger.Info("synced configuration from KV", "sections", applied)
	return nil
}
