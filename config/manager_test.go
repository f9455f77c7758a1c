package config

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazwilder/iqx-dockmonitor/dock"
	"github.com/chazwilder/iqx-dockmonitor/errors"
	"github.com/chazwilder/iqx-dockmonitor/natsclient"
)

// fakeKV is an in-memory KV whose watchers replay the current value, send
// the nil marker and then deliver every Put.
type fakeKV struct {
	mu       sync.Mutex
	data     map[string][]byte
	revision uint64
	watchers map[string][]*fakeWatcher
}

func newFakeKV() *fakeKV {
	return &fakeKV{
		data:     make(map[string][]byte),
		watchers: make(map[string][]*fakeWatcher),
	}
}

func (kv *fakeKV) Get(_ context.Context, key string) (*natsclient.KVEntry, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	value, ok := kv.data[key]
	if !ok {
		return nil, natsclient.ErrKVKeyNotFound
	}
	return &natsclient.KVEntry{Key: key, Value: value, Revision: kv.revision}, nil
}

func (kv *fakeKV) Put(_ context.Context, key string, value []byte) (uint64, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.revision++
	kv.data[key] = value
	for _, w := range kv.watchers[key] {
		w.send(&fakeEntry{key: key, value: value, revision: kv.revision, op: jetstream.KeyValuePut})
	}
	return kv.revision, nil
}

func (kv *fakeKV) Keys(_ context.Context) ([]string, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	keys := make([]string, 0, len(kv.data))
	for k := range kv.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (kv *fakeKV) Watch(_ context.Context, pattern string) (jetstream.KeyWatcher, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	w := &fakeWatcher{updates: make(chan jetstream.KeyValueEntry, 16)}
	if value, ok := kv.data[pattern]; ok {
		w.send(&fakeEntry{key: pattern, value: value, revision: kv.revision, op: jetstream.KeyValuePut})
	}
	w.send(nil)
	kv.watchers[pattern] = append(kv.watchers[pattern], w)
	return w, nil
}

func (kv *fakeKV) value(t *testing.T, key string) map[string]any {
	t.Helper()
	kv.mu.Lock()
	defer kv.mu.Unlock()
	var doc map[string]any
	require.NoError(t, json.Unmarshal(kv.data[key], &doc))
	return doc
}

type fakeWatcher struct {
	mu      sync.Mutex
	updates chan jetstream.KeyValueEntry
	stopped bool
}

func (w *fakeWatcher) send(entry jetstream.KeyValueEntry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stopped {
		w.updates <- entry
	}
}

func (w *fakeWatcher) Updates() <-chan jetstream.KeyValueEntry { return w.updates }

func (w *fakeWatcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stopped {
		w.stopped = true
		close(w.updates)
	}
	return nil
}

type fakeEntry struct {
	key      string
	value    []byte
	revision uint64
	op       jetstream.KeyValueOp
}

func (e *fakeEntry) Bucket() string                  { return SyncBucket }
func (e *fakeEntry) Key() string                     { return e.key }
func (e *fakeEntry) Value() []byte                   { return e.value }
func (e *fakeEntry) Revision() uint64                { return e.revision }
func (e *fakeEntry) Created() time.Time              { return time.Now() }
func (e *fakeEntry) Delta() uint64                   { return 0 }
func (e *fakeEntry) Operation() jetstream.KeyValueOp { return e.op }

func startManager(t *testing.T, cfg *Config, kv *fakeKV) *Manager {
	t.Helper()
	cm, err := NewManager(cfg, kv, slog.Default())
	require.NoError(t, err)
	require.NoError(t, cm.Start(context.Background()))
	t.Cleanup(func() { _ = cm.Stop(time.Second) })
	return cm
}

func receive(t *testing.T, ch <-chan Update) Update {
	t.Helper()
	select {
	case u, ok := <-ch:
		require.True(t, ok, "subscriber channel closed")
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("no configuration update received")
		return Update{}
	}
}

func TestNewManager_RequiresConfigAndKV(t *testing.T) {
	_, err := NewManager(nil, newFakeKV(), nil)
	assert.ErrorIs(t, err, errors.ErrMissingConfig)

	_, err = NewManager(validConfig(), nil, nil)
	assert.ErrorIs(t, err, errors.ErrMissingConfig)

	cm, err := NewManager(validConfig(), newFakeKV(), nil)
	require.NoError(t, err)
	assert.Equal(t, "dockwatch", cm.Config().Get().Service.Name)
}

func TestOpenManager_RequiresClient(t *testing.T) {
	_, err := OpenManager(context.Background(), validConfig(), nil, nil)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestManager_FirstBootPushesConfiguration(t *testing.T) {
	kv := newFakeKV()
	cfg := validConfig()
	cfg.Alerts.Windows = map[dock.AlertType]time.Duration{dock.AlertDoorStuckOpen: 40 * time.Minute}
	cfg.Alerts.Webhook.URL = "https://hooks.example.com/secret-token"

	startManager(t, cfg, kv)

	keys, err := kv.Keys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{KeyAlerts, KeyMonitor, KeyVersion}, keys)

	alerts := kv.value(t, KeyAlerts)
	assert.Equal(t, "15m0s", alerts["default_window"])
	assert.Equal(t, map[string]any{"door_stuck_open": "40m0s"}, alerts["windows"])
	assert.NotContains(t, alerts, "webhook")

	monitor := kv.value(t, KeyMonitor)
	assert.Equal(t, "10s", monitor["interval"])
	assert.Equal(t, "fixed", monitor["backoff"].(map[string]any)["policy"])
}

func TestManager_NewerFileOverwritesKV(t *testing.T) {
	kv := newFakeKV()
	_, _ = kv.Put(context.Background(), KeyVersion, []byte(`"1.0.0"`))
	_, _ = kv.Put(context.Background(), KeyAlerts, []byte(`{"default_window": "5m"}`))

	cfg := validConfig()
	cfg.Version = "1.1.0"
	cm := startManager(t, cfg, kv)

	assert.Equal(t, 15*time.Minute, cm.Config().Get().Alerts.DefaultWindow)
	assert.Equal(t, "15m0s", kv.value(t, KeyAlerts)["default_window"])

	var version string
	entry, err := kv.Get(context.Background(), KeyVersion)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(entry.Value, &version))
	assert.Equal(t, "1.1.0", version)
}

func TestManager_KVWinsWhenFileIsNotNewer(t *testing.T) {
	for _, fileVersion := range []string{"1.0.0", "0.9.0"} {
		t.Run(fileVersion, func(t *testing.T) {
			kv := newFakeKV()
			_, _ = kv.Put(context.Background(), KeyVersion, []byte(`"1.0.0"`))
			_, _ = kv.Put(context.Background(), KeyAlerts,
				[]byte(`{"default_window": "5m", "windows": {"door_stuck_open": "30m"}}`))
			_, _ = kv.Put(context.Background(), KeyMonitor,
				[]byte(`{"interval": "20s", "backoff": {"policy": "exponential", "initial": "2m", "multiplier": 2, "max": "1h"}}`))

			cfg := validConfig()
			cfg.Version = fileVersion
			cm := startManager(t, cfg, kv)

			got := cm.Config().Get()
			assert.Equal(t, 5*time.Minute, got.Alerts.DefaultWindow)
			assert.Equal(t, 30*time.Minute, got.Alerts.Windows[dock.AlertDoorStuckOpen])
			assert.Equal(t, 20*time.Second, got.Monitor.Interval)
			assert.Equal(t, "exponential", got.Monitor.Backoff.Policy)
			assert.Equal(t, 2*time.Minute, got.Monitor.Backoff.Initial)
			// Sections outside KV keep the file values.
			assert.Equal(t, "events.jsonl", got.Source.Replay)
		})
	}
}

func TestManager_IgnoresInvalidSectionInKV(t *testing.T) {
	kv := newFakeKV()
	_, _ = kv.Put(context.Background(), KeyVersion, []byte(`"1.0.0"`))
	_, _ = kv.Put(context.Background(), KeyAlerts, []byte(`{"default_window": "never"}`))
	_, _ = kv.Put(context.Background(), KeyMonitor, []byte(`{"interval": "45s"}`))

	cm := startManager(t, validConfig(), kv)

	got := cm.Config().Get()
	assert.Equal(t, 15*time.Minute, got.Alerts.DefaultWindow)
	assert.Equal(t, 45*time.Second, got.Monitor.Interval)
}

func TestManager_AppliesWatchedUpdates(t *testing.T) {
	kv := newFakeKV()
	cm := startManager(t, validConfig(), kv)

	alerts := cm.OnChange(KeyAlerts)
	all := cm.OnChange("*")
	monitorCh := cm.OnChange(KeyMonitor)

	_, err := kv.Put(context.Background(), KeyAlerts,
		[]byte(`{"default_window": "20m", "windows": {"lgv_dwell_timeout": "1h"}}`))
	require.NoError(t, err)

	u := receive(t, alerts)
	assert.Equal(t, KeyAlerts, u.Section)
	assert.Equal(t, 20*time.Minute, u.Config.Alerts.DefaultWindow)
	assert.Equal(t, time.Hour, u.Config.Alerts.Windows[dock.AlertLgvDwellTimeout])
	assert.Equal(t, KeyAlerts, receive(t, all).Section)
	assert.Len(t, monitorCh, 0)

	assert.Equal(t, 20*time.Minute, cm.Config().Get().Alerts.DefaultWindow)
}

func TestManager_WindowsAreReplaced(t *testing.T) {
	kv := newFakeKV()
	cfg := validConfig()
	cfg.Alerts.Windows = map[dock.AlertType]time.Duration{dock.AlertDoorStuckOpen: 40 * time.Minute}
	cm := startManager(t, cfg, kv)
	ch := cm.OnChange(KeyAlerts)

	_, _ = kv.Put(context.Background(), KeyAlerts, []byte(`{"windows": {"shipment_delay": "2h"}}`))

	u := receive(t, ch)
	assert.Equal(t, map[dock.AlertType]time.Duration{dock.AlertShipmentDelay: 2 * time.Hour}, u.Config.Alerts.Windows)
	assert.Equal(t, 15*time.Minute, u.Config.Alerts.DefaultWindow)
}

func TestManager_RejectsInvalidUpdates(t *testing.T) {
	kv := newFakeKV()
	cm := startManager(t, validConfig(), kv)
	ch := cm.OnChange(KeyAlerts)

	for _, bad := range []string{
		`{"default_window": "-5m"}`,
		`{"default_window": "0s"}`,
		`{"suppressor": "carrier-pigeon"}`,
		`{"suppressor": "redis"}`,
		`not json`,
	} {
		_, err := kv.Put(context.Background(), KeyAlerts, []byte(bad))
		require.NoError(t, err)
	}
	_, _ = kv.Put(context.Background(), KeyAlerts, []byte(`{"default_window": "25m"}`))

	u := receive(t, ch)
	assert.Equal(t, 25*time.Minute, u.Config.Alerts.DefaultWindow)
	assert.Equal(t, SuppressorMemory, u.Config.Alerts.Suppressor)
}

func TestManager_UpdateConfigErrors(t *testing.T) {
	cm, err := NewManager(validConfig(), newFakeKV(), nil)
	require.NoError(t, err)

	for name, value := range map[string]string{
		"empty":          "",
		"not an object":  `["20m"]`,
		"unknown field":  `{"pager": true}`,
		"bad backoff":    `{"backoff": {"policy": "sometimes"}}`,
		"short interval": `{"interval": "100ms"}`,
	} {
		t.Run(name, func(t *testing.T) {
			err := cm.updateConfig(KeyMonitor, []byte(value))
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
	assert.Equal(t, Default().Monitor, cm.Config().Get().Monitor)
}

func TestManager_StopClosesSubscribers(t *testing.T) {
	cm, err := NewManager(validConfig(), newFakeKV(), nil)
	require.NoError(t, err)
	require.NoError(t, cm.Start(context.Background()))

	ch := cm.OnChange(KeyMonitor)
	require.NoError(t, cm.Stop(time.Second))

	_, ok := <-ch
	assert.False(t, ok)
	// A second stop is a no-op.
	assert.NoError(t, cm.Stop(time.Second))
}
