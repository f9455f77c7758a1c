package rules

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/chazwilder/iqx-dockmonitor/errors"
	"github.com/chazwilder/iqx-dockmonitor/natsclient"
)

// Store holds the rule document.
type Store interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, doc []RuleConfig) error
	String() string
}

// Watcher is implemented by stores that can signal document changes.
type Watcher interface {
	// Watch calls onChange for every change until ctx is done.
	Watch(ctx context.Context, onChange func()) error
}

// FileStore reads and writes a rule document on disk. Files ending in
// .yaml or .yml are written as YAML, everything else as JSON.
type FileStore struct {
	Path string
}

func (s FileStore) String() string { return "file:" + s.Path }

// Load implements Store.
func (s FileStore) Load(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrConfigNotFound, s.Path),
				"FileStore", "Load", "read rule file")
		}
		return nil, errors.Wrap(err, "FileStore", "Load", "read rule file")
	}
	return data, nil
}

// Save implements Store. The file is replaced atomically.
func (s FileStore) Save(_ context.Context, doc []RuleConfig) error {
	ext := strings.ToLower(filepath.Ext(s.Path))
	data, err := EncodeDocument(doc, ext == ".yaml" || ext == ".yml")
	if err != nil {
		return errors.WrapInvalid(err, "FileStore", "Save", "encode rule document")
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.Path), ".rules-*")
	if err != nil {
		return errors.Wrap(err, "FileStore", "Save", "create temp file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "FileStore", "Save", "write temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "FileStore", "Save", "close temp file")
	}
	if err := os.Rename(tmp.Name(), s.Path); err != nil {
		return errors.Wrap(err, "FileStore", "Save", "replace rule file")
	}
	return nil
}

// KV is the subset of natsclient.KVStore the rule store needs.
type KV interface {
	Get(ctx context.Context, key string) (*natsclient.KVEntry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Watch(ctx context.Context, pattern string) (jetstream.KeyWatcher, error)
}

// KVStore keeps the rule document under one key of a NATS KV bucket.
type KVStore struct {
	KV  KV
	Key string
}

func (s KVStore) String() string { return "kv:" + s.Key }

// Load implements Store.
func (s KVStore) Load(ctx context.Context) ([]byte, error) {
	entry, err := s.KV.Get(ctx, s.Key)
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: kv key %s", errors.ErrConfigNotFound, s.Key),
				"KVStore", "Load", "get rule document")
		}
		return nil, errors.WrapTransient(err, "KVStore", "Load", "get rule document")
	}
	return entry.Value, nil
}

// Save implements Store.
func (s KVStore) Save(ctx context.Context, doc []RuleConfig) error {
	data, err := EncodeDocument(doc, false)
	if err != nil {
		return errors.WrapInvalid(err, "KVStore", "Save", "encode rule document")
	}
	if _, err := s.KV.Put(ctx, s.Key, data); err != nil {
		return errors.WrapTransient(err, "KVStore", "Save", "put rule document")
	}
	return nil
}

// Watch implements Watcher. The watcher's initial replay is skipped.
func (s KVStore) Watch(ctx context.Context, onChange func()) error {
	w, err := s.KV.Watch(ctx, s.Key)
	if err != nil {
		return errors.WrapTransient(err, "KVStore", "Watch", "watch rule key")
	}
	defer w.Stop()

	initial := true
	for {
		select {
		case <-ctx.Done():
			return nil
		case entry, ok := <-w.Updates():
			if !ok {
				return nil
			}
			if entry == nil {
				initial = false
				continue
			}
			if initial || entry.Operation() != jetstream.KeyValuePut {
				continue
			}
			onChange()
		}
	}
}
