package main

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"

	"github.com/chazwilder/iqx-dockmonitor/alert"
	"github.com/chazwilder/iqx-dockmonitor/alert/notify"
	"github.com/chazwilder/iqx-dockmonitor/analysis"
	"github.com/chazwilder/iqx-dockmonitor/config"
	"github.com/chazwilder/iqx-dockmonitor/errors"
	"github.com/chazwilder/iqx-dockmonitor/health"
	"github.com/chazwilder/iqx-dockmonitor/metric"
	"github.com/chazwilder/iqx-dockmonitor/natsclient"
	"github.com/chazwilder/iqx-dockmonitor/rules"
	"github.com/chazwilder/iqx-dockmonitor/source"
	"github.com/chazwilder/iqx-dockmonitor/storage"
	"github.com/chazwilder/iqx-dockmonitor/storage/influxstore"
	"github.com/chazwilder/iqx-dockmonitor/storage/kvstore"
	"github.com/chazwilder/iqx-dockmonitor/storage/sqlstore"
)

type closer interface {
	Close() error
}

// closerList closes resources in reverse order of registration.
type closerList struct {
	names []string
	items []closer
}

func (l *closerList) Add(name string, c closer) {
	if c == nil {
		return
	}
	l.names = append(l.names, name)
	l.items = append(l.items, c)
}

func (l *closerList) Close() error {
	var errs []error
	for i := len(l.items) - 1; i >= 0; i-- {
		if err := l.items[i].Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", l.names[i], err))
		}
	}
	l.names, l.items = nil, nil
	return stderrors.Join(errs...)
}

// joinURLs builds the comma separated server list nats.Connect accepts.
func joinURLs(urls []string) string {
	return strings.Join(urls, ",")
}

func requireNATS(nc *natsclient.Client, what string) error {
	if nc == nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %s needs a NATS connection", errors.ErrMissingConfig, what),
			"dockwatch", "wire", "check nats")
	}
	return nil
}

func buildRuleStore(ctx context.Context, cfg config.RulesConfig, nc *natsclient.Client) (rules.Store, error) {
	if cfg.KVKey == "" {
		return rules.FileStore{Path: cfg.File}, nil
	}
	if err := requireNATS(nc, "rules.kv_key"); err != nil {
		return nil, err
	}
	bucket, err := nc.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.KVBucket,
		Description: "dock rule documents",
		History:     10,
	})
	if err != nil {
		return nil, fmt.Errorf("open rule bucket: %w", err)
	}
	return rules.KVStore{KV: nc.NewKVStore(bucket), Key: cfg.KVKey}, nil
}

// buildStore opens every configured backend. On failure the backends
// already opened are closed.
func buildStore(ctx context.Context, cfg *config.Config, nc *natsclient.Client, logger *slog.Logger) (storage.Multi, error) {
	var stores storage.Multi
	fail := func(err error) (storage.Multi, error) {
		return nil, stderrors.Join(err, stores.Close())
	}

	for _, backend := range cfg.Storage.Backends {
		var (
			s   storage.Store
			err error
		)
		switch backend {
		case config.StorageMemory:
			s = storage.NewMemory()
		case config.StorageSQL:
			s, err = sqlstore.Open(ctx, cfg.Storage.SQL, logger)
		case config.StorageInflux:
			influx := cfg.Storage.Influx
			if influx.Site == "" {
				influx.Site = cfg.Service.Site
			}
			s, err = influxstore.Open(ctx, influx, logger)
		case config.StorageKV:
			if err = requireNATS(nc, "storage kv backend"); err == nil {
				s, err = kvstore.Open(ctx, nc, cfg.Storage.KV.Bucket, cfg.Storage.KV.History, logger)
			}
		default:
			err = fmt.Errorf("%w: unknown storage backend %q", errors.ErrInvalidConfig, backend)
		}
		if err != nil {
			return fail(fmt.Errorf("open %s storage: %w", backend, err))
		}
		stores = append(stores, s)
	}
	logger.Info("storage ready", "backends", cfg.Storage.Backends)
	return stores, nil
}

// buildSuppressor returns the suppressor and the resource to close with it.
func buildSuppressor(ctx context.Context, cfg config.AlertsConfig) (alert.Suppressor, closer, error) {
	switch cfg.Suppressor {
	case config.SuppressorRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, errors.WrapTransient(err, "dockwatch", "buildSuppressor", "ping redis")
		}
		return alert.NewRedisSuppressor(client, cfg.Redis.Prefix), client, nil
	default:
		s, err := alert.NewMemorySuppressor(ctx, cfg.DefaultWindow, time.Minute)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	}
}

// buildNotifiers returns the configured notifiers and the websocket feed
// when one is configured.
func buildNotifiers(cfg config.AlertsConfig, nc *natsclient.Client, registry *metric.MetricsRegistry,
	logger *slog.Logger) ([]alert.Notifier, *notify.Feed, error) {
	var (
		out  []alert.Notifier
		feed *notify.Feed
	)
	for _, name := range cfg.Notifiers {
		switch name {
		case config.NotifierLog:
			out = append(out, notify.NewLog(logger))
		case config.NotifierWebhook:
			w, err := notify.NewWebhook(cfg.Webhook)
			if err != nil {
				return nil, nil, err
			}
			out = append(out, w)
		case config.NotifierNATS:
			if err := requireNATS(nc, "nats notifier"); err != nil {
				return nil, nil, err
			}
			out = append(out, notify.NewNATS(nc, cfg.NATSPrefix))
		case config.NotifierKafka:
			out = append(out, notify.NewKafka(notify.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic)))
		case config.NotifierFeed:
			feed = notify.NewFeed(logger, notify.WithBacklog(cfg.FeedBacklog), notify.WithFeedMetrics(registry))
			out = append(out, feed)
		default:
			return nil, nil, fmt.Errorf("%w: unknown notifier %q", errors.ErrInvalidConfig, name)
		}
	}
	return out, feed, nil
}

// buildSources creates every configured source. Pollers that own a
// database connection are registered with closers.
func buildSources(ctx context.Context, cfg *config.Config, nc *natsclient.Client, logger *slog.Logger,
	registry *metric.MetricsRegistry, closers *closerList) (source.Source, error) {
	opts := []source.Option{source.WithLogger(logger), source.WithMetrics(registry)}

	var srcs source.Multi
	for _, kind := range cfg.Source.Kinds {
		switch kind {
		case config.SourceReplay:
			srcs = append(srcs, source.NewReplay(cfg.Source.Replay, opts...))
		case config.SourceNATS:
			if err := requireNATS(nc, "nats source"); err != nil {
				return nil, err
			}
			srcs = append(srcs, source.NewNATS(nc, cfg.Source.NATS, opts...))
		case config.SourceKafka:
			k, err := source.NewKafka(cfg.Source.Kafka, opts...)
			if err != nil {
				return nil, err
			}
			srcs = append(srcs, k)
		case config.SourceMQTT:
			srcs = append(srcs, source.NewMQTT(cfg.Source.MQTT, opts...))
		case config.SourceSQL:
			p, err := source.OpenSQLPoll(ctx, cfg.Source.SQL, opts...)
			if err != nil {
				return nil, err
			}
			closers.Add("sql source", p)
			if err := p.EnsureTable(ctx); err != nil {
				return nil, err
			}
			srcs = append(srcs, p)
		case config.SourceUDP:
			srcs = append(srcs, source.NewUDP(cfg.Source.UDP, opts...))
		default:
			return nil, fmt.Errorf("%w: unknown source kind %q", errors.ErrInvalidConfig, kind)
		}
	}
	if len(srcs) == 1 {
		return srcs[0], nil
	}
	return srcs, nil
}

// mountOps adds the health, door, rule and alert feed routes.
func mountOps(ops *metric.Server, system string, healthMon *health.Monitor, doors *analysis.Registry,
	ruleMgr *rules.Manager, feed *notify.Feed) {
	r := ops.Router()
	health.NewHandler(healthMon, system).Mount(r)
	r.HandleFunc("/doors", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, doors.Snapshot())
	}).Methods(http.MethodGet)
	r.HandleFunc("/doors/{id}", func(w http.ResponseWriter, req *http.Request) {
		door, ok := doors.Get(mux.Vars(req)["id"])
		if !ok {
			http.NotFound(w, req)
			return
		}
		writeJSON(w, door)
	}).Methods(http.MethodGet)
	r.HandleFunc("/rules", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, ruleMgr.Configs())
	}).Methods(http.MethodGet)
	if feed != nil {
		r.Handle("/alerts/ws", feed.Handler())
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("writing ops response", "error", err)
	}
}
