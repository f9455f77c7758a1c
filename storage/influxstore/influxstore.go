// Package influxstore writes records and door snapshots to InfluxDB as
// points so dashboards can chart door activity.
package influxstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/chazwilder/iqx-dockmonitor/dock"
	"github.com/chazwilder/iqx-dockmonitor/errors"
)

// DoorMeasurement holds one point per saved door snapshot.
const DoorMeasurement = "door_state"

// Config locates the bucket.
type Config struct {
	URL    string `json:"url" yaml:"url"`
	Token  string `json:"token" yaml:"token"`
	Org    string `json:"org" yaml:"org"`
	Bucket string `json:"bucket" yaml:"bucket"`
	// Site is added as a tag to every point when set.
	Site string `json:"site" yaml:"site"`
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.URL == "":
		return errors.WrapInvalid(errors.ErrMissingConfig, "influxstore", "Validate", "url is required")
	case c.Org == "":
		return errors.WrapInvalid(errors.ErrMissingConfig, "influxstore", "Validate", "org is required")
	case c.Bucket == "":
		return errors.WrapInvalid(errors.ErrMissingConfig, "influxstore", "Validate", "bucket is required")
	}
	return nil
}

// PointWriter is satisfied by api.WriteAPIBlocking.
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// Store writes points synchronously.
type Store struct {
	writer PointWriter
	site   string
	close  func()
	logger *slog.Logger
}

// Open creates a client for cfg and checks the server responds.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().SetHTTPRequestTimeout(10))

	ok, err := client.Ping(ctx)
	if err != nil || !ok {
		client.Close()
		if err == nil {
			err = errors.ErrStorageUnavailable
		}
		return nil, errors.WrapTransient(err, "influxstore", "Open", "ping server")
	}

	s := New(client.WriteAPIBlocking(cfg.Org, cfg.Bucket), cfg.Site, logger)
	s.close = client.Close
	return s, nil
}

// New wraps a point writer.
func New(w PointWriter, site string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		writer: w,
		site:   site,
		close:  func() {},
		logger: logger.With("component", "influxstore"),
	}
}

// Name implements storage.Named.
func (s *Store) Name() string { return "influx" }

func (s *Store) tags(doorID string) map[string]string {
	tags := map[string]string{"door_id": doorID}
	if s.site != "" {
		tags["site"] = s.site
	}
	return tags
}

// InsertRecord writes a point named after the record kind. Field values
// Influx cannot store are written as strings.
func (s *Store) InsertRecord(ctx context.Context, r dock.Record) error {
	fields := make(map[string]any, len(r.Fields)+1)
	for k, v := range r.Fields {
		fields[k] = fieldValue(v)
	}
	// A point needs at least one field.
	fields["record_id"] = r.ID

	p := influxdb2.NewPoint(r.Kind, s.tags(r.DoorID), fields, r.Timestamp)
	if err := s.writer.WritePoint(ctx, p); err != nil {
		return errors.WrapTransient(err, "influxstore", "InsertRecord", "write point")
	}
	return nil
}

// SaveDoor writes a door_state point tagged with the state.
func (s *Store) SaveDoor(ctx context.Context, d dock.DockDoor) error {
	tags := s.tags(d.ID)
	tags["state"] = d.State.String()

	at := d.LastEventAt
	if at.IsZero() {
		at = d.StateSince
	}
	fields := map[string]any{
		"door_open":             d.DoorOpen,
		"event_count":           d.EventCount,
		"consecutive_anomalies": int64(d.ConsecutiveAnomalies),
		"time_in_state_seconds": d.TimeInState(at).Seconds(),
	}
	if d.ShipmentID != "" {
		fields["shipment_id"] = d.ShipmentID
	}
	if d.LgvID != "" {
		fields["lgv_id"] = d.LgvID
	}

	p := influxdb2.NewPoint(DoorMeasurement, tags, fields, at)
	if err := s.writer.WritePoint(ctx, p); err != nil {
		return errors.WrapTransient(err, "influxstore", "SaveDoor", "write point")
	}
	return nil
}

// Close releases the client.
func (s *Store) Close() error {
	s.close()
	return nil
}

func fieldValue(v any) any {
	switch x := v.(type) {
	case bool, string, float64, float32, int, int32, int64, uint, uint32, uint64:
		return x
	case time.Duration:
		return x.Seconds()
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return x.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(x)
	}
}
