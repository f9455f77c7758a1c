package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/chazwilder/iqx-dockmonitor/dock"
	"github.com/chazwilder/iqx-dockmonitor/errors"
)

// Drivers accepted in Config.Driver.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// Config selects the database.
type Config struct {
	Driver       string        `json:"driver" yaml:"driver"`
	DSN          string        `json:"dsn" yaml:"dsn"`
	MaxOpenConns int           `json:"max_open_conns" yaml:"max_open_conns"`
	ConnMaxIdle  time.Duration `json:"conn_max_idle" yaml:"conn_max_idle"`
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch c.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return errors.WrapInvalid(fmt.Errorf("%w: driver %q", errors.ErrInvalidConfig, c.Driver),
			"sqlstore", "Validate", "check driver")
	}
	if c.DSN == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "sqlstore", "Validate", "dsn is required")
	}
	return nil
}

type dialect string

func (d dialect) timestampType() string {
	if d == DriverPostgres {
		return "TIMESTAMPTZ"
	}
	return "TIMESTAMP"
}

// rebind turns ? placeholders into $n for postgres.
func (d dialect) rebind(query string) string {
	if d != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func nowUTC() time.Time { return time.Now().UTC() }

// Store writes records to dock_records and door snapshots to
// door_states.
type Store struct {
	db      *sql.DB
	dialect dialect
	logger  *slog.Logger

	insertRecord string
	upsertDoor   string
}

// Open connects, pings and migrates.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	db, err := OpenDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return New(ctx, db, cfg.Driver, logger)
}

// OpenDB opens and pings the database without migrating it.
func OpenDB(ctx context.Context, cfg Config) (*sql.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, errors.WrapInvalid(err, "sqlstore", "OpenDB", "open database")
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxIdle > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdle)
	}
	if cfg.Driver == DriverSQLite {
		// SQLite allows a single writer.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.WrapTransient(err, "sqlstore", "OpenDB", "ping database")
	}
	return db, nil
}

// Rebind rewrites ? placeholders for the driver's dialect.
func Rebind(driver, query string) string {
	return dialect(driver).rebind(query)
}

// New uses an open database. The driver name picks the SQL dialect.
func New(ctx context.Context, db *sql.DB, driver string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := dialect(driver)
	s := &Store{
		db:      db,
		dialect: d,
		logger:  logger.With("component", "sqlstore", "driver", driver),
		insertRecord: d.rebind(`INSERT INTO dock_records (id, kind, door_id, recorded_at, fields)
			VALUES (?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`),
		upsertDoor: d.rebind(`INSERT INTO door_states (door_id, state, state_since, snapshot, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (door_id) DO UPDATE SET
				state = excluded.state,
				state_since = excluded.state_since,
				snapshot = excluded.snapshot,
				updated_at = excluded.updated_at`),
	}

	applied, err := migrate(ctx, db, d)
	if err != nil {
		_ = db.Close()
		return nil, errors.WrapFatal(err, "sqlstore", "New", "migrate schema")
	}
	if applied > 0 {
		s.logger.Info("schema migrated", "applied", applied, "version", migrations[len(migrations)-1].Version)
	}
	return s, nil
}

// Name implements storage.Named.
func (s *Store) Name() string { return "sql" }

// DB exposes the connection for polling sources sharing the database.
func (s *Store) DB() *sql.DB { return s.db }

// InsertRecord implements storage.Store. A record ID already present is
// ignored.
func (s *Store) InsertRecord(ctx context.Context, r dock.Record) error {
	fields, err := json.Marshal(r.Fields)
	if err != nil {
		return errors.WrapInvalid(err, "sqlstore", "InsertRecord", "encode fields")
	}
	if _, err := s.db.ExecContext(ctx, s.insertRecord, r.ID, r.Kind, r.DoorID, r.Timestamp.UTC(), string(fields)); err != nil {
		return errors.WrapTransient(err, "sqlstore", "InsertRecord", "insert record")
	}
	return nil
}

// SaveDoor implements storage.Store.
func (s *Store) SaveDoor(ctx context.Context, d dock.DockDoor) error {
	snapshot, err := json.Marshal(d)
	if err != nil {
		return errors.WrapInvalid(err, "sqlstore", "SaveDoor", "encode door")
	}
	if _, err := s.db.ExecContext(ctx, s.upsertDoor,
		d.ID, d.State.String(), d.StateSince.UTC(), string(snapshot), nowUTC()); err != nil {
		return errors.WrapTransient(err, "sqlstore", "SaveDoor", "upsert door")
	}
	return nil
}

// LoadDoors implements storage.DoorLoader. Rows that no longer decode
// are logged and skipped.
func (s *Store) LoadDoors(ctx context.Context) ([]dock.DockDoor, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT door_id, snapshot FROM door_states ORDER BY door_id")
	if err != nil {
		return nil, errors.WrapTransient(err, "sqlstore", "LoadDoors", "query doors")
	}
	defer rows.Close()

	var doors []dock.DockDoor
	for rows.Next() {
		var id, snapshot string
		if err := rows.Scan(&id, &snapshot); err != nil {
			return nil, errors.WrapTransient(err, "sqlstore", "LoadDoors", "scan door")
		}
		var d dock.DockDoor
		if err := json.Unmarshal([]byte(snapshot), &d); err != nil {
			s.logger.Warn("skipping undecodable door snapshot", "door_id", id, "error", err)
			continue
		}
		doors = append(doors, d)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "sqlstore", "LoadDoors", "iterate doors")
	}
	return doors, nil
}

// Records returns records for a door ordered by time, newest last.
// Kind may be empty to match all kinds.
func (s *Store) Records(ctx context.Context, doorID, kind string, limit int) ([]dock.Record, error) {
	query := "SELECT id, kind, door_id, recorded_at, fields FROM dock_records WHERE door_id = ?"
	args := []any{doorID}
	if kind != "" {
		query += " AND kind = ?"
		args = append(args, kind)
	}
	query += " ORDER BY recorded_at, id"
	if limit > 0 {
		query += " LIMIT " + strconv.Itoa(limit)
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, errors.WrapTransient(err, "sqlstore", "Records", "query records")
	}
	defer rows.Close()

	var out []dock.Record
	for rows.Next() {
		var r dock.Record
		var fields string
		if err := rows.Scan(&r.ID, &r.Kind, &r.DoorID, &r.Timestamp, &fields); err != nil {
			return nil, errors.WrapTransient(err, "sqlstore", "Records", "scan record")
		}
		if err := json.Unmarshal([]byte(fields), &r.Fields); err != nil {
			return nil, errors.WrapInvalid(err, "sqlstore", "Records", "decode fields")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
