package source

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	"github.com/chazwilder/iqx-dockmonitor/errors"
	"github.com/chazwilder/iqx-dockmonitor/storage/sqlstore"
)

// DefaultEventsTable is polled when SQLPollConfig.Table is empty.
const DefaultEventsTable = "door_events"

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// SQLPollConfig configures polling of an events table with columns
// id (increasing integer) and payload (JSON event).
type SQLPollConfig struct {
	Driver    string        `json:"driver" yaml:"driver"`
	DSN       string        `json:"dsn" yaml:"dsn"`
	Table     string        `json:"table" yaml:"table"`
	Interval  time.Duration `json:"interval" yaml:"interval"`
	BatchSize int           `json:"batch_size" yaml:"batch_size"`
	// StartAfter skips rows with id <= StartAfter.
	StartAfter int64 `json:"start_after" yaml:"start_after"`
}

// Validate checks the table name and database settings.
func (c SQLPollConfig) Validate() error {
	if c.Table != "" && !tableName.MatchString(c.Table) {
		return errors.WrapInvalid(fmt.Errorf("%w: table %q", errors.ErrInvalidConfig, c.Table),
			"SQLPollConfig", "Validate", "check table")
	}
	return sqlstore.Config{Driver: c.Driver, DSN: c.DSN}.Validate()
}

// SQLPoll reads new rows from an events table on a fixed interval,
// tracking the highest id seen.
type SQLPoll struct {
	decoder
	db       *sql.DB
	driver   string
	table    string
	interval time.Duration
	batch    int
	cursor   int64
}

// OpenSQLPoll connects to the database in cfg.
func OpenSQLPoll(ctx context.Context, cfg SQLPollConfig, opts ...Option) (*SQLPoll, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	db, err := sqlstore.OpenDB(ctx, sqlstore.Config{Driver: cfg.Driver, DSN: cfg.DSN})
	if err != nil {
		return nil, err
	}
	return NewSQLPoll(db, cfg, opts...), nil
}

// NewSQLPoll polls an open database. The caller owns db.
func NewSQLPoll(db *sql.DB, cfg SQLPollConfig, opts ...Option) *SQLPoll {
	if cfg.Table == "" {
		cfg.Table = DefaultEventsTable
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	return &SQLPoll{
		decoder:  newDecoder("sql", opts),
		db:       db,
		driver:   cfg.Driver,
		table:    cfg.Table,
		interval: cfg.Interval,
		batch:    cfg.BatchSize,
		cursor:   cfg.StartAfter,
	}
}

// Close closes the database. Only pollers from OpenSQLPoll own theirs.
func (p *SQLPoll) Close() error { return p.db.Close() }

// Cursor returns the id of the last row handled.
func (p *SQLPoll) Cursor() int64 { return p.cursor }

// EnsureTable creates the events table if it does not exist.
func (p *SQLPoll) EnsureTable(ctx context.Context) error {
	idType := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if p.driver == sqlstore.DriverPostgres {
		idType = "BIGSERIAL PRIMARY KEY"
	}
	q := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (id %s, payload TEXT NOT NULL)", p.table, idType)
	if _, err := p.db.ExecContext(ctx, q); err != nil {
		return errors.WrapFatal(err, "SQLPoll", "EnsureTable", "create "+p.table)
	}
	return nil
}

// Poll handles one batch of new rows and returns how many were read.
func (p *SQLPoll) Poll(ctx context.Context, emit EmitFunc) (int, error) {
	q := sqlstore.Rebind(p.driver,
		fmt.Sprintf("SELECT id, payload FROM %s WHERE id > ? ORDER BY id LIMIT ?", p.table))
	rows, err := p.db.QueryContext(ctx, q, p.cursor, p.batch)
	if err != nil {
		return 0, errors.WrapTransient(err, "SQLPoll", "Poll", "query "+p.table)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var id int64
		var payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return n, errors.WrapTransient(err, "SQLPoll", "Poll", "scan row")
		}
		n++
		err := p.handle(ctx, []byte(payload), emit)
		if err != nil && !errors.IsInvalid(err) {
			// Leave the cursor on the previous row so this one is retried.
			return n, err
		}
		p.cursor = id
	}
	if err := rows.Err(); err != nil {
		return n, errors.WrapTransient(err, "SQLPoll", "Poll", "iterate rows")
	}
	return n, nil
}

// Run implements Source. A full batch is followed immediately by
// another poll.
func (p *SQLPoll) Run(ctx context.Context, emit EmitFunc) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		n, err := p.Poll(ctx, emit)
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			p.logger.Error("poll failed", "cursor", p.cursor, "error", err)
			timer.Reset(p.interval)
		case n == p.batch:
			timer.Reset(0)
		default:
			timer.Reset(p.interval)
		}
	}
}
