package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration is one schema step. Up runs inside the migration's
// transaction.
type Migration struct {
	Version int
	Name    string
	Up      func(ctx context.Context, tx *sql.Tx, d dialect) error
}

var migrations = []Migration{
	{Version: 1, Name: "create_dock_records", Up: migrationV1},
	{Version: 2, Name: "create_door_states", Up: migrationV2},
	{Version: 3, Name: "index_records_by_kind", Up: migrationV3},
}

func migrationV1(ctx context.Context, tx *sql.Tx, d dialect) error {
	_, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS dock_records (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			door_id TEXT NOT NULL,
			recorded_at `+d.timestampType()+` NOT NULL,
			fields TEXT NOT NULL
		)`)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_dock_records_door ON dock_records(door_id, recorded_at)`)
	return err
}

func migrationV2(ctx context.Context, tx *sql.Tx, d dialect) error {
	_, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS door_states (
			door_id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			state_since `+d.timestampType()+` NOT NULL,
			snapshot TEXT NOT NULL,
			updated_at `+d.timestampType()+` NOT NULL
		)`)
	return err
}

func migrationV3(ctx context.Context, tx *sql.Tx, _ dialect) error {
	_, err := tx.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_dock_records_kind ON dock_records(kind, recorded_at)`)
	return err
}

// migrate applies every migration newer than the recorded schema
// version, each in its own transaction.
func migrate(ctx context.Context, db *sql.DB, d dialect) (int, error) {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at `+d.timestampType()+` NOT NULL
		)`)
	if err != nil {
		return 0, fmt.Errorf("create schema_version table: %w", err)
	}

	var current int
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}

	applied := 0
	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return applied, fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		if err := m.Up(ctx, tx, d); err != nil {
			_ = tx.Rollback()
			return applied, fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
		}
		if _, err := tx.ExecContext(ctx, d.rebind("INSERT INTO schema_version (version, applied_at) VALUES (?, ?)"),
			m.Version, nowUTC()); err != nil {
			_ = tx.Rollback()
			return applied, fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return applied, fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
		applied++
	}
	return applied, nil
}
