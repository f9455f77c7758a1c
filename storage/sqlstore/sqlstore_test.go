package sqlstore

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazwilder/iqx-dockmonitor/dock"
	"github.com/chazwilder/iqx-dockmonitor/errors"
)

var t0 = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func openMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{Driver: DriverSQLite, DSN: ":memory:"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestConfigValidate(t *testing.T) {
	assert.True(t, errors.IsInvalid(Config{Driver: "mysql", DSN: "x"}.Validate()))
	assert.True(t, errors.IsInvalid(Config{Driver: DriverPostgres}.Validate()))
	assert.NoError(t, Config{Driver: DriverPostgres, DSN: "postgres://localhost/dock"}.Validate())
}

func TestRebind(t *testing.T) {
	q := "INSERT INTO t (a, b) VALUES (?, ?)"
	assert.Equal(t, q, dialect(DriverSQLite).rebind(q))
	assert.Equal(t, "INSERT INTO t (a, b) VALUES ($1, $2)", dialect(DriverPostgres).rebind(q))
}

func TestMigrationsAreIdempotent(t *testing.T) {
	s := openMemory(t)

	applied, err := migrate(context.Background(), s.db, s.dialect)
	require.NoError(t, err)
	assert.Zero(t, applied)

	var version int
	require.NoError(t, s.db.QueryRow("SELECT MAX(version) FROM schema_version").Scan(&version))
	assert.Equal(t, migrations[len(migrations)-1].Version, version)
}

func TestInsertRecordIgnoresDuplicates(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()

	r := dock.NewRecord("shipment_loaded", "D2", t0, map[string]any{"shipment_id": "SHP-42", "dwell_seconds": 1500})
	require.NoError(t, s.InsertRecord(ctx, r))
	require.NoError(t, s.InsertRecord(ctx, r))
	require.NoError(t, s.InsertRecord(ctx, dock.NewRecord(dock.RecordAlertHistory, "D2", t0.Add(time.Minute), nil)))

	got, err := s.Records(ctx, "D2", "shipment_loaded", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, r.ID, got[0].ID)
	assert.True(t, t0.Equal(got[0].Timestamp))
	assert.Equal(t, "SHP-42", got[0].Fields["shipment_id"])
	assert.Equal(t, float64(1500), got[0].Fields["dwell_seconds"])

	all, err := s.Records(ctx, "D2", "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSaveAndLoadDoors(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()

	d1 := dock.NewDockDoor("D1", t0)
	d1.Apply(dock.StateDoorOpenNoActivity, dock.Update{DoorOpen: dock.Ptr(true)}, t0.Add(time.Minute))
	d2 := dock.NewDockDoor("D2", t0)

	require.NoError(t, s.SaveDoor(ctx, d2))
	require.NoError(t, s.SaveDoor(ctx, d1))
	d1.EventCount = 7
	require.NoError(t, s.SaveDoor(ctx, d1))

	doors, err := s.LoadDoors(ctx)
	require.NoError(t, err)
	require.Len(t, doors, 2)
	assert.Equal(t, "D1", doors[0].ID)
	assert.Equal(t, dock.StateDoorOpenNoActivity, doors[0].State)
	assert.True(t, doors[0].DoorOpen)
	assert.Equal(t, int64(7), doors[0].EventCount)
	assert.Equal(t, "D2", doors[1].ID)
}

func TestLoadDoorsSkipsCorruptRows(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()

	require.NoError(t, s.SaveDoor(ctx, dock.NewDockDoor("D1", t0)))
	_, err := s.db.Exec(`INSERT INTO door_states (door_id, state, state_since, snapshot, updated_at) VALUES (?, ?, ?, ?, ?)`,
		"D9", "idle", t0, "{not json", t0)
	require.NoError(t, err)

	doors, err := s.LoadDoors(ctx)
	require.NoError(t, err)
	require.Len(t, doors, 1)
	assert.Equal(t, "D1", doors[0].ID)
}

func TestNewWithExistingDB(t *testing.T) {
	db, err := sql.Open(DriverSQLite, ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)

	s, err := New(context.Background(), db, DriverSQLite, nil)
	require.NoError(t, err)
	defer s.Close()
	assert.Same(t, db, s.DB())
	assert.Equal(t, "sql", s.Name())
}
