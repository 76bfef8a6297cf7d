package sqlstore

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mindmeld/collabd/internal/obslog"
)

func openTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	e, err := Open(context.Background(), filepath.Join(dir, "test.sqlite"), DefaultOptions(), obslog.Noop())
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestOpenCreatesSchema(t *testing.T) {
	e := openTestEngine(t)
	var count int
	err := e.DB().QueryRow("SELECT count(*) FROM sqlite_master WHERE type='table' AND name IN ('maps','yjs_snapshots','migrations')").Scan(&count)
	require.NoError(t, err)
	require.Equal(t, 3, count)
}

func TestIntegrityCheckOK(t *testing.T) {
	e := openTestEngine(t)
	result, err := e.IntegrityCheck(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ok", result)
}

func TestWithTxnCommitsOnSuccess(t *testing.T) {
	e := openTestEngine(t)
	err := e.WithTxn(context.Background(), func(tx *sql.Tx) error {
		_, err := tx.Exec("INSERT INTO maps (id, name, version, updated_at, created_at, state_json, size_bytes) VALUES (?,?,?,?,?,?,?)",
			"m1", "Test", 1, "2026-01-01T00:00:00Z", "2026-01-01T00:00:00Z", "{}", 2)
		return err
	})
	require.NoError(t, err)

	var name string
	require.NoError(t, e.DB().QueryRow("SELECT name FROM maps WHERE id=?", "m1").Scan(&name))
	require.Equal(t, "Test", name)
}

func TestWithTxnRollsBackOnError(t *testing.T) {
	e := openTestEngine(t)
	err := e.WithTxn(context.Background(), func(tx *sql.Tx) error {
		if _, err := tx.Exec("INSERT INTO maps (id, name, version, updated_at, created_at, state_json, size_bytes) VALUES (?,?,?,?,?,?,?)",
			"m2", "Test", 1, "2026-01-01T00:00:00Z", "2026-01-01T00:00:00Z", "{}", 2); err != nil {
			return err
		}
		return sql.ErrNoRows
	})
	require.Error(t, err)

	var count int
	require.NoError(t, e.DB().QueryRow("SELECT count(*) FROM maps WHERE id=?", "m2").Scan(&count))
	require.Equal(t, 0, count)
}

func TestOnlineBackupRoundTrip(t *testing.T) {
	e := openTestEngine(t)
	require.NoError(t, e.WithTxn(context.Background(), func(tx *sql.Tx) error {
		_, err := tx.Exec("INSERT INTO maps (id, name, version, updated_at, created_at, state_json, size_bytes) VALUES (?,?,?,?,?,?,?)",
			"m3", "Test", 1, "2026-01-01T00:00:00Z", "2026-01-01T00:00:00Z", "{}", 2)
		return err
	}))

	dest := filepath.Join(t.TempDir(), "backup.sqlite")
	require.NoError(t, e.OnlineBackup(context.Background(), dest))

	backup, err := Open(context.Background(), dest, DefaultOptions(), obslog.Noop())
	require.NoError(t, err)
	defer backup.Close()

	var name string
	require.NoError(t, backup.DB().QueryRow("SELECT name FROM maps WHERE id=?", "m3").Scan(&name))
	require.Equal(t, "Test", name)
}
