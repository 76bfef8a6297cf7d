package crdtpersist

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindmeld/collabd/internal/apperr"
	"github.com/mindmeld/collabd/internal/crdtcore/common"
	"github.com/mindmeld/collabd/internal/crdtcore/crdt"
	"github.com/mindmeld/collabd/internal/obslog"
	"github.com/mindmeld/collabd/internal/sqlstore"
)

func testStore(t *testing.T) (*Store, common.SessionID) {
	t.Helper()
	dir := t.TempDir()
	engine, err := sqlstore.Open(context.Background(), filepath.Join(dir, "test.sqlite"), sqlstore.DefaultOptions(), obslog.Noop())
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	// yjs_snapshots.map_id references maps(id), so the map must exist.
	_, err = engine.DB().Exec(`INSERT INTO maps (id, name, version, updated_at, created_at, state_json, size_bytes) VALUES ('m1', 'test map', 1, '', '', '{}', 2)`)
	require.NoError(t, err)

	sid := common.SessionID(uuid.Must(uuid.NewV7()))
	return New(engine), sid
}

func TestLoadMissingReturnsNotFound(t *testing.T) {
	store, sid := testStore(t)
	_, err := store.Load(context.Background(), "m1", sid)
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.Classify(err))
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	store, sid := testStore(t)
	ctx := context.Background()

	doc := crdt.NewDocument(sid)
	require.NoError(t, store.Save(ctx, "m1", doc))

	exists, err := store.Exists(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, exists)

	loaded, err := store.Load(ctx, "m1", sid)
	require.NoError(t, err)
	require.NotNil(t, loaded.Root())
}

func TestSaveUpsertsOnSecondCall(t *testing.T) {
	store, sid := testStore(t)
	ctx := context.Background()

	doc := crdt.NewDocument(sid)
	require.NoError(t, store.Save(ctx, "m1", doc))
	require.NoError(t, store.Save(ctx, "m1", doc))

	var count int
	require.NoError(t, store.engine.DB().QueryRow("SELECT count(*) FROM yjs_snapshots WHERE map_id = ?", "m1").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestDeleteIsIdempotent(t *testing.T) {
	store, sid := testStore(t)
	ctx := context.Background()

	doc := crdt.NewDocument(sid)
	require.NoError(t, store.Save(ctx, "m1", doc))
	require.NoError(t, store.Delete(ctx, "m1"))
	require.NoError(t, store.Delete(ctx, "m1"))

	exists, err := store.Exists(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, exists)
}
