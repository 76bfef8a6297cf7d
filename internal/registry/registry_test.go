package registry

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindmeld/collabd/internal/crdtpersist"
	"github.com/mindmeld/collabd/internal/mindmeld"
	"github.com/mindmeld/collabd/internal/obslog"
	"github.com/mindmeld/collabd/internal/sqlstore"
)

func testRegistry(t *testing.T) (*Registry, *crdtpersist.Store) {
	t.Helper()
	dir := t.TempDir()
	engine, err := sqlstore.Open(context.Background(), filepath.Join(dir, "test.sqlite"), sqlstore.DefaultOptions(), obslog.Noop())
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	// yjs_snapshots.map_id references maps(id), so the map must exist.
	_, err = engine.DB().Exec(`INSERT INTO maps (id, name, version, updated_at, created_at, state_json, size_bytes) VALUES ('m1', 'test map', 1, '', '', '{}', 2)`)
	require.NoError(t, err)

	store := crdtpersist.New(engine)
	return New(store, obslog.Noop()), store
}

func TestAcquireBootstrapsFromSeedAndRoundTripsThroughExtract(t *testing.T) {
	reg, _ := testRegistry(t)
	ctx := context.Background()

	seed := &mindmeld.Document{
		Notes: []mindmeld.Note{{ID: "n1", Content: "hello"}},
	}
	rep, err := reg.Acquire(ctx, "m1", seed)
	require.NoError(t, err)
	defer reg.Release("m1")

	extracted, err := ExtractDocument(rep.Doc())
	require.NoError(t, err)
	require.Len(t, extracted.Notes, 1)
	assert.Equal(t, "n1", extracted.Notes[0].ID)
	assert.Equal(t, "hello", extracted.Notes[0].Content)
}

func TestAcquireSharesReplicaAcrossConcurrentHolders(t *testing.T) {
	reg, _ := testRegistry(t)
	ctx := context.Background()

	rep1, err := reg.Acquire(ctx, "m1", &mindmeld.Document{})
	require.NoError(t, err)
	rep2, err := reg.Acquire(ctx, "m1", &mindmeld.Document{})
	require.NoError(t, err)

	assert.Same(t, rep1, rep2)

	reg.Release("m1")
	reg.Release("m1")

	assert.Empty(t, reg.replicas)
}

func TestInvalidateDropsReplicaForNextAcquire(t *testing.T) {
	reg, _ := testRegistry(t)
	ctx := context.Background()

	rep1, err := reg.Acquire(ctx, "m1", &mindmeld.Document{})
	require.NoError(t, err)
	reg.Invalidate("m1")
	reg.Release("m1")

	rep2, err := reg.Acquire(ctx, "m1", &mindmeld.Document{})
	require.NoError(t, err)
	assert.NotSame(t, rep1, rep2)
}

type recordingCloser struct {
	mapID string
	code  int
}

func (c *recordingCloser) CloseMapSessions(mapID string, code int, reason string) {
	c.mapID = mapID
	c.code = code
}

func TestInvalidateNotifiesSessionCloser(t *testing.T) {
	reg, _ := testRegistry(t)
	ctx := context.Background()
	closer := &recordingCloser{}
	reg.SetSessionCloser(closer)

	_, err := reg.Acquire(ctx, "m1", &mindmeld.Document{})
	require.NoError(t, err)
	reg.Invalidate("m1")

	assert.Equal(t, "m1", closer.mapID)
	assert.Equal(t, 4001, closer.code)
}

func TestAcquireAfterInvalidateReloadsFromFreshSeedNotStaleSnapshot(t *testing.T) {
	reg, _ := testRegistry(t)
	ctx := context.Background()

	rep1, err := reg.Acquire(ctx, "m1", &mindmeld.Document{Notes: []mindmeld.Note{{ID: "n1", Content: "old"}}})
	require.NoError(t, err)
	reg.Release("m1")

	reg.Invalidate("m1")

	rep2, err := reg.Acquire(ctx, "m1", &mindmeld.Document{Notes: []mindmeld.Note{{ID: "n1", Content: "fresh"}}})
	require.NoError(t, err)
	defer reg.Release("m1")
	assert.NotSame(t, rep1, rep2)

	extracted, err := ExtractDocument(rep2.Doc())
	require.NoError(t, err)
	require.Len(t, extracted.Notes, 1)
	assert.Equal(t, "fresh", extracted.Notes[0].Content)
}

func TestSnapshotReturnsValidJSON(t *testing.T) {
	reg, _ := testRegistry(t)
	ctx := context.Background()

	rep, err := reg.Acquire(ctx, "m1", &mindmeld.Document{})
	require.NoError(t, err)
	defer reg.Release("m1")

	data, err := rep.Snapshot()
	require.NoError(t, err)
	assert.NotEmpty(t, data)
}
