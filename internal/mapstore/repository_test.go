package mapstore

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindmeld/collabd/internal/apperr"
	"github.com/mindmeld/collabd/internal/mindmeld"
	"github.com/mindmeld/collabd/internal/obslog"
	"github.com/mindmeld/collabd/internal/sqlstore"
)

func testRepo(t *testing.T) *Repository {
	t.Helper()
	dir := t.TempDir()
	engine, err := sqlstore.Open(context.Background(), filepath.Join(dir, "test.sqlite"), sqlstore.DefaultOptions(), obslog.Noop())
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })
	return New(engine, nil, obslog.Noop(), DefaultOptions())
}

func emptyDoc() *mindmeld.Document {
	return &mindmeld.Document{}
}

func TestCreateAndGet(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	created, err := repo.Create(ctx, "My Map", emptyDoc())
	require.NoError(t, err)
	assert.Equal(t, int64(1), created.Version)
	assert.Equal(t, ETag(created.ID, 1), created.ETag)

	got, err := repo.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "My Map", got.Name)
	assert.Equal(t, int64(1), got.Version)
}

func TestCreateRejectsEmptyName(t *testing.T) {
	repo := testRepo(t)
	_, err := repo.Create(context.Background(), "", emptyDoc())
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalid, apperr.Classify(err))
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	repo := testRepo(t)
	_, err := repo.Get(context.Background(), "nope")
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.Classify(err))
}

func TestUpdateBumpsVersionAndChangesETag(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	created, err := repo.Create(ctx, "Map", emptyDoc())
	require.NoError(t, err)

	newName := "Renamed"
	updated, err := repo.Update(ctx, created.ID, created.Version, &newName, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
	assert.Equal(t, "Renamed", updated.Name)
	assert.NotEqual(t, created.ETag, updated.ETag)
}

func TestUpdateStaleVersionConflicts(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	created, err := repo.Create(ctx, "Map", emptyDoc())
	require.NoError(t, err)

	newName := "First writer"
	_, err = repo.Update(ctx, created.ID, created.Version, &newName, nil)
	require.NoError(t, err)

	staleName := "Second writer"
	_, err = repo.Update(ctx, created.ID, created.Version, &staleName, nil)
	require.Error(t, err)
	assert.Equal(t, apperr.KindConflict, apperr.Classify(err))
}

func TestUpdateReturnsDiffOfChangedState(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	created, err := repo.Create(ctx, "Map", emptyDoc())
	require.NoError(t, err)

	newData := &mindmeld.Document{Notes: []mindmeld.Note{{ID: "n1", Content: "hello"}}}
	updated, err := repo.Update(ctx, created.ID, created.Version, nil, newData)
	require.NoError(t, err)
	require.NotNil(t, updated.Diff)
	assert.NotEmpty(t, updated.Diff.MergePatch)
	assert.Contains(t, string(updated.Diff.MergePatch), "hello")
}

func TestUpdateWithNoDataChangeProducesEmptyDiff(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	created, err := repo.Create(ctx, "Map", emptyDoc())
	require.NoError(t, err)

	newName := "Renamed"
	updated, err := repo.Update(ctx, created.ID, created.Version, &newName, nil)
	require.NoError(t, err)
	require.NotNil(t, updated.Diff)
	assert.Empty(t, updated.Diff.JSONPatch)
}

func TestUpdateMissingReturnsNotFound(t *testing.T) {
	repo := testRepo(t)
	name := "x"
	_, err := repo.Update(context.Background(), "nope", 1, &name, nil)
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.Classify(err))
}

func TestDeleteRemovesRowAndIsIdempotentlyNotFound(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	created, err := repo.Create(ctx, "Map", emptyDoc())
	require.NoError(t, err)

	require.NoError(t, repo.Delete(ctx, created.ID))

	_, err = repo.Get(ctx, created.ID)
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.Classify(err))

	err = repo.Delete(ctx, created.ID)
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.Classify(err))
}

func TestListPaginatesAndFiltersByName(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	repo.opts.PageSize = 2

	for i := 0; i < 5; i++ {
		name := fmt.Sprintf("Map %d", i)
		if i%2 == 0 {
			name = fmt.Sprintf("Alpha %d", i)
		}
		_, err := repo.Create(ctx, name, emptyDoc())
		require.NoError(t, err)
	}

	page, err := repo.List(ctx, "", "")
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
	assert.NotEmpty(t, page.NextCursor)

	var all []Summary
	cursor := ""
	for {
		p, err := repo.List(ctx, cursor, "")
		require.NoError(t, err)
		all = append(all, p.Items...)
		if p.NextCursor == "" {
			break
		}
		cursor = p.NextCursor
	}
	assert.Len(t, all, 5)

	var filtered []Summary
	cursor = ""
	for {
		p, err := repo.List(ctx, cursor, "Alpha")
		require.NoError(t, err)
		filtered = append(filtered, p.Items...)
		if p.NextCursor == "" {
			break
		}
		cursor = p.NextCursor
	}
	assert.Len(t, filtered, 3)
}

func TestListRejectsInvalidCursor(t *testing.T) {
	repo := testRepo(t)
	_, err := repo.List(context.Background(), "not-valid-base64!!", "")
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalid, apperr.Classify(err))
}

type countingInvalidator struct{ calls []string }

func (c *countingInvalidator) Invalidate(mapID string) { c.calls = append(c.calls, mapID) }

func TestUpdateAndDeleteInvalidateRegistry(t *testing.T) {
	dir := t.TempDir()
	engine, err := sqlstore.Open(context.Background(), filepath.Join(dir, "test.sqlite"), sqlstore.DefaultOptions(), obslog.Noop())
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	inval := &countingInvalidator{}
	repo := New(engine, inval, obslog.Noop(), DefaultOptions())
	ctx := context.Background()

	created, err := repo.Create(ctx, "Map", emptyDoc())
	require.NoError(t, err)
	assert.Empty(t, inval.calls, "create must not invalidate a replica that never existed")

	name := "Renamed"
	_, err = repo.Update(ctx, created.ID, created.Version, &name, nil)
	require.NoError(t, err)
	require.NoError(t, repo.Delete(ctx, created.ID))

	assert.Equal(t, []string{created.ID, created.ID}, inval.calls)
}
