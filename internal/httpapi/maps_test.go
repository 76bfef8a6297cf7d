package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindmeld/collabd/internal/mapstore"
	"github.com/mindmeld/collabd/internal/obslog"
	"github.com/mindmeld/collabd/internal/sqlstore"
)

func testHandler(t *testing.T) (*MapsHandler, *sqlstore.Engine) {
	t.Helper()
	dir := t.TempDir()
	engine, err := sqlstore.Open(context.Background(), filepath.Join(dir, "test.sqlite"), sqlstore.DefaultOptions(), obslog.Noop())
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	repo := mapstore.New(engine, nil, obslog.Noop(), mapstore.DefaultOptions())
	return NewMapsHandler(repo, obslog.Noop()), engine
}

func TestCreateThenGetRoundTrips(t *testing.T) {
	h, _ := testHandler(t)

	body := bytes.NewBufferString(`{"name":"Trip Plan","data":{"n":[],"c":[],"meta":{"version":"1","created":"x","modified":"x"}}}`)
	req := httptest.NewRequest(http.MethodPost, "/maps", body)
	rec := httptest.NewRecorder()
	h.Collection(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created mapResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	etag := rec.Header().Get("ETag")
	assert.NotEmpty(t, etag)

	getReq := httptest.NewRequest(http.MethodGet, "/maps/"+created.ID, nil)
	getRec := httptest.NewRecorder()
	h.Item(getRec, getReq, created.ID)
	require.Equal(t, http.StatusOK, getRec.Code)
	assert.Equal(t, etag, getRec.Header().Get("ETag"))
}

func TestUpdateWithoutIfMatchIsRejected(t *testing.T) {
	h, _ := testHandler(t)

	createRec := createMap(t, h, "Map")
	var created mapResponse
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &created))

	req := httptest.NewRequest(http.MethodPut, "/maps/"+created.ID, bytes.NewBufferString(`{"name":"New"}`))
	rec := httptest.NewRecorder()
	h.Item(rec, req, created.ID)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateWithStaleIfMatchConflicts(t *testing.T) {
	h, _ := testHandler(t)

	createRec := createMap(t, h, "Map")
	var created mapResponse
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &created))
	staleETag := createRec.Header().Get("ETag")

	// First update succeeds and changes the ETag.
	req1 := httptest.NewRequest(http.MethodPut, "/maps/"+created.ID, bytes.NewBufferString(`{"name":"First"}`))
	req1.Header.Set("If-Match", staleETag)
	rec1 := httptest.NewRecorder()
	h.Item(rec1, req1, created.ID)
	require.Equal(t, http.StatusOK, rec1.Code)

	// Second update with the now-stale ETag conflicts.
	req2 := httptest.NewRequest(http.MethodPut, "/maps/"+created.ID, bytes.NewBufferString(`{"name":"Second"}`))
	req2.Header.Set("If-Match", staleETag)
	rec2 := httptest.NewRecorder()
	h.Item(rec2, req2, created.ID)
	assert.Equal(t, http.StatusConflict, rec2.Code)
}

func TestDeleteThenGetIsNotFound(t *testing.T) {
	h, _ := testHandler(t)
	createRec := createMap(t, h, "Map")
	var created mapResponse
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &created))

	delReq := httptest.NewRequest(http.MethodDelete, "/maps/"+created.ID, nil)
	delRec := httptest.NewRecorder()
	h.Item(delRec, delReq, created.ID)
	require.Equal(t, http.StatusNoContent, delRec.Code)

	getReq := httptest.NewRequest(http.MethodGet, "/maps/"+created.ID, nil)
	getRec := httptest.NewRecorder()
	h.Item(getRec, getReq, created.ID)
	assert.Equal(t, http.StatusNotFound, getRec.Code)
}

func createMap(t *testing.T, h *MapsHandler, name string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/maps", bytes.NewBufferString(`{"name":"`+name+`"}`))
	rec := httptest.NewRecorder()
	h.Collection(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)
	return rec
}
