package hub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindmeld/collabd/internal/apperr"
	"github.com/mindmeld/collabd/internal/crdtpersist"
	"github.com/mindmeld/collabd/internal/mindmeld"
	"github.com/mindmeld/collabd/internal/obslog"
	"github.com/mindmeld/collabd/internal/registry"
	"github.com/mindmeld/collabd/internal/sqlstore"
)

type fakeSource struct{ doc *mindmeld.Document }

func (f *fakeSource) SeedDocument(context.Context, string) (*mindmeld.Document, error) {
	if f.doc == nil {
		return &mindmeld.Document{}, nil
	}
	return f.doc, nil
}

type missingSource struct{}

func (missingSource) SeedDocument(context.Context, string) (*mindmeld.Document, error) {
	return nil, apperr.New(apperr.KindNotFound, "no such map")
}

func testHub(t *testing.T, source MapSource) (*Hub, *httptest.Server) {
	t.Helper()
	dir := t.TempDir()
	engine, err := sqlstore.Open(context.Background(), filepath.Join(dir, "test.sqlite"), sqlstore.DefaultOptions(), obslog.Noop())
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	// yjs_snapshots.map_id references maps(id), so the map must exist.
	_, err = engine.DB().Exec(`INSERT INTO maps (id, name, version, updated_at, created_at, state_json, size_bytes) VALUES ('m1', 'test map', 1, '', '', '{}', 2)`)
	require.NoError(t, err)

	store := crdtpersist.New(engine)
	reg := registry.New(store, obslog.Noop())
	h := New(reg, store, source, obslog.Noop(), "*")
	reg.SetSessionCloser(h)

	mux := http.NewServeMux()
	mux.HandleFunc("/sync/", func(w http.ResponseWriter, r *http.Request) {
		mapID := strings.TrimPrefix(r.URL.Path, "/sync/")
		h.ServeHTTP(w, r, mapID)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return h, srv
}

func dial(t *testing.T, srv *httptest.Server, mapID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/sync/" + mapID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func TestServeHTTPSendsInitialSnapshot(t *testing.T) {
	_, srv := testHub(t, &fakeSource{})
	conn := dial(t, srv, "m1")
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, msgType)
	assert.NotEmpty(t, data)
}

func TestServeHTTPRejectsUnknownMap(t *testing.T) {
	_, srv := testHub(t, missingSource{})
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/sync/missing"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, readErr := conn.ReadMessage()
		require.Error(t, readErr)
		closeErr, ok := readErr.(*websocket.CloseError)
		require.True(t, ok)
		assert.Equal(t, apperr.WSClosePolicyViolation, closeErr.Code)
		conn.Close()
	}
}

func TestBroadcastExcludesOrigin(t *testing.T) {
	_, srv := testHub(t, &fakeSource{})

	a := dial(t, srv, "m1")
	defer a.Close()
	b := dial(t, srv, "m1")
	defer b.Close()

	a.SetReadDeadline(time.Now().Add(2 * time.Second))
	b.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := a.ReadMessage() // initial snapshot
	require.NoError(t, err)
	_, _, err = b.ReadMessage() // initial snapshot
	require.NoError(t, err)

	patch := samplePatchJSON(t)
	require.NoError(t, a.WriteMessage(websocket.BinaryMessage, patch))

	b.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, got, err := b.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, patch, got)

	// a must not receive its own patch back.
	a.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, _, err = a.ReadMessage()
	require.Error(t, err)
}

func TestRegistryInvalidateClosesLiveSession(t *testing.T) {
	dir := t.TempDir()
	engine, err := sqlstore.Open(context.Background(), filepath.Join(dir, "test.sqlite"), sqlstore.DefaultOptions(), obslog.Noop())
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	_, err = engine.DB().Exec(`INSERT INTO maps (id, name, version, updated_at, created_at, state_json, size_bytes) VALUES ('m1', 'test map', 1, '', '', '{}', 2)`)
	require.NoError(t, err)

	store := crdtpersist.New(engine)
	reg := registry.New(store, obslog.Noop())
	h := New(reg, store, &fakeSource{}, obslog.Noop(), "*")
	reg.SetSessionCloser(h)

	mux := http.NewServeMux()
	mux.HandleFunc("/sync/", func(w http.ResponseWriter, r *http.Request) {
		mapID := strings.TrimPrefix(r.URL.Path, "/sync/")
		h.ServeHTTP(w, r, mapID)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	conn := dial(t, srv, "m1")
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage() // initial snapshot
	require.NoError(t, err)

	reg.Invalidate("m1")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok)
	assert.Equal(t, apperr.WSCloseInvalidatedRetry, closeErr.Code)
}

// samplePatchJSON returns a well-formed, empty crdt patch: no
// operations, just a valid envelope, enough to exercise the apply
// path without needing a populated document.
func samplePatchJSON(t *testing.T) []byte {
	t.Helper()
	return []byte(`{"id":{"sid":"00000000-0000-0000-0000-000000000000","cnt":1},"ops":[]}`)
}
