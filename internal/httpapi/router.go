package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mindmeld/collabd/internal/sqlstore"
)

// SyncHandler is implemented by internal/hub.Hub; kept as an
// interface here so httpapi does not import gorilla/websocket
// directly.
type SyncHandler interface {
	ServeHTTP(w http.ResponseWriter, r *http.Request, mapID string)
}

// Router builds the full HTTP surface (spec §6).
type Router struct {
	maps          *MapsHandler
	sync          SyncHandler
	engine        *sqlstore.Engine
	log           *zap.Logger
	origin        string
	featureMapsAPI bool
	featureSync    bool
}

// NewRouter wires the REST and websocket-upgrade surfaces. The
// featureMapsAPI/featureSync flags mirror the spec's FEATURE_MAPS_API
// and SERVER_SYNC environment knobs (spec §6): disabling either one
// makes its routes answer 404 instead of being registered, so a
// disabled feature never reaches a half-wired handler.
func NewRouter(maps *MapsHandler, sync SyncHandler, engine *sqlstore.Engine, log *zap.Logger, corsOrigin string, featureMapsAPI, featureSync bool) *Router {
	return &Router{maps: maps, sync: sync, engine: engine, log: log, origin: corsOrigin, featureMapsAPI: featureMapsAPI, featureSync: featureSync}
}

func (rt *Router) Setup() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", rt.health)
	mux.HandleFunc("/ready", rt.ready)

	if rt.featureMapsAPI {
		mux.HandleFunc("/maps", rt.maps.Collection)
		mux.HandleFunc("/maps/", func(w http.ResponseWriter, r *http.Request) {
			id := strings.TrimPrefix(r.URL.Path, "/maps/")
			if id == "" || strings.Contains(id, "/") {
				http.NotFound(w, r)
				return
			}
			rt.maps.Item(w, r, id)
		})
	}

	if rt.featureSync {
		mux.HandleFunc("/sync/", func(w http.ResponseWriter, r *http.Request) {
			mapID := strings.TrimPrefix(r.URL.Path, "/sync/")
			rt.sync.ServeHTTP(w, r, mapID)
		})
	}

	return Chain(mux, Recovery(rt.log), Logging(rt.log), CORS(rt.origin))
}

func (rt *Router) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, err := rt.engine.IntegrityCheck(ctx); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
