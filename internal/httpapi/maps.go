package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/mindmeld/collabd/internal/apperr"
	"github.com/mindmeld/collabd/internal/mapstore"
	"github.com/mindmeld/collabd/internal/mindmeld"
)

// MapsHandler serves the /maps and /maps/{id} REST surface (spec
// §4.B, §6). It is intentionally thin: validation and optimistic
// concurrency both live in mapstore.Repository, so this handler only
// translates HTTP semantics (If-Match, ETag, status codes) at the
// boundary.
type MapsHandler struct {
	repo *mapstore.Repository
	log  *zap.Logger
}

func NewMapsHandler(repo *mapstore.Repository, log *zap.Logger) *MapsHandler {
	return &MapsHandler{repo: repo, log: log}
}

type mapResponse struct {
	ID        string             `json:"id"`
	Name      string             `json:"name"`
	Version   int64              `json:"version"`
	UpdatedAt string             `json:"updatedAt"`
	CreatedAt string             `json:"createdAt,omitempty"`
	Data      *mindmeld.Document `json:"data"`
	Diff      *mapstore.Diff     `json:"diff,omitempty"`
}

func toMapResponse(m *mapstore.Map) mapResponse {
	resp := mapResponse{
		ID:        m.ID,
		Name:      m.Name,
		Version:   m.Version,
		UpdatedAt: m.UpdatedAt.Format("2006-01-02T15:04:05.999999999Z07:00"),
		Data:      m.Data,
		Diff:      m.Diff,
	}
	if !m.CreatedAt.IsZero() {
		resp.CreatedAt = m.CreatedAt.Format("2006-01-02T15:04:05.999999999Z07:00")
	}
	return resp
}

type summaryResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Version   int64  `json:"version"`
	UpdatedAt string `json:"updatedAt"`
	SizeBytes int64  `json:"sizeBytes"`
}

type listResponse struct {
	Items      []summaryResponse `json:"items"`
	NextCursor string             `json:"nextCursor,omitempty"`
}

// Collection handles GET /maps (list) and POST /maps (create).
func (h *MapsHandler) Collection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.list(w, r)
	case http.MethodPost:
		h.create(w, r)
	default:
		writeError(w, apperr.New(apperr.KindInvalid, "method not allowed"))
	}
}

func (h *MapsHandler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := h.repo.List(r.Context(), q.Get("cursor"), q.Get("name"))
	if err != nil {
		writeError(w, err)
		return
	}

	items := make([]summaryResponse, len(page.Items))
	for i, s := range page.Items {
		items[i] = summaryResponse{
			ID:        s.ID,
			Name:      s.Name,
			Version:   s.Version,
			UpdatedAt: s.UpdatedAt.Format("2006-01-02T15:04:05.999999999Z07:00"),
			SizeBytes: s.SizeBytes,
		}
	}
	writeJSON(w, http.StatusOK, listResponse{Items: items, NextCursor: page.NextCursor})
}

func (h *MapsHandler) create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string             `json:"name"`
		Data *mindmeld.Document `json:"data"`
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 8<<20))
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindInvalid, "read request body", err))
		return
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, apperr.Wrap(apperr.KindInvalid, "malformed request body", err))
		return
	}
	if req.Data == nil {
		req.Data = &mindmeld.Document{}
	}

	m, err := h.repo.Create(r.Context(), req.Name, req.Data)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("ETag", m.ETag)
	w.Header().Set("Location", "/maps/"+m.ID)
	writeJSON(w, http.StatusCreated, toMapResponse(m))
}

// Item handles GET/PUT/DELETE on /maps/{id}.
func (h *MapsHandler) Item(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		h.get(w, r, id)
	case http.MethodPut:
		h.update(w, r, id)
	case http.MethodDelete:
		h.delete(w, r, id)
	default:
		writeError(w, apperr.New(apperr.KindInvalid, "method not allowed"))
	}
}

func (h *MapsHandler) get(w http.ResponseWriter, r *http.Request, id string) {
	m, err := h.repo.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if inm := r.Header.Get("If-None-Match"); inm != "" && inm == m.ETag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("ETag", m.ETag)
	writeJSON(w, http.StatusOK, toMapResponse(m))
}

func (h *MapsHandler) update(w http.ResponseWriter, r *http.Request, id string) {
	ifMatch := strings.TrimSpace(r.Header.Get("If-Match"))

	var req struct {
		Name    *string            `json:"name"`
		Data    *mindmeld.Document `json:"data"`
		Version *int64             `json:"version"`
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 8<<20))
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindInvalid, "read request body", err))
		return
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, apperr.Wrap(apperr.KindInvalid, "malformed request body", err))
		return
	}
	if ifMatch == "" && req.Version == nil {
		writeError(w, apperr.New(apperr.KindInvalid, "either If-Match header or body version is required"))
		return
	}

	current, err := h.repo.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	// If-Match takes precedence when both are supplied; the body
	// version is accepted as an alternative, not a second check (spec
	// §6).
	if ifMatch != "" {
		if current.ETag != ifMatch {
			writeError(w, apperr.New(apperr.KindConflict, "If-Match does not match current ETag"))
			return
		}
	} else if *req.Version != current.Version {
		writeError(w, apperr.New(apperr.KindConflict, "version does not match current version").WithDetails(map[string]any{
			"currentVersion": *req.Version,
			"storedVersion":  current.Version,
		}))
		return
	}

	m, err := h.repo.Update(r.Context(), id, current.Version, req.Name, req.Data)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("ETag", m.ETag)
	writeJSON(w, http.StatusOK, toMapResponse(m))
}

func (h *MapsHandler) delete(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.repo.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SeedDocument implements hub.MapSource: it hands the Session Hub the
// map's current REST state so a first-ever connection can bootstrap a
// CRDT replica from it (spec §4.D).
func (h *MapsHandler) SeedDocument(ctx context.Context, mapID string) (*mindmeld.Document, error) {
	m, err := h.repo.Get(ctx, mapID)
	if err != nil {
		return nil, err
	}
	return m.Data, nil
}
