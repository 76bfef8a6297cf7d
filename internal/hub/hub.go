// Package hub is the Session Hub (spec §4.E): one bidirectional
// binary websocket channel per connected client, multiplexed over the
// Document Registry's live CRDT replica for a map. Upgrade, per-
// client read loop, and origin-tagged broadcast are grounded on
// eventsync.WebSocketClient/WebSocketHandler's shape (register on
// connect, receive loop with a handleMessage dispatch, write under a
// mutex, unregister on close), generalized from its JSON text frames
// and Mongo document IDs to this spec's binary CRDT-patch frames and
// string map IDs.
package hub

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mindmeld/collabd/internal/apperr"
	"github.com/mindmeld/collabd/internal/crdtpersist"
	"github.com/mindmeld/collabd/internal/mindmeld"
	"github.com/mindmeld/collabd/internal/registry"
)

const (
	// OutboundQueueSize bounds how many unsent frames a slow client may
	// accumulate before the hub closes its connection (spec §4.E
	// "backpressure").
	OutboundQueueSize = 64

	pingInterval = 30 * time.Second
	// A client is considered dead after missing two consecutive pongs.
	pongWait = 2 * pingInterval
)

// MapSource resolves a map's current REST state, used only to
// bootstrap a brand-new CRDT replica that has never been synced
// before (spec §4.D).
type MapSource interface {
	SeedDocument(ctx context.Context, mapID string) (*mindmeld.Document, error)
}

// Hub upgrades HTTP connections to websockets and brokers CRDT patch
// frames between every session open on the same map.
type Hub struct {
	registry *registry.Registry
	persist  *crdtpersist.Store
	source   MapSource
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]map[*Session]struct{} // mapID -> set of sessions
}

// New builds a Hub wired to the Document Registry, the CRDT
// Persistence store, and a MapSource for cold-start bootstrap.
func New(reg *registry.Registry, persist *crdtpersist.Store, source MapSource, log *zap.Logger, allowedOrigin string) *Hub {
	return &Hub{
		registry: reg,
		persist:  persist,
		source:   source,
		log:      log,
		sessions: make(map[string]map[*Session]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOriginFunc(allowedOrigin),
		},
	}
}

func checkOriginFunc(allowed string) func(*http.Request) bool {
	if allowed == "" || allowed == "*" {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool { return r.Header.Get("Origin") == allowed }
}

// Session is one connected client's channel state. It carries no
// explicit state field: it is registered once the initial snapshot
// has been taken, sends that snapshot first, and is closed at most
// once through closeOnce.
type Session struct {
	id       string
	mapID    string
	conn     *websocket.Conn
	hub      *Hub
	outbound chan []byte
	log      *zap.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// ServeHTTP upgrades the request to a websocket and runs the session
// until it closes. mapID is extracted by the caller from the URL
// pattern /sync/{mapId} (spec §6).
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request, mapID string) {
	if mapID == "" {
		http.Error(w, "mapId is required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	sessionID := uuid.NewString()
	sess := &Session{
		id:       sessionID,
		mapID:    mapID,
		conn:     conn,
		hub:      h,
		outbound: make(chan []byte, OutboundQueueSize),
		log:      h.log.With(zap.String("session_id", sessionID), zap.String("map_id", mapID)),
		done:     make(chan struct{}),
	}

	ctx := r.Context()
	seed, err := h.source.SeedDocument(ctx, mapID)
	if err != nil {
		sess.closeWithCode(apperr.WSClosePolicyViolation, "map not found")
		return
	}

	rep, err := h.registry.Acquire(ctx, mapID, seed)
	if err != nil {
		sess.closeWithCode(apperr.WSCloseInternalError, "registry acquire failed")
		return
	}
	defer h.registry.Release(mapID)

	snapshot, err := rep.Snapshot()
	if err != nil {
		sess.closeWithCode(apperr.WSCloseInternalError, "snapshot failed")
		return
	}

	h.register(sess)
	defer h.unregister(sess)

	go sess.writeLoop()
	sess.send(snapshot)

	sess.readLoop(ctx, rep)
}

func (h *Hub) register(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.sessions[s.mapID]
	if !ok {
		set = make(map[*Session]struct{})
		h.sessions[s.mapID] = set
	}
	set[s] = struct{}{}
}

func (h *Hub) unregister(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.sessions[s.mapID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.sessions, s.mapID)
		}
	}
	s.close()
}

// broadcast fans a patch out to every other session on mapID. The
// origin session never receives its own patch back (spec §4.E
// "origin-tagged fan-out").
func (h *Hub) broadcast(mapID string, patchData []byte, origin *Session) {
	h.mu.Lock()
	recipients := make([]*Session, 0, len(h.sessions[mapID]))
	for s := range h.sessions[mapID] {
		if s != origin {
			recipients = append(recipients, s)
		}
	}
	h.mu.Unlock()

	for _, s := range recipients {
		s.send(patchData)
	}
}

// send enqueues data for delivery, closing the session with a policy
// violation if its outbound queue is full (spec §4.E "backpressure").
func (s *Session) send(data []byte) {
	select {
	case s.outbound <- data:
	default:
		s.log.Warn("outbound queue full, disconnecting slow session")
		s.closeWithCode(apperr.WSClosePolicyViolation, "slow consumer")
	}
}

func (s *Session) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case data, ok := <-s.outbound:
			if !ok {
				return
			}
			if err := s.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				s.close()
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				s.close()
				return
			}
		}
	}
}

func (s *Session) readLoop(ctx context.Context, rep *registry.Replica) {
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			s.closeWithCode(apperr.WSClosePolicyViolation, "text frames not supported")
			return
		}

		if err := rep.Apply(ctx, s.hub.persist, data); err != nil {
			s.log.Warn("failed to apply incoming crdt patch", zap.Error(err))
			continue
		}
		s.hub.broadcast(s.mapID, data, s)
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

func (s *Session) closeWithCode(code int, reason string) {
	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	s.close()
}

// CloseMapSessions forcibly closes every session currently bound to
// mapID with the given close code and reason. It implements
// registry.SessionCloser so the Document Registry can terminate
// dependent sessions the moment it invalidates a replica (spec §4.D).
func (h *Hub) CloseMapSessions(mapID string, code int, reason string) {
	h.mu.Lock()
	set := h.sessions[mapID]
	sessions := make([]*Session, 0, len(set))
	for s := range set {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.closeWithCode(code, reason)
	}
}

// Shutdown closes every live session with WSCloseServiceRestart,
// giving clients the hint to reconnect (spec §6 close codes).
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, set := range h.sessions {
		for s := range set {
			s.closeWithCode(apperr.WSCloseServiceRestart, "server shutting down")
		}
	}
}
