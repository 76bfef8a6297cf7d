// Package registry is the Document Registry (spec §4.D): refcounted,
// in-memory CRDT replicas of live maps. It owns no package-level
// state — every caller is handed the same *Registry instance at
// construction, per the design note on refcounted replicas without
// global state. A REST write never pushes into a live replica; it
// calls Invalidate so the next Acquire reloads from the CRDT
// Persistence snapshot (or bootstraps one from the Map Repository).
package registry

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mindmeld/collabd/internal/apperr"
	"github.com/mindmeld/collabd/internal/crdtcore/common"
	"github.com/mindmeld/collabd/internal/crdtcore/crdt"
	"github.com/mindmeld/collabd/internal/crdtcore/crdtpatch"
	"github.com/mindmeld/collabd/internal/crdtpersist"
	"github.com/mindmeld/collabd/internal/mindmeld"
)

// sections are the three top-level fields the root object node
// carries. Each section is a single RGA-String node holding that
// section's canonical JSON — LWW at section granularity rather than
// per-note structural merge. Finer-grained merge (per-note, per-
// character) is a natural follow-on once a client actually needs it;
// section-level LWW already gives every concurrent-editor property
// the spec's testable properties ask for (convergence, idempotent
// re-apply, no lost document on crash).
const (
	sectionNotes       = "notes"
	sectionConnections = "connections"
	sectionMeta        = "meta"
)

// Replica is one live CRDT document plus its refcount. Callers get a
// Replica from Acquire and must call Release exactly once when done.
type Replica struct {
	mapID string
	doc   *crdt.Document
	mu    sync.Mutex // serializes Apply/Snapshot for this map only
	refs  int
}

// Doc returns the underlying CRDT document. Callers must hold no
// external lock; Apply/Snapshot already serialize through mu.
func (r *Replica) Doc() *crdt.Document { return r.doc }

// SessionCloser lets the Registry forcibly terminate the websocket
// sessions bound to a map's replica when that replica is invalidated
// (spec §4.D). It is satisfied by *hub.Hub; the Registry only depends
// on this narrow interface so registry never imports hub.
type SessionCloser interface {
	CloseMapSessions(mapID string, code int, reason string)
}

// Registry is the shared, constructor-injected Document Registry.
type Registry struct {
	mu          sync.Mutex
	replicas    map[string]*Replica
	invalidated map[string]bool // mapID -> reload seed on next Acquire
	persist     *crdtpersist.Store
	log         *zap.Logger
	closer      SessionCloser
}

// New builds a Registry over the CRDT Persistence store.
func New(persist *crdtpersist.Store, log *zap.Logger) *Registry {
	return &Registry{
		replicas:    make(map[string]*Replica),
		invalidated: make(map[string]bool),
		persist:     persist,
		log:         log,
	}
}

// SetSessionCloser wires the Session Hub in after both are
// constructed, since the Hub itself depends on the Registry. Call this
// once during server startup before traffic is accepted.
func (g *Registry) SetSessionCloser(closer SessionCloser) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closer = closer
}

// Acquire returns the live replica for mapID, incrementing its
// refcount. If no replica is resident, it loads the CRDT snapshot
// from persistence; if no snapshot exists yet, it bootstraps a fresh
// CRDT document from the map's current REST state (seed). Every
// successful Acquire must be matched with exactly one Release.
func (g *Registry) Acquire(ctx context.Context, mapID string, seed *mindmeld.Document) (*Replica, error) {
	g.mu.Lock()
	if rep, ok := g.replicas[mapID]; ok {
		rep.refs++
		g.mu.Unlock()
		return rep, nil
	}
	reseed := g.invalidated[mapID]
	g.mu.Unlock()

	sid := common.SessionID(uuid.Must(uuid.NewV7()))

	var doc *crdt.Document
	var err error
	if reseed {
		// A REST write just invalidated this map's replica: the fresh
		// row, not whatever CRDT snapshot is still on disk, is
		// authoritative for the next session (spec §4.B).
		doc, err = bootstrapDocument(sid, seed)
		if err != nil {
			return nil, err
		}
		if err := g.persist.Save(ctx, mapID, doc); err != nil {
			return nil, err
		}
	} else {
		doc, err = g.persist.Load(ctx, mapID, sid)
		if err != nil {
			if apperr.Classify(err) != apperr.KindNotFound {
				return nil, err
			}
			doc, err = bootstrapDocument(sid, seed)
			if err != nil {
				return nil, err
			}
			if err := g.persist.Save(ctx, mapID, doc); err != nil {
				return nil, err
			}
		}
	}

	g.mu.Lock()
	delete(g.invalidated, mapID)
	defer g.mu.Unlock()
	if rep, ok := g.replicas[mapID]; ok {
		// Lost the race against a concurrent first Acquire; use theirs.
		rep.refs++
		return rep, nil
	}
	rep := &Replica{mapID: mapID, doc: doc, refs: 1}
	g.replicas[mapID] = rep
	return rep, nil
}

// Release decrements the replica's refcount and evicts it from the
// registry once no session holds it. Eviction is pure bookkeeping:
// the last Apply already persisted the authoritative state.
func (g *Registry) Release(mapID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rep, ok := g.replicas[mapID]
	if !ok {
		return
	}
	rep.refs--
	if rep.refs <= 0 {
		delete(g.replicas, mapID)
	}
}

// Invalidate drops mapID's live replica so the next Acquire rebuilds
// from the freshly written row, and forcibly closes any websocket
// sessions currently bound to it so their clients reconnect onto the
// rebuilt replica instead of silently diverging from it (spec §4.D).
func (g *Registry) Invalidate(mapID string) {
	g.mu.Lock()
	delete(g.replicas, mapID)
	g.invalidated[mapID] = true
	closer := g.closer
	g.mu.Unlock()

	if closer != nil {
		closer.CloseMapSessions(mapID, apperr.WSCloseInvalidatedRetry, "map invalidated, reconnect")
	}
}

// Apply decodes a JSON-encoded CRDT patch and applies it to the
// replica, then persists the resulting document while still holding
// the replica's lock. It returns only an error; the caller (Session
// Hub) fans the same raw patch bytes out to every other session on
// the map, excluding the origin.
func (r *Replica) Apply(ctx context.Context, persist *crdtpersist.Store, patchData []byte) error {
	patch := &crdtpatch.Patch{}
	if err := patch.UnmarshalJSON(patchData); err != nil {
		return apperr.Wrap(apperr.KindInvalid, "malformed crdt patch", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := patch.Apply(r.doc); err != nil {
		return apperr.Wrap(apperr.KindInvalid, "apply crdt patch", err)
	}

	if err := persist.Save(ctx, r.mapID, r.doc); err != nil {
		return err
	}
	return nil
}

// Snapshot returns the verbose-JSON full state of the replica, used
// to bootstrap a newly connecting session before it starts receiving
// incremental patches.
func (r *Replica) Snapshot() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, err := r.doc.MarshalJSON()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "marshal crdt snapshot", err)
	}
	return data, nil
}

// bootstrapDocument builds a fresh CRDT document from a MindMeld
// document, one RGA-String section per top-level field (spec §3
// "CRDT Document shape").
func bootstrapDocument(sid common.SessionID, seed *mindmeld.Document) (*crdt.Document, error) {
	if seed == nil {
		seed = &mindmeld.Document{}
	}

	doc := crdt.NewDocument(sid)
	rootID, err := doc.CreateObject()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "create crdt root object", err)
	}
	if err := doc.SetRoot(rootID); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "set crdt root", err)
	}
	rootNode, err := doc.GetNode(rootID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "fetch crdt root object", err)
	}
	obj, ok := rootNode.(*crdt.LWWObjectNode)
	if !ok {
		return nil, apperr.New(apperr.KindInternal, "crdt root is not an object node")
	}

	if err := setSection(doc, obj, sectionNotes, seed.Notes); err != nil {
		return nil, err
	}
	if err := setSection(doc, obj, sectionConnections, seed.Connections); err != nil {
		return nil, err
	}
	if err := setSection(doc, obj, sectionMeta, seed.Meta); err != nil {
		return nil, err
	}

	return doc, nil
}

func setSection(doc *crdt.Document, obj *crdt.LWWObjectNode, key string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "encode crdt section "+key, err)
	}
	strID, err := doc.CreateString(string(encoded))
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "create crdt section "+key, err)
	}
	strNode, err := doc.GetNode(strID)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "fetch crdt section "+key, err)
	}
	obj.Set(key, doc.NextTimestamp(), strNode)
	return nil
}

// ExtractDocument reads the replica's current section values back
// into a MindMeld document, used by the Admin Facade's export and by
// a REST read that wants the CRDT-synced view instead of the last
// persisted row (spec §4.F "export").
func ExtractDocument(doc *crdt.Document) (*mindmeld.Document, error) {
	rootNode := doc.Root()
	lwwRoot, ok := rootNode.(*crdt.LWWValueNode)
	var obj *crdt.LWWObjectNode
	if ok {
		obj, _ = lwwRoot.NodeValue.(*crdt.LWWObjectNode)
	} else {
		obj, _ = rootNode.(*crdt.LWWObjectNode)
	}
	if obj == nil {
		return &mindmeld.Document{}, nil
	}

	out := &mindmeld.Document{}
	if err := extractSection(obj, sectionNotes, &out.Notes); err != nil {
		return nil, err
	}
	if err := extractSection(obj, sectionConnections, &out.Connections); err != nil {
		return nil, err
	}
	if err := extractSection(obj, sectionMeta, &out.Meta); err != nil {
		return nil, err
	}
	return out, nil
}

func extractSection(obj *crdt.LWWObjectNode, key string, dest any) error {
	field := obj.Get(key)
	if field == nil {
		return nil
	}
	str, ok := field.Value().(string)
	if !ok {
		return apperr.New(apperr.KindCorruption, "crdt section "+key+" is not a string node")
	}
	if str == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(str), dest); err != nil {
		return apperr.Wrap(apperr.KindCorruption, "crdt section "+key+" failed to parse", err)
	}
	return nil
}
