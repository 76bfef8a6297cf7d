// Package crdtpersist is the CRDT Persistence component (spec §4.C):
// it loads and saves whole-document CRDT snapshots against the
// yjs_snapshots table on the shared Storage Engine handle. The save/
// load/delete shape is grounded on luvjson/crdtstorage's SQLAdapter
// (save-with-upsert-in-a-transaction, load-by-id, delete-by-id), but
// retargeted at the engine's shared SQLite handle and table instead
// of owning a private connection and creating its own table.
package crdtpersist

import (
	"context"
	"database/sql"
	"time"

	"github.com/mindmeld/collabd/internal/apperr"
	"github.com/mindmeld/collabd/internal/crdtcore/common"
	"github.com/mindmeld/collabd/internal/crdtcore/crdt"
	"github.com/mindmeld/collabd/internal/sqlstore"
)

// Store persists and restores CRDT document snapshots.
type Store struct {
	engine *sqlstore.Engine
}

// New builds a Store over an already-open Storage Engine.
func New(engine *sqlstore.Engine) *Store {
	return &Store{engine: engine}
}

// Save serializes doc's full verbose-JSON state and upserts it as the
// snapshot row for mapID. Last writer wins: callers hold the
// Document Registry's per-map mutex for the duration of the
// mutation-then-save sequence, so two concurrent Saves for the same
// map never race here.
func (s *Store) Save(ctx context.Context, mapID string, doc *crdt.Document) error {
	data, err := doc.MarshalJSON()
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "marshal crdt document", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	return s.engine.WithTxn(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO yjs_snapshots (map_id, snapshot, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(map_id) DO UPDATE SET snapshot = excluded.snapshot, updated_at = excluded.updated_at`,
			mapID, data, now)
		if err != nil {
			return apperr.Wrap(apperr.KindStorageUnavailable, "save crdt snapshot", err)
		}
		return nil
	})
}

// Load restores a CRDT document from its saved snapshot. It returns
// apperr.KindNotFound if no snapshot exists for mapID, letting the
// Document Registry distinguish "never synced" from "storage error".
func (s *Store) Load(ctx context.Context, mapID string, sessionID common.SessionID) (*crdt.Document, error) {
	var data []byte
	err := s.engine.DB().QueryRowContext(ctx,
		`SELECT snapshot FROM yjs_snapshots WHERE map_id = ?`, mapID).Scan(&data)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.New(apperr.KindNotFound, "no crdt snapshot for map: "+mapID)
		}
		return nil, apperr.Wrap(apperr.KindStorageUnavailable, "load crdt snapshot", err)
	}

	doc := crdt.NewDocument(sessionID)
	if err := doc.UnmarshalJSON(data); err != nil {
		return nil, apperr.Wrap(apperr.KindCorruption, "crdt snapshot failed to parse", err)
	}
	return doc, nil
}

// Exists reports whether a snapshot row exists for mapID without
// paying to deserialize it.
func (s *Store) Exists(ctx context.Context, mapID string) (bool, error) {
	var exists int
	err := s.engine.DB().QueryRowContext(ctx,
		`SELECT 1 FROM yjs_snapshots WHERE map_id = ?`, mapID).Scan(&exists)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, apperr.Wrap(apperr.KindStorageUnavailable, "check crdt snapshot existence", err)
	}
	return true, nil
}

// Delete removes the snapshot row for mapID, if any. It is not an
// error for the row to already be absent (idempotent cleanup on map
// deletion, spec §3 "Lifecycle").
func (s *Store) Delete(ctx context.Context, mapID string) error {
	return s.engine.WithTxn(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM yjs_snapshots WHERE map_id = ?`, mapID)
		if err != nil {
			return apperr.Wrap(apperr.KindStorageUnavailable, "delete crdt snapshot", err)
		}
		return nil
	})
}
