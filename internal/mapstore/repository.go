// Package mapstore is the Map Repository (spec §4.B): CRUD over the
// maps table with optimistic concurrency and strong ETags. Its write
// path (parse → validate → retry-on-busy → bump version) is grounded
// on nodestorage.Storage's Edit method and error types, adapted from
// Mongo's document versioning to a row in the Storage Engine's SQLite
// table.
package mapstore

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mindmeld/collabd/internal/apperr"
	"github.com/mindmeld/collabd/internal/mindmeld"
	"github.com/mindmeld/collabd/internal/sqlstore"
)

// Invalidator is notified after every successful write so the
// Document Registry can drop any live CRDT replica for the map,
// preventing a silent split between the REST snapshot and CRDT state
// (spec §4.B "Side effects").
type Invalidator interface {
	Invalidate(mapID string)
}

// noopInvalidator is used when no registry is wired in (e.g. the
// admin facade operating offline on the database file directly).
type noopInvalidator struct{}

func (noopInvalidator) Invalidate(string) {}

// Map is the full record returned by Get/Create/Update.
type Map struct {
	ID        string
	Name      string
	Version   int64
	UpdatedAt time.Time
	CreatedAt time.Time
	Data      *mindmeld.Document
	ETag      string
	// Diff is only populated by Update, describing the change just
	// applied (spec §4.B).
	Diff *Diff
}

// Summary is the row shape returned by List.
type Summary struct {
	ID        string
	Name      string
	Version   int64
	UpdatedAt time.Time
	SizeBytes int64
}

// Page is one page of List results plus the cursor for the next page.
type Page struct {
	Items      []Summary
	NextCursor string // empty when there are no more results
}

// Repository implements the Map Repository contract.
type Repository struct {
	engine *sqlstore.Engine
	inval  Invalidator
	log    *zap.Logger
	opts   Options
}

// New builds a Repository over an already-open Storage Engine. Pass
// nil for inval to run without registry invalidation (tests, offline
// admin tooling).
func New(engine *sqlstore.Engine, inval Invalidator, log *zap.Logger, opts Options) *Repository {
	if inval == nil {
		inval = noopInvalidator{}
	}
	return &Repository{engine: engine, inval: inval, log: log, opts: opts}
}

// Create validates data and inserts a new map row at version 1.
func (r *Repository) Create(ctx context.Context, name string, data *mindmeld.Document) (*Map, error) {
	if name == "" {
		return nil, apperr.New(apperr.KindInvalid, "name must not be empty")
	}
	if err := mindmeld.Validate(data); err != nil {
		return nil, err
	}
	stateJSON, err := mindmeld.Canonical(data)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	nowStr := now.Format(time.RFC3339Nano)

	err = r.engine.WithTxn(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO maps (id, name, version, updated_at, created_at, state_json, size_bytes) VALUES (?,?,?,?,?,?,?)`,
			id, name, 1, nowStr, nowStr, string(stateJSON), len(stateJSON))
		return err
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageUnavailable, "insert map", err)
	}

	return &Map{ID: id, Name: name, Version: 1, UpdatedAt: now, CreatedAt: now, Data: data, ETag: ETag(id, 1)}, nil
}

// Get loads a map by id.
func (r *Repository) Get(ctx context.Context, id string) (*Map, error) {
	row := r.engine.DB().QueryRowContext(ctx,
		`SELECT id, name, version, updated_at, created_at, state_json FROM maps WHERE id = ?`, id)

	var (
		gotID, name, updatedAt, createdAt, stateJSON string
		version                                      int64
	)
	if err := row.Scan(&gotID, &name, &version, &updatedAt, &createdAt, &stateJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.New(apperr.KindNotFound, "map not found: "+id)
		}
		return nil, apperr.Wrap(apperr.KindStorageUnavailable, "select map", err)
	}

	doc, err := mindmeld.Parse([]byte(stateJSON))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindCorruption, "stored map failed to parse", err)
	}

	ua, _ := time.Parse(time.RFC3339Nano, updatedAt)
	ca, _ := time.Parse(time.RFC3339Nano, createdAt)
	return &Map{ID: gotID, Name: name, Version: version, UpdatedAt: ua, CreatedAt: ca, Data: doc, ETag: ETag(gotID, version)}, nil
}

// cursorPayload is the decoded form of a List pagination cursor.
type cursorPayload struct {
	UpdatedAt string `json:"u"`
	ID        string `json:"id"`
}

func encodeCursor(updatedAt, id string) string {
	data, _ := json.Marshal(cursorPayload{UpdatedAt: updatedAt, ID: id})
	return base64.RawURLEncoding.EncodeToString(data)
}

func decodeCursor(cursor string) (cursorPayload, error) {
	var c cursorPayload
	if cursor == "" {
		return c, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return c, apperr.Wrap(apperr.KindInvalid, "invalid pagination cursor", err)
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, apperr.Wrap(apperr.KindInvalid, "invalid pagination cursor", err)
	}
	return c, nil
}

// List returns one page of map summaries, ordered by (updated_at,
// id) ascending, optionally filtered by a case-insensitive name
// substring.
func (r *Repository) List(ctx context.Context, cursor string, nameFilter string) (Page, error) {
	c, err := decodeCursor(cursor)
	if err != nil {
		return Page{}, err
	}

	pageSize := r.opts.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}

	query := `SELECT id, name, version, updated_at, size_bytes FROM maps WHERE (updated_at, id) > (?, ?)`
	args := []any{c.UpdatedAt, c.ID}
	if nameFilter != "" {
		query += ` AND name LIKE ? ESCAPE '\'`
		args = append(args, "%"+escapeLike(nameFilter)+"%")
	}
	query += ` ORDER BY updated_at, id LIMIT ?`
	args = append(args, pageSize+1)

	rows, err := r.engine.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return Page{}, apperr.Wrap(apperr.KindStorageUnavailable, "list maps", err)
	}
	defer rows.Close()

	var items []Summary
	for rows.Next() {
		var (
			id, name, updatedAt string
			version, sizeBytes  int64
		)
		if err := rows.Scan(&id, &name, &version, &updatedAt, &sizeBytes); err != nil {
			return Page{}, apperr.Wrap(apperr.KindStorageUnavailable, "scan map row", err)
		}
		ua, _ := time.Parse(time.RFC3339Nano, updatedAt)
		items = append(items, Summary{ID: id, Name: name, Version: version, UpdatedAt: ua, SizeBytes: sizeBytes})
	}
	if err := rows.Err(); err != nil {
		return Page{}, apperr.Wrap(apperr.KindStorageUnavailable, "iterate map rows", err)
	}

	var next string
	if len(items) > pageSize {
		last := items[pageSize-1]
		next = encodeCursor(last.UpdatedAt.Format(time.RFC3339Nano), last.ID)
		items = items[:pageSize]
	}

	return Page{Items: items, NextCursor: next}, nil
}

func escapeLike(s string) string {
	replacer := []struct{ old, new string }{
		{`\`, `\\`}, {`%`, `\%`}, {`_`, `\_`},
	}
	for _, r := range replacer {
		s = replaceAll(s, r.old, r.new)
	}
	return s
}

func replaceAll(s, old, new string) string {
	if old == "" {
		return s
	}
	result := ""
	for {
		idx := indexOf(s, old)
		if idx < 0 {
			return result + s
		}
		result += s[:idx] + new
		s = s[idx+len(old):]
	}
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

// Update applies an optimistic-concurrency write: the caller's
// observed version must equal the stored version or the write fails
// with Conflict and nothing changes (spec §4.B). On success it bumps
// version, refreshes updated_at, and invalidates any live CRDT
// replica for this id.
func (r *Repository) Update(ctx context.Context, id string, expectedVersion int64, newName *string, newData *mindmeld.Document) (*Map, error) {
	if newData != nil {
		if err := mindmeld.Validate(newData); err != nil {
			return nil, err
		}
	}

	var result *Map
	err := r.engine.WithTxn(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT name, version, state_json FROM maps WHERE id = ?`, id)
		var (
			curName, curStateJSON string
			curVersion            int64
		)
		if err := row.Scan(&curName, &curVersion, &curStateJSON); err != nil {
			if err == sql.ErrNoRows {
				return apperr.New(apperr.KindNotFound, "map not found: "+id)
			}
			return apperr.Wrap(apperr.KindStorageUnavailable, "select map for update", err)
		}

		if curVersion != expectedVersion {
			return apperr.New(apperr.KindConflict, "version mismatch").WithDetails(map[string]any{
				"currentVersion": expectedVersion,
				"storedVersion":  curVersion,
			})
		}

		name := curName
		if newName != nil {
			if *newName == "" {
				return apperr.New(apperr.KindInvalid, "name must not be empty")
			}
			name = *newName
		}

		stateJSON := curStateJSON
		if newData != nil {
			encoded, err := mindmeld.Canonical(newData)
			if err != nil {
				return err
			}
			stateJSON = string(encoded)
		}

		newVersion := curVersion + 1
		now := time.Now().UTC().Format(time.RFC3339Nano)

		if _, err := tx.ExecContext(ctx,
			`UPDATE maps SET name = ?, version = ?, updated_at = ?, state_json = ?, size_bytes = ? WHERE id = ? AND version = ?`,
			name, newVersion, now, stateJSON, len(stateJSON), id, curVersion); err != nil {
			return apperr.Wrap(apperr.KindStorageUnavailable, "update map", err)
		}

		doc, err := mindmeld.Parse([]byte(stateJSON))
		if err != nil {
			return apperr.Wrap(apperr.KindInternal, "re-parse updated state", err)
		}

		ua, _ := time.Parse(time.RFC3339Nano, now)
		result = &Map{
			ID: id, Name: name, Version: newVersion, UpdatedAt: ua, Data: doc, ETag: ETag(id, newVersion),
			Diff: computeDiff([]byte(curStateJSON), []byte(stateJSON), r.log),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.inval.Invalidate(id)
	return result, nil
}

// Delete removes a map row and then invalidates any live replica for
// it, which closes its sessions. The map's yjs_snapshots row is
// removed by the schema's ON DELETE CASCADE (spec §3 "Lifecycle").
func (r *Repository) Delete(ctx context.Context, id string) error {
	var found bool
	err := r.engine.WithTxn(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM maps WHERE id = ?`, id)
		if err != nil {
			return apperr.Wrap(apperr.KindStorageUnavailable, "delete map", err)
		}
		n, _ := res.RowsAffected()
		found = n > 0
		return nil
	})
	if err != nil {
		return err
	}
	if !found {
		return apperr.New(apperr.KindNotFound, "map not found: "+id)
	}
	r.inval.Invalidate(id)
	return nil
}
