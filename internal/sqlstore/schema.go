package sqlstore

// schema is applied on every Open call; every statement is idempotent
// so repeated opens against an already-initialized file are cheap.
// Table shapes follow the data model in the spec: maps, yjs_snapshots
// and migrations are the three tables the rest of the server touches
// directly.
const schema = `
CREATE TABLE IF NOT EXISTS maps (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	version     INTEGER NOT NULL DEFAULT 1,
	updated_at  TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	state_json  TEXT NOT NULL,
	size_bytes  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_maps_updated_at ON maps(updated_at);

CREATE TABLE IF NOT EXISTS yjs_snapshots (
	map_id      TEXT PRIMARY KEY,
	snapshot    BLOB NOT NULL,
	updated_at  TEXT NOT NULL,
	FOREIGN KEY (map_id) REFERENCES maps(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS migrations (
	version           TEXT PRIMARY KEY,
	name              TEXT NOT NULL,
	applied_at        TEXT NOT NULL,
	execution_time_ms INTEGER NOT NULL,
	checksum          TEXT NOT NULL
);
`
