package sqlite

import "strconv"

// schema is run once at open time, the same `CREATE TABLE IF NOT EXISTS`
// style the teacher's package uses so opening an existing database is
// always a no-op for already-applied statements.
//
// cortex_meta is the table catalog: each row names a logical table by its
// resolved identity ("1000:notes", "@acme:memories") and records the
// opaque physical table id used for its per-table storage, so a
// user-controlled table name never reaches a CREATE TABLE statement.
const schema = `
CREATE TABLE IF NOT EXISTS cortex_meta (
	name        TEXT PRIMARY KEY,
	owner_uid   INTEGER NOT NULL DEFAULT -1,
	owner_fed   TEXT NOT NULL DEFAULT '',
	key_field   TEXT NOT NULL,
	attributes  TEXT NOT NULL DEFAULT '[]',
	scope_kind  TEXT NOT NULL DEFAULT 'local',
	scope_nodes TEXT NOT NULL DEFAULT '',
	internal_id INTEGER NOT NULL UNIQUE,
	created_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS cortex_meta_seq (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	next_internal_id INTEGER NOT NULL
);
INSERT OR IGNORE INTO cortex_meta_seq (id, next_internal_id) VALUES (1, 1);

CREATE TABLE IF NOT EXISTS cortex_acls (
	identity    TEXT NOT NULL,
	table_name  TEXT NOT NULL,
	permissions TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (identity, table_name)
);
CREATE INDEX IF NOT EXISTS idx_cortex_acls_table ON cortex_acls(table_name);

CREATE TABLE IF NOT EXISTS cortex_identities (
	fed_id     TEXT PRIMARY KEY,
	mappings   TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL,
	created_by TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS cortex_schema_version (
	id      INTEGER PRIMARY KEY CHECK (id = 1),
	version INTEGER NOT NULL
);
INSERT OR IGNORE INTO cortex_schema_version (id, version) VALUES (1, 0);
`

// physicalTableName returns the name of the SQLite table backing a
// table's records, derived only from the opaque internal id assigned at
// create_table — never from the caller-supplied table name.
func physicalTableName(internalID int64) string {
	return "t_" + strconv.FormatInt(internalID, 10)
}
