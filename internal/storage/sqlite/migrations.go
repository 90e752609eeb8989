package sqlite

import "database/sql"

// schema creates the relational layout. Statements are idempotent and run on
// every startup.
const schema = `
CREATE TABLE IF NOT EXISTS users (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    external_id TEXT NOT NULL UNIQUE,
    default_account TEXT,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS item_mappings (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL,
    normalized_key TEXT NOT NULL,
    canonical_name TEXT NOT NULL,
    category TEXT NOT NULL,
    subcategory TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    UNIQUE (user_id, normalized_key),
    FOREIGN KEY (user_id) REFERENCES users(id)
);

CREATE TABLE IF NOT EXISTS receipt_sessions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL,
    account TEXT NOT NULL,
    receipt_date INTEGER NOT NULL,
    store TEXT,
    status TEXT NOT NULL,
    image_path TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    FOREIGN KEY (user_id) REFERENCES users(id)
);

CREATE TABLE IF NOT EXISTS receipt_lines (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id INTEGER NOT NULL,
    raw_name TEXT NOT NULL,
    normalized_key TEXT NOT NULL,
    amount TEXT NOT NULL,
    confidence REAL NOT NULL DEFAULT 0,
    mapping_id INTEGER,
    needs_review INTEGER NOT NULL DEFAULT 1,
    created_at INTEGER NOT NULL,
    FOREIGN KEY (session_id) REFERENCES receipt_sessions(id),
    FOREIGN KEY (mapping_id) REFERENCES item_mappings(id)
);

CREATE INDEX IF NOT EXISTS idx_receipt_lines_session ON receipt_lines(session_id);

CREATE TABLE IF NOT EXISTS session_state (
    session_id INTEGER PRIMARY KEY,
    state_json TEXT NOT NULL,
    updated_at INTEGER NOT NULL,
    FOREIGN KEY (session_id) REFERENCES receipt_sessions(id)
);
`

// runMigrations executes the schema migrations.
func runMigrations(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}
