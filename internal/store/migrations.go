package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "pages: typed markdown pages with front matter",
		SQL: `
CREATE TABLE pages (
    id          INTEGER PRIMARY KEY,
    page_type   TEXT NOT NULL CHECK (page_type IN ('entity', 'concept', 'relationship', 'journal', 'meta')),
    name        TEXT NOT NULL,
    name_key    TEXT NOT NULL,
    content     TEXT NOT NULL,
    created_at  INTEGER NOT NULL,
    modified_at INTEGER NOT NULL,

    UNIQUE (page_type, name_key)
);

CREATE INDEX idx_pages_name_key ON pages(name_key);
CREATE INDEX idx_pages_modified ON pages(modified_at DESC);
`,
	},
	{
		Version:     2,
		Description: "page_revisions: one row per committed page mutation",
		SQL: `
CREATE TABLE page_revisions (
    id          INTEGER PRIMARY KEY,
    page_type   TEXT NOT NULL,
    page_name   TEXT NOT NULL,
    name_key    TEXT NOT NULL,
    op          TEXT NOT NULL CHECK (op IN ('create', 'update', 'delete', 'deepen')),
    message     TEXT NOT NULL,
    content     TEXT NOT NULL,
    created_at  INTEGER NOT NULL
);

CREATE INDEX idx_revisions_page ON page_revisions(page_type, name_key);
`,
	},
	{
		Version:     3,
		Description: "page_vectors: embedding vectors for semantic entry points",
		SQL: `
CREATE TABLE page_vectors (
    page_id    INTEGER PRIMARY KEY,
    embedding  BLOB NOT NULL,
    model      TEXT NOT NULL,
    dimensions INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    FOREIGN KEY (page_id) REFERENCES pages(id) ON DELETE CASCADE
);
`,
	},
	{
		Version:     4,
		Description: "research queue, history and proposals",
		SQL: `
CREATE TABLE research_queue (
    id       TEXT PRIMARY KEY,
    position INTEGER NOT NULL,
    data     TEXT NOT NULL
);

CREATE TABLE research_history (
    seq  INTEGER PRIMARY KEY,
    id   TEXT NOT NULL,
    data TEXT NOT NULL
);

CREATE TABLE research_proposals (
    id       TEXT PRIMARY KEY,
    position INTEGER NOT NULL,
    data     TEXT NOT NULL
);
`,
	},
}

func (db *DB) migrate() error {
	// Create schema_versions table if it doesn't exist
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
