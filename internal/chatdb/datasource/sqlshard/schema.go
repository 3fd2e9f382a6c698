package sqlshard

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/chatlogstore/chatlog/internal/errors"
)

const (
	schemaVersion = 3
	ftsTable      = "strings_fts"
)

var pragmas = []string{
	"PRAGMA foreign_keys = ON;",
	"PRAGMA journal_mode = WAL;",
	"PRAGMA synchronous = NORMAL;",
	"PRAGMA temp_store = MEMORY;",
}

// migrations[i] upgrades a shard from user_version i to i+1.
var migrations = [][]string{
	{
		`CREATE TABLE IF NOT EXISTS strings (
id    INTEGER PRIMARY KEY,
value TEXT NOT NULL UNIQUE
);`,
		`CREATE TABLE IF NOT EXISTS streams (
id         INTEGER PRIMARY KEY,
kind       INTEGER NOT NULL,
name       TEXT NOT NULL,
name_lower TEXT NOT NULL,
title      TEXT NOT NULL DEFAULT '',
UNIQUE(kind, name_lower)
);`,
		`CREATE TABLE IF NOT EXISTS messages (
id        INTEGER PRIMARY KEY AUTOINCREMENT,
stream_id INTEGER NOT NULL REFERENCES streams(id),
ts        INTEGER NOT NULL,
type      INTEGER NOT NULL,
speaker   TEXT NOT NULL,
text_id   INTEGER NOT NULL REFERENCES strings(id)
);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_ts ON messages(ts, id);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_stream_ts ON messages(stream_id, ts, id);`,
		`CREATE TABLE IF NOT EXISTS migrations (
source      TEXT PRIMARY KEY,
migrated_at INTEGER NOT NULL,
messages    INTEGER NOT NULL
);`,
	},
	{
		`ALTER TABLE messages ADD COLUMN gender INTEGER;`,
		`ALTER TABLE messages ADD COLUMN status INTEGER;`,
	},
	{
		`CREATE VIRTUAL TABLE IF NOT EXISTS strings_fts USING fts5(
value,
content='strings',
content_rowid='id',
tokenize='trigram'
);`,
		`CREATE TRIGGER IF NOT EXISTS strings_ai AFTER INSERT ON strings BEGIN
INSERT INTO strings_fts(rowid, value) VALUES (new.id, new.value);
END;`,
		`INSERT INTO strings_fts(strings_fts) VALUES ('rebuild');`,
	},
}

// migrate brings db to the latest schema and reports whether the full-text index
// is usable. A SQLite build without FTS5 stops at version 2 and searches by scan.
func migrate(ctx context.Context, key string, db *sql.DB) (bool, error) {
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return false, fmt.Errorf("init schema (%s): %w", pragma, err)
		}
	}

	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return false, errors.QueryFailed("PRAGMA user_version", err)
	}

	for v := version; v < schemaVersion; v++ {
		err := applyMigration(ctx, db, v)
		if err != nil && v+1 == schemaVersion && isMissingFTS(err) {
			log.Debug().Str("shard", key).Msg("sqlite built without fts5, text search scans")
			return false, nil
		}
		if err != nil {
			return false, errors.MigrationFailed(key, v+1, err)
		}
		log.Debug().Str("shard", key).Int("version", v+1).Msg("shard schema migrated")
	}
	return true, nil
}

func applyMigration(ctx context.Context, db *sql.DB, from int) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range migrations[from] {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", from+1)); err != nil {
		return err
	}
	return tx.Commit()
}

func isMissingFTS(err error) bool {
	return strings.Contains(err.Error(), "no such module: fts5")
}
