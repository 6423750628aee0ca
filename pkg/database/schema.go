package database

import (
	"context"
	"fmt"
)

// EnsureSchema creates the hash and url tables, their indexes and the
// sequence backing identifier generation. All statements are idempotent so
// it is safe to run on every startup.
func (db *DB) EnsureSchema(ctx context.Context) error {
	var stmts []string

	switch db.typ {
	case TypePostgreSQL:
		stmts = postgresSchema
	case TypeMySQL:
		stmts = mysqlSchema
	case TypeSQLite:
		stmts = sqliteSchema
	case TypeUnknown:
		fallthrough
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedScheme, db.typ)
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("error applying schema statement %q: %w", stmt, err)
		}
	}

	return nil
}

//nolint:gochecknoglobals
var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS hash (
		hash VARCHAR(16) PRIMARY KEY,
		available BOOLEAN DEFAULT TRUE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_hash_available ON hash (hash)
		WHERE available IS NULL OR available`,
	`CREATE TABLE IF NOT EXISTS url (
		hash VARCHAR(16) PRIMARY KEY,
		url VARCHAR(2048) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_url_url_unique ON url (url)`,
	`CREATE INDEX IF NOT EXISTS idx_url_created_at ON url (created_at)`,
	`CREATE SEQUENCE IF NOT EXISTS hash_seq`,
}

//nolint:gochecknoglobals
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS hash (
		hash TEXT PRIMARY KEY,
		available BOOLEAN DEFAULT TRUE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_hash_available ON hash (hash)
		WHERE available IS NULL OR available`,
	`CREATE TABLE IF NOT EXISTS url (
		hash TEXT PRIMARY KEY,
		url TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_url_url_unique ON url (url)`,
	`CREATE INDEX IF NOT EXISTS idx_url_created_at ON url (created_at)`,
	`CREATE TABLE IF NOT EXISTS hash_seq (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		value BIGINT NOT NULL
	)`,
	`INSERT INTO hash_seq (id, value) VALUES (1, 0)
		ON CONFLICT (id) DO NOTHING`,
}

// MySQL has no CREATE INDEX IF NOT EXISTS, so the indexes are declared
// inline. The unique index uses a prefix because InnoDB caps indexed key
// length below the full URL column.
//
//nolint:gochecknoglobals
var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS hash (
		hash VARCHAR(16) PRIMARY KEY,
		available BOOLEAN DEFAULT TRUE,
		KEY idx_hash_available (available)
	)`,
	`CREATE TABLE IF NOT EXISTS url (
		hash VARCHAR(16) PRIMARY KEY,
		url VARCHAR(2048) NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE KEY idx_url_url_unique (url(768)),
		KEY idx_url_created_at (created_at)
	)`,
	`CREATE TABLE IF NOT EXISTS hash_seq (
		id TINYINT PRIMARY KEY,
		value BIGINT NOT NULL
	)`,
	`INSERT IGNORE INTO hash_seq (id, value) VALUES (1, 0)`,
}
