package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

// InsertURL records the mapping from hash to longURL. Conflicts are reported
// as typed errors: ErrURLConflict when the long URL is already shortened,
// ErrHashCollision when the identifier is already mapped.
func (db *DB) InsertURL(ctx context.Context, hash, longURL string) error {
	row := &URL{Hash: hash, URL: longURL}

	if _, err := db.NewInsert().Model(row).Exec(ctx); err != nil {
		return classifyInsertURLError(err)
	}

	return nil
}

// FindURLByHash returns the long URL mapped to hash, or ErrNotFound.
func (db *DB) FindURLByHash(ctx context.Context, hash string) (string, error) {
	var row URL

	err := db.NewSelect().
		Model(&row).
		Column("url").
		Where("hash = ?", hash).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: hash %q", ErrNotFound, hash)
		}

		return "", fmt.Errorf("error looking up hash %q: %w", hash, err)
	}

	return row.URL, nil
}

// FindHashByURL returns the identifier already assigned to longURL, or
// ErrNotFound.
func (db *DB) FindHashByURL(ctx context.Context, longURL string) (string, error) {
	var row URL

	err := db.NewSelect().
		Model(&row).
		Column("hash").
		Where("url = ?", longURL).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: url", ErrNotFound)
		}

		return "", fmt.Errorf("error looking up a url mapping: %w", err)
	}

	return row.Hash, nil
}

// FindOldHashes returns up to limit identifiers whose mapping was created
// before cutoff, oldest first.
func (db *DB) FindOldHashes(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	var hashes []string

	err := db.NewSelect().
		Model((*URL)(nil)).
		Column("hash").
		Where("created_at < ?", cutoff).
		OrderExpr("created_at ASC").
		Limit(limit).
		Scan(ctx, &hashes)
	if err != nil {
		return nil, fmt.Errorf("error finding expired mappings: %w", err)
	}

	return hashes, nil
}

// DeleteURLsByHashes removes the mappings for the given identifiers and
// returns how many rows were deleted.
func (db *DB) DeleteURLsByHashes(ctx context.Context, hashes []string) (int64, error) {
	if len(hashes) == 0 {
		return 0, nil
	}

	res, err := db.NewDelete().
		Model((*URL)(nil)).
		Where("hash IN (?)", bun.In(hashes)).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("error deleting mappings: %w", err)
	}

	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("error reading the deleted row count: %w", err)
	}

	return deleted, nil
}
