package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/uptrace/bun"
)

// NextSequence reserves n consecutive values from the identifier sequence
// and returns them. Values are never handed out twice, even across
// processes.
func (db *DB) NextSequence(ctx context.Context, n int) ([]int64, error) {
	if n <= 0 {
		return nil, nil
	}

	switch db.typ {
	case TypePostgreSQL:
		return db.nextSequencePostgres(ctx, n)
	case TypeMySQL:
		return db.nextSequenceMySQL(ctx, n)
	case TypeSQLite:
		return db.nextSequenceSQLite(ctx, n)
	case TypeUnknown:
		fallthrough
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, db.typ)
	}
}

func (db *DB) nextSequencePostgres(ctx context.Context, n int) ([]int64, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT nextval('hash_seq') FROM generate_series(1, ?)`, n)
	if err != nil {
		return nil, fmt.Errorf("error advancing the hash sequence: %w", err)
	}
	defer rows.Close()

	out := make([]int64, 0, n)

	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("error scanning a sequence value: %w", err)
		}

		out = append(out, v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading sequence values: %w", err)
	}

	return out, nil
}

func (db *DB) nextSequenceSQLite(ctx context.Context, n int) ([]int64, error) {
	var last int64

	err := db.QueryRowContext(ctx,
		`UPDATE hash_seq SET value = value + ? WHERE id = 1 RETURNING value`, n).
		Scan(&last)
	if err != nil {
		return nil, fmt.Errorf("error advancing the hash sequence: %w", err)
	}

	return sequenceRange(last, n), nil
}

func (db *DB) nextSequenceMySQL(ctx context.Context, n int) ([]int64, error) {
	var last int64

	err := db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE hash_seq SET value = LAST_INSERT_ID(value + ?) WHERE id = 1`, n); err != nil {
			return fmt.Errorf("error advancing the hash sequence: %w", err)
		}

		if err := tx.QueryRowContext(ctx, `SELECT LAST_INSERT_ID()`).Scan(&last); err != nil {
			return fmt.Errorf("error reading the hash sequence: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return sequenceRange(last, n), nil
}

func sequenceRange(last int64, n int) []int64 {
	out := make([]int64, 0, n)
	for v := last - int64(n) + 1; v <= last; v++ {
		out = append(out, v)
	}

	return out
}

// InsertIfAbsent inserts the given identifiers as available rows, silently
// skipping any that already exist. It returns the number of rows actually
// inserted.
func (db *DB) InsertIfAbsent(ctx context.Context, hashes []string) (int64, error) {
	if len(hashes) == 0 {
		return 0, nil
	}

	rows := make([]Hash, 0, len(hashes))
	for _, h := range hashes {
		rows = append(rows, Hash{
			Hash:      h,
			Available: sql.NullBool{Bool: true, Valid: true},
		})
	}

	q := db.NewInsert().Model(&rows)

	if db.typ == TypeMySQL {
		q = q.Ignore()
	} else {
		q = q.On("CONFLICT (hash) DO NOTHING")
	}

	res, err := q.Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("error inserting identifiers: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("error reading the inserted row count: %w", err)
	}

	return inserted, nil
}

// ClaimAvailable atomically marks up to n available identifiers as taken and
// returns them. Rows with a NULL availability flag predate the column and
// count as available. Concurrent claimers never receive the same identifier.
func (db *DB) ClaimAvailable(ctx context.Context, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}

	if db.typ == TypePostgreSQL {
		return db.claimAvailablePostgres(ctx, n)
	}

	return db.claimAvailableTx(ctx, n)
}

func (db *DB) claimAvailablePostgres(ctx context.Context, n int) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		UPDATE hash SET available = FALSE
		WHERE hash IN (
			SELECT hash FROM hash
			WHERE available IS NULL OR available
			LIMIT ?
			FOR UPDATE SKIP LOCKED
		)
		RETURNING hash`, n)
	if err != nil {
		return nil, fmt.Errorf("error claiming identifiers: %w", err)
	}
	defer rows.Close()

	out := make([]string, 0, n)

	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("error scanning a claimed identifier: %w", err)
		}

		out = append(out, h)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading claimed identifiers: %w", err)
	}

	return out, nil
}

func (db *DB) claimAvailableTx(ctx context.Context, n int) ([]string, error) {
	var out []string

	err := db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		query := `SELECT hash FROM hash WHERE available IS NULL OR available LIMIT ?`
		if db.typ == TypeMySQL {
			query += ` FOR UPDATE SKIP LOCKED`
		}

		rows, err := tx.QueryContext(ctx, query, n)
		if err != nil {
			return fmt.Errorf("error selecting available identifiers: %w", err)
		}
		defer rows.Close()

		out = out[:0]

		for rows.Next() {
			var h string
			if err := rows.Scan(&h); err != nil {
				return fmt.Errorf("error scanning an identifier: %w", err)
			}

			out = append(out, h)
		}

		if err := rows.Err(); err != nil {
			return fmt.Errorf("error reading available identifiers: %w", err)
		}

		if len(out) == 0 {
			return nil
		}

		_, err = tx.NewUpdate().
			Model((*Hash)(nil)).
			Set("available = FALSE").
			Where("hash IN (?)", bun.In(out)).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("error marking identifiers as taken: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// MarkUsed records hash as permanently taken, inserting the row if it was
// generated elsewhere. Used for identifiers assigned straight from the
// sequence without going through the pool.
func (db *DB) MarkUsed(ctx context.Context, hash string) error {
	row := &Hash{
		Hash:      hash,
		Available: sql.NullBool{Bool: false, Valid: true},
	}

	q := db.NewInsert().Model(row)

	if db.typ == TypeMySQL {
		q = q.On("DUPLICATE KEY UPDATE").Set("available = FALSE")
	} else {
		q = q.On("CONFLICT (hash) DO UPDATE").Set("available = EXCLUDED.available")
	}

	if _, err := q.Exec(ctx); err != nil {
		return fmt.Errorf("error marking identifier %q as used: %w", hash, err)
	}

	return nil
}

// ReleaseAvailable marks the given identifiers as available again, inserting
// any rows that are missing. Releasing an already-available identifier is a
// no-op.
func (db *DB) ReleaseAvailable(ctx context.Context, hashes []string) error {
	if len(hashes) == 0 {
		return nil
	}

	rows := make([]Hash, 0, len(hashes))
	for _, h := range hashes {
		rows = append(rows, Hash{
			Hash:      h,
			Available: sql.NullBool{Bool: true, Valid: true},
		})
	}

	q := db.NewInsert().Model(&rows)

	if db.typ == TypeMySQL {
		q = q.On("DUPLICATE KEY UPDATE").Set("available = TRUE")
	} else {
		q = q.On("CONFLICT (hash) DO UPDATE").Set("available = EXCLUDED.available")
	}

	if _, err := q.Exec(ctx); err != nil {
		return fmt.Errorf("error releasing identifiers: %w", err)
	}

	return nil
}

// DeleteHashes removes the given identifier rows outright and returns how
// many were deleted.
func (db *DB) DeleteHashes(ctx context.Context, hashes []string) (int64, error) {
	if len(hashes) == 0 {
		return 0, nil
	}

	res, err := db.NewDelete().
		Model((*Hash)(nil)).
		Where("hash IN (?)", bun.In(hashes)).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("error deleting identifiers: %w", err)
	}

	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("error reading the deleted row count: %w", err)
	}

	return deleted, nil
}

// CountAvailable returns the number of identifiers currently claimable.
func (db *DB) CountAvailable(ctx context.Context) (int64, error) {
	count, err := db.NewSelect().
		Model((*Hash)(nil)).
		Where("available IS NULL OR available").
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("error counting available identifiers: %w", err)
	}

	return int64(count), nil
}
