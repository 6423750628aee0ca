package database

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
)

var (
	// ErrUnsupportedScheme is returned when the database URL scheme does not
	// map to a known backend.
	ErrUnsupportedScheme = errors.New("unsupported database URL scheme")

	// ErrNotFound is returned when a looked-up record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrURLConflict is returned when inserting a mapping whose long URL is
	// already present under a different identifier.
	ErrURLConflict = errors.New("url already shortened")

	// ErrHashCollision is returned when inserting a mapping whose identifier
	// is already taken by another URL.
	ErrHashCollision = errors.New("hash already in use")

	// ErrIntegrity is returned for any other constraint violation on insert.
	ErrIntegrity = errors.New("integrity constraint violation")
)

// urlUniqueIndex is the name of the unique index guarding the long URL
// column. Postgres reports it in the constraint field of a unique violation,
// MySQL embeds it in the error message.
const urlUniqueIndex = "idx_url_url_unique"

// classifyInsertURLError maps a driver-level constraint violation to one of
// the typed sentinel errors. Unrecognized errors are returned as-is.
func classifyInsertURLError(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code != "23505" {
			if strings.HasPrefix(pgErr.Code, "23") {
				return fmt.Errorf("%w: %w", ErrIntegrity, err)
			}

			return err
		}

		if pgErr.ConstraintName == urlUniqueIndex {
			return fmt.Errorf("%w: %w", ErrURLConflict, err)
		}

		return fmt.Errorf("%w: %w", ErrHashCollision, err)
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.Code != sqlite3.ErrConstraint {
			return err
		}

		// The driver does not expose the violated index so fall back to the
		// message, which names the offending column.
		msg := sqliteErr.Error()

		switch {
		case strings.Contains(msg, "url.url"):
			return fmt.Errorf("%w: %w", ErrURLConflict, err)
		case strings.Contains(msg, "url.hash"):
			return fmt.Errorf("%w: %w", ErrHashCollision, err)
		default:
			return fmt.Errorf("%w: %w", ErrIntegrity, err)
		}
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		if mysqlErr.Number != 1062 {
			if mysqlErr.Number >= 1216 && mysqlErr.Number <= 1217 {
				return fmt.Errorf("%w: %w", ErrIntegrity, err)
			}

			return err
		}

		if strings.Contains(mysqlErr.Message, urlUniqueIndex) {
			return fmt.Errorf("%w: %w", ErrURLConflict, err)
		}

		return fmt.Errorf("%w: %w", ErrHashCollision, err)
	}

	return err
}
