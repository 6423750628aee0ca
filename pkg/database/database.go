// Package database implements the durable identifier and mapping store on
// top of PostgreSQL, MySQL or SQLite, selected from the database URL scheme.
package database

import (
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/go-sql-driver/mysql"
	"go.opentelemetry.io/otel/attribute"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/mysqldialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3"    // SQLite driver
)

// PoolConfig holds database connection pool settings.
type PoolConfig struct {
	// MaxOpenConns is the maximum number of open connections to the database.
	// If <= 0, defaults are used based on database type.
	MaxOpenConns int

	// MaxIdleConns is the maximum number of connections in the idle pool.
	// If <= 0, defaults are used based on database type.
	MaxIdleConns int

	// ConnMaxLifetime is the maximum amount of time a connection may be
	// reused. If zero, connections are reused forever.
	ConnMaxLifetime time.Duration

	// ConnMaxIdleTime is the maximum amount of time a connection may be idle.
	// If zero, connections are not closed due to idle time.
	ConnMaxIdleTime time.Duration
}

// DB wraps a bun.DB along with the detected backend type.
type DB struct {
	*bun.DB

	typ Type
}

// Open opens the database at dbURL, instruments it and configures the
// connection pool. The caller owns the returned DB and must Close it.
func Open(dbURL string, poolCfg PoolConfig) (*DB, error) {
	typ, err := DetectFromDatabaseURL(dbURL)
	if err != nil {
		return nil, err
	}

	driverName, dsn, err := driverDSN(typ, dbURL)
	if err != nil {
		return nil, err
	}

	sqldb, err := otelsql.Open(driverName, dsn,
		otelsql.WithAttributes(dbSystem(typ)),
		otelsql.WithSpanOptions(otelsql.SpanOptions{DisableErrSkip: true}),
	)
	if err != nil {
		return nil, fmt.Errorf("error opening the %s database: %w", typ, err)
	}

	if _, err := otelsql.RegisterDBStatsMetrics(sqldb, otelsql.WithAttributes(dbSystem(typ))); err != nil {
		return nil, fmt.Errorf("error registering database metrics: %w", err)
	}

	configurePool(sqldb, typ, poolCfg)

	db := &DB{typ: typ}

	switch typ {
	case TypePostgreSQL:
		db.DB = bun.NewDB(sqldb, pgdialect.New())
	case TypeMySQL:
		db.DB = bun.NewDB(sqldb, mysqldialect.New())
	case TypeSQLite:
		db.DB = bun.NewDB(sqldb, sqlitedialect.New())
	case TypeUnknown:
		fallthrough
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, typ)
	}

	return db, nil
}

// Type returns the detected backend type.
func (db *DB) Type() Type { return db.typ }

func dbSystem(typ Type) attribute.KeyValue {
	switch typ {
	case TypePostgreSQL:
		return semconv.DBSystemPostgreSQL
	case TypeMySQL:
		return semconv.DBSystemMySQL
	case TypeSQLite:
		return semconv.DBSystemSqlite
	case TypeUnknown:
		fallthrough
	default:
		return semconv.DBSystemOtherSQL
	}
}

func configurePool(sqldb *sql.DB, typ Type, cfg PoolConfig) {
	if typ == TypeSQLite {
		// SQLite allows a single writer; more connections only produce
		// SQLITE_BUSY under contention.
		sqldb.SetMaxOpenConns(1)
		sqldb.SetMaxIdleConns(1)

		return
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}

	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = maxOpen
	}

	sqldb.SetMaxOpenConns(maxOpen)
	sqldb.SetMaxIdleConns(maxIdle)
	sqldb.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqldb.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
}

// driverDSN translates the database URL into a (driver, dsn) pair for
// sql.Open. PostgreSQL takes the URL verbatim, SQLite wants a bare path and
// MySQL wants its own DSN syntax.
func driverDSN(typ Type, dbURL string) (string, string, error) {
	switch typ {
	case TypePostgreSQL:
		return "pgx", dbURL, nil
	case TypeSQLite:
		dsn := strings.TrimPrefix(dbURL, "sqlite3:")
		dsn = strings.TrimPrefix(dsn, "sqlite:")
		dsn = strings.TrimPrefix(dsn, "//")

		return "sqlite3", dsn, nil
	case TypeMySQL:
		dsn, err := mysqlDSN(dbURL)
		if err != nil {
			return "", "", err
		}

		return "mysql", dsn, nil
	case TypeUnknown:
		fallthrough
	default:
		return "", "", fmt.Errorf("%w: %s", ErrUnsupportedScheme, typ)
	}
}

func mysqlDSN(dbURL string) (string, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return "", fmt.Errorf("error parsing the database URL %q: %w", dbURL, err)
	}

	cfg := mysql.NewConfig()
	cfg.Net = "tcp"
	cfg.Addr = u.Host
	cfg.DBName = strings.TrimPrefix(u.Path, "/")
	cfg.ParseTime = true

	if u.User != nil {
		cfg.User = u.User.Username()
		cfg.Passwd, _ = u.User.Password()
	}

	for key, values := range u.Query() {
		if len(values) == 0 {
			continue
		}

		if cfg.Params == nil {
			cfg.Params = make(map[string]string)
		}

		cfg.Params[key] = values[0]
	}

	return cfg.FormatDSN(), nil
}
