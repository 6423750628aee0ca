package database_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shortd/shortd/pkg/database"
)

// The suite below runs the claim and insert contracts against a real server.
// Enable with:
//
//	SHORTD_ENABLE_POSTGRES_TESTS=1 SHORTD_POSTGRES_URL=postgres://... go test ./pkg/database
//	SHORTD_ENABLE_MYSQL_TESTS=1 SHORTD_MYSQL_URL=mysql://... go test ./pkg/database

func openPostgres(t *testing.T) *database.DB {
	t.Helper()

	if os.Getenv("SHORTD_ENABLE_POSTGRES_TESTS") == "" {
		t.Skip("SHORTD_ENABLE_POSTGRES_TESTS is not set")
	}

	dbURL := os.Getenv("SHORTD_POSTGRES_URL")
	require.NotEmpty(t, dbURL, "SHORTD_POSTGRES_URL must be set")

	return openServer(t, dbURL)
}

func openMySQL(t *testing.T) *database.DB {
	t.Helper()

	if os.Getenv("SHORTD_ENABLE_MYSQL_TESTS") == "" {
		t.Skip("SHORTD_ENABLE_MYSQL_TESTS is not set")
	}

	dbURL := os.Getenv("SHORTD_MYSQL_URL")
	require.NotEmpty(t, dbURL, "SHORTD_MYSQL_URL must be set")

	return openServer(t, dbURL)
}

func openServer(t *testing.T, dbURL string) *database.DB {
	t.Helper()

	db, err := database.Open(dbURL, database.PoolConfig{MaxOpenConns: 10})
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	require.NoError(t, db.EnsureSchema(ctx))

	// Shared servers keep state between runs.
	_, err = db.ExecContext(ctx, `DELETE FROM url`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `DELETE FROM hash`)
	require.NoError(t, err)

	return db
}

func TestPostgresContract(t *testing.T) {
	runServerContract(t, openPostgres(t))
}

func TestMySQLContract(t *testing.T) {
	runServerContract(t, openMySQL(t))
}

func runServerContract(t *testing.T, db *database.DB) {
	t.Helper()

	ctx := context.Background()

	seq, err := db.NextSequence(ctx, 10)
	require.NoError(t, err)
	require.Len(t, seq, 10)

	seen := make(map[int64]bool)
	for _, v := range seq {
		require.Falsef(t, seen[v], "sequence value %d handed out twice", v)
		seen[v] = true
	}

	_, err = db.InsertIfAbsent(ctx, []string{"p1", "p2", "p3"})
	require.NoError(t, err)

	// Concurrent claimers must partition the pool.
	type result struct {
		hashes []string
		err    error
	}

	results := make(chan result, 2)
	for range 2 {
		go func() {
			hashes, claimErr := db.ClaimAvailable(ctx, 2)
			results <- result{hashes: hashes, err: claimErr}
		}()
	}

	var all []string

	for range 2 {
		res := <-results
		require.NoError(t, res.err)

		all = append(all, res.hashes...)
	}

	assert.Len(t, all, 3)

	unique := make(map[string]bool)
	for _, h := range all {
		assert.Falsef(t, unique[h], "identifier %q claimed twice", h)
		unique[h] = true
	}

	require.NoError(t, db.InsertURL(ctx, "p1", "https://example.com/contract"))
	require.ErrorIs(t, db.InsertURL(ctx, "p9", "https://example.com/contract"), database.ErrURLConflict)
	require.ErrorIs(t, db.InsertURL(ctx, "p1", "https://example.com/other"), database.ErrHashCollision)

	require.NoError(t, db.ReleaseAvailable(ctx, []string{"p1"}))

	deleted, err := db.DeleteURLsByHashes(ctx, []string{"p1"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)

	hashes, err := db.FindOldHashes(ctx, time.Now().Add(time.Hour), 100)
	require.NoError(t, err)
	assert.Empty(t, hashes)
}
