// Package testhelper holds the shared scaffolding of the test suites.
package testhelper

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/redis/go-redis/v9"
)

// RedisClient returns a client against the test Redis server, skipping the
// test unless Redis tests are enabled. Enable with:
//
//	SHORTD_ENABLE_REDIS_TESTS=1 SHORTD_TEST_REDIS_ADDR=localhost:6379 go test ./...
func RedisClient(t *testing.T) *redis.Client {
	t.Helper()

	if os.Getenv("SHORTD_ENABLE_REDIS_TESTS") != "1" {
		t.Skip("Redis tests disabled (set SHORTD_ENABLE_REDIS_TESTS=1 to enable)")
	}

	addr := os.Getenv("SHORTD_TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, client.Ping(context.Background()).Err())

	return client
}

// UniqueKey returns a key under prefix that no other test (or earlier run)
// uses, so suites can share one Redis server.
func UniqueKey(t *testing.T, prefix string) string {
	t.Helper()

	return prefix + t.Name() + "-" + MustRandString(12)
}
