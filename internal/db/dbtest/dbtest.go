// Package dbtest opens throwaway SQLite-backed pools for tests.
package dbtest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"horse.fit/skim/internal/config"
	"horse.fit/skim/internal/db"
)

// Open migrates a fresh database file under t.TempDir and closes it on cleanup.
func Open(tb testing.TB) *db.Pool {
	tb.Helper()
	return OpenAt(tb, filepath.Join(tb.TempDir(), "skim-test.db"))
}

// OpenAt opens another pool on an existing database file, which lets tests
// model two worker processes sharing one store.
func OpenAt(tb testing.TB, path string) *db.Pool {
	tb.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.NewPool(ctx, &config.Config{
		Environment: "test",
		LogLevel:    "silent",
		DatabaseURL: "sqlite://" + path,
		DBMinConns:  1,
		DBMaxConns:  1,
	})
	if err != nil {
		tb.Fatalf("open test database: %v", err)
	}
	tb.Cleanup(func() {
		_ = pool.Close()
	})
	return pool
}
