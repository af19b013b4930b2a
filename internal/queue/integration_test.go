//go:build integration

package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"horse.fit/skim/internal/config"
	"horse.fit/skim/internal/db"
	"horse.fit/skim/internal/globaltime"
)

func postgresDSN(host string, port nat.Port) string {
	return fmt.Sprintf("postgres://postgres:postgres@%s:%s/skim?sslmode=disable", host, port.Port())
}

func startPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_PASSWORD": "postgres",
				"POSTGRES_USER":     "postgres",
				"POSTGRES_DB":       "skim",
			},
			WaitingFor: wait.ForSQL("5432/tcp", "pgx", postgresDSN).WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		termCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = container.Terminate(termCtx)
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)
	return postgresDSN(host, port)
}

func openPostgres(t *testing.T, dsn string) *db.Pool {
	t.Helper()
	pool, err := db.NewPool(context.Background(), &config.Config{
		Environment: "test",
		LogLevel:    "silent",
		DatabaseURL: dsn,
		DBMinConns:  1,
		DBMaxConns:  4,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	return pool
}

func TestPostgresWorkersNeverShareAJob(t *testing.T) {
	dsn := startPostgres(t)
	first := openPostgres(t, dsn)
	second := openPostgres(t, dsn)
	clock := globaltime.NewManual(start)

	const jobs = 50
	posts := seedPosts(t, first, jobs)
	seed := newQueue(first, clock, "seed")
	for i, id := range posts {
		_, err := seed.Enqueue(context.Background(), id, fmt.Sprintf("hash-%d", i), PriorityBackground)
		require.NoError(t, err)
	}

	runLeaseRace(t, []*Queue{
		newQueue(first, clock, "w1"),
		newQueue(first, clock, "w2"),
		newQueue(second, clock, "w3"),
		newQueue(second, clock, "w4"),
	}, jobs)
}
