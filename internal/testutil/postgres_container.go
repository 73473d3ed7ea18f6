package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver used by wait.ForSQL
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	pgOnce sync.Once
	pgDSN  string
	pgErr  error
)

// GetPostgresDSN returns the DSN of a shared PostgreSQL container.
func GetPostgresDSN(t *testing.T) string {
	t.Helper()
	SkipIfShort(t)
	pgOnce.Do(startPostgres)
	requireContainers(t, pgErr)
	return pgDSN
}

func startPostgres() {
	// Give generous timeout in CI environments
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	postgresC, err := testcontainers.Run(
		ctx, "postgres:16",
		testcontainers.WithExposedPorts("5432/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForAll(
				wait.ForListeningPort("5432/tcp"),
				wait.ForLog("ready to accept connections"),
				wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
					return fmt.Sprintf("postgres://tokenflow:tokenflow@%s:%s/tokenflow_test?sslmode=disable", host, port.Port())
				}).WithQuery("SELECT 1"),
			).WithDeadline(2*time.Minute),
		),
		testcontainers.WithEnv(map[string]string{
			"POSTGRES_USER":     "tokenflow",
			"POSTGRES_PASSWORD": "tokenflow",
			"POSTGRES_DB":       "tokenflow_test",
		}),
	)
	if err != nil {
		pgErr = err
		return
	}

	endpoint, err := postgresC.Endpoint(ctx, "")
	if err != nil {
		_ = postgresC.Terminate(context.Background()) // best-effort cleanup
		pgErr = err
		return
	}

	pgDSN = fmt.Sprintf("postgres://tokenflow:tokenflow@%s/tokenflow_test?sslmode=disable", endpoint)
}
