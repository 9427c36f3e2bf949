package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	_ "github.com/jackc/pgx/v5/stdlib" // "pgx" driver for the readiness probe
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	pgUser     = "chronicle"
	pgPassword = "chronicle"
	pgDatabase = "chronicle_test"
)

func pgURL(hostPort string) string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable", pgUser, pgPassword, hostPort, pgDatabase)
}

var postgresContainer = &sharedContainer{
	name: "postgres",
	run: func(ctx context.Context) (testcontainers.Container, error) {
		return testcontainers.Run(ctx, "postgres:16",
			testcontainers.WithExposedPorts("5432/tcp"),
			testcontainers.WithEnv(map[string]string{
				"POSTGRES_USER":     pgUser,
				"POSTGRES_PASSWORD": pgPassword,
				"POSTGRES_DB":       pgDatabase,
			}),
			testcontainers.WithWaitStrategy(
				wait.ForAll(
					wait.ForListeningPort("5432/tcp"),
					// The server restarts once after init; wait until it answers queries.
					wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
						return pgURL(host + ":" + port.Port())
					}).WithQuery("SELECT 1"),
				).WithDeadline(2*time.Minute),
			),
		)
	},
	address: pgURL,
}

// GetPostgresDSN returns the DSN of a shared PostgreSQL container, starting
// it on first use.
func GetPostgresDSN(t *testing.T) string {
	t.Helper()
	return postgresContainer.get(t)
}
