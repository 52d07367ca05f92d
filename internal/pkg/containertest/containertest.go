// Package containertest starts throwaway backend containers for integration
// tests. Tests are skipped under -short or when no container runtime is
// reachable.
package containertest

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

const startTimeout = 2 * time.Minute

func skipShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}
}

func terminate(t *testing.T, c testcontainers.Container) {
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(c); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})
}

// Redis starts a redis server and returns its redis:// url.
func Redis(t *testing.T) string {
	t.Helper()
	skipShort(t)

	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()

	c, err := tcredis.Run(ctx, "redis:7-alpine")
	if c != nil {
		terminate(t, c)
	}
	if err != nil {
		t.Skipf("redis container unavailable: %v", err)
	}

	url, err := c.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("redis connection string: %v", err)
	}
	return url
}

// Postgres starts a postgres server and returns its postgres:// url.
func Postgres(t *testing.T) string {
	t.Helper()
	skipShort(t)

	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()

	c, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("bps"),
		tcpostgres.WithUsername("bps"),
		tcpostgres.WithPassword("bps"),
		tcpostgres.BasicWaitStrategies(),
	)
	if c != nil {
		terminate(t, c)
	}
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}

	url, err := c.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("postgres connection string: %v", err)
	}
	return url
}
