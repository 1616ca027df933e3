// Package testutil provides shared helpers for integration tests.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/vizier-ai/vizier/internal/database"
)

// TestDB bundles a containerized PostgreSQL instance with a connected pool.
type TestDB struct {
	Pool *pgxpool.Pool
	URL  string
}

// SetupTestDB starts a disposable PostgreSQL container (pgvector image, since
// the knowledge schema needs the vector extension), applies all migrations,
// and returns a connected pool plus a cleanup function.
//
// Tests calling this must be gated behind the integration build tag; the
// helper skips when Docker is unavailable.
func SetupTestDB(t *testing.T) (*TestDB, func()) {
	t.Helper()

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"pgvector/pgvector:pg16",
		tcpostgres.WithDatabase("vizier_test"),
		tcpostgres.WithUsername("vizier"),
		tcpostgres.WithPassword("vizier"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Skipf("starting postgres container (is Docker available?): %v", err)
	}

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("getting connection string: %v", err)
	}

	if err := database.Migrate(url); err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("applying migrations: %v", err)
	}

	pool, err := database.NewPool(ctx, url)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("connecting pool: %v", err)
	}

	cleanup := func() {
		pool.Close()
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("terminating container: %v", err)
		}
	}

	return &TestDB{Pool: pool, URL: url}, cleanup
}
