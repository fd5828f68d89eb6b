// Package util provides shared test helpers: a migrated PostgreSQL
// database for integration tests.
package util

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/opsgrid/remex/pkg/database"
)

// SetupTestDB provisions a migrated database and returns a sqlx handle
// plus its DSN. CI supplies an external database via CI_DATABASE_URL;
// locally a testcontainer is started per test. With a shared database,
// tests must isolate on tenant ids.
func SetupTestDB(t *testing.T) (*sqlx.DB, string) {
	t.Helper()
	ctx := context.Background()

	connStr := os.Getenv("CI_DATABASE_URL")
	if connStr == "" {
		pgContainer, err := postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("remex_test"),
			postgres.WithUsername("remex"),
			postgres.WithPassword("remex"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second)),
		)
		require.NoError(t, err)
		t.Cleanup(func() {
			if err := testcontainers.TerminateContainer(pgContainer); err != nil {
				t.Logf("failed to terminate container: %v", err)
			}
		})
		connStr, err = pgContainer.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err)
	}

	db, err := sql.Open("pgx", connStr)
	require.NoError(t, err)
	require.NoError(t, db.PingContext(ctx))
	require.NoError(t, database.RunMigrations(db))
	t.Cleanup(func() { _ = db.Close() })
	return sqlx.NewDb(db, "pgx"), connStr
}
