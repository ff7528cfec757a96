// Package dbtest provides Postgres fixtures for integration tests.
//
// Tests are skipped unless SIGNALHUB_DATABASE_URL points at a disposable
// database; the schema is migrated up and every table is truncated per test.
package dbtest

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/dagz55/d-gateway-sub002/cmd/internal/db"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnvDatabaseURL names the env var that enables Postgres integration tests.
const EnvDatabaseURL = "SIGNALHUB_DATABASE_URL"

// Pool returns a migrated, truncated pool or skips the test.
func Pool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv(EnvDatabaseURL))
	if dsn == "" {
		t.Skip(EnvDatabaseURL + " not set; skipping Postgres integration test")
	}

	if err := db.Migrate(dsn, db.Up); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, `
		TRUNCATE
			signalhub.invalidation_events,
			signalhub.pending_invalidations,
			signalhub.refresh_tokens,
			signalhub.token_families,
			signalhub.sessions,
			signalhub.device_verification_codes,
			signalhub.devices
	`)
	if err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return pool
}
