//go:build integration

package testutil

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	_ "github.com/lib/pq"
)

// PGContainer spins up a disposable Postgres in Docker via testcontainers-go,
// runs all migrations against it, and returns the *sql.DB plus a cleanup
// function that terminates the container.
//
// Unlike PGTest (which requires a pre-existing POSTGRES_URL and only ever
// truncates between tests), PGContainer gives each test its own database
// instance, which scenarios exercising real row locking
// (SELECT ... FOR UPDATE SKIP LOCKED) need to observe actual lock contention
// between concurrent connections rather than a shared, possibly-dirty table.
//
// If Docker is unavailable the test is skipped rather than failed.
func PGContainer(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	ctx := context.Background()

	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("hook0_test"),
		postgres.WithUsername("hook0"),
		postgres.WithPassword("hook0"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Skipf("testutil: could not start postgres container (is Docker available?): %v", err)
	}

	connStr, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = testcontainers.TerminateContainer(ctr)
		t.Fatalf("testutil: container connection string: %v", err)
	}

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		_ = testcontainers.TerminateContainer(ctr)
		t.Fatalf("testutil: open database: %v", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		_ = testcontainers.TerminateContainer(ctr)
		t.Fatalf("testutil: ping database: %v", err)
	}

	migrationsDir := findMigrationsDir(t)
	if err := runMigrations(ctx, db, migrationsDir); err != nil {
		_ = db.Close()
		_ = testcontainers.TerminateContainer(ctr)
		t.Fatalf("testutil: run migrations: %v", err)
	}

	cleanup := func() {
		_ = db.Close()
		_ = testcontainers.TerminateContainer(ctr)
	}

	return db, cleanup
}
