// Package testutil provides shared test infrastructure for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

// Tables are the application tables emptied between tests, children first.
var Tables = []string{"risk_history", "alerts", "events", "users"}

var gooseOnce sync.Once

// PGTest connects to POSTGRES_URL, brings the schema up to date with the
// project's goose migrations and empties the application tables. The
// returned cleanup empties them again and closes the pool.
//
//	db, cleanup := testutil.PGTest(t)
//	defer cleanup()
//
// The test is skipped when POSTGRES_URL is not set.
func PGTest(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	dbURL := os.Getenv("POSTGRES_URL")
	if dbURL == "" {
		t.Skip("POSTGRES_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("pgtest: open database: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: connect to database: %v", err)
	}

	dir, err := MigrationsDir()
	if err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: %v", err)
	}
	if err := migrate(ctx, db, dir); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: run migrations: %v", err)
	}
	if err := Truncate(ctx, db); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: truncate: %v", err)
	}

	cleanup := func() {
		_ = Truncate(context.Background(), db)
		_ = db.Close()
	}
	return db, cleanup
}

func migrate(ctx context.Context, db *sql.DB, dir string) error {
	var err error
	gooseOnce.Do(func() {
		goose.SetLogger(goose.NopLogger())
		err = goose.SetDialect("postgres")
	})
	if err != nil {
		return err
	}
	return goose.UpContext(ctx, db, dir)
}

// MigrationsDir walks up from the working directory to the project's
// migrations/ directory.
func MigrationsDir() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		candidate := filepath.Join(dir, "migrations")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.New("no migrations/ directory above the working directory")
		}
		dir = parent
	}
}

// Truncate empties Tables.
func Truncate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, "TRUNCATE "+strings.Join(Tables, ", ")+" CASCADE") // #nosec G202 -- fixed table list
	return err
}
