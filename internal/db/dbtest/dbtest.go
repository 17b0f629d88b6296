// Package dbtest provisions throwaway Postgres databases for model tests.
// Tests are skipped unless BLOCKSYNC_TEST_DATABASE_URL points at a reachable
// server; each test gets its own randomly named database with migrations
// applied, dropped again on cleanup.
package dbtest

import (
	"database/sql"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	migrate "github.com/rubenv/sql-migrate"

	"github.com/symmbot/blocksync/internal/db/migrations"
)

const envVar = "BLOCKSYNC_TEST_DATABASE_URL"

// Open creates a fresh migrated database and returns its DSN.
func Open(t *testing.T) string {
	t.Helper()

	baseURL := os.Getenv(envVar)
	if baseURL == "" {
		t.Skipf("%s not set, skipping database test", envVar)
	}

	adminConn, err := sql.Open("postgres", baseURL)
	if err != nil {
		t.Fatalf("opening admin connection: %v", err)
	}

	dbName := "blocksync_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if _, err = adminConn.Exec(fmt.Sprintf(`CREATE DATABASE %q`, dbName)); err != nil {
		t.Fatalf("creating test database %s: %v", dbName, err)
	}

	t.Cleanup(func() {
		_, _ = adminConn.Exec(fmt.Sprintf(`DROP DATABASE IF EXISTS %q WITH (FORCE)`, dbName))
		_ = adminConn.Close()
	})

	dsn := replaceDatabaseName(t, baseURL, dbName)

	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	defer conn.Close()

	m := migrate.HttpFileSystemMigrationSource{FileSystem: http.FS(migrations.FS)}
	if _, err = migrate.Exec(conn, "postgres", m, migrate.Up); err != nil {
		t.Fatalf("migrating test database: %v", err)
	}

	return dsn
}

func replaceDatabaseName(t *testing.T, baseURL, dbName string) string {
	t.Helper()

	u, err := url.Parse(baseURL)
	if err != nil {
		t.Fatalf("parsing %s: %v", envVar, err)
	}
	u.Path = "/" + dbName
	return u.String()
}
