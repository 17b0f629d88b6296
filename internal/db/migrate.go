package db

import (
	"fmt"
	"net/http"

	migrate "github.com/rubenv/sql-migrate"

	"github.com/symmbot/blocksync/internal/db/migrations"
	"github.com/symmbot/blocksync/internal/utils"
)

func Migrate(databaseURL string, direction migrate.MigrationDirection, count int) (int, error) {
	pool, err := OpenDBConnectionPool(databaseURL)
	if err != nil {
		return 0, fmt.Errorf("connecting to the database: %w", err)
	}
	defer utils.DeferredClose(pool, "closing db connection pool in Migrate")

	m := migrate.HttpFileSystemMigrationSource{FileSystem: http.FS(migrations.FS)}
	appliedMigrationsCount, err := migrate.ExecMax(pool.SqlDB(), "postgres", m, direction, count)
	if err != nil {
		return appliedMigrationsCount, fmt.Errorf("applying migrations: %w", err)
	}
	return appliedMigrationsCount, nil
}
