package cmd

import (
	"fmt"
	"strconv"

	migrate "github.com/rubenv/sql-migrate"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/symmbot/blocksync/cmd/utils"
	"github.com/symmbot/blocksync/internal/db"
)

type migrateCmd struct{}

func (c *migrateCmd) Command() *cobra.Command {
	var databaseURL string
	cfgOpts := utils.ConfigOptions{
		utils.DatabaseURLOption(&databaseURL),
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Schema migration helpers",
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			if err := cfgOpts.SetValues(); err != nil {
				logrus.Fatalf("Error setting values of config options: %s", err.Error())
			}
		},
	}

	migrateUpCmd := cobra.Command{
		Use:   "up",
		Short: "Migrates database up [count] migrations",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			var count int
			if len(args) > 0 {
				var err error
				count, err = strconv.Atoi(args[0])
				if err != nil {
					logrus.Fatalf("Invalid [count] argument: %s", args[0])
				}
			}

			if err := executeMigrations(databaseURL, migrate.Up, count); err != nil {
				logrus.Fatalf("Error executing migrate up: %v", err)
			}
		},
	}

	migrateDownCmd := &cobra.Command{
		Use:   "down [count]",
		Short: "Migrates database down [count] migrations",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			count, err := strconv.Atoi(args[0])
			if err != nil {
				logrus.Fatalf("Invalid [count] argument: %s", args[0])
			}

			if err := executeMigrations(databaseURL, migrate.Down, count); err != nil {
				logrus.Fatalf("Error executing migrate down: %v", err)
			}
		},
	}

	migrateCmd.AddCommand(&migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)

	if err := cfgOpts.Init(migrateCmd); err != nil {
		logrus.Fatalf("Error initializing a config option: %s", err.Error())
	}

	return migrateCmd
}

func executeMigrations(databaseURL string, direction migrate.MigrationDirection, count int) error {
	numMigrationsRun, err := db.Migrate(databaseURL, direction, count)
	if err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}

	if numMigrationsRun == 0 {
		logrus.Info("No migrations applied.")
	} else {
		logrus.Infof("Successfully applied %d migrations %s.", numMigrationsRun, migrationDirectionStr(direction))
	}
	return nil
}

func migrationDirectionStr(direction migrate.MigrationDirection) string {
	if direction == migrate.Up {
		return "up"
	}
	return "down"
}
