package cmd

import (
	"fmt"
	"log"

	"github.com/lperezmo/gotc-discord-bot/gotcbot"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the audit database, or migrate an existing one",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			log.Fatal("Environment variable GOTC_DATABASE_TYPE not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			log.Fatal(
				"Environment variable GOTC_DATABASE not set (must be a valid " +
					"database connection string or sqlite file path)",
			)
		}

		db, err := gotcbot.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			log.Fatalf("Error getting database handle: %v", err)
		}
		defer sqlDB.Close()

		stats, err := gotcbot.NewDatabase(db, nil, false).Stats(ctx)
		if err != nil {
			log.Fatalf("Error reading database: %v", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(
			out,
			"Database ready (%d messages, %d replies sent, %d model calls).\n",
			stats.Messages,
			stats.RepliesSent,
			stats.ModelCalls,
		)
		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(initCmd)
}
