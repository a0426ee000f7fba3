package cmd

import (
	"fmt"
	"log"

	"github.com/koemilabs/koemi/koemi"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and run schema migrations",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			log.Fatal("database_type not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			log.Fatal(
				"database not set (must be a valid database connection " +
					"string or sqlite file path)",
			)
		}
		db, err := koemi.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}

		store := koemi.NewStore(db, nil, cfg.DatabaseType == "sqlite")
		settings, err := store.LoadSettings(ctx)
		if err != nil {
			log.Fatalf("Error initializing settings: %v", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(
			out,
			"Database initialized (remember_users=%v).\n",
			settings.RememberUsers,
		)
		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
