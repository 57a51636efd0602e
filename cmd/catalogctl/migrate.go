package main

import (
	"catalogsync/config"
	"catalogsync/internal/database"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the catalog tables",
	Long: `Run GORM AutoMigrate for artists, albums, tracks and album_rankings and
create the lookup indexes. SQL migrations are applied by cmd/migration.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.New()
		if err != nil {
			return err
		}

		db, err := database.New(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		if err := db.MigrateModels(); err != nil {
			return err
		}
		cmd.PrintErrln("migration complete")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
