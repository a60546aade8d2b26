package main

import (
	"github.com/snarg/callscope/internal/database"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema and exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			log.Error().Err(err).Msg("failed to load config")
			return err
		}
		db, err := openDatabase(cmd.Context(), cfg.DatabaseURL, database.PoolOptions{MaxConns: 2, MinConns: 1},
			log.With().Str("component", "database").Logger())
		if err != nil {
			log.Error().Err(err).Msg("migration failed")
			return err
		}
		db.Close()
		log.Info().Msg("schema up to date")
		return nil
	},
}
