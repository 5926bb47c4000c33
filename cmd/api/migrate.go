package main

import (
	"github.com/georgemunganga/fixi-backend/internal/config"
	"github.com/georgemunganga/fixi-backend/internal/db"
	"github.com/georgemunganga/fixi-backend/internal/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down]",
		Short:     "Apply or roll back one step of the database schema",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log, err := logging.New(cfg.App.Env)
			if err != nil {
				return err
			}
			defer log.Sync()

			conn, err := db.Open(cmd.Context(), cfg.Database.URL, log)
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := db.Migrate(conn, args[0]); err != nil {
				return err
			}
			log.Info("migration finished", zap.String("direction", args[0]))
			return nil
		},
	}
}
