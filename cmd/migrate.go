package main

import (
	"context"
	"errors"
	"time"

	"github.com/commitpool/settlement-service/internal/config"
	"github.com/commitpool/settlement-service/internal/logger"
	"github.com/commitpool/settlement-service/internal/store"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the settlement schema to DATABASE_URL",
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.StorageDriver != config.StorageDriverPostgres {
		return errors.New("migrate requires DATABASE_URL and the postgres storage driver")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	dbpool, err := connectDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer dbpool.Close()

	if err := store.Migrate(ctx, dbpool); err != nil {
		return err
	}
	log := logger.GetForComponent("migrate")
	log.Info().Msg("schema applied")
	return nil
}
