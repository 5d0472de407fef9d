package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/ent0n29/codecat/internal/records"
)

var databaseURL string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the record store tables in Postgres",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		url := strings.TrimSpace(databaseURL)
		if url == "" {
			url = strings.TrimSpace(os.Getenv("DATABASE_URL"))
		}
		if url == "" {
			return errors.New("DATABASE_URL or --database-url is required")
		}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		pool, err := pgxpool.New(ctx, url)
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		defer pool.Close()
		if err := records.InitSchema(ctx, pool); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
		logger.Info("schema ready")
		return nil
	},
}

func init() {
	migrateCmd.Flags().StringVar(&databaseURL, "database-url", "", "Postgres connection string (defaults to DATABASE_URL)")
}
