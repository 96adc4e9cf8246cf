package cmd

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/as-czyk/diagnostic-test/config"
	"github.com/as-czyk/diagnostic-test/db"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "diagnostic-test",
	Short: "SAT diagnostic test server",
	Long:  "Serves the SAT diagnostic test, the tutor dashboard and the study plan workflow.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
		if dsn, _ := cmd.Flags().GetString("database-url"); dsn != "" {
			c.DatabaseURL = dsn
		}
		cfg = c
		gin.SetMode(cfg.GinMode)
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
}

func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	rootCmd.PersistentFlags().String("database-url", "", "PostgreSQL connection string (overrides DIAG_DATABASE_URL)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(studyPlanCmd)
	rootCmd.AddCommand(hashPasswordCmd)
}

// openStore connects to the database and ensures the schema exists.
func openStore() (*pgxpool.Pool, *db.Store, error) {
	pool, err := db.InitDB(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := db.CreateSchema(pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("create schema: %w", err)
	}
	return pool, db.NewStore(pool), nil
}
