package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"PoolLedger/internal/config"
	"PoolLedger/internal/observability"
	"PoolLedger/internal/persistence"
	"PoolLedger/migrations"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var cfgFile string

func main() {
	root := &cobra.Command{
		Use:           "poolledger",
		Short:         "Staking pool capacity and pricing ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./poolledger.yaml if present)")
	config.RegisterFlags(root.PersistentFlags())

	root.AddCommand(serveCmd(), migrateCmd(), rebuildCmd(), verifyCmd(), tokenCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	return cfg, logger, nil
}

func openDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return db, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "migrate [up|down]",
		Short:     "Apply or roll back schema migrations",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"up", "down"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			db, err := openDB(cmd.Context(), cfg.PostgresDSN)
			if err != nil {
				return err
			}
			defer db.Close()

			m := persistence.NewMigrator(db, migrations.FS, logger)
			switch args[0] {
			case "up":
				return m.Up(cmd.Context())
			case "down":
				return m.Down(cmd.Context())
			default:
				return fmt.Errorf("unknown direction %q (want up or down)", args[0])
			}
		},
	}
	return cmd
}
