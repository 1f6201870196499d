package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"PoolLedger/internal/core"
	"PoolLedger/internal/persistence"
	"PoolLedger/internal/projection"
	"PoolLedger/internal/server"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func rebuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild-projections",
		Short: "Truncate the read models and rebuild them from the event log",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			db, err := openDB(cmd.Context(), cfg.PostgresDSN)
			if err != nil {
				return err
			}
			defer db.Close()
			return projection.RebuildProjections(cmd.Context(), db, logger)
		},
	}
}

func verifyCmd() *cobra.Command {
	var fromSnapshot bool
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Replay the event log into a detached engine and check every state hash",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ec, err := engineConfig(cfg)
			if err != nil {
				return err
			}
			db, err := openDB(cmd.Context(), cfg.PostgresDSN)
			if err != nil {
				return err
			}
			defer db.Close()

			engine, err := core.NewEngine(ec, nil, nil, nil, nil, logger)
			if err != nil {
				return err
			}
			snapMgr := persistence.NewSnapshotManager(db)
			start := time.Now()
			if fromSnapshot {
				err = persistence.Recover(cmd.Context(), engine, snapMgr, nil, logger)
			} else {
				_, err = persistence.Replay(cmd.Context(), engine, snapMgr, nil, logger)
			}
			if err != nil {
				return err
			}

			head, err := snapMgr.GetLatestSequence(cmd.Context())
			if err != nil {
				return err
			}
			if engine.GetSequence()-1 != head {
				return fmt.Errorf("replay stopped at %d, log head is %d", engine.GetSequence()-1, head)
			}
			hash := engine.GetStateHash()
			fmt.Fprintf(cmd.OutOrStdout(), "verified through sequence %d in %s\nstate hash %s\n",
				head, time.Since(start).Round(time.Millisecond), hex.EncodeToString(hash[:]))
			return nil
		},
	}
	cmd.Flags().BoolVar(&fromSnapshot, "from-snapshot", false, "start from the latest verified snapshot instead of genesis")
	return cmd
}

func tokenCmd() *cobra.Command {
	var (
		caller string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a caller token for the gRPC and HTTP APIs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			auth := server.NewAuthenticator(cfg.JWTSecret, cfg.JWTIssuer)
			if auth == nil {
				return errors.New("jwt-secret is not set")
			}
			id, err := uuid.Parse(caller)
			if err != nil {
				return fmt.Errorf("caller: %w", err)
			}
			tok, err := auth.Mint(id, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&caller, "caller", "", "caller account id (uuid)")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("caller")
	return cmd
}
