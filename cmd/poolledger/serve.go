package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"PoolLedger/internal/config"
	"PoolLedger/internal/core"
	"PoolLedger/internal/ingestion"
	"PoolLedger/internal/keeper"
	"PoolLedger/internal/observability"
	"PoolLedger/internal/persistence"
	"PoolLedger/internal/projection"
	"PoolLedger/internal/query"
	"PoolLedger/internal/server"
	"PoolLedger/migrations"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ledger: core, persistence, projections, gRPC/HTTP and keeper",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.ValidateServe(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func engineConfig(cfg config.Config) (core.Config, error) {
	genesis, err := config.LoadGenesis(cfg.GenesisPath)
	if err != nil {
		return core.Config{}, err
	}
	ec := core.DefaultConfig(genesis)
	ec.LRUCapacity = cfg.LRUCapacity
	return ec, nil
}

func serve(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	ec, err := engineConfig(cfg)
	if err != nil {
		return err
	}
	poolID := ec.Genesis.PoolID
	logger = logger.With().Uint64("pool_id", poolID).Logger()
	logger.Info().Msg("PoolLedger starting")

	// --- Postgres ---
	db, err := openDB(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := persistence.NewMigrator(db, migrations.FS, logger).Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	snapMgr := persistence.NewSnapshotManager(db)
	dbChecker := persistence.NewPostgresIdempotencyChecker(db)

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()
	healthChecker.AddCheck("postgres", db.PingContext)

	// --- Core ---
	// Persist blocks the core (backpressure); projections drop when full.
	persistChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	projectionChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)

	engine, err := core.NewEngine(ec, nil, nil, nil, metrics, observability.Component(logger, "core"))
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	// Recovery runs before the outputs and the dedup tier are attached.
	if err := persistence.Recover(ctx, engine, snapMgr, metrics, logger); err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	engine.AttachOutputs(persistChan, projectionChan)
	engine.AttachDBChecker(dbChecker)
	if keys, err := dbChecker.RecentKeys(ctx, cfg.LRUCapacity); err != nil {
		logger.Warn().Err(err).Msg("LRU warm-up skipped")
	} else {
		engine.WarmLRU(keys)
	}

	var (
		workers sync.WaitGroup
		errChan = make(chan error, 16)
	)
	// workersCtx outlives the core so that buffered outputs are flushed.
	workersCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	coreCtx, cancelCore := context.WithCancel(context.Background())
	defer cancelCore()

	goWorker := func(wg *sync.WaitGroup, name string, run func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := run(); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	persistWorker := persistence.NewPersistenceWorker(db, persistChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics, observability.Component(logger, "persistence"))
	goWorker(&workers, "persistence", func() error { return persistWorker.Run(workersCtx) })

	// --- Projections ---
	fanout := projection.NewFanout(projectionChan, metrics, observability.Component(logger, "fanout"))

	pgProjection := make(chan core.CoreOutput, cfg.ProjectionChanSize)
	fanout.Add("postgres", pgProjection)
	projWorker := projection.NewProjectionWorker(db, pgProjection, metrics, observability.Component(logger, "projection"))
	goWorker(&workers, "projection", func() error { return projWorker.Run(workersCtx) })

	var cache query.SummaryCache
	if cfg.RedisAddr != "" {
		rdb, err := projection.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return err
		}
		defer rdb.Close()
		healthChecker.AddCheck("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })

		redisChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)
		fanout.Add("redis", redisChan)
		sink := projection.NewRedisSink(rdb, cfg.RedisPrefix, cfg.RedisStreamLen, redisChan, metrics, observability.Component(logger, "redis"))
		goWorker(&workers, "redis", func() error { return sink.Run(workersCtx) })
		cache = sink
	}

	// --- NATS ---
	coreIn := make(chan core.Submission)
	submitter := ingestion.NewSubmitter(coreIn, metrics, observability.Component(logger, "ingestion"),
		ingestion.WithMaxClockSkew(cfg.MaxClockSkew))

	var subscriber *ingestion.NATSSubscriber
	rawChan := make(chan ingestion.RawEvent, 4096)
	ingressCtx, cancelIngress := context.WithCancel(ctx)
	defer cancelIngress()
	var ingress sync.WaitGroup

	if cfg.NATSURL != "" {
		nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, logger)
		if err != nil {
			return err
		}
		defer nc.Close()
		healthChecker.AddCheck("nats", func(context.Context) error {
			if !nc.IsConnected() {
				return fmt.Errorf("nats %s", nc.Status())
			}
			return nil
		})

		storage := jetstream.FileStorage
		if cfg.NATSStorage == "memory" {
			storage = jetstream.MemoryStorage
		}
		if err := ingestion.EnsureStreams(ctx, js, storage); err != nil {
			return err
		}

		publishChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)
		fanout.Add("nats", publishChan)
		publisher := ingestion.NewOutboundPublisher(js, publishChan, metrics, observability.Component(logger, "publisher"))
		goWorker(&workers, "publisher", func() error { return publisher.Run(workersCtx) })

		subscriber = ingestion.NewNATSSubscriber(js, rawChan, observability.Component(logger, "nats"))
		if err := subscriber.Subscribe(ingressCtx, ingestion.DefaultSubjects()); err != nil {
			return err
		}
		goWorker(&ingress, "nats ingestion", func() error { return submitter.RunNATS(ingressCtx, rawChan) })
	}

	goWorker(&workers, "fanout", func() error { return fanout.Run(workersCtx) })

	var engineDone sync.WaitGroup
	goWorker(&engineDone, "core", func() error { return engine.Run(coreCtx, coreIn) })

	snapshotter := persistence.NewSnapshotter(snapMgr, coreIn, cfg.SnapshotInterval, metrics, observability.Component(logger, "snapshot"))
	if cfg.SnapshotInterval > 0 {
		goWorker(&ingress, "snapshotter", func() error { return snapshotter.Run(ingressCtx) })
	}

	// --- gRPC + HTTP ---
	queries := query.NewQueryService(db, cache, coreIn, metrics, observability.Component(logger, "query"))
	auth := server.NewAuthenticator(cfg.JWTSecret, cfg.JWTIssuer)
	if auth == nil {
		logger.Warn().Msg("insecure-no-auth set, caller authentication disabled")
	}
	srv := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, server.Deps{
		Submitter: submitter,
		Queries:   queries,
		Snapshots: snapshotter,
		EventLog:  snapMgr,
		Rebuild: func(ctx context.Context) error {
			return projection.RebuildProjections(ctx, db, logger)
		},
		Auth:   auth,
		Logger: observability.Component(logger, "server"),
	}, healthChecker)
	goWorker(&ingress, "grpc", func() error { return srv.StartGRPC(ingressCtx) })
	goWorker(&ingress, "http", func() error { return srv.StartHTTPGateway(ingressCtx) })

	// --- Keeper ---
	var k *keeper.Keeper
	if cfg.KeeperEnabled {
		k = keeper.New(submitter, poolID, metrics, observability.Component(logger, "keeper"))
		if err := k.Register(ingressCtx, cfg.KeeperExpirations, cfg.KeeperWeights); err != nil {
			return err
		}
		k.Start()
	}

	srv.SetServing(true)
	logger.Info().
		Int64("next_sequence", engine.GetSequence()).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Msg("PoolLedger ready")

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown requested")
	case err := <-errChan:
		logger.Error().Err(err).Msg("component failed, shutting down")
	}

	// --- Graceful shutdown ---
	// Stop accepting work, snapshot, stop the core, then let the workers
	// drain what the core already emitted.
	srv.SetServing(false)
	if k != nil {
		k.Stop()
	}
	if subscriber != nil {
		subscriber.Stop()
	}
	cancelIngress()
	ingress.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if seq, err := snapshotter.Snapshot(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	} else {
		logger.Info().Int64("sequence", seq).Msg("final snapshot saved")
	}

	cancelCore()
	engineDone.Wait()
	close(persistChan)
	close(projectionChan)

	done := make(chan struct{})
	go func() {
		workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn().Msg("workers did not drain in time")
		cancelWorkers()
		<-done
	}

	logger.Info().Int64("next_sequence", engine.GetSequence()).Msg("PoolLedger shutdown complete")
	return nil
}
