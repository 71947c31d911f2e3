package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"solana-discovery/internal/aggregator"
	"solana-discovery/internal/config"
	"solana-discovery/internal/domain"
	"solana-discovery/internal/events"
	"solana-discovery/internal/health"
	"solana-discovery/internal/journal"
	"solana-discovery/internal/observability"
	"solana-discovery/internal/pipeline"
	"solana-discovery/internal/scoring"
	"solana-discovery/internal/sources"
	"solana-discovery/internal/storage"
	chstore "solana-discovery/internal/storage/clickhouse"
	"solana-discovery/internal/storage/memory"
	"solana-discovery/internal/storage/migrations"
	pgstore "solana-discovery/internal/storage/postgres"
)

func main() {
	root := &cobra.Command{
		Use:          "discovery",
		Short:        "Solana token discovery aggregator",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the discovery service",
		RunE:  runDiscovery,
	}

	runCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	runCmd.Flags().String("metrics-addr", ":9090", "Prometheus metrics HTTP address (empty to disable)")
	runCmd.Flags().Duration("stats-interval", time.Minute, "interval between stats log lines")

	runCmd.Flags().String("postgres-dsn", "", "Postgres DSN for the discovery archive (empty for in-memory)")
	runCmd.Flags().String("clickhouse-dsn", "", "ClickHouse DSN for the event journal (empty for in-memory)")

	runCmd.Flags().Duration("dedup-window", 24*time.Hour, "how long a mint stays deduplicated")
	runCmd.Flags().Int("min-confirmations", 2, "distinct sources required for promotion, first reporter included")
	runCmd.Flags().Float64("confirmation-weight-threshold", 2.0, "combined source weight required for promotion")
	runCmd.Flags().Duration("cleanup-interval", time.Hour, "how often expired records are evicted")
	runCmd.Flags().Int("max-records", 50_000, "dedup cache capacity")

	runCmd.Flags().Int("queue-max-size", 1000, "analysis queue capacity")
	runCmd.Flags().Int("queue-warning-threshold", 800, "queue depth that logs a warning")
	runCmd.Flags().Int("queue-eviction-count", 100, "oldest items dropped when the queue is full")
	runCmd.Flags().Int("queue-concurrency", 5, "analysis worker count")
	runCmd.Flags().Duration("queue-lock-timeout", 5*time.Second, "enqueue lock timeout")
	runCmd.Flags().Duration("queue-empty-check", 100*time.Millisecond, "worker idle poll interval")

	runCmd.Flags().Int("journal-batch-size", 64, "events per journal batch")
	runCmd.Flags().Duration("journal-flush-interval", 2*time.Second, "journal flush interval")

	runCmd.Flags().Bool("pumpfun-enabled", true, "enable the pump.fun websocket source")
	runCmd.Flags().String("pumpfun-endpoint", "wss://pumpportal.fun/api/data", "pump.fun stream endpoint")
	runCmd.Flags().Float64("pumpfun-weight", 1.0, "pump.fun base credibility weight")
	runCmd.Flags().Float64("pumpfun-rate-limit", 0, "pump.fun discoveries per second (0 = unlimited)")
	runCmd.Flags().Int("pumpfun-burst", 1, "pump.fun rate limit burst")

	runCmd.Flags().Bool("dexscreener-enabled", true, "enable the DexScreener polling source")
	runCmd.Flags().String("dexscreener-endpoint", "https://api.dexscreener.com/token-profiles/latest/v1", "DexScreener token profiles endpoint")
	runCmd.Flags().Duration("dexscreener-poll-interval", 30*time.Second, "DexScreener poll interval")
	runCmd.Flags().Float64("dexscreener-weight", 1.5, "DexScreener base credibility weight")
	runCmd.Flags().Float64("dexscreener-rate-limit", 0, "DexScreener discoveries per second (0 = unlimited)")
	runCmd.Flags().Int("dexscreener-burst", 1, "DexScreener rate limit burst")

	root.AddCommand(runCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runDiscovery(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics(observability.DefaultNamespace, nil)
	bus := events.NewBus(logger)

	// Storage defaults to memory; DSNs switch on the durable backends.
	var archive storage.DiscoveryArchive = memory.NewDiscoveryArchive()
	var journalStore storage.EventJournal = memory.NewEventJournal()

	if cfg.PostgresDSN != "" {
		pool, err := pgstore.NewPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
			return err
		}
		archive = pgstore.NewDiscoveryArchive(pool)
		logger.Info("postgres archive enabled")
	}

	if cfg.ClickhouseDSN != "" {
		conn, err := migrations.RunClickhouseMigrations(ctx, cfg.ClickhouseDSN)
		if err != nil {
			return err
		}
		defer conn.Close()
		journalStore = chstore.NewEventJournal(conn)
		logger.Info("clickhouse journal enabled")
	}

	engine := scoring.NewEngine()
	tracker := health.NewTracker(health.TrackerOptions{
		Bus:    bus,
		Logger: logger,
	})

	queue := pipeline.NewQueue(pipeline.Options{
		Config: pipeline.Config{
			MaxSize:               cfg.QueueMaxSize,
			WarningThreshold:      cfg.QueueWarningThreshold,
			OverflowEvictionCount: cfg.QueueEvictionCount,
			Concurrency:           cfg.QueueConcurrency,
			LockTimeout:           cfg.QueueLockTimeout,
			EmptyQueueCheck:       cfg.QueueEmptyCheck,
		},
		Handler: archiveHandler(archive, logger),
		Logger:  logger,
		Metrics: metrics,
	})

	agg := aggregator.New(aggregator.Options{
		Config: aggregator.Config{
			DedupWindow:                 cfg.DedupWindow,
			MinConfirmations:            cfg.MinConfirmations,
			ConfirmationWeightThreshold: cfg.ConfirmationWeightThreshold,
			CleanupInterval:             cfg.CleanupInterval,
			MaxRecords:                  cfg.MaxRecords,
		},
		Tracker: tracker,
		Scoring: engine,
		Bus:     bus,
		Queue:   queue,
		Metrics: metrics,
		Logger:  logger,
	})

	writer := journal.NewWriter(journal.Options{
		Journal:       journalStore,
		Bus:           bus,
		BatchSize:     cfg.JournalBatchSize,
		FlushInterval: cfg.JournalFlushInterval,
		Logger:        logger,
		Metrics:       metrics,
	})

	// The writer subscribes before any source can publish.
	if err := writer.Start(ctx); err != nil {
		return err
	}
	queue.Start(ctx)
	agg.Start(ctx)

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
		})
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			logger.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	registerSources(ctx, cfg, agg, logger)

	logger.Info("discovery service start",
		zap.Duration("dedup_window", cfg.DedupWindow),
		zap.Int("min_confirmations", cfg.MinConfirmations),
		zap.Float64("confirmation_weight_threshold", cfg.ConfirmationWeightThreshold),
		zap.Int("max_records", cfg.MaxRecords),
		zap.Int("queue_max_size", cfg.QueueMaxSize),
		zap.Bool("pumpfun", cfg.PumpFunEnabled),
		zap.Bool("dexscreener", cfg.DexScreenerEnabled),
	)

	statsDone := make(chan struct{})
	go statsLoop(ctx, statsDone, cfg.StatsInterval, agg, metrics, logger)

	<-ctx.Done()
	// Restore default signal handling so a second signal kills the process.
	stop()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	<-statsDone
	if err := agg.Stop(shutdownCtx); err != nil {
		logger.Error("aggregator stop failed", zap.Error(err))
	}
	if err := queue.Stop(shutdownCtx); err != nil {
		logger.Error("queue stop failed", zap.Error(err))
	}
	bus.Close()
	if err := writer.Stop(shutdownCtx); err != nil {
		logger.Error("journal writer stop failed", zap.Error(err))
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown failed", zap.Error(err))
		}
	}

	logger.Info("shutdown complete")
	return nil
}

// registerSources starts every enabled feed. A source that fails to start is
// logged and left to the circuit breaker; the rest keep running.
func registerSources(ctx context.Context, cfg config.Config, agg *aggregator.Aggregator, logger *zap.Logger) {
	if cfg.PumpFunEnabled {
		src := sources.NewPumpFunSource(sources.PumpFunConfig{
			Endpoint: cfg.PumpFunEndpoint,
			Weight:   cfg.PumpFunWeight,
		}, logger)
		err := agg.RegisterSource(ctx, src, domain.SourceConfig{
			BaseWeight: cfg.PumpFunWeight,
			RateLimit: domain.RateLimitConfig{
				RequestsPerSecond: cfg.PumpFunRateLimit,
				Burst:             cfg.PumpFunBurst,
			},
		})
		if err != nil {
			logger.Error("register pump.fun source failed", zap.Error(err))
		}
	}

	if cfg.DexScreenerEnabled {
		src := sources.NewDexScreenerSource(sources.DexScreenerConfig{
			Endpoint:     cfg.DexScreenerEndpoint,
			Weight:       cfg.DexScreenerWeight,
			PollInterval: cfg.DexScreenerPollInterval,
		}, logger)
		err := agg.RegisterSource(ctx, src, domain.SourceConfig{
			BaseWeight: cfg.DexScreenerWeight,
			RateLimit: domain.RateLimitConfig{
				RequestsPerSecond: cfg.DexScreenerRateLimit,
				Burst:             cfg.DexScreenerBurst,
			},
		})
		if err != nil {
			logger.Error("register dexscreener source failed", zap.Error(err))
		}
	}
}

// archiveHandler persists analysis queue items: new discoveries insert a
// record, promotions update it in place.
func archiveHandler(archive storage.DiscoveryArchive, logger *zap.Logger) pipeline.Handler {
	return func(ctx context.Context, item pipeline.Item) error {
		if item.Record == nil {
			return nil
		}
		switch item.Reason {
		case pipeline.ReasonHighConfidence:
			err := archive.UpdateRecord(ctx, item.Record)
			if errors.Is(err, storage.ErrNotFound) {
				// The discovery insert may still be in flight behind us.
				return archive.Insert(ctx, item.Record)
			}
			return err
		default:
			err := archive.Insert(ctx, item.Record)
			if errors.Is(err, storage.ErrDuplicateKey) {
				logger.Debug("record already archived", zap.String("mint", item.Record.Mint))
				return nil
			}
			return err
		}
	}
}

func statsLoop(ctx context.Context, done chan<- struct{}, interval time.Duration, agg *aggregator.Aggregator, metrics *observability.Metrics, logger *zap.Logger) {
	defer close(done)

	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := agg.Stats()
			logger.Info("discovery stats",
				zap.Int64("total_discovered", s.TotalDiscovered),
				zap.Int64("unique_tokens", s.UniqueTokens),
				zap.Int64("duplicates_filtered", s.DuplicatesFiltered),
				zap.Int64("confirmations", s.Confirmations),
				zap.Int64("high_confidence", s.HighConfidence),
				zap.Int64("rate_limited", s.RateLimited),
				zap.Int64("invalid_tokens", s.InvalidTokens),
				zap.Float64("avg_confirmations", s.AvgConfirmations),
				zap.Int("live_records", s.LiveRecords),
			)
			for _, src := range s.Sources {
				metrics.SetSourceHealthy(src.SourceID.String(), src.Healthy)
			}
		}
	}
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
