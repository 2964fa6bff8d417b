package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/devrev/pairdb/scout/internal/config"
	"github.com/devrev/pairdb/scout/internal/health"
	"github.com/devrev/pairdb/scout/internal/metrics"
	"github.com/devrev/pairdb/scout/internal/model"
	"github.com/devrev/pairdb/scout/internal/server"
	"github.com/devrev/pairdb/scout/internal/service"
	"github.com/devrev/pairdb/scout/internal/store"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to the YAML configuration file")
	flag.Parse()

	// A missing .env file is fine
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("scout_id", cfg.Scout.ID),
		zap.String("store_site_id", cfg.Store.SiteID),
		zap.String("txn_log_backend", cfg.TxnLog.Backend),
		zap.String("commit_mode", cfg.Scout.CommitMode))

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Scout failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.NewMetrics(cfg.Scout.ID, prometheus.DefaultRegisterer)

	if cfg.TxnLog.Backend != config.TxnLogNone {
		if err := os.MkdirAll(cfg.TxnLog.Dir, 0755); err != nil {
			return fmt.Errorf("failed to create transaction log directory: %w", err)
		}
	}
	txnLog, err := service.OpenTxnLog(&service.TxnLogConfig{
		Backend:     cfg.TxnLog.Backend,
		Dir:         cfg.TxnLog.Dir,
		SegmentSize: cfg.TxnLog.SegmentSize,
		SyncWrites:  cfg.TxnLog.SyncWrites,
	}, m, logger)
	if err != nil {
		return fmt.Errorf("failed to open transaction log: %w", err)
	}

	st := store.NewMemoryStore(cfg.Store.SiteID, cfg.Store.NotificationBuffer, logger)
	defer st.Close()

	scoutCfg, err := scoutConfig(cfg)
	if err != nil {
		return err
	}
	scout, err := service.NewScout(scoutCfg, st, txnLog, m, logger)
	if err != nil {
		return fmt.Errorf("failed to create scout: %w", err)
	}
	if err := scout.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scout: %w", err)
	}
	if n := len(scout.PendingRecovery()); n > 0 {
		logger.Warn("Recovered transactions await resubmission", zap.Int("count", n))
	}

	logDir := ""
	if cfg.TxnLog.Backend != config.TxnLogNone {
		logDir = cfg.TxnLog.Dir
	}
	checker := health.NewHealthChecker(&health.HealthCheckConfig{
		ScoutID: cfg.Scout.ID,
		LogDir:  logDir,
		Store:   scout,
		Queue:   scout,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		checker.Start(gctx)
		return nil
	})

	var admin *server.AdminServer
	if cfg.Metrics.Enabled {
		admin = server.NewAdminServer(&server.AdminServerConfig{
			Port:        cfg.Metrics.Port,
			MetricsPath: cfg.Metrics.Path,
		}, scout, checker, cfg, logger)
		if err := admin.Start(); err != nil {
			return err
		}
	}

	logger.Info("Scout running", zap.String("scout_id", scout.ID()))
	<-gctx.Done()

	logger.Info("Shutting down gracefully...")
	checker.SetReadiness(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*cfg.Scout.Deadline+5*time.Second)
	defer cancel()
	if err := scout.Stop(shutdownCtx, true); err != nil {
		logger.Error("Failed to stop scout cleanly", zap.Error(err))
	}
	if admin != nil {
		if err := admin.Shutdown(shutdownCtx); err != nil {
			logger.Error("Failed to stop admin server", zap.Error(err))
		}
	}
	return g.Wait()
}

// scoutConfig maps the process configuration onto the scout's
func scoutConfig(cfg *config.Config) (*service.ScoutConfig, error) {
	isolation, err := model.ParseIsolationLevel(cfg.Scout.DefaultIsolation)
	if err != nil {
		return nil, err
	}
	policy, err := model.ParseCachePolicy(cfg.Scout.DefaultCachePolicy)
	if err != nil {
		return nil, err
	}
	return &service.ScoutConfig{
		ID:                         cfg.Scout.ID,
		DefaultIsolation:           isolation,
		DefaultCachePolicy:         policy,
		CommitMode:                 model.CommitMode(cfg.Scout.CommitMode),
		ConcurrentOpenTransactions: cfg.Scout.ConcurrentOpenTransactions,
		DisasterSafe:               cfg.Scout.DisasterSafe,
		Deadline:                   cfg.Scout.Deadline,
		RetryBackoff:               cfg.Scout.RetryBackoff,
		MaxAsyncTransactionsQueued: cfg.Scout.MaxAsyncTransactionsQueued,
		MaxCommitBatchSize:         cfg.Scout.MaxCommitBatchSize,
		NotificationWorkers:        cfg.Scout.NotificationWorkers,
		ResubmitOnStart:            cfg.TxnLog.ResubmitOnStart,
		Cache: service.CacheConfig{
			MaxElements:           cfg.Cache.MaxElements,
			EvictionTime:          cfg.Cache.EvictionTime,
			EvictionCheckInterval: cfg.Cache.EvictionCheckInterval,
		},
	}, nil
}

// initLogger builds the zap logger from the logging configuration
func initLogger(cfg *config.LoggingConfig) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}
