// Package subsidyd wires the agricultural subsidy daemon: the reconciliation
// core, the event indexer, the recovery sweep, the daily audit and the HTTP
// API.
package subsidyd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"agrisubsidy/internal/passphrase"
	"agrisubsidy/observability"
	"agrisubsidy/observability/logging"
	telemetry "agrisubsidy/observability/otel"
	"agrisubsidy/services/subsidyd/auth"
	"agrisubsidy/services/subsidyd/config"
	"agrisubsidy/services/subsidyd/evidence"
	"agrisubsidy/services/subsidyd/indexer"
	"agrisubsidy/services/subsidyd/ledger"
	subsidymw "agrisubsidy/services/subsidyd/middleware"
	"agrisubsidy/services/subsidyd/recon"
	"agrisubsidy/services/subsidyd/server"
	"agrisubsidy/services/subsidyd/store"
	"agrisubsidy/services/subsidyd/stream"
)

const serviceName = "subsidyd"

// Main parses flags, loads the configuration and runs the daemon until
// SIGINT or SIGTERM.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", os.Getenv("SUBSIDYD_CONFIG"), "path to subsidyd configuration file (YAML or TOML)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("subsidyd: load config: %w", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return Run(ctx, cfg)
}

// Run starts every component described by cfg and blocks until ctx is
// cancelled or a component fails.
func Run(ctx context.Context, cfg config.Config) (err error) {
	level, _ := cfg.Log.SlogLevel()
	logOpts := logging.Options{Level: level}
	if cfg.Log.File != "" {
		logOpts.File = &logging.FileOptions{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
		}
	}
	logger, logCloser := logging.SetupWithOptions(serviceName, cfg.Env, logOpts)
	defer func() { err = multierr.Append(err, logCloser.Close()) }()
	logger.Info("starting subsidyd", cfg.LogAttrs()...)

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    serviceName,
		Environment:    cfg.Env,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		Headers:        cfg.Telemetry.Headers,
		Metrics:        cfg.Telemetry.Metrics,
		Traces:         cfg.Telemetry.Traces,
		SampleRatio:    cfg.Telemetry.SampleRatio,
		MetricInterval: cfg.Telemetry.MetricInterval.Duration,
	})
	if err != nil {
		return fmt.Errorf("subsidyd: init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = multierr.Append(err, shutdownTelemetry(shutdownCtx))
	}()

	db, err := store.Open(cfg.Database.URL, store.Options{
		MaxOpenConns: cfg.Database.MaxOpen,
		MaxIdleConns: cfg.Database.MaxIdle,
	})
	if err != nil {
		return fmt.Errorf("subsidyd: open store: %w", err)
	}
	records := store.New(db)
	defer func() { err = multierr.Append(err, records.Close()) }()

	vault, err := evidence.Open(cfg.Evidence.Path, cfg.Evidence.MaxBytes)
	if err != nil {
		return fmt.Errorf("subsidyd: open evidence vault: %w", err)
	}
	defer func() { err = multierr.Append(err, vault.Close()) }()

	signer, err := newSigner(cfg.Signer)
	if err != nil {
		return err
	}
	backend, closeBackend, err := dialChain(ctx, cfg.Chain, logger)
	if err != nil {
		return fmt.Errorf("subsidyd: dial ledger: %w", err)
	}
	defer closeBackend()
	client, err := ledger.NewEVMClient(backend, signer, ledger.EVMConfig{
		Contract:       cfg.Chain.ContractAddress(),
		ChainID:        cfg.Chain.ChainIDBig(),
		Confirmations:  cfg.Chain.Confirmations,
		GasLimit:       cfg.Chain.GasLimit,
		ConfirmTimeout: cfg.Chain.ConfirmTimeout.Duration,
		PollInterval:   cfg.Chain.PollInterval.Duration,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("subsidyd: ledger client: %w", err)
	}
	logger.Info("ledger signer ready", slog.String("address", client.Signer().Hex()))

	metrics := observability.Subsidyd()
	hub := stream.NewHub(stream.Options{Logger: logger, Metrics: metrics})

	coord, err := recon.New(recon.Config{
		Store:              records,
		Ledger:             client,
		Vault:              vault,
		Notifier:           hub,
		Logger:             logger,
		Metrics:            metrics,
		StoreRetries:       cfg.Reconcile.StoreRetries,
		StoreRetryInterval: cfg.Reconcile.StoreRetryInterval.Duration,
		StoreTimeout:       cfg.Reconcile.StoreTimeout.Duration,
		PendingGrace:       cfg.Reconcile.PendingGrace.Duration,
	})
	if err != nil {
		return fmt.Errorf("subsidyd: reconciliation core: %w", err)
	}

	ix, err := indexer.New(indexer.Config{
		Store:         records,
		Backend:       backend,
		Contract:      cfg.Chain.ContractAddress(),
		Confirmations: cfg.Chain.Confirmations,
		StartBlock:    cfg.Indexer.StartBlock,
		BatchBlocks:   cfg.Indexer.BatchBlocks,
		PollInterval:  cfg.Indexer.PollInterval.Duration,
		Handler:       coord.HandleEvents,
		Logger:        logger,
		Metrics:       metrics,
	})
	if err != nil {
		return fmt.Errorf("subsidyd: indexer: %w", err)
	}

	auditor, err := recon.NewAuditor(recon.AuditorConfig{
		Store:     records,
		OutputDir: cfg.Audit.OutputDir,
		Formats:   cfg.Audit.Formats,
		DryRun:    cfg.Audit.DryRun,
		Grace:     cfg.Audit.Grace.Duration,
		Alert: func(_ context.Context, anomaly recon.Anomaly) error {
			hub.Publish(recon.TopicAuditAnomaly, anomaly)
			return nil
		},
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return fmt.Errorf("subsidyd: auditor: %w", err)
	}

	verifier, err := auth.NewVerifier(auth.Config{
		Secret:   cfg.Auth.JWTSecret,
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
		Leeway:   cfg.Auth.Leeway.Duration,
	})
	if err != nil {
		return fmt.Errorf("subsidyd: auth: %w", err)
	}

	api, err := server.New(server.Config{
		Store:           records,
		Coordinator:     coord,
		Auditor:         auditor,
		Events:          ix,
		Vault:           vault,
		Stream:          hub,
		Verifier:        verifier,
		RateLimiter:     subsidymw.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
		Logger:          logger,
		MaxUploadBytes:  cfg.Evidence.MaxBytes + 1<<20,
		SweepStaleAfter: cfg.Reconcile.SweepStaleAfter.Duration,
	})
	if err != nil {
		return fmt.Errorf("subsidyd: server: %w", err)
	}
	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", slog.String("addr", cfg.Listen))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("subsidyd: http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		recon.NewSweeper(coord, cfg.Reconcile.SweepInterval.Duration, cfg.Reconcile.SweepStaleAfter.Duration, logger).Start(gctx)
		return nil
	})
	if cfg.Indexer.Enabled {
		g.Go(func() error {
			if err := ix.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("subsidyd: indexer: %w", err)
			}
			return nil
		})
	}
	if cfg.Audit.Enabled {
		g.Go(func() error {
			recon.NewScheduler(recon.SchedulerConfig{
				Auditor:   auditor,
				RunHour:   cfg.Audit.Hour,
				RunMinute: cfg.Audit.Minute,
				Location:  cfg.Audit.Location(),
				Logger:    logger,
			}).Start(gctx)
			return nil
		})
	}

	err = g.Wait()
	logger.Info("subsidyd stopped")
	return err
}

// dialChain connects to the configured node, or starts an in-memory registry
// chain when chain.simulated is set.
func dialChain(ctx context.Context, cfg config.ChainConfig, logger *slog.Logger) (ledger.Backend, func(), error) {
	if cfg.Simulated {
		logger.Warn("using the in-memory simulated chain; on-chain state is lost on exit",
			slog.Int64("chain_id", cfg.ChainID),
			slog.String("contract", cfg.Contract))
		return ledger.NewSimulatedBackend(cfg.ChainIDBig(), cfg.ContractAddress()), func() {}, nil
	}
	client, err := ledger.Dial(ctx, cfg.RPCURL)
	if err != nil {
		return nil, nil, err
	}
	return client, client.Close, nil
}

func newSigner(cfg config.SignerConfig) (ledger.Signer, error) {
	if key := strings.TrimSpace(cfg.PrivateKey); key != "" {
		signer, err := ledger.NewKeySigner(key)
		if err != nil {
			return nil, fmt.Errorf("subsidyd: signer key: %w", err)
		}
		return signer, nil
	}
	source := passphrase.NewSource(cfg.PassphraseEnv, "signer keystore")
	signer, err := ledger.NewKeystoreSigner(cfg.Keystore, cfg.Address, source.Get)
	if err != nil {
		return nil, fmt.Errorf("subsidyd: signer keystore: %w", err)
	}
	return signer, nil
}
