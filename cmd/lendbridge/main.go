package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	bolt "go.etcd.io/bbolt"

	"lendbridge/chain"
	"lendbridge/cmd/internal/passphrase"
	"lendbridge/config"
	"lendbridge/contract"
	"lendbridge/crypto"
	"lendbridge/gateway"
	"lendbridge/gateway/middleware"
	"lendbridge/ledger"
	"lendbridge/observability/logging"
	telemetry "lendbridge/observability/otel"
	"lendbridge/orchestrator"
	"lendbridge/reconcile"
	"lendbridge/relay"
)

const shutdownGrace = 15 * time.Second

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "lendbridge.yaml", "path to bridge configuration (YAML or TOML)")
	flag.Parse()

	if err := run(cfgPath); err != nil {
		slog.Error("lendbridge exited", "error", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	env := strings.TrimSpace(os.Getenv("LENDBRIDGE_ENV"))
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logging.Setup("lendbridge", env)
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.SetupWithOptions(logging.Options{
		Service:    "lendbridge",
		Env:        env,
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	logger.Info("configuration loaded", append([]any{"path", cfgPath}, cfg.LogAttrs()...)...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.FromEnv("lendbridge", env))
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(shutdownCtx)
	}()

	key, err := crypto.LoadSigner(crypto.SignerSource{
		Key:        cfg.Signer.Key,
		Keystore:   cfg.Signer.Keystore,
		Passphrase: passphrase.NewSource(cfg.Signer.PassphraseEnv).Get,
	})
	if err != nil {
		return fmt.Errorf("load signer: %w", err)
	}

	conn, err := chain.Dial(ctx, chain.ConnConfig{
		Endpoint:             cfg.Chain.Endpoint,
		Dialer:               chain.DialEthclient,
		MaxReconnectAttempts: cfg.Chain.MaxReconnectAttempts,
		ReconnectBackoff:     cfg.Chain.ReconnectBackoff.Duration,
		MaxBackoff:           cfg.Chain.MaxBackoff.Duration,
		PollInterval:         cfg.Chain.PollInterval.Duration,
		ConfirmTimeout:       cfg.Chain.ConfirmTimeout.Duration,
		DropAfter:            cfg.Chain.DropAfter.Duration,
		Logger:               logger,
	})
	if err != nil {
		return fmt.Errorf("connect to node: %w", err)
	}
	defer conn.Close()

	chainID, err := conn.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("read chain id: %w", err)
	}
	if chainID.Cmp(big.NewInt(cfg.Chain.ChainID)) != 0 {
		return fmt.Errorf("node reports chain id %s, configuration expects %d", chainID, cfg.Chain.ChainID)
	}

	authority, err := chain.NewAuthority(key, chainID)
	if err != nil {
		return fmt.Errorf("signing authority: %w", err)
	}
	maxAmount, err := cfg.Contract.MaxAmountValue()
	if err != nil {
		return err
	}
	proxy, err := contract.NewProxy(conn, authority, contract.ProxyConfig{
		Address:            common.HexToAddress(cfg.Contract.Address),
		MaxAmount:          maxAmount,
		GasHeadroomPercent: cfg.Contract.GasHeadroomPercent,
		Logger:             logger,
	})
	if err != nil {
		return fmt.Errorf("contract proxy: %w", err)
	}
	logger.Info("bridge account ready",
		"signer", authority.Address().Hex(),
		"pool", proxy.Address().Hex(),
		"chain_id", chainID.String(),
		"endpoint", logging.MaskURL(cfg.Chain.Endpoint))

	store, err := ledger.Open(cfg.Ledger.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	journal, err := reconcile.OpenJournal(cfg.Reconcile.Journal, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return err
	}
	defer journal.Close()

	orch, err := orchestrator.New(orchestrator.Config{
		Proxy:    proxy,
		Tracker:  journal,
		Recorder: store,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	hub := relay.NewHub(cfg.Gateway.SessionBuffer, logger)
	if err := proxy.WatchEvents(); err != nil {
		return fmt.Errorf("watch pool events: %w", err)
	}
	rel, err := relay.New(proxy, hub, logger)
	if err != nil {
		return err
	}

	reconciler, err := reconcile.NewReconciler(reconcile.Config{
		Journal:   journal,
		Chain:     conn,
		Ledger:    store,
		Notifier:  hub,
		DropAfter: cfg.Chain.DropAfter.Duration,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	scheduler := reconcile.NewScheduler(reconcile.SchedulerConfig{
		Reconciler: reconciler,
		Interval:   cfg.Reconcile.Interval.Duration,
		Logger:     logger,
	})

	srv, err := gateway.New(gateway.Config{
		Executor: orch,
		Reader:   proxy,
		Hub:      hub,
		Pending:  journal,
		Ledger:   store,
		Auth: middleware.AuthConfig{
			Enabled:    cfg.Gateway.Auth.Enabled,
			HMACSecret: cfg.Gateway.Auth.HMACSecret,
			Issuer:     cfg.Gateway.Auth.Issuer,
			Audience:   cfg.Gateway.Auth.Audience,
			ClockSkew:  cfg.Gateway.Auth.ClockSkew.Duration,
		},
		ConnectLimit: middleware.RateLimit{
			RatePerSecond: cfg.Gateway.ConnectRate,
			Burst:         cfg.Gateway.ConnectBurst,
		},
		AdminLimit: middleware.RateLimit{
			RatePerSecond: cfg.Gateway.AdminRate,
			Burst:         cfg.Gateway.AdminBurst,
		},
		RequestsPerSec: cfg.Gateway.RequestsPerSec,
		Burst:          cfg.Gateway.Burst,
		WriteTimeout:   cfg.Gateway.WriteTimeout.Duration,
		PingInterval:   cfg.Gateway.PingInterval.Duration,
		AllowedOrigins: cfg.Gateway.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	errs := make(chan error, 3)
	go func() {
		if err := orch.Run(runCtx); err != nil {
			errs <- fmt.Errorf("orchestrator: %w", err)
		}
	}()
	go func() {
		if err := rel.Run(runCtx); err != nil {
			errs <- fmt.Errorf("relay: %w", err)
		}
	}()
	go scheduler.Start(runCtx)

	httpServer := &http.Server{
		Addr:              cfg.Gateway.Listen,
		Handler:           otelhttp.NewHandler(srv, "lendbridge"),
		ReadHeaderTimeout: 10 * time.Second,
		// Sessions inherit this context so shutdown reaches hijacked connections.
		BaseContext: func(net.Listener) context.Context { return runCtx },
	}
	go func() {
		logger.Info("gateway listening", "addr", cfg.Gateway.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("gateway: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-conn.Err():
		// The connection gave up reconnecting; exit so a supervisor restarts us.
		runErr = fmt.Errorf("chain connection lost: %w", err)
	case err := <-errs:
		runErr = err
	}
	if runErr != nil {
		logger.Error("shutting down", "error", runErr)
	}

	cancel()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("gateway shutdown incomplete", "error", err)
	}
	return runErr
}
