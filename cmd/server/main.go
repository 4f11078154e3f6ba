package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/jw6ventures/council/internal/api"
	appauth "github.com/jw6ventures/council/internal/auth"
	"github.com/jw6ventures/council/internal/availability"
	"github.com/jw6ventures/council/internal/calendar"
	"github.com/jw6ventures/council/internal/config"
	"github.com/jw6ventures/council/internal/content"
	httpserver "github.com/jw6ventures/council/internal/http"
	httperrors "github.com/jw6ventures/council/internal/http/errors"
	"github.com/jw6ventures/council/internal/store"
)

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		policyFile string
		listenAddr string
		logLevel   string
	)
	flagSet := pflag.NewFlagSet("council", pflag.ContinueOnError)
	flagSet.StringVar(&policyFile, "policy", "", "path to the YAML policy file (overrides APP_POLICY_FILE)")
	flagSet.StringVar(&listenAddr, "listen", "", "listen address (overrides APP_LISTEN_ADDR)")
	flagSet.StringVar(&logLevel, "log-level", "", "log level (overrides APP_LOG_LEVEL)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if policyFile != "" {
		cfg.PolicyFile = policyFile
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	httperrors.SetLogger(logger)
	logger.Info("starting council server")

	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return err
	}
	resolver, err := appauth.NewResolver(policy.Groups)
	if err != nil {
		return fmt.Errorf("policy %s: %w", cfg.PolicyFile, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN)
	if err != nil {
		return fmt.Errorf("create db pool: %w", err)
	}
	defer pool.Close()

	applied, err := store.ApplyMigrations(ctx, pool)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	for _, name := range applied {
		logger.WithField("migration", name).Info("applied migration")
	}
	stor := store.New(pool)

	sessionManager, err := appauth.NewSessionManager(cfg)
	if err != nil {
		return fmt.Errorf("initialize sessions: %w", err)
	}
	authService := appauth.NewService(ctx, cfg, sessionManager, resolver, stor.Persons, logger)

	gate, err := content.NewGate(content.Roots{
		Public:    cfg.Content.PublicDir,
		Hidden:    cfg.Content.HiddenDir,
		Protected: cfg.Content.ProtectedDir,
	})
	if err != nil {
		return fmt.Errorf("content roots: %w", err)
	}

	mirror := calendar.NewMirror(policy.Feeds(), calendar.Options{
		Refresh: cfg.Calendar.Refresh,
		Timeout: cfg.Calendar.Timeout,
	}, logger)
	ledger := availability.NewLedger(stor.Leaves, logger)
	apiHandler := api.NewHandler(stor.Persons, mirror, ledger, logger)

	if len(cfg.TrustedProxies) == 0 {
		logger.Info("APP_TRUSTED_PROXIES is empty: rate limits apply to peer addresses, forwarding headers are ignored")
	}

	r, stopRouter := httpserver.NewRouter(cfg, stor, authService, apiHandler, content.NewHandler(gate, cfg.Content.FallbackLang, logger), logger)
	defer stopRouter()

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"addr":      cfg.ListenAddr,
			"calendars": mirror.Names(),
			"groups":    resolver.Groups(),
		}).Info("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("graceful shutdown failed")
	}
	return nil
}

func newLogger(cfg *config.Config) (*logrus.Logger, error) {
	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	logger.SetLevel(level)
	switch cfg.Log.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Log.Format)
	}
	return logger, nil
}
