// Package main is the entry point for the care home trust simulation server.
// It only handles dependency injection and server initialization.
// NO business logic belongs here.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/truststudy/carehome/internal/auth"
	"github.com/truststudy/carehome/internal/infra/storage"
	"github.com/truststudy/carehome/internal/network"
	"github.com/truststudy/carehome/internal/platform/config"
	"github.com/truststudy/carehome/internal/platform/logger"
	"github.com/truststudy/carehome/internal/platform/metrics"
	"github.com/truststudy/carehome/internal/session"
)

func main() {
	configPath := flag.String("config", os.Getenv("CAREHOME_CONFIG"), "Path to YAML config file")
	flag.Parse()

	bootLog := logger.NewLogger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	appLogger := logger.New(os.Stdout, logger.ParseLevel(cfg.LogLevel))

	appLogger.Info("initializing SQLite database", "path", cfg.DBPath)
	db, err := storage.InitSQLite(cfg.DBPath, cfg.Tuning.DBMaxOpenConns)
	if err != nil {
		appLogger.Error("failed to initialize SQLite", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	credentials := auth.NewStore(storage.NewSQLiteUserRepository(db))
	if err := credentials.Seed(ctx, cfg.Users); err != nil {
		appLogger.Error("failed to seed accounts", "error", err)
		os.Exit(1)
	}
	if len(cfg.Users) == 0 {
		appLogger.Warn("no accounts configured; only previously seeded users can log in")
	}

	collector := metrics.Get()
	auditPersister := storage.NewAuditPersister(db, collector)

	sessions := session.NewManager(ctx, session.Options{
		EmergencyInterval: cfg.EmergencyInterval,
		IdleTimeout:       cfg.SessionIdleTimeout,
		MaxSessions:       cfg.MaxSessions,
		Persister:         auditPersister,
		Records:           storage.NewSQLiteSessionRepository(db),
		Metrics:           collector,
	}, appLogger)

	hub := network.NewHub(appLogger, collector,
		cfg.Tuning.BroadcastBuffer, cfg.Tuning.ClientSendBuffer, cfg.Tuning.MaxClientsPerSession)
	limiter := network.NewRateLimiter(cfg.LoginRateLimit.Max, cfg.LoginRateLimit.Window)
	if err := limiter.TrustProxies(cfg.TrustedProxies); err != nil {
		appLogger.Error("invalid trusted proxies", "error", err)
		os.Exit(1)
	}

	api := network.NewAPI(network.APIOptions{
		Sessions:      sessions,
		Auth:          credentials,
		Limiter:       limiter,
		Hub:           hub,
		Reconstructor: storage.NewReconstructor(storage.NewSQLiteActionLogRepository(db)),
		Audit:         auditPersister,
		Metrics:       collector,
		Logger:        appLogger,
	})
	mux := http.NewServeMux()
	api.RegisterRoutes(mux)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	g.Go(func() error {
		return sessions.RunJanitor(gctx, cfg.SweepInterval)
	})

	g.Go(func() error {
		t := time.NewTicker(cfg.LoginRateLimit.Window)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
				limiter.Prune()
			}
		}
	})

	g.Go(func() error {
		appLogger.Info("HTTP API & WS server listening", "addr", cfg.ListenAddr,
			"emergency_interval", cfg.EmergencyInterval, "max_sessions", cfg.MaxSessions)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		appLogger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		sessions.Shutdown(shutdownCtx)
		return err
	})

	if err := g.Wait(); err != nil {
		appLogger.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
	appLogger.Info("server stopped")
}
