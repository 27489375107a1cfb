package main

import (
	"authgate/internal/api"
	"authgate/internal/app/querycache"
	"authgate/internal/app/service"
	"authgate/internal/common/security"
	"authgate/internal/domain/model"
	"authgate/internal/domain/repository"
	"authgate/internal/platform/config"
	"authgate/internal/platform/database"
	"authgate/internal/platform/logging"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	// 1. Load Configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// 2. Logger
	log := logging.New(os.Stdout, cfg.LogFormat, cfg.LogLevel).With(slog.String("app", cfg.AppName))
	slog.SetDefault(log)
	log.Info("configuration loaded",
		slog.String("storage", cfg.StorageBackend),
		slog.String("token_mode", cfg.TokenMode))

	ctx, cancelBackground := context.WithCancel(context.Background())
	defer cancelBackground()

	// 3. Token storage
	tokens, closeStore, err := openTokenStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	// 4. Credential service
	issuer, err := newTokenIssuer(cfg)
	if err != nil {
		return err
	}
	creds, err := service.NewDemoCredentialService(issuer, service.DemoCredentialOptions{
		Username: cfg.DemoUsername,
		Password: cfg.DemoPassword,
		Latency:  cfg.SimulatedLatency,
	})
	if err != nil {
		return err
	}

	// 5. Session cache and manager
	cache := querycache.New[model.Session](querycache.Options{
		StaleTime: cfg.SessionStaleTime,
		GCTime:    cfg.SessionGCTime,
		Logger:    log.With(slog.String("component", "querycache")),
	})
	go cache.Run(ctx, cfg.CacheSweepInterval)

	sessions, err := service.NewSessionManager(creds, tokens, cache, service.SessionOptions{
		CallTimeout: cfg.CallTimeout,
		Logger:      log.With(slog.String("component", "session")),
	})
	if err != nil {
		return err
	}
	defer sessions.Close()

	sessions.Subscribe(logTransitions(log))
	go func() {
		if err := sessions.Initialize(ctx); err != nil {
			log.Error("session initialization failed", slog.Any("error", err))
		}
	}()

	// 6. Router & HTTP Server
	server := &http.Server{
		Addr:         ":" + cfg.APIPort,
		Handler:      api.NewRouter(sessions, cfg.AppName, log),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: writeTimeout(cfg.CallTimeout),
		IdleTimeout:  120 * time.Second,
	}

	// 7. Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		log.Info("server starting", slog.String("port", cfg.APIPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("listen on %s: %w", cfg.APIPort, err)
		}
		return nil
	case <-stop:
	}

	log.Info("shutting down server")
	cancelBackground() // stops the cache sweeper
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	log.Info("server stopped gracefully")
	return nil
}

// writeTimeout leaves room for the credential call and the storage write a
// login makes, each bounded by callTimeout.
func writeTimeout(callTimeout time.Duration) time.Duration {
	return 2*callTimeout + 5*time.Second
}

func openTokenStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (repository.TokenStore, func(), error) {
	noop := func() {}

	switch cfg.StorageBackend {
	case config.StorageMemory:
		log.Warn("using in-memory token storage, sessions won't survive a restart")
		return repository.NewMemoryTokenStore(), noop, nil

	case config.StorageSQLite:
		db, err := database.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, noop, err
		}
		store, err := migratedSQLStore(ctx, db, repository.DialectSQLite, log)
		if err != nil {
			db.Close()
			return nil, noop, err
		}
		log.Info("sqlite token storage ready", slog.String("path", cfg.SQLitePath))
		return store, func() { db.Close() }, nil

	case config.StoragePostgres:
		db, err := database.ConnectPostgres(ctx, cfg)
		if err != nil {
			return nil, noop, err
		}
		store, err := migratedSQLStore(ctx, db, repository.DialectPostgres, log)
		if err != nil {
			db.Close()
			return nil, noop, err
		}
		log.Info("postgres token storage ready", slog.String("host", cfg.DBHost), slog.String("db", cfg.DBName))
		return store, func() { db.Close() }, nil

	case config.StorageRedis:
		rdb, err := database.ConnectRedis(ctx, cfg)
		if err != nil {
			return nil, noop, err
		}
		log.Info("redis token storage ready", slog.String("addr", cfg.RedisAddr))
		return repository.NewRedisTokenStore(rdb, cfg.AppName), func() { rdb.Close() }, nil
	}
	return nil, noop, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
}

func migratedSQLStore(ctx context.Context, db *sql.DB, dialect repository.Dialect, log *slog.Logger) (repository.TokenStore, error) {
	if err := database.Migrate(ctx, db, string(dialect), log); err != nil {
		return nil, fmt.Errorf("migrate %s: %w", dialect, err)
	}
	return repository.NewSQLTokenStore(db, dialect)
}

func newTokenIssuer(cfg *config.Config) (security.TokenIssuer, error) {
	if cfg.TokenMode == config.TokenModeJWT {
		tokens, err := security.NewJWTTokens(cfg.JWTKey)
		if err != nil {
			return nil, err
		}
		return tokens, nil
	}
	demo := service.DemoUser()
	return security.StaticTokens{Identity: security.Identity{Subject: demo.Username, Role: demo.Role}}, nil
}

func logTransitions(log *slog.Logger) func(model.SessionSnapshot) {
	var mu sync.Mutex
	var last model.SessionState = -1
	return func(s model.SessionSnapshot) {
		mu.Lock()
		defer mu.Unlock()
		if s.State == last {
			return
		}
		last = s.State
		attrs := []any{slog.String("state", s.State.String()), slog.Uint64("version", s.Version)}
		if s.CurrentUser != nil {
			attrs = append(attrs, slog.String("username", s.CurrentUser.Username))
		}
		if s.Err != nil {
			attrs = append(attrs, slog.Any("error", s.Err))
		}
		log.Info("session state changed", attrs...)
	}
}
