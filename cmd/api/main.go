package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"docflow/api/internal/app"
	"docflow/api/internal/blob"
	"docflow/api/internal/config"
	"docflow/api/internal/email"
	"docflow/api/internal/gitrepo"
	"docflow/api/internal/logging"
	"docflow/api/internal/presence"
	"docflow/api/internal/store"
	"docflow/api/internal/versions"
)

func main() {
	cfg := config.Load()
	if path := strings.TrimSpace(os.Getenv("DOCFLOW_CONFIG")); path != "" {
		loaded, err := config.LoadFile(cfg, path)
		if err != nil {
			bootLogger := logging.New("info", "json")
			bootLogger.Fatal().Err(err).Str("path", path).Msg("config file invalid")
		}
		cfg = loaded
	} else if err := cfg.Validate(); err != nil {
		bootLogger := logging.New("info", "json")
		bootLogger.Fatal().Err(err).Msg("config invalid")
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("api exited")
	}
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	var (
		dataStore store.Store
		ping      func(context.Context) error
	)
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		db, err := store.Open(ctx, cfg.DatabaseURL, store.PoolConfig{MaxOpen: cfg.DBMaxConns})
		if err != nil {
			return err
		}
		defer db.Close()
		if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir, logger); err != nil {
			return err
		}
		dataStore = store.NewPostgresStore(db)
		ping = db.PingContext
		logger.Info().Msg("using postgres store")
	} else {
		dataStore = store.NewMemoryStore()
		logger.Warn().Msg("DATABASE_URL not set, using in-memory store")
	}

	snapshots, err := openSnapshots(ctx, cfg)
	if err != nil {
		return err
	}
	logger.Info().Str("backend", cfg.SnapshotBackend).Msg("snapshot store ready")

	var mirror presence.Mirror
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisMirror, err := presence.NewRedisMirror(cfg.RedisURL, logger)
		if err != nil {
			return err
		}
		defer redisMirror.Close()
		mirror = redisMirror
		logger.Info().Msg("presence mirrored to redis")
	}

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
		Domain:   cfg.NotifyEmailDomain,
	}, logger)
	notifier := email.NewAsync(mailer, logger, 256)
	defer notifier.Close()

	services := app.New(dataStore, snapshots, notifier, app.Options{
		EditDebounce:    cfg.EditDebounce,
		EditMaxDelay:    cfg.EditMaxDelay,
		PresenceTimeout: cfg.PresenceTimeout,
		CursorPerSecond: cfg.CursorUpdatesPerSec,
		PresenceMirror:  mirror,
	}, logger).WithPing(ping)

	proxies, err := cfg.TrustedProxyPrefixes()
	if err != nil {
		return err
	}
	handler := app.NewHTTPServer(services, cfg.JWTSecret, cfg.CORSOrigin, logger).WithTrustedProxies(proxies)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info().Str("addr", cfg.Addr).Msg("docflow api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		return services.Presence.Run(groupCtx, cfg.PresenceSweepInterval)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		services.Shutdown(shutdownCtx)
		return err
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openSnapshots(ctx context.Context, cfg config.Config) (versions.SnapshotStore, error) {
	if cfg.SnapshotBackend == "minio" {
		minioStore, err := blob.NewMinIO(ctx, blob.Config{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			UseSSL:    cfg.MinIOUseSSL,
		})
		if err != nil {
			return nil, err
		}
		return minioStore, nil
	}
	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		return nil, err
	}
	return gitrepo.New(cfg.ReposDir), nil
}
