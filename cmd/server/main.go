package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/example/ambulance-dispatch/internal/assignment"
	"github.com/example/ambulance-dispatch/internal/config"
	"github.com/example/ambulance-dispatch/internal/dispatch"
	httpapi "github.com/example/ambulance-dispatch/internal/http"
	"github.com/example/ambulance-dispatch/internal/ingest"
	"github.com/example/ambulance-dispatch/internal/logging"
	"github.com/example/ambulance-dispatch/internal/observability"
	"github.com/example/ambulance-dispatch/internal/storage"
)

func main() {
	if err := run(); err != nil {
		slog.Error("dispatch server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	envFile, _ := config.LoadDotEnvUp(0)
	cfg, err := config.LoadServerConfig()
	if err != nil {
		return err
	}
	logger := logging.NewLogger("server", cfg.LogLevel)
	slog.SetDefault(logger)
	if envFile != "" {
		logger.Info("loaded env file", "path", envFile)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, "ambulance-dispatch-server", cfg.OTLPEndpoint, cfg.TraceSampleRatio)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	wsreg := dispatch.NewWSRegistry()
	var channel dispatch.Channel = wsreg
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		if err := rc.Ping(ctx).Err(); err != nil {
			return err
		}
		channel = dispatch.NewRedisChannel(rc, cfg.RedisChannelPrefix)
		relay := dispatch.NewRedisRelay(rc, cfg.RedisChannelPrefix, wsreg, logger)
		go func() {
			if err := relay.Run(ctx); err != nil {
				logger.Error("redis relay stopped", "error", err)
			}
		}()
		logger.Info("notifications via redis pub/sub", "addr", cfg.RedisAddr, "prefix", cfg.RedisChannelPrefix)
	}

	dispatcher := dispatch.NewDispatcher(channel, store, dispatch.Config{
		MaxAttempts:       cfg.NotifyMaxAttempts,
		BaseDelay:         cfg.NotifyBaseDelay,
		SendTimeout:       cfg.NotifySendTimeout,
		FanoutConcurrency: cfg.FanoutConcurrency,
	}, logger)
	engine := assignment.NewService(store, dispatcher, logger)
	engine.NotifyTimeout = cfg.NotifyTimeout

	var locations httpapi.LocationSink
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		locations = kp
		logger.Info("driver locations via kafka", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(engine, wsreg, locations, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ambulance-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := engine.Wait(shutdownCtx); err != nil {
		logger.Warn("pending notifications abandoned", "error", err)
	}
	return nil
}

func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.Store, func(), error) {
	if cfg.PGDSN == "" {
		logger.Warn("PG_DSN not set, using in-memory store")
		return storage.NewMemoryStore(cfg.LockTimeout), func() {}, nil
	}
	ps, err := storage.NewPostgresStore(ctx, cfg.PGDSN, cfg.PGMaxOpenConns, cfg.LockTimeout)
	if err != nil {
		return nil, nil, err
	}
	if cfg.RunMigrations {
		if err := storage.Migrate(ps.DB()); err != nil {
			_ = ps.Close()
			return nil, nil, err
		}
		logger.Info("migrations applied")
	}
	return ps, func() { _ = ps.Close() }, nil
}
