package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/example/ride-booking/internal/config"
	"github.com/example/ride-booking/internal/dispatch"
	"github.com/example/ride-booking/internal/eta"
	httpapi "github.com/example/ride-booking/internal/http"
	"github.com/example/ride-booking/internal/ingest"
	"github.com/example/ride-booking/internal/logging"
	"github.com/example/ride-booking/internal/notify"
	"github.com/example/ride-booking/internal/payments"
	"github.com/example/ride-booking/internal/ratelimit"
	"github.com/example/ride-booking/internal/store"
)

func main() {
	// .env is a local-dev convenience; production sets real env vars.
	_ = godotenv.Load()

	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		st store.Store
		rc *redis.Client
	)
	switch cfg.StoreBackend {
	case "redis":
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		rs := store.NewRedisStoreFromClient(rc)
		if err := rs.Ping(ctx); err != nil {
			logger.Error("redis unreachable", "addr", cfg.RedisAddr, "err", err)
			os.Exit(1)
		}
		st = rs
	case "postgres":
		ps, err := store.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres connect failed", "err", err)
			os.Exit(1)
		}
		defer ps.Close()
		if cfg.RunMigrations {
			script, err := os.ReadFile(filepath.Join("migrations", "001_init.sql"))
			if err != nil {
				logger.Error("read migration", "err", err)
				os.Exit(1)
			}
			if err := ps.Migrate(ctx, string(script)); err != nil {
				logger.Error("apply migration", "err", err)
				os.Exit(1)
			}
			logger.Info("migration applied", "script", "001_init.sql")
		}
		st = ps
	default:
		logger.Warn("using in-memory store; data is not persisted")
		st = store.NewMemoryStore()
	}

	wsreg := notify.NewWSRegistry()
	var notifier dispatch.Notifier = wsreg
	if cfg.PushEndpoint != "" {
		notifier = notify.NewPushNotifier(cfg.PushEndpoint, cfg.PushKey, wsreg)
	}

	var audit dispatch.Auditor
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		audit = kp
	}

	var gateway payments.Gateway
	if cfg.StripeAPIKey != "" {
		gateway = payments.NewStripeGateway(cfg.StripeAPIKey)
	}

	engine := &dispatch.Engine{
		Store:        st,
		Notify:       notifier,
		Audit:        audit,
		Payments:     gateway,
		Logger:       logger,
		MaxAttempts:  cfg.AssignMaxAttempts,
		RetryBackoff: cfg.AssignRetryBackoff,
	}

	srv := httpapi.NewServer(engine, st, wsreg, cfg.JWTSecret, logger)
	srv.Payments = gateway
	if rc != nil {
		srv.Limiter = ratelimit.NewRedis(rc, cfg.RateLimit, cfg.RateLimitWindow)
	} else {
		srv.Limiter = ratelimit.NewMemory(cfg.RateLimit, cfg.RateLimitWindow)
	}
	if cfg.OSRMEndpoint != "" {
		srv.ETA = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("listening", "addr", cfg.HTTPAddr, "store", cfg.StoreBackend)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "err", err)
	}
}
