package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-booking/internal/config"
	"github.com/example/ride-booking/internal/dispatch"
	"github.com/example/ride-booking/internal/ingest"
	"github.com/example/ride-booking/internal/logging"
	"github.com/example/ride-booking/internal/notify"
	"github.com/example/ride-booking/internal/store"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "worker_messages_consumed_total",
		Help: "Total assignment requests consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "worker_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	assignOK = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "worker_assignments_total",
		Help: "Total successful auto assignments",
	})
	assignFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "worker_assignments_failed_total",
		Help: "Total auto assignments that did not produce a driver",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, assignOK, assignFailed)
}

// assignRequest is the message shape on the booking-requests topic.
type assignRequest struct {
	BookingID string `json:"booking_id"`
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadWorkerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var st store.Store
	var rc *redis.Client
	switch cfg.StoreBackend {
	case "redis":
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		st = store.NewRedisStoreFromClient(rc)
	case "postgres":
		ps, err := store.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres connect failed", "err", err)
			os.Exit(1)
		}
		defer ps.Close()
		st = ps
	default:
		logger.Warn("using in-memory store; only useful for local smoke runs")
		st = store.NewMemoryStore()
	}

	// Assignments committed here go through the same post-commit sinks as
	// transitions made by the API server.
	audit := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.AuditTopic)
	defer audit.Close()

	var notifier dispatch.Notifier = &notify.LogNotifier{Logger: logger}
	if cfg.PushEndpoint != "" {
		notifier = notify.NewPushNotifier(cfg.PushEndpoint, cfg.PushKey, nil)
	}

	engine := &dispatch.Engine{
		Store:        st,
		Notify:       notifier,
		Audit:        audit,
		Logger:       logger,
		MaxAttempts:  cfg.AssignMaxAttempts,
		RetryBackoff: cfg.AssignRetryBackoff,
	}

	// Metrics and health endpoints on a side port.
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if rc != nil {
				if err := rc.Ping(r.Context()).Err(); err != nil {
					http.Error(w, "redis not ready", http.StatusServiceUnavailable)
					return
				}
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
		})
		logger.Info("metrics listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "err", err)
		}
	}()

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaTopic,
		GroupID:  cfg.KafkaGroup,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer reader.Close()

	logger.Info("worker consuming", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down worker")
				return
			}
			logger.Error("kafka read", "err", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		var req assignRequest
		if err := json.Unmarshal(m.Value, &req); err != nil || req.BookingID == "" {
			msgsInvalid.Inc()
			logger.Warn("invalid assignment request", "err", err)
			continue
		}

		driverID, err := engine.AutoAssign(ctx, req.BookingID)
		switch {
		case err == nil:
			assignOK.Inc()
			logger.Info("booking assigned", "booking_id", req.BookingID, "driver_id", driverID)
		case errors.Is(err, dispatch.ErrNoCandidates):
			assignFailed.Inc()
			logger.Warn("no drivers available", "booking_id", req.BookingID)
		case errors.Is(err, dispatch.ErrPreconditionFailed):
			// Booking already assigned or no longer waiting; nothing to do.
			assignFailed.Inc()
			logger.Info("booking not assignable", "booking_id", req.BookingID, "err", err)
		default:
			assignFailed.Inc()
			logger.Error("auto assign", "booking_id", req.BookingID, "err", err)
		}
	}
}
