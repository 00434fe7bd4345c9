// Command worker runs the background processing loop: claiming pending
// webhook events, delivering them downstream with bounded retries, and
// reaping processing attempts that got stuck past their stale threshold.
package main

import (
	"context"
	"log/slog"
	"net"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/webhookspine/connector-spine/pkg/audit"
	"github.com/webhookspine/connector-spine/pkg/config"
	"github.com/webhookspine/connector-spine/pkg/downstream"
	"github.com/webhookspine/connector-spine/pkg/handoff"
	wsOtel "github.com/webhookspine/connector-spine/pkg/otel"
	"github.com/webhookspine/connector-spine/pkg/store"
	"github.com/webhookspine/connector-spine/pkg/worker"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	otelShutdown, err := wsOtel.Setup(ctx, wsOtel.Config{
		ServiceName:    config.EnvOr("OTEL_SERVICE_NAME", "connector-spine-worker"),
		OTLPEndpoint:   otelEndpoint,
		MetricsEnabled: true,
		TracingEnabled: otelEndpoint != "",
	})
	if err != nil {
		log.Error("otel setup failed", "error", err)
	} else {
		defer otelShutdown(context.Background()) //nolint:errcheck // best-effort shutdown
	}

	pool, err := pgxpool.New(ctx, buildPostgresDSN())
	if err != nil {
		log.Error("postgres connect failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	st := store.New(pool)
	auditor := audit.New(st)
	client := downstream.New(
		config.EnvOr("DOWNSTREAM_URL", "http://localhost:9000/deliver"),
		time.Duration(config.EnvOrInt("DOWNSTREAM_TIMEOUT_SEC", 10))*time.Second,
	)

	cfg := worker.DefaultConfig()
	if v := config.EnvOrInt("WORKER_CONCURRENCY", 0); v > 0 {
		cfg.Concurrency = v
	}
	if v := config.EnvOrInt("WORKER_CLAIM_BATCH_SIZE", 0); v > 0 {
		cfg.ClaimBatchSize = v
	}
	if v := config.EnvOrInt("WORKER_MAX_ATTEMPTS", 0); v > 0 {
		cfg.RetryPolicy.MaxAttempts = v
	}
	if v := config.EnvOrInt("WORKER_RETRY_INITIAL_DELAY_MS", 0); v > 0 {
		cfg.RetryPolicy.InitialDelay = time.Duration(v) * time.Millisecond
	}
	if v := config.EnvOrInt("WORKER_RETRY_MAX_DELAY_SEC", 0); v > 0 {
		cfg.RetryPolicy.MaxDelay = time.Duration(v) * time.Second
	}
	if v := config.EnvOrInt("WORKER_POLL_INTERVAL_SEC", 0); v > 0 {
		cfg.PollInterval = time.Duration(v) * time.Second
	}
	if v := config.EnvOrInt("WORKER_STALE_THRESHOLD_SEC", 0); v > 0 {
		cfg.StaleProcessingThreshold = time.Duration(v) * time.Second
	}

	w := worker.New(st, client, auditor, cfg)
	wake := make(chan string, 256)
	var consumer *handoff.Consumer
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		consumer, err = handoff.NewConsumer(handoff.ConsumerConfig{
			Brokers: splitCSV(brokers),
			Topic:   config.EnvOr("KAFKA_HANDOFF_TOPIC", "webhook-handoff"),
			GroupID: config.EnvOr("KAFKA_HANDOFF_GROUP", "connector-spine-worker"),
		})
		if err != nil {
			log.Error("handoff consumer setup failed, falling back to pure polling", "error", err)
			consumer = nil
		} else {
			defer consumer.Close() //nolint:errcheck
			go consumer.Consume(ctx, wake)
		}
	}

	log.Info("worker starting", "concurrency", cfg.Concurrency, "claim_batch_size", cfg.ClaimBatchSize)
	go w.Run(ctx, wake)

	<-ctx.Done()
	log.Info("shutting down worker")
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()
	w.Wait(shutCtx)
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func buildPostgresDSN() string {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		return v
	}
	sslmode := config.EnvOr("POSTGRES_SSLMODE", "disable")
	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(config.EnvOr("POSTGRES_USER", "webhookspine"), config.EnvOr("POSTGRES_PASSWORD", "changeme")),
		Host:     net.JoinHostPort(config.EnvOr("POSTGRES_HOST", "localhost"), config.EnvOr("POSTGRES_PORT", "5432")),
		Path:     config.EnvOr("POSTGRES_DB", "webhookspine"),
		RawQuery: "sslmode=" + url.QueryEscape(sslmode),
	}
	return u.String()
}
