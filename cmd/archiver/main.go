// Command archiver periodically bundles terminal (completed/failed) events,
// their processing state, and their full audit trail into durable object
// storage, advancing a checkpoint so each run only ships what's new.
package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/webhookspine/connector-spine/pkg/archiver"
	"github.com/webhookspine/connector-spine/pkg/config"
	"github.com/webhookspine/connector-spine/pkg/store"
)

type minioUploader struct {
	client *minio.Client
	bucket string
}

func (m minioUploader) Upload(ctx context.Context, key string, body []byte) error {
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := pgxpool.New(ctx, buildPostgresDSN())
	if err != nil {
		log.Error("postgres connect failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	minioClient, err := minio.New(config.EnvOr("EVIDENCE_S3_ENDPOINT", "localhost:9000"), &minio.Options{
		Creds:  credentials.NewStaticV4(config.EnvOr("EVIDENCE_S3_ACCESS_KEY", "minioadmin"), config.EnvOr("EVIDENCE_S3_SECRET_KEY", "minioadmin"), ""),
		Secure: config.EnvOr("EVIDENCE_S3_SECURE", "false") == "true",
	})
	if err != nil {
		log.Error("minio init failed", "error", err)
		os.Exit(1)
	}

	st := store.New(pool)
	svc := archiver.New(st, minioUploader{
		client: minioClient,
		bucket: config.EnvOr("EVIDENCE_S3_BUCKET", "webhookspine-archive"),
	}, config.EnvOrInt("ARCHIVER_BATCH_SIZE", 500))

	runOnce := config.EnvOr("ARCHIVER_RUN_ONCE", "false") == "true"
	interval := time.Duration(config.EnvOrInt("ARCHIVER_INTERVAL_SEC", 300)) * time.Second

	run := func() {
		key, err := svc.ArchiveOnce(ctx)
		if err != nil {
			log.Error("archive run failed", "error", err)
			return
		}
		if key != "" {
			log.Info("archived event bundle", "key", key)
		}
	}

	run()
	if runOnce {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
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
