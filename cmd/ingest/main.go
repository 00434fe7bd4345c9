// Command ingest runs the HTTP gateway that accepts inbound webhooks,
// resolves idempotency, and serves the read-only dashboard API.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/webhookspine/connector-spine/pkg/audit"
	"github.com/webhookspine/connector-spine/pkg/config"
	"github.com/webhookspine/connector-spine/pkg/handoff"
	"github.com/webhookspine/connector-spine/pkg/ingest"
	wsOtel "github.com/webhookspine/connector-spine/pkg/otel"
	"github.com/webhookspine/connector-spine/pkg/store"
	"github.com/webhookspine/connector-spine/pkg/types"
)

const maxBodyBytes = 1 << 20 // 1 MB

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	otelShutdown, err := wsOtel.Setup(ctx, wsOtel.Config{
		ServiceName:    config.EnvOr("OTEL_SERVICE_NAME", "connector-spine-ingest"),
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

	var notifier *handoff.Notifier
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		notifier, err = handoff.NewNotifier(handoff.NotifierConfig{
			Brokers: splitCSV(brokers),
			Topic:   config.EnvOr("KAFKA_HANDOFF_TOPIC", "webhook-handoff"),
		})
		if err != nil {
			log.Error("handoff notifier setup failed, continuing without handoff", "error", err)
			notifier = nil
		} else {
			defer notifier.Close() //nolint:errcheck
		}
	}

	var notify ingest.HandoffNotifier
	if notifier != nil {
		notify = notifier
	}
	ingestor := ingest.New(st, auditor, notify)

	ingestRPS := config.EnvOrInt("INGEST_RATE_LIMIT_PER_SEC", 200)
	srv := &Server{
		log:           log,
		ingestor:      ingestor,
		store:         st,
		ingestLimiter: rate.NewLimiter(rate.Limit(ingestRPS), ingestRPS*2),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(middleware.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("NOT READY"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Post("/webhook", srv.HandleWebhook)
	r.Get("/api/events", srv.HandleListEvents)
	r.Get("/api/events/{event_id}", srv.HandleGetEvent)
	r.Get("/api/audit", srv.HandleListAudit)
	r.Get("/api/processing", srv.HandleListProcessing)

	metricsAddr := config.EnvOr("METRICS_ADDR", "127.0.0.1:9090")
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:              metricsAddr,
		Handler:           metricsMux,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
	}
	go func() {
		log.Info("metrics server starting", "addr", metricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server error", "error", err)
		}
	}()

	addr := config.EnvOr("INGEST_ADDR", ":8080")
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("ingest service starting", "addr", addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down ingest service")
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		log.Error("server shutdown error", "error", err)
	}
	if err := metricsSrv.Shutdown(shutCtx); err != nil {
		log.Error("metrics server shutdown error", "error", err)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Server handlers
// ──────────────────────────────────────────────────────────────────────────────

// Server hosts the ingest HTTP frame around the Ingestor and dashboard reads.
type Server struct {
	log      *slog.Logger
	ingestor serverIngestor
	store    serverStore

	ingestLimiter *rate.Limiter
}

type serverIngestor interface {
	Ingest(ctx context.Context, rec types.WebhookRecord) (types.Outcome, error)
}

type serverStore interface {
	ListRecentEvents(ctx context.Context, limit int) ([]types.Event, error)
	ListRecentAudit(ctx context.Context, limit int) ([]types.AuditEntry, error)
	ListRecentProcessing(ctx context.Context, limit int) ([]types.ProcessingState, error)
	GetEvent(ctx context.Context, eventID string) (*types.Event, error)
}

type webhookRequest struct {
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    any       `json:"payload"`
}

type webhookResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	EventID string `json:"event_id"`
}

func (s *Server) validateWebhookRequest(req webhookRequest) error {
	if req.EventID == "" {
		return &types.ValidationError{Field: "event_id", Reason: "required"}
	}
	if len(req.EventID) > 255 {
		return &types.ValidationError{Field: "event_id", Reason: "must be at most 255 bytes"}
	}
	if req.EventType == "" {
		return &types.ValidationError{Field: "event_type", Reason: "required"}
	}
	if len(req.EventType) > 100 {
		return &types.ValidationError{Field: "event_type", Reason: "must be at most 100 bytes"}
	}
	if req.OccurredAt.IsZero() {
		return &types.ValidationError{Field: "occurred_at", Reason: "required"}
	}
	if req.Payload == nil {
		return &types.ValidationError{Field: "payload", Reason: "required"}
	}
	return nil
}

// HandleWebhook is POST /webhook.
func (s *Server) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if s.ingestLimiter != nil && !s.ingestLimiter.Allow() {
		(&types.APIError{Code: "RATE_LIMITED", Message: "too many requests", Retryable: true, HTTPCode: http.StatusTooManyRequests}).WriteJSON(w)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		(&types.APIError{Code: "VALIDATION_ERROR", Message: "invalid JSON body", HTTPCode: http.StatusUnprocessableEntity}).WriteJSON(w)
		return
	}
	if err := s.validateWebhookRequest(req); err != nil {
		types.ErrValidation(err).WriteJSON(w)
		return
	}

	rec := types.WebhookRecord{
		EventID:    req.EventID,
		EventType:  req.EventType,
		OccurredAt: req.OccurredAt,
		Payload:    req.Payload,
	}

	outcome, err := s.ingestor.Ingest(ctx, rec)
	if err != nil {
		s.log.ErrorContext(ctx, "ingest failed", "event_id", req.EventID, "error", err)
		types.ErrInternal("ingestion failed").WriteJSON(w)
		return
	}

	resp := webhookResponse{Status: string(outcome), EventID: req.EventID}
	switch outcome {
	case types.OutcomeAccepted:
		resp.Message = "event accepted for processing"
	case types.OutcomeDeduplicated:
		resp.Message = "event already received with identical payload"
	case types.OutcomeConflict:
		resp.Message = "event_id already exists with a different payload"
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.ErrorContext(ctx, "response encode failed", "error", err)
	}
}

// HandleListEvents is GET /api/events.
func (s *Server) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.ListRecentEvents(r.Context(), 50)
	if err != nil {
		s.log.ErrorContext(r.Context(), "list events failed", "error", err)
		types.ErrInternal("failed to list events").WriteJSON(w)
		return
	}
	writeJSON(w, events)
}

// HandleGetEvent is GET /api/events/{event_id}.
func (s *Server) HandleGetEvent(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "event_id")
	event, err := s.store.GetEvent(r.Context(), eventID)
	if err != nil {
		s.log.ErrorContext(r.Context(), "get event failed", "event_id", eventID, "error", err)
		types.ErrInternal("failed to fetch event").WriteJSON(w)
		return
	}
	if event == nil {
		types.ErrNotFound("event not found").WriteJSON(w)
		return
	}
	writeJSON(w, event)
}

// HandleListAudit is GET /api/audit.
func (s *Server) HandleListAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.ListRecentAudit(r.Context(), 100)
	if err != nil {
		s.log.ErrorContext(r.Context(), "list audit failed", "error", err)
		types.ErrInternal("failed to list audit entries").WriteJSON(w)
		return
	}
	writeJSON(w, entries)
}

// HandleListProcessing is GET /api/processing.
func (s *Server) HandleListProcessing(w http.ResponseWriter, r *http.Request) {
	states, err := s.store.ListRecentProcessing(r.Context(), 50)
	if err != nil {
		s.log.ErrorContext(r.Context(), "list processing failed", "error", err)
		types.ErrInternal("failed to list processing state").WriteJSON(w)
		return
	}
	writeJSON(w, states)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
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
