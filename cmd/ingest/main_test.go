package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/webhookspine/connector-spine/pkg/types"
	"golang.org/x/time/rate"
)

type fakeIngestor struct {
	outcome types.Outcome
	err     error
	lastRec types.WebhookRecord
}

func (f *fakeIngestor) Ingest(_ context.Context, rec types.WebhookRecord) (types.Outcome, error) {
	f.lastRec = rec
	return f.outcome, f.err
}

type fakeServerStore struct {
	events     []types.Event
	audit      []types.AuditEntry
	processing []types.ProcessingState
}

func (f *fakeServerStore) ListRecentEvents(context.Context, int) ([]types.Event, error) {
	return f.events, nil
}

func (f *fakeServerStore) ListRecentAudit(context.Context, int) ([]types.AuditEntry, error) {
	return f.audit, nil
}

func (f *fakeServerStore) ListRecentProcessing(context.Context, int) ([]types.ProcessingState, error) {
	return f.processing, nil
}

func (f *fakeServerStore) GetEvent(_ context.Context, eventID string) (*types.Event, error) {
	for _, e := range f.events {
		if e.EventID == eventID {
			return &e, nil
		}
	}
	return nil, nil
}

func newTestServer(ing *fakeIngestor, st *fakeServerStore) *Server {
	return &Server{
		log:           slog.New(slog.NewJSONHandler(os.Stderr, nil)),
		ingestor:      ing,
		store:         st,
		ingestLimiter: rate.NewLimiter(rate.Inf, 1),
	}
}

func webhookBody(eventID string) []byte {
	b, _ := json.Marshal(webhookRequest{
		EventID:    eventID,
		EventType:  "order.created",
		OccurredAt: time.Now().UTC(),
		Payload:    map[string]any{"amount": 100},
	})
	return b
}

func TestHandleWebhookAccepted(t *testing.T) {
	srv := newTestServer(&fakeIngestor{outcome: types.OutcomeAccepted}, &fakeServerStore{})

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(webhookBody("evt-1")))
	w := httptest.NewRecorder()
	srv.HandleWebhook(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp webhookResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "accepted" || resp.EventID != "evt-1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestHandleWebhookMalformedJSON(t *testing.T) {
	srv := newTestServer(&fakeIngestor{}, &fakeServerStore{})

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader([]byte("{not json")))
	w := httptest.NewRecorder()
	srv.HandleWebhook(w, req)

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", w.Code)
	}
}

func TestHandleWebhookValidationFailure(t *testing.T) {
	srv := newTestServer(&fakeIngestor{}, &fakeServerStore{})

	body, _ := json.Marshal(webhookRequest{EventType: "order.created", OccurredAt: time.Now(), Payload: map[string]any{"a": 1}})
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body)) // missing event_id
	w := httptest.NewRecorder()
	srv.HandleWebhook(w, req)

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", w.Code)
	}
}

func TestHandleWebhookInternalErrorOnIngestFailure(t *testing.T) {
	srv := newTestServer(&fakeIngestor{err: context.DeadlineExceeded}, &fakeServerStore{})

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(webhookBody("evt-2")))
	w := httptest.NewRecorder()
	srv.HandleWebhook(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
}

func TestHandleWebhookRateLimited(t *testing.T) {
	srv := newTestServer(&fakeIngestor{outcome: types.OutcomeAccepted}, &fakeServerStore{})
	srv.ingestLimiter = rate.NewLimiter(0, 0) // never allows

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(webhookBody("evt-3")))
	w := httptest.NewRecorder()
	srv.HandleWebhook(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
}

func TestHandleListEvents(t *testing.T) {
	st := &fakeServerStore{events: []types.Event{{EventID: "evt-1"}}}
	srv := newTestServer(&fakeIngestor{}, st)

	req := httptest.NewRequest(http.MethodGet, "/api/events", nil)
	w := httptest.NewRecorder()
	srv.HandleListEvents(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var got []types.Event
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].EventID != "evt-1" {
		t.Fatalf("unexpected body: %v", got)
	}
}

func TestHandleGetEventFound(t *testing.T) {
	st := &fakeServerStore{events: []types.Event{{EventID: "evt-1", EventType: "order.created"}}}
	srv := newTestServer(&fakeIngestor{}, st)

	r := chi.NewRouter()
	r.Get("/api/events/{event_id}", srv.HandleGetEvent)

	req := httptest.NewRequest(http.MethodGet, "/api/events/evt-1", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var got types.Event
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.EventID != "evt-1" {
		t.Fatalf("unexpected body: %+v", got)
	}
}

func TestHandleGetEventNotFound(t *testing.T) {
	srv := newTestServer(&fakeIngestor{}, &fakeServerStore{})

	r := chi.NewRouter()
	r.Get("/api/events/{event_id}", srv.HandleGetEvent)

	req := httptest.NewRequest(http.MethodGet, "/api/events/missing", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestSplitCSV(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"a", []string{"a"}},
		{"a,b,c", []string{"a", "b", "c"}},
		{"a,,b", []string{"a", "b"}},
	}
	for _, tt := range tests {
		got := splitCSV(tt.in)
		if len(got) != len(tt.want) {
			t.Fatalf("splitCSV(%q) = %v, want %v", tt.in, got, tt.want)
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Fatalf("splitCSV(%q) = %v, want %v", tt.in, got, tt.want)
			}
		}
	}
}
