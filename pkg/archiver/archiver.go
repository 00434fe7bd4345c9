// Package archiver uploads terminal (completed/failed) events, their
// processing state, and their full audit trail to durable object storage,
// advancing a checkpoint so each run only archives what the last run
// hadn't seen yet. Archiving never deletes rows — the append-only audit
// invariant (spec A1) holds regardless of what's been archived.
package archiver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/webhookspine/connector-spine/pkg/store"
)

// Store is the narrow persistence dependency Archiver needs. Grounded on
// the checkpoint/fetch shape of the teacher's EvidenceStore interface,
// stripped of multi-tenant ListTenantIDs since this domain has no tenancy.
type Store interface {
	GetArchiveCheckpoint(ctx context.Context) (int64, error)
	UpsertArchiveCheckpoint(ctx context.Context, lastSeq int64, at time.Time) error
	ListTerminalSince(ctx context.Context, sinceSeq int64, limit int) ([]store.ArchivedEvent, error)
}

// Uploader is the narrow object-storage dependency Archiver needs.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte) error
}

// Service archives terminal events into checkpointed bundles.
type Service struct {
	store     Store
	uploader  Uploader
	batchSize int
}

// New constructs a Service. batchSize bounds how many events a single
// ArchiveOnce call will fetch and bundle; pass <=0 for the default of 500.
func New(s Store, uploader Uploader, batchSize int) *Service {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Service{store: s, uploader: uploader, batchSize: batchSize}
}

// Bundle is the JSON document uploaded for a single archive run.
type Bundle struct {
	CreatedAt  time.Time             `json:"created_at"`
	EventCount int                   `json:"event_count"`
	FromSeq    int64                 `json:"from_seq"`
	ToSeq      int64                 `json:"to_seq"`
	Events     []store.ArchivedEvent `json:"events"`
}

// ArchiveOnce fetches terminal events since the last checkpoint, uploads a
// bundle if there are any, and advances the checkpoint. Returns the object
// key uploaded, or "" if there was nothing new to archive.
func (s *Service) ArchiveOnce(ctx context.Context) (string, error) {
	lastSeq, err := s.store.GetArchiveCheckpoint(ctx)
	if err != nil {
		return "", fmt.Errorf("archiver: get checkpoint: %w", err)
	}

	events, err := s.store.ListTerminalSince(ctx, lastSeq, s.batchSize)
	if err != nil {
		return "", fmt.Errorf("archiver: list terminal events: %w", err)
	}
	if len(events) == 0 {
		return "", nil
	}

	now := time.Now().UTC()
	last := events[len(events)-1]
	bundle := Bundle{
		CreatedAt:  now,
		EventCount: len(events),
		FromSeq:    lastSeq,
		ToSeq:      last.Event.Seq,
		Events:     events,
	}
	body, err := json.Marshal(bundle)
	if err != nil {
		return "", fmt.Errorf("archiver: marshal bundle: %w", err)
	}

	key := fmt.Sprintf("webhooks/%04d/%02d/%02d/seq-%d-%d.json", now.Year(), now.Month(), now.Day(), bundle.FromSeq, bundle.ToSeq)
	if err := s.uploader.Upload(ctx, key, body); err != nil {
		return "", fmt.Errorf("archiver: upload bundle: %w", err)
	}
	if err := s.store.UpsertArchiveCheckpoint(ctx, last.Event.Seq, now); err != nil {
		return "", fmt.Errorf("archiver: advance checkpoint: %w", err)
	}
	return key, nil
}
