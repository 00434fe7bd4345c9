// Package ingest resolves idempotency for inbound webhook records and
// initializes their processing state.
package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/webhookspine/connector-spine/pkg/hasher"
	"github.com/webhookspine/connector-spine/pkg/store"
	"github.com/webhookspine/connector-spine/pkg/types"
)

// Store is the narrow persistence dependency Ingestor needs.
type Store interface {
	InsertIfAbsent(ctx context.Context, rec types.WebhookRecord, payloadJSON []byte, payloadHash [32]byte) (*store.InsertResult, error)
}

// Auditor is the narrow audit dependency Ingestor needs.
type Auditor interface {
	Record(ctx context.Context, eventID string, action types.AuditAction, result types.AuditResult, details string)
}

// HandoffNotifier advises the worker pool of a newly inserted event_id.
// Best-effort: a publish failure must never fail ingestion (spec §4.7/§4.3).
type HandoffNotifier interface {
	Notify(ctx context.Context, eventID string) error
}

// Ingestor resolves {accepted | deduplicated | conflict} for inbound
// webhook records and initializes their ProcessingState.
type Ingestor struct {
	store   Store
	auditor Auditor
	notify  HandoffNotifier
}

// New constructs an Ingestor. notify may be nil, in which case handoff
// notification is skipped (polling remains the authoritative discovery path).
func New(s Store, auditor Auditor, notify HandoffNotifier) *Ingestor {
	return &Ingestor{store: s, auditor: auditor, notify: notify}
}

// Ingest runs the five-step idempotency algorithm (spec §4.3):
//  1. audit event_received (pending)
//  2. hash the payload
//  3. insert_if_absent
//  4. on inserted: audit event_inserted, advisory handoff, return accepted
//  5. on exists: compare hashes, audit event_deduped or conflict_detected
func (in *Ingestor) Ingest(ctx context.Context, rec types.WebhookRecord) (types.Outcome, error) {
	in.auditor.Record(ctx, rec.EventID, types.ActionEventReceived, types.ResultPending, "")

	canon, digest, err := hasher.Hash(rec.Payload)
	if err != nil {
		return "", fmt.Errorf("ingest: hash payload: %w", err)
	}

	result, err := in.store.InsertIfAbsent(ctx, rec, canon, digest)
	if err != nil {
		return "", fmt.Errorf("ingest: insert_if_absent: %w", err)
	}

	if result.Inserted {
		in.auditor.Record(ctx, rec.EventID, types.ActionEventInserted, types.ResultSuccess, "")
		if in.notify != nil {
			if nerr := in.notify.Notify(ctx, rec.EventID); nerr != nil {
				slog.Warn("handoff notify failed, polling will still discover event", "event_id", rec.EventID, "error", nerr)
			}
		}
		return types.OutcomeAccepted, nil
	}

	existing := result.Existing
	if existing.PayloadHash == digest {
		in.auditor.Record(ctx, rec.EventID, types.ActionEventDeduped, types.ResultSuccess, "")
		return types.OutcomeDeduplicated, nil
	}

	in.auditor.Record(ctx, rec.EventID, types.ActionConflictDetected, types.ResultFailure,
		fmt.Sprintf("payload hash mismatch: stored=%x incoming=%x", existing.PayloadHash, digest))
	return types.OutcomeConflict, nil
}
