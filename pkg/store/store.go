// Package store provides transactional persistence for the ingestion spine:
// Event, ProcessingState, and AuditEntry rows over a Postgres connection
// pool, plus the row-locking primitives the Worker's state machine depends
// on to guarantee at-most-one-in-flight attempt per event.
//
// Expected schema (applied out of band; the core does not own migrations,
// matching spec.md's "persistence engine choice ... is not specified"):
//
//	CREATE TABLE events (
//	    seq          BIGSERIAL PRIMARY KEY,
//	    event_id     TEXT UNIQUE NOT NULL,
//	    event_type   TEXT NOT NULL,
//	    occurred_at  TIMESTAMPTZ NOT NULL,
//	    payload_json JSONB NOT NULL,
//	    payload_hash BYTEA NOT NULL,
//	    created_at   TIMESTAMPTZ NOT NULL
//	);
//	CREATE TABLE processing_state (
//	    event_id        TEXT PRIMARY KEY REFERENCES events(event_id),
//	    status          TEXT NOT NULL,
//	    attempt_count   INT NOT NULL DEFAULT 0,
//	    last_attempt_at TIMESTAMPTZ,
//	    not_before      TIMESTAMPTZ,
//	    completed_at    TIMESTAMPTZ,
//	    error_message   TEXT NOT NULL DEFAULT '',
//	    created_at      TIMESTAMPTZ NOT NULL,
//	    updated_at      TIMESTAMPTZ NOT NULL
//	);
//	CREATE INDEX ON processing_state (status, not_before);
//	CREATE TABLE audit_log (
//	    id        UUID PRIMARY KEY,
//	    timestamp TIMESTAMPTZ NOT NULL,
//	    event_id  TEXT NOT NULL,
//	    action    TEXT NOT NULL,
//	    details   TEXT NOT NULL DEFAULT '',
//	    success   TEXT NOT NULL
//	);
//	CREATE INDEX ON audit_log (event_id);
//	CREATE INDEX ON audit_log (timestamp);
//	CREATE TABLE archive_checkpoint (
//	    id               SMALLINT PRIMARY KEY,
//	    last_event_seq   BIGINT NOT NULL,
//	    last_archived_at TIMESTAMPTZ NOT NULL
//	);
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/webhookspine/connector-spine/pkg/types"
)

// uniqueViolation is the Postgres SQLSTATE for a unique-constraint violation.
const uniqueViolation = "23505"

// Store persists Events, ProcessingState, and AuditEntries in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store backed by the given connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// ──────────────────────────────────────────────────────────────────────────────
// Ingestion: insert_if_absent
// ──────────────────────────────────────────────────────────────────────────────

// InsertResult is the outcome of InsertIfAbsent.
type InsertResult struct {
	Inserted bool
	Existing *types.Event // set iff !Inserted
}

// InsertIfAbsent attempts to insert both the Event and its initial
// ProcessingState (status=pending, attempt_count=0) atomically. On a
// unique-constraint violation on event_id the transaction is rolled back
// and the pre-existing Event is fetched and returned, so the caller can
// compare payload hashes (spec §4.2/§4.3). This resolves the race between
// two concurrent arrivals of the same event_id — exactly one wins.
func (s *Store) InsertIfAbsent(ctx context.Context, rec types.WebhookRecord, payloadJSON []byte, payloadHash [32]byte) (*InsertResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("store.InsertIfAbsent begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `
		INSERT INTO events (event_id, event_type, occurred_at, payload_json, payload_hash, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		rec.EventID, rec.EventType, rec.OccurredAt, payloadJSON, payloadHash[:], now,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			// Another arrival of the same event_id won the race. Roll back
			// explicitly before reading so we observe the committed winner,
			// not our own half-applied insert.
			_ = tx.Rollback(ctx)
			existing, getErr := s.GetEvent(ctx, rec.EventID)
			if getErr != nil {
				return nil, fmt.Errorf("store.InsertIfAbsent fetch existing: %w", getErr)
			}
			if existing == nil {
				return nil, fmt.Errorf("store.InsertIfAbsent: unique violation but event %s not found", rec.EventID)
			}
			return &InsertResult{Inserted: false, Existing: existing}, nil
		}
		return nil, fmt.Errorf("store.InsertIfAbsent insert event: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO processing_state (event_id, status, attempt_count, created_at, updated_at)
		VALUES ($1,'pending',0,$2,$2)`,
		rec.EventID, now,
	)
	if err != nil {
		return nil, fmt.Errorf("store.InsertIfAbsent insert processing state: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("store.InsertIfAbsent commit: %w", err)
	}
	return &InsertResult{Inserted: true}, nil
}

// GetEvent fetches a single event by ID, or nil if it does not exist.
func (s *Store) GetEvent(ctx context.Context, eventID string) (*types.Event, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT seq, event_id, event_type, occurred_at, payload_json, payload_hash, created_at
		FROM events WHERE event_id = $1`, eventID)

	var e types.Event
	var hash []byte
	err := row.Scan(&e.Seq, &e.EventID, &e.EventType, &e.OccurredAt, &e.PayloadJSON, &hash, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store.GetEvent: %w", err)
	}
	copy(e.PayloadHash[:], hash)
	return &e, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Worker: claim / lock / advance
// ──────────────────────────────────────────────────────────────────────────────

// ClaimPending returns up to limit event_ids whose ProcessingState is
// pending and due (not_before is null or has elapsed). Non-locking: results
// are advisory, per spec §4.2 — the true gate is LockForAttempt.
func (s *Store) ClaimPending(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx, `
		SELECT event_id FROM processing_state
		WHERE status = 'pending' AND (not_before IS NULL OR not_before <= NOW())
		ORDER BY created_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("store.ClaimPending: %w", err)
	}
	defer rows.Close()

	out := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store.ClaimPending scan: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Attempt represents a held exclusive row lock on a ProcessingState row,
// acquired by LockForAttempt. The lock is released when Begin or Abandon
// commits the underlying transaction. A caller that obtains an Attempt MUST
// call exactly one of Begin or Abandon to release the lock. Declared as an
// interface (rather than exposing *attempt directly) so callers outside this
// package — the Worker's tests in particular — can substitute a fake.
type Attempt interface {
	State() types.ProcessingState
	Begin(ctx context.Context, now time.Time) (int, error)
	Abandon(ctx context.Context, reason string) error
}

type attempt struct {
	tx    pgx.Tx
	state types.ProcessingState
}

// LockForAttempt acquires an exclusive row lock on the ProcessingState row
// for eventID, but only if its status is pending or failed (spec §4.2/P4).
// Returns (nil, nil) if no such row exists — already processing, already
// terminal-completed, or unknown — in which case the caller should treat
// this as "another worker owns it or it's done" and return immediately.
func (s *Store) LockForAttempt(ctx context.Context, eventID string) (Attempt, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("store.LockForAttempt begin tx: %w", err)
	}

	row := tx.QueryRow(ctx, `
		SELECT event_id, status, attempt_count, last_attempt_at, completed_at, error_message, created_at, updated_at
		FROM processing_state
		WHERE event_id = $1 AND status IN ('pending', 'failed')
		FOR UPDATE`, eventID)

	var st types.ProcessingState
	var statusText string
	err = row.Scan(&st.EventID, &statusText, &st.AttemptCount, &st.LastAttemptAt, &st.CompletedAt, &st.ErrorMessage, &st.CreatedAt, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// Nothing to claim: release the (empty) transaction and report "none".
		_ = tx.Commit(ctx)
		return nil, nil
	}
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("store.LockForAttempt: %w", err)
	}
	st.Status = types.ProcessingStatus(statusText)
	return &attempt{tx: tx, state: st}, nil
}

// State returns the ProcessingState snapshot observed at lock time.
func (a *attempt) State() types.ProcessingState {
	return a.state
}

// Abandon marks the row permanently failed (attempt_count already at the
// ceiling) and releases the lock. Used for the step-2 "exceeded max
// attempts" branch of the worker procedure.
func (a *attempt) Abandon(ctx context.Context, reason string) error {
	_, err := a.tx.Exec(ctx, `
		UPDATE processing_state
		SET status = 'failed', error_message = $2, updated_at = NOW()
		WHERE event_id = $1`, a.state.EventID, reason)
	if err != nil {
		_ = a.tx.Rollback(ctx)
		return fmt.Errorf("attempt.Abandon: %w", err)
	}
	if err := a.tx.Commit(ctx); err != nil {
		return fmt.Errorf("attempt.Abandon commit: %w", err)
	}
	return nil
}

// Begin marks the row processing, increments attempt_count, records
// last_attempt_at, and releases the lock by committing. Returns the new
// (post-increment) attempt number.
func (a *attempt) Begin(ctx context.Context, now time.Time) (int, error) {
	attemptNum := a.state.AttemptCount + 1
	_, err := a.tx.Exec(ctx, `
		UPDATE processing_state
		SET status = 'processing', attempt_count = $2, last_attempt_at = $3, updated_at = NOW()
		WHERE event_id = $1`, a.state.EventID, attemptNum, now)
	if err != nil {
		_ = a.tx.Rollback(ctx)
		return 0, fmt.Errorf("attempt.Begin: %w", err)
	}
	if err := a.tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("attempt.Begin commit: %w", err)
	}
	return attemptNum, nil
}

// CompleteAttempt marks the event fully processed (step-5 success branch).
// This runs in its own transaction (T2), separate from the lock held during
// Begin — by this point the worker is the sole owner of the row because it
// alone succeeded in flipping status to processing.
func (s *Store) CompleteAttempt(ctx context.Context, eventID string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE processing_state
		SET status = 'completed', completed_at = $2, error_message = '', updated_at = NOW()
		WHERE event_id = $1`, eventID, now)
	if err != nil {
		return fmt.Errorf("store.CompleteAttempt: %w", err)
	}
	return nil
}

// ScheduleRetry returns the row to pending with a not_before timestamp so
// backoff survives worker crashes (spec §9): any worker's next ClaimPending
// can pick it up once not_before elapses, not just the one that scheduled it.
func (s *Store) ScheduleRetry(ctx context.Context, eventID, reason string, notBefore time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE processing_state
		SET status = 'pending', error_message = $2, not_before = $3, updated_at = NOW()
		WHERE event_id = $1`, eventID, reason, notBefore)
	if err != nil {
		return fmt.Errorf("store.ScheduleRetry: %w", err)
	}
	return nil
}

// FailPermanently marks the row terminally failed after a transient failure
// on the final permitted attempt.
func (s *Store) FailPermanently(ctx context.Context, eventID, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE processing_state
		SET status = 'failed', error_message = $2, updated_at = NOW()
		WHERE event_id = $1`, eventID, reason)
	if err != nil {
		return fmt.Errorf("store.FailPermanently: %w", err)
	}
	return nil
}

// ReapStaleProcessing resets rows stuck in processing longer than
// staleThreshold back to pending, recovering from a worker crash between
// the T1 commit and the T2 commit (spec §4.5/§7). attempt_count is never
// decremented — see spec's open question on monotonicity.
func (s *Store) ReapStaleProcessing(ctx context.Context, staleThreshold time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-staleThreshold)
	tag, err := s.pool.Exec(ctx, `
		UPDATE processing_state
		SET status = 'pending', updated_at = NOW()
		WHERE status = 'processing' AND last_attempt_at IS NOT NULL AND last_attempt_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store.ReapStaleProcessing: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetProcessingState fetches the ProcessingState row for a single event.
func (s *Store) GetProcessingState(ctx context.Context, eventID string) (*types.ProcessingState, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT event_id, status, attempt_count, last_attempt_at, completed_at, error_message, created_at, updated_at
		FROM processing_state WHERE event_id = $1`, eventID)

	var st types.ProcessingState
	var statusText string
	err := row.Scan(&st.EventID, &statusText, &st.AttemptCount, &st.LastAttemptAt, &st.CompletedAt, &st.ErrorMessage, &st.CreatedAt, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store.GetProcessingState: %w", err)
	}
	st.Status = types.ProcessingStatus(statusText)
	return &st, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Audit log (append-only)
// ──────────────────────────────────────────────────────────────────────────────

// AppendAudit inserts an AuditEntry. It commits independently of any
// surrounding state transaction: a later rollback of the business
// transition still preserves the record of what was attempted (spec §4.2/§9).
func (s *Store) AppendAudit(ctx context.Context, entry types.AuditEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_log (id, timestamp, event_id, action, details, success)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		entry.ID, entry.Timestamp, entry.EventID, string(entry.Action), entry.Details, string(entry.Success),
	)
	if err != nil {
		return fmt.Errorf("store.AppendAudit: %w", err)
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Dashboard reads (convenience views, not part of the core contract)
// ──────────────────────────────────────────────────────────────────────────────

const dashboardRowCap = 500

func clampLimit(limit, fallback int) int {
	if limit <= 0 || limit > dashboardRowCap {
		return fallback
	}
	return limit
}

// ListRecentEvents returns the most recent events, newest first.
func (s *Store) ListRecentEvents(ctx context.Context, limit int) ([]types.Event, error) {
	limit = clampLimit(limit, 50)
	rows, err := s.pool.Query(ctx, `
		SELECT seq, event_id, event_type, occurred_at, payload_json, payload_hash, created_at
		FROM events ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("store.ListRecentEvents: %w", err)
	}
	defer rows.Close()

	out := make([]types.Event, 0, limit)
	for rows.Next() {
		var e types.Event
		var hash []byte
		if err := rows.Scan(&e.Seq, &e.EventID, &e.EventType, &e.OccurredAt, &e.PayloadJSON, &hash, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("store.ListRecentEvents scan: %w", err)
		}
		copy(e.PayloadHash[:], hash)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListRecentAudit returns the most recent audit entries, newest first.
func (s *Store) ListRecentAudit(ctx context.Context, limit int) ([]types.AuditEntry, error) {
	limit = clampLimit(limit, 100)
	rows, err := s.pool.Query(ctx, `
		SELECT id, timestamp, event_id, action, details, success
		FROM audit_log ORDER BY timestamp DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("store.ListRecentAudit: %w", err)
	}
	defer rows.Close()

	out := make([]types.AuditEntry, 0, limit)
	for rows.Next() {
		var a types.AuditEntry
		var action, success string
		if err := rows.Scan(&a.ID, &a.Timestamp, &a.EventID, &action, &a.Details, &success); err != nil {
			return nil, fmt.Errorf("store.ListRecentAudit scan: %w", err)
		}
		a.Action = types.AuditAction(action)
		a.Success = types.AuditResult(success)
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListRecentProcessing returns the most recently updated processing states.
func (s *Store) ListRecentProcessing(ctx context.Context, limit int) ([]types.ProcessingState, error) {
	limit = clampLimit(limit, 50)
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, status, attempt_count, last_attempt_at, completed_at, error_message, created_at, updated_at
		FROM processing_state ORDER BY updated_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("store.ListRecentProcessing: %w", err)
	}
	defer rows.Close()

	out := make([]types.ProcessingState, 0, limit)
	for rows.Next() {
		var st types.ProcessingState
		var statusText string
		if err := rows.Scan(&st.EventID, &statusText, &st.AttemptCount, &st.LastAttemptAt, &st.CompletedAt, &st.ErrorMessage, &st.CreatedAt, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store.ListRecentProcessing scan: %w", err)
		}
		st.Status = types.ProcessingStatus(statusText)
		out = append(out, st)
	}
	return out, rows.Err()
}

// ──────────────────────────────────────────────────────────────────────────────
// Archiver support
// ──────────────────────────────────────────────────────────────────────────────

// ArchivedEvent bundles a terminal event with its processing state and full
// audit trail, the unit the Archiver uploads.
type ArchivedEvent struct {
	Event      types.Event
	Processing types.ProcessingState
	Audit      []types.AuditEntry
}

// GetArchiveCheckpoint returns the last archived event sequence number, or 0
// if no archive has run yet.
func (s *Store) GetArchiveCheckpoint(ctx context.Context) (int64, error) {
	row := s.pool.QueryRow(ctx, `SELECT last_event_seq FROM archive_checkpoint WHERE id = 1`)
	var seq int64
	err := row.Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store.GetArchiveCheckpoint: %w", err)
	}
	return seq, nil
}

// UpsertArchiveCheckpoint advances the checkpoint after a successful upload.
func (s *Store) UpsertArchiveCheckpoint(ctx context.Context, lastSeq int64, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO archive_checkpoint (id, last_event_seq, last_archived_at)
		VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET last_event_seq = $1, last_archived_at = $2`, lastSeq, at)
	if err != nil {
		return fmt.Errorf("store.UpsertArchiveCheckpoint: %w", err)
	}
	return nil
}

// ListTerminalSince returns completed/failed events with seq > sinceSeq,
// each with its full audit trail, ordered chronologically for archival.
func (s *Store) ListTerminalSince(ctx context.Context, sinceSeq int64, limit int) ([]ArchivedEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx, `
		SELECT e.seq, e.event_id, e.event_type, e.occurred_at, e.payload_json, e.payload_hash, e.created_at,
		       p.status, p.attempt_count, p.last_attempt_at, p.completed_at, p.error_message, p.created_at, p.updated_at
		FROM events e
		JOIN processing_state p ON p.event_id = e.event_id
		WHERE e.seq > $1 AND p.status IN ('completed', 'failed')
		ORDER BY e.seq ASC
		LIMIT $2`, sinceSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("store.ListTerminalSince: %w", err)
	}
	defer rows.Close()

	out := make([]ArchivedEvent, 0, limit)
	for rows.Next() {
		var ae ArchivedEvent
		var hash []byte
		var statusText string
		if err := rows.Scan(
			&ae.Event.Seq, &ae.Event.EventID, &ae.Event.EventType, &ae.Event.OccurredAt, &ae.Event.PayloadJSON, &hash, &ae.Event.CreatedAt,
			&statusText, &ae.Processing.AttemptCount, &ae.Processing.LastAttemptAt, &ae.Processing.CompletedAt, &ae.Processing.ErrorMessage, &ae.Processing.CreatedAt, &ae.Processing.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("store.ListTerminalSince scan: %w", err)
		}
		copy(ae.Event.PayloadHash[:], hash)
		ae.Processing.EventID = ae.Event.EventID
		ae.Processing.Status = types.ProcessingStatus(statusText)
		out = append(out, ae)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store.ListTerminalSince iteration: %w", err)
	}

	for i := range out {
		trail, err := s.listAuditForEvent(ctx, out[i].Event.EventID)
		if err != nil {
			return nil, err
		}
		out[i].Audit = trail
	}
	return out, nil
}

func (s *Store) listAuditForEvent(ctx context.Context, eventID string) ([]types.AuditEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, timestamp, event_id, action, details, success
		FROM audit_log WHERE event_id = $1 ORDER BY timestamp ASC`, eventID)
	if err != nil {
		return nil, fmt.Errorf("store.listAuditForEvent: %w", err)
	}
	defer rows.Close()

	var out []types.AuditEntry
	for rows.Next() {
		var a types.AuditEntry
		var action, success string
		if err := rows.Scan(&a.ID, &a.Timestamp, &a.EventID, &action, &a.Details, &success); err != nil {
			return nil, fmt.Errorf("store.listAuditForEvent scan: %w", err)
		}
		a.Action = types.AuditAction(action)
		a.Success = types.AuditResult(success)
		out = append(out, a)
	}
	return out, rows.Err()
}
