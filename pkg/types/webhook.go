// Package types defines the data model shared across the ingestion spine.
package types

import "time"

// WebhookRecord is the validated representation of an inbound webhook call.
// The HTTP frame is responsible for decoding and field presence checks;
// by the time a WebhookRecord reaches the Ingestor its fields are well-typed.
type WebhookRecord struct {
	EventID    string
	EventType  string
	OccurredAt time.Time
	Payload    any
}

// Outcome is the three-way ingestion decision returned to the caller.
type Outcome string

const (
	OutcomeAccepted     Outcome = "accepted"
	OutcomeDeduplicated Outcome = "deduplicated"
	OutcomeConflict     Outcome = "conflict"
)

// ──────────────────────────────────────────────────────────────────────────────
// Processing status
// ──────────────────────────────────────────────────────────────────────────────

type ProcessingStatus string

const (
	StatusPending    ProcessingStatus = "pending"
	StatusProcessing ProcessingStatus = "processing"
	StatusCompleted  ProcessingStatus = "completed"
	StatusFailed     ProcessingStatus = "failed"
)

// ──────────────────────────────────────────────────────────────────────────────
// Audit vocabulary — closed set, see spec §3.
// ──────────────────────────────────────────────────────────────────────────────

type AuditAction string

const (
	ActionEventReceived             AuditAction = "event_received"
	ActionEventInserted             AuditAction = "event_inserted"
	ActionEventDeduped              AuditAction = "event_deduped"
	ActionConflictDetected          AuditAction = "conflict_detected"
	ActionProcessingAttemptStarted  AuditAction = "processing_attempt_started"
	ActionProcessingSucceeded       AuditAction = "processing_succeeded"
	ActionProcessingAttemptFailed   AuditAction = "processing_attempt_failed"
	ActionRetryScheduled            AuditAction = "retry_scheduled"
	ActionProcessingAbandoned       AuditAction = "processing_abandoned"
	ActionProcessingFailedPermanent AuditAction = "processing_failed_permanently"
	ActionProcessingError           AuditAction = "processing_error"
)

type AuditResult string

const (
	ResultSuccess AuditResult = "success"
	ResultFailure AuditResult = "failure"
	ResultPending AuditResult = "pending"
)

// ──────────────────────────────────────────────────────────────────────────────
// Entities
// ──────────────────────────────────────────────────────────────────────────────

// Event is the immutable record of a received webhook (spec §3, invariants E1/E2).
type Event struct {
	Seq         int64
	EventID     string
	EventType   string
	OccurredAt  time.Time
	PayloadJSON []byte
	PayloadHash [32]byte
	CreatedAt   time.Time
}

// ProcessingState is the mutable per-event retry-machine record (spec §3, P1-P4).
type ProcessingState struct {
	EventID       string
	Status        ProcessingStatus
	AttemptCount  int
	LastAttemptAt *time.Time
	NotBefore     *time.Time
	CompletedAt   *time.Time
	ErrorMessage  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// AuditEntry is an append-only decision-log row (spec §3, A1/A2). ID is a
// surrogate primary key, not part of the append-only semantics themselves.
type AuditEntry struct {
	ID        string
	Timestamp time.Time
	EventID   string
	Action    AuditAction
	Details   string
	Success   AuditResult
}
