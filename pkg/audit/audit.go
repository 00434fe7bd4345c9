// Package audit appends decision records to the append-only audit trail.
// Failures to write an audit entry are logged but never block the caller's
// business transition (spec §4.2/§9: the audit describes an attempted
// decision and degrades independently of it).
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/webhookspine/connector-spine/pkg/types"
)

// Appender is the narrow persistence dependency audit needs, satisfied by
// *store.Store.
type Appender interface {
	AppendAudit(ctx context.Context, entry types.AuditEntry) error
}

// Log wraps an Appender with logging on failure.
type Log struct {
	store Appender
}

// New creates a Log backed by the given Appender.
func New(store Appender) *Log {
	return &Log{store: store}
}

// Record appends an audit entry with the current timestamp. Errors are
// logged and swallowed: a missing audit row must never unwind a committed
// state transition, only be visible as an operational signal.
func (l *Log) Record(ctx context.Context, eventID string, action types.AuditAction, result types.AuditResult, details string) {
	entry := types.AuditEntry{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		EventID:   eventID,
		Action:    action,
		Details:   details,
		Success:   result,
	}
	if err := l.store.AppendAudit(ctx, entry); err != nil {
		slog.Error("audit append failed", "event_id", eventID, "action", action, "error", err)
	}
}
