package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/webhookspine/connector-spine/pkg/types"
)

type fakeAppender struct {
	entries []types.AuditEntry
	err     error
}

func (f *fakeAppender) AppendAudit(_ context.Context, entry types.AuditEntry) error {
	if f.err != nil {
		return f.err
	}
	f.entries = append(f.entries, entry)
	return nil
}

func TestRecordAppendsEntry(t *testing.T) {
	fa := &fakeAppender{}
	l := New(fa)

	l.Record(context.Background(), "evt-1", types.ActionEventReceived, types.ResultSuccess, "first touch")

	if len(fa.entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(fa.entries))
	}
	got := fa.entries[0]
	if got.EventID != "evt-1" || got.Action != types.ActionEventReceived || got.Success != types.ResultSuccess {
		t.Fatalf("unexpected entry: %+v", got)
	}
	if got.Timestamp.IsZero() {
		t.Fatalf("expected non-zero timestamp")
	}
	if got.ID == "" {
		t.Fatalf("expected a generated ID")
	}
}

func TestRecordSwallowsAppendFailure(t *testing.T) {
	fa := &fakeAppender{err: errors.New("connection reset")}
	l := New(fa)

	// Must not panic or otherwise propagate the failure.
	l.Record(context.Background(), "evt-2", types.ActionProcessingError, types.ResultFailure, "store unreachable")

	if len(fa.entries) != 0 {
		t.Fatalf("expected no entries recorded on failure")
	}
}
