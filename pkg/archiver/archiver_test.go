package archiver

import (
	"context"
	"testing"
	"time"

	"github.com/webhookspine/connector-spine/pkg/store"
	"github.com/webhookspine/connector-spine/pkg/types"
)

type fakeStore struct {
	checkpoint int64
	events     []store.ArchivedEvent
}

func (f *fakeStore) GetArchiveCheckpoint(context.Context) (int64, error) {
	return f.checkpoint, nil
}

func (f *fakeStore) ListTerminalSince(_ context.Context, _ int64, _ int) ([]store.ArchivedEvent, error) {
	return f.events, nil
}

func (f *fakeStore) UpsertArchiveCheckpoint(_ context.Context, lastSeq int64, _ time.Time) error {
	f.checkpoint = lastSeq
	return nil
}

type fakeUploader struct {
	key  string
	body []byte
}

func (f *fakeUploader) Upload(_ context.Context, key string, body []byte) error {
	f.key = key
	f.body = body
	return nil
}

func TestArchiveOnceBuildsBundleAndAdvancesCheckpoint(t *testing.T) {
	ae1 := store.ArchivedEvent{
		Event:      types.Event{Seq: 1, EventID: "e1"},
		Processing: types.ProcessingState{EventID: "e1", Status: types.StatusCompleted},
		Audit:      []types.AuditEntry{{EventID: "e1", Action: types.ActionProcessingSucceeded}},
	}
	ae2 := store.ArchivedEvent{
		Event:      types.Event{Seq: 2, EventID: "e2"},
		Processing: types.ProcessingState{EventID: "e2", Status: types.StatusFailed},
		Audit:      []types.AuditEntry{{EventID: "e2", Action: types.ActionProcessingFailedPermanent}},
	}

	fs := &fakeStore{events: []store.ArchivedEvent{ae1, ae2}}
	up := &fakeUploader{}
	s := New(fs, up, 0)

	key, err := s.ArchiveOnce(context.Background())
	if err != nil {
		t.Fatalf("archive once: %v", err)
	}
	if key == "" || up.key == "" || len(up.body) == 0 {
		t.Fatalf("expected uploaded bundle")
	}
	if fs.checkpoint != 2 {
		t.Fatalf("expected checkpoint advanced to seq 2, got %d", fs.checkpoint)
	}
}

func TestArchiveOnceSkipsUploadWhenNothingNew(t *testing.T) {
	fs := &fakeStore{checkpoint: 5}
	up := &fakeUploader{}
	s := New(fs, up, 0)

	key, err := s.ArchiveOnce(context.Background())
	if err != nil {
		t.Fatalf("archive once: %v", err)
	}
	if key != "" {
		t.Fatalf("expected no key, got %s", key)
	}
	if up.key != "" {
		t.Fatalf("expected no upload call")
	}
}
