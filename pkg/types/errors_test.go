package types

import (
	"net/http/httptest"
	"testing"
)

func TestAPIErrorWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	ErrNotFound("event not found").WriteJSON(w)

	if w.Code != 404 {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected json content type, got %q", ct)
	}
}

func TestValidationErrorMessage(t *testing.T) {
	err := &ValidationError{Field: "event_id", Reason: "required"}
	if err.Error() != "validation: event_id required" {
		t.Fatalf("unexpected message: %s", err.Error())
	}
}
