package audit

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeStore struct {
	entries []*Entry
	err     error
}

func (f *fakeStore) Append(ctx context.Context, e *Entry) error {
	if f.err != nil {
		return f.err
	}
	f.entries = append(f.entries, e)
	return nil
}

func TestRecordFillsDefaults(t *testing.T) {
	store := &fakeStore{}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	rec := NewRecorder(store, WithClock(func() time.Time { return now }))

	err := rec.Record(context.Background(), Entry{
		ActorID:      "acct-1",
		Action:       "currency.create",
		ResourceType: "currency",
		ResourceID:   "USD",
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if len(store.entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(store.entries))
	}
	got := store.entries[0]
	if got.ID == "" {
		t.Fatalf("expected generated id")
	}
	if !got.OccurredAt.Equal(now) {
		t.Fatalf("unexpected occurred_at: %v", got.OccurredAt)
	}
	if got.Severity != SeverityInfo {
		t.Fatalf("unexpected severity: %s", got.Severity)
	}
}

func TestRecordSwallowsStoreFailure(t *testing.T) {
	store := &fakeStore{err: errors.New("storage down")}
	rec := NewRecorder(store)

	// The error comes back for callers that care, but nothing panics and the
	// recorder stays usable.
	if err := rec.Record(context.Background(), Entry{Action: "login.failed"}); err == nil {
		t.Fatalf("expected informational error")
	}

	store.err = nil
	if err := rec.Record(context.Background(), Entry{Action: "login.failed"}); err != nil {
		t.Fatalf("Record after recovery: %v", err)
	}
}
