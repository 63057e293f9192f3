// Package audit records security and business relevant events. Recording is
// best-effort by contract: a failed append is logged and never propagates to
// the operation that triggered it.
package audit

import (
	"context"
	"time"

	"unitedexchange.org/internal/ids"
	"unitedexchange.org/internal/obs"
)

// Severity classifies audit entries.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Entry is one append-only audit record. ActorID is empty for unauthenticated
// events such as failed logins.
type Entry struct {
	ID           string         `json:"id"`
	ActorID      string         `json:"actor_id,omitempty"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id,omitempty"`
	OldValues    map[string]any `json:"old_values,omitempty"`
	NewValues    map[string]any `json:"new_values,omitempty"`
	IP           string         `json:"ip,omitempty"`
	Severity     Severity       `json:"severity"`
	OccurredAt   time.Time      `json:"occurred_at"`
}

// Store appends immutable entries.
type Store interface {
	Append(ctx context.Context, entry *Entry) error
}

// Recorder writes audit entries through the store.
type Recorder struct {
	store Store
	now   func() time.Time
}

// RecorderOption configures Recorder behavior.
type RecorderOption func(*Recorder)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) RecorderOption {
	return func(r *Recorder) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewRecorder constructs a Recorder.
func NewRecorder(store Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{store: store, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record appends the entry. The returned error is informational only: it is
// already logged here, and callers are permitted to ignore it — the primary
// operation must never fail because its audit trail could not be written.
func (r *Recorder) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = ids.New()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = r.now().UTC()
	}
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}
	if err := r.store.Append(ctx, &e); err != nil {
		obs.LogError("audit", "append audit entry "+e.Action, err)
		return err
	}
	return nil
}
