package audit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"kennelworks.org/internal/authz"
	"kennelworks.org/internal/ids"
	"kennelworks.org/internal/obs"
)

// Action labels what an audit entry records.
type Action string

const (
	ActionCreate   Action = "CREATE"
	ActionRead     Action = "READ"
	ActionUpdate   Action = "UPDATE"
	ActionDelete   Action = "DELETE"
	ActionApproval Action = "APPROVAL"
	ActionRefund   Action = "REFUND"
)

// Entry is one immutable audit record. Sensitive fields in Meta are redacted
// before the entry is persisted; the raw values never reach storage.
type Entry struct {
	ID        string         `json:"id"`
	ActorID   string         `json:"actorId"`
	Action    Action         `json:"action"`
	Target    string         `json:"target"`
	Meta      map[string]any `json:"meta"`
	CreatedAt time.Time      `json:"createdAt"`
}

// OverrideEvent captures that a policy bypass happened, tied to the audit
// entry of the operation it unlocked.
type OverrideEvent struct {
	ID                string         `json:"id"`
	ActorID           string         `json:"actorId"`
	Scope             authz.Scope    `json:"scope"`
	Reason            string         `json:"reason"`
	EntityType        string         `json:"entityType"`
	EntityID          string         `json:"entityId"`
	ApprovedByAdminID string         `json:"approvedByAdminId"`
	OwnerOverride     bool           `json:"ownerOverride"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
}

// Store appends immutable audit records.
type Store interface {
	Append(ctx context.Context, entry *Entry) error
	AppendOverrideEvent(ctx context.Context, event *OverrideEvent) error
}

// Recorder writes audit entries and override events through a Store and
// mirrors each write to the application log.
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
func NewRecorder(store Store, opts ...RecorderOption) (*Recorder, error) {
	if store == nil {
		return nil, fmt.Errorf("audit: store is required")
	}
	r := &Recorder{store: store, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Record appends one entry. Target takes the `entityType:entityId` form.
func (r *Recorder) Record(ctx context.Context, actorID string, action Action, entityType, entityID string, meta map[string]any) (*Entry, error) {
	entry := &Entry{
		ID:        ids.New(),
		ActorID:   actorID,
		Action:    action,
		Target:    Target(entityType, entityID),
		Meta:      meta,
		CreatedAt: r.now().UTC(),
	}
	if entry.Meta == nil {
		entry.Meta = map[string]any{}
	}
	if err := r.store.Append(ctx, entry); err != nil {
		return nil, fmt.Errorf("audit: append entry: %w", err)
	}
	obs.Logger().Info("audit",
		zap.String("actor_id", entry.ActorID),
		zap.String("action", string(entry.Action)),
		zap.String("target", entry.Target),
	)
	return entry, nil
}

// RecordOverride appends one override event.
func (r *Recorder) RecordOverride(ctx context.Context, event *OverrideEvent) (*OverrideEvent, error) {
	if event.ID == "" {
		event.ID = ids.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = r.now().UTC()
	}
	if err := r.store.AppendOverrideEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("audit: append override event: %w", err)
	}
	obs.Logger().Info("override_event",
		zap.String("actor_id", event.ActorID),
		zap.String("scope", string(event.Scope)),
		zap.String("entity", Target(event.EntityType, event.EntityID)),
	)
	return event, nil
}

// Target formats the audit target reference.
func Target(entityType, entityID string) string {
	return entityType + ":" + entityID
}
