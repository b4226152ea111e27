package pg

import (
	"context"
	"encoding/json"
	"fmt"

	"kennelworks.org/internal/audit"
)

// AuditStore implements audit.Store with append-only inserts. Nothing in the
// engine updates or deletes these rows.
type AuditStore struct {
	store *Store
}

func (s *Store) Audit() *AuditStore { return &AuditStore{store: s} }

func (s *AuditStore) Append(ctx context.Context, entry *audit.Entry) error {
	meta, err := json.Marshal(entry.Meta)
	if err != nil {
		return fmt.Errorf("pg: marshal audit meta: %w", err)
	}
	_, err = s.store.conn(ctx).ExecContext(ctx, `
		INSERT INTO audit_log (id, actor_id, action, target, meta, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ID, entry.ActorID, string(entry.Action), entry.Target, meta, entry.CreatedAt,
	)
	return err
}

func (s *AuditStore) AppendOverrideEvent(ctx context.Context, event *audit.OverrideEvent) error {
	meta, err := json.Marshal(event.Metadata)
	if err != nil {
		return fmt.Errorf("pg: marshal override event metadata: %w", err)
	}
	_, err = s.store.conn(ctx).ExecContext(ctx, `
		INSERT INTO override_events (id, actor_id, scope, reason, entity_type, entity_id,
			approved_by_admin_id, owner_override, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		event.ID, event.ActorID, string(event.Scope), event.Reason, event.EntityType,
		event.EntityID, event.ApprovedByAdminID, event.OwnerOverride, meta, event.CreatedAt,
	)
	return err
}
