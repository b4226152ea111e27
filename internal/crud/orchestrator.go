// Package crud implements the uniform execution pipeline for entity
// operations: validation, policy evaluation, optional override-token
// redemption, the storage mutation and the mandatory audit write, all inside
// one storage transaction.
package crud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"kennelworks.org/internal/audit"
	"kennelworks.org/internal/authz"
	"kennelworks.org/internal/kennel"
	"kennelworks.org/internal/obs"
	"kennelworks.org/internal/override"
	"kennelworks.org/internal/store"
)

// Operation names one pipeline stage class for validation hooks and metrics.
type Operation string

const (
	OpCreate Operation = "create"
	OpRead   Operation = "read"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
	OpList   Operation = "list"
)

// Caller-visible failure messages. Denials carry the policy's own reason;
// these cover the remaining uniform failure classes. A supplied token is
// rejected identically whether used, revoked, expired, mis-scoped or
// holder-bound to someone else; an escalated mutation attempted with no
// token at all surfaces the policy's escalation reason instead.
const (
	MsgInvalidInput = "Invalid input data"
	MsgNotFound     = "Entity not found"
	MsgInvalidToken = "Invalid override token"
)

const (
	defaultLimit = 20
	maxLimit     = 100
)

// errHandled aborts the transaction for an expected denial already captured
// in the result value; nothing may be committed on those paths.
var errHandled = errors.New("crud: handled failure")

// Repository is the storage surface for one entity type, chosen at
// orchestrator construction time.
type Repository[T kennel.Entity] interface {
	Find(ctx context.Context, id string) (T, error)
	Create(ctx context.Context, data map[string]any) (T, error)
	Update(ctx context.Context, id string, changes map[string]any) (T, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, filter kennel.ListFilter) ([]T, int, error)
}

// Policy is the decision surface for one entity type.
type Policy[T kennel.Entity] interface {
	CanCreate(actor authz.Context, data map[string]any) authz.Decision
	CanRead(actor authz.Context, entity T) authz.Decision
	CanUpdate(actor authz.Context, entity T, changes map[string]any) authz.Decision
	CanDelete(actor authz.Context, entity T) authz.Decision
	CanList(actor authz.Context, filters map[string]any) authz.Decision
}

// Config wires one orchestrator.
type Config[T kennel.Entity] struct {
	EntityType string
	Repo       Repository[T]
	Policy     Policy[T]
	Tokens     *override.Service
	Audits     *audit.Recorder
	Tx         store.Transactor

	// Validate, when set, runs before any policy check; a validation error
	// fails the operation with MsgInvalidInput and no side effects.
	Validate func(op Operation, data map[string]any) error
	// RedactFields lists snapshot fields replaced with the redaction marker
	// in audit meta.
	RedactFields []string
	// Transform, when set, shapes Data into the caller-facing Output.
	Transform func(T) any
}

// Result is the structured outcome of one single-record operation. Expected
// denials land here; only storage failures surface as errors.
type Result[T kennel.Entity] struct {
	Success       bool
	Data          T
	Output        any
	Error         string
	AuditEntry    *audit.Entry
	OverrideEvent *audit.OverrideEvent
}

// ListResult is the outcome of one list operation.
type ListResult[T kennel.Entity] struct {
	Success bool
	Items   []T
	Total   int
	Page    int
	Limit   int
	Error   string
}

// Orchestrator runs the pipeline for one entity type.
type Orchestrator[T kennel.Entity] struct {
	cfg Config[T]
}

// New validates the wiring and returns an Orchestrator.
func New[T kennel.Entity](cfg Config[T]) (*Orchestrator[T], error) {
	if cfg.EntityType == "" {
		return nil, fmt.Errorf("crud: entity type is required")
	}
	if cfg.Repo == nil || cfg.Policy == nil || cfg.Tokens == nil || cfg.Audits == nil || cfg.Tx == nil {
		return nil, fmt.Errorf("crud: repo, policy, tokens, audits and tx are required for %s", cfg.EntityType)
	}
	return &Orchestrator[T]{cfg: cfg}, nil
}

// Create validates, authorizes and persists a new entity, writing exactly
// one audit entry (plus an override event if a token was redeemed).
func (o *Orchestrator[T]) Create(ctx context.Context, actor authz.Context, data map[string]any, overrideToken string) (Result[T], error) {
	if o.cfg.Validate != nil {
		if err := o.cfg.Validate(OpCreate, data); err != nil {
			return o.failure(MsgInvalidInput), nil
		}
	}
	d := o.cfg.Policy.CanCreate(actor, data)
	obs.PolicyDecision(o.cfg.EntityType, string(OpCreate), d.Outcome())
	if !d.Allowed() && !d.RequiresOverride() {
		return o.failure(d.Reason()), nil
	}

	if d.RequiresOverride() && overrideToken == "" {
		return o.failure(d.Reason()), nil
	}

	var res Result[T]
	err := o.cfg.Tx.WithinTx(ctx, func(ctx context.Context) error {
		tok, ok, err := o.redeemIfNeeded(ctx, d, actor, overrideToken)
		if err != nil {
			return err
		}
		if !ok {
			res = o.failure(MsgInvalidToken)
			return errHandled
		}

		created, err := o.cfg.Repo.Create(ctx, data)
		if err != nil {
			return err
		}
		meta := map[string]any{
			"action": o.cfg.EntityType + ".create",
			"after":  audit.Redact(snapshot(created), o.cfg.RedactFields),
		}
		res, err = o.record(ctx, actor, audit.ActionCreate, created, d, tok, meta)
		return err
	})
	if err != nil {
		if errors.Is(err, errHandled) {
			return res, nil
		}
		return Result[T]{}, err
	}
	o.finish(&res)
	return res, nil
}

// Read loads one entity and, when allowed, writes a READ audit entry;
// PHI access has to be traceable even without a mutation.
func (o *Orchestrator[T]) Read(ctx context.Context, actor authz.Context, id string) (Result[T], error) {
	var res Result[T]
	err := o.cfg.Tx.WithinTx(ctx, func(ctx context.Context) error {
		entity, err := o.cfg.Repo.Find(ctx, id)
		if errors.Is(err, kennel.ErrNotFound) {
			res = o.failure(MsgNotFound)
			return errHandled
		}
		if err != nil {
			return err
		}
		d := o.cfg.Policy.CanRead(actor, entity)
		obs.PolicyDecision(o.cfg.EntityType, string(OpRead), d.Outcome())
		if !d.Allowed() {
			res = o.failure(d.Reason())
			return errHandled
		}
		meta := map[string]any{
			"action": o.cfg.EntityType + ".read",
			"record": audit.Redact(snapshot(entity), o.cfg.RedactFields),
		}
		res, err = o.record(ctx, actor, audit.ActionRead, entity, d, nil, meta)
		return err
	})
	if err != nil {
		if errors.Is(err, errHandled) {
			return res, nil
		}
		return Result[T]{}, err
	}
	o.finish(&res)
	return res, nil
}

// Update loads, authorizes (redeeming an override token when the policy
// demands one), applies changes and audits before/after snapshots.
func (o *Orchestrator[T]) Update(ctx context.Context, actor authz.Context, id string, changes map[string]any, overrideToken string) (Result[T], error) {
	if o.cfg.Validate != nil {
		if err := o.cfg.Validate(OpUpdate, changes); err != nil {
			return o.failure(MsgInvalidInput), nil
		}
	}
	var res Result[T]
	err := o.cfg.Tx.WithinTx(ctx, func(ctx context.Context) error {
		existing, err := o.cfg.Repo.Find(ctx, id)
		if errors.Is(err, kennel.ErrNotFound) {
			res = o.failure(MsgNotFound)
			return errHandled
		}
		if err != nil {
			return err
		}
		d := o.cfg.Policy.CanUpdate(actor, existing, changes)
		obs.PolicyDecision(o.cfg.EntityType, string(OpUpdate), d.Outcome())
		if !d.Allowed() && !d.RequiresOverride() {
			res = o.failure(d.Reason())
			return errHandled
		}
		if d.RequiresOverride() && overrideToken == "" {
			res = o.failure(d.Reason())
			return errHandled
		}
		tok, ok, err := o.redeemIfNeeded(ctx, d, actor, overrideToken)
		if err != nil {
			return err
		}
		if !ok {
			res = o.failure(MsgInvalidToken)
			return errHandled
		}

		updated, err := o.cfg.Repo.Update(ctx, id, changes)
		if err != nil {
			return err
		}
		meta := map[string]any{
			"action": o.cfg.EntityType + ".update",
			"before": audit.Redact(snapshot(existing), o.cfg.RedactFields),
			"after":  audit.Redact(snapshot(updated), o.cfg.RedactFields),
		}
		res, err = o.record(ctx, actor, audit.ActionUpdate, updated, d, tok, meta)
		return err
	})
	if err != nil {
		if errors.Is(err, errHandled) {
			return res, nil
		}
		return Result[T]{}, err
	}
	o.finish(&res)
	return res, nil
}

// Delete loads, authorizes and removes one entity, auditing the deleted
// snapshot.
func (o *Orchestrator[T]) Delete(ctx context.Context, actor authz.Context, id string, overrideToken string) (Result[T], error) {
	var res Result[T]
	err := o.cfg.Tx.WithinTx(ctx, func(ctx context.Context) error {
		existing, err := o.cfg.Repo.Find(ctx, id)
		if errors.Is(err, kennel.ErrNotFound) {
			res = o.failure(MsgNotFound)
			return errHandled
		}
		if err != nil {
			return err
		}
		d := o.cfg.Policy.CanDelete(actor, existing)
		obs.PolicyDecision(o.cfg.EntityType, string(OpDelete), d.Outcome())
		if !d.Allowed() && !d.RequiresOverride() {
			res = o.failure(d.Reason())
			return errHandled
		}
		if d.RequiresOverride() && overrideToken == "" {
			res = o.failure(d.Reason())
			return errHandled
		}
		tok, ok, err := o.redeemIfNeeded(ctx, d, actor, overrideToken)
		if err != nil {
			return err
		}
		if !ok {
			res = o.failure(MsgInvalidToken)
			return errHandled
		}

		if err := o.cfg.Repo.Delete(ctx, id); err != nil {
			return err
		}
		meta := map[string]any{
			"action": o.cfg.EntityType + ".delete",
			"before": audit.Redact(snapshot(existing), o.cfg.RedactFields),
		}
		res, err = o.record(ctx, actor, audit.ActionDelete, existing, d, tok, meta)
		return err
	})
	if err != nil {
		if errors.Is(err, errHandled) {
			return res, nil
		}
		return Result[T]{}, err
	}
	o.finish(&res)
	return res, nil
}

// List authorizes once at the decision level, scopes customers to their own
// records and applies clamped pagination. List results are not audited per
// item; single-record reads are the traceable path.
func (o *Orchestrator[T]) List(ctx context.Context, actor authz.Context, filter kennel.ListFilter) (ListResult[T], error) {
	filter.Page, filter.Limit = clampPagination(filter.Page, filter.Limit)

	d := o.cfg.Policy.CanList(actor, filter.Filters)
	obs.PolicyDecision(o.cfg.EntityType, string(OpList), d.Outcome())
	if !d.Allowed() {
		return ListResult[T]{Error: d.Reason(), Page: filter.Page, Limit: filter.Limit}, nil
	}
	if actor.IsCustomer {
		filter.CustomerID = actor.UserID
	}
	items, total, err := o.cfg.Repo.List(ctx, filter)
	if err != nil {
		return ListResult[T]{}, err
	}
	return ListResult[T]{
		Success: true,
		Items:   items,
		Total:   total,
		Page:    filter.Page,
		Limit:   filter.Limit,
	}, nil
}

// redeemIfNeeded consumes the override token when the decision demands one.
// ok=false means the caller must fail with MsgInvalidToken; an unknown token
// row is folded into that same answer. Callers surface the policy reason for
// the no-token-supplied case before getting here.
func (o *Orchestrator[T]) redeemIfNeeded(ctx context.Context, d authz.Decision, actor authz.Context, overrideToken string) (*override.Token, bool, error) {
	if !d.RequiresOverride() {
		return nil, true, nil
	}
	tok, ok, err := o.cfg.Tokens.Redeem(ctx, overrideToken, d.Scope(), actor.UserID)
	if err != nil {
		if errors.Is(err, override.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return tok, ok, nil
}

func (o *Orchestrator[T]) record(ctx context.Context, actor authz.Context, action audit.Action, entity T, d authz.Decision, tok *override.Token, meta map[string]any) (Result[T], error) {
	if tok != nil {
		meta["overrideScope"] = string(d.Scope())
	}
	entry, err := o.cfg.Audits.Record(ctx, actor.UserID, action, o.cfg.EntityType, entity.EntityID(), meta)
	if err != nil {
		return Result[T]{}, err
	}
	res := Result[T]{Success: true, Data: entity, AuditEntry: entry}
	if tok != nil {
		event, err := o.cfg.Audits.RecordOverride(ctx, &audit.OverrideEvent{
			ActorID:           actor.UserID,
			Scope:             d.Scope(),
			Reason:            d.Reason(),
			EntityType:        o.cfg.EntityType,
			EntityID:          entity.EntityID(),
			ApprovedByAdminID: tok.IssuedByAdminID,
			OwnerOverride:     actor.IsOwner,
			Metadata: map[string]any{
				"auditEntryId":    entry.ID,
				"overrideTokenId": tok.ID,
			},
		})
		if err != nil {
			return Result[T]{}, err
		}
		res.OverrideEvent = event
	}
	return res, nil
}

func (o *Orchestrator[T]) failure(msg string) Result[T] {
	return Result[T]{Error: msg}
}

func (o *Orchestrator[T]) finish(res *Result[T]) {
	if !res.Success {
		return
	}
	if o.cfg.Transform != nil {
		res.Output = o.cfg.Transform(res.Data)
	} else {
		res.Output = res.Data
	}
}

func clampPagination(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return page, limit
}

// snapshot converts an entity to its JSON field map for audit meta; the
// field names match the wire contract, so redaction lists apply directly.
func snapshot(v any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{}
	}
	return out
}
