// Package memory implements the storage contracts in process memory. It
// backs tests and single-node runs without postgres; durability is out of
// scope here.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"kennelworks.org/internal/ids"
	"kennelworks.org/internal/kennel"
)

type txKey struct{}

// Backend serializes all access through one lock, standing in for the
// transaction isolation a database provides. WithinTx holds the lock for
// the whole operation; nested calls join the ambient one.
type Backend struct {
	mu sync.Mutex
}

// NewBackend creates a Backend.
func NewBackend() *Backend {
	return &Backend{}
}

// WithinTx implements store.Transactor.
func (b *Backend) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return fn(context.WithValue(ctx, txKey{}, struct{}{}))
}

// lock acquires the backend lock unless the context already runs inside a
// transaction. The returned func releases whatever was taken.
func (b *Backend) lock(ctx context.Context) func() {
	if ctx.Value(txKey{}) != nil {
		return func() {}
	}
	b.mu.Lock()
	return b.mu.Unlock
}

// Collection stores one entity type as raw JSON field maps, decoded into T
// on the way out. ownerField names the column matched against the
// customer-scoping filter.
type Collection[T kennel.Entity] struct {
	backend    *Backend
	name       string
	ownerField string
	order      []string
	records    map[string]map[string]any
}

// NewCollection creates an empty collection.
func NewCollection[T kennel.Entity](b *Backend, name, ownerField string) *Collection[T] {
	return &Collection[T]{
		backend:    b,
		name:       name,
		ownerField: ownerField,
		records:    make(map[string]map[string]any),
	}
}

func (c *Collection[T]) Find(ctx context.Context, id string) (T, error) {
	defer c.backend.lock(ctx)()
	var zero T
	rec, ok := c.records[id]
	if !ok {
		return zero, kennel.ErrNotFound
	}
	return decode[T](rec)
}

func (c *Collection[T]) Create(ctx context.Context, data map[string]any) (T, error) {
	defer c.backend.lock(ctx)()
	rec := copyMap(data)
	id, _ := rec["id"].(string)
	if id == "" {
		id = ids.New()
		rec["id"] = id
	}
	var zero T
	if _, exists := c.records[id]; exists {
		return zero, fmt.Errorf("%w: duplicate id %s", kennel.ErrInvalidInput, id)
	}
	now := time.Now().UTC()
	rec["createdAt"] = now
	rec["updatedAt"] = now
	c.records[id] = rec
	c.order = append(c.order, id)
	return decode[T](rec)
}

func (c *Collection[T]) Update(ctx context.Context, id string, changes map[string]any) (T, error) {
	defer c.backend.lock(ctx)()
	var zero T
	rec, ok := c.records[id]
	if !ok {
		return zero, kennel.ErrNotFound
	}
	for k, v := range changes {
		if k == "id" || k == "createdAt" {
			continue
		}
		rec[k] = v
	}
	rec["updatedAt"] = time.Now().UTC()
	return decode[T](rec)
}

func (c *Collection[T]) Delete(ctx context.Context, id string) error {
	defer c.backend.lock(ctx)()
	if _, ok := c.records[id]; !ok {
		return kennel.ErrNotFound
	}
	delete(c.records, id)
	for i, oid := range c.order {
		if oid == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return nil
}

func (c *Collection[T]) List(ctx context.Context, filter kennel.ListFilter) ([]T, int, error) {
	defer c.backend.lock(ctx)()
	matched := make([]string, 0, len(c.order))
	for _, id := range c.order {
		rec := c.records[id]
		if filter.CustomerID != "" && c.ownerField != "" {
			if owner, _ := rec[c.ownerField].(string); owner != filter.CustomerID {
				continue
			}
		}
		if !matchesFilters(rec, filter.Filters) {
			continue
		}
		matched = append(matched, id)
	}
	total := len(matched)
	if filter.SortOrder == "desc" {
		for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
			matched[i], matched[j] = matched[j], matched[i]
		}
	}

	start := (filter.Page - 1) * filter.Limit
	if start > total {
		start = total
	}
	end := start + filter.Limit
	if filter.Limit <= 0 || end > total {
		end = total
	}

	out := make([]T, 0, end-start)
	for _, id := range matched[start:end] {
		item, err := decode[T](c.records[id])
		if err != nil {
			return nil, 0, err
		}
		out = append(out, item)
	}
	return out, total, nil
}

// Insert stores a fully-formed entity, preserving its field values. Intended
// for seeding tests and fixtures.
func (c *Collection[T]) Insert(ctx context.Context, entity T) (T, error) {
	rec := toMap(entity)
	return c.Create(ctx, rec)
}

func decode[T any](rec map[string]any) (T, error) {
	var out T
	data, err := json.Marshal(rec)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, err
	}
	return out, nil
}

func toMap(v any) map[string]any {
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

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func matchesFilters(rec map[string]any, filters map[string]any) bool {
	for k, want := range filters {
		if fmt.Sprintf("%v", rec[k]) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}
