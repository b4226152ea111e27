package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"kennelworks.org/internal/ids"
	"kennelworks.org/internal/kennel"
)

// Table is one entity repository. Column maps whitelist what callers can
// write and filter on; anything else in the request payload is dropped before
// it reaches SQL, so user maps can never name a column directly.
type Table[T kennel.Entity] struct {
	store       *Store
	name        string
	columns     map[string]string
	timeFields  map[string]bool
	ownerColumn string
	selectList  string
	scan        func(row interface{ Scan(dest ...any) error }) (T, error)
}

func (t *Table[T]) Find(ctx context.Context, id string) (T, error) {
	row := t.store.conn(ctx).QueryRowContext(ctx,
		`SELECT `+t.selectList+` FROM `+t.name+` WHERE id = $1`, id)
	rec, err := t.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		var zero T
		return zero, kennel.ErrNotFound
	}
	if err != nil {
		var zero T
		return zero, err
	}
	return rec, nil
}

func (t *Table[T]) Create(ctx context.Context, data map[string]any) (T, error) {
	var zero T
	id, _ := data["id"].(string)
	if id == "" {
		id = ids.New()
	}
	now := time.Now().UTC()

	cols := []string{"id", "created_at", "updated_at"}
	args := []any{id, now, now}
	for _, field := range t.writableFields(data) {
		v, err := t.convert(field, data[field])
		if err != nil {
			return zero, err
		}
		cols = append(cols, t.columns[field])
		args = append(args, v)
	}
	holders := make([]string, len(cols))
	for i := range cols {
		holders[i] = fmt.Sprintf("$%d", i+1)
	}
	_, err := t.store.conn(ctx).ExecContext(ctx,
		`INSERT INTO `+t.name+` (`+strings.Join(cols, ", ")+`) VALUES (`+strings.Join(holders, ", ")+`)`,
		args...)
	if err != nil {
		return zero, err
	}
	return t.Find(ctx, id)
}

func (t *Table[T]) Update(ctx context.Context, id string, changes map[string]any) (T, error) {
	var zero T
	sets := []string{"updated_at = $2"}
	args := []any{id, time.Now().UTC()}
	for _, field := range t.writableFields(changes) {
		v, err := t.convert(field, changes[field])
		if err != nil {
			return zero, err
		}
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", t.columns[field], len(args)))
	}
	res, err := t.store.conn(ctx).ExecContext(ctx,
		`UPDATE `+t.name+` SET `+strings.Join(sets, ", ")+` WHERE id = $1`, args...)
	if err != nil {
		return zero, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return zero, err
	} else if n == 0 {
		return zero, kennel.ErrNotFound
	}
	return t.Find(ctx, id)
}

func (t *Table[T]) Delete(ctx context.Context, id string) error {
	res, err := t.store.conn(ctx).ExecContext(ctx, `DELETE FROM `+t.name+` WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return kennel.ErrNotFound
	}
	return nil
}

func (t *Table[T]) List(ctx context.Context, filter kennel.ListFilter) ([]T, int, error) {
	where := []string{}
	args := []any{}
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.CustomerID != "" && t.ownerColumn != "" {
		add(t.ownerColumn+" = $%d", filter.CustomerID)
	}
	for _, field := range sortedKeys(filter.Filters) {
		col, ok := t.columns[field]
		if !ok {
			continue
		}
		v, err := t.convert(field, filter.Filters[field])
		if err != nil {
			return nil, 0, err
		}
		add(col+" = $%d", v)
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	row := t.store.conn(ctx).QueryRowContext(ctx, `SELECT COUNT(*) FROM `+t.name+cond, args...)
	if err := row.Scan(&total); err != nil {
		return nil, 0, err
	}

	orderCol := "created_at"
	if col, ok := t.columns[filter.SortBy]; ok {
		orderCol = col
	}
	dir := "ASC"
	if strings.EqualFold(filter.SortOrder, "desc") {
		dir = "DESC"
	}
	offset := (filter.Page - 1) * filter.Limit
	args = append(args, filter.Limit, offset)
	query := fmt.Sprintf(`SELECT %s FROM %s%s ORDER BY %s %s LIMIT $%d OFFSET $%d`,
		t.selectList, t.name, cond, orderCol, dir, len(args)-1, len(args))

	rows, err := t.store.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	items := []T{}
	for rows.Next() {
		rec, err := t.scan(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// writableFields returns the payload keys that map to a column, in a stable
// order so generated SQL is deterministic.
func (t *Table[T]) writableFields(data map[string]any) []string {
	fields := make([]string, 0, len(data))
	for field := range data {
		if _, ok := t.columns[field]; ok {
			fields = append(fields, field)
		}
	}
	sort.Strings(fields)
	return fields
}

func (t *Table[T]) convert(field string, v any) (any, error) {
	if !t.timeFields[field] {
		return v, nil
	}
	switch tv := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		return tv.UTC(), nil
	case *time.Time:
		if tv == nil {
			return nil, nil
		}
		return tv.UTC(), nil
	case string:
		parsed, err := time.Parse(time.RFC3339, tv)
		if err != nil {
			return nil, fmt.Errorf("pg: field %s: %w", field, kennel.ErrInvalidInput)
		}
		return parsed.UTC(), nil
	default:
		return nil, fmt.Errorf("pg: field %s: %w", field, kennel.ErrInvalidInput)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
