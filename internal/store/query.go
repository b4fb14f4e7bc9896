// ABOUTME: Fluent query builder over a Backend
// ABOUTME: Mirrors the remote API shape: from(table).eq(col, v).order(col)

package store

import "context"

// TableQuery accumulates filters and ordering for one table. Each method
// returns a new value, so partial queries can be reused.
type TableQuery struct {
	backend Backend
	q       Query
}

// From starts a query on table.
func From(b Backend, table string) TableQuery {
	return TableQuery{backend: b, q: Query{Table: table}}
}

// Eq adds an equality filter.
func (t TableQuery) Eq(column string, value any) TableQuery {
	filters := make([]Filter, len(t.q.Filters), len(t.q.Filters)+1)
	copy(filters, t.q.Filters)
	t.q.Filters = append(filters, Filter{Column: column, Value: value})
	return t
}

// Order sets the sort column.
func (t TableQuery) Order(column string, ascending bool) TableQuery {
	t.q.Order = &Order{Column: column, Ascending: ascending}
	return t
}

// Query returns the accumulated query.
func (t TableQuery) Query() Query { return t.q }

func (t TableQuery) Select(ctx context.Context) Result {
	return t.backend.Select(ctx, t.q)
}

func (t TableQuery) Insert(ctx context.Context, rows ...Row) Result {
	return t.backend.Insert(ctx, t.q.Table, rows)
}

func (t TableQuery) Update(ctx context.Context, values Row) Result {
	return t.backend.Update(ctx, t.q, values)
}

func (t TableQuery) Delete(ctx context.Context) Result {
	return t.backend.Delete(ctx, t.q)
}
