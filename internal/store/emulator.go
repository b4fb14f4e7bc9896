// ABOUTME: Row-store emulator evaluating queries over JSON tables in a kv.Store
// ABOUTME: One document per table, per-table locks around read-modify-write

package store

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"reflect"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-threads/internal/kv"
)

// Emulator implements Backend over a key-value store.
type Emulator struct {
	kv     kv.Store
	logger *slog.Logger

	now   func() time.Time
	newID func() string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEmulator creates an emulator storing tables in s.
func NewEmulator(s kv.Store, logger *slog.Logger) *Emulator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emulator{
		kv:     s,
		logger: logger.With("component", "store.emulator"),
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
		locks:  make(map[string]*sync.Mutex),
	}
}

// NewMemoryBackend returns an emulator over an in-memory kv store.
func NewMemoryBackend() *Emulator {
	return NewEmulator(kv.NewMemoryStore(), nil)
}

func tableKey(table string) string {
	return "table:" + table
}

func (e *Emulator) lock(table string) func() {
	e.mu.Lock()
	l, ok := e.locks[table]
	if !ok {
		l = &sync.Mutex{}
		e.locks[table] = l
	}
	e.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// load reads a table; any failure yields an empty table.
func (e *Emulator) load(ctx context.Context, table string) []Row {
	data, err := e.kv.Get(ctx, tableKey(table))
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			e.logger.Warn("reading table failed, treating as empty", "table", table, "error", err)
		}
		return nil
	}

	var rows []Row
	if err := json.Unmarshal(data, &rows); err != nil {
		e.logger.Warn("table document is malformed, treating as empty", "table", table, "error", err)
		return nil
	}
	return rows
}

func (e *Emulator) save(ctx context.Context, table string, rows []Row) error {
	if rows == nil {
		rows = []Row{}
	}
	data, err := json.Marshal(rows)
	if err != nil {
		return err
	}
	return e.kv.Set(ctx, tableKey(table), data)
}

func (e *Emulator) Select(ctx context.Context, q Query) Result {
	if q.Table == "" {
		return failed("select", q.Table, CodeInvalidQuery, "table name is required", nil)
	}
	unlock := e.lock(q.Table)
	rows := e.load(ctx, q.Table)
	unlock()

	out := make([]Row, 0, len(rows))
	for _, row := range rows {
		if matches(row, q.Filters) {
			out = append(out, row)
		}
	}
	if q.Order != nil {
		sortRows(out, *q.Order)
	}
	return Result{Rows: out}
}

func (e *Emulator) Insert(ctx context.Context, table string, rows []Row) Result {
	if table == "" {
		return failed("insert", table, CodeInvalidQuery, "table name is required", nil)
	}
	unlock := e.lock(table)
	defer unlock()

	existing := e.load(ctx, table)
	inserted := make([]Row, 0, len(rows))
	for _, row := range rows {
		inserted = append(inserted, e.normalizeInsert(row))
	}

	if err := e.save(ctx, table, append(existing, inserted...)); err != nil {
		return failed("insert", table, CodeStorageWrite, "writing table failed", err)
	}
	return Result{Rows: cloneRows(inserted)}
}

// normalizeInsert fills id and created_at when they are not strings.
func (e *Emulator) normalizeInsert(row Row) Row {
	out := normalizeRow(row)
	if _, ok := out["id"].(string); !ok {
		out["id"] = e.newID()
	}
	if _, ok := out["created_at"].(string); !ok {
		out["created_at"] = FormatTime(e.now())
	}
	return out
}

func (e *Emulator) Update(ctx context.Context, q Query, values Row) Result {
	if q.Table == "" {
		return failed("update", q.Table, CodeInvalidQuery, "table name is required", nil)
	}
	unlock := e.lock(q.Table)
	defer unlock()

	rows := e.load(ctx, q.Table)
	patch := normalizeRow(values)
	var updated []Row
	for i, row := range rows {
		if !matches(row, q.Filters) {
			continue
		}
		for k, v := range patch {
			row[k] = v
		}
		rows[i] = row
		updated = append(updated, row)
	}
	if len(updated) == 0 {
		return Result{Rows: []Row{}}
	}

	if err := e.save(ctx, q.Table, rows); err != nil {
		return failed("update", q.Table, CodeStorageWrite, "writing table failed", err)
	}
	return Result{Rows: cloneRows(updated)}
}

func (e *Emulator) Delete(ctx context.Context, q Query) Result {
	if q.Table == "" {
		return failed("delete", q.Table, CodeInvalidQuery, "table name is required", nil)
	}
	unlock := e.lock(q.Table)
	defer unlock()

	rows := e.load(ctx, q.Table)
	kept := make([]Row, 0, len(rows))
	for _, row := range rows {
		if !matches(row, q.Filters) {
			kept = append(kept, row)
		}
	}

	if err := e.save(ctx, q.Table, kept); err != nil {
		return failed("delete", q.Table, CodeStorageWrite, "writing table failed", err)
	}
	return Result{Rows: []Row{}}
}

func (e *Emulator) Close() error {
	return e.kv.Close()
}

// matches reports whether row satisfies every filter. A missing column
// compares as null.
func matches(row Row, filters []Filter) bool {
	for _, f := range filters {
		if !reflect.DeepEqual(row[f.Column], normalizeValue(f.Value)) {
			return false
		}
	}
	return true
}

// sortRows orders rows on one column. Null and missing values go last in
// both directions and equal keys keep their relative order.
func sortRows(rows []Row, o Order) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, aok := sortKey(rows[i][o.Column])
		b, bok := sortKey(rows[j][o.Column])
		switch {
		case !aok:
			return false
		case !bok:
			return true
		case o.Ascending:
			return a < b
		default:
			return a > b
		}
	})
}

func sortKey(v any) (string, bool) {
	switch v := v.(type) {
	case nil:
		return "", false
	case string:
		return v, true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(v), true
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return "", false
		}
		return string(data), true
	}
}

// normalizeValue maps a Go value onto its JSON-decoded form so filters
// compare equal to stored values (ints become float64 and so on).
func normalizeValue(v any) any {
	switch v.(type) {
	case nil, string, bool, float64:
		return v
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

func normalizeRow(row Row) Row {
	out := make(Row, len(row))
	for k, v := range row {
		out[k] = normalizeValue(v)
	}
	return out
}

func cloneRows(rows []Row) []Row {
	out := make([]Row, len(rows))
	for i, r := range rows {
		out[i] = r.Clone()
	}
	return out
}
