// ABOUTME: GORM-backed implementation of the Backend contract
// ABOUTME: PostgreSQL in production, any GORM dialector (SQLite in tests)

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// tableSpec binds a table name to its model and allowed columns.
type tableSpec struct {
	newModel func() any
	newSlice func() any
	columns  map[string]bool
}

func columnSet(cols ...string) map[string]bool {
	m := make(map[string]bool, len(cols))
	for _, c := range cols {
		m[c] = true
	}
	return m
}

var relationalTables = map[string]tableSpec{
	TableAgents: {
		newModel: func() any { return &Agent{} },
		newSlice: func() any { return &[]Agent{} },
		columns: columnSet("id", "name", "description", "category", "accent_color",
			"status", "avatar", "system_prompt", "created_at"),
	},
	TableThreads: {
		newModel: func() any { return &Thread{} },
		newSlice: func() any { return &[]Thread{} },
		columns:  columnSet("id", "title", "agent_id", "session_id", "created_at", "updated_at"),
	},
	TableMessages: {
		newModel: func() any { return &Message{} },
		newSlice: func() any { return &[]Message{} },
		columns:  columnSet("id", "thread_id", "agent_id", "content", "role", "created_at"),
	},
}

// Relational implements Backend on a relational database through GORM.
type Relational struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time

	seqMu   sync.Mutex
	lastSeq int64
}

// OpenPostgres connects to the database at dsn and migrates the schema.
func OpenPostgres(dsn string, logger *slog.Logger) (*Relational, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	return NewRelational(db, logger)
}

// NewRelational wraps an open GORM handle and migrates the schema.
func NewRelational(db *gorm.DB, logger *slog.Logger) (*Relational, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := db.AutoMigrate(&Agent{}, &Thread{}, &Message{}); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	r := &Relational{
		db:     db,
		logger: logger.With("component", "store.relational"),
		now:    time.Now,
	}
	r.logger.Info("relational store initialized", "dialect", db.Dialector.Name())
	return r, nil
}

func (r *Relational) spec(op string, q Query, extra Row) (tableSpec, *Error) {
	spec, ok := relationalTables[q.Table]
	if !ok {
		return spec, &Error{Op: op, Table: q.Table, Code: CodeUnknownTable,
			Message: fmt.Sprintf("relation %q does not exist", q.Table)}
	}
	check := func(col string) *Error {
		if spec.columns[col] {
			return nil
		}
		return &Error{Op: op, Table: q.Table, Code: CodeUnknownColumn,
			Message: fmt.Sprintf("column %q does not exist", col)}
	}
	for _, f := range q.Filters {
		if err := check(f.Column); err != nil {
			return spec, err
		}
	}
	if q.Order != nil {
		if err := check(q.Order.Column); err != nil {
			return spec, err
		}
	}
	for col := range extra {
		if err := check(col); err != nil {
			return spec, err
		}
	}
	return spec, nil
}

// nextSeq returns a strictly increasing insertion sequence. It follows the
// clock so order survives restarts.
func (r *Relational) nextSeq() int64 {
	r.seqMu.Lock()
	defer r.seqMu.Unlock()
	n := r.now().UnixNano()
	if n <= r.lastSeq {
		n = r.lastSeq + 1
	}
	r.lastSeq = n
	return n
}

func (r *Relational) where(tx *gorm.DB, filters []Filter) *gorm.DB {
	for _, f := range filters {
		if f.Value == nil {
			tx = tx.Where(clause.Expr{SQL: "? IS NULL", Vars: []any{clause.Column{Name: f.Column}}})
			continue
		}
		tx = tx.Where(clause.Eq{Column: clause.Column{Name: f.Column}, Value: f.Value})
	}
	return tx
}

func (r *Relational) Select(ctx context.Context, q Query) Result {
	spec, serr := r.spec("select", q, nil)
	if serr != nil {
		return Result{Err: serr}
	}

	tx := r.where(r.db.WithContext(ctx).Model(spec.newModel()), q.Filters)
	if q.Order != nil {
		dir := "ASC"
		if !q.Order.Ascending {
			dir = "DESC"
		}
		// Column names are whitelisted above.
		tx = tx.Order(fmt.Sprintf("%s IS NULL, %s %s", q.Order.Column, q.Order.Column, dir))
	}
	// Ties keep insertion order in both directions.
	tx = tx.Order("seq ASC")

	dest := spec.newSlice()
	if err := tx.Find(dest).Error; err != nil {
		return failed("select", q.Table, CodeDatabase, "query failed", err)
	}
	rows, err := toRows(dest)
	if err != nil {
		return failed("select", q.Table, CodeDatabase, "decoding rows failed", err)
	}
	return Result{Rows: rows}
}

func (r *Relational) Insert(ctx context.Context, table string, rows []Row) Result {
	q := Query{Table: table}
	var cols Row
	for _, row := range rows {
		cols = mergeKeys(cols, row)
	}
	spec, serr := r.spec("insert", q, cols)
	if serr != nil {
		return Result{Err: serr}
	}

	inserted := make([]Row, 0, len(rows))
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, row := range rows {
			row = row.Clone()
			if _, ok := row["id"].(string); !ok {
				row["id"] = uuid.New().String()
			}
			if _, ok := row["created_at"].(string); !ok {
				row["created_at"] = FormatTime(r.now())
			}
			model := spec.newModel()
			if err := row.Decode(model); err != nil {
				return err
			}
			model.(interface{ setSeq(int64) }).setSeq(r.nextSeq())
			if err := tx.Create(model).Error; err != nil {
				return err
			}
			out, err := RowOf(model)
			if err != nil {
				return err
			}
			inserted = append(inserted, out)
		}
		return nil
	})
	if err != nil {
		return failed("insert", table, CodeDatabase, "insert failed", err)
	}
	return Result{Rows: inserted}
}

func (r *Relational) Update(ctx context.Context, q Query, values Row) Result {
	spec, serr := r.spec("update", q, values)
	if serr != nil {
		return Result{Err: serr}
	}
	if len(values) == 0 {
		return failed("update", q.Table, CodeInvalidQuery, "no values to update", nil)
	}

	var ids []string
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := r.where(tx.Model(spec.newModel()), q.Filters).Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		return tx.Model(spec.newModel()).Where("id IN ?", ids).Updates(map[string]any(values)).Error
	})
	if err != nil {
		return failed("update", q.Table, CodeDatabase, "update failed", err)
	}
	if len(ids) == 0 {
		return Result{Rows: []Row{}}
	}

	dest := spec.newSlice()
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Order("seq ASC").Find(dest).Error; err != nil {
		return failed("update", q.Table, CodeDatabase, "reading updated rows failed", err)
	}
	rows, err := toRows(dest)
	if err != nil {
		return failed("update", q.Table, CodeDatabase, "decoding rows failed", err)
	}
	return Result{Rows: rows}
}

func (r *Relational) Delete(ctx context.Context, q Query) Result {
	spec, serr := r.spec("delete", q, nil)
	if serr != nil {
		return Result{Err: serr}
	}

	tx := r.db.WithContext(ctx)
	if len(q.Filters) == 0 {
		tx = tx.Session(&gorm.Session{AllowGlobalUpdate: true})
	}
	if err := r.where(tx, q.Filters).Delete(spec.newModel()).Error; err != nil {
		return failed("delete", q.Table, CodeDatabase, "delete failed", err)
	}
	return Result{Rows: []Row{}}
}

func (r *Relational) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRows(models any) ([]Row, error) {
	data, err := json.Marshal(models)
	if err != nil {
		return nil, err
	}
	rows := []Row{}
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func mergeKeys(dst, src Row) Row {
	if dst == nil {
		dst = Row{}
	}
	for k := range src {
		dst[k] = nil
	}
	return dst
}
