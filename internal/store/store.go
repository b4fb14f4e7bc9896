// ABOUTME: Backend interface, query and result types for row persistence
// ABOUTME: Shared by the kv-backed emulator and the GORM relational backend

package store

import (
	"context"
	"errors"
	"fmt"
	"maps"
)

// ErrNotFound is returned by typed lookups when no row matches.
var ErrNotFound = errors.New("not found")

// Table names.
const (
	TableAgents   = "agents"
	TableThreads  = "threads"
	TableMessages = "messages"
)

// Row is one record keyed by column name.
type Row map[string]any

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	return maps.Clone(r)
}

// String returns the column value when it is a string.
func (r Row) String(column string) string {
	s, _ := r[column].(string)
	return s
}

// Filter is an equality predicate on one column.
type Filter struct {
	Column string
	Value  any
}

// Order sorts on a single column.
type Order struct {
	Column    string
	Ascending bool
}

// Query addresses rows of one table.
type Query struct {
	Table   string
	Filters []Filter
	Order   *Order
}

// Backend is the row-store contract.
type Backend interface {
	Select(ctx context.Context, q Query) Result
	Insert(ctx context.Context, table string, rows []Row) Result
	Update(ctx context.Context, q Query, values Row) Result
	Delete(ctx context.Context, q Query) Result
	Close() error
}

// Error is the structured failure carried by a Result.
type Error struct {
	Op      string
	Table   string
	Code    string
	Message string
	Err     error
}

// Error codes shared by both backends.
const (
	CodeInvalidQuery  = "invalid_query"
	CodeUnknownTable  = "42P01"
	CodeUnknownColumn = "42703"
	CodeStorageWrite  = "storage_write"
	CodeDatabase      = "database_error"
)

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Op, e.Table, e.Message)
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Outcome discriminates a result.
type Outcome int

const (
	OutcomeData Outcome = iota
	OutcomeNull
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeData:
		return "data"
	case OutcomeNull:
		return "null"
	case OutcomeError:
		return "error"
	default:
		return "unknown"
	}
}

// Result is the outcome of a multi-row operation.
type Result struct {
	Rows []Row
	Err  *Error
}

// Outcome reports data for any successful result, including an empty one.
func (r Result) Outcome() Outcome {
	if r.Err != nil {
		return OutcomeError
	}
	return OutcomeData
}

// Error returns the failure as an error value, or nil.
func (r Result) Error() error {
	if r.Err == nil {
		return nil
	}
	return r.Err
}

// Single narrows the result to its first row.
func (r Result) Single() SingleResult {
	if r.Err != nil {
		return SingleResult{Err: r.Err}
	}
	if len(r.Rows) == 0 {
		return SingleResult{}
	}
	return SingleResult{Row: r.Rows[0]}
}

// SingleResult is the outcome of a single-row fetch. A nil Row with a nil
// Err means no row matched.
type SingleResult struct {
	Row Row
	Err *Error
}

func (s SingleResult) Outcome() Outcome {
	switch {
	case s.Err != nil:
		return OutcomeError
	case s.Row == nil:
		return OutcomeNull
	default:
		return OutcomeData
	}
}

// Error returns the failure as an error value, or nil.
func (s SingleResult) Error() error {
	if s.Err == nil {
		return nil
	}
	return s.Err
}

func failed(op, table, code, message string, err error) Result {
	return Result{Err: &Error{Op: op, Table: table, Code: code, Message: message, Err: err}}
}
