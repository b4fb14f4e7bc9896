// Package store provides the row-store query surface used for agents,
// threads and messages.
//
// # Architecture
//
// Callers talk to a single Backend interface with four operations over a
// named table:
//
//   - Select: equality filters joined with AND, optional single-column order
//   - Insert: append rows, filling a missing id and created_at
//   - Update: merge values into the rows matching the filters
//   - Delete: remove the rows matching the filters
//
// Two implementations satisfy it:
//
//   - Emulator: keeps each table as one JSON array in a kv.Store
//     (SQLite, files, MinIO or memory) and evaluates queries in process
//   - Relational: maps the same queries onto GORM models, backed by
//     PostgreSQL in production and SQLite in tests
//
// Open picks one of them once at startup. Nothing else in the module
// branches on which backend is in use.
//
// # Results
//
// Every call returns a Result that carries either rows or a structured
// *Error, never both. Result.Single narrows to the first row:
//
//	res := store.From(b, "threads").Eq("id", id).Select(ctx).Single()
//	switch res.Outcome() {
//	case store.OutcomeData:  // res.Row is set
//	case store.OutcomeNull:  // no such row
//	case store.OutcomeError: // res.Err is set
//	}
//
// # Emulator semantics
//
// Filtering is a linear scan. Ordering sorts on the string form of the
// column value, keeps rows with equal keys in insertion order, and places
// missing or null values last in both directions. Timestamps are stored as
// fixed-width UTC strings (TimeFormat) so string order is time order.
//
// A table whose stored document cannot be read or parsed is treated as
// empty. Each table has its own lock, held across the whole
// read-modify-write of a mutation.
package store
