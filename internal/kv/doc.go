// Package kv provides durable blob storage addressed by string keys.
//
// The store emulator keeps one JSON document per table and only needs
// whole-value reads and writes, so every backend here implements the same
// three-method Store interface:
//
//   - SQLiteStore keeps values in a single table of a modernc SQLite file
//   - FileStore keeps one file per key under a directory
//   - MinIOStore keeps one object per key in an S3-compatible bucket
//   - MemoryStore keeps values in a map, for tests and throwaway runs
//
// Get returns ErrNotFound for keys that have never been written.
package kv
