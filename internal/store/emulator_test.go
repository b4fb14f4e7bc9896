// ABOUTME: Tests for the kv-backed row-store emulator
// ABOUTME: Covers filtering, ordering, insert normalization and failure handling

package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-threads/internal/kv"
)

func newTestEmulator(t *testing.T) (*Emulator, *kv.MemoryStore) {
	t.Helper()
	mem := kv.NewMemoryStore()
	e := NewEmulator(mem, nil)
	clock := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return clock }
	n := 0
	e.newID = func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
	return e, mem
}

// failingKV fails every call.
type failingKV struct{}

func (failingKV) Get(context.Context, string) ([]byte, error) { return nil, errors.New("disk gone") }
func (failingKV) Set(context.Context, string, []byte) error   { return errors.New("disk gone") }
func (failingKV) Close() error                                { return nil }

func ids(rows []Row) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.String("id")
	}
	return out
}

func TestEmulator_InsertFillsMissingFields(t *testing.T) {
	e, _ := newTestEmulator(t)
	ctx := context.Background()

	res := From(e, TableMessages).Insert(ctx, Row{"content": "hi"})
	require.NoError(t, res.Error())
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "id-1", res.Rows[0]["id"])
	assert.Equal(t, "2025-03-01T12:00:00.000Z", res.Rows[0]["created_at"])
	assert.Equal(t, "hi", res.Rows[0]["content"])
}

func TestEmulator_InsertPreservesPresentFields(t *testing.T) {
	e, _ := newTestEmulator(t)
	ctx := context.Background()

	res := From(e, TableMessages).Insert(ctx, Row{"id": "m1", "created_at": "2020-01-01T00:00:00.000Z"})
	require.NoError(t, res.Error())
	assert.Equal(t, "m1", res.Rows[0]["id"])
	assert.Equal(t, "2020-01-01T00:00:00.000Z", res.Rows[0]["created_at"])
}

func TestEmulator_InsertReplacesNonStringID(t *testing.T) {
	e, _ := newTestEmulator(t)

	res := From(e, TableMessages).Insert(context.Background(), Row{"id": 42})
	require.NoError(t, res.Error())
	assert.Equal(t, "id-1", res.Rows[0]["id"])
}

func TestEmulator_SelectReturnsAllInsertedRows(t *testing.T) {
	e, _ := newTestEmulator(t)
	ctx := context.Background()

	From(e, TableThreads).Insert(ctx, Row{"id": "a"}, Row{"id": "b"})
	From(e, TableThreads).Insert(ctx, Row{"id": "c"})

	res := From(e, TableThreads).Select(ctx)
	require.NoError(t, res.Error())
	assert.Equal(t, []string{"a", "b", "c"}, ids(res.Rows))
}

func TestEmulator_FiltersAreConjunctive(t *testing.T) {
	e, _ := newTestEmulator(t)
	ctx := context.Background()

	From(e, TableMessages).Insert(ctx,
		Row{"id": "1", "thread_id": "t1", "role": "user"},
		Row{"id": "2", "thread_id": "t1", "role": "agent"},
		Row{"id": "3", "thread_id": "t2", "role": "user"},
	)

	res := From(e, TableMessages).Eq("thread_id", "t1").Eq("role", "user").Select(ctx)
	require.NoError(t, res.Error())
	assert.Equal(t, []string{"1"}, ids(res.Rows))
}

func TestEmulator_FilterNormalizesNumbers(t *testing.T) {
	e, _ := newTestEmulator(t)
	ctx := context.Background()

	From(e, "counters").Insert(ctx, Row{"id": "a", "n": 1}, Row{"id": "b", "n": 2})

	res := From(e, "counters").Eq("n", 2).Select(ctx)
	assert.Equal(t, []string{"b"}, ids(res.Rows))
}

func TestEmulator_OrderIsStableOnEqualKeys(t *testing.T) {
	e, _ := newTestEmulator(t)
	ctx := context.Background()

	ts := "2025-01-01T00:00:00.000Z"
	From(e, TableMessages).Insert(ctx,
		Row{"id": "first", "created_at": ts},
		Row{"id": "second", "created_at": ts},
		Row{"id": "early", "created_at": "2024-12-31T00:00:00.000Z"},
		Row{"id": "third", "created_at": ts},
	)

	asc := From(e, TableMessages).Order("created_at", true).Select(ctx)
	assert.Equal(t, []string{"early", "first", "second", "third"}, ids(asc.Rows))

	desc := From(e, TableMessages).Order("created_at", false).Select(ctx)
	assert.Equal(t, []string{"first", "second", "third", "early"}, ids(desc.Rows))
}

func TestEmulator_NullsSortLastBothDirections(t *testing.T) {
	e, _ := newTestEmulator(t)
	ctx := context.Background()

	From(e, TableThreads).Insert(ctx,
		Row{"id": "none"},
		Row{"id": "b", "title": "b"},
		Row{"id": "null", "title": nil},
		Row{"id": "a", "title": "a"},
	)

	asc := From(e, TableThreads).Order("title", true).Select(ctx)
	assert.Equal(t, []string{"a", "b", "none", "null"}, ids(asc.Rows))

	desc := From(e, TableThreads).Order("title", false).Select(ctx)
	assert.Equal(t, []string{"b", "a", "none", "null"}, ids(desc.Rows))
}

func TestEmulator_DeleteRemovesOnlyMatches(t *testing.T) {
	e, _ := newTestEmulator(t)
	ctx := context.Background()

	From(e, TableMessages).Insert(ctx,
		Row{"id": "1", "thread_id": "t1"},
		Row{"id": "2", "thread_id": "t2"},
		Row{"id": "3", "thread_id": "t1"},
	)

	res := From(e, TableMessages).Eq("thread_id", "t1").Delete(ctx)
	require.NoError(t, res.Error())

	left := From(e, TableMessages).Select(ctx)
	assert.Equal(t, []string{"2"}, ids(left.Rows))
	assert.Empty(t, From(e, TableMessages).Eq("thread_id", "t1").Select(ctx).Rows)
}

func TestEmulator_UpdateMergesValues(t *testing.T) {
	e, _ := newTestEmulator(t)
	ctx := context.Background()

	From(e, TableThreads).Insert(ctx, Row{"id": "t1", "title": "old", "agent_id": "a"})

	res := From(e, TableThreads).Eq("id", "t1").Update(ctx, Row{"title": "new"})
	require.NoError(t, res.Error())
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "new", res.Rows[0]["title"])
	assert.Equal(t, "a", res.Rows[0]["agent_id"])

	got := From(e, TableThreads).Eq("id", "t1").Select(ctx).Single()
	assert.Equal(t, "new", got.Row["title"])
}

func TestEmulator_UpdateWithoutMatchReturnsNoRows(t *testing.T) {
	e, _ := newTestEmulator(t)

	res := From(e, TableThreads).Eq("id", "nope").Update(context.Background(), Row{"title": "x"})
	require.NoError(t, res.Error())
	assert.Empty(t, res.Rows)
	assert.Equal(t, OutcomeNull, res.Single().Outcome())
}

func TestEmulator_MalformedDocumentIsEmptyTable(t *testing.T) {
	e, mem := newTestEmulator(t)
	ctx := context.Background()
	require.NoError(t, mem.Set(ctx, "table:threads", []byte("{not json")))

	res := From(e, TableThreads).Select(ctx)
	require.NoError(t, res.Error())
	assert.Empty(t, res.Rows)

	// The next write replaces the broken document.
	From(e, TableThreads).Insert(ctx, Row{"id": "t1"})
	assert.Equal(t, []string{"t1"}, ids(From(e, TableThreads).Select(ctx).Rows))
}

func TestEmulator_ReadFailureIsEmptyTable(t *testing.T) {
	e := NewEmulator(failingKV{}, nil)

	res := From(e, TableThreads).Select(context.Background())
	assert.NoError(t, res.Error())
	assert.Empty(t, res.Rows)
}

func TestEmulator_WriteFailureIsStructuredError(t *testing.T) {
	e := NewEmulator(failingKV{}, nil)

	res := From(e, TableThreads).Insert(context.Background(), Row{"title": "x"})
	require.Equal(t, OutcomeError, res.Outcome())
	assert.Equal(t, CodeStorageWrite, res.Err.Code)
	assert.Equal(t, "insert", res.Err.Op)
	assert.Nil(t, res.Rows)

	single := res.Single()
	assert.Equal(t, OutcomeError, single.Outcome())
	assert.Nil(t, single.Row)
}

func TestEmulator_EmptyTableNameIsInvalid(t *testing.T) {
	e, _ := newTestEmulator(t)

	res := e.Select(context.Background(), Query{})
	require.NotNil(t, res.Err)
	assert.Equal(t, CodeInvalidQuery, res.Err.Code)
}

func TestSingle_Outcomes(t *testing.T) {
	e, _ := newTestEmulator(t)
	ctx := context.Background()
	From(e, TableAgents).Insert(ctx, Row{"id": "a1", "name": "One"}, Row{"id": "a2", "name": "Two"})

	data := From(e, TableAgents).Order("id", true).Select(ctx).Single()
	assert.Equal(t, OutcomeData, data.Outcome())
	assert.Equal(t, "a1", data.Row["id"])

	null := From(e, TableAgents).Eq("id", "missing").Select(ctx).Single()
	assert.Equal(t, OutcomeNull, null.Outcome())
	assert.NoError(t, null.Error())
}

func TestTableQuery_IsImmutable(t *testing.T) {
	e, _ := newTestEmulator(t)
	ctx := context.Background()
	From(e, TableMessages).Insert(ctx,
		Row{"id": "1", "thread_id": "t1", "role": "user"},
		Row{"id": "2", "thread_id": "t1", "role": "agent"},
	)

	base := From(e, TableMessages).Eq("thread_id", "t1")
	users := base.Eq("role", "user")
	agents := base.Eq("role", "agent")

	assert.Len(t, base.Select(ctx).Rows, 2)
	assert.Equal(t, []string{"1"}, ids(users.Select(ctx).Rows))
	assert.Equal(t, []string{"2"}, ids(agents.Select(ctx).Rows))
}

func TestEmulator_DurableAcrossInstances(t *testing.T) {
	mem := kv.NewMemoryStore()
	ctx := context.Background()

	From(NewEmulator(mem, nil), TableThreads).Insert(ctx, Row{"id": "t1"})

	res := From(NewEmulator(mem, nil), TableThreads).Select(ctx)
	assert.Equal(t, []string{"t1"}, ids(res.Rows))
}

func TestDecodeRows(t *testing.T) {
	rows := []Row{
		{"id": "m1", "thread_id": "t1", "role": "user", "content": "hi", "extra": true},
	}
	msgs, err := DecodeRows[Message](rows)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, Message{ID: "m1", ThreadID: "t1", Role: RoleUser, Content: "hi"}, msgs[0])
}
