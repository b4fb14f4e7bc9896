// ABOUTME: Tests for the agent registry: seeding, loading, CRUD and probe batches
// ABOUTME: Runs against the in-memory store emulator

package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-threads/internal/health"
	"github.com/2389/coven-threads/internal/store"
)

func testDefinitions() []Definition {
	return []Definition{
		{
			Agent:         store.Agent{ID: "service-validation", Name: "Service Validation", Category: "General"},
			Strategy:      StrategyStream,
			StreamURL:     "ws://localhost:8082/ws",
			InvocationURL: "http://localhost:8080/invocations",
		},
		{
			Agent:    store.Agent{ID: "comptency-ai", Name: "Comptency AI", Category: "HR"},
			Strategy: StrategyCanned,
			Reply:    "I can help with competency mapping.",
		},
	}
}

func TestRegistry_SeedOverwritesTable(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemoryBackend()
	store.From(backend, store.TableAgents).Insert(ctx, store.Row{"id": "stale", "name": "Stale"})

	reg := NewRegistry(backend, testDefinitions(), nil)
	require.NoError(t, reg.Load(ctx, true))

	agents := reg.List()
	require.Len(t, agents, 2)
	assert.Equal(t, "service-validation", agents[0].ID)
	assert.Equal(t, "comptency-ai", agents[1].ID)
	assert.Equal(t, "1970-01-01T00:00:00.000Z", agents[0].CreatedAt)
	assert.Equal(t, "1970-01-01T00:00:00.001Z", agents[1].CreatedAt)
	assert.Equal(t, store.StatusOnline, agents[0].Status)

	_, ok := reg.Get("stale")
	assert.False(t, ok)
}

func TestRegistry_LoadWithoutSeedReadsTable(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemoryBackend()
	store.From(backend, store.TableAgents).Insert(ctx,
		store.Row{"id": "b", "name": "B", "created_at": "2025-01-02T00:00:00.000Z", "status": "busy"},
		store.Row{"id": "a", "name": "A", "created_at": "2025-01-01T00:00:00.000Z"},
	)

	reg := NewRegistry(backend, testDefinitions(), nil)
	require.NoError(t, reg.Load(ctx, false))

	agents := reg.List()
	require.Len(t, agents, 2)
	assert.Equal(t, "a", agents[0].ID)
	assert.Equal(t, store.StatusOnline, agents[0].Status)
	assert.Equal(t, store.StatusBusy, agents[1].Status)
}

func TestRegistry_CreateAndDelete(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemoryBackend()
	reg := NewRegistry(backend, nil, nil)
	require.NoError(t, reg.Load(ctx, false))

	created, err := reg.Create(ctx, store.Agent{Name: "Helper", Category: "General"})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.NotEmpty(t, created.CreatedAt)

	_, err = reg.Create(ctx, store.Agent{ID: created.ID, Name: "Dup"})
	assert.ErrorIs(t, err, ErrAgentExists)

	_, err = reg.Create(ctx, store.Agent{Name: "  "})
	assert.Error(t, err)

	require.NoError(t, reg.Delete(ctx, created.ID))
	assert.Empty(t, reg.List())
	assert.Empty(t, store.From(backend, store.TableAgents).Select(ctx).Rows)
	assert.ErrorIs(t, reg.Delete(ctx, created.ID), ErrAgentNotFound)
}

func TestRegistry_ProbeTargets(t *testing.T) {
	reg := NewRegistry(store.NewMemoryBackend(), testDefinitions(), nil)
	require.NoError(t, reg.Load(context.Background(), true))

	targets := reg.ProbeTargets()
	assert.Equal(t, []health.Target{
		{AgentID: "service-validation", ProbeURL: "http://localhost:8080/ping"},
		{AgentID: "comptency-ai"},
	}, targets)
}

func TestRegistry_ApplyProbeResultsReportsOnlyChanges(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemoryBackend()
	reg := NewRegistry(backend, testDefinitions(), nil)
	require.NoError(t, reg.Load(ctx, true))

	changes := reg.ApplyProbeResults(ctx, map[string]bool{
		"service-validation": false,
		"comptency-ai":       true,
		"unknown":            false,
	})
	assert.Equal(t, []health.Change{{AgentID: "service-validation", Online: false}}, changes)

	a, _ := reg.Get("service-validation")
	assert.Equal(t, store.StatusOffline, a.Status)
	assert.Equal(t, 1, reg.OnlineCount())

	row := store.From(backend, store.TableAgents).Eq("id", "service-validation").Select(ctx).Single()
	assert.Equal(t, store.StatusOffline, row.Row["status"])

	assert.Empty(t, reg.ApplyProbeResults(ctx, map[string]bool{"service-validation": false}))
}

func TestRegistry_SetStatus(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(store.NewMemoryBackend(), testDefinitions(), nil)
	require.NoError(t, reg.Load(ctx, true))

	require.NoError(t, reg.SetStatus(ctx, "comptency-ai", store.StatusBusy))
	a, _ := reg.Get("comptency-ai")
	assert.Equal(t, store.StatusBusy, a.Status)

	assert.Error(t, reg.SetStatus(ctx, "comptency-ai", "sleepy"))
	assert.ErrorIs(t, reg.SetStatus(ctx, "nobody", store.StatusBusy), ErrAgentNotFound)
}
