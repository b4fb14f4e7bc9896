// ABOUTME: Registry of agents, their reply strategy definitions and live status
// ABOUTME: Seeds or loads the agents table and applies health probe batches

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/2389/coven-threads/internal/health"
	"github.com/2389/coven-threads/internal/store"
)

// ErrAgentNotFound indicates the specified agent was not found.
var ErrAgentNotFound = errors.New("agent not found")

// ErrAgentExists indicates an agent with the same ID is already registered.
var ErrAgentExists = errors.New("agent already exists")

// Strategy selects how an agent produces replies.
type Strategy string

const (
	StrategyStream Strategy = "stream"
	StrategyInvoke Strategy = "invoke"
	StrategyCanned Strategy = "canned"
)

// Definition is the configured shape of an agent.
type Definition struct {
	Agent         store.Agent
	Strategy      Strategy
	StreamURL     string
	InvocationURL string
	ProbeURL      string
	Reply         string
}

// probeURL returns the explicit probe URL or one derived from the
// invocation URL.
func (d Definition) probeURL() string {
	if d.ProbeURL != "" {
		return d.ProbeURL
	}
	return health.PingURL(d.InvocationURL)
}

// Registry holds the known agents and their status.
type Registry struct {
	backend store.Backend
	logger  *slog.Logger

	mu     sync.RWMutex
	defs   map[string]Definition
	seeds  []Definition
	agents []store.Agent
	status map[string]string
}

// NewRegistry creates a registry over backend with the configured
// definitions. Call Load before use.
func NewRegistry(backend store.Backend, defs []Definition, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		backend: backend,
		logger:  logger.With("component", "agents"),
		defs:    make(map[string]Definition, len(defs)),
		seeds:   defs,
		status:  make(map[string]string),
	}
	for _, d := range defs {
		r.defs[d.Agent.ID] = d
	}
	return r
}

// seedRows builds fixture rows. Missing created_at values are spaced one
// millisecond apart from the epoch so definition order survives ordering.
func (r *Registry) seedRows() []store.Row {
	rows := make([]store.Row, 0, len(r.seeds))
	for i, d := range r.seeds {
		a := d.Agent
		if a.CreatedAt == "" {
			a.CreatedAt = store.FormatTime(time.UnixMilli(int64(i)))
		}
		if a.Status == "" {
			a.Status = store.StatusOnline
		}
		row, err := store.RowOf(a)
		if err != nil {
			r.logger.Error("encoding agent fixture", "agent_id", a.ID, "error", err)
			continue
		}
		rows = append(rows, row)
	}
	return rows
}

// Load fills the registry from the agents table. When seed is set the
// table is first replaced with the configured definitions.
func (r *Registry) Load(ctx context.Context, seed bool) error {
	if seed {
		if res := store.From(r.backend, store.TableAgents).Delete(ctx); res.Err != nil {
			r.logger.Warn("clearing agents table failed", "error", res.Err)
		}
		if res := store.From(r.backend, store.TableAgents).Insert(ctx, r.seedRows()...); res.Err != nil {
			r.logger.Warn("seeding agents failed", "error", res.Err)
		}
	}

	res := store.From(r.backend, store.TableAgents).Order("created_at", true).Select(ctx)
	var agents []store.Agent
	if res.Err == nil {
		decoded, err := store.DecodeRows[store.Agent](res.Rows)
		if err != nil {
			return fmt.Errorf("decoding agents: %w", err)
		}
		agents = decoded
	} else {
		r.logger.Warn("loading agents failed, using definitions", "error", res.Err)
		for _, d := range r.seeds {
			agents = append(agents, d.Agent)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents = agents
	r.status = make(map[string]string, len(agents))
	for _, a := range agents {
		r.status[a.ID] = normalizeStatus(a.Status)
	}
	r.logger.Info("agents loaded", "count", len(agents), "seeded", seed)
	return nil
}

func normalizeStatus(s string) string {
	switch strings.ToLower(s) {
	case store.StatusBusy:
		return store.StatusBusy
	case store.StatusOffline:
		return store.StatusOffline
	default:
		return store.StatusOnline
	}
}

func (r *Registry) withStatus(a store.Agent) store.Agent {
	if s, ok := r.status[a.ID]; ok {
		a.Status = s
	}
	return a
}

// List returns every agent with its current status, ordered by created_at.
func (r *Registry) List() []store.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]store.Agent, len(r.agents))
	for i, a := range r.agents {
		out[i] = r.withStatus(a)
	}
	return out
}

// Get returns one agent.
func (r *Registry) Get(id string) (store.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, a := range r.agents {
		if a.ID == id {
			return r.withStatus(a), true
		}
	}
	return store.Agent{}, false
}

// Definition returns the configured definition for an agent, if any.
func (r *Registry) Definition(id string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[id]
	return d, ok
}

// Definitions returns all configured definitions.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.seeds)
}

// Create persists a new agent and adds it to the registry.
func (r *Registry) Create(ctx context.Context, a store.Agent) (store.Agent, error) {
	if strings.TrimSpace(a.Name) == "" {
		return store.Agent{}, errors.New("agent name is required")
	}
	if a.ID != "" {
		if _, ok := r.Get(a.ID); ok {
			return store.Agent{}, ErrAgentExists
		}
	}
	a.Status = normalizeStatus(a.Status)

	row, err := store.RowOf(a)
	if err != nil {
		return store.Agent{}, err
	}
	res := store.From(r.backend, store.TableAgents).Insert(ctx, row).Single()
	if res.Err != nil {
		return store.Agent{}, fmt.Errorf("creating agent: %w", res.Err)
	}
	var created store.Agent
	if err := res.Row.Decode(&created); err != nil {
		return store.Agent{}, err
	}

	r.mu.Lock()
	r.agents = append(r.agents, created)
	r.status[created.ID] = created.Status
	r.mu.Unlock()

	r.logger.Info("agent created", "agent_id", created.ID, "name", created.Name)
	return created, nil
}

// Delete removes an agent from the table and the registry.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if _, ok := r.Get(id); !ok {
		return ErrAgentNotFound
	}
	if res := store.From(r.backend, store.TableAgents).Eq("id", id).Delete(ctx); res.Err != nil {
		return fmt.Errorf("deleting agent: %w", res.Err)
	}

	r.mu.Lock()
	r.agents = slices.DeleteFunc(r.agents, func(a store.Agent) bool { return a.ID == id })
	delete(r.status, id)
	r.mu.Unlock()

	r.logger.Info("agent deleted", "agent_id", id)
	return nil
}

// SetStatus changes one agent's status explicitly.
func (r *Registry) SetStatus(ctx context.Context, id, status string) error {
	switch status {
	case store.StatusOnline, store.StatusBusy, store.StatusOffline:
	default:
		return fmt.Errorf("invalid status %q", status)
	}

	r.mu.Lock()
	if _, ok := r.status[id]; !ok {
		r.mu.Unlock()
		return ErrAgentNotFound
	}
	r.status[id] = status
	r.mu.Unlock()

	r.persistStatus(ctx, id, status)
	return nil
}

// OnlineCount returns how many agents are currently online.
func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, s := range r.status {
		if s == store.StatusOnline {
			n++
		}
	}
	return n
}

// ProbeTargets lists every agent with its probe URL, if it has one.
func (r *Registry) ProbeTargets() []health.Target {
	r.mu.RLock()
	defer r.mu.RUnlock()

	targets := make([]health.Target, 0, len(r.agents))
	for _, a := range r.agents {
		t := health.Target{AgentID: a.ID}
		if d, ok := r.defs[a.ID]; ok {
			t.ProbeURL = d.probeURL()
		}
		targets = append(targets, t)
	}
	return targets
}

// ApplyProbeResults applies one tick's results and returns the agents
// whose status changed. Changes are written back to the store best-effort.
func (r *Registry) ApplyProbeResults(ctx context.Context, online map[string]bool) []health.Change {
	var changes []health.Change

	r.mu.Lock()
	for id, on := range online {
		prev, ok := r.status[id]
		if !ok {
			continue
		}
		next := store.StatusOffline
		if on {
			next = store.StatusOnline
		}
		if prev == next {
			continue
		}
		r.status[id] = next
		changes = append(changes, health.Change{AgentID: id, Online: on})
	}
	r.mu.Unlock()

	slices.SortFunc(changes, func(a, b health.Change) int { return strings.Compare(a.AgentID, b.AgentID) })
	for _, c := range changes {
		status := store.StatusOffline
		if c.Online {
			status = store.StatusOnline
		}
		r.persistStatus(ctx, c.AgentID, status)
	}
	return changes
}

func (r *Registry) persistStatus(ctx context.Context, id, status string) {
	res := store.From(r.backend, store.TableAgents).Eq("id", id).Update(ctx, store.Row{"status": status})
	if res.Err != nil {
		r.logger.Warn("persisting agent status failed", "agent_id", id, "error", res.Err)
	}
}
