// ABOUTME: Routes a prompt to the reply strategy configured for its agent
// ABOUTME: Agents without a definition fall back to the canned replier

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/2389/coven-threads/internal/invoke"
	"github.com/2389/coven-threads/internal/stream"
)

// Router selects a Replier per agent.
type Router struct {
	canned *CannedReplier
	logger *slog.Logger

	mu       sync.RWMutex
	repliers map[string]Replier
}

// NewRouter builds repliers for every definition in reg. Canned agents and
// agents created at runtime use canned.
func NewRouter(reg *Registry, canned *CannedReplier, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		canned:   canned,
		logger:   logger.With("component", "router"),
		repliers: make(map[string]Replier),
	}

	for _, d := range reg.Definitions() {
		id := d.Agent.ID
		if d.Reply != "" {
			canned.SetAgentReply(id, d.Reply)
		}
		switch d.Strategy {
		case StrategyStream:
			r.repliers[id] = NewStreamReplier(stream.New(d.StreamURL, logger))
		case StrategyInvoke:
			r.repliers[id] = NewInvokeReplier(invoke.New(d.InvocationURL, nil, logger))
		}
	}
	return r
}

// Register installs a replier for one agent, replacing any existing one.
func (r *Router) Register(agentID string, replier Replier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.repliers[agentID] = replier
}

// Resolve returns the replier for agentID.
func (r *Router) Resolve(agentID string) Replier {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rep, ok := r.repliers[agentID]; ok {
		return rep
	}
	return r.canned
}

// Reply routes req to its agent's replier.
func (r *Router) Reply(ctx context.Context, req ReplyRequest, p Progress) (string, error) {
	if req.Agent.ID == "" {
		return "", fmt.Errorf("agent id is required")
	}
	rep := r.Resolve(req.Agent.ID)
	r.logger.Debug("routing prompt", "agent_id", req.Agent.ID, "replier", fmt.Sprintf("%T", rep))
	return rep.Reply(ctx, req, p)
}
