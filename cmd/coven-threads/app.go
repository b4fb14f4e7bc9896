// ABOUTME: Wires config into the store, agent registry, conversation services and prober
// ABOUTME: Shared by the serve and chat subcommands

package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/2389/coven-threads/internal/agent"
	"github.com/2389/coven-threads/internal/config"
	"github.com/2389/coven-threads/internal/conversation"
	"github.com/2389/coven-threads/internal/health"
	"github.com/2389/coven-threads/internal/kv"
	"github.com/2389/coven-threads/internal/store"
)

// app holds the process-scoped services.
type app struct {
	backend      store.Backend
	registry     *agent.Registry
	router       *agent.Router
	conversation *conversation.Service
	threads      *conversation.Threads
	prober       *health.Prober
	logger       *slog.Logger

	stopProber context.CancelFunc
	proberDone chan struct{}
}

// storeOptions maps the store config section onto store.Options.
func storeOptions(cfg config.StoreConfig) store.Options {
	return store.Options{
		Remote: cfg.Remote.Enabled,
		DSN:    cfg.Remote.DSN,
		KV: kv.Options{
			Backend: cfg.Local.Backend,
			Path:    cfg.Local.Path,
			Dir:     cfg.Local.Dir,
			MinIO: kv.MinIOOptions{
				Endpoint:  cfg.Local.MinIO.Endpoint,
				AccessKey: cfg.Local.MinIO.AccessKey,
				SecretKey: cfg.Local.MinIO.SecretKey,
				Bucket:    cfg.Local.MinIO.Bucket,
				Prefix:    cfg.Local.MinIO.Prefix,
				Secure:    cfg.Local.MinIO.Secure,
			},
		},
	}
}

// agentDefinitions converts configured agents into registry definitions.
func agentDefinitions(defs []config.AgentDefinition) []agent.Definition {
	out := make([]agent.Definition, 0, len(defs))
	for _, d := range defs {
		out = append(out, agent.Definition{
			Agent: store.Agent{
				ID:           d.ID,
				Name:         d.Name,
				Description:  d.Description,
				Category:     d.Category,
				AccentColor:  d.AccentColor,
				Avatar:       d.Avatar,
				SystemPrompt: d.SystemPrompt,
				Status:       store.StatusOnline,
			},
			Strategy:      agent.Strategy(d.Strategy),
			StreamURL:     d.StreamURL,
			InvocationURL: d.InvocationURL,
			ProbeURL:      d.ProbeURL,
			Reply:         d.Reply,
		})
	}
	return out
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	backend, err := store.Open(ctx, storeOptions(cfg.Store), logger)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	registry := agent.NewRegistry(backend, agentDefinitions(cfg.Agents.Definitions), logger)
	if err := registry.Load(ctx, cfg.SeedAgents()); err != nil {
		backend.Close()
		return nil, fmt.Errorf("loading agents: %w", err)
	}

	canned := agent.NewCannedReplier(agent.Replies{
		Default:    cfg.Replies.Default,
		Categories: cfg.Replies.Categories,
	}, nil)
	router := agent.NewRouter(registry, canned, logger)

	conv := conversation.New(backend, router, nil, logger)
	a := &app{
		backend:      backend,
		registry:     registry,
		router:       router,
		conversation: conv,
		threads:      conversation.NewThreads(backend, conv, cfg.Agents.DefaultAgent, logger),
		logger:       logger,
	}
	if cfg.Health.Enabled {
		a.prober = health.NewProber(registry, cfg.Health.Interval, cfg.Health.Timeout, logger)
	}
	return a, nil
}

// startProber runs the prober in the background until Close.
func (a *app) startProber(ctx context.Context) {
	if a.prober == nil || a.proberDone != nil {
		return
	}
	ctx, a.stopProber = context.WithCancel(ctx)
	a.proberDone = make(chan struct{})
	go func() {
		defer close(a.proberDone)
		a.prober.Run(ctx)
	}()
}

// Close stops the prober, then releases the broadcaster and the store.
// Probe results are persisted through the store, so it closes last.
func (a *app) Close() {
	if a.proberDone != nil {
		a.stopProber()
		<-a.proberDone
	}
	a.conversation.Broadcaster().Close()
	if err := a.backend.Close(); err != nil {
		a.logger.Warn("closing store", "error", err)
	}
}
