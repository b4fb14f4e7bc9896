// Package agent tracks the agents a user can talk to and routes prompts to
// the right reply strategy.
//
// # Registry
//
// The Registry holds the agent list and each agent's status:
//
//	reg := agent.NewRegistry(backend, defs, logger)
//	err := reg.Load(ctx, seed)
//
// With seed set (the local store), the agents table is overwritten with
// the configured definitions before it is read back ordered by
// created_at. Without it (the remote store) the table is only read.
//
// The Registry is the health prober's StatusSink: ProbeTargets lists the
// agents with a probe URL and ApplyProbeResults swaps in a whole tick's
// statuses under one lock, returning only the agents that changed.
//
// # Reply strategies
//
// Each agent resolves to one Replier:
//
//   - StreamReplier: WebSocket streaming exchange (package stream)
//   - InvokeReplier: blocking HTTP invocation (package invoke)
//   - CannedReplier: static replies chosen per agent or category
//
// Router maps an agent ID to its Replier and falls back to the canned
// replier for agents without a definition.
//
// # Thread Safety
//
// Registry, Router and CannedReplier are safe for concurrent use.
package agent
