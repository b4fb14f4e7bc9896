// Package health probes agent liveness endpoints.
//
// An agent is probed when it has an explicit probe URL or an invocation URL
// from which one can be derived (PingURL). Each probe is a GET bounded by a
// timeout; any 2xx answer means online and every other outcome means
// offline. Agents without a probe are reported online.
//
// Prober.Tick probes every agent in parallel and hands the whole batch to a
// StatusSink in one call, which reports back only the agents whose status
// changed.
package health
