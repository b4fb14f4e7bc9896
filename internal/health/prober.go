// ABOUTME: Periodic agent liveness prober with bounded per-probe timeouts
// ABOUTME: Probes in parallel and applies results as one diffed batch

package health

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds a single probe.
const DefaultTimeout = 2500 * time.Millisecond

// Target is one agent to probe.
type Target struct {
	AgentID  string
	ProbeURL string // empty means no probe
}

// Change is a status transition reported after a tick.
type Change struct {
	AgentID string
	Online  bool
}

// StatusSink receives a tick's results as one batch and returns the
// agents whose status changed.
type StatusSink interface {
	ProbeTargets() []Target
	ApplyProbeResults(ctx context.Context, online map[string]bool) []Change
}

// PingURL derives a liveness URL from an invocation URL by replacing the
// final path segment with "ping". An empty path becomes /ping.
func PingURL(invocationURL string) string {
	if invocationURL == "" {
		return ""
	}
	u, err := url.Parse(invocationURL)
	if err != nil || u.Host == "" {
		return ""
	}
	trimmed := strings.TrimSuffix(u.Path, "/")
	if trimmed == "" {
		u.Path = "/ping"
	} else {
		u.Path = path.Join(path.Dir(trimmed), "ping")
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

// Ping reports whether url answers 2xx within timeout.
func Ping(ctx context.Context, client *http.Client, url string, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Prober periodically checks every agent's probe URL.
type Prober struct {
	sink     StatusSink
	client   *http.Client
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

// NewProber creates a prober reporting into sink.
func NewProber(sink StatusSink, interval, timeout time.Duration, logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Prober{
		sink:     sink,
		client:   &http.Client{},
		interval: interval,
		timeout:  timeout,
		logger:   logger.With("component", "health"),
	}
}

// Tick probes all agents once and applies the results as one batch.
func (p *Prober) Tick(ctx context.Context) []Change {
	targets := p.sink.ProbeTargets()
	results := make([]bool, len(targets))

	g, gctx := errgroup.WithContext(ctx)
	for i, t := range targets {
		if t.ProbeURL == "" {
			results[i] = true
			continue
		}
		g.Go(func() error {
			results[i] = Ping(gctx, p.client, t.ProbeURL, p.timeout)
			return nil
		})
	}
	g.Wait()

	online := make(map[string]bool, len(targets))
	for i, t := range targets {
		online[t.AgentID] = results[i]
	}

	changes := p.sink.ApplyProbeResults(ctx, online)
	for _, c := range changes {
		p.logger.Info("agent status changed", "agent_id", c.AgentID, "online", c.Online)
	}
	return changes
}

// Run ticks immediately and then every interval until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	p.Tick(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}
