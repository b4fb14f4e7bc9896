// ABOUTME: Client subcommands that talk to a running coven-threads server
// ABOUTME: health, agents, threads and export over the HTTP API

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-threads/internal/store"
	"github.com/2389/coven-threads/internal/transcript"
)

// apiClient is a minimal client for the coven-threads HTTP API.
type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient() (*apiClient, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return &apiClient{
		baseURL: "http://" + cfg.Server.HTTPAddr,
		http:    &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// get fetches path and returns the response body for 2xx statuses.
func (c *apiClient) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("status %d: %s", resp.StatusCode, apiErr.Error)
		}
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func (c *apiClient) getJSON(ctx context.Context, path string, v any) error {
	body, err := c.get(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// statusLabel renders an agent status for the terminal.
func statusLabel(status string) string {
	switch status {
	case store.StatusOnline:
		return color.GreenString("● online")
	case store.StatusBusy:
		return color.YellowString("● busy")
	default:
		return color.HiBlackString("○ offline")
	}
}

func runHealth(ctx context.Context) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	if _, err := client.get(ctx, "/health"); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	fmt.Println("healthy")
	return nil
}

func runAgents(ctx context.Context) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	var agents []store.Agent
	if err := client.getJSON(ctx, "/api/agents", &agents); err != nil {
		return fmt.Errorf("listing agents: %w", err)
	}

	w := tabwriter.NewWriter(color.Output, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCATEGORY\tSTATUS")
	for _, a := range agents {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.ID, a.Name, a.Category, statusLabel(a.Status))
	}
	return w.Flush()
}

func runThreads(ctx context.Context) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	var threads []store.Thread
	if err := client.getJSON(ctx, "/api/threads", &threads); err != nil {
		return fmt.Errorf("listing threads: %w", err)
	}
	if len(threads) == 0 {
		fmt.Println("no threads")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tAGENT\tCREATED")
	for _, th := range threads {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", th.ID, th.Title, th.AgentID, th.CreatedAt)
	}
	return w.Flush()
}

func runExport(ctx context.Context, args []string) error {
	var threadID string
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		threadID, args = args[0], args[1:]
	}

	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	format := fs.String("format", "markdown", "Export format: markdown or html")
	out := fs.String("out", "", "Write to file instead of stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if threadID == "" {
		threadID = fs.Arg(0)
	}
	if threadID == "" {
		return fmt.Errorf("thread id is required")
	}
	f, err := transcript.ParseFormat(*format)
	if err != nil {
		return err
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}
	body, err := client.get(ctx, "/api/threads/"+url.PathEscape(threadID)+"/export?format="+string(f))
	if err != nil {
		return fmt.Errorf("exporting thread: %w", err)
	}

	if *out == "" {
		_, err = os.Stdout.Write(body)
		return err
	}
	if err := os.WriteFile(*out, body, 0644); err != nil {
		return fmt.Errorf("writing export: %w", err)
	}
	fmt.Printf("exported %s to %s\n", threadID, *out)
	return nil
}
