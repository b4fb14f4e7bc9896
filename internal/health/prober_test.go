// ABOUTME: Tests for liveness probing and batch status application
// ABOUTME: Uses httptest servers for healthy, failing and hanging endpoints

package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-threads/internal/config"
)

func TestPingURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"http://localhost:8080/invocations", "http://localhost:8080/ping"},
		{"https://agents.example.com/v1/sv/invocations", "https://agents.example.com/v1/sv/ping"},
		{"http://localhost:8080", "http://localhost:8080/ping"},
		{"http://localhost:8080/", "http://localhost:8080/ping"},
		{"http://localhost:8080/invocations?x=1", "http://localhost:8080/ping"},
		{"", ""},
		{"not a url", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, PingURL(tt.in))
		})
	}
}

func TestPing(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ok.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer bad.Close()

	ctx := context.Background()
	assert.True(t, Ping(ctx, http.DefaultClient, ok.URL, time.Second))
	assert.False(t, Ping(ctx, http.DefaultClient, bad.URL, time.Second))
	assert.False(t, Ping(ctx, http.DefaultClient, "http://127.0.0.1:1/ping", time.Second))
}

func TestPing_TimeoutIsOffline(t *testing.T) {
	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()
	defer close(release)

	start := time.Now()
	assert.False(t, Ping(context.Background(), http.DefaultClient, slow.URL, 50*time.Millisecond))
	assert.Less(t, time.Since(start), 2*time.Second)
}

type fakeSink struct {
	mu      sync.Mutex
	targets []Target
	status  map[string]bool
	batches int
}

func (f *fakeSink) ProbeTargets() []Target { return f.targets }

func (f *fakeSink) ApplyProbeResults(_ context.Context, online map[string]bool) []Change {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches++
	var changes []Change
	for id, on := range online {
		if prev, ok := f.status[id]; ok && prev == on {
			continue
		}
		f.status[id] = on
		changes = append(changes, Change{AgentID: id, Online: on})
	}
	return changes
}

func TestProber_TickAppliesOneBatch(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer up.Close()
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer down.Close()

	sink := &fakeSink{
		targets: []Target{
			{AgentID: "up", ProbeURL: up.URL},
			{AgentID: "down", ProbeURL: down.URL},
			{AgentID: "canned"},
		},
		status: map[string]bool{"up": true, "down": true, "canned": true},
	}
	p := NewProber(sink, time.Hour, time.Second, nil)

	changes := p.Tick(context.Background())
	require.Len(t, changes, 1)
	assert.Equal(t, Change{AgentID: "down", Online: false}, changes[0])
	assert.Equal(t, 1, sink.batches)

	assert.Empty(t, p.Tick(context.Background()))
	assert.Equal(t, 2, sink.batches)
}

func TestProber_RunStopsOnCancel(t *testing.T) {
	sink := &fakeSink{targets: []Target{{AgentID: "a"}}, status: map[string]bool{}}
	p := NewProber(sink, 10*time.Millisecond, time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.GreaterOrEqual(t, sink.batches, 1)
}

func TestDefaultTimeout(t *testing.T) {
	assert.Equal(t, 2500*time.Millisecond, DefaultTimeout)
	assert.Equal(t, DefaultTimeout, config.Default().Health.Timeout)
	assert.Equal(t, "2500ms", config.Default().Health.TimeoutRaw)

	p := NewProber(nil, 0, 0, nil)
	assert.Equal(t, DefaultTimeout, p.timeout)
	assert.Equal(t, 30*time.Second, p.interval)
}
