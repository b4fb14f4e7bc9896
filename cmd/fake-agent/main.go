// ABOUTME: Minimal fake agent for E2E testing, speaking the streaming and invocation protocols
// ABOUTME: Usage: fake-agent [-addr localhost:8082] [-delay 50ms]
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func main() {
	addr := flag.String("addr", "localhost:8082", "HTTP listen address")
	delay := flag.Duration("delay", 50*time.Millisecond, "Pause between streamed chunks")
	flag.Parse()

	if err := run(*addr, *delay); err != nil {
		log.Fatal(err)
	}
}

func run(addr string, delay time.Duration) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	srv := &http.Server{
		Addr:              addr,
		Handler:           newRouter(&agent{delay: delay}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("fake agent listening on %s (ws: /ws, http: /invocations, probe: /ping)", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

func newRouter(a *agent) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/ws", a.handleWebSocket)
	r.Post("/invocations", a.handleInvocation)
	r.Get("/ping", a.handlePing)
	return r
}
