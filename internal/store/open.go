// ABOUTME: Backend selection at startup
// ABOUTME: Chooses the relational backend or the kv emulator exactly once

package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/2389/coven-threads/internal/kv"
)

// Options selects the backend for Open.
type Options struct {
	Remote bool
	DSN    string
	KV     kv.Options
}

// Open builds the backend selected by opts.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Remote {
		if opts.DSN == "" {
			return nil, fmt.Errorf("remote store requires a dsn")
		}
		return OpenPostgres(opts.DSN, logger)
	}

	s, err := kv.Open(ctx, opts.KV)
	if err != nil {
		return nil, fmt.Errorf("opening local kv store: %w", err)
	}
	logger.Info("using local store emulator", "backend", opts.KV.Backend)
	return NewEmulator(s, logger), nil
}
