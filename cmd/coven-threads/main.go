// ABOUTME: Entry point for coven-threads, the agent chat server and REPL
// ABOUTME: Dispatches serve, chat, and client subcommands against the HTTP API

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/coven-threads/internal/config"
	"github.com/2389/coven-threads/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                   _   _                        _
  ___ _____   _____ _ __          | |_| |__  _ __ ___  __ _  __| |___
 / __/ _ \ \ / / _ \ '_ \   _____ | __| '_ \| '__/ _ \/ _' |/ _' / __|
| (_| (_) \ V /  __/ | | | |_____|| |_| | | | | |  __/ (_| | (_| \__ \
 \___\___/ \_/ \___|_| |_|         \__|_| |_|_|  \___|\__,_|\__,_|___/
`

func usage() {
	fmt.Println("Usage: coven-threads <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                          Start the HTTP API server")
	fmt.Println("  chat [--thread ID] [--agent ID] Chat with an agent in the terminal")
	fmt.Println("  health                         Check server health")
	fmt.Println("  agents                         List agents and their status")
	fmt.Println("  threads                        List threads")
	fmt.Println("  export ID [--format F] [--out PATH]  Export a thread transcript")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	args := os.Args[2:]
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "chat":
		err = runChat(ctx, args)
	case "health":
		err = runHealth(ctx)
	case "agents":
		err = runAgents(ctx)
	case "threads":
		err = runThreads(ctx)
	case "export":
		err = runExport(ctx, args)
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads the config file, falling back to defaults when it is missing.
func loadConfig() (*config.Config, string, error) {
	configPath := config.DefaultPath()
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, configPath, fmt.Errorf("loading config: %w", err)
	}
	return cfg, configPath, nil
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	logger, closeLog := setupLogger(cfg.Logging)
	defer closeLog()

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Store:     ")
	if cfg.Store.Remote.Enabled {
		yellow.Println("remote (postgres)")
	} else {
		fmt.Printf("local (%s)\n", cfg.Store.Local.Backend)
	}
	green.Print("    ▶ ")
	fmt.Printf("Agents:    %d defined\n", len(cfg.Agents.Definitions))
	fmt.Println()

	logger.Info("starting coven-threads",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"remote_store", cfg.Store.Remote.Enabled,
	)

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	app.startProber(ctx)

	gw, err := gateway.New(cfg.Server, gateway.Deps{
		Registry:     app.registry,
		Conversation: app.conversation,
		Threads:      app.threads,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}
