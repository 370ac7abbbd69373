package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/minima/chatbridge/pkg/chatclient"
	"github.com/minima/chatbridge/pkg/config"
	"github.com/minima/chatbridge/pkg/engine"
	"github.com/minima/chatbridge/pkg/failover"
	"github.com/minima/chatbridge/pkg/heartbeat"
	"github.com/minima/chatbridge/pkg/indexer"
	"github.com/minima/chatbridge/pkg/logger"
	"github.com/minima/chatbridge/pkg/mcptool"
	"github.com/minima/chatbridge/pkg/metrics"
	"github.com/minima/chatbridge/pkg/server"
	"github.com/minima/chatbridge/pkg/usage"
)

// Set with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cmd := "serve"
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = runServe(args, stderr)
	case "chat":
		err = runChat(args, stderr)
	case "mcp":
		err = runMCP(args, stderr)
	case "version":
		fmt.Fprintf(stdout, "minima %s\n", version)
	case "help":
		printUsage(stdout)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", cmd)
		printUsage(stderr)
		return 2
	}

	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "minima %s: %v\n", cmd, err)
		return 1
	}
	return 0
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `Usage: minima <command> [flags]

Commands:
  serve     run the websocket chat server (default)
  chat      interactive terminal client for a running server
  mcp       serve the query engine as an MCP tool over stdio
  version   print the version

Run "minima <command> -h" for command flags.
`)
}

func configFlag(fs *flag.FlagSet) *string {
	return fs.String("config", getEnv("MINIMA_CONFIG", ""),
		"Path to a JSON or YAML configuration file (env: MINIMA_CONFIG)")
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if err := setupLogging(cfg.Logging); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogging(lc config.LoggingConfig) error {
	level, err := logger.ParseLevel(lc.Level)
	if err != nil {
		return err
	}
	logger.SetLevel(level)
	if lc.FileEnabled {
		if err := logger.EnableFileLoggingWithRotation(lc.FilePath, lc.MaxSizeMB, lc.MaxAgeDays); err != nil {
			return err
		}
	}
	return nil
}

type stack struct {
	engine  *engine.RAG
	indexer *indexer.Client
	usage   *usage.Store
}

// buildEngine wires the retrieval engine: provider failover chain, indexer
// client and usage store.
func buildEngine(cfg *config.Config) (*stack, error) {
	store, err := usage.NewStore(cfg.UsagePath())
	if err != nil {
		return nil, err
	}

	llm, err := failover.NewManagerFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	retriever := indexer.NewClient(cfg.Indexer.URL, cfg.IndexerTimeout())
	return &stack{
		engine:  engine.NewRAG(retriever, llm, store, engine.OptionsFromConfig(cfg)),
		indexer: retriever,
		usage:   store,
	}, nil
}

func runServe(args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := configFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*path)
	if err != nil {
		return err
	}
	defer logger.DisableFileLogging()

	st, err := buildEngine(cfg)
	if err != nil {
		return err
	}

	srv := server.New(cfg, st.engine, metrics.New())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var hb *heartbeat.Service
	if cfg.Heartbeat.Enabled {
		hb, err = heartbeat.NewService(cfg.Heartbeat.Schedule, srv.ActiveSessions, st.usage, cfg.Usage.RetentionDays)
		if err != nil {
			return err
		}
		if err := hb.Start(ctx); err != nil {
			return err
		}
		defer hb.Stop()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.InfoC("server", "Received shutdown signal")

	timeout := time.Duration(cfg.Server.ShutdownTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WarnCF("server", "Shutdown incomplete", map[string]any{"error": err.Error()})
	}
	return <-errCh
}

func runChat(args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	fs.SetOutput(stderr)
	url := fs.String("url", getEnv("MINIMA_CHAT_URL", "ws://localhost:8003/llm/"),
		"Websocket endpoint of a running server (env: MINIMA_CHAT_URL)")
	structured := fs.Bool("structured", false, "Send JSON control frames instead of bare tokens")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	return chatclient.Run(ctx, *url, chatclient.Options{
		Structured:  *structured,
		DialTimeout: 10 * time.Second,
	})
}

func runMCP(args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("mcp", flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := configFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*path)
	if err != nil {
		return err
	}
	defer logger.DisableFileLogging()

	st, err := buildEngine(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return mcptool.Serve(ctx, st.engine, mcptool.Options{
		Version:   version,
		Retriever: st.indexer,
		LogPath:   cfg.LogFilePath(),
	})
}
