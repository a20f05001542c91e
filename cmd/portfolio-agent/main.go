package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/plutoview/portfolio-agent/internal/agent"
	"github.com/plutoview/portfolio-agent/internal/auditlog"
	"github.com/plutoview/portfolio-agent/internal/checkpoint"
	"github.com/plutoview/portfolio-agent/internal/config"
	"github.com/plutoview/portfolio-agent/internal/domain"
	"github.com/plutoview/portfolio-agent/internal/httpapi"
	"github.com/plutoview/portfolio-agent/internal/lockfile"
	"github.com/plutoview/portfolio-agent/internal/monitor"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

const marketDataTokenEnv = "EODHD_API_TOKEN"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "init":
		initCmd(os.Args[2:])
	case "run":
		runCmd(os.Args[2:])
	case "version":
		fmt.Printf("portfolio-agent %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `portfolio-agent

Usage:
  portfolio-agent init [flags]
  portfolio-agent run [flags]
  portfolio-agent version

Commands:
  init        Write a starter config file with the default provider registry.
  run         Run the agent using the local config file.
  version     Print build information.

`)
}

func initCmd(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	listenAddr := fs.String("listen", ":8787", "HTTP listen address")
	_ = fs.Parse(args)

	path := filepath.Clean(*cfgPath)
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(os.Stderr, "config already exists: %s\n", path)
		os.Exit(1)
	}

	cfg := &config.Config{
		ListenAddr: *listenAddr,
		AI: &config.AIConfig{
			Providers: []config.AIProvider{
				{
					ID:        "openai",
					Name:      "OpenAI",
					Type:      "openai",
					APIKeyEnv: "OPENAI_API_KEY",
					Models: []config.AIProviderModel{
						{ModelName: "gpt-4.1", IsDefault: true},
						{ModelName: "gpt-4.1-mini"},
					},
				},
				{
					ID:        "anthropic",
					Name:      "Anthropic",
					Type:      "anthropic",
					APIKeyEnv: "ANTHROPIC_API_KEY",
					Models: []config.AIProviderModel{
						{ModelName: "claude-sonnet-4-20250514"},
					},
				},
			},
		},
	}
	if err := config.Save(path, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "init failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Config written: %s\n", path)
}

func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	_ = fs.Parse(args)

	cfg, err := config.Load(filepath.Clean(*cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(strings.TrimSpace(cfg.LogFormat), strings.TrimSpace(cfg.LogLevel))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown on SIGINT/SIGTERM.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil && ctx.Err() == nil {
		logger.Error("agent exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	dbPath := cfg.EffectiveDatabasePath()
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	lock, err := lockfile.Acquire(dbPath + ".lock")
	if err != nil {
		if errors.Is(err, lockfile.ErrAlreadyLocked) {
			if pid, ok := lockfile.OwnerPID(dbPath + ".lock"); ok {
				return fmt.Errorf("another portfolio-agent (pid %d) is using %s", pid, dbPath)
			}
			return fmt.Errorf("another portfolio-agent is using %s", dbPath)
		}
		return fmt.Errorf("acquire instance lock: %w", err)
	}
	defer lock.Release()

	store, err := checkpoint.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	defer store.Close()

	audit, err := auditlog.New(auditlog.Options{
		Logger:   logger,
		StateDir: filepath.Dir(dbPath),
	})
	if err != nil {
		return fmt.Errorf("init audit log: %w", err)
	}

	book := domain.NewMemoryBook()
	market, err := newMarketData(cfg, logger, book)
	if err != nil {
		return err
	}

	svc, err := agent.New(agent.Options{
		Config:   cfg.AI,
		Store:    store,
		Logger:   logger,
		Holdings: book,
		Analysis: book,
		Market:   market,
		Audit:    audit,
	})
	if err != nil {
		return fmt.Errorf("init agent service: %w", err)
	}
	defer svc.Close()

	if !svc.Enabled() {
		logger.Warn("no usable model provider; chat requests will fail until an api key is set")
	}

	srv, err := httpapi.New(httpapi.Options{
		Logger:  logger,
		Addr:    cfg.EffectiveListenAddr(),
		Agent:   svc,
		Monitor: monitor.NewService(logger),
		Audit:   audit,
		Version: Version,
	})
	if err != nil {
		return fmt.Errorf("init http api: %w", err)
	}
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("start http api: %w", err)
	}
	logger.Info("portfolio-agent started", "version", Version, "addr", srv.Addr(), "db", dbPath)

	<-ctx.Done()
	return srv.Close()
}

// newMarketData returns the live quote client when market data is configured
// and its api token is present, and the in-memory book otherwise.
func newMarketData(cfg *config.Config, logger *slog.Logger, fallback *domain.MemoryBook) (domain.MarketDataService, error) {
	if cfg.MarketData == nil {
		return fallback, nil
	}
	token := strings.TrimSpace(os.Getenv(marketDataTokenEnv))
	if token == "" {
		logger.Warn("market_data configured but token env is empty; using in-memory quotes", "env", marketDataTokenEnv)
		return fallback, nil
	}
	client, err := domain.NewEODClient(domain.EODOptions{
		BaseURL:    cfg.MarketData.BaseURL,
		APIToken:   token,
		CacheTTL:   time.Duration(cfg.MarketData.EffectiveCacheTTLSeconds()) * time.Second,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	})
	if err != nil {
		return nil, fmt.Errorf("init market data client: %w", err)
	}
	return client, nil
}

func newLogger(format string, level string) (*slog.Logger, error) {
	var h slog.Handler

	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %s", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		h = slog.NewJSONHandler(os.Stdout, opts)
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unknown log format: %s", format)
	}

	return slog.New(h), nil
}
