// Analyst answers operator questions about agency clients' marketing
// data. It streams answers synthesized from live Search Console and
// Google Analytics queries over HTTP, and offers a CLI for one-shot
// questions and operator token management. Configuration is loaded from
// a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	analyst serve                          Start the API server
//	analyst init [dir]                     Write an example config.yaml
//	analyst ask -client <id> <question>    Ask a single question
//	analyst hash-token <token>             Print a bcrypt hash for config
//	analyst version                        Print version and build information
//	analyst -o json version                Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/portalworks/analyst/internal/agent"
	"github.com/portalworks/analyst/internal/analytics"
	"github.com/portalworks/analyst/internal/api"
	"github.com/portalworks/analyst/internal/auth"
	"github.com/portalworks/analyst/internal/buildinfo"
	"github.com/portalworks/analyst/internal/clients"
	"github.com/portalworks/analyst/internal/config"
	"github.com/portalworks/analyst/internal/health"
	"github.com/portalworks/analyst/internal/llm"
	"github.com/portalworks/analyst/internal/memory"
	"github.com/portalworks/analyst/internal/metrics"
	"github.com/portalworks/analyst/internal/sqldb"
	"github.com/portalworks/analyst/internal/tools"
	"github.com/portalworks/analyst/internal/usage"

	_ "github.com/lib/pq"           // PostgreSQL driver for database/sql
	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main constructs the OS-level environment and delegates to [run], which
// keeps os.Exit, os.Stdout and os.Args out of the application logic.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand: the flag
// package's global FlagSet would keep run from being called from
// parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		return runAsk(ctx, stdout, stderr, configPath, cmdArgs)
	case "hash-token":
		if len(cmdArgs) != 1 {
			return errors.New("usage: analyst hash-token <token>")
		}
		return runHashToken(stdout, cmdArgs[0])
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func runHashToken(w io.Writer, token string) error {
	h, err := auth.HashToken(token)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, h)
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Analyst - marketing data answers for the client portal")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: analyst [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                              Start the API server")
	fmt.Fprintln(w, "  init [dir]                         Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  ask -client <id> [-conversation <id>] <question>")
	fmt.Fprintln(w, "                                     Ask a single question")
	fmt.Fprintln(w, "  hash-token <token>                 Print a bcrypt hash for an operator token")
	fmt.Fprintln(w, "  version                            Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	for _, p := range config.DefaultSearchPaths() {
		fmt.Fprintf(w, "  %s\n", p)
	}
	return nil
}

// services is everything a command needs to run agent turns.
type services struct {
	db      *sqldb.DB
	store   *memory.Store
	clients *clients.SQLLookup
	usage   *usage.Store
	llm     *llm.AnthropicClient
	loop    *agent.Loop
}

func (s *services) Close() error { return s.db.Close() }

// openServices opens the database and wires the agent loop. m may be nil.
func openServices(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*services, error) {
	db, err := sqldb.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	svc := &services{db: db}

	if svc.store, err = memory.NewStore(db, logger); err != nil {
		db.Close()
		return nil, err
	}
	if svc.clients, err = clients.NewSQLLookup(db, logger); err != nil {
		db.Close()
		return nil, err
	}
	if svc.usage, err = usage.NewStore(db); err != nil {
		db.Close()
		return nil, err
	}

	registry := tools.DefaultRegistry()
	execCfg := tools.ExecutorConfig{
		Registry: registry,
		Search:   analytics.NewSearchConsoleClient(cfg.SearchConsole.BaseURL, cfg.SearchConsole.AccessToken, logger),
		Web:      analytics.NewGA4Client(cfg.GoogleAnalytics.BaseURL, cfg.GoogleAnalytics.AccessToken, logger),
		Timeout:  cfg.Tools.Timeout,
		Logger:   logger,
	}
	svc.llm = llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger,
		llm.WithBaseURL(cfg.Anthropic.BaseURL),
		llm.WithMaxTokens(cfg.Anthropic.MaxTokens),
	)
	loopCfg := agent.Config{
		Logger:          logger,
		LLM:             svc.llm,
		Model:           cfg.Anthropic.Model,
		Registry:        registry,
		Store:           svc.store,
		Usage:           svc.usage,
		Pricing:         cfg.Pricing,
		MaxIterations:   cfg.Agent.MaxIterations,
		ModelTimeout:    cfg.Agent.ModelTimeout,
		ToolConcurrency: cfg.Tools.Concurrency,
	}
	if m != nil {
		execCfg.Observer = m
		loopCfg.Metrics = m
	}
	loopCfg.Executor = tools.NewExecutor(execCfg)
	svc.loop = agent.NewLoop(loopCfg)

	logger.Info("database opened", "driver", db.Driver(),
		"conversations", svc.store.Stats(context.Background()))
	return svc, nil
}

// runServe handles the "analyst serve" subcommand: it loads and
// validates config, opens the database, wires the agent loop and serves
// the API until SIGINT or SIGTERM.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Analyst", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	// ParseLogLevel was checked by Validate.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = config.NewLogger(stdout, level, cfg.LogFormat)

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Anthropic.Model,
		"database", cfg.Database.Driver,
		"operators", len(cfg.Operators),
	)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	svc, err := openServices(cfg, logger, m)
	if err != nil {
		return err
	}
	defer svc.Close()

	creds := make([]auth.Credential, len(cfg.Operators))
	for i, op := range cfg.Operators {
		creds[i] = auth.Credential{Name: op.Name, TokenHash: op.TokenHash, Clients: op.Clients}
	}
	authz, err := auth.NewTokenAuthorizer(creds)
	if err != nil {
		return fmt.Errorf("operators: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	monitor := health.NewMonitor(health.DefaultSchedule(), logger)
	monitor.Register(ctx, "database", svc.db.PingContext)
	monitor.Register(ctx, "anthropic", svc.llm.Ping)

	server := api.NewServer(api.Config{
		Address:        cfg.Listen.Address,
		Port:           cfg.Listen.Port,
		Loop:           svc.loop,
		Store:          svc.store,
		Clients:        svc.clients,
		Auth:           authz,
		Usage:          svc.usage,
		Metrics:        m,
		Health:         monitor,
		AllowedOrigins: cfg.Listen.AllowedOrigins,
		Logger:         logger,
	})

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		// In-flight streams get a grace period to finish their answer.
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}

	monitor.Wait()
	logger.Info("Analyst stopped")
	return nil
}

// loadConfig locates and parses the YAML configuration file.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
