// Package main is the entry point for the orchestrator MCP server.
// mcp-server speaks JSON-RPC 2.0 over stdin/stdout; all logging goes to
// stderr so stdout carries protocol frames only.
//
// Configuration comes from ORCHESTRATOR_* environment variables (see
// internal/common/config), with flags as local overrides.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/crewkit/crewkit/internal/common/config"
	"github.com/crewkit/crewkit/internal/common/logger"
	"github.com/crewkit/crewkit/internal/mcpserver"
	"github.com/crewkit/crewkit/internal/orchestrator"
	"github.com/crewkit/crewkit/internal/orchestrator/autocycle"
	"github.com/crewkit/crewkit/internal/policy"
)

const serverVersion = "1.0.0"

// Command-line flags. Environment variables win over flags so deployed
// configurations cannot be silently overridden by stale wrappers.
var (
	rootFlag      = flag.String("root", "", "orchestrator root directory")
	policyFlag    = flag.String("policy", "", "policy document path")
	logLevelFlag  = flag.String("log-level", "", "log level (debug, info, warn, error)")
	logFormatFlag = flag.String("log-format", "", "log format (console, json)")
)

func main() {
	flag.Parse()

	applyFlagDefaults()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: "stderr",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("mcp-server failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	pol, err := policy.Load(cfg.Policy)
	if err != nil {
		return fmt.Errorf("failed to load policy: %w", err)
	}

	engine, err := orchestrator.New(cfg.Root, pol, log)
	if err != nil {
		return fmt.Errorf("failed to open orchestrator root: %w", err)
	}
	if err := engine.Bootstrap(); err != nil {
		return fmt.Errorf("failed to bootstrap state: %w", err)
	}

	log.Info("starting mcp-server",
		zap.String("root", engine.Root()),
		zap.String("policy", cfg.Policy),
		zap.String("policy_name", pol.Name),
		zap.String("manager", pol.Manager()),
		zap.Bool("auto_cycle", cfg.AutoCycleEnabled()))

	srv := mcpserver.New(engine, mcpserver.Config{
		Version:            serverVersion,
		PolicyPath:         cfg.Policy,
		StatusVerbosePaths: cfg.StatusVerbosePaths,
	}, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)

	if cfg.AutoCycleEnabled() {
		daemon := autocycle.New(engine, autocycle.Config{
			Interval: cfg.AutoCycleInterval(),
			Strict:   true,
		}, log)
		switch err := daemon.Start(ctx); err {
		case nil:
			group.Go(func() error {
				<-ctx.Done()
				return daemon.Stop()
			})
		case autocycle.ErrLockHeld:
			// Another server process on this root already runs the
			// daemon; this one serves tools without it.
			log.Warn("auto manager cycle disabled: lock held by another process")
		default:
			return fmt.Errorf("failed to start auto manager cycle: %w", err)
		}
	}

	group.Go(func() error {
		defer stop()
		return srv.ServeStdio()
	})

	if err := group.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	log.Info("mcp-server stopped")
	return nil
}

// applyFlagDefaults maps non-empty flags onto the environment contract
// so config.Load sees one source of truth. Pre-set env vars win.
func applyFlagDefaults() {
	setIfUnset := func(envKey, value string) {
		if value != "" && os.Getenv(envKey) == "" {
			os.Setenv(envKey, value)
		}
	}
	setIfUnset("ORCHESTRATOR_ROOT", *rootFlag)
	setIfUnset("ORCHESTRATOR_POLICY", *policyFlag)
	setIfUnset("ORCHESTRATOR_LOG_LEVEL", *logLevelFlag)
	setIfUnset("ORCHESTRATOR_LOG_FORMAT", *logFormatFlag)
}
