// Command inspector-bridge runs the MCP inspector/bridge server: it speaks
// MCP over stdio to its upstream client and opens ephemeral target sessions
// per inspector_call.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/inspectorbridge/mcp-bridge/internal/config"
	"github.com/inspectorbridge/mcp-bridge/internal/errorbudget"
	"github.com/inspectorbridge/mcp-bridge/internal/idempotency"
	"github.com/inspectorbridge/mcp-bridge/internal/logging"
	"github.com/inspectorbridge/mcp-bridge/internal/metrics"
	"github.com/inspectorbridge/mcp-bridge/internal/orchestrator"
	"github.com/inspectorbridge/mcp-bridge/internal/outbox"
	"github.com/inspectorbridge/mcp-bridge/internal/reaper"
	"github.com/inspectorbridge/mcp-bridge/internal/server"
	"github.com/inspectorbridge/mcp-bridge/internal/target"
	"github.com/inspectorbridge/mcp-bridge/internal/tracing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func main() {
	// .env is optional; a missing file is not an error. It exists so local
	// development doesn't require exporting every ERROR_BUDGET_* variable
	// by hand.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "inspector-bridge",
		Short: "MCP inspector/bridge server",
	}
	root.AddCommand(serveCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "optional YAML config file, layered under environment overrides")
	return cmd
}

func run(configPath string) error {
	cfg := config.DefaultConfig()
	if configPath != "" {
		loaded, err := config.LoadFromFile(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	config.LoadFromEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log := logging.New(cfg.Logging.Level)
	defer log.Sync()

	ob, err := openOutbox(cfg.Outbox)
	if err != nil {
		return fmt.Errorf("open outbox: %w", err)
	}

	store := idempotency.NewStore()
	budget := errorbudget.New(errorbudget.Params{
		Enabled:          cfg.ErrorBudget.Enabled,
		SuccessThreshold: cfg.ErrorBudget.SuccessThreshold,
		MinimumRequests:  cfg.ErrorBudget.MinRequests,
		SampleWindow:     cfg.ErrorBudget.SampleWindow,
		FreezeDuration:   cfg.ErrorBudget.FreezeDuration,
	})
	broker := target.NewBroker(server.Name, server.Version)

	orch := &orchestrator.Orchestrator{
		Store:    store,
		Budget:   budget,
		Outbox:   ob,
		Broker:   broker,
		Policy:   cfg.Idempotency.ConflictPolicy,
		StdioEnv: cfg.Stdio.Command,
		Log:      log,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := tracing.Init(ctx, cfg.Tracing); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		if err := tracing.Shutdown(context.Background()); err != nil {
			log.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	sweep := reaper.New(store, ob, cfg.Reaper.Cadence, cfg.Reaper.TTL, log, metrics.RecordReaperTimeouts)
	go sweep.Run(ctx)

	if cfg.Metrics.Addr != "" {
		metrics.Init(cfg.Metrics.Namespace)
		go func() {
			if err := metrics.Serve(ctx, metrics.ServerConfig{
				Addr:             cfg.Metrics.Addr,
				AuthToken:        cfg.Metrics.AuthToken,
				TLSCertPath:      cfg.Metrics.TLSCertPath,
				TLSKeyPath:       cfg.Metrics.TLSKeyPath,
				AllowInsecureDev: cfg.Metrics.AllowInsecureDev,
			}, log); err != nil {
				log.Error("metrics server exited", zap.Error(err))
			}
		}()
	}

	facade := server.New(cfg, orch, broker, log)

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("inspector bridge starting", zap.String("release_track", string(cfg.ReleaseTrack)))
	return facade.MCP.Run(sigCtx, &mcp.StdioTransport{})
}

func openOutbox(cfg config.OutboxConfig) (*outbox.Outbox, error) {
	if cfg.DBPath != "" {
		return outbox.NewSQLite(cfg.DBPath, cfg.DLQPath)
	}
	return outbox.NewFile(cfg.Path, cfg.DLQPath)
}
