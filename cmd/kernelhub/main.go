package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cmejia91/kernelhub/internal/affiliation"
	"github.com/cmejia91/kernelhub/internal/config"
	"github.com/cmejia91/kernelhub/internal/discover"
	"github.com/cmejia91/kernelhub/internal/engine"
	"github.com/cmejia91/kernelhub/internal/kernel"
	"github.com/cmejia91/kernelhub/internal/runtime"
)

const appVersion = "0.1.0"

var (
	flagDebug       bool
	flagConfig      string
	flagWorkspace   string
	flagRuntimes    string
	flagDB          string
	flagTrusted     bool
	flagExtensionID string
)

func main() {
	root := &cobra.Command{
		Use:   "kernelhub",
		Short: "Language runtime session supervisor",
		Long:  "kernelhub registers language runtimes and supervises their kernel sessions: startup, interrupts, restarts, crash recovery, and shutdown.",
	}
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to a YAML config file")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the session supervisor over a workspace",
		RunE:  runServe,
	}
	serve.Flags().StringVar(&flagWorkspace, "workspace", ".", "Workspace root to supervise")
	serve.Flags().StringVar(&flagRuntimes, "runtimes", "runtimes.yaml", "Path to the runtime spec list")
	serve.Flags().StringVar(&flagDB, "db", "", "Path to the affiliation database (in-memory when empty)")
	serve.Flags().BoolVar(&flagTrusted, "trusted", true, "Treat the workspace as trusted")
	serve.Flags().StringVar(&flagExtensionID, "extension-id", "kernelhub", "Extension id stamped on registered runtimes")
	root.AddCommand(serve)

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("kernelhub v%s\n", appVersion)
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	logLevel := slog.LevelInfo
	if flagDebug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	cfg := config.Default()
	if flagConfig != "" {
		loaded, err := config.Load(flagConfig)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}

	specs, err := kernel.LoadSpecs(flagRuntimes)
	if err != nil {
		return fmt.Errorf("failed to load runtime specs: %w", err)
	}

	var store affiliation.Store
	if flagDB != "" {
		sqlStore, err := affiliation.OpenSqlite(flagDB)
		if err != nil {
			return fmt.Errorf("failed to open affiliation database: %w", err)
		}
		store = sqlStore
	} else {
		store = affiliation.NewMemoryStore()
	}
	defer store.Close()

	workspace, err := os.Getwd()
	if flagWorkspace != "." || err != nil {
		workspace = flagWorkspace
	}

	logger.Info("starting kernelhub",
		"version", appVersion,
		"workspace", workspace,
		"runtimes", len(specs),
		"trusted", flagTrusted,
	)

	registry := runtime.NewRegistry(logger)
	trust := affiliation.NewTrust(flagTrusted)

	eng := engine.New(engine.Options{
		Registry:  registry,
		Config:    config.Static(cfg),
		Workspace: workspace,
		Store:     store,
		Trust:     trust,
		Logger:    logger,
	})
	defer eng.Close()

	manager := kernel.NewManager(specs, config.Static(cfg), logger)
	eng.RegisterSessionManager(manager)
	manager.Register(registry, flagExtensionID)

	events, stopEvents := eng.Subscribe()
	defer stopEvents()
	go func() {
		for ev := range events {
			logger.Debug("session event",
				"kind", ev.Kind.String(),
				"session_id", ev.SessionID,
				"clock", ev.Clock,
			)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scanner := discover.NewScanner(workspace, eng, logger)
	go func() {
		if err := scanner.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("workspace discovery stopped", "error", err)
		}
	}()

	if flagTrusted {
		if err := eng.StartAffiliated(); err != nil {
			logger.Warn("failed to start affiliated runtimes", "error", err)
		}
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}
