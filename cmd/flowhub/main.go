// Package main implements the FlowHub CLI: a session/state core for
// multi-agent chat clients, kept in sync with each agent's on-disk
// conversation history.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"

	"github.com/chenweil/FlowHub-sub000/internal/config"
	"github.com/chenweil/FlowHub-sub000/internal/history"
	"github.com/chenweil/FlowHub-sub000/internal/logging"
	"github.com/chenweil/FlowHub-sub000/internal/persist"
	"github.com/chenweil/FlowHub-sub000/internal/reconcile"
	"github.com/chenweil/FlowHub-sub000/internal/store"
)

var (
	// Global flags
	configPath string
	verbose    bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "flowhub",
	Short: "FlowHub - session core for multi-agent chat",
	Long: `FlowHub keeps an in-memory model of agent conversations synchronized
with the conversation logs each connected agent maintains on disk, and
makes that model durable across restarts through a tiered storage path
(SQLite primary, JSON fallback).`,
	SilenceUsage: true,
}

// app bundles the composition root: one store handle shared by every
// component, wired here and nowhere else.
type app struct {
	cfg        *config.Config
	roster     *config.Roster
	primary    *persist.SQLiteStore
	gateway    *persist.Gateway
	provider   *history.IflowProvider
	store      *store.Store
	reconciler *reconcile.Reconciler
}

func newApp(ctx context.Context) (*app, error) {
	path := configPath
	if path == "" {
		path = filepath.Join(config.DefaultDir(), "config.yaml")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	level := zapcore.InfoLevel
	if cfg.Logging.Level != "" {
		if parsed, err := zapcore.ParseLevel(cfg.Logging.Level); err == nil {
			level = parsed
		}
	}
	if verbose {
		level = zapcore.DebugLevel
	}
	if err := logging.Initialize(cfg.LogDir(), level); err != nil {
		return nil, err
	}

	roster := cfg.NewRoster()

	primary, err := persist.NewSQLiteStore(cfg.SnapshotDBPath())
	if err != nil {
		return nil, fmt.Errorf("failed to open primary store: %w", err)
	}
	gateway := persist.NewGateway(primary, persist.NewFileStore(cfg.FallbackPath()))

	if _, err := gateway.MigrateLegacy(ctx, cfg.LegacyPath()); err != nil {
		logging.Get(logging.CategoryBoot).Warnw("legacy migration incomplete", "error", err)
	}

	snap := gateway.LoadSnapshot(ctx)
	if pruned, changed := persist.Prune(snap, roster.Agents()); changed {
		snap = pruned
		if err := gateway.SaveSnapshot(ctx, snap); err != nil {
			logging.Get(logging.CategoryBoot).Warnw("failed to persist pruned snapshot", "error", err)
		}
	}

	provider := history.NewIflowProvider("")
	st := store.New(gateway, provider, roster)
	st.Hydrate(snap)

	return &app{
		cfg:        cfg,
		roster:     roster,
		primary:    primary,
		gateway:    gateway,
		provider:   provider,
		store:      st,
		reconciler: reconcile.New(st, provider, roster),
	}, nil
}

func (a *app) close() {
	if err := a.primary.Close(); err != nil {
		logging.Get(logging.CategoryBoot).Warnw("failed to close primary store", "error", err)
	}
	logging.Sync()
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.flowhub/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(gcCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
