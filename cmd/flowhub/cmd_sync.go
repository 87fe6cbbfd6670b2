package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chenweil/FlowHub-sub000/internal/history"
	"github.com/chenweil/FlowHub-sub000/internal/logging"
	"github.com/chenweil/FlowHub-sub000/internal/persist"
)

var (
	syncAgent     string
	watchDebounce time.Duration
)

// syncCmd runs reconciliation passes on demand.
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile the session store with agent history files",
	RunE:  runSync,
}

// watchCmd keeps reconciling as history files change on disk.
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch agent history directories and reconcile on change",
	RunE:  runWatch,
}

// gcCmd drops data belonging to agents no longer in the roster.
var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Prune stored sessions of agents removed from the roster",
	RunE:  runGC,
}

func init() {
	syncCmd.Flags().StringVarP(&syncAgent, "agent", "a", "", "reconcile a single agent (default: all)")
	watchCmd.Flags().DurationVar(&watchDebounce, "debounce", 500*time.Millisecond, "quiet period before a change triggers a pass")
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	if syncAgent != "" {
		if _, ok := a.roster.WorkspacePath(syncAgent); !ok {
			return fmt.Errorf("unknown agent %q", syncAgent)
		}
		if err := a.reconciler.Reconcile(ctx, syncAgent); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Reconciled %s: %d session(s)\n",
			syncAgent, len(a.store.SessionsForAgent(syncAgent)))
		return nil
	}

	if err := a.reconciler.ReconcileAll(ctx); err != nil {
		return err
	}
	for _, agent := range a.roster.Agents() {
		fmt.Fprintf(cmd.OutOrStdout(), "Reconciled %s: %d session(s)\n",
			agent.ID, len(a.store.SessionsForAgent(agent.ID)))
	}
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	// One full pass up front so the store starts current.
	if err := a.reconciler.ReconcileAll(ctx); err != nil {
		return err
	}

	watcher, err := history.NewWatcher(a.provider, a.roster.Agents(), watchDebounce, func(agentID string) {
		if err := a.reconciler.Reconcile(context.Background(), agentID); err != nil {
			logging.Get(logging.CategoryReconcile).Warnw("pass failed",
				"agent", agentID, "error", err)
		}
	})
	if err != nil {
		return err
	}
	defer watcher.Close()

	fmt.Fprintln(cmd.OutOrStdout(), "Watching agent history (Ctrl-C to stop)")
	if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runGC(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	snap := a.store.Snapshot()
	pruned, changed := persist.Prune(snap, a.roster.Agents())
	if !changed {
		fmt.Fprintln(cmd.OutOrStdout(), "Nothing to prune")
		return nil
	}
	if err := a.gateway.SaveSnapshot(ctx, pruned); err != nil {
		return err
	}
	a.store.Hydrate(pruned)
	fmt.Fprintln(cmd.OutOrStdout(), "Pruned departed agents from the session store")
	return nil
}
