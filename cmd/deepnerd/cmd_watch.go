package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"deepnerd/internal/analysis"
	"deepnerd/internal/tree"
	"deepnerd/internal/watch"
)

// watchCmd runs the question inbox daemon
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the question inbox and investigate dropped files",
	Long: `Watches the inbox directory (.deepnerd/inbox by default). Every .txt or
.md file dropped there becomes the root question of a new investigation;
reports land next to the other stored trees. Investigations run one at a
time in arrival order.

Press Ctrl+C to stop; an in-flight investigation finishes its current batch
first.`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	a, err := bootstrap()
	if err != nil {
		return err
	}
	defer a.Close()

	analyzers := []tree.Analyzer{
		analysis.NewFinancialTrail(a.oracle),
		analysis.NewCausalLinks(a.oracle),
	}

	ctrl := tree.NewController(tree.ControllerConfig{
		Store:     a.store,
		Oracle:    a.oracle,
		Analyzers: analyzers,
		Usage:     a.tracker,
		Workspace: a.cfg.Workspace,
		OnProgress: func(p tree.Progress) {
			fmt.Printf("  [%s] %d nodes, depth %d, %.0f%%\n",
				p.Status, p.TotalNodes, p.MaxDepth, p.Percent)
		},
	})

	inbox := filepath.Join(a.root, a.cfg.Watch.InboxDir)
	if err := os.MkdirAll(inbox, 0755); err != nil {
		return fmt.Errorf("failed to create inbox directory: %w", err)
	}

	watcher, err := watch.NewInboxWatcher(watch.Config{
		InboxDir: inbox,
		Debounce: time.Duration(a.cfg.Watch.DebounceMS) * time.Millisecond,
		Run: func(ctx context.Context, question string) error {
			fmt.Printf("Investigating: %.80s\n", question)
			t, err := ctrl.Run(ctx, question, treeConfig(a.cfg))
			if err != nil {
				return err
			}
			if err := presentResult(ctx, a, t); err != nil {
				logger.Warn("failed to present inbox result", zap.Error(err))
			}
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create inbox watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := watcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to start inbox watcher: %w", err)
	}

	fmt.Printf("Watching %s (drop .txt or .md question files). Ctrl+C to stop.\n", inbox)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\nStopping (letting the current batch finish)...")
	ctrl.Cancel()
	watcher.Stop()
	cancel()

	stats := watcher.Stats()
	fmt.Printf("Inbox session: %d file(s) seen, %d run(s), %d failure(s)\n",
		stats.FilesSeen, stats.RunsStarted, stats.RunFailures)
	return nil
}
