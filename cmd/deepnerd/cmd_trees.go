package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"deepnerd/internal/report"
	"deepnerd/internal/tree"
)

var (
	flagTreesLimit int
	flagExportOut  string
)

// treesCmd is the parent command for stored tree operations
var treesCmd = &cobra.Command{
	Use:   "trees",
	Short: "List and inspect stored investigation trees",
	Long: `Stored trees survive across runs; prior findings in the same workspace
feed saturation estimation for later investigations.

Examples:
  deepnerd trees
  deepnerd trees show 6b1f2c...
  deepnerd trees export 6b1f2c... --out report.md`,
	RunE: runTreesList,
}

var treesShowCmd = &cobra.Command{
	Use:   "show [tree-id]",
	Short: "Render a stored tree's report",
	Args:  cobra.ExactArgs(1),
	RunE:  runTreesShow,
}

var treesExportCmd = &cobra.Command{
	Use:   "export [tree-id]",
	Short: "Write a stored tree's markdown report to a file",
	Args:  cobra.ExactArgs(1),
	RunE:  runTreesExport,
}

func init() {
	treesCmd.Flags().IntVar(&flagTreesLimit, "limit", 20, "Trees to list")
	treesExportCmd.Flags().StringVar(&flagExportOut, "out", "", "Output path (default: <tree-id>.md)")

	treesCmd.AddCommand(treesShowCmd)
	treesCmd.AddCommand(treesExportCmd)
	rootCmd.AddCommand(treesCmd)
}

// runTreesList lists stored trees newest first
func runTreesList(cmd *cobra.Command, args []string) error {
	a, err := bootstrap()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	trees, err := a.store.ListTrees(ctx, a.cfg.Workspace, flagTreesLimit)
	if err != nil {
		return fmt.Errorf("failed to list trees: %w", err)
	}
	if len(trees) == 0 {
		fmt.Println("No trees yet. Start one with 'deepnerd research \"...\"'.")
		return nil
	}

	fmt.Printf("%-36s %-10s %5s %8s %10s  %s\n", "ID", "STATUS", "NODES", "TOKENS", "COST", "QUESTION")
	for _, t := range trees {
		q := t.RootQuestion
		if len(q) > 60 {
			q = q[:57] + "..."
		}
		fmt.Printf("%-36s %-10s %5d %8d %9.4f$  %s\n",
			t.ID, t.Status, t.TotalNodes, t.TokensUsed, t.EstimatedCost, q)
	}
	return nil
}

func buildStoredResult(a *app, treeID string) (*tree.TreeResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	// Insight summarization already happened (or was skipped) during the
	// run; reading a stored tree never calls the oracle.
	builder := tree.NewResultBuilder(a.store, nil)
	return builder.Build(ctx, treeID, flagMaxChains)
}

// runTreesShow renders a stored tree in the terminal
func runTreesShow(cmd *cobra.Command, args []string) error {
	a, err := bootstrap()
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := buildStoredResult(a, args[0])
	if err != nil {
		return err
	}
	renderMarkdown(report.Compose(res))
	return nil
}

// runTreesExport writes a stored tree's report to a file
func runTreesExport(cmd *cobra.Command, args []string) error {
	a, err := bootstrap()
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := buildStoredResult(a, args[0])
	if err != nil {
		return err
	}

	out := flagExportOut
	if out == "" {
		out = args[0] + ".md"
	}
	if err := os.WriteFile(out, []byte(report.Compose(res)), 0644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	fmt.Printf("Report written to %s\n", out)
	return nil
}
