package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"deepnerd/internal/usage"
)

// usageCmd reports token spend from the workspace ledger
var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show oracle token usage and estimated spend",
	RunE:  runUsage,
}

func init() {
	rootCmd.AddCommand(usageCmd)
}

func runUsage(cmd *cobra.Command, args []string) error {
	root := resolveWorkspace()
	tracker, err := usage.NewTracker(root)
	if err != nil {
		return fmt.Errorf("failed to open usage ledger: %w", err)
	}

	stats := tracker.Stats()

	fmt.Println("deepNERD Token Usage")
	fmt.Println("====================")
	fmt.Printf("Total: %d in / %d out (%d calls)  est. $%.4f\n\n",
		stats.TotalProject.Input, stats.TotalProject.Output,
		stats.TotalProject.Calls, stats.TotalProject.Cost)

	printBreakdown("By model", stats.ByModel)
	printBreakdown("By operation", stats.ByOperation)
	printBreakdown("By tree", stats.ByTree)
	return nil
}

func printBreakdown(title string, m map[string]usage.TokenCounts) {
	if len(m) == 0 {
		return
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return m[keys[i]].Total > m[keys[j]].Total })

	fmt.Println(title + ":")
	for _, k := range keys {
		tc := m[k]
		fmt.Printf("  %-40s %10d tok  $%.4f\n", k, tc.Total, tc.Cost)
	}
	fmt.Println()
}
