package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"deepnerd/internal/config"
	"deepnerd/internal/logging"
)

var (
	// Global flags
	verbose   bool
	apiKey    string
	workspace string
	timeout   time.Duration

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "deepnerd",
	Short: "deepNERD - Recursive Investigation Engine",
	Long: `deepNERD expands a single research question into a tree of follow-up
investigations. Each node is answered through a grounded knowledge oracle,
branches stop once they stop yielding new information, and the finished tree
is rendered as an audit-ready markdown report with root-to-leaf reasoning
chains.

Examples:
  deepnerd init
  deepnerd research "What led to the collapse of Wirecard?"
  deepnerd trees
  deepnerd watch`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

// initCmd initializes deepNERD in the current workspace
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize deepNERD in the current workspace",
	Long: `Creates the .deepnerd/ data directory with a default config.yaml,
the knowledge database location, and the question inbox directory.

Run this once per workspace. Existing configuration is never overwritten.`,
	RunE: runInit,
}

// statusCmd shows workspace status
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show deepNERD workspace status",
	RunE:  showStatus,
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "Gemini API key (or set GEMINI_API_KEY env)")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: nearest .deepnerd root)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Minute, "Overall run timeout")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// resolveWorkspace returns the workspace root: the --workspace flag if set,
// otherwise the nearest ancestor with a .deepnerd directory, otherwise cwd.
func resolveWorkspace() string {
	if workspace != "" {
		return workspace
	}
	root, err := config.FindWorkspaceRoot()
	if err != nil {
		cwd, _ := os.Getwd()
		return cwd
	}
	return root
}

// loadConfig loads workspace configuration with flag overrides applied.
func loadConfig(root string) (*config.Config, error) {
	cfg, err := config.Load(config.DefaultConfigPath(root))
	if err != nil {
		return nil, err
	}
	if apiKey != "" {
		cfg.Oracle.APIKey = apiKey
	}
	return cfg, nil
}

// runInit performs workspace initialization
func runInit(cmd *cobra.Command, args []string) error {
	root := workspace
	if root == "" {
		root, _ = os.Getwd()
	}

	cfgPath := config.DefaultConfigPath(root)
	if _, err := os.Stat(cfgPath); err == nil {
		fmt.Println("Workspace already initialized. Use 'deepnerd status' to view it.")
		return nil
	}

	cfg := config.DefaultConfig()
	if err := cfg.Save(cfgPath); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	inbox := filepath.Join(root, cfg.Watch.InboxDir)
	if err := os.MkdirAll(inbox, 0755); err != nil {
		return fmt.Errorf("failed to create inbox directory: %w", err)
	}

	fmt.Printf("Initialized deepNERD workspace at %s\n", root)
	fmt.Printf("  Config: %s\n", cfgPath)
	fmt.Printf("  Inbox:  %s\n", inbox)
	fmt.Println("\nSet GEMINI_API_KEY (or oracle.api_key in config.yaml) before running research.")
	return nil
}

// showStatus displays workspace status
func showStatus(cmd *cobra.Command, args []string) error {
	root := resolveWorkspace()
	cfg, err := loadConfig(root)
	if err != nil {
		return err
	}

	fmt.Println("deepNERD Workspace Status")
	fmt.Println("=========================")
	fmt.Printf("Version:   %s\n", cfg.Version)
	fmt.Printf("Workspace: %s (label %q)\n", root, cfg.Workspace)
	fmt.Println()

	if cfg.Oracle.APIKey != "" {
		fmt.Printf("✓ Oracle: %s / %s\n", cfg.Oracle.Provider, cfg.Oracle.Model)
	} else {
		fmt.Println("✗ Oracle API key not configured")
	}

	dbPath := filepath.Join(root, cfg.Store.DatabasePath)
	if _, err := os.Stat(dbPath); err == nil {
		fmt.Printf("✓ Knowledge DB: %s\n", dbPath)
	} else {
		fmt.Printf("- Knowledge DB: %s (created on first run)\n", dbPath)
	}

	if cfg.Embedding.Enabled {
		fmt.Printf("✓ Embeddings: %s / %s\n", cfg.Embedding.Provider, cfg.Embedding.Model)
	} else {
		fmt.Println("- Embeddings disabled (keyword ranking only)")
	}

	fmt.Printf("\nResearch defaults: depth<=%d nodes<=%d parallel=%d threshold=%.2f\n",
		cfg.Research.DepthLimit, cfg.Research.MaxNodes,
		cfg.Research.ParallelNodes, cfg.Research.SaturationThreshold)
	return nil
}

func joinArgs(args []string) string {
	result := ""
	for i, arg := range args {
		if i > 0 {
			result += " "
		}
		result += arg
	}
	return result
}
