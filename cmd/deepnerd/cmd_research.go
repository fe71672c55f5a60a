package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"deepnerd/cmd/deepnerd/ui"
	"deepnerd/internal/analysis"
	"deepnerd/internal/config"
	"deepnerd/internal/embedding"
	"deepnerd/internal/logging"
	"deepnerd/internal/oracle"
	"deepnerd/internal/report"
	"deepnerd/internal/store"
	"deepnerd/internal/tree"
	"deepnerd/internal/usage"
)

var (
	flagDepth     int
	flagMaxNodes  int
	flagParallel  int
	flagThreshold float64
	flagNoTUI     bool
	flagReportOut string
	flagMaxChains int
)

// researchCmd runs one full investigation tree
var researchCmd = &cobra.Command{
	Use:   "research [question]",
	Short: "Investigate a question recursively",
	Long: `Expands the question into a tree of follow-up investigations.

Each node is answered through the knowledge oracle, findings are extracted
and persisted, and follow-ups are generated until branches saturate or the
depth/size limits are reached. The finished tree is rendered as a markdown
report.

Examples:
  deepnerd research "What led to the collapse of Wirecard?"
  deepnerd research --depth 2 --max-nodes 10 "Who funded the takeover?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runResearch,
}

func init() {
	researchCmd.Flags().IntVar(&flagDepth, "depth", -1, "Max tree depth (root = 0; -1 = config default)")
	researchCmd.Flags().IntVar(&flagMaxNodes, "max-nodes", -1, "Global tree-size cap (-1 = config default)")
	researchCmd.Flags().IntVar(&flagParallel, "parallel", -1, "Nodes processed concurrently per batch (-1 = config default)")
	researchCmd.Flags().Float64Var(&flagThreshold, "threshold", -1, "Saturation threshold in [0,1] (-1 = config default)")
	researchCmd.Flags().BoolVar(&flagNoTUI, "no-tui", false, "Plain line-based progress instead of the live dashboard")
	researchCmd.Flags().StringVar(&flagReportOut, "report", "", "Write the markdown report to this path")
	researchCmd.Flags().IntVar(&flagMaxChains, "max-chains", 10, "Reasoning chains to include in the result")

	rootCmd.AddCommand(researchCmd)
}

// app bundles the wired collaborators for one CLI invocation.
type app struct {
	root    string
	cfg     *config.Config
	store   *store.KnowledgeStore
	oracle  *oracle.GeminiOracle
	tracker *usage.Tracker
}

// bootstrap opens the store, oracle, usage tracker, and optional embedding
// engine for the resolved workspace.
func bootstrap() (*app, error) {
	root := resolveWorkspace()
	cfg, err := loadConfig(root)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := logging.Initialize(root); err != nil {
		logger.Warn("file logging unavailable", zap.Error(err))
	}

	st, err := store.NewKnowledgeStore(filepath.Join(root, cfg.Store.DatabasePath))
	if err != nil {
		return nil, fmt.Errorf("failed to open knowledge store: %w", err)
	}

	if cfg.Embedding.Enabled {
		engine, err := newEmbeddingEngine(cfg)
		if err != nil {
			logger.Warn("embedding engine unavailable, falling back to keyword ranking", zap.Error(err))
		} else {
			st.SetEmbeddingEngine(engine)
		}
	}

	tracker, err := usage.NewTracker(root)
	if err != nil {
		return nil, fmt.Errorf("failed to open usage ledger: %w", err)
	}

	orc := oracle.NewGeminiOracle(oracle.Config{
		APIKey:          cfg.Oracle.APIKey,
		BaseURL:         cfg.Oracle.BaseURL,
		Model:           cfg.Oracle.Model,
		SummaryModel:    cfg.GetSummaryModel(),
		Timeout:         cfg.GetOracleTimeout(),
		EnableGrounding: cfg.Oracle.EnableGrounding,
		MaxRetries:      cfg.Oracle.MaxRetries,
	}, tracker)
	if !cfg.Oracle.EnableGrounding {
		orc.SetWebSearcher(oracle.NewWebSearcher())
	}

	return &app{root: root, cfg: cfg, store: st, oracle: orc, tracker: tracker}, nil
}

func (a *app) Close() {
	if err := a.tracker.Save(); err != nil {
		logger.Warn("failed to save usage ledger", zap.Error(err))
	}
	if err := a.store.Close(); err != nil {
		logger.Warn("failed to close knowledge store", zap.Error(err))
	}
}

func newEmbeddingEngine(cfg *config.Config) (embedding.Engine, error) {
	switch cfg.Embedding.Provider {
	case "ollama":
		return embedding.NewOllamaEngine(cfg.Embedding.Endpoint, cfg.Embedding.Model)
	default:
		return embedding.NewGenAIEngine(cfg.Embedding.APIKey, cfg.Embedding.Model, "SEMANTIC_SIMILARITY")
	}
}

// treeConfig maps workspace defaults plus command flags to the expansion
// parameters for one run.
func treeConfig(cfg *config.Config) tree.Config {
	r := cfg.Research
	tc := tree.Config{
		DepthLimit:          r.DepthLimit,
		MaxNodes:            r.MaxNodes,
		ParallelNodes:       r.ParallelNodes,
		SaturationThreshold: r.SaturationThreshold,
		MaxFollowUpsPerNode: r.MaxFollowUpsPerNode,
		MinPriorityScore:    r.MinPriorityScore,
	}
	for _, t := range r.AllowedFollowUpTypes {
		tc.AllowedFollowUpTypes = append(tc.AllowedFollowUpTypes, tree.QuestionType(t))
	}
	if flagDepth >= 0 {
		tc.DepthLimit = flagDepth
	}
	if flagMaxNodes >= 1 {
		tc.MaxNodes = flagMaxNodes
	}
	if flagParallel >= 1 {
		tc.ParallelNodes = flagParallel
	}
	if flagThreshold >= 0 {
		tc.SaturationThreshold = flagThreshold
	}
	return tc
}

// runResearch executes one investigation tree end to end
func runResearch(cmd *cobra.Command, args []string) error {
	question := strings.TrimSpace(joinArgs(args))
	if question == "" {
		return fmt.Errorf("question is empty")
	}

	a, err := bootstrap()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	analyzers := []tree.Analyzer{
		analysis.NewFinancialTrail(a.oracle),
		analysis.NewCausalLinks(a.oracle),
	}

	var t *tree.Tree
	if flagNoTUI {
		t, err = runPlain(ctx, a, question, analyzers)
	} else {
		t, err = runDashboard(ctx, a, question, analyzers)
	}
	if err != nil {
		return err
	}

	return presentResult(ctx, a, t)
}

// runPlain drives the tree with line-based progress output. First SIGINT
// cancels cooperatively; a second one aborts in-flight oracle calls.
func runPlain(ctx context.Context, a *app, question string, analyzers []tree.Analyzer) (*tree.Tree, error) {
	ctrl := tree.NewController(tree.ControllerConfig{
		Store:     a.store,
		Oracle:    a.oracle,
		Analyzers: analyzers,
		Usage:     a.tracker,
		Workspace: a.cfg.Workspace,
		OnProgress: func(p tree.Progress) {
			fmt.Printf("[%s] %d nodes (%d done, %d pending, %d skipped)  depth=%d  %.0f%%  %d tok  $%.4f\n",
				p.Status, p.TotalNodes, p.CompletedNodes, p.PendingNodes, p.SkippedNodes,
				p.MaxDepth, p.Percent, p.TokensUsed, p.EstimatedCost)
		},
	})

	ctx, abort := context.WithCancel(ctx)
	defer abort()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Println("\nCancelling after the current batch (interrupt again to abort)...")
		ctrl.Cancel()
		<-sigCh
		abort()
	}()

	fmt.Printf("Investigating: %s\n\n", question)
	return ctrl.Run(ctx, question, treeConfig(a.cfg))
}

// runDashboard drives the tree under the live bubbletea dashboard.
func runDashboard(ctx context.Context, a *app, question string, analyzers []tree.Analyzer) (*tree.Tree, error) {
	events := make(chan tree.Progress, 32)
	ctrl := tree.NewController(tree.ControllerConfig{
		Store:      a.store,
		Oracle:     a.oracle,
		Analyzers:  analyzers,
		Usage:      a.tracker,
		Workspace:  a.cfg.Workspace,
		OnProgress: func(p tree.Progress) { events <- p },
	})

	ctx, abort := context.WithCancel(ctx)
	defer abort()

	prog := tea.NewProgram(ui.NewResearchModel(question, ctrl.Cancel), tea.WithAltScreen())

	go func() {
		for p := range events {
			prog.Send(ui.ProgressMsg(p))
		}
	}()

	type outcome struct {
		tree *tree.Tree
		err  error
	}
	resCh := make(chan outcome, 1)
	go func() {
		t, err := ctrl.Run(ctx, question, treeConfig(a.cfg))
		close(events)
		resCh <- outcome{tree: t, err: err}
		prog.Send(ui.DoneMsg{Err: err})
	}()

	if _, err := prog.Run(); err != nil {
		// The dashboard failing must not strand the run.
		abort()
	}
	out := <-resCh
	return out.tree, out.err
}

// presentResult assembles the tree result, writes the markdown report, and
// renders it to the terminal.
func presentResult(ctx context.Context, a *app, t *tree.Tree) error {
	if t == nil {
		return nil
	}

	// Result assembly runs under a fresh context so a cancelled run still
	// gets its report.
	rctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if ctx.Err() == nil {
		rctx = ctx
	}

	builder := tree.NewResultBuilder(a.store, a.oracle)
	res, err := builder.Build(rctx, t.ID, flagMaxChains)
	if err != nil {
		return fmt.Errorf("failed to assemble result: %w", err)
	}

	md := report.Compose(res)

	outPath := flagReportOut
	if outPath == "" {
		dir := filepath.Join(a.root, ".deepnerd", "reports")
		if err := os.MkdirAll(dir, 0755); err == nil {
			outPath = filepath.Join(dir, t.ID+".md")
		}
	}
	if outPath != "" {
		if err := os.WriteFile(outPath, []byte(md), 0644); err != nil {
			logger.Warn("failed to write report file", zap.Error(err))
		} else {
			fmt.Printf("Report written to %s\n\n", outPath)
		}
	}

	renderMarkdown(md)
	return nil
}

// renderMarkdown pretty-prints the report, falling back to raw markdown when
// the terminal renderer is unavailable.
func renderMarkdown(md string) {
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		fmt.Println(md)
		return
	}
	out, err := renderer.Render(md)
	if err != nil {
		fmt.Println(md)
		return
	}
	fmt.Print(out)
}
