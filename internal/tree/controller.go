package tree

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"deepnerd/internal/logging"
)

// nodeBudget enforces the global tree-size cap. Every node, root included,
// reserves a slot before its record is created; reservation is mutex-guarded
// so concurrent workers can never overshoot the cap.
type nodeBudget struct {
	mu   sync.Mutex
	used int
	max  int
}

func newNodeBudget(max int) *nodeBudget {
	return &nodeBudget{max: max}
}

func (b *nodeBudget) TryReserve() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.used >= b.max {
		return false
	}
	b.used++
	return true
}

func (b *nodeBudget) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.used > 0 {
		b.used--
	}
}

func (b *nodeBudget) Used() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

func (b *nodeBudget) Exhausted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used >= b.max
}

type treeIDKey struct{}

// WithTreeID tags a context with the tree being expanded. Run tags its own
// context; downstream consumers (the usage tracker in particular) read the
// tag to attribute oracle calls to the right tree.
func WithTreeID(ctx context.Context, treeID string) context.Context {
	return context.WithValue(ctx, treeIDKey{}, treeID)
}

// TreeIDFromContext returns the tree id set by WithTreeID, or "".
func TreeIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(treeIDKey{}).(string); ok {
		return id
	}
	return ""
}

// ControllerConfig wires the controller's collaborators.
type ControllerConfig struct {
	Store      Store
	Oracle     Oracle
	Analyzers  []Analyzer
	Usage      UsageReader // optional; enables token/cost totals
	Workspace  string
	OnProgress ProgressCallback // optional
}

// Controller owns the breadth-first expansion loop: it creates the tree and
// root node, sweeps depth levels 0..DepthLimit, fans each level out in
// batches of at most ParallelNodes, and finalizes the tree in exactly one
// terminal state.
type Controller struct {
	mu sync.Mutex

	store      Store
	oracle     Oracle
	analyzers  []Analyzer
	usage      UsageReader
	workspace  string
	onProgress ProgressCallback

	isRunning bool
	cancelled bool
}

// NewController creates a controller for one workspace.
func NewController(cfg ControllerConfig) *Controller {
	ws := cfg.Workspace
	if ws == "" {
		ws = "default"
	}
	return &Controller{
		store:      cfg.Store,
		oracle:     cfg.Oracle,
		analyzers:  cfg.Analyzers,
		usage:      cfg.Usage,
		workspace:  ws,
		onProgress: cfg.OnProgress,
	}
}

// Run expands rootQuestion into a full investigation tree and blocks until
// the tree reaches a terminal state. Node-level failures are contained; the
// returned error is non-nil only for setup failures.
func (c *Controller) Run(ctx context.Context, rootQuestion string, cfg Config) (*Tree, error) {
	rootQuestion = strings.TrimSpace(rootQuestion)
	if rootQuestion == "" {
		return nil, fmt.Errorf("root question is empty")
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid tree config: %w", err)
	}
	cfg = cfg.normalized()

	c.mu.Lock()
	if c.isRunning {
		c.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	c.isRunning = true
	c.cancelled = false
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.isRunning = false
		c.mu.Unlock()
	}()

	runTimer := logging.StartTimer(logging.CategoryController, "Run")
	defer runTimer.StopWithInfo()

	start := time.Now()
	t := &Tree{
		ID:           uuid.NewString(),
		RootQuestion: rootQuestion,
		Workspace:    c.workspace,
		Config:       cfg,
		Status:       TreeRunning,
		CreatedAt:    start,
	}

	ctx = WithTreeID(ctx, t.ID)

	logging.Controller("=== Starting tree %s: %.80s ===", t.ID, rootQuestion)
	logging.Controller("Config: depth<=%d nodes<=%d parallel=%d threshold=%.2f",
		cfg.DepthLimit, cfg.MaxNodes, cfg.ParallelNodes, cfg.SaturationThreshold)

	if err := c.store.CreateTree(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to create tree record: %w", err)
	}

	budget := newNodeBudget(cfg.MaxNodes)
	budget.TryReserve() // root slot; MaxNodes is always >= 1 after normalization

	root := &Node{
		ID:           uuid.NewString(),
		TreeID:       t.ID,
		Question:     rootQuestion,
		QuestionType: TypeInitial,
		Depth:        0,
		Status:       NodePending,
		CreatedAt:    time.Now(),
	}
	if err := c.store.CreateNode(ctx, root); err != nil {
		c.finalize(t, TreeFailed, start, budget)
		return nil, fmt.Errorf("failed to create root node: %w", err)
	}

	dedup := NewDedupIndex()
	dedup.Add(rootQuestion)

	processor := newNodeProcessor(t, cfg, c.oracle, c.store, dedup, budget, c.analyzers)

	for depth := 0; depth <= cfg.DepthLimit; depth++ {
		if c.shouldStop(ctx) {
			processor.Wait()
			c.finalize(t, TreeCancelled, start, budget)
			return t, nil
		}

		pending, err := c.store.PendingNodes(ctx, t.ID, depth)
		if err != nil {
			logging.ControllerWarn("failed to read pending nodes at depth %d: %v", depth, err)
			continue
		}
		if len(pending) == 0 {
			// An empty depth does not end the sweep unless the node budget
			// is spent, in which case nothing can appear at deeper levels.
			if budget.Exhausted() {
				logging.Controller("Node budget spent and depth %d empty, stopping sweep", depth)
				break
			}
			continue
		}

		logging.Controller("Depth %d: %d pending node(s)", depth, len(pending))

		for i := 0; i < len(pending); i += cfg.ParallelNodes {
			if c.shouldStop(ctx) {
				processor.Wait()
				c.finalize(t, TreeCancelled, start, budget)
				return t, nil
			}

			end := i + cfg.ParallelNodes
			if end > len(pending) {
				end = len(pending)
			}
			batch := pending[i:end]

			eg, egCtx := errgroup.WithContext(ctx)
			for _, node := range batch {
				node := node
				eg.Go(func() error {
					processor.Process(egCtx, node)
					return nil
				})
			}
			// Hard barrier: the whole batch terminates before the next one
			// starts or a snapshot is taken. Process never returns an error.
			_ = eg.Wait()

			c.emitProgress(t)
		}
	}

	processor.Wait()

	status := TreeCompleted
	if c.shouldStop(ctx) {
		status = TreeCancelled
	}
	c.finalize(t, status, start, budget)
	return t, nil
}

// Cancel requests cooperative cancellation: no new batch is scheduled, nodes
// already in flight finish, and the tree is marked cancelled.
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isRunning {
		c.cancelled = true
	}
}

// IsRunning reports whether a tree run is in progress.
func (c *Controller) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isRunning
}

func (c *Controller) shouldStop(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// finalize records the terminal state. The run context may already be
// cancelled, so terminal persistence runs under its own context to make sure
// the final state is never lost.
func (c *Controller) finalize(t *Tree, status TreeStatus, start time.Time, budget *nodeBudget) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	t.Status = status
	t.Duration = time.Since(start)
	t.CompletedAt = time.Now()

	total, err := c.store.CountNodes(ctx, t.ID)
	if err != nil {
		logging.ControllerWarn("failed to count nodes for %s: %v", t.ID, err)
		total = budget.Used()
	}
	t.TotalNodes = total

	if c.usage != nil {
		t.TokensUsed, t.EstimatedCost = c.usage.TreeUsage(t.ID)
	}

	if err := c.store.UpdateTree(ctx, t); err != nil {
		logging.ControllerError("failed to persist terminal state for %s: %v", t.ID, err)
	}

	c.emitProgress(t)

	logging.Controller("=== Tree %s %s: nodes=%d tokens=%d cost=$%.4f took=%v ===",
		t.ID, status, t.TotalNodes, t.TokensUsed, t.EstimatedCost, t.Duration)
}

// emitProgress reads the current node set and hands a snapshot to the
// consumer. Snapshot reads use their own context so a cancelled run can
// still report its terminal state.
func (c *Controller) emitProgress(t *Tree) {
	if c.onProgress == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	nodes, err := c.store.TreeNodes(ctx, t.ID)
	if err != nil {
		logging.ControllerWarn("progress snapshot read failed for %s: %v", t.ID, err)
		return
	}

	var tokens int64
	var cost float64
	if c.usage != nil {
		tokens, cost = c.usage.TreeUsage(t.ID)
	}

	c.onProgress(snapshotProgress(t, nodes, tokens, cost))
}
