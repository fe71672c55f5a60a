package tree

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// TestMain ensures the batch barrier and analyzer joins leave no goroutines behind.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// callLog records oracle invocations made from worker goroutines.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(q string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, q)
}

func (l *callLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func runConfig() Config {
	return Config{
		DepthLimit:          2,
		MaxNodes:            10,
		ParallelNodes:       2,
		SaturationThreshold: 0.8,
		MaxFollowUpsPerNode: 2,
	}
}

// eagerOracle proposes perNode unique follow-ups for every question it sees.
func eagerOracle(perNode int) *stubOracle {
	return &stubOracle{
		GenerateFollowUpsFunc: func(_ context.Context, question string, _ []Finding, _ []QuestionType, _ []string) ([]FollowUp, error) {
			out := make([]FollowUp, perNode)
			for i := range out {
				out[i] = FollowUp{
					Question: fmt.Sprintf("%s and then what, part %d?", question, i),
					Type:     TypeDetail,
					Priority: 0.9,
				}
			}
			return out, nil
		},
	}
}

func TestRun_ExpandsHighPriorityFollowUps(t *testing.T) {
	rootQ := "Who funded the Meridian project?"
	lowQ := "When was the project announced?"

	store := newMemStore()
	oracle := &stubOracle{
		GenerateFollowUpsFunc: func(_ context.Context, question string, _ []Finding, _ []QuestionType, _ []string) ([]FollowUp, error) {
			if Normalize(question) != Normalize(rootQ) {
				return nil, nil
			}
			return []FollowUp{
				{Question: "Which investors joined the seed round?", Type: TypeFinancial, Priority: 0.95},
				{Question: "What did the funding pay for?", Type: TypeConsequence, Priority: 0.90},
				{Question: lowQ, Type: TypeTemporal, Priority: 0.70},
			}, nil
		},
	}

	ctrl := NewController(ControllerConfig{Store: store, Oracle: oracle, Workspace: "w"})
	cfg := runConfig()
	cfg.MinPriorityScore = 0.75

	tr, err := ctrl.Run(context.Background(), rootQ, cfg)
	require.NoError(t, err)
	require.Equal(t, TreeCompleted, tr.Status)
	assert.Equal(t, 3, tr.TotalNodes)

	root := store.nodeByQuestion(tr.ID, rootQ)
	require.NotNil(t, root)
	assert.Equal(t, NodeCompleted, root.Status)
	assert.Equal(t, TypeInitial, root.QuestionType)
	assert.Empty(t, root.ParentID)
	assert.Equal(t, 1, root.FindingsCount)
	assert.Equal(t, []string{"https://example.test/source"}, root.Sources)

	children := store.nodesAtDepth(tr.ID, 1)
	require.Len(t, children, 2)
	for _, child := range children {
		assert.Equal(t, root.ID, child.ParentID)
		assert.Equal(t, NodeCompleted, child.Status)
	}

	// The 0.70 candidate sits below the priority floor and never becomes a node.
	assert.Nil(t, store.nodeByQuestion(tr.ID, lowQ))
}

func TestRun_SaturatedNodeStopsExpanding(t *testing.T) {
	rootQ := "What happened to the city archive?"
	childQ := "Who maintained the archive?"

	store := newMemStore()
	store.prior = []string{
		"the archive was maintained by volunteers until 2019",
		"archive funding was cut after the flood",
	}

	followUps := &callLog{}
	oracle := &stubOracle{
		EstimateSaturationFunc: func(_ context.Context, question string, _ []string, _ []Finding) (float64, error) {
			if Normalize(question) == Normalize(rootQ) {
				return 0.2, nil
			}
			return 0.85, nil
		},
		GenerateFollowUpsFunc: func(_ context.Context, question string, _ []Finding, _ []QuestionType, _ []string) ([]FollowUp, error) {
			followUps.add(question)
			return []FollowUp{{Question: childQ, Type: TypeDetail, Priority: 0.9}}, nil
		},
	}

	ctrl := NewController(ControllerConfig{Store: store, Oracle: oracle})
	tr, err := ctrl.Run(context.Background(), rootQ, runConfig())
	require.NoError(t, err)
	require.Equal(t, TreeCompleted, tr.Status)

	child := store.nodeByQuestion(tr.ID, childQ)
	require.NotNil(t, child)
	assert.Equal(t, NodeCompleted, child.Status)
	assert.InDelta(t, 0.85, child.SaturationScore, 1e-9)

	// Saturation at the threshold halts expansion below the depth limit, and
	// follow-up generation is never even attempted for the saturated node.
	assert.Empty(t, store.nodesAtDepth(tr.ID, 2))
	assert.Equal(t, []string{rootQ}, followUps.list())
}

func TestRun_DuplicateFollowUpCreatedOnce(t *testing.T) {
	rootQ := "Why did Northfield Robotics fold?"
	dupQ := "What caused the funding to stop?"

	store := newMemStore()
	oracle := &stubOracle{
		GenerateFollowUpsFunc: func(_ context.Context, question string, _ []Finding, _ []QuestionType, _ []string) ([]FollowUp, error) {
			switch Normalize(question) {
			case Normalize(rootQ):
				return []FollowUp{
					{Question: "What did the liquidation report say?", Type: TypeDetail, Priority: 0.9},
					{Question: "Who were the main creditors?", Type: TypeDetail, Priority: 0.85},
				}, nil
			case Normalize(dupQ):
				return nil, nil
			default:
				// Both depth-1 branches propose the same follow-up, racing
				// within one batch.
				return []FollowUp{{Question: dupQ, Type: TypePredecessor, Priority: 0.9}}, nil
			}
		},
	}

	ctrl := NewController(ControllerConfig{Store: store, Oracle: oracle})
	tr, err := ctrl.Run(context.Background(), rootQ, runConfig())
	require.NoError(t, err)
	require.Equal(t, TreeCompleted, tr.Status)

	nodes, err := store.TreeNodes(context.Background(), tr.ID)
	require.NoError(t, err)
	assert.Len(t, nodes, 4)

	dupCount := 0
	for _, n := range nodes {
		if Normalize(n.Question) == Normalize(dupQ) {
			dupCount++
			assert.Equal(t, 2, n.Depth)
			assert.Equal(t, NodeCompleted, n.Status)
		}
	}
	assert.Equal(t, 1, dupCount, "duplicate question must become exactly one node")
}

func TestRun_OracleFailureSkipsNodeOnly(t *testing.T) {
	rootQ := "What sank the ferry?"
	failQ := "What did the inquiry conclude?"
	okQ := "Who operated the route?"

	store := newMemStore()
	oracle := &stubOracle{
		SearchFunc: func(_ context.Context, question string) (SearchResult, error) {
			if Normalize(question) == Normalize(failQ) {
				return SearchResult{}, errors.New("oracle unavailable")
			}
			return SearchResult{RawText: "raw text about " + question}, nil
		},
		GenerateFollowUpsFunc: func(_ context.Context, question string, _ []Finding, _ []QuestionType, _ []string) ([]FollowUp, error) {
			if Normalize(question) != Normalize(rootQ) {
				return nil, nil
			}
			return []FollowUp{
				{Question: failQ, Type: TypeDetail, Priority: 0.9},
				{Question: okQ, Type: TypeDetail, Priority: 0.85},
			}, nil
		},
	}

	ctrl := NewController(ControllerConfig{Store: store, Oracle: oracle})
	tr, err := ctrl.Run(context.Background(), rootQ, runConfig())
	require.NoError(t, err)

	// One skipped branch never fails the tree.
	require.Equal(t, TreeCompleted, tr.Status)
	assert.Equal(t, 3, tr.TotalNodes)

	failed := store.nodeByQuestion(tr.ID, failQ)
	require.NotNil(t, failed)
	assert.Equal(t, NodeSkipped, failed.Status)
	assert.Contains(t, failed.SkipReason, "search failed")
	assert.Contains(t, failed.SkipReason, "oracle unavailable")

	ok := store.nodeByQuestion(tr.ID, okQ)
	require.NotNil(t, ok)
	assert.Equal(t, NodeCompleted, ok.Status)
}

func TestRun_SingleNodeBudgetProcessesRoot(t *testing.T) {
	store := newMemStore()
	oracle := eagerOracle(2)

	followUps := &callLog{}
	inner := oracle.GenerateFollowUpsFunc
	oracle.GenerateFollowUpsFunc = func(ctx context.Context, question string, findings []Finding, allowed []QuestionType, asked []string) ([]FollowUp, error) {
		followUps.add(question)
		return inner(ctx, question, findings, allowed, asked)
	}

	ctrl := NewController(ControllerConfig{Store: store, Oracle: oracle})
	cfg := runConfig()
	cfg.MaxNodes = 1
	cfg.DepthLimit = 3

	tr, err := ctrl.Run(context.Background(), "Root only?", cfg)
	require.NoError(t, err)

	// The root still runs to completion even though its slot spent the budget.
	require.Equal(t, TreeCompleted, tr.Status)
	assert.Equal(t, 1, tr.TotalNodes)

	root := store.nodeByQuestion(tr.ID, "Root only?")
	require.NotNil(t, root)
	assert.Equal(t, NodeCompleted, root.Status)
	assert.Empty(t, store.nodesAtDepth(tr.ID, 1))
	assert.Empty(t, followUps.list(), "no follow-ups should be requested once the budget is spent")
}

func TestRun_NodeBudgetCapsTreeSize(t *testing.T) {
	store := newMemStore()
	ctrl := NewController(ControllerConfig{Store: store, Oracle: eagerOracle(3)})

	cfg := runConfig()
	cfg.MaxNodes = 4
	cfg.DepthLimit = 3
	cfg.MaxFollowUpsPerNode = 3

	tr, err := ctrl.Run(context.Background(), "How deep does this go?", cfg)
	require.NoError(t, err)
	require.Equal(t, TreeCompleted, tr.Status)
	assert.Equal(t, 4, tr.TotalNodes)

	nodes, err := store.TreeNodes(context.Background(), tr.ID)
	require.NoError(t, err)
	require.Len(t, nodes, 4)
	for _, n := range nodes {
		assert.Equal(t, NodeCompleted, n.Status, "node %q must reach a terminal state", n.Question)
	}
}

func TestRun_DepthLimitBoundsExpansion(t *testing.T) {
	store := newMemStore()
	oracle := eagerOracle(2)

	followUps := &callLog{}
	inner := oracle.GenerateFollowUpsFunc
	oracle.GenerateFollowUpsFunc = func(ctx context.Context, question string, findings []Finding, allowed []QuestionType, asked []string) ([]FollowUp, error) {
		followUps.add(question)
		return inner(ctx, question, findings, allowed, asked)
	}

	ctrl := NewController(ControllerConfig{Store: store, Oracle: oracle})
	cfg := runConfig()
	cfg.DepthLimit = 1
	cfg.MaxNodes = 50

	tr, err := ctrl.Run(context.Background(), "Where does the trail start?", cfg)
	require.NoError(t, err)
	require.Equal(t, TreeCompleted, tr.Status)

	assert.Len(t, store.nodesAtDepth(tr.ID, 0), 1)
	assert.Len(t, store.nodesAtDepth(tr.ID, 1), 2)
	assert.Empty(t, store.nodesAtDepth(tr.ID, 2))

	// Nodes at the depth limit complete without a follow-up request.
	assert.Len(t, followUps.list(), 1)
}

func TestRun_CancelStopsSchedulingNewBatches(t *testing.T) {
	store := newMemStore()

	var ctrl *Controller
	oracle := eagerOracle(2)
	oracle.ExtractFindingsFunc = func(_ context.Context, question, _ string) ([]Finding, error) {
		// Request cancellation while the root is mid-flight.
		ctrl.Cancel()
		return []Finding{{Content: "finding for " + question, Kind: KindFact, Confidence: 0.9}}, nil
	}

	ctrl = NewController(ControllerConfig{Store: store, Oracle: oracle})
	tr, err := ctrl.Run(context.Background(), "Stop me early?", runConfig())
	require.NoError(t, err)
	require.Equal(t, TreeCancelled, tr.Status)

	// The in-flight root finished; its children were created but never scheduled.
	root := store.nodeByQuestion(tr.ID, "Stop me early?")
	require.NotNil(t, root)
	assert.Equal(t, NodeCompleted, root.Status)
	for _, child := range store.nodesAtDepth(tr.ID, 1) {
		assert.Equal(t, NodePending, child.Status)
	}

	stored := store.onlyTree()
	require.NotNil(t, stored)
	assert.Equal(t, TreeCancelled, stored.Status)
	assert.False(t, ctrl.IsRunning())
}

func TestRun_ContextCancellationMarksTreeCancelled(t *testing.T) {
	store := newMemStore()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	oracle := eagerOracle(2)
	oracle.ExtractFindingsFunc = func(_ context.Context, question, _ string) ([]Finding, error) {
		cancel()
		return []Finding{{Content: "finding for " + question, Kind: KindFact, Confidence: 0.9}}, nil
	}

	ctrl := NewController(ControllerConfig{Store: store, Oracle: oracle})
	tr, err := ctrl.Run(ctx, "Does ctx cancellation drain cleanly?", runConfig())
	require.NoError(t, err)
	assert.Equal(t, TreeCancelled, tr.Status)

	stored := store.onlyTree()
	require.NotNil(t, stored)
	assert.Equal(t, TreeCancelled, stored.Status)
}

func TestRun_ContextDeathStillWritesTerminalNodeState(t *testing.T) {
	store := newMemStore()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The run context dies mid-search, so every store write that follows on
	// that context would fail. Terminal transitions must still land.
	oracle := eagerOracle(2)
	oracle.SearchFunc = func(_ context.Context, question string) (SearchResult, error) {
		cancel()
		return SearchResult{}, fmt.Errorf("search aborted: %w", ctx.Err())
	}

	ctrl := NewController(ControllerConfig{Store: store, Oracle: oracle})
	tr, err := ctrl.Run(ctx, "Does a dead context leave nodes running?", runConfig())
	require.NoError(t, err)
	assert.Equal(t, TreeCancelled, tr.Status)

	nodes, err := store.TreeNodes(context.Background(), tr.ID)
	require.NoError(t, err)
	require.NotEmpty(t, nodes)
	for _, n := range nodes {
		assert.Equal(t, NodeSkipped, n.Status, "node %q must not stay running", n.Question)
		assert.NotEmpty(t, n.SkipReason)
	}
}

func TestRun_RejectsConcurrentRun(t *testing.T) {
	store := newMemStore()

	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	oracle := &stubOracle{
		SearchFunc: func(_ context.Context, question string) (SearchResult, error) {
			once.Do(func() { close(entered) })
			<-release
			return SearchResult{RawText: "raw text about " + question}, nil
		},
	}

	ctrl := NewController(ControllerConfig{Store: store, Oracle: oracle})
	cfg := runConfig()
	cfg.DepthLimit = 0
	cfg.MaxNodes = 1

	errCh := make(chan error, 1)
	go func() {
		_, err := ctrl.Run(context.Background(), "first question", cfg)
		errCh <- err
	}()

	<-entered
	assert.True(t, ctrl.IsRunning())

	_, err := ctrl.Run(context.Background(), "second question", cfg)
	require.ErrorIs(t, err, ErrAlreadyRunning)

	close(release)
	require.NoError(t, <-errCh)
	assert.False(t, ctrl.IsRunning())
}

func TestRun_RootCreationFailureMarksTreeFailed(t *testing.T) {
	store := newMemStore()
	store.createNodeHook = func(*Node) error { return errors.New("disk full") }

	ctrl := NewController(ControllerConfig{Store: store, Oracle: &stubOracle{}})
	tr, err := ctrl.Run(context.Background(), "Will setup fail?", runConfig())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create root node")
	assert.Nil(t, tr)

	stored := store.onlyTree()
	require.NotNil(t, stored)
	assert.Equal(t, TreeFailed, stored.Status)
}

func TestRun_ValidatesInput(t *testing.T) {
	store := newMemStore()
	ctrl := NewController(ControllerConfig{Store: store, Oracle: &stubOracle{}})

	_, err := ctrl.Run(context.Background(), "   ", DefaultConfig())
	require.Error(t, err)

	_, err = ctrl.Run(context.Background(), "q", Config{DepthLimit: -1})
	require.Error(t, err)

	_, err = ctrl.Run(context.Background(), "q", Config{SaturationThreshold: 1.5})
	require.Error(t, err)

	assert.Nil(t, store.onlyTree(), "rejected runs must not create records")
}

func TestRun_AnalyzersAnnotateWithoutAffectingStatus(t *testing.T) {
	store := newMemStore()

	analyzers := []Analyzer{
		&stubAnalyzer{name: "financial_trail", fn: func(_ context.Context, _ string, _ []Finding) (string, error) {
			return "flagged 2 transactions", nil
		}},
		&stubAnalyzer{name: "causal_links", fn: func(_ context.Context, _ string, _ []Finding) (string, error) {
			return "", errors.New("model overloaded")
		}},
	}

	ctrl := NewController(ControllerConfig{Store: store, Oracle: &stubOracle{}, Analyzers: analyzers})
	cfg := runConfig()
	cfg.DepthLimit = 0

	tr, err := ctrl.Run(context.Background(), "Annotate me?", cfg)
	require.NoError(t, err)
	require.Equal(t, TreeCompleted, tr.Status)

	root := store.nodeByQuestion(tr.ID, "Annotate me?")
	require.NotNil(t, root)
	assert.Equal(t, NodeCompleted, root.Status, "analyzer failure must not affect the node")

	anns, err := store.TreeAnnotations(context.Background(), tr.ID)
	require.NoError(t, err)
	require.Len(t, anns, 1)
	assert.Equal(t, "financial_trail", anns[0].Analyzer)
	assert.Equal(t, "flagged 2 transactions", anns[0].Summary)
}

func TestRun_ProgressSnapshots(t *testing.T) {
	store := newMemStore()
	oracle := &stubOracle{
		GenerateFollowUpsFunc: func(_ context.Context, question string, _ []Finding, _ []QuestionType, _ []string) ([]FollowUp, error) {
			if Normalize(question) != Normalize("Watch my progress?") {
				return nil, nil
			}
			return []FollowUp{
				{Question: "First branch?", Type: TypeDetail, Priority: 0.9},
				{Question: "Second branch?", Type: TypeDetail, Priority: 0.8},
			}, nil
		},
	}

	var snaps []Progress
	ctrl := NewController(ControllerConfig{
		Store:      store,
		Oracle:     oracle,
		OnProgress: func(p Progress) { snaps = append(snaps, p) },
	})

	cfg := runConfig()
	cfg.DepthLimit = 1
	cfg.ParallelNodes = 1

	tr, err := ctrl.Run(context.Background(), "Watch my progress?", cfg)
	require.NoError(t, err)
	require.Equal(t, TreeCompleted, tr.Status)

	// One snapshot per batch (root, then each child alone) plus the terminal one.
	require.Len(t, snaps, 4)

	first := snaps[0]
	assert.Equal(t, TreeRunning, first.Status)
	assert.Equal(t, 3, first.TotalNodes)
	assert.Equal(t, 1, first.CompletedNodes)
	assert.Equal(t, 2, first.PendingNodes)

	last := snaps[len(snaps)-1]
	assert.Equal(t, TreeCompleted, last.Status)
	assert.Equal(t, 3, last.TotalNodes)
	assert.Equal(t, 3, last.CompletedNodes)
	assert.InDelta(t, 100.0, last.Percent, 1e-9)
}

type fakeUsage struct {
	tokens int64
	cost   float64
}

func (u fakeUsage) TreeUsage(string) (int64, float64) { return u.tokens, u.cost }

func TestRun_UsageTotalsOnTree(t *testing.T) {
	store := newMemStore()
	ctrl := NewController(ControllerConfig{
		Store:  store,
		Oracle: &stubOracle{},
		Usage:  fakeUsage{tokens: 1234, cost: 0.05},
	})

	cfg := runConfig()
	cfg.DepthLimit = 0

	tr, err := ctrl.Run(context.Background(), "How much did this cost?", cfg)
	require.NoError(t, err)
	assert.Equal(t, int64(1234), tr.TokensUsed)
	assert.InDelta(t, 0.05, tr.EstimatedCost, 1e-9)
}
