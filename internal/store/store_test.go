package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deepnerd/internal/tree"
)

func newTestStore(t *testing.T) *KnowledgeStore {
	t.Helper()
	s, err := NewKnowledgeStore(filepath.Join(t.TempDir(), "knowledge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedTree(t *testing.T, s *KnowledgeStore, id, workspace string) *tree.Tree {
	t.Helper()
	tr := &tree.Tree{
		ID:           id,
		RootQuestion: "What happened to the Meridian fund?",
		Workspace:    workspace,
		Config:       tree.DefaultConfig(),
		Status:       tree.TreeRunning,
		CreatedAt:    time.Now(),
	}
	require.NoError(t, s.CreateTree(context.Background(), tr))
	return tr
}

func seedNode(t *testing.T, s *KnowledgeStore, treeID, id, question string, depth int) *tree.Node {
	t.Helper()
	n := &tree.Node{
		ID:           id,
		TreeID:       treeID,
		Question:     question,
		QuestionType: tree.TypeDetail,
		Depth:        depth,
		Status:       tree.NodePending,
		CreatedAt:    time.Now(),
	}
	require.NoError(t, s.CreateNode(context.Background(), n))
	return n
}

func TestKnowledgeStore_TreeRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cfg := tree.Config{
		DepthLimit:           2,
		MaxNodes:             15,
		ParallelNodes:        4,
		SaturationThreshold:  0.75,
		AllowedFollowUpTypes: []tree.QuestionType{tree.TypeDetail, tree.TypeFinancial},
		MaxFollowUpsPerNode:  2,
		MinPriorityScore:     0.6,
	}
	created := time.Now()
	tr := &tree.Tree{
		ID:           "t-round",
		RootQuestion: "Where did the venture funding go?",
		Workspace:    "case-files",
		Config:       cfg,
		Status:       tree.TreeRunning,
		CreatedAt:    created,
	}
	require.NoError(t, s.CreateTree(ctx, tr))

	got, err := s.GetTree(ctx, "t-round")
	require.NoError(t, err)
	assert.Equal(t, tr.RootQuestion, got.RootQuestion)
	assert.Equal(t, "case-files", got.Workspace)
	assert.Equal(t, cfg, got.Config)
	assert.Equal(t, tree.TreeRunning, got.Status)
	assert.WithinDuration(t, created, got.CreatedAt, time.Second)
	assert.True(t, got.CompletedAt.IsZero(), "unfinished tree should have zero completion time")

	tr.Status = tree.TreeCompleted
	tr.TotalNodes = 7
	tr.TokensUsed = 4321
	tr.EstimatedCost = 0.021
	tr.Duration = 90 * time.Second
	tr.CompletedAt = created.Add(90 * time.Second)
	require.NoError(t, s.UpdateTree(ctx, tr))

	got, err = s.GetTree(ctx, "t-round")
	require.NoError(t, err)
	assert.Equal(t, tree.TreeCompleted, got.Status)
	assert.Equal(t, 7, got.TotalNodes)
	assert.Equal(t, int64(4321), got.TokensUsed)
	assert.InDelta(t, 0.021, got.EstimatedCost, 1e-9)
	assert.Equal(t, 90*time.Second, got.Duration)
	assert.WithinDuration(t, tr.CompletedAt, got.CompletedAt, time.Second)
}

func TestKnowledgeStore_GetTreeNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetTree(context.Background(), "no-such-tree")
	require.ErrorIs(t, err, tree.ErrTreeNotFound)
}

func TestKnowledgeStore_UpdateTreeNotFound(t *testing.T) {
	s := newTestStore(t)

	err := s.UpdateTree(context.Background(), &tree.Tree{ID: "ghost", Status: tree.TreeCompleted})
	require.ErrorIs(t, err, tree.ErrTreeNotFound)
}

func TestKnowledgeStore_ListTreesFiltersWorkspace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedTree(t, s, "t1", "alpha")
	seedTree(t, s, "t2", "alpha")
	seedTree(t, s, "t3", "beta")

	alpha, err := s.ListTrees(ctx, "alpha", 10)
	require.NoError(t, err)
	require.Len(t, alpha, 2)
	for _, tr := range alpha {
		assert.Equal(t, "alpha", tr.Workspace)
	}

	all, err := s.ListTrees(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	capped, err := s.ListTrees(ctx, "", 2)
	require.NoError(t, err)
	assert.Len(t, capped, 2)
}

func TestKnowledgeStore_NodeRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTree(t, s, "t1", "alpha")

	created := time.Now()
	n := &tree.Node{
		ID:           "n1",
		TreeID:       "t1",
		ParentID:     "",
		Question:     "Who signed the transfer order?",
		QuestionType: tree.TypeVerification,
		Depth:        0,
		Status:       tree.NodePending,
		CreatedAt:    created,
	}
	require.NoError(t, s.CreateNode(ctx, n))

	nodes, err := s.TreeNodes(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	got := nodes[0]
	assert.Equal(t, "n1", got.ID)
	assert.Equal(t, n.Question, got.Question)
	assert.Equal(t, tree.TypeVerification, got.QuestionType)
	assert.Equal(t, tree.NodePending, got.Status)
	assert.Empty(t, got.Sources)
	assert.WithinDuration(t, created, got.CreatedAt, time.Second)

	n.Status = tree.NodeCompleted
	n.SaturationScore = 0.4
	n.FindingsCount = 3
	n.NewEntities = 2
	n.Sources = []string{"https://example.test/a", "https://example.test/b"}
	n.Duration = 1500 * time.Millisecond
	require.NoError(t, s.UpdateNode(ctx, n))

	nodes, err = s.TreeNodes(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	got = nodes[0]
	assert.Equal(t, tree.NodeCompleted, got.Status)
	assert.InDelta(t, 0.4, got.SaturationScore, 1e-9)
	assert.Equal(t, 3, got.FindingsCount)
	assert.Equal(t, 2, got.NewEntities)
	assert.Equal(t, n.Sources, got.Sources)
	assert.Equal(t, 1500*time.Millisecond, got.Duration)
}

func TestKnowledgeStore_UpdateNodeNotFound(t *testing.T) {
	s := newTestStore(t)
	seedTree(t, s, "t1", "alpha")

	err := s.UpdateNode(context.Background(), &tree.Node{ID: "ghost", TreeID: "t1"})
	require.ErrorIs(t, err, tree.ErrNodeNotFound)
}

func TestKnowledgeStore_DuplicateQuestionRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTree(t, s, "t1", "alpha")
	seedTree(t, s, "t2", "alpha")

	seedNode(t, s, "t1", "n1", "Where did the money go?", 0)

	// Same question modulo case and outer whitespace collides within the tree.
	dup := &tree.Node{
		ID:           "n2",
		TreeID:       "t1",
		Question:     "  where DID the money go?  ",
		QuestionType: tree.TypeDetail,
		Depth:        1,
		Status:       tree.NodePending,
		CreatedAt:    time.Now(),
	}
	err := s.CreateNode(ctx, dup)
	require.ErrorIs(t, err, tree.ErrDuplicateQuestion)

	// The same question is fine in another tree.
	other := &tree.Node{
		ID:           "n3",
		TreeID:       "t2",
		Question:     "Where did the money go?",
		QuestionType: tree.TypeDetail,
		Depth:        0,
		Status:       tree.NodePending,
		CreatedAt:    time.Now(),
	}
	require.NoError(t, s.CreateNode(ctx, other))

	count, err := s.CountNodes(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestKnowledgeStore_ConcurrentDuplicateSingleWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTree(t, s, "t1", "alpha")

	const attempts = 10
	errs := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- s.CreateNode(ctx, &tree.Node{
				ID:           fmt.Sprintf("n-%d", i),
				TreeID:       "t1",
				Question:     "Did the board approve the merger?",
				QuestionType: tree.TypeVerification,
				Depth:        1,
				Status:       tree.NodePending,
				CreatedAt:    time.Now(),
			})
		}(i)
	}
	wg.Wait()
	close(errs)

	var wins, dups int
	for err := range errs {
		switch {
		case err == nil:
			wins++
		default:
			require.ErrorIs(t, err, tree.ErrDuplicateQuestion)
			dups++
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, attempts-1, dups)
}

func TestKnowledgeStore_PendingNodesFiltersDepthAndStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTree(t, s, "t1", "alpha")

	seedNode(t, s, "t1", "root", "Root question?", 0)
	first := seedNode(t, s, "t1", "d1-a", "First branch?", 1)
	second := seedNode(t, s, "t1", "d1-b", "Second branch?", 1)
	done := seedNode(t, s, "t1", "d1-c", "Already handled?", 1)
	seedNode(t, s, "t1", "d2-a", "Deeper question?", 2)

	done.Status = tree.NodeCompleted
	require.NoError(t, s.UpdateNode(ctx, done))

	pending, err := s.PendingNodes(ctx, "t1", 1)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID)
	assert.Equal(t, second.ID, pending[1].ID)

	count, err := s.CountNodes(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 5, count)
}

func TestKnowledgeStore_FindingsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTree(t, s, "t1", "alpha")
	seedNode(t, s, "t1", "n1", "Root question?", 0)
	seedNode(t, s, "t1", "n2", "Child question?", 1)

	require.NoError(t, s.SaveFindings(ctx, "n1", []tree.Finding{
		{
			Content:          "The fund moved 2M through a Zurich holding company.",
			Kind:             tree.KindFact,
			Confidence:       0.9,
			EvidenceStrength: "strong",
			Entities:         []string{"Zurich Holding AG"},
			TemporalAnchor:   "2021-03",
		},
	}))
	require.NoError(t, s.SaveFindings(ctx, "n2", []tree.Finding{
		{Content: "The transfer was approved by two directors.", Kind: tree.KindEvent, Confidence: 0.7},
	}))

	// Empty slices are a no-op, not an error.
	require.NoError(t, s.SaveFindings(ctx, "n1", nil))

	findings, err := s.TreeFindings(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, findings, 2)

	assert.NotEmpty(t, findings[0].ID, "missing ids are assigned on save")
	assert.Equal(t, "n1", findings[0].NodeID)
	assert.Equal(t, tree.KindFact, findings[0].Kind)
	assert.InDelta(t, 0.9, findings[0].Confidence, 1e-9)
	assert.Equal(t, "strong", findings[0].EvidenceStrength)
	assert.Equal(t, []string{"Zurich Holding AG"}, findings[0].Entities)
	assert.Equal(t, "2021-03", findings[0].TemporalAnchor)

	assert.Equal(t, "n2", findings[1].NodeID)
	assert.Equal(t, tree.KindEvent, findings[1].Kind)
	assert.Empty(t, findings[1].Entities)
}

func TestKnowledgeStore_PriorKnowledgeRanksByKeywordOverlap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedTree(t, s, "t1", "alpha")
	seedNode(t, s, "t1", "n1", "Root question?", 0)
	seedTree(t, s, "t2", "beta")
	seedNode(t, s, "t2", "m1", "Other root?", 0)

	require.NoError(t, s.SaveFindings(ctx, "n1", []tree.Finding{
		{Content: "The Meridian project received venture funding in 2021.", Kind: tree.KindFact, Confidence: 0.9},
		{Content: "Meridian opened a subsidiary in Zurich.", Kind: tree.KindFact, Confidence: 0.8},
		{Content: "The weather in Lisbon was mild.", Kind: tree.KindFact, Confidence: 0.5},
	}))
	require.NoError(t, s.SaveFindings(ctx, "m1", []tree.Finding{
		{Content: "Meridian project funding doubled after the audit.", Kind: tree.KindFact, Confidence: 0.9},
	}))

	snippets, err := s.PriorKnowledge(ctx, "alpha", "What venture funding did the Meridian project receive in 2021?", 5)
	require.NoError(t, err)
	require.Len(t, snippets, 2, "unrelated and other-workspace findings stay out")
	assert.Equal(t, "The Meridian project received venture funding in 2021.", snippets[0])
	assert.Equal(t, "Meridian opened a subsidiary in Zurich.", snippets[1])

	capped, err := s.PriorKnowledge(ctx, "alpha", "What venture funding did the Meridian project receive in 2021?", 1)
	require.NoError(t, err)
	require.Len(t, capped, 1)
	assert.Equal(t, snippets[0], capped[0])
}

func TestKnowledgeStore_PriorKnowledgeNoKeywords(t *testing.T) {
	s := newTestStore(t)

	snippets, err := s.PriorKnowledge(context.Background(), "alpha", "Who did what?", 5)
	require.NoError(t, err)
	assert.Empty(t, snippets)
}

func TestKnowledgeStore_Annotations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTree(t, s, "t1", "alpha")
	seedNode(t, s, "t1", "n1", "Root question?", 0)
	seedNode(t, s, "t1", "n2", "Child question?", 1)

	require.NoError(t, s.SaveAnnotation(ctx, "n1", "financial_trail", "flagged 2 transactions"))
	require.NoError(t, s.SaveAnnotation(ctx, "n2", "causal_links", "linked transfer to approval"))

	annotations, err := s.TreeAnnotations(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, annotations, 2)
	assert.Equal(t, "n1", annotations[0].NodeID)
	assert.Equal(t, "financial_trail", annotations[0].Analyzer)
	assert.Equal(t, "flagged 2 transactions", annotations[0].Summary)
	assert.False(t, annotations[0].CreatedAt.IsZero())
	assert.Equal(t, "causal_links", annotations[1].Analyzer)
}

func TestQueryKeywords(t *testing.T) {
	tests := []struct {
		name     string
		question string
		want     []string
	}{
		{
			name:     "drops stopwords and short words",
			question: "What did the Meridian fund do in 2021?",
			want:     []string{"meridian", "fund", "2021"},
		},
		{
			name:     "dedupes repeated words",
			question: "funding funding FUNDING",
			want:     []string{"funding"},
		},
		{
			name:     "strips punctuation",
			question: "Who approved (the) \"transfer\"?",
			want:     []string{"approved", "transfer"},
		},
		{
			name:     "stopwords only",
			question: "who did what and when?",
			want:     nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, queryKeywords(tt.question))
		})
	}
}
