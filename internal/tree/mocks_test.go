package tree

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// --- stubOracle ---

// stubOracle implements Oracle with overridable function fields. Defaults:
// every question yields raw text plus one finding, saturation 0, no
// follow-ups, no insights.
type stubOracle struct {
	SearchFunc             func(ctx context.Context, question string) (SearchResult, error)
	ExtractFindingsFunc    func(ctx context.Context, question, rawText string) ([]Finding, error)
	EstimateSaturationFunc func(ctx context.Context, question string, prior []string, findings []Finding) (float64, error)
	GenerateFollowUpsFunc  func(ctx context.Context, question string, findings []Finding, allowed []QuestionType, asked []string) ([]FollowUp, error)
	SummarizeFunc          func(ctx context.Context, rootQuestion string, findings []Finding) ([]string, error)
}

func (o *stubOracle) Search(ctx context.Context, question string) (SearchResult, error) {
	if o.SearchFunc != nil {
		return o.SearchFunc(ctx, question)
	}
	return SearchResult{
		RawText: "raw text about " + question,
		Sources: []string{"https://example.test/source"},
	}, nil
}

func (o *stubOracle) ExtractFindings(ctx context.Context, question, rawText string) ([]Finding, error) {
	if o.ExtractFindingsFunc != nil {
		return o.ExtractFindingsFunc(ctx, question, rawText)
	}
	return []Finding{{
		Content:          "finding for " + question,
		Kind:             KindFact,
		Confidence:       0.9,
		EvidenceStrength: "moderate",
		Entities:         []string{"Entity A"},
	}}, nil
}

func (o *stubOracle) EstimateSaturation(ctx context.Context, question string, prior []string, findings []Finding) (float64, error) {
	if o.EstimateSaturationFunc != nil {
		return o.EstimateSaturationFunc(ctx, question, prior, findings)
	}
	return 0, nil
}

func (o *stubOracle) GenerateFollowUps(ctx context.Context, question string, findings []Finding, allowed []QuestionType, asked []string) ([]FollowUp, error) {
	if o.GenerateFollowUpsFunc != nil {
		return o.GenerateFollowUpsFunc(ctx, question, findings, allowed, asked)
	}
	return nil, nil
}

func (o *stubOracle) Summarize(ctx context.Context, rootQuestion string, findings []Finding) ([]string, error) {
	if o.SummarizeFunc != nil {
		return o.SummarizeFunc(ctx, rootQuestion, findings)
	}
	return nil, nil
}

// --- stubAnalyzer ---

type stubAnalyzer struct {
	name string
	fn   func(ctx context.Context, nodeID string, findings []Finding) (string, error)
}

func (a *stubAnalyzer) Name() string { return a.name }

func (a *stubAnalyzer) Analyze(ctx context.Context, nodeID string, findings []Finding) (string, error) {
	if a.fn != nil {
		return a.fn(ctx, nodeID, findings)
	}
	return "", nil
}

// --- memStore ---

// memStore is an in-memory Store with the same per-tree question uniqueness
// discipline as the SQLite implementation. Safe for concurrent workers.
type memStore struct {
	mu          sync.Mutex
	trees       map[string]*Tree
	nodes       map[string]*Node
	order       []string // node insertion order, for deterministic reads
	findings    map[string][]Finding
	annotations []Annotation
	asked       map[string]map[string]bool // treeID -> normalized questions
	prior       []string

	createNodeHook func(n *Node) error
	updateNodeHook func(n *Node) error
}

func newMemStore() *memStore {
	return &memStore{
		trees:    make(map[string]*Tree),
		nodes:    make(map[string]*Node),
		findings: make(map[string][]Finding),
		asked:    make(map[string]map[string]bool),
	}
}

func (s *memStore) CreateTree(ctx context.Context, t *Tree) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.trees[t.ID] = &cp
	s.asked[t.ID] = make(map[string]bool)
	return nil
}

func (s *memStore) UpdateTree(ctx context.Context, t *Tree) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.trees[t.ID]; !ok {
		return ErrTreeNotFound
	}
	cp := *t
	s.trees[t.ID] = &cp
	return nil
}

func (s *memStore) GetTree(ctx context.Context, treeID string) (*Tree, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trees[treeID]
	if !ok {
		return nil, ErrTreeNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *memStore) CreateNode(ctx context.Context, n *Node) error {
	if s.createNodeHook != nil {
		if err := s.createNodeHook(n); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := Normalize(n.Question)
	if s.asked[n.TreeID][key] {
		return fmt.Errorf("insert node: %w", ErrDuplicateQuestion)
	}
	if s.asked[n.TreeID] == nil {
		s.asked[n.TreeID] = make(map[string]bool)
	}
	s.asked[n.TreeID][key] = true

	cp := *n
	s.nodes[n.ID] = &cp
	s.order = append(s.order, n.ID)
	return nil
}

func (s *memStore) UpdateNode(ctx context.Context, n *Node) error {
	// Writes fail on a dead context, like the SQLite store's do.
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.updateNodeHook != nil {
		if err := s.updateNodeHook(n); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[n.ID]; !ok {
		return ErrNodeNotFound
	}
	cp := *n
	s.nodes[n.ID] = &cp
	return nil
}

func (s *memStore) PendingNodes(ctx context.Context, treeID string, depth int) ([]*Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Node
	for _, id := range s.order {
		n := s.nodes[id]
		if n.TreeID == treeID && n.Depth == depth && n.Status == NodePending {
			cp := *n
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) TreeNodes(ctx context.Context, treeID string) ([]*Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Node
	for _, id := range s.order {
		n := s.nodes[id]
		if n.TreeID == treeID {
			cp := *n
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) CountNodes(ctx context.Context, treeID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, n := range s.nodes {
		if n.TreeID == treeID {
			count++
		}
	}
	return count, nil
}

func (s *memStore) SaveFindings(ctx context.Context, nodeID string, findings []Finding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range findings {
		f.ID = uuid.NewString()
		f.NodeID = nodeID
		s.findings[nodeID] = append(s.findings[nodeID], f)
	}
	return nil
}

func (s *memStore) TreeFindings(ctx context.Context, treeID string) ([]Finding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Finding
	for _, id := range s.order {
		n := s.nodes[id]
		if n.TreeID == treeID {
			out = append(out, s.findings[id]...)
		}
	}
	return out, nil
}

func (s *memStore) PriorKnowledge(ctx context.Context, workspace, question string, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit > 0 && len(s.prior) > limit {
		return append([]string(nil), s.prior[:limit]...), nil
	}
	return append([]string(nil), s.prior...), nil
}

func (s *memStore) SaveAnnotation(ctx context.Context, nodeID, analyzer, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.annotations = append(s.annotations, Annotation{NodeID: nodeID, Analyzer: analyzer, Summary: summary})
	return nil
}

func (s *memStore) TreeAnnotations(ctx context.Context, treeID string) ([]Annotation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Annotation
	for _, a := range s.annotations {
		if n, ok := s.nodes[a.NodeID]; ok && n.TreeID == treeID {
			out = append(out, a)
		}
	}
	return out, nil
}

// --- test helpers ---

// onlyTree returns the single tree in the store.
func (s *memStore) onlyTree() *Tree {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.trees {
		cp := *t
		return &cp
	}
	return nil
}

func (s *memStore) nodesAtDepth(treeID string, depth int) []*Node {
	nodes, _ := s.TreeNodes(context.Background(), treeID)
	var out []*Node
	for _, n := range nodes {
		if n.Depth == depth {
			out = append(out, n)
		}
	}
	return out
}

func (s *memStore) nodeByQuestion(treeID, question string) *Node {
	nodes, _ := s.TreeNodes(context.Background(), treeID)
	key := Normalize(question)
	for _, n := range nodes {
		if Normalize(n.Question) == key {
			return n
		}
	}
	return nil
}
