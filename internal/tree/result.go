package tree

import (
	"context"
	"fmt"

	"deepnerd/internal/logging"
)

// TreeResult is the complete outcome of a finished tree: terminal record,
// node set, findings, tree-level key insights, reasoning chains, and
// analyzer annotations.
type TreeResult struct {
	Tree        *Tree            `json:"tree"`
	Nodes       []*Node          `json:"nodes"`
	Findings    []Finding        `json:"findings"`
	KeyInsights []string         `json:"key_insights,omitempty"`
	Chains      []ReasoningChain `json:"reasoning_chains,omitempty"`
	Annotations []Annotation     `json:"annotations,omitempty"`
}

// ResultBuilder assembles TreeResults after completion.
type ResultBuilder struct {
	store  Store
	oracle Oracle
}

// NewResultBuilder creates a result builder. The oracle may be nil, in which
// case no key insights are produced.
func NewResultBuilder(store Store, oracle Oracle) *ResultBuilder {
	return &ResultBuilder{store: store, oracle: oracle}
}

// Build loads everything recorded for a tree and derives chains plus key
// insights. Summarization is a convenience aggregation: its failure degrades
// to an empty insight list and is logged, never returned.
func (b *ResultBuilder) Build(ctx context.Context, treeID string, maxChains int) (*TreeResult, error) {
	t, err := b.store.GetTree(ctx, treeID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tree: %w", err)
	}
	nodes, err := b.store.TreeNodes(ctx, treeID)
	if err != nil {
		return nil, fmt.Errorf("failed to load nodes: %w", err)
	}
	findings, err := b.store.TreeFindings(ctx, treeID)
	if err != nil {
		return nil, fmt.Errorf("failed to load findings: %w", err)
	}
	annotations, err := b.store.TreeAnnotations(ctx, treeID)
	if err != nil {
		logging.ControllerWarn("failed to load annotations for %s: %v", treeID, err)
		annotations = nil
	}

	result := &TreeResult{
		Tree:        t,
		Nodes:       nodes,
		Findings:    findings,
		Chains:      BuildChains(nodes, maxChains),
		Annotations: annotations,
	}

	if b.oracle != nil && len(findings) > 0 {
		insights, err := b.oracle.Summarize(ctx, t.RootQuestion, findings)
		if err != nil {
			logging.ControllerWarn("insight summarization failed for %s: %v", treeID, err)
		} else {
			result.KeyInsights = insights
		}
	}

	return result, nil
}
