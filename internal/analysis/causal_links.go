package analysis

import (
	"context"
	"fmt"

	"deepnerd/internal/tree"
)

const causalSystemPrompt = `You are an investigative analyst mapping cause and effect.
Given research findings, identify the causal relationships among the events they describe: what enabled, triggered, or resulted from what.

Rules:
- Connect only events the findings actually state. Never infer causes the text does not support.
- Mention the evidence strength when a link rests on a single claim.
- Write a compact summary of 2-4 sentences, no preamble.
- If the findings describe fewer than two connected events, reply with exactly NONE.`

// CausalLinks annotates nodes whose findings describe connected events with
// a short cause-and-effect reading.
type CausalLinks struct {
	client Client
}

var _ tree.Analyzer = (*CausalLinks)(nil)

func NewCausalLinks(client Client) *CausalLinks {
	return &CausalLinks{client: client}
}

func (a *CausalLinks) Name() string { return "causal_links" }

func (a *CausalLinks) Analyze(ctx context.Context, nodeID string, findings []tree.Finding) (string, error) {
	// A single finding cannot link to anything.
	if len(findings) < 2 {
		return "", nil
	}

	user := fmt.Sprintf("Findings:\n%s\nMap the causal links:", findingsDigest(findings))
	resp, err := a.client.Complete(ctx, causalSystemPrompt, user)
	if err != nil {
		return "", fmt.Errorf("causal links completion failed: %w", err)
	}
	return cleanSummary(resp), nil
}
