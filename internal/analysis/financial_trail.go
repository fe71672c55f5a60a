package analysis

import (
	"context"
	"fmt"
	"regexp"

	"deepnerd/internal/tree"
)

const financialSystemPrompt = `You are a forensic financial analyst assisting an investigation.
Given research findings, trace the flow of money they describe: who paid, who received, how much, when, and through which intermediaries.

Rules:
- Use only amounts, parties, and dates stated in the findings. Never invent figures.
- Name the direction of every transfer explicitly (payer to payee).
- Flag round-trip or layered transfers if the findings suggest them.
- Write a compact summary of 2-4 sentences, no preamble.
- If the findings describe no money movement at all, reply with exactly NONE.`

// moneyPattern is a cheap lexical gate so nodes without financial content
// never cost a model call.
var moneyPattern = regexp.MustCompile(`(?i)[$€£¥]|\b(usd|eur|gbp|chf)\b|\b\d+(\.\d+)?\s*(million|billion|bn|k)\b|\b(paid|payment|payout|salary|fee|funded|funding|invested|investment|transfer|transferred|wire|wired|loan|deposit|acquisition|acquired|settlement|donated|donation)\b`)

// FinancialTrail annotates nodes whose findings describe money movement
// with a short reconstruction of the trail.
type FinancialTrail struct {
	client Client
}

var _ tree.Analyzer = (*FinancialTrail)(nil)

func NewFinancialTrail(client Client) *FinancialTrail {
	return &FinancialTrail{client: client}
}

func (a *FinancialTrail) Name() string { return "financial_trail" }

func (a *FinancialTrail) Analyze(ctx context.Context, nodeID string, findings []tree.Finding) (string, error) {
	if !hasFinancialSignal(findings) {
		return "", nil
	}

	user := fmt.Sprintf("Findings:\n%s\nTrace the money flow:", findingsDigest(findings))
	resp, err := a.client.Complete(ctx, financialSystemPrompt, user)
	if err != nil {
		return "", fmt.Errorf("financial trail completion failed: %w", err)
	}
	return cleanSummary(resp), nil
}

func hasFinancialSignal(findings []tree.Finding) bool {
	for _, f := range findings {
		if moneyPattern.MatchString(f.Content) {
			return true
		}
	}
	return false
}
