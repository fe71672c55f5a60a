package tree

import (
	"context"
	"fmt"
	"strings"
)

// SaturationEstimator scores how much of a question's answer space is already
// covered by prior knowledge. The score is the sole gate (besides the depth
// limit) on whether a node may spawn children.
type SaturationEstimator struct {
	oracle Oracle
}

// NewSaturationEstimator creates an estimator backed by the given oracle.
func NewSaturationEstimator(oracle Oracle) *SaturationEstimator {
	return &SaturationEstimator{oracle: oracle}
}

// Estimate returns a redundancy score in [0,1]: 0 means the findings are
// entirely novel, 1 means they are fully redundant with prior knowledge.
// With no prior knowledge there is nothing to be saturated against, so the
// score is 0 and the oracle is not consulted.
func (e *SaturationEstimator) Estimate(ctx context.Context, question string, priorKnowledge []string, findings []Finding) (float64, error) {
	if len(priorKnowledge) == 0 {
		return 0, nil
	}

	score, err := e.oracle.EstimateSaturation(ctx, question, priorKnowledge, findings)
	if err != nil {
		return 0, fmt.Errorf("failed to estimate saturation: %w", err)
	}

	return clamp01(score), nil
}

// LexicalEstimate is a model-free redundancy score: the average fraction of
// each finding's keywords already present in the prior-knowledge keyword set.
// Oracle implementations use it as a fallback when a model response cannot be
// parsed into a numeric score.
func LexicalEstimate(priorKnowledge []string, findings []Finding) float64 {
	if len(priorKnowledge) == 0 || len(findings) == 0 {
		return 0
	}

	priorKeywords := extractKeywords(strings.ToLower(strings.Join(priorKnowledge, " ")))
	if len(priorKeywords) == 0 {
		return 0
	}

	total := 0.0
	scored := 0
	for _, f := range findings {
		keywords := extractKeywords(strings.ToLower(f.Content))
		if len(keywords) == 0 {
			continue
		}
		covered := 0
		for kw := range keywords {
			if priorKeywords[kw] {
				covered++
			}
		}
		total += float64(covered) / float64(len(keywords))
		scored++
	}

	if scored == 0 {
		return 0
	}
	return clamp01(total / float64(scored))
}

// extractKeywords extracts meaningful keywords from text (3+ chars, no stopwords).
func extractKeywords(text string) map[string]bool {
	keywords := make(map[string]bool)
	stopwords := map[string]bool{
		"the": true, "and": true, "for": true, "with": true, "this": true,
		"that": true, "from": true, "are": true, "was": true, "were": true,
		"been": true, "have": true, "has": true, "had": true, "will": true,
		"would": true, "could": true, "should": true, "may": true, "might": true,
		"can": true, "not": true, "but": true, "all": true, "any": true,
		"how": true, "when": true, "where": true, "what": true, "which": true,
		"who": true, "whom": true, "why": true, "its": true, "into": true,
		"about": true, "after": true, "before": true, "during": true,
	}

	words := strings.FieldsFunc(text, func(r rune) bool {
		return !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'))
	})

	for _, word := range words {
		if len(word) >= 3 && !stopwords[word] {
			keywords[word] = true
		}
	}

	return keywords
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
