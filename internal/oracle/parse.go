package oracle

import (
	"encoding/json"
	"errors"
	"strings"

	"deepnerd/internal/tree"
)

var (
	errEmptyResponse = errors.New("empty response")
	errMissingJSON   = errors.New("no JSON payload in response")
)

// extractJSONPayload pulls the first JSON object or array out of model
// output. Handles markdown code fences and surrounding prose; JSON mode
// usually makes this a pass-through, but models drift.
func extractJSONPayload(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", errEmptyResponse
	}

	candidate := trimmed
	if strings.HasPrefix(trimmed, "```") {
		end := strings.Index(trimmed[3:], "```")
		if end != -1 {
			content := trimmed[3 : 3+end]
			// Drop the language tag line if present.
			if idx := strings.Index(content, "\n"); idx != -1 {
				content = content[idx+1:]
			}
			candidate = strings.TrimSpace(content)
		}
	}

	if payload, ok := findJSONValue(candidate); ok {
		return payload, nil
	}
	if payload, ok := findJSONValue(trimmed); ok {
		return payload, nil
	}
	return "", errMissingJSON
}

// findJSONValue scans for the first balanced top-level object or array,
// ignoring brackets inside string literals.
func findJSONValue(input string) (string, bool) {
	start := -1
	var opener, closer byte
	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(input); i++ {
		ch := input[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		if start == -1 {
			if ch == '{' {
				start, opener, closer = i, '{', '}'
				depth = 1
			} else if ch == '[' {
				start, opener, closer = i, '[', ']'
				depth = 1
			}
			continue
		}
		switch ch {
		case opener:
			depth++
		case closer:
			depth--
			if depth == 0 {
				return input[start : i+1], true
			}
		}
	}
	return "", false
}

type findingPayload struct {
	Content          string   `json:"content"`
	Kind             string   `json:"kind"`
	Confidence       float64  `json:"confidence"`
	EvidenceStrength string   `json:"evidence_strength"`
	Entities         []string `json:"entities"`
	TemporalAnchor   string   `json:"temporal_anchor"`
}

// parseFindings reads the extraction response: a JSON array of findings,
// optionally wrapped in a {"findings": [...]} envelope.
func parseFindings(raw string) ([]tree.Finding, error) {
	payload, err := extractJSONPayload(raw)
	if err != nil {
		return nil, err
	}

	var items []findingPayload
	if err := json.Unmarshal([]byte(payload), &items); err != nil {
		var envelope struct {
			Findings []findingPayload `json:"findings"`
		}
		if err2 := json.Unmarshal([]byte(payload), &envelope); err2 != nil {
			return nil, err
		}
		items = envelope.Findings
	}

	findings := make([]tree.Finding, 0, len(items))
	for _, item := range items {
		content := strings.TrimSpace(item.Content)
		if content == "" {
			continue
		}
		findings = append(findings, tree.Finding{
			Content:          content,
			Kind:             normalizeKind(item.Kind),
			Confidence:       clamp01(item.Confidence),
			EvidenceStrength: strings.ToLower(strings.TrimSpace(item.EvidenceStrength)),
			Entities:         item.Entities,
			TemporalAnchor:   strings.TrimSpace(item.TemporalAnchor),
		})
	}
	return findings, nil
}

type followUpPayload struct {
	Question  string  `json:"question"`
	Type      string  `json:"type"`
	Priority  float64 `json:"priority"`
	Rationale string  `json:"rationale"`
}

// parseFollowUps reads the follow-up response: a JSON array of candidates,
// optionally wrapped in a {"follow_ups": [...]} envelope.
func parseFollowUps(raw string) ([]tree.FollowUp, error) {
	payload, err := extractJSONPayload(raw)
	if err != nil {
		return nil, err
	}

	var items []followUpPayload
	if err := json.Unmarshal([]byte(payload), &items); err != nil {
		var envelope struct {
			FollowUps []followUpPayload `json:"follow_ups"`
		}
		if err2 := json.Unmarshal([]byte(payload), &envelope); err2 != nil {
			return nil, err
		}
		items = envelope.FollowUps
	}

	followUps := make([]tree.FollowUp, 0, len(items))
	for _, item := range items {
		question := strings.TrimSpace(item.Question)
		if question == "" {
			continue
		}
		followUps = append(followUps, tree.FollowUp{
			Question:  question,
			Type:      normalizeQuestionType(item.Type),
			Priority:  clamp01(item.Priority),
			Rationale: strings.TrimSpace(item.Rationale),
		})
	}
	return followUps, nil
}

// parseSaturation reads {"saturation": 0.x, ...}, accepting "score" as an
// alternate key.
func parseSaturation(raw string) (float64, error) {
	payload, err := extractJSONPayload(raw)
	if err != nil {
		return 0, err
	}

	var resp struct {
		Saturation *float64 `json:"saturation"`
		Score      *float64 `json:"score"`
	}
	if err := json.Unmarshal([]byte(payload), &resp); err != nil {
		return 0, err
	}
	switch {
	case resp.Saturation != nil:
		return clamp01(*resp.Saturation), nil
	case resp.Score != nil:
		return clamp01(*resp.Score), nil
	default:
		return 0, errors.New("saturation key missing")
	}
}

// parseInsights reads {"insights": [...]} or a bare JSON array of strings.
func parseInsights(raw string) ([]string, error) {
	payload, err := extractJSONPayload(raw)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Insights []string `json:"insights"`
	}
	if err := json.Unmarshal([]byte(payload), &envelope); err == nil && envelope.Insights != nil {
		return trimNonEmpty(envelope.Insights), nil
	}

	var bare []string
	if err := json.Unmarshal([]byte(payload), &bare); err != nil {
		return nil, err
	}
	return trimNonEmpty(bare), nil
}

func trimNonEmpty(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s := strings.TrimSpace(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func normalizeKind(s string) tree.FindingKind {
	switch tree.FindingKind(strings.ToLower(strings.TrimSpace(s))) {
	case tree.KindFact:
		return tree.KindFact
	case tree.KindClaim:
		return tree.KindClaim
	case tree.KindEvent:
		return tree.KindEvent
	case tree.KindRelationship:
		return tree.KindRelationship
	case tree.KindQuote:
		return tree.KindQuote
	default:
		// Unknown kinds are unverified assertions until proven otherwise.
		return tree.KindClaim
	}
}

func normalizeQuestionType(s string) tree.QuestionType {
	switch tree.QuestionType(strings.ToLower(strings.TrimSpace(s))) {
	case tree.TypePredecessor:
		return tree.TypePredecessor
	case tree.TypeConsequence:
		return tree.TypeConsequence
	case tree.TypeDetail:
		return tree.TypeDetail
	case tree.TypeVerification:
		return tree.TypeVerification
	case tree.TypeFinancial:
		return tree.TypeFinancial
	case tree.TypeTemporal:
		return tree.TypeTemporal
	default:
		return tree.TypeDetail
	}
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
