package oracle

import (
	"fmt"
	"strings"

	"deepnerd/internal/tree"
)

const searchSystemPrompt = `You are a meticulous research assistant. Answer the question with concrete, verifiable information: names, dates, amounts, places, and the relationships between them. Prefer primary sources. State conflicting accounts as conflicting rather than picking one. Do not speculate beyond the evidence.`

const extractionSystemPrompt = `You are an information extraction engine. Extract discrete findings from research text.

Output a JSON array, one object per finding:
[
  {
    "content": "one self-contained statement",
    "kind": "fact|claim|event|relationship|quote",
    "confidence": 0.0-1.0,
    "evidence_strength": "weak|moderate|strong",
    "entities": ["named entities mentioned"],
    "temporal_anchor": "date or period if the finding is time-bound, else empty"
  }
]

Rules:
- Each finding must stand alone without the surrounding text.
- "fact" is independently verifiable, "claim" is an assertion by a party, "event" is something that happened, "relationship" connects entities, "quote" is verbatim speech.
- Confidence reflects how well the text supports the statement, not how famous the topic is.
- No duplicate findings. Output ONLY the JSON array.`

const saturationSystemPrompt = `You are a research auditor. Compare new findings against prior knowledge and score how redundant the new findings are.

Output a JSON object:
{"saturation": 0.0-1.0, "reasoning": "one sentence"}

0.0 means entirely novel information, 1.0 means everything was already known. Score the information content, not the wording. Output ONLY the JSON object.`

const followUpSystemPrompt = `You are an investigation planner. Given a question and what was just learned, propose the follow-up questions a thorough investigator would ask next.

Output a JSON array:
[
  {
    "question": "specific, answerable question",
    "type": "predecessor|consequence|detail|verification|financial|temporal",
    "priority": 0.0-1.0,
    "rationale": "why this matters"
  }
]

Rules:
- "predecessor" asks what led to this, "consequence" what followed from it, "detail" drills into specifics, "verification" cross-checks a shaky claim, "financial" follows the money, "temporal" pins down when.
- Priority reflects how much the answer would advance the root investigation.
- Never repeat a question that was already asked. Output ONLY the JSON array.`

const insightsSystemPrompt = `You are a research analyst. Distill the findings of a completed investigation into its key insights.

Output a JSON object:
{"insights": ["insight 1", "insight 2", ...]}

Rules:
- Each insight is one sentence that answers part of the root question or names an open contradiction.
- Order by importance. At most 10 insights. Output ONLY the JSON object.`

// Prompt size caps. Raw search text and finding digests are truncated so a
// single call stays well inside the model context window.
const (
	maxRawTextChars = 24000
	maxDigestChars  = 12000
)

func buildSearchPrompt(question string) string {
	return fmt.Sprintf("Research this question and report everything relevant you find:\n\n%s", question)
}

func buildExtractionPrompt(question, rawText string) string {
	if len(rawText) > maxRawTextChars {
		rawText = rawText[:maxRawTextChars] + "\n...[truncated]"
	}
	var sb strings.Builder
	sb.WriteString("Question under investigation: ")
	sb.WriteString(question)
	sb.WriteString("\n\nResearch text:\n")
	sb.WriteString(rawText)
	sb.WriteString("\n\nExtract the findings as JSON:")
	return sb.String()
}

func buildSaturationPrompt(question string, priorKnowledge []string, findings []tree.Finding) string {
	var sb strings.Builder
	sb.WriteString("Question: ")
	sb.WriteString(question)
	sb.WriteString("\n\nPrior knowledge:\n")
	for _, snippet := range priorKnowledge {
		sb.WriteString("- ")
		sb.WriteString(snippet)
		sb.WriteString("\n")
		if sb.Len() > maxDigestChars {
			sb.WriteString("...[truncated]\n")
			break
		}
	}
	sb.WriteString("\nNew findings:\n")
	sb.WriteString(findingsDigest(findings))
	sb.WriteString("\nScore the redundancy as JSON:")
	return sb.String()
}

func buildFollowUpPrompt(question string, findings []tree.Finding, allowedTypes []tree.QuestionType, alreadyAsked []string) string {
	var sb strings.Builder
	sb.WriteString("Question just answered: ")
	sb.WriteString(question)
	sb.WriteString("\n\nWhat was learned:\n")
	sb.WriteString(findingsDigest(findings))

	if len(allowedTypes) > 0 {
		names := make([]string, len(allowedTypes))
		for i, t := range allowedTypes {
			names[i] = string(t)
		}
		sb.WriteString("\nOnly propose questions of these types: ")
		sb.WriteString(strings.Join(names, ", "))
		sb.WriteString("\n")
	}
	if len(alreadyAsked) > 0 {
		sb.WriteString("\nAlready asked (do not repeat):\n")
		for _, q := range alreadyAsked {
			sb.WriteString("- ")
			sb.WriteString(q)
			sb.WriteString("\n")
		}
	}
	sb.WriteString("\nPropose the follow-up questions as JSON:")
	return sb.String()
}

func buildInsightsPrompt(rootQuestion string, findings []tree.Finding) string {
	var sb strings.Builder
	sb.WriteString("Root question of the investigation: ")
	sb.WriteString(rootQuestion)
	sb.WriteString("\n\nAll findings:\n")
	sb.WriteString(findingsDigest(findings))
	sb.WriteString("\nDistill the key insights as JSON:")
	return sb.String()
}

// findingsDigest renders findings as a bounded bullet list for prompts.
func findingsDigest(findings []tree.Finding) string {
	if len(findings) == 0 {
		return "(none)\n"
	}
	var sb strings.Builder
	for _, f := range findings {
		sb.WriteString(fmt.Sprintf("- [%s, confidence %.2f] %s", f.Kind, f.Confidence, f.Content))
		if len(f.Entities) > 0 {
			sb.WriteString(" (entities: ")
			sb.WriteString(strings.Join(f.Entities, ", "))
			sb.WriteString(")")
		}
		if f.TemporalAnchor != "" {
			sb.WriteString(" (when: ")
			sb.WriteString(f.TemporalAnchor)
			sb.WriteString(")")
		}
		sb.WriteString("\n")
		if sb.Len() > maxDigestChars {
			sb.WriteString("...[truncated]\n")
			break
		}
	}
	return sb.String()
}
