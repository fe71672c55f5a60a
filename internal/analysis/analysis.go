// Package analysis provides the side-effect analyzers that run after a
// node's findings are extracted. Analyzers produce short annotation
// summaries persisted alongside the node; they never influence tree
// expansion and their failures never fail a node.
package analysis

import (
	"context"
	"fmt"
	"strings"

	"deepnerd/internal/tree"
)

// Client is the narrow completion surface the analyzers need from the
// oracle client.
type Client interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// noneSentinel is what the analyzers instruct the model to reply with when
// the findings carry nothing worth annotating.
const noneSentinel = "NONE"

// findingsDigest renders findings as prompt bullets.
func findingsDigest(findings []tree.Finding) string {
	var sb strings.Builder
	for _, f := range findings {
		sb.WriteString(fmt.Sprintf("- [%s] %s\n", f.Kind, f.Content))
		if len(f.Entities) > 0 {
			sb.WriteString(fmt.Sprintf("  (entities: %s)\n", strings.Join(f.Entities, ", ")))
		}
	}
	return sb.String()
}

// cleanSummary trims the model reply and maps the NONE sentinel to "", which
// the caller treats as "no annotation".
func cleanSummary(text string) string {
	text = strings.TrimSpace(text)
	if strings.EqualFold(text, noneSentinel) {
		return ""
	}
	return text
}
