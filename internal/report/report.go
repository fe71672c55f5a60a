// Package report renders a finished investigation tree as a markdown
// document: header totals, key insights, the node outline, findings grouped
// by kind, reasoning chains, and analyzer annotations.
package report

import (
	"fmt"
	"strings"
	"time"

	"deepnerd/internal/tree"
)

// kindOrder fixes the section order for finding groups.
var kindOrder = []tree.FindingKind{
	tree.KindFact,
	tree.KindEvent,
	tree.KindRelationship,
	tree.KindClaim,
	tree.KindQuote,
}

var kindTitles = map[tree.FindingKind]string{
	tree.KindFact:         "Facts",
	tree.KindEvent:        "Events",
	tree.KindRelationship: "Relationships",
	tree.KindClaim:        "Claims",
	tree.KindQuote:        "Quotes",
}

// Compose renders the full markdown report for a tree result.
func Compose(res *tree.TreeResult) string {
	var sb strings.Builder

	writeHeader(&sb, res)
	writeInsights(&sb, res.KeyInsights)
	writeOutline(&sb, res.Nodes)
	writeFindings(&sb, res.Findings)
	writeChains(&sb, res.Chains)
	writeAnnotations(&sb, res)

	sb.WriteString(fmt.Sprintf("---\n*Tree %s in workspace %q*\n", res.Tree.ID, res.Tree.Workspace))
	return sb.String()
}

func writeHeader(sb *strings.Builder, res *tree.TreeResult) {
	t := res.Tree
	completed, skipped := 0, 0
	for _, n := range res.Nodes {
		switch n.Status {
		case tree.NodeCompleted:
			completed++
		case tree.NodeSkipped:
			skipped++
		}
	}

	sb.WriteString(fmt.Sprintf("# Investigation: %s\n\n", t.RootQuestion))
	sb.WriteString(fmt.Sprintf("**Status:** %s\n", t.Status))
	sb.WriteString(fmt.Sprintf("**Nodes:** %d (%d completed, %d skipped)\n", len(res.Nodes), completed, skipped))
	sb.WriteString(fmt.Sprintf("**Findings:** %d\n", len(res.Findings)))
	if t.Duration > 0 {
		sb.WriteString(fmt.Sprintf("**Duration:** %s\n", t.Duration.Round(time.Second)))
	}
	if t.TokensUsed > 0 {
		sb.WriteString(fmt.Sprintf("**Tokens:** %d (estimated cost $%.4f)\n", t.TokensUsed, t.EstimatedCost))
	}
	sb.WriteString("\n")
}

func writeInsights(sb *strings.Builder, insights []string) {
	if len(insights) == 0 {
		return
	}
	sb.WriteString("## Key Insights\n\n")
	for i, insight := range insights {
		sb.WriteString(fmt.Sprintf("%d. %s\n", i+1, insight))
	}
	sb.WriteString("\n")
}

// writeOutline renders the node hierarchy as an indented list, parents
// before children.
func writeOutline(sb *strings.Builder, nodes []*tree.Node) {
	if len(nodes) == 0 {
		return
	}

	children := make(map[string][]*tree.Node)
	var roots []*tree.Node
	for _, n := range nodes {
		if n.ParentID == "" {
			roots = append(roots, n)
			continue
		}
		children[n.ParentID] = append(children[n.ParentID], n)
	}

	sb.WriteString("## Investigation Tree\n\n")
	var walk func(n *tree.Node)
	walk = func(n *tree.Node) {
		sb.WriteString(strings.Repeat("  ", n.Depth))
		sb.WriteString("- ")
		if n.QuestionType != tree.TypeInitial {
			sb.WriteString(fmt.Sprintf("[%s] ", n.QuestionType))
		}
		sb.WriteString(n.Question)
		switch n.Status {
		case tree.NodeCompleted:
			sb.WriteString(fmt.Sprintf(" (%d findings, saturation %.2f)", n.FindingsCount, n.SaturationScore))
		case tree.NodeSkipped:
			sb.WriteString(fmt.Sprintf(" (skipped: %s)", n.SkipReason))
		default:
			sb.WriteString(fmt.Sprintf(" (%s)", n.Status))
		}
		sb.WriteString("\n")
		for _, c := range children[n.ID] {
			walk(c)
		}
	}
	for _, r := range roots {
		walk(r)
	}
	sb.WriteString("\n")
}

func writeFindings(sb *strings.Builder, findings []tree.Finding) {
	if len(findings) == 0 {
		return
	}

	byKind := make(map[tree.FindingKind][]tree.Finding)
	for _, f := range findings {
		byKind[f.Kind] = append(byKind[f.Kind], f)
	}

	sb.WriteString("## Findings\n\n")
	for _, kind := range kindOrder {
		group := byKind[kind]
		if len(group) == 0 {
			continue
		}
		sb.WriteString(fmt.Sprintf("### %s (%d)\n\n", kindTitles[kind], len(group)))
		for _, f := range group {
			sb.WriteString(fmt.Sprintf("- %s (%.0f%% confidence)", f.Content, f.Confidence*100))
			if len(f.Entities) > 0 {
				sb.WriteString(fmt.Sprintf(" [%s]", strings.Join(f.Entities, ", ")))
			}
			if f.TemporalAnchor != "" {
				sb.WriteString(fmt.Sprintf(" (%s)", f.TemporalAnchor))
			}
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
}

func writeChains(sb *strings.Builder, chains []tree.ReasoningChain) {
	if len(chains) == 0 {
		return
	}
	sb.WriteString("## Reasoning Chains\n\n")
	for i, chain := range chains {
		sb.WriteString(fmt.Sprintf("### Chain %d (depth %d)\n\n", i+1, chain.Depth))
		for j, q := range chain.Questions {
			sb.WriteString(fmt.Sprintf("%d. ", j+1))
			if j < len(chain.Types) && chain.Types[j] != tree.TypeInitial {
				sb.WriteString(fmt.Sprintf("[%s] ", chain.Types[j]))
			}
			sb.WriteString(q)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
}

func writeAnnotations(sb *strings.Builder, res *tree.TreeResult) {
	if len(res.Annotations) == 0 {
		return
	}

	questions := make(map[string]string, len(res.Nodes))
	for _, n := range res.Nodes {
		questions[n.ID] = n.Question
	}

	sb.WriteString("## Analyzer Notes\n\n")
	for _, a := range res.Annotations {
		q := questions[a.NodeID]
		if q == "" {
			q = a.NodeID
		}
		sb.WriteString(fmt.Sprintf("- **%s** on %q: %s\n", a.Analyzer, q, a.Summary))
	}
	sb.WriteString("\n")
}
