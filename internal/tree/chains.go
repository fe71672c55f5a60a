package tree

import (
	"sort"

	"deepnerd/internal/logging"
)

// BuildChains reconstructs root-to-leaf reasoning chains from the full node
// set of a tree. Leaves are nodes with no children. maxChains > 0 bounds the
// result, deepest leaves first; maxChains <= 0 keeps every leaf.
func BuildChains(nodes []*Node, maxChains int) []ReasoningChain {
	if len(nodes) == 0 {
		return nil
	}

	byID := make(map[string]*Node, len(nodes))
	hasChildren := make(map[string]bool)
	for _, n := range nodes {
		byID[n.ID] = n
	}
	for _, n := range nodes {
		if n.ParentID != "" {
			hasChildren[n.ParentID] = true
		}
	}

	leaves := make([]*Node, 0)
	for _, n := range nodes {
		if !hasChildren[n.ID] {
			leaves = append(leaves, n)
		}
	}

	// Deepest chains carry the most context; ties break on ID so the order
	// is deterministic.
	sort.Slice(leaves, func(i, j int) bool {
		if leaves[i].Depth != leaves[j].Depth {
			return leaves[i].Depth > leaves[j].Depth
		}
		return leaves[i].ID < leaves[j].ID
	})

	if maxChains > 0 && len(leaves) > maxChains {
		leaves = leaves[:maxChains]
	}

	chains := make([]ReasoningChain, 0, len(leaves))
	for _, leaf := range leaves {
		chain, ok := walkToRoot(leaf, byID)
		if !ok {
			logging.ControllerWarn("broken parent link walking chain from node %s", leaf.ID)
			continue
		}
		chains = append(chains, chain)
	}

	return chains
}

// walkToRoot collects the question path from leaf to root and reverses it.
// A chain always has exactly depth(leaf)+1 entries; anything longer means the
// parent links are corrupt.
func walkToRoot(leaf *Node, byID map[string]*Node) (ReasoningChain, bool) {
	questions := make([]string, 0, leaf.Depth+1)
	types := make([]QuestionType, 0, leaf.Depth+1)

	n := leaf
	for steps := 0; ; steps++ {
		if steps > leaf.Depth {
			return ReasoningChain{}, false
		}
		questions = append(questions, n.Question)
		types = append(types, n.QuestionType)
		if n.ParentID == "" {
			break
		}
		parent, ok := byID[n.ParentID]
		if !ok {
			return ReasoningChain{}, false
		}
		n = parent
	}

	for i, j := 0, len(questions)-1; i < j; i, j = i+1, j-1 {
		questions[i], questions[j] = questions[j], questions[i]
		types[i], types[j] = types[j], types[i]
	}

	return ReasoningChain{
		LeafID:    leaf.ID,
		Questions: questions,
		Types:     types,
		Depth:     leaf.Depth,
	}, true
}
