package tree

import "time"

// Progress is one streaming status snapshot, emitted at least once per batch
// and once at terminal state.
type Progress struct {
	TreeID         string     `json:"tree_id"`
	RootQuestion   string     `json:"root_question"`
	Status         TreeStatus `json:"status"`
	TotalNodes     int        `json:"total_nodes"`
	CompletedNodes int        `json:"completed_nodes"`
	PendingNodes   int        `json:"pending_nodes"`
	SkippedNodes   int        `json:"skipped_nodes"`
	MaxDepth       int        `json:"max_depth"`
	Percent        float64    `json:"percent"`
	TokensUsed     int64      `json:"tokens_used"`
	EstimatedCost  float64    `json:"estimated_cost"`
	Timestamp      time.Time  `json:"timestamp"`
}

// ProgressCallback receives status snapshots during a run. It is called from
// the controller's coordinating flow, never concurrently with itself.
type ProgressCallback func(Progress)

func snapshotProgress(t *Tree, nodes []*Node, tokens int64, cost float64) Progress {
	p := Progress{
		TreeID:        t.ID,
		RootQuestion:  t.RootQuestion,
		Status:        t.Status,
		TotalNodes:    len(nodes),
		TokensUsed:    tokens,
		EstimatedCost: cost,
		Timestamp:     time.Now(),
	}

	for _, n := range nodes {
		switch n.Status {
		case NodeCompleted:
			p.CompletedNodes++
		case NodeSkipped:
			p.SkippedNodes++
		case NodePending:
			p.PendingNodes++
		}
		if n.Status != NodePending && n.Depth > p.MaxDepth {
			p.MaxDepth = n.Depth
		}
	}

	if p.TotalNodes > 0 {
		p.Percent = float64(p.CompletedNodes+p.SkippedNodes) / float64(p.TotalNodes) * 100
	}

	return p
}
