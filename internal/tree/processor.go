package tree

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"deepnerd/internal/logging"
)

const (
	// prior snippets fetched for saturation estimation
	priorSnippetLimit = 8
	// already-asked questions shown to the oracle during follow-up generation
	dedupSampleSize = 10
	// analyzers outlive the batch barrier, so they run under their own clock
	analyzerTimeout = 60 * time.Second
	// ceiling on writing a node's terminal state once its batch context is gone
	terminalWriteTimeout = 10 * time.Second
)

// NodeProcessor executes one node end-to-end: oracle search, finding
// extraction and persistence, saturation scoring, side-effect analyzers, and
// child creation. Every node it touches ends in exactly one terminal state
// (completed or skipped); failures never propagate to siblings or the
// controller.
type NodeProcessor struct {
	oracle    Oracle
	store     Store
	estimator *SaturationEstimator
	dedup     *DedupIndex
	budget    *nodeBudget
	analyzers []Analyzer
	cfg       Config
	tree      *Tree

	analyzerWG sync.WaitGroup
}

func newNodeProcessor(t *Tree, cfg Config, oracle Oracle, store Store, dedup *DedupIndex, budget *nodeBudget, analyzers []Analyzer) *NodeProcessor {
	return &NodeProcessor{
		oracle:    oracle,
		store:     store,
		estimator: NewSaturationEstimator(oracle),
		dedup:     dedup,
		budget:    budget,
		analyzers: analyzers,
		cfg:       cfg,
		tree:      t,
	}
}

// Process runs the node state machine: pending -> running -> completed or
// skipped. All failures are contained here.
func (p *NodeProcessor) Process(ctx context.Context, node *Node) {
	timer := logging.StartTimer(logging.CategoryProcessor, fmt.Sprintf("Process(%s)", node.ID))
	defer timer.Stop()

	start := time.Now()
	node.Status = NodeRunning
	if err := p.store.UpdateNode(ctx, node); err != nil {
		logging.ProcessorWarn("failed to mark node %s running: %v", node.ID, err)
	}

	logging.Processor("Processing node %s (depth=%d): %.80s", node.ID, node.Depth, node.Question)

	result, err := p.oracle.Search(ctx, node.Question)
	if err != nil {
		p.skip(node, start, fmt.Sprintf("search failed: %v", err))
		return
	}
	node.Sources = result.Sources

	findings, err := p.oracle.ExtractFindings(ctx, node.Question, result.RawText)
	if err != nil {
		p.skip(node, start, fmt.Sprintf("extraction failed: %v", err))
		return
	}

	// Prior knowledge is read before the new findings are persisted so the
	// node is never compared against itself.
	prior, err := p.store.PriorKnowledge(ctx, p.tree.Workspace, node.Question, priorSnippetLimit)
	if err != nil {
		logging.ProcessorWarn("prior knowledge lookup failed for node %s: %v", node.ID, err)
		prior = nil
	}

	if err := p.store.SaveFindings(ctx, node.ID, findings); err != nil {
		p.skip(node, start, fmt.Sprintf("persist findings failed: %v", err))
		return
	}

	saturation, err := p.estimator.Estimate(ctx, node.Question, prior, findings)
	if err != nil {
		p.skip(node, start, fmt.Sprintf("saturation estimate failed: %v", err))
		return
	}

	p.runAnalyzers(node.ID, findings)

	var childrenCreated int
	if saturation < p.cfg.SaturationThreshold && node.Depth < p.cfg.DepthLimit &&
		p.cfg.MaxFollowUpsPerNode > 0 && !p.budget.Exhausted() {
		n, err := p.expand(ctx, node, findings)
		if err != nil {
			p.skip(node, start, fmt.Sprintf("follow-up generation failed: %v", err))
			return
		}
		childrenCreated = n
	}

	node.Status = NodeCompleted
	node.SaturationScore = saturation
	node.FindingsCount = len(findings)
	node.NewEntities = distinctEntities(findings)
	node.Duration = time.Since(start)
	if err := p.persistTerminal(node); err != nil {
		logging.ProcessorError("failed to mark node %s completed: %v", node.ID, err)
	}

	logging.Processor("Node %s completed: findings=%d, saturation=%.2f, children=%d, took=%v",
		node.ID, len(findings), saturation, childrenCreated, node.Duration)
}

// expand generates follow-up candidates, filters them, and creates child
// nodes at depth+1 for survivors that win the dedup insert and fit the node
// budget. Returns the number of children created.
func (p *NodeProcessor) expand(ctx context.Context, node *Node, findings []Finding) (int, error) {
	candidates, err := p.oracle.GenerateFollowUps(ctx, node.Question, findings, p.cfg.AllowedFollowUpTypes, p.dedup.Sample(dedupSampleSize))
	if err != nil {
		return 0, err
	}

	ranked := FilterFollowUps(candidates, p.cfg, p.dedup)
	if len(ranked) > p.cfg.MaxFollowUpsPerNode {
		ranked = ranked[:p.cfg.MaxFollowUpsPerNode]
	}

	created := 0
	for _, fu := range ranked {
		if !p.budget.TryReserve() {
			logging.ProcessorDebug("node budget exhausted, dropping follow-up: %.60s", fu.Question)
			break
		}
		if !p.dedup.Add(fu.Question) {
			// Lost the race to a sibling in the same batch; not an error.
			p.budget.Release()
			continue
		}

		child := &Node{
			ID:           uuid.NewString(),
			TreeID:       node.TreeID,
			ParentID:     node.ID,
			Question:     fu.Question,
			QuestionType: fu.Type,
			Depth:        node.Depth + 1,
			Status:       NodePending,
			CreatedAt:    time.Now(),
		}
		if err := p.store.CreateNode(ctx, child); err != nil {
			p.budget.Release()
			if errors.Is(err, ErrDuplicateQuestion) {
				// The store's uniqueness constraint backs the in-memory
				// index; the question stays recorded as asked.
				continue
			}
			p.dedup.Remove(fu.Question)
			logging.ProcessorWarn("failed to create child node under %s: %v", node.ID, err)
			continue
		}
		created++
	}

	return created, nil
}

// runAnalyzers fires the side-effect analyzers for a node. Best-effort:
// failures are logged and never affect node status. The goroutines outlive
// the batch barrier, so they get their own context rather than the batch's.
func (p *NodeProcessor) runAnalyzers(nodeID string, findings []Finding) {
	if len(p.analyzers) == 0 || len(findings) == 0 {
		return
	}
	for _, a := range p.analyzers {
		a := a
		p.analyzerWG.Add(1)
		go func() {
			defer p.analyzerWG.Done()
			ctx, cancel := context.WithTimeout(context.Background(), analyzerTimeout)
			defer cancel()

			summary, err := a.Analyze(ctx, nodeID, findings)
			if err != nil {
				logging.AnalysisWarn("%s analyzer failed for node %s: %v", a.Name(), nodeID, err)
				return
			}
			if summary == "" {
				return
			}
			if err := p.store.SaveAnnotation(ctx, nodeID, a.Name(), summary); err != nil {
				logging.AnalysisWarn("failed to save %s annotation for node %s: %v", a.Name(), nodeID, err)
			}
		}()
	}
}

// Wait blocks until all in-flight analyzer goroutines have finished.
func (p *NodeProcessor) Wait() {
	p.analyzerWG.Wait()
}

func (p *NodeProcessor) skip(node *Node, start time.Time, reason string) {
	node.Status = NodeSkipped
	node.SkipReason = reason
	node.Duration = time.Since(start)
	if err := p.persistTerminal(node); err != nil {
		logging.ProcessorError("failed to mark node %s skipped: %v", node.ID, err)
	}
	logging.ProcessorWarn("Node %s skipped: %s", node.ID, reason)
}

// persistTerminal writes a node's terminal transition under its own context.
// The batch context may already be dead, which is often the very reason the
// node is being skipped, and a node must never stay running in the store.
func (p *NodeProcessor) persistTerminal(node *Node) error {
	ctx, cancel := context.WithTimeout(context.Background(), terminalWriteTimeout)
	defer cancel()
	return p.store.UpdateNode(ctx, node)
}

func distinctEntities(findings []Finding) int {
	seen := make(map[string]struct{})
	for _, f := range findings {
		for _, e := range f.Entities {
			key := strings.ToLower(strings.TrimSpace(e))
			if key == "" {
				continue
			}
			seen[key] = struct{}{}
		}
	}
	return len(seen)
}
