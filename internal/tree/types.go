// Package tree implements the recursive investigation tree orchestrator:
// bounded-parallel breadth-first expansion of a root question into follow-up
// investigations, saturation-gated termination, cross-tree question dedup,
// and reasoning-chain reconstruction.
//
// The oracle, knowledge store, and side-effect analyzers are consumed through
// the narrow interfaces defined here so the scheduling logic is fully testable
// with deterministic stubs.
package tree

import (
	"context"
	"errors"
	"time"
)

// TreeStatus is the lifecycle state of a research tree.
type TreeStatus string

const (
	TreeRunning   TreeStatus = "running"
	TreeCompleted TreeStatus = "completed"
	TreeFailed    TreeStatus = "failed"
	TreeCancelled TreeStatus = "cancelled"
)

// NodeStatus is the lifecycle state of a single node.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeSkipped   NodeStatus = "skipped"
)

// QuestionType tags a node's question with the investigative angle it came from.
type QuestionType string

const (
	TypeInitial      QuestionType = "initial"
	TypePredecessor  QuestionType = "predecessor"
	TypeConsequence  QuestionType = "consequence"
	TypeDetail       QuestionType = "detail"
	TypeVerification QuestionType = "verification"
	TypeFinancial    QuestionType = "financial"
	TypeTemporal     QuestionType = "temporal"
)

// AllQuestionTypes lists every follow-up type a node may spawn.
// TypeInitial is reserved for roots and never generated.
var AllQuestionTypes = []QuestionType{
	TypePredecessor, TypeConsequence, TypeDetail,
	TypeVerification, TypeFinancial, TypeTemporal,
}

// FindingKind classifies an extracted finding.
type FindingKind string

const (
	KindFact         FindingKind = "fact"
	KindClaim        FindingKind = "claim"
	KindEvent        FindingKind = "event"
	KindRelationship FindingKind = "relationship"
	KindQuote        FindingKind = "quote"
)

// Sentinel errors callers branch on.
var (
	ErrDuplicateQuestion   = errors.New("duplicate question")
	ErrTreeNotFound        = errors.New("tree not found")
	ErrNodeNotFound        = errors.New("node not found")
	ErrNodeBudgetExhausted = errors.New("node budget exhausted")
	ErrAlreadyRunning      = errors.New("controller is already running a tree")
)

// Config holds the per-tree expansion parameters.
type Config struct {
	DepthLimit           int            `json:"depth_limit"`             // max depth (root = 0, inclusive)
	MaxNodes             int            `json:"max_nodes"`               // global tree-size cap
	ParallelNodes        int            `json:"parallel_nodes"`          // batch concurrency
	SaturationThreshold  float64        `json:"saturation_threshold"`    // score at/above which a node stops expanding
	AllowedFollowUpTypes []QuestionType `json:"allowed_follow_up_types"` // empty = all types permitted
	MaxFollowUpsPerNode  int            `json:"max_follow_ups_per_node"` // fan-out cap per node
	MinPriorityScore     float64        `json:"min_priority_score"`      // follow-up filter floor
}

// DefaultConfig returns the default expansion parameters.
func DefaultConfig() Config {
	return Config{
		DepthLimit:           3,
		MaxNodes:             25,
		ParallelNodes:        3,
		SaturationThreshold:  0.8,
		AllowedFollowUpTypes: nil, // all
		MaxFollowUpsPerNode:  3,
		MinPriorityScore:     0.5,
	}
}

// normalized fills in unusable zero values. DepthLimit 0 is meaningful
// (root only) and is left alone.
func (c Config) normalized() Config {
	if c.MaxNodes < 1 {
		c.MaxNodes = 1
	}
	if c.ParallelNodes < 1 {
		c.ParallelNodes = 1
	}
	return c
}

// validate rejects out-of-range parameters before any record is created.
func (c Config) validate() error {
	if c.DepthLimit < 0 {
		return errors.New("depth limit must be >= 0")
	}
	if c.SaturationThreshold < 0 || c.SaturationThreshold > 1 {
		return errors.New("saturation threshold must be in [0,1]")
	}
	if c.MinPriorityScore < 0 || c.MinPriorityScore > 1 {
		return errors.New("min priority score must be in [0,1]")
	}
	return nil
}

// Tree is the root record of one investigation run.
// Created once at start, mutated only by the Controller, terminal once
// status leaves running.
type Tree struct {
	ID            string        `json:"id"`
	RootQuestion  string        `json:"root_question"`
	Workspace     string        `json:"workspace"`
	Config        Config        `json:"config"`
	Status        TreeStatus    `json:"status"`
	TotalNodes    int           `json:"total_nodes"`
	TokensUsed    int64         `json:"tokens_used"`
	EstimatedCost float64       `json:"estimated_cost"`
	Duration      time.Duration `json:"duration"`
	CreatedAt     time.Time     `json:"created_at"`
	CompletedAt   time.Time     `json:"completed_at,omitempty"`
}

// Node is one investigation step.
// Invariant: depth(child) = depth(parent) + 1; the root has depth 0 and an
// empty ParentID. Created by the Controller (root) or NodeProcessor
// (children); mutated only by NodeProcessor; never deleted during a run.
type Node struct {
	ID              string        `json:"id"`
	TreeID          string        `json:"tree_id"`
	ParentID        string        `json:"parent_id,omitempty"`
	Question        string        `json:"question"`
	QuestionType    QuestionType  `json:"question_type"`
	Depth           int           `json:"depth"`
	Status          NodeStatus    `json:"status"`
	SkipReason      string        `json:"skip_reason,omitempty"`
	SaturationScore float64       `json:"saturation_score"`
	FindingsCount   int           `json:"findings_count"`
	NewEntities     int           `json:"new_entities"`
	Sources         []string      `json:"sources,omitempty"`
	Duration        time.Duration `json:"duration"`
	CreatedAt       time.Time     `json:"created_at"`
}

// Finding is one structured piece of extracted knowledge.
// Owned by exactly one node; immutable after creation.
type Finding struct {
	ID               string      `json:"id"`
	NodeID           string      `json:"node_id"`
	Content          string      `json:"content"`
	Kind             FindingKind `json:"kind"`
	Confidence       float64     `json:"confidence"`        // [0,1]
	EvidenceStrength string      `json:"evidence_strength"` // weak, moderate, strong
	Entities         []string    `json:"entities,omitempty"`
	TemporalAnchor   string      `json:"temporal_anchor,omitempty"`
}

// FollowUp is a candidate sub-question proposed by the oracle after a node
// completes. Transient: a subset survives filtering and becomes child nodes.
type FollowUp struct {
	Question  string       `json:"question"`
	Type      QuestionType `json:"type"`
	Priority  float64      `json:"priority"` // [0,1]
	Rationale string       `json:"rationale,omitempty"`
}

// ReasoningChain is the ordered root-to-leaf question path for one leaf.
// Derived and read-only; its length is always depth(leaf)+1 and its first
// element is the tree's root question.
type ReasoningChain struct {
	LeafID    string         `json:"leaf_id"`
	Questions []string       `json:"questions"`
	Types     []QuestionType `json:"types"`
	Depth     int            `json:"depth"`
}

// Annotation is a persisted side-effect analyzer summary for one node.
type Annotation struct {
	NodeID    string    `json:"node_id"`
	Analyzer  string    `json:"analyzer"`
	Summary   string    `json:"summary"`
	CreatedAt time.Time `json:"created_at"`
}

// SearchResult is the oracle's raw answer to a node question.
type SearchResult struct {
	RawText string   `json:"raw_text"`
	Sources []string `json:"sources,omitempty"`
}

// Oracle is the knowledge oracle consumed by the orchestrator. Every call is
// a suspension point; implementations own their transport concerns (retry,
// rate limiting) and report plain errors to the core.
type Oracle interface {
	// Search answers a question with raw text plus source references.
	Search(ctx context.Context, question string) (SearchResult, error)

	// ExtractFindings turns raw search text into structured findings.
	ExtractFindings(ctx context.Context, question, rawText string) ([]Finding, error)

	// EstimateSaturation scores redundancy of the new findings against prior
	// knowledge: 0 = entirely novel, 1 = fully redundant.
	EstimateSaturation(ctx context.Context, question string, priorKnowledge []string, findings []Finding) (float64, error)

	// GenerateFollowUps proposes candidate sub-questions for a completed node.
	GenerateFollowUps(ctx context.Context, question string, findings []Finding, allowedTypes []QuestionType, alreadyAsked []string) ([]FollowUp, error)

	// Summarize produces tree-level key insights from all findings.
	Summarize(ctx context.Context, rootQuestion string, findings []Finding) ([]string, error)
}

// Store is the persistent record store consumed by the orchestrator.
// CreateNode must enforce per-tree question uniqueness and return
// ErrDuplicateQuestion (possibly wrapped) when violated.
type Store interface {
	CreateTree(ctx context.Context, t *Tree) error
	UpdateTree(ctx context.Context, t *Tree) error
	GetTree(ctx context.Context, treeID string) (*Tree, error)

	CreateNode(ctx context.Context, n *Node) error
	UpdateNode(ctx context.Context, n *Node) error
	PendingNodes(ctx context.Context, treeID string, depth int) ([]*Node, error)
	TreeNodes(ctx context.Context, treeID string) ([]*Node, error)
	CountNodes(ctx context.Context, treeID string) (int, error)

	SaveFindings(ctx context.Context, nodeID string, findings []Finding) error
	TreeFindings(ctx context.Context, treeID string) ([]Finding, error)

	// PriorKnowledge returns snippets relevant to a question's topic from
	// earlier findings in the same workspace, most relevant first.
	PriorKnowledge(ctx context.Context, workspace, question string, limit int) ([]string, error)

	SaveAnnotation(ctx context.Context, nodeID, analyzer, summary string) error
	TreeAnnotations(ctx context.Context, treeID string) ([]Annotation, error)
}

// Analyzer is an optional side-effect hook invoked per node on fresh
// findings. Failures are logged and never affect node status.
type Analyzer interface {
	Name() string
	Analyze(ctx context.Context, nodeID string, findings []Finding) (string, error)
}

// UsageReader supplies cumulative token/cost totals for progress snapshots.
type UsageReader interface {
	TreeUsage(treeID string) (tokens int64, cost float64)
}
