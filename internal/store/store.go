// Package store persists investigation trees, nodes, findings, and analyzer
// annotations in SQLite. It is the durable half of the orchestrator: the
// scheduling core only sees the tree.Store interface.
//
// Prior-knowledge retrieval feeds saturation estimation: findings persisted by
// earlier trees in the same workspace are matched by keyword, and ranked by
// embedding similarity when an engine is configured.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"deepnerd/internal/embedding"
	"deepnerd/internal/logging"
	"deepnerd/internal/tree"
)

// KnowledgeStore implements tree.Store on a single SQLite database file.
type KnowledgeStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string

	// Optional engine for semantic prior-knowledge ranking.
	engine embedding.Engine
}

var _ tree.Store = (*KnowledgeStore)(nil)

// NewKnowledgeStore initializes the SQLite database at the given path.
func NewKnowledgeStore(path string) (*KnowledgeStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewKnowledgeStore")
	defer timer.Stop()

	logging.Store("Initializing KnowledgeStore at path: %s", path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("Failed to enable sqlite foreign_keys: %v", err)
	}

	s := &KnowledgeStore{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("KnowledgeStore ready (trees, nodes, findings, annotations)")
	return s, nil
}

// SetEmbeddingEngine enables semantic ranking of prior-knowledge snippets.
// Without an engine the store falls back to keyword matching.
func (s *KnowledgeStore) SetEmbeddingEngine(engine embedding.Engine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engine = engine
	if engine != nil {
		logging.Store("Embedding engine attached: %s", engine.Name())
	}
}

// initialize creates the required tables.
func (s *KnowledgeStore) initialize() error {
	treesTable := `
	CREATE TABLE IF NOT EXISTS trees (
		id TEXT PRIMARY KEY,
		root_question TEXT NOT NULL,
		workspace TEXT NOT NULL,
		config_json TEXT NOT NULL,
		status TEXT NOT NULL,
		total_nodes INTEGER DEFAULT 0,
		tokens_used INTEGER DEFAULT 0,
		estimated_cost REAL DEFAULT 0,
		duration_ns INTEGER DEFAULT 0,
		created_at DATETIME NOT NULL,
		completed_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_trees_workspace ON trees(workspace);
	CREATE INDEX IF NOT EXISTS idx_trees_created ON trees(created_at);
	`

	// The UNIQUE(tree_id, normalized_question) constraint backs the in-memory
	// dedup index: a lost insert race surfaces as a constraint failure and is
	// mapped to tree.ErrDuplicateQuestion.
	nodesTable := `
	CREATE TABLE IF NOT EXISTS nodes (
		id TEXT PRIMARY KEY,
		tree_id TEXT NOT NULL REFERENCES trees(id),
		parent_id TEXT,
		question TEXT NOT NULL,
		normalized_question TEXT NOT NULL,
		question_type TEXT NOT NULL,
		depth INTEGER NOT NULL,
		status TEXT NOT NULL,
		skip_reason TEXT DEFAULT '',
		saturation_score REAL DEFAULT 0,
		findings_count INTEGER DEFAULT 0,
		new_entities INTEGER DEFAULT 0,
		sources_json TEXT DEFAULT '',
		duration_ns INTEGER DEFAULT 0,
		created_at DATETIME NOT NULL,
		UNIQUE(tree_id, normalized_question)
	);
	CREATE INDEX IF NOT EXISTS idx_nodes_tree_depth ON nodes(tree_id, depth, status);
	CREATE INDEX IF NOT EXISTS idx_nodes_parent ON nodes(parent_id);
	`

	findingsTable := `
	CREATE TABLE IF NOT EXISTS findings (
		id TEXT PRIMARY KEY,
		node_id TEXT NOT NULL REFERENCES nodes(id),
		content TEXT NOT NULL,
		kind TEXT NOT NULL,
		confidence REAL DEFAULT 0,
		evidence_strength TEXT DEFAULT '',
		entities_json TEXT DEFAULT '',
		temporal_anchor TEXT DEFAULT '',
		embedding_json TEXT DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_findings_node ON findings(node_id);
	`

	annotationsTable := `
	CREATE TABLE IF NOT EXISTS annotations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		node_id TEXT NOT NULL REFERENCES nodes(id),
		analyzer TEXT NOT NULL,
		summary TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_annotations_node ON annotations(node_id);
	`

	for _, table := range []string{treesTable, nodesTable, findingsTable, annotationsTable} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *KnowledgeStore) Close() error {
	return s.db.Close()
}

// isUniqueViolation reports whether err is a SQLite UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
