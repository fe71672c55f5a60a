package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"deepnerd/internal/tree"
)

// CreateNode inserts a node record. Per-tree question uniqueness is enforced
// by the schema; a violated constraint is reported as tree.ErrDuplicateQuestion
// so callers treat it as "already asked", not as a storage failure.
func (s *KnowledgeStore) CreateNode(ctx context.Context, n *tree.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sourcesJSON, err := json.Marshal(n.Sources)
	if err != nil {
		return fmt.Errorf("failed to marshal node sources: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO nodes (id, tree_id, parent_id, question, normalized_question,
		                    question_type, depth, status, skip_reason,
		                    saturation_score, findings_count, new_entities,
		                    sources_json, duration_ns, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.TreeID, n.ParentID, n.Question, tree.Normalize(n.Question),
		string(n.QuestionType), n.Depth, string(n.Status), n.SkipReason,
		n.SaturationScore, n.FindingsCount, n.NewEntities,
		string(sourcesJSON), int64(n.Duration), n.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("question already asked in tree %s: %w", n.TreeID, tree.ErrDuplicateQuestion)
	}
	if err != nil {
		return fmt.Errorf("failed to insert node: %w", err)
	}
	return nil
}

// UpdateNode persists the mutable node fields.
func (s *KnowledgeStore) UpdateNode(ctx context.Context, n *tree.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sourcesJSON, err := json.Marshal(n.Sources)
	if err != nil {
		return fmt.Errorf("failed to marshal node sources: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET status = ?, skip_reason = ?, saturation_score = ?,
		                  findings_count = ?, new_entities = ?, sources_json = ?,
		                  duration_ns = ?
		 WHERE id = ?`,
		string(n.Status), n.SkipReason, n.SaturationScore,
		n.FindingsCount, n.NewEntities, string(sourcesJSON),
		int64(n.Duration),
		n.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update node: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("node %s: %w", n.ID, tree.ErrNodeNotFound)
	}
	return nil
}

// PendingNodes returns the unprocessed frontier of a tree at one depth, in
// creation order so batches are deterministic.
func (s *KnowledgeStore) PendingNodes(ctx context.Context, treeID string, depth int) ([]*tree.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		nodeSelect+` WHERE tree_id = ? AND depth = ? AND status = ?
		 ORDER BY created_at ASC, id ASC`,
		treeID, depth, string(tree.NodePending),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending nodes: %w", err)
	}
	defer rows.Close()
	return collectNodes(rows)
}

// TreeNodes returns every node of a tree in creation order.
func (s *KnowledgeStore) TreeNodes(ctx context.Context, treeID string) ([]*tree.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		nodeSelect+` WHERE tree_id = ? ORDER BY created_at ASC, id ASC`, treeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tree nodes: %w", err)
	}
	defer rows.Close()
	return collectNodes(rows)
}

// CountNodes returns the number of nodes in a tree.
func (s *KnowledgeStore) CountNodes(ctx context.Context, treeID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM nodes WHERE tree_id = ?`, treeID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count nodes: %w", err)
	}
	return count, nil
}

const nodeSelect = `SELECT id, tree_id, parent_id, question, question_type, depth,
                           status, skip_reason, saturation_score, findings_count,
                           new_entities, sources_json, duration_ns, created_at
                    FROM nodes`

func collectNodes(rows *sql.Rows) ([]*tree.Node, error) {
	var nodes []*tree.Node
	for rows.Next() {
		var (
			n           tree.Node
			qType       string
			status      string
			sourcesJSON string
			durationNS  int64
			created     time.Time
		)
		if err := rows.Scan(&n.ID, &n.TreeID, &n.ParentID, &n.Question, &qType, &n.Depth,
			&status, &n.SkipReason, &n.SaturationScore, &n.FindingsCount,
			&n.NewEntities, &sourcesJSON, &durationNS, &created); err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		n.QuestionType = tree.QuestionType(qType)
		n.Status = tree.NodeStatus(status)
		n.Duration = time.Duration(durationNS)
		n.CreatedAt = created
		if sourcesJSON != "" && sourcesJSON != "null" {
			if err := json.Unmarshal([]byte(sourcesJSON), &n.Sources); err != nil {
				return nil, fmt.Errorf("failed to unmarshal node sources: %w", err)
			}
		}
		nodes = append(nodes, &n)
	}
	return nodes, rows.Err()
}
