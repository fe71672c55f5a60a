package store

import (
	"context"
	"fmt"

	"deepnerd/internal/logging"
	"deepnerd/internal/tree"
)

// SaveAnnotation records one analyzer summary for a node.
func (s *KnowledgeStore) SaveAnnotation(ctx context.Context, nodeID, analyzer, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO annotations (node_id, analyzer, summary) VALUES (?, ?, ?)`,
		nodeID, analyzer, summary)
	if err != nil {
		return fmt.Errorf("failed to insert annotation: %w", err)
	}
	return nil
}

// TreeAnnotations returns every analyzer annotation in a tree in insertion order.
func (s *KnowledgeStore) TreeAnnotations(ctx context.Context, treeID string) ([]tree.Annotation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT a.node_id, a.analyzer, a.summary, a.created_at
		 FROM annotations a
		 JOIN nodes n ON a.node_id = n.id
		 WHERE n.tree_id = ?
		 ORDER BY a.id ASC`,
		treeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tree annotations: %w", err)
	}
	defer rows.Close()

	var annotations []tree.Annotation
	for rows.Next() {
		var a tree.Annotation
		if err := rows.Scan(&a.NodeID, &a.Analyzer, &a.Summary, &a.CreatedAt); err != nil {
			logging.StoreWarn("Failed to scan annotation row: %v", err)
			continue
		}
		annotations = append(annotations, a)
	}
	return annotations, rows.Err()
}
