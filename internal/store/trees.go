package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"deepnerd/internal/logging"
	"deepnerd/internal/tree"
)

// CreateTree inserts the root record of a new investigation run.
func (s *KnowledgeStore) CreateTree(ctx context.Context, t *tree.Tree) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	configJSON, err := json.Marshal(t.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal tree config: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO trees (id, root_question, workspace, config_json, status,
		                    total_nodes, tokens_used, estimated_cost, duration_ns,
		                    created_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.RootQuestion, t.Workspace, string(configJSON), string(t.Status),
		t.TotalNodes, t.TokensUsed, t.EstimatedCost, int64(t.Duration),
		t.CreatedAt, nullableTime(t.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert tree: %w", err)
	}

	logging.StoreDebug("Created tree %s in workspace %s", t.ID, t.Workspace)
	return nil
}

// UpdateTree persists the mutable tree fields: status, totals, and timing.
func (s *KnowledgeStore) UpdateTree(ctx context.Context, t *tree.Tree) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE trees SET status = ?, total_nodes = ?, tokens_used = ?,
		                  estimated_cost = ?, duration_ns = ?, completed_at = ?
		 WHERE id = ?`,
		string(t.Status), t.TotalNodes, t.TokensUsed,
		t.EstimatedCost, int64(t.Duration), nullableTime(t.CompletedAt),
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update tree: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("tree %s: %w", t.ID, tree.ErrTreeNotFound)
	}
	return nil
}

// GetTree loads one tree by id.
func (s *KnowledgeStore) GetTree(ctx context.Context, treeID string) (*tree.Tree, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, root_question, workspace, config_json, status,
		        total_nodes, tokens_used, estimated_cost, duration_ns,
		        created_at, completed_at
		 FROM trees WHERE id = ?`, treeID)

	t, err := scanTree(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tree %s: %w", treeID, tree.ErrTreeNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tree: %w", err)
	}
	return t, nil
}

// ListTrees returns the most recent trees, newest first. An empty workspace
// lists across all workspaces.
func (s *KnowledgeStore) ListTrees(ctx context.Context, workspace string, limit int) ([]*tree.Tree, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}

	var (
		rows *sql.Rows
		err  error
	)
	query := `SELECT id, root_question, workspace, config_json, status,
	                 total_nodes, tokens_used, estimated_cost, duration_ns,
	                 created_at, completed_at
	          FROM trees`
	if workspace != "" {
		rows, err = s.db.QueryContext(ctx, query+` WHERE workspace = ? ORDER BY created_at DESC LIMIT ?`, workspace, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, query+` ORDER BY created_at DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list trees: %w", err)
	}
	defer rows.Close()

	var trees []*tree.Tree
	for rows.Next() {
		t, err := scanTree(rows)
		if err != nil {
			logging.StoreWarn("Skipping unreadable tree row: %v", err)
			continue
		}
		trees = append(trees, t)
	}
	return trees, rows.Err()
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTree(row rowScanner) (*tree.Tree, error) {
	var (
		t          tree.Tree
		configJSON string
		status     string
		durationNS int64
		created    time.Time
		completed  sql.NullTime
	)
	if err := row.Scan(&t.ID, &t.RootQuestion, &t.Workspace, &configJSON, &status,
		&t.TotalNodes, &t.TokensUsed, &t.EstimatedCost, &durationNS,
		&created, &completed); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(configJSON), &t.Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tree config: %w", err)
	}
	t.Status = tree.TreeStatus(status)
	t.Duration = time.Duration(durationNS)
	t.CreatedAt = created
	if completed.Valid {
		t.CompletedAt = completed.Time
	}
	return &t, nil
}

// nullableTime maps the zero time to NULL so unfinished trees stay NULL in
// the completed_at column.
func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
