package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"deepnerd/internal/embedding"
	"deepnerd/internal/logging"
	"deepnerd/internal/tree"
)

// SaveFindings persists a node's findings in one transaction. When an
// embedding engine is configured each finding is also embedded so later
// PriorKnowledge lookups can rank by semantic similarity; embedding failures
// degrade to a keyword-only record and never fail the save.
func (s *KnowledgeStore) SaveFindings(ctx context.Context, nodeID string, findings []tree.Finding) error {
	if len(findings) == 0 {
		return nil
	}

	var vectors [][]float32
	if s.engine != nil {
		texts := make([]string, len(findings))
		for i, f := range findings {
			texts[i] = f.Content
		}
		var err error
		vectors, err = s.engine.EmbedBatch(ctx, texts)
		if err != nil {
			logging.StoreWarn("Failed to embed findings for node %s, saving without vectors: %v", nodeID, err)
			vectors = nil
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin findings transaction: %w", err)
	}
	defer tx.Rollback()

	for i, f := range findings {
		id := f.ID
		if id == "" {
			id = uuid.NewString()
		}

		entitiesJSON, err := json.Marshal(f.Entities)
		if err != nil {
			return fmt.Errorf("failed to marshal finding entities: %w", err)
		}

		var embeddingJSON string
		if vectors != nil && i < len(vectors) && len(vectors[i]) > 0 {
			raw, err := json.Marshal(vectors[i])
			if err != nil {
				return fmt.Errorf("failed to marshal finding embedding: %w", err)
			}
			embeddingJSON = string(raw)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO findings (id, node_id, content, kind, confidence,
			                       evidence_strength, entities_json,
			                       temporal_anchor, embedding_json)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, nodeID, f.Content, string(f.Kind), f.Confidence,
			f.EvidenceStrength, string(entitiesJSON),
			f.TemporalAnchor, embeddingJSON,
		)
		if err != nil {
			return fmt.Errorf("failed to insert finding: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit findings: %w", err)
	}
	return nil
}

// TreeFindings returns every finding in a tree in insertion order.
func (s *KnowledgeStore) TreeFindings(ctx context.Context, treeID string) ([]tree.Finding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT f.id, f.node_id, f.content, f.kind, f.confidence,
		        f.evidence_strength, f.entities_json, f.temporal_anchor
		 FROM findings f
		 JOIN nodes n ON f.node_id = n.id
		 WHERE n.tree_id = ?
		 ORDER BY f.rowid ASC`,
		treeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tree findings: %w", err)
	}
	defer rows.Close()

	var findings []tree.Finding
	for rows.Next() {
		var (
			f            tree.Finding
			kind         string
			entitiesJSON string
		)
		if err := rows.Scan(&f.ID, &f.NodeID, &f.Content, &kind, &f.Confidence,
			&f.EvidenceStrength, &entitiesJSON, &f.TemporalAnchor); err != nil {
			logging.StoreWarn("Failed to scan finding row: %v", err)
			continue
		}
		f.Kind = tree.FindingKind(kind)
		if entitiesJSON != "" && entitiesJSON != "null" {
			if err := json.Unmarshal([]byte(entitiesJSON), &f.Entities); err != nil {
				logging.StoreWarn("Failed to unmarshal entities for finding %s: %v", f.ID, err)
			}
		}
		findings = append(findings, f)
	}
	return findings, rows.Err()
}

// PriorKnowledge returns stored finding contents relevant to a question,
// scoped to one workspace and ordered most relevant first. Candidates are
// pre-filtered by keyword match in SQL; the embedding engine reranks them
// when available, otherwise keyword overlap decides.
func (s *KnowledgeStore) PriorKnowledge(ctx context.Context, workspace, question string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 5
	}

	keywords := queryKeywords(question)
	if len(keywords) == 0 {
		return nil, nil
	}

	candidates, err := s.keywordCandidates(ctx, workspace, keywords, limit*4)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	if s.engine != nil {
		ranked, err := s.rankBySimilarity(ctx, question, candidates, limit)
		if err == nil {
			return ranked, nil
		}
		logging.StoreWarn("Embedding rerank failed, falling back to keyword order: %v", err)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].matches > candidates[j].matches
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	snippets := make([]string, len(candidates))
	for i, c := range candidates {
		snippets[i] = c.content
	}
	return snippets, nil
}

type priorCandidate struct {
	content   string
	embedding []float32
	matches   int
}

func (s *KnowledgeStore) keywordCandidates(ctx context.Context, workspace string, keywords []string, fetchLimit int) ([]priorCandidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conds := make([]string, len(keywords))
	args := []any{workspace}
	for i, kw := range keywords {
		conds[i] = "LOWER(f.content) LIKE ?"
		args = append(args, "%"+kw+"%")
	}
	args = append(args, fetchLimit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT f.content, f.embedding_json
		 FROM findings f
		 JOIN nodes n ON f.node_id = n.id
		 JOIN trees t ON n.tree_id = t.id
		 WHERE t.workspace = ? AND (`+strings.Join(conds, " OR ")+`)
		 ORDER BY f.rowid DESC
		 LIMIT ?`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query prior knowledge: %w", err)
	}
	defer rows.Close()

	var candidates []priorCandidate
	for rows.Next() {
		var c priorCandidate
		var embeddingJSON string
		if err := rows.Scan(&c.content, &embeddingJSON); err != nil {
			logging.StoreWarn("Failed to scan prior knowledge row: %v", err)
			continue
		}
		if embeddingJSON != "" {
			if err := json.Unmarshal([]byte(embeddingJSON), &c.embedding); err != nil {
				logging.StoreWarn("Failed to unmarshal stored embedding: %v", err)
				c.embedding = nil
			}
		}
		lower := strings.ToLower(c.content)
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				c.matches++
			}
		}
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

func (s *KnowledgeStore) rankBySimilarity(ctx context.Context, question string, candidates []priorCandidate, limit int) ([]string, error) {
	queryVec, err := s.engine.Embed(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("failed to embed question: %w", err)
	}

	var corpus [][]float32
	var corpusIdx []int
	for i, c := range candidates {
		if len(c.embedding) > 0 {
			corpus = append(corpus, c.embedding)
			corpusIdx = append(corpusIdx, i)
		}
	}
	if len(corpus) == 0 {
		return nil, fmt.Errorf("no stored embeddings to rank against")
	}

	results := embedding.FindTopK(queryVec, corpus, limit)
	snippets := make([]string, 0, limit)
	for _, r := range results {
		snippets = append(snippets, candidates[corpusIdx[r.Index]].content)
	}

	// Backfill with unembedded candidates when vectors alone cannot fill
	// the requested limit.
	if len(snippets) < limit {
		for _, c := range candidates {
			if len(snippets) == limit {
				break
			}
			if len(c.embedding) == 0 {
				snippets = append(snippets, c.content)
			}
		}
	}
	return snippets, nil
}

// queryKeywords lowercases a question and keeps the distinct informative
// words, capped so LIKE clauses stay bounded.
func queryKeywords(question string) []string {
	skip := map[string]bool{
		"the": true, "and": true, "for": true, "that": true, "this": true,
		"with": true, "from": true, "what": true, "when": true, "where": true,
		"which": true, "who": true, "why": true, "how": true, "did": true,
		"does": true, "was": true, "were": true, "are": true, "has": true,
		"have": true, "had": true, "about": true, "into": true, "there": true,
	}

	seen := make(map[string]bool)
	var keywords []string
	for _, word := range strings.Fields(strings.ToLower(question)) {
		word = strings.Trim(word, ".,;:!?\"'()[]")
		if len(word) < 3 || skip[word] || seen[word] {
			continue
		}
		seen[word] = true
		keywords = append(keywords, word)
		if len(keywords) == 8 {
			break
		}
	}
	return keywords
}
