// Package usage accumulates oracle token consumption, converts it to an
// estimated dollar cost, and persists cumulative totals to the workspace
// usage ledger.
package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"deepnerd/internal/logging"
	"deepnerd/internal/tree"
)

const ledgerVersion = "1.0"

// saveDebounce batches ledger writes so a burst of oracle calls costs one
// disk write, not one per call.
const saveDebounce = 5 * time.Second

// Tracker records per-call token usage and keeps the workspace ledger
// (.deepnerd/usage.json) up to date. It implements tree.UsageReader so the
// controller can put live token/cost totals in progress snapshots.
type Tracker struct {
	mu       sync.Mutex
	data     UsageData
	filePath string
	dirty    bool
}

var _ tree.UsageReader = (*Tracker)(nil)

// NewTracker opens the usage ledger under the workspace root, creating the
// data directory if needed. A corrupt or missing ledger starts fresh.
func NewTracker(workspacePath string) (*Tracker, error) {
	dataDir := filepath.Join(workspacePath, ".deepnerd")
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	t := &Tracker{
		filePath: filepath.Join(dataDir, "usage.json"),
		data: UsageData{
			Version: ledgerVersion,
			Aggregate: AggregatedStats{
				ByModel:     make(map[string]TokenCounts),
				ByOperation: make(map[string]TokenCounts),
				ByTree:      make(map[string]TokenCounts),
			},
		},
	}

	if err := t.Load(); err != nil {
		logging.Usage("Starting fresh usage ledger, previous one unreadable: %v", err)
	}
	return t, nil
}

// Load reads the ledger from disk. A missing file is not an error.
func (t *Tracker) Load() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	data, err := os.ReadFile(t.filePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, &t.data); err != nil {
		return err
	}

	// Re-init maps dropped by an empty or partial file.
	if t.data.Aggregate.ByModel == nil {
		t.data.Aggregate.ByModel = make(map[string]TokenCounts)
	}
	if t.data.Aggregate.ByOperation == nil {
		t.data.Aggregate.ByOperation = make(map[string]TokenCounts)
	}
	if t.data.Aggregate.ByTree == nil {
		t.data.Aggregate.ByTree = make(map[string]TokenCounts)
	}
	return nil
}

// Save writes the ledger to disk.
func (t *Tracker) Save() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.saveLocked()
}

func (t *Tracker) saveLocked() error {
	data, err := json.MarshalIndent(t.data, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(t.filePath, data, 0644)
}

// Track records one oracle call. The tree id is taken from the context the
// controller tagged; calls made outside a run are ledgered under "untracked".
func (t *Tracker) Track(ctx context.Context, model string, input, output int, operation string) {
	treeID := tree.TreeIDFromContext(ctx)
	if treeID == "" {
		treeID = "untracked"
	}
	cost := EstimateCost(model, input, output)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.data.Aggregate.TotalProject.Add(input, output)
	t.data.Aggregate.TotalProject.AddCost(cost)
	addToMap(t.data.Aggregate.ByModel, model, input, output, cost)
	addToMap(t.data.Aggregate.ByOperation, operation, input, output, cost)
	addToMap(t.data.Aggregate.ByTree, treeID, input, output, cost)

	logging.UsageDebug("Tracked %s model=%s tokens=%d/%d cost=$%.6f tree=%s",
		operation, model, input, output, cost, treeID)

	// Debounced auto-save.
	if !t.dirty {
		t.dirty = true
		time.AfterFunc(saveDebounce, func() {
			if err := t.Save(); err != nil {
				logging.Usage("Failed to save usage ledger: %v", err)
			}
			t.mu.Lock()
			t.dirty = false
			t.mu.Unlock()
		})
	}
}

// TreeUsage returns total tokens and estimated cost attributed to one tree.
// It implements tree.UsageReader.
func (t *Tracker) TreeUsage(treeID string) (int64, float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tc := t.data.Aggregate.ByTree[treeID]
	return tc.Total, tc.Cost
}

// Stats returns a copy of the aggregated stats.
func (t *Tracker) Stats() AggregatedStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	stats := t.data.Aggregate
	stats.ByModel = copyTokenCountsMap(stats.ByModel)
	stats.ByOperation = copyTokenCountsMap(stats.ByOperation)
	stats.ByTree = copyTokenCountsMap(stats.ByTree)
	return stats
}

func copyTokenCountsMap(src map[string]TokenCounts) map[string]TokenCounts {
	if src == nil {
		return nil
	}
	dst := make(map[string]TokenCounts, len(src))
	for key, counts := range src {
		dst[key] = counts
	}
	return dst
}

func addToMap(m map[string]TokenCounts, key string, input, output int, cost float64) {
	entry := m[key]
	entry.Add(input, output)
	entry.AddCost(cost)
	m[key] = entry
}
